package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var (
	_ Storeable = (*DBSession)(nil)
	_ Storeable = (*DBMessage)(nil)
)

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// millis keeps the zero time as 0.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type DBSession struct {
	ID        int64  `msgpack:"id"`
	Status    string `msgpack:"status"`
	CreatedAt int64  `msgpack:"createdAt"`
	UpdatedAt int64  `msgpack:"updatedAt"`
	EndedAt   int64  `msgpack:"endedAt"`
	// SyncedAt is when the snapshot was taken.
	SyncedAt int64 `msgpack:"syncedAt"`
}

func (s *DBSession) Key() []byte {
	return idKey(s.ID)
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

// DBMessage is a timeline entry. Seq is its position in the timeline.
type DBMessage struct {
	Seq             int64  `msgpack:"seq"`
	Text            string `msgpack:"text"`
	Sender          string `msgpack:"sender"`
	Timestamp       int64  `msgpack:"timestamp"`
	ServerID        int64  `msgpack:"serverId"`
	ClientMessageID string `msgpack:"clientMessageId"`
	Status          string `msgpack:"status"`
}

func (m *DBMessage) Key() []byte {
	return idKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
