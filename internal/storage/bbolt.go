// Package storage caches session snapshots on disk so history can be read
// back without the backend.
package storage

import (
	"fmt"
	"slices"
	"time"

	"chatline/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketSessions = []byte("sessions")
	bucketMessages = []byte("messages")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveSnapshot stores a chat and replaces its cached timeline. Sends still
// awaiting confirmation are not cached.
func (s *BboltStorage) SaveSnapshot(chat models.ChatSession, messages []models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putSession(tx, chat, s.now()); err != nil {
			return err
		}

		timelines := tx.Bucket(bucketMessages)
		key := idKey(chat.ID)
		if timelines.Bucket(key) != nil {
			if err := timelines.DeleteBucket(key); err != nil {
				return fmt.Errorf("failed to clear timeline: %w", err)
			}
		}
		chatBucket, err := timelines.CreateBucket(key)
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}

		var seq int64
		for _, m := range messages {
			if m.Pending() {
				continue
			}
			dbMessage := DBMessage{
				Seq:             seq,
				Text:            m.Text,
				Sender:          string(m.Sender),
				Timestamp:       millis(m.Timestamp),
				ServerID:        m.ServerID,
				ClientMessageID: m.ClientMessageID,
				Status:          string(m.Status),
			}
			data, err := dbMessage.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := chatBucket.Put(dbMessage.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
			seq++
		}
		return nil
	})
}

// UpsertSession stores a chat without touching its timeline.
func (s *BboltStorage) UpsertSession(chat models.ChatSession) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putSession(tx, chat, s.now())
	})
}

func putSession(tx *bbolt.Tx, chat models.ChatSession, now time.Time) error {
	dbSession := DBSession{
		ID:        chat.ID,
		Status:    string(chat.Status),
		CreatedAt: millis(chat.CreatedAt),
		UpdatedAt: millis(chat.UpdatedAt),
		SyncedAt:  now.UnixMilli(),
	}
	if chat.EndedAt != nil {
		dbSession.EndedAt = millis(*chat.EndedAt)
	}
	data, err := dbSession.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSessions).Put(dbSession.Key(), data)
}

// Session returns a cached chat or models.ErrNotFound.
func (s *BboltStorage) Session(chatID int64) (models.ChatSession, error) {
	var chat models.ChatSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get(idKey(chatID))
		if data == nil {
			return fmt.Errorf("chat %d: %w", chatID, models.ErrNotFound)
		}
		var dbSession DBSession
		if err := dbSession.UnmarshalBinary(data); err != nil {
			return err
		}
		chat = dbSession.toModel()
		return nil
	})
	return chat, err
}

// ListSessions returns all cached chats, most recently updated first.
func (s *BboltStorage) ListSessions() ([]models.ChatSession, error) {
	var chats []models.ChatSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var dbSession DBSession
			if err := dbSession.UnmarshalBinary(v); err != nil {
				return err
			}
			chats = append(chats, dbSession.toModel())
			return nil
		})
	})
	slices.SortStableFunc(chats, func(a, b models.ChatSession) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return chats, err
}

// ListMessages returns the cached timeline of a chat in order.
func (s *BboltStorage) ListMessages(chatID int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket(idKey(chatID))
		if chatBucket == nil {
			return nil // nothing cached
		}
		return chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				Text:            dbMsg.Text,
				Sender:          models.Sender(dbMsg.Sender),
				Timestamp:       fromMillis(dbMsg.Timestamp),
				ServerID:        dbMsg.ServerID,
				ClientMessageID: dbMsg.ClientMessageID,
				Status:          models.DeliveryStatus(dbMsg.Status),
			})
			return nil
		})
	})
	return messages, err
}

// DeleteSession drops a chat and its timeline.
func (s *BboltStorage) DeleteSession(chatID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := idKey(chatID)
		if err := tx.Bucket(bucketSessions).Delete(key); err != nil {
			return err
		}
		timelines := tx.Bucket(bucketMessages)
		if timelines.Bucket(key) == nil {
			return nil
		}
		return timelines.DeleteBucket(key)
	})
}

func (s *DBSession) toModel() models.ChatSession {
	chat := models.ChatSession{
		ID:        s.ID,
		Status:    models.ChatStatus(s.Status),
		CreatedAt: fromMillis(s.CreatedAt),
		UpdatedAt: fromMillis(s.UpdatedAt),
	}
	if s.EndedAt != 0 {
		ended := fromMillis(s.EndedAt)
		chat.EndedAt = &ended
	}
	return chat
}
