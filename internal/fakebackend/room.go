package fakebackend

import (
	"sync"
	"time"

	"chatline/internal/models"
)

// room holds one chat and the tail of its message log in a ring buffer.
type room struct {
	mu sync.RWMutex

	session    models.ChatSession
	records    []models.RESTMessage
	lastIndex  int
	maxRecords int
}

func newRoom(session models.ChatSession, maxRecords int) *room {
	return &room{
		session:    session,
		lastIndex:  -1,
		maxRecords: maxRecords,
	}
}

func (r *room) Session() models.ChatSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// SetStatus moves the chat to status. Closed chats never change.
func (r *room) SetStatus(status models.ChatStatus, now time.Time) (models.ChatSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session.Status == status || r.session.Status.Terminal() {
		return r.session, false
	}
	r.session.Status = status
	r.session.UpdatedAt = now
	if status.Terminal() {
		ended := now
		r.session.EndedAt = &ended
	}
	return r.session, true
}

// AddRecord appends msg, overwriting the oldest record once the buffer is
// full.
func (r *room) AddRecord(msg models.RESTMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case len(r.records) < r.maxRecords:
		r.records = append(r.records, msg)
		r.lastIndex++
	default:
		i := (r.lastIndex + 1) % r.maxRecords
		r.records[i] = msg
		r.lastIndex = i
	}
	r.session.UpdatedAt = msg.CreatedAt
}

// Records returns the buffered messages, oldest first.
func (r *room) Records() []models.RESTMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.RESTMessage, len(r.records))
	head := 0
	if len(r.records) == r.maxRecords {
		head = (r.lastIndex + 1) % r.maxRecords
	}
	n := copy(result, r.records[head:])
	copy(result[n:], r.records[:head])
	return result
}
