// Package outbox tracks messages sent by this client until the server
// confirms them or they time out.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatline/internal/content"
	"chatline/internal/models"
	"chatline/internal/timeline"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a send may stay unconfirmed before it fails.
const DefaultTimeout = 30 * time.Second

// Transmitter delivers a frame over the realtime channel. It returns
// models.ErrNotLive when no live socket is available.
type Transmitter interface {
	Send(frame models.ClientFrame) error
}

// RESTSender posts a message over the REST fallback endpoint.
type RESTSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (models.RESTMessage, error)
}

type Config struct {
	ChatID  int64
	Sender  models.Sender
	Timeout time.Duration

	Timeline  *timeline.Reconciler
	Transport Transmitter
	REST      RESTSender

	// Dispatch runs fn on the event loop that owns the timeline.
	Dispatch func(fn func())
	// OnResolve is called on the event loop whenever a send settles.
	OnResolve func(clientMessageID string, status models.DeliveryStatus)
	Logger    *slog.Logger
}

type pendingSend struct {
	msg   models.Message
	timer *time.Timer
}

// Tracker is not safe for concurrent use; every method except the timer and
// REST callbacks it schedules itself runs on the owning event loop.
type Tracker struct {
	cfg     Config
	ctx     context.Context
	pending map[string]*pendingSend
	used    map[string]struct{}
	closed  bool

	now   func() time.Time
	newID func() string
	log   *slog.Logger
}

func New(ctx context.Context, cfg Config) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Sender == "" {
		cfg.Sender = models.SenderUser
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		ctx:     ctx,
		pending: make(map[string]*pendingSend),
		used:    make(map[string]struct{}),
		now:     time.Now,
		newID:   uuid.NewString,
		log:     log.With("component", "outbox", "chat_id", cfg.ChatID),
	}
}

// Send appends an optimistic echo to the timeline and transmits the text.
// It returns the client message id allocated for this send.
func (t *Tracker) Send(text string) (string, error) {
	text, err := content.ValidateMessage(text)
	if err != nil {
		return "", err
	}

	id := t.newID()
	for t.isUsed(id) {
		id = t.newID()
	}
	t.used[id] = struct{}{}

	msg := models.Message{
		Text:            text,
		Sender:          t.cfg.Sender,
		Timestamp:       t.now(),
		ClientMessageID: id,
		Status:          models.DeliverySending,
	}
	t.cfg.Timeline.Ingest([]models.Message{msg}, timeline.SourceLocalEcho)

	p := &pendingSend{msg: msg}
	p.timer = time.AfterFunc(t.cfg.Timeout, func() {
		t.cfg.Dispatch(func() { t.expire(id) })
	})
	t.pending[id] = p

	err = t.cfg.Transport.Send(models.ClientFrame{Message: text, ClientMessageID: id})
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotLive):
		t.sendREST(id, text)
	default:
		t.log.Warn("transport send failed", "client_message_id", id, "error", err)
		t.settle(id, models.DeliveryFailed)
	}
	return id, nil
}

// Ack resolves the send acknowledged by the server. Acks for unknown or
// already settled ids are ignored.
func (t *Tracker) Ack(clientMessageID string, serverID int64) bool {
	if _, ok := t.pending[clientMessageID]; !ok {
		t.log.Debug("ack for unknown send", "client_message_id", clientMessageID)
		return false
	}
	t.cfg.Timeline.Resolve(clientMessageID, serverID, time.Time{})
	t.settle(clientMessageID, models.DeliverySent)
	return true
}

// Echoed settles sends whose broadcast copies were already merged into the
// timeline.
func (t *Tracker) Echoed(clientMessageIDs ...string) {
	for _, id := range clientMessageIDs {
		if _, ok := t.pending[id]; ok {
			t.settle(id, models.DeliverySent)
		}
	}
}

// Reject fails a pending send the server reported an error for.
func (t *Tracker) Reject(clientMessageID string) bool {
	if _, ok := t.pending[clientMessageID]; !ok {
		return false
	}
	t.settle(clientMessageID, models.DeliveryFailed)
	return true
}

// Pending returns the number of unresolved sends.
func (t *Tracker) Pending() int {
	return len(t.pending)
}

// Close stops every outstanding timeout. Unresolved echoes keep their
// Sending status.
func (t *Tracker) Close() {
	t.closed = true
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}

func (t *Tracker) isUsed(id string) bool {
	_, ok := t.used[id]
	return ok
}

func (t *Tracker) expire(id string) {
	if _, ok := t.pending[id]; !ok || t.closed {
		return
	}
	t.log.Warn("send timed out", "client_message_id", id, "timeout", t.cfg.Timeout)
	t.settle(id, models.DeliveryFailed)
}

func (t *Tracker) sendREST(id, text string) {
	go func() {
		row, err := t.cfg.REST.SendMessage(t.ctx, t.cfg.ChatID, text)
		t.cfg.Dispatch(func() {
			if _, ok := t.pending[id]; !ok || t.closed {
				return
			}
			if err != nil {
				t.log.Warn("rest send failed", "client_message_id", id, "error", err)
				t.settle(id, models.DeliveryFailed)
				return
			}
			t.cfg.Timeline.Resolve(id, row.ID, row.CreatedAt)
			t.settle(id, models.DeliverySent)
		})
	}()
}

func (t *Tracker) settle(id string, status models.DeliveryStatus) {
	p, ok := t.pending[id]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(t.pending, id)
	if status == models.DeliveryFailed {
		t.cfg.Timeline.Fail(id)
	}
	if t.cfg.OnResolve != nil {
		t.cfg.OnResolve(id, status)
	}
}
