// Package session implements the chat session client: the lifecycle state
// machine, the event loop that owns a chat's timeline, and the public API
// used by both the user-facing and the counsellor-facing front ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatline/internal/models"
	"chatline/internal/timeline"
	"chatline/internal/transport"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrInitialLoad wraps the failure of the first history fetch.
	ErrInitialLoad  = errors.New("initial load failed")
	ErrNotConnected = errors.New("session not connected")
	ErrNotPermitted = errors.New("operation not permitted for this role")
	ErrEnded        = errors.New("session has ended")
)

// Backend is the REST surface the client needs.
type Backend interface {
	ListChats(ctx context.Context) ([]models.ChatSession, error)
	GetChat(ctx context.Context, chatID int64) (models.ChatSession, error)
	ListMessages(ctx context.Context, chatID int64) ([]models.RESTMessage, error)
	SendMessage(ctx context.Context, chatID int64, text string) (models.RESTMessage, error)
	CreateChat(ctx context.Context, initialMessage string) (models.ChatSession, error)
	AcceptChat(ctx context.Context, chatID int64) (models.ChatSession, error)
	EndChat(ctx context.Context, chatID int64) (models.ChatSession, error)
}

// Observer is notified of session activity, typically to export metrics.
type Observer interface {
	TransportState(s transport.State)
	StatusChanged(s models.ChatStatus)
	MessagesIngested(src timeline.Source, n int)
	SendResolved(status models.DeliveryStatus, latency time.Duration)
}

type nopObserver struct{}

func (nopObserver) TransportState(transport.State)                    {}
func (nopObserver) StatusChanged(models.ChatStatus)                   {}
func (nopObserver) MessagesIngested(timeline.Source, int)             {}
func (nopObserver) SendResolved(models.DeliveryStatus, time.Duration) {}

type Config struct {
	Role   models.Role
	API    Backend
	Dialer transport.Dialer

	PollInterval     time.Duration
	AckTimeout       time.Duration
	ReconnectBackoff time.Duration

	Observer Observer
	Logger   *slog.Logger
}

// Snapshot is an immutable view of the session.
type Snapshot struct {
	ChatID    int64
	Role      models.Role
	Status    models.ChatStatus
	Transport transport.State
	Messages  []models.Message
	// Pending counts sends awaiting confirmation.
	Pending int
	// LoadErr is set while the initial history load has failed.
	LoadErr error
}

func (s Snapshot) clone() Snapshot {
	s.Messages = slices.Clone(s.Messages)
	return s
}

// Client drives one chat at a time. It is safe for concurrent use.
type Client struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	// ops serializes Connect, Disconnect and Reload.
	ops sync.Mutex

	mu   sync.Mutex
	inst *instance
	last Snapshot
	subs map[int]chan Snapshot
	next int
}

func New(cfg Config) *Client {
	if cfg.Role == "" {
		cfg.Role = models.RoleUser
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		log:  log.With("component", "session", "role", cfg.Role),
		now:  time.Now,
		subs: make(map[int]chan Snapshot),
	}
}

// Connect attaches the client to a chat: it loads the history, discovers
// the chat status and opens a transport unless the chat is closed.
// Connecting to the chat already attached is a no-op unless its initial
// load failed, in which case the load is retried.
func (c *Client) Connect(ctx context.Context, chatID int64) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if inst := c.current(); inst != nil {
		if inst.chatID == chatID {
			var failed bool
			if err := inst.do(func() { failed = inst.loadErr != nil }); err != nil {
				return err
			}
			if !failed {
				return nil
			}
			return c.load(ctx, inst, nil)
		}
		c.disconnect()
	}

	inst := newInstance(c, chatID)
	c.mu.Lock()
	c.inst = inst
	c.mu.Unlock()
	return c.load(ctx, inst, nil)
}

// Start creates a chat with an optional first message and connects to it.
func (c *Client) Start(ctx context.Context, initialMessage string) (int64, error) {
	if c.cfg.Role != models.RoleUser {
		return 0, ErrNotPermitted
	}
	chat, err := c.cfg.API.CreateChat(ctx, initialMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to start chat: %w", err)
	}

	c.ops.Lock()
	defer c.ops.Unlock()
	if c.current() != nil {
		c.disconnect()
	}
	inst := newInstance(c, chat.ID)
	c.mu.Lock()
	c.inst = inst
	c.mu.Unlock()
	return chat.ID, c.load(ctx, inst, &chat)
}

// Reload retries the history load of the attached chat and replaces the
// timeline with the server's copy.
func (c *Client) Reload(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	inst := c.current()
	if inst == nil {
		return ErrNotConnected
	}
	return c.load(ctx, inst, nil)
}

// Disconnect tears the session down and returns once every goroutine it
// owns has stopped.
func (c *Client) Disconnect() {
	c.ops.Lock()
	defer c.ops.Unlock()
	c.disconnect()
}

func (c *Client) disconnect() {
	inst := c.current()
	if inst == nil {
		return
	}
	inst.stop()
	c.mu.Lock()
	c.inst = nil
	c.mu.Unlock()
}

// Send posts text to the attached chat and returns its client message id.
// Delivery is reported through the message status in later snapshots.
func (c *Client) Send(text string) (string, error) {
	inst := c.current()
	if inst == nil {
		return "", ErrNotConnected
	}
	var (
		id      string
		sendErr error
	)
	if err := inst.do(func() { id, sendErr = inst.send(text) }); err != nil {
		return "", ErrNotConnected
	}
	return id, sendErr
}

// Accept takes a queued chat. Counsellors only.
func (c *Client) Accept(ctx context.Context) error {
	return c.lifecycle(ctx, "accept", c.cfg.API.AcceptChat)
}

// EndSession closes the chat for both parties. Counsellors only.
func (c *Client) EndSession(ctx context.Context) error {
	return c.lifecycle(ctx, "end", func(ctx context.Context, chatID int64) (models.ChatSession, error) {
		chat, err := c.cfg.API.EndChat(ctx, chatID)
		if err == nil && !chat.Status.Terminal() {
			chat.Status = models.ChatStatusCompleted
		}
		return chat, err
	})
}

func (c *Client) lifecycle(ctx context.Context, op string, call func(context.Context, int64) (models.ChatSession, error)) error {
	if c.cfg.Role != models.RoleCounsellor {
		return ErrNotPermitted
	}
	inst := c.current()
	if inst == nil {
		return ErrNotConnected
	}
	chat, err := call(ctx, inst.chatID)
	if err != nil {
		return fmt.Errorf("failed to %s chat %d: %w", op, inst.chatID, err)
	}
	if err := inst.do(func() { inst.applyStatus(string(chat.Status)) }); err != nil {
		return ErrNotConnected
	}
	return nil
}

// CurrentState returns the latest snapshot.
func (c *Client) CurrentState() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.clone()
}

// Subscribe returns a channel that receives the current snapshot and every
// later one. A slow reader only ever sees the most recent snapshot. Call the
// returned function to unsubscribe.
func (c *Client) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	ch := make(chan Snapshot, 1)
	ch <- c.last.clone()
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

func (c *Client) current() *instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst
}

// load fetches the chat status and history and hands them to the loop. A
// known chat skips the status lookup.
func (c *Client) load(ctx context.Context, inst *instance, known *models.ChatSession) error {
	var (
		chat models.ChatSession
		rows []models.RESTMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if known != nil {
			chat = *known
			return nil
		}
		var err error
		chat, err = c.cfg.API.GetChat(gctx, inst.chatID)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = c.cfg.API.ListMessages(gctx, inst.chatID)
		return err
	})
	fetchErr := g.Wait()

	var loadErr error
	if err := inst.do(func() {
		inst.loaded(chat, rows, fetchErr)
		loadErr = inst.loadErr
	}); err != nil {
		return err
	}
	if loadErr != nil {
		c.log.Warn("initial load failed", "chat_id", inst.chatID, "error", loadErr)
		return fmt.Errorf("%w: %w", ErrInitialLoad, loadErr)
	}
	return nil
}

func (c *Client) publish(from *instance, s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inst != from {
		return
	}
	c.last = s
	for _, ch := range c.subs {
		latest(ch, s.clone())
	}
}

// latest replaces whatever is buffered in ch with s.
func latest(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
