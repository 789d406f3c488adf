// Package transport keeps a chat connected to the backend, preferring a
// WebSocket and falling back to REST polling when the socket is unavailable.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chatline/internal/models"
)

const (
	DefaultPollInterval     = 10 * time.Second
	DefaultReconnectBackoff = 2 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
}

type Dialer interface {
	Dial(ctx context.Context, chatID int64) (Conn, error)
}

// Poller fetches chat state over REST.
type Poller interface {
	ListChats(ctx context.Context) ([]models.ChatSession, error)
	ListMessages(ctx context.Context, chatID int64) ([]models.RESTMessage, error)
}

// PollResult is the outcome of one REST fetch. Session is nil when the chat
// was not present in the listing.
type PollResult struct {
	Messages []models.Message
	Session  *models.ChatSession
	Err      error
}

// Handler receives everything the manager observes. All calls happen on the
// event loop.
type Handler interface {
	HandleFrame(f Frame)
	HandlePoll(r PollResult)
	HandleState(s State)
	// CanConnect reports whether the session currently permits a socket.
	CanConnect() bool
}

type Config struct {
	ChatID           int64
	Dialer           Dialer
	Poller           Poller
	Handler          Handler
	Dispatch         func(fn func())
	PollInterval     time.Duration
	ReconnectBackoff time.Duration
	Logger           *slog.Logger
}

// Manager is confined to the event loop that owns it. Dials, socket reads,
// poll fetches and timers run elsewhere and post their results through
// Dispatch.
type Manager struct {
	cfg Config
	ctx context.Context
	log *slog.Logger

	state State
	conn  Conn
	// gen invalidates callbacks that belong to a replaced socket.
	gen    uint64
	closed bool

	reconnectUsed  bool
	reconnectTimer *time.Timer

	stopPolling context.CancelFunc
	inFlight    bool
}

func New(ctx context.Context, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg: cfg,
		ctx: ctx,
		log: log.With("component", "transport", "chat_id", cfg.ChatID),
	}
}

func (m *Manager) State() State {
	return m.state
}

// Polling reports whether the poll ticker is running.
func (m *Manager) Polling() bool {
	return m.stopPolling != nil
}

// ReconnectUsed reports whether the single reconnection attempt is spent.
func (m *Manager) ReconnectUsed() bool {
	return m.reconnectUsed
}

// Establish dials the chat socket unless one is already live or being dialed.
func (m *Manager) Establish() {
	if m.closed || m.state == StateLive || m.state == StateConnecting {
		return
	}
	m.gen++
	gen := m.gen
	m.setState(StateConnecting)

	go func() {
		conn, err := m.cfg.Dialer.Dial(m.ctx, m.cfg.ChatID)
		m.cfg.Dispatch(func() { m.dialed(gen, conn, err) })
	}()
}

// Poll starts the polling ticker without dialing.
func (m *Manager) Poll() {
	if m.closed {
		return
	}
	m.startPolling()
}

// PollNow runs one fetch immediately unless one is already in flight.
// While the socket is live only the chat status is fetched; messages keep
// arriving over the socket.
func (m *Manager) PollNow() {
	if m.closed {
		return
	}
	m.fetch(m.state != StateLive)
}

// Send writes frame to the live socket. It returns models.ErrNotLive when
// there is none; frames are never queued.
func (m *Manager) Send(frame models.ClientFrame) error {
	if m.closed || m.state != StateLive || m.conn == nil {
		return models.ErrNotLive
	}
	if err := m.conn.WriteJSON(frame); err != nil {
		m.fail(fmt.Errorf("write: %w", err))
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close tears the transport down. The manager cannot be reused.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.haltPolling()
	m.closeConn()
	m.setState(StateDisconnected)
}

func (m *Manager) dialed(gen uint64, conn Conn, err error) {
	if m.closed || gen != m.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.fail(err)
		return
	}

	m.conn = conn
	m.haltPolling()
	m.setState(StateLive)
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.cfg.Dispatch(func() { m.dropped(gen, err) })
			return
		}
		// A bad payload is a protocol error, not a broken socket.
		var f models.ServerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			m.log.Warn("dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		m.cfg.Dispatch(func() { m.received(gen, f) })
	}
}

func (m *Manager) received(gen uint64, f models.ServerFrame) {
	if m.closed || gen != m.gen {
		return
	}
	kind := Classify(f)
	switch {
	case kind == KindUnknown:
		m.log.Warn("dropping unrecognized frame", "type", f.Type)
		return
	case kind == KindStatusUpdate && f.ChatID != 0 && f.ChatID != m.cfg.ChatID:
		m.log.Debug("ignoring status update for another chat", "other_chat_id", f.ChatID)
		return
	}
	m.cfg.Handler.HandleFrame(Frame{Kind: kind, ServerFrame: f})
}

func (m *Manager) dropped(gen uint64, err error) {
	if m.closed || gen != m.gen {
		return
	}
	m.fail(fmt.Errorf("read: %w", err))
}

// fail degrades the transport, starts polling and spends the one
// reconnection attempt if the session still allows a socket.
func (m *Manager) fail(err error) {
	m.gen++
	m.closeConn()
	m.setState(StateDegraded)
	m.startPolling()

	if m.reconnectUsed {
		m.log.Warn("socket unavailable, polling only", "error", err)
		return
	}
	if !m.cfg.Handler.CanConnect() {
		m.log.Info("socket unavailable, session does not permit reconnect", "error", err)
		return
	}
	m.reconnectUsed = true
	m.log.Warn("socket unavailable, reconnecting", "error", err, "backoff", m.cfg.ReconnectBackoff)
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectBackoff, func() {
		m.cfg.Dispatch(m.reconnect)
	})
}

func (m *Manager) reconnect() {
	m.reconnectTimer = nil
	if m.closed || m.state != StateDegraded || !m.cfg.Handler.CanConnect() {
		return
	}
	m.Establish()
}

func (m *Manager) startPolling() {
	if m.stopPolling != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.stopPolling = cancel
	interval := m.cfg.PollInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cfg.Dispatch(func() {
					if ctx.Err() != nil || m.state == StateLive {
						return
					}
					m.fetch(true)
				})
			}
		}
	}()
}

func (m *Manager) haltPolling() {
	if m.stopPolling != nil {
		m.stopPolling()
		m.stopPolling = nil
	}
}

func (m *Manager) fetch(withMessages bool) {
	if m.inFlight {
		return
	}
	m.inFlight = true
	chatID := m.cfg.ChatID

	go func() {
		res := m.poll(chatID, withMessages)
		m.cfg.Dispatch(func() {
			m.inFlight = false
			if m.closed {
				return
			}
			m.cfg.Handler.HandlePoll(res)
		})
	}()
}

func (m *Manager) poll(chatID int64, withMessages bool) PollResult {
	var res PollResult
	if withMessages {
		rows, err := m.cfg.Poller.ListMessages(m.ctx, chatID)
		if err != nil {
			return PollResult{Err: fmt.Errorf("failed to poll messages: %w", err)}
		}
		res.Messages = make([]models.Message, 0, len(rows))
		for _, row := range rows {
			res.Messages = append(res.Messages, row.ToMessage())
		}
	}

	chats, err := m.cfg.Poller.ListChats(m.ctx)
	if err != nil {
		res.Err = fmt.Errorf("failed to poll chat status: %w", err)
		return res
	}
	for i := range chats {
		if chats[i].ID == chatID {
			res.Session = &chats[i]
			break
		}
	}
	return res
}

func (m *Manager) closeConn() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Close(); err != nil {
		m.log.Debug("error closing socket", "error", err)
	}
	m.conn = nil
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("transport state", "from", m.state, "to", s)
	m.state = s
	m.cfg.Handler.HandleState(s)
}
