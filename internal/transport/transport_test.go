package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatline/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	readCh    chan []byte
	writeCh   chan any
	closeCh   chan struct{}
	closeOnce sync.Once
	writeErr  error
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

func (c *mockConn) WriteJSON(v interface{}) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writeCh <- v
	return nil
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.readCh:
		return websocket.TextMessage, data, nil
	case <-c.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *mockConn) push(t *testing.T, f models.ServerFrame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	c.readCh <- data
}

func (c *mockConn) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*mockConn
	calls int
}

func (d *fakeDialer) Dial(_ context.Context, _ int64) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakePoller struct {
	rows  []models.RESTMessage
	chats []models.ChatSession
}

func (p *fakePoller) ListChats(context.Context) ([]models.ChatSession, error) {
	return p.chats, nil
}

func (p *fakePoller) ListMessages(context.Context, int64) ([]models.RESTMessage, error) {
	return p.rows, nil
}

type recorder struct {
	frames     []Frame
	polls      []PollResult
	states     []State
	canConnect bool
}

func (r *recorder) HandleFrame(f Frame)      { r.frames = append(r.frames, f) }
func (r *recorder) HandlePoll(res PollResult) { r.polls = append(r.polls, res) }
func (r *recorder) HandleState(s State)      { r.states = append(r.states, s) }
func (r *recorder) CanConnect() bool         { return r.canConnect }

type harness struct {
	m      *Manager
	rec    *recorder
	dialer *fakeDialer
	poller *fakePoller
	loop   chan func()
	done   chan struct{}
}

func newHarness(t *testing.T, conns ...*mockConn) *harness {
	t.Helper()
	h := &harness{
		rec:    &recorder{canConnect: true},
		dialer: &fakeDialer{conns: conns},
		poller: &fakePoller{
			rows:  []models.RESTMessage{{ID: 1, Text: "hello", IsUser: true, CreatedAt: time.Now()}},
			chats: []models.ChatSession{{ID: 7, Status: models.ChatStatusQueued}, {ID: 42, Status: models.ChatStatusActive}},
		},
		loop: make(chan func(), 64),
		done: make(chan struct{}),
	}
	h.m = New(context.Background(), Config{
		ChatID:           42,
		Dialer:           h.dialer,
		Poller:           h.poller,
		Handler:          h.rec,
		PollInterval:     20 * time.Millisecond,
		ReconnectBackoff: 20 * time.Millisecond,
		Dispatch: func(fn func()) {
			select {
			case h.loop <- fn:
			case <-h.done:
			}
		},
	})
	t.Cleanup(func() {
		h.m.Close()
		close(h.done)
	})
	return h
}

// runUntil executes loop callbacks on the test goroutine until cond holds.
func (h *harness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case fn := <-h.loop:
			fn()
		case <-deadline:
			t.Fatalf("condition not met, states: %v", h.rec.states)
		}
	}
}

// runFor executes loop callbacks for d.
func (h *harness) runFor(d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case fn := <-h.loop:
			fn()
		case <-deadline:
			return
		}
	}
}

func (h *harness) live() bool { return h.m.State() == StateLive }

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		frame models.ServerFrame
		want  Kind
	}{
		{"ack", models.ServerFrame{Type: models.ServerFrameAck, ClientMessageID: "abc"}, KindAck},
		{"status update", models.ServerFrame{Type: models.ServerFrameStatusUpdate, NewStatus: "active"}, KindStatusUpdate},
		{"message", models.ServerFrame{Type: models.ServerFrameMessage, Message: "hi"}, KindMessage},
		{"chat_message", models.ServerFrame{Type: models.ServerFrameChatMessage, Message: "hi"}, KindMessage},
		{"untyped error", models.ServerFrame{Error: "too long"}, KindError},
		{"untyped text", models.ServerFrame{Message: "hi"}, KindMessage},
		{"untyped blank", models.ServerFrame{Message: "   "}, KindUnknown},
		{"unknown type", models.ServerFrame{Type: "typing"}, KindUnknown},
		{"unknown type with text", models.ServerFrame{Type: "typing", Message: "hi"}, KindMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.frame))
		})
	}
}

func TestEstablish_GoesLive(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, conn)

	h.m.Establish()
	require.Equal(t, StateConnecting, h.m.State())
	h.runUntil(t, h.live)

	require.Equal(t, []State{StateConnecting, StateLive}, h.rec.states)
	require.False(t, h.m.Polling())

	conn.push(t, models.ServerFrame{Type: models.ServerFrameAck, ClientMessageID: "abc"})
	conn.push(t, models.ServerFrame{Type: "typing"})
	conn.push(t, models.ServerFrame{Type: models.ServerFrameStatusUpdate, ChatID: 7, NewStatus: "completed"})
	conn.push(t, models.ServerFrame{Type: models.ServerFrameStatusUpdate, ChatID: 42, NewStatus: "inactive"})
	h.runUntil(t, func() bool { return len(h.rec.frames) == 2 })

	require.Equal(t, KindAck, h.rec.frames[0].Kind)
	require.Equal(t, "abc", h.rec.frames[0].ClientMessageID)
	require.Equal(t, KindStatusUpdate, h.rec.frames[1].Kind)
	require.Equal(t, "inactive", h.rec.frames[1].NewStatus)
}

func TestMalformedFrame_KeepsSocketLive(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, conn)

	h.m.Establish()
	h.runUntil(t, h.live)

	conn.readCh <- []byte("")
	conn.readCh <- []byte(`{"type":"message","message":"hi"`)
	conn.readCh <- []byte("not json")
	conn.readCh <- []byte(`{"type":"message","message":[1]}`)
	conn.push(t, models.ServerFrame{Type: models.ServerFrameMessage, Message: "after"})
	h.runUntil(t, func() bool { return len(h.rec.frames) == 1 })

	require.Equal(t, "after", h.rec.frames[0].Message)
	require.Equal(t, []State{StateConnecting, StateLive}, h.rec.states)
	require.False(t, h.m.ReconnectUsed())
	require.False(t, h.m.Polling())
	require.False(t, conn.isClosed())
}

func TestMalformedFrame_OverWebSocket(t *testing.T) {
	payloads := []string{"", `{"type":"message","message":"hi"`, "not json"}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, p := range payloads {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		_ = ws.WriteJSON(models.ServerFrame{Type: models.ServerFrameMessage, Message: "after"})
		// hold the socket open until the client goes away
		_, _, _ = ws.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t)
	h.m.cfg.Dialer = NewWebSocketDialer("ws"+strings.TrimPrefix(srv.URL, "http"), "")

	h.m.Establish()
	h.runUntil(t, func() bool { return len(h.rec.frames) == 1 })

	require.Equal(t, "after", h.rec.frames[0].Message)
	require.Equal(t, StateLive, h.m.State())
	require.Equal(t, []State{StateConnecting, StateLive}, h.rec.states)
	require.False(t, h.m.ReconnectUsed())
}

func TestEstablish_IsIdempotentWhileConnecting(t *testing.T) {
	h := newHarness(t, newMockConn())

	h.m.Establish()
	h.m.Establish()
	h.runUntil(t, h.live)
	h.m.Establish()

	require.Equal(t, 1, h.dialer.Calls())
}

func TestDialFailure_ReconnectsOnce(t *testing.T) {
	h := newHarness(t)

	h.m.Establish()
	h.runUntil(t, func() bool { return h.m.State() == StateDegraded })
	require.True(t, h.m.Polling())
	require.True(t, h.m.ReconnectUsed())

	conn := newMockConn()
	h.dialer.mu.Lock()
	h.dialer.conns = append(h.dialer.conns, conn)
	h.dialer.mu.Unlock()

	h.runUntil(t, h.live)
	require.Equal(t, []State{StateConnecting, StateDegraded, StateConnecting, StateLive}, h.rec.states)
	require.False(t, h.m.Polling())
	require.Equal(t, 2, h.dialer.Calls())
}

func TestDialFailure_PermanentlyDegradedAfterRetry(t *testing.T) {
	h := newHarness(t)

	h.m.Establish()
	h.runUntil(t, func() bool { return h.dialer.Calls() == 2 && h.m.State() == StateDegraded })

	// polling keeps the chat fresh; no further dials happen
	h.runUntil(t, func() bool { return len(h.rec.polls) >= 3 })
	require.Equal(t, 2, h.dialer.Calls())
	require.Equal(t, StateDegraded, h.m.State())

	res := h.rec.polls[0]
	require.NoError(t, res.Err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, "hello", res.Messages[0].Text)
	require.NotNil(t, res.Session)
	require.Equal(t, models.ChatStatusActive, res.Session.Status)
}

func TestDrop_SpendsTheOnlyReconnect(t *testing.T) {
	first, second := newMockConn(), newMockConn()
	h := newHarness(t, first, second)

	h.m.Establish()
	h.runUntil(t, h.live)

	first.Close()
	h.runUntil(t, func() bool { return h.m.State() == StateDegraded })
	h.runUntil(t, h.live)
	require.Equal(t, 2, h.dialer.Calls())

	second.Close()
	h.runUntil(t, func() bool { return h.m.State() == StateDegraded })
	h.runFor(100 * time.Millisecond)
	require.Equal(t, StateDegraded, h.m.State())
	require.Equal(t, 2, h.dialer.Calls())
}

func TestDrop_NoReconnectWhenSessionForbids(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, conn, newMockConn())

	h.m.Establish()
	h.runUntil(t, h.live)

	h.rec.canConnect = false
	conn.Close()
	h.runUntil(t, func() bool { return h.m.State() == StateDegraded })
	h.runFor(60 * time.Millisecond)

	require.Equal(t, 1, h.dialer.Calls())
	require.False(t, h.m.ReconnectUsed())
}

func TestSend(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, conn)

	require.ErrorIs(t, h.m.Send(models.ClientFrame{Message: "early"}), models.ErrNotLive)

	h.m.Establish()
	h.runUntil(t, h.live)

	frame := models.ClientFrame{Message: "Hello", ClientMessageID: "abc"}
	require.NoError(t, h.m.Send(frame))
	require.Equal(t, frame, <-conn.writeCh)

	conn.writeErr = errors.New("broken pipe")
	err := h.m.Send(frame)
	require.Error(t, err)
	require.NotErrorIs(t, err, models.ErrNotLive)
	require.Equal(t, StateDegraded, h.m.State())
	require.True(t, conn.isClosed())

	require.ErrorIs(t, h.m.Send(frame), models.ErrNotLive)
}

func TestPolling_SkippedWhileLive(t *testing.T) {
	h := newHarness(t, newMockConn())

	h.m.Establish()
	h.runUntil(t, h.live)
	h.m.Poll()
	h.runFor(100 * time.Millisecond)

	require.Empty(t, h.rec.polls)
}

func TestPollNow(t *testing.T) {
	h := newHarness(t)

	h.m.PollNow()
	h.m.PollNow()
	h.runUntil(t, func() bool { return len(h.rec.polls) == 1 })
	h.runFor(50 * time.Millisecond)

	require.Len(t, h.rec.polls, 1)
	require.Len(t, h.rec.polls[0].Messages, 1)
	require.Zero(t, h.dialer.Calls())
}

func TestPollNow_StatusOnlyWhileLive(t *testing.T) {
	h := newHarness(t, newMockConn())

	h.m.Establish()
	h.runUntil(t, h.live)
	h.m.PollNow()
	h.runUntil(t, func() bool { return len(h.rec.polls) == 1 })

	res := h.rec.polls[0]
	require.NoError(t, res.Err)
	require.Empty(t, res.Messages)
	require.NotNil(t, res.Session)
	require.Equal(t, models.ChatStatusActive, res.Session.Status)
	require.Equal(t, StateLive, h.m.State())
}

func TestClose(t *testing.T) {
	conn := newMockConn()
	h := newHarness(t, conn)

	h.m.Establish()
	h.runUntil(t, h.live)
	h.m.Close()

	require.Equal(t, StateDisconnected, h.m.State())
	require.True(t, conn.isClosed())
	require.False(t, h.m.Polling())

	h.m.Establish()
	h.runFor(50 * time.Millisecond)
	require.Equal(t, StateDisconnected, h.m.State())
	require.Equal(t, 1, h.dialer.Calls())
}
