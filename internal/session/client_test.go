package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatline/internal/api"
	"chatline/internal/fakebackend"
	"chatline/internal/models"
	"chatline/internal/transport"

	"github.com/stretchr/testify/require"
)

type testEnv struct {
	hub *fakebackend.Hub
	srv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := fakebackend.NewHub(ctx, nil)
	fakebackend.Seed(hub)
	srv := httptest.NewServer(fakebackend.NewServer(hub).Routes())
	t.Cleanup(srv.Close)
	return &testEnv{hub: hub, srv: srv}
}

func (e *testEnv) client(t *testing.T, role models.Role, opts ...func(*Config)) *Client {
	t.Helper()
	token := fakebackend.UserToken
	if role == models.RoleCounsellor {
		token = fakebackend.CounsellorToken
	}
	cfg := Config{
		Role:             role,
		API:              api.New(api.Config{BaseURL: e.srv.URL, Token: token}),
		Dialer:           transport.NewWebSocketDialer("ws"+strings.TrimPrefix(e.srv.URL, "http"), token),
		PollInterval:     50 * time.Millisecond,
		AckTimeout:       2 * time.Second,
		ReconnectBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := New(cfg)
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, c *Client, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if cond(s) {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, last snapshot: %+v", what, c.CurrentState())
		}
	}
}

// conversation drops lifecycle markers.
func conversation(s Snapshot) []models.Message {
	var out []models.Message
	for _, m := range s.Messages {
		if m.Sender != models.SenderSystem {
			out = append(out, m)
		}
	}
	return out
}

func transportIs(want transport.State) func(Snapshot) bool {
	return func(s Snapshot) bool { return s.Transport == want }
}

func statusIs(want models.ChatStatus) func(Snapshot) bool {
	return func(s Snapshot) bool { return s.Status == want }
}

func messageStatus(id string, want models.DeliveryStatus) func(Snapshot) bool {
	return func(s Snapshot) bool {
		for _, m := range s.Messages {
			if m.ClientMessageID == id {
				return m.Status == want
			}
		}
		return false
	}
}

func TestChat42Scenario(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, 42))
	s := c.CurrentState()
	require.Equal(t, models.ChatStatusQueued, s.Status)
	require.NotEqual(t, transport.StateLive, s.Transport)

	// the counsellor picks the chat up; polling notices and the socket opens
	_, err := env.hub.SetStatus(42, models.ChatStatusActive)
	require.NoError(t, err)
	waitFor(t, c, "socket", transportIs(transport.StateLive))
	require.Equal(t, models.ChatStatusActive, c.CurrentState().Status)

	id, err := c.Send("Hello")
	require.NoError(t, err)
	s = waitFor(t, c, "ack", messageStatus(id, models.DeliverySent))
	msgs := conversation(s)
	require.Len(t, msgs, 1)
	require.Equal(t, "Hello", msgs[0].Text)
	require.Equal(t, models.SenderUser, msgs[0].Sender)
	require.True(t, msgs[0].HasServerID())

	_, _, err = env.hub.Post(42, models.RoleCounsellor, "Hi there", "")
	require.NoError(t, err)
	s = waitFor(t, c, "counsellor reply", func(s Snapshot) bool { return len(conversation(s)) == 2 })

	msgs = conversation(s)
	require.Equal(t, "Hello", msgs[0].Text)
	require.Equal(t, models.DeliverySent, msgs[0].Status)
	require.Equal(t, "Hi there", msgs[1].Text)
	require.Equal(t, models.SenderCounsellor, msgs[1].Sender)
	require.Equal(t, models.DeliverySent, msgs[1].Status)
	require.False(t, msgs[1].Timestamp.Before(msgs[0].Timestamp))

	require.Equal(t, MarkerStarted, s.Messages[0].Text)
	require.Equal(t, models.SenderSystem, s.Messages[0].Sender)
}

func TestConnect_TerminalChatLoadsHistoryOnly(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	require.NoError(t, c.Connect(context.Background(), 1))
	s := c.CurrentState()
	require.Equal(t, models.ChatStatusCompleted, s.Status)
	require.Equal(t, transport.StateDisconnected, s.Transport)
	require.Len(t, s.Messages, 3)
	require.Zero(t, env.hub.Sockets(1))

	_, err := c.Send("anyone?")
	require.ErrorIs(t, err, ErrEnded)
}

func TestConnect_InitialLoadFailureCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	err := c.Connect(context.Background(), 500)
	require.ErrorIs(t, err, ErrInitialLoad)
	require.ErrorIs(t, err, models.ErrNotFound)
	require.Error(t, c.CurrentState().LoadErr)

	_, err = c.Send("hello")
	require.ErrorIs(t, err, ErrInitialLoad)

	env.hub.CreateChat(500, models.ChatStatusActive)
	require.NoError(t, c.Connect(context.Background(), 500))
	require.NoError(t, c.CurrentState().LoadErr)
	waitFor(t, c, "socket", transportIs(transport.StateLive))
}

func TestConnect_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	require.NoError(t, c.Connect(context.Background(), 2))
	waitFor(t, c, "socket", transportIs(transport.StateLive))
	require.NoError(t, c.Connect(context.Background(), 2))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, env.hub.Sockets(2))
	require.Len(t, c.CurrentState().Messages, 2)
}

func TestFailover_SingleReconnectThenPolling(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	require.NoError(t, c.Connect(context.Background(), 2))
	waitFor(t, c, "socket", transportIs(transport.StateLive))

	env.hub.DropSockets(2)
	waitFor(t, c, "degraded", transportIs(transport.StateDegraded))
	waitFor(t, c, "reconnect", transportIs(transport.StateLive))

	env.hub.DropSockets(2)
	waitFor(t, c, "degraded", transportIs(transport.StateDegraded))
	time.Sleep(400 * time.Millisecond)
	require.Equal(t, transport.StateDegraded, c.CurrentState().Transport)
	require.Zero(t, env.hub.Sockets(2))

	// sends fall back to REST and replies arrive by polling
	id, err := c.Send("are you there?")
	require.NoError(t, err)
	waitFor(t, c, "rest send", messageStatus(id, models.DeliverySent))

	_, _, err = env.hub.Post(2, models.RoleCounsellor, "yes, still here", "")
	require.NoError(t, err)
	s := waitFor(t, c, "polled reply", func(s Snapshot) bool { return len(conversation(s)) == 4 })

	msgs := conversation(s)
	require.Equal(t, "are you there?", msgs[2].Text)
	require.Equal(t, "yes, still here", msgs[3].Text)
}

func TestFailover_UpgradeRejected(t *testing.T) {
	env := newTestEnv(t)
	env.hub.SetSettings(fakebackend.Settings{Acks: true, Broadcasts: true, RejectUpgrades: true})
	c := env.client(t, models.RoleUser)

	require.NoError(t, c.Connect(context.Background(), 2))
	waitFor(t, c, "degraded", transportIs(transport.StateDegraded))

	_, _, err := env.hub.Post(2, models.RoleCounsellor, "polled", "")
	require.NoError(t, err)
	waitFor(t, c, "polled message", func(s Snapshot) bool { return len(s.Messages) == 3 })
}

func TestSend_TimesOutWithoutAckOrEcho(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser, func(cfg *Config) { cfg.AckTimeout = 300 * time.Millisecond })

	require.NoError(t, c.Connect(context.Background(), 2))
	waitFor(t, c, "socket", transportIs(transport.StateLive))
	env.hub.SetSettings(fakebackend.Settings{})

	id, err := c.Send("Hello")
	require.NoError(t, err)
	s := waitFor(t, c, "timeout", messageStatus(id, models.DeliveryFailed))
	require.Zero(t, s.Pending)
}

func TestReload_SettlesPendingSend(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser, func(cfg *Config) { cfg.AckTimeout = 500 * time.Millisecond })

	require.NoError(t, c.Connect(context.Background(), 2))
	waitFor(t, c, "socket", transportIs(transport.StateLive))
	env.hub.SetSettings(fakebackend.Settings{})

	id, err := c.Send("Hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if err := c.Reload(context.Background()); err != nil {
			return false
		}
		return messageStatus(id, models.DeliverySent)(c.CurrentState())
	}, 2*time.Second, 20*time.Millisecond)

	s := c.CurrentState()
	require.Zero(t, s.Pending)
	require.Len(t, conversation(s), 3)

	// the settled send must not time out afterwards
	time.Sleep(700 * time.Millisecond)
	s = c.CurrentState()
	require.True(t, messageStatus(id, models.DeliverySent)(s))
	require.Len(t, conversation(s), 3)
}

func TestSend_BroadcastEchoResolvesWithoutAck(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	require.NoError(t, c.Connect(context.Background(), 2))
	waitFor(t, c, "socket", transportIs(transport.StateLive))
	env.hub.SetSettings(fakebackend.Settings{Broadcasts: true})

	id, err := c.Send("Hello")
	require.NoError(t, err)
	s := waitFor(t, c, "echo", messageStatus(id, models.DeliverySent))
	require.Len(t, conversation(s), 3)
}

func TestSend_TooLongIsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)
	require.NoError(t, c.Connect(context.Background(), 2))

	_, err := c.Send(strings.Repeat("x", 5001))
	require.Error(t, err)
	require.Len(t, c.CurrentState().Messages, 2)
}

func TestStatusUpdates(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	require.NoError(t, c.Connect(context.Background(), 2))
	waitFor(t, c, "socket", transportIs(transport.StateLive))

	_, err := env.hub.SetStatus(2, models.ChatStatusInactive)
	require.NoError(t, err)
	s := waitFor(t, c, "inactive", statusIs(models.ChatStatusInactive))
	require.Equal(t, transport.StateLive, s.Transport)

	_, err = env.hub.SetStatus(2, models.ChatStatusCompleted)
	require.NoError(t, err)
	s = waitFor(t, c, "completed", func(s Snapshot) bool {
		return s.Status == models.ChatStatusCompleted && s.Transport == transport.StateDisconnected
	})
	require.Equal(t, MarkerEnded, s.Messages[len(s.Messages)-1].Text)
	require.Eventually(t, func() bool { return env.hub.Sockets(2) == 0 }, time.Second, 10*time.Millisecond)
}

func TestCounsellor_AcceptAndEnd(t *testing.T) {
	env := newTestEnv(t)
	user := env.client(t, models.RoleUser)
	counsellor := env.client(t, models.RoleCounsellor)
	ctx := context.Background()

	require.NoError(t, user.Connect(ctx, 42))
	require.NoError(t, counsellor.Connect(ctx, 42))

	require.ErrorIs(t, user.Accept(ctx), ErrNotPermitted)
	require.ErrorIs(t, user.EndSession(ctx), ErrNotPermitted)

	require.NoError(t, counsellor.Accept(ctx))
	waitFor(t, counsellor, "socket", transportIs(transport.StateLive))
	waitFor(t, user, "socket", transportIs(transport.StateLive))

	id, err := counsellor.Send("Welcome")
	require.NoError(t, err)
	s := waitFor(t, counsellor, "ack", messageStatus(id, models.DeliverySent))
	require.Equal(t, models.SenderCounsellor, conversation(s)[0].Sender)
	waitFor(t, user, "welcome", func(s Snapshot) bool {
		msgs := conversation(s)
		return len(msgs) == 1 && msgs[0].Sender == models.SenderCounsellor
	})

	require.NoError(t, counsellor.EndSession(ctx))
	require.Equal(t, models.ChatStatusCompleted, counsellor.CurrentState().Status)
	waitFor(t, user, "ended", statusIs(models.ChatStatusCompleted))
}

func TestStart(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	id, err := c.Start(context.Background(), "I need someone to talk to")
	require.NoError(t, err)
	require.EqualValues(t, 43, id)

	s := c.CurrentState()
	require.Equal(t, models.ChatStatusQueued, s.Status)
	require.Len(t, s.Messages, 1)
	require.Equal(t, models.SenderUser, s.Messages[0].Sender)

	counsellor := env.client(t, models.RoleCounsellor)
	_, err = counsellor.Start(context.Background(), "")
	require.ErrorIs(t, err, ErrNotPermitted)
}

func TestReload(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	require.ErrorIs(t, c.Reload(context.Background()), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background(), 1))
	_, _, err := env.hub.Post(2, models.RoleUser, "elsewhere", "")
	require.NoError(t, err)
	require.NoError(t, c.Reload(context.Background()))
	require.Len(t, c.CurrentState().Messages, 3)
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	require.NoError(t, c.Connect(context.Background(), 2))
	waitFor(t, c, "socket", transportIs(transport.StateLive))

	c.Disconnect()
	require.Equal(t, transport.StateDisconnected, c.CurrentState().Transport)
	require.Eventually(t, func() bool { return env.hub.Sockets(2) == 0 }, time.Second, 10*time.Millisecond)

	_, err := c.Send("hello")
	require.ErrorIs(t, err, ErrNotConnected)
	c.Disconnect()
}

func TestSwitchingChats(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, models.RoleUser)

	require.NoError(t, c.Connect(context.Background(), 2))
	waitFor(t, c, "socket", transportIs(transport.StateLive))

	require.NoError(t, c.Connect(context.Background(), 1))
	s := c.CurrentState()
	require.EqualValues(t, 1, s.ChatID)
	require.Equal(t, models.ChatStatusCompleted, s.Status)
	require.Eventually(t, func() bool { return env.hub.Sockets(2) == 0 }, time.Second, 10*time.Millisecond)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c := New(Config{})
	ch, unsubscribe := c.Subscribe()

	s, ok := <-ch
	require.True(t, ok)
	require.Zero(t, s.ChatID)

	unsubscribe()
	unsubscribe()
	_, ok = <-ch
	require.False(t, ok)
}

func TestNotConnected(t *testing.T) {
	c := New(Config{Role: models.RoleCounsellor})

	_, err := c.Send("hi")
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, c.Accept(context.Background()), ErrNotConnected)
}
