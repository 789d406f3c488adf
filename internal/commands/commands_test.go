package commands

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatline/internal/fakebackend"
	"chatline/internal/models"
	"chatline/internal/session"
	"chatline/internal/storage"
	"chatline/internal/transport"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, in io.Reader, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	if in != nil {
		cmd.SetIn(in)
	}
	cmd.SetArgs(append(args, "--env", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func useDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatline.db")
	t.Setenv("CHATLINE_DB", path)
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	require.Contains(t, out, "chatline dev")
}

func TestChatCmd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := fakebackend.NewHub(ctx, nil)
	fakebackend.Seed(hub)
	srv := httptest.NewServer(fakebackend.NewServer(hub).Routes())
	t.Cleanup(srv.Close)

	useDB(t)
	t.Setenv("CHATLINE_API_URL", srv.URL)
	t.Setenv("CHATLINE_TOKEN", fakebackend.UserToken)

	out, err := execute(t, strings.NewReader("Hello\n/accept\n/quit\n"), "chat", "--chat", "2")
	require.NoError(t, err)
	require.Contains(t, out, "-- chat 2 is active --")
	require.Contains(t, out, "counsellor: Of course. What's on your mind?")
	require.Contains(t, out, "user: Hello")
	require.Contains(t, out, session.ErrNotPermitted.Error())

	out, err = execute(t, nil, "history")
	require.NoError(t, err)
	require.Contains(t, out, "active")

	out, err = execute(t, nil, "history", "--chat", "2")
	require.NoError(t, err)
	require.Contains(t, out, "chat 2 (active)")
	require.Contains(t, out, "user: I'd like to talk about work.")
}

func TestChatCmd_RequiresToken(t *testing.T) {
	useDB(t)
	t.Setenv("CHATLINE_TOKEN", "")
	require.NoError(t, os.Unsetenv("CHATLINE_TOKEN"))

	_, err := execute(t, strings.NewReader(""), "chat", "--chat", "2")
	require.ErrorContains(t, err, "CHATLINE_TOKEN")
}

func TestExportCmd(t *testing.T) {
	path := useDB(t)
	store, err := storage.NewBboltStorage(path)
	require.NoError(t, err)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSnapshot(
		models.ChatSession{ID: 7, Status: models.ChatStatusCompleted},
		[]models.Message{
			{Text: "**bold** move", Sender: models.SenderUser, Timestamp: ts, ServerID: 1, Status: models.DeliverySent},
			{Text: "<script>alert(1)</script>hi", Sender: models.SenderCounsellor, Timestamp: ts.Add(time.Second), ServerID: 2, Status: models.DeliverySent},
		},
	))
	require.NoError(t, store.Close())

	out, err := execute(t, nil, "export", "--chat", "7")
	require.NoError(t, err)
	require.Contains(t, out, "<h1>Chat 7 (completed)</h1>")
	require.Contains(t, out, "<strong>bold</strong>")
	require.NotContains(t, out, "<script>")
	require.Contains(t, out, "2026-03-01 12:00:00 user")

	file := filepath.Join(t.TempDir(), "chat.html")
	out, err = execute(t, nil, "export", "--chat", "7", "--out", file)
	require.NoError(t, err)
	require.Contains(t, out, "wrote 2 messages")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(data), "<strong>bold</strong>")

	_, err = execute(t, nil, "export", "--chat", "8")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestHistoryCmd_Empty(t *testing.T) {
	useDB(t)
	out, err := execute(t, nil, "history")
	require.NoError(t, err)
	require.Contains(t, out, "no cached chats")
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	ts := time.Now()

	echo := models.Message{Text: "Hello", Sender: models.SenderUser, Timestamp: ts, ClientMessageID: "abc", Status: models.DeliverySending}
	s := session.Snapshot{ChatID: 42, Status: models.ChatStatusActive, Transport: transport.StateLive, Messages: []models.Message{echo}}

	require.True(t, p.render(s))
	out := buf.String()
	require.Contains(t, out, "-- chat 42 is active --")
	require.Contains(t, out, "-- connection live --")
	require.Contains(t, out, "user: Hello (sending)")

	buf.Reset()
	require.False(t, p.render(s))
	require.Empty(t, buf.String())

	// delivery only updates the cache
	echo.Status = models.DeliverySent
	echo.ServerID = 9
	s.Messages = []models.Message{echo}
	require.True(t, p.render(s))
	require.Empty(t, buf.String())

	failed := models.Message{Text: "lost", Sender: models.SenderUser, Timestamp: ts, ClientMessageID: "def", Status: models.DeliverySending}
	s.Messages = append(s.Messages, failed)
	p.render(s)
	failed.Status = models.DeliveryFailed
	s.Messages[1] = failed
	buf.Reset()
	require.True(t, p.render(s))
	require.Contains(t, buf.String(), "!! not delivered: lost")
}

func TestFormatMessage(t *testing.T) {
	ts := time.Now()
	require.Contains(t, formatMessage(models.Message{Text: "Session started", Sender: models.SenderSystem, Timestamp: ts}), "* Session started")
	require.Contains(t, formatMessage(models.Message{Text: "hi", Sender: models.SenderCounsellor, Timestamp: ts, Status: models.DeliverySent}), "counsellor: hi")
	require.True(t, strings.HasSuffix(formatMessage(models.Message{Text: "x", Sender: models.SenderUser, Timestamp: ts, Status: models.DeliveryFailed}), "(failed)"))
}
