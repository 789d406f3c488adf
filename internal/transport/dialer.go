package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens chat sockets at {BaseURL}/ws/chat/{id}/?token=...
type WebSocketDialer struct {
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer
}

func NewWebSocketDialer(baseURL, token string) *WebSocketDialer {
	return &WebSocketDialer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// ChatURL returns the socket address for a chat.
func (d *WebSocketDialer) ChatURL(chatID int64) string {
	u := fmt.Sprintf("%s/ws/chat/%d/", d.BaseURL, chatID)
	if d.Token != "" {
		u += "?token=" + url.QueryEscape(d.Token)
	}
	return u
}

func (d *WebSocketDialer) Dial(ctx context.Context, chatID int64) (Conn, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, d.ChatURL(chatID), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial chat %d: %s: %w", chatID, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial chat %d: %w", chatID, err)
	}
	return conn, nil
}
