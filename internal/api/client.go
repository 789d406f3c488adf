// Package api is the REST client for the chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatline/internal/models"

	"golang.org/x/time/rate"
)

// Error is a non-2xx response from the backend.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap maps a 404 to models.ErrNotFound.
func (e *Error) Unwrap() error {
	if e != nil && e.StatusCode == http.StatusNotFound {
		return models.ErrNotFound
	}
	return nil
}

// AsError unwraps err into an *Error, or returns nil.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

type Config struct {
	BaseURL string
	Token   string
	// RPS caps outgoing requests per second. Zero disables limiting.
	RPS        float64
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
		limiter: limiter,
	}
}

func (c *Client) ListChats(ctx context.Context) ([]models.ChatSession, error) {
	var chats []models.ChatSession
	if err := c.doJSON(ctx, http.MethodGet, "/chats", nil, &chats); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// GetChat finds a chat in the listing. It returns models.ErrNotFound when the
// backend does not report it.
func (c *Client) GetChat(ctx context.Context, chatID int64) (models.ChatSession, error) {
	chats, err := c.ListChats(ctx)
	if err != nil {
		return models.ChatSession{}, err
	}
	for _, chat := range chats {
		if chat.ID == chatID {
			return chat, nil
		}
	}
	return models.ChatSession{}, fmt.Errorf("chat %d: %w", chatID, models.ErrNotFound)
}

func (c *Client) ListMessages(ctx context.Context, chatID int64) ([]models.RESTMessage, error) {
	var msgs []models.RESTMessage
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/chats/%d/messages", chatID), nil, &msgs); err != nil {
		return nil, fmt.Errorf("failed to list messages of chat %d: %w", chatID, err)
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (models.RESTMessage, error) {
	var msg models.RESTMessage
	body := models.SendMessageRequest{Text: text}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/chats/%d/messages", chatID), body, &msg); err != nil {
		return models.RESTMessage{}, fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return msg, nil
}

func (c *Client) CreateChat(ctx context.Context, initialMessage string) (models.ChatSession, error) {
	var chat models.ChatSession
	body := models.CreateChatRequest{InitialMessage: initialMessage}
	if err := c.doJSON(ctx, http.MethodPost, "/chats", body, &chat); err != nil {
		return models.ChatSession{}, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

func (c *Client) AcceptChat(ctx context.Context, chatID int64) (models.ChatSession, error) {
	var chat models.ChatSession
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/chats/%d/accept", chatID), nil, &chat); err != nil {
		return models.ChatSession{}, fmt.Errorf("failed to accept chat %d: %w", chatID, err)
	}
	return chat, nil
}

func (c *Client) EndChat(ctx context.Context, chatID int64) (models.ChatSession, error) {
	var chat models.ChatSession
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/chats/%d/end", chatID), nil, &chat); err != nil {
		return models.ChatSession{}, fmt.Errorf("failed to end chat %d: %w", chatID, err)
	}
	return chat, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var payload models.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	switch {
	case payload.Error != "":
		return &Error{StatusCode: resp.StatusCode, Message: payload.Error}
	case payload.Detail != "":
		return &Error{StatusCode: resp.StatusCode, Message: payload.Detail}
	}
	return &Error{StatusCode: resp.StatusCode, Message: resp.Status}
}
