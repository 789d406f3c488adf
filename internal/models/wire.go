package models

import (
	"strings"
	"time"
)

// ClientFrame is sent from the client to the server over the chat socket.
type ClientFrame struct {
	Message         string `json:"message"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type ServerFrameType string

const (
	ServerFrameAck          ServerFrameType = "ack"
	ServerFrameStatusUpdate ServerFrameType = "chat_status_update"
	ServerFrameMessage      ServerFrameType = "message"
	ServerFrameChatMessage  ServerFrameType = "chat_message"
)

// ServerFrame is any payload pushed by the server over the chat socket.
// Which fields are set depends on Type.
type ServerFrame struct {
	Type            ServerFrameType `json:"type,omitempty"`
	Message         string          `json:"message,omitempty"`
	IsUser          bool            `json:"is_user"`
	Timestamp       string          `json:"timestamp,omitempty"`
	ClientMessageID string          `json:"client_message_id,omitempty"`
	MessageID       *int64          `json:"message_id,omitempty"`
	Status          string          `json:"status,omitempty"`
	SenderID        int64           `json:"sender_id,omitempty"`
	SenderUsername  string          `json:"sender_username,omitempty"`

	// chat_status_update
	ChatID    int64  `json:"chat_id,omitempty"`
	NewStatus string `json:"new_status,omitempty"`

	// error frames carry no type
	Error       string `json:"error,omitempty"`
	ChatExpired bool   `json:"chat_expired,omitempty"`
}

// ServerID returns the persisted message id carried by the frame, or 0.
func (f ServerFrame) ServerID() int64 {
	if f.MessageID == nil {
		return 0
	}
	return *f.MessageID
}

// ToMessage converts a chat message frame into a timeline entry. The
// timestamp falls back to now when absent or unparsable.
func (f ServerFrame) ToMessage(now time.Time) Message {
	ts := now
	if f.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, f.Timestamp); err == nil {
			ts = parsed
		}
	}
	return Message{
		Text:            strings.TrimSpace(f.Message),
		Sender:          SenderFromIsUser(f.IsUser),
		Timestamp:       ts,
		ServerID:        f.ServerID(),
		ClientMessageID: f.ClientMessageID,
		Status:          DeliverySent,
	}
}

// RESTMessage is a message row returned by GET /chats/{id}/messages.
type RESTMessage struct {
	ID              int64     `json:"id"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	Text            string    `json:"text"`
	IsUser          bool      `json:"is_user"`
	CreatedAt       time.Time `json:"created_at"`
}

func (m RESTMessage) ToMessage() Message {
	return Message{
		Text:            m.Text,
		Sender:          SenderFromIsUser(m.IsUser),
		Timestamp:       m.CreatedAt,
		ServerID:        m.ID,
		ClientMessageID: m.ClientMessageID,
		Status:          DeliverySent,
	}
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type CreateChatRequest struct {
	InitialMessage string `json:"initial_message,omitempty"`
}

// ErrorResponse is the body of a failed REST call.
type ErrorResponse struct {
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}
