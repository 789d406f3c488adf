package models

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNotLive is returned by a transport asked to send without a live socket.
	ErrNotLive = errors.New("transport not live")
)

type ChatStatus string

const (
	ChatStatusQueued    ChatStatus = "queued"
	ChatStatusActive    ChatStatus = "active"
	ChatStatusInactive  ChatStatus = "inactive"
	ChatStatusCompleted ChatStatus = "completed"
	ChatStatusCancelled ChatStatus = "cancelled"
)

// ParseChatStatus maps a backend status string to a ChatStatus.
// "expired" is reported by some backends for chats closed on inactivity
// and is treated as completed.
func ParseChatStatus(s string) (ChatStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return ChatStatusQueued, true
	case "active":
		return ChatStatusActive, true
	case "inactive":
		return ChatStatusInactive, true
	case "completed", "expired":
		return ChatStatusCompleted, true
	case "cancelled", "canceled":
		return ChatStatusCancelled, true
	}
	return "", false
}

// Terminal reports whether no further transitions are possible.
func (s ChatStatus) Terminal() bool {
	return s == ChatStatusCompleted || s == ChatStatusCancelled
}

// Open reports whether the session permits an open realtime channel.
func (s ChatStatus) Open() bool {
	return s == ChatStatusActive || s == ChatStatusInactive
}

// ChatSession represents a chat conversation as reported by the backend.
type ChatSession struct {
	ID        int64      `json:"id"`
	Status    ChatStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type Sender string

const (
	SenderUser       Sender = "user"
	SenderCounsellor Sender = "counsellor"
	SenderSystem     Sender = "system"
)

// SenderFromIsUser converts the backend is_user flag into a Sender.
func SenderFromIsUser(isUser bool) Sender {
	if isUser {
		return SenderUser
	}
	return SenderCounsellor
}

type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message is a single timeline entry.
type Message struct {
	Text            string         `json:"text"`
	Sender          Sender         `json:"sender"`
	Timestamp       time.Time      `json:"timestamp"`
	ServerID        int64          `json:"serverId,omitempty"` // 0 until persisted by the backend
	ClientMessageID string         `json:"clientMessageId,omitempty"`
	Status          DeliveryStatus `json:"status"`
}

// HasServerID reports whether the backend identifier is known.
func (m Message) HasServerID() bool {
	return m.ServerID != 0
}

// Pending reports whether the message is a local echo awaiting confirmation.
func (m Message) Pending() bool {
	return m.Status == DeliverySending
}

type Role string

const (
	RoleUser       Role = "user"
	RoleCounsellor Role = "counsellor"
)

func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, true
	case "counsellor", "counselor":
		return RoleCounsellor, true
	}
	return "", false
}

// Sender returns the sender recorded on messages authored by this role.
func (r Role) Sender() Sender {
	if r == RoleCounsellor {
		return SenderCounsellor
	}
	return SenderUser
}
