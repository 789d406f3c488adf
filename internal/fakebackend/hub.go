package fakebackend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatline/internal/content"
	"chatline/internal/models"

	"github.com/c-pro/geche"
)

var (
	ErrChatClosed    = errors.New("this chat has ended")
	ErrForbidden     = errors.New("not allowed for this role")
	ErrBadTransition = errors.New("chat cannot move to that status")
)

const (
	defaultMaxRecords = 500
	dedupTTL          = 10 * time.Minute
)

// Settings are the knobs tests flip through the admin API.
type Settings struct {
	Acks           bool `json:"acks"`
	Broadcasts     bool `json:"broadcasts"`
	RejectUpgrades bool `json:"reject_upgrades"`
}

// Hub is the in-memory state of the fake backend.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[int64]*room
	conns     map[int64]map[*Connection]struct{}
	nextChat  int64
	nextMsg   int64
	settings  Settings
	maxRecord int

	// dedup remembers client message ids per chat so retransmits are acked
	// without being stored twice.
	dedup  geche.Geche[string, models.RESTMessage]
	tokens *geche.Locker[string, models.Role]

	now func() time.Time
	log *slog.Logger
}

func NewHub(ctx context.Context, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms:     make(map[int64]*room),
		conns:     make(map[int64]map[*Connection]struct{}),
		settings:  Settings{Acks: true, Broadcasts: true},
		maxRecord: defaultMaxRecords,
		dedup:     geche.NewMapTTLCache[string, models.RESTMessage](ctx, dedupTTL, time.Minute),
		tokens:    geche.NewLocker[string, models.Role](geche.NewMapCache[string, models.Role]()),
		now:       time.Now,
		log:       log.With("component", "fakebackend"),
	}
}

// AddToken registers a bearer token for a role.
func (h *Hub) AddToken(token string, role models.Role) {
	tx := h.tokens.Lock()
	defer tx.Unlock()
	tx.Set(token, role)
}

// Role resolves a bearer token.
func (h *Hub) Role(token string) (models.Role, bool) {
	if token == "" {
		return "", false
	}
	tx := h.tokens.Lock()
	defer tx.Unlock()
	role, err := tx.Get(token)
	return role, err == nil
}

func (h *Hub) Settings() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

func (h *Hub) SetSettings(s Settings) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = s
}

// CreateChat adds a chat. A zero id allocates the next free one.
func (h *Hub) CreateChat(id int64, status models.ChatStatus) models.ChatSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id == 0 {
		h.nextChat++
		id = h.nextChat
	} else if id > h.nextChat {
		h.nextChat = id
	}
	now := h.now()
	session := models.ChatSession{ID: id, Status: status, CreatedAt: now, UpdatedAt: now}
	h.rooms[id] = newRoom(session, h.maxRecord)
	return session
}

func (h *Hub) Chats() []models.ChatSession {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.ChatSession, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r.Session())
	}
	slices.SortFunc(out, func(a, b models.ChatSession) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (h *Hub) Chat(id int64) (models.ChatSession, error) {
	r, err := h.room(id)
	if err != nil {
		return models.ChatSession{}, err
	}
	return r.Session(), nil
}

func (h *Hub) Messages(chatID int64) ([]models.RESTMessage, error) {
	r, err := h.room(chatID)
	if err != nil {
		return nil, err
	}
	return r.Records(), nil
}

// Post stores a message and broadcasts it to every socket in the chat. A
// repeated client message id returns the stored copy with dup set.
func (h *Hub) Post(chatID int64, role models.Role, text, clientMessageID string) (msg models.RESTMessage, dup bool, err error) {
	r, err := h.room(chatID)
	if err != nil {
		return models.RESTMessage{}, false, err
	}
	session := r.Session()
	if session.Status.Terminal() {
		return models.RESTMessage{}, false, ErrChatClosed
	}
	text, err = content.ValidateMessage(text)
	if err != nil {
		return models.RESTMessage{}, false, err
	}

	key := fmt.Sprintf("%d:%s", chatID, clientMessageID)
	if clientMessageID != "" {
		if prev, err := h.dedup.Get(key); err == nil {
			return prev, true, nil
		}
	}

	h.mu.Lock()
	h.nextMsg++
	msg = models.RESTMessage{
		ID:              h.nextMsg,
		ClientMessageID: clientMessageID,
		Text:            text,
		IsUser:          role == models.RoleUser,
		CreatedAt:       h.now().UTC(),
	}
	h.mu.Unlock()

	r.AddRecord(msg)
	if clientMessageID != "" {
		h.dedup.Set(key, msg)
	}

	if session.Status == models.ChatStatusInactive && role == models.RoleUser {
		h.SetStatus(chatID, models.ChatStatusActive)
	}
	h.Broadcast(chatID, messageFrame(msg))
	return msg, false, nil
}

// SetStatus changes the chat status and announces the change to its
// sockets.
func (h *Hub) SetStatus(chatID int64, status models.ChatStatus) (models.ChatSession, error) {
	r, err := h.room(chatID)
	if err != nil {
		return models.ChatSession{}, err
	}
	from := r.Session().Status
	if from.Terminal() && from != status {
		return models.ChatSession{}, ErrBadTransition
	}
	session, changed := r.SetStatus(status, h.now().UTC())
	if changed {
		h.log.Info("chat status changed", "chat_id", chatID, "from", from, "to", status)
		h.announce(chatID, models.ServerFrame{
			Type:      models.ServerFrameStatusUpdate,
			ChatID:    chatID,
			NewStatus: string(status),
		})
	}
	return session, nil
}

// Broadcast queues frame for every socket joined to the chat, unless
// broadcasts are switched off.
func (h *Hub) Broadcast(chatID int64, frame models.ServerFrame) {
	if !h.Settings().Broadcasts {
		return
	}
	h.announce(chatID, frame)
}

func (h *Hub) announce(chatID int64, frame models.ServerFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[chatID] {
		c.Deliver(frame)
	}
}

// DropSockets closes every socket joined to the chat.
func (h *Hub) DropSockets(chatID int64) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns[chatID]))
	for c := range h.conns[chatID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Sockets returns how many sockets are joined to the chat.
func (h *Hub) Sockets(chatID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[chatID])
}

func (h *Hub) Join(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.chatID] == nil {
		h.conns[c.chatID] = make(map[*Connection]struct{})
	}
	h.conns[c.chatID][c] = struct{}{}
}

func (h *Hub) Leave(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[c.chatID], c)
}

func (h *Hub) room(id int64) (*room, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	if !ok {
		return nil, fmt.Errorf("chat %d: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func messageFrame(msg models.RESTMessage) models.ServerFrame {
	id := msg.ID
	return models.ServerFrame{
		Type:            models.ServerFrameChatMessage,
		Message:         msg.Text,
		IsUser:          msg.IsUser,
		Timestamp:       msg.CreatedAt.Format(time.RFC3339Nano),
		ClientMessageID: msg.ClientMessageID,
		MessageID:       &id,
	}
}
