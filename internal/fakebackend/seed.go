package fakebackend

import (
	"chatline/internal/models"
)

// Tokens accepted by a seeded backend.
const (
	UserToken       = "user-token"
	CounsellorToken = "counsellor-token"
)

type seedChat struct {
	id       int64
	status   models.ChatStatus
	messages []seedMessage
}

type seedMessage struct {
	role models.Role
	text string
}

var seedChats = []seedChat{
	{id: 1, status: models.ChatStatusCompleted, messages: []seedMessage{
		{models.RoleUser, "Hello, is anyone there?"},
		{models.RoleCounsellor, "Hi, I'm here. How can I help?"},
		{models.RoleUser, "Thanks, that helped a lot."},
	}},
	{id: 2, status: models.ChatStatusActive, messages: []seedMessage{
		{models.RoleUser, "I'd like to talk about work."},
		{models.RoleCounsellor, "Of course. What's on your mind?"},
	}},
	{id: 42, status: models.ChatStatusQueued},
}

// Seed registers the default tokens and a few chats for local use.
func Seed(h *Hub) {
	h.AddToken(UserToken, models.RoleUser)
	h.AddToken(CounsellorToken, models.RoleCounsellor)

	for _, c := range seedChats {
		status := c.status
		if len(c.messages) > 0 {
			status = models.ChatStatusActive
		}
		h.CreateChat(c.id, status)
		for _, m := range c.messages {
			if _, _, err := h.Post(c.id, m.role, m.text, ""); err != nil {
				h.log.Warn("failed to seed message", "chat_id", c.id, "error", err)
			}
		}
		if status != c.status {
			h.SetStatus(c.id, c.status)
		}
	}
}
