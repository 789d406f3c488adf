package fakebackend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"chatline/internal/content"
	"chatline/internal/models"

	"github.com/gorilla/websocket"
)

// Server exposes a Hub over the chat REST and WebSocket protocol.
type Server struct {
	hub      *Hub
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

func NewServer(hub *Hub) *Server {
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: hub.log,
	}
}

// Routes returns the public API handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chats", s.requireRole(s.listChats))
	mux.HandleFunc("POST /chats", s.requireRole(s.createChat))
	mux.HandleFunc("GET /chats/{id}/messages", s.requireRole(s.listMessages))
	mux.HandleFunc("POST /chats/{id}/messages", s.requireRole(s.postMessage))
	mux.HandleFunc("POST /chats/{id}/accept", s.requireRole(s.acceptChat))
	mux.HandleFunc("POST /chats/{id}/end", s.requireRole(s.endChat))
	mux.HandleFunc("GET /ws/chat/{id}/", s.handleConnections)
	return mux
}

// AdminRoutes returns the handler for test controls.
func (s *Server) AdminRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/chats", s.adminCreateChat)
	mux.HandleFunc("POST /admin/chats/{id}/status", s.adminSetStatus)
	mux.HandleFunc("POST /admin/chats/{id}/messages", s.adminPostMessage)
	mux.HandleFunc("POST /admin/chats/{id}/drop", s.adminDrop)
	mux.HandleFunc("GET /admin/settings", s.adminGetSettings)
	mux.HandleFunc("PUT /admin/settings", s.adminPutSettings)
	return mux
}

type roleHandler func(w http.ResponseWriter, r *http.Request, role models.Role)

func (s *Server) requireRole(next roleHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		role, ok := s.hub.Role(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, role)
	}
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request, _ models.Role) {
	writeJSON(w, http.StatusOK, s.hub.Chats())
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request, role models.Role) {
	if role != models.RoleUser {
		writeError(w, http.StatusForbidden, ErrForbidden.Error())
		return
	}
	var req models.CreateChatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	chat := s.hub.CreateChat(0, models.ChatStatusQueued)
	if strings.TrimSpace(req.InitialMessage) != "" {
		if _, _, err := s.hub.Post(chat.ID, role, req.InitialMessage, ""); err != nil {
			writeHubError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, _ models.Role) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	msgs, err := s.hub.Messages(id)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, role models.Role) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, _, err := s.hub.Post(id, role, req.Text, "")
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) acceptChat(w http.ResponseWriter, r *http.Request, role models.Role) {
	s.counsellorTransition(w, r, role, models.ChatStatusQueued, models.ChatStatusActive)
}

func (s *Server) endChat(w http.ResponseWriter, r *http.Request, role models.Role) {
	s.counsellorTransition(w, r, role, "", models.ChatStatusCompleted)
}

// counsellorTransition moves a chat to status. A non-empty from requires the
// chat to currently be in that status.
func (s *Server) counsellorTransition(w http.ResponseWriter, r *http.Request, role models.Role, from, to models.ChatStatus) {
	if role != models.RoleCounsellor {
		writeError(w, http.StatusForbidden, ErrForbidden.Error())
		return
	}
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	chat, err := s.hub.Chat(id)
	if err != nil {
		writeHubError(w, err)
		return
	}
	if from != "" && chat.Status != from {
		writeError(w, http.StatusConflict, ErrBadTransition.Error())
		return
	}
	chat, err = s.hub.SetStatus(id, to)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	role, ok := s.hub.Role(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	chat, err := s.hub.Chat(id)
	if err != nil {
		writeHubError(w, err)
		return
	}
	if !chat.Status.Open() {
		http.Error(w, "chat is not open", http.StatusForbidden)
		return
	}
	if s.hub.Settings().RejectUpgrades {
		http.Error(w, "upgrades disabled", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("error upgrading to websocket", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws, id, role)
	if err := conn.Handle(r.Context()); err != nil {
		s.log.Debug("socket closed", "chat_id", id, "error", err)
	}
}

func (s *Server) adminCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := models.ChatStatusQueued
	if req.Status != "" {
		var ok bool
		if status, ok = models.ParseChatStatus(req.Status); !ok {
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
	}
	writeJSON(w, http.StatusCreated, s.hub.CreateChat(req.ID, status))
}

func (s *Server) adminSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, ok := models.ParseChatStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	chat, err := s.hub.SetStatus(id, status)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) adminPostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	var req struct {
		Text   string `json:"text"`
		IsUser bool   `json:"is_user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role := models.RoleCounsellor
	if req.IsUser {
		role = models.RoleUser
	}
	msg, _, err := s.hub.Post(id, role, req.Text, "")
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) adminDrop(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"dropped": s.hub.DropSockets(id)})
}

func (s *Server) adminGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Settings())
}

func (s *Server) adminPutSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.hub.Settings()
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.hub.SetSettings(settings)
	writeJSON(w, http.StatusOK, settings)
}

func chatID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return 0, false
	}
	return id, true
}

func writeHubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found.")
	case errors.Is(err, ErrChatClosed), errors.Is(err, ErrBadTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, content.ErrEmptyMessage), errors.Is(err, content.ErrMessageTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
