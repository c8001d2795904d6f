package simserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stillwater-labs/chatsync/internal/bus"
	"github.com/stillwater-labs/chatsync/internal/timeline"
)

// Responder produces the simulated assistant reply for a user message. It
// returns the reply text and, optionally, a structured offer payload.
type Responder func(userText string) (reply string, offerJSON json.RawMessage)

// Server simulates the widget backend: the fetch-messages and send-message
// collaborators, plus out-of-band agent replies injected over NATS.
type Server struct {
	router  *chi.Mux
	store   MessageStore
	respond Responder
	logger  *slog.Logger

	mu     sync.Mutex
	typing map[string]bool // session id -> agent typing flag
	avatar map[string]string
}

func NewServer(store MessageStore, respond Responder, logger *slog.Logger) *Server {
	if respond == nil {
		respond = DefaultResponder
	}
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		store:   store,
		respond: respond,
		logger:  logger,
		typing:  make(map[string]bool),
		avatar:  make(map[string]string),
	}

	router.Get("/health", s.health)
	router.Get("/api/widget/messages", s.messages)
	router.Post("/api/widget/chat", s.chat)
	router.Post("/api/widget/conversation", s.conversation)

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.logger.Info("simulator listening", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

// HandleAgentReply is the NATS handler for bus.SubjectAgentReply: a human
// agent message lands in the conversation out of band and reaches the
// widget on its next poll.
func (s *Server) HandleAgentReply(_ string, data []byte) {
	var reply bus.AgentReply
	if err := json.Unmarshal(data, &reply); err != nil {
		s.logger.Error("bad agent reply payload", "error", err)
		return
	}
	if reply.SessionID == "" {
		s.logger.Warn("agent reply without session id dropped")
		return
	}

	s.mu.Lock()
	s.typing[reply.SessionID] = reply.Typing
	if reply.AvatarURL != "" {
		s.avatar[reply.SessionID] = reply.AvatarURL
	}
	s.mu.Unlock()

	if reply.Text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.store.AppendMessage(ctx, reply.SessionID, timeline.RoleAssistant, reply.Text, nil); err != nil {
		s.logger.Error("failed to store agent reply", "session_id", reply.SessionID, "error", err)
		return
	}
	s.logger.Info("agent reply injected", "session_id", reply.SessionID, "agent", reply.AgentName)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	msgs, err := s.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("list messages failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	s.mu.Lock()
	typing := s.typing[sessionID]
	avatar := s.avatar[sessionID]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"messages":       msgs,
		"agentTyping":    typing,
		"agentAvatarUrl": avatar,
	})
}

type chatRequest struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"message"`
	SystemPrompt   string `json:"system_prompt"`
	Stream         bool   `json:"stream"`
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}
	if req.SessionID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id and message are required"})
		return
	}

	ctx := r.Context()
	if _, err := s.store.AppendMessage(ctx, req.SessionID, timeline.RoleUser, req.Text, nil); err != nil {
		s.logger.Error("failed to store user message", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	reply, offerJSON := s.respond(req.Text)
	if _, err := s.store.AppendMessage(ctx, req.SessionID, timeline.RoleAssistant, reply, offerJSON); err != nil {
		s.logger.Error("failed to store assistant message", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	if req.Stream {
		s.streamReply(w, reply)
		return
	}

	resp := map[string]any{"text": reply}
	if len(offerJSON) > 0 {
		resp["checkoutOffer"] = offerJSON
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamReply emits the reply as newline-delimited token records followed
// by the terminal marker, flushing per record like a live model stream.
func (s *Server) streamReply(w http.ResponseWriter, reply string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for _, chunk := range tokenize(reply) {
		if err := enc.Encode(map[string]string{"token": chunk}); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	_ = enc.Encode(map[string]bool{"done": true})
	if flusher != nil {
		flusher.Flush()
	}
}

// tokenize splits a reply into small chunks so the widget's drain loop has
// something realistic to pace.
func tokenize(text string) []string {
	const size = 6
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	id, err := s.store.EnsureConversation(r.Context(), req.SessionID)
	if err != nil {
		s.logger.Error("ensure conversation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
