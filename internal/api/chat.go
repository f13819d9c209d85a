package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cogni-chat/internal/chat"
	"github.com/ashureev/cogni-chat/internal/domain"
	"github.com/ashureev/cogni-chat/internal/identity"
	"github.com/ashureev/cogni-chat/internal/middleware"
)

const defaultMaxRequestBodySize = 1 << 20

// TurnRequest is the body of POST /api/chat/turn.
type TurnRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// TurnResponse is the body returned for a completed turn.
type TurnResponse struct {
	UserMessage      *domain.StoredMessage `json:"userMessage,omitempty"`
	AssistantMessage domain.StoredMessage  `json:"assistantMessage"`
	NewConversation  *domain.Conversation  `json:"newConversation,omitempty"`
}

// NewTurnResponse converts a service result to its wire form.
func NewTurnResponse(res *chat.TurnResult) TurnResponse {
	user := res.UserMessage.Stored()
	return TurnResponse{
		UserMessage:      &user,
		AssistantMessage: res.AssistantMessage.Stored(),
		NewConversation:  res.NewConversation,
	}
}

// ChatHandler serves the conversation endpoints.
type ChatHandler struct {
	svc         *chat.Service
	verifier    identity.Verifier
	limiter     *middleware.RateLimiter
	maxBodySize int64
	socket      *SocketHandler
}

// NewChatHandler creates a chat handler. limiter may be nil.
func NewChatHandler(svc *chat.Service, verifier identity.Verifier, limiter *middleware.RateLimiter, maxBodySize int64) *ChatHandler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	return &ChatHandler{
		svc:         svc,
		verifier:    verifier,
		limiter:     limiter,
		maxBodySize: maxBodySize,
		socket:      NewSocketHandler(svc, limiter, maxBodySize),
	}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Use(identity.Middleware(h.verifier))

		r.Get("/conversations", h.ListConversations)
		r.Get("/messages/{conversationID}", h.ListMessages)
		r.Get("/ws", h.socket.ServeHTTP)

		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.Middleware(func(r *http.Request) string {
					return identity.UserIDFromContext(r.Context())
				}))
			}
			r.Post("/turn", h.SubmitTurn)
			r.Post("/new", h.SubmitTurn)
		})
	})
}

// SetAllowedOrigins sets the origins allowed to open a chat socket.
func (h *ChatHandler) SetAllowedOrigins(origins []string) {
	h.socket.SetAllowedOrigins(origins)
}

// CloseSockets closes open chat sockets. Register it with
// http.Server.RegisterOnShutdown.
func (h *ChatHandler) CloseSockets() {
	h.socket.CloseAll()
}

// WaitForTurns blocks until turns started over chat sockets have finished.
// Sockets are hijacked, so http.Server.Shutdown does not wait for them.
func (h *ChatHandler) WaitForTurns(ctx context.Context) error {
	return h.socket.WaitForTurns(ctx)
}

// ListConversations returns the caller's conversations, most recent first.
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	convs, err := h.svc.ListConversations(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		ServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, convs)
}

// ListMessages returns the transcript of one of the caller's conversations.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	msgs, err := h.svc.ListMessages(r.Context(), userID, conversationID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFoundOrForbidden) {
			slog.Error("Failed to list messages", "error", err, "user_id", userID, "conversation_id", conversationID)
		}
		ServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, msgs)
}

// SubmitTurn runs one question/answer turn.
func (h *ChatHandler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.SubmitTurn(r.Context(), chat.TurnRequest{
		UserID:         userID,
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Channel:        "http",
	})
	if err != nil {
		slog.Warn("Turn failed", "error", err, "user_id", userID, "conversation_id", req.ConversationID)
		ServiceError(w, err)
		return
	}
	JSON(w, http.StatusOK, NewTurnResponse(res))
}
