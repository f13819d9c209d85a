package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/cogni-chat/internal/chat"
	"github.com/ashureev/cogni-chat/internal/domain"
	"github.com/ashureev/cogni-chat/internal/identity"
	"github.com/ashureev/cogni-chat/internal/middleware"
)

// Frame types exchanged on the chat socket.
const (
	FrameTurn       = "turn"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameTurnResult = "turn_result"
	FrameError      = "error"
)

const socketWriteTimeout = 10 * time.Second

// ClientFrame is a message sent by the client.
type ClientFrame struct {
	Type           string `json:"type"`
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ServerFrame is a message sent by the server.
type ServerFrame struct {
	Type             string                `json:"type"`
	UserMessage      *domain.StoredMessage `json:"userMessage,omitempty"`
	AssistantMessage *domain.StoredMessage `json:"assistantMessage,omitempty"`
	NewConversation  *domain.Conversation  `json:"newConversation,omitempty"`
	Error            string                `json:"error,omitempty"`
	Status           int                   `json:"status,omitempty"`
}

// SocketHandler runs turns over a WebSocket. Turns on one connection are
// processed one at a time in arrival order.
type SocketHandler struct {
	svc         *chat.Service
	limiter     *middleware.RateLimiter
	maxReadSize int64
	sockets     *socketRegistry
	origins     []string
}

// NewSocketHandler creates a socket handler. limiter may be nil.
func NewSocketHandler(svc *chat.Service, limiter *middleware.RateLimiter, maxReadSize int64) *SocketHandler {
	return &SocketHandler{svc: svc, limiter: limiter, maxReadSize: maxReadSize, sockets: newSocketRegistry()}
}

// SetAllowedOrigins restricts cross-origin upgrades to origins, given in
// the same form as the CORS allow list. Same-host requests and requests
// without an Origin header are always accepted.
func (h *SocketHandler) SetAllowedOrigins(origins []string) {
	h.origins = originPatterns(origins)
}

// CloseAll closes every open chat socket.
func (h *SocketHandler) CloseAll() {
	h.sockets.closeAll("server shutting down")
}

// WaitForTurns refuses new socket turns and waits for the running ones.
func (h *SocketHandler) WaitForTurns(ctx context.Context) error {
	return h.sockets.waitTurns(ctx)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	if h.maxReadSize > 0 {
		ws.SetReadLimit(h.maxReadSize)
	}

	socketID := h.sockets.register(userID, ws)
	defer h.sockets.unregister(userID, socketID)

	h.readLoop(r.Context(), ws, userID)
	slog.Info("Chat socket ended", "user_id", userID)
}

func (h *SocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if err := h.writeFrame(ctx, ws, errorFrame(http.StatusBadRequest, "invalid frame")); err != nil {
				return
			}
			continue
		}

		var reply ServerFrame
		switch frame.Type {
		case FramePing:
			reply = ServerFrame{Type: FramePong}
		case FrameTurn:
			reply = h.runTurn(ctx, userID, frame)
		default:
			reply = errorFrame(http.StatusBadRequest, "unknown frame type")
		}
		if err := h.writeFrame(ctx, ws, reply); err != nil {
			slog.Debug("Failed to write frame", "error", err, "user_id", userID)
			return
		}
	}
}

func (h *SocketHandler) runTurn(ctx context.Context, userID string, frame ClientFrame) ServerFrame {
	if h.limiter != nil && !h.limiter.Allow(userID) {
		return errorFrame(http.StatusTooManyRequests, "rate limit exceeded")
	}
	if !h.sockets.beginTurn() {
		return errorFrame(http.StatusServiceUnavailable, "server shutting down")
	}
	defer h.sockets.endTurn()

	res, err := h.svc.SubmitTurn(ctx, chat.TurnRequest{
		UserID:         userID,
		Message:        frame.Message,
		ConversationID: frame.ConversationID,
		Channel:        "ws",
	})
	if err != nil {
		slog.Warn("Turn failed", "error", err, "user_id", userID, "conversation_id", frame.ConversationID)
		status, message := StatusFor(err)
		return errorFrame(status, message)
	}

	resp := NewTurnResponse(res)
	return ServerFrame{
		Type:             FrameTurnResult,
		UserMessage:      resp.UserMessage,
		AssistantMessage: &resp.AssistantMessage,
		NewConversation:  resp.NewConversation,
	}
}

func (h *SocketHandler) writeFrame(ctx context.Context, ws *websocket.Conn, frame ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func errorFrame(status int, message string) ServerFrame {
	return ServerFrame{Type: FrameError, Error: message, Status: status}
}

// originPatterns turns CORS origins such as "https://app.example" into the
// host patterns websocket.Accept matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}
