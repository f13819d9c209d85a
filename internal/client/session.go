package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/cogni-chat/internal/reconcile"
)

// Session drives reconcile.State against an API. State transitions happen
// under the mutex; network calls do not.
type Session struct {
	api    API
	logger *slog.Logger

	mu    sync.Mutex
	state reconcile.State
}

// NewSession creates a session in the initial state.
func NewSession(api API, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{api: api, logger: logger, state: reconcile.Initial()}
}

// State returns a snapshot of the current state.
func (s *Session) State() reconcile.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Refresh reloads the conversation list.
func (s *Session) Refresh(ctx context.Context) error {
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh conversations", "error", err)
		return err
	}
	s.mu.Lock()
	s.state = reconcile.SetConversations(s.state, convs)
	s.mu.Unlock()
	return nil
}

// Select activates a conversation and loads its transcript. An empty id
// starts a new conversation without a fetch. A fetch that completes after a
// newer Select is discarded.
func (s *Session) Select(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	var sel reconcile.Selection
	s.state, sel = reconcile.Select(s.state, conversationID)
	s.mu.Unlock()

	if conversationID == "" {
		return nil
	}

	msgs, err := s.api.ListMessages(ctx, conversationID)
	if err != nil {
		s.logger.Warn("Failed to fetch transcript", "error", err, "conversation_id", conversationID)
	}

	s.mu.Lock()
	s.state = reconcile.ApplyTranscript(s.state, sel, reconcile.FromDomain(msgs), err)
	s.mu.Unlock()
	return err
}

// SendTurn submits text on the active conversation. The optimistic entry is
// visible in State while the request is in flight. The returned error is
// the turn's failure, already reflected in the transcript.
func (s *Session) SendTurn(ctx context.Context, text string) error {
	s.mu.Lock()
	next, err := reconcile.ApplyOptimistic(s.state, text)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	conversationID := next.Turn.ConversationID
	s.mu.Unlock()

	res, err := s.api.SubmitTurn(context.WithoutCancel(ctx), text, conversationID)

	out := reconcile.Outcome{Err: err}
	if err == nil {
		out.AssistantMessage = res.AssistantMessage
		out.NewConversation = res.NewConversation
		if res.UserMessage != nil {
			out.UserMessageID = res.UserMessage.ID
		}
	} else {
		s.logger.Warn("Turn failed", "error", err, "conversation_id", conversationID)
	}

	s.mu.Lock()
	s.state = reconcile.Reconcile(s.state, out)
	s.mu.Unlock()
	return err
}
