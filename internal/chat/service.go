// Package chat runs conversation turns: it resolves or creates the
// conversation, persists the question, asks the answering service and
// persists the reply, all under an ownership check.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/cogni-chat/internal/answer"
	"github.com/ashureev/cogni-chat/internal/domain"
	"github.com/ashureev/cogni-chat/internal/store"
	"github.com/ashureev/cogni-chat/internal/turnlog"
)

const defaultAnswerTimeout = 120 * time.Second

// TurnState is a step of the per-turn state machine.
type TurnState string

// Turn states in order. AssistantPersisted and UpstreamFailed are the two
// outcomes of Answering; both end in Done.
const (
	StateResolving          TurnState = "resolving"
	StateUserPersisted      TurnState = "user_persisted"
	StateAnswering          TurnState = "answering"
	StateAssistantPersisted TurnState = "assistant_persisted"
	StateUpstreamFailed     TurnState = "upstream_failed"
	StateDone               TurnState = "done"
)

// TurnRequest is one question submitted by an authenticated user.
type TurnRequest struct {
	UserID         string
	Message        string
	ConversationID string // empty starts a new conversation
	Channel        string // transport name, for the audit log
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	UserMessage      *domain.Message
	AssistantMessage *domain.Message
	// NewConversation is set only when the turn created the conversation.
	NewConversation *domain.Conversation
}

// Service is the conversation session manager.
type Service struct {
	repo          store.Repository
	answerer      answer.Answerer
	turnLog       turnlog.Logger
	logger        *slog.Logger
	answerTimeout time.Duration

	// turnLocks holds one mutex per conversation with a turn in flight.
	turnLocks sync.Map
}

// Option configures a Service.
type Option func(*Service)

// WithTurnLog sets the audit logger.
func WithTurnLog(l turnlog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.turnLog = l
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAnswerTimeout bounds each answering service call.
func WithAnswerTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.answerTimeout = d
		}
	}
}

// NewService creates a session manager.
func NewService(repo store.Repository, answerer answer.Answerer, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		answerer:      answerer,
		turnLog:       turnlog.Noop{},
		logger:        slog.Default(),
		answerTimeout: defaultAnswerTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListConversations returns the user's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	if userID == "" {
		return nil, domain.ErrAuthenticationFailed
	}
	convs, err := s.repo.ListConversations(ctx, userID)
	if err != nil {
		return nil, persistenceError(err)
	}
	return convs, nil
}

// ListMessages returns the transcript of a conversation owned by userID.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]*domain.Message, error) {
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, persistenceError(err)
	}
	return msgs, nil
}

// SubmitTurn persists the question, asks the answering service and persists
// the answer. The question is never rolled back: when the answering service
// fails the transcript keeps the user message without a reply and the caller
// gets ErrUpstreamUnavailable. Once validation passes the turn runs to
// completion even if ctx is cancelled.
func (s *Service) SubmitTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.UserID == "" {
		return nil, domain.ErrAuthenticationFailed
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrValidationFailed)
	}

	ctx = context.WithoutCancel(ctx)
	t := &turn{svc: s, req: req, state: StateResolving}
	t.enter(StateResolving)

	conv, created, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	t.conversationID = conv.ID

	if !created {
		unlock, ok := s.lockConversation(conv.ID)
		if !ok {
			s.logger.Warn("Turn already in progress", "user_id", req.UserID, "conversation_id", conv.ID)
			return nil, domain.ErrTurnInProgress
		}
		defer unlock()
	} else {
		s.audit(req, conv.ID, turnlog.EventConversation, conv.Title, nil)
	}

	userMsg := &domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: req.Message}
	if err := s.repo.AppendMessage(ctx, userMsg); err != nil {
		s.logger.Error("Failed to persist user message", "error", err, "user_id", req.UserID, "conversation_id", conv.ID)
		return nil, persistenceError(err)
	}
	t.enter(StateUserPersisted)
	s.audit(req, conv.ID, turnlog.EventUserMessage, req.Message, map[string]any{"message_id": userMsg.ID})

	t.enter(StateAnswering)
	answerCtx, cancel := context.WithTimeout(ctx, s.answerTimeout)
	reply, err := s.answerer.Answer(answerCtx, req.Message)
	cancel()
	if err != nil {
		t.enter(StateUpstreamFailed)
		t.enter(StateDone)
		s.logger.Error("Answering service failed", "error", err, "user_id", req.UserID, "conversation_id", conv.ID)
		s.audit(req, conv.ID, turnlog.EventUpstreamFailure, "", map[string]any{"error": err.Error()})
		if !errors.Is(err, domain.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	if strings.TrimSpace(reply) == "" {
		t.enter(StateUpstreamFailed)
		t.enter(StateDone)
		s.audit(req, conv.ID, turnlog.EventUpstreamFailure, "", map[string]any{"error": "empty answer"})
		return nil, fmt.Errorf("%w: empty answer", domain.ErrUpstreamUnavailable)
	}

	assistantMsg := &domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: reply}
	if err := s.repo.AppendMessage(ctx, assistantMsg); err != nil {
		s.logger.Error("Failed to persist assistant message", "error", err, "user_id", req.UserID, "conversation_id", conv.ID)
		return nil, persistenceError(err)
	}
	t.enter(StateAssistantPersisted)
	s.audit(req, conv.ID, turnlog.EventAssistantMessage, reply, map[string]any{"message_id": assistantMsg.ID})
	t.enter(StateDone)

	result := &TurnResult{UserMessage: userMsg, AssistantMessage: assistantMsg}
	if created {
		conv.UpdatedAt = assistantMsg.CreatedAt
		result.NewConversation = conv
	}
	return result, nil
}

// resolve finds the requested conversation or creates a new one. The new
// conversation is persisted before any message is written.
func (s *Service) resolve(ctx context.Context, req TurnRequest) (*domain.Conversation, bool, error) {
	if req.ConversationID != "" {
		conv, err := s.ownedConversation(ctx, req.UserID, req.ConversationID)
		return conv, false, err
	}

	conv := &domain.Conversation{
		OwnerID: req.UserID,
		Title:   domain.DeriveTitle(req.Message),
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		s.logger.Error("Failed to create conversation", "error", err, "user_id", req.UserID)
		return nil, false, persistenceError(err)
	}
	s.logger.Info("Conversation created", "user_id", req.UserID, "conversation_id", conv.ID)
	return conv, true, nil
}

func (s *Service) ownedConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	if userID == "" {
		return nil, domain.ErrAuthenticationFailed
	}
	if conversationID == "" {
		return nil, domain.ErrNotFoundOrForbidden
	}
	conv, err := s.repo.FindConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, persistenceError(err)
	}
	if conv == nil || !conv.OwnedBy(userID) {
		return nil, domain.ErrNotFoundOrForbidden
	}
	return conv, nil
}

// lockConversation refuses a second concurrent turn on one conversation.
func (s *Service) lockConversation(conversationID string) (func(), bool) {
	lock, _ := s.turnLocks.LoadOrStore(conversationID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		return nil, false
	}
	return func() {
		mutex.Unlock()
		s.turnLocks.Delete(conversationID)
	}, true
}

func (s *Service) audit(req TurnRequest, conversationID, eventType, content string, meta map[string]any) {
	s.turnLog.Log(turnlog.Event{
		UserID:         req.UserID,
		ConversationID: conversationID,
		Channel:        req.Channel,
		EventType:      eventType,
		Content:        content,
		Meta:           meta,
	})
}

// persistenceError keeps ownership and validation failures as they are and
// classifies everything else as a storage failure.
func persistenceError(err error) error {
	if errors.Is(err, domain.ErrNotFoundOrForbidden) || errors.Is(err, domain.ErrValidationFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrPersistenceFailed, err)
}

type turn struct {
	svc            *Service
	req            TurnRequest
	conversationID string
	state          TurnState
}

func (t *turn) enter(state TurnState) {
	t.svc.logger.Debug("Turn state",
		"from", t.state,
		"to", state,
		"user_id", t.req.UserID,
		"conversation_id", t.conversationID,
	)
	t.state = state
}
