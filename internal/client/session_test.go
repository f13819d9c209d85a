package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/cogni-chat/internal/domain"
	"github.com/ashureev/cogni-chat/internal/reconcile"
)

// fakeAPI serves canned data. Calls for ids listed in gates block until the
// gate is closed.
type fakeAPI struct {
	mu         sync.Mutex
	convs      []domain.Conversation
	transcript map[string][]*domain.Message
	gates      map[string]chan struct{}
	turn       func(message, conversationID string) (*TurnResult, error)
	started    chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		transcript: make(map[string][]*domain.Message),
		gates:      make(map[string]chan struct{}),
		started:    make(chan string, 8),
	}
}

func (f *fakeAPI) wait(key string) {
	f.mu.Lock()
	gate := f.gates[key]
	f.mu.Unlock()
	f.started <- key
	if gate != nil {
		<-gate
	}
}

func (f *fakeAPI) ListConversations(context.Context) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Conversation(nil), f.convs...), nil
}

func (f *fakeAPI) ListMessages(_ context.Context, id string) ([]*domain.Message, error) {
	f.wait("messages:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.transcript[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFoundOrForbidden, id)
	}
	return msgs, nil
}

func (f *fakeAPI) SubmitTurn(_ context.Context, message, conversationID string) (*TurnResult, error) {
	f.wait("turn")
	return f.turn(message, conversationID)
}

func msg(id string, role domain.Role, content string) *domain.Message {
	return &domain.Message{ID: id, Role: role, Content: content, CreatedAt: time.UnixMilli(1)}
}

func TestSession_NewConversationTurn(t *testing.T) {
	fake := newFakeAPI()
	fake.turn = func(message, conversationID string) (*TurnResult, error) {
		assert.Empty(t, conversationID)
		return &TurnResult{
			UserMessage:      &domain.StoredMessage{ID: "m1", Role: domain.RoleUser, Content: message},
			AssistantMessage: domain.StoredMessage{ID: "m2", Role: domain.RoleAssistant, Content: "A regulation."},
			NewConversation:  &domain.Conversation{ID: "c1", Title: message},
		}, nil
	}
	s := NewSession(fake, nil)

	require.NoError(t, s.SendTurn(context.Background(), "What is GDPR?"))

	st := s.State()
	assert.False(t, st.Pending)
	assert.Equal(t, "c1", st.ActiveConversationID)
	require.Len(t, st.Conversations, 1)
	require.Len(t, st.Transcript, 2)
	assert.Equal(t, "What is GDPR?", st.Transcript[0].Content)
	assert.Equal(t, "A regulation.", st.Transcript[1].Content)
	assert.Equal(t, "m1", st.Transcript[0].ID)
	assert.Equal(t, "m2", st.Transcript[1].ID)
}

func TestSession_OptimisticVisibleWhilePending(t *testing.T) {
	fake := newFakeAPI()
	gate := make(chan struct{})
	fake.gates["turn"] = gate
	fake.turn = func(string, string) (*TurnResult, error) {
		return &TurnResult{AssistantMessage: domain.StoredMessage{Role: domain.RoleAssistant, Content: "hi"}}, nil
	}
	s := NewSession(fake, nil)

	done := make(chan error, 1)
	go func() { done <- s.SendTurn(context.Background(), "hello") }()
	<-fake.started

	st := s.State()
	assert.True(t, st.Pending)
	require.Len(t, st.Transcript, 1)
	assert.True(t, st.Transcript[0].Optimistic)

	assert.ErrorIs(t, s.SendTurn(context.Background(), "again"), reconcile.ErrTurnPending)

	close(gate)
	require.NoError(t, <-done)
	assert.False(t, s.State().Pending)
}

func TestSession_TurnFailureShowsFallback(t *testing.T) {
	fake := newFakeAPI()
	fake.turn = func(string, string) (*TurnResult, error) {
		return nil, fmt.Errorf("%w: bad gateway", domain.ErrUpstreamUnavailable)
	}
	s := NewSession(fake, nil)

	err := s.SendTurn(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	st := s.State()
	require.Len(t, st.Transcript, 2)
	assert.Equal(t, reconcile.FallbackReply, st.Transcript[1].Content)
	assert.Empty(t, st.Conversations)
	assert.Empty(t, st.ActiveConversationID)
}

func TestSession_StaleSelectDiscarded(t *testing.T) {
	fake := newFakeAPI()
	fake.transcript["a"] = []*domain.Message{msg("a1", domain.RoleUser, "from a")}
	fake.transcript["b"] = []*domain.Message{msg("b1", domain.RoleUser, "from b")}
	gateA := make(chan struct{})
	fake.gates["messages:a"] = gateA
	s := NewSession(fake, nil)

	doneA := make(chan error, 1)
	go func() { doneA <- s.Select(context.Background(), "a") }()
	require.Equal(t, "messages:a", <-fake.started)

	require.NoError(t, s.Select(context.Background(), "b"))
	<-fake.started

	close(gateA)
	require.NoError(t, <-doneA)

	st := s.State()
	assert.Equal(t, "b", st.ActiveConversationID)
	require.Len(t, st.Transcript, 1)
	assert.Equal(t, "from b", st.Transcript[0].Content)
}

func TestSession_SelectMissingConversation(t *testing.T) {
	fake := newFakeAPI()
	s := NewSession(fake, nil)

	err := s.Select(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrNotFoundOrForbidden)
	<-fake.started
	assert.Equal(t, reconcile.AttentionRefreshConversations, s.State().Attention)
}

func TestSession_Refresh(t *testing.T) {
	fake := newFakeAPI()
	fake.convs = []domain.Conversation{{ID: "c2"}, {ID: "c1"}}
	s := NewSession(fake, nil)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Len(t, s.State().Conversations, 2)
}

func TestSession_EmptyText(t *testing.T) {
	s := NewSession(newFakeAPI(), nil)
	err := s.SendTurn(context.Background(), " ")
	assert.True(t, errors.Is(err, reconcile.ErrEmptyText))
	assert.False(t, s.State().Pending)
}
