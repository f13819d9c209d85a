package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/cogni-chat/internal/answer"
	"github.com/ashureev/cogni-chat/internal/domain"
	"github.com/ashureev/cogni-chat/internal/store"
	"github.com/ashureev/cogni-chat/internal/turnlog"
)

// memRepo is an in-memory Repository with failure injection.
type memRepo struct {
	mu       sync.Mutex
	convs    map[string]*domain.Conversation
	messages map[string][]*domain.Message
	seq      int

	failCreate error
	// failAppendRole makes AppendMessage fail for messages with this role.
	failAppendRole domain.Role
	failAppend     error
	appendCalls    int
}

func newMemRepo() *memRepo {
	return &memRepo{
		convs:    make(map[string]*domain.Conversation),
		messages: make(map[string][]*domain.Message),
	}
}

func (r *memRepo) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate != nil {
		return r.failCreate
	}
	r.seq++
	conv.ID = fmt.Sprintf("conv-%d", r.seq)
	conv.CreatedAt = time.UnixMilli(int64(r.seq))
	conv.UpdatedAt = conv.CreatedAt
	copied := *conv
	r.convs[conv.ID] = &copied
	return nil
}

func (r *memRepo) FindConversation(_ context.Context, id, ownerID string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[id]
	if !ok || conv.OwnerID != ownerID {
		return nil, nil
	}
	copied := *conv
	return &copied, nil
}

func (r *memRepo) ListConversations(_ context.Context, ownerID string) ([]*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Conversation
	for _, conv := range r.convs {
		if conv.OwnerID == ownerID {
			copied := *conv
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memRepo) AppendMessage(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendCalls++
	if r.failAppend != nil && msg.Role == r.failAppendRole {
		return r.failAppend
	}
	if _, ok := r.convs[msg.ConversationID]; !ok {
		return domain.ErrNotFoundOrForbidden
	}
	r.seq++
	msg.ID = fmt.Sprintf("msg-%d", r.seq)
	msg.CreatedAt = time.UnixMilli(int64(r.seq))
	copied := *msg
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], &copied)
	r.convs[msg.ConversationID].UpdatedAt = msg.CreatedAt
	return nil
}

func (r *memRepo) ListMessages(_ context.Context, conversationID string) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Message(nil), r.messages[conversationID]...), nil
}

func (r *memRepo) Ping(context.Context) error { return nil }
func (r *memRepo) Close() error               { return nil }

type recordingLog struct {
	mu     sync.Mutex
	events []turnlog.Event
}

func (l *recordingLog) Log(e turnlog.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingLog) Close() error { return nil }

func (l *recordingLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.EventType)
	}
	return out
}

func echoAnswerer(prefix string) answer.Answerer {
	return answer.Func(func(_ context.Context, q string) (string, error) {
		return prefix + q, nil
	})
}

func TestSubmitTurn_NewConversation(t *testing.T) {
	repo := newMemRepo()
	audit := &recordingLog{}
	svc := NewService(repo, echoAnswerer("A: "), WithTurnLog(audit))

	res, err := svc.SubmitTurn(context.Background(), TurnRequest{UserID: "u1", Message: "What is GDPR?"})
	require.NoError(t, err)
	require.NotNil(t, res.NewConversation)
	assert.Equal(t, "What is GDPR?", res.NewConversation.Title)
	assert.Equal(t, domain.RoleAssistant, res.AssistantMessage.Role)
	assert.Equal(t, "A: What is GDPR?", res.AssistantMessage.Content)

	msgs, err := svc.ListMessages(context.Background(), "u1", res.NewConversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)

	assert.Equal(t, []string{
		turnlog.EventConversation,
		turnlog.EventUserMessage,
		turnlog.EventAssistantMessage,
	}, audit.types())
}

func TestSubmitTurn_LongTitleTruncated(t *testing.T) {
	svc := NewService(newMemRepo(), echoAnswerer(""))

	res, err := svc.SubmitTurn(context.Background(), TurnRequest{
		UserID:  "u1",
		Message: "Explain the differences between GDPR and CCPA in detail",
	})
	require.NoError(t, err)
	assert.Equal(t, "Explain the differences betwee…", res.NewConversation.Title)
}

func TestSubmitTurn_ExistingConversation(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, echoAnswerer("A: "))
	ctx := context.Background()

	first, err := svc.SubmitTurn(ctx, TurnRequest{UserID: "u1", Message: "What is GDPR?"})
	require.NoError(t, err)
	convID := first.NewConversation.ID

	second, err := svc.SubmitTurn(ctx, TurnRequest{UserID: "u1", Message: "And CCPA?", ConversationID: convID})
	require.NoError(t, err)
	assert.Nil(t, second.NewConversation)
	assert.Equal(t, convID, second.AssistantMessage.ConversationID)

	msgs, err := svc.ListMessages(ctx, "u1", convID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "And CCPA?", msgs[2].Content)
	assert.Equal(t, "A: And CCPA?", msgs[3].Content)

	convs, err := svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestSubmitTurn_Validation(t *testing.T) {
	repo := newMemRepo()
	called := false
	svc := NewService(repo, answer.Func(func(context.Context, string) (string, error) {
		called = true
		return "x", nil
	}))

	_, err := svc.SubmitTurn(context.Background(), TurnRequest{UserID: "u1", Message: "   "})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	_, err = svc.SubmitTurn(context.Background(), TurnRequest{Message: "hello"})
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)

	assert.False(t, called)
	assert.Empty(t, repo.convs)
}

func TestSubmitTurn_ForeignConversation(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, echoAnswerer(""))
	ctx := context.Background()

	res, err := svc.SubmitTurn(ctx, TurnRequest{UserID: "owner", Message: "hi"})
	require.NoError(t, err)
	convID := res.NewConversation.ID

	_, err = svc.SubmitTurn(ctx, TurnRequest{UserID: "intruder", Message: "hi", ConversationID: convID})
	assert.ErrorIs(t, err, domain.ErrNotFoundOrForbidden)

	_, err = svc.SubmitTurn(ctx, TurnRequest{UserID: "owner", Message: "hi", ConversationID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFoundOrForbidden)

	_, err = svc.ListMessages(ctx, "intruder", convID)
	assert.ErrorIs(t, err, domain.ErrNotFoundOrForbidden)

	msgs, err := svc.ListMessages(ctx, "owner", convID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestSubmitTurn_UpstreamFailureKeepsQuestion(t *testing.T) {
	repo := newMemRepo()
	audit := &recordingLog{}
	svc := NewService(repo, answer.Func(func(context.Context, string) (string, error) {
		return "", errors.New("connection refused")
	}), WithTurnLog(audit))
	ctx := context.Background()

	res, err := svc.SubmitTurn(ctx, TurnRequest{UserID: "u1", Message: "What is GDPR?"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	convs, err := svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, convs, 1)

	msgs, err := svc.ListMessages(ctx, "u1", convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Contains(t, audit.types(), turnlog.EventUpstreamFailure)
}

func TestSubmitTurn_EmptyAnswerIsUpstreamFailure(t *testing.T) {
	svc := NewService(newMemRepo(), answer.Func(func(context.Context, string) (string, error) {
		return "  ", nil
	}))

	_, err := svc.SubmitTurn(context.Background(), TurnRequest{UserID: "u1", Message: "q"})
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestSubmitTurn_PersistenceFailures(t *testing.T) {
	t.Run("create conversation", func(t *testing.T) {
		repo := newMemRepo()
		repo.failCreate = errors.New("disk full")
		svc := NewService(repo, echoAnswerer(""))

		_, err := svc.SubmitTurn(context.Background(), TurnRequest{UserID: "u1", Message: "q"})
		assert.ErrorIs(t, err, domain.ErrPersistenceFailed)
	})

	t.Run("user message", func(t *testing.T) {
		repo := newMemRepo()
		repo.failAppendRole = domain.RoleUser
		repo.failAppend = errors.New("database is locked")
		called := false
		svc := NewService(repo, answer.Func(func(context.Context, string) (string, error) {
			called = true
			return "a", nil
		}))

		_, err := svc.SubmitTurn(context.Background(), TurnRequest{UserID: "u1", Message: "q"})
		assert.ErrorIs(t, err, domain.ErrPersistenceFailed)
		assert.False(t, called, "answerer must not run when the question was not stored")
		assert.Equal(t, 1, repo.appendCalls, "a failed write is reported, not retried")
	})

	t.Run("assistant message", func(t *testing.T) {
		repo := newMemRepo()
		repo.failAppendRole = domain.RoleAssistant
		repo.failAppend = errors.New("disk full")
		svc := NewService(repo, echoAnswerer(""))

		_, err := svc.SubmitTurn(context.Background(), TurnRequest{UserID: "u1", Message: "q"})
		assert.ErrorIs(t, err, domain.ErrPersistenceFailed)
		assert.Equal(t, 2, repo.appendCalls)
	})
}

func TestSubmitTurn_ConcurrentTurnRefused(t *testing.T) {
	repo := newMemRepo()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	blocking := answer.Func(func(_ context.Context, q string) (string, error) {
		if q == "slow" {
			entered <- struct{}{}
			<-release
		}
		return "ok", nil
	})
	svc := NewService(repo, blocking)
	ctx := context.Background()

	first, err := svc.SubmitTurn(ctx, TurnRequest{UserID: "u1", Message: "start"})
	require.NoError(t, err)
	convID := first.NewConversation.ID

	done := make(chan error, 1)
	go func() {
		_, err := svc.SubmitTurn(ctx, TurnRequest{UserID: "u1", Message: "slow", ConversationID: convID})
		done <- err
	}()
	<-entered

	_, err = svc.SubmitTurn(ctx, TurnRequest{UserID: "u1", Message: "again", ConversationID: convID})
	assert.ErrorIs(t, err, domain.ErrTurnInProgress)

	close(release)
	require.NoError(t, <-done)

	_, err = svc.SubmitTurn(ctx, TurnRequest{UserID: "u1", Message: "after", ConversationID: convID})
	assert.NoError(t, err)
}

func TestSubmitTurn_IgnoresCallerCancellation(t *testing.T) {
	repo := newMemRepo()
	ctx, cancel := context.WithCancel(context.Background())
	svc := NewService(repo, answer.Func(func(actx context.Context, q string) (string, error) {
		cancel()
		if actx.Err() != nil {
			return "", actx.Err()
		}
		return "still answered", nil
	}))

	res, err := svc.SubmitTurn(ctx, TurnRequest{UserID: "u1", Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, "still answered", res.AssistantMessage.Content)
}

func TestSubmitTurn_AnswerTimeout(t *testing.T) {
	svc := NewService(newMemRepo(), answer.Func(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), WithAnswerTimeout(20*time.Millisecond))

	_, err := svc.SubmitTurn(context.Background(), TurnRequest{UserID: "u1", Message: "q"})
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_SQLiteScenario(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	answers := map[string]string{
		"What is GDPR?": "GDPR is the EU data protection regulation.",
		"And CCPA?":     "CCPA is the California privacy law.",
	}
	svc := NewService(repo, answer.Func(func(_ context.Context, q string) (string, error) {
		return answers[q], nil
	}))
	ctx := context.Background()

	first, err := svc.SubmitTurn(ctx, TurnRequest{UserID: "alice", Message: "What is GDPR?"})
	require.NoError(t, err)
	require.NotNil(t, first.NewConversation)

	_, err = svc.SubmitTurn(ctx, TurnRequest{UserID: "alice", Message: "And CCPA?", ConversationID: first.NewConversation.ID})
	require.NoError(t, err)

	msgs, err := svc.ListMessages(ctx, "alice", first.NewConversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{
		"What is GDPR?",
		"GDPR is the EU data protection regulation.",
		"And CCPA?",
		"CCPA is the California privacy law.",
	}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content, msgs[3].Content})

	again, err := svc.ListMessages(ctx, "alice", first.NewConversation.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs, again, "reads must be stable")

	convs, err := svc.ListConversations(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, convs)

	_, err = svc.ListMessages(ctx, "bob", first.NewConversation.ID)
	assert.ErrorIs(t, err, domain.ErrNotFoundOrForbidden)
}
