// Package reconcile holds client-side conversation state and the pure
// transitions that apply optimistic turns and reconcile them with the
// server's answer.
package reconcile

import (
	"errors"
	"strings"
	"time"

	"github.com/ashureev/cogni-chat/internal/domain"
)

// FallbackReply is shown in the assistant's voice when a turn fails.
const FallbackReply = "Sorry, I couldn't get an answer right now. Please try again."

var (
	// ErrEmptyText is returned for a blank message.
	ErrEmptyText = errors.New("message text is empty")
	// ErrTurnPending is returned while a previous turn is in flight.
	ErrTurnPending = errors.New("a turn is already pending")
)

// Attention tells the caller what the user has to do after a failed turn
// or fetch.
type Attention int

// Attention values.
const (
	AttentionNone Attention = iota
	AttentionReauthenticate
	AttentionRefreshConversations
)

func (a Attention) String() string {
	switch a {
	case AttentionReauthenticate:
		return "reauthenticate"
	case AttentionRefreshConversations:
		return "refresh_conversations"
	default:
		return "none"
	}
}

// Message is a transcript entry as the client sees it.
type Message struct {
	ID        string
	Role      domain.Role
	Content   string
	CreatedAt time.Time
	// Optimistic marks a user entry not yet confirmed by the server.
	Optimistic bool
	// Synthetic marks the locally generated fallback reply.
	Synthetic bool
}

// FromDomain converts server messages to transcript entries.
func FromDomain(msgs []*domain.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return out
}

// Selection tags a transcript fetch with the generation it was issued for.
type Selection struct {
	ConversationID string
	Generation     uint64
}

// Turn is the in-flight turn.
type Turn struct {
	Text           string
	ConversationID string
	// Base is the transcript index where this turn's entries start.
	Base int
	// AnchorID is the last server message known when the turn started.
	AnchorID string
}

// Outcome is the settled result of a turn. The message ids become the
// anchor of the next turn.
type Outcome struct {
	UserMessageID    string
	AssistantMessage domain.StoredMessage
	NewConversation  *domain.Conversation
	Err              error
}

// State is the client's view. Transitions never mutate their input.
type State struct {
	Conversations        []domain.Conversation
	ActiveConversationID string // empty while composing a new conversation
	Transcript           []Message
	Pending              bool
	Generation           uint64
	Turn                 *Turn
	Attention            Attention
}

// Initial returns the empty state.
func Initial() State {
	return State{
		Conversations: []domain.Conversation{},
		Transcript:    []Message{},
	}
}

func (s State) clone() State {
	s.Conversations = append([]domain.Conversation{}, s.Conversations...)
	s.Transcript = append([]Message{}, s.Transcript...)
	if s.Turn != nil {
		t := *s.Turn
		s.Turn = &t
	}
	return s
}

// SetConversations replaces the conversation list.
func SetConversations(s State, list []domain.Conversation) State {
	s = s.clone()
	s.Conversations = append([]domain.Conversation{}, list...)
	if s.Attention == AttentionRefreshConversations {
		s.Attention = AttentionNone
	}
	return s
}

// Select makes id the active conversation ("" starts a new one) and clears
// the transcript. Fetch results must be applied with the returned Selection.
func Select(s State, id string) (State, Selection) {
	s = s.clone()
	s.ActiveConversationID = id
	s.Transcript = []Message{}
	s.Generation++
	if s.Turn != nil && s.Turn.ConversationID == id {
		s.Turn.Base = 0
		s.Transcript = append(s.Transcript, optimisticEntry(s.Turn.Text))
	}
	return s, Selection{ConversationID: id, Generation: s.Generation}
}

// ApplyTranscript installs a fetched transcript. Results for a superseded
// selection are dropped. While a turn for the same conversation is pending
// its entries are cut from the fetched tail and the optimistic entry is
// re-attached so the transcript never shows the question twice.
func ApplyTranscript(s State, sel Selection, msgs []Message, err error) State {
	if sel.Generation != s.Generation {
		return s
	}
	s = s.clone()
	if err != nil {
		s.Transcript = []Message{}
		s.Attention = attentionFor(err)
	} else {
		s.Transcript = append([]Message{}, msgs...)
	}

	if s.Pending && s.Turn != nil && s.Turn.ConversationID == sel.ConversationID {
		base := turnStart(s.Transcript, s.Turn)
		s.Transcript = append(s.Transcript[:base], optimisticEntry(s.Turn.Text))
		s.Turn.Base = base
	}
	return s
}

// ApplyOptimistic appends the user's message before the server confirms it.
func ApplyOptimistic(s State, text string) (State, error) {
	if strings.TrimSpace(text) == "" {
		return s, ErrEmptyText
	}
	if s.Pending {
		return s, ErrTurnPending
	}
	s = s.clone()
	s.Turn = &Turn{
		Text:           text,
		ConversationID: s.ActiveConversationID,
		Base:           len(s.Transcript),
		AnchorID:       lastServerID(s.Transcript),
	}
	s.Transcript = append(s.Transcript, optimisticEntry(text))
	s.Pending = true
	s.Attention = AttentionNone
	return s, nil
}

// Reconcile settles the pending turn. On success the turn's entries are
// replaced by the canonical user/assistant pair and a new conversation is
// prepended, becoming active only if the user has not navigated away. On
// failure the user entry is kept and FallbackReply follows it.
func Reconcile(s State, out Outcome) State {
	if !s.Pending || s.Turn == nil {
		return s
	}
	s = s.clone()
	t := *s.Turn
	s.Pending = false
	s.Turn = nil

	inView := s.ActiveConversationID == t.ConversationID
	base := t.Base
	if base > len(s.Transcript) {
		base = turnStart(s.Transcript, &t)
	}

	if out.Err != nil {
		s.Attention = attentionFor(out.Err)
		if inView {
			s.Transcript = append(s.Transcript[:base],
				Message{Role: domain.RoleUser, Content: t.Text},
				Message{Role: domain.RoleAssistant, Content: FallbackReply, Synthetic: true},
			)
		}
		return s
	}

	if inView {
		s.Transcript = append(s.Transcript[:base],
			Message{ID: out.UserMessageID, Role: domain.RoleUser, Content: t.Text},
			Message{ID: out.AssistantMessage.ID, Role: out.AssistantMessage.Role, Content: out.AssistantMessage.Content},
		)
	}

	if conv := out.NewConversation; conv != nil {
		list := make([]domain.Conversation, 0, len(s.Conversations)+1)
		list = append(list, *conv)
		for _, c := range s.Conversations {
			if c.ID != conv.ID {
				list = append(list, c)
			}
		}
		s.Conversations = list
		if inView && t.ConversationID == "" {
			s.ActiveConversationID = conv.ID
			s.Generation++
		}
	}
	return s
}

// turnStart finds where the turn's entries begin in tr: right after the
// anchor message when present, otherwise before a trailing copy of the
// question or question/answer pair.
func turnStart(tr []Message, t *Turn) int {
	if t.AnchorID != "" {
		for i := len(tr) - 1; i >= 0; i-- {
			if tr[i].ID == t.AnchorID {
				return i + 1
			}
		}
	}
	n := len(tr)
	if n >= 1 && isQuestion(tr[n-1], t.Text) {
		return n - 1
	}
	if n >= 2 && isQuestion(tr[n-2], t.Text) && tr[n-1].Role == domain.RoleAssistant {
		return n - 2
	}
	return n
}

func isQuestion(m Message, text string) bool {
	return m.Role == domain.RoleUser && m.Content == text
}

// lastServerID returns the id of the last confirmed entry, or "" when a
// confirmed entry without an id follows it; cutting after an older anchor
// would drop that entry.
func lastServerID(tr []Message) string {
	for i := len(tr) - 1; i >= 0; i-- {
		m := tr[i]
		if m.Optimistic || m.Synthetic {
			continue
		}
		return m.ID
	}
	return ""
}

func optimisticEntry(text string) Message {
	return Message{Role: domain.RoleUser, Content: text, Optimistic: true}
}

func attentionFor(err error) Attention {
	switch {
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return AttentionReauthenticate
	case errors.Is(err, domain.ErrNotFoundOrForbidden):
		return AttentionRefreshConversations
	default:
		return AttentionNone
	}
}
