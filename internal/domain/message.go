package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks a question typed by the conversation owner.
	RoleUser Role = "user"
	// RoleAssistant marks a reply produced by the answering service.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single transcript entry. Messages are append-only.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Validate checks the invariants a message must satisfy before it is stored.
func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return fmt.Errorf("%w: message has no conversation", ErrValidationFailed)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrValidationFailed, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: message content is empty", ErrValidationFailed)
	}
	return nil
}

// StoredMessage is a persisted message as returned to clients for a turn.
type StoredMessage struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Stored returns the client view of m.
func (m *Message) Stored() StoredMessage {
	return StoredMessage{ID: m.ID, Role: m.Role, Content: m.Content}
}
