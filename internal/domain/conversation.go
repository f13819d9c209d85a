// Package domain contains core domain types for the chat service.
package domain

import (
	"strings"
	"time"
)

const (
	// TitleMaxRunes is the number of characters kept from the first question.
	TitleMaxRunes = 30
	// TitleEllipsis marks a truncated title.
	TitleEllipsis = "…"
	// DefaultTitle is used when no title can be derived.
	DefaultTitle = "New Conversation"
)

// Conversation is an owned, titled container for an ordered transcript.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OwnedBy reports whether userID owns the conversation.
func (c *Conversation) OwnedBy(userID string) bool {
	return c != nil && userID != "" && c.OwnerID == userID
}

// DeriveTitle builds a conversation title from the first user message:
// the first 30 characters, with an ellipsis appended iff the text is longer.
func DeriveTitle(text string) string {
	if strings.TrimSpace(text) == "" {
		return DefaultTitle
	}
	runes := []rune(text)
	if len(runes) <= TitleMaxRunes {
		return text
	}
	return string(runes[:TitleMaxRunes]) + TitleEllipsis
}
