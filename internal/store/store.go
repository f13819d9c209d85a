// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/cogni-chat/internal/domain"
)

// ConversationStore persists conversation records.
type ConversationStore interface {
	// CreateConversation inserts a new conversation. ID and timestamps are
	// assigned when empty.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// FindConversation returns the conversation with id owned by ownerID.
	// It returns nil, nil when the conversation does not exist or belongs to
	// another user.
	FindConversation(ctx context.Context, id, ownerID string) (*domain.Conversation, error)

	// ListConversations returns the owner's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, ownerID string) ([]*domain.Conversation, error)
}

// MessageStore persists transcript entries.
type MessageStore interface {
	// AppendMessage inserts msg and bumps the owning conversation's
	// updated_at in the same transaction.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the transcript in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)
}

// Repository is the full persistence surface used by the server.
type Repository interface {
	ConversationStore
	MessageStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
