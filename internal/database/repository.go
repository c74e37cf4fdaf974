package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type Repository interface {
	Ping(ctx context.Context) error
	Close() error

	UpsertMember(ctx context.Context, params UpsertMemberParams) (Member, error)
	UpdateMember(ctx context.Context, params UpdateMemberParams) (Member, error)
	GetMember(ctx context.Context, id string) (Member, error)

	// GetOrCreateConversation returns the conversation for the normalized pair,
	// inserting it if absent. The bool reports whether a row was created.
	GetOrCreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, memberId string) ([]ConversationSummary, error)

	// CreateMessage inserts msg and bumps the owning conversation's updated_at.
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// MarkRead flips is_read on the messages not sent by readerId and returns
	// the messages that changed.
	MarkRead(ctx context.Context, conversationId, readerId string) ([]Message, error)
	ListMessages(ctx context.Context, conversationId string, page Page) ([]Message, error)
}
