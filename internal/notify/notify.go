package notify

import (
	"context"

	"github.com/npezzotti/pilgrim-chat/internal/types"
	"github.com/stretchr/testify/mock"
)

// NewMessageNotification tells an offline recipient that a message arrived.
type NewMessageNotification struct {
	RecipientId    string            `json:"recipient_id"`
	RecipientName  string            `json:"recipient_name"`
	RecipientEmail string            `json:"recipient_email"`
	SenderId       string            `json:"sender_id"`
	SenderName     string            `json:"sender_name"`
	ConversationId string            `json:"conversation_id"`
	MessageId      string            `json:"message_id"`
	Type           types.MessageType `json:"type"`
	Preview        string            `json:"preview"`
}

type Notifier interface {
	NewMessage(ctx context.Context, n NewMessageNotification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) NewMessage(context.Context, NewMessageNotification) error { return nil }

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NewMessage(ctx context.Context, n NewMessageNotification) error {
	args := m.Called(n)
	return args.Error(0)
}
