package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

var _ Repository = (*MockRepository)(nil)

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) UpsertMember(ctx context.Context, params UpsertMemberParams) (Member, error) {
	args := m.Called(params)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockRepository) UpdateMember(ctx context.Context, params UpdateMemberParams) (Member, error) {
	args := m.Called(params)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockRepository) GetMember(ctx context.Context, id string) (Member, error) {
	args := m.Called(id)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockRepository) GetOrCreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, bool, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Bool(1), args.Error(2)
}
func (m *MockRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	args := m.Called(id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockRepository) ListConversations(ctx context.Context, memberId string) ([]ConversationSummary, error) {
	args := m.Called(memberId)
	return args.Get(0).([]ConversationSummary), args.Error(1)
}
func (m *MockRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) (Message, error) {
	args := m.Called(id, content, editedAt)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) DeleteMessage(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockRepository) MarkRead(ctx context.Context, conversationId, readerId string) ([]Message, error) {
	args := m.Called(conversationId, readerId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) ListMessages(ctx context.Context, conversationId string, page Page) ([]Message, error) {
	args := m.Called(conversationId, page)
	return args.Get(0).([]Message), args.Error(1)
}
