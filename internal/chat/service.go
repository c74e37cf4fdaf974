package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/pilgrim-chat/internal/broker"
	"github.com/npezzotti/pilgrim-chat/internal/database"
	"github.com/npezzotti/pilgrim-chat/internal/notify"
	"github.com/npezzotti/pilgrim-chat/internal/stats"
	"github.com/npezzotti/pilgrim-chat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	previewLength        = 140
	maxIdGenerationTries = 3
)

// PresenceChecker answers whether a member has a live connection anywhere
// in the app.
type PresenceChecker interface {
	IsOnline(memberId string) bool
}

type Service struct {
	log      *log.Logger
	db       database.Repository
	events   broker.Publisher
	notifier notify.Notifier
	stats    stats.StatsProvider

	presenceMu sync.RWMutex
	presence   PresenceChecker

	now                    func() time.Time
	generateConversationId func() (string, error)
	generateMessageId      func() string
}

func NewService(logger *log.Logger, db database.Repository, events broker.Publisher, notifier notify.Notifier, stats stats.StatsProvider) *Service {
	return &Service{
		log:                    logger,
		db:                     db,
		events:                 events,
		notifier:               notifier,
		stats:                  stats,
		now:                    func() time.Time { return time.Now().UTC() },
		generateConversationId: shortid.Generate,
		generateMessageId:      uuid.NewString,
	}
}

// SetPresence installs the online checker. Until one is set every member is
// treated as offline.
func (s *Service) SetPresence(p PresenceChecker) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	s.presence = p
}

func (s *Service) isOnline(memberId string) bool {
	s.presenceMu.RLock()
	defer s.presenceMu.RUnlock()
	return s.presence != nil && s.presence.IsOnline(memberId)
}

func (s *Service) GetMember(ctx context.Context, id string) (types.Member, error) {
	if !ValidMemberId(id) {
		return types.Member{}, ErrInvalidMemberId
	}

	m, err := s.db.GetMember(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Member{}, ErrMemberNotFound
		}
		return types.Member{}, Internal(err)
	}

	member := toMember(m)
	member.Online = s.isOnline(member.Id)
	return member, nil
}

type UpdateAccountParams struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (s *Service) UpdateAccount(ctx context.Context, memberId string, params UpdateAccountParams) (types.Member, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return types.Member{}, ErrInvalidName
	}
	email := strings.TrimSpace(params.Email)
	if email != "" && !validEmail(email) {
		return types.Member{}, ErrInvalidEmail
	}

	m, err := s.db.UpdateMember(ctx, database.UpdateMemberParams{
		Id:    memberId,
		Name:  name,
		Email: email,
		Phone: strings.TrimSpace(params.Phone),
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Member{}, ErrMemberNotFound
		}
		return types.Member{}, Internal(err)
	}

	return toMember(m), nil
}

// GetOrCreateConversation returns the single conversation between self and
// other, creating it on first contact. The bool reports whether it was created.
func (s *Service) GetOrCreateConversation(ctx context.Context, self, other string) (types.Conversation, bool, error) {
	if !ValidMemberId(self) || !ValidMemberId(other) {
		return types.Conversation{}, false, ErrInvalidMemberId
	}
	if self == other {
		return types.Conversation{}, false, ErrSelfConversation
	}

	a, b := self, other
	if b < a {
		a, b = b, a
	}

	for try := 1; ; try++ {
		id, err := s.generateConversationId()
		if err != nil {
			return types.Conversation{}, false, Internal(err)
		}

		c, created, err := s.db.GetOrCreateConversation(ctx, database.CreateConversationParams{
			Id:           id,
			ParticipantA: a,
			ParticipantB: b,
			CreatedAt:    s.now(),
		})
		switch {
		case err == nil:
			if created {
				s.log.Printf("member %q started conversation %q with member %q", self, c.Id, other)
			}
			return toConversation(c), created, nil
		case errors.Is(err, database.ErrNotFound):
			return types.Conversation{}, false, ErrCannotStartConversation
		case errors.Is(err, database.ErrConflict) && try < maxIdGenerationTries:
			continue
		default:
			return types.Conversation{}, false, Internal(err)
		}
	}
}

// ListConversations returns member's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, memberId string) ([]types.Conversation, error) {
	summaries, err := s.db.ListConversations(ctx, memberId)
	if err != nil {
		return nil, Internal(err)
	}

	convs := make([]types.Conversation, 0, len(summaries))
	for _, sum := range summaries {
		c := toConversation(sum.Conversation)
		c.UnreadCount = sum.UnreadCount
		c.OtherMember = &types.Member{
			Id:     sum.OtherMember.Id,
			Name:   sum.OtherMember.Name,
			Online: s.isOnline(sum.OtherMember.Id),
		}
		convs = append(convs, c)
	}

	return convs, nil
}

// Conversation returns the conversation if memberId participates in it.
func (s *Service) Conversation(ctx context.Context, conversationId, memberId string) (types.Conversation, error) {
	c, err := s.db.GetConversation(ctx, conversationId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Conversation{}, ErrConversationNotFound
		}
		return types.Conversation{}, Internal(err)
	}

	conv := toConversation(c)
	if !conv.HasParticipant(memberId) {
		return types.Conversation{}, ErrNotParticipant
	}

	return conv, nil
}

// AuthorizeTopic reports whether memberId may subscribe to topic.
func (s *Service) AuthorizeTopic(ctx context.Context, memberId, topic string) error {
	var conversationId string
	switch {
	case topic == types.OnlineTopic:
		return nil
	case strings.HasPrefix(topic, types.MessagesTopicPrefix):
		conversationId = strings.TrimPrefix(topic, types.MessagesTopicPrefix)
	case strings.HasPrefix(topic, types.PresenceTopicPrefix):
		conversationId = strings.TrimPrefix(topic, types.PresenceTopicPrefix)
	default:
		return ErrUnknownTopic
	}

	_, err := s.Conversation(ctx, conversationId, memberId)
	return err
}

type AppendParams struct {
	ConversationId  string            `json:"-"`
	SenderId        string            `json:"-"`
	Type            types.MessageType `json:"type"`
	Content         string            `json:"content"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	ReplyToId       *string           `json:"reply_to_id,omitempty"`
}

// Append adds a message to a conversation's log and announces it.
func (s *Service) Append(ctx context.Context, params AppendParams) (types.Message, error) {
	if params.Type == "" {
		params.Type = types.MessageTypeText
	}

	content, err := normalizeContent(params.Type, params.Content, params.DurationSeconds)
	if err != nil {
		return types.Message{}, err
	}

	conv, err := s.Conversation(ctx, params.ConversationId, params.SenderId)
	if err != nil {
		return types.Message{}, err
	}

	if params.ReplyToId != nil {
		target, err := s.db.GetMessage(ctx, *params.ReplyToId)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return types.Message{}, Internal(err)
		}
		if err != nil || target.ConversationId != conv.Id {
			return types.Message{}, ErrReplyTargetNotFound
		}
	}

	created, err := s.db.CreateMessage(ctx, database.Message{
		Id:              s.generateMessageId(),
		ConversationId:  conv.Id,
		SenderId:        params.SenderId,
		Type:            string(params.Type),
		Content:         content,
		DurationSeconds: params.DurationSeconds,
		ReplyToId:       params.ReplyToId,
		CreatedAt:       s.now(),
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Message{}, ErrConversationNotFound
		}
		return types.Message{}, Internal(err)
	}

	msg := toMessage(created)
	s.stats.Incr(stats.NumMessagesSent)
	s.publish(ctx, types.ChangeInsert, msg)
	s.notifyRecipient(ctx, conv, msg)

	return msg, nil
}

// Edit replaces the content of a text message sent by actor.
func (s *Service) Edit(ctx context.Context, actor, messageId, content string) (types.Message, error) {
	existing, err := s.ownMessage(ctx, actor, messageId)
	if err != nil {
		return types.Message{}, err
	}
	if types.MessageType(existing.Type) != types.MessageTypeText {
		return types.Message{}, ErrEditNonText
	}

	content, err = normalizeText(content)
	if err != nil {
		return types.Message{}, err
	}

	updated, err := s.db.UpdateMessageContent(ctx, messageId, content, s.now())
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Message{}, ErrMessageNotFound
		}
		return types.Message{}, Internal(err)
	}

	msg := toMessage(updated)
	s.publish(ctx, types.ChangeUpdate, msg)

	return msg, nil
}

// Delete removes a message sent by actor. Replies to it keep their reference.
func (s *Service) Delete(ctx context.Context, actor, messageId string) error {
	existing, err := s.ownMessage(ctx, actor, messageId)
	if err != nil {
		return err
	}

	if err := s.db.DeleteMessage(ctx, messageId); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrMessageNotFound
		}
		return Internal(err)
	}

	s.publish(ctx, types.ChangeDelete, types.Message{
		Id:             existing.Id,
		ConversationId: existing.ConversationId,
	})

	return nil
}

func (s *Service) ownMessage(ctx context.Context, actor, messageId string) (database.Message, error) {
	msg, err := s.db.GetMessage(ctx, messageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Message{}, ErrMessageNotFound
		}
		return database.Message{}, Internal(err)
	}
	if msg.SenderId != actor {
		return database.Message{}, ErrNotSender
	}
	return msg, nil
}

// MarkRead marks every message reader received in the conversation as read
// and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, conversationId, reader string) (int, error) {
	if _, err := s.Conversation(ctx, conversationId, reader); err != nil {
		return 0, err
	}

	changed, err := s.db.MarkRead(ctx, conversationId, reader)
	if err != nil {
		return 0, Internal(err)
	}

	for _, m := range changed {
		s.publish(ctx, types.ChangeUpdate, toMessage(m))
	}

	return len(changed), nil
}

type Page struct {
	Before string
	Limit  int
}

// ListMessages returns a window of the conversation history in ascending
// (created_at, id) order.
func (s *Service) ListMessages(ctx context.Context, conversationId, reader string, page Page) ([]types.Message, error) {
	if page.Limit < 0 {
		return nil, ErrInvalidLimit
	}

	if _, err := s.Conversation(ctx, conversationId, reader); err != nil {
		return nil, err
	}

	if page.Before != "" {
		cursor, err := s.db.GetMessage(ctx, page.Before)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, Internal(err)
		}
		if err != nil || cursor.ConversationId != conversationId {
			return nil, ErrInvalidCursor
		}
	}

	msgs, err := s.db.ListMessages(ctx, conversationId, database.Page{Before: page.Before, Limit: page.Limit})
	if err != nil {
		return nil, Internal(err)
	}

	return toMessages(msgs), nil
}

func (s *Service) publish(ctx context.Context, kind types.ChangeKind, msg types.Message) {
	evt := broker.Event{
		ConversationId: msg.ConversationId,
		Change:         types.MessageEvent{Kind: kind, Message: msg},
	}

	if err := s.events.Publish(context.WithoutCancel(ctx), evt); err != nil {
		s.log.Printf("publish %s event for message %q: %v", kind, msg.Id, err)
	}
}

// notifyRecipient queues a notification when the recipient is offline.
// Failures are logged and never undo the write.
func (s *Service) notifyRecipient(ctx context.Context, conv types.Conversation, msg types.Message) {
	recipientId := conv.Other(msg.SenderId)
	if s.isOnline(recipientId) {
		return
	}

	recipient, err := s.db.GetMember(ctx, recipientId)
	if err != nil {
		s.log.Printf("notify: get recipient %q: %v", recipientId, err)
		return
	}
	sender, err := s.db.GetMember(ctx, msg.SenderId)
	if err != nil {
		s.log.Printf("notify: get sender %q: %v", msg.SenderId, err)
		return
	}

	n := notify.NewMessageNotification{
		RecipientId:    recipient.Id,
		RecipientName:  recipient.Name,
		RecipientEmail: recipient.Email,
		SenderId:       sender.Id,
		SenderName:     sender.Name,
		ConversationId: conv.Id,
		MessageId:      msg.Id,
		Type:           msg.Type,
	}
	if msg.Type == types.MessageTypeText {
		n.Preview = preview(msg.Content, previewLength)
	}

	if err := s.notifier.NewMessage(context.WithoutCancel(ctx), n); err != nil {
		s.log.Printf("notify: queue notification for message %q: %v", msg.Id, err)
		return
	}
	s.stats.Incr(stats.NumNotificationsQueued)
}
