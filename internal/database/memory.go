package database

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryDSN selects the in-memory repository.
const MemoryDSN = "mem://"

// MemRepository is a process-local Repository used for development and tests.
// It enforces the same pair uniqueness as the Postgres schema.
type MemRepository struct {
	mu            sync.RWMutex
	members       map[string]Member
	conversations map[string]Conversation
	pairs         map[string]string
	messages      map[string]Message
}

var _ Repository = (*MemRepository)(nil)

func NewMemRepository() *MemRepository {
	return &MemRepository{
		members:       make(map[string]Member),
		conversations: make(map[string]Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string]Message),
	}
}

// IsMemoryDSN reports whether dsn selects the in-memory repository.
func IsMemoryDSN(dsn string) bool {
	return strings.HasPrefix(dsn, MemoryDSN)
}

func pairKey(a, b string) string {
	return a + "|" + b
}

func (r *MemRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemRepository) Close() error {
	return nil
}

func (r *MemRepository) UpsertMember(_ context.Context, params UpsertMemberParams) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	m, ok := r.members[params.Id]
	if !ok {
		m.CreatedAt = now
	}
	m.Id = params.Id
	m.Name = params.Name
	m.Email = params.Email
	m.Phone = params.Phone
	m.PasswordHash = params.PasswordHash
	m.UpdatedAt = now
	r.members[m.Id] = m

	return m, nil
}

func (r *MemRepository) UpdateMember(_ context.Context, params UpdateMemberParams) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[params.Id]
	if !ok {
		return Member{}, ErrNotFound
	}
	m.Name = params.Name
	m.Email = params.Email
	m.Phone = params.Phone
	m.UpdatedAt = time.Now().UTC()
	r.members[m.Id] = m

	return m, nil
}

func (r *MemRepository) GetMember(_ context.Context, id string) (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return Member{}, ErrNotFound
	}
	return m, nil
}

func (r *MemRepository) GetOrCreateConversation(_ context.Context, params CreateConversationParams) (Conversation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(params.ParticipantA, params.ParticipantB)
	if id, ok := r.pairs[key]; ok {
		return r.conversations[id], false, nil
	}

	if _, ok := r.members[params.ParticipantA]; !ok {
		return Conversation{}, false, ErrNotFound
	}
	if _, ok := r.members[params.ParticipantB]; !ok {
		return Conversation{}, false, ErrNotFound
	}
	if _, ok := r.conversations[params.Id]; ok {
		return Conversation{}, false, ErrConflict
	}

	c := Conversation{
		Id:           params.Id,
		ParticipantA: params.ParticipantA,
		ParticipantB: params.ParticipantB,
		CreatedAt:    params.CreatedAt,
		UpdatedAt:    params.CreatedAt,
	}
	r.conversations[c.Id] = c
	r.pairs[key] = c.Id

	return c, true, nil
}

func (r *MemRepository) GetConversation(_ context.Context, id string) (Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (r *MemRepository) ListConversations(_ context.Context, memberId string) ([]ConversationSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]ConversationSummary, 0)
	for _, c := range r.conversations {
		var otherId string
		switch memberId {
		case c.ParticipantA:
			otherId = c.ParticipantB
		case c.ParticipantB:
			otherId = c.ParticipantA
		default:
			continue
		}

		other := r.members[otherId]
		s := ConversationSummary{
			Conversation: c,
			OtherMember:  Member{Id: other.Id, Name: other.Name},
		}
		for _, msg := range r.messages {
			if msg.ConversationId == c.Id && msg.SenderId != memberId && !msg.IsRead {
				s.UnreadCount++
			}
		}
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].Id < summaries[j].Id
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	return summaries, nil
}

func (r *MemRepository) CreateMessage(_ context.Context, msg Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[msg.ConversationId]
	if !ok {
		return Message{}, ErrNotFound
	}
	if _, ok := r.messages[msg.Id]; ok {
		return Message{}, ErrConflict
	}

	msg.IsRead = false
	msg.EditedAt = nil
	msg.Version = 1
	r.messages[msg.Id] = msg

	c.UpdatedAt = msg.CreatedAt
	r.conversations[c.Id] = c

	return msg, nil
}

func (r *MemRepository) GetMessage(_ context.Context, id string) (Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (r *MemRepository) UpdateMessageContent(_ context.Context, id, content string, editedAt time.Time) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	msg.Content = content
	msg.EditedAt = &editedAt
	msg.Version++
	r.messages[id] = msg

	return msg, nil
}

func (r *MemRepository) DeleteMessage(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[id]; !ok {
		return ErrNotFound
	}
	delete(r.messages, id)

	return nil
}

func (r *MemRepository) MarkRead(_ context.Context, conversationId, readerId string) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make([]Message, 0)
	for id, msg := range r.messages {
		if msg.ConversationId != conversationId || msg.SenderId == readerId || msg.IsRead {
			continue
		}
		msg.IsRead = true
		msg.Version++
		r.messages[id] = msg
		changed = append(changed, msg)
	}
	sortMessages(changed)

	return changed, nil
}

func (r *MemRepository) ListMessages(_ context.Context, conversationId string, page Page) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cursor *Message
	if page.Before != "" {
		c, ok := r.messages[page.Before]
		if !ok {
			return make([]Message, 0), nil
		}
		cursor = &c
	}

	messages := make([]Message, 0)
	for _, msg := range r.messages {
		if msg.ConversationId != conversationId {
			continue
		}
		if cursor != nil && !messageBefore(msg, *cursor) {
			continue
		}
		messages = append(messages, msg)
	}
	sortMessages(messages)

	if page.Limit > 0 && len(messages) > page.Limit {
		messages = slices.Clone(messages[len(messages)-page.Limit:])
	}

	return messages, nil
}

func messageBefore(a, b Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.Id < b.Id
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func sortMessages(messages []Message) {
	sort.Slice(messages, func(i, j int) bool {
		return messageBefore(messages[i], messages[j])
	})
}
