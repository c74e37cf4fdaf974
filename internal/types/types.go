package types

import (
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeVoice MessageType = "voice"
	MessageTypeVideo MessageType = "video"
)

// Valid reports whether t is one of the closed set of message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeVoice, MessageTypeVideo:
		return true
	}
	return false
}

// IsMedia reports whether the message content is a URL to an uploaded blob.
func (t MessageType) IsMedia() bool {
	return t == MessageTypeVoice || t == MessageTypeVideo
}

type Member struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Online    bool      `json:"online,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Conversation is a two-party chat. ParticipantA/ParticipantB ordering is a
// storage detail; callers compare against their own id to find the other member.
type Conversation struct {
	Id           string    `json:"id"`
	ParticipantA string    `json:"participant_a"`
	ParticipantB string    `json:"participant_b"`
	OtherMember  *Member   `json:"other_member,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Other returns the participant that is not self.
func (c Conversation) Other(self string) string {
	if c.ParticipantA == self {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// HasParticipant reports whether id is one of the two participants.
func (c Conversation) HasParticipant(id string) bool {
	return id != "" && (c.ParticipantA == id || c.ParticipantB == id)
}

type Message struct {
	Id              string      `json:"id"`
	ConversationId  string      `json:"conversation_id"`
	SenderId        string      `json:"sender_id"`
	Type            MessageType `json:"type"`
	Content         string      `json:"content"`
	DurationSeconds *int        `json:"duration_seconds,omitempty"`
	ReplyToId       *string     `json:"reply_to_id,omitempty"`
	IsRead          bool        `json:"is_read"`
	CreatedAt       time.Time   `json:"created_at"`
	EditedAt        *time.Time  `json:"edited_at,omitempty"`
	// Version increases with every edit or read flip, so a receiver can
	// discard updates older than what it already holds.
	Version int64 `json:"version"`
}

// Before orders messages by created_at, breaking ties by id.
func (m Message) Before(o Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.Id < o.Id
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// MessageEvent is a change on the message log of one conversation. For
// deletes only Message.Id and Message.ConversationId are set.
type MessageEvent struct {
	Kind    ChangeKind `json:"kind"`
	Message Message    `json:"message"`
}

// PresencePayload is the small state each client tracks on a presence topic.
type PresencePayload struct {
	IsTyping bool      `json:"is_typing"`
	LastSeen time.Time `json:"last_seen"`
}

type PresenceKind string

const (
	PresenceJoin   PresenceKind = "join"
	PresenceLeave  PresenceKind = "leave"
	PresenceUpdate PresenceKind = "update"
	PresenceSync   PresenceKind = "sync"
)

type PresenceEntry struct {
	MemberId string          `json:"member_id"`
	Payload  PresencePayload `json:"payload"`
}

const (
	MessagesTopicPrefix = "messages:"
	PresenceTopicPrefix = "presence:"
	OnlineTopic         = "online"
)

func MessagesTopic(conversationId string) string {
	return MessagesTopicPrefix + conversationId
}

func PresenceTopic(conversationId string) string {
	return PresenceTopicPrefix + conversationId
}
