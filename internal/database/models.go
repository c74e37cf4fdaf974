package database

import "time"

type Member struct {
	Id           string
	Name         string
	Email        string
	Phone        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	Id           string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConversationSummary is a conversation as seen from one member's inbox.
type ConversationSummary struct {
	Conversation
	OtherMember Member
	UnreadCount int
}

type Message struct {
	Id              string
	ConversationId  string
	SenderId        string
	Type            string
	Content         string
	DurationSeconds *int
	ReplyToId       *string
	IsRead          bool
	CreatedAt       time.Time
	EditedAt        *time.Time
	// Version starts at 1 and grows by one with every change to the row.
	Version int64
}

type UpsertMemberParams struct {
	Id           string
	Name         string
	Email        string
	Phone        string
	PasswordHash string
}

type UpdateMemberParams struct {
	Id    string
	Name  string
	Email string
	Phone string
}

// CreateConversationParams carries an already normalized participant pair.
type CreateConversationParams struct {
	Id           string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
}

// Page selects a window of a conversation's history. The zero value selects
// the whole history. Before is a message id cursor; Limit caps the number of
// messages returned, taking the newest ones that match.
type Page struct {
	Before string
	Limit  int
}
