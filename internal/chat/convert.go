package chat

import (
	"github.com/npezzotti/pilgrim-chat/internal/database"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

func toMember(m database.Member) types.Member {
	return types.Member{
		Id:        m.Id,
		Name:      m.Name,
		Email:     m.Email,
		Phone:     m.Phone,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toConversation(c database.Conversation) types.Conversation {
	return types.Conversation{
		Id:           c.Id,
		ParticipantA: c.ParticipantA,
		ParticipantB: c.ParticipantB,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:              m.Id,
		ConversationId:  m.ConversationId,
		SenderId:        m.SenderId,
		Type:            types.MessageType(m.Type),
		Content:         m.Content,
		DurationSeconds: m.DurationSeconds,
		ReplyToId:       m.ReplyToId,
		IsRead:          m.IsRead,
		CreatedAt:       m.CreatedAt,
		EditedAt:        m.EditedAt,
		Version:         m.Version,
	}
}

func toMessages(msgs []database.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out
}
