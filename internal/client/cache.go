package client

import (
	"reflect"
	"sort"

	"github.com/npezzotti/pilgrim-chat/internal/types"
)

// MessageCache is the local view of one conversation's log, keyed by message
// id. Applying the same change twice leaves it unchanged, so events echoed
// for a write the client already applied are harmless. Updates only replace
// messages already in the view and never one with a higher version, so a
// late update cannot revive a deleted message or undo a newer change. It is
// not safe for concurrent use.
type MessageCache struct {
	byId map[string]types.Message
}

func NewMessageCache(messages ...types.Message) *MessageCache {
	c := &MessageCache{byId: make(map[string]types.Message, len(messages))}
	for _, m := range messages {
		c.byId[m.Id] = m
	}
	return c
}

// Apply merges a change and reports whether the view changed.
func (c *MessageCache) Apply(evt types.MessageEvent) bool {
	msg := evt.Message
	if msg.Id == "" {
		return false
	}

	switch evt.Kind {
	case types.ChangeInsert:
		if _, ok := c.byId[msg.Id]; ok {
			return false
		}
		c.byId[msg.Id] = msg
		return true
	case types.ChangeUpdate:
		cur, ok := c.byId[msg.Id]
		if !ok || msg.Version < cur.Version || reflect.DeepEqual(cur, msg) {
			return false
		}
		c.byId[msg.Id] = msg
		return true
	case types.ChangeDelete:
		if _, ok := c.byId[msg.Id]; !ok {
			return false
		}
		delete(c.byId, msg.Id)
		return true
	}

	return false
}

func (c *MessageCache) Get(id string) (types.Message, bool) {
	m, ok := c.byId[id]
	return m, ok
}

func (c *MessageCache) Len() int {
	return len(c.byId)
}

// Messages returns the view ordered by created_at, then id.
func (c *MessageCache) Messages() []types.Message {
	out := make([]types.Message, 0, len(c.byId))
	for _, m := range c.byId {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Before(out[j])
	})
	return out
}

// UnreadFrom counts unread messages sent by member.
func (c *MessageCache) UnreadFrom(member string) int {
	n := 0
	for _, m := range c.byId {
		if m.SenderId == member && !m.IsRead {
			n++
		}
	}
	return n
}
