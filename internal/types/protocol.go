package types

// Frames exchanged on the realtime websocket. Requests carry a positive id
// that the server echoes in its response.

type Subscribe struct {
	Topic string `json:"topic"`
}

type Unsubscribe struct {
	Topic string `json:"topic"`
}

type Track struct {
	Topic   string          `json:"topic"`
	Payload PresencePayload `json:"payload"`
}

// TopicEvent is a message change delivered on a messages topic.
type TopicEvent struct {
	Topic string `json:"topic"`
	MessageEvent
}

// PresenceEvent reports presence changes on a presence topic. Join, leave
// and update carry one entry; sync carries the full state.
type PresenceEvent struct {
	Topic   string          `json:"topic"`
	Kind    PresenceKind    `json:"kind"`
	Entries []PresenceEntry `json:"entries"`
}

// SubscribeResult is the data of a successful subscribe response.
type SubscribeResult struct {
	Topic    string          `json:"topic"`
	Presence []PresenceEntry `json:"presence,omitempty"`
}
