package client

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

type trackCall struct {
	topic   string
	payload types.PresencePayload
}

// fakeRealtime hands out subscriptions whose channels tests feed directly.
type fakeRealtime struct {
	mu           sync.Mutex
	subs         map[string]*Subscription
	snapshots    map[string][]types.PresenceEntry
	tracks       []trackCall
	subscribeErr error
	trackErr     error
	released     []string
	// beforeTrack runs before a track call is recorded
	beforeTrack func(types.PresencePayload)
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{
		subs:      make(map[string]*Subscription),
		snapshots: make(map[string][]types.PresenceEntry),
	}
}

func (f *fakeRealtime) Subscribe(_ context.Context, topic string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}

	s := newSubscription(topic, f.release)
	s.Snapshot = f.snapshots[topic]
	f.subs[topic] = s
	return s, nil
}

func (f *fakeRealtime) release(s *Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs[s.topic] == s {
		delete(f.subs, s.topic)
	}
	f.released = append(f.released, s.topic)
	s.closeChannels()
	return nil
}

func (f *fakeRealtime) Track(_ context.Context, topic string, payload types.PresencePayload) error {
	f.mu.Lock()
	hook := f.beforeTrack
	f.mu.Unlock()
	if hook != nil {
		hook(payload)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.tracks = append(f.tracks, trackCall{topic: topic, payload: payload})
	return f.trackErr
}

func (f *fakeRealtime) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[topic]
	return ok
}

func (f *fakeRealtime) pushEvent(topic string, evt types.MessageEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[topic]; ok && !s.pushEvent(evt) {
		s.markStale()
	}
}

// loseFrames reports dropped frames on topic the way a full buffer does.
func (f *fakeRealtime) loseFrames(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[topic]; ok {
		s.markStale()
	}
}

func (f *fakeRealtime) pushPresence(topic string, evt types.PresenceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[topic]; ok {
		evt.Topic = topic
		s.pushPresence(evt)
	}
}

func (f *fakeRealtime) trackCalls() []trackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trackCall(nil), f.tracks...)
}

func (f *fakeRealtime) releasedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// fakeAPI keeps messages in memory and assigns increasing timestamps.
type fakeAPI struct {
	mu        sync.Mutex
	history   []types.Message
	listErr   error
	sendErr   error
	uploadErr error
	editErr   error
	deleteErr error
	sent      []chat.AppendParams
	uploads   []string
	edits     []string
	deletes   []string
	markReads int
	next      int
}

func (a *fakeAPI) ListMessages(_ context.Context, conversationId string, _ chat.Page) ([]types.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]types.Message(nil), a.history...), nil
}

func (a *fakeAPI) SendMessage(_ context.Context, params chat.AppendParams) (types.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sent = append(a.sent, params)
	if a.sendErr != nil {
		return types.Message{}, a.sendErr
	}

	a.next++
	return types.Message{
		Id:              "sent-" + string(rune('a'+a.next-1)),
		ConversationId:  params.ConversationId,
		SenderId:        "1001",
		Type:            params.Type,
		Content:         params.Content,
		DurationSeconds: params.DurationSeconds,
		ReplyToId:       params.ReplyToId,
		CreatedAt:       base.Add(time.Hour + time.Duration(a.next)*time.Second),
	}, nil
}

func (a *fakeAPI) EditMessage(_ context.Context, messageId, content string) (types.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.edits = append(a.edits, messageId)
	if a.editErr != nil {
		return types.Message{}, a.editErr
	}

	for _, m := range a.history {
		if m.Id == messageId {
			edited := base.Add(2 * time.Hour)
			m.Content = content
			m.EditedAt = &edited
			m.Version++
			return m, nil
		}
	}
	return types.Message{}, chat.ErrMessageNotFound
}

func (a *fakeAPI) DeleteMessage(_ context.Context, messageId string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletes = append(a.deletes, messageId)
	return a.deleteErr
}

func (a *fakeAPI) MarkRead(context.Context, string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReads++
	return 1, nil
}

func (a *fakeAPI) Upload(_ context.Context, r io.Reader, filename, contentType string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.uploadErr != nil {
		return "", a.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	a.uploads = append(a.uploads, string(data))
	return "https://media.test/" + filename, nil
}

func (a *fakeAPI) markReadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markReads
}
