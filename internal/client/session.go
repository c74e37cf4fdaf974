package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

// MessageAPI is the part of the HTTP API a session uses.
type MessageAPI interface {
	ListMessages(ctx context.Context, conversationId string, page chat.Page) ([]types.Message, error)
	SendMessage(ctx context.Context, params chat.AppendParams) (types.Message, error)
	EditMessage(ctx context.Context, messageId, content string) (types.Message, error)
	DeleteMessage(ctx context.Context, messageId string) error
	MarkRead(ctx context.Context, conversationId string) (int, error)
	Upload(ctx context.Context, r io.Reader, filename, contentType string) (string, error)
}

type SessionState int

const (
	StateLoading SessionState = iota
	StateLive
	StateErrored
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

var (
	ErrNotLive      = errors.New("session is not live")
	ErrNotErrored   = errors.New("session has not failed")
	ErrMissingMedia = chat.NewError(chat.CodeInvalid, "media message has no data")
)

// Draft is a message being composed. It is never modified by Send, so a
// failed send can be retried with the same value.
type Draft struct {
	Type types.MessageType
	Text string
	// Media, MediaName and ContentType describe the blob of a voice or
	// video message.
	Media           []byte
	MediaName       string
	ContentType     string
	DurationSeconds *int
}

// ReplyPreview describes the message a reply points at.
type ReplyPreview struct {
	MessageId string
	SenderId  string
	Type      types.MessageType
	Text      string
	// Missing is set when the target is no longer in the conversation.
	Missing bool
}

const (
	deletedReplyText = "Original message was deleted"
	resyncTimeout    = 10 * time.Second
)

// Session drives one open conversation: it loads the history, applies
// realtime changes to a local cache and performs the member's actions.
type Session struct {
	log      *log.Logger
	api      MessageAPI
	rt       Realtime
	presence *PresenceTracker
	conv     types.Conversation
	self     string

	mu      sync.Mutex
	state   SessionState
	err     error
	cache   *MessageCache
	replyTo string
	sub     *Subscription
	changes chan struct{}
	wg      sync.WaitGroup
}

func NewSession(api MessageAPI, rt Realtime, conv types.Conversation, self string, clock Clock, logger *log.Logger) *Session {
	return &Session{
		log:      logger,
		api:      api,
		rt:       rt,
		presence: NewPresenceTracker(rt, clock, logger),
		conv:     conv,
		self:     self,
		state:    StateLoading,
		cache:    NewMessageCache(),
		changes:  make(chan struct{}, 1),
	}
}

// Open loads the conversation. On failure the session is Errored and Retry
// may be called.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateLoading {
		s.mu.Unlock()
		return fmt.Errorf("cannot open session in state %s", s.state)
	}
	s.mu.Unlock()

	return s.load(ctx)
}

// Retry reloads an Errored session.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateErrored {
		s.mu.Unlock()
		return ErrNotErrored
	}
	s.state = StateLoading
	s.err = nil
	s.mu.Unlock()
	s.notify()

	return s.load(ctx)
}

func (s *Session) load(ctx context.Context) error {
	// subscribe first so changes made while the history loads are not lost
	sub, err := s.rt.Subscribe(ctx, types.MessagesTopic(s.conv.Id))
	if err != nil {
		return s.fail(err)
	}

	history, err := s.api.ListMessages(ctx, s.conv.Id, chat.Page{})
	if err != nil {
		sub.Close()
		return s.fail(err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		sub.Close()
		return ErrNotLive
	}
	s.cache = NewMessageCache(history...)
	s.sub = sub
	s.state = StateLive
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consume(sub)

	if err := s.presence.Attach(ctx, s.conv.Id, s.self, s.conv.Other(s.self)); err != nil {
		s.log.Printf("presence unavailable for conversation %q: %v", s.conv.Id, err)
	}
	if state, _ := s.State(); state == StateClosed {
		// closed while attaching
		s.presence.Detach()
		return ErrNotLive
	}

	s.notify()
	s.markRead(ctx)
	return nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateErrored
		s.err = err
	}
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *Session) consume(sub *Subscription) {
	defer s.wg.Done()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			s.apply(evt)
		case <-sub.Stale():
			if err := s.resync(sub); err != nil {
				return
			}
		}
	}
}

// resync replaces the cache with a fresh history after frames were lost.
// Events still buffered were sent before the fetch, so they are dropped.
// Events arriving during the fetch are applied again, which the cache
// tolerates. A failed fetch leaves the session Errored.
func (s *Session) resync(sub *Subscription) error {
	s.log.Printf("realtime frames lost on conversation %q, reloading history", s.conv.Id)
	drain(sub.Events())

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	history, err := s.api.ListMessages(ctx, s.conv.Id, chat.Page{})
	if err != nil {
		s.log.Printf("reloading history of conversation %q failed: %v", s.conv.Id, err)
		s.abandon(sub, err)
		return err
	}

	s.mu.Lock()
	if s.state == StateLive && s.sub == sub {
		s.cache = NewMessageCache(history...)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

func drain(ch <-chan types.MessageEvent) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// abandon releases the handles of a Live session whose view can no longer
// be trusted, so Retry starts from a clean subscription.
func (s *Session) abandon(sub *Subscription, err error) {
	s.mu.Lock()
	if s.sub != sub || s.state != StateLive {
		s.mu.Unlock()
		return
	}
	s.sub = nil
	s.state = StateErrored
	s.err = err
	s.mu.Unlock()

	s.presence.Detach()
	sub.Close()
	s.notify()
}

func (s *Session) apply(evt types.MessageEvent) {
	if evt.Message.ConversationId != "" && evt.Message.ConversationId != s.conv.Id {
		return
	}

	s.mu.Lock()
	changed := s.cache.Apply(evt)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Changes signals after the state or the message view changed.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// State returns the lifecycle state and, when Errored, the load error.
func (s *Session) State() (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

func (s *Session) Conversation() types.Conversation {
	return s.conv
}

func (s *Session) Presence() *PresenceTracker {
	return s.presence
}

// Messages returns the local view ordered by created_at.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Messages()
}

func (s *Session) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLive {
		return ErrNotLive
	}
	return nil
}

// Activate marks the conversation read when it becomes the active view.
func (s *Session) Activate(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.markRead(ctx)
}

func (s *Session) markRead(ctx context.Context) error {
	s.mu.Lock()
	unread := s.cache.UnreadFrom(s.conv.Other(s.self))
	s.mu.Unlock()
	if unread == 0 {
		return nil
	}

	if _, err := s.api.MarkRead(ctx, s.conv.Id); err != nil {
		s.log.Printf("mark read failed for conversation %q: %v", s.conv.Id, err)
		return err
	}
	return nil
}

// ReplyTo targets the next send at a message of this conversation.
func (s *Session) ReplyTo(messageId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache.Get(messageId); !ok {
		return chat.ErrMessageNotFound
	}
	s.replyTo = messageId
	return nil
}

func (s *Session) CancelReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyTo = ""
}

// Replying returns the current reply target, if any.
func (s *Session) Replying() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyTo, s.replyTo != ""
}

func validateDraft(d Draft) (types.MessageType, error) {
	typ := d.Type
	if typ == "" {
		typ = types.MessageTypeText
	}
	if !typ.Valid() {
		return "", chat.ErrInvalidType
	}

	if typ == types.MessageTypeText {
		if strings.TrimSpace(d.Text) == "" {
			return "", chat.ErrEmptyContent
		}
		return typ, nil
	}

	if len(d.Media) == 0 {
		return "", ErrMissingMedia
	}
	return typ, nil
}

// Send appends the draft. Media drafts are uploaded first. On failure the
// reply target is kept so the member can retry.
func (s *Session) Send(ctx context.Context, d Draft) (types.Message, error) {
	if err := s.live(); err != nil {
		return types.Message{}, err
	}

	typ, err := validateDraft(d)
	if err != nil {
		return types.Message{}, err
	}

	content := d.Text
	if typ.IsMedia() {
		content, err = s.api.Upload(ctx, bytes.NewReader(d.Media), d.MediaName, d.ContentType)
		if err != nil {
			return types.Message{}, err
		}
	}

	s.mu.Lock()
	replyTo := s.replyTo
	s.mu.Unlock()

	params := chat.AppendParams{
		ConversationId:  s.conv.Id,
		Type:            typ,
		Content:         content,
		DurationSeconds: d.DurationSeconds,
	}
	if replyTo != "" {
		params.ReplyToId = &replyTo
	}

	msg, err := s.api.SendMessage(ctx, params)
	if err != nil {
		return types.Message{}, err
	}

	s.mu.Lock()
	if s.replyTo == replyTo {
		s.replyTo = ""
	}
	s.mu.Unlock()
	s.apply(types.MessageEvent{Kind: types.ChangeInsert, Message: msg})

	if s.presence.Typing() {
		s.presence.SetTyping(ctx, false)
	}

	return msg, nil
}

// Edit replaces the text of one of the member's text messages.
func (s *Session) Edit(ctx context.Context, messageId, content string) (types.Message, error) {
	if err := s.live(); err != nil {
		return types.Message{}, err
	}

	s.mu.Lock()
	cur, ok := s.cache.Get(messageId)
	s.mu.Unlock()
	if ok && cur.Type != types.MessageTypeText {
		return types.Message{}, chat.ErrEditNonText
	}
	if strings.TrimSpace(content) == "" {
		return types.Message{}, chat.ErrEmptyContent
	}

	msg, err := s.api.EditMessage(ctx, messageId, content)
	if err != nil {
		return types.Message{}, err
	}

	s.apply(types.MessageEvent{Kind: types.ChangeUpdate, Message: msg})
	return msg, nil
}

func (s *Session) Delete(ctx context.Context, messageId string) error {
	if err := s.live(); err != nil {
		return err
	}

	if err := s.api.DeleteMessage(ctx, messageId); err != nil {
		return err
	}

	s.apply(types.MessageEvent{
		Kind:    types.ChangeDelete,
		Message: types.Message{Id: messageId, ConversationId: s.conv.Id},
	})
	return nil
}

// ReplyPreview resolves the reply reference of msg against the local view.
// The bool is false when msg is not a reply.
func (s *Session) ReplyPreview(msg types.Message) (ReplyPreview, bool) {
	if msg.ReplyToId == nil || *msg.ReplyToId == "" {
		return ReplyPreview{}, false
	}

	s.mu.Lock()
	target, ok := s.cache.Get(*msg.ReplyToId)
	s.mu.Unlock()

	if !ok {
		return ReplyPreview{
			MessageId: *msg.ReplyToId,
			Text:      deletedReplyText,
			Missing:   true,
		}, true
	}

	text := target.Content
	switch target.Type {
	case types.MessageTypeVoice:
		text = "Voice message"
	case types.MessageTypeVideo:
		text = "Video message"
	}

	return ReplyPreview{
		MessageId: target.Id,
		SenderId:  target.SenderId,
		Type:      target.Type,
		Text:      text,
	}, true
}

// Close releases the message subscription and the presence handle. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	var errs []error
	if err := s.presence.Detach(); err != nil {
		errs = append(errs, err)
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	s.notify()

	return errors.Join(errs...)
}
