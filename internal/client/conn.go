package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	subscriptionBuf  = 256
)

var ErrConnClosed = chat.Unavailable(errors.New("realtime connection closed"))

// Realtime is the part of the realtime connection used by sessions and
// presence handles.
type Realtime interface {
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Track(ctx context.Context, topic string, payload types.PresencePayload) error
}

type outbound struct {
	Id          int                `json:"id"`
	Subscribe   *types.Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *types.Unsubscribe `json:"unsubscribe,omitempty"`
	Track       *types.Track       `json:"track,omitempty"`
}

type response struct {
	ResponseCode int             `json:"response_code"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type inbound struct {
	Id       int                  `json:"id,omitempty"`
	Response *response            `json:"response,omitempty"`
	Event    *types.TopicEvent    `json:"event,omitempty"`
	Presence *types.PresenceEvent `json:"presence,omitempty"`
}

func (r *response) err() error {
	if r.ResponseCode >= 200 && r.ResponseCode < 300 {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = http.StatusText(r.ResponseCode)
	}
	return &chat.Error{Code: codeForStatus(r.ResponseCode), Message: msg}
}

// Conn is a realtime connection multiplexing topic subscriptions over one
// websocket. Requests are matched to responses by id.
type Conn struct {
	log     *log.Logger
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextId  int
	pending map[int]chan *response
	subs    map[string]map[*Subscription]struct{}
	closed  bool
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func Dial(ctx context.Context, wsURL string, header http.Header, logger *log.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &chat.Error{
				Code:    codeForStatus(resp.StatusCode),
				Message: "realtime handshake failed",
				Cause:   err,
			}
		}
		return nil, chat.Unavailable(err)
	}

	return newConn(ws, logger), nil
}

func newConn(ws *websocket.Conn, logger *log.Logger) *Conn {
	c := &Conn{
		log:     logger,
		ws:      ws,
		pending: make(map[int]chan *response),
		subs:    make(map[string]map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.shutdown(err)
	}()

	for {
		var frame inbound
		if err = c.ws.ReadJSON(&frame); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.log.Printf("discarding malformed frame: %v", err)
				continue
			}
			return
		}

		switch {
		case frame.Response != nil:
			c.resolve(frame.Id, frame.Response)
		case frame.Event != nil:
			c.deliver(frame.Event.Topic, func(s *Subscription) bool { return s.pushEvent(frame.Event.MessageEvent) })
		case frame.Presence != nil:
			c.deliver(frame.Presence.Topic, func(s *Subscription) bool { return s.pushPresence(*frame.Presence) })
		}
	}
}

func (c *Conn) resolve(id int, resp *response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
}

func (c *Conn) deliver(topic string, push func(*Subscription) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for s := range c.subs[topic] {
		if !push(s) {
			c.log.Printf("subscription buffer full, dropping frame for %q", topic)
			s.markStale()
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			c.err = err
		}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		for topic, handles := range c.subs {
			for s := range handles {
				s.closeChannels()
			}
			delete(c.subs, topic)
		}
		c.mu.Unlock()

		c.ws.Close()
		close(c.done)
	})
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) write(frame *outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(frame); err != nil {
		return chat.Unavailable(err)
	}
	return nil
}

func (c *Conn) request(ctx context.Context, frame *outbound) (*response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.nextId++
	frame.Id = c.nextId
	ch := make(chan *response, 1)
	c.pending[frame.Id] = ch
	c.mu.Unlock()

	if err := c.write(frame); err != nil {
		c.forget(frame.Id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		return resp, resp.err()
	case <-ctx.Done():
		c.forget(frame.Id)
		return nil, ctx.Err()
	}
}

func (c *Conn) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Subscribe joins a topic. Each call returns its own handle; the server
// subscription is released when the last handle for the topic is closed.
func (c *Conn) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	s := newSubscription(topic, c.release)

	// registered before the request so no event after the ack is missed
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[*Subscription]struct{})
	}
	c.subs[topic][s] = struct{}{}
	c.mu.Unlock()

	resp, err := c.request(ctx, &outbound{Subscribe: &types.Subscribe{Topic: topic}})
	if err != nil {
		c.drop(s)
		return nil, err
	}

	var result types.SubscribeResult
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &result); err != nil {
			c.drop(s)
			return nil, fmt.Errorf("decode subscribe result: %w", err)
		}
	}
	s.Snapshot = result.Presence

	return s, nil
}

// drop removes a handle and reports whether it was the last one on its topic.
func (c *Conn) drop(s *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	handles, ok := c.subs[s.topic]
	if !ok {
		return false
	}
	if _, ok := handles[s]; !ok {
		return false
	}

	delete(handles, s)
	s.closeChannels()
	if len(handles) == 0 {
		delete(c.subs, s.topic)
		return true
	}
	return false
}

func (c *Conn) release(s *Subscription) error {
	if !c.drop(s) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	_, err := c.request(ctx, &outbound{Unsubscribe: &types.Unsubscribe{Topic: s.topic}})
	if err == ErrConnClosed {
		return nil
	}
	return err
}

// Track publishes this session's presence payload on a subscribed topic.
func (c *Conn) Track(ctx context.Context, topic string, payload types.PresencePayload) error {
	_, err := c.request(ctx, &outbound{Track: &types.Track{Topic: topic, Payload: payload}})
	return err
}

// Close ends the connection with a normal close frame.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	// the connection may already be gone, which is fine when closing
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(nil)
	return nil
}

// Subscription is a scoped handle on one topic. Its channels are closed when
// the handle or the connection is closed.
type Subscription struct {
	topic string
	// Snapshot holds the presence entries reported when the subscription
	// was acknowledged.
	Snapshot []types.PresenceEntry

	events   chan types.MessageEvent
	presence chan types.PresenceEvent
	// stale is signalled after a frame for this handle was dropped
	stale   chan struct{}
	release func(*Subscription) error
	once    sync.Once
	closed  bool
}

func newSubscription(topic string, release func(*Subscription) error) *Subscription {
	return &Subscription{
		topic:    topic,
		events:   make(chan types.MessageEvent, subscriptionBuf),
		presence: make(chan types.PresenceEvent, subscriptionBuf),
		stale:    make(chan struct{}, 1),
		release:  release,
	}
}

func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) Events() <-chan types.MessageEvent {
	return s.events
}

func (s *Subscription) Presence() <-chan types.PresenceEvent {
	return s.presence
}

// Stale signals that frames were lost and the holder should refetch what
// the topic describes. Several losses may be reported by one signal.
func (s *Subscription) Stale() <-chan struct{} {
	return s.stale
}

// Close releases the handle. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.release != nil {
			err = s.release(s)
		}
	})
	return err
}

// pushEvent and pushPresence run under the owning connection's lock, as
// does closeChannels.
func (s *Subscription) pushEvent(evt types.MessageEvent) bool {
	if s.closed {
		return true
	}
	select {
	case s.events <- evt:
		return true
	default:
		return false
	}
}

func (s *Subscription) pushPresence(evt types.PresenceEvent) bool {
	if s.closed {
		return true
	}
	select {
	case s.presence <- evt:
		return true
	default:
		return false
	}
}

func (s *Subscription) markStale() {
	select {
	case s.stale <- struct{}{}:
	default:
	}
}

func (s *Subscription) closeChannels() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.presence)
}
