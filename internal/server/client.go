package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	authorizeWait  = 5 * time.Second
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	member     types.Member
	send       chan *ServerMessage
	topics     map[string]*Topic
	topicsLock sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
	// closeCode and closeText are sent in the close frame once stop is closed.
	closeCode int
	closeText string
}

func NewClient(member types.Member, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		member:     member,
		send:       make(chan *ServerMessage, 256),
		topics:     make(map[string]*Topic),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeText))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	msg.client = c
	msg.MemberId = c.member.Id
	msg.Timestamp = Now()

	switch {
	case msg.Subscribe != nil && msg.Subscribe.Topic != "":
		c.subscribe(msg)
	case msg.Unsubscribe != nil && msg.Unsubscribe.Topic == types.OnlineTopic:
		// online membership lasts as long as the connection
		c.queueMessage(NoErrOK(msg.Id, nil))
	case msg.Unsubscribe != nil && msg.Unsubscribe.Topic != "":
		c.forward(msg, msg.Unsubscribe.Topic, func(t *Topic) chan *ClientMessage { return t.leaveChan })
	case msg.Track != nil && msg.Track.Topic != "":
		c.forward(msg, msg.Track.Topic, func(t *Topic) chan *ClientMessage { return t.trackChan })
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) subscribe(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), authorizeWait)
	defer cancel()

	if err := c.chatServer.auth.AuthorizeTopic(ctx, c.member.Id, msg.Subscribe.Topic); err != nil {
		c.log.Printf("member %q denied topic %q: %v", c.member.Id, msg.Subscribe.Topic, err)
		c.queueMessage(ErrFromError(msg.Id, err))
		return
	}

	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// forward hands msg to the loop of a topic the client is subscribed to.
func (c *Client) forward(msg *ClientMessage, name string, ch func(*Topic) chan *ClientMessage) {
	t := c.getTopic(name)
	if t == nil {
		c.queueMessage(ErrNotSubscribed(msg.Id))
		return
	}

	select {
	case ch(t) <- msg:
	default:
		c.log.Printf("channel full for topic %q", name)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("failed to send message to client %s, channel is full", c.id)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopWithReason(websocket.CloseGoingAway, "server shutting down")
}

// evict disconnects a client that stopped draining its send buffer. The
// client reconnects and reloads instead of silently missing frames.
func (c *Client) evict() {
	c.log.Printf("evicting slow client %s of member %q", c.id, c.member.Id)
	c.stopWithReason(websocket.CloseTryAgainLater, "client too slow")
}

// stopWithReason keeps the reason of the first call.
func (c *Client) stopWithReason(code int, text string) {
	c.stopOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	select {
	case c.chatServer.deRegisterChan <- c:
	case <-c.chatServer.done:
	}
	c.leaveAllTopics()
	c.stopClient()
}

func (c *Client) leaveAllTopics() {
	c.topicsLock.RLock()
	defer c.topicsLock.RUnlock()

	for name, t := range c.topics {
		select {
		case t.leaveChan <- &ClientMessage{
			Unsubscribe: &types.Unsubscribe{Topic: name},
			MemberId:    c.member.Id,
			client:      c,
			internal:    true,
		}:
		default:
			c.log.Printf("leaveChan full for topic %q", name)
		}
	}
}

func (c *Client) delTopic(name string) {
	c.topicsLock.Lock()
	defer c.topicsLock.Unlock()
	delete(c.topics, name)
}

func (c *Client) addTopic(t *Topic) {
	c.topicsLock.Lock()
	defer c.topicsLock.Unlock()
	c.topics[t.name] = t
}

func (c *Client) getTopic(name string) *Topic {
	c.topicsLock.RLock()
	defer c.topicsLock.RUnlock()
	return c.topics[name]
}
