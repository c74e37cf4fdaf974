package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pilgrim-chat/internal/broker"
	"github.com/npezzotti/pilgrim-chat/internal/stats"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

// TopicAuthorizer decides whether a member may subscribe to a topic.
type TopicAuthorizer interface {
	AuthorizeTopic(ctx context.Context, memberId, topic string) error
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log              *log.Logger
	auth             TopicAuthorizer
	stats            stats.StatsProvider
	events           <-chan broker.Event
	clients          map[*Client]struct{}
	userMap          map[string]map[*Client]struct{}
	clientsLock      sync.RWMutex
	topics           map[string]*Topic
	joinChan         chan *ClientMessage
	registerChan     chan *Client
	deRegisterChan   chan *Client
	unloadTopicChan  chan string
	stop             chan stopReq
	done             chan struct{}
	idleTopicTimeout time.Duration
}

func NewChatServer(logger *log.Logger, auth TopicAuthorizer, events <-chan broker.Event, su stats.StatsProvider) (*ChatServer, error) {
	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumActiveTopics)

	return &ChatServer{
		log:              logger,
		auth:             auth,
		stats:            su,
		events:           events,
		clients:          make(map[*Client]struct{}),
		userMap:          make(map[string]map[*Client]struct{}),
		topics:           make(map[string]*Topic),
		joinChan:         make(chan *ClientMessage, 256),
		registerChan:     make(chan *Client),
		deRegisterChan:   make(chan *Client),
		unloadTopicChan:  make(chan string, 64),
		stop:             make(chan stopReq),
		done:             make(chan struct{}),
		idleTopicTimeout: defaultIdleTopicTimeout,
	}, nil
}

func (cs *ChatServer) Run() {
	online := cs.loadTopic(types.OnlineTopic, 0)

	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoin(joinMsg)
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection %s from member %q", client.id, client.member.Id)
			cs.addClient(client)
			online.joinChan <- &ClientMessage{
				Subscribe: &types.Subscribe{Topic: types.OnlineTopic},
				MemberId:  client.member.Id,
				client:    client,
				internal:  true,
			}
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection %s from member %q", client.id, client.member.Id)
			cs.removeClient(client)
		case name := <-cs.unloadTopicChan:
			cs.unloadTopic(name)
		case evt, ok := <-cs.events:
			if !ok {
				cs.events = nil
				continue
			}
			cs.deliverEvent(evt)
		case req := <-cs.stop:
			cs.shutdown()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) loadTopic(name string, idleTimeout time.Duration) *Topic {
	t := newTopic(cs, name, idleTimeout)
	cs.topics[name] = t
	cs.stats.Incr(stats.NumActiveTopics)
	go t.start()

	return t
}

func (cs *ChatServer) handleJoin(joinMsg *ClientMessage) {
	name := joinMsg.Subscribe.Topic
	t, ok := cs.topics[name]
	if !ok {
		t = cs.loadTopic(name, cs.idleTopicTimeout)
	}

	select {
	case t.joinChan <- joinMsg:
	default:
		cs.log.Printf("join channel full on topic %q", name)
		joinMsg.reply(ErrServiceUnavailable(joinMsg.Id))
	}
}

func (cs *ChatServer) deliverEvent(evt broker.Event) {
	name := types.MessagesTopic(evt.ConversationId)
	t, ok := cs.topics[name]
	if !ok {
		// nobody on this instance is subscribed
		return
	}

	select {
	case t.eventChan <- &types.TopicEvent{Topic: name, MessageEvent: evt.Change}:
	default:
		cs.log.Printf("event channel full on topic %q, evicting subscribers after losing %s of message %q",
			name, evt.Change.Kind, evt.Change.Message.Id)
		t.evictAll()
	}
}

func (cs *ChatServer) unloadTopic(name string) {
	t, ok := cs.topics[name]
	if !ok {
		return
	}

	done := make(chan bool, 1)
	t.exit <- exitReq{done: done}
	if !<-done {
		return
	}

	cs.log.Printf("unloaded topic %q", name)
	delete(cs.topics, name)
	cs.stats.Decr(stats.NumActiveTopics)
}

func (cs *ChatServer) shutdown() {
	cs.log.Println("shutting down topics")

	cs.clientsLock.RLock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.RUnlock()

	for name, t := range cs.topics {
		done := make(chan bool, 1)
		t.exit <- exitReq{force: true, done: done}
		<-done
		delete(cs.topics, name)
		cs.stats.Decr(stats.NumActiveTopics)
	}

	close(cs.done)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.member.Id] == nil {
		cs.userMap[c.member.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.member.Id][c] = struct{}{}
	cs.stats.Incr(stats.NumActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if sessions, ok := cs.userMap[c.member.Id]; ok {
		delete(sessions, c)
		if len(sessions) == 0 {
			delete(cs.userMap, c.member.Id)
		}
	}
	cs.stats.Decr(stats.NumActiveClients)
}

// IsOnline reports whether the member has at least one open connection to
// this server.
func (cs *ChatServer) IsOnline(memberId string) bool {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	return len(cs.userMap[memberId]) > 0
}

// ServeClient registers a websocket connection for member and starts its
// read and write pumps.
func (cs *ChatServer) ServeClient(member types.Member, conn *websocket.Conn) {
	c := NewClient(member, conn, cs, cs.log)

	select {
	case cs.registerChan <- c:
	case <-cs.done:
		conn.Close()
		return
	}

	go c.Write()
	go c.Read()
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
