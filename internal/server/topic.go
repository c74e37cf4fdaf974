package server

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/pilgrim-chat/internal/types"
)

const defaultIdleTopicTimeout = time.Second * 5

type exitReq struct {
	// force exits even if clients are still subscribed
	force bool
	done  chan bool
}

// Topic fans frames out to the clients subscribed to one topic name and,
// for presence topics, keeps one presence entry per member.
type Topic struct {
	name       string
	presence   bool
	cs         *ChatServer
	joinChan   chan *ClientMessage
	leaveChan  chan *ClientMessage
	trackChan  chan *ClientMessage
	eventChan  chan *types.TopicEvent
	clients    map[*Client]struct{}
	userMap    map[string]map[*Client]struct{}
	entries    map[string]types.PresencePayload
	clientLock sync.RWMutex
	log        *log.Logger
	// idleTimeout of zero keeps the topic loaded while it has no clients
	idleTimeout time.Duration
	killTimer   *time.Timer
	exit        chan exitReq
}

func isPresenceTopic(name string) bool {
	return name == types.OnlineTopic || strings.HasPrefix(name, types.PresenceTopicPrefix)
}

func newTopic(cs *ChatServer, name string, idleTimeout time.Duration) *Topic {
	return &Topic{
		name:        name,
		presence:    isPresenceTopic(name),
		cs:          cs,
		joinChan:    make(chan *ClientMessage, 256),
		leaveChan:   make(chan *ClientMessage, 256),
		trackChan:   make(chan *ClientMessage, 256),
		eventChan:   make(chan *types.TopicEvent, 256),
		clients:     make(map[*Client]struct{}),
		userMap:     make(map[string]map[*Client]struct{}),
		entries:     make(map[string]types.PresencePayload),
		log:         cs.log,
		idleTimeout: idleTimeout,
		exit:        make(chan exitReq),
	}
}

func (t *Topic) start() {
	t.log.Printf("starting topic %q", t.name)
	t.killTimer = time.NewTimer(time.Hour)
	t.killTimer.Stop()

	for {
		select {
		case join := <-t.joinChan:
			t.handleJoin(join)
		case leave := <-t.leaveChan:
			t.handleLeave(leave)
		case track := <-t.trackChan:
			t.handleTrack(track)
		case evt := <-t.eventChan:
			t.broadcast(&ServerMessage{Event: evt})
		case <-t.killTimer.C:
			t.handleTopicTimeout()
		case e := <-t.exit:
			if t.handleTopicExit(e) {
				return
			}
		}
	}
}

func (t *Topic) armKillTimer() {
	if t.idleTimeout > 0 {
		t.killTimer.Reset(t.idleTimeout)
	}
}

func (t *Topic) handleTopicTimeout() {
	t.log.Printf("topic %q timed out", t.name)
	select {
	case t.cs.unloadTopicChan <- t.name:
	default:
		t.log.Printf("unload channel full, rearming timer for topic %q", t.name)
		t.armKillTimer()
	}
}

// handleTopicExit reports whether the topic stopped. A non forced exit is
// refused when clients subscribed or joins are pending since the unload
// request was made.
func (t *Topic) handleTopicExit(e exitReq) bool {
	if !e.force && (t.clientCount() > 0 || len(t.joinChan) > 0) {
		t.log.Printf("topic %q is active again, keeping it loaded", t.name)
		e.done <- false
		return false
	}

	t.log.Printf("topic %q is exiting", t.name)
	t.killTimer.Stop()

	t.clientLock.Lock()
	for c := range t.clients {
		c.delTopic(t.name)
	}
	t.clientLock.Unlock()

	if e.done != nil {
		e.done <- true
	}
	return true
}

func (t *Topic) handleJoin(join *ClientMessage) {
	t.killTimer.Stop()

	c := join.client
	first := t.sessionCount(c.member.Id) == 0
	t.addClient(c)

	if t.presence && first {
		entry := types.PresenceEntry{
			MemberId: c.member.Id,
			Payload:  types.PresencePayload{LastSeen: Now()},
		}
		t.entries[entry.MemberId] = entry.Payload

		msg := presenceMessage(t.name, types.PresenceJoin, entry)
		msg.SkipClient = c
		t.broadcast(msg)
	}

	result := types.SubscribeResult{Topic: t.name}
	if t.presence {
		result.Presence = t.snapshot()
	}
	join.reply(NoErrOK(join.Id, result))
}

func (t *Topic) handleLeave(leave *ClientMessage) {
	c := leave.client
	if !t.hasClient(c) {
		leave.reply(ErrNotSubscribed(leave.Id))
		return
	}

	t.removeClient(c)
	leave.reply(NoErrOK(leave.Id, nil))

	if t.presence && t.sessionCount(c.member.Id) == 0 {
		payload := t.entries[c.member.Id]
		delete(t.entries, c.member.Id)
		payload.IsTyping = false
		payload.LastSeen = Now()

		t.broadcast(presenceMessage(t.name, types.PresenceLeave, types.PresenceEntry{
			MemberId: c.member.Id,
			Payload:  payload,
		}))
	}
}

func (t *Topic) handleTrack(track *ClientMessage) {
	if !t.presence {
		track.reply(ErrNotPresenceTopic(track.Id))
		return
	}

	c := track.client
	if !t.hasClient(c) {
		track.reply(ErrNotSubscribed(track.Id))
		return
	}

	payload := track.Track.Payload
	if payload.LastSeen.IsZero() {
		payload.LastSeen = Now()
	}
	t.entries[c.member.Id] = payload
	track.reply(NoErrAccepted(track.Id))

	msg := presenceMessage(t.name, types.PresenceUpdate, types.PresenceEntry{
		MemberId: c.member.Id,
		Payload:  payload,
	})
	msg.SkipClient = c
	t.broadcast(msg)
}

// snapshot returns the presence entries ordered by member id.
func (t *Topic) snapshot() []types.PresenceEntry {
	entries := make([]types.PresenceEntry, 0, len(t.entries))
	for id, payload := range t.entries {
		entries = append(entries, types.PresenceEntry{MemberId: id, Payload: payload})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MemberId < entries[j].MemberId
	})
	return entries
}

func (t *Topic) addClient(c *Client) {
	t.clientLock.Lock()
	defer t.clientLock.Unlock()

	t.clients[c] = struct{}{}
	if t.userMap[c.member.Id] == nil {
		t.userMap[c.member.Id] = make(map[*Client]struct{})
	}
	t.userMap[c.member.Id][c] = struct{}{}

	c.addTopic(t)
}

func (t *Topic) removeClient(c *Client) {
	t.clientLock.Lock()
	defer t.clientLock.Unlock()

	if _, ok := t.clients[c]; !ok {
		return
	}

	delete(t.clients, c)
	c.delTopic(t.name)

	if sessions, ok := t.userMap[c.member.Id]; ok {
		delete(sessions, c)
		if len(sessions) == 0 {
			delete(t.userMap, c.member.Id)
		}
	}

	if len(t.clients) == 0 {
		t.log.Printf("no clients in %q, starting kill timer", t.name)
		t.armKillTimer()
	}
}

func (t *Topic) hasClient(c *Client) bool {
	t.clientLock.RLock()
	defer t.clientLock.RUnlock()
	_, ok := t.clients[c]
	return ok
}

func (t *Topic) clientCount() int {
	t.clientLock.RLock()
	defer t.clientLock.RUnlock()
	return len(t.clients)
}

func (t *Topic) sessionCount(memberId string) int {
	t.clientLock.RLock()
	defer t.clientLock.RUnlock()
	return len(t.userMap[memberId])
}

func (t *Topic) broadcast(msg *ServerMessage) {
	msg.Timestamp = Now()

	t.clientLock.RLock()
	defer t.clientLock.RUnlock()

	for client := range t.clients {
		if client == msg.SkipClient {
			continue
		}

		if !client.queueMessage(msg) {
			client.evict()
		}
	}
}

// evictAll disconnects every subscriber after a frame could not be queued
// for the whole topic.
func (t *Topic) evictAll() {
	t.clientLock.RLock()
	defer t.clientLock.RUnlock()

	for client := range t.clients {
		client.evict()
	}
}
