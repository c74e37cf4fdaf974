package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/pilgrim-chat/internal/types"
)

const (
	TypingTimeout = 3 * time.Second
	trackTimeout  = 5 * time.Second
)

var ErrNotAttached = errors.New("presence tracker is not attached")

// OtherState is what this client observes about the other participant.
type OtherState struct {
	Online   bool
	Typing   bool
	LastSeen time.Time
}

type typingState int

const (
	typingIdle typingState = iota
	typingActive
)

// PresenceTracker publishes this member's typing flag on a conversation's
// presence topic and follows the other participant's entry.
type PresenceTracker struct {
	log   *log.Logger
	rt    Realtime
	clock Clock

	// trackMu orders typing decisions with their writes, so a timer that
	// expires concurrently with SetTyping cannot publish a stale flag last.
	trackMu sync.Mutex
	mu      sync.Mutex
	sub     *Subscription
	topic   string
	self    string
	other   string
	typing  typingState
	timer   Timer
	// generation invalidates timers that fire after being replaced
	generation int
	state      OtherState
	changes    chan OtherState
	wg         sync.WaitGroup
}

func NewPresenceTracker(rt Realtime, clock Clock, logger *log.Logger) *PresenceTracker {
	if clock == nil {
		clock = RealClock
	}
	return &PresenceTracker{
		log:     logger,
		rt:      rt,
		clock:   clock,
		changes: make(chan OtherState, 1),
	}
}

// Attach subscribes to the presence topic of conversationId and tracks an
// initial not-typing payload.
func (p *PresenceTracker) Attach(ctx context.Context, conversationId, self, other string) error {
	topic := types.PresenceTopic(conversationId)
	sub, err := p.rt.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.sub != nil {
		p.mu.Unlock()
		sub.Close()
		return errors.New("presence tracker is already attached")
	}
	p.sub = sub
	p.topic = topic
	p.self = self
	p.other = other
	p.typing = typingIdle
	p.state = OtherState{}
	p.applyLocked(types.PresenceEvent{Kind: types.PresenceSync, Entries: sub.Snapshot})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.follow(sub)

	return p.track(ctx, false)
}

func (p *PresenceTracker) follow(sub *Subscription) {
	defer p.wg.Done()

	for evt := range sub.Presence() {
		p.mu.Lock()
		changed := p.applyLocked(evt)
		state := p.state
		p.mu.Unlock()

		if changed {
			p.publish(state)
		}
	}
}

// applyLocked folds a presence event into the observed state of the other
// participant and reports whether it changed.
func (p *PresenceTracker) applyLocked(evt types.PresenceEvent) bool {
	before := p.state

	if evt.Kind == types.PresenceSync {
		p.state.Online = false
		p.state.Typing = false
	}

	for _, e := range evt.Entries {
		if e.MemberId != p.other {
			continue
		}

		switch evt.Kind {
		case types.PresenceJoin, types.PresenceSync:
			p.state.Online = true
			p.state.Typing = e.Payload.IsTyping
		case types.PresenceUpdate:
			p.state.Online = true
			p.state.Typing = e.Payload.IsTyping
		case types.PresenceLeave:
			p.state.Online = false
			p.state.Typing = false
			p.seen(p.clock.Now())
		}
		p.seen(e.Payload.LastSeen)
	}

	return p.state != before
}

func (p *PresenceTracker) seen(t time.Time) {
	if t.After(p.state.LastSeen) {
		p.state.LastSeen = t
	}
}

func (p *PresenceTracker) publish(state OtherState) {
	// keep only the latest state
	select {
	case <-p.changes:
	default:
	}
	select {
	case p.changes <- state:
	default:
	}
}

// State returns the observed state of the other participant.
func (p *PresenceTracker) State() OtherState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Changes delivers the latest observed state after each change.
func (p *PresenceTracker) Changes() <-chan OtherState {
	return p.changes
}

// SetTyping publishes the typing flag. Typing arms a timer that publishes
// not-typing after TypingTimeout unless typing is reported again.
func (p *PresenceTracker) SetTyping(ctx context.Context, typing bool) error {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()

	p.mu.Lock()
	if p.sub == nil {
		p.mu.Unlock()
		return ErrNotAttached
	}

	p.stopTimerLocked()
	if typing {
		p.typing = typingActive
		gen := p.generation
		p.timer = p.clock.AfterFunc(TypingTimeout, func() { p.expire(gen) })
	} else {
		p.typing = typingIdle
	}
	p.mu.Unlock()

	return p.track(ctx, typing)
}

func (p *PresenceTracker) stopTimerLocked() {
	p.generation++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *PresenceTracker) expire(gen int) {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()

	p.mu.Lock()
	if gen != p.generation || p.typing != typingActive || p.sub == nil {
		p.mu.Unlock()
		return
	}
	p.typing = typingIdle
	p.timer = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), trackTimeout)
	defer cancel()
	p.track(ctx, false)
}

// Typing reports whether this member is currently published as typing.
func (p *PresenceTracker) Typing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing == typingActive
}

func (p *PresenceTracker) track(ctx context.Context, typing bool) error {
	p.mu.Lock()
	topic := p.topic
	p.mu.Unlock()

	err := p.rt.Track(ctx, topic, types.PresencePayload{
		IsTyping: typing,
		LastSeen: p.clock.Now(),
	})
	if err != nil {
		p.log.Printf("presence track on %q failed: %v", topic, err)
	}
	return err
}

// Detach releases the presence subscription. It is safe to call more than
// once.
func (p *PresenceTracker) Detach() error {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.typing = typingIdle
	p.stopTimerLocked()
	p.mu.Unlock()

	if sub == nil {
		return nil
	}

	err := sub.Close()
	p.wg.Wait()
	return err
}

// OnlineWatcher follows the app-wide online topic.
type OnlineWatcher struct {
	log    *log.Logger
	sub    *Subscription
	mu     sync.RWMutex
	online map[string]struct{}
	wg     sync.WaitGroup
}

// WatchOnline subscribes to the online topic. Close releases it.
func WatchOnline(ctx context.Context, rt Realtime, logger *log.Logger) (*OnlineWatcher, error) {
	sub, err := rt.Subscribe(ctx, types.OnlineTopic)
	if err != nil {
		return nil, err
	}

	w := &OnlineWatcher{
		log:    logger,
		sub:    sub,
		online: make(map[string]struct{}),
	}
	w.apply(types.PresenceEvent{Kind: types.PresenceSync, Entries: sub.Snapshot})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for evt := range sub.Presence() {
			w.apply(evt)
		}
	}()

	return w, nil
}

func (w *OnlineWatcher) apply(evt types.PresenceEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if evt.Kind == types.PresenceSync {
		clear(w.online)
	}

	for _, e := range evt.Entries {
		switch evt.Kind {
		case types.PresenceLeave:
			delete(w.online, e.MemberId)
		default:
			w.online[e.MemberId] = struct{}{}
		}
	}
}

func (w *OnlineWatcher) IsOnline(memberId string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.online[memberId]
	return ok
}

func (w *OnlineWatcher) Close() error {
	err := w.sub.Close()
	w.wg.Wait()
	return err
}
