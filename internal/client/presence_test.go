package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/pilgrim-chat/internal/testutil"
	"github.com/npezzotti/pilgrim-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const presenceTopic = "presence:c1"

func attachedTracker(t *testing.T) (*PresenceTracker, *fakeRealtime, *fakeClock) {
	t.Helper()

	rt := newFakeRealtime()
	clock := newFakeClock()
	p := NewPresenceTracker(rt, clock, testutil.TestLogger(t))
	require.NoError(t, p.Attach(context.Background(), "c1", "1001", "2002"))
	t.Cleanup(func() { p.Detach() })

	return p, rt, clock
}

func waitState(t *testing.T, p *PresenceTracker, want func(OtherState) bool) OtherState {
	t.Helper()

	var last OtherState
	require.Eventually(t, func() bool {
		last = p.State()
		return want(last)
	}, time.Second, 5*time.Millisecond)
	return last
}

func TestPresenceTracker_Attach(t *testing.T) {
	p, rt, clock := attachedTracker(t)

	assert.True(t, rt.subscribed(presenceTopic))
	calls := rt.trackCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, presenceTopic, calls[0].topic)
	assert.False(t, calls[0].payload.IsTyping)
	assert.Equal(t, clock.Now(), calls[0].payload.LastSeen)

	assert.Equal(t, OtherState{}, p.State())
	assert.Error(t, p.Attach(context.Background(), "c2", "1001", "2002"))
}

func TestPresenceTracker_AttachSnapshot(t *testing.T) {
	rt := newFakeRealtime()
	lastSeen := base.Add(-time.Minute)
	rt.snapshots[presenceTopic] = []types.PresenceEntry{
		{MemberId: "1001", Payload: types.PresencePayload{LastSeen: base}},
		{MemberId: "2002", Payload: types.PresencePayload{IsTyping: true, LastSeen: lastSeen}},
	}

	p := NewPresenceTracker(rt, newFakeClock(), testutil.TestLogger(t))
	require.NoError(t, p.Attach(context.Background(), "c1", "1001", "2002"))
	defer p.Detach()

	assert.Equal(t, OtherState{Online: true, Typing: true, LastSeen: lastSeen}, p.State())
}

func TestPresenceTracker_AttachErrors(t *testing.T) {
	t.Run("subscribe fails", func(t *testing.T) {
		rt := newFakeRealtime()
		rt.subscribeErr = errors.New("forbidden")

		p := NewPresenceTracker(rt, newFakeClock(), testutil.TestLogger(t))
		assert.Error(t, p.Attach(context.Background(), "c1", "1001", "2002"))
		assert.ErrorIs(t, p.SetTyping(context.Background(), true), ErrNotAttached)
	})

	t.Run("initial track fails", func(t *testing.T) {
		rt := newFakeRealtime()
		rt.trackErr = errors.New("unavailable")

		p := NewPresenceTracker(rt, newFakeClock(), testutil.TestLogger(t))
		assert.Error(t, p.Attach(context.Background(), "c1", "1001", "2002"))
		defer p.Detach()

		// the subscription stays usable
		assert.True(t, rt.subscribed(presenceTopic))
	})
}

func TestPresenceTracker_FollowsOther(t *testing.T) {
	p, rt, clock := attachedTracker(t)

	joined := base.Add(time.Minute)
	rt.pushPresence(presenceTopic, types.PresenceEvent{
		Kind:    types.PresenceJoin,
		Entries: []types.PresenceEntry{{MemberId: "2002", Payload: types.PresencePayload{LastSeen: joined}}},
	})
	waitState(t, p, func(s OtherState) bool { return s.Online })

	rt.pushPresence(presenceTopic, types.PresenceEvent{
		Kind:    types.PresenceUpdate,
		Entries: []types.PresenceEntry{{MemberId: "2002", Payload: types.PresencePayload{IsTyping: true, LastSeen: joined.Add(time.Second)}}},
	})
	state := waitState(t, p, func(s OtherState) bool { return s.Typing })
	assert.Equal(t, joined.Add(time.Second), state.LastSeen)

	select {
	case got := <-p.Changes():
		assert.True(t, got.Online)
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}

	// events about other members are ignored
	rt.pushPresence(presenceTopic, types.PresenceEvent{
		Kind:    types.PresenceLeave,
		Entries: []types.PresenceEntry{{MemberId: "3003"}},
	})

	clock.Advance(time.Hour)
	rt.pushPresence(presenceTopic, types.PresenceEvent{
		Kind:    types.PresenceLeave,
		Entries: []types.PresenceEntry{{MemberId: "2002", Payload: types.PresencePayload{IsTyping: true, LastSeen: joined}}},
	})
	state = waitState(t, p, func(s OtherState) bool { return !s.Online })
	assert.False(t, state.Typing)
	// the time the leave was observed wins over an older payload
	assert.Equal(t, clock.Now(), state.LastSeen)
}

func TestPresenceTracker_TypingStateMachine(t *testing.T) {
	ctx := context.Background()
	p, rt, clock := attachedTracker(t)

	require.NoError(t, p.SetTyping(ctx, true))
	assert.True(t, p.Typing())
	calls := rt.trackCalls()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].payload.IsTyping)

	// continued typing re-arms the timer
	clock.Advance(2 * time.Second)
	require.NoError(t, p.SetTyping(ctx, true))
	clock.Advance(2 * time.Second)
	assert.True(t, p.Typing())
	assert.Len(t, rt.trackCalls(), 3)

	clock.Advance(time.Second)
	assert.False(t, p.Typing())
	calls = rt.trackCalls()
	require.Len(t, calls, 4)
	assert.False(t, calls[3].payload.IsTyping)
	assert.Equal(t, clock.Now(), calls[3].payload.LastSeen)

	// nothing further once idle
	clock.Advance(time.Minute)
	assert.Len(t, rt.trackCalls(), 4)
	assert.Equal(t, 0, clock.pending())
}

func TestPresenceTracker_StopTypingDisarms(t *testing.T) {
	ctx := context.Background()
	p, rt, clock := attachedTracker(t)

	require.NoError(t, p.SetTyping(ctx, true))
	require.NoError(t, p.SetTyping(ctx, false))
	assert.False(t, p.Typing())
	assert.Equal(t, 0, clock.pending())

	calls := rt.trackCalls()
	require.Len(t, calls, 3)
	assert.False(t, calls[2].payload.IsTyping)

	clock.Advance(TypingTimeout)
	assert.Len(t, rt.trackCalls(), 3)
}

func TestPresenceTracker_TypingAfterExpiryWinsOverTimeout(t *testing.T) {
	ctx := context.Background()
	p, rt, clock := attachedTracker(t)
	require.NoError(t, p.SetTyping(ctx, true))

	expiring := make(chan struct{})
	resume := make(chan struct{})
	var once sync.Once
	rt.mu.Lock()
	rt.beforeTrack = func(payload types.PresencePayload) {
		if !payload.IsTyping {
			once.Do(func() {
				close(expiring)
				<-resume
			})
		}
	}
	rt.mu.Unlock()

	expired := make(chan struct{})
	go func() {
		defer close(expired)
		clock.Advance(TypingTimeout)
	}()
	<-expiring

	// the member types again while the timeout is being published
	typed := make(chan error, 1)
	go func() { typed <- p.SetTyping(ctx, true) }()
	time.Sleep(20 * time.Millisecond)
	close(resume)

	<-expired
	require.NoError(t, <-typed)

	calls := rt.trackCalls()
	require.Len(t, calls, 4)
	assert.False(t, calls[2].payload.IsTyping)
	assert.True(t, calls[3].payload.IsTyping, "expected the newer typing report to be published last")
	assert.True(t, p.Typing())
	assert.Equal(t, 1, clock.pending())
}

func TestPresenceTracker_Detach(t *testing.T) {
	ctx := context.Background()
	p, rt, clock := attachedTracker(t)

	require.NoError(t, p.SetTyping(ctx, true))
	require.NoError(t, p.Detach())
	require.NoError(t, p.Detach())

	assert.False(t, rt.subscribed(presenceTopic))
	assert.Equal(t, []string{presenceTopic}, rt.releasedTopics())

	// an armed timer does not publish after detaching
	clock.Advance(TypingTimeout)
	assert.Len(t, rt.trackCalls(), 2)
	assert.ErrorIs(t, p.SetTyping(ctx, true), ErrNotAttached)
}

func TestOnlineWatcher(t *testing.T) {
	rt := newFakeRealtime()
	rt.snapshots[types.OnlineTopic] = []types.PresenceEntry{{MemberId: "1001"}, {MemberId: "2002"}}

	w, err := WatchOnline(context.Background(), rt, testutil.TestLogger(t))
	require.NoError(t, err)

	assert.True(t, w.IsOnline("1001"))
	assert.True(t, w.IsOnline("2002"))
	assert.False(t, w.IsOnline("3003"))

	rt.pushPresence(types.OnlineTopic, types.PresenceEvent{
		Kind:    types.PresenceJoin,
		Entries: []types.PresenceEntry{{MemberId: "3003"}},
	})
	rt.pushPresence(types.OnlineTopic, types.PresenceEvent{
		Kind:    types.PresenceLeave,
		Entries: []types.PresenceEntry{{MemberId: "2002"}},
	})

	require.Eventually(t, func() bool {
		return w.IsOnline("3003") && !w.IsOnline("2002")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Close())
	assert.False(t, rt.subscribed(types.OnlineTopic))
}

func TestWatchOnline_SubscribeError(t *testing.T) {
	rt := newFakeRealtime()
	rt.subscribeErr = errors.New("closed")

	_, err := WatchOnline(context.Background(), rt, testutil.TestLogger(t))
	assert.Error(t, err)
}
