package client

import (
	"testing"

	"github.com/npezzotti/pilgrim-chat/internal/testutil"
	"github.com/npezzotti/pilgrim-chat/internal/types"
	"github.com/stretchr/testify/require"
)

func TestSubscription_FullBufferMarksStale(t *testing.T) {
	sub := newSubscription(messagesTopic, nil)

	for i := 0; i < subscriptionBuf; i++ {
		require.True(t, sub.pushEvent(types.MessageEvent{Kind: types.ChangeInsert}))
	}
	select {
	case <-sub.Stale():
		t.Fatal("expected no stale signal while frames fit")
	default:
	}

	conn := &Conn{
		log:  testutil.TestLogger(t),
		subs: map[string]map[*Subscription]struct{}{messagesTopic: {sub: {}}},
	}
	conn.deliver(messagesTopic, func(s *Subscription) bool {
		return s.pushEvent(types.MessageEvent{Kind: types.ChangeInsert})
	})
	conn.deliver(messagesTopic, func(s *Subscription) bool {
		return s.pushEvent(types.MessageEvent{Kind: types.ChangeInsert})
	})

	select {
	case <-sub.Stale():
	default:
		t.Fatal("expected a stale signal after a dropped frame")
	}
	select {
	case <-sub.Stale():
		t.Fatal("expected repeated losses to collapse into one signal")
	default:
	}
}
