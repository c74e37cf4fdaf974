package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/npezzotti/pilgrim-chat/internal/types"
)

const eventBufferSize = 512

var ErrClosed = errors.New("broker closed")

// Event is a message log change addressed to one conversation.
type Event struct {
	ConversationId string             `json:"conversation_id"`
	Change         types.MessageEvent `json:"change"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Broker fans message change events out to every server instance.
type Broker interface {
	Publisher
	Events() <-chan Event
	Close() error
}

// LocalBroker delivers events within the current process.
type LocalBroker struct {
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Broker = (*LocalBroker)(nil)

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{
		events: make(chan Event, eventBufferSize),
		closed: make(chan struct{}),
	}
}

func (b *LocalBroker) Publish(ctx context.Context, evt Event) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	select {
	case b.events <- evt:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Events() <-chan Event {
	return b.events
}

// Close stops accepting events. The events channel is left open so that
// readers selecting on it never observe a spurious zero Event.
func (b *LocalBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
	return nil
}
