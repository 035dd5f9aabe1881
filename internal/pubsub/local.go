package pubsub

import (
	"context"
	"errors"
)

const defaultLocalBuffer = 256

// ErrBusClosed indicates a publish after the bus stopped running.
var ErrBusClosed = errors.New("pubsub: bus closed")

// LocalBus delivers events within a single process.
type LocalBus struct {
	events chan Event
	done   chan struct{}
}

// NewLocalBus constructs a LocalBus. A non-positive buffer uses the default.
func NewLocalBus(buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = defaultLocalBuffer
	}
	return &LocalBus{events: make(chan Event, buffer), done: make(chan struct{})}
}

// Publish queues event for delivery, waiting while the queue is full.
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	select {
	case b.events <- event:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers queued events until ctx is cancelled. It must be called once.
func (b *LocalBus) Run(ctx context.Context, deliver func(Event)) error {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-b.events:
			deliver(event)
		}
	}
}
