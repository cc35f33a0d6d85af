// internal/outbox/memory.go
package outbox

import (
	"context"
	"sync"
)

// MemoryOutbox is an unbounded in-process Outbox. Events do not survive the
// process.
type MemoryOutbox struct {
	mu     sync.Mutex
	events []LobbyEvent
	signal chan struct{}
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{signal: make(chan struct{}, 1)}
}

func (o *MemoryOutbox) Publish(ctx context.Context, ev LobbyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
	o.wake()
	return nil
}

func (o *MemoryOutbox) Requeue(ctx context.Context, ev LobbyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	o.events = append([]LobbyEvent{ev}, o.events...)
	o.mu.Unlock()
	o.wake()
	return nil
}

func (o *MemoryOutbox) Next(ctx context.Context) (*LobbyEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.mu.Lock()
		if len(o.events) > 0 {
			ev := o.events[0]
			o.events = o.events[1:]
			more := len(o.events) > 0
			o.mu.Unlock()
			if more {
				o.wake()
			}
			return &ev, nil
		}
		o.mu.Unlock()

		select {
		case <-o.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of pending events.
func (o *MemoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func (o *MemoryOutbox) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}
