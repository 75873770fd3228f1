package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is used for non-positive capacities
const DefaultCapacity = 256

// Channel is a bounded event queue with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest event is discarded and counted.
// Consumers range over C(), or use Receive/TryReceive which also count received events.
//
//	ch := events.NewChannel(64)
//	go coordinator.Start(ctx, target) // publishes into ch
//	for ev := range ch.C() {
//	    render(ev)
//	}
type Channel struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	metrics Metrics
}

var _ Sink = (*Channel)(nil)

// NewChannel creates a Channel with the given capacity
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{ch: make(chan Event, capacity)}
}

// C returns the receive side. Reads through C are not counted in Metrics.Received.
func (c *Channel) C() <-chan Event {
	return c.ch
}

// Publish enqueues ev, discarding the oldest buffered event when full. Publishing on a closed
// Channel is a no-op.
func (c *Channel) Publish(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.ch <- ev:
			c.metrics.written.Add(1)
			return
		default:
		}
		select {
		case <-c.ch: // drop oldest
			c.metrics.overwritten.Add(1)
		default:
		}
	}
}

// TryPublish enqueues ev only if there is room
func (c *Channel) TryPublish(ev Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- ev:
		c.metrics.written.Add(1)
		return true
	default:
		return false
	}
}

// Receive blocks until an event is available, the Channel is closed and drained, or ctx is done
func (c *Channel) Receive(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-c.ch:
		if ok {
			c.metrics.received.Add(1)
		}
		return ev, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// TryReceive returns immediately; ok is false when nothing is buffered
func (c *Channel) TryReceive() (Event, bool) {
	select {
	case ev, ok := <-c.ch:
		if ok {
			c.metrics.received.Add(1)
		}
		return ev, ok
	default:
		return Event{}, false
	}
}

// Len returns the number of buffered events
func (c *Channel) Len() int {
	return len(c.ch)
}

// Cap returns the capacity
func (c *Channel) Cap() int {
	return cap(c.ch)
}

// Close ends the stream; buffered events remain readable. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// Metrics returns a snapshot of the counters
func (c *Channel) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Written:     c.metrics.written.Load(),
		Overwritten: c.metrics.overwritten.Load(),
		Received:    c.metrics.received.Load(),
	}
}

// Metrics holds lock-free counters
type Metrics struct {
	written     atomic.Int64
	overwritten atomic.Int64
	received    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Written     int64 `json:"written"`
	Overwritten int64 `json:"overwritten"`
	Received    int64 `json:"received"`
}
