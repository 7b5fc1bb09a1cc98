// Package channel implements the fan-out primitive at the center of the
// relay: a bounded, multi-producer/multi-consumer broadcast bus with
// drop-oldest-on-overflow semantics, plus the named Channel that owns one.
package channel

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the per-subscriber queue depth. Wire peers assume 64
// in-flight messages per subscriber; callers that need a different bound use
// NewBusWithCapacity.
const DefaultCapacity = 64

// ErrClosed is returned by Subscriber.Recv once the bus has been closed and
// drained.
var ErrClosed = errors.New("channel: bus closed")

// Message is an opaque payload fanned out to every subscriber. Tag carries
// the identity of the publishing session so a session can recognize (and
// skip) its own traffic.
type Message struct {
	Data []byte
	Tag  uint64
}

// LaggedError is returned by Subscriber.Recv when the bus had to evict one
// or more not-yet-delivered messages to make room for newer ones. Skipped is
// the number of messages dropped since the subscriber's last successful
// Recv.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return "channel: subscriber lagged"
}

// Bus is a bounded fan-out primitive. A publish enqueues a message onto
// every subscriber's own ring; if a subscriber's ring is full the oldest
// unread message for that subscriber alone is evicted. Publishers are never
// blocked and one subscriber can never stall delivery to another.
type Bus struct {
	capacity int

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// NewBus returns a Bus with the default capacity (64).
func NewBus() *Bus {
	return NewBusWithCapacity(DefaultCapacity)
}

// NewBusWithCapacity returns a Bus bounding each subscriber to capacity
// in-flight messages. The relay itself always uses the default of 64; this
// constructor exists for tests and callers that deliberately want a
// different bound.
func NewBusWithCapacity(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Publish enqueues data for every subscriber live at the time of the call.
// It never blocks and never fails: a full subscriber ring sheds its oldest
// message instead.
func (b *Bus) Publish(data []byte, tag uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.deliver(Message{Data: data, Tag: tag})
	}
}

// Subscribe returns a fresh Subscriber positioned at the current tail; it
// never replays history published before this call.
func (b *Bus) Subscribe() *Subscriber {
	s := newSubscriber(b.capacity)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	s.bus = b
	return s
}

// unsubscribe drops a subscriber's membership, so the bus's count of live
// subscribers falls promptly when a session is torn down.
func (b *Bus) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close marks the bus closed; all current and future Subscriber.Recv calls
// return ErrClosed once their queues drain.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = make(map[*Subscriber]struct{})
}

// Subscriber is a per-consumer receiver on a Bus. It must be obtained via
// Bus.Subscribe and released via Close once the owning session ends.
type Subscriber struct {
	bus      *Bus
	ch       chan Message
	capacity int

	mu      sync.Mutex
	skipped uint64
}

func newSubscriber(capacity int) *Subscriber {
	return &Subscriber{
		ch:       make(chan Message, capacity),
		capacity: capacity,
	}
}

// deliver enqueues msg, evicting the oldest queued message first if the
// subscriber's ring is full. This keeps Publish non-blocking: the eviction
// and the send below never wait on the consumer.
func (s *Subscriber) deliver(msg Message) {
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
		default:
			// Raced with a concurrent Recv draining the queue; retry the send.
		}
	}
}

// Recv delivers the next message in FIFO order, or returns a *LaggedError
// reporting how many messages were evicted since the previous Recv (the
// message, if any survived the race, is still returned alongside it so no
// data is silently thrown away), or returns ErrClosed once the bus is
// closed and drained. A *LaggedError is non-terminal: the caller resets to
// the current tail and keeps calling Recv.
func (s *Subscriber) Recv() (Message, error) {
	msg, ok := <-s.ch
	return s.finishRecv(msg, ok)
}

// RecvContext is Recv with an early exit on ctx cancellation, used by the
// session pump so dropping a session releases its subscriber promptly
// instead of leaking a goroutine blocked in Recv forever.
func (s *Subscriber) RecvContext(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-s.ch:
		return s.finishRecv(msg, ok)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *Subscriber) finishRecv(msg Message, ok bool) (Message, error) {
	s.mu.Lock()
	skipped := s.skipped
	s.skipped = 0
	s.mu.Unlock()

	if skipped > 0 {
		return msg, &LaggedError{Skipped: skipped}
	}
	if !ok {
		return Message{}, ErrClosed
	}
	return msg, nil
}

// Close releases the subscriber's slot on the bus. Safe to call more than
// once.
func (s *Subscriber) Close() {
	if s.bus != nil {
		s.bus.unsubscribe(s)
	}
}
