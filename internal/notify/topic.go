// Package notify provides typed publish/subscribe topics used to deliver
// asynchronous notifications (session created, lobby entered, list ready,
// connection events, load progress) to the components that consume them.
//
// Each notification kind gets its own Topic. Consumers subscribe when they
// start and unsubscribe when they stop, so no handler outlives its owner.
package notify

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultBuffer is the subscription buffer used when a non-positive size is requested.
const DefaultBuffer = 64

// ErrBufferFull is returned by Publish when a subscriber could not accept a value.
var ErrBufferFull = errors.New("subscriber buffer full")

// Subscription is one consumer's view of a Topic.
type Subscription[T any] struct {
	id     uint64
	ch     chan T
	closed bool
}

// C returns the receive channel. It is closed on Unsubscribe or Topic.Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Topic fans a value out to every current subscriber.
// All methods are safe for concurrent use.
type Topic[T any] struct {
	name   string
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription[T]
	closed bool
}

// NewTopic creates an open Topic. name is used in error messages only.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{
		name: name,
		subs: make(map[uint64]*Subscription[T]),
	}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers a new subscriber with the given buffer size.
//
// Postcondition: if the topic is already closed the returned subscription's
// channel is closed immediately.
func (t *Topic[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscription[T]{ch: make(chan T, buffer)}
	if t.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	t.nextID++
	sub.id = t.nextID
	t.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more than once.
func (t *Topic[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, sub.id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers v to every subscriber without blocking.
//
// Postcondition: returns nil when every subscriber accepted v, otherwise an
// error joining one ErrBufferFull per subscriber that dropped it.
func (t *Topic[T]) Publish(v T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("topic %s is closed", t.name)
	}
	var errs []error
	for id, sub := range t.subs {
		select {
		case sub.ch <- v:
		default:
			errs = append(errs, fmt.Errorf("topic %s subscriber %d: %w", t.name, id, ErrBufferFull))
		}
	}
	return errors.Join(errs...)
}

// Len returns the current number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close closes every subscription and rejects further publishes.
// Later Subscribe calls receive an already-closed subscription.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(t.subs, id)
	}
}
