// Package pubsub carries the engine's role transitions to interested
// components (the backup orchestrator, tests, operators' hooks) without
// coupling them to the engine's control loop.
package pubsub

import (
	"sync"
	"time"

	"github.com/dd0wney/cluso-deadman/pkg/cluster"
)

// Transition is one role change of the local node
type Transition struct {
	From       cluster.Role
	To         cluster.Role
	Generation uint64
	At         time.Time
}

// Subscription receives transitions on its channel until unsubscribed
type Subscription struct {
	ch        chan Transition
	bus       *Bus
	closeOnce sync.Once
}

// C returns the subscription's receive channel
func (s *Subscription) C() <-chan Transition {
	return s.ch
}

// Unsubscribe detaches from the bus and closes the channel. The close
// happens under the bus lock so it cannot interleave with a send from
// Publish.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s)
	s.closeOnce.Do(func() { close(s.ch) })
}

// Bus fans transitions out to subscribers. Publishing never blocks the
// engine: a subscriber that falls behind loses intermediate transitions,
// which is safe because consumers only care about the latest role.
type Bus struct {
	subs map[*Subscription]bool
	mu   sync.Mutex
}

// NewBus creates an empty transition bus
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]bool)}
}

// Subscribe registers a new subscriber
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		ch:  make(chan Transition, 16),
		bus: b,
	}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Publish delivers a transition to every subscriber. Sends are
// non-blocking and run under the bus lock, so a concurrent Unsubscribe
// either sees the send complete or removes the subscription first; a
// closed channel is never a send target.
func (b *Bus) Publish(t Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- t:
		default:
		}
	}
}
