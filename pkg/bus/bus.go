// Package bus is the broadcast fabric delivering per-session events to an
// arbitrary set of subscribers. It is generic over the event payload so it
// stays a leaf package.
//
// Guarantees:
//   - Events broadcast for one session are delivered to each subscriber in
//     broadcast order.
//   - Broadcast never blocks: a subscriber whose inbox is full misses
//     events (a drop counter records how many).
//   - A subscriber registered with a context is removed automatically when
//     that context ends, so a dead subscriber never lingers as a delivery
//     target.
package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber inbox size.
const DefaultBuffer = 256

// Envelope pairs an event with the session that produced it.
type Envelope[T any] struct {
	SessionID string
	Event     T
}

// Bus is the central registry mapping session IDs to live subscribers,
// plus a wildcard set receiving everything.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription[T]]struct{}
	wild   map[*Subscription[T]]struct{}
	closed bool
	logger *slog.Logger
}

// Subscription is one registered delivery target.
type Subscription[T any] struct {
	id        string
	sessionID string // "" for wildcard
	ch        chan Envelope[T]
	bus       *Bus[T]
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// New creates a bus. logger may be nil.
func New[T any](logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus[T]{
		subs:   make(map[string]map[*Subscription[T]]struct{}),
		wild:   make(map[*Subscription[T]]struct{}),
		logger: logger,
	}
}

// Subscribe registers a delivery target for one session's events.
// The caller must Close the subscription when done (or use
// SubscribeContext).
func (b *Bus[T]) Subscribe(sessionID string) *Subscription[T] {
	s := &Subscription[T]{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ch:        make(chan Envelope[T], DefaultBuffer),
		bus:       b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeOnce.Do(func() { close(s.ch) })
		return s
	}
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscription[T]]struct{})
		b.subs[sessionID] = set
	}
	set[s] = struct{}{}
	return s
}

// SubscribeWildcard registers a delivery target for every session's events.
func (b *Bus[T]) SubscribeWildcard() *Subscription[T] {
	s := &Subscription[T]{
		id:  uuid.NewString(),
		ch:  make(chan Envelope[T], DefaultBuffer),
		bus: b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeOnce.Do(func() { close(s.ch) })
		return s
	}
	b.wild[s] = struct{}{}
	return s
}

// SubscribeContext is Subscribe with automatic removal when ctx ends.
// Pass sessionID "" for a wildcard subscription.
func (b *Bus[T]) SubscribeContext(ctx context.Context, sessionID string) *Subscription[T] {
	var s *Subscription[T]
	if sessionID == "" {
		s = b.SubscribeWildcard()
	} else {
		s = b.Subscribe(sessionID)
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s
}

// Broadcast delivers ev to every subscriber of sessionID and every wildcard
// subscriber. It never blocks; full inboxes drop the event.
func (b *Bus[T]) Broadcast(sessionID string, ev T) {
	env := Envelope[T]{SessionID: sessionID, Event: ev}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs[sessionID] {
		s.deliver(env, b.logger)
	}
	for s := range b.wild {
		s.deliver(env, b.logger)
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.closeOnce.Do(func() { close(s.ch) })
		}
	}
	for s := range b.wild {
		s.closeOnce.Do(func() { close(s.ch) })
	}
	b.subs = make(map[string]map[*Subscription[T]]struct{})
	b.wild = make(map[*Subscription[T]]struct{})
}

// subscriberCount is used by tests to verify janitor cleanup.
func (b *Bus[T]) subscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

// Events is the subscriber's inbox. It is closed on Close (and on bus
// shutdown), so ranging over it terminates.
func (s *Subscription[T]) Events() <-chan Envelope[T] { return s.ch }

// ID returns the subscription handle ID.
func (s *Subscription[T]) ID() string { return s.id }

// SessionID returns the subscribed session, or "" for wildcard.
func (s *Subscription[T]) SessionID() string { return s.sessionID }

// Dropped returns how many events were dropped due to a full inbox.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel. Idempotent.
func (s *Subscription[T]) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.sessionID != "" {
		if set, ok := b.subs[s.sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.sessionID)
			}
		}
	} else {
		delete(b.wild, s)
	}
	s.closeOnce.Do(func() { close(s.ch) })
}

// deliver is called with the bus read lock held, which excludes Close's
// write lock, so the channel cannot be closed mid-send.
func (s *Subscription[T]) deliver(env Envelope[T], logger *slog.Logger) {
	select {
	case s.ch <- env:
	default:
		if s.dropped.Add(1) == 1 {
			logger.Warn("bus: slow subscriber, dropping events",
				"subscription", s.id, "session", env.SessionID)
		}
	}
}
