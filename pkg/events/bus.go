package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscription channel capacity used when the
// subscriber does not request one.
const DefaultBuffer = 256

// Subscription is a single pattern subscription on the Bus. Events are read
// from Events(). When the subscriber falls behind, the oldest buffered event
// is dropped so publishers never block.
type Subscription struct {
	Pattern string

	id      int
	ch      chan Event
	mu      sync.Mutex // serializes deliveries so per-publisher order survives the drop path
	dropped atomic.Int64
	closed  bool
}

// Events returns the subscription's delivery channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns the number of events evicted because the subscriber was
// too slow to drain its buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// deliver enqueues evt, evicting the oldest buffered event if the channel
// is full. Never blocks the publisher.
func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is the in-process pub/sub hub. Patterns are indexed so that publish
// cost is O(matching subscribers), not O(all subscriptions): exact types in
// one map, "prefix.*" patterns in a prefix map, "*" in a wildcard set.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	exact  map[string]map[int]*Subscription
	prefix map[string]map[int]*Subscription // key is the prefix without ".*"
	wild   map[int]*Subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		exact:  make(map[string]map[int]*Subscription),
		prefix: make(map[string]map[int]*Subscription),
		wild:   make(map[int]*Subscription),
	}
}

// Subscribe registers a pattern subscription with the given channel capacity
// (DefaultBuffer when buffer <= 0, minimum 1).
func (b *Bus) Subscribe(pattern string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		Pattern: pattern,
		id:      b.nextID,
		ch:      make(chan Event, buffer),
	}
	if b.closed {
		// Late subscribers on a closed bus get an already-closed channel.
		sub.close()
		return sub
	}

	switch {
	case pattern == "*":
		b.wild[sub.id] = sub
	case strings.HasSuffix(pattern, ".*"):
		prefix := strings.TrimSuffix(pattern, ".*")
		if b.prefix[prefix] == nil {
			b.prefix[prefix] = make(map[int]*Subscription)
		}
		b.prefix[prefix][sub.id] = sub
	default:
		if b.exact[pattern] == nil {
			b.exact[pattern] = make(map[int]*Subscription)
		}
		b.exact[pattern][sub.id] = sub
	}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	switch {
	case sub.Pattern == "*":
		delete(b.wild, sub.id)
	case strings.HasSuffix(sub.Pattern, ".*"):
		prefix := strings.TrimSuffix(sub.Pattern, ".*")
		if set, ok := b.prefix[prefix]; ok {
			delete(set, sub.id)
			if len(set) == 0 {
				delete(b.prefix, prefix)
			}
		}
	default:
		if set, ok := b.exact[sub.Pattern]; ok {
			delete(set, sub.id)
			if len(set) == 0 {
				delete(b.exact, sub.Pattern)
			}
		}
	}
	b.mu.Unlock()

	sub.close()
}

// Publish delivers the event to every matching subscription. Missing ID and
// Time fields are filled in. Publish never blocks on slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.exact[evt.Type] {
		sub.deliver(evt)
	}
	// Walk every ".*" boundary of the event type: "a.b.c" consults
	// prefixes "a" and "a.b".
	for i := 0; i < len(evt.Type); i++ {
		if evt.Type[i] != '.' {
			continue
		}
		for _, sub := range b.prefix[evt.Type[:i]] {
			sub.deliver(evt)
		}
	}
	for _, sub := range b.wild {
		sub.deliver(evt)
	}
}

// Emit is a convenience wrapper building the envelope from parts.
func (b *Bus) Emit(eventType string, pid int, data map[string]any) {
	b.Publish(Event{Type: eventType, PID: pid, Data: data})
}

// SubscriberCount returns the number of live subscriptions (all patterns).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.wild)
	for _, set := range b.exact {
		n += len(set)
	}
	for _, set := range b.prefix {
		n += len(set)
	}
	return n
}

// Close shuts the bus down: all subscription channels are closed and
// subsequent publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, 16)
	for _, sub := range b.wild {
		subs = append(subs, sub)
	}
	for _, set := range b.exact {
		for _, sub := range set {
			subs = append(subs, sub)
		}
	}
	for _, set := range b.prefix {
		for _, sub := range set {
			subs = append(subs, sub)
		}
	}
	b.wild = map[int]*Subscription{}
	b.exact = map[string]map[int]*Subscription{}
	b.prefix = map[string]map[int]*Subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
