package bus

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a notification delivered to one room.
type Event struct {
	Room         string
	Notification Notification
}

// Subscription receives events for the rooms or room prefix it was created with.
type Subscription struct {
	id     int
	prefix string
	mu     sync.RWMutex
	rooms  map[string]struct{}
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Join adds rooms to an exact-match subscription.
func (s *Subscription) Join(rooms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms == nil {
		s.rooms = make(map[string]struct{}, len(rooms))
	}
	for _, r := range rooms {
		s.rooms[r] = struct{}{}
	}
}

// Leave removes rooms from an exact-match subscription.
func (s *Subscription) Leave(rooms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rooms {
		delete(s.rooms, r)
	}
}

// Rooms returns the joined rooms, sorted.
func (s *Subscription) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (s *Subscription) matches(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rooms == nil {
		return s.prefix == "" || strings.HasPrefix(room, s.prefix)
	}
	_, ok := s.rooms[room]
	return ok
}

// Bus is an in-process pub/sub fan-out keyed by room. It implements
// Notifier.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

var _ Notifier = (*Bus)(nil)

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for rooms matching prefix. An empty
// prefix matches every room. Slow consumers miss events once their buffer
// of 100 is full.
func (b *Bus) Subscribe(prefix string) *Subscription {
	return b.add(&Subscription{prefix: prefix, ch: make(chan Event, defaultBufferSize)})
}

// SubscribeRooms creates an exact-match subscription. Rooms can be changed
// later with Join and Leave.
func (b *Bus) SubscribeRooms(rooms ...string) *Subscription {
	sub := &Subscription{rooms: map[string]struct{}{}, ch: make(chan Event, defaultBufferSize)}
	sub.Join(rooms...)
	return b.add(sub)
}

// SubscribeContext is Subscribe with automatic removal when ctx ends.
func (b *Bus) SubscribeContext(ctx context.Context, prefix string) *Subscription {
	sub := b.Subscribe(prefix)
	go func() {
		<-ctx.Done()
		b.Unsubscribe(sub)
	}()
	return sub
}

func (b *Bus) add(sub *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Notify delivers n to every subscriber of room without blocking.
func (b *Bus) Notify(room string, n Notification) {
	event := Event{Room: room, Notification: n}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(room) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
