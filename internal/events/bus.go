package events

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans events out to every subscriber whose prefix matches the event type.
// Publish never blocks: a subscriber with a full buffer misses the event.
type Bus struct {
	mu         sync.RWMutex
	subs       map[int]*Subscription
	nextID     int
	bufferSize int
}

var _ Publisher = (*Bus)(nil)

func NewBus() *Bus {
	return NewBusWithBuffer(defaultBufferSize)
}

func NewBusWithBuffer(size int) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		subs:       make(map[int]*Subscription),
		bufferSize: size,
	}
}

// Subscribe registers a subscriber. An empty prefix matches every event type.
func (b *Bus) Subscribe(typePrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: typePrefix,
		ch:     make(chan Event, b.bufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

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

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(event.Type, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
