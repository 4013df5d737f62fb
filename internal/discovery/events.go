package discovery

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a registry transition.
type EventType int

const (
	// EventDiscovered is emitted when a matching peer is seen for the first time.
	EventDiscovered EventType = iota
	// EventUpdated is emitted when a known peer is seen again.
	EventUpdated
	// EventLost is emitted when a sweep removes a silent peer.
	EventLost
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EventDiscovered:
		return "Discovered"
	case EventUpdated:
		return "Updated"
	case EventLost:
		return "Lost"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// Event carries a copy of the peer entry at the time of the transition.
type Event struct {
	Type EventType
	Peer PeerEntry
	At   time.Time
}

// Handler receives registry events synchronously, in mutation order.
// Handlers must not call Ingest or Sweep.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(Event)

// HandleEvent calls f(e).
func (f HandlerFunc) HandleEvent(e Event) {
	f(e)
}

type handlerSub struct {
	id int
	h  Handler
}

type channelSub struct {
	id int
	ch chan Event
}

// eventBus fans events out to handlers and channel subscribers.
type eventBus struct {
	// deliverMu serializes deliveries so subscribers observe mutation order.
	deliverMu sync.Mutex

	subMu    sync.RWMutex
	nextID   int
	handlers []handlerSub
	channels []channelSub

	dropped atomic.Int64
}

func (b *eventBus) addHandler(h Handler) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handlerSub{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			defer b.subMu.Unlock()
			for i, s := range b.handlers {
				if s.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	b.subMu.Lock()
	b.nextID++
	id := b.nextID
	b.channels = append(b.channels, channelSub{id: id, ch: ch})
	b.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.subMu.Lock()
			defer b.subMu.Unlock()
			for i, s := range b.channels {
				if s.id == id {
					b.channels = append(b.channels[:i:i], b.channels[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

// deliver must be called with deliverMu held.
func (b *eventBus) deliver(events []Event) {
	if len(events) == 0 {
		return
	}

	b.subMu.RLock()
	handlers := make([]handlerSub, len(b.handlers))
	copy(handlers, b.handlers)
	b.subMu.RUnlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].id < handlers[j].id })

	for _, e := range events {
		for _, s := range handlers {
			s.h.HandleEvent(cloneEvent(e))
		}

		// Sends happen under the read lock so a concurrent cancel cannot
		// close a channel mid-send.
		b.subMu.RLock()
		for _, s := range b.channels {
			select {
			case s.ch <- cloneEvent(e):
			default:
				b.dropped.Add(1)
			}
		}
		b.subMu.RUnlock()
	}
}

func cloneEvent(e Event) Event {
	e.Peer = e.Peer.clone()
	return e
}
