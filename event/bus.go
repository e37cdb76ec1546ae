// Package event provides the in-process publish/subscribe wiring between
// room monitors/recorders and the orchestrator. Delivery is asynchronous:
// emitters enqueue onto a dispatch queue drained by a single goroutine, so a
// slow handler can never block a polling loop or a recorder.
package event

import (
	"log/slog"
	"sync"

	"github.com/nekomoe/bilirec/telemetry"
)

// Kind discriminates the event streams a room can emit.
type Kind int

const (
	KindLog Kind = iota
	KindNotify
	KindTitleChanged
	KindRecordCompleted
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindNotify:
		return "notify"
	case KindTitleChanged:
		return "title_changed"
	case KindRecordCompleted:
		return "record_completed"
	default:
		return "unknown"
	}
}

// Event is one emission from a room. Room carries the canonical room state by
// pointer so handlers can compare identity, not copies.
type Event struct {
	Kind    Kind
	RoomID  int64
	Room    any
	Payload string // log line, new title, or completed file path depending on Kind
}

// Handler consumes one event on the dispatcher goroutine.
type Handler func(Event)

type subKey struct {
	roomID int64
	kind   Kind
}

// Bus routes events to handlers registered per (room, kind). Registration is
// a set-insert: subscribing the same (room, kind) twice replaces the handler
// instead of duplicating delivery.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[subKey]Handler
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// queueDepth bounds the dispatch backlog. Emission volume is low (a handful
// of events per poll cycle per room); hitting this bound means a handler is
// stuck, and dropping with a warning beats blocking a monitor.
const queueDepth = 256

// NewBus creates a bus and starts its dispatcher goroutine.
func NewBus() *Bus {
	b := &Bus{
		handlers: make(map[subKey]Handler),
		queue:    make(chan Event, queueDepth),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for ev := range b.queue {
		b.mu.RLock()
		h := b.handlers[subKey{ev.RoomID, ev.Kind}]
		b.mu.RUnlock()
		if h != nil {
			h(ev)
		}
	}
}

// Subscribe registers a handler for (roomID, kind), replacing any previous one.
func (b *Bus) Subscribe(roomID int64, kind Kind, h Handler) {
	b.mu.Lock()
	b.handlers[subKey{roomID, kind}] = h
	b.mu.Unlock()
}

// Unsubscribe removes all handlers for a room. Events already queued for the
// room may still be delivered; events published afterwards are not.
func (b *Bus) Unsubscribe(roomID int64) {
	b.mu.Lock()
	for k := range b.handlers {
		if k.roomID == roomID {
			delete(b.handlers, k)
		}
	}
	b.mu.Unlock()
}

// Publish enqueues an event without blocking. When the dispatch queue is full
// the event is dropped and counted.
func (b *Bus) Publish(ev Event) {
	select {
	case b.queue <- ev:
	default:
		slog.Warn("event bus queue full, dropping event",
			slog.Int64("room_id", ev.RoomID), slog.String("kind", ev.Kind.String()))
		if telemetry.EventsDropped != nil {
			telemetry.EventsDropped.Inc()
		}
	}
}

// Close stops the dispatcher after draining queued events. Publish must not
// be called after Close.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.queue)
		<-b.done
	})
}
