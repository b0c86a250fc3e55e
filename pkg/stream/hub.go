// Package stream fans engine events out to pull-based consumers.
package stream

import (
	"slices"
	"sync"
	"sync/atomic"

	"qshield/pkg/models"
)

const defaultBuffer = 32

// Filter decides whether a subscriber wants an event.
type Filter func(models.Event) bool

// ForSession keeps events of one session. An empty id keeps everything.
func ForSession(id string) Filter {
	return func(evt models.Event) bool { return id == "" || evt.SessionID == id }
}

// OfType keeps events whose type is listed. No types keeps everything.
func OfType(types ...models.EventType) Filter {
	return func(evt models.Event) bool { return len(types) == 0 || slices.Contains(types, evt.Type) }
}

type subscriber struct {
	filters []Filter
}

func (s subscriber) wants(evt models.Event) bool {
	for _, f := range s.filters {
		if !f(evt) {
			return false
		}
	}
	return true
}

// Hub delivers each published event to every interested subscriber without
// blocking. A subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan models.Event]subscriber
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan models.Event]subscriber)}
}

// Subscribe registers a buffered channel that receives events passing every
// filter. The channel is closed by Unsubscribe.
func (h *Hub) Subscribe(buffer int, filters ...Filter) chan models.Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan models.Event, buffer)
	h.mu.Lock()
	h.subs[ch] = subscriber{filters: filters}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan models.Event) {
	h.mu.Lock()
	_, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *Hub) Publish(evts ...models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, sub := range h.subs {
		for _, evt := range evts {
			if !sub.wants(evt) {
				continue
			}
			select {
			case ch <- evt:
			default:
				h.dropped.Add(1)
			}
		}
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
