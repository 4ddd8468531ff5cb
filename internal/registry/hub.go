package registry

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventCreated  EventKind = "created"
	EventRemoved  EventKind = "removed"
	EventExpired  EventKind = "expired"
	EventSwitched EventKind = "switched"
)

// Event announces that the session table changed. Payloads are hints only; subscribers
// re-read the registry instead of trusting them.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"sessionId,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	Count     int       `json:"count,omitempty"`
	Origin    string    `json:"origin"`
	At        time.Time `json:"at"`
}

// Hub fans events out to subscribers. Delivery is best effort: a subscriber whose buffer
// is full misses the event.
type Hub struct {
	origin string

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewHub(origin string) *Hub {
	return &Hub{
		origin: origin,
		subs:   make(map[int]chan Event),
	}
}

// Origin identifies this process on events it publishes.
func (h *Hub) Origin() string {
	return h.origin
}

func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	if ev.Origin == "" {
		ev.Origin = h.origin
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
