package fanout

import (
	"sync"
	"time"

	"github.com/jdiitm/logconsole/internal/domain"
)

type EventType string

const (
	EventRecord EventType = "record"
	EventError  EventType = "error"
	EventStatus EventType = "status"
)

// Event is one push notification on a session's channel.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"sessionId"`
	Record    *domain.CapturedRecord `json:"record,omitempty"`
	Status    domain.Status          `json:"status,omitempty"`
	Cause     domain.StopCause       `json:"cause,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Consumed  int64                  `json:"messagesConsumed,omitempty"`
	At        time.Time              `json:"at"`
}

func RecordEvent(r domain.CapturedRecord) Event {
	return Event{Type: EventRecord, SessionID: r.SessionID, Record: &r, At: time.Now()}
}

func ErrorEvent(sessionID string, err error) Event {
	return Event{Type: EventError, SessionID: sessionID, Error: err.Error(), At: time.Now()}
}

func StatusEvent(sessionID string, out domain.Outcome) Event {
	return Event{
		Type:      EventStatus,
		SessionID: sessionID,
		Status:    out.Status,
		Cause:     out.Cause,
		Error:     out.LastError,
		Consumed:  out.MessagesConsumed,
		At:        time.Now(),
	}
}

// Publisher delivers events for a session. Publish never blocks the caller.
type Publisher interface {
	Publish(sessionID string, ev Event)
}

// Closer is implemented by publishers that hold per-session resources.
type Closer interface {
	CloseSession(sessionID string)
}

type DropObserver interface {
	RecordFanoutDropped()
}

type noopDrops struct{}

func (noopDrops) RecordFanoutDropped() {}

type HubOption func(*Hub)

func WithDropObserver(o DropObserver) HubOption {
	return func(h *Hub) { h.drops = o }
}

type subscriber struct {
	ch chan Event
}

// Hub is the in-process fan-out: one logical channel per session with any
// number of buffered subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	drops  DropObserver
}

func NewHub(buffer int, opts ...HubOption) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	h := &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		drops:  noopDrops{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers a new observer of sessionID. The returned cancel func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.remove(sessionID, sub) })
	}
}

func (h *Hub) remove(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

func (h *Hub) Publish(sessionID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[sessionID]
	if len(set) == 0 {
		return
	}
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			h.drops.RecordFanoutDropped()
		}
	}
}

// CloseSession closes every subscriber of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[sessionID] {
		close(sub.ch)
	}
	delete(h.subs, sessionID)
}

func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Multi publishes each event to all of its publishers in order.
type Multi []Publisher

func (m Multi) Publish(sessionID string, ev Event) {
	for _, p := range m {
		p.Publish(sessionID, ev)
	}
}

func (m Multi) CloseSession(sessionID string) {
	for _, p := range m {
		if c, ok := p.(Closer); ok {
			c.CloseSession(sessionID)
		}
	}
}

type Noop struct{}

func (Noop) Publish(string, Event) {}
