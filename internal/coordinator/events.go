package coordinator

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types
const (
	EventStateChanged = "state_changed"
	EventTouchlink    = "touchlink"
	EventIdentify     = "identify"
	EventRoleChanged  = "role_changed"
	EventFrame        = "frame"
	EventNCPReset     = "ncp_reset"
)

// Event is published on the EventBus. Emit stamps Time when it is zero.
type Event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id        uint64
	eventType string // empty matches every type
	handler   EventHandler
}

// EventBus delivers events synchronously, in subscription order. The
// subscription list is copied on write so Emit never takes a lock.
type EventBus struct {
	mu     sync.Mutex
	subs   atomic.Pointer[[]subscription]
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	eb := &EventBus{logger: logger}
	eb.subs.Store(&[]subscription{})
	return eb
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	next := append(slices.Clone(*eb.subs.Load()), subscription{id: id, eventType: eventType, handler: handler})
	eb.subs.Store(&next)

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		next := slices.DeleteFunc(slices.Clone(*eb.subs.Load()), func(s subscription) bool {
			return s.id == id
		})
		eb.subs.Store(&next)
	}
}

// Emit calls every matching handler. A panicking handler is logged and does
// not stop the others.
func (eb *EventBus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	for _, s := range *eb.subs.Load() {
		if s.eventType != "" && s.eventType != event.Type {
			continue
		}
		eb.call(s.handler, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Outcome is the payload of EventTouchlink.
type Outcome struct {
	Kind      string `json:"kind"`
	Peer      string `json:"peer,omitempty"`
	ShortAddr uint16 `json:"short_addr,omitempty"`
	Endpoint  uint8  `json:"endpoint,omitempty"`
	DeviceID  uint16 `json:"device_id,omitempty"`
	Channel   uint8  `json:"channel"`
	PanID     uint16 `json:"pan_id"`
}

// FrameInfo is the payload of EventFrame.
type FrameInfo struct {
	Direction string `json:"direction"`
	Peer      string `json:"peer"`
	Command   string `json:"command"`
	Channel   uint8  `json:"channel"`
	LQI       uint8  `json:"lqi,omitempty"`
}
