package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zll-bridge/internal/coordinator"
)

const (
	// statusEvent is the first message on every connection.
	statusEvent = "status"

	// wsReadLimit bounds client frames; clients only send pings and closes.
	wsReadLimit = 4096

	wsWriteTimeout = 10 * time.Second
	wsQueueSize    = 64
	streamBacklog  = 256
)

// subscriber is one WebSocket connection and the event types it asked for.
type subscriber struct {
	out   chan []byte
	types map[string]bool // nil: everything except frames
}

func (s *subscriber) wants(eventType string) bool {
	if s.types == nil {
		return eventType != coordinator.EventFrame
	}
	return s.types[eventType]
}

// parseEventTypes reads the comma separated ?types= filter. An empty filter
// yields nil.
func parseEventTypes(raw string) map[string]bool {
	var types map[string]bool
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]bool)
		}
		types[t] = true
	}
	return types
}

// eventStream fans coordinator events out to WebSocket subscribers. Each
// event is marshalled at most once; a subscriber whose queue is full is
// dropped.
type eventStream struct {
	logger *slog.Logger
	events chan coordinator.Event
	quit   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newEventStream(logger *slog.Logger) *eventStream {
	return &eventStream{
		logger: logger,
		events: make(chan coordinator.Event, streamBacklog),
		quit:   make(chan struct{}),
		subs:   make(map[*subscriber]struct{}),
	}
}

// run delivers published events until close.
func (es *eventStream) run() {
	for {
		select {
		case <-es.quit:
			return
		case ev := <-es.events:
			es.deliver(ev)
		}
	}
}

// publish queues ev without blocking the coordinator loop.
func (es *eventStream) publish(ev coordinator.Event) {
	select {
	case es.events <- ev:
	default:
		es.logger.Warn("ws event queue full, dropping", "type", ev.Type)
	}
}

func (es *eventStream) deliver(ev coordinator.Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	var data []byte
	for sub := range es.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				es.logger.Error("ws marshal", "type", ev.Type, "err", err)
				return
			}
		}
		select {
		case sub.out <- data:
		default:
			delete(es.subs, sub)
			close(sub.out)
			es.logger.Warn("ws subscriber evicted, queue full", "subscribers", len(es.subs))
		}
	}
}

// add registers sub. It reports false once the stream is closed.
func (es *eventStream) add(sub *subscriber) bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return false
	}
	es.subs[sub] = struct{}{}
	es.logger.Debug("ws subscriber added", "subscribers", len(es.subs))
	return true
}

// remove drops sub if it is still registered.
func (es *eventStream) remove(sub *subscriber) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if _, ok := es.subs[sub]; !ok {
		return
	}
	delete(es.subs, sub)
	close(sub.out)
	es.logger.Debug("ws subscriber removed", "subscribers", len(es.subs))
}

func (es *eventStream) count() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.subs)
}

// close stops delivery and ends every subscription. Safe to call twice.
func (es *eventStream) close() {
	es.once.Do(func() {
		close(es.quit)
		es.mu.Lock()
		for sub := range es.subs {
			delete(es.subs, sub)
			close(sub.out)
		}
		es.closed = true
		es.mu.Unlock()
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without an allow-list nhooyr only accepts same-origin upgrades.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sub := &subscriber{
		out:   make(chan []byte, wsQueueSize),
		types: parseEventTypes(r.URL.Query().Get("types")),
	}
	snapshot, err := json.Marshal(coordinator.Event{Type: statusEvent, Time: time.Now(), Data: s.coord.Status()})
	if err != nil {
		s.logger.Error("ws marshal status", "err", err)
		conn.Close(websocket.StatusInternalError, "status unavailable")
		return
	}
	sub.out <- snapshot

	if !s.stream.add(sub) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.stream.remove(sub)

	// The client never sends data; CloseRead handles its pings and close.
	ctx := conn.CloseRead(context.Background())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.out:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
