package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"s7link/logging"
	"s7link/poller"
)

// Event type names sent on /events.
const (
	eventValueChange = "value-change"
	eventHealth      = "health"
)

// event is one message for the SSE stream.
type event struct {
	Type string
	PLC  string // set when the event is PLC-specific (for filtering)
	Tag  string // set when the event is tag-specific (for filtering)
	Data interface{}
}

// valueUpdate is the JSON payload for value-change events.
type valueUpdate struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// healthUpdate is the JSON payload for health events.
type healthUpdate struct {
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type sseClient struct {
	id     string
	events chan event
}

// EventHub fans poller output out to connected SSE clients. It is a
// poller.Sink.
type EventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan event
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
	nextID     atomic.Uint64
}

// NewEventHub creates a hub and starts its dispatch loop.
func NewEventHub() *EventHub {
	hub := &EventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan event, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *EventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- ev:
				default:
					logging.DebugLog("api", "events client %s buffer full, dropping %s event", client.id, ev.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Name identifies the hub as a poller sink.
func (h *EventHub) Name() string { return "events" }

func (h *EventHub) send(ev event) {
	select {
	case h.broadcast <- ev:
	default:
		logging.DebugLog("api", "events broadcast channel full, dropping %s event", ev.Type)
	}
}

// PublishChanges broadcasts one value-change event per change.
func (h *EventHub) PublishChanges(changes []poller.ValueChange) {
	for _, c := range changes {
		h.send(event{
			Type: eventValueChange,
			PLC:  c.PLCName,
			Tag:  c.TagName,
			Data: valueUpdate{
				PLC:       c.PLCName,
				Tag:       c.TagName,
				Address:   c.Address,
				Value:     c.Value,
				Type:      c.TypeName,
				Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
	}
}

// PublishHealth broadcasts a health event.
func (h *EventHub) PublishHealth(hs poller.Health) {
	h.send(event{
		Type: eventHealth,
		PLC:  hs.PLC,
		Data: healthUpdate{
			PLC:       hs.PLC,
			Online:    hs.Online,
			Status:    hs.Status,
			Error:     hs.Error,
			Timestamp: hs.Timestamp.UTC().Format(time.RFC3339),
		},
	})
}

// ClientCount returns the number of connected SSE clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop ends the dispatch loop and closes every client stream.
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func splitFilter(s string) map[string]bool {
	if s == "" {
		return nil
	}
	m := make(map[string]bool)
	for _, v := range strings.Split(s, ",") {
		m[strings.TrimSpace(v)] = true
	}
	return m
}

// handleEvents serves the /events SSE stream. Optional filters: types,
// plc and tags (comma separated).
func (h *handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	typeFilter := splitFilter(q.Get("types"))
	plcFilter := q.Get("plc")
	tagFilter := splitFilter(q.Get("tags"))

	client := &sseClient{
		id:     fmt.Sprintf("events-%d", h.hub.nextID.Add(1)),
		events: make(chan event, 64),
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("event stream stopped"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case ev, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[ev.Type] {
				continue
			}
			if plcFilter != "" && ev.PLC != "" && ev.PLC != plcFilter {
				continue
			}
			if tagFilter != nil && ev.Tag != "" && !tagFilter[ev.Tag] {
				continue
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
