package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"agora/internal/domain"
)

// Hub delivers events to in-process subscribers of a group.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	buffer int
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[chan Event]struct{}), buffer: buffer, logger: logger}
}

// Subscribe returns the group's event stream and a cancel func that
// closes it.
func (h *Hub) Subscribe(groupID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	if h.subs[groupID] == nil {
		h.subs[groupID] = make(map[chan Event]struct{})
	}
	h.subs[groupID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[groupID], ch)
			if len(h.subs[groupID]) == 0 {
				delete(h.subs, groupID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[groupID])
}

func (h *Hub) EmitTyping(_ context.Context, groupID string, agentID string) {
	h.publish(Event{Type: EventTyping, GroupID: groupID, AgentID: agentID})
}

func (h *Hub) EmitTypingStopped(_ context.Context, groupID string, agentID string) {
	h.publish(Event{Type: EventTypingStopped, GroupID: groupID, AgentID: agentID})
}

func (h *Hub) EmitNewMessage(_ context.Context, groupID string, msg domain.TranscriptMessage) {
	h.publish(Event{Type: EventNewMessage, GroupID: groupID, AgentID: msg.AuthorID, Message: &msg})
}

func (h *Hub) publish(e Event) {
	e.At = time.Now().UTC()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[e.GroupID] {
		select {
		case ch <- e:
		default:
			h.logger.Debug("drop event for slow subscriber", "group_id", e.GroupID, "type", e.Type)
		}
	}
}

// ServeSSE streams the group's events as server-sent events until the
// client goes away.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, groupID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, cancel := h.Subscribe(groupID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
