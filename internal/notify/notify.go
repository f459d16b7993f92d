// Package notify fans conversation events out to real-time clients.
// Emission is best effort: nothing is acknowledged and slow consumers
// lose events.
package notify

import (
	"context"
	"sync"
	"time"

	"agora/internal/domain"
)

type EventType string

const (
	EventTyping        EventType = "typing"
	EventTypingStopped EventType = "typing_stopped"
	EventNewMessage    EventType = "new_message"
)

type Event struct {
	Type    EventType                 `json:"type"`
	GroupID string                    `json:"group_id"`
	AgentID string                    `json:"agent_id,omitempty"`
	Message *domain.TranscriptMessage `json:"message,omitempty"`
	At      time.Time                 `json:"at"`
}

type Notifier interface {
	EmitTyping(ctx context.Context, groupID string, agentID string)
	EmitTypingStopped(ctx context.Context, groupID string, agentID string)
	EmitNewMessage(ctx context.Context, groupID string, msg domain.TranscriptMessage)
}

// Multi forwards every event to each notifier in order.
type Multi []Notifier

func (m Multi) EmitTyping(ctx context.Context, groupID string, agentID string) {
	for _, n := range m {
		n.EmitTyping(ctx, groupID, agentID)
	}
}

func (m Multi) EmitTypingStopped(ctx context.Context, groupID string, agentID string) {
	for _, n := range m {
		n.EmitTypingStopped(ctx, groupID, agentID)
	}
}

func (m Multi) EmitNewMessage(ctx context.Context, groupID string, msg domain.TranscriptMessage) {
	for _, n := range m {
		n.EmitNewMessage(ctx, groupID, msg)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) EmitTyping(_ context.Context, groupID string, agentID string) {
	r.add(Event{Type: EventTyping, GroupID: groupID, AgentID: agentID})
}

func (r *Recorder) EmitTypingStopped(_ context.Context, groupID string, agentID string) {
	r.add(Event{Type: EventTypingStopped, GroupID: groupID, AgentID: agentID})
}

func (r *Recorder) EmitNewMessage(_ context.Context, groupID string, msg domain.TranscriptMessage) {
	r.add(Event{Type: EventNewMessage, GroupID: groupID, AgentID: msg.AuthorID, Message: &msg})
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.At = time.Now().UTC()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Messages returns the new-message events of the group in emission order.
func (r *Recorder) Messages(groupID string) []domain.TranscriptMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TranscriptMessage
	for _, e := range r.events {
		if e.Type == EventNewMessage && e.GroupID == groupID && e.Message != nil {
			out = append(out, *e.Message)
		}
	}
	return out
}
