package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"agora/internal/domain"
)

// KafkaPublisher writes events as JSON to one topic, keyed by group so
// each group's events keep their order.
type KafkaPublisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

func NewKafkaPublisher(brokers string, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{logger: logger}
	p.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
		Completion: func(messages []kafkago.Message, err error) {
			if err != nil {
				p.logger.Warn("publish events", "count", len(messages), "error", err)
			}
		},
	}
	return p
}

func (p *KafkaPublisher) EmitTyping(ctx context.Context, groupID string, agentID string) {
	p.write(ctx, Event{Type: EventTyping, GroupID: groupID, AgentID: agentID})
}

func (p *KafkaPublisher) EmitTypingStopped(ctx context.Context, groupID string, agentID string) {
	p.write(ctx, Event{Type: EventTypingStopped, GroupID: groupID, AgentID: agentID})
}

func (p *KafkaPublisher) EmitNewMessage(ctx context.Context, groupID string, msg domain.TranscriptMessage) {
	p.write(ctx, Event{Type: EventNewMessage, GroupID: groupID, AgentID: msg.AuthorID, Message: &msg})
}

func (p *KafkaPublisher) write(ctx context.Context, e Event) {
	e.At = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := p.writer.WriteMessages(ctx, kafkago.Message{Key: []byte(e.GroupID), Value: data, Time: e.At}); err != nil {
		p.logger.Warn("queue event", "group_id", e.GroupID, "type", e.Type, "error", err)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
