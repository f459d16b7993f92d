// Package kafka carries jobs over Kafka topics, one topic per job kind.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"agora/internal/clock"
	"agora/internal/domain"
)

type Config struct {
	Brokers       string
	TopicPrefix   string
	ConsumerGroup string
	MaxRetries    int
	RetryDelay    time.Duration
	// SeenKeys bounds the idempotency key memory.
	SeenKeys int
}

func (c Config) withDefaults() Config {
	if c.Brokers == "" {
		c.Brokers = "localhost:9092"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "agora.jobs"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "agora-workers"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.SeenKeys <= 0 {
		c.SeenKeys = 10000
	}
	return c
}

// Queue writes jobs keyed by group so a group's jobs stay on one
// partition. Offsets are committed when a job completes or fails.
type Queue struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	writer *kafkago.Writer

	mu        sync.Mutex
	readers   map[domain.JobKind]*kafkago.Reader
	inflight  map[string]inflightJob
	seen      map[string]struct{}
	seenOrder []string
	cancelled map[string]time.Time
}

type inflightJob struct {
	reader *kafkago.Reader
	msg    kafkago.Message
}

func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Queue {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(strings.Split(cfg.Brokers, ",")...),
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireOne,
		},
		readers:   map[domain.JobKind]*kafkago.Reader{},
		inflight:  map[string]inflightJob{},
		seen:      map[string]struct{}{},
		cancelled: map[string]time.Time{},
	}
}

// Topic names the topic that carries kind.
func (q *Queue) Topic(kind domain.JobKind) string {
	return q.cfg.TopicPrefix + "." + strings.ToLower(string(kind))
}

func (q *Queue) Enqueue(ctx context.Context, job domain.Job) (bool, error) {
	if !q.remember(job.IdempotencyKey) {
		return false, nil
	}
	if err := q.publish(ctx, job); err != nil {
		q.forget(job.IdempotencyKey)
		return false, err
	}
	return true, nil
}

func (q *Queue) publish(ctx context.Context, job domain.Job) error {
	value, err := encodeJob(job)
	if err != nil {
		return err
	}
	err = q.writer.WriteMessages(ctx, kafkago.Message{
		Topic: q.Topic(job.Kind),
		Key:   []byte(job.GroupID),
		Value: value,
		Time:  q.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// Next fetches the next job of kind. Jobs of cancelled groups are
// committed and skipped; jobs scheduled for later are held until due.
func (q *Queue) Next(ctx context.Context, kind domain.JobKind) (domain.Job, error) {
	reader := q.reader(kind)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return domain.Job{}, fmt.Errorf("fetch %s: %w", q.Topic(kind), err)
		}
		job, err := decodeJob(msg.Value)
		if err != nil {
			q.logger.Warn("drop undecodable job", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		if q.isCancelled(job) {
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		if wait := job.NextAttemptAt.Sub(q.clock.Now()); wait > 0 {
			select {
			case <-ctx.Done():
				return domain.Job{}, ctx.Err()
			case <-q.clock.After(wait):
			}
		}
		job.Status = domain.JobStatusRunning
		q.mu.Lock()
		q.inflight[job.ID] = inflightJob{reader: reader, msg: msg}
		q.mu.Unlock()
		return job, nil
	}
}

func (q *Queue) Complete(ctx context.Context, job domain.Job) error {
	return q.commit(ctx, job.ID)
}

// Fail republishes the job with a bumped attempt count while retries
// remain, then commits the original record.
func (q *Queue) Fail(ctx context.Context, job domain.Job, cause error, retry bool) error {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if retry && job.Attempts < q.cfg.MaxRetries && !q.isCancelled(job) {
		job.NextAttemptAt = q.clock.Now().Add(q.cfg.RetryDelay)
		if err := q.publish(ctx, job); err != nil {
			return err
		}
	} else {
		q.logger.Warn("job failed", "job_id", job.ID, "kind", job.Kind, "group_id", job.GroupID,
			"attempts", job.Attempts, "error", job.LastError)
	}
	return q.commit(ctx, job.ID)
}

// CancelGroup drops every job of the group created before now. Kafka
// cannot report how many records that affects, so it returns 0.
func (q *Queue) CancelGroup(_ context.Context, groupID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[groupID] = q.clock.Now()
	return 0, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	readers := q.readers
	q.readers = map[domain.JobKind]*kafkago.Reader{}
	q.mu.Unlock()
	for _, r := range readers {
		_ = r.Close()
	}
	return q.writer.Close()
}

func (q *Queue) reader(kind domain.JobKind) *kafkago.Reader {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.readers[kind]; ok {
		return r
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  strings.Split(q.cfg.Brokers, ","),
		Topic:    q.Topic(kind),
		GroupID:  q.cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	q.readers[kind] = r
	return r
}

func (q *Queue) commit(ctx context.Context, jobID string) error {
	q.mu.Lock()
	held, ok := q.inflight[jobID]
	delete(q.inflight, jobID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := held.reader.CommitMessages(ctx, held.msg); err != nil {
		return fmt.Errorf("commit job %s: %w", jobID, err)
	}
	return nil
}

func (q *Queue) isCancelled(job domain.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.cancelled[job.GroupID]
	return ok && !job.CreatedAt.After(at)
}

// remember records key and reports whether it was new.
func (q *Queue) remember(key string) bool {
	if key == "" {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.seen[key]; dup {
		return false
	}
	q.seen[key] = struct{}{}
	q.seenOrder = append(q.seenOrder, key)
	if len(q.seenOrder) > q.cfg.SeenKeys {
		oldest := q.seenOrder[0]
		q.seenOrder = q.seenOrder[1:]
		delete(q.seen, oldest)
	}
	return true
}

func (q *Queue) forget(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.seen, key)
}
