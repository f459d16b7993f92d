// Package inproc is an in-memory job queue for tests and single-process
// demos.
package inproc

import (
	"context"
	"errors"
	"sync"
	"time"

	"agora/internal/clock"
	"agora/internal/domain"
)

var ErrQueueFull = errors.New("job queue is full")

type Config struct {
	Capacity     int
	MaxRetries   int
	RetryDelay   time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

type Queue struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	jobs    map[string]*domain.Job
	pending []string
	keys    map[string]string
	changed chan struct{}
}

func New(cfg Config, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		jobs:    make(map[string]*domain.Job),
		keys:    make(map[string]string),
		changed: make(chan struct{}),
	}
}

func (q *Queue) Enqueue(_ context.Context, job domain.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.keys[job.IdempotencyKey]; dup && job.IdempotencyKey != "" {
		return false, nil
	}
	if len(q.pending) >= q.cfg.Capacity {
		return false, ErrQueueFull
	}
	job.Status = domain.JobStatusPending
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = q.clock.Now()
	}
	stored := job
	q.jobs[job.ID] = &stored
	if job.IdempotencyKey != "" {
		q.keys[job.IdempotencyKey] = job.ID
	}
	q.pending = append(q.pending, job.ID)
	q.broadcastLocked()
	return true, nil
}

func (q *Queue) Next(ctx context.Context, kind domain.JobKind) (domain.Job, error) {
	for {
		q.mu.Lock()
		if job, ok := q.takeLocked(kind); ok {
			q.mu.Unlock()
			return job, nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-changed:
		case <-q.clock.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) takeLocked(kind domain.JobKind) (domain.Job, bool) {
	now := q.clock.Now()
	for i, id := range q.pending {
		job := q.jobs[id]
		if job.Kind != kind || job.NextAttemptAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		job.Status = domain.JobStatusRunning
		return *job, true
	}
	return domain.Job{}, false
}

func (q *Queue) Complete(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if stored, ok := q.jobs[job.ID]; ok && stored.Status == domain.JobStatusRunning {
		stored.Status = domain.JobStatusDone
		stored.LastError = ""
	}
	return nil
}

func (q *Queue) Fail(_ context.Context, job domain.Job, cause error, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.jobs[job.ID]
	if !ok || stored.Status != domain.JobStatusRunning {
		return nil
	}
	if cause != nil {
		stored.LastError = cause.Error()
	}
	stored.Attempts++
	if !retry || stored.Attempts >= q.cfg.MaxRetries {
		stored.Status = domain.JobStatusFailed
		return nil
	}
	stored.Status = domain.JobStatusPending
	stored.NextAttemptAt = q.clock.Now().Add(q.cfg.RetryDelay)
	q.pending = append(q.pending, stored.ID)
	q.broadcastLocked()
	return nil
}

func (q *Queue) CancelGroup(_ context.Context, groupID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	kept := q.pending[:0]
	for _, id := range q.pending {
		if q.jobs[id].GroupID != groupID {
			kept = append(kept, id)
		}
	}
	q.pending = kept
	for _, job := range q.jobs {
		if job.GroupID != groupID {
			continue
		}
		if job.Status == domain.JobStatusPending || job.Status == domain.JobStatusRunning {
			job.Status = domain.JobStatusCancelled
			n++
		}
	}
	return n, nil
}

// Jobs returns a snapshot of every job the queue has seen.
func (q *Queue) Jobs() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	return out
}

func (q *Queue) Get(jobID string) (domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return domain.Job{}, false
	}
	return *job, true
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
