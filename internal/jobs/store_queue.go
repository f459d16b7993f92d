package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"agora/internal/clock"
	"agora/internal/domain"
)

type Store interface {
	CreateJob(ctx context.Context, job domain.Job) (bool, error)
	ListDispatchableJobs(ctx context.Context, kind domain.JobKind, limit int, now time.Time) ([]domain.Job, error)
	ClaimJob(ctx context.Context, jobID string, leaseUntil time.Time) (bool, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, lastError string) error
	RetryJob(ctx context.Context, jobID string, lastError string, retryAt time.Time, maxRetries int) (bool, error)
	RequeueExpiredJobs(ctx context.Context, now time.Time) (int, error)
	CancelGroupJobs(ctx context.Context, groupID string) (int, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type StoreQueueConfig struct {
	PollInterval     time.Duration
	WatchdogInterval time.Duration
	Lease            time.Duration
	RetryDelay       time.Duration
	MaxRetries       int
}

func (c StoreQueueConfig) withDefaults() StoreQueueConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 3 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 90 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// StoreQueue is the durable queue: jobs live in the jobs table, claims
// carry a lease and the watchdog requeues expired leases.
type StoreQueue struct {
	store  Store
	cfg    StoreQueueConfig
	clock  clock.Clock
	logger *slog.Logger
	wake   map[domain.JobKind]chan struct{}
}

func NewStoreQueue(store Store, cfg StoreQueueConfig, clk clock.Clock, logger *slog.Logger) *StoreQueue {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreQueue{
		store:  store,
		cfg:    cfg.withDefaults(),
		clock:  clk,
		logger: logger,
		wake: map[domain.JobKind]chan struct{}{
			domain.JobFlushBuffer:      make(chan struct{}, 1),
			domain.JobGenerateResponse: make(chan struct{}, 1),
		},
	}
}

func (q *StoreQueue) Enqueue(ctx context.Context, job domain.Job) (bool, error) {
	if job.GroupID == "" || job.Kind == "" || job.IdempotencyKey == "" {
		return false, fmt.Errorf("invalid job: required fields are empty")
	}
	var created bool
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		created, err = q.store.CreateJob(ctx, job)
		if err == nil {
			break
		}
		if !isSQLiteBusy(err) {
			break
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	if err != nil {
		return false, err
	}
	if created {
		q.signal(job.Kind)
	}
	return created, nil
}

func (q *StoreQueue) Next(ctx context.Context, kind domain.JobKind) (domain.Job, error) {
	for {
		job, ok, err := q.claimNext(ctx, kind)
		if err != nil {
			return domain.Job{}, err
		}
		if ok {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-q.wake[kind]:
		case <-q.clock.After(q.cfg.PollInterval):
		}
	}
}

func (q *StoreQueue) claimNext(ctx context.Context, kind domain.JobKind) (domain.Job, bool, error) {
	now := q.clock.Now().UTC()
	jobs, err := q.store.ListDispatchableJobs(ctx, kind, 16, now)
	if err != nil {
		if isSQLiteBusy(err) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, err
	}
	for _, job := range jobs {
		claimed, err := q.store.ClaimJob(ctx, job.ID, now.Add(q.cfg.Lease))
		if err != nil {
			q.logger.Warn("claim job failed", "job_id", job.ID, "error", err)
			continue
		}
		if claimed {
			job.Status = domain.JobStatusRunning
			return job, true, nil
		}
	}
	return domain.Job{}, false, nil
}

func (q *StoreQueue) Complete(ctx context.Context, job domain.Job) error {
	return q.store.CompleteJob(ctx, job.ID)
}

func (q *StoreQueue) Fail(ctx context.Context, job domain.Job, cause error, retry bool) error {
	reason := "failed"
	if cause != nil {
		reason = trimText(cause.Error(), 500)
	}
	if !retry {
		if err := q.store.FailJob(ctx, job.ID, reason); err != nil {
			return err
		}
		q.logFailed(ctx, job, reason)
		return nil
	}
	retried, err := q.store.RetryJob(ctx, job.ID, reason, q.clock.Now().UTC().Add(q.cfg.RetryDelay), q.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if !retried {
		q.logFailed(ctx, job, "max retries reached: "+reason)
	}
	return nil
}

func (q *StoreQueue) CancelGroup(ctx context.Context, groupID string) (int, error) {
	return q.store.CancelGroupJobs(ctx, groupID)
}

// RunWatchdog requeues jobs whose lease expired until ctx ends.
func (q *StoreQueue) RunWatchdog(ctx context.Context) {
	ticker := q.clock.NewTicker(q.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.store.RequeueExpiredJobs(ctx, q.clock.Now().UTC())
			if err != nil {
				q.logger.Warn("requeue expired jobs", "error", err)
				continue
			}
			if n > 0 {
				q.logger.Info("requeued expired jobs", "count", n)
				q.signal(domain.JobFlushBuffer)
				q.signal(domain.JobGenerateResponse)
			}
		}
	}
}

func (q *StoreQueue) signal(kind domain.JobKind) {
	ch, ok := q.wake[kind]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *StoreQueue) logFailed(ctx context.Context, job domain.Job, reason string) {
	_ = q.store.LogDecision(ctx, domain.DecisionLog{
		GroupID: job.GroupID,
		Actor:   "dispatcher",
		Action:  "job_failed",
		Reason:  reason,
		Payload: mustJSON(map[string]any{
			"job_id":   job.ID,
			"kind":     job.Kind,
			"agent_id": job.AgentID,
			"attempts": job.Attempts,
		}),
	})
}

// trimText shortens s to at most n runes.
func trimText(s string, n int) string {
	if n <= 3 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
