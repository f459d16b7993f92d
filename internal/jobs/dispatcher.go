package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agora/internal/clock"
	"agora/internal/domain"
)

type Handler interface {
	Handle(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) error {
	return f(ctx, job)
}

type DispatcherConfig struct {
	FlushWorkers    int
	GenerateWorkers int
	// JobTimeout bounds one handler call.
	JobTimeout time.Duration
	// ErrorBackoff is the pause after Next itself fails.
	ErrorBackoff time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = 2
	}
	if c.GenerateWorkers <= 0 {
		c.GenerateWorkers = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 500 * time.Millisecond
	}
	return c
}

// Dispatcher runs one worker pool per job kind.
type Dispatcher struct {
	queue    Queue
	handlers map[domain.JobKind]Handler
	cfg      DispatcherConfig
	clock    clock.Clock
	logger   *slog.Logger

	wg sync.WaitGroup
}

func NewDispatcher(queue Queue, cfg DispatcherConfig, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:    queue,
		handlers: map[domain.JobKind]Handler{},
		cfg:      cfg.withDefaults(),
		clock:    clk,
		logger:   logger,
	}
}

func (d *Dispatcher) Handle(kind domain.JobKind, h Handler) {
	d.handlers[kind] = h
}

// Start launches the pools, plus the queue's watchdog when it has one.
func (d *Dispatcher) Start(ctx context.Context) {
	if w, ok := d.queue.(interface{ RunWatchdog(context.Context) }); ok {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			w.RunWatchdog(ctx)
		}()
	}
	for kind, h := range d.handlers {
		n := d.cfg.GenerateWorkers
		if kind == domain.JobFlushBuffer {
			n = d.cfg.FlushWorkers
		}
		for i := 0; i < n; i++ {
			d.wg.Add(1)
			go func(kind domain.JobKind, h Handler, worker int) {
				defer d.wg.Done()
				d.workerLoop(ctx, kind, h, worker)
			}(kind, h, i)
		}
	}
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, kind domain.JobKind, h Handler, worker int) {
	for {
		job, err := d.queue.Next(ctx, kind)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			d.logger.Warn("next job", "kind", kind, "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(d.cfg.ErrorBackoff):
			}
			continue
		}
		d.run(ctx, h, job)
	}
}

func (d *Dispatcher) run(ctx context.Context, h Handler, job domain.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	defer cancel()

	started := d.clock.Now()
	err := safeHandle(jobCtx, h, job)
	log := d.logger.With("job_id", job.ID, "kind", job.Kind, "group_id", job.GroupID, "agent_id", job.AgentID)

	// Outcome bookkeeping must survive the job context.
	bookCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if cerr := d.queue.Complete(bookCtx, job); cerr != nil {
			log.Warn("complete job", "error", cerr)
		}
		log.Debug("job done", "took", d.clock.Now().Sub(started))
	case IsPermanent(err):
		log.Warn("job rejected", "error", err)
		if ferr := d.queue.Fail(bookCtx, job, err, false); ferr != nil {
			log.Warn("fail job", "error", ferr)
		}
	default:
		log.Warn("job failed, will retry", "error", err, "attempts", job.Attempts)
		if ferr := d.queue.Fail(bookCtx, job, err, true); ferr != nil {
			log.Warn("retry job", "error", ferr)
		}
	}
}

func safeHandle(ctx context.Context, h Handler, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, job)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
