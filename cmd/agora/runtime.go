package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agora/internal/buffer"
	"agora/internal/clock"
	"agora/internal/config"
	"agora/internal/director"
	"agora/internal/disposition"
	"agora/internal/domain"
	"agora/internal/generation"
	"agora/internal/inflight"
	"agora/internal/jobs"
	"agora/internal/loopdetect"
	"agora/internal/messaging/inproc"
	"agora/internal/messaging/kafka"
	"agora/internal/notify"
	"agora/internal/ordering"
	"agora/internal/policy"
	"agora/internal/scene"
	sqlitestore "agora/internal/store/sqlite"
	"agora/internal/tension"
	"agora/internal/timing"
	"agora/internal/worker"
)

const defaultDBPath = "data/agora.db"

// engine is the fully wired orchestration stack behind `agora serve`.
type engine struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *sqlitestore.Store
	hub        *notify.Hub
	buffer     *buffer.Buffer
	director   *director.Director
	dispatcher *jobs.Dispatcher
	catalog    *scene.Catalog

	closers []func() error
}

func openStore(ctx context.Context, dbPath string) (*sqlitestore.Store, error) {
	dbPath = filepath.Clean(firstNonEmpty(dbPath, defaultDBPath))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, nil
}

func newEngine(ctx context.Context, cfg config.Config, store *sqlitestore.Store, logger *slog.Logger) (*engine, error) {
	clk := clock.Real()
	e := &engine{cfg: cfg, logger: logger, store: store}

	catalog, err := scene.LoadCatalog(cfg.Scene.CatalogPath)
	if err != nil {
		return nil, err
	}
	e.catalog = catalog

	queue, err := e.newQueue(clk)
	if err != nil {
		return nil, err
	}

	e.hub = notify.NewHub(64, logger.With("component", "hub"))
	var notifier notify.Notifier = e.hub
	if topic := strings.TrimSpace(cfg.Events.KafkaTopic); topic != "" {
		publisher := notify.NewKafkaPublisher(firstNonEmpty(cfg.Queue.Brokers, "localhost:9092"), topic,
			logger.With("component", "events"))
		e.closers = append(e.closers, publisher.Close)
		notifier = notify.Multi{e.hub, publisher}
	}

	scorer := disposition.NewScorer(disposition.Config{
		Alpha:         cfg.Director.SmoothingAlpha,
		RecencyWindow: durationMS(cfg.Director.RecencyWindowMS, 0),
	})
	gate := policy.NewAvailability(store, policy.Config{
		MaxActiveSpeakers: cfg.Availability.MaxActiveSpeakers,
		BaseSpacing:       durationMS(cfg.Availability.BaseSpacingMS, 0),
		ReferenceSize:     cfg.Availability.ReferenceSize,
		JitterFraction:    floatOrDefault(cfg.Availability.JitterFraction, 0.25),
		AllowAdjacent:     cfg.Availability.AllowAdjacent,
	}, clk, uint64(time.Now().UnixNano()))
	loops := loopdetect.New(store, loopdetect.Config{
		Window:              cfg.Loop.Window,
		SimilarityThreshold: cfg.Loop.SimilarityThreshold,
		Mode:                loopdetect.Mode(cfg.Loop.Action),
	})
	seeds := tension.NewManager(store, tension.Config{
		DefaultMaxTurns: cfg.Tension.DefaultMaxTurns,
		EscalationRatio: cfg.Tension.EscalationRatio,
		Levels:          cfg.Tension.Levels,
		ResolutionTurns: cfg.Tension.ResolutionTurns,
		LatentTTL:       durationMS(cfg.Tension.LatentTTLMS, 0),
		ConflictCues:    cfg.Tension.ConflictCues,
		ResolutionCues:  cfg.Tension.ResolutionCues,
	}, clk, logger.With("component", "tension"))
	scenes := scene.NewExecutor(store, catalog, clk, logger.With("component", "scene"))
	reservations := inflight.New(clk, 0)
	barrier := ordering.New(clk, durationMS(cfg.Worker.BarrierTimeoutMS, 0))

	var journal buffer.Journal
	if cfg.Buffer.Journal {
		journal = store
	}
	// The buffer signals the director, which drains the buffer.
	var dir *director.Director
	e.buffer = buffer.New(buffer.Config{
		Debounce: durationMS(cfg.Buffer.DebounceMS, 0),
		MaxBatch: cfg.Buffer.MaxBatch,
	}, clk, journal, func(groupID string, token string) {
		dir.SignalFlush(groupID, token)
	}, logger.With("component", "buffer"))

	dir = director.New(store, director.Components{
		Buffer:   e.buffer,
		Queue:    queue,
		Scorer:   scorer,
		Gate:     gate,
		Loops:    loops,
		Tension:  seeds,
		Scenes:   scenes,
		Inflight: reservations,
		Barrier:  barrier,
		Notifier: notifier,
		Clock:    clk,
	}, director.Config{
		PacingK:            cfg.Director.PacingK,
		InitialDisposition: cfg.Director.InitialDisposition,
		MinDisposition:     cfg.Director.MinDisposition,
	}, logger.With("component", "director"))
	e.director = dir

	replies := worker.New(store, worker.Components{
		Generator: newGenerator(cfg.Model, logger),
		Claims:    reservations,
		Barrier:   barrier,
		Timing: timing.New(timing.Config{
			ReadingBase:        durationMS(cfg.Timing.ReadingBaseMS, 0),
			ReadingCharsPerSec: cfg.Timing.ReadingCharsPerSec,
			MaxReading:         durationMS(cfg.Timing.MaxReadingMS, 0),
			TypingCharsPerSec:  cfg.Timing.TypingCharsPerSec,
			MinTyping:          durationMS(cfg.Timing.MinTypingMS, 0),
			MaxTyping:          durationMS(cfg.Timing.MaxTypingMS, 0),
			DefaultReplyChars:  cfg.Timing.DefaultReplyChars,
		}),
		Scorer:   scorer,
		Loops:    loops,
		Tension:  seeds,
		Scenes:   scenes,
		Notifier: notifier,
		Clock:    clk,
	}, worker.Config{
		GenerationTimeout: durationMS(cfg.Worker.GenerationTimeoutMS, 0),
		ContextMessages:   cfg.Director.ContextMessages,
		SatiationRaw:      floatOrDefault(cfg.Worker.SatiationRaw, 0.1),
	}, logger.With("component", "worker"))

	e.dispatcher = jobs.NewDispatcher(queue, jobs.DispatcherConfig{
		FlushWorkers:    cfg.Queue.FlushWorkers,
		GenerateWorkers: cfg.Queue.GenerateWorkers,
		JobTimeout:      durationMS(cfg.Queue.JobTimeoutMS, 0),
	}, clk, logger.With("component", "dispatcher"))
	e.dispatcher.Handle(domain.JobFlushBuffer, dir)
	e.dispatcher.Handle(domain.JobGenerateResponse, replies)

	if n, err := e.buffer.Recover(ctx); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Info("buffer recovered", "messages", n)
	}
	return e, nil
}

func (e *engine) newQueue(clk clock.Clock) (jobs.Queue, error) {
	q := e.cfg.Queue
	retryDelay := durationMS(q.RetryDelayMS, 0)
	switch strings.ToLower(firstNonEmpty(q.Backend, "sqlite")) {
	case "sqlite":
		return jobs.NewStoreQueue(e.store, jobs.StoreQueueConfig{
			PollInterval:     durationMS(q.PollIntervalMS, 0),
			WatchdogInterval: durationMS(q.WatchdogIntervalMS, 0),
			Lease:            durationMS(q.LeaseMS, 0),
			RetryDelay:       retryDelay,
			MaxRetries:       q.MaxRetries,
		}, clk, e.logger.With("component", "queue")), nil
	case "memory":
		return inproc.New(inproc.Config{
			MaxRetries:   q.MaxRetries,
			RetryDelay:   retryDelay,
			PollInterval: durationMS(q.PollIntervalMS, 0),
		}, clk), nil
	case "kafka":
		kq := kafka.New(kafka.Config{
			Brokers:       q.Brokers,
			TopicPrefix:   q.TopicPrefix,
			ConsumerGroup: q.ConsumerGroup,
			MaxRetries:    q.MaxRetries,
			RetryDelay:    retryDelay,
		}, clk, e.logger.With("component", "queue"))
		e.closers = append(e.closers, kq.Close)
		return kq, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", q.Backend)
	}
}

func newGenerator(cfg config.ModelConfig, logger *slog.Logger) generation.Generator {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic":
		return generation.NewAnthropic(generation.AnthropicConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Name,
			MaxTokens:   int64(cfg.MaxTokens),
			Temperature: cfg.Temperature,
		})
	case "openai":
		return generation.NewOpenAI(generation.OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Name,
			MaxTokens:   int64(cfg.MaxTokens),
			Temperature: cfg.Temperature,
		})
	case "", "scripted":
		return generation.NewScripted(800 * time.Millisecond)
	default:
		logger.Warn("unknown model provider, using scripted replies", "provider", cfg.Provider)
		return generation.NewScripted(800 * time.Millisecond)
	}
}

func (e *engine) Start(ctx context.Context) {
	e.dispatcher.Start(ctx)
}

// Close waits for the dispatcher, which stops with ctx, then releases
// transports. The store belongs to the caller.
func (e *engine) Close() {
	e.dispatcher.Wait()
	for _, c := range e.closers {
		if err := c(); err != nil {
			e.logger.Warn("close transport", "err", err)
		}
	}
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func floatOrDefault(v float64, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
