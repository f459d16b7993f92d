package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/clock"
	"agora/internal/domain"
	"agora/internal/messaging/inproc"
	"agora/internal/store/sqlite"
)

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(errors.Join(errors.New("ctx"), err)))
}

func TestGenerateJobRoundTrip(t *testing.T) {
	req := domain.GenerateRequest{FlushID: "f1", Rank: 1, FlushSize: 2, Hints: domain.Hints{ToneHint: "tense"}}
	job, err := NewGenerateJob("g1", "mira", req, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "gen:f1:mira", job.IdempotencyKey)

	got, err := DecodeGenerate(job)
	require.NoError(t, err)
	assert.Equal(t, req.Rank, got.Rank)
	assert.Equal(t, "tense", got.Hints.ToneHint)

	_, err = DecodeGenerate(domain.Job{Payload: []byte("{")})
	assert.True(t, IsPermanent(err))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherOutcomes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue := inproc.New(inproc.Config{MaxRetries: 3, RetryDelay: time.Millisecond, PollInterval: 5 * time.Millisecond}, clock.Real())

	var calls atomic.Int32
	d := NewDispatcher(queue, DispatcherConfig{FlushWorkers: 1, GenerateWorkers: 2}, clock.Real(), nil)
	d.Handle(domain.JobFlushBuffer, HandlerFunc(func(ctx context.Context, job domain.Job) error {
		calls.Add(1)
		switch job.GroupID {
		case "transient":
			return errors.New("store timeout")
		case "permanent":
			return Permanent(errors.New("bad payload"))
		case "panic":
			panic("boom")
		}
		return nil
	}))
	d.Start(ctx)

	for _, group := range []string{"ok", "transient", "permanent", "panic"} {
		_, err := queue.Enqueue(ctx, NewFlushJob(group, "t1", time.Now()))
		require.NoError(t, err)
	}

	status := func(group string) domain.JobStatus {
		for _, job := range queue.Jobs() {
			if job.GroupID == group {
				return job.Status
			}
		}
		return ""
	}
	waitFor(t, func() bool {
		return status("ok") == domain.JobStatusDone &&
			status("transient") == domain.JobStatusFailed &&
			status("permanent") == domain.JobStatusFailed &&
			status("panic") == domain.JobStatusFailed
	})
	// ok + permanent + panic once each, transient three times.
	assert.Equal(t, int32(6), calls.Load())

	cancel()
	d.Wait()
}

func TestDispatcherJobTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue := inproc.New(inproc.Config{MaxRetries: 1, PollInterval: 5 * time.Millisecond}, clock.Real())
	d := NewDispatcher(queue, DispatcherConfig{JobTimeout: 20 * time.Millisecond}, clock.Real(), nil)
	d.Handle(domain.JobGenerateResponse, HandlerFunc(func(ctx context.Context, job domain.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	d.Start(ctx)

	job, err := NewGenerateJob("g1", "a1", domain.GenerateRequest{FlushID: "f1"}, time.Now())
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, job)
	require.NoError(t, err)

	waitFor(t, func() bool {
		got, _ := queue.Get(job.ID)
		return got.Status == domain.JobStatusFailed
	})
	got, _ := queue.Get(job.ID)
	assert.Contains(t, got.LastError, "deadline exceeded")
	cancel()
	d.Wait()
}

func newStoreQueue(t *testing.T) (*StoreQueue, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	q := NewStoreQueue(store, StoreQueueConfig{
		PollInterval: 5 * time.Millisecond,
		RetryDelay:   time.Millisecond,
		MaxRetries:   2,
	}, clock.Real(), nil)
	return q, store
}

func TestStoreQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	q, store := newStoreQueue(t)

	job := NewFlushJob("g1", "tok", time.Now())
	created, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = q.Enqueue(ctx, NewFlushJob("g1", "tok", time.Now()))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := q.Next(ctx, domain.JobFlushBuffer)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	require.NoError(t, q.Fail(ctx, got, errors.New("busy"), true))
	time.Sleep(5 * time.Millisecond)
	got, err = q.Next(ctx, domain.JobFlushBuffer)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got, errors.New("busy"), true))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)

	decisions, err := store.ListGroupDecisions(ctx, "g1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	assert.Equal(t, "job_failed", decisions[0].Action)
}

func TestStoreQueueCancelGroup(t *testing.T) {
	ctx := context.Background()
	q, store := newStoreQueue(t)
	job, err := NewGenerateJob("g1", "a1", domain.GenerateRequest{FlushID: "f1"}, time.Now())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job)
	require.NoError(t, err)

	n, err := q.CancelGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, stored.Status)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Next(short, domain.JobGenerateResponse)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrimTextCutsOnRuneBoundary(t *testing.T) {
	got := trimText("zürich straße überfüllt", 8)
	assert.Equal(t, "züric...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 8, utf8.RuneCountInString(got))
	assert.Equal(t, "kurz", trimText("kurz", 8))
}
