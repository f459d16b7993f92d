package inproc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/clock"
	"agora/internal/domain"
)

func job(id, group string, kind domain.JobKind) domain.Job {
	return domain.Job{ID: id, Kind: kind, GroupID: group, IdempotencyKey: "key-" + id}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q := New(Config{}, clock.Fake(time.Now()))
	ctx := context.Background()

	created, err := q.Enqueue(ctx, job("j1", "g1", domain.JobFlushBuffer))
	require.NoError(t, err)
	assert.True(t, created)

	dup := job("j2", "g1", domain.JobFlushBuffer)
	dup.IdempotencyKey = "key-j1"
	created, err = q.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, q.Jobs(), 1)
}

func TestNextFiltersByKind(t *testing.T) {
	q := New(Config{}, clock.Fake(time.Now()))
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, job("flush", "g1", domain.JobFlushBuffer))
	_, _ = q.Enqueue(ctx, job("gen", "g1", domain.JobGenerateResponse))

	got, err := q.Next(ctx, domain.JobGenerateResponse)
	require.NoError(t, err)
	assert.Equal(t, "gen", got.ID)
	assert.Equal(t, domain.JobStatusRunning, got.Status)
}

func TestCapacity(t *testing.T) {
	q := New(Config{Capacity: 1}, clock.Fake(time.Now()))
	ctx := context.Background()
	_, err := q.Enqueue(ctx, job("j1", "g1", domain.JobFlushBuffer))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job("j2", "g1", domain.JobFlushBuffer))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestFailRetriesUntilBudget(t *testing.T) {
	clk := clock.Fake(time.Now())
	q := New(Config{MaxRetries: 2, RetryDelay: time.Second}, clk)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, job("j1", "g1", domain.JobFlushBuffer))

	got, err := q.Next(ctx, domain.JobFlushBuffer)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got, errors.New("store timeout"), true))
	stored, _ := q.Get("j1")
	assert.Equal(t, domain.JobStatusPending, stored.Status)

	clk.Advance(time.Second)
	got, err = q.Next(ctx, domain.JobFlushBuffer)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got, errors.New("store timeout"), true))
	stored, _ = q.Get("j1")
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestCancelGroup(t *testing.T) {
	q := New(Config{}, clock.Fake(time.Now()))
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, job("a", "g1", domain.JobGenerateResponse))
	_, _ = q.Enqueue(ctx, job("b", "g1", domain.JobGenerateResponse))
	_, _ = q.Enqueue(ctx, job("c", "g2", domain.JobGenerateResponse))
	running, err := q.Next(ctx, domain.JobGenerateResponse)
	require.NoError(t, err)
	require.Equal(t, "a", running.ID)

	n, err := q.CancelGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Completing a cancelled job leaves it cancelled.
	require.NoError(t, q.Complete(ctx, running))
	stored, _ := q.Get("a")
	assert.Equal(t, domain.JobStatusCancelled, stored.Status)

	got, err := q.Next(ctx, domain.JobGenerateResponse)
	require.NoError(t, err)
	assert.Equal(t, "c", got.ID)
}

func TestNextHonoursContext(t *testing.T) {
	q := New(Config{}, clock.Real())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx, domain.JobFlushBuffer)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
