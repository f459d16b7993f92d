package inflight

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/clock"
)

func TestReserveBlocksOtherJobs(t *testing.T) {
	r := New(clock.Fake(time.Now()), time.Minute)

	require.NoError(t, r.Reserve("g1", "a1", "job-1"))
	assert.ErrorIs(t, r.Reserve("g1", "a1", "job-2"), ErrDoubleScheduled)
	require.NoError(t, r.Reserve("g1", "a2", "job-2"))
	require.NoError(t, r.Reserve("g2", "a1", "job-3"))
	assert.True(t, r.Busy("g1", "a1"))
}

func TestClaimHonoursReservation(t *testing.T) {
	ctx := context.Background()
	r := New(clock.Fake(time.Now()), time.Minute)
	require.NoError(t, r.Reserve("g1", "a1", "job-1"))

	_, _, err := r.Claim(ctx, "g1", "a1", "job-2")
	assert.ErrorIs(t, err, ErrDoubleScheduled)

	_, release, err := r.Claim(ctx, "g1", "a1", "job-1")
	require.NoError(t, err)

	_, _, err = r.Claim(ctx, "g1", "a1", "job-1")
	assert.ErrorIs(t, err, ErrDoubleScheduled)

	release()
	assert.False(t, r.Busy("g1", "a1"))

	_, release, err = r.Claim(ctx, "g1", "a1", "job-2")
	require.NoError(t, err)
	release()
}

func TestStaleReservationLapses(t *testing.T) {
	clk := clock.Fake(time.Now())
	r := New(clk, time.Minute)
	require.NoError(t, r.Reserve("g1", "a1", "job-1"))

	clk.Advance(2 * time.Minute)
	assert.False(t, r.Busy("g1", "a1"))
	require.NoError(t, r.Reserve("g1", "a1", "job-2"))
}

func TestCancelGroupCancelsRunningJobs(t *testing.T) {
	r := New(clock.Fake(time.Now()), time.Minute)
	jobCtx, release, err := r.Claim(context.Background(), "g1", "a1", "job-1")
	require.NoError(t, err)
	defer release()
	require.NoError(t, r.Reserve("g1", "a2", "job-2"))
	_, releaseOther, err := r.Claim(context.Background(), "g2", "a1", "job-3")
	require.NoError(t, err)
	defer releaseOther()

	assert.Equal(t, 1, r.CancelGroup("g1"))
	assert.ErrorIs(t, jobCtx.Err(), context.Canceled)
	assert.False(t, r.Busy("g1", "a2"))
	assert.True(t, r.Busy("g2", "a1"))
	assert.Zero(t, r.CancelGroup("g1"))
}

func TestCancelledClaimHoldsPairUntilReleased(t *testing.T) {
	ctx := context.Background()
	r := New(clock.Fake(time.Now()), time.Minute)
	_, releaseOld, err := r.Claim(ctx, "g1", "a1", "old")
	require.NoError(t, err)

	r.CancelGroup("g1")
	assert.True(t, r.Busy("g1", "a1"))
	_, _, err = r.Claim(ctx, "g1", "a1", "new")
	assert.ErrorIs(t, err, ErrDoubleScheduled)
	assert.ErrorIs(t, r.Reserve("g1", "a1", "new"), ErrDoubleScheduled)

	releaseOld()
	assert.False(t, r.Busy("g1", "a1"))
	_, releaseNew, err := r.Claim(ctx, "g1", "a1", "new")
	require.NoError(t, err)
	releaseNew()
}
