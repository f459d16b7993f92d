package ordering

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/clock"
)

func TestRankZeroNeverWaits(t *testing.T) {
	b := New(clock.Fake(time.Now()), time.Second)
	require.NoError(t, b.Wait(context.Background(), "f1", 0, 3))
}

func TestWaitReleasesInRankOrder(t *testing.T) {
	b := New(clock.Real(), 5*time.Second)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for _, rank := range []int{2, 1, 0} {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			assert.NoError(t, b.Wait(context.Background(), "f1", rank, 3))
			mu.Lock()
			order = append(order, rank)
			mu.Unlock()
			b.Done("f1", rank, 3)
		}(rank)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Zero(t, b.Pending())
}

func TestFailedRankStillUnblocks(t *testing.T) {
	b := New(clock.Real(), 5*time.Second)
	errCh := make(chan error, 1)
	go func() { errCh <- b.Wait(context.Background(), "f1", 1, 2) }()

	b.Done("f1", 0, 2)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("rank 1 still blocked after rank 0 finished")
	}
}

func TestWaitTimesOut(t *testing.T) {
	clk := clock.Fake(time.Now())
	b := New(clk, 10*time.Second)
	errCh := make(chan error, 1)
	go func() { errCh <- b.Wait(context.Background(), "f1", 1, 2) }()

	clk.WaitForTimers(1)
	clk.Advance(11 * time.Second)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not time out")
	}
}

func TestWaitAfterFlushFinished(t *testing.T) {
	b := New(clock.Fake(time.Now()), time.Second)
	b.Done("f1", 0, 2)
	b.Done("f1", 1, 2)
	assert.Zero(t, b.Pending())
	require.NoError(t, b.Wait(context.Background(), "f1", 1, 2))
}
