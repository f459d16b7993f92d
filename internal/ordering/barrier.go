// Package ordering holds back a flush's replies until every
// better-ranked reply of the same flush has finished.
package ordering

import (
	"context"
	"errors"
	"sync"
	"time"

	"agora/internal/clock"
)

var ErrTimeout = errors.New("order barrier wait timed out")

type flushState struct {
	size    int
	done    map[int]bool
	changed chan struct{}
}

type Barrier struct {
	mu       sync.Mutex
	flushes  map[string]*flushState
	finished map[string]time.Time
	clock    clock.Clock
	timeout  time.Duration
}

// New returns a barrier whose waits give up after timeout.
func New(clk clock.Clock, timeout time.Duration) *Barrier {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Barrier{
		flushes:  map[string]*flushState{},
		finished: map[string]time.Time{},
		clock:    clk,
		timeout:  timeout,
	}
}

// Wait blocks until ranks 0..rank-1 of flushID are done. On timeout it
// returns ErrTimeout and the caller proceeds out of order.
func (b *Barrier) Wait(ctx context.Context, flushID string, rank int, size int) error {
	var deadline <-chan time.Time
	for {
		b.mu.Lock()
		if b.readyLocked(flushID, rank, size) {
			b.mu.Unlock()
			return nil
		}
		changed := b.stateLocked(flushID, size).changed
		b.mu.Unlock()

		if deadline == nil {
			deadline = b.clock.After(b.timeout)
		}
		select {
		case <-changed:
		case <-deadline:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done marks rank finished, whatever its outcome.
func (b *Barrier) Done(flushID string, rank int, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.finished[flushID]; ok {
		return
	}
	st := b.stateLocked(flushID, size)
	if st.done[rank] {
		return
	}
	st.done[rank] = true
	close(st.changed)
	st.changed = make(chan struct{})
	if len(st.done) >= st.size {
		delete(b.flushes, flushID)
		b.finished[flushID] = b.clock.Now()
		b.pruneLocked()
	}
}

// Pending reports how many flushes still have outstanding ranks.
func (b *Barrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.flushes)
}

func (b *Barrier) readyLocked(flushID string, rank int, size int) bool {
	if rank <= 0 {
		return true
	}
	if _, ok := b.finished[flushID]; ok {
		return true
	}
	st := b.stateLocked(flushID, size)
	for r := 0; r < rank; r++ {
		if !st.done[r] {
			return false
		}
	}
	return true
}

func (b *Barrier) stateLocked(flushID string, size int) *flushState {
	st, ok := b.flushes[flushID]
	if !ok {
		if size < 1 {
			size = 1
		}
		st = &flushState{size: size, done: map[int]bool{}, changed: make(chan struct{})}
		b.flushes[flushID] = st
	}
	return st
}

func (b *Barrier) pruneLocked() {
	cutoff := b.clock.Now().Add(-10 * b.timeout)
	for id, at := range b.finished {
		if at.Before(cutoff) {
			delete(b.finished, id)
		}
	}
}
