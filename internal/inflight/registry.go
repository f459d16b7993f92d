// Package inflight tracks which (group, agent) pairs have a response
// job reserved or running.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agora/internal/clock"
)

var ErrDoubleScheduled = errors.New("agent already has a response in flight")

type key struct {
	groupID string
	agentID string
}

type entry struct {
	jobID      string
	reservedAt time.Time
	claimed    bool
	cancelled  bool
	cancel     context.CancelFunc
}

// Registry holds at most one job per (group, agent). Reservations that
// are never claimed lapse after ReservationTTL.
type Registry struct {
	mu      sync.Mutex
	entries map[key]*entry
	clock   clock.Clock
	ttl     time.Duration
}

func New(clk clock.Clock, reservationTTL time.Duration) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if reservationTTL <= 0 {
		reservationTTL = 2 * time.Minute
	}
	return &Registry{entries: map[key]*entry{}, clock: clk, ttl: reservationTTL}
}

// Reserve marks the pair as owned by jobID ahead of enqueueing.
func (r *Registry) Reserve(groupID, agentID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{groupID, agentID}
	if cur, ok := r.entries[k]; ok && cur.jobID != jobID && !r.lapsedLocked(cur) {
		return fmt.Errorf("reserve %s/%s for job %s (held by %s): %w", groupID, agentID, jobID, cur.jobID, ErrDoubleScheduled)
	}
	r.entries[k] = &entry{jobID: jobID, reservedAt: r.clock.Now()}
	return nil
}

// Claim starts execution of jobID for the pair. It succeeds on the job's
// own reservation or a free pair. The returned context is cancelled by
// CancelGroup; release must be called when the job ends.
func (r *Registry) Claim(ctx context.Context, groupID, agentID, jobID string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{groupID, agentID}
	cur, ok := r.entries[k]
	if ok && cur.jobID != jobID && (cur.claimed || !r.lapsedLocked(cur)) {
		return nil, nil, fmt.Errorf("claim %s/%s for job %s (held by %s): %w", groupID, agentID, jobID, cur.jobID, ErrDoubleScheduled)
	}
	if ok && cur.jobID == jobID && cur.claimed {
		return nil, nil, fmt.Errorf("claim %s/%s for job %s twice: %w", groupID, agentID, jobID, ErrDoubleScheduled)
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r.entries[k] = &entry{jobID: jobID, reservedAt: r.clock.Now(), claimed: true, cancel: cancel}
	release := func() {
		cancel()
		r.Release(groupID, agentID, jobID)
	}
	return jobCtx, release, nil
}

// Release frees the pair if jobID still owns it.
func (r *Registry) Release(groupID, agentID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{groupID, agentID}
	if cur, ok := r.entries[k]; ok && cur.jobID == jobID {
		delete(r.entries, k)
	}
}

// Busy reports whether a live reservation or claim exists for the pair.
func (r *Registry) Busy(groupID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[key{groupID, agentID}]
	return ok && (cur.claimed || !r.lapsedLocked(cur))
}

// CancelGroup cancels running jobs of the group and drops its
// reservations. A cancelled job keeps its claim until it releases it, so
// the pair stays busy while the job unwinds. It returns the number of
// running jobs cancelled by this call.
func (r *Registry) CancelGroup(groupID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancelled := 0
	for k, cur := range r.entries {
		if k.groupID != groupID {
			continue
		}
		if !cur.claimed {
			delete(r.entries, k)
			continue
		}
		if !cur.cancelled {
			cur.cancelled = true
			if cur.cancel != nil {
				cur.cancel()
			}
			cancelled++
		}
	}
	return cancelled
}

func (r *Registry) lapsedLocked(e *entry) bool {
	return !e.claimed && r.clock.Now().Sub(e.reservedAt) > r.ttl
}
