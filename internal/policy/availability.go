package policy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"agora/internal/clock"
	"agora/internal/domain"
)

type Store interface {
	GetAgentState(ctx context.Context, groupID string, agentID string) (domain.AgentGroupState, error)
	UpdateAgentState(ctx context.Context, groupID string, agentID string, fn func(*domain.AgentGroupState) error) (domain.AgentGroupState, error)
	ListTranscript(ctx context.Context, groupID string, limit int) ([]domain.TranscriptMessage, error)
}

type Config struct {
	// MaxActiveSpeakers caps how many agents one flush may select.
	MaxActiveSpeakers int
	BaseSpacing       time.Duration
	// ReferenceSize is the group size at which the cooldown equals BaseSpacing.
	ReferenceSize  int
	JitterFraction float64
	// AllowAdjacent lets the author of the latest transcript turn speak again.
	AllowAdjacent bool
}

func (c Config) withDefaults() Config {
	if c.MaxActiveSpeakers <= 0 {
		c.MaxActiveSpeakers = 3
	}
	if c.BaseSpacing <= 0 {
		c.BaseSpacing = 8 * time.Second
	}
	if c.ReferenceSize <= 0 {
		c.ReferenceSize = 4
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		c.JitterFraction = 0.25
	}
	return c
}

// Availability decides whether an agent may be scheduled right now and
// how long it rests after being selected.
type Availability struct {
	store Store
	cfg   Config
	clock clock.Clock

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewAvailability(store Store, cfg Config, clk clock.Clock, seed uint64) *Availability {
	if clk == nil {
		clk = clock.Real()
	}
	return &Availability{
		store: store,
		cfg:   cfg.withDefaults(),
		clock: clk,
		rand:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (a *Availability) MaxActiveSpeakers() int {
	return a.cfg.MaxActiveSpeakers
}

// IsAvailable reports whether agentID may be scheduled in groupID, with
// a short reason when it may not.
func (a *Availability) IsAvailable(ctx context.Context, agentID string, groupID string) (bool, string, error) {
	st, err := a.store.GetAgentState(ctx, groupID, agentID)
	if err != nil {
		return false, "", fmt.Errorf("load agent state: %w", err)
	}
	last, err := a.store.ListTranscript(ctx, groupID, 1)
	if err != nil {
		return false, "", fmt.Errorf("load last turn: %w", err)
	}
	lastSpeaker := ""
	if len(last) > 0 {
		lastSpeaker = last[0].AuthorID
	}
	ok, reason := a.Check(st, lastSpeaker, a.clock.Now())
	return ok, reason, nil
}

// Check is IsAvailable without I/O.
func (a *Availability) Check(st domain.AgentGroupState, lastSpeakerID string, now time.Time) (bool, string) {
	if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
		return false, "cooldown"
	}
	if !a.cfg.AllowAdjacent && lastSpeakerID != "" && lastSpeakerID == st.AgentID {
		return false, "adjacent_turn"
	}
	return true, "available"
}

// Spacing returns the cooldown for a group of groupSize agents. Larger
// groups rest each speaker longer; the result carries +/- jitter.
func (a *Availability) Spacing(groupSize int) time.Duration {
	if groupSize < 1 {
		groupSize = 1
	}
	scale := float64(groupSize) / float64(a.cfg.ReferenceSize)
	if scale < 0.25 {
		scale = 0.25
	}
	if scale > 4 {
		scale = 4
	}
	base := float64(a.cfg.BaseSpacing) * scale

	a.randMu.Lock()
	jitter := (a.rand.Float64()*2 - 1) * a.cfg.JitterFraction
	a.randMu.Unlock()
	return time.Duration(base * (1 + jitter))
}

// StartCooldown puts agentID to rest in groupID and returns the
// cooldown deadline.
func (a *Availability) StartCooldown(ctx context.Context, groupID string, agentID string, groupSize int) (time.Time, error) {
	until := a.clock.Now().UTC().Add(a.Spacing(groupSize))
	if _, err := a.store.UpdateAgentState(ctx, groupID, agentID, func(st *domain.AgentGroupState) error {
		st.CooldownUntil = &until
		return nil
	}); err != nil {
		return time.Time{}, fmt.Errorf("start cooldown: %w", err)
	}
	return until, nil
}
