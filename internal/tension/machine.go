// Package tension runs the lifecycle of narrative tension seeds:
// LATENT -> ACTIVE -> ESCALATING -> RESOLVING -> RESOLVED, with EXPIRED
// reachable from every non-terminal state.
package tension

import (
	"errors"
	"fmt"
	"math"
	"time"

	"agora/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid tension seed transition")

var toneScale = []string{"calm", "simmering", "tense", "heated", "boiling"}

type Config struct {
	DefaultMaxTurns int
	// EscalationRatio is the share of maxTurns after which ACTIVE becomes ESCALATING.
	EscalationRatio float64
	Levels          int
	ResolutionTurns int
	LatentTTL       time.Duration
	// ConflictCues maps a trigger word to the seed type it plants.
	ConflictCues   map[string]string
	ResolutionCues []string
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxTurns <= 0 {
		c.DefaultMaxTurns = 8
	}
	if c.EscalationRatio <= 0 || c.EscalationRatio > 1 {
		c.EscalationRatio = 0.5
	}
	if c.Levels <= 0 {
		c.Levels = 4
	}
	if c.ResolutionTurns <= 0 {
		c.ResolutionTurns = 2
	}
	if c.LatentTTL <= 0 {
		c.LatentTTL = 30 * time.Minute
	}
	if len(c.ConflictCues) == 0 {
		c.ConflictCues = map[string]string{
			"betray":   "betrayal",
			"betrayed": "betrayal",
			"lied":     "distrust",
			"liar":     "distrust",
			"unfair":   "grievance",
			"jealous":  "rivalry",
			"secret":   "secret",
			"angry":    "grievance",
			"blame":    "grievance",
			"rival":    "rivalry",
		}
	}
	if len(c.ResolutionCues) == 0 {
		c.ResolutionCues = []string{"sorry", "apologize", "apologise", "forgive", "truce", "agreed", "fair enough", "make up"}
	}
	return c
}

// Machine holds the transition rules. It never touches storage.
type Machine struct {
	cfg Config
}

func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg.withDefaults()}
}

func (m *Machine) Config() Config {
	return m.cfg
}

func (m *Machine) Activate(seed *domain.TensionSeed) error {
	if seed.Status != domain.SeedLatent {
		return fmt.Errorf("activate seed in %s: %w", seed.Status, ErrInvalidTransition)
	}
	seed.Status = domain.SeedActive
	return nil
}

func (m *Machine) BeginResolution(seed *domain.TensionSeed) error {
	if seed.Status != domain.SeedActive && seed.Status != domain.SeedEscalating {
		return fmt.Errorf("resolve seed in %s: %w", seed.Status, ErrInvalidTransition)
	}
	seed.Status = domain.SeedResolving
	seed.ResolvingAtTurn = seed.CurrentTurn
	return nil
}

func (m *Machine) Expire(seed *domain.TensionSeed) error {
	if seed.Status.Terminal() {
		return fmt.Errorf("expire seed in %s: %w", seed.Status, ErrInvalidTransition)
	}
	seed.Status = domain.SeedExpired
	return nil
}

// RecordTurn counts one turn against a live seed. The turn budget is
// never exceeded and escalationLevel never decreases.
func (m *Machine) RecordTurn(seed *domain.TensionSeed) error {
	if !seed.Status.Live() {
		return fmt.Errorf("record turn on seed in %s: %w", seed.Status, ErrInvalidTransition)
	}
	if seed.MaxTurns <= 0 {
		seed.MaxTurns = m.cfg.DefaultMaxTurns
	}
	if seed.CurrentTurn >= seed.MaxTurns {
		seed.Status = domain.SeedExpired
		return nil
	}
	seed.CurrentTurn++

	if seed.Status == domain.SeedResolving {
		if seed.CurrentTurn-seed.ResolvingAtTurn >= m.cfg.ResolutionTurns {
			seed.Status = domain.SeedResolved
			return nil
		}
	} else {
		if level := seed.CurrentTurn * m.cfg.Levels / seed.MaxTurns; level > seed.EscalationLevel {
			seed.EscalationLevel = level
		}
		if seed.Status == domain.SeedActive && seed.CurrentTurn >= m.escalationTurn(seed.MaxTurns) {
			seed.Status = domain.SeedEscalating
		}
	}

	if seed.CurrentTurn >= seed.MaxTurns {
		seed.Status = domain.SeedExpired
	}
	return nil
}

// ToneHint maps an escalation level onto a short mood word.
func (m *Machine) ToneHint(level int) string {
	if level <= 0 {
		return toneScale[0]
	}
	if level >= m.cfg.Levels {
		return toneScale[len(toneScale)-1]
	}
	return toneScale[level*(len(toneScale)-1)/m.cfg.Levels]
}

func (m *Machine) escalationTurn(maxTurns int) int {
	turn := int(math.Ceil(float64(maxTurns) * m.cfg.EscalationRatio))
	if turn < 1 {
		turn = 1
	}
	return turn
}
