// Package loopdetect flags agents whose recent turns repeat themselves
// or bounce back and forth with another agent.
package loopdetect

import (
	"context"
	"fmt"
	"sort"

	"agora/internal/domain"
)

const (
	PatternSelfRepeat      = "self_repeat"
	PatternCallAndResponse = "call_and_response"
)

type Mode string

const (
	ModeTopicBreak Mode = "topic_break"
	ModeSilence    Mode = "silence"
	// ModeEscalate issues a topic break first and silences on the next
	// consecutive strike.
	ModeEscalate Mode = "escalate"
)

// Action is what the Director does to a flagged agent for one flush.
// Exactly one of the two applies.
type Action string

const (
	ActionTopicBreak Action = "topic_break"
	ActionSilence    Action = "silence"
)

type Store interface {
	ListAgentStates(ctx context.Context, groupID string) ([]domain.AgentGroupState, error)
	ListTranscript(ctx context.Context, groupID string, limit int) ([]domain.TranscriptMessage, error)
}

type Config struct {
	Window              int
	SimilarityThreshold float64
	Mode                Mode
}

func (c Config) withDefaults() Config {
	if c.Window < 2 {
		c.Window = 4
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 0.75
	}
	switch c.Mode {
	case ModeTopicBreak, ModeSilence, ModeEscalate:
	default:
		c.Mode = ModeTopicBreak
	}
	return c
}

type Report struct {
	Looping bool `json:"looping"`
	// Pattern names the first pattern found.
	Pattern string `json:"pattern,omitempty"`
	// Flagged maps agent id to the pattern that flagged it.
	Flagged map[string]string `json:"flagged,omitempty"`
}

// AgentIDs returns the flagged agents in a stable order.
func (r Report) AgentIDs() []string {
	ids := make([]string, 0, len(r.Flagged))
	for id := range r.Flagged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type Detector struct {
	store Store
	cfg   Config
}

func New(store Store, cfg Config) *Detector {
	return &Detector{store: store, cfg: cfg.withDefaults()}
}

func (d *Detector) Window() int {
	return d.cfg.Window
}

func (d *Detector) Detect(ctx context.Context, groupID string) (Report, error) {
	states, err := d.store.ListAgentStates(ctx, groupID)
	if err != nil {
		return Report{}, fmt.Errorf("load agent states: %w", err)
	}
	report := Report{Flagged: map[string]string{}}
	for _, st := range states {
		if d.repeats(st.RecentTurnFingerprints) {
			d.flag(&report, st.AgentID, PatternSelfRepeat)
		}
	}

	recent, err := d.store.ListTranscript(ctx, groupID, 4)
	if err != nil {
		return Report{}, fmt.Errorf("load recent turns: %w", err)
	}
	if a, b, ok := d.callAndResponse(recent); ok {
		d.flag(&report, a, PatternCallAndResponse)
		d.flag(&report, b, PatternCallAndResponse)
	}
	return report, nil
}

// ActionFor picks the single remedy for a flagged agent given its
// consecutive strike count (1 on first detection).
func (d *Detector) ActionFor(strikes int) Action {
	switch d.cfg.Mode {
	case ModeSilence:
		return ActionSilence
	case ModeEscalate:
		if strikes > 1 {
			return ActionSilence
		}
		return ActionTopicBreak
	default:
		return ActionTopicBreak
	}
}

// Settle trims a flagged agent's window once the action is applied. A
// silenced agent starts over with an empty window so it can be picked
// again next flush; a redirected one keeps its latest turn so that
// repeating it once more is a consecutive strike.
func (d *Detector) Settle(window []string, action Action) []string {
	if action == ActionSilence || len(window) == 0 {
		return []string{}
	}
	return []string{window[len(window)-1]}
}

// Remember appends fp to the window, dropping the oldest entries.
func (d *Detector) Remember(window []string, fp string) []string {
	window = append(window, fp)
	if len(window) > d.cfg.Window {
		window = append([]string(nil), window[len(window)-d.cfg.Window:]...)
	}
	return window
}

func (d *Detector) flag(report *Report, agentID string, pattern string) {
	if _, seen := report.Flagged[agentID]; seen {
		return
	}
	report.Flagged[agentID] = pattern
	if !report.Looping {
		report.Looping = true
		report.Pattern = pattern
	}
}

func (d *Detector) repeats(fingerprints []string) bool {
	window := fingerprints
	if len(window) > d.cfg.Window {
		window = window[len(window)-d.cfg.Window:]
	}
	for i := 0; i < len(window); i++ {
		for j := i + 1; j < len(window); j++ {
			if Similarity(window[i], window[j]) >= d.cfg.SimilarityThreshold {
				return true
			}
		}
	}
	return false
}

// callAndResponse matches four agent turns shaped A,B,A,B where both
// agents echo their own previous line.
func (d *Detector) callAndResponse(turns []domain.TranscriptMessage) (string, string, bool) {
	if len(turns) < 4 {
		return "", "", false
	}
	t := turns[len(turns)-4:]
	for _, m := range t {
		if m.AuthorKind != domain.AuthorAgent {
			return "", "", false
		}
	}
	a, b := t[0].AuthorID, t[1].AuthorID
	if a == b || t[2].AuthorID != a || t[3].AuthorID != b {
		return "", "", false
	}
	if Similarity(Fingerprint(t[0].Content), Fingerprint(t[2].Content)) < d.cfg.SimilarityThreshold {
		return "", "", false
	}
	if Similarity(Fingerprint(t[1].Content), Fingerprint(t[3].Content)) < d.cfg.SimilarityThreshold {
		return "", "", false
	}
	return a, b, true
}
