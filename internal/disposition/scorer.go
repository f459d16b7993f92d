// Package disposition scores how inclined an agent is to reply to a
// batch and smooths the score across flushes.
package disposition

import (
	"math"
	"strings"
	"time"

	"agora/internal/domain"
)

type Config struct {
	// Alpha weighs the new raw score in the moving average.
	Alpha         float64
	RecencyWindow time.Duration

	TraitWeight        float64
	RelationshipWeight float64
	MentionBoost       float64
	QuestionWeight     float64
	RecencyPenalty     float64
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.35
	}
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = 45 * time.Second
	}
	if c.TraitWeight <= 0 {
		c.TraitWeight = 0.4
	}
	if c.RelationshipWeight <= 0 {
		c.RelationshipWeight = 0.3
	}
	if c.MentionBoost <= 0 {
		c.MentionBoost = 0.35
	}
	if c.QuestionWeight <= 0 {
		c.QuestionWeight = 0.15
	}
	if c.RecencyPenalty <= 0 {
		c.RecencyPenalty = 0.3
	}
	return c
}

// Input is everything the scorer looks at for one agent and one batch.
type Input struct {
	Agent           domain.GroupMember
	Relationships   []domain.Relationship
	LastRespondedAt *time.Time
	Batch           []domain.BufferedMessage
	Now             time.Time
}

type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg.withDefaults()}
}

func (s *Scorer) Alpha() float64 {
	return s.cfg.Alpha
}

// Raw returns the instantaneous disposition in [0,1].
func (s *Scorer) Raw(in Input) float64 {
	traits := in.Agent.Traits
	score := s.cfg.TraitWeight * (0.6*clamp01(traits.Sociability) + 0.4*clamp01(traits.Assertiveness))
	score += s.cfg.RelationshipWeight * relationshipAffinity(in.Relationships, in.Batch)

	if mentions(in.Batch, in.Agent) {
		score += s.cfg.MentionBoost
	}
	if asksQuestion(in.Batch) {
		score += s.cfg.QuestionWeight * (0.5 + 0.5*clamp01(traits.Curiosity))
	}

	if in.LastRespondedAt != nil && !in.Now.IsZero() {
		elapsed := in.Now.Sub(*in.LastRespondedAt)
		if elapsed < s.cfg.RecencyWindow {
			if elapsed < 0 {
				elapsed = 0
			}
			remaining := 1 - float64(elapsed)/float64(s.cfg.RecencyWindow)
			score -= s.cfg.RecencyPenalty * remaining
		}
	}
	return clamp01(score)
}

// Smooth applies new = alpha*raw + (1-alpha)*old.
func (s *Scorer) Smooth(old float64, raw float64) float64 {
	return Smooth(s.cfg.Alpha, old, raw)
}

func Smooth(alpha float64, old float64, raw float64) float64 {
	return clamp01(alpha*raw + (1-alpha)*old)
}

// relationshipAffinity maps the mean standing with the batch's human
// authors from [-1,1] to [0,1], blending in familiarity. Authors
// without a relationship count as neutral strangers.
func relationshipAffinity(rels []domain.Relationship, batch []domain.BufferedMessage) float64 {
	byUser := make(map[string]domain.Relationship, len(rels))
	for _, r := range rels {
		byUser[r.UserID] = r
	}
	seen := map[string]bool{}
	total, n := 0.0, 0
	for _, m := range batch {
		if m.AuthorKind != domain.AuthorUser || seen[m.AuthorID] {
			continue
		}
		seen[m.AuthorID] = true
		r := byUser[m.AuthorID]
		affinity := (clamp(r.Affinity, -1, 1) + 1) / 2
		total += 0.75*affinity + 0.25*clamp01(r.Familiarity)
		n++
	}
	if n == 0 {
		return 0.375
	}
	return total / float64(n)
}

func mentions(batch []domain.BufferedMessage, agent domain.GroupMember) bool {
	names := []string{strings.ToLower(agent.MemberID)}
	if agent.DisplayName != "" {
		names = append(names, strings.ToLower(agent.DisplayName))
	}
	for _, m := range batch {
		if m.AuthorID == agent.MemberID {
			continue
		}
		content := strings.ToLower(m.Content)
		for _, name := range names {
			if name != "" && (strings.Contains(content, "@"+name) || containsWord(content, name)) {
				return true
			}
		}
	}
	return false
}

func asksQuestion(batch []domain.BufferedMessage) bool {
	for _, m := range batch {
		if strings.Contains(m.Content, "?") {
			return true
		}
	}
	return false
}

func containsWord(text string, word string) bool {
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r == '-' || r == '_' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r > 127)
	}) {
		if field == word {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v float64, lo float64, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
