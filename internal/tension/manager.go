package tension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"agora/internal/clock"
	"agora/internal/domain"
)

type Store interface {
	CreateSeed(ctx context.Context, seed domain.TensionSeed) error
	ListSeeds(ctx context.Context, groupID string, statuses ...domain.SeedStatus) ([]domain.TensionSeed, error)
	UpdateSeed(ctx context.Context, seedID string, fn func(*domain.TensionSeed) error) (domain.TensionSeed, error)
}

// Manager applies the Machine to stored seeds.
type Manager struct {
	store   Store
	machine *Machine
	clock   clock.Clock
	logger  *slog.Logger
}

func NewManager(store Store, cfg Config, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, machine: NewMachine(cfg), clock: clk, logger: logger}
}

func (m *Manager) Machine() *Machine {
	return m.machine
}

// Sweep expires LATENT seeds that never surfaced within the TTL.
func (m *Manager) Sweep(ctx context.Context, groupID string) (int, error) {
	latent, err := m.store.ListSeeds(ctx, groupID, domain.SeedLatent)
	if err != nil {
		return 0, err
	}
	cutoff := m.clock.Now().Add(-m.machine.cfg.LatentTTL)
	expired := 0
	for _, seed := range latent {
		if seed.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := m.store.UpdateSeed(ctx, seed.ID, m.machine.Expire); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return expired, fmt.Errorf("expire latent seed %s: %w", seed.ID, err)
		}
		expired++
	}
	return expired, nil
}

// Surface activates LATENT seeds whose keywords recur in batch.
func (m *Manager) Surface(ctx context.Context, groupID string, batch []domain.BufferedMessage) ([]domain.TensionSeed, error) {
	latent, err := m.store.ListSeeds(ctx, groupID, domain.SeedLatent)
	if err != nil {
		return nil, err
	}
	text := batchText(batch)
	var surfaced []domain.TensionSeed
	for _, seed := range latent {
		if !matchesAny(text, seed.Keywords) {
			continue
		}
		updated, err := m.store.UpdateSeed(ctx, seed.ID, m.machine.Activate)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return surfaced, fmt.Errorf("activate seed %s: %w", seed.ID, err)
		}
		surfaced = append(surfaced, updated)
	}
	return surfaced, nil
}

// ResolveMentioned moves live seeds toward closure when the batch both
// references them and carries a resolution cue.
func (m *Manager) ResolveMentioned(ctx context.Context, groupID string, batch []domain.BufferedMessage) ([]domain.TensionSeed, error) {
	text := batchText(batch)
	if !matchesAny(text, m.machine.cfg.ResolutionCues) {
		return nil, nil
	}
	live, err := m.store.ListSeeds(ctx, groupID, domain.SeedActive, domain.SeedEscalating)
	if err != nil {
		return nil, err
	}
	var resolving []domain.TensionSeed
	for _, seed := range live {
		if !matchesAny(text, seed.Keywords) {
			continue
		}
		updated, err := m.BeginResolution(ctx, seed.ID)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return resolving, err
		}
		resolving = append(resolving, updated)
	}
	return resolving, nil
}

func (m *Manager) BeginResolution(ctx context.Context, seedID string) (domain.TensionSeed, error) {
	seed, err := m.store.UpdateSeed(ctx, seedID, m.machine.BeginResolution)
	if err != nil {
		return domain.TensionSeed{}, fmt.Errorf("begin resolution of %s: %w", seedID, err)
	}
	return seed, nil
}

// AdvanceTurn records one turn against seedID. Seeds that are no longer
// live are left untouched and reported with ErrInvalidTransition.
func (m *Manager) AdvanceTurn(ctx context.Context, seedID string) (domain.TensionSeed, error) {
	before := domain.SeedStatus("")
	seed, err := m.store.UpdateSeed(ctx, seedID, func(s *domain.TensionSeed) error {
		before = s.Status
		return m.machine.RecordTurn(s)
	})
	if err != nil {
		return domain.TensionSeed{}, fmt.Errorf("advance seed %s: %w", seedID, err)
	}
	if seed.Status != before {
		m.logger.Info("tension seed transition", "seed_id", seed.ID, "group_id", seed.GroupID,
			"from", before, "to", seed.Status, "turn", seed.CurrentTurn, "max_turns", seed.MaxTurns)
	}
	return seed, nil
}

// SeedTurn is one seed's state around a recorded reply.
type SeedTurn struct {
	Before domain.TensionSeed
	After  domain.TensionSeed
}

// RecordReply counts an agent reply as a turn of every ACTIVE or
// ESCALATING seed it references. RESOLVING seeds count every reply so
// that they close even once the group stops naming them.
func (m *Manager) RecordReply(ctx context.Context, groupID string, text string) ([]SeedTurn, error) {
	live, err := m.store.ListSeeds(ctx, groupID, domain.SeedActive, domain.SeedEscalating, domain.SeedResolving)
	if err != nil {
		return nil, err
	}
	norm := normalizedText(text)
	var turns []SeedTurn
	for _, seed := range live {
		if seed.Status != domain.SeedResolving && !matchesAny(norm, seed.Keywords) {
			continue
		}
		after, err := m.AdvanceTurn(ctx, seed.ID)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return turns, err
		}
		turns = append(turns, SeedTurn{Before: seed, After: after})
	}
	return turns, nil
}

// Focus picks the seed an agent's next turn should lean into: the most
// escalated ACTIVE or ESCALATING seed, preferring one that involves the
// agent only when escalation ties. RESOLVING seeds wind down on their own.
func (m *Manager) Focus(ctx context.Context, groupID string, agentID string) (domain.TensionSeed, bool, error) {
	live, err := m.store.ListSeeds(ctx, groupID, domain.SeedActive, domain.SeedEscalating)
	if err != nil {
		return domain.TensionSeed{}, false, err
	}
	if len(live) == 0 {
		return domain.TensionSeed{}, false, nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].EscalationLevel != live[j].EscalationLevel {
			return live[i].EscalationLevel > live[j].EscalationLevel
		}
		return involves(live[i], agentID) && !involves(live[j], agentID)
	})
	return live[0], true, nil
}

// Plant creates LATENT seeds for conflict cues in batch that no
// existing non-terminal seed already covers.
func (m *Manager) Plant(
	ctx context.Context,
	groupID string,
	batch []domain.BufferedMessage,
	agents []domain.GroupMember,
	fallbackAgentIDs []string,
) ([]domain.TensionSeed, error) {
	existing, err := m.store.ListSeeds(ctx, groupID,
		domain.SeedLatent, domain.SeedActive, domain.SeedEscalating, domain.SeedResolving)
	if err != nil {
		return nil, err
	}
	covered := map[string]bool{}
	for _, seed := range existing {
		for _, kw := range seed.Keywords {
			covered[kw] = true
		}
	}

	var planted []domain.TensionSeed
	for _, msg := range batch {
		words := tokenize(msg.Content)
		for _, word := range words {
			seedType, ok := m.machine.cfg.ConflictCues[word]
			if !ok || covered[word] {
				continue
			}
			involved := namedAgents(msg.Content, agents)
			if len(involved) == 0 {
				involved = fallbackAgentIDs
			}
			keywords := append([]string{word}, salientWords(words, word, 3)...)
			seed := domain.TensionSeed{
				ID:               uuid.NewString(),
				GroupID:          groupID,
				Type:             seedType,
				Title:            seedType + ": " + excerpt(msg.Content, 8),
				Content:          excerpt(msg.Content, 40),
				Keywords:         keywords,
				InvolvedAgentIDs: involved,
				Status:           domain.SeedLatent,
				MaxTurns:         m.machine.cfg.DefaultMaxTurns,
				CreatedAt:        m.clock.Now().UTC(),
				UpdatedAt:        m.clock.Now().UTC(),
			}
			if err := m.store.CreateSeed(ctx, seed); err != nil {
				return planted, fmt.Errorf("plant seed: %w", err)
			}
			for _, kw := range keywords {
				covered[kw] = true
			}
			planted = append(planted, seed)
		}
	}
	return planted, nil
}

// ExpireAll ends every non-terminal seed of the group.
func (m *Manager) ExpireAll(ctx context.Context, groupID string) (int, error) {
	open, err := m.store.ListSeeds(ctx, groupID,
		domain.SeedLatent, domain.SeedActive, domain.SeedEscalating, domain.SeedResolving)
	if err != nil {
		return 0, err
	}
	for _, seed := range open {
		if _, err := m.store.UpdateSeed(ctx, seed.ID, m.machine.Expire); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return 0, fmt.Errorf("expire seed %s: %w", seed.ID, err)
		}
	}
	return len(open), nil
}

func involves(seed domain.TensionSeed, agentID string) bool {
	for _, id := range seed.InvolvedAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "being": true, "could": true, "every": true,
	"their": true, "there": true, "these": true, "thing": true, "think": true, "those": true,
	"what": true, "where": true, "which": true, "while": true, "would": true, "really": true,
	"because": true, "should": true, "never": true, "always": true,
}

func salientWords(words []string, skip string, limit int) []string {
	out := make([]string, 0, limit)
	seen := map[string]bool{skip: true}
	for _, w := range words {
		if len(out) == limit {
			break
		}
		if len([]rune(w)) < 5 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func namedAgents(content string, agents []domain.GroupMember) []string {
	words := map[string]bool{}
	for _, w := range tokenize(content) {
		words[w] = true
	}
	var ids []string
	for _, a := range agents {
		if a.Kind != domain.AuthorAgent {
			continue
		}
		if words[strings.ToLower(a.MemberID)] || (a.DisplayName != "" && words[strings.ToLower(a.DisplayName)]) {
			ids = append(ids, a.MemberID)
		}
	}
	return ids
}

func batchText(batch []domain.BufferedMessage) string {
	parts := make([]string, 0, len(batch))
	for _, m := range batch {
		parts = append(parts, m.Content)
	}
	return normalizedText(strings.Join(parts, " "))
}

func normalizedText(text string) string {
	return " " + strings.Join(tokenize(text), " ") + " "
}

// matchesAny reports whether any phrase occurs in text on word
// boundaries. text must come from normalizedText.
func matchesAny(text string, phrases []string) bool {
	for _, p := range phrases {
		norm := strings.Join(tokenize(p), " ")
		if norm != "" && strings.Contains(text, " "+norm+" ") {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func excerpt(text string, words int) string {
	fields := strings.Fields(text)
	if len(fields) <= words {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:words], " ") + "..."
}
