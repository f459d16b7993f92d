// Package scene loads the scene catalog and runs scene executions.
package scene

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"agora/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Scenes []domain.SceneCatalogEntry `yaml:"scenes"`
}

type Catalog struct {
	entries []domain.SceneCatalogEntry
	byCode  map[string]int
}

// LoadCatalog reads the catalog at path, or the built-in catalog when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode scene catalog: %w", err)
	}
	c := &Catalog{byCode: make(map[string]int, len(file.Scenes))}
	var problems []error
	for i, entry := range file.Scenes {
		if err := validateEntry(entry); err != nil {
			problems = append(problems, fmt.Errorf("scene %d (%s): %w", i, entry.Code, err))
			continue
		}
		if _, dup := c.byCode[entry.Code]; dup {
			problems = append(problems, fmt.Errorf("scene %d: duplicate code %q", i, entry.Code))
			continue
		}
		c.byCode[entry.Code] = len(c.entries)
		c.entries = append(c.entries, entry)
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return c, nil
}

func validateEntry(e domain.SceneCatalogEntry) error {
	if strings.TrimSpace(e.Code) == "" {
		return errors.New("code is required")
	}
	switch e.TriggerType {
	case domain.TriggerKeyword:
		if len(e.TriggerKeywords) == 0 {
			return errors.New("keyword trigger needs trigger_keywords")
		}
	case domain.TriggerTension:
		if e.TriggerEscalation <= 0 {
			return errors.New("tension trigger needs trigger_escalation > 0")
		}
	default:
		return fmt.Errorf("unknown trigger_type %q", e.TriggerType)
	}
	if len(e.ParticipantRoles) == 0 {
		return errors.New("participant_roles is empty")
	}
	if len(e.InterventionSequence) == 0 {
		return errors.New("intervention_sequence is empty")
	}
	if e.MinAIs < 1 || e.MaxAIs < e.MinAIs {
		return fmt.Errorf("invalid min_ais/max_ais %d/%d", e.MinAIs, e.MaxAIs)
	}
	if e.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	roles := map[string]bool{}
	for _, r := range e.ParticipantRoles {
		roles[r] = true
	}
	for i, step := range e.InterventionSequence {
		if len(step.Roles) == 0 {
			return fmt.Errorf("step %d has no roles", i)
		}
		for _, r := range step.Roles {
			if !roles[r] {
				return fmt.Errorf("step %d uses undeclared role %q", i, r)
			}
		}
	}
	return nil
}

func (c *Catalog) Entries() []domain.SceneCatalogEntry {
	return append([]domain.SceneCatalogEntry(nil), c.entries...)
}

func (c *Catalog) Get(code string) (domain.SceneCatalogEntry, bool) {
	i, ok := c.byCode[code]
	if !ok {
		return domain.SceneCatalogEntry{}, false
	}
	return c.entries[i], true
}

// Match returns the first catalog entry whose trigger fires for the
// batch and whose minimum cast fits agentCount.
func (c *Catalog) Match(batch []domain.BufferedMessage, seeds []domain.TensionSeed, agentCount int) (domain.SceneCatalogEntry, bool) {
	text := normalize(batchContent(batch))
	for _, entry := range c.entries {
		if agentCount < entry.MinAIs {
			continue
		}
		switch entry.TriggerType {
		case domain.TriggerKeyword:
			for _, kw := range entry.TriggerKeywords {
				if n := normalize(kw); strings.TrimSpace(n) != "" && strings.Contains(text, n) {
					return entry, true
				}
			}
		case domain.TriggerTension:
			for _, seed := range seeds {
				if (seed.Status == domain.SeedActive || seed.Status == domain.SeedEscalating) &&
					seed.EscalationLevel >= entry.TriggerEscalation {
					return entry, true
				}
			}
		}
	}
	return domain.SceneCatalogEntry{}, false
}

func batchContent(batch []domain.BufferedMessage) string {
	parts := make([]string, 0, len(batch))
	for _, m := range batch {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, " ")
}

func normalize(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ") + " "
}
