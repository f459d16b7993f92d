package generation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Scripted replies from canned lines without any network. Each agent
// walks its own cursor through the lines so replies vary turn to turn.
type Scripted struct {
	// Latency simulates model think time.
	Latency time.Duration

	mu      sync.Mutex
	cursors map[string]int
}

func NewScripted(latency time.Duration) *Scripted {
	return &Scripted{Latency: latency, cursors: map[string]int{}}
}

var (
	smallTalk = []string{
		"ha, fair point",
		"wait, say more about that?",
		"honestly same",
		"that reminds me of something from last week",
		"ok but has anyone actually tried it?",
		"I'm not sure I agree, but go on",
		"lol that's one way to put it",
	}
	topicBreaks = []string{
		"totally unrelated, but did anyone see the sky tonight?",
		"changing the subject: what's everyone eating this week?",
		"ok new topic, best song you heard recently?",
	}
	heated = []string{
		"no, I'm not letting that one slide",
		"you keep saying that like it's obvious. it isn't.",
		"can we be honest about what actually happened here?",
	}
)

func (s *Scripted) Generate(ctx context.Context, req Request) (string, error) {
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.Latency):
		}
	}

	lines := smallTalk
	switch {
	case req.Hints.TopicBreak:
		lines = topicBreaks
	case req.Hints.ToneHint == "heated" || req.Hints.ToneHint == "boiling":
		lines = heated
	}

	s.mu.Lock()
	if s.cursors == nil {
		s.cursors = map[string]int{}
	}
	key := req.GroupID + "/" + req.Agent.MemberID
	n := s.cursors[key]
	s.cursors[key] = n + 1
	s.mu.Unlock()

	line := lines[(n+len(req.Agent.MemberID))%len(lines)]
	if req.Hints.SceneObjective != "" {
		line = fmt.Sprintf("%s (%s)", line, strings.ToLower(strings.TrimSuffix(req.Hints.SceneObjective, ".")))
	}
	return line, nil
}
