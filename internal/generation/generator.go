// Package generation produces agent replies through a language model or
// a deterministic script.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agora/internal/domain"
)

var ErrEmptyReply = errors.New("generator returned an empty reply")

// Turn is one line of the context window, oldest first.
type Turn struct {
	AuthorID   string
	AuthorName string
	Kind       domain.AuthorKind
	Content    string
}

type Request struct {
	GroupID string
	Agent   domain.GroupMember
	Context []Turn
	Hints   domain.Hints
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// SystemPrompt frames the agent's persona and the director's hints.
func SystemPrompt(req Request) string {
	var b strings.Builder
	name := req.Agent.DisplayName
	if name == "" {
		name = req.Agent.MemberID
	}
	fmt.Fprintf(&b, "You are %s, one participant in a casual group chat with humans and other characters.\n", name)
	if persona := strings.TrimSpace(req.Agent.Persona); persona != "" {
		b.WriteString("Persona: ")
		b.WriteString(persona)
		b.WriteString("\n")
	}
	b.WriteString("Reply with a single chat message in your own voice. No name prefix, no stage directions, no quotes.\n")
	b.WriteString("Keep it short, like a real person typing on a phone.\n")

	h := req.Hints
	if h.SeedTitle != "" {
		fmt.Fprintf(&b, "\nThere is an undercurrent in the conversation: %s.\n", h.SeedTitle)
	}
	if h.ToneHint != "" {
		fmt.Fprintf(&b, "Emotional temperature: %s.\n", h.ToneHint)
	}
	if h.SceneCode != "" {
		fmt.Fprintf(&b, "\nYou are playing the %s role in a short scene.\n", h.SceneRole)
		if h.SceneObjective != "" {
			fmt.Fprintf(&b, "Your goal for this message: %s\n", h.SceneObjective)
		}
		if h.SceneDirective != "" {
			fmt.Fprintf(&b, "Direction: %s\n", h.SceneDirective)
		}
	}
	if h.TopicBreak {
		b.WriteString("\nYou have been repeating yourself. Change the subject: bring up something new and do not reuse your recent phrasing.\n")
	}
	return b.String()
}

type exchange struct {
	assistant bool
	text      string
}

// dialogue folds the context window into alternating user/assistant
// exchanges from the agent's point of view. It always starts and ends
// with a user exchange.
func dialogue(req Request) []exchange {
	var out []exchange
	for _, turn := range req.Context {
		mine := turn.AuthorID == req.Agent.MemberID
		text := turn.Content
		if !mine {
			speaker := turn.AuthorName
			if speaker == "" {
				speaker = turn.AuthorID
			}
			text = speaker + ": " + turn.Content
		}
		if n := len(out); n > 0 && out[n-1].assistant == mine {
			out[n-1].text += "\n" + text
			continue
		}
		out = append(out, exchange{assistant: mine, text: text})
	}
	if len(out) == 0 || out[0].assistant {
		out = append([]exchange{{text: "(the conversation so far)"}}, out...)
	}
	if out[len(out)-1].assistant {
		out = append(out, exchange{text: "(the others are waiting for you to say something new)"})
	}
	return out
}

func cleanReply(agent domain.GroupMember, text string) (string, error) {
	text = strings.TrimSpace(text)
	for _, prefix := range []string{agent.DisplayName + ":", agent.MemberID + ":"} {
		if prefix != ":" && strings.HasPrefix(text, prefix) {
			text = strings.TrimSpace(strings.TrimPrefix(text, prefix))
		}
	}
	text = strings.Trim(text, "\"")
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
