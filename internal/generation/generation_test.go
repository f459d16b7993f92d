package generation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

var mira = domain.GroupMember{MemberID: "mira", DisplayName: "Mira", Kind: domain.AuthorAgent, Persona: "a sardonic gardener"}

func TestSystemPromptCarriesHints(t *testing.T) {
	prompt := SystemPrompt(Request{
		Agent: mira,
		Hints: domain.Hints{
			SeedTitle:      "betrayal: who ate the tomatoes",
			ToneHint:       "heated",
			SceneCode:      "heated_debate",
			SceneRole:      "skeptic",
			SceneObjective: "Push back on the weakest part.",
			TopicBreak:     true,
		},
	})
	assert.Contains(t, prompt, "You are Mira")
	assert.Contains(t, prompt, "sardonic gardener")
	assert.Contains(t, prompt, "who ate the tomatoes")
	assert.Contains(t, prompt, "heated")
	assert.Contains(t, prompt, "skeptic role")
	assert.Contains(t, prompt, "Change the subject")
}

func TestDialogueAlternatesAndFramesOthers(t *testing.T) {
	req := Request{
		Agent: mira,
		Context: []Turn{
			{AuthorID: "mira", Content: "morning"},
			{AuthorID: "u1", AuthorName: "Sam", Kind: domain.AuthorUser, Content: "hi all"},
			{AuthorID: "ansel", AuthorName: "Ansel", Kind: domain.AuthorAgent, Content: "hey"},
			{AuthorID: "mira", Content: "what's up"},
		},
	}
	got := dialogue(req)
	require.Len(t, got, 5)
	assert.False(t, got[0].assistant)
	assert.True(t, got[1].assistant)
	assert.Equal(t, "Sam: hi all\nAnsel: hey", got[2].text)
	assert.True(t, got[3].assistant)
	assert.False(t, got[4].assistant)
}

func TestCleanReply(t *testing.T) {
	got, err := cleanReply(mira, `Mira: "sure thing"`)
	require.NoError(t, err)
	assert.Equal(t, "sure thing", got)

	_, err = cleanReply(mira, "   ")
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestScriptedVariesAndBreaksTopic(t *testing.T) {
	s := NewScripted(0)
	ctx := context.Background()
	req := Request{GroupID: "g1", Agent: mira}

	first, err := s.Generate(ctx, req)
	require.NoError(t, err)
	second, err := s.Generate(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	req.Hints.TopicBreak = true
	broken, err := s.Generate(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, topicBreaks, broken)
}

func TestFuncAdapter(t *testing.T) {
	g := Func(func(_ context.Context, req Request) (string, error) {
		return "hello " + req.Agent.DisplayName, nil
	})
	got, err := g.Generate(context.Background(), Request{Agent: mira})
	require.NoError(t, err)
	assert.Equal(t, "hello Mira", got)
}
