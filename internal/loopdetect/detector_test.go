package loopdetect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/domain"
)

type fakeStore struct {
	states     []domain.AgentGroupState
	transcript []domain.TranscriptMessage
}

func (f *fakeStore) ListAgentStates(context.Context, string) ([]domain.AgentGroupState, error) {
	return f.states, nil
}

func (f *fakeStore) ListTranscript(_ context.Context, _ string, limit int) ([]domain.TranscriptMessage, error) {
	if len(f.transcript) > limit {
		return f.transcript[len(f.transcript)-limit:], nil
	}
	return f.transcript, nil
}

func TestFingerprintIgnoresCaseAndPunctuation(t *testing.T) {
	a := Fingerprint("Honestly, I think pineapple belongs on pizza!")
	b := Fingerprint("honestly i think PINEAPPLE belongs on pizza")
	assert.Equal(t, a, b)
	assert.Equal(t, 1.0, Similarity(a, b))

	c := Fingerprint("The quarterly budget review moved to Thursday afternoon")
	assert.Equal(t, 0.0, Similarity(a, c))
}

func TestOneWordEditsStayAboveDefaultThreshold(t *testing.T) {
	threshold := New(nil, Config{}).cfg.SimilarityThreshold
	for _, pair := range [][2]string{
		{"we should go to the beach this weekend", "we should go to the beach next weekend"},
		{"haha yeah totally agree with you", "haha yeah I totally agree with you"},
		{"I really love pizza so much", "I really love pizza so much honestly"},
	} {
		sim := Similarity(Fingerprint(pair[0]), Fingerprint(pair[1]))
		assert.GreaterOrEqual(t, sim, threshold, "%q vs %q", pair[0], pair[1])
	}

	assert.InDelta(t, 6.0/7.0, Similarity(Fingerprint("haha yeah totally agree with you"),
		Fingerprint("haha yeah I totally agree with you")), 1e-9)

	unrelated := Similarity(Fingerprint("I think the movie was great"), Fingerprint("the weather is great today I think"))
	assert.InDelta(t, 4.0/9.0, unrelated, 1e-9)
	assert.Less(t, unrelated, threshold)
}

func TestSimilarityOfEmptyTextIsZero(t *testing.T) {
	assert.Equal(t, "", Fingerprint("?!"))
	assert.Equal(t, 0.0, Similarity(Fingerprint(""), Fingerprint("")))
}

func TestNearIdenticalRepliesFlagWithDefaults(t *testing.T) {
	d := New(nil, Config{})
	window := d.Remember(nil, Fingerprint("haha yeah totally agree with you"))
	window = d.Remember(window, Fingerprint("haha yeah I totally agree with you"))

	store := &fakeStore{states: []domain.AgentGroupState{{AgentID: "mira", RecentTurnFingerprints: window}}}
	report, err := New(store, Config{}).Detect(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"mira"}, report.AgentIDs())
}

func TestSettleClearsSilencedWindowAndKeepsLatestOtherwise(t *testing.T) {
	d := New(nil, Config{})
	window := []string{Fingerprint("same old line"), Fingerprint("same old line")}

	assert.Empty(t, d.Settle(window, ActionSilence))
	assert.Equal(t, []string{Fingerprint("same old line")}, d.Settle(window, ActionTopicBreak))
	assert.Empty(t, d.Settle(nil, ActionTopicBreak))
}

func TestSimilarityRejectsMalformedFingerprints(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("zz", Fingerprint("x")))
}

func TestRepeatedRepliesFlagAgent(t *testing.T) {
	d := New(nil, Config{})
	window := d.Remember(nil, Fingerprint("I love pizza so much, it is the best food."))
	window = d.Remember(window, Fingerprint("I love pizza so much! It is the best food!"))

	store := &fakeStore{states: []domain.AgentGroupState{
		{AgentID: "mira", RecentTurnFingerprints: window},
		{AgentID: "ansel", RecentTurnFingerprints: []string{
			Fingerprint("morning everyone"),
			Fingerprint("did anyone watch the match last night"),
		}},
	}}
	report, err := New(store, Config{}).Detect(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, report.Looping)
	assert.Equal(t, PatternSelfRepeat, report.Pattern)
	assert.Equal(t, []string{"mira"}, report.AgentIDs())
}

func TestCallAndResponseFlagsBothAgents(t *testing.T) {
	turn := func(author string, content string) domain.TranscriptMessage {
		return domain.TranscriptMessage{AuthorID: author, AuthorKind: domain.AuthorAgent, Content: content}
	}
	store := &fakeStore{transcript: []domain.TranscriptMessage{
		turn("mira", "you always say that about the movie"),
		turn("ansel", "and you never listen to my point about it"),
		turn("mira", "you always say that about the movie!"),
		turn("ansel", "And you never listen to my point about it."),
	}}
	report, err := New(store, Config{}).Detect(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, report.Looping)
	assert.Equal(t, PatternCallAndResponse, report.Pattern)
	assert.Equal(t, []string{"ansel", "mira"}, report.AgentIDs())
}

func TestUserTurnBreaksCallAndResponse(t *testing.T) {
	store := &fakeStore{transcript: []domain.TranscriptMessage{
		{AuthorID: "mira", AuthorKind: domain.AuthorAgent, Content: "same"},
		{AuthorID: "user-1", AuthorKind: domain.AuthorUser, Content: "other"},
		{AuthorID: "mira", AuthorKind: domain.AuthorAgent, Content: "same"},
		{AuthorID: "user-1", AuthorKind: domain.AuthorUser, Content: "other"},
	}}
	report, err := New(store, Config{}).Detect(context.Background(), "g1")
	require.NoError(t, err)
	assert.False(t, report.Looping)
}

func TestActionForIsExclusivePerMode(t *testing.T) {
	assert.Equal(t, ActionTopicBreak, New(nil, Config{}).ActionFor(3))
	assert.Equal(t, ActionSilence, New(nil, Config{Mode: ModeSilence}).ActionFor(1))

	escalate := New(nil, Config{Mode: ModeEscalate})
	assert.Equal(t, ActionTopicBreak, escalate.ActionFor(1))
	assert.Equal(t, ActionSilence, escalate.ActionFor(2))
}

func TestRememberKeepsWindow(t *testing.T) {
	d := New(nil, Config{Window: 3})
	var window []string
	for _, text := range []string{"a b", "c d", "e f", "g h"} {
		window = d.Remember(window, Fingerprint(text))
	}
	require.Len(t, window, 3)
	assert.Equal(t, Fingerprint("c d"), window[0])
}
