package model

import (
	"testing"

	"dtex/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *token.RunResult {
	seed := token.Token{
		Kind:       token.KindColor,
		Name:       "primary",
		Value:      token.Value{Hex: "#F15925"},
		Confidence: 0.95,
		Image:      "img-1",
	}
	at := token.NewAggregatedToken(seed)
	at.Merge("img-2", 0.91)
	lib := &token.Library{Kind: token.KindColor, Tokens: []*token.AggregatedToken{at}}
	lib.ComputeStatistics()
	return &token.RunResult{
		RunID:          "run-1",
		Libraries:      map[token.Kind]*token.Library{token.KindColor: lib},
		SpentUSD:       0.07,
		TiersCompleted: 2,
		Failures: []token.ExtractorFailure{
			{Extractor: "flaky", Tier: "fast", Reason: "transient"},
		},
	}
}

func TestRunModelRoundTrip(t *testing.T) {
	var m RunModel
	require.NoError(t, m.FromRunResult(sampleResult(), RunStatusComplete))

	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, RunStatusComplete, m.Status)
	assert.Equal(t, 1, m.TokenCount)
	assert.NotZero(t, m.CreatedAtUnix)

	back, err := m.ToRunResult()
	require.NoError(t, err)
	assert.Equal(t, "run-1", back.RunID)
	assert.InDelta(t, 0.07, back.SpentUSD, 1e-9)
	lib := back.Library(token.KindColor)
	require.NotNil(t, lib)
	require.Len(t, lib.Tokens, 1)
	assert.Equal(t, []string{"img-1", "img-2"}, lib.Tokens[0].SourceImages)
	require.Len(t, back.Failures, 1)
	assert.Equal(t, "flaky", back.Failures[0].Extractor)
}

func TestFromRunResultRejectsNil(t *testing.T) {
	var m RunModel
	assert.Error(t, m.FromRunResult(nil, RunStatusComplete))
}

func TestToRunResultCorruptPayload(t *testing.T) {
	m := RunModel{RunID: "run-x", LibrariesJSON: []byte("{not json")}
	_, err := m.ToRunResult()
	assert.Error(t, err)
}
