package export

import (
	"encoding/json"
	"testing"

	"dtex/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *token.RunResult {
	color := token.NewAggregatedToken(token.Token{
		Kind: token.KindColor, Name: "Primary / Brand", Value: token.Value{Hex: "#f15925"},
		Confidence: 0.95, Image: "img-1",
	})
	spacing := token.NewAggregatedToken(token.Token{
		Kind: token.KindSpacing, Name: "gutter", Value: token.Value{Px: 16},
		Confidence: 0.9, Image: "img-1",
	})
	colorLib := &token.Library{Kind: token.KindColor, Tokens: []*token.AggregatedToken{color}}
	spacingLib := &token.Library{Kind: token.KindSpacing, Tokens: []*token.AggregatedToken{spacing}}
	colorLib.ComputeStatistics()
	spacingLib.ComputeStatistics()
	return &token.RunResult{
		RunID: "run-1",
		Libraries: map[token.Kind]*token.Library{
			token.KindColor:   colorLib,
			token.KindSpacing: spacingLib,
		},
	}
}

func TestJSONGenerator(t *testing.T) {
	raw, ext, err := DefaultRegistry().Generate("json", sampleResult())
	require.NoError(t, err)
	assert.Equal(t, "json", ext)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "run-1", doc["run_id"])
	libs, ok := doc["libraries"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, libs, "color")
	assert.Contains(t, libs, "spacing")
}

func TestCSSGenerator(t *testing.T) {
	raw, ext, err := DefaultRegistry().Generate("css", sampleResult())
	require.NoError(t, err)
	assert.Equal(t, "css", ext)

	css := string(raw)
	assert.Contains(t, css, ":root {")
	assert.Contains(t, css, "--color-primary-brand: #F15925;")
	assert.Contains(t, css, "--spacing-gutter: 16px;")
}

func TestRegistryRejectsDuplicateAndUnknown(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(JSONGenerator{}))
	assert.Error(t, r.Register(JSONGenerator{}))

	_, _, err := r.Generate("yaml", sampleResult())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown export format")
}

func TestCSSSlug(t *testing.T) {
	assert.Equal(t, "primary-brand", cssSlug("Primary / Brand"))
	assert.Equal(t, "spacing-4", cssSlug("  spacing 4 "))
	assert.Equal(t, "", cssSlug("///"))
}
