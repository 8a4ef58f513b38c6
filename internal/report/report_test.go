package report

import (
	"os"
	"testing"

	"dtex/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *token.RunResult {
	at := token.NewAggregatedToken(token.Token{
		Kind: token.KindColor, Name: "primary", Value: token.Value{Hex: "#F15925"},
		Confidence: 0.95, Image: "img-1",
	})
	lib := &token.Library{Kind: token.KindColor, Tokens: []*token.AggregatedToken{at}}
	lib.ComputeStatistics()
	return &token.RunResult{
		RunID:     "report-test",
		Libraries: map[token.Kind]*token.Library{token.KindColor: lib},
		SpentUSD:  0.05,
	}
}

func TestWriteHTML(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteHTML(sampleResult(), dir)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(raw)
	assert.Contains(t, html, "Tokens per kind")
	assert.Contains(t, html, "Confidence per kind")
	assert.Contains(t, html, "report-test")
}

func TestBuildPageRejectsNil(t *testing.T) {
	_, err := BuildPage(nil)
	assert.Error(t, err)
}
