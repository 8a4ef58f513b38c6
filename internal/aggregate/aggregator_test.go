package aggregate

import (
	"testing"

	"dtex/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spacing(name string, px float64, image string, conf float64) token.Token {
	return token.Token{Kind: token.KindSpacing, Name: name, Value: token.Value{Px: px, Unit: "px"}, Confidence: conf, Image: image}
}

func color(name, hex, image string, conf float64) token.Token {
	return token.Token{Kind: token.KindColor, Name: name, Value: token.Value{Hex: hex}, Confidence: conf, Image: image}
}

func TestAggregate_SpacingDedup(t *testing.T) {
	a := New(Options{})
	libs := a.Aggregate([]token.Token{
		spacing("gap.base", 16, "img-1", 0.9),
		spacing("gap.base", 17, "img-2", 0.8),
	})
	lib := libs[token.KindSpacing]
	require.NotNil(t, lib)
	require.Len(t, lib.Tokens, 1, "1/17 ≈ 0.059 relative difference merges at the 0.15 threshold")
	at := lib.Tokens[0]
	assert.Equal(t, []string{"img-1", "img-2"}, at.SourceImages)
	assert.Equal(t, []float64{0.9, 0.8}, at.ConfidenceScores)
	assert.Equal(t, 16.0, at.Token.Value.Px, "seed value survives merges")
}

func TestAggregate_SpacingNoMergeBeyondThreshold(t *testing.T) {
	a := New(Options{})
	libs := a.Aggregate([]token.Token{
		spacing("gap.base", 8, "img-1", 0.9),
		spacing("gap.large", 32, "img-2", 0.9),
	})
	require.Len(t, libs[token.KindSpacing].Tokens, 2)
	// 数值升序
	assert.Equal(t, 8.0, libs[token.KindSpacing].Tokens[0].Token.Value.Px)
	assert.Equal(t, 32.0, libs[token.KindSpacing].Tokens[1].Token.Value.Px)
}

func TestAggregate_ColorMergeAndOrdering(t *testing.T) {
	a := New(Options{})
	libs := a.Aggregate([]token.Token{
		color("palette.primary", "#F15925", "img-1", 0.95),
		color("palette.primary", "#F25A27", "img-2", 0.9), // 感知上同一颜色
		color("palette.surface", "#FFFFFF", "img-2", 0.9),
		color("palette.surface", "#FFFFFF", "img-3", 0.9),
		color("palette.accent", "#0B6E4F", "img-3", 0.85),
	})
	lib := libs[token.KindColor]
	require.Len(t, lib.Tokens, 3)
	// 出现次数降序：两个双来源的在前，按 Hex 升序并列
	assert.Equal(t, 2, lib.Tokens[0].Occurrences())
	assert.Equal(t, 2, lib.Tokens[1].Occurrences())
	assert.Equal(t, 1, lib.Tokens[2].Occurrences())
	assert.Equal(t, "#0B6E4F", lib.Tokens[2].Token.Value.Hex)
}

func TestAggregate_Deterministic(t *testing.T) {
	input := []token.Token{
		color("palette.primary", "#336699", "img-1", 0.9),
		color("palette.primary", "#336A9A", "img-2", 0.8),
		spacing("gap.base", 16, "img-1", 0.9),
		spacing("gap.base", 17, "img-2", 0.7),
	}
	first := New(Options{}).Aggregate(input)
	second := New(Options{}).Aggregate(input)
	require.Equal(t, first, second)
}

func TestAggregate_Idempotent(t *testing.T) {
	input := []token.Token{
		spacing("gap.base", 16, "img-1", 0.9),
		spacing("gap.base", 17, "img-2", 0.8),
		color("palette.primary", "#F15925", "img-1", 0.95),
	}
	once := New(Options{}).Aggregate(input)

	// 将聚合输出视为单图批次再跑一轮：派生值不得变化
	var replay []token.Token
	for _, kind := range token.Kinds() {
		lib, ok := once[kind]
		if !ok {
			continue
		}
		for _, at := range lib.Tokens {
			replay = append(replay, at.Token)
		}
	}
	twice := New(Options{}).Aggregate(replay)
	for kind, lib := range once {
		again := twice[kind]
		require.NotNil(t, again, "kind %s lost on replay", kind)
		require.Len(t, again.Tokens, len(lib.Tokens))
		for i := range lib.Tokens {
			assert.Equal(t, lib.Tokens[i].Token.Value, again.Tokens[i].Token.Value)
			assert.Equal(t, lib.Tokens[i].Token.Name, again.Tokens[i].Token.Name)
		}
	}
}

func TestAggregate_Statistics(t *testing.T) {
	a := New(Options{})
	libs := a.Aggregate([]token.Token{
		spacing("gap.small", 8, "img-1", 0.6),
		spacing("gap.large", 32, "img-1", 0.9),
	})
	st := libs[token.KindSpacing].Statistics
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, 8.0, st.ValueMin)
	assert.Equal(t, 32.0, st.ValueMax)
	assert.InDelta(t, 0.6, st.MinConfidence, 1e-9)
	assert.InDelta(t, 0.9, st.MaxConfidence, 1e-9)
	assert.InDelta(t, 0.75, st.AvgConfidence, 1e-9)
}

func TestAggregate_TypographyExactMatch(t *testing.T) {
	a := New(Options{})
	libs := a.Aggregate([]token.Token{
		{Kind: token.KindTypography, Name: "font.body", Value: token.Value{Raw: "Inter"}, Confidence: 0.9, Image: "img-1"},
		{Kind: token.KindTypography, Name: "font.body", Value: token.Value{Raw: "inter"}, Confidence: 0.8, Image: "img-2"},
		{Kind: token.KindTypography, Name: "font.heading", Value: token.Value{Raw: "Space Grotesk"}, Confidence: 0.9, Image: "img-1"},
	})
	lib := libs[token.KindTypography]
	require.Len(t, lib.Tokens, 2, "case-insensitive exact match merges, different family does not")
	assert.Equal(t, 2, lib.Statistics.DistinctFamilies)
}

func TestSimilarity_PanicsOnMalformedColor(t *testing.T) {
	assert.Panics(t, func() {
		ColorSimilarity(token.Value{Hex: "##nope"}, token.Value{Hex: "#FFFFFF"})
	})
}
