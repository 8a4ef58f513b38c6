package extractlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	s, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Record{
		RunID: "run-1", Extractor: "gpt-vision", Tier: "medium",
		ImageCount: 2, TokenCount: 14, CostUSD: 0.05, DurationMS: 812,
	}))
	require.NoError(t, s.Append(ctx, Record{
		RunID: "run-1", Extractor: "heuristic-palette", Tier: "fast",
		ImageCount: 2, TokenCount: 6,
	}))
	require.NoError(t, s.Append(ctx, Record{
		RunID: "run-2", Extractor: "gpt-vision", Tier: "medium",
		Timeout: true, Error: "extractor timed out",
	}))

	recs, err := s.List(ctx, Query{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// 新记录在前
	assert.Equal(t, "heuristic-palette", recs[0].Extractor)
	assert.Equal(t, "gpt-vision", recs[1].Extractor)
	assert.Equal(t, 14, recs[1].TokenCount)

	timedOut, err := s.List(ctx, Query{RunID: "run-2"})
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.True(t, timedOut[0].Timeout)
	assert.NotEmpty(t, timedOut[0].Error)
}

func TestListFiltersByExtractor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Record{RunID: "run-1", Extractor: "a", Tier: "fast"}))
	require.NoError(t, s.Append(ctx, Record{RunID: "run-1", Extractor: "b", Tier: "fast"}))

	recs, err := s.List(ctx, Query{Extractor: "a"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Extractor)
}

func TestRunCostSumsSettledCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Record{RunID: "run-1", Extractor: "a", Tier: "fast", CostUSD: 0.05}))
	require.NoError(t, s.Append(ctx, Record{RunID: "run-1", Extractor: "b", Tier: "slow", CostUSD: 0.2}))
	require.NoError(t, s.Append(ctx, Record{RunID: "run-1", Extractor: "c", Tier: "slow", Skipped: true}))

	total, err := s.RunCost(ctx, "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, total, 1e-9)
}

func TestAppendAfterCloseFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	err := s.Append(context.Background(), Record{RunID: "run-1", Extractor: "a", Tier: "fast"})
	assert.Error(t, err)
}
