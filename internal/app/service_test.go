package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"dtex/internal/config"
	"dtex/internal/extractor"
	"dtex/internal/store"
	"dtex/internal/store/model"
	"dtex/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore 内存运行库，仅测试用。提交语义简化为直接写入。
type memStore struct {
	mu     sync.Mutex
	runs   map[string]*model.RunModel
	images map[string][]model.ImageModel
}

func newMemStore() *memStore {
	return &memStore{runs: map[string]*model.RunModel{}, images: map[string][]model.ImageModel{}}
}

func (s *memStore) Begin(context.Context) (store.UnitOfWork, error) { return &memUow{s: s}, nil }
func (s *memStore) Close() error                                    { return nil }

type memUow struct{ s *memStore }

func (u *memUow) Commit() error                 { return nil }
func (u *memUow) Rollback() error               { return nil }
func (u *memUow) Runs() store.RunRepository     { return memRunRepo{u.s} }
func (u *memUow) Images() store.ImageRepository { return memImageRepo{u.s} }

type memRunRepo struct{ s *memStore }

func (r memRunRepo) Save(_ context.Context, run *model.RunModel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *run
	r.s.runs[run.RunID] = &cp
	return nil
}

func (r memRunRepo) FindByRunID(_ context.Context, runID string) (*model.RunModel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (r memRunRepo) ListRecent(_ context.Context, limit int) ([]model.RunModel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.RunModel, 0, len(r.s.runs))
	for _, run := range r.s.runs {
		out = append(out, *run)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memRunRepo) UpdateStatus(_ context.Context, runID, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if run, ok := r.s.runs[runID]; ok {
		run.Status = status
	}
	return nil
}

type memImageRepo struct{ s *memStore }

func (r memImageRepo) Save(_ context.Context, img *model.ImageModel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.images[img.RunID] = append(r.s.images[img.RunID], *img)
	return nil
}

func (r memImageRepo) ListByRun(_ context.Context, runID string) ([]model.ImageModel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]model.ImageModel(nil), r.s.images[runID]...), nil
}

type staticCV struct {
	name   string
	tokens []token.Token
}

func (s staticCV) Name() string { return s.name }

func (s staticCV) Run(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
	return s.tokens, 0, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Extraction.BudgetUSD = 0.5
	cfg.Extraction.DefaultKinds = []string{"color"}
	return cfg
}

func testRegistry(t *testing.T) *extractor.Registry {
	t.Helper()
	reg := extractor.NewRegistry()
	cfg := extractor.Config{
		Name:    "heuristic-palette",
		Tier:    "fast",
		Weight:  1.0,
		Enabled: true,
	}
	ex := staticCV{name: cfg.Name, tokens: []token.Token{{
		Kind:       token.KindColor,
		Name:       "primary",
		Value:      token.Value{Hex: "#F15925"},
		Confidence: 0.8,
		Image:      "img-1",
	}}}
	require.NoError(t, reg.Register(cfg, ex))
	return reg
}

func waitComplete(t *testing.T, svc *RunService, runID string) *model.RunModel {
	t.Helper()
	var run *model.RunModel
	require.Eventually(t, func() bool {
		var err error
		run, err = svc.GetRun(context.Background(), runID)
		if err != nil || run == nil {
			return false
		}
		return run.Status == model.RunStatusComplete
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestStartRunPersistsResult(t *testing.T) {
	st := newMemStore()
	svc, err := NewRunService(testConfig(), testRegistry(t), st)
	require.NoError(t, err)

	runID, err := svc.StartRun(context.Background(), StartRequest{
		Images: []extractor.Image{{ID: "img-1", Bytes: []byte{1}, Mime: "image/png"}},
		Hint:   "landing page",
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run := waitComplete(t, svc, runID)
	assert.Equal(t, "landing page", run.Hint)
	assert.Equal(t, 1, run.TokenCount)
	assert.False(t, run.Aborted)

	res, err := run.ToRunResult()
	require.NoError(t, err)
	lib := res.Library(token.KindColor)
	require.NotNil(t, lib)
	require.Len(t, lib.Tokens, 1)
	assert.Equal(t, "#F15925", lib.Tokens[0].Token.Value.Hex)

	imgs, err2 := memImageRepo{st}.ListByRun(context.Background(), runID)
	require.NoError(t, err2)
	require.Len(t, imgs, 1)
	assert.Equal(t, "img-1", imgs[0].ImageID)
}

func TestStartRunRequiresInput(t *testing.T) {
	svc, err := NewRunService(testConfig(), testRegistry(t), newMemStore())
	require.NoError(t, err)

	_, err = svc.StartRun(context.Background(), StartRequest{})
	assert.Error(t, err)

	_, err = svc.StartRun(context.Background(), StartRequest{
		URLs: []string{"https://example.com"},
	})
	assert.Error(t, err, "url input without a capturer must fail")
}

func TestStartRunRejectsUnknownKind(t *testing.T) {
	svc, err := NewRunService(testConfig(), testRegistry(t), newMemStore())
	require.NoError(t, err)

	_, err = svc.StartRun(context.Background(), StartRequest{
		Images: []extractor.Image{{ID: "img-1", Bytes: []byte{1}}},
		Kinds:  []string{"gradient-nope"},
	})
	assert.Error(t, err)
}

func TestExportCompletedRun(t *testing.T) {
	svc, err := NewRunService(testConfig(), testRegistry(t), newMemStore())
	require.NoError(t, err)

	runID, err := svc.StartRun(context.Background(), StartRequest{
		Images: []extractor.Image{{ID: "img-1", Bytes: []byte{1}}},
	})
	require.NoError(t, err)
	waitComplete(t, svc, runID)

	raw, ext, err := svc.Export(context.Background(), runID, "css")
	require.NoError(t, err)
	assert.Equal(t, "css", ext)
	assert.Contains(t, string(raw), "#F15925")

	_, _, err = svc.Export(context.Background(), "missing", "css")
	assert.Error(t, err)
}
