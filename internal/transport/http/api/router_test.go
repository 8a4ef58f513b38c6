package apihttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"dtex/internal/extractor"
	"dtex/internal/store/extractlog"
	"dtex/internal/store/model"
	"dtex/internal/stream"
	"dtex/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	lastReq    StartRunRequest
	lastImages []extractor.Image
	startErr   error
	runs       map[string]*model.RunModel
}

func (f *fakeService) StartRun(_ context.Context, req StartRunRequest, images []extractor.Image) (string, error) {
	f.lastReq = req
	f.lastImages = images
	if f.startErr != nil {
		return "", f.startErr
	}
	return "run-123", nil
}

func (f *fakeService) GetRun(_ context.Context, runID string) (*model.RunModel, error) {
	return f.runs[runID], nil
}

func (f *fakeService) ListRuns(context.Context, int) ([]model.RunModel, error) {
	out := make([]model.RunModel, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeService) Subscribe(string) (<-chan stream.Event, func(), bool) {
	return nil, nil, false
}

func (f *fakeService) Export(_ context.Context, runID, format string) ([]byte, string, error) {
	if _, ok := f.runs[runID]; !ok {
		return nil, "", fmt.Errorf("run %s not found", runID)
	}
	if format != "css" {
		return nil, "", fmt.Errorf("unknown export format %q", format)
	}
	return []byte(":root {}\n"), "css", nil
}

func (f *fakeService) ExportFormats() []string { return []string{"css", "json"} }

func (f *fakeService) ReportHTML(context.Context, string) (string, error) {
	return "", fmt.Errorf("run not found")
}

func (f *fakeService) Audit(context.Context, string) ([]extractlog.Record, error) {
	return []extractlog.Record{{Extractor: "heuristic-palette", CostUSD: 0.01}}, nil
}

func newTestServer(t *testing.T, svc RunAPI) http.Handler {
	t.Helper()
	srv, err := NewServer(ServerConfig{Addr: ":0", Service: svc})
	require.NoError(t, err)
	return srv.Handler()
}

func storedRun(t *testing.T, runID string) *model.RunModel {
	t.Helper()
	res := &token.RunResult{
		RunID:          runID,
		SpentUSD:       0.12,
		TiersCompleted: 2,
		Libraries: map[token.Kind]*token.Library{
			token.KindColor: {Kind: token.KindColor, Tokens: []*token.AggregatedToken{}},
		},
	}
	var m model.RunModel
	require.NoError(t, m.FromRunResult(res, model.RunStatusComplete))
	return &m
}

func TestStartRunJSON(t *testing.T) {
	svc := &fakeService{runs: map[string]*model.RunModel{}}
	h := newTestServer(t, svc)

	body, _ := json.Marshal(StartRunRequest{
		Hint:      "marketing site",
		Kinds:     []string{"color"},
		BudgetUSD: 0.5,
		Images: []InlineImage{{
			Name:   "home.png",
			Mime:   "image/png",
			Base64: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		}},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "run-123")
	require.Len(t, svc.lastImages, 1)
	assert.Equal(t, []byte("png-bytes"), svc.lastImages[0].Bytes)
	assert.Equal(t, "home.png", svc.lastImages[0].Source)
	assert.Equal(t, "marketing site", svc.lastReq.Hint)
}

func TestStartRunRejectsBadBase64(t *testing.T) {
	h := newTestServer(t, &fakeService{runs: map[string]*model.RunModel{}})

	body, _ := json.Marshal(StartRunRequest{
		Images: []InlineImage{{Name: "x.png", Base64: "!!not-base64!!"}},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartRunMultipart(t *testing.T) {
	svc := &fakeService{runs: map[string]*model.RunModel{}}
	h := newTestServer(t, svc)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("hint", "dashboard"))
	require.NoError(t, mw.WriteField("kinds", "color, spacing"))
	require.NoError(t, mw.WriteField("budget_usd", "0.25"))
	part, err := mw.CreateFormFile("image", "shot.png")
	require.NoError(t, err)
	_, err = part.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/runs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, svc.lastImages, 1)
	assert.Equal(t, "shot.png", svc.lastImages[0].Source)
	assert.Equal(t, []string{"color", "spacing"}, svc.lastReq.Kinds)
	assert.InDelta(t, 0.25, svc.lastReq.BudgetUSD, 1e-9)
}

func TestGetRun(t *testing.T) {
	svc := &fakeService{runs: map[string]*model.RunModel{
		"run-1": storedRun(t, "run-1"),
	}}
	h := newTestServer(t, svc)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/run-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, model.RunStatusComplete, body["status"])
	assert.NotNil(t, body["result"])

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportEndpoints(t *testing.T) {
	svc := &fakeService{runs: map[string]*model.RunModel{
		"run-1": storedRun(t, "run-1"),
	}}
	h := newTestServer(t, svc)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/run-1/export/css", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/css", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "tokens_run-1.css")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/missing/export/css", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/export/formats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "css")
}

func TestAuditEndpoint(t *testing.T) {
	svc := &fakeService{runs: map[string]*model.RunModel{}}
	h := newTestServer(t, svc)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/run-1/audit", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "heuristic-palette")
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, &fakeService{runs: map[string]*model.RunModel{}})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
