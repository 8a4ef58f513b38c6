package apihttp

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"dtex/internal/extractor"
	"dtex/internal/store/extractlog"
	"dtex/internal/store/model"
	"dtex/internal/stream"

	"github.com/gin-gonic/gin"
)

// 单张输入图片的大小上限
const maxImageBytes = 10 << 20

// StartRunRequest POST /api/runs 的请求体（JSON 路径；multipart 另行解析）。
type StartRunRequest struct {
	URLs      []string       `json:"urls"`
	Images    []InlineImage  `json:"images"`
	Hint      string         `json:"hint"`
	Kinds     []string       `json:"kinds"`
	BudgetUSD float64        `json:"budget_usd"`
}

// InlineImage base64 编码的内联图片。
type InlineImage struct {
	Name   string `json:"name"`
	Mime   string `json:"mime"`
	Base64 string `json:"base64"`
}

// RunAPI 由用例层实现，路由只依赖该接口。
type RunAPI interface {
	StartRun(ctx context.Context, req StartRunRequest, images []extractor.Image) (string, error)
	GetRun(ctx context.Context, runID string) (*model.RunModel, error)
	ListRuns(ctx context.Context, limit int) ([]model.RunModel, error)
	Subscribe(runID string) (<-chan stream.Event, func(), bool)
	Export(ctx context.Context, runID, format string) ([]byte, string, error)
	ExportFormats() []string
	ReportHTML(ctx context.Context, runID string) (string, error)
	Audit(ctx context.Context, runID string) ([]extractlog.Record, error)
}

// Router 暴露抽取运行相关接口。
type Router struct {
	svc RunAPI
}

// NewRouter 构造 API router。
func NewRouter(svc RunAPI) *Router {
	return &Router{svc: svc}
}

// Register 将 /api 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/runs", r.handleStartRun)
	group.GET("/runs", r.handleListRuns)
	group.GET("/runs/:id", r.handleGetRun)
	group.GET("/runs/:id/events", r.handleRunEvents)
	group.GET("/runs/:id/export/:format", r.handleExport)
	group.GET("/runs/:id/report", r.handleReport)
	group.GET("/runs/:id/audit", r.handleAudit)
	group.GET("/export/formats", r.handleExportFormats)
}

func (r *Router) handleStartRun(c *gin.Context) {
	var req StartRunRequest
	var images []extractor.Image
	var err error

	ct := c.ContentType()
	if strings.HasPrefix(ct, "multipart/") {
		req, images, err = parseMultipartRun(c)
	} else {
		err = c.ShouldBindJSON(&req)
		if err == nil {
			images, err = decodeInlineImages(req.Images)
		}
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := r.svc.StartRun(c.Request.Context(), req, images)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func parseMultipartRun(c *gin.Context) (StartRunRequest, []extractor.Image, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return StartRunRequest{}, nil, err
	}
	req := StartRunRequest{
		Hint:  firstValue(form.Value, "hint"),
		URLs:  form.Value["url"],
		Kinds: splitCSV(firstValue(form.Value, "kinds")),
	}
	if raw := firstValue(form.Value, "budget_usd"); raw != "" {
		budget, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return StartRunRequest{}, nil, fmt.Errorf("invalid budget_usd %q", raw)
		}
		req.BudgetUSD = budget
	}

	var images []extractor.Image
	for i, fh := range form.File["image"] {
		if fh.Size > maxImageBytes {
			return StartRunRequest{}, nil, fmt.Errorf("image %s exceeds %d bytes", fh.Filename, maxImageBytes)
		}
		f, err := fh.Open()
		if err != nil {
			return StartRunRequest{}, nil, err
		}
		raw, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
		f.Close()
		if err != nil {
			return StartRunRequest{}, nil, err
		}
		images = append(images, extractor.Image{
			ID:     fmt.Sprintf("img-%d", i+1),
			Bytes:  raw,
			Mime:   fh.Header.Get("Content-Type"),
			Source: fh.Filename,
		})
	}
	return req, images, nil
}

func decodeInlineImages(in []InlineImage) ([]extractor.Image, error) {
	images := make([]extractor.Image, 0, len(in))
	for i, img := range in {
		raw, err := base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			return nil, fmt.Errorf("images[%d]: invalid base64: %w", i, err)
		}
		if len(raw) > maxImageBytes {
			return nil, fmt.Errorf("images[%d] exceeds %d bytes", i, maxImageBytes)
		}
		images = append(images, extractor.Image{
			ID:     fmt.Sprintf("img-%d", i+1),
			Bytes:  raw,
			Mime:   img.Mime,
			Source: img.Name,
		})
	}
	return images, nil
}

func (r *Router) handleListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := r.svc.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(runs))
	for _, run := range runs {
		out = append(out, runSummary(&run))
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func runSummary(run *model.RunModel) gin.H {
	return gin.H{
		"run_id":           run.RunID,
		"status":           run.Status,
		"budget_usd":       run.BudgetUSD,
		"spent_usd":        run.SpentUSD,
		"tiers_completed":  run.TiersCompleted,
		"token_count":      run.TokenCount,
		"aborted":          run.Aborted,
		"budget_exhausted": run.BudgetExhausted,
		"created_at":       run.CreatedAtUnix,
		"updated_at":       run.UpdatedAtUnix,
	}
}

func (r *Router) handleGetRun(c *gin.Context) {
	run, err := r.svc.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	res, err := run.ToRunResult()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	body := runSummary(run)
	body["abort_reason"] = run.AbortReason
	body["result"] = res
	c.JSON(http.StatusOK, body)
}

// handleRunEvents 以 SSE 推送运行事件。运行已结束时推送一条最终快照后关闭。
func (r *Router) handleRunEvents(c *gin.Context) {
	runID := c.Param("id")
	ch, cancel, ok := r.svc.Subscribe(runID)
	if !ok {
		run, err := r.svc.GetRun(c.Request.Context(), runID)
		if err != nil || run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.SSEvent(stream.StatusRunComplete, runSummary(run))
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, open := <-ch:
			if !open {
				return false
			}
			c.SSEvent(ev.Status, ev)
			return true
		}
	})
}

func (r *Router) handleExport(c *gin.Context) {
	raw, ext, err := r.svc.Export(c.Request.Context(), c.Param("id"), c.Param("format"))
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	filename := fmt.Sprintf("tokens_%s.%s", c.Param("id"), ext)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentTypeFor(ext), raw)
}

func contentTypeFor(ext string) string {
	switch ext {
	case "json":
		return "application/json"
	case "css":
		return "text/css"
	default:
		return "application/octet-stream"
	}
}

func (r *Router) handleExportFormats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"formats": r.svc.ExportFormats()})
}

func (r *Router) handleReport(c *gin.Context) {
	path, err := r.svc.ReportHTML(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.File(path)
}

func (r *Router) handleAudit(c *gin.Context) {
	recs, err := r.svc.Audit(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func firstValue(values map[string][]string, key string) string {
	if vs := values[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
