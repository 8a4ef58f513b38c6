package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dtex/internal/aggregate"
	"dtex/internal/capture"
	"dtex/internal/config"
	"dtex/internal/consensus"
	"dtex/internal/export"
	"dtex/internal/extractor"
	"dtex/internal/gateway/notifier"
	"dtex/internal/logger"
	"dtex/internal/orchestrator"
	"dtex/internal/pkg/maputil"
	"dtex/internal/report"
	"dtex/internal/store"
	"dtex/internal/store/extractlog"
	"dtex/internal/store/model"
	"dtex/internal/stream"
	"dtex/internal/token"

	"github.com/google/uuid"
)

// 中文说明：
// 运行服务：HTTP 层之下的用例层。负责运行的创建、异步执行、事件流转接、
// 审计落库与结果持久化。对编排器保持单向依赖：编排器不知道持久化的存在。

// StartRequest 一次运行的外部输入。
type StartRequest struct {
	Images    []extractor.Image
	URLs      []string
	Hint      string
	Kinds     []string
	BudgetUSD float64 // <=0 时取配置默认值
}

// RunService 管理抽取运行的完整生命周期。
type RunService struct {
	cfg        *config.Config
	registry   *extractor.Registry
	engine     *consensus.Engine
	aggregator *aggregate.Aggregator
	runs       store.Store
	audit      *extractlog.AuditStore
	exports    *export.Registry
	notify     notifier.TextNotifier
	capturer   *capture.Capturer

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	emitter *stream.Emitter
}

// NewRunService 组装运行服务。runs 与 registry 必填，其余依赖可为 nil（降级运行）。
func NewRunService(cfg *config.Config, registry *extractor.Registry, runs store.Store, opts ...ServiceOption) (*RunService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("run service requires config")
	}
	if registry == nil {
		return nil, fmt.Errorf("run service requires extractor registry")
	}
	if runs == nil {
		return nil, fmt.Errorf("run service requires run store")
	}
	s := &RunService{
		cfg:        cfg,
		registry:   registry,
		engine:     consensus.NewEngine(cfg.Extraction.ConsensusThreshold, nil),
		aggregator: aggregate.New(aggregate.Options{MergeThresholds: mergeThresholds(cfg)}),
		runs:       runs,
		exports:    export.DefaultRegistry(),
		active:     map[string]*activeRun{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ServiceOption 可选依赖注入。
type ServiceOption func(*RunService)

func WithAuditStore(a *extractlog.AuditStore) ServiceOption {
	return func(s *RunService) { s.audit = a }
}

func WithNotifier(n notifier.TextNotifier) ServiceOption {
	return func(s *RunService) { s.notify = n }
}

func WithCapturer(c *capture.Capturer) ServiceOption {
	return func(s *RunService) { s.capturer = c }
}

func WithExportRegistry(r *export.Registry) ServiceOption {
	return func(s *RunService) {
		if r != nil {
			s.exports = r
		}
	}
}

func mergeThresholds(cfg *config.Config) map[token.Kind]float64 {
	th := cfg.Extraction.MergeThreshold
	if th <= 0 || th >= 1 {
		return nil
	}
	out := make(map[token.Kind]float64, len(token.Kinds()))
	for _, kind := range token.Kinds() {
		out[kind] = th
	}
	return out
}

// StartRun 创建并异步启动一次运行，立即返回 run ID。
func (s *RunService) StartRun(ctx context.Context, req StartRequest) (string, error) {
	images := append([]extractor.Image(nil), req.Images...)
	if len(req.URLs) > 0 {
		if s.capturer == nil {
			return "", fmt.Errorf("url capture is not enabled")
		}
		captured, err := s.capturer.CaptureAll(ctx, req.URLs)
		if err != nil && len(images) == 0 {
			return "", err
		}
		images = append(images, captured...)
	}
	if len(images) == 0 {
		return "", fmt.Errorf("run requires at least one image or url")
	}

	budget := req.BudgetUSD
	if budget <= 0 {
		budget = s.cfg.Extraction.BudgetUSD
	}
	kinds, err := resolveKinds(req.Kinds, s.cfg.Extraction.DefaultKinds)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	if err := s.persistPending(ctx, runID, req.Hint, budget, images); err != nil {
		return "", err
	}

	emitter := stream.NewEmitter(256)
	s.mu.Lock()
	s.active[runID] = &activeRun{emitter: emitter}
	s.mu.Unlock()

	orchReq := orchestrator.Request{
		RunID:     runID,
		Images:    images,
		Params:    extractor.Params{Kinds: kinds, Hint: strings.TrimSpace(req.Hint)},
		BudgetUSD: budget,
	}
	// 运行不随 HTTP 请求取消
	go s.execute(context.Background(), orchReq, emitter)
	return runID, nil
}

func resolveKinds(requested, fallback []string) ([]token.Kind, error) {
	raw := requested
	if len(raw) == 0 {
		raw = fallback
	}
	out := make([]token.Kind, 0, len(raw))
	for _, k := range raw {
		kind := token.NormalizeKind(k)
		if kind == "" {
			return nil, fmt.Errorf("unknown token kind %q", k)
		}
		out = append(out, kind)
	}
	return out, nil
}

func (s *RunService) persistPending(ctx context.Context, runID, hint string, budget float64, images []extractor.Image) error {
	uow, err := s.runs.Begin(ctx)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	run := &model.RunModel{
		RunID:         runID,
		Status:        model.RunStatusPending,
		Hint:          strings.TrimSpace(hint),
		BudgetUSD:     budget,
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
	if err := uow.Runs().Save(ctx, run); err != nil {
		_ = uow.Rollback()
		return err
	}
	for _, img := range images {
		if err := uow.Images().Save(ctx, &model.ImageModel{
			RunID:     runID,
			ImageID:   img.ID,
			Source:    img.Source,
			Mime:      img.Mime,
			SizeBytes: len(img.Bytes),
		}); err != nil {
			_ = uow.Rollback()
			return err
		}
	}
	return uow.Commit()
}

func (s *RunService) execute(ctx context.Context, req orchestrator.Request, emitter *stream.Emitter) {
	defer func() {
		emitter.Close()
		s.mu.Lock()
		delete(s.active, req.RunID)
		s.mu.Unlock()
	}()

	if s.audit != nil {
		go s.mirrorAudit(ctx, emitter)
	}
	_ = s.markRunning(ctx, req.RunID)

	orch, err := orchestrator.New(s.registry, s.engine, s.aggregator,
		orchestrator.WithEmitter(emitter),
		orchestrator.WithConcurrency(s.cfg.Extraction.Concurrency),
	)
	if err != nil {
		logger.Errorf("run %s: orchestrator setup failed: %v", req.RunID, err)
		s.persistFailure(ctx, req.RunID, err)
		return
	}

	res, err := orch.Run(ctx, req)
	if res == nil {
		logger.Errorf("run %s failed: %v", req.RunID, err)
		s.persistFailure(ctx, req.RunID, err)
		return
	}
	if err != nil {
		// 中止类终止：部分结果照常落库，状态由 res.Aborted 决定
		logger.Warnf("run %s ended early: %v", req.RunID, err)
	}
	s.persistResult(ctx, res)
	s.recordSkipped(ctx, res)
	s.notifyResult(res)
}

// mirrorAudit 把事件流中的结算事件转写进审计库。
func (s *RunService) mirrorAudit(ctx context.Context, emitter *stream.Emitter) {
	ch, cancel := emitter.Subscribe()
	defer cancel()
	for ev := range ch {
		if ev.Status != stream.StatusExtractorSettled {
			continue
		}
		rec := extractlog.Record{
			RunID:      ev.RunID,
			Tier:       string(ev.Tier),
			Extractor:  maputil.String(ev.Payload, "extractor"),
			TokenCount: maputil.Int(ev.Payload, "tokens"),
			CostUSD:    maputil.Float(ev.Payload, "cost_usd"),
			DurationMS: int64(maputil.Float(ev.Payload, "duration_ms")),
			Error:      maputil.String(ev.Payload, "error"),
		}
		rec.Timeout = strings.Contains(rec.Error, "timed out")
		if err := s.audit.Append(ctx, rec); err != nil {
			logger.Warnf("audit append failed: %v", err)
		}
	}
}

// recordSkipped 预算跳过的抽取器没有结算事件，从结果补写审计。
func (s *RunService) recordSkipped(ctx context.Context, res *token.RunResult) {
	if s.audit == nil {
		return
	}
	for _, f := range res.Failures {
		if !f.Skipped {
			continue
		}
		if err := s.audit.Append(ctx, extractlog.Record{
			RunID:     res.RunID,
			Extractor: f.Extractor,
			Tier:      f.Tier,
			Skipped:   true,
			Error:     f.Reason,
		}); err != nil {
			logger.Warnf("audit append failed: %v", err)
		}
	}
}

func (s *RunService) markRunning(ctx context.Context, runID string) error {
	uow, err := s.runs.Begin(ctx)
	if err != nil {
		return err
	}
	if err := uow.Runs().UpdateStatus(ctx, runID, model.RunStatusRunning); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}

func (s *RunService) persistResult(ctx context.Context, res *token.RunResult) {
	status := model.RunStatusComplete
	switch {
	case res.Aborted:
		status = model.RunStatusAborted
	case res.BudgetExhausted:
		status = model.RunStatusBudgetExceeded
	}
	uow, err := s.runs.Begin(ctx)
	if err != nil {
		logger.Errorf("run %s: persist failed: %v", res.RunID, err)
		return
	}
	existing, err := uow.Runs().FindByRunID(ctx, res.RunID)
	if err != nil || existing == nil {
		_ = uow.Rollback()
		logger.Errorf("run %s: cannot load run row for persist: %v", res.RunID, err)
		return
	}
	if err := existing.FromRunResult(res, status); err != nil {
		_ = uow.Rollback()
		logger.Errorf("run %s: serialize result failed: %v", res.RunID, err)
		return
	}
	if err := uow.Runs().Save(ctx, existing); err != nil {
		_ = uow.Rollback()
		logger.Errorf("run %s: persist failed: %v", res.RunID, err)
		return
	}
	if err := uow.Commit(); err != nil {
		logger.Errorf("run %s: persist commit failed: %v", res.RunID, err)
	}
}

func (s *RunService) persistFailure(ctx context.Context, runID string, cause error) {
	uow, err := s.runs.Begin(ctx)
	if err != nil {
		return
	}
	if err := uow.Runs().UpdateStatus(ctx, runID, model.RunStatusFailed); err != nil {
		_ = uow.Rollback()
		return
	}
	_ = uow.Commit()
	_ = cause
}

func (s *RunService) notifyResult(res *token.RunResult) {
	if s.notify == nil {
		return
	}
	var text string
	switch {
	case res.Aborted:
		text = notifier.FormatRunAborted(res)
	case res.BudgetExhausted:
		text = notifier.FormatBudgetExhausted(res)
	default:
		text = notifier.FormatRunComplete(res)
	}
	if text == "" {
		return
	}
	if err := s.notify.SendText(text); err != nil {
		logger.Warnf("run %s: notify failed: %v", res.RunID, err)
	}
}

// Subscribe 订阅运行事件流。运行已结束时 ok=false。
func (s *RunService) Subscribe(runID string) (<-chan stream.Event, func(), bool) {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	ch, cancel := ar.emitter.Subscribe()
	return ch, cancel, true
}

// GetRun 读取一次运行的持久化记录（不存在返回 nil）。
func (s *RunService) GetRun(ctx context.Context, runID string) (*model.RunModel, error) {
	uow, err := s.runs.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback() }()
	return uow.Runs().FindByRunID(ctx, runID)
}

// ListRuns 最近运行列表。
func (s *RunService) ListRuns(ctx context.Context, limit int) ([]model.RunModel, error) {
	uow, err := s.runs.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = uow.Rollback() }()
	return uow.Runs().ListRecent(ctx, limit)
}

// Export 按格式导出运行结果。
func (s *RunService) Export(ctx context.Context, runID, format string) ([]byte, string, error) {
	res, err := s.loadResult(ctx, runID)
	if err != nil {
		return nil, "", err
	}
	return s.exports.Generate(format, res)
}

// ExportFormats 可用导出格式。
func (s *RunService) ExportFormats() []string {
	return s.exports.Formats()
}

// ReportHTML 渲染运行报告并返回文件路径。
func (s *RunService) ReportHTML(ctx context.Context, runID string) (string, error) {
	res, err := s.loadResult(ctx, runID)
	if err != nil {
		return "", err
	}
	return report.WriteHTML(res, s.cfg.Report.Dir)
}

// Audit 运行的审计记录。
func (s *RunService) Audit(ctx context.Context, runID string) ([]extractlog.Record, error) {
	if s.audit == nil {
		return nil, fmt.Errorf("audit log is not enabled")
	}
	return s.audit.List(ctx, extractlog.Query{RunID: runID})
}

func (s *RunService) loadResult(ctx context.Context, runID string) (*token.RunResult, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return run.ToRunResult()
}
