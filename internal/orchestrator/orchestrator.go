package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"dtex/internal/aggregate"
	"dtex/internal/budget"
	"dtex/internal/consensus"
	"dtex/internal/extractor"
	"dtex/internal/logger"
	"dtex/internal/stream"
	"dtex/internal/token"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// 中文说明：
// 分梯队抽取编排器。梯队严格串行、梯队内并发，预算经悲观预留控制；
// 投票跨梯队累积，每个梯队结束后整库重新求解共识再聚合。
// 必选抽取器失败即中止，结果回退到上一梯队完成时的状态。

// DefaultConcurrency 单梯队内并发上限。
const DefaultConcurrency = 5

// ErrRequiredExtractor 必选抽取器失败导致运行中止。
// Run 同时返回部分结果（上一梯队状态）与该错误。
var ErrRequiredExtractor = errors.New("required extractor failed")

// State 运行状态机。
type State string

const (
	StatePending        State = "PENDING"
	StateRunningTier    State = "RUNNING_TIER"
	StateBudgetExceeded State = "BUDGET_EXCEEDED"
	StateAborted        State = "ABORTED"
	StateComplete       State = "COMPLETE"
)

// Request 一次抽取运行的输入。
type Request struct {
	RunID     string
	Images    []extractor.Image
	Params    extractor.Params
	BudgetUSD float64
}

// Orchestrator 驱动一次完整的多梯队抽取运行。无内部状态，可并发复用。
type Orchestrator struct {
	registry    *extractor.Registry
	engine      *consensus.Engine
	aggregator  *aggregate.Aggregator
	emitter     *stream.Emitter
	concurrency int
}

// Option 构造期配置。
type Option func(*Orchestrator)

// WithConcurrency 覆盖梯队内并发上限。
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithEmitter 绑定事件发布器。
func WithEmitter(em *stream.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = em }
}

func New(registry *extractor.Registry, engine *consensus.Engine, aggregator *aggregate.Aggregator, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("orchestrator requires extractor registry")
	}
	if engine == nil {
		engine = consensus.NewEngine(consensus.DefaultThreshold, nil)
	}
	if aggregator == nil {
		aggregator = aggregate.New(aggregate.Options{})
	}
	o := &Orchestrator{
		registry:    registry,
		engine:      engine,
		aggregator:  aggregator,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// slot 一个投票槽位的累积状态。Name/Image 来自首见令牌，DesignIntent 取首个非空。
type slot struct {
	kind   token.Kind
	name   string
	image  string
	intent string
	votes  []consensus.Vote
}

// outcome 单个抽取器在当前梯队的结算。
type outcome struct {
	entry   extractor.Entry
	tokens  []token.Token
	costUSD float64
	err     error
	skipped bool
}

// Run 执行一次完整运行。编排错误（配置为空、无图片）返回 (nil, err)。
// 中止类终止（必选抽取器失败、ctx 取消）返回部分结果与对应错误：
// errors.Is(err, ErrRequiredExtractor) 或 ctx.Err()。预算耗尽是正常收尾，
// 只体现在 RunResult.BudgetExhausted 上，不作为错误返回。
func (o *Orchestrator) Run(ctx context.Context, req Request) (*token.RunResult, error) {
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("run requires at least one image")
	}
	if o.registry.Enabled() == 0 {
		return nil, fmt.Errorf("no enabled extractors registered")
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}

	tracker := budget.NewTracker(req.BudgetUSD)
	result := &token.RunResult{
		RunID:     runID,
		Libraries: map[token.Kind]*token.Library{},
	}
	slots := map[string]*slot{}
	state := StatePending
	var runErr error

	o.emit(stream.Event{RunID: runID, Phase: stream.PhaseRun, Status: stream.StatusRunStarted, Payload: map[string]any{
		"images":     len(req.Images),
		"budget_usd": tracker.Ceiling(),
	}})
	logger.Infof("run %s started: %d images, budget %.4f USD", runID, len(req.Images), tracker.Ceiling())

	tiers := o.registry.Tiers()
	for _, tier := range tiers {
		// 进入梯队前的预算闸门：连最便宜的后续调用都付不起就正常收尾
		if cheapest, ok := o.registry.CheapestFrom(tier); ok && !tracker.CanAfford(cheapest) {
			result.BudgetExhausted = true
			state = StateBudgetExceeded
			o.emit(stream.Event{RunID: runID, Phase: stream.PhaseTier, Tier: tier, Status: stream.StatusBudgetExceeded, Payload: map[string]any{
				"remaining_usd": tracker.Remaining(),
				"cheapest_usd":  cheapest,
			}})
			logger.Infof("run %s: budget exhausted before tier %s (remaining %.4f, cheapest %.4f)",
				runID, tier, tracker.Remaining(), cheapest)
			break
		}

		state = StateRunningTier
		o.emit(stream.Event{RunID: runID, Phase: stream.PhaseTier, Tier: tier, Status: stream.StatusTierStarted})

		outcomes := o.runTier(ctx, tier, req, tracker, runID)

		requiredFailure := ""
		var requiredErr error
		for _, oc := range outcomes {
			cfg := oc.entry.Config
			switch {
			case oc.skipped:
				// 预留竞争落败只记 skipped，不终止：是否收尾由下一梯队的预算闸门决定
				result.Failures = append(result.Failures, token.ExtractorFailure{
					Extractor: cfg.Name, Tier: cfg.Tier, Reason: "budget insufficient", Skipped: true,
				})
			case oc.err != nil:
				result.Failures = append(result.Failures, token.ExtractorFailure{
					Extractor: cfg.Name, Tier: cfg.Tier,
					Reason:  oc.err.Error(),
					Timeout: errors.Is(oc.err, extractor.ErrTimeout),
				})
				if cfg.Required && requiredFailure == "" {
					requiredFailure = fmt.Sprintf("required extractor %s failed: %v", cfg.Name, oc.err)
					requiredErr = fmt.Errorf("%w: %s: %v", ErrRequiredExtractor, cfg.Name, oc.err)
				}
			}
		}

		if requiredFailure != "" {
			// 本梯队已收集的票全部作废，结果停留在上一梯队
			result.Aborted = true
			result.AbortReason = requiredFailure
			state = StateAborted
			o.emit(stream.Event{RunID: runID, Phase: stream.PhaseTier, Tier: tier, Status: stream.StatusAborted, Payload: map[string]any{
				"reason": requiredFailure,
			}})
			logger.Errorf("run %s aborted in tier %s: %s", runID, tier, requiredFailure)
			runErr = requiredErr
			break
		}

		for _, oc := range outcomes {
			if oc.err != nil || oc.skipped {
				continue
			}
			addVotes(slots, oc.entry.Config, oc.tokens)
		}

		libs, conflicts := o.resolve(runID, slots)
		result.Libraries = libs
		result.Conflicts = conflicts
		result.TiersCompleted++

		o.emit(stream.Event{RunID: runID, Phase: stream.PhaseTier, Tier: tier, Status: stream.StatusTierComplete, Payload: map[string]any{
			"tokens":    result.TokenCount(),
			"conflicts": len(conflicts),
			"spent_usd": tracker.Spent(),
		}})
		logger.Infof("run %s: tier %s complete (%s)", runID, tier, result.Summary())

		if err := ctx.Err(); err != nil {
			result.Aborted = true
			result.AbortReason = err.Error()
			state = StateAborted
			runErr = err
			break
		}
	}

	if state == StateRunningTier || state == StatePending {
		state = StateComplete
	}
	result.SpentUSD = tracker.Spent()
	o.emit(stream.Event{RunID: runID, Phase: stream.PhaseRun, Status: stream.StatusRunComplete, Payload: map[string]any{
		"state":   string(state),
		"summary": result.Summary(),
	}})
	logger.Infof("run %s finished: state=%s %s", runID, state, result.Summary())
	return result, runErr
}

// runTier 并发执行一个梯队的全部启用抽取器，返回按注册顺序排列的结算。
func (o *Orchestrator) runTier(ctx context.Context, tier extractor.Tier, req Request, tracker *budget.Tracker, runID string) []outcome {
	entries := o.registry.ByTier(tier)
	outcomes := make([]outcome, len(entries))

	// 不用 WithContext：单个抽取器失败不连坐同梯队其余抽取器
	var g errgroup.Group
	g.SetLimit(o.concurrency)

	var mu sync.Mutex
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			oc := o.invokeOne(ctx, entry, req, tracker, runID)
			mu.Lock()
			outcomes[i] = oc
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// invokeOne 预留→执行→结算单个抽取器。panic 折算为失败，不打断梯队。
func (o *Orchestrator) invokeOne(ctx context.Context, entry extractor.Entry, req Request, tracker *budget.Tracker, runID string) outcome {
	cfg := entry.Config
	if !tracker.TryReserve(cfg.CostPerCall) {
		logger.Warnf("run %s: extractor %s skipped, cannot reserve %.4f USD", runID, cfg.Name, cfg.CostPerCall)
		return outcome{entry: entry, skipped: true}
	}

	o.emit(stream.Event{RunID: runID, Phase: stream.PhaseTier, Tier: cfg.TierValue(), Status: stream.StatusExtractorStarted, Payload: map[string]any{
		"extractor": cfg.Name,
	}})

	callCtx := ctx
	cancel := func() {}
	if cfg.TimeoutSeconds > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
	}
	defer cancel()

	started := time.Now()
	tokens, cost, err := invokeSafe(callCtx, entry.Extractor, req.Images, req.Params)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = extractor.ErrTimeout
	}

	if err != nil {
		tracker.Refund(cfg.CostPerCall)
		logger.Warnf("run %s: extractor %s failed: %v", runID, cfg.Name, err)
	} else {
		if cost > cfg.CostPerCall {
			// 契约要求成功成本等于配置值；超出部分不再追加扣费
			logger.Warnf("run %s: extractor %s reported cost %.4f above configured %.4f", runID, cfg.Name, cost, cfg.CostPerCall)
			cost = cfg.CostPerCall
		}
		tracker.Commit(cost)
		if refund := cfg.CostPerCall - cost; refund > 0 {
			tracker.Refund(refund)
		}
	}

	o.emit(stream.Event{RunID: runID, Phase: stream.PhaseTier, Tier: cfg.TierValue(), Status: stream.StatusExtractorSettled,
		Payload: stream.ExtractorSettledPayload(cfg.Name, tokens, cost, time.Since(started).Milliseconds(), err)})
	return outcome{entry: entry, tokens: tokens, costUSD: cost, err: err}
}

func invokeSafe(ctx context.Context, ex extractor.Extractor, images []extractor.Image, params extractor.Params) (tokens []token.Token, cost float64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			tokens, cost = nil, 0
			err = fmt.Errorf("extractor %s panicked: %v", ex.Name(), rec)
		}
	}()
	return ex.Run(ctx, images, params)
}

// addVotes 将一个抽取器的产出并入累积槽位。
func addVotes(slots map[string]*slot, cfg extractor.Config, tokens []token.Token) {
	for _, t := range tokens {
		key := t.SlotKey()
		s, ok := slots[key]
		if !ok {
			s = &slot{kind: t.Kind, name: strings.TrimSpace(t.Name), image: t.Image}
			slots[key] = s
		}
		if s.intent == "" {
			s.intent = t.DesignIntent
		}
		s.votes = append(s.votes, consensus.Vote{
			Extractor: cfg.Name,
			Value:     t.Value,
			Weight:    cfg.EffectiveWeight(),
		})
	}
}

// resolve 对全部累积槽位重新求解共识并聚合成库。
func (o *Orchestrator) resolve(runID string, slots map[string]*slot) (map[token.Kind]*token.Library, []token.SlotConflict) {
	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	consensusTokens := make([]token.Token, 0, len(keys))
	var conflicts []token.SlotConflict
	for _, key := range keys {
		s := slots[key]
		res, ok := o.engine.Resolve(s.kind, s.votes)
		if !ok {
			continue
		}
		consensusTokens = append(consensusTokens, token.Token{
			Kind:         s.kind,
			Name:         s.name,
			Value:        res.Value,
			Confidence:   res.Confidence,
			DesignIntent: s.intent,
			Image:        s.image,
		})
		if res.Conflict != nil {
			conflicts = append(conflicts, token.SlotConflict{
				Slot:           key,
				Kind:           s.kind,
				Value:          res.Value,
				AgreementRatio: res.AgreementRatio,
				Recommendation: res.Conflict.Recommendation,
			})
			o.emit(stream.Event{RunID: runID, Phase: stream.PhaseConsensus, Status: res.Conflict.Status, Payload: map[string]any{
				"slot":      key,
				"agreement": res.AgreementRatio,
			}})
		}
	}
	return o.aggregator.Aggregate(consensusTokens), conflicts
}

func (o *Orchestrator) emit(ev stream.Event) {
	if o.emitter == nil {
		return
	}
	o.emitter.Emit(ev)
}
