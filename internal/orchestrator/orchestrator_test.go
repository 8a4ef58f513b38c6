package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dtex/internal/aggregate"
	"dtex/internal/consensus"
	"dtex/internal/extractor"
	"dtex/internal/stream"
	"dtex/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	name string
	run  func(ctx context.Context, images []extractor.Image, params extractor.Params) ([]token.Token, float64, error)
}

func (f *fakeExtractor) Name() string { return f.name }

func (f *fakeExtractor) Run(ctx context.Context, images []extractor.Image, params extractor.Params) ([]token.Token, float64, error) {
	return f.run(ctx, images, params)
}

type callLog struct {
	mu    sync.Mutex
	names []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
}

func colorToken(image, name, hex string) token.Token {
	return token.Token{Kind: token.KindColor, Name: name, Value: token.Value{Hex: hex}, Confidence: 0.9, Image: image}
}

func staticExtractor(name string, cost float64, log *callLog, tokens ...token.Token) *fakeExtractor {
	return &fakeExtractor{name: name, run: func(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
		if log != nil {
			log.add(name)
		}
		return tokens, cost, nil
	}}
}

func register(t *testing.T, reg *extractor.Registry, cfg extractor.Config, ex extractor.Extractor) {
	t.Helper()
	require.NoError(t, reg.Register(cfg, ex))
}

func cfg(name, tier string, cost float64) extractor.Config {
	return extractor.Config{Name: name, Tier: tier, Weight: 1.0, CostPerCall: cost, Enabled: true}
}

func images() []extractor.Image {
	return []extractor.Image{{ID: "img-1", Bytes: []byte{1}, Source: "home.png"}}
}

func TestRunTiersExecuteInOrder(t *testing.T) {
	log := &callLog{}
	reg := extractor.NewRegistry()
	register(t, reg, cfg("m-vision", "medium", 0.01), staticExtractor("m-vision", 0.01, log))
	register(t, reg, cfg("f-palette", "fast", 0), staticExtractor("f-palette", 0, log))
	register(t, reg, cfg("s-audit", "slow", 0.02), staticExtractor("s-audit", 0.02, log))

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"f-palette", "m-vision", "s-audit"}, log.names)
	assert.Equal(t, 3, res.TiersCompleted)
	assert.False(t, res.Aborted)
	assert.False(t, res.BudgetExhausted)
	assert.NotEmpty(t, res.RunID)
}

func TestRunStopsWhenBudgetCannotAffordNextTier(t *testing.T) {
	reg := extractor.NewRegistry()
	register(t, reg, cfg("free-cv", "fast", 0),
		staticExtractor("free-cv", 0, nil, colorToken("img-1", "primary", "#F15925")))
	register(t, reg, cfg("mid-vision", "medium", 0.02),
		staticExtractor("mid-vision", 0.02, nil, colorToken("img-1", "primary", "#F15925")))
	slowCalled := false
	register(t, reg, cfg("slow-vision", "slow", 0.05), &fakeExtractor{name: "slow-vision",
		run: func(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
			slowCalled = true
			return nil, 0.05, nil
		}})

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 0.02})
	require.NoError(t, err)

	assert.False(t, slowCalled)
	assert.True(t, res.BudgetExhausted)
	assert.False(t, res.Aborted)
	assert.Equal(t, 2, res.TiersCompleted)
	assert.InDelta(t, 0.02, res.SpentUSD, 1e-9)
	// 前两梯队的成果保留
	lib := res.Library(token.KindColor)
	require.NotNil(t, lib)
	require.Len(t, lib.Tokens, 1)
	assert.Equal(t, "#F15925", lib.Tokens[0].Token.Value.Hex)
	// 两个抽取器的票在同一槽位上达成全票共识
	assert.InDelta(t, 0.95, lib.Tokens[0].Token.Confidence, 1e-9)
}

func TestRequiredFailureAbortsAndKeepsPreviousTier(t *testing.T) {
	reg := extractor.NewRegistry()
	register(t, reg, cfg("free-cv", "fast", 0),
		staticExtractor("free-cv", 0, nil, colorToken("img-1", "primary", "#336699")))
	required := cfg("mid-vision", "medium", 0.05)
	required.Required = true
	register(t, reg, required, &fakeExtractor{name: "mid-vision",
		run: func(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
			// 失败前已产出的令牌也必须整体作废
			return []token.Token{colorToken("img-1", "primary", "#FF0000")}, 0.05, errors.New("model unavailable")
		}})
	slowCalled := false
	register(t, reg, cfg("slow-vision", "slow", 0.01), &fakeExtractor{name: "slow-vision",
		run: func(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
			slowCalled = true
			return nil, 0.01, nil
		}})

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 1})
	require.ErrorIs(t, err, ErrRequiredExtractor)
	require.NotNil(t, res, "中止也要交付部分结果")

	assert.True(t, res.Aborted)
	assert.Contains(t, res.AbortReason, "mid-vision")
	assert.False(t, slowCalled)
	assert.Equal(t, 1, res.TiersCompleted)
	lib := res.Library(token.KindColor)
	require.NotNil(t, lib)
	require.Len(t, lib.Tokens, 1)
	assert.Equal(t, "#336699", lib.Tokens[0].Token.Value.Hex)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "mid-vision", res.Failures[0].Extractor)
}

func TestOptionalFailureDoesNotAbort(t *testing.T) {
	reg := extractor.NewRegistry()
	register(t, reg, cfg("free-cv", "fast", 0),
		staticExtractor("free-cv", 0, nil, colorToken("img-1", "primary", "#336699")))
	register(t, reg, cfg("flaky", "fast", 0.01), &fakeExtractor{name: "flaky",
		run: func(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
			return nil, 0, errors.New("transient")
		}})

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 1})
	require.NoError(t, err)

	assert.False(t, res.Aborted)
	assert.Equal(t, 1, res.TiersCompleted)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "flaky", res.Failures[0].Extractor)
	// 失败的调用不计费
	assert.Zero(t, res.SpentUSD)
	assert.Equal(t, 1, res.TokenCount())
}

func TestPanickingExtractorIsContained(t *testing.T) {
	reg := extractor.NewRegistry()
	register(t, reg, cfg("free-cv", "fast", 0),
		staticExtractor("free-cv", 0, nil, colorToken("img-1", "primary", "#336699")))
	register(t, reg, cfg("bad", "fast", 0), &fakeExtractor{name: "bad",
		run: func(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
			panic("index out of range")
		}})

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 1})
	require.NoError(t, err)

	assert.False(t, res.Aborted)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Reason, "panicked")
	assert.Equal(t, 1, res.TokenCount())
}

func TestExtractorTimeoutIsReported(t *testing.T) {
	timeoutCfg := cfg("sleepy", "fast", 0.01)
	timeoutCfg.TimeoutSeconds = 1
	reg := extractor.NewRegistry()
	register(t, reg, timeoutCfg, &fakeExtractor{name: "sleepy",
		run: func(ctx context.Context, _ []extractor.Image, _ extractor.Params) ([]token.Token, float64, error) {
			<-ctx.Done()
			return nil, 0, ctx.Err()
		}})
	register(t, reg, cfg("free-cv", "fast", 0),
		staticExtractor("free-cv", 0, nil, colorToken("img-1", "primary", "#336699")))

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 1})
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "sleepy", res.Failures[0].Extractor)
	assert.True(t, res.Failures[0].Timeout)
	// 超时退款
	assert.Zero(t, res.SpentUSD)
}

func TestMidTierReservationContention(t *testing.T) {
	reg := extractor.NewRegistry()
	tk := colorToken("img-1", "primary", "#336699")
	register(t, reg, cfg("vision-a", "fast", 0.05), staticExtractor("vision-a", 0.05, nil, tk))
	register(t, reg, cfg("vision-b", "fast", 0.05), staticExtractor("vision-b", 0.05, nil, tk))

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 0.05})
	require.NoError(t, err)

	// 两个抽取器竞争同一笔预算，恰好一个被跳过；跳过不等于预算耗尽收尾
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].Skipped)
	assert.False(t, res.BudgetExhausted)
	assert.InDelta(t, 0.05, res.SpentUSD, 1e-9)
	assert.Equal(t, 1, res.TiersCompleted)
	assert.Equal(t, 1, res.TokenCount())
}

func TestSkipDoesNotStarveAffordableLaterTier(t *testing.T) {
	reg := extractor.NewRegistry()
	tk := colorToken("img-1", "primary", "#336699")
	register(t, reg, cfg("vision-a", "fast", 0.05), staticExtractor("vision-a", 0.05, nil, tk))
	register(t, reg, cfg("vision-b", "fast", 0.05), staticExtractor("vision-b", 0.05, nil, tk))
	slowLog := &callLog{}
	register(t, reg, cfg("free-slow", "slow", 0),
		staticExtractor("free-slow", 0, slowLog, colorToken("img-1", "surface", "#FFFFFF")))

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 0.05})
	require.NoError(t, err)

	// 快梯队内一个被预留竞争跳过，但免费的慢梯队仍付得起，必须继续
	assert.Equal(t, []string{"free-slow"}, slowLog.names)
	assert.Equal(t, 2, res.TiersCompleted)
	assert.False(t, res.BudgetExhausted)
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].Skipped)
	assert.Equal(t, 2, res.TokenCount())
}

func TestContextCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := extractor.NewRegistry()
	register(t, reg, cfg("free-cv", "fast", 0), &fakeExtractor{name: "free-cv",
		run: func(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
			cancel()
			return []token.Token{colorToken("img-1", "primary", "#336699")}, 0, nil
		}})
	slowCalled := false
	register(t, reg, cfg("slow-vision", "slow", 0), &fakeExtractor{name: "slow-vision",
		run: func(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
			slowCalled = true
			return nil, 0, nil
		}})

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(ctx, Request{Images: images(), BudgetUSD: 1})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)

	assert.True(t, res.Aborted)
	assert.False(t, slowCalled)
	assert.Equal(t, 1, res.TiersCompleted, "取消前完成的梯队保留")
}

func TestVotesAccumulateAcrossTiers(t *testing.T) {
	reg := extractor.NewRegistry()
	register(t, reg, cfg("fast-cv", "fast", 0),
		staticExtractor("fast-cv", 0, nil, colorToken("img-1", "primary", "#F15925")))
	register(t, reg, cfg("mid-vision", "medium", 0.01),
		staticExtractor("mid-vision", 0.01, nil, colorToken("img-1", "primary", "#F15925")))

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 1})
	require.NoError(t, err)

	lib := res.Library(token.KindColor)
	require.NotNil(t, lib)
	require.Len(t, lib.Tokens, 1)
	// 第一梯队的票与第二梯队累积求解，两票全同意
	assert.InDelta(t, 0.95, lib.Tokens[0].Token.Confidence, 1e-9)
}

func TestConflictBelowThresholdIsRecorded(t *testing.T) {
	reg := extractor.NewRegistry()
	a := cfg("vision-a", "fast", 0)
	a.Weight = 1.0
	b := cfg("vision-b", "fast", 0)
	b.Weight = 1.2
	register(t, reg, a, staticExtractor("vision-a", 0, nil, colorToken("img-1", "primary", "#F15925")))
	register(t, reg, b, staticExtractor("vision-b", 0, nil, colorToken("img-1", "primary", "#3366FF")))

	o, err := New(reg, nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), Request{Images: images(), BudgetUSD: 1})
	require.NoError(t, err)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "#3366FF", res.Conflicts[0].Value.Hex)
	assert.InDelta(t, 1.2/2.2, res.Conflicts[0].AgreementRatio, 1e-9)
	// 冲突令牌仍进入结果库
	assert.Equal(t, 1, res.TokenCount())
}

func TestRunEmitsOrderedEvents(t *testing.T) {
	reg := extractor.NewRegistry()
	register(t, reg, cfg("free-cv", "fast", 0),
		staticExtractor("free-cv", 0, nil, colorToken("img-1", "primary", "#336699")))

	em := stream.NewEmitter(64)
	ch, cancel := em.Subscribe()
	defer cancel()

	o, err := New(reg, nil, nil, WithEmitter(em))
	require.NoError(t, err)
	_, err = o.Run(context.Background(), Request{RunID: "run-evt", Images: images(), BudgetUSD: 1})
	require.NoError(t, err)
	em.Close()

	var statuses []string
	var last int64
	for ev := range ch {
		assert.Equal(t, "run-evt", ev.RunID)
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []string{
		stream.StatusRunStarted,
		stream.StatusTierStarted,
		stream.StatusExtractorStarted,
		stream.StatusExtractorSettled,
		stream.StatusTierComplete,
		stream.StatusRunComplete,
	}, statuses)
}

func TestTierConcurrencyIsBounded(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	busy := func(name string) *fakeExtractor {
		return &fakeExtractor{name: name, run: func(context.Context, []extractor.Image, extractor.Params) ([]token.Token, float64, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil, 0, nil
		}}
	}
	reg := extractor.NewRegistry()
	for _, name := range []string{"e1", "e2", "e3", "e4", "e5", "e6"} {
		register(t, reg, cfg(name, "fast", 0), busy(name))
	}

	o, err := New(reg, nil, nil, WithConcurrency(2))
	require.NoError(t, err)
	_, err = o.Run(context.Background(), Request{Images: images(), BudgetUSD: 1})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestRunValidatesInput(t *testing.T) {
	reg := extractor.NewRegistry()
	o, err := New(reg, consensus.NewEngine(0.7, nil), aggregate.New(aggregate.Options{}))
	require.NoError(t, err)

	_, err = o.Run(context.Background(), Request{BudgetUSD: 1})
	assert.Error(t, err)

	_, err = o.Run(context.Background(), Request{Images: images(), BudgetUSD: 1})
	assert.Error(t, err) // 没有启用的抽取器
}
