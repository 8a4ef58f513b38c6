package aggregate

import (
	"dtex/internal/token"
)

// 中文说明：
// 聚合/去重器：把多张图片的共识令牌折叠为带来源追踪的令牌库。
// 相同输入（图片顺序一致）必须产生完全相同的库（幂等，见排序规则）。

// DefaultMergeThreshold 默认合并阈值：相似度 ≥ 1−0.15 即合并。
const DefaultMergeThreshold = 0.15

// Options 聚合参数。MergeThresholds 可按类型覆盖默认阈值。
type Options struct {
	MergeThresholds map[token.Kind]float64
	Similarities    map[token.Kind]Similarity
}

// Aggregator 跨图片令牌聚合器。一次批运行创建一个。
type Aggregator struct {
	thresholds map[token.Kind]float64
	sims       map[token.Kind]Similarity
}

func New(opts Options) *Aggregator {
	sims := DefaultSimilarities()
	for kind, fn := range opts.Similarities {
		if fn != nil {
			sims[kind] = fn
		}
	}
	thresholds := make(map[token.Kind]float64, len(opts.MergeThresholds))
	for kind, th := range opts.MergeThresholds {
		if th > 0 && th < 1 {
			thresholds[kind] = th
		}
	}
	return &Aggregator{thresholds: thresholds, sims: sims}
}

func (a *Aggregator) threshold(kind token.Kind) float64 {
	if th, ok := a.thresholds[kind]; ok {
		return th
	}
	return DefaultMergeThreshold
}

func (a *Aggregator) similarity(kind token.Kind) Similarity {
	if fn, ok := a.sims[kind]; ok {
		return fn
	}
	return ExactSimilarity
}

// Aggregate 按输入顺序折叠令牌（调用方保证图片顺序稳定）。
// 每条令牌与同类型已聚合令牌逐一比较，相似度达标则并入其来源列表，
// 否则作为新聚合令牌入库。最后做类型特定排序并计算统计。
func (a *Aggregator) Aggregate(tokens []token.Token) map[token.Kind]*token.Library {
	libs := make(map[token.Kind]*token.Library)
	for _, t := range tokens {
		lib, ok := libs[t.Kind]
		if !ok {
			lib = &token.Library{Kind: t.Kind}
			libs[t.Kind] = lib
		}
		a.fold(lib, t)
	}
	for _, lib := range libs {
		lib.Sort()
		lib.ComputeStatistics()
	}
	return libs
}

func (a *Aggregator) fold(lib *token.Library, t token.Token) {
	sim := a.similarity(lib.Kind)
	limit := 1 - a.threshold(lib.Kind)
	for _, existing := range lib.Tokens {
		if sim(existing.Token.Value, t.Value) >= limit {
			existing.Merge(t.Image, t.Confidence)
			return
		}
	}
	lib.Tokens = append(lib.Tokens, token.NewAggregatedToken(t))
}
