package consensus

import (
	"sort"

	"dtex/internal/token"
)

// 中文说明：
// 加权投票共识：同一槽位（图片+类型+名称）上多个抽取器的投票合成单一取值。
// 投票跨梯队累积，每个梯队结束后重新求解。
// 置信度公式 0.5 + agreement*0.45 为既定业务规则，不重新推导。

const (
	// DefaultThreshold 低于该一致率视为分歧，令牌仍保留但标记待人工复核。
	DefaultThreshold = 0.7

	ConflictLowAgreement = "low_agreement"
)

// Vote 单个抽取器对一个槽位的投票。引擎内部短生命周期对象。
type Vote struct {
	Extractor string      `json:"extractor"`
	Value     token.Value `json:"value"`
	Weight    float64     `json:"weight"`
}

// Conflict 分歧元数据，供下游人工复核。
type Conflict struct {
	Status         string `json:"status"`
	Recommendation string `json:"recommendation"`
}

// Result 单槽位在当前梯队的共识结果。
type Result struct {
	Value          token.Value `json:"value"`
	Confidence     float64     `json:"confidence"`
	AgreementRatio float64     `json:"agreement_ratio"`
	Consensus      bool        `json:"consensus"`
	Votes          []Vote      `json:"votes"`
	Conflict       *Conflict   `json:"conflict,omitempty"`
}

// Engine 按类型特定判定划分等价类并做加权多数决。
type Engine struct {
	Threshold float64
	matchers  map[token.Kind]Matcher
}

// NewEngine 构建引擎；overrides 覆盖对应类型的默认判定。
func NewEngine(threshold float64, overrides map[token.Kind]Matcher) *Engine {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	matchers := DefaultMatchers()
	for kind, m := range overrides {
		if m != nil {
			matchers[kind] = m
		}
	}
	return &Engine{Threshold: threshold, matchers: matchers}
}

func (e *Engine) matcher(kind token.Kind) Matcher {
	if m, ok := e.matchers[kind]; ok {
		return m
	}
	return ExactMatcher()
}

type voteClass struct {
	votes  []Vote
	weight float64
}

// Resolve 求解一个槽位。零票返回 ok=false（不是错误：失败的抽取器只是不投票）。
func (e *Engine) Resolve(kind token.Kind, votes []Vote) (Result, bool) {
	if len(votes) == 0 {
		return Result{}, false
	}

	// 固定遍历顺序，保证同输入同输出
	ordered := append([]Vote(nil), votes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Extractor < ordered[j].Extractor
	})

	match := e.matcher(kind)
	classes := make([]*voteClass, 0, len(ordered))
	total := 0.0
	for _, v := range ordered {
		if v.Weight <= 0 {
			v.Weight = 1.0
		}
		total += v.Weight
		placed := false
		for _, cls := range classes {
			if match(cls.votes[0].Value, v.Value) {
				cls.votes = append(cls.votes, v)
				cls.weight += v.Weight
				placed = true
				break
			}
		}
		if !placed {
			classes = append(classes, &voteClass{votes: []Vote{v}, weight: v.Weight})
		}
	}

	winner := classes[0]
	for _, cls := range classes[1:] {
		switch {
		case cls.weight > winner.weight:
			winner = cls
		case cls.weight == winner.weight && maxVoteWeight(cls) > maxVoteWeight(winner):
			// 类权重并列时取含最高个体权重投票的一类
			winner = cls
		}
	}

	agreement := winner.weight / total
	res := Result{
		Value:          representative(winner).Value,
		AgreementRatio: agreement,
		Confidence:     0.5 + agreement*0.45,
		Consensus:      agreement >= e.Threshold,
		Votes:          ordered,
	}
	if !res.Consensus {
		res.Conflict = &Conflict{
			Status:         ConflictLowAgreement,
			Recommendation: "extractors disagree; review all votes before adopting this value",
		}
	}
	return res, true
}

// representative 类内最高权重的投票（并列按抽取器名取先）。
func representative(cls *voteClass) Vote {
	best := cls.votes[0]
	for _, v := range cls.votes[1:] {
		if v.Weight > best.Weight {
			best = v
		}
	}
	return best
}

func maxVoteWeight(cls *voteClass) float64 {
	m := 0.0
	for _, v := range cls.votes {
		if v.Weight > m {
			m = v.Weight
		}
	}
	return m
}
