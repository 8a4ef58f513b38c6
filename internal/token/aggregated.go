package token

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// AggregatedToken 跨图片合并后的令牌，带完整来源追踪。
// 不变式：len(SourceImages) == len(ConfidenceScores)，Merge 只追加不删除。
type AggregatedToken struct {
	Token            Token     `json:"token"`
	SourceImages     []string  `json:"source_images"`
	ConfidenceScores []float64 `json:"confidence_scores"`
}

// NewAggregatedToken 以单条令牌为种子创建聚合令牌。
func NewAggregatedToken(t Token) *AggregatedToken {
	return &AggregatedToken{
		Token:            t,
		SourceImages:     []string{t.Image},
		ConfidenceScores: []float64{t.Confidence},
	}
}

// Merge 追加一条近似令牌的来源信息。派生值（Token.Value）保持种子不变。
func (a *AggregatedToken) Merge(imageID string, confidence float64) {
	a.SourceImages = append(a.SourceImages, imageID)
	a.ConfidenceScores = append(a.ConfidenceScores, confidence)
}

// Occurrences 来源图片数量。
func (a *AggregatedToken) Occurrences() int {
	return len(a.SourceImages)
}

// MeanConfidence 来源置信度平均值。
func (a *AggregatedToken) MeanConfidence() float64 {
	if len(a.ConfidenceScores) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range a.ConfidenceScores {
		sum += c
	}
	return sum / float64(len(a.ConfidenceScores))
}

// Statistics 单个类型库的汇总统计。
type Statistics struct {
	Count            int     `json:"count"`
	MinConfidence    float64 `json:"min_confidence"`
	MaxConfidence    float64 `json:"max_confidence"`
	AvgConfidence    float64 `json:"avg_confidence"`
	ValueMin         float64 `json:"value_min,omitempty"`  // 数值类型：最小值
	ValueMax         float64 `json:"value_max,omitempty"`  // 数值类型：最大值
	DistinctFamilies int     `json:"distinct_families,omitempty"` // typography：去重字体族数
}

// Library 单类型聚合结果。运行结束后只读。
type Library struct {
	Kind       Kind               `json:"kind"`
	Tokens     []*AggregatedToken `json:"tokens"`
	Statistics Statistics         `json:"statistics"`
}

// ComputeStatistics 重算统计字段（调用方需先完成排序）。
func (l *Library) ComputeStatistics() {
	st := Statistics{Count: len(l.Tokens)}
	if st.Count == 0 {
		l.Statistics = st
		return
	}
	st.MinConfidence = math.MaxFloat64
	families := map[string]struct{}{}
	sum := 0.0
	first := true
	for _, at := range l.Tokens {
		mc := at.MeanConfidence()
		sum += mc
		if mc < st.MinConfidence {
			st.MinConfidence = mc
		}
		if mc > st.MaxConfidence {
			st.MaxConfidence = mc
		}
		if l.Kind.Scalar() {
			v := at.Token.Value.Px
			if first || v < st.ValueMin {
				st.ValueMin = v
			}
			if first || v > st.ValueMax {
				st.ValueMax = v
			}
			first = false
		}
		if l.Kind == KindTypography {
			fam := strings.ToLower(strings.TrimSpace(at.Token.Value.Raw))
			if fam != "" {
				families[fam] = struct{}{}
			}
		}
	}
	st.AvgConfidence = sum / float64(st.Count)
	st.DistinctFamilies = len(families)
	l.Statistics = st
}

// Sort 按类型特定顺序排序：颜色按出现次数降序（同次数按 Hex 升序），
// 数值类型按数值升序，其余按名称升序。
func (l *Library) Sort() {
	switch {
	case l.Kind == KindColor:
		sort.SliceStable(l.Tokens, func(i, j int) bool {
			oi, oj := l.Tokens[i].Occurrences(), l.Tokens[j].Occurrences()
			if oi != oj {
				return oi > oj
			}
			return l.Tokens[i].Token.Value.Key() < l.Tokens[j].Token.Value.Key()
		})
	case l.Kind.Scalar():
		sort.SliceStable(l.Tokens, func(i, j int) bool {
			vi, vj := l.Tokens[i].Token.Value.Px, l.Tokens[j].Token.Value.Px
			if vi != vj {
				return vi < vj
			}
			return l.Tokens[i].Token.Name < l.Tokens[j].Token.Name
		})
	default:
		sort.SliceStable(l.Tokens, func(i, j int) bool {
			if l.Tokens[i].Token.Name != l.Tokens[j].Token.Name {
				return l.Tokens[i].Token.Name < l.Tokens[j].Token.Name
			}
			return l.Tokens[i].Token.Value.Key() < l.Tokens[j].Token.Value.Key()
		})
	}
}

// ExtractorFailure 记录单个抽取器的失败信息（不影响运行结果有效性）。
type ExtractorFailure struct {
	Extractor string `json:"extractor"`
	Tier      string `json:"tier"`
	Reason    string `json:"reason"`
	Timeout   bool   `json:"timeout,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"` // 预算不足被跳过
}

// SlotConflict 共识未达标的槽位记录。令牌仍进入结果库，此处保留复核线索。
type SlotConflict struct {
	Slot           string  `json:"slot"`
	Kind           Kind    `json:"kind"`
	Value          Value   `json:"value"`
	AgreementRatio float64 `json:"agreement_ratio"`
	Recommendation string  `json:"recommendation,omitempty"`
}

// RunResult 一次抽取运行的最终产物。返回调用方后只读。
type RunResult struct {
	RunID           string             `json:"run_id"`
	Libraries       map[Kind]*Library  `json:"libraries"`
	Aborted         bool               `json:"aborted"`
	AbortReason     string             `json:"abort_reason,omitempty"`
	BudgetExhausted bool               `json:"budget_exhausted"`
	SpentUSD        float64            `json:"spent_usd"`
	TiersCompleted  int                `json:"tiers_completed"`
	Failures        []ExtractorFailure `json:"failures,omitempty"`
	Conflicts       []SlotConflict     `json:"conflicts,omitempty"`
}

// Library 返回指定类型的库（可能为 nil）。
func (r *RunResult) Library(kind Kind) *Library {
	if r == nil || r.Libraries == nil {
		return nil
	}
	return r.Libraries[kind]
}

// TokenCount 全部类型的聚合令牌总数。
func (r *RunResult) TokenCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, lib := range r.Libraries {
		n += len(lib.Tokens)
	}
	return n
}

// Summary 单行摘要，用于日志。
func (r *RunResult) Summary() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("tokens=%d tiers=%d spent=%.4f aborted=%v budget_exhausted=%v",
		r.TokenCount(), r.TiersCompleted, r.SpentUSD, r.Aborted, r.BudgetExhausted)
}
