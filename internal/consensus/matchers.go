package consensus

import (
	"fmt"
	"math"
	"strings"

	"dtex/internal/token"

	"github.com/lucasb-eyer/go-colorful"
)

// 中文说明：
// 各令牌类型的近似相等判定。共识引擎用它把投票划分为等价类：
// - color：Lab 空间感知距离（Delta-E）低于阈值
// - 数值类型：相对差低于阈值
// - 其余：规范化后精确匹配（安全默认，不自创模糊规则）

// Matcher 判断两个取值是否属于同一等价类。
type Matcher func(a, b token.Value) bool

const (
	// colorEpsilon 共识阶段只合并肉眼不可分的颜色（ΔE≈0.2，go-colorful Lab 距离为 ΔE/100）。
	// 跨图片的宽松合并由聚合器的 mergeThreshold 负责。
	colorEpsilon = 0.002
	// scalarEpsilon 数值投票的相对差容忍度。
	scalarEpsilon = 0.02
)

// DefaultMatchers 构建全类型默认判定表。
func DefaultMatchers() map[token.Kind]Matcher {
	return map[token.Kind]Matcher{
		token.KindColor:      ColorMatcher(colorEpsilon),
		token.KindSpacing:    ScalarMatcher(scalarEpsilon),
		token.KindRadius:     ScalarMatcher(scalarEpsilon),
		token.KindOpacity:    ScalarMatcher(scalarEpsilon),
		token.KindTypography: ExactMatcher(),
		token.KindShadow:     ExactMatcher(),
	}
}

// ColorMatcher Delta-E 低于 epsilon 视为同值。十六进制无法解析说明上游适配器
// 放行了坏数据，属编程错误，直接 panic。
func ColorMatcher(epsilon float64) Matcher {
	return func(a, b token.Value) bool {
		ca := mustParseHex(a.Hex)
		cb := mustParseHex(b.Hex)
		return ca.DistanceLab(cb) <= epsilon
	}
}

// ScalarMatcher 相对差 |a-b|/max(|a|,|b|) 低于 epsilon 视为同值。
func ScalarMatcher(epsilon float64) Matcher {
	return func(a, b token.Value) bool {
		return relativeDiff(a.Px, b.Px) <= epsilon
	}
}

// ExactMatcher 规范化（裁剪空白、小写）后精确比较 Raw。
func ExactMatcher() Matcher {
	return func(a, b token.Value) bool {
		return normalizeRaw(a.Raw) == normalizeRaw(b.Raw)
	}
}

func normalizeRaw(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

func relativeDiff(a, b float64) float64 {
	if a == b {
		return 0
	}
	m := math.Max(math.Abs(a), math.Abs(b))
	if m == 0 {
		return 0
	}
	return math.Abs(a-b) / m
}

func mustParseHex(hex string) colorful.Color {
	c, err := colorful.Hex(strings.TrimSpace(hex))
	if err != nil {
		panic(fmt.Sprintf("consensus: malformed color value %q: %v", hex, err))
	}
	return c
}
