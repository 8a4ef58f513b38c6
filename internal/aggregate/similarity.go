package aggregate

import (
	"fmt"
	"math"
	"strings"

	"dtex/internal/token"

	"github.com/lucasb-eyer/go-colorful"
)

// 中文说明：
// 跨图片去重使用的类型特定相似度函数，值域 [0,1]，1.0 表示完全相同：
// - color：1 − ΔE（go-colorful Lab 距离即 ΔE/100）
// - 数值类型：1 − |a−b|/max(a,b)
// - 字符串类型：规范化后相等为 1，否则 0
// 收到与类型不符的畸形取值说明类型插件被接错，按约定直接 panic。

// Similarity 计算两个同类型取值的相似度。
type Similarity func(a, b token.Value) float64

// DefaultSimilarities 全类型默认相似度表。
func DefaultSimilarities() map[token.Kind]Similarity {
	return map[token.Kind]Similarity{
		token.KindColor:      ColorSimilarity,
		token.KindSpacing:    ScalarSimilarity,
		token.KindRadius:     ScalarSimilarity,
		token.KindOpacity:    ScalarSimilarity,
		token.KindTypography: ExactSimilarity,
		token.KindShadow:     ExactSimilarity,
	}
}

// ColorSimilarity 感知相似度。ΔE≥100 视为完全不同。
func ColorSimilarity(a, b token.Value) float64 {
	ca := mustHex(a.Hex)
	cb := mustHex(b.Hex)
	d := ca.DistanceLab(cb)
	if d > 1 {
		d = 1
	}
	return 1 - d
}

// ScalarSimilarity 相对差相似度：16px 与 17px → 1 − 1/17 ≈ 0.941。
func ScalarSimilarity(a, b token.Value) float64 {
	va, vb := a.Px, b.Px
	if va == vb {
		return 1
	}
	m := math.Max(math.Abs(va), math.Abs(vb))
	if m == 0 {
		return 1
	}
	sim := 1 - math.Abs(va-vb)/m
	if sim < 0 {
		return 0
	}
	return sim
}

// ExactSimilarity 精确匹配（安全默认）。
func ExactSimilarity(a, b token.Value) float64 {
	na := strings.ToLower(strings.Join(strings.Fields(a.Raw), " "))
	nb := strings.ToLower(strings.Join(strings.Fields(b.Raw), " "))
	if na == nb {
		return 1
	}
	return 0
}

func mustHex(hex string) colorful.Color {
	c, err := colorful.Hex(strings.TrimSpace(hex))
	if err != nil {
		panic(fmt.Sprintf("aggregate: malformed color value %q: %v", hex, err))
	}
	return c
}
