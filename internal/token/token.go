package token

import "strings"

// 中文说明：
// 本文件定义设计令牌（design token）的通用数据结构，供抽取器、共识引擎与聚合器使用。

// Kind 令牌类型判别符。
type Kind string

const (
	KindColor      Kind = "color"
	KindSpacing    Kind = "spacing"
	KindTypography Kind = "typography"
	KindShadow     Kind = "shadow"
	KindRadius     Kind = "radius"
	KindOpacity    Kind = "opacity"
)

// Kinds 按固定顺序列出全部已知类型（聚合输出按此顺序遍历，保证确定性）。
func Kinds() []Kind {
	return []Kind{KindColor, KindSpacing, KindTypography, KindShadow, KindRadius, KindOpacity}
}

// NormalizeKind 规范化类型字符串；未知类型返回空。
func NormalizeKind(raw string) Kind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "color", "colour":
		return KindColor
	case "spacing", "space", "gap":
		return KindSpacing
	case "typography", "font", "type":
		return KindTypography
	case "shadow", "box-shadow", "elevation":
		return KindShadow
	case "radius", "border-radius", "corner":
		return KindRadius
	case "opacity", "alpha":
		return KindOpacity
	default:
		return ""
	}
}

// Scalar 类型使用 Px 字段做数值比较（spacing/radius/opacity）。
func (k Kind) Scalar() bool {
	switch k {
	case KindSpacing, KindRadius, KindOpacity:
		return true
	default:
		return false
	}
}

// Value 令牌取值载体（按 Kind 取用对应字段，与旧版保持兼容的最小字段集）。
type Value struct {
	Hex  string  `json:"hex,omitempty"`  // color: "#RRGGBB"
	Px   float64 `json:"px,omitempty"`   // spacing/radius: 像素值；opacity: 0~1
	Unit string  `json:"unit,omitempty"` // 数值单位，默认 "px"
	Raw  string  `json:"raw,omitempty"`  // typography/shadow 等字符串类型的原始值
}

// Key 返回值的规范化标识，用于判等之外的分桶与排序。
func (v Value) Key() string {
	if h := strings.TrimSpace(v.Hex); h != "" {
		return strings.ToUpper(h)
	}
	if r := strings.TrimSpace(v.Raw); r != "" {
		return r
	}
	return ""
}

// Token 单条抽取结果。创建后不可变；后续阶段只生成新对象（AggregatedToken 等）。
type Token struct {
	Kind         Kind    `json:"kind"`
	Name         string  `json:"name"`
	Value        Value   `json:"value"`
	Confidence   float64 `json:"confidence"`
	DesignIntent string  `json:"design_intent,omitempty"`
	Image        string  `json:"image,omitempty"` // 来源图片 ID（聚合器按图折叠）
}

// SlotKey 同一图片内同名令牌的投票槽位键。
func (t Token) SlotKey() string {
	return t.Image + "|" + string(t.Kind) + "|" + strings.TrimSpace(t.Name)
}
