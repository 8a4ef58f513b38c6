package extractor

import (
	"fmt"
	"strings"

	"dtex/internal/token"
)

// Tier 性能/成本梯队。同梯队并发执行，梯队之间严格串行。
type Tier string

const (
	TierFast     Tier = "fast"
	TierMedium   Tier = "medium"
	TierSlow     Tier = "slow"
	TierVerySlow Tier = "very_slow"
)

// TierOrder 固定执行顺序：廉价快速的结果必须先于昂贵调用可用。
func TierOrder() []Tier {
	return []Tier{TierFast, TierMedium, TierSlow, TierVerySlow}
}

// NormalizeTier 解析梯队字符串；未知值返回空。
func NormalizeTier(raw string) Tier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "fast":
		return TierFast
	case "medium":
		return TierMedium
	case "slow":
		return TierSlow
	case "very_slow", "veryslow":
		return TierVerySlow
	default:
		return ""
	}
}

// Config 描述一个抽取器。配置期创建，运行期只读。
type Config struct {
	Name           string       `mapstructure:"name" yaml:"name"`
	Tier           string       `mapstructure:"tier" yaml:"tier"`
	Weight         float64      `mapstructure:"weight" yaml:"weight"`                     // 投票权重，常见 0.8~1.3
	CostPerCall    float64      `mapstructure:"cost_per_call" yaml:"cost_per_call"`       // USD，≥0
	TimeoutSeconds int          `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`   // 0 = 不限
	Required       bool         `mapstructure:"required" yaml:"required"`                 // 失败即中止运行
	Enabled        bool         `mapstructure:"enabled" yaml:"enabled"`
	Provider       string       `mapstructure:"provider" yaml:"provider"`                 // AI 抽取器绑定的模型 ID
	Kinds          []string     `mapstructure:"kinds" yaml:"kinds"`                       // 产出的令牌类型
	Params         map[string]any `mapstructure:"params" yaml:"params"`
}

// Validate 配置合法性检查。
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("extractor name cannot be empty")
	}
	if NormalizeTier(c.Tier) == "" {
		return fmt.Errorf("extractor %s: unknown tier %q", c.Name, c.Tier)
	}
	if c.Weight < 0 {
		return fmt.Errorf("extractor %s: negative weight", c.Name)
	}
	if c.CostPerCall < 0 {
		return fmt.Errorf("extractor %s: negative cost_per_call", c.Name)
	}
	for _, k := range c.Kinds {
		if token.NormalizeKind(k) == "" {
			return fmt.Errorf("extractor %s: unknown token kind %q", c.Name, k)
		}
	}
	return nil
}

// EffectiveWeight 未配置权重时取 1.0。
func (c Config) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return 1.0
	}
	return c.Weight
}

// TierValue 解析后的梯队。
func (c Config) TierValue() Tier {
	return NormalizeTier(c.Tier)
}
