package bridge

import (
	"context"
	"fmt"

	"dtex/internal/extractor"
	"dtex/internal/token"
)

// 中文说明：
// CV 例程桥接器：核心不实现图像理解算法，外部 CV 提供方按本契约交付候选令牌，
// 桥接器只负责把它纳入统一的 Extractor 调度（成本、超时、取消由编排器管理）。

// Provider 外部 CV 分析例程的契约。实现方不得修改共享状态。
type Provider interface {
	Extract(ctx context.Context, images []extractor.Image, params extractor.Params) ([]token.Token, error)
}

// Extractor 把一个 Provider 包装成标准抽取器。
type Extractor struct {
	cfg      extractor.Config
	provider Provider
}

func New(cfg extractor.Config, p Provider) (*Extractor, error) {
	if p == nil {
		return nil, fmt.Errorf("cv extractor %s: nil provider", cfg.Name)
	}
	return &Extractor{cfg: cfg, provider: p}, nil
}

func (e *Extractor) Name() string { return e.cfg.Name }

// Run 透传调用，统一标注空 Image 字段并回报固定成本。
func (e *Extractor) Run(ctx context.Context, images []extractor.Image, params extractor.Params) ([]token.Token, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	tokens, err := e.provider.Extract(ctx, images, params)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", e.cfg.Name, err)
	}
	for i := range tokens {
		if tokens[i].Image == "" && len(images) == 1 {
			tokens[i].Image = images[0].ID
		}
	}
	return tokens, e.cfg.CostPerCall, nil
}
