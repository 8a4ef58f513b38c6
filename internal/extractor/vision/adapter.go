package vision

import (
	"context"
	"encoding/json"
	"fmt"

	"dtex/internal/extractor"
	"dtex/internal/gateway/provider"
	"dtex/internal/logger"
	"dtex/internal/token"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 中文说明：
// AI 视觉抽取适配器：把一个视觉模型包装成 Extractor。逐张图片调用模型，
// 输出经 JSON 矫正、可选 schema 校验后解析为令牌并标注来源图片。
// 成功时成本恒等于配置的 cost_per_call；适配器自身不做可变定价。

// Adapter 视觉模型抽取器。
type Adapter struct {
	cfg      extractor.Config
	provider provider.ModelProvider
	schema   *jsonschema.Schema // 可选：profile 注册表下发的输出 schema
}

func NewAdapter(cfg extractor.Config, p provider.ModelProvider, schema *jsonschema.Schema) (*Adapter, error) {
	if p == nil {
		return nil, fmt.Errorf("vision extractor %s: nil provider", cfg.Name)
	}
	if !p.SupportsVision() {
		return nil, fmt.Errorf("vision extractor %s: provider %s has no vision support", cfg.Name, p.ID())
	}
	return &Adapter{cfg: cfg, provider: p, schema: schema}, nil
}

func (a *Adapter) Name() string { return a.cfg.Name }

// Run 逐图调用模型并汇总令牌。任一图片调用失败即整体失败（不产生半价成本）。
func (a *Adapter) Run(ctx context.Context, images []extractor.Image, params extractor.Params) ([]token.Token, float64, error) {
	if len(images) == 0 {
		return nil, 0, nil
	}
	kinds := a.requestKinds(params)
	var out []token.Token
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		tokens, err := a.runOne(ctx, img, kinds, params.Hint)
		if err != nil {
			return nil, 0, fmt.Errorf("%s on %s: %w", a.cfg.Name, img.ID, err)
		}
		out = append(out, tokens...)
	}
	return out, a.cfg.CostPerCall, nil
}

func (a *Adapter) runOne(ctx context.Context, img extractor.Image, kinds []token.Kind, hint string) ([]token.Token, error) {
	payload := provider.ChatPayload{
		System:     systemPrompt,
		User:       buildUserPrompt(kinds, hint, img),
		Images:     []provider.ImagePayload{{DataURI: img.DataURI(), Description: img.Source}},
		ExpectJSON: a.provider.ExpectsJSON(),
	}
	logger.LogVisionRequest(a.cfg.Name, a.provider.ID(), "token extraction", payload.System, payload.User, []string{img.Summary()})
	raw, err := a.provider.Call(ctx, payload)
	logger.LogVisionResponse(a.cfg.Name, a.provider.ID(), "token extraction", raw)
	if err != nil {
		return nil, err
	}
	coerced, err := CoerceTokenArrayJSON(raw)
	if err != nil {
		return nil, err
	}
	if a.schema != nil {
		if err := validateAgainstSchema(a.schema, coerced); err != nil {
			return nil, fmt.Errorf("schema validation: %w", err)
		}
	}
	tokens, warnings := ParseTokens(coerced, img.ID)
	for _, w := range warnings {
		logger.Warnf("[%s] %s 输出条目被丢弃: %s", a.cfg.Name, a.provider.ID(), w)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("模型未返回有效令牌")
	}
	return a.filterKinds(tokens, kinds), nil
}

// requestKinds 运行参数与配置的交集；都为空则不限。
func (a *Adapter) requestKinds(params extractor.Params) []token.Kind {
	configured := make([]token.Kind, 0, len(a.cfg.Kinds))
	for _, k := range a.cfg.Kinds {
		if kind := token.NormalizeKind(k); kind != "" {
			configured = append(configured, kind)
		}
	}
	if len(params.Kinds) == 0 {
		return configured
	}
	if len(configured) == 0 {
		return params.Kinds
	}
	want := make(map[token.Kind]struct{}, len(params.Kinds))
	for _, k := range params.Kinds {
		want[k] = struct{}{}
	}
	var out []token.Kind
	for _, k := range configured {
		if _, ok := want[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (a *Adapter) filterKinds(tokens []token.Token, kinds []token.Kind) []token.Token {
	if len(kinds) == 0 {
		return tokens
	}
	allow := make(map[token.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		allow[k] = struct{}{}
	}
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := allow[t.Kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

func validateAgainstSchema(schema *jsonschema.Schema, rawJSON string) error {
	var doc any
	if err := json.Unmarshal([]byte(rawJSON), &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
