package provider

import "context"

// 中文说明：
// 视觉模型提供方的统一抽象。AI 抽取适配器只依赖本接口，
// 具体模型（GPT-4V / Claude / 任意 OpenAI 兼容端点）由工厂按配置构建。

// ImagePayload 单张图片载体（data URI + 说明）。
type ImagePayload struct {
	DataURI     string
	Description string
}

// ChatPayload 单次调用的完整输入。
type ChatPayload struct {
	System     string
	User       string
	Images     []ImagePayload
	ExpectJSON bool
	MaxTokens  int
}

// ModelProvider 模型提供方契约。
type ModelProvider interface {
	ID() string
	Enabled() bool
	SupportsVision() bool
	ExpectsJSON() bool

	Call(ctx context.Context, payload ChatPayload) (string, error)
}
