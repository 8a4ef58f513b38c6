package extractor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"dtex/internal/token"
)

// 中文说明：
// 抽取器统一契约。每个抽取方法（CV 例程或 AI 视觉调用）包装成一个 Extractor，
// 编排器只依赖该契约：输入图片，输出候选令牌与本次成本。
// 适配器不得修改共享状态；取消 ctx 必须尽快放弃在途工作。

// ErrTimeout 抽取器超时。可选抽取器超时仅记零票，不作为运行失败。
var ErrTimeout = errors.New("extractor timed out")

// Image 抽取输入图片。
type Image struct {
	ID     string `json:"id"`
	Bytes  []byte `json:"-"`
	Mime   string `json:"mime,omitempty"`
	Source string `json:"source,omitempty"` // 上传文件名或截图 URL
}

// DataURI 返回 data URI 形式（视觉模型的 image_url 载体）。
func (im Image) DataURI() string {
	if len(im.Bytes) == 0 {
		return ""
	}
	mime := strings.TrimSpace(im.Mime)
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(im.Bytes)
}

// Summary 日志用摘要，不含图片数据本体。
func (im Image) Summary() string {
	return fmt.Sprintf("%s (%s, %d bytes)", im.ID, im.Source, len(im.Bytes))
}

// Params 单次运行级的抽取参数。
type Params struct {
	Kinds []token.Kind // 需要的令牌类型；空为全部
	Hint  string       // 设计意图提示，拼入 AI 提示词
}

// Extractor 抽取器契约。成功时 cost 必须精确等于 Config.CostPerCall。
type Extractor interface {
	Name() string
	Run(ctx context.Context, images []Image, params Params) (tokens []token.Token, cost float64, err error)
}
