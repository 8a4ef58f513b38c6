package app

import (
	"context"

	"dtex/internal/extractor"
	apihttp "dtex/internal/transport/http/api"
)

// apiAdapter 把 HTTP 层的请求体映射到用例层的 StartRequest。
// 其余方法签名一致，直接由嵌入的 RunService 提升。
type apiAdapter struct {
	*RunService
}

// NewRunAPI 暴露给 HTTP 路由的接口实现。
func NewRunAPI(svc *RunService) apihttp.RunAPI {
	return apiAdapter{RunService: svc}
}

func (a apiAdapter) StartRun(ctx context.Context, req apihttp.StartRunRequest, images []extractor.Image) (string, error) {
	return a.RunService.StartRun(ctx, StartRequest{
		Images:    images,
		URLs:      req.URLs,
		Hint:      req.Hint,
		Kinds:     req.Kinds,
		BudgetUSD: req.BudgetUSD,
	})
}
