package provider

import (
	"fmt"
	"strings"
	"time"

	"dtex/internal/logger"
)

// ModelCfg 单个模型的配置投影（由 config 层填充）。
type ModelCfg struct {
	ID, Provider, APIURL, APIKey, Model string
	Enabled                             bool
	Headers                             map[string]string
	SupportsVision                      bool
	ExpectJSON                          bool
}

// BuildProvidersFromConfig 按配置构建启用的模型提供方列表。
func BuildProvidersFromConfig(models []ModelCfg, timeout time.Duration) []ModelProvider {
	out := make([]ModelProvider, 0, len(models))
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		id := strings.TrimSpace(m.ID)
		if id == "" {
			base := strings.TrimSpace(m.Provider)
			if base == "" {
				base = "provider"
			}
			if model := strings.TrimSpace(m.Model); model != "" {
				id = fmt.Sprintf("%s:%s", base, model)
			} else {
				id = base
			}
			logger.Warnf("providers.models 未配置 id，已为 %q 生成: %s", m.Provider, id)
		}
		client := &OpenAIChatClient{
			BaseURL:      m.APIURL,
			APIKey:       m.APIKey,
			Model:        m.Model,
			ExtraHeaders: m.Headers,
		}
		if timeout > 0 {
			client.Timeout = timeout
		}
		out = append(out, NewOpenAIModelProvider(id, true, m.SupportsVision, m.ExpectJSON, client))
	}
	return out
}

// FindProvider 按 ID 查找启用的提供方（大小写不敏感）。
func FindProvider(providers []ModelProvider, id string) ModelProvider {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	for _, p := range providers {
		if p != nil && p.Enabled() && strings.EqualFold(p.ID(), id) {
			return p
		}
	}
	return nil
}
