package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Extraction.validate(); err != nil {
		return err
	}
	if err := c.Providers.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (e *ExtractionConfig) validate() error {
	if e.BudgetUSD < 0 {
		return fmt.Errorf("extraction.budget_usd must be >= 0")
	}
	if e.ConsensusThreshold <= 0 || e.ConsensusThreshold > 1 {
		return fmt.Errorf("extraction.consensus_threshold must be in (0, 1]")
	}
	if e.MergeThreshold <= 0 || e.MergeThreshold >= 1 {
		return fmt.Errorf("extraction.merge_threshold must be in (0, 1)")
	}
	if e.Concurrency <= 0 {
		return fmt.Errorf("extraction.concurrency must be > 0")
	}
	if strings.TrimSpace(e.ProfilesPath) == "" {
		return fmt.Errorf("extraction.profiles_path cannot be empty")
	}
	return nil
}

func (p *ProvidersConfig) validate() error {
	models, err := p.ResolveModelConfigs()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(models))
	for i, m := range models {
		if !m.Enabled {
			continue
		}
		if m.Model == "" {
			return fmt.Errorf("providers.models[%d] missing model name (id=%s)", i, m.ID)
		}
		if m.APIURL == "" {
			return fmt.Errorf("providers.models[%d] missing api_url (can inherit from preset)", i)
		}
		id := strings.ToLower(m.ID)
		if id != "" {
			if _, dup := seen[id]; dup {
				return fmt.Errorf("providers.models contains duplicate id %q", m.ID)
			}
			seen[id] = struct{}{}
		}
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" {
		return fmt.Errorf("notify.telegram.bot_token required when telegram enabled")
	}
	if strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram.chat_id required when telegram enabled")
	}
	return nil
}
