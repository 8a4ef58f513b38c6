package config

import (
	"fmt"
	"strings"
)

// Config 是 dtex 的主配置载体。
type Config struct {
	App        AppConfig        `yaml:"app"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Store      StoreConfig      `yaml:"store"`
	Capture    CaptureConfig    `yaml:"capture"`
	Export     ExportConfig     `yaml:"export"`
	Report     ReportConfig     `yaml:"report"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type AppConfig struct {
	Env           string `yaml:"env"`
	LogLevel      string `yaml:"log_level"`
	HTTPAddr      string `yaml:"http_addr"`
	LogPath       string `yaml:"log_path"`
	VisionLog     string `yaml:"vision_log_path"`
	VisionDump    bool   `yaml:"vision_dump_payload"`
}

// ExtractionConfig 控制一次令牌抽取运行的预算与求解参数。
type ExtractionConfig struct {
	BudgetUSD          float64  `yaml:"budget_usd"`          // 单次运行成本上限
	ConsensusThreshold float64  `yaml:"consensus_threshold"` // 低于该一致率标记冲突
	MergeThreshold     float64  `yaml:"merge_threshold"`     // 聚合合并阈值
	Concurrency        int      `yaml:"concurrency"`         // 梯队内并发上限
	ProfilesPath       string   `yaml:"profiles_path"`       // 抽取器 Profile 文件
	DefaultKinds       []string `yaml:"default_kinds"`       // 请求未指定时的令牌类型
}

type ProvidersConfig struct {
	TimeoutSeconds int                    `yaml:"timeout_seconds"`
	Presets        map[string]ModelPreset `yaml:"presets"`
	Models         []ModelConfig          `yaml:"models"`
}

// ModelPreset 描述可复用的 API 连接配置。
type ModelPreset struct {
	APIURL         string            `yaml:"api_url"`
	APIKey         string            `yaml:"api_key"`
	Headers        map[string]string `yaml:"headers"`
	SupportsVision bool              `yaml:"supports_vision"`
	ExpectJSON     bool              `yaml:"expect_json"`
}

// ModelConfig 代表一个可被抽取器绑定的模型条目。
type ModelConfig struct {
	ID      string            `yaml:"id"`
	Preset  string            `yaml:"preset"`
	Enabled bool              `yaml:"enabled"`
	APIURL  string            `yaml:"api_url"`
	APIKey  string            `yaml:"api_key"`
	Model   string            `yaml:"model"`
	Headers map[string]string `yaml:"headers"`
	// SupportsVision/ExpectJSON 使用指针以区分"显式 false"与"沿用预设值"。
	SupportsVision *bool `yaml:"supports_vision"`
	ExpectJSON     *bool `yaml:"expect_json"`
}

// ResolvedModelConfig 是合并预设后的最终模型配置。
type ResolvedModelConfig struct {
	ID             string
	Enabled        bool
	APIURL         string
	APIKey         string
	Model          string
	Headers        map[string]string
	SupportsVision bool
	ExpectJSON     bool
}

// ResolveModelConfigs 把模型条目与其预设合并为最终配置。
func (p ProvidersConfig) ResolveModelConfigs() ([]ResolvedModelConfig, error) {
	out := make([]ResolvedModelConfig, 0, len(p.Models))
	for i, m := range p.Models {
		resolved := ResolvedModelConfig{
			ID:             strings.TrimSpace(m.ID),
			Enabled:        m.Enabled,
			APIURL:         strings.TrimSpace(m.APIURL),
			APIKey:         strings.TrimSpace(m.APIKey),
			Model:          strings.TrimSpace(m.Model),
			Headers:        map[string]string{},
		}
		presetName := strings.TrimSpace(m.Preset)
		if presetName != "" {
			preset, ok := p.Presets[presetName]
			if !ok {
				return nil, fmt.Errorf("providers.models[%d] references unknown preset %q", i, presetName)
			}
			if resolved.APIURL == "" {
				resolved.APIURL = strings.TrimSpace(preset.APIURL)
			}
			if resolved.APIKey == "" {
				resolved.APIKey = strings.TrimSpace(preset.APIKey)
			}
			for k, v := range preset.Headers {
				resolved.Headers[k] = v
			}
			resolved.SupportsVision = preset.SupportsVision
			resolved.ExpectJSON = preset.ExpectJSON
		}
		for k, v := range m.Headers {
			resolved.Headers[k] = v
		}
		if m.SupportsVision != nil {
			resolved.SupportsVision = *m.SupportsVision
		}
		if m.ExpectJSON != nil {
			resolved.ExpectJSON = *m.ExpectJSON
		}
		out = append(out, resolved)
	}
	return out, nil
}

type StoreConfig struct {
	Path      string `yaml:"path"`       // 运行结果库（gorm/sqlite）
	AuditPath string `yaml:"audit_path"` // 抽取审计日志（database/sql）
}

// CaptureConfig 控制 URL 截图输入源。
type CaptureConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	FullPage       bool   `yaml:"full_page"`
	UserAgent      string `yaml:"user_agent"`
}

type ExportConfig struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"`
}

type ReportConfig struct {
	Dir string `yaml:"dir"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
