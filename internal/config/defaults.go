package config

import "strings"

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":8089"
	defaultAppLogPath       = "/data/logs/dtex.log"
	defaultAppVisionLogPath = "/data/logs/dtex-vision.log"
	defaultBudgetUSD        = 1.0
	defaultConsensusThresh  = 0.7
	defaultMergeThresh      = 0.15
	defaultConcurrency      = 5
	defaultProfilesPath     = "configs/extractors.yaml"
	defaultProviderTimeout  = 120
	defaultStorePath        = "/data/db/dtex.db"
	defaultAuditPath        = "/data/db/extract_audit.db"
	defaultCaptureTimeout   = 30
	defaultViewportWidth    = 1440
	defaultViewportHeight   = 900
	defaultExportDir        = "exports"
	defaultReportDir        = "reports"
)

// Default 全默认配置（不读文件）。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(keySet{})
	return cfg
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Extraction.applyDefaults(keys)
	c.Providers.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Capture.applyDefaults(keys)
	c.Export.applyDefaults(keys)
	c.Report.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.vision_log_path", &a.VisionLog, defaultAppVisionLogPath),
	)
}

func (e *ExtractionConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("extraction.profiles_path", &e.ProfilesPath, defaultProfilesPath),
		fieldDefault{
			key:   "extraction.budget_usd",
			need:  func() bool { return e.BudgetUSD <= 0 },
			apply: func() { e.BudgetUSD = defaultBudgetUSD },
		},
		fieldDefault{
			key:   "extraction.consensus_threshold",
			need:  func() bool { return e.ConsensusThreshold <= 0 || e.ConsensusThreshold > 1 },
			apply: func() { e.ConsensusThreshold = defaultConsensusThresh },
		},
		fieldDefault{
			key:   "extraction.merge_threshold",
			need:  func() bool { return e.MergeThreshold <= 0 || e.MergeThreshold >= 1 },
			apply: func() { e.MergeThreshold = defaultMergeThresh },
		},
		fieldDefault{
			key:   "extraction.concurrency",
			need:  func() bool { return e.Concurrency <= 0 },
			apply: func() { e.Concurrency = defaultConcurrency },
		},
	)
}

func (p *ProvidersConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	if p.Presets == nil {
		p.Presets = make(map[string]ModelPreset)
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "providers.timeout_seconds",
			need:  func() bool { return p.TimeoutSeconds <= 0 },
			apply: func() { p.TimeoutSeconds = defaultProviderTimeout },
		},
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		stringFieldDefault("store.audit_path", &s.AuditPath, defaultAuditPath),
	)
}

func (c *CaptureConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "capture.timeout_seconds",
			need:  func() bool { return c.TimeoutSeconds <= 0 },
			apply: func() { c.TimeoutSeconds = defaultCaptureTimeout },
		},
		fieldDefault{
			key:   "capture.viewport_width",
			need:  func() bool { return c.ViewportWidth <= 0 },
			apply: func() { c.ViewportWidth = defaultViewportWidth },
		},
		fieldDefault{
			key:   "capture.viewport_height",
			need:  func() bool { return c.ViewportHeight <= 0 },
			apply: func() { c.ViewportHeight = defaultViewportHeight },
		},
	)
}

func (e *ExportConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("export.dir", &e.Dir, defaultExportDir),
	)
	if len(e.Formats) == 0 {
		e.Formats = []string{"json"}
	}
}

func (r *ReportConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("report.dir", &r.Dir, defaultReportDir),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
