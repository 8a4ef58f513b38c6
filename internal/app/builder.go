package app

import (
	"context"
	"fmt"
	"time"

	"dtex/internal/capture"
	dtcfg "dtex/internal/config"
	"dtex/internal/extractor"
	"dtex/internal/extractor/bridge"
	"dtex/internal/extractor/profile"
	"dtex/internal/extractor/vision"
	"dtex/internal/gateway/notifier"
	"dtex/internal/gateway/provider"
	"dtex/internal/logger"
	"dtex/internal/store"
	"dtex/internal/store/extractlog"
	"dtex/internal/store/sqlite"
	apihttp "dtex/internal/transport/http/api"
)

// AppBuilder 按配置组装整套服务。各构建步骤以函数字段暴露，测试可逐个替换。
type AppBuilder struct {
	cfg *dtcfg.Config

	profileRegistryFn func(string) (*profile.Registry, error)
	modelProvidersFn  func(dtcfg.ProvidersConfig) ([]provider.ModelProvider, error)
	runStoreFn        func(dtcfg.StoreConfig) (store.Store, error)
	auditStoreFn      func(dtcfg.StoreConfig) (*extractlog.AuditStore, error)
	notifierFn        func(dtcfg.NotifyConfig) notifier.TextNotifier
	httpServerFn      func(dtcfg.AppConfig, *RunService) (*apihttp.Server, error)

	cvProviders map[string]bridge.Provider
}

type AppBuilderOption func(*AppBuilder)

// WithCVProvider 注入一个外部 CV 例程，ProfileName 为 Profile 中的抽取器名。
func WithCVProvider(profileName string, p bridge.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		if p != nil && profileName != "" {
			b.cvProviders[profileName] = p
		}
	}
}

// WithRunStore 覆盖运行库构建（测试注入内存实现）。
func WithRunStore(s store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.runStoreFn = func(dtcfg.StoreConfig) (store.Store, error) { return s, nil }
	}
}

func NewAppBuilder(cfg *dtcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:               cfg,
		profileRegistryFn: profile.NewRegistry,
		modelProvidersFn:  buildModelProviders,
		runStoreFn:        buildRunStore,
		auditStoreFn:      buildAuditStore,
		notifierFn:        buildNotifier,
		httpServerFn:      buildHTTPServer,
		cvProviders:       map[string]bridge.Provider{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	profiles, err := b.profileRegistryFn(cfg.Extraction.ProfilesPath)
	if err != nil {
		return nil, err
	}
	snap := profiles.Snapshot()
	logger.Infof("✓ 已加载 %d 个抽取器 Profile (version %d)", len(snap.Definitions), snap.Version)

	providers, err := b.modelProvidersFn(cfg.Providers)
	if err != nil {
		return nil, err
	}
	logger.Infof("✓ 已构建 %d 个模型提供方", len(providers))

	registry, err := buildExtractorRegistry(snap, providers, b.cvProviders)
	if err != nil {
		return nil, err
	}
	if registry.Enabled() == 0 {
		return nil, fmt.Errorf("no extractors could be built from profiles")
	}

	runStore, err := b.runStoreFn(cfg.Store)
	if err != nil {
		return nil, err
	}
	audit, err := b.auditStoreFn(cfg.Store)
	if err != nil {
		logger.Warnf("审计库不可用，继续运行: %v", err)
		audit = nil
	}

	svcOpts := []ServiceOption{}
	if audit != nil {
		svcOpts = append(svcOpts, WithAuditStore(audit))
	}
	if n := b.notifierFn(cfg.Notify); n != nil {
		svcOpts = append(svcOpts, WithNotifier(n))
	}
	if cfg.Capture.Enabled {
		if err := capture.EnsureHeadlessAvailable(ctx); err != nil {
			logger.Warnf("无头浏览器不可用，URL 截图输入已禁用: %v", err)
		} else {
			svcOpts = append(svcOpts, WithCapturer(capture.New(capture.Options{
				TimeoutSeconds: cfg.Capture.TimeoutSeconds,
				ViewportWidth:  cfg.Capture.ViewportWidth,
				ViewportHeight: cfg.Capture.ViewportHeight,
				FullPage:       cfg.Capture.FullPage,
				UserAgent:      cfg.Capture.UserAgent,
			})))
		}
	}

	svc, err := NewRunService(cfg, registry, runStore, svcOpts...)
	if err != nil {
		return nil, err
	}

	server, err := b.httpServerFn(cfg.App, svc)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		profiles: profiles,
		service:  svc,
		server:   server,
		runStore: runStore,
		audit:    audit,
		Summary:  buildSummary(cfg, registry, svc, audit != nil),
	}, nil
}

func buildSummary(cfg *dtcfg.Config, registry *extractor.Registry, svc *RunService, auditOn bool) *StartupSummary {
	tiers := make(map[extractor.Tier][]ExtractorDetail)
	for _, tier := range extractor.TierOrder() {
		for _, entry := range registry.ByTier(tier) {
			tiers[tier] = append(tiers[tier], ExtractorDetail{
				Name:        entry.Config.Name,
				Provider:    entry.Config.Provider,
				Weight:      entry.Config.Weight,
				CostPerCall: entry.Config.CostPerCall,
				Required:    entry.Config.Required,
			})
		}
	}
	return &StartupSummary{
		HTTPAddr:     cfg.App.HTTPAddr,
		BudgetUSD:    cfg.Extraction.BudgetUSD,
		Concurrency:  cfg.Extraction.Concurrency,
		DefaultKinds: cfg.Extraction.DefaultKinds,
		Formats:      svc.ExportFormats(),
		Tiers:        tiers,
		AuditEnabled: auditOn,
		CaptureOn:    svc.capturer != nil,
		NotifyOn:     svc.notify != nil,
	}
}

func buildModelProviders(cfg dtcfg.ProvidersConfig) ([]provider.ModelProvider, error) {
	resolved, err := cfg.ResolveModelConfigs()
	if err != nil {
		return nil, err
	}
	models := make([]provider.ModelCfg, 0, len(resolved))
	for _, m := range resolved {
		models = append(models, provider.ModelCfg{
			ID:             m.ID,
			Enabled:        m.Enabled,
			APIURL:         m.APIURL,
			APIKey:         m.APIKey,
			Model:          m.Model,
			Headers:        m.Headers,
			SupportsVision: m.SupportsVision,
			ExpectJSON:     m.ExpectJSON,
		})
	}
	return provider.BuildProvidersFromConfig(models, time.Duration(cfg.TimeoutSeconds)*time.Second), nil
}

// buildExtractorRegistry 把 Profile 快照落成具体抽取器：
// 绑定模型的走视觉适配器，其余按名称匹配注入的 CV 例程。
func buildExtractorRegistry(snap profile.Snapshot, providers []provider.ModelProvider, cv map[string]bridge.Provider) (*extractor.Registry, error) {
	registry := extractor.NewRegistry()
	for _, def := range snap.Definitions {
		if !def.Enabled {
			continue
		}
		var ex extractor.Extractor
		if def.Provider != "" {
			p := provider.FindProvider(providers, def.Provider)
			if p == nil {
				return nil, fmt.Errorf("extractor %s: model provider %q not configured", def.Name, def.Provider)
			}
			adapter, err := vision.NewAdapter(def.Config, p, def.CompiledSchema())
			if err != nil {
				return nil, err
			}
			ex = adapter
		} else {
			p, ok := cv[def.Name]
			if !ok {
				logger.Warnf("extractor %s: no cv provider bound, skipped", def.Name)
				continue
			}
			bridged, err := bridge.New(def.Config, p)
			if err != nil {
				return nil, err
			}
			ex = bridged
		}
		if err := registry.Register(def.Config, ex); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildRunStore(cfg dtcfg.StoreConfig) (store.Store, error) {
	return sqlite.NewSqliteStore(cfg.Path)
}

func buildAuditStore(cfg dtcfg.StoreConfig) (*extractlog.AuditStore, error) {
	return extractlog.NewAuditStore(cfg.AuditPath)
}

func buildNotifier(cfg dtcfg.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

func buildHTTPServer(cfg dtcfg.AppConfig, svc *RunService) (*apihttp.Server, error) {
	return apihttp.NewServer(apihttp.ServerConfig{
		Addr:    cfg.HTTPAddr,
		Service: NewRunAPI(svc),
	})
}
