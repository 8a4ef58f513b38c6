package app

import (
	"context"
	"fmt"

	dtcfg "dtex/internal/config"
	"dtex/internal/extractor/profile"
	"dtex/internal/logger"
	"dtex/internal/store"
	"dtex/internal/store/extractlog"
	apihttp "dtex/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 服务与 Profile 热更新监听。
type App struct {
	cfg      *dtcfg.Config
	profiles *profile.Registry
	service  *RunService
	server   *apihttp.Server
	runStore store.Store
	audit    *extractlog.AuditStore
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *dtcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务，阻塞到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}

	// Profile 文件热更新：只记日志，已构建的抽取器在下次重启生效。
	a.profiles.OnChange(func(snap profile.Snapshot) {
		logger.Infof("抽取器 Profile 已更新 (version %d, %d 个定义)，重启后生效",
			snap.Version, len(snap.Definitions))
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("api http server error: %w", err)
		}
		return nil
	})
	err := group.Wait()
	a.close()
	return err
}

// Service exposes the underlying run service (for testing/replay harnesses).
func (a *App) Service() *RunService {
	if a == nil {
		return nil
	}
	return a.service
}

func (a *App) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			logger.Warnf("close audit store: %v", err)
		}
	}
	if a.runStore != nil {
		if err := a.runStore.Close(); err != nil {
			logger.Warnf("close run store: %v", err)
		}
	}
}
