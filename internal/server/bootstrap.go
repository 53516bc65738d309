package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/config"
	"github.com/any-hub/vcache/internal/engine"
	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/source"
	"github.com/any-hub/vcache/internal/sourceinfo"
	"github.com/any-hub/vcache/internal/version"
)

// Runtime 汇总服务运行所需的共享依赖。
type Runtime struct {
	Config      *config.Config
	Client      *http.Client
	Store       *cache.Store
	Cleaner     *cache.Cleaner
	InfoStorage source.InfoStorage
	Registry    *EngineRegistry

	injector *HeaderInjector
	logger   *logrus.Logger
}

// NewRuntime 按“上游客户端 → 描述缓存 → 磁盘缓存 → 注册表 → 清理器”的顺序构建依赖。
// memory 后端不创建磁盘目录与清理器。
func NewRuntime(cfg *config.Config, logger *logrus.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	infoStorage, err := sourceinfo.Open(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("open source info storage: %w", err)
	}

	rt := &Runtime{
		Config:      cfg,
		Client:      NewUpstreamClient(cfg),
		InfoStorage: infoStorage,
		injector:    NewHeaderInjector(cfg.Headers),
		logger:      logger,
	}

	if cfg.Global.CacheBackend == config.CacheBackendFile {
		store, err := cache.NewStore(cfg.Global.StoragePath)
		if err != nil {
			_ = infoStorage.Close()
			return nil, fmt.Errorf("init cache store: %w", err)
		}
		rt.Store = store
	}

	registry, err := NewEngineRegistry(RegistryOptions{
		Factory:     rt.newEngine,
		IdleTimeout: cfg.Global.IdleTimeout.DurationValue(),
		MaxEngines:  cfg.Global.MaxEngines,
		Store:       rt.Store,
		Logger:      logger,
	})
	if err != nil {
		_ = infoStorage.Close()
		return nil, err
	}
	rt.Registry = registry

	if rt.Store != nil {
		rt.Cleaner = cache.NewCleaner(
			rt.Store,
			cfg.Global.CleanupInterval.DurationValue(),
			cfg.Global.MaxCacheSize.Int64(),
			registry,
			logging.Component(logger, "cleaner"),
		)
	}

	return rt, nil
}

// newSourceFactory 返回为 url 构造 HTTPSource 的工厂，每个抓取会话与探测各用一个实例。
func (rt *Runtime) newSourceFactory(url string) source.Factory {
	sourceLogger := logging.Component(rt.logger, "source")
	return func() source.Source {
		return source.NewHTTPSource(url,
			source.WithClient(rt.Client),
			source.WithInfoStorage(rt.InfoStorage),
			source.WithHeaderInjector(rt.injector),
			source.WithReadTimeout(rt.Config.Global.ReadTimeout.DurationValue()),
			source.WithMaxRedirects(source.MaxRedirects),
			source.WithUserAgent(version.UserAgent()),
			source.WithLogger(sourceLogger),
		)
	}
}

// newEngine 是注册表使用的 EngineFactory。
func (rt *Runtime) newEngine(url string) (*engine.ProxyCache, error) {
	var (
		c   cache.Cache
		err error
	)
	if rt.Store != nil {
		c, err = rt.Store.Open(url)
		if err != nil {
			return nil, err
		}
	} else {
		c = cache.NewMemoryCache()
	}

	g := rt.Config.Global
	return engine.New(url, rt.newSourceFactory(url), c, engine.Options{
		ChunkSize:      int(g.ChunkSize.Int64()),
		MaxRetries:     g.MaxRetries,
		InitialBackoff: g.InitialBackoff.DurationValue(),
		Logger:         rt.logger,
		OnProgress:     rt.onProgress,
		OnComplete:     rt.onComplete,
	}), nil
}

func (rt *Runtime) onProgress(url string, percent int) {
	rt.logger.WithFields(logrus.Fields{
		"action":  "download_progress",
		"origin":  url,
		"percent": percent,
	}).Debug("download progress")
}

func (rt *Runtime) onComplete(url string) {
	rt.logger.WithFields(logrus.Fields{
		"action": "download_complete",
		"origin": url,
	}).Info("resource cached")
	if rt.Store == nil {
		return
	}
	if err := rt.Store.Touch(url); err != nil {
		rt.logger.WithError(err).WithField("origin", url).Warn("touch cache file failed")
	}
	if rt.Cleaner != nil {
		rt.Cleaner.Trigger()
	}
}

// ProxyURL 返回 origin 在当前监听地址上的代理 URL。
func (rt *Runtime) ProxyURL(origin string) string {
	return ProxyURL(rt.Config.Global.ListenHost, rt.Config.Global.ListenPort, origin)
}

// Shutdown 依次关闭注册表、清理器与描述缓存。
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if rt.Registry != nil {
		if err := rt.Registry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("registry: %w", err))
		}
	}
	if rt.Cleaner != nil {
		if err := rt.Cleaner.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleaner: %w", err))
		}
	}
	if rt.InfoStorage != nil {
		if err := rt.InfoStorage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("source info: %w", err))
		}
	}
	return errors.Join(errs...)
}
