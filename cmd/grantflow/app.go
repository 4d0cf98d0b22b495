package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/internal/metrics"
	"github.com/BaSui01/grantflow/internal/telemetry"
	"github.com/BaSui01/grantflow/processors"
	"github.com/BaSui01/grantflow/workflow"
)

// =============================================================================
// 🧩 组件装配
// =============================================================================

// app 一次进程生命周期内共享的组件
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	cache     *cache.Cache
	registry  *workflow.Registry
	engine    *workflow.Engine
	defs      []*workflow.Definition
	collector *metrics.Collector
	promReg   *prometheus.Registry
	otel      *telemetry.Providers
}

// newCacheOnly 只打开缓存，供 cache 子命令使用
func newCacheOnly(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*cache.Cache, error) {
	store, err := cache.NewStore(cfg.Cache.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("create cache store: %w", err)
	}
	c := cache.New(store, cache.ConfigFrom(cfg.Cache), logger)
	if err := c.Open(ctx); err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return c, nil
}

// newApp 按配置装配缓存、处理器注册表与引擎
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	a.otel = otelProviders

	var cacheOpts []cache.Option
	var engineOpts []workflow.EngineOption
	if a.otel.Enabled() {
		meter, err := telemetry.NewEngineMeter(otel.GetMeterProvider())
		if err != nil {
			logger.Warn("failed to create otel engine meter", zap.Error(err))
		} else {
			engineOpts = append(engineOpts, workflow.WithMetrics(meter))
		}
	}
	if cfg.Metrics.Enabled {
		a.promReg = prometheus.NewRegistry()
		a.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.collector = metrics.NewCollector(cfg.Metrics.Namespace, a.promReg, logger)
		cacheOpts = append(cacheOpts, cache.WithObserver(a.collector))
		engineOpts = append(engineOpts, workflow.WithMetrics(a.collector))
	}

	store, err := cache.NewStore(cfg.Cache.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("create cache store: %w", err)
	}
	a.cache = cache.New(store, cache.ConfigFrom(cfg.Cache), logger, cacheOpts...)
	if err := a.cache.Open(ctx); err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	a.registry = workflow.NewRegistry(logger)
	if err := processors.Register(a.registry, cfg.Processors, logger); err != nil {
		_ = a.cache.Close(ctx)
		return nil, fmt.Errorf("register processors: %w", err)
	}
	if verrs := a.registry.Validate(); len(verrs) > 0 {
		_ = a.cache.Close(ctx)
		return nil, fmt.Errorf("invalid processor graph: %w", workflow.ValidationErrors(verrs))
	}

	a.engine = workflow.NewEngine(a.registry, a.cache, cfg.Engine, logger, engineOpts...)
	a.defs = workflow.DefinitionsFromConfig(cfg)

	logger.Info("components ready",
		zap.Int("processors", len(cfg.Processors)),
		zap.Int("workflows", len(a.defs)),
		zap.String("cache_store", cfg.Cache.Store.Type))
	return a, nil
}

// definition 按名称查找工作流
func (a *app) definition(name string) (*workflow.Definition, error) {
	for _, d := range a.defs {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("unknown workflow %q", name)
}

// Close 关闭引擎、刷写缓存并关闭遥测
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		a.engine.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
