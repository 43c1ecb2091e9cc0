package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/cdn"
	"github.com/any-hub/any-depot/internal/config"
	"github.com/any-hub/any-depot/internal/consolidation"
	"github.com/any-hub/any-depot/internal/content"
	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/koji"
	"github.com/any-hub/any-depot/internal/locks"
	"github.com/any-hub/any-depot/internal/merge"
	"github.com/any-hub/any-depot/internal/metrics"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pathfilter"
	"github.com/any-hub/any-depot/internal/promote"
	"github.com/any-hub/any-depot/internal/registry"
	"github.com/any-hub/any-depot/internal/relations"
	"github.com/any-hub/any-depot/internal/server"
	"github.com/any-hub/any-depot/internal/server/routes"
	"github.com/any-hub/any-depot/internal/transport"
	"github.com/any-hub/any-depot/internal/workpool"
)

const metricsNamespace = "anydepot"

// depot 持有进程内的全部组件，启动顺序：
// 配置 → 注册表 → 事件总线 → CDN 记录 → 磁盘缓存 → 上游客户端 → 解析器/合并 → 监听器 → 后台任务 → Fiber。
type depot struct {
	app       *fiber.App
	registry  *registry.Registry
	bus       *events.Bus
	redirects cdn.RedirectDB
	executor  *workpool.Executor
	koji      *koji.Client
	logger    *logrus.Logger
}

func buildDepot(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*depot, error) {
	g := cfg.Global
	d := &depot{logger: logger}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	regOpts := []registry.Option{registry.WithLogger(logger), registry.WithLockTimeout(g.LockTimeout.DurationValue())}
	if g.RegistryPath != "" {
		persister, err := registry.OpenSQLite(g.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("打开仓库注册表失败: %w", err)
		}
		regOpts = append(regOpts, registry.WithPersister(persister))
	}
	d.registry = registry.New(regOpts...)
	loaded, err := d.registry.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载仓库注册表失败: %w", err)
	}
	stores, err := config.BuildStores(cfg)
	if err != nil {
		return nil, err
	}
	seeded, err := server.SeedStores(ctx, d.registry, stores, logger)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{"action": "registry_ready", "loaded": loaded, "seeded": seeded}).Info("仓库注册表就绪")

	d.bus = events.NewBus(logger)

	switch g.RedirectBackend {
	case "redis":
		redirects, err := cdn.NewRedisRedirects(g.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("连接 redis 失败: %w", err)
		}
		d.redirects = redirects
	default:
		d.redirects = cdn.NewMemoryRedirects()
	}

	c, err := cache.NewCache(g.StoragePath,
		cache.WithLogger(logger),
		cache.WithEventBus(d.bus),
		cache.WithDecorators(cdn.NewListingDecorator(d.redirects, g.ListingRewrite, logger).Decorate),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	upstream := transport.NewUpstreamClient(g.UpstreamTimeout.DurationValue())
	fetcher := transport.NewFetcher(upstream, logger, d.redirects)

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewProm(metricsNamespace, promRegistry)

	gaIndex := pathfilter.NewGAIndex(c, logger)
	chain := pathfilter.NewChain(logger,
		pathfilter.PathMaskFilter{},
		pathfilter.NewGAMetadataFilter(gaIndex),
		pathfilter.NewStorageContainmentFilter(pathfilter.NewCacheContainmentIndex(c), g.ContainmentBatchSize, gaIndex, logger),
	)
	resolver := content.NewResolver(c, d.registry, fetcher,
		content.WithChain(chain),
		content.WithMetrics(recorder),
		content.WithEventBus(d.bus),
		content.WithFetchTimeout(g.UpstreamTimeout.DurationValue()),
		content.WithLogger(logger),
	)
	resolver.SetMerger(merge.NewEngine(resolver, recorder, logger))

	if err := d.attachListeners(c, gaIndex, g.LockTimeout.DurationValue()); err != nil {
		return nil, err
	}

	d.executor = workpool.NewExecutor("background", g.BackgroundWorkers, logger)
	if err := d.executor.Submit(func(ctx context.Context) {
		if err := gaIndex.Start(ctx, d.registry.All()); err != nil {
			logger.WithError(err).WithField("action", "ga_index").Warn("GA 索引构建失败")
		}
	}); err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{Logger: logger, ListenPort: g.ListenPort})
	if err != nil {
		return nil, err
	}
	routes.RegisterContentRoutes(app, routes.ContentDeps{
		Stores:    d.registry,
		Resolver:  resolver,
		Publisher: merge.NewPublisher(resolver, logger),
		BaseURL:   g.BaseURL,
		Logger:    logger,
	})
	routes.RegisterAdminRoutes(app, routes.AdminDeps{Registry: d.registry, Logger: logger})
	routes.RegisterMetricsRoute(app, metrics.Handler(promRegistry))

	if err := d.wireKoji(app, g, resolver, upstream.Transport, recorder); err != nil {
		return nil, err
	}

	ruleSets, err := promote.LoadRuleSets(g.RuleSetPath)
	if err != nil {
		return nil, fmt.Errorf("加载晋升规则失败: %w", err)
	}
	validator := promote.NewValidator(d.registry, resolver, ruleSets, func(key model.StoreKey) string {
		return server.StoreURL(g.BaseURL, key)
	}, promote.WithLogger(logger))
	routes.RegisterPromoteRoutes(app, validator, logger)

	d.app = app
	ok = true
	return d, nil
}

func (d *depot) attachListeners(c *cache.Cache, gaIndex *pathfilter.GAIndex, lockTimeout time.Duration) error {
	if err := d.bus.Subscribe(events.Stored, gaIndex.HandleEvent); err != nil {
		return err
	}
	d.registry.OnChange(func(change registry.Change) {
		if change.Kind == registry.ChangeDeleted {
			gaIndex.RemoveStore(change.Key)
		}
	})
	if err := merge.NewInvalidator(c, d.registry, lockTimeout, d.logger).Attach(d.bus); err != nil {
		return err
	}
	if err := cdn.NewDeletionListener(d.redirects, d.logger).Attach(d.bus); err != nil {
		return err
	}
	return relations.NewListener(c, d.registry, d.logger).Attach(d.bus)
}

func (d *depot) wireKoji(app *fiber.App, g config.GlobalConfig, resolver *content.Resolver, rt http.RoundTripper, rec metrics.Recorder) error {
	if g.KojiURL == "" {
		return nil
	}
	client, err := koji.NewClient(g.KojiURL, rt)
	if err != nil {
		return err
	}
	d.koji = client
	digest, err := cache.ParseAlgorithm(g.ConsolidationDigest)
	if err != nil {
		return err
	}
	consolidator := consolidation.New(d.registry, resolver, locks.New[model.StoreKey](), consolidation.Options{
		Workers:         g.ConsolidationWorkers,
		MetadataWorkers: g.MetadataWorkers,
		MaxAttempts:     g.ConsolidationMaxAttempts,
		Digest:          digest,
		LockTimeout:     g.LockTimeout.DurationValue(),
		Metrics:         rec,
		Logger:          d.logger,
		Executor:        d.executor,
	})
	downloadBase := g.KojiDownloadURL
	if downloadBase == "" {
		downloadBase = g.KojiURL
	}
	routes.RegisterKojiRoutes(app, routes.KojiDeps{
		Builds:       client,
		Groups:       d.registry,
		Consolidator: consolidator,
		DownloadBase: downloadBase,
		Logger:       d.logger,
	})
	return nil
}

// close 按与构建相反的顺序释放资源。
func (d *depot) close() error {
	var errs []error
	if d.executor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		errs = append(errs, d.executor.Shutdown(ctx))
		cancel()
	}
	if d.bus != nil {
		d.bus.WaitAsync()
	}
	if d.koji != nil {
		errs = append(errs, d.koji.Close())
	}
	if d.redirects != nil {
		errs = append(errs, d.redirects.Close())
	}
	if d.registry != nil {
		errs = append(errs, d.registry.Close())
	}
	return errors.Join(errs...)
}
