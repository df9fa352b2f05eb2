// Package server builds the application graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/review-harvester/internal/api"
	memcache "github.com/JakeFAU/review-harvester/internal/cache/memory"
	rediscache "github.com/JakeFAU/review-harvester/internal/cache/redis"
	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/config"
	"github.com/JakeFAU/review-harvester/internal/dispatcher"
	"github.com/JakeFAU/review-harvester/internal/fetcher/free"
	"github.com/JakeFAU/review-harvester/internal/fetcher/proxy"
	"github.com/JakeFAU/review-harvester/internal/hash/sha256"
	"github.com/JakeFAU/review-harvester/internal/id/uuid"
	"github.com/JakeFAU/review-harvester/internal/metrics"
	"github.com/JakeFAU/review-harvester/internal/parser/html"
	"github.com/JakeFAU/review-harvester/internal/parser/proxyjson"
	"github.com/JakeFAU/review-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/review-harvester/internal/policy/retry"
	memorypublisher "github.com/JakeFAU/review-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/review-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/review-harvester/internal/query"
	memqueue "github.com/JakeFAU/review-harvester/internal/queue/memory"
	"github.com/JakeFAU/review-harvester/internal/scraper"
	gcsstorage "github.com/JakeFAU/review-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/review-harvester/internal/storage/local"
	memstorage "github.com/JakeFAU/review-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/review-harvester/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/review-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/review-harvester/internal/strategy"
	"github.com/JakeFAU/review-harvester/internal/worker"
)

const (
	cacheSweepInterval = time.Minute
	readHeaderTimeout  = 5 * time.Second
)

type closer struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	queue    *memqueue.Queue
	jobs     scraper.JobStore
	reviews  scraper.ReviewStore
	sources  *strategy.Registry
	dispatch *dispatcher.Dispatcher
	query    *query.Service
	api      *api.Server
	janitor  *memcache.Cache
	checks   []api.ReadyCheck
	closers  []closer
	closed   sync.Once
}

// Build creates the application's dependencies. On error every resource opened
// so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.release()
			app = nil
		}
	}()

	clock := system.New()
	if err = app.setupStorage(ctx, clock); err != nil {
		return nil, err
	}
	cache, err := app.setupCache(ctx, clock)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	app.sources = app.setupSources()
	app.queue = memqueue.NewQueue(cfg.Worker.QueueDepth)
	retrier := retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BackoffBase,
		MaxDelay:    cfg.Retry.BackoffMaxDelay,
	})

	workerCfg := worker.Config{
		HardMaxPages:  cfg.Scrape.HardMaxPages,
		ArchivePrefix: cfg.Archive.Prefix,
		Topic:         cfg.PubSub.TopicName,
	}
	hasher := sha256.New()
	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.jobs,
			app.reviews,
			app.sources,
			retrier,
			blobs,
			publisher,
			hasher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(
		app.queue,
		workers,
		app.jobs,
		app.sources,
		uuid.New(),
		clock,
		dispatcher.Config{
			EnqueueTimeout: cfg.Worker.EnqueueTimeout,
			DedupeWindow:   cfg.Scrape.DedupeWindow,
		},
		logger.Named("dispatcher"),
	)
	app.query = query.New(app.reviews, cache, cfg.Cache.TTL(), logger.Named("query"))
	app.api = api.NewServer(app.dispatch, app.jobs, app.query, cfg.Auth, logger, app.checks...)

	logger.Info("application built",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.Int("workers", cfg.Worker.Concurrency),
		zap.Strings("strategies", strategyNames(app.sources)),
	)
	return app, nil
}

func (a *App) setupStorage(ctx context.Context, clock scraper.Clock) error {
	switch a.cfg.Storage.Backend {
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, a.cfg.Storage.SQLite.Path, clock)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.jobs, a.reviews = store, store
		a.checks = append(a.checks, api.ReadyCheck{Name: "storage", Check: store.Ping})
		a.closers = append(a.closers, closer{name: "sqlite store", fn: store.Close})
		a.logger.Info("using sqlite storage backend", zap.String("path", a.cfg.Storage.SQLite.Path))
	case config.BackendPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      a.cfg.Storage.Postgres.DSN,
			MaxConns: a.cfg.Storage.Postgres.MaxConns,
			MinConns: a.cfg.Storage.Postgres.MinConns,
		}, clock)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "postgres store", fn: func() error { store.Close(); return nil }})
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		a.jobs, a.reviews = store, store
		a.checks = append(a.checks, api.ReadyCheck{Name: "storage", Check: store.Ping})
		a.logger.Info("using postgres storage backend")
	default:
		a.jobs = memstorage.NewJobStore()
		a.reviews = memstorage.NewReviewStore(clock)
		a.logger.Info("using in-memory storage backend")
	}
	return nil
}

func (a *App) setupCache(ctx context.Context, clock scraper.Clock) (scraper.Cache, error) {
	if a.cfg.Cache.Backend == config.BackendRedis {
		client, err := rediscache.NewClient(ctx, rediscache.Config{
			Address:  a.cfg.Cache.Redis.Address,
			Password: a.cfg.Cache.Redis.Password,
			DB:       a.cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "redis client", fn: client.Close})
		a.checks = append(a.checks, api.ReadyCheck{Name: "cache", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		a.logger.Info("using redis cache backend", zap.String("address", a.cfg.Cache.Redis.Address))
		return rediscache.New(client, ""), nil
	}
	a.janitor = memcache.New(clock)
	a.logger.Info("using in-memory cache backend", zap.Duration("ttl", a.cfg.Cache.TTL()))
	return a.janitor, nil
}

func (a *App) setupArchive(ctx context.Context) (scraper.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendGCS:
		store, err := gcsstorage.Open(ctx, a.cfg.Archive.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "gcs client", fn: store.Close})
		a.logger.Info("archiving raw pages to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(a.cfg.Archive.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving raw pages locally", zap.String("dir", a.cfg.Archive.LocalDir))
		return store, nil
	case config.BackendMemory:
		a.logger.Info("archiving raw pages in memory")
		return memstorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw page archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scraper.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, closer{name: "pubsub publisher", fn: pub.Close})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupSources() *strategy.Registry {
	freeFetcher := free.New(free.Config{
		UserAgents: a.cfg.Scrape.UserAgents,
		Timeout:    a.cfg.Scrape.RequestTimeout,
	})
	proxyFetcher := proxy.New(proxy.Config{
		BaseURL:  a.cfg.Proxy.BaseURL,
		Username: a.cfg.Proxy.Username,
		Password: a.cfg.Proxy.Password,
		Timeout:  a.cfg.Scrape.RequestTimeout,
	})
	if err := proxyFetcher.Ready(); err != nil {
		a.logger.Warn("proxy strategy unavailable", zap.Error(err))
	}
	return strategy.NewRegistry(
		strategy.Source{
			Strategy: scraper.StrategyFree,
			Fetcher:  freeFetcher,
			Parser:   html.New(),
			Limiter:  ratelimit.New(string(scraper.StrategyFree), bucket(a.cfg.RateLimit.Free)),
			MaxPages: a.cfg.Scrape.MaxPagesFree,
		},
		strategy.Source{
			Strategy: scraper.StrategyProxy,
			Fetcher:  proxyFetcher,
			Parser:   proxyjson.New(),
			Limiter:  ratelimit.New(string(scraper.StrategyProxy), bucket(a.cfg.RateLimit.Proxy)),
			MaxPages: a.cfg.Scrape.MaxPagesProxy,
			Ready:    proxyFetcher.Ready,
		},
	)
}

func bucket(c config.BucketConfig) ratelimit.Config {
	return ratelimit.Config{
		RatePerSecond: c.RatePerSecond,
		BurstCapacity: c.BurstCapacity,
		MaxWait:       c.MaxWait,
	}
}

func strategyNames(r *strategy.Registry) []string {
	var names []string
	for _, s := range r.Strategies() {
		names = append(names, string(s))
	}
	return names
}

// Dispatcher exposes job submission for in-process callers.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Jobs exposes the job store.
func (a *App) Jobs() scraper.JobStore { return a.jobs }

// Reviews exposes the review store.
func (a *App) Reviews() scraper.ReviewStore { return a.reviews }

// Query exposes the cached read path.
func (a *App) Query() *query.Service { return a.query }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// RunWorkers runs the worker pool and cache janitor until ctx ends.
func (a *App) RunWorkers(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.dispatch.Run(gctx)
		return nil
	})
	if a.janitor != nil {
		g.Go(func() error {
			a.janitor.Run(gctx, cacheSweepInterval)
			return nil
		})
	}
	_ = g.Wait()
}

// Run serves HTTP and runs the worker pool until ctx is canceled or the
// listener fails, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.RunWorkers(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases queues, clients and connection pools. Later calls are no-ops.
func (a *App) Close() {
	a.closed.Do(func() {
		a.release()
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
}

func (a *App) release() {
	if a.queue != nil {
		a.queue.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
