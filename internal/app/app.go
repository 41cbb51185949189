// Package app builds long-lived services from configuration and acts as the
// dependency injection container shared by the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/playbook-crawler/internal/clock/system"
	"github.com/JakeFAU/playbook-crawler/internal/config"
	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/playbook-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/playbook-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/playbook-crawler/internal/id/uuid"
	"github.com/JakeFAU/playbook-crawler/internal/isolation"
	"github.com/JakeFAU/playbook-crawler/internal/orchestrator"
	"github.com/JakeFAU/playbook-crawler/internal/playbook"
	"github.com/JakeFAU/playbook-crawler/internal/proxy"
	"github.com/JakeFAU/playbook-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/playbook-crawler/internal/state"
	"github.com/JakeFAU/playbook-crawler/internal/storage/gcs"
	"github.com/JakeFAU/playbook-crawler/internal/storage/postgres"
	"github.com/JakeFAU/playbook-crawler/internal/strategy"
	"github.com/JakeFAU/playbook-crawler/internal/toolkit"
)

// App holds the shared services. Optional destinations are nil when not configured.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator

	fast     *collyfetcher.Fetcher
	browser  *headless.Fetcher
	runner   *isolation.ProcessRunner
	power    crawler.Fetcher
	capturer toolkit.Capturer
	pool     *proxy.Manager
	selector *strategy.Selector

	pg        *pgxpool.Pool
	results   *postgres.ResultStore
	runs      *postgres.RunStore
	publisher *pubsub.Publisher
	archiver  *gcs.Archiver
}

// New initializes every configured service. It fails fast when a configured
// destination cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	logger.Info("Initializing application services...")

	if err := a.initFetchers(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initProxyPool(); err != nil {
		a.Close()
		return nil, err
	}
	a.selector = a.newSelector()
	if err := a.initDestinations(ctx); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("Application services initialized",
		zap.Bool("power_lane", a.power != nil),
		zap.Bool("isolated", a.runner != nil),
		zap.Bool("proxy_pool", a.pool != nil),
		zap.Bool("postgres", a.pg != nil),
		zap.Bool("pubsub", a.publisher != nil),
		zap.Bool("archive", a.archiver != nil),
	)
	return a, nil
}

func (a *App) initFetchers() error {
	a.fast = collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.Crawler.UserAgent,
		Timeout:     a.cfg.RequestTimeout(),
		MaxBodySize: a.cfg.Crawler.MaxBodyBytes,
	})
	if !a.cfg.Headless.Enabled {
		return nil
	}
	if a.cfg.Isolation.Enabled {
		runner, err := isolation.NewProcessRunner(isolation.ProcessConfig{
			Path:   a.cfg.Isolation.Executable,
			Args:   workerArgs(a.cfg),
			Stderr: os.Stderr,
		}, a.logger.Named("isolation"))
		if err != nil {
			return fmt.Errorf("create isolated runner: %w", err)
		}
		a.runner = runner
		a.power = isolation.NewFetcher(runner)
		a.capturer = isolation.NewCapturer(runner)
		return nil
	}
	browser, err := NewBrowser(a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.browser = browser
	a.power = browser
	a.capturer = browser
	return nil
}

// workerArgs starts the isolate subcommand with the parent's config sources.
func workerArgs(cfg config.Config) []string {
	args := []string{"isolate"}
	if cfg.File != "" {
		args = append(args, "--config", cfg.File)
	}
	if cfg.EnvFile != "" {
		args = append(args, "--env-file", cfg.EnvFile)
	}
	return args
}

// NewBrowser builds the chromedp Power Lane from cfg.
func NewBrowser(cfg config.Config, logger *zap.Logger) (*headless.Fetcher, error) {
	browser, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Crawler.UserAgent,
		NavigationTimeout: cfg.NavigationTimeout(),
		SettleDelay:       cfg.SettleDelay(),
		ProxyServer:       cfg.Headless.ProxyServer,
		ExecPath:          cfg.Headless.ExecPath,
		NoSandbox:         cfg.Headless.NoSandbox,
		MaxAttempts:       cfg.Headless.MaxAttempts,
	}, logger.Named("headless"))
	if err != nil {
		return nil, fmt.Errorf("create headless browser: %w", err)
	}
	return browser, nil
}

// WorkerRegistry is the task table served by the isolate subcommand. The
// returned func shuts the browser down.
func WorkerRegistry(cfg config.Config, logger *zap.Logger) (isolation.Registry, func(), error) {
	browser, err := NewBrowser(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	reg := isolation.Registry{
		isolation.TaskRender:     isolation.RenderTask(browser),
		isolation.TaskScreenshot: isolation.CaptureTask(browser.Screenshot),
		isolation.TaskPDF:        isolation.CaptureTask(browser.PDF),
	}
	return reg, browser.Close, nil
}

func (a *App) initProxyPool() error {
	if !a.cfg.ProxyEnabled() {
		return nil
	}
	protocol, err := crawler.ParseProxyProtocol(a.cfg.Proxy.Protocol)
	if err != nil {
		return err
	}
	proxies, err := proxy.LoadFiles(a.cfg.Proxy.CredentialsFile, a.cfg.Proxy.ListFile, protocol)
	if err != nil {
		return err
	}
	validator := proxy.NewHTTPValidator(a.cfg.Proxy.IPCheckURL, a.cfg.ProxyTimeout(), a.cfg.Crawler.UserAgent)
	pool, err := proxy.NewManager(proxy.Config{
		RotationStrategy:    a.cfg.Proxy.RotationStrategy,
		FailureThreshold:    a.cfg.Proxy.FailureThreshold,
		MaxConcurrentChecks: a.cfg.Proxy.MaxConcurrentChecks,
		RevivalBatchSize:    a.cfg.Proxy.RevivalBatchSize,
		EnforceSecureIP:     a.cfg.Proxy.EnforceSecureIP,
		Cooldown:            a.cfg.ProxyCooldown(),
	}, proxies, validator, a.logger.Named("proxy"), proxy.WithClock(a.clock))
	if err != nil {
		return fmt.Errorf("create proxy pool: %w", err)
	}
	a.logger.Info("Proxy pool loaded", zap.Int("proxies", len(proxies)))
	a.pool = pool
	return nil
}

func (a *App) newSelector() *strategy.Selector {
	opts := []strategy.Option{strategy.WithClock(a.clock)}
	if a.pool != nil {
		opts = append(opts, strategy.WithProxyPool(a.pool))
	}
	return strategy.NewSelector(strategy.Config{
		Classifier: strategy.ClassifierConfig{
			BlockStatuses:    a.cfg.Strategy.BlockStatuses,
			MinContentLength: a.cfg.Strategy.MinContentLength,
			ChallengeMarkers: a.cfg.Strategy.ChallengeMarkers,
			PromoteSPA:       a.cfg.Strategy.PromoteSPA,
		},
		RequestTimeout: a.cfg.RequestTimeout(),
		PowerTimeout:   a.cfg.PowerTimeout(),
		LaneMemoryTTL:  a.cfg.LaneMemoryTTL(),
	}, a.fast, a.power, a.logger.Named("strategy"), opts...)
}

func (a *App) initDestinations(ctx context.Context) error {
	if pg := a.cfg.Results.Postgres; pg.DSN != "" {
		pool, err := postgres.Connect(ctx, postgres.Config{DSN: pg.DSN, MaxConns: pg.MaxConns})
		if err != nil {
			return err
		}
		a.pg = pool
		if a.results, err = postgres.NewResultStoreWithPool(pool, pg.ResultsTable); err != nil {
			return err
		}
		if a.runs, err = postgres.NewRunStoreWithPool(pool, pg.RunsTable); err != nil {
			return err
		}
	}
	if ps := a.cfg.Results.PubSub; ps.TopicID != "" {
		pub, err := pubsub.New(ctx, pubsub.Config{ProjectID: ps.ProjectID, TopicID: ps.TopicID})
		if err != nil {
			return err
		}
		a.publisher = pub
	}
	if bucket := a.cfg.Archive.GCS.Bucket; bucket != "" {
		archiver, err := gcs.NewArchiver(ctx, gcs.Config{Bucket: bucket, Prefix: a.cfg.Archive.GCS.Prefix}, a.logger.Named("archive"))
		if err != nil {
			return err
		}
		a.archiver = archiver
	}
	return nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Selector returns the shared fetch strategy.
func (a *App) Selector() *strategy.Selector { return a.selector }

// Toolkit exposes the boundary operations over this App.
func (a *App) Toolkit() *toolkit.Toolkit {
	deps := toolkit.Deps{
		Fetcher: a.selector,
		Crawl: func(ctx context.Context, path string) (orchestrator.Summary, error) {
			return a.RunCrawl(ctx, path, false)
		},
		SearchURL: a.cfg.Search.URL,
		Logger:    a.logger.Named("toolkit"),
	}
	if a.capturer != nil {
		deps.Capturer = a.capturer
	}
	return toolkit.New(deps)
}

// RunCrawl runs the playbook at path. Each playbook keeps its own state file,
// which is removed once a run completes. fresh ignores a leftover state file.
func (a *App) RunCrawl(ctx context.Context, path string, fresh bool) (orchestrator.Summary, error) {
	pb, err := playbook.Read(path)
	if err != nil {
		return orchestrator.Summary{Phase: orchestrator.PhaseFailed, Error: err.Error()}, err
	}
	if err := os.MkdirAll(a.cfg.Crawler.ResultsDir, 0o750); err != nil {
		return orchestrator.Summary{Phase: orchestrator.PhaseFailed, Error: err.Error()}, fmt.Errorf("create results dir: %w", err)
	}

	deps := orchestrator.Deps{
		Playbook: pb,
		Strategy: a.selector,
		Store:    state.NewFileStore(a.cfg.StatePath(pb.Slug())),
		OpenSink: a.openSink,
		Recorded: a.recordedURLs,
		Clock:    a.clock,
		IDs:      a.ids,
		Logger:   a.logger,
	}
	// Interfaces stay nil unless the service exists.
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	if a.archiver != nil {
		deps.Archiver = a.archiver
	}
	if a.runs != nil {
		deps.Runs = a.runs
	}
	if a.pool != nil {
		deps.Pool = a.pool
	}

	o, err := orchestrator.New(orchestrator.Config{
		Concurrency:     a.cfg.Crawler.Concurrency,
		CheckpointEvery: a.cfg.Crawler.CheckpointEvery,
		ShutdownGrace:   a.cfg.ShutdownGrace(),
		Fresh:           fresh,
		UserAgent:       a.cfg.Crawler.UserAgent,
	}, deps)
	if err != nil {
		return orchestrator.Summary{Phase: orchestrator.PhaseFailed, Error: err.Error()}, err
	}
	return o.Run(ctx)
}

func (a *App) openSink(pb *playbook.Compiled, _ string) (crawler.ResultSink, []string, error) {
	log, err := state.OpenResultLog(a.cfg.ResultsPath(pb.Slug()))
	if err != nil {
		return nil, nil, err
	}
	artifacts := []string{log.Path()}
	if a.results == nil {
		return log, artifacts, nil
	}
	return state.NewMultiSink(log, a.results), artifacts, nil
}

func (a *App) recordedURLs(pb *playbook.Compiled, runID string) ([]string, error) {
	return state.RecordedURLs(a.cfg.ResultsPath(pb.Slug()), runID)
}

// Ready pings the configured database.
func (a *App) Ready(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.pg.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Close shuts every service down. It is safe to call on a partly built App.
func (a *App) Close() {
	a.logger.Info("Shutting down application services...")
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.archiver != nil {
		errs = append(errs, a.archiver.Close())
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.runner != nil {
		errs = append(errs, a.runner.Close())
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.fast != nil {
		a.fast.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Error closing services", zap.Error(err))
	}
}
