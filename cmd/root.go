// Package cmd defines and implements the CLI commands for the playbook-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/playbook-crawler/internal/app"
	"github.com/JakeFAU/playbook-crawler/internal/config"
	"github.com/JakeFAU/playbook-crawler/internal/logging"
	"github.com/JakeFAU/playbook-crawler/internal/orchestrator"
	"github.com/JakeFAU/playbook-crawler/internal/toolkit"
)

// version is stamped at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

// skipApp marks commands that must not build the full application, such as
// the isolated worker which only needs a browser.
const skipApp = "skip-app"

// App defines the application surface the commands use. Tests swap in a fake.
type App interface {
	Close()
	Logger() *zap.Logger
	Toolkit() *toolkit.Toolkit
	RunCrawl(ctx context.Context, playbookPath string, fresh bool) (orchestrator.Summary, error)
	Ready(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newLogger is swapped in tests to keep output quiet.
var newLogger = func(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Development: cfg.Log.Development,
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
	})
}

// session holds what PersistentPreRunE built so it can be released even when
// the command fails; cobra skips post-run hooks on error.
type session struct {
	app    App
	logger *zap.Logger
}

func (s *session) close() {
	if s.app != nil {
		s.app.Close()
		s.app = nil
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

func newRootCmd(sess *session) *cobra.Command {
	var cfgFile, envFile string
	cmd := &cobra.Command{
		Use:   "playbook-crawler",
		Short: "A rule-driven web crawler with proxy rotation and headless escalation.",
		Long: `playbook-crawler runs declarative crawl playbooks. Each playbook names its
start URLs, which links to follow and how to extract records from matching
pages. Pages are fetched over a fast HTTP lane and escalated to a headless
browser when a site blocks or renders client side.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.EnvFile = envFile
			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			sess.logger = logger

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)

			if cmd.Annotations[skipApp] == "" {
				appInstance, err := newApp(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				sess.app = appInstance
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); CRAWLER_* env vars override it")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional file of CRAWLER_* variables loaded before the config")

	cmd.AddCommand(
		newCrawlCmd(),
		newScrapeCmd(),
		newSearchCmd(),
		newSitemapCmd(),
		newServeCmd(),
		newMCPCmd(),
		newIsolateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	sess := &session{}
	defer sess.close()

	root := newRootCmd(sess)
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		logger = zap.NewNop()
	}
	return cfg, logger, nil
}
