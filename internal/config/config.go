// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/proxy"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Isolation IsolationConfig `mapstructure:"isolation"`
	Search    SearchConfig    `mapstructure:"search"`
	Results   ResultsConfig   `mapstructure:"results"`
	Archive   ArchiveConfig   `mapstructure:"archive"`

	// Where this config was read from, so the isolated worker can load the same.
	File    string `mapstructure:"-"`
	EnvFile string `mapstructure:"-"`
}

// LogConfig toggles zap development features and the rotating log file.
type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the orchestrator and where it keeps its files.
type CrawlerConfig struct {
	ResultsDir           string `mapstructure:"results_dir"`
	StateFile            string `mapstructure:"state_file"`
	Concurrency          int    `mapstructure:"concurrency"`
	CheckpointEvery      int    `mapstructure:"checkpoint_every"`
	ShutdownGraceSeconds int    `mapstructure:"shutdown_grace_seconds"`
	UserAgent            string `mapstructure:"user_agent"`
	MaxBodyBytes         int    `mapstructure:"max_body_bytes"`
}

// ProxyConfig describes the proxy pool. An empty ListFile disables it.
type ProxyConfig struct {
	CredentialsFile     string `mapstructure:"credentials_file"`
	ListFile            string `mapstructure:"list_file"`
	Protocol            string `mapstructure:"protocol"`
	RotationStrategy    string `mapstructure:"rotation_strategy"`
	FailureThreshold    int    `mapstructure:"failure_threshold"`
	MaxConcurrentChecks int    `mapstructure:"max_concurrent_checks"`
	RevivalBatchSize    int    `mapstructure:"revival_batch_size"`
	EnforceSecureIP     bool   `mapstructure:"enforce_secure_ip"`
	CooldownSeconds     int    `mapstructure:"cooldown_seconds"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	IPCheckURL          string `mapstructure:"ip_check_url"`
}

// StrategyConfig tunes lane selection and block detection.
type StrategyConfig struct {
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	PowerTimeoutSeconds   int      `mapstructure:"power_timeout_seconds"`
	MinContentLength      int      `mapstructure:"min_content_length"`
	BlockStatuses         []int    `mapstructure:"block_statuses"`
	ChallengeMarkers      []string `mapstructure:"challenge_markers"`
	PromoteSPA            bool     `mapstructure:"promote_spa"`
	LaneMemoryMinutes     int      `mapstructure:"lane_memory_minutes"`
}

// HeadlessConfig configures the Power Lane browser.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	SettleMillis  int    `mapstructure:"settle_ms"`
	ProxyServer   string `mapstructure:"proxy_server"`
	ExecPath      string `mapstructure:"exec_path"`
	NoSandbox     bool   `mapstructure:"no_sandbox"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
}

// IsolationConfig moves browser work into a child process.
type IsolationConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Executable string `mapstructure:"executable"`
}

// SearchConfig points search_web at an HTML results page. The query is
// appended URL-escaped; empty means DuckDuckGo.
type SearchConfig struct {
	URL string `mapstructure:"url"`
}

// ResultsConfig lists the optional result destinations besides the JSONL log.
type ResultsConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// PostgresConfig controls access to the relational database. An empty DSN disables it.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	ResultsTable string `mapstructure:"results_table"`
	RunsTable    string `mapstructure:"runs_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for result notifications. An empty topic disables it.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ArchiveConfig selects where finished runs are archived.
type ArchiveConfig struct {
	GCS GCSConfig `mapstructure:"gcs"`
}

// GCSConfig names the archive bucket. An empty bucket disables archiving.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// LoadDotEnv copies KEY=value pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.File = path

	return cfg, nil
}

// Every key gets a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.development", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 0)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("crawler.results_dir", ".")
	v.SetDefault("crawler.state_file", "crawl_state.json")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.checkpoint_every", 1)
	v.SetDefault("crawler.shutdown_grace_seconds", 10)
	v.SetDefault("crawler.user_agent", "playbook-crawler/0.1")
	v.SetDefault("crawler.max_body_bytes", 10<<20)

	v.SetDefault("proxy.credentials_file", "")
	v.SetDefault("proxy.list_file", "")
	v.SetDefault("proxy.protocol", string(crawler.ProxySOCKS5))
	v.SetDefault("proxy.rotation_strategy", proxy.RoundRobin)
	v.SetDefault("proxy.failure_threshold", 3)
	v.SetDefault("proxy.max_concurrent_checks", 50)
	v.SetDefault("proxy.revival_batch_size", 5)
	v.SetDefault("proxy.enforce_secure_ip", false)
	v.SetDefault("proxy.cooldown_seconds", 0)
	v.SetDefault("proxy.timeout_seconds", 10)
	v.SetDefault("proxy.ip_check_url", "https://api.ipify.org?format=json")

	v.SetDefault("strategy.request_timeout_seconds", 15)
	v.SetDefault("strategy.power_timeout_seconds", 45)
	v.SetDefault("strategy.min_content_length", 2048)
	v.SetDefault("strategy.block_statuses", []int{403, 429, 503})
	v.SetDefault("strategy.challenge_markers", []string{})
	v.SetDefault("strategy.promote_spa", true)
	v.SetDefault("strategy.lane_memory_minutes", 0)

	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_ms", 0)
	v.SetDefault("headless.proxy_server", "")
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("headless.max_attempts", 3)

	v.SetDefault("isolation.enabled", false)
	v.SetDefault("isolation.executable", "")
	v.SetDefault("search.url", "")

	v.SetDefault("results.postgres.dsn", "")
	v.SetDefault("results.postgres.results_table", "crawl_results")
	v.SetDefault("results.postgres.runs_table", "crawl_runs")
	v.SetDefault("results.postgres.max_conns", 4)
	v.SetDefault("results.pubsub.project_id", "")
	v.SetDefault("results.pubsub.topic_id", "")

	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.prefix", "crawls")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.CheckpointEvery < 0 {
		return fmt.Errorf("crawler.checkpoint_every must be >= 0")
	}
	if c.Crawler.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("crawler.shutdown_grace_seconds must be >= 0")
	}
	if strings.TrimSpace(c.Crawler.StateFile) == "" {
		return fmt.Errorf("crawler.state_file must be set")
	}
	if c.Strategy.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("strategy.request_timeout_seconds must be > 0")
	}
	if c.Strategy.MinContentLength < 0 {
		return fmt.Errorf("strategy.min_content_length must be >= 0")
	}
	for _, code := range c.Strategy.BlockStatuses {
		if code < 100 || code > 599 {
			return fmt.Errorf("strategy.block_statuses must be HTTP status codes, got %d", code)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Isolation.Enabled && !c.Headless.Enabled {
		return fmt.Errorf("isolation.enabled must be false when headless is disabled")
	}
	if c.ProxyEnabled() {
		if _, err := crawler.ParseProxyProtocol(c.Proxy.Protocol); err != nil {
			return fmt.Errorf("proxy.protocol must be http or socks5: %w", err)
		}
		switch c.Proxy.RotationStrategy {
		case proxy.RoundRobin, proxy.Random, proxy.Recency:
		default:
			return fmt.Errorf("proxy.rotation_strategy must be one of round_robin, random, recency")
		}
		if c.Proxy.FailureThreshold <= 0 {
			return fmt.Errorf("proxy.failure_threshold must be > 0")
		}
		if c.Proxy.MaxConcurrentChecks <= 0 {
			return fmt.Errorf("proxy.max_concurrent_checks must be > 0")
		}
		if c.Proxy.TimeoutSeconds <= 0 {
			return fmt.Errorf("proxy.timeout_seconds must be > 0")
		}
	}
	if c.Results.PubSub.TopicID != "" && c.Results.PubSub.ProjectID == "" {
		return fmt.Errorf("results.pubsub.project_id must be set when a topic is configured")
	}
	return nil
}

// ProxyEnabled reports whether a proxy list is configured.
func (c Config) ProxyEnabled() bool {
	return strings.TrimSpace(c.Proxy.ListFile) != ""
}

// StatePath resolves the state file for a playbook slug: crawl_state.json
// becomes crawl_state_<slug>.json. Relative paths live under results_dir.
func (c Config) StatePath(slug string) string {
	ext := filepath.Ext(c.Crawler.StateFile)
	name := strings.TrimSuffix(c.Crawler.StateFile, ext) + "_" + slug + ext
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Crawler.ResultsDir, name)
}

// ResultsPath is the JSONL log for a playbook slug, so a resumed run appends to the same file.
func (c Config) ResultsPath(slug string) string {
	return filepath.Join(c.Crawler.ResultsDir, "results_"+slug+".jsonl")
}

// ShutdownGrace converts the grace period to a duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Crawler.ShutdownGraceSeconds) * time.Second
}

// RequestTimeout is the Fast Lane budget per fetch.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Strategy.RequestTimeoutSeconds) * time.Second
}

// PowerTimeout is the Power Lane budget per fetch.
func (c Config) PowerTimeout() time.Duration {
	return time.Duration(c.Strategy.PowerTimeoutSeconds) * time.Second
}

// LaneMemoryTTL is how long a host stays pinned to the Power Lane.
func (c Config) LaneMemoryTTL() time.Duration {
	return time.Duration(c.Strategy.LaneMemoryMinutes) * time.Minute
}

// ProxyTimeout bounds one proxy validation.
func (c Config) ProxyTimeout() time.Duration {
	return time.Duration(c.Proxy.TimeoutSeconds) * time.Second
}

// ProxyCooldown is the pause after a proxy failure below the threshold.
func (c Config) ProxyCooldown() time.Duration {
	return time.Duration(c.Proxy.CooldownSeconds) * time.Second
}

// NavigationTimeout bounds one headless navigation.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// SettleDelay is the pause after the document is ready before snapshotting.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Headless.SettleMillis) * time.Millisecond
}

// APIRequestTimeout bounds each tool call served over HTTP.
func (c Config) APIRequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
