package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Concurrency != 4 || cfg.Crawler.CheckpointEvery != 1 {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.Crawler.StateFile != "crawl_state.json" {
		t.Fatalf("expected default state file, got %q", cfg.Crawler.StateFile)
	}
	if cfg.Proxy.MaxConcurrentChecks != 50 || cfg.Proxy.RotationStrategy != "round_robin" || cfg.Proxy.TimeoutSeconds != 10 {
		t.Fatalf("unexpected proxy defaults: %+v", cfg.Proxy)
	}
	if got := cfg.RequestTimeout(); got != 15*time.Second {
		t.Fatalf("expected 15s request timeout, got %v", got)
	}
	if len(cfg.Strategy.BlockStatuses) != 3 {
		t.Fatalf("expected default block statuses, got %v", cfg.Strategy.BlockStatuses)
	}
	if cfg.ProxyEnabled() {
		t.Fatal("proxy pool must be off without a list file")
	}
	if cfg.LaneMemoryTTL() != 0 {
		t.Fatalf("lane memory is opt-in, got %v", cfg.LaneMemoryTTL())
	}
	if cfg.File != "" {
		t.Fatalf("no config file was read, got %q", cfg.File)
	}
	if cfg.Results.Postgres.ResultsTable != "crawl_results" {
		t.Fatalf("unexpected results table %q", cfg.Results.Postgres.ResultsTable)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
log:
  development: false
  level: debug
  file: /var/log/crawler/run.log
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  results_dir: /data/out
  concurrency: 6
  checkpoint_every: 10
  shutdown_grace_seconds: 3
  user_agent: real-agent
proxy:
  list_file: proxies.json
  credentials_file: creds.json
  protocol: http
  rotation_strategy: recency
  cooldown_seconds: 30
strategy:
  request_timeout_seconds: 8
  block_statuses: [403, 451]
  challenge_markers: ["verify you are human"]
  lane_memory_minutes: 5
headless:
  max_parallel: 3
  settle_ms: 250
  proxy_server: "http://squid:3128"
isolation:
  enabled: true
results:
  postgres:
    dsn: postgres://crawler@db/crawl
  pubsub:
    project_id: proj
    topic_id: results
archive:
  gcs:
    bucket: bucket
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected server and auth overrides: %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Log.Development || cfg.Log.Level != "debug" || cfg.Log.File != "/var/log/crawler/run.log" {
		t.Fatalf("expected log overrides: %+v", cfg.Log)
	}
	if cfg.Crawler.Concurrency != 6 || cfg.Crawler.CheckpointEvery != 10 || cfg.ShutdownGrace() != 3*time.Second {
		t.Fatalf("expected crawler overrides: %+v", cfg.Crawler)
	}
	if got := cfg.StatePath("links_demo"); got != filepath.Join("/data/out", "crawl_state_links_demo.json") {
		t.Fatalf("state path resolves per playbook under results_dir, got %q", got)
	}
	if cfg.StatePath("links_demo") == cfg.StatePath("shop") {
		t.Fatal("playbooks must not share a state file")
	}
	if cfg.File != path {
		t.Fatalf("expected config source %q, got %q", path, cfg.File)
	}
	if got := cfg.ResultsPath("links_demo"); got != filepath.Join("/data/out", "results_links_demo.jsonl") {
		t.Fatalf("unexpected results path %q", got)
	}
	if !cfg.ProxyEnabled() || cfg.Proxy.RotationStrategy != "recency" || cfg.ProxyCooldown() != 30*time.Second {
		t.Fatalf("expected proxy overrides: %+v", cfg.Proxy)
	}
	if cfg.Proxy.FailureThreshold != 3 {
		t.Fatalf("defaults survive partial sections, got %d", cfg.Proxy.FailureThreshold)
	}
	if len(cfg.Strategy.BlockStatuses) != 2 || cfg.Strategy.BlockStatuses[1] != 451 {
		t.Fatalf("expected block statuses override: %v", cfg.Strategy.BlockStatuses)
	}
	if cfg.LaneMemoryTTL() != 5*time.Minute || cfg.RequestTimeout() != 8*time.Second {
		t.Fatalf("unexpected strategy durations")
	}
	if cfg.SettleDelay() != 250*time.Millisecond || cfg.Headless.ProxyServer != "http://squid:3128" {
		t.Fatalf("expected headless overrides: %+v", cfg.Headless)
	}
	if !cfg.Isolation.Enabled {
		t.Fatal("expected isolation enabled")
	}
	if cfg.Results.Postgres.DSN == "" || cfg.Results.PubSub.TopicID != "results" || cfg.Archive.GCS.Bucket != "bucket" {
		t.Fatalf("expected destinations: %+v %+v", cfg.Results, cfg.Archive)
	}
	if cfg.Archive.GCS.Prefix != "crawls" {
		t.Fatalf("expected default archive prefix, got %q", cfg.Archive.GCS.Prefix)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_CRAWLER_CONCURRENCY", "9")
	t.Setenv("CRAWLER_RESULTS_POSTGRES_DSN", "postgres://env@db/crawl")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Concurrency != 9 {
		t.Fatalf("expected env concurrency, got %d", cfg.Crawler.Concurrency)
	}
	if cfg.Results.Postgres.DSN != "postgres://env@db/crawl" {
		t.Fatalf("expected env dsn, got %q", cfg.Results.Postgres.DSN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Crawler:  CrawlerConfig{Concurrency: 1, StateFile: "crawl_state.json"},
		Strategy: StrategyConfig{RequestTimeoutSeconds: 10},
		Proxy: ProxyConfig{
			Protocol:            "socks5",
			RotationStrategy:    "round_robin",
			FailureThreshold:    3,
			MaxConcurrentChecks: 50,
			TimeoutSeconds:      10,
		},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"invalid concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"negative checkpoint", func(c *Config) { c.Crawler.CheckpointEvery = -1 }, "crawler.checkpoint_every"},
		{"missing state file", func(c *Config) { c.Crawler.StateFile = " " }, "crawler.state_file"},
		{"invalid timeout", func(c *Config) { c.Strategy.RequestTimeoutSeconds = 0 }, "strategy.request_timeout_seconds"},
		{"bad block status", func(c *Config) { c.Strategy.BlockStatuses = []int{42} }, "strategy.block_statuses"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"isolation without headless", func(c *Config) { c.Isolation.Enabled = true }, "isolation.enabled"},
		{"bad proxy protocol", func(c *Config) { c.Proxy.ListFile = "p.json"; c.Proxy.Protocol = "ftp" }, "proxy.protocol"},
		{"bad rotation", func(c *Config) { c.Proxy.ListFile = "p.json"; c.Proxy.RotationStrategy = "lifo" }, "proxy.rotation_strategy"},
		{"pubsub missing project", func(c *Config) { c.Results.PubSub.TopicID = "t" }, "results.pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "CRAWLER_CRAWLER_CONCURRENCY=9\nCRAWLER_SERVER_PORT=9100\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// Registered first so the cleanup restores the unset state after Load.
	t.Setenv("CRAWLER_CRAWLER_CONCURRENCY", "")
	os.Unsetenv("CRAWLER_CRAWLER_CONCURRENCY")
	t.Setenv("CRAWLER_SERVER_PORT", "9200")

	if err := LoadDotEnv(envPath); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Concurrency != 9 {
		t.Fatalf("expected concurrency from env file, got %d", cfg.Crawler.Concurrency)
	}
	if cfg.Server.Port != 9200 {
		t.Fatalf("process env must win over env file, got port %d", cfg.Server.Port)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
	if err := LoadDotEnv(""); err != nil {
		t.Fatalf("empty path should be ignored, got %v", err)
	}
}
