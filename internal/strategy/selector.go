package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/metrics"
)

// Config controls the selector.
type Config struct {
	Classifier     ClassifierConfig
	RequestTimeout time.Duration
	PowerTimeout   time.Duration
	LaneMemoryTTL  time.Duration
	Headers        http.Header
}

// Selector implements crawler.FetchStrategy with a two-lane escalation.
type Selector struct {
	fast       crawler.Fetcher
	power      crawler.Fetcher
	pool       crawler.ProxyPool
	classifier *Classifier
	memory     *LaneMemory
	cfg        Config
	logger     *zap.Logger
}

// Option customizes a Selector.
type Option func(*Selector)

// WithProxyPool routes Fast Lane fetches through proxies from pool.
func WithProxyPool(pool crawler.ProxyPool) Option {
	return func(s *Selector) {
		s.pool = pool
	}
}

// WithClock injects the clock used by lane memory.
func WithClock(clock crawler.Clock) Option {
	return func(s *Selector) {
		if s.memory != nil {
			s.memory.clock = clock
		}
	}
}

// NewSelector wires the two lanes. power may be nil, in which case any
// failure signature is surfaced directly.
func NewSelector(cfg Config, fast, power crawler.Fetcher, logger *zap.Logger, opts ...Option) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PowerTimeout <= 0 {
		cfg.PowerTimeout = 45 * time.Second
	}
	s := &Selector{
		fast:       fast,
		power:      power,
		classifier: NewClassifier(cfg.Classifier),
		memory:     NewLaneMemory(cfg.LaneMemoryTTL, nil),
		cfg:        cfg,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch obtains content for rawURL, trying the Fast Lane before the Power Lane.
func (s *Selector) Fetch(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	host := crawler.Host(rawURL)
	if s.power != nil && s.memory.Remembered(host) {
		s.logger.Info("Power Lane (remembered)", zap.String("url", rawURL), zap.String("host", host))
		resp, err := s.fetchPower(ctx, rawURL)
		if err != nil {
			s.memory.Forget(host)
		}
		return resp, err
	}

	resp, err := s.fetchFast(ctx, rawURL)
	if errors.Is(err, crawler.ErrPoolExhausted) {
		return crawler.FetchResponse{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
	}

	reason := s.classifier.Classify(resp, err)
	if reason == ReasonNone {
		s.logger.Info("Fast Lane Success",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
			zap.Int("bytes", len(resp.Body)),
		)
		metrics.ObserveLane(string(crawler.LaneFast))
		return resp, nil
	}

	fields := []zap.Field{
		zap.String("url", rawURL),
		zap.String("reason", string(reason)),
		zap.Int("status", resp.StatusCode),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	metrics.ObserveEscalation(string(reason))
	if s.power == nil {
		s.logger.Warn("Fast Lane failed and no Power Lane configured", fields...)
		return resp, s.failure(rawURL, reason, err)
	}
	s.logger.Info("Switching to Power Lane", fields...)
	resp, err = s.fetchPower(ctx, rawURL)
	if err == nil {
		s.memory.Remember(host)
	}
	return resp, err
}

func (s *Selector) fetchFast(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	req := crawler.FetchRequest{
		URL:     rawURL,
		Timeout: s.cfg.RequestTimeout,
		Headers: s.cfg.Headers,
	}
	var proxy crawler.Proxy
	if s.pool != nil {
		p, err := s.pool.GetNextProxy(ctx)
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		proxy = p
		req.Proxy = &proxy
	}

	fastCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	resp, err := s.fast.Fetch(fastCtx, req)
	cancel()

	// A caller-side cancel says nothing about the proxy.
	if s.pool != nil && ctx.Err() == nil {
		s.pool.ReportOutcome(proxy, !ProxyFailed(resp, err))
	}
	if err == nil && resp.Lane == "" {
		resp.Lane = crawler.LaneFast
	}
	return resp, err
}

func (s *Selector) fetchPower(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	resp, err := s.power.Fetch(ctx, crawler.FetchRequest{
		URL:     rawURL,
		Timeout: s.cfg.PowerTimeout,
		Headers: s.cfg.Headers,
	})
	if err != nil {
		s.logger.Warn("Power Lane failed", zap.String("url", rawURL), zap.Error(err))
		return crawler.FetchResponse{}, fmt.Errorf("%w: power lane %s: %w", crawler.ErrFetchFailed, rawURL, err)
	}
	if resp.Lane == "" {
		resp.Lane = crawler.LanePower
	}
	if reason := s.classifier.ClassifyRendered(resp); reason != ReasonNone {
		s.logger.Warn("Power Lane failed",
			zap.String("url", rawURL),
			zap.String("reason", string(reason)),
			zap.Int("status", resp.StatusCode),
		)
		return resp, s.failure(rawURL, reason, nil)
	}
	s.logger.Info("Power Lane Success",
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
	)
	metrics.ObserveLane(string(crawler.LanePower))
	return resp, nil
}

func (s *Selector) failure(rawURL string, reason Reason, cause error) error {
	sentinel := crawler.ErrFetchFailed
	if reason.Blocked() {
		sentinel = crawler.ErrBlocked
	}
	if cause != nil {
		return fmt.Errorf("%w: %s (%s): %w", sentinel, rawURL, reason, cause)
	}
	return fmt.Errorf("%w: %s (%s)", sentinel, rawURL, reason)
}
