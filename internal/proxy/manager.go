// Package proxy manages a pool of upstream proxies: health validation,
// rotation, outcome tracking, and revival of dead proxies when the pool runs dry.
package proxy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/playbook-crawler/internal/clock/system"
	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/metrics"
)

// Rotation strategies.
const (
	RoundRobin = "round_robin"
	Random     = "random"
	Recency    = "recency"
)

// Config tunes the pool.
type Config struct {
	RotationStrategy    string
	FailureThreshold    int
	MaxConcurrentChecks int
	RevivalBatchSize    int
	EnforceSecureIP     bool
	Cooldown            time.Duration
}

func (c Config) withDefaults() Config {
	if c.RotationStrategy == "" {
		c.RotationStrategy = RoundRobin
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.MaxConcurrentChecks <= 0 {
		c.MaxConcurrentChecks = 50
	}
	if c.RevivalBatchSize <= 0 {
		c.RevivalBatchSize = 5
	}
	return c
}

// Validator checks a proxy and reports the public IP seen through it.
type Validator interface {
	// ExitIP returns the public IP observed through p, or the caller's own
	// public IP when p is nil.
	ExitIP(ctx context.Context, p *crawler.Proxy) (string, error)
}

// PoolStats summarizes the pool.
type PoolStats struct {
	Active        int
	Dead          int
	Cooldown      int
	RevivalPasses int64
}

// Manager owns the proxy table. All status changes go through its mutex.
type Manager struct {
	cfg       Config
	validator Validator
	clock     crawler.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	proxies []*crawler.Proxy
	index   map[string]int
	next    int
	rng     *rand.Rand
	realIP  string

	reviveMu sync.Mutex
	revivals atomic.Int64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(clock crawler.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithRand seeds random rotation deterministically.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) { m.rng = rng }
}

// NewManager builds a pool from a static list. Every proxy starts ACTIVE
// until Initialize or outcome reports say otherwise.
func NewManager(cfg Config, proxies []crawler.Proxy, validator Validator, logger *zap.Logger, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	switch cfg.RotationStrategy {
	case RoundRobin, Random, Recency:
	default:
		return nil, fmt.Errorf("unknown rotation strategy %q", cfg.RotationStrategy)
	}
	if validator == nil {
		return nil, fmt.Errorf("proxy validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		validator: validator,
		clock:     system.New(),
		logger:    logger,
		index:     make(map[string]int, len(proxies)),
	}
	for _, p := range proxies {
		if _, dup := m.index[p.Key()]; dup {
			continue
		}
		cp := p
		if cp.Status == "" {
			cp.Status = crawler.ProxyActive
		}
		m.index[cp.Key()] = len(m.proxies)
		m.proxies = append(m.proxies, &cp)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(uint64(m.clock.Now().UnixNano()), 0x9e3779b97f4a7c15)) //nolint:gosec // rotation, not crypto
	}
	return m, nil
}

// Initialize validates every proxy once. With EnforceSecureIP, the caller's
// real IP is resolved first and proxies that expose it are marked DEAD.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.cfg.EnforceSecureIP {
		ip, err := m.validator.ExitIP(ctx, nil)
		if err != nil {
			return fmt.Errorf("determine real ip: %w", err)
		}
		m.mu.Lock()
		m.realIP = ip
		m.mu.Unlock()
		m.logger.Info("resolved real ip for leak checks")
	}

	m.mu.Lock()
	targets := make([]crawler.Proxy, len(m.proxies))
	for i, p := range m.proxies {
		targets[i] = *p
	}
	m.mu.Unlock()

	active := m.check(ctx, targets)
	stats := m.Stats()
	m.logger.Info("proxy pool initialized",
		zap.Int("total", len(targets)),
		zap.Int("active", active),
		zap.Int("dead", stats.Dead))
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("initialize proxy pool: %w", err)
	}
	return nil
}

// GetNextProxy selects an ACTIVE proxy. When none is left, one revival pass
// runs before giving up with crawler.ErrPoolExhausted.
func (m *Manager) GetNextProxy(ctx context.Context) (crawler.Proxy, error) {
	if p, ok := m.selectActive(); ok {
		return p, nil
	}

	m.reviveMu.Lock()
	defer m.reviveMu.Unlock()
	// Another caller may have revived the pool while we waited.
	if p, ok := m.selectActive(); ok {
		return p, nil
	}
	revived := m.revive(ctx)
	if revived == 0 {
		return crawler.Proxy{}, crawler.ErrPoolExhausted
	}
	if p, ok := m.selectActive(); ok {
		return p, nil
	}
	return crawler.Proxy{}, crawler.ErrPoolExhausted
}

// ReportOutcome records how a request through p went.
func (m *Manager) ReportOutcome(p crawler.Proxy, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[p.Key()]
	if !ok {
		return
	}
	entry := m.proxies[i]
	if success {
		entry.ConsecutiveFailures = 0
		entry.Status = crawler.ProxyActive
		entry.CooldownUntil = time.Time{}
		return
	}
	entry.ConsecutiveFailures++
	switch {
	case entry.ConsecutiveFailures >= m.cfg.FailureThreshold:
		if entry.Status != crawler.ProxyDead {
			m.logger.Warn("proxy marked dead",
				zap.String("proxy", entry.String()),
				zap.Int("failures", entry.ConsecutiveFailures))
		}
		entry.Status = crawler.ProxyDead
	case m.cfg.Cooldown > 0:
		entry.Status = crawler.ProxyCooldown
		entry.CooldownUntil = m.clock.Now().Add(m.cfg.Cooldown)
	}
	m.publishLocked()
}

// Stats returns pool counts.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := PoolStats{RevivalPasses: m.revivals.Load()}
	for _, p := range m.proxies {
		switch p.Status {
		case crawler.ProxyActive:
			stats.Active++
		case crawler.ProxyDead:
			stats.Dead++
		case crawler.ProxyCooldown:
			stats.Cooldown++
		}
	}
	return stats
}

// Snapshot returns copies of every proxy in insertion order.
func (m *Manager) Snapshot() []crawler.Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crawler.Proxy, len(m.proxies))
	for i, p := range m.proxies {
		out[i] = *p
	}
	return out
}

func (m *Manager) selectActive() (crawler.Proxy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var eligible []int
	for i, p := range m.proxies {
		if p.Status == crawler.ProxyCooldown && !now.Before(p.CooldownUntil) {
			p.Status = crawler.ProxyActive
		}
		if p.Status == crawler.ProxyActive {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return crawler.Proxy{}, false
	}

	var pick int
	switch m.cfg.RotationStrategy {
	case Random:
		pick = eligible[m.rng.IntN(len(eligible))]
	case Recency:
		pick = eligible[0]
		for _, i := range eligible[1:] {
			if m.proxies[i].LastUsedAt.Before(m.proxies[pick].LastUsedAt) {
				pick = i
			}
		}
	default:
		pick = eligible[0]
		for _, i := range eligible {
			if i >= m.next {
				pick = i
				break
			}
		}
		m.next = pick + 1
	}
	chosen := m.proxies[pick]
	chosen.LastUsedAt = now
	return *chosen, true
}

// revive re-validates up to RevivalBatchSize dead proxies, oldest check first
// with insertion order breaking ties. It returns how many came back.
func (m *Manager) revive(ctx context.Context) int {
	m.revivals.Add(1)

	m.mu.Lock()
	type deadProxy struct {
		pos   int
		proxy crawler.Proxy
	}
	var dead []deadProxy
	for i, p := range m.proxies {
		if p.Status == crawler.ProxyDead {
			dead = append(dead, deadProxy{pos: i, proxy: *p})
		}
	}
	m.mu.Unlock()

	sort.SliceStable(dead, func(i, j int) bool {
		return dead[i].proxy.LastCheckedAt.Before(dead[j].proxy.LastCheckedAt)
	})
	if len(dead) > m.cfg.RevivalBatchSize {
		dead = dead[:m.cfg.RevivalBatchSize]
	}
	targets := make([]crawler.Proxy, len(dead))
	for i, d := range dead {
		targets[i] = d.proxy
	}

	m.logger.Warn("no active proxies; attempting revival", zap.Int("candidates", len(targets)))
	revived := m.check(ctx, targets)
	metrics.ObserveRevival(revived)
	m.logger.Info("revival pass finished", zap.Int("revived", revived))
	return revived
}

// check validates targets concurrently and applies the results. It returns
// how many ended up ACTIVE.
func (m *Manager) check(ctx context.Context, targets []crawler.Proxy) int {
	var activated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentChecks)
	for _, target := range targets {
		g.Go(func() error {
			ip, err := m.validator.ExitIP(gctx, &target)
			if m.apply(target, ip, err) {
				activated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.publishLocked()
	m.mu.Unlock()
	return int(activated.Load())
}

func (m *Manager) apply(target crawler.Proxy, ip string, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[target.Key()]
	if !ok {
		return false
	}
	entry := m.proxies[i]
	entry.LastCheckedAt = m.clock.Now()
	switch {
	case err != nil:
		m.logger.Debug("proxy check failed", zap.String("proxy", entry.String()), zap.Error(err))
		entry.Status = crawler.ProxyDead
		return false
	case m.cfg.EnforceSecureIP && (ip == "" || ip == m.realIP):
		m.logger.Warn("proxy leaks real ip; marking dead", zap.String("proxy", entry.String()))
		entry.Status = crawler.ProxyDead
		return false
	default:
		entry.Status = crawler.ProxyActive
		entry.ConsecutiveFailures = 0
		entry.CooldownUntil = time.Time{}
		return true
	}
}

func (m *Manager) publishLocked() {
	counts := map[string]int{
		string(crawler.ProxyActive):   0,
		string(crawler.ProxyDead):     0,
		string(crawler.ProxyCooldown): 0,
	}
	for _, p := range m.proxies {
		counts[string(p.Status)]++
	}
	metrics.SetProxyPool(counts)
}
