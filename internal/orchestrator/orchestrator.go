// Package orchestrator drives a crawl run: it restores or seeds the frontier,
// fans fetches out under a concurrency bound, feeds pages through the rule
// engine and persists results and checkpoints until the run drains.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/playbook-crawler/internal/clock/system"
	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/frontier"
	"github.com/JakeFAU/playbook-crawler/internal/id/uuid"
	"github.com/JakeFAU/playbook-crawler/internal/metrics"
	"github.com/JakeFAU/playbook-crawler/internal/playbook"
	"github.com/JakeFAU/playbook-crawler/internal/rules"
	"github.com/JakeFAU/playbook-crawler/internal/state"
)

// Phase is the run's lifecycle stage.
type Phase string

// Run phases.
const (
	PhaseInit     Phase = "INIT"
	PhaseRunning  Phase = "RUNNING"
	PhaseDraining Phase = "DRAINING"
	PhaseDone     Phase = "DONE"
	PhaseFailed   Phase = "FAILED"
)

// Config tunes the run loop.
type Config struct {
	Concurrency     int
	CheckpointEvery int
	ShutdownGrace   time.Duration
	// Fresh ignores any stored state and starts from the base URLs.
	Fresh     bool
	UserAgent string
}

// SinkOpener opens the result sink for a run once the playbook is known. It
// also returns the local files worth archiving when the run completes.
type SinkOpener func(pb *playbook.Compiled, runID string) (crawler.ResultSink, []string, error)

// RecordedFunc lists the URLs runID already has result records for. A
// resumed run settles them instead of fetching them again.
type RecordedFunc func(pb *playbook.Compiled, runID string) ([]string, error)

// RunRecorder keeps an external ledger of runs. Failures are logged only.
type RunRecorder interface {
	RunStarted(ctx context.Context, runID, playbook string, startedAt time.Time) error
	RunFinished(ctx context.Context, runID string, finishedAt time.Time, phase string, pages, results int, errMsg *string) error
}

// Deps are the collaborators of a run. Recorded, Publisher, Archiver, Runs,
// Pool, Robots and Politeness are optional.
type Deps struct {
	Playbook   playbook.Playbook
	Strategy   crawler.FetchStrategy
	Store      state.Store
	OpenSink   SinkOpener
	Recorded   RecordedFunc
	Publisher  crawler.Publisher
	Archiver   crawler.Archiver
	Runs       RunRecorder
	Pool       crawler.ProxyPool
	Robots     frontier.RobotsPolicy
	Politeness *frontier.Politeness
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
	Logger     *zap.Logger
}

// Summary describes a finished run.
type Summary struct {
	RunID          string        `json:"run_id"`
	Playbook       string        `json:"playbook"`
	Phase          Phase         `json:"phase"`
	Resumed        bool          `json:"resumed"`
	Stopped        bool          `json:"stopped"`
	Completed      bool          `json:"completed"`
	PagesProcessed int           `json:"pages_processed"`
	Results        int           `json:"results"`
	Failures       int           `json:"failures"`
	Duration       time.Duration `json:"duration"`
	Artifacts      []string      `json:"artifacts,omitempty"`
	Archived       []string      `json:"archived,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// crawlDelayer is a robots policy that also reports Crawl-delay.
type crawlDelayer interface {
	CrawlDelay(ctx context.Context, rawURL string) time.Duration
}

// Orchestrator runs one crawl. It is single-use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	clock  crawler.Clock
	logger *zap.Logger

	phaseMu sync.RWMutex
	phase   Phase

	pb         *playbook.Compiled
	runID      string
	resumed    bool
	frontier   *frontier.Frontier
	engine     *rules.Engine
	robots     frontier.RobotsPolicy
	politeness *frontier.Politeness
	sink       crawler.ResultSink
	artifacts  []string

	wake      chan struct{}
	saveMu    sync.Mutex
	fatalOnce sync.Once
	fatal     atomic.Pointer[error]
	completed atomic.Int64
	results   atomic.Int64
	failures  atomic.Int64
	started   atomic.Bool
}

// New validates deps and returns an orchestrator in INIT.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Strategy == nil {
		return nil, errors.New("orchestrator: fetch strategy is required")
	}
	if deps.Store == nil {
		return nil, errors.New("orchestrator: state store is required")
	}
	if deps.OpenSink == nil {
		return nil, errors.New("orchestrator: sink opener is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		clock:  deps.Clock,
		logger: deps.Logger,
		phase:  PhaseInit,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Phase reports the current lifecycle stage.
func (o *Orchestrator) Phase() Phase {
	o.phaseMu.RLock()
	defer o.phaseMu.RUnlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.phaseMu.Lock()
	o.phase = p
	o.phaseMu.Unlock()
	metrics.ObserveRun(string(p))
	o.logger.Info("crawl phase", zap.String("phase", string(p)))
}

// Run executes the crawl to completion. Cancelling ctx is an explicit stop:
// queued work is abandoned, in-flight fetches get the shutdown grace, and the
// run still ends in DONE with a resumable snapshot. A run that completes
// without a stop discards its snapshot, so the next run starts fresh.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	if !o.started.CompareAndSwap(false, true) {
		return Summary{}, errors.New("orchestrator: Run called twice")
	}
	start := o.clock.Now()
	if err := o.init(ctx); err != nil {
		return o.finish(ctx, start, err)
	}
	o.setPhase(PhaseRunning)
	if o.deps.Runs != nil {
		if err := o.deps.Runs.RunStarted(ctx, o.runID, o.pb.Name, start); err != nil {
			o.logger.Warn("record run start failed", zap.Error(err))
		}
	}
	o.loop(ctx)
	return o.finish(ctx, start, o.fatalErr())
}

func (o *Orchestrator) init(ctx context.Context) error {
	pb, err := o.deps.Playbook.Compile()
	if err != nil {
		return fmt.Errorf("load playbook: %w", err)
	}
	o.pb = pb
	limits := frontier.Limits{MaxDepth: pb.Settings.MaxDepth, MaxPages: pb.Settings.MaxPages}
	cache := rules.NewCache(pb)

	if !o.cfg.Fresh {
		st, err := o.deps.Store.Load(ctx)
		switch {
		case err == nil:
			if st.Playbook != "" && st.Playbook != pb.Name {
				return fmt.Errorf("%w: stored state belongs to playbook %q", crawler.ErrPersistence, st.Playbook)
			}
			o.frontier = frontier.Restore(limits, st.FrontierState())
			if dropped := cache.Import(st.SuccessfulRules); len(dropped) > 0 {
				o.logger.Warn("dropped cached rules missing from playbook", zap.Strings("domains", dropped))
			}
			o.runID = st.RunID
			o.resumed = true
			if err := o.settleRecorded(pb); err != nil {
				return err
			}
		case errors.Is(err, state.ErrNoState):
		default:
			return fmt.Errorf("restore state: %w", err)
		}
	}
	if o.runID == "" {
		if o.runID, err = o.deps.IDs.NewID(); err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}
	}
	o.logger = o.logger.With(zap.String("run_id", o.runID), zap.String("playbook", pb.Name))
	if started, ok := uuid.StartedAt(o.runID); ok && o.resumed {
		o.logger.Info("resuming run", zap.Time("started_at", started))
	}

	o.robots = o.deps.Robots
	if o.robots == nil {
		o.robots = frontier.NewRobotsPolicy(pb.Settings.RespectRobots, o.cfg.UserAgent, nil, o.logger)
	}
	o.politeness = o.deps.Politeness
	if o.politeness == nil {
		o.politeness = frontier.NewPoliteness(frontier.DelayFromSeconds(pb.Settings.CrawlDelay))
	}
	o.engine = rules.NewEngine(pb, cache, o.clock, o.logger)
	if o.resumed {
		for _, c := range o.frontier.Export().Queue {
			o.applyCrawlDelay(ctx, c.URL)
		}
	}

	if o.frontier == nil {
		o.frontier = frontier.New(limits)
		for _, raw := range pb.BaseURLs {
			o.admit(ctx, raw, 0)
		}
	}

	sink, artifacts, err := o.deps.OpenSink(pb, o.runID)
	if err != nil {
		return fmt.Errorf("%w: open result sink: %w", crawler.ErrPersistence, err)
	}
	o.sink = sink
	o.artifacts = artifacts

	if o.deps.Pool != nil {
		if err := o.deps.Pool.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize proxy pool: %w", err)
		}
	}

	o.logger.Info("crawl initialized",
		zap.Bool("resumed", o.resumed),
		zap.Int("queued", o.frontier.Len()),
		zap.Int("pages_processed", o.frontier.PagesProcessed()),
		zap.Int("cached_rules", cache.Len()),
	)
	return nil
}

// loop dispatches work until the frontier drains, the budget is claimed, ctx
// is cancelled or a fatal error occurs, then waits for in-flight workers.
func (o *Orchestrator) loop(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(o.cfg.Concurrency))
	// Workers outlive ctx by the shutdown grace; cancelFetch is the hard stop.
	workCtx, cancelFetch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelFetch()

	var wg sync.WaitGroup
	for o.fatalErr() == nil && ctx.Err() == nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		// Acquire may succeed on an already-cancelled ctx.
		if ctx.Err() != nil || o.fatalErr() != nil {
			sem.Release(1)
			break
		}
		// Hosts inside their crawl delay are skipped here, before a worker
		// slot is spent on them.
		c, wait, ok := o.frontier.PopReady(o.politeness.Reserve)
		if !ok {
			sem.Release(1)
			if wait == 0 && (o.frontier.Exhausted() || o.frontier.Idle()) {
				break
			}
			o.waitForWork(ctx, wait)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer o.signal()
			o.process(workCtx, c)
		}()
	}

	o.setPhase(PhaseDraining)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if ctx.Err() == nil && o.fatalErr() == nil {
		<-done
		return
	}
	timer := time.NewTimer(o.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Warn("shutdown grace expired; cancelling in-flight fetches",
			zap.Int("in_flight", o.frontier.InFlight()))
		cancelFetch()
		<-done
	}
}

// waitForWork blocks until a worker finishes, a waiting host frees up or ctx
// ends. A zero wait means no host is waiting.
func (o *Orchestrator) waitForWork(ctx context.Context, wait time.Duration) {
	var ready <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		ready = timer.C
	}
	select {
	case <-o.wake:
	case <-ready:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// process handles one claimed candidate. A candidate that is interrupted or
// whose result cannot be persisted is left claimed, so the next snapshot puts
// it back in the queue.
func (o *Orchestrator) process(ctx context.Context, c crawler.Candidate) {
	metrics.IncInFlight()
	defer metrics.DecInFlight()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("worker panic", zap.String("url", c.URL), zap.Any("panic", r))
			o.failures.Add(1)
			o.complete(ctx, c)
		}
	}()

	site := metrics.SanitizeSite(c.URL)
	logger := o.logger.With(zap.String("url", c.URL), zap.Int("depth", c.Depth))

	resp, err := o.deps.Strategy.Fetch(ctx, c.URL)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("fetch interrupted", zap.Error(err))
			return
		}
		logger.Warn("fetch failed", zap.Error(err))
		metrics.ObservePage(site, "failed", 0)
		o.failures.Add(1)
		o.complete(ctx, c)
		return
	}
	metrics.ObservePage(site, "fetched", len(resp.Body))

	eval, err := o.engine.Evaluate(c.URL, resp.Body, c.Depth)
	if err != nil {
		logger.Warn("evaluate page failed", zap.Error(err))
		o.failures.Add(1)
		o.complete(ctx, c)
		return
	}

	admitted := 0
	for _, cand := range eval.FollowURLs {
		if o.admitCandidate(ctx, cand) {
			admitted++
		}
	}

	if rec := eval.Record; rec != nil {
		rec.FinalURL = resp.FinalURL
		rec.Lane = resp.Lane
		rec.RunID = o.runID
		if err := o.sink.Append(context.WithoutCancel(ctx), *rec); err != nil {
			o.setFatal(fmt.Errorf("%w: append result for %s: %w", crawler.ErrPersistence, c.URL, err))
			return
		}
		o.results.Add(1)
		metrics.ObserveResult()
		o.publish(ctx, *rec)
	}

	logger.Debug("page processed",
		zap.String("lane", string(resp.Lane)),
		zap.Int("status", resp.StatusCode),
		zap.Int("admitted", admitted),
		zap.Bool("extracted", eval.Record != nil),
	)
	o.complete(ctx, c)
}

func (o *Orchestrator) publish(ctx context.Context, rec crawler.ResultRecord) {
	if o.deps.Publisher == nil {
		return
	}
	if _, err := o.deps.Publisher.Publish(ctx, rec); err != nil {
		o.logger.Warn("publish result failed", zap.String("url", rec.URL), zap.Error(err))
	}
}

// complete releases c and takes a checkpoint every CheckpointEvery pages.
func (o *Orchestrator) complete(ctx context.Context, c crawler.Candidate) {
	o.frontier.Done(c)
	n := o.completed.Add(1)
	if o.cfg.CheckpointEvery > 0 && n%int64(o.cfg.CheckpointEvery) == 0 {
		if err := o.checkpoint(ctx); err != nil {
			o.setFatal(err)
		}
	}
}

func (o *Orchestrator) admit(ctx context.Context, raw string, depth int) bool {
	normalized, err := crawler.NormalizeURL(raw)
	if err != nil {
		o.logger.Warn("skipping invalid url", zap.String("url", raw), zap.Error(err))
		return false
	}
	return o.admitCandidate(ctx, crawler.Candidate{URL: normalized, Depth: depth})
}

func (o *Orchestrator) admitCandidate(ctx context.Context, c crawler.Candidate) bool {
	if o.frontier.Seen(c.URL) {
		return false
	}
	if !o.robots.Allowed(ctx, c.URL) {
		o.logger.Debug("robots.txt disallows", zap.String("url", c.URL))
		return false
	}
	if !o.frontier.Admit(c) {
		return false
	}
	o.applyCrawlDelay(ctx, c.URL)
	return true
}

// applyCrawlDelay lets a robots.txt Crawl-delay stretch the playbook's
// crawl_delay for the URL's host.
func (o *Orchestrator) applyCrawlDelay(ctx context.Context, rawURL string) {
	d, ok := o.robots.(crawlDelayer)
	if !ok {
		return
	}
	o.politeness.SetMinDelay(rawURL, d.CrawlDelay(ctx, rawURL))
}

// settleRecorded counts restored candidates whose results were written
// before the snapshot could release them, so they are not fetched and
// recorded twice.
func (o *Orchestrator) settleRecorded(pb *playbook.Compiled) error {
	if o.deps.Recorded == nil {
		return nil
	}
	urls, err := o.deps.Recorded(pb, o.runID)
	if err != nil {
		return fmt.Errorf("%w: read recorded results: %w", crawler.ErrPersistence, err)
	}
	if n := o.frontier.Settle(urls); n > 0 {
		o.logger.Info("skipping pages already recorded", zap.Int("pages", n))
	}
	return nil
}

func (o *Orchestrator) snapshot() state.CrawlState {
	return state.New(o.pb.Name, o.runID, o.frontier.Export(), o.engine.Cache().Export())
}

func (o *Orchestrator) checkpoint(ctx context.Context) error {
	o.saveMu.Lock()
	defer o.saveMu.Unlock()
	if err := o.deps.Store.Save(context.WithoutCancel(ctx), o.snapshot()); err != nil {
		return fmt.Errorf("%w: save state: %w", crawler.ErrPersistence, err)
	}
	return nil
}

func (o *Orchestrator) setFatal(err error) {
	o.fatalOnce.Do(func() {
		o.fatal.Store(&err)
		o.logger.Error("fatal crawl error", zap.Error(err))
		o.signal()
	})
}

func (o *Orchestrator) fatalErr() error {
	if p := o.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// finish flushes state, closes sinks and settles the terminal phase.
func (o *Orchestrator) finish(ctx context.Context, start time.Time, runErr error) (Summary, error) {
	if o.frontier != nil && o.engine != nil {
		if err := o.checkpoint(ctx); err != nil && runErr == nil {
			runErr = err
		}
	}
	if o.sink != nil {
		if err := o.sink.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("%w: close result sink: %w", crawler.ErrPersistence, err)
		}
	}

	summary := Summary{
		RunID:     o.runID,
		Playbook:  o.deps.Playbook.Name,
		Resumed:   o.resumed,
		Stopped:   ctx.Err() != nil,
		Results:   int(o.results.Load()),
		Failures:  int(o.failures.Load()),
		Duration:  o.clock.Now().Sub(start),
		Artifacts: o.artifacts,
	}
	if o.frontier != nil {
		summary.PagesProcessed = o.frontier.PagesProcessed() - o.frontier.InFlight()
	}

	if runErr != nil {
		o.setPhase(PhaseFailed)
		summary.Phase = PhaseFailed
		summary.Error = runErr.Error()
		o.logger.Error("crawl failed", zap.Error(runErr))
		o.recordFinish(ctx, summary)
		return summary, runErr
	}

	o.setPhase(PhaseDone)
	summary.Phase = PhaseDone
	summary.Archived = o.archive(ctx)
	if !summary.Stopped {
		summary.Completed = true
		if err := o.deps.Store.Discard(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("discard finished state failed", zap.Error(err))
		}
	}
	o.recordFinish(ctx, summary)
	o.logger.Info("crawl finished",
		zap.Int("pages_processed", summary.PagesProcessed),
		zap.Int("results", summary.Results),
		zap.Int("failures", summary.Failures),
		zap.Bool("stopped", summary.Stopped),
		zap.Bool("completed", summary.Completed),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (o *Orchestrator) recordFinish(ctx context.Context, s Summary) {
	if o.deps.Runs == nil || s.RunID == "" {
		return
	}
	var errMsg *string
	if s.Error != "" {
		errMsg = &s.Error
	}
	err := o.deps.Runs.RunFinished(context.WithoutCancel(ctx), s.RunID, o.clock.Now(), string(s.Phase),
		s.PagesProcessed, s.Results, errMsg)
	if err != nil {
		o.logger.Warn("record run finish failed", zap.Error(err))
	}
}

func (o *Orchestrator) archive(ctx context.Context) []string {
	if o.deps.Archiver == nil {
		return nil
	}
	paths := append([]string(nil), o.artifacts...)
	if p, ok := o.deps.Store.(interface{ Path() string }); ok {
		paths = append(paths, p.Path())
	}
	if len(paths) == 0 {
		return nil
	}
	uris, err := o.deps.Archiver.Archive(context.WithoutCancel(ctx), o.runID, paths...)
	if err != nil {
		o.logger.Warn("archive failed", zap.Error(err))
	}
	return uris
}
