package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/changes"
	"sxwatch.onebusaway.org/internal/clock"
	"sxwatch.onebusaway.org/internal/logging"
	"sxwatch.onebusaway.org/internal/metrics"
	"sxwatch.onebusaway.org/internal/siri"
	"sxwatch.onebusaway.org/internal/snapshot"
)

var (
	// ErrRateLimited is wrapped by transports when upstream signals throttling.
	ErrRateLimited = errors.New("rate limited by upstream")
	// ErrUpdateFailed marks a cycle that failed for any reason other than throttling.
	ErrUpdateFailed = errors.New("update failed")
	// ErrNoCachedSnapshot is returned when upstream throttles before any cycle has succeeded.
	ErrNoCachedSnapshot = errors.New("rate limited with no cached snapshot")
)

// Payload is a decoded upstream snapshot that can be normalized for a watch-list.
type Payload interface {
	Normalize(watch []string, now time.Time) siri.Result
}

// Fetcher retrieves one upstream snapshot. Implementations wrap ErrRateLimited
// when the response indicates throttling.
type Fetcher interface {
	Fetch(ctx context.Context) (Payload, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Payload, error) { return f(ctx) }

// Options wires a Controller's collaborators. Fetcher and Watch are required.
type Options struct {
	Config   Config
	Fetcher  Fetcher
	Watch    []string
	Provider string
	Cache    *snapshot.Cache
	Detector *changes.Detector
	Clock    clock.Clock
	Metrics  *metrics.Collectors
	Logger   *slog.Logger
}

// Controller runs poll cycles one at a time and owns the snapshot cache and
// backoff state.
type Controller struct {
	cfg      Config
	fetcher  Fetcher
	watch    []string
	provider string
	cache    *snapshot.Cache
	detector *changes.Detector
	clock    clock.Clock
	metrics  *metrics.Collectors
	logger   *slog.Logger
	history  *history

	mu          sync.RWMutex
	state       BackoffState
	lastErr     error
	lastDefects []siri.Defect

	cycleMu      sync.Mutex
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("poller: fetcher is required")
	}
	if len(opts.Watch) == 0 {
		return nil, errors.New("poller: watch-list must not be empty")
	}
	cfg := opts.Config.withDefaults()
	if opts.Cache == nil {
		opts.Cache = snapshot.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Provider == "" {
		opts.Provider = "ALL"
	}

	c := &Controller{
		cfg:          cfg,
		fetcher:      opts.Fetcher,
		watch:        append([]string(nil), opts.Watch...),
		provider:     opts.Provider,
		cache:        opts.Cache,
		detector:     opts.Detector,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With(slog.String("component", "sx_poller")),
		history:      newHistory(cfg.RequestHistory),
		state:        NewBackoffState(cfg),
		shutdownChan: make(chan struct{}),
	}
	c.metrics.SetInterval(cfg.Interval, false)
	return c, nil
}

// Cache returns the snapshot cache the controller writes to.
func (c *Controller) Cache() *snapshot.Cache { return c.cache }

// Watch returns a copy of the watch-list.
func (c *Controller) Watch() []string { return append([]string(nil), c.watch...) }

// Interval returns the delay before the next cycle.
func (c *Controller) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Interval
}

// Cycle runs one fetch-normalize-aggregate pass.
//
// A throttled cycle with a cached snapshot returns that snapshot and a nil
// error. A throttled cycle without one returns ErrNoCachedSnapshot. Any other
// failure returns ErrUpdateFailed and leaves the backoff state and cache as
// they were. Cancellation of ctx only interrupts the fetch.
func (c *Controller) Cycle(ctx context.Context) (aggregate.FeedSnapshot, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := c.clock.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	payload, err := c.fetcher.Fetch(fetchCtx)
	cancel()
	elapsed := c.clock.Now().Sub(start)

	if err == nil && payload == nil {
		err = errors.New("fetcher returned no payload")
	}
	if err != nil {
		c.history.record(RequestRecord{
			At:       start,
			Duration: elapsed,
			Status:   requestStatus(err),
			Provider: c.provider,
			Error:    err.Error(),
		})
		if errors.Is(err, ErrRateLimited) {
			return c.handleThrottle(err, elapsed)
		}
		return c.handleFailure(err, elapsed)
	}

	// Normalization runs on data already received and is not interrupted.
	now := c.clock.Now()
	res := payload.Normalize(c.watch, now)
	snap := aggregate.BuildFeed(res.Situations, c.watch, now)

	c.mu.Lock()
	recovered := c.state.OnSuccess(now, c.cfg)
	c.lastErr = nil
	c.lastDefects = res.Defects
	interval := c.state.Interval
	c.mu.Unlock()

	c.cache.Store(snap)
	c.history.record(RequestRecord{
		At:       start,
		Duration: elapsed,
		Status:   requestStatus(nil),
		Lines:    len(snap.Lines),
		Provider: c.provider,
	})

	if recovered {
		logging.LogOperation(c.logger, "upstream_access_recovered_after_throttling",
			slog.Duration("interval", interval))
	}
	if len(res.Defects) > 0 {
		c.logger.Warn("skipped malformed feed elements",
			slog.Int("defects", len(res.Defects)),
			slog.String("first", res.Defects[0].Error()))
	}
	c.logger.Debug("poll cycle complete",
		slog.Int("elements", res.Elements),
		slog.Int("dropped", res.Dropped),
		slog.Int("lines", len(snap.Lines)))

	rollup := snap.Rollup()
	c.metrics.ObserveCycle(metrics.OutcomeSuccess, elapsed)
	c.metrics.SetInterval(interval, false)
	c.metrics.AddDefects(len(res.Defects))
	c.metrics.SetLines(rollup.ActiveLines, rollup.PlannedLines, rollup.NormalLines, snap.GeneratedAt)

	if c.detector != nil {
		// The snapshot is already stored; cancelling ctx only cuts short
		// sink publishing, which the detector also bounds.
		events := c.detector.Observe(ctx, snap)
		var appeared, disappeared int
		for _, e := range events {
			if e.Direction == changes.Appeared {
				appeared++
			} else {
				disappeared++
			}
		}
		c.metrics.AddChangeEvents(string(changes.Appeared), appeared)
		c.metrics.AddChangeEvents(string(changes.Disappeared), disappeared)
	}

	return snap, nil
}

func (c *Controller) handleThrottle(err error, elapsed time.Duration) (aggregate.FeedSnapshot, error) {
	now := c.clock.Now()

	c.mu.Lock()
	interval := c.state.OnRateLimited(now, c.cfg)
	count := c.state.ThrottleCount
	c.lastErr = err
	c.mu.Unlock()

	c.metrics.ObserveThrottle()
	c.metrics.SetInterval(interval, true)

	c.logger.Warn("rate limit hit, backing off",
		slog.Int("throttle_event", count),
		slog.Duration("backoff", interval))
	c.history.dump(c.logger)

	if cached, ok := c.cache.Load(); ok {
		c.metrics.ObserveCycle(metrics.OutcomeCached, elapsed)
		c.logger.Debug("serving cached snapshot during backoff",
			slog.Int("lines", len(cached.Lines)),
			slog.Time("generated_at", cached.GeneratedAt))
		return cached, nil
	}

	c.metrics.ObserveCycle(metrics.OutcomeThrottled, elapsed)
	logging.LogError(c.logger, "no cached snapshot available during throttle", err)
	return aggregate.FeedSnapshot{}, fmt.Errorf("%w: %w", ErrNoCachedSnapshot, err)
}

func (c *Controller) handleFailure(err error, elapsed time.Duration) (aggregate.FeedSnapshot, error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	c.metrics.ObserveCycle(metrics.OutcomeFailed, elapsed)
	return aggregate.FeedSnapshot{}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
}

// Run polls until ctx is cancelled or Shutdown is called. The first cycle
// starts immediately; each following one waits for the current interval.
func (c *Controller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.Cycle(ctx); err != nil && ctx.Err() == nil {
			logging.LogError(c.logger, "poll cycle failed", err)
		}

		timer := time.NewTimer(c.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			logging.LogOperation(c.logger, "shutting_down_sx_poller")
			return
		case <-c.shutdownChan:
			timer.Stop()
			logging.LogOperation(c.logger, "shutting_down_sx_poller")
			return
		case <-timer.C:
		}
	}
}

// Start runs the poll loop in the background.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-c.shutdownChan:
				cancel()
			case <-ctx.Done():
			}
		}()
		c.Run(logging.WithLogger(ctx, c.logger))
	}()
}

// Shutdown stops a loop started with Start and waits for it to exit. Safe to
// call more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdownChan)
	})
	c.wg.Wait()
}

// Status is a read-only view of the controller for diagnostics.
type Status struct {
	Mode          string          `json:"mode"`
	ThrottleCount int             `json:"throttleCount"`
	IntervalSec   float64         `json:"intervalSeconds"`
	LastSuccess   *time.Time      `json:"lastSuccess,omitempty"`
	LastThrottle  *time.Time      `json:"lastThrottle,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	Defects       []siri.Defect   `json:"defects"`
	Requests      []RequestRecord `json:"requests"`
	Provider      string          `json:"provider"`
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	st := Status{
		Mode:          c.state.Mode.String(),
		ThrottleCount: c.state.ThrottleCount,
		IntervalSec:   c.state.Interval.Seconds(),
		Defects:       append([]siri.Defect{}, c.lastDefects...),
		Provider:      c.provider,
	}
	if !c.state.LastSuccess.IsZero() {
		t := c.state.LastSuccess
		st.LastSuccess = &t
	}
	if !c.state.LastThrottle.IsZero() {
		t := c.state.LastThrottle
		st.LastThrottle = &t
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.RUnlock()

	st.Requests = c.history.snapshot()
	if st.Requests == nil {
		st.Requests = []RequestRecord{}
	}
	return st
}

// State returns a copy of the backoff state.
func (c *Controller) State() BackoffState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}
