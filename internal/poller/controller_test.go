package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/changes"
	"sxwatch.onebusaway.org/internal/clock"
	"sxwatch.onebusaway.org/internal/logging"
	"sxwatch.onebusaway.org/internal/metrics"
	"sxwatch.onebusaway.org/internal/siri"
	"sxwatch.onebusaway.org/internal/situation"
)

var t0 = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

type fakePayload struct {
	byLine  map[string][]situation.Situation
	defects []siri.Defect
}

func (p fakePayload) Normalize(watch []string, _ time.Time) siri.Result {
	out := make(map[string][]situation.Situation)
	for _, line := range watch {
		if list, ok := p.byLine[line]; ok {
			out[line] = list
		}
	}
	return siri.Result{Situations: out, Defects: p.defects, Elements: len(p.byLine)}
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

// scriptedFetcher returns its responses in order and repeats the last one.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []func() (Payload, error)
	calls     int
}

func (f *scriptedFetcher) Fetch(context.Context) (Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i]()
}

func ok(byLine map[string][]situation.Situation) func() (Payload, error) {
	return func() (Payload, error) { return fakePayload{byLine: byLine}, nil }
}

func throttled() (Payload, error) {
	return nil, fmt.Errorf("%w: %w", ErrRateLimited, statusErr(429))
}

func broken() (Payload, error) {
	return nil, fmt.Errorf("upstream: %w", statusErr(503))
}

func activeOn(line, summary string) situation.Situation {
	return situation.Situation{
		LineRef:       line,
		ValidityStart: t0.Add(-time.Hour),
		Progress:      "open",
		Summary:       summary,
	}
}

func newController(t *testing.T, f Fetcher, clk *clock.MockClock, opts ...func(*Options)) *Controller {
	t.Helper()
	o := Options{
		Config:  DefaultConfig(),
		Fetcher: f,
		Watch:   []string{"L1", "L2"},
		Clock:   clk,
		Logger:  slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Watch: []string{"L1"}})
	assert.Error(t, err)

	_, err = New(Options{Fetcher: &scriptedFetcher{}})
	assert.Error(t, err)
}

func TestCycle_Success(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){
		ok(map[string][]situation.Situation{"L1": {activeOn("L1", "Tunnel closed")}}),
	}}
	c := newController(t, f, clk)

	snap, err := c.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"L1", "L2"}, snap.Order)
	l1, _ := snap.Line("L1")
	assert.Equal(t, "Tunnel closed", l1.EffectiveSummary)
	l2, _ := snap.Line("L2")
	assert.Equal(t, situation.NormalService, l2.EffectiveSummary)

	cached, ok := c.Cache().Load()
	require.True(t, ok)
	assert.Equal(t, snap.GeneratedAt, cached.GeneratedAt)

	st := c.Status()
	assert.Equal(t, "NORMAL", st.Mode)
	require.NotNil(t, st.LastSuccess)
	assert.Equal(t, t0, *st.LastSuccess)
	require.Len(t, st.Requests, 1)
	assert.Equal(t, "success", st.Requests[0].Status)
	assert.Equal(t, 2, st.Requests[0].Lines)
}

func TestCycle_ThrottleEscalation(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){
		ok(map[string][]situation.Situation{}),
		throttled,
	}}
	c := newController(t, f, clk)

	_, err := c.Cycle(context.Background())
	require.NoError(t, err)

	var intervals []time.Duration
	for i := 0; i < 4; i++ {
		clk.Advance(time.Minute)
		_, err := c.Cycle(context.Background())
		require.NoError(t, err, "cached snapshot is served while throttled")
		intervals = append(intervals, c.Interval())
	}

	assert.Equal(t, []time.Duration{120 * time.Second, 300 * time.Second, 600 * time.Second, 600 * time.Second}, intervals)
	st := c.State()
	assert.Equal(t, Backoff, st.Mode)
	assert.Equal(t, 4, st.ThrottleCount)
	assert.Equal(t, clk.Now(), st.LastThrottle)
}

func TestCycle_ThrottleWithoutCache(t *testing.T) {
	clk := clock.NewMockClock(t0)
	c := newController(t, &scriptedFetcher{responses: []func() (Payload, error){throttled}}, clk)

	_, err := c.Cycle(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCachedSnapshot)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, c.State().ThrottleCount)
	assert.Equal(t, 120*time.Second, c.Interval())
	_, ok := c.Cache().Load()
	assert.False(t, ok)
}

func TestCycle_ThrottleServesCachedSnapshot(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){
		ok(map[string][]situation.Situation{"L1": {activeOn("L1", "Tunnel closed")}}),
		throttled,
	}}
	c := newController(t, f, clk)

	first, err := c.Cycle(context.Background())
	require.NoError(t, err)

	clk.Advance(time.Minute)
	served, err := c.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.GeneratedAt, served.GeneratedAt)
	l1, _ := served.Line("L1")
	assert.Equal(t, "Tunnel closed", l1.EffectiveSummary)
	assert.Equal(t, "BACKOFF", c.Status().Mode)
}

func TestCycle_NonThrottleFailureLeavesStateAlone(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){
		ok(map[string][]situation.Situation{}),
		throttled,
		broken,
	}}
	c := newController(t, f, clk)

	_, err := c.Cycle(context.Background())
	require.NoError(t, err)
	_, err = c.Cycle(context.Background())
	require.NoError(t, err)
	before := c.State()

	_, err = c.Cycle(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpdateFailed)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, before, c.State())

	st := c.Status()
	assert.Contains(t, st.LastError, "503")
	assert.Equal(t, "error_503", st.Requests[len(st.Requests)-1].Status)
}

func TestCycle_NilPayloadIsFailure(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := FetcherFunc(func(context.Context) (Payload, error) { return nil, nil })
	c := newController(t, f, clk)

	_, err := c.Cycle(context.Background())
	assert.ErrorIs(t, err, ErrUpdateFailed)
}

func TestCycle_RecoveryKeepsCounterWithinQuietPeriod(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){
		throttled,
		ok(map[string][]situation.Situation{}),
		throttled,
		ok(map[string][]situation.Situation{}),
	}}
	c := newController(t, f, clk)

	_, _ = c.Cycle(context.Background())
	clk.Advance(2 * time.Minute)
	_, err := c.Cycle(context.Background())
	require.NoError(t, err)

	st := c.State()
	assert.Equal(t, Normal, st.Mode)
	assert.Equal(t, 60*time.Second, st.Interval)
	assert.Equal(t, 1, st.ThrottleCount, "counter survives a success inside the quiet period")

	clk.Advance(time.Minute)
	_, err = c.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, c.Interval(), "second throttle continues escalation")

	clk.Advance(31 * time.Minute)
	_, err = c.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, c.State().ThrottleCount, "counter clears after the quiet period")
}

func TestCycle_RecoveryLogsOperation(t *testing.T) {
	var buf bytes.Buffer
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){ok(nil), throttled, ok(nil)}}
	c := newController(t, f, clk, func(o *Options) {
		o.Logger = logging.NewStructuredLogger(&buf, slog.LevelInfo)
	})

	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		_, err := c.Cycle(context.Background())
		require.NoError(t, err)
	}

	var msgs []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		msgs = append(msgs, entry["msg"].(string))
		if entry["msg"] == "upstream_access_recovered_after_throttling" {
			assert.Equal(t, "sx_poller", entry["component"])
			assert.Equal(t, "INFO", entry["level"])
		}
	}
	assert.Contains(t, msgs, "upstream_access_recovered_after_throttling")
}

func TestCycle_RequestHistoryIsBounded(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){ok(nil)}}
	c := newController(t, f, clk, func(o *Options) { o.Config.RequestHistory = 3 })

	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		_, err := c.Cycle(context.Background())
		require.NoError(t, err)
	}

	reqs := c.Status().Requests
	require.Len(t, reqs, 3)
	assert.Equal(t, t0.Add(3*time.Minute), reqs[0].At)
	assert.Equal(t, t0.Add(5*time.Minute), reqs[2].At)
}

func TestCycle_ThrottleDumpsHistory(t *testing.T) {
	var buf bytes.Buffer
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){ok(nil), throttled}}
	c := newController(t, f, clk, func(o *Options) {
		o.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})

	_, _ = c.Cycle(context.Background())
	_, _ = c.Cycle(context.Background())

	out := buf.String()
	assert.Contains(t, out, "rate limit hit")
	assert.Contains(t, out, "request history leading to throttle")
	assert.Contains(t, out, "error_429")
	assert.Contains(t, out, "request history dump")
}

func TestCycle_DetectorAndMetrics(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){
		ok(map[string][]situation.Situation{"L1": {activeOn("L1", "Tunnel closed")}}),
		ok(map[string][]situation.Situation{"L1": {activeOn("L1", "Tunnel closed"), activeOn("L1", "Bridge closed")}}),
		throttled,
	}}
	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	det := changes.NewDetector(changes.NewLog(10), nil)
	c := newController(t, f, clk, func(o *Options) {
		o.Metrics = m
		o.Detector = det
	})

	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		_, err := c.Cycle(context.Background())
		require.NoError(t, err)
	}

	events := det.Log().Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "Bridge closed", events[0].Summary)

	expected := `
# HELP sxwatch_poll_interval_seconds Current delay between poll cycles.
# TYPE sxwatch_poll_interval_seconds gauge
sxwatch_poll_interval_seconds 120
# HELP sxwatch_poll_cycles_total Poll cycles partitioned by outcome.
# TYPE sxwatch_poll_cycles_total counter
sxwatch_poll_cycles_total{outcome="served_cache"} 1
sxwatch_poll_cycles_total{outcome="success"} 2
# HELP sxwatch_change_events_total Disruptions appearing or disappearing between snapshots.
# TYPE sxwatch_change_events_total counter
sxwatch_change_events_total{direction="appeared"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"sxwatch_poll_interval_seconds", "sxwatch_poll_cycles_total", "sxwatch_change_events_total"))
}

func TestCycle_CancelledContextOnlyInterruptsFetch(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := FetcherFunc(func(ctx context.Context) (Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newController(t, f, clk)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Cycle(ctx)

	assert.ErrorIs(t, err, ErrUpdateFailed)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, c.State().ThrottleCount)
}

func TestStartShutdown(t *testing.T) {
	clk := clock.NewMockClock(t0)
	f := &scriptedFetcher{responses: []func() (Payload, error){ok(nil)}}
	c := newController(t, f, clk)

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := c.Cache().Load()
		return ok
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}

// stalledSink never returns from Publish until its context ends.
type stalledSink struct {
	started chan struct{}
	once    sync.Once
}

func (s *stalledSink) Publish(ctx context.Context, _ []changes.Event) error {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestCycle_StalledSinkDoesNotGateLoop(t *testing.T) {
	baseline := map[string][]situation.Situation{"L1": {activeOn("L1", "Tunnel closed")}}
	changed := map[string][]situation.Situation{"L1": {activeOn("L1", "Bridge closed")}}

	newDetector := func(sink changes.Sink) *changes.Detector {
		det := changes.NewDetector(changes.NewLog(10), nil, sink)
		det.SetPublishTimeout(time.Hour)
		return det
	}

	t.Run("cancel releases cycle", func(t *testing.T) {
		clk := clock.NewMockClock(t0)
		sink := &stalledSink{started: make(chan struct{})}
		det := newDetector(sink)
		f := &scriptedFetcher{responses: []func() (Payload, error){ok(baseline), ok(changed)}}
		c := newController(t, f, clk, func(o *Options) { o.Detector = det })

		_, err := c.Cycle(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() {
			_, err := c.Cycle(ctx)
			errc <- err
		}()

		<-sink.started
		cancel()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("cycle stayed blocked in sink after cancel")
		}

		snap, ok := c.Cache().Load()
		require.True(t, ok)
		assert.Equal(t, "Bridge closed", snap.Lines["L1"].EffectiveSummary)
		assert.Len(t, det.Log().Snapshot(), 2)
	})

	t.Run("shutdown returns", func(t *testing.T) {
		clk := clock.NewMockClock(t0)
		sink := &stalledSink{started: make(chan struct{})}
		det := newDetector(sink)
		det.Observe(context.Background(), aggregate.BuildFeed(baseline, []string{"L1", "L2"}, t0))
		f := &scriptedFetcher{responses: []func() (Payload, error){ok(changed)}}
		c := newController(t, f, clk, func(o *Options) { o.Detector = det })

		c.Start(context.Background())
		<-sink.started

		done := make(chan struct{})
		go func() {
			c.Shutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("shutdown blocked on a stalled sink")
		}
	})
}

func TestRequestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "success"},
		{"status code", statusErr(500), "error_500"},
		{"wrapped status", fmt.Errorf("x: %w", statusErr(404)), "error_404"},
		{"bare throttle", ErrRateLimited, "error_429"},
		{"other", errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requestStatus(tt.err))
		})
	}
}
