package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sxwatch"

// Cycle outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeThrottled = "throttled"
	OutcomeCached    = "served_cache"
	OutcomeFailed    = "failed"
)

// Collectors groups the poller's Prometheus instruments. A nil *Collectors
// is valid and records nothing.
type Collectors struct {
	cycles          *prometheus.CounterVec
	fetchSeconds    prometheus.Histogram
	throttles       prometheus.Counter
	backoffSeconds  prometheus.Gauge
	inBackoff       prometheus.Gauge
	parseDefects    prometheus.Counter
	lines           *prometheus.GaugeVec
	changeEvents    *prometheus.CounterVec
	snapshotUnixSec prometheus.Gauge
}

func New() *Collectors {
	return &Collectors{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Poll cycles partitioned by outcome.",
		}, []string{"outcome"}),
		fetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_seconds",
			Help:      "Upstream fetch latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		throttles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_events_total",
			Help:      "Upstream rate-limit responses received.",
		}),
		backoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_interval_seconds",
			Help:      "Current delay between poll cycles.",
		}),
		inBackoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_backoff",
			Help:      "1 while the poller is backing off after throttling.",
		}),
		parseDefects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_defects_total",
			Help:      "Feed elements that failed extraction.",
		}),
		lines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lines",
			Help:      "Watched lines partitioned by rollup state.",
		}, []string{"state"}),
		changeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Disruptions appearing or disappearing between snapshots.",
		}, []string{"direction"}),
		snapshotUnixSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_generated_timestamp_seconds",
			Help:      "Generation time of the snapshot currently served.",
		}),
	}
}

// Register attaches the collectors to reg. Collectors registered earlier are skipped.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}
	collectors := []prometheus.Collector{
		c.cycles, c.fetchSeconds, c.throttles, c.backoffSeconds, c.inBackoff,
		c.parseDefects, c.lines, c.changeEvents, c.snapshotUnixSec,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Collectors) ObserveCycle(outcome string, fetch time.Duration) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(outcome).Inc()
	if fetch < 0 {
		fetch = 0
	}
	c.fetchSeconds.Observe(fetch.Seconds())
}

func (c *Collectors) ObserveThrottle() {
	if c == nil {
		return
	}
	c.throttles.Inc()
}

func (c *Collectors) SetInterval(interval time.Duration, backingOff bool) {
	if c == nil {
		return
	}
	c.backoffSeconds.Set(interval.Seconds())
	if backingOff {
		c.inBackoff.Set(1)
	} else {
		c.inBackoff.Set(0)
	}
}

func (c *Collectors) AddDefects(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.parseDefects.Add(float64(n))
}

func (c *Collectors) SetLines(active, planned, normal int, generated time.Time) {
	if c == nil {
		return
	}
	c.lines.WithLabelValues("active").Set(float64(active))
	c.lines.WithLabelValues("planned").Set(float64(planned))
	c.lines.WithLabelValues("normal").Set(float64(normal))
	c.snapshotUnixSec.Set(float64(generated.Unix()))
}

func (c *Collectors) AddChangeEvents(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.changeEvents.WithLabelValues(direction).Add(float64(n))
}
