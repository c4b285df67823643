package changes

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/logging"
	"sxwatch.onebusaway.org/internal/ring"
	"sxwatch.onebusaway.org/internal/situation"
)

// KeySummaryLength is how many runes of the summary take part in a key.
const KeySummaryLength = 50

// DefaultLogSize bounds the in-memory change log.
const DefaultLogSize = 500

type Direction string

const (
	Appeared    Direction = "appeared"
	Disappeared Direction = "disappeared"
)

// Event records one disruption appearing on or vanishing from a line.
type Event struct {
	ID        string           `json:"id"`
	LineRef   string           `json:"lineRef"`
	Direction Direction        `json:"direction"`
	Status    situation.Status `json:"status"`
	Summary   string           `json:"summary"`
	ValidFrom string           `json:"validFrom"`
	At        time.Time        `json:"at"`
}

// Key identifies a disruption across polls by its content rather than the
// upstream identifier, which producers reissue freely.
func Key(s situation.Situation) string {
	return fragment(s.Summary) + "|" + s.Status.String() + "|" + s.ValidityStart.Format(time.RFC3339)
}

func fragment(summary string) string {
	if utf8.RuneCountInString(summary) <= KeySummaryLength {
		return summary
	}
	return string([]rune(summary)[:KeySummaryLength])
}

type keyed map[string]situation.Situation

func keysFor(ls aggregate.LineSnapshot) keyed {
	out := keyed{}
	for _, s := range ls.Situations {
		if s.IsSynthetic() {
			continue
		}
		out[Key(s)] = s
	}
	return out
}

// Diff compares two snapshots line by line. A nil prev yields no events.
// Events are ordered by line (current watch order, then lines that vanished),
// appearances before disappearances, then by key.
func Diff(prev *aggregate.FeedSnapshot, cur aggregate.FeedSnapshot, at time.Time) []Event {
	if prev == nil {
		return nil
	}

	var events []Event
	seen := map[string]struct{}{}

	lines := append([]string{}, cur.Order...)
	for _, line := range prev.Order {
		if _, ok := cur.Lines[line]; !ok {
			lines = append(lines, line)
		}
	}

	for _, line := range lines {
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}

		before := keysFor(prev.Lines[line])
		after := keysFor(cur.Lines[line])

		events = append(events, difference(line, after, before, Appeared, at)...)
		events = append(events, difference(line, before, after, Disappeared, at)...)
	}
	return events
}

func difference(line string, from, minus keyed, dir Direction, at time.Time) []Event {
	var keys []string
	for k := range from {
		if _, ok := minus[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]Event, 0, len(keys))
	for _, k := range keys {
		s := from[k]
		out = append(out, Event{
			ID:        uuid.NewString(),
			LineRef:   line,
			Direction: dir,
			Status:    s.Status,
			Summary:   fragment(s.Summary),
			ValidFrom: s.ValidityStart.Format(time.RFC3339),
			At:        at,
		})
	}
	return out
}

// Sink receives change events. Sinks are advisory; their failures never
// affect the snapshot being served.
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// Log is the append-only, size-bounded change history.
type Log struct {
	buf *ring.Buffer[Event]
}

func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{buf: ring.New[Event](size)}
}

func (l *Log) Append(events ...Event) { l.buf.Push(events...) }

// Snapshot returns all retained events oldest first.
func (l *Log) Snapshot() []Event { return l.buf.Snapshot() }

// Since returns retained events strictly after t.
func (l *Log) Since(t time.Time) []Event {
	var out []Event
	for _, e := range l.buf.Snapshot() {
		if e.At.After(t) {
			out = append(out, e)
		}
	}
	return out
}

func (l *Log) Len() int { return l.buf.Len() }

// DefaultPublishTimeout bounds a single Sink.Publish call.
const DefaultPublishTimeout = 5 * time.Second

// Detector remembers the previous snapshot and reports what changed.
type Detector struct {
	mu             sync.Mutex
	prev           *aggregate.FeedSnapshot
	log            *Log
	sinks          []Sink
	logger         *slog.Logger
	publishTimeout time.Duration
}

func NewDetector(log *Log, logger *slog.Logger, sinks ...Sink) *Detector {
	if log == nil {
		log = NewLog(DefaultLogSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		log:            log,
		sinks:          sinks,
		logger:         logger.With(slog.String("component", "disruptions")),
		publishTimeout: DefaultPublishTimeout,
	}
}

// SetPublishTimeout changes the per-sink publish deadline. Non-positive
// values restore DefaultPublishTimeout.
func (d *Detector) SetPublishTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	d.mu.Lock()
	d.publishTimeout = timeout
	d.mu.Unlock()
}

// Log returns the detector's change history.
func (d *Detector) Log() *Log { return d.log }

// Observe diffs cur against the previously observed snapshot, records the
// resulting events and forwards them to every sink. Each publish runs under
// its own deadline and stops early when ctx is cancelled. A slow or failed
// sink never affects the returned events or the log.
func (d *Detector) Observe(ctx context.Context, cur aggregate.FeedSnapshot) []Event {
	d.mu.Lock()
	events := Diff(d.prev, cur, cur.GeneratedAt)
	snap := cur
	d.prev = &snap
	timeout := d.publishTimeout
	d.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	d.log.Append(events...)
	for _, e := range events {
		if e.Direction == Appeared {
			d.logger.Info("NEW disruption",
				slog.String("line", e.LineRef),
				slog.String("status", e.Status.String()),
				slog.String("summary", e.Summary),
				slog.String("valid_from", e.ValidFrom))
		} else {
			d.logger.Info("REMOVED disruption",
				slog.String("line", e.LineRef),
				slog.String("was", e.Status.String()),
				slog.String("summary", e.Summary))
		}
	}

	for _, sink := range d.sinks {
		if err := publish(ctx, sink, events, timeout); err != nil {
			logging.LogError(d.logger, "failed to publish change events", err,
				slog.Int("events", len(events)))
		}
	}
	return events
}

func publish(ctx context.Context, sink Sink, events []Event, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sink.Publish(ctx, events)
}
