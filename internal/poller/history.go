package poller

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/davecgh/go-spew/spew"

	"sxwatch.onebusaway.org/internal/ring"
)

// RequestRecord describes one upstream fetch, kept for throttle diagnostics.
type RequestRecord struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`
	Lines    int           `json:"lines,omitempty"`
	Provider string        `json:"provider"`
	Error    string        `json:"error,omitempty"`
}

// statusCoder is satisfied by transport errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

func requestStatus(err error) string {
	if err == nil {
		return "success"
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("error_%d", sc.StatusCode())
	}
	if errors.Is(err, ErrRateLimited) {
		return "error_429"
	}
	return "error"
}

type history struct {
	buf *ring.Buffer[RequestRecord]
}

func newHistory(size int) *history {
	return &history{buf: ring.New[RequestRecord](size)}
}

func (h *history) record(r RequestRecord) { h.buf.Push(r) }

func (h *history) snapshot() []RequestRecord { return h.buf.Snapshot() }

// dump writes the requests leading up to a throttle event at warn level, and
// the full records at debug level.
func (h *history) dump(logger *slog.Logger) {
	records := h.snapshot()
	if len(records) == 0 {
		logger.Warn("no request history available")
		return
	}

	logger.Warn("request history leading to throttle", slog.Int("requests", len(records)))
	for i, r := range records {
		attrs := []any{
			slog.Int("n", i+1),
			slog.Time("at", r.At),
			slog.String("provider", r.Provider),
			slog.String("status", r.Status),
			slog.Duration("duration", r.Duration),
		}
		if r.Error != "" {
			attrs = append(attrs, slog.String("error", r.Error))
		} else {
			attrs = append(attrs, slog.Int("lines", r.Lines))
		}
		logger.Warn("request", attrs...)
	}
	logger.Debug("request history dump", slog.String("records", spew.Sdump(records)))
}
