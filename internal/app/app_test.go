package app

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sxwatch.onebusaway.org/internal/clock"
	"sxwatch.onebusaway.org/internal/logging"
)

type recordingCloser struct {
	name  string
	order *[]string
	err   error
}

func (c recordingCloser) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestApplication_CloseReverseOrder(t *testing.T) {
	var buf bytes.Buffer
	var order []string
	app := &Application{Logger: logging.NewStructuredLogger(&buf, slog.LevelInfo)}

	app.AddCloser("kafka", recordingCloser{name: "kafka", order: &order})
	app.AddCloser("feed", recordingCloser{name: "feed", order: &order, err: errors.New("already closed")})

	app.Close()
	app.Close()

	assert.Equal(t, []string{"feed", "kafka"}, order, "closed once, newest first")
	assert.Contains(t, buf.String(), "failed to close resource")
	assert.Contains(t, buf.String(), `"resource":"feed"`)
}

func TestApplication_Now(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	app := &Application{Clock: clock.NewMockClock(at)}
	assert.Equal(t, at, app.Now())

	empty := &Application{}
	assert.WithinDuration(t, time.Now(), empty.Now(), time.Second)
}
