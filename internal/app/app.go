// Package app holds the long-lived collaborators shared by the HTTP layer.
package app

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sxwatch.onebusaway.org/internal/appconf"
	"sxwatch.onebusaway.org/internal/changes"
	"sxwatch.onebusaway.org/internal/clock"
	"sxwatch.onebusaway.org/internal/logging"
	"sxwatch.onebusaway.org/internal/metrics"
	"sxwatch.onebusaway.org/internal/poller"
	"sxwatch.onebusaway.org/internal/snapshot"
)

// Application holds the dependencies used by handlers.
type Application struct {
	Config   appconf.Config
	Logger   *slog.Logger
	Clock    clock.Clock
	Poller   *poller.Controller
	Cache    *snapshot.Cache
	Changes  *changes.Log
	Metrics  *metrics.Collectors
	Registry *prometheus.Registry

	closeMu sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// Now reads the application clock, falling back to the wall clock.
func (app *Application) Now() time.Time {
	if app.Clock == nil {
		return time.Now()
	}
	return app.Clock.Now()
}

// AddCloser registers c to be closed by Close, in reverse order of addition.
func (app *Application) AddCloser(name string, c io.Closer) {
	app.closeMu.Lock()
	defer app.closeMu.Unlock()
	app.closers = append(app.closers, namedCloser{name: name, c: c})
}

// Close releases everything registered with AddCloser. Later calls are no-ops.
func (app *Application) Close() {
	app.closeMu.Lock()
	closers := app.closers
	app.closers = nil
	app.closeMu.Unlock()

	logger := app.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for i := len(closers) - 1; i >= 0; i-- {
		logging.SafeCloseWithLogging(closers[i].c, logger, closers[i].name)
	}
}
