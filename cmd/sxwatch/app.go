package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sxwatch.onebusaway.org/internal/app"
	"sxwatch.onebusaway.org/internal/appconf"
	"sxwatch.onebusaway.org/internal/changes"
	"sxwatch.onebusaway.org/internal/clock"
	"sxwatch.onebusaway.org/internal/entur"
	"sxwatch.onebusaway.org/internal/logging"
	"sxwatch.onebusaway.org/internal/metrics"
	"sxwatch.onebusaway.org/internal/poller"
	"sxwatch.onebusaway.org/internal/publish"
	"sxwatch.onebusaway.org/internal/restapi"
	"sxwatch.onebusaway.org/internal/snapshot"
	"sxwatch.onebusaway.org/internal/webui"
)

const shutdownTimeout = 30 * time.Second

// ParseAPIKeys splits a comma-separated string of API keys and trims whitespace from each key.
// Returns an empty slice if the input is empty.
func ParseAPIKeys(apiKeysFlag string) []string {
	return appconf.SplitList(apiKeysFlag)
}

func clientOptions(cfg appconf.Config, baseURL string, logger *slog.Logger) entur.ClientOptions {
	return entur.ClientOptions{
		BaseURL:     baseURL,
		ClientName:  cfg.ClientName,
		MinInterval: cfg.UpstreamMinInterval,
		Logger:      logger,
	}
}

// newFetcher selects the upstream: a GTFS-RT alerts feed when one is
// configured, otherwise the Entur SIRI-SX endpoint.
func newFetcher(cfg appconf.Config, logger *slog.Logger) (poller.Fetcher, string, error) {
	if cfg.UsesGtfsRt() {
		c, err := entur.NewGTFSRTClient(cfg.GtfsRtAlertsURL, cfg.GtfsRtHeaders(), clientOptions(cfg, "", logger))
		if err != nil {
			return nil, "", err
		}
		return c, c.URL(), nil
	}
	c, err := entur.NewSXClient(cfg.Operator, clientOptions(cfg, cfg.SXURL, logger))
	if err != nil {
		return nil, "", err
	}
	return c, c.URL(), nil
}

func pollerConfig(cfg appconf.Config) poller.Config {
	return poller.Config{
		Interval:          cfg.PollInterval,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMultiplier: cfg.BackoffMultiplier,
		BackoffMax:        cfg.BackoffMax,
		QuietPeriod:       cfg.QuietPeriod,
		FetchTimeout:      cfg.FetchTimeout,
		RequestHistory:    cfg.RequestHistory,
	}
}

// BuildApplication creates the Application and its poller. The poller is not
// started.
func BuildApplication(cfg appconf.Config) (*app.Application, error) {
	logger := logging.NewStructuredLogger(os.Stdout, cfg.LogLevel)
	return buildApplication(cfg, logger, nil)
}

// buildApplication wires everything around fetcher. A nil fetcher selects the
// configured upstream.
func buildApplication(cfg appconf.Config, logger *slog.Logger, fetcher poller.Fetcher) (*app.Application, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collectorSet := metrics.New()
	if err := collectorSet.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	coreApp := &app.Application{
		Config:   cfg,
		Logger:   logger,
		Clock:    clock.RealClock{},
		Cache:    snapshot.New(),
		Changes:  changes.NewLog(cfg.ChangeLogSize),
		Metrics:  collectorSet,
		Registry: registry,
	}

	var sinks []changes.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := publish.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		sinks = append(sinks, sink)
		coreApp.AddCloser("kafka sink", sink)
		logging.LogOperation(logger, "publishing_change_events_to_kafka",
			slog.String("topic", cfg.KafkaTopic),
			slog.Any("brokers", cfg.KafkaBrokers))
	}
	detector := changes.NewDetector(coreApp.Changes, logger, sinks...)

	upstream := "custom"
	if fetcher == nil {
		var err error
		fetcher, upstream, err = newFetcher(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream client: %w", err)
		}
	}

	ctrl, err := poller.New(poller.Options{
		Config:   pollerConfig(cfg),
		Fetcher:  fetcher,
		Watch:    cfg.Lines,
		Provider: cfg.Operator,
		Cache:    coreApp.Cache,
		Detector: detector,
		Clock:    coreApp.Clock,
		Metrics:  collectorSet,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}
	coreApp.Poller = ctrl

	logging.LogOperation(logger, "application_built",
		slog.String("upstream", upstream),
		slog.Int("lines", len(cfg.Lines)),
		slog.String("env", cfg.Env.String()))
	return coreApp, nil
}

// CreateServer creates and configures the HTTP server with routes and middleware.
// Sets up both REST API routes and WebUI routes, applies security headers, and adds request logging.
func CreateServer(coreApp *app.Application, cfg appconf.Config) (*http.Server, *restapi.RestAPI) {
	api := restapi.NewRestAPI(coreApp)

	webUI := &webui.WebUI{
		Application: coreApp,
	}

	mux := http.NewServeMux()

	api.SetRoutes(mux)
	webUI.SetWebUIRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.WrapHandler(mux),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(coreApp.Logger.Handler(), slog.LevelError),
	}

	return srv, api
}

// Run starts the poller and the server, then blocks until ctx is cancelled,
// SIGINT or SIGTERM arrives, or the server fails. Shutdown stops the server
// first, then the poller, then everything the application registered for
// closing.
func Run(ctx context.Context, srv *http.Server, api *restapi.RestAPI, coreApp *app.Application) error {
	logger := coreApp.Logger
	logger.Info("starting server", "addr", srv.Addr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	if coreApp.Poller != nil {
		coreApp.Poller.Start(pollCtx)
	}

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		logger.Error("server forced to shutdown", "error", err)
		runErr = fmt.Errorf("server forced to shutdown: %w", err)
	}

	cancelPoll()
	if coreApp.Poller != nil {
		coreApp.Poller.Shutdown()
	}
	api.Shutdown()
	coreApp.Close()

	if runErr == nil {
		logger.Info("server exited")
	}
	return runErr
}

// listOperators prints every known codespace. When the journey planner is
// unreachable it prints the built-in table; jp has already logged the error
// on its own logger.
func listOperators(ctx context.Context, w io.Writer, jp *entur.JourneyPlanner) error {
	ops, err := jp.Operators(ctx)
	if err != nil && len(ops) == 0 {
		return err
	}
	for _, op := range ops {
		if _, werr := fmt.Fprintf(w, "%s\t%s\n", op.Codespace, op.DisplayName()); werr != nil {
			return werr
		}
	}
	return nil
}

// listLines prints the lines of one codespace.
func listLines(ctx context.Context, w io.Writer, jp *entur.JourneyPlanner, codespace string) error {
	lines, err := jp.Lines(ctx, codespace)
	if err != nil {
		return fmt.Errorf("failed to list lines for %s: %w", codespace, err)
	}
	if len(lines) == 0 {
		_, err := fmt.Fprintf(w, "no lines found for %s\n", codespace)
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", l.ID, l.DisplayName()); err != nil {
			return err
		}
	}
	return nil
}
