package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"sxwatch.onebusaway.org/internal/appconf"
	"sxwatch.onebusaway.org/internal/entur"
	"sxwatch.onebusaway.org/internal/logging"
)

const listTimeout = 30 * time.Second

type cliOptions struct {
	configPath    string
	file          appconf.FileConfig
	listOperators bool
	listLines     string
}

func parseFlags(args []string, output io.Writer) (*cliOptions, error) {
	opts := &cliOptions{}
	fc := &opts.file
	fs := flag.NewFlagSet("sxwatch", flag.ContinueOnError)
	fs.SetOutput(output)

	var apiKeys, lines, brokers string

	fs.StringVar(&opts.configPath, "config", "", "Path to a JSON or YAML config file; other flags are ignored when set")
	fs.BoolVar(&opts.listOperators, "list-operators", false, "Print the operator codespaces known to Entur and exit")
	fs.StringVar(&opts.listLines, "list-lines", "", "Print the lines of the given codespace and exit")

	fs.IntVar(&fc.Port, "port", 4000, "API server port")
	fs.StringVar(&fc.Env, "env", "development", "Environment (development|test|production)")
	fs.StringVar(&apiKeys, "api-keys", "test", "Comma Separated API Keys (test, etc)")
	fs.IntVar(&fc.RateLimit, "rate-limit", 100, "Requests per second per API key for rate limiting")
	fs.StringVar(&fc.LogLevel, "log-level", "info", "Log level (debug|info|warn|error)")

	fs.StringVar(&lines, "lines", "", "Comma separated line refs to watch, in display order")
	fs.StringVar(&fc.Operator, "operator", "", "Three-letter operator codespace; empty polls all operators")
	fs.StringVar(&fc.Title, "title", appconf.DefaultTitle, "Title used in summaries and the status page")

	fs.StringVar(&fc.SXURL, "sx-url", appconf.DefaultSXURL, "Entur SIRI-SX endpoint")
	fs.StringVar(&fc.GraphQLURL, "graphql-url", appconf.DefaultGraphQLURL, "Entur journey planner GraphQL endpoint")
	fs.StringVar(&fc.ClientName, "client-name", entur.DefaultClientName, "Value of the ET-Client-Name header")

	fs.StringVar(&fc.GtfsRtAlerts.URL, "gtfs-rt-alerts-url", "", "Read alerts from this GTFS-RT feed instead of SIRI-SX")
	fs.StringVar(&fc.GtfsRtAlerts.AuthHeaderName, "gtfs-rt-auth-header-name", "", "Optional header name for GTFS-RT auth")
	fs.StringVar(&fc.GtfsRtAlerts.AuthHeaderValue, "gtfs-rt-auth-header-value", "", "Optional header value for GTFS-RT auth")

	fs.IntVar(&fc.Poll.IntervalSeconds, "poll-interval", 60, "Seconds between polls in normal mode")
	fs.IntVar(&fc.Poll.BackoffInitialSeconds, "backoff-initial", 120, "First backoff interval in seconds")
	fs.Float64Var(&fc.Poll.BackoffMultiplier, "backoff-multiplier", 2.5, "Backoff growth factor per throttle event")
	fs.IntVar(&fc.Poll.BackoffMaxSeconds, "backoff-max", 600, "Backoff ceiling in seconds")
	fs.IntVar(&fc.Poll.QuietPeriodSeconds, "quiet-period", 1800, "Seconds without throttling before the throttle count resets")
	fs.IntVar(&fc.Poll.FetchTimeoutSeconds, "fetch-timeout", 30, "Upstream request timeout in seconds")
	fs.IntVar(&fc.Poll.RequestHistory, "request-history", 10, "Number of recent requests kept for diagnostics")
	fs.IntVar(&fc.Poll.MinRequestSeconds, "min-request-interval", 0, "Minimum seconds between upstream requests; 0 disables pacing")

	fs.IntVar(&fc.ChangeLogSize, "change-log-size", 500, "Number of change events kept in memory")
	fs.IntVar(&fc.CacheMaxAgeSeconds, "cache-max-age", 0, "Cache-Control max-age for snapshot routes, in seconds")
	fs.StringVar(&brokers, "kafka-brokers", "", "Comma separated Kafka brokers for change events")
	fs.StringVar(&fc.KafkaTopic, "kafka-topic", "", "Kafka topic for change events")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fc.ApiKeys = ParseAPIKeys(apiKeys)
	fc.Lines = appconf.SplitList(lines)
	fc.KafkaBrokers = appconf.SplitList(brokers)
	return opts, nil
}

// resolveConfig loads the config file when one is given, otherwise validates
// the flag values. Environment overrides apply in both cases.
func resolveConfig(opts *cliOptions, lookup func(string) (string, bool)) (appconf.Config, error) {
	if opts.configPath != "" {
		fc, err := appconf.Load(opts.configPath, lookup)
		if err != nil {
			return appconf.Config{}, err
		}
		return fc.ToConfig(), nil
	}

	fc := opts.file
	if err := fc.ApplyEnv(lookup); err != nil {
		return appconf.Config{}, err
	}
	if err := fc.Validate(); err != nil {
		return appconf.Config{}, err
	}
	return fc.ToConfig(), nil
}

// runListing handles -list-operators and -list-lines. It reports whether a
// listing was requested.
func runListing(opts *cliOptions, w io.Writer, logger *slog.Logger) (bool, error) {
	if !opts.listOperators && opts.listLines == "" {
		return false, nil
	}

	jp := entur.NewJourneyPlanner(entur.ClientOptions{
		BaseURL:    opts.file.GraphQLURL,
		ClientName: opts.file.ClientName,
		Logger:     logger,
	})
	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()

	if opts.listOperators {
		return true, listOperators(ctx, w, jp)
	}
	return true, listLines(ctx, w, jp, strings.ToUpper(strings.TrimSpace(opts.listLines)))
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	bootLogger := logging.NewStructuredLogger(os.Stderr, slog.LevelInfo)

	listed, err := runListing(opts, os.Stdout, bootLogger)
	if err != nil {
		logging.LogError(bootLogger, "listing failed", err)
		os.Exit(1)
	}
	if listed {
		return
	}

	cfg, err := resolveConfig(opts, os.LookupEnv)
	if err != nil {
		logging.LogError(bootLogger, "failed to load configuration", err)
		fmt.Fprintln(os.Stderr, "see -help for the available flags")
		os.Exit(1)
	}

	coreApp, err := BuildApplication(cfg)
	if err != nil {
		logging.LogError(bootLogger, "failed to build application", err)
		os.Exit(1)
	}

	srv, api := CreateServer(coreApp, cfg)

	if err := Run(context.Background(), srv, api, coreApp); err != nil {
		logging.LogError(coreApp.Logger, "server error", err)
		os.Exit(1)
	}
}
