package appconf

import (
	"log/slog"
	"time"
)

type Environment int

const (
	Development Environment = iota
	Test
	Production
)

func (e Environment) String() string {
	switch e {
	case Test:
		return "test"
	case Production:
		return "production"
	default:
		return "development"
	}
}

// EnvFlagToEnvironment maps an -env flag value to an Environment. Anything
// unrecognised is Development.
func EnvFlagToEnvironment(env string) Environment {
	switch env {
	case "test":
		return Test
	case "production":
		return Production
	default:
		return Development
	}
}

// Config is the runtime configuration of the service.
type Config struct {
	Port      int
	Env       Environment
	ApiKeys   []string
	RateLimit int
	Verbose   bool
	LogLevel  slog.Level

	// Lines is the watch-list, in display order.
	Lines    []string
	Operator string
	Title    string

	SXURL      string
	GraphQLURL string
	ClientName string

	GtfsRtAlertsURL       string
	GtfsRtAuthHeaderName  string
	GtfsRtAuthHeaderValue string

	UpstreamMinInterval time.Duration
	PollInterval        time.Duration
	BackoffInitial      time.Duration
	BackoffMultiplier   float64
	BackoffMax          time.Duration
	QuietPeriod         time.Duration
	FetchTimeout        time.Duration
	RequestHistory      int
	ChangeLogSize       int
	CacheMaxAgeSeconds  int

	KafkaBrokers []string
	KafkaTopic   string
}

// UsesGtfsRt reports whether alerts are read from a GTFS-RT feed instead of SIRI-SX.
func (c Config) UsesGtfsRt() bool {
	return c.GtfsRtAlertsURL != ""
}

// GtfsRtHeaders returns the auth header for the GTFS-RT feed, if any.
func (c Config) GtfsRtHeaders() map[string]string {
	if c.GtfsRtAuthHeaderName == "" {
		return nil
	}
	return map[string]string{c.GtfsRtAuthHeaderName: c.GtfsRtAuthHeaderValue}
}
