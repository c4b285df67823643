package appconf

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	maxConfigFileSize = 10 * 1024 * 1024

	DefaultSXURL      = "https://api.entur.io/realtime/v1/rest/sx"
	DefaultGraphQLURL = "https://api.entur.io/journey-planner/v3/graphql"
	DefaultKafkaTopic = "sxwatch.disruptions"
	DefaultTitle      = "Entur SX"

	envPrefix = "SXWATCH_"
)

// GtfsRtAlertsFeed selects a GTFS-RT service alerts feed as the upstream.
type GtfsRtAlertsFeed struct {
	URL             string `json:"url" yaml:"url" validate:"omitempty,url"`
	AuthHeaderName  string `json:"auth-header-name" yaml:"auth-header-name"`
	AuthHeaderValue string `json:"auth-header-value" yaml:"auth-header-value"`
}

// PollSettings mirrors poller.Config in whole seconds.
type PollSettings struct {
	IntervalSeconds       int     `json:"interval-seconds" yaml:"interval-seconds" validate:"min=1"`
	BackoffInitialSeconds int     `json:"backoff-initial-seconds" yaml:"backoff-initial-seconds" validate:"min=1"`
	BackoffMultiplier     float64 `json:"backoff-multiplier" yaml:"backoff-multiplier" validate:"gte=1"`
	BackoffMaxSeconds     int     `json:"backoff-max-seconds" yaml:"backoff-max-seconds" validate:"min=1"`
	QuietPeriodSeconds    int     `json:"quiet-period-seconds" yaml:"quiet-period-seconds" validate:"min=1"`
	FetchTimeoutSeconds   int     `json:"fetch-timeout-seconds" yaml:"fetch-timeout-seconds" validate:"min=1"`
	RequestHistory        int     `json:"request-history" yaml:"request-history" validate:"min=1"`
	// MinRequestSeconds paces upstream requests client-side. Zero disables pacing.
	MinRequestSeconds int `json:"min-request-seconds" yaml:"min-request-seconds" validate:"min=0"`
}

// FileConfig is the on-disk configuration, JSON or YAML.
type FileConfig struct {
	Port      int      `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Env       string   `json:"env" yaml:"env" validate:"oneof=development test production"`
	ApiKeys   []string `json:"api-keys" yaml:"api-keys" validate:"min=1,dive,required"`
	RateLimit int      `json:"rate-limit" yaml:"rate-limit" validate:"min=1"`
	LogLevel  string   `json:"log-level" yaml:"log-level" validate:"oneof=debug info warn error"`

	Lines    []string `json:"lines" yaml:"lines" validate:"min=1,dive,required"`
	Operator string   `json:"operator" yaml:"operator" validate:"omitempty,len=3,alpha,uppercase"`
	Title    string   `json:"title" yaml:"title"`

	SXURL      string `json:"sx-url" yaml:"sx-url" validate:"url"`
	GraphQLURL string `json:"graphql-url" yaml:"graphql-url" validate:"url"`
	ClientName string `json:"client-name" yaml:"client-name" validate:"required"`

	GtfsRtAlerts GtfsRtAlertsFeed `json:"gtfs-rt-alerts" yaml:"gtfs-rt-alerts"`
	Poll         PollSettings     `json:"poll" yaml:"poll"`

	ChangeLogSize      int `json:"change-log-size" yaml:"change-log-size" validate:"min=1"`
	CacheMaxAgeSeconds int `json:"cache-max-age-seconds" yaml:"cache-max-age-seconds" validate:"min=0"`

	KafkaBrokers []string `json:"kafka-brokers" yaml:"kafka-brokers" validate:"dive,hostname_port"`
	KafkaTopic   string   `json:"kafka-topic" yaml:"kafka-topic"`
}

// LoadFromFile reads a JSON (.json) or YAML (.yaml, .yml) config, applies
// defaults and SXWATCH_ environment overrides, then validates it.
func LoadFromFile(path string) (*FileConfig, error) {
	return Load(path, os.LookupEnv)
}

// Load is LoadFromFile with an explicit environment lookup.
func Load(path string, lookup func(string) (string, bool)) (*FileConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	cfg.setDefaults()
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate applies defaults and checks the configuration.
func (c *FileConfig) Validate() error {
	c.setDefaults()
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *FileConfig) setDefaults() {
	if c.Port == 0 {
		c.Port = 4000
	}
	if c.Env == "" {
		c.Env = "development"
	}
	if c.ApiKeys == nil {
		c.ApiKeys = []string{"test"}
	}
	if c.RateLimit == 0 {
		c.RateLimit = 100
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	if c.SXURL == "" {
		c.SXURL = DefaultSXURL
	}
	if c.GraphQLURL == "" {
		c.GraphQLURL = DefaultGraphQLURL
	}
	if c.ClientName == "" {
		c.ClientName = "sxwatch"
	}

	p := &c.Poll
	if p.IntervalSeconds == 0 {
		p.IntervalSeconds = 60
	}
	if p.BackoffInitialSeconds == 0 {
		p.BackoffInitialSeconds = 120
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = 2.5
	}
	if p.BackoffMaxSeconds == 0 {
		p.BackoffMaxSeconds = 600
	}
	if p.QuietPeriodSeconds == 0 {
		p.QuietPeriodSeconds = 1800
	}
	if p.FetchTimeoutSeconds == 0 {
		p.FetchTimeoutSeconds = 30
	}
	if p.RequestHistory == 0 {
		p.RequestHistory = 10
	}

	if c.ChangeLogSize == 0 {
		c.ChangeLogSize = 500
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		c.KafkaTopic = DefaultKafkaTopic
	}
}

// ApplyEnv overrides fields from SXWATCH_* variables.
func (c *FileConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	if v, ok := lookup(envPrefix + "PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", envPrefix, v, err)
		}
		c.Port = port
	}
	if v, ok := lookup(envPrefix + "ENV"); ok && v != "" {
		c.Env = v
	}
	if v, ok := lookup(envPrefix + "API_KEYS"); ok && v != "" {
		c.ApiKeys = SplitList(v)
	}
	if v, ok := lookup(envPrefix + "LINES"); ok && v != "" {
		c.Lines = SplitList(v)
	}
	if v, ok := lookup(envPrefix + "OPERATOR"); ok {
		c.Operator = strings.TrimSpace(v)
	}
	if v, ok := lookup(envPrefix + "KAFKA_BROKERS"); ok && v != "" {
		c.KafkaBrokers = SplitList(v)
		if c.KafkaTopic == "" {
			c.KafkaTopic = DefaultKafkaTopic
		}
	}
	return nil
}

// SplitList splits a comma-separated value, trimming blanks and dropping
// empty items.
func SplitList(v string) []string {
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *FileConfig) validate() error {
	var errs []error

	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, errors.New(fieldMessage(fe)))
		}
	}

	if dup, ok := firstDuplicate(c.ApiKeys); ok {
		errs = append(errs, fmt.Errorf("duplicate API key found: %s", dup))
	}
	if dup, ok := firstDuplicate(c.Lines); ok {
		errs = append(errs, fmt.Errorf("duplicate line found: %s", dup))
	}
	if c.Poll.BackoffMaxSeconds < c.Poll.BackoffInitialSeconds {
		errs = append(errs, errors.New("backoff-max-seconds must not be less than backoff-initial-seconds"))
	}
	if (c.GtfsRtAlerts.AuthHeaderName == "") != (c.GtfsRtAlerts.AuthHeaderValue == "") {
		errs = append(errs, errors.New("both auth-header-name and auth-header-value must be provided together"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka-topic is required when kafka-brokers are set"))
	}

	return errors.Join(errs...)
}

// fieldMessage turns a validator failure into the message shown to operators.
func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch {
	case field == "port":
		return "port must be between 1 and 65535"
	case field == "env":
		return "env must be one of: development, test, production"
	case field == "rate-limit":
		return "rate-limit must be at least 1"
	case field == "log-level":
		return "log-level must be one of: debug, info, warn, error"
	case field == "api-keys":
		return "api-keys cannot be empty"
	case strings.HasPrefix(field, "api-keys["):
		return "api-keys cannot contain empty strings"
	case field == "lines":
		return "lines must not be empty"
	case strings.HasPrefix(field, "lines["):
		return "lines cannot contain empty strings"
	case field == "operator":
		return "operator must be a three-letter uppercase codespace such as SKY"
	case field == "backoff-multiplier":
		return "backoff-multiplier must be at least 1"
	case strings.HasPrefix(field, "kafka-brokers["):
		return fmt.Sprintf("kafka-brokers entry %q must be host:port", fe.Value())
	case fe.Tag() == "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case fe.Tag() == "min" || fe.Tag() == "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func firstDuplicate(values []string) (string, bool) {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			return v, true
		}
		seen[v] = struct{}{}
	}
	return "", false
}

// ToConfig converts the file form to the runtime Config.
func (c *FileConfig) ToConfig() Config {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(c.LogLevel))

	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return Config{
		Port:      c.Port,
		Env:       EnvFlagToEnvironment(c.Env),
		ApiKeys:   append([]string(nil), c.ApiKeys...),
		RateLimit: c.RateLimit,
		Verbose:   true,
		LogLevel:  level,

		Lines:    append([]string(nil), c.Lines...),
		Operator: c.Operator,
		Title:    c.Title,

		SXURL:      c.SXURL,
		GraphQLURL: c.GraphQLURL,
		ClientName: c.ClientName,

		GtfsRtAlertsURL:       c.GtfsRtAlerts.URL,
		GtfsRtAuthHeaderName:  c.GtfsRtAlerts.AuthHeaderName,
		GtfsRtAuthHeaderValue: c.GtfsRtAlerts.AuthHeaderValue,

		UpstreamMinInterval: seconds(c.Poll.MinRequestSeconds),
		PollInterval:        seconds(c.Poll.IntervalSeconds),
		BackoffInitial:      seconds(c.Poll.BackoffInitialSeconds),
		BackoffMultiplier:   c.Poll.BackoffMultiplier,
		BackoffMax:          seconds(c.Poll.BackoffMaxSeconds),
		QuietPeriod:         seconds(c.Poll.QuietPeriodSeconds),
		FetchTimeout:        seconds(c.Poll.FetchTimeoutSeconds),
		RequestHistory:      c.Poll.RequestHistory,
		ChangeLogSize:       c.ChangeLogSize,
		CacheMaxAgeSeconds:  c.CacheMaxAgeSeconds,

		KafkaBrokers: append([]string(nil), c.KafkaBrokers...),
		KafkaTopic:   c.KafkaTopic,
	}
}
