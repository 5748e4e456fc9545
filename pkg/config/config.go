// Package config loads CLI settings from the environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// Config holds every setting of a monitoring invocation. Environment variables provide the
// defaults and flags override them.
type Config struct {
	// Login is an event-hub-compatible connection string.
	Login      string `env:"IOTMON_LOGIN"`
	EntityPath string `env:"IOTMON_ENTITY_PATH"`

	AppID            string `env:"IOTMON_APP_ID"`
	Token            string `env:"IOTMON_TOKEN"`
	CentralDNSSuffix string `env:"IOTMON_CENTRAL_DNS_SUFFIX,default=azureiotcentral.com"`

	ConsumerGroup  string  `env:"IOTMON_CONSUMER_GROUP"`
	DeviceID       string  `env:"IOTMON_DEVICE_ID"`
	TimeoutSeconds int     `env:"IOTMON_TIMEOUT,default=300"`
	EnqueuedTime   string  `env:"IOTMON_ENQUEUED_TIME"`
	Properties     string  `env:"IOTMON_PROPERTIES"`
	SimulateErrors bool    `env:"IOTMON_SIMULATE_ERRORS"`
	Seed           int64   `env:"IOTMON_SEED"`
	FaultRate      float64 `env:"IOTMON_FAULT_RATE,default=0.1"`

	SchemaFile string `env:"IOTMON_SCHEMA_FILE"`
	Strict     bool   `env:"IOTMON_STRICT"`

	Output   string `env:"IOTMON_OUTPUT,default=json"`
	LogLevel string `env:"IOTMON_LOG_LEVEL,default=info"`

	PollTimeout   time.Duration `env:"IOTMON_POLL_TIMEOUT,default=1s"`
	RetryBackoff  time.Duration `env:"IOTMON_RETRY_BACKOFF,default=500ms"`
	GracePeriod   time.Duration `env:"IOTMON_GRACE_PERIOD,default=2s"`
	KafkaClientID string        `env:"IOTMON_KAFKA_CLIENT_ID,default=iotmon"`
}

// Load decodes the environment into a Config with defaults applied.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = types.DefaultConsumerGroup
	}
	return cfg, nil
}

// BindConnectionFlags registers the flags that locate the telemetry entity.
func (c *Config) BindConnectionFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Login, "login", c.Login, "event-hub-compatible connection string of the hub")
	fs.StringVar(&c.EntityPath, "entity-path", c.EntityPath, "event hub name, when the connection string has no EntityPath")
	fs.StringVar(&c.AppID, "app-id", c.AppID, "IoT Central application id")
	fs.StringVar(&c.Token, "token", c.Token, "AAD bearer token for the Central application")
	fs.StringVar(&c.CentralDNSSuffix, "central-dns-suffix", c.CentralDNSSuffix, "DNS suffix of the Central application")
}

// BindMonitorFlags registers the flags that shape a monitoring session.
func (c *Config) BindMonitorFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.DeviceID, "device-id", "d", c.DeviceID, "only show messages from this device")
	fs.StringVarP(&c.ConsumerGroup, "consumer-group", "c", c.ConsumerGroup, "event hub consumer group")
	fs.IntVarP(&c.TimeoutSeconds, "timeout", "t", c.TimeoutSeconds, "session timeout in seconds, 0 to run until interrupted")
	fs.StringVarP(&c.EnqueuedTime, "enqueued-time", "e", c.EnqueuedTime, "start time as milliseconds since the unix epoch or RFC3339, default now")
	fs.StringVarP(&c.Properties, "properties", "p", c.Properties, "properties to show: all, anno, or a comma separated key list")
	fs.StringVarP(&c.Output, "output", "o", c.Output, "output format: json, yaml or text")
	fs.DurationVar(&c.PollTimeout, "poll-timeout", c.PollTimeout, "maximum wait of a single partition pull")
	fs.DurationVar(&c.GracePeriod, "grace-period", c.GracePeriod, "time allowed for partitions to stop")
}

// BindValidationFlags registers the flags used by validate-messages.
func (c *Config) BindValidationFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&c.SimulateErrors, "simulate-errors", c.SimulateErrors, "flag a fraction of valid messages as corrupt")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "fault injection seed, 0 seeds from the session start")
	fs.Float64Var(&c.FaultRate, "fault-rate", c.FaultRate, "fraction of valid messages flagged by --simulate-errors")
	fs.StringVar(&c.SchemaFile, "schema", c.SchemaFile, "declared schema file (YAML or JSON)")
	fs.BoolVar(&c.Strict, "strict", c.Strict, "flag payload fields the schema does not declare")
}

// ConsumerConfig builds the session config. validate selects validate-messages semantics.
func (c *Config) ConsumerConfig(validate bool) (types.ConsumerConfig, error) {
	cfg := types.DefaultConsumerConfig()
	cfg.ConsumerGroup = c.ConsumerGroup
	cfg.DeviceFilter = strings.TrimSpace(c.DeviceID)
	cfg.Timeout = time.Duration(c.TimeoutSeconds) * time.Second
	cfg.Properties = types.ParsePropertySelection(c.Properties)
	cfg.Validate = validate
	cfg.SimulateErrors = validate && c.SimulateErrors
	cfg.Seed = c.Seed
	cfg.FaultRate = c.FaultRate
	cfg.PollTimeout = c.PollTimeout
	cfg.RetryBackoff = c.RetryBackoff
	cfg.GracePeriod = c.GracePeriod

	t, err := ParseEnqueuedTime(c.EnqueuedTime)
	if err != nil {
		return types.ConsumerConfig{}, &types.ConfigurationError{Field: "enqueued_time", Reason: err.Error()}
	}
	cfg.EnqueuedTime = t
	return cfg, cfg.Check()
}

// ParseEnqueuedTime accepts milliseconds since the unix epoch or an RFC3339 timestamp. The empty
// string yields the zero time, which a session reads as its own start.
func ParseEnqueuedTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return time.Time{}, fmt.Errorf("must not be negative, got %d", ms)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither epoch milliseconds nor RFC3339", s)
	}
	return t, nil
}

// UsesCentral reports whether the target is an IoT Central application.
func (c *Config) UsesCentral() bool {
	return c.AppID != ""
}

// CheckTarget requires exactly one way of locating the telemetry entity.
func (c *Config) CheckTarget() error {
	switch {
	case c.Login != "" && c.AppID != "":
		return &types.ConfigurationError{Field: "target", Reason: "use either --login or --app-id, not both"}
	case c.Login == "" && c.AppID == "":
		return &types.ConfigurationError{Field: "target", Reason: "one of --login or --app-id is required"}
	case c.AppID != "" && c.Token == "":
		return &types.ConfigurationError{Field: "token", Reason: "a bearer token is required with --app-id"}
	}
	return nil
}
