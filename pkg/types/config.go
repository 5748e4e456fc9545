package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultConsumerGroup is the consumer group every event hub is created with.
const DefaultConsumerGroup = "$Default"

// PropertyMode selects which message properties are carried onto a DecodedRecord.
type PropertyMode int

const (
	// PropertiesNone carries no properties.
	PropertiesNone PropertyMode = iota
	// PropertiesAll carries every annotation and application property.
	PropertiesAll
	// PropertiesAnnotations carries broker-level annotations only.
	PropertiesAnnotations
	// PropertiesKeys carries the exact, case-sensitive set of keys in PropertySelection.Keys.
	PropertiesKeys
)

// PropertySelection is the parsed form of the --properties argument.
type PropertySelection struct {
	Mode PropertyMode
	Keys map[string]struct{}
}

// ParsePropertySelection accepts "all", "anno", a comma separated key list, or the empty string.
func ParsePropertySelection(values ...string) PropertySelection {
	keys := make(map[string]struct{})
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			switch part {
			case "":
				continue
			case "all":
				return PropertySelection{Mode: PropertiesAll}
			case "anno":
				return PropertySelection{Mode: PropertiesAnnotations}
			default:
				keys[part] = struct{}{}
			}
		}
	}
	if len(keys) == 0 {
		return PropertySelection{Mode: PropertiesNone}
	}
	return PropertySelection{Mode: PropertiesKeys, Keys: keys}
}

func (p PropertySelection) String() string {
	switch p.Mode {
	case PropertiesAll:
		return "all"
	case PropertiesAnnotations:
		return "anno"
	case PropertiesKeys:
		keys := make([]string, 0, len(p.Keys))
		for k := range p.Keys {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return strings.Join(keys, ",")
	default:
		return ""
	}
}

// ConsumerConfig is built once per session and is read-only afterwards.
type ConsumerConfig struct {
	ConsumerGroup string
	// DeviceFilter restricts output to a single device id when set.
	DeviceFilter string
	// EnqueuedTime is the start offset; the zero value means session start.
	EnqueuedTime time.Time
	// Timeout bounds the RUNNING state; zero runs until cancelled.
	Timeout    time.Duration
	Properties PropertySelection

	Validate       bool
	SimulateErrors bool
	// Seed feeds the fault injection PRNG. Zero seeds from the session start time.
	Seed int64
	// FaultRate is the fraction of valid records flagged corrupt when SimulateErrors is set.
	FaultRate float64

	// PollTimeout bounds a single pull against a partition.
	PollTimeout time.Duration
	// RetryBackoff is the initial delay before a partition reconnect.
	RetryBackoff time.Duration
	// GracePeriod bounds the DRAINING state.
	GracePeriod time.Duration
}

// DefaultConsumerConfig returns a config carrying the same defaults as the CLI.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		ConsumerGroup: DefaultConsumerGroup,
		Timeout:       300 * time.Second,
		FaultRate:     0.1,
		PollTimeout:   time.Second,
		RetryBackoff:  500 * time.Millisecond,
		GracePeriod:   2 * time.Second,
	}
}

// Check enforces the invariants a session requires before leaving INIT.
func (c ConsumerConfig) Check() error {
	if c.Timeout < 0 {
		return &ConfigurationError{Field: "timeout", Reason: fmt.Sprintf("must be >= 0, got %s", c.Timeout)}
	}
	if strings.TrimSpace(c.ConsumerGroup) == "" {
		return &ConfigurationError{Field: "consumer_group", Reason: "must not be empty"}
	}
	if c.FaultRate < 0 || c.FaultRate > 1 {
		return &ConfigurationError{Field: "fault_rate", Reason: fmt.Sprintf("must be within [0,1], got %v", c.FaultRate)}
	}
	if c.PollTimeout < 0 || c.RetryBackoff < 0 || c.GracePeriod < 0 {
		return &ConfigurationError{Field: "durations", Reason: "poll timeout, retry backoff and grace period must be >= 0"}
	}
	return nil
}
