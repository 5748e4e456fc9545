// Package validate runs structural and consistency checks over decoded records.
package validate

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// ReasonSimulated prefixes the reason attached by fault injection.
const ReasonSimulated = "simulated error"

var simulatedFaults = []string{
	"device id mismatch",
	"timestamp out of range",
	"payload field type mismatch",
	"undeclared payload field",
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
}

// Config holds the validator settings derived from a ConsumerConfig.
type Config struct {
	DeviceFilter   string
	SimulateErrors bool
	Seed           int64
	FaultRate      float64
}

// ConfigFrom extracts validator settings from a consumer config.
func ConfigFrom(cfg types.ConsumerConfig) Config {
	return Config{
		DeviceFilter:   cfg.DeviceFilter,
		SimulateErrors: cfg.SimulateErrors,
		Seed:           cfg.Seed,
		FaultRate:      cfg.FaultRate,
	}
}

// Validator checks records independently; every check runs and every failure is reported.
// Fault injection is keyed on the record's partition and sequence number, so the set of flagged
// records depends only on the seed and not on scheduling.
type Validator struct {
	cfg    Config
	source SchemaSource
	logger zerolog.Logger
}

// New creates a Validator. source may be nil when no schema is declared.
func New(cfg Config, source SchemaSource, logger zerolog.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		source: source,
		logger: logger.With().Str("component", "Validator").Logger(),
	}
}

// Validate checks one record.
func (v *Validator) Validate(ctx context.Context, rec types.DecodedRecord) types.ValidationResult {
	var reasons []string
	reasons = append(reasons, v.checkDevice(rec)...)
	reasons = append(reasons, v.checkSchema(ctx, rec)...)

	if len(reasons) == 0 && v.cfg.SimulateErrors && v.inject(rec) {
		fault := simulatedFaults[int(v.draw(rec, 1)*float64(len(simulatedFaults)))%len(simulatedFaults)]
		reasons = append(reasons, fmt.Sprintf("%s: %s", ReasonSimulated, fault))
	}

	if len(reasons) > 0 {
		v.logger.Debug().Err(&types.ValidationFailure{
			DeviceID:       rec.DeviceID,
			PartitionID:    rec.OriginPartition,
			SequenceNumber: rec.SequenceNumber,
			Reasons:        reasons,
		}).Msg("Record failed validation.")
	}
	return types.ValidationResult{Record: rec, Corrupt: len(reasons) > 0, Reasons: reasons}
}

func (v *Validator) checkDevice(rec types.DecodedRecord) []string {
	if rec.DeviceID == "" {
		return []string{"device id annotation is missing"}
	}
	if v.cfg.DeviceFilter != "" && rec.DeviceID != v.cfg.DeviceFilter {
		return []string{fmt.Sprintf("device id %q does not match filter %q", rec.DeviceID, v.cfg.DeviceFilter)}
	}
	return nil
}

func (v *Validator) checkSchema(ctx context.Context, rec types.DecodedRecord) []string {
	if v.source == nil {
		return nil
	}
	schema, err := v.source.SchemaFor(ctx, rec)
	if err != nil {
		return []string{fmt.Sprintf("cannot resolve declared schema: %v", err)}
	}
	if schema == nil {
		return nil
	}

	obj, ok := rec.Object()
	if !ok {
		if rec.Undecodable {
			return []string{fmt.Sprintf("payload is undecodable: %s", rec.Note)}
		}
		return []string{fmt.Sprintf("payload is %s, expected a JSON object", rec.Payload.Kind)}
	}

	var reasons []string
	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		typ, declared := schema.Fields[name]
		if !declared {
			if schema.Strict {
				reasons = append(reasons, fmt.Sprintf("field %q is not declared", name))
			}
			continue
		}
		if err := checkField(typ, obj[name]); err != nil {
			reasons = append(reasons, fmt.Sprintf("field %q: %v", name, err))
		}
	}

	if schema.Document != nil {
		result, err := schema.Document.Validate(gojsonschema.NewGoLoader(obj))
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("cannot validate against json schema: %v", err))
		} else if !result.Valid() {
			for _, e := range result.Errors() {
				reasons = append(reasons, fmt.Sprintf("json schema: %s", e.String()))
			}
		}
	}
	return reasons
}

func checkField(typ FieldType, value any) error {
	switch typ {
	case FieldDateTime:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected ISO-8601 timestamp string, got %T", value)
		}
		for _, layout := range timestampLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				return nil
			}
		}
		return fmt.Errorf("%q is not an ISO-8601 timestamp", s)
	case FieldDate:
		return parseString(value, "2006-01-02", "ISO-8601 date")
	case FieldTime:
		return parseString(value, "15:04:05", "ISO-8601 time")
	case FieldDouble, FieldFloat:
		if _, err := number(value).Float64(); err != nil {
			return fmt.Errorf("expected %s, got %v", typ, value)
		}
	case FieldInteger, FieldLong:
		n := number(value)
		if _, err := strconv.ParseInt(string(n), 10, 64); err != nil {
			return fmt.Errorf("expected %s, got %v", typ, value)
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case FieldString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	}
	return nil
}

func parseString(value any, layout, what string) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected %s string, got %T", what, value)
	}
	if _, err := time.Parse(layout, s); err != nil {
		return fmt.Errorf("%q is not an %s", s, what)
	}
	return nil
}

// number normalizes decoded JSON numbers. Anything else yields an unparsable Number.
func number(value any) json.Number {
	switch n := value.(type) {
	case json.Number:
		return n
	case float64:
		return json.Number(strconv.FormatFloat(n, 'f', -1, 64))
	case int:
		return json.Number(strconv.Itoa(n))
	case int64:
		return json.Number(strconv.FormatInt(n, 10))
	default:
		return json.Number("")
	}
}

func (v *Validator) inject(rec types.DecodedRecord) bool {
	return v.draw(rec, 0) < v.cfg.FaultRate
}

// draw returns a uniform value in [0,1) that depends only on the seed, the record identity and
// the stream index.
func (v *Validator) draw(rec types.DecodedRecord, stream uint64) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(rec.OriginPartition))
	r := rand.New(rand.NewPCG(uint64(v.cfg.Seed)^h.Sum64(), uint64(rec.SequenceNumber)<<1|stream))
	return r.Float64()
}
