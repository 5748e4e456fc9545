package validate_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
	"github.com/illmade-knight/go-iotmonitor/pkg/validate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(deviceID string, payload map[string]any) types.DecodedRecord {
	return types.DecodedRecord{
		DeviceID:        deviceID,
		OriginPartition: "0",
		Payload:         types.Payload{Kind: types.PayloadJSON, Value: payload},
	}
}

var telemetrySchema = &validate.Schema{Fields: map[string]validate.FieldType{
	"temperature": validate.FieldDouble,
	"count":       validate.FieldInteger,
	"timestamp":   validate.FieldDateTime,
	"online":      validate.FieldBoolean,
}}

func TestValidator_ValidRecord(t *testing.T) {
	v := validate.New(validate.Config{DeviceFilter: "dev1"}, validate.StaticSchema{Schema: telemetrySchema}, zerolog.Nop())
	res := v.Validate(context.Background(), record("dev1", map[string]any{
		"temperature": json.Number("21.5"),
		"count":       json.Number("3"),
		"timestamp":   "2024-05-01T12:00:00.123Z",
		"online":      true,
		"extra":       "ignored when not strict",
	}))
	assert.False(t, res.Corrupt)
	assert.Empty(t, res.Reasons)
}

func TestValidator_AccumulatesEveryFailure(t *testing.T) {
	v := validate.New(validate.Config{DeviceFilter: "dev1"}, validate.StaticSchema{Schema: telemetrySchema}, zerolog.Nop())
	res := v.Validate(context.Background(), record("dev2", map[string]any{
		"temperature": "hot",
		"count":       json.Number("1.5"),
		"timestamp":   "yesterday",
	}))

	require.True(t, res.Corrupt)
	require.Len(t, res.Reasons, 4, "device check and each bad field are all reported: %v", res.Reasons)
	assert.Contains(t, res.Reasons[0], "does not match filter")
	assert.Contains(t, res.Reasons[1], `"count"`)
	assert.Contains(t, res.Reasons[2], `"temperature"`)
	assert.Contains(t, res.Reasons[3], "ISO-8601")
}

func TestValidator_MissingDeviceID(t *testing.T) {
	v := validate.New(validate.Config{}, nil, zerolog.Nop())
	res := v.Validate(context.Background(), record("", map[string]any{}))
	require.True(t, res.Corrupt)
	assert.Equal(t, []string{"device id annotation is missing"}, res.Reasons)
}

func TestValidator_NonObjectPayloadWithDeclaredSchema(t *testing.T) {
	v := validate.New(validate.Config{}, validate.StaticSchema{Schema: telemetrySchema}, zerolog.Nop())
	rec := types.DecodedRecord{DeviceID: "dev1", Payload: types.Payload{Kind: types.PayloadText, Value: "hello"}}
	res := v.Validate(context.Background(), rec)
	require.True(t, res.Corrupt)
	assert.Contains(t, res.Reasons[0], "expected a JSON object")
}

type failingSource struct{}

func (failingSource) SchemaFor(context.Context, types.DecodedRecord) (*validate.Schema, error) {
	return nil, errors.New("template not found")
}

func TestValidator_SchemaResolutionFailure(t *testing.T) {
	v := validate.New(validate.Config{}, failingSource{}, zerolog.Nop())
	res := v.Validate(context.Background(), record("dev1", map[string]any{}))
	require.True(t, res.Corrupt)
	assert.Contains(t, res.Reasons[0], "template not found")
}

func TestValidator_StrictAndJSONSchema(t *testing.T) {
	schema, err := validate.ParseSchema([]byte(`
strict: true
fields:
  temperature: dtmi:dtdl:instance:Schema:double;2
  ts: dateTime
jsonSchema:
  type: object
  required: [temperature]
`))
	require.NoError(t, err)
	assert.Equal(t, validate.FieldDouble, schema.Fields["temperature"])
	assert.Equal(t, validate.FieldDateTime, schema.Fields["ts"])

	v := validate.New(validate.Config{}, validate.StaticSchema{Schema: schema}, zerolog.Nop())
	res := v.Validate(context.Background(), record("dev1", map[string]any{"humidity": json.Number("3")}))
	require.True(t, res.Corrupt)
	assert.Len(t, res.Reasons, 2, "%v", res.Reasons)
	assert.Contains(t, res.Reasons[0], `"humidity" is not declared`)
	assert.True(t, strings.HasPrefix(res.Reasons[1], "json schema:"))
}

func TestValidator_SimulatedErrorsAreDeterministic(t *testing.T) {
	run := func(seed int64) []int {
		v := validate.New(validate.Config{SimulateErrors: true, Seed: seed, FaultRate: 0.2}, nil, zerolog.Nop())
		var flagged []int
		for i := 0; i < 100; i++ {
			rec := record("dev1", map[string]any{"n": json.Number(strconv.Itoa(i))})
			rec.SequenceNumber = int64(i)
			res := v.Validate(context.Background(), rec)
			if res.Corrupt {
				require.NotEmpty(t, res.Reasons)
				assert.True(t, strings.HasPrefix(res.Reasons[0], validate.ReasonSimulated))
				flagged = append(flagged, i)
			}
		}
		return flagged
	}

	first := run(42)
	assert.Equal(t, first, run(42))
	assert.NotEmpty(t, first)
	assert.Less(t, len(first), 50, "flagged fraction stays bounded")
}

func TestValidator_SimulationSkipsAlreadyCorruptRecords(t *testing.T) {
	v := validate.New(validate.Config{SimulateErrors: true, Seed: 1, FaultRate: 1}, nil, zerolog.Nop())
	res := v.Validate(context.Background(), record("", map[string]any{}))
	assert.Equal(t, []string{"device id annotation is missing"}, res.Reasons)
}
