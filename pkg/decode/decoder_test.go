package decode_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"github.com/illmade-knight/go-iotmonitor/pkg/decode"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

func rawJSON(body string) types.RawMessage {
	return types.RawMessage{
		PartitionID:    "0",
		SequenceNumber: 7,
		EnqueuedTime:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Annotations: map[string]any{
			types.AnnotationDeviceID: "dev1",
			"iothub-message-schema":  "telemetry",
		},
		Properties:  map[string]any{"alert": "high", "Alert": "low"},
		Body:        []byte(body),
		ContentType: "application/json",
	}
}

func TestDecode_JSONRoundTrip(t *testing.T) {
	cases := []string{
		`{"temperature":21.5,"humidity":40,"ok":true,"tags":["a","b"],"nested":{"v":null}}`,
		`{"big":12345678901234567890}`,
		`[1,2,3]`,
		`"just a string"`,
	}
	d := decode.New(types.PropertySelection{})
	for _, body := range cases {
		t.Run(body, func(t *testing.T) {
			rec, err := d.Decode(rawJSON(body))
			require.NoError(t, err)
			assert.False(t, rec.Undecodable)
			assert.Equal(t, types.PayloadJSON, rec.Payload.Kind)

			out, err := json.Marshal(rec.Payload.Value)
			require.NoError(t, err)
			assert.JSONEq(t, body, string(out))
		})
	}
}

func TestDecode_Envelope(t *testing.T) {
	rec, err := decode.New(types.PropertySelection{}).Decode(rawJSON(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "dev1", rec.DeviceID)
	assert.Equal(t, "0", rec.OriginPartition)
	assert.Equal(t, int64(7), rec.SequenceNumber)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), rec.EnqueuedTime)
	assert.Empty(t, rec.Properties)

	obj, ok := rec.Object()
	require.True(t, ok)
	assert.Contains(t, obj, "a")
}

func TestDecode_MissingDeviceIDIsNotAnError(t *testing.T) {
	raw := rawJSON(`{}`)
	delete(raw.Annotations, types.AnnotationDeviceID)
	rec, err := decode.New(types.PropertySelection{}).Decode(raw)
	require.NoError(t, err)
	assert.Empty(t, rec.DeviceID)
}

func TestDecode_Undecodable(t *testing.T) {
	raw := rawJSON(`{"temperature": 21,`)
	rec, err := decode.New(types.PropertySelection{}).Decode(raw)

	var warning *types.DecodeWarning
	require.ErrorAs(t, err, &warning)
	assert.Equal(t, int64(7), warning.SequenceNumber)
	assert.True(t, rec.Undecodable)
	assert.NotEmpty(t, rec.Note)
	assert.Equal(t, types.PayloadRaw, rec.Payload.Kind)
	assert.Equal(t, raw.Body, rec.Payload.Value)
	assert.Equal(t, "dev1", rec.DeviceID, "the envelope is still decoded")
}

func TestDecode_TrailingDataIsUndecodable(t *testing.T) {
	rec, err := decode.New(types.PropertySelection{}).Decode(rawJSON(`{"a":1} {"b":2}`))
	require.Error(t, err)
	assert.True(t, rec.Undecodable)
}

func TestDecode_ContentEncodings(t *testing.T) {
	body := `{"temperature":19}`

	t.Run("utf-16", func(t *testing.T) {
		enc, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().Bytes([]byte(body))
		require.NoError(t, err)
		raw := rawJSON("")
		raw.Body = enc
		raw.ContentEncoding = "utf-16"
		rec, err := decode.New(types.PropertySelection{}).Decode(raw)
		require.NoError(t, err)
		out, _ := json.Marshal(rec.Payload.Value)
		assert.JSONEq(t, body, string(out))
	})

	t.Run("gzip", func(t *testing.T) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		raw := rawJSON("")
		raw.Body = buf.Bytes()
		raw.ContentEncoding = "gzip"
		rec, err := decode.New(types.PropertySelection{}).Decode(raw)
		require.NoError(t, err)
		out, _ := json.Marshal(rec.Payload.Value)
		assert.JSONEq(t, body, string(out))
	})

	t.Run("unknown encoding", func(t *testing.T) {
		raw := rawJSON(body)
		raw.ContentEncoding = "brotli"
		rec, err := decode.New(types.PropertySelection{}).Decode(raw)
		require.Error(t, err)
		assert.True(t, rec.Undecodable)
	})
}

func TestClassify(t *testing.T) {
	cases := map[string]types.PayloadKind{
		"application/json":                 types.PayloadJSON,
		"application/json; charset=utf-8": types.PayloadJSON,
		"text/json":                        types.PayloadJSON,
		"application/cloudevents+json":     types.PayloadJSON,
		"text/plain":                       types.PayloadText,
		"application/octet-stream":         types.PayloadRaw,
		"not a / media type;;":             types.PayloadRaw,
	}
	for ct, want := range cases {
		assert.Equal(t, want, decode.Classify(ct, []byte("x")), ct)
	}
	assert.Equal(t, types.PayloadText, decode.Classify("", []byte("hello")))
	assert.Equal(t, types.PayloadRaw, decode.Classify("", []byte{0xff, 0xfe, 0xfd}))
}

func TestDecode_PropertySelection(t *testing.T) {
	raw := rawJSON(`{}`)

	all, err := decode.New(types.ParsePropertySelection("all")).Decode(raw)
	require.NoError(t, err)
	anno, err := decode.New(types.ParsePropertySelection("anno")).Decode(raw)
	require.NoError(t, err)
	subset, err := decode.New(types.ParsePropertySelection("alert,iothub-message-schema,missing")).Decode(raw)
	require.NoError(t, err)

	assert.Len(t, all.Properties, 4)
	assert.Equal(t, map[string]any{types.AnnotationDeviceID: "dev1", "iothub-message-schema": "telemetry"}, anno.Properties)
	assert.Equal(t, map[string]any{"alert": "high", "iothub-message-schema": "telemetry"}, subset.Properties, "keys match exactly and case-sensitively")

	for k, v := range subset.Properties {
		assert.Equal(t, v, all.Properties[k], "all must be a superset of any explicit selection")
	}
}
