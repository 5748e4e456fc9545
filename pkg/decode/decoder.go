// Package decode turns raw broker messages into structured records.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/unicode"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// maxInflatedBody bounds a gzip body after decompression.
const maxInflatedBody = 16 * 1024 * 1024

type decodeFunc func(body []byte) (any, error)

// decoders maps each content kind to its body decoder. Unknown kinds fall back to PayloadRaw.
var decoders = map[types.PayloadKind]decodeFunc{
	types.PayloadJSON: decodeJSON,
	types.PayloadText: decodeText,
	types.PayloadRaw:  decodeRaw,
}

// Decoder applies content-type dispatch and property selection. It holds no mutable state and
// is safe for concurrent use.
type Decoder struct {
	selection types.PropertySelection
}

// New creates a Decoder carrying the given property selection onto every record.
func New(selection types.PropertySelection) *Decoder {
	return &Decoder{selection: selection}
}

// Decode always returns a usable record. When the body cannot be parsed per its declared
// content type the record carries the raw body, Undecodable is set, and the returned error is
// a *types.DecodeWarning.
func (d *Decoder) Decode(raw types.RawMessage) (types.DecodedRecord, error) {
	rec := types.DecodedRecord{
		DeviceID:        deviceID(raw.Annotations),
		EnqueuedTime:    enqueuedTime(raw),
		Properties:      d.selectProperties(raw),
		OriginPartition: raw.PartitionID,
		SequenceNumber:  raw.SequenceNumber,
	}

	warn := func(err error) (types.DecodedRecord, error) {
		rec.Payload = types.Payload{Kind: types.PayloadRaw, Value: raw.Body}
		rec.Undecodable = true
		rec.Note = err.Error()
		return rec, &types.DecodeWarning{
			PartitionID:    raw.PartitionID,
			SequenceNumber: raw.SequenceNumber,
			ContentType:    raw.ContentType,
			Err:            err,
		}
	}

	body, err := transcode(raw.Body, raw.ContentEncoding)
	if err != nil {
		return warn(err)
	}

	kind := Classify(raw.ContentType, body)
	fn, ok := decoders[kind]
	if !ok {
		kind, fn = types.PayloadRaw, decodeRaw
	}
	value, err := fn(body)
	if err != nil {
		return warn(fmt.Errorf("%s body: %w", kind, err))
	}
	rec.Payload = types.Payload{Kind: kind, Value: value}
	return rec, nil
}

// Classify maps a declared content type to a payload kind. Messages without a content type are
// treated as text when the body is valid UTF-8.
func Classify(contentType string, body []byte) types.PayloadKind {
	if strings.TrimSpace(contentType) == "" {
		if utf8.Valid(body) {
			return types.PayloadText
		}
		return types.PayloadRaw
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return types.PayloadRaw
	}
	switch {
	case mediaType == "application/json", mediaType == "text/json", strings.HasSuffix(mediaType, "+json"):
		return types.PayloadJSON
	case strings.HasPrefix(mediaType, "text/"):
		return types.PayloadText
	default:
		return types.PayloadRaw
	}
}

func transcode(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		return body, nil
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(body)
	case "utf-16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(body)
	case "utf-16be":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(body)
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, maxInflatedBody+1))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		if len(out) > maxInflatedBody {
			return nil, fmt.Errorf("gzip body exceeds %d bytes", maxInflatedBody)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return v, nil
}

func decodeText(body []byte) (any, error) {
	if !utf8.Valid(body) {
		return nil, fmt.Errorf("body is not valid UTF-8")
	}
	return string(body), nil
}

func decodeRaw(body []byte) (any, error) {
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

func deviceID(annotations map[string]any) string {
	v, ok := annotations[types.AnnotationDeviceID]
	if !ok || v == nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case []byte:
		return string(id)
	default:
		return fmt.Sprint(id)
	}
}

func enqueuedTime(raw types.RawMessage) time.Time {
	if !raw.EnqueuedTime.IsZero() {
		return raw.EnqueuedTime
	}
	switch v := raw.Annotations[types.AnnotationEnqueuedTime].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (d *Decoder) selectProperties(raw types.RawMessage) map[string]any {
	out := make(map[string]any)
	switch d.selection.Mode {
	case types.PropertiesAll:
		for k, v := range raw.Annotations {
			out[k] = v
		}
		for k, v := range raw.Properties {
			out[k] = v
		}
	case types.PropertiesAnnotations:
		for k, v := range raw.Annotations {
			out[k] = v
		}
	case types.PropertiesKeys:
		for k := range d.selection.Keys {
			if v, ok := raw.Properties[k]; ok {
				out[k] = v
			} else if v, ok := raw.Annotations[k]; ok {
				out[k] = v
			}
		}
	}
	return out
}
