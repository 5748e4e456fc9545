package types

import (
	"time"
)

// Well-known annotation keys stamped by the hub on every device-to-cloud message.
const (
	AnnotationDeviceID     = "iothub-connection-device-id"
	AnnotationModuleID     = "iothub-connection-module-id"
	AnnotationEnqueuedTime = "iothub-enqueuedtime"
	AnnotationMessageID    = "message-id"
)

// RawMessage is a single broker message as read from one partition. It is consumed exactly
// once by the decoder.
type RawMessage struct {
	PartitionID    string
	SequenceNumber int64
	// Offset is the broker cursor for this message, used to resume after a reconnect.
	Offset       string
	EnqueuedTime time.Time
	// Annotations holds broker-level metadata.
	Annotations map[string]any
	// Properties holds application-defined properties.
	Properties      map[string]any
	Body            []byte
	ContentEncoding string
	ContentType     string
}

// PayloadKind is the tag produced by content-type dispatch.
type PayloadKind int

const (
	PayloadRaw PayloadKind = iota
	PayloadText
	PayloadJSON
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadJSON:
		return "json"
	case PayloadText:
		return "text"
	default:
		return "raw"
	}
}

// Payload is the decoded message body. Value is a parsed JSON value for PayloadJSON, a string for
// PayloadText and []byte for PayloadRaw.
type Payload struct {
	Kind  PayloadKind
	Value any
}

// DecodedRecord is immutable once produced by the decoder.
type DecodedRecord struct {
	DeviceID        string
	EnqueuedTime    time.Time
	Properties      map[string]any
	Payload         Payload
	OriginPartition string
	SequenceNumber  int64
	// Undecodable is set when the body could not be parsed per its declared content type.
	Undecodable bool
	Note        string
}

// Object returns the payload as a JSON object, if it is one.
func (r DecodedRecord) Object() (map[string]any, bool) {
	if r.Payload.Kind != PayloadJSON {
		return nil, false
	}
	obj, ok := r.Payload.Value.(map[string]any)
	return obj, ok
}

// ValidationResult wraps a record with the outcome of the validator. Records that were not
// validated carry Corrupt=false and no reasons.
type ValidationResult struct {
	Record  DecodedRecord
	Corrupt bool
	Reasons []string
}
