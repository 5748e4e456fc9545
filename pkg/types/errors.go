package types

import (
	"errors"
	"fmt"
	"strings"
)

// ====================================================================================
// Error taxonomy for a monitoring session. The first three are fatal and end the session
// before it reaches RUNNING; the rest are recorded and never abort sibling work.
// ====================================================================================

// ErrNoPartitionsAvailable is matched by NoPartitionsAvailableError via errors.Is.
var ErrNoPartitionsAvailable = errors.New("no partitions available")

// AuthResolutionError reports that no usable connection target could be obtained.
type AuthResolutionError struct {
	Source string
	Err    error
}

func (e *AuthResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve connection target from %s: %v", e.Source, e.Err)
}

func (e *AuthResolutionError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid ConsumerConfig.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// NoPartitionsAvailableError reports that every partition failed to open.
type NoPartitionsAvailableError struct {
	Attempted int
	Errors    []PartitionError
}

func (e *NoPartitionsAvailableError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s: entity reported %d partitions", ErrNoPartitionsAvailable, e.Attempted)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, pe := range e.Errors {
		parts = append(parts, pe.Error())
	}
	if e.Attempted == 0 {
		return fmt.Sprintf("%s: %s", ErrNoPartitionsAvailable, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("%s: all %d partitions failed to open: %s", ErrNoPartitionsAvailable, e.Attempted, strings.Join(parts, "; "))
}

func (e *NoPartitionsAvailableError) Is(target error) bool { return target == ErrNoPartitionsAvailable }

// PartitionStreamError is a transient broker failure on one partition.
type PartitionStreamError struct {
	PartitionID string
	// Permanent is set once the partition has exhausted its reconnect.
	Permanent bool
	Err       error
}

func (e *PartitionStreamError) Error() string {
	state := "transient"
	if e.Permanent {
		state = "closed"
	}
	return fmt.Sprintf("partition %s stream error (%s): %v", e.PartitionID, state, e.Err)
}

func (e *PartitionStreamError) Unwrap() error { return e.Err }

// DecodeWarning reports a payload that could not be parsed per its content type.
type DecodeWarning struct {
	PartitionID    string
	SequenceNumber int64
	ContentType    string
	Err            error
}

func (e *DecodeWarning) Error() string {
	return fmt.Sprintf("partition %s seq %d: undecodable %q payload: %v", e.PartitionID, e.SequenceNumber, e.ContentType, e.Err)
}

func (e *DecodeWarning) Unwrap() error { return e.Err }

// ValidationFailure reports a record that failed one or more validator checks.
type ValidationFailure struct {
	DeviceID       string
	PartitionID    string
	SequenceNumber int64
	Reasons        []string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("device %q partition %s seq %d failed validation: %s", e.DeviceID, e.PartitionID, e.SequenceNumber, strings.Join(e.Reasons, "; "))
}

// PartitionError is one entry of SessionStats.Errors.
type PartitionError struct {
	PartitionID string
	Err         error
}

func (e PartitionError) Error() string {
	if e.PartitionID == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("partition %s: %v", e.PartitionID, e.Err)
}

func (e PartitionError) Unwrap() error { return e.Err }
