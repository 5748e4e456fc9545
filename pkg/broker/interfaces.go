package broker

import (
	"context"
	"time"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// ====================================================================================
// This file defines the contract between a monitoring session and the partition layer
// of a message broker. Implementations exist for the Kafka surface of an event hub
// namespace and for an in-memory scripted broker.
// ====================================================================================

// StartPosition selects where a newly opened partition reader begins.
// If AfterOffset is set it takes precedence over EnqueuedTime.
type StartPosition struct {
	EnqueuedTime time.Time
	// AfterOffset resumes strictly after the message with this offset.
	AfterOffset string
}

// Broker is a partitioned telemetry entity.
type Broker interface {
	// Partitions enumerates the partition ids of the entity with a single control call.
	Partitions(ctx context.Context) ([]string, error)
	// Open creates a reader for one partition.
	Open(ctx context.Context, partitionID, consumerGroup string, start StartPosition) (PartitionReader, error)
	// Close releases any shared connections held by the broker.
	Close() error
}

// PartitionReader yields messages of a single partition in sequence-number order.
type PartitionReader interface {
	// Pull waits up to pollTimeout for messages. It returns zero messages and a nil error when
	// nothing arrived in time, and io.EOF once the partition has ended.
	Pull(ctx context.Context, pollTimeout time.Duration) ([]types.RawMessage, error)
	// Close is best-effort.
	Close() error
}
