// Package enrichment resolves per-record context, such as the declared telemetry schema of the
// sending device, from control-plane lookups.
package enrichment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iotmonitor/pkg/cache"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
	"github.com/illmade-knight/go-iotmonitor/pkg/validate"
)

// KeyExtractor gets the lookup key from a record.
type KeyExtractor[K comparable] func(rec types.DecodedRecord) (K, bool)

// DeviceKey keys a record by its device id.
func DeviceKey(rec types.DecodedRecord) (string, bool) {
	return rec.DeviceID, rec.DeviceID != ""
}

type schemaSource[K comparable] struct {
	fetcher cache.Fetcher[K, *validate.Schema]
	keyEx   KeyExtractor[K]
	logger  zerolog.Logger
}

// NewSchemaSource builds a validate.SchemaSource that looks up a record's schema by key.
// Records without a key have no declared schema.
func NewSchemaSource[K comparable](
	fetcher cache.Fetcher[K, *validate.Schema],
	keyEx KeyExtractor[K],
	logger zerolog.Logger,
) (validate.SchemaSource, error) {
	if fetcher == nil || keyEx == nil {
		return nil, fmt.Errorf("fetcher and keyExtractor cannot be nil")
	}
	return &schemaSource[K]{
		fetcher: fetcher,
		keyEx:   keyEx,
		logger:  logger.With().Str("component", "SchemaSource").Logger(),
	}, nil
}

// SchemaFor implements validate.SchemaSource.
func (s *schemaSource[K]) SchemaFor(ctx context.Context, rec types.DecodedRecord) (*validate.Schema, error) {
	key, ok := s.keyEx(rec)
	if !ok {
		s.logger.Debug().Str("partition_id", rec.OriginPartition).Int64("sequence_number", rec.SequenceNumber).
			Msg("Key not found in record, no declared schema.")
		return nil, nil
	}
	schema, err := s.fetcher.Fetch(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Msgf("Failed to fetch declared schema for key '%v'", key)
		return nil, err
	}
	return schema, nil
}
