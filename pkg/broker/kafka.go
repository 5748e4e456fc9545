package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// --- Event hub Kafka surface implementation ---

// connectionStringUser is the fixed SASL PLAIN user name for connection-string auth.
const connectionStringUser = "$ConnectionString"

// KafkaBrokerConfig holds transport settings for the Kafka surface of an event hub namespace.
type KafkaBrokerConfig struct {
	// ClientID identifies the session to the broker.
	ClientID    string
	DialTimeout time.Duration
	// MaxBytes caps a fetch response.
	MaxBytes int
	// MaxWait bounds how long the broker holds a fetch open waiting for data.
	MaxWait time.Duration
	// DisableTLS is only useful against local emulators.
	DisableTLS bool
}

// LoadDefaultKafkaBrokerConfig returns the settings used by the CLI.
func LoadDefaultKafkaBrokerConfig(clientID string) KafkaBrokerConfig {
	return KafkaBrokerConfig{
		ClientID:    clientID,
		DialTimeout: 20 * time.Second,
		MaxBytes:    10 * 1024 * 1024,
		MaxWait:     500 * time.Millisecond,
	}
}

// KafkaBroker reads an event hub through its Kafka protocol endpoint. Every partition gets its
// own kafka-go Reader pinned to that partition.
type KafkaBroker struct {
	address string
	topic   string
	cfg     KafkaBrokerConfig
	dialer  *kafka.Dialer
	logger  zerolog.Logger
}

// NewKafkaBroker creates a broker for the target's entity. It does not connect until
// Partitions or Open is called.
func NewKafkaBroker(target types.ConnectionTarget, cfg KafkaBrokerConfig, logger zerolog.Logger) (*KafkaBroker, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection target: %w", err)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}

	address := target.BrokerAddress()
	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
		SASLMechanism: plain.Mechanism{
			Username: connectionStringUser,
			Password: target.ConnectionString(),
		},
	}
	if !cfg.DisableTLS {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = target.Host
		}
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}

	return &KafkaBroker{
		address: address,
		topic:   target.EntityPath,
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.With().Str("component", "KafkaBroker").Str("entity", target.EntityPath).Logger(),
	}, nil
}

// Partitions implements Broker.
func (b *KafkaBroker) Partitions(ctx context.Context) ([]string, error) {
	parts, err := b.dialer.LookupPartitions(ctx, "tcp", b.address, b.topic)
	if err != nil {
		return nil, fmt.Errorf("failed to look up partitions of %s: %w", b.topic, err)
	}
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, strconv.Itoa(p.ID))
	}
	b.logger.Debug().Strs("partitions", ids).Msg("Enumerated partitions.")
	return ids, nil
}

// Open implements Broker. The consumer group is carried for logging only: a reader pinned to
// one partition keeps its own cursor and commits nothing.
func (b *KafkaBroker) Open(ctx context.Context, partitionID, consumerGroup string, start StartPosition) (PartitionReader, error) {
	pid, err := strconv.Atoi(partitionID)
	if err != nil {
		return nil, fmt.Errorf("partition id %q is not numeric: %w", partitionID, err)
	}
	readerCfg := kafka.ReaderConfig{
		Brokers:   []string{b.address},
		Topic:     b.topic,
		Partition: pid,
		Dialer:    b.dialer,
		MinBytes:  1,
		MaxBytes:  b.cfg.MaxBytes,
		MaxWait:   b.cfg.MaxWait,
	}
	if err := readerCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reader config for partition %s: %w", partitionID, err)
	}
	reader := kafka.NewReader(readerCfg)

	logger := b.logger.With().Str("partition_id", partitionID).Str("consumer_group", consumerGroup).Logger()
	if start.AfterOffset != "" {
		offset, err := strconv.ParseInt(start.AfterOffset, 10, 64)
		if err != nil {
			_ = reader.Close()
			return nil, fmt.Errorf("offset %q is not numeric: %w", start.AfterOffset, err)
		}
		if err := reader.SetOffset(offset + 1); err != nil {
			_ = reader.Close()
			return nil, fmt.Errorf("failed to resume partition %s after offset %d: %w", partitionID, offset, err)
		}
		logger.Debug().Int64("offset", offset+1).Msg("Partition reader resumed.")
	} else {
		at := start.EnqueuedTime
		if at.IsZero() {
			at = time.Now()
		}
		if err := reader.SetOffsetAt(ctx, at); err != nil {
			_ = reader.Close()
			return nil, fmt.Errorf("failed to seek partition %s to %s: %w", partitionID, at.Format(time.RFC3339), err)
		}
		logger.Debug().Time("enqueued_time", at).Msg("Partition reader opened.")
	}

	return &kafkaReader{partitionID: partitionID, reader: reader, logger: logger}, nil
}

// Close implements Broker. Readers own their connections, so there is nothing shared to release.
func (b *KafkaBroker) Close() error { return nil }

type kafkaReader struct {
	partitionID string
	reader      *kafka.Reader
	logger      zerolog.Logger
	closeOnce   sync.Once
}

func (r *kafkaReader) Pull(ctx context.Context, pollTimeout time.Duration) ([]types.RawMessage, error) {
	pullCtx := ctx
	if pollTimeout > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, pollTimeout)
		defer cancel()
	}
	msg, err := r.reader.FetchMessage(pullCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return []types.RawMessage{FromKafkaMessage(r.partitionID, msg)}, nil
}

func (r *kafkaReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.reader.Close()
		r.logger.Debug().Msg("Partition reader closed.")
	})
	return err
}

// FromKafkaMessage maps a Kafka record to a RawMessage. Hub system properties and broker
// annotations arrive as headers; they are told apart from application properties by prefix.
func FromKafkaMessage(partitionID string, msg kafka.Message) types.RawMessage {
	raw := types.RawMessage{
		PartitionID:    partitionID,
		SequenceNumber: msg.Offset,
		Offset:         strconv.FormatInt(msg.Offset, 10),
		EnqueuedTime:   msg.Time.UTC(),
		Annotations: map[string]any{
			"x-opt-sequence-number": msg.Offset,
			"x-opt-offset":          strconv.FormatInt(msg.Offset, 10),
			"x-opt-enqueued-time":   msg.Time.UTC(),
		},
		Properties: map[string]any{},
		Body:       msg.Value,
	}
	if len(msg.Key) > 0 {
		raw.Annotations["x-opt-partition-key"] = string(msg.Key)
	}
	for _, h := range msg.Headers {
		value := string(h.Value)
		switch {
		case h.Key == "content-type":
			raw.ContentType = value
			raw.Annotations[h.Key] = value
		case h.Key == "content-encoding":
			raw.ContentEncoding = value
			raw.Annotations[h.Key] = value
		case isAnnotationKey(h.Key):
			raw.Annotations[h.Key] = value
		default:
			raw.Properties[h.Key] = value
		}
	}
	return raw
}

var annotationPrefixes = []string{"iothub-", "x-opt-", "dt-"}

func isAnnotationKey(key string) bool {
	if key == types.AnnotationMessageID || key == "correlation-id" || key == "user-id" {
		return true
	}
	for _, p := range annotationPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
