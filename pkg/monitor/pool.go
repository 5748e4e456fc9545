package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iotmonitor/pkg/broker"
	"github.com/illmade-knight/go-iotmonitor/pkg/decode"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// partitionHandle is owned by exactly one worker goroutine, except for close.
type partitionHandle struct {
	id         string
	reader     broker.PartitionReader
	lastOffset string
	retried    bool

	mu     sync.Mutex
	closed bool
}

func (h *partitionHandle) swap(r broker.PartitionReader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reader = r
	h.closed = false
}

// close is best-effort and safe to call from any goroutine.
func (h *partitionHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.reader == nil {
		return nil
	}
	h.closed = true
	return h.reader.Close()
}

// pool consumes every partition of an entity concurrently and merges the decoded records onto a
// single channel. Records of one partition keep their order.
type pool struct {
	broker  broker.Broker
	cfg     types.ConsumerConfig
	start   time.Time
	decoder *decode.Decoder
	stats   *recorder
	logger  zerolog.Logger

	handles []*partitionHandle
	out     chan types.DecodedRecord
	wg      sync.WaitGroup

	cancel   context.CancelFunc
	stopOnce sync.Once
	doneChan chan struct{}
}

func newPool(b broker.Broker, cfg types.ConsumerConfig, start time.Time, decoder *decode.Decoder, stats *recorder, logger zerolog.Logger) *pool {
	return &pool{
		broker:   b,
		cfg:      cfg,
		start:    start,
		decoder:  decoder,
		stats:    stats,
		logger:   logger.With().Str("component", "PartitionPool").Logger(),
		doneChan: make(chan struct{}),
	}
}

// Messages is closed once every partition worker has exited.
func (p *pool) Messages() <-chan types.DecodedRecord {
	return p.out
}

// Done is closed once every partition worker has exited.
func (p *pool) Done() <-chan struct{} {
	return p.doneChan
}

// Start enumerates the partitions, opens a reader on each concurrently and starts one worker per
// opened partition. Open failures are recorded; if nothing opened Start fails with a
// *types.NoPartitionsAvailableError.
func (p *pool) Start(ctx context.Context) error {
	ids, err := p.broker.Partitions(ctx)
	if err != nil {
		return &types.NoPartitionsAvailableError{
			Errors: []types.PartitionError{{Err: fmt.Errorf("failed to enumerate partitions: %w", err)}},
		}
	}
	if len(ids) == 0 {
		return &types.NoPartitionsAvailableError{}
	}
	p.logger.Info().Int("partitions", len(ids)).Str("consumer_group", p.cfg.ConsumerGroup).Time("enqueued_time", p.start).
		Msg("Opening partitions...")

	startPos := broker.StartPosition{EnqueuedTime: p.start}
	handles := make([]*partitionHandle, len(ids))
	errs := make([]error, len(ids))
	var openWG sync.WaitGroup
	for i, id := range ids {
		openWG.Add(1)
		go func(i int, id string) {
			defer openWG.Done()
			r, err := p.broker.Open(ctx, id, p.cfg.ConsumerGroup, startPos)
			if err != nil {
				errs[i] = err
				return
			}
			handles[i] = &partitionHandle{id: id, reader: r}
		}(i, id)
	}
	openWG.Wait()

	var failures []types.PartitionError
	for i, id := range ids {
		if errs[i] != nil {
			p.logger.Warn().Err(errs[i]).Str("partition_id", id).Msg("Failed to open partition, skipping.")
			p.stats.recordError(id, fmt.Errorf("failed to open: %w", errs[i]))
			failures = append(failures, types.PartitionError{PartitionID: id, Err: errs[i]})
			continue
		}
		p.handles = append(p.handles, handles[i])
	}
	if len(p.handles) == 0 {
		return &types.NoPartitionsAvailableError{Attempted: len(ids), Errors: failures}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.out = make(chan types.DecodedRecord, len(p.handles))
	p.wg.Add(len(p.handles))
	for _, h := range p.handles {
		go p.worker(workerCtx, h)
	}
	go func() {
		p.wg.Wait()
		close(p.out)
		close(p.doneChan)
	}()

	p.logger.Info().Int("opened", len(p.handles)).Int("failed", len(failures)).Msg("Partition workers started.")
	return nil
}

// Opened returns the number of partitions with a running worker.
func (p *pool) Opened() int {
	return len(p.handles)
}

// Stop cancels every pull and waits for the workers until ctx expires. All readers are closed
// either way.
func (p *pool) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			close(p.doneChan)
			return
		}
		p.cancel()
		select {
		case <-p.doneChan:
			p.logger.Info().Msg("All partition workers stopped.")
		case <-ctx.Done():
			p.logger.Warn().Err(ctx.Err()).Msg("Grace period expired, abandoning in-flight reads.")
			err = ctx.Err()
		}
		for _, h := range p.handles {
			if cerr := h.close(); cerr != nil {
				p.logger.Debug().Err(cerr).Str("partition_id", h.id).Msg("Error closing partition reader.")
			}
		}
	})
	return err
}

func (p *pool) worker(ctx context.Context, h *partitionHandle) {
	defer p.wg.Done()
	defer func() { _ = h.close() }()
	log := p.logger.With().Str("partition_id", h.id).Logger()
	log.Debug().Msg("Partition worker started.")

	for {
		msgs, err := h.reader.Pull(ctx, p.cfg.PollTimeout)
		if ctx.Err() != nil {
			log.Debug().Msg("Partition worker shutting down due to context cancellation.")
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Str("last_offset", h.lastOffset).Msg("Partition ended.")
				return
			}
			if !p.reconnect(ctx, h, err, log) {
				return
			}
			continue
		}

		for _, raw := range msgs {
			rec, derr := p.decoder.Decode(raw)
			if derr != nil {
				log.Warn().Err(derr).Int64("sequence_number", raw.SequenceNumber).Msg("Payload could not be decoded, passing raw body.")
				p.stats.recordError(raw.PartitionID, derr)
			}
			select {
			case p.out <- rec:
				h.lastOffset = raw.Offset
			case <-ctx.Done():
				return
			}
		}
	}
}

// reconnect reopens a failed partition once, after a backoff delay, resuming after the last
// delivered offset. It reports whether the worker should continue.
func (p *pool) reconnect(ctx context.Context, h *partitionHandle, cause error, log zerolog.Logger) bool {
	if h.retried {
		log.Error().Err(cause).Msg("Partition failed again after reconnect, closing it.")
		p.stats.recordError(h.id, &types.PartitionStreamError{PartitionID: h.id, Permanent: true, Err: cause})
		return false
	}
	h.retried = true
	p.stats.recordError(h.id, &types.PartitionStreamError{PartitionID: h.id, Err: cause})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	delay := bo.NextBackOff()
	log.Warn().Err(cause).Dur("backoff", delay).Msg("Partition stream error, reconnecting once.")

	_ = h.close()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return false
	}

	start := broker.StartPosition{EnqueuedTime: p.start, AfterOffset: h.lastOffset}
	r, err := p.broker.Open(ctx, h.id, p.cfg.ConsumerGroup, start)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Error().Err(err).Msg("Partition reconnect failed, closing it.")
		p.stats.recordError(h.id, &types.PartitionStreamError{PartitionID: h.id, Permanent: true, Err: err})
		return false
	}
	h.swap(r)
	log.Info().Str("after_offset", h.lastOffset).Msg("Partition reconnected.")
	return true
}
