// Package monitor runs a telemetry monitoring session: it resolves the target, consumes every
// partition concurrently and streams decoded, filtered and optionally validated records to a sink
// until a timeout, cancellation or a matching record ends the session.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iotmonitor/pkg/broker"
	"github.com/illmade-knight/go-iotmonitor/pkg/decode"
	"github.com/illmade-knight/go-iotmonitor/pkg/target"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
	"github.com/illmade-knight/go-iotmonitor/pkg/validate"
)

// Sink receives every record that passes the device filter. A sink error ends the session.
type Sink func(res types.ValidationResult) error

// StopWhen ends the session after the first record it returns true for.
type StopWhen func(res types.ValidationResult) bool

// Dialer connects to the broker of a resolved target.
type Dialer func(ctx context.Context, t types.ConnectionTarget) (broker.Broker, error)

// BrokerDialer always returns b.
func BrokerDialer(b broker.Broker) Dialer {
	return func(context.Context, types.ConnectionTarget) (broker.Broker, error) { return b, nil }
}

// Session is a single monitoring invocation. It holds no state shared with other sessions and
// Run may be called once.
type Session struct {
	id       string
	resolver target.Resolver
	dial     Dialer
	cfg      types.ConsumerConfig
	source   validate.SchemaSource
	logger   zerolog.Logger
	now      func() time.Time

	state atomic.Int32
	ran   atomic.Bool
}

// NewSession creates a session in INIT. source may be nil when no schema is declared.
func NewSession(resolver target.Resolver, dial Dialer, cfg types.ConsumerConfig, source validate.SchemaSource, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		resolver: resolver,
		dial:     dial,
		cfg:      cfg,
		source:   source,
		logger:   logger.With().Str("component", "Session").Str("session_id", id).Logger(),
		now:      time.Now,
	}
}

// ID returns the session id used in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug().Str("state", st.String()).Msg("Session state changed.")
}

// Run executes the session. Stats are always returned. The error is non-nil only for fatal
// failures (configuration, target resolution, no partitions) and for sink errors; a timeout,
// cancellation or match ends the session normally.
func (s *Session) Run(ctx context.Context, sink Sink, stop StopWhen) (Stats, error) {
	stats := Stats{SessionID: s.id, StartedAt: s.now()}
	rec := &recorder{}
	finish := func(reason StopReason, err error) (Stats, error) {
		s.setState(StateDone)
		stats.State = StateDone
		stats.Reason = reason
		stats.Duration = s.now().Sub(stats.StartedAt)
		rec.fill(&stats)
		return stats, err
	}

	if !s.ran.CompareAndSwap(false, true) {
		return stats, fmt.Errorf("session %s has already run", s.id)
	}
	s.setState(StateInit)

	// INIT
	if err := s.cfg.Check(); err != nil {
		return finish(StopNone, err)
	}
	if s.resolver == nil || s.dial == nil {
		return finish(StopNone, &types.ConfigurationError{Field: "target", Reason: "a resolver and a dialer are required"})
	}
	tgt, err := s.resolver.Resolve(ctx)
	if err != nil {
		return finish(StopNone, err)
	}
	b, err := s.dial(ctx, tgt)
	if err != nil {
		return finish(StopNone, &types.NoPartitionsAvailableError{
			Errors: []types.PartitionError{{Err: fmt.Errorf("failed to connect to %s: %w", tgt.Host, err)}},
		})
	}
	defer func() {
		if err := b.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing broker.")
		}
	}()

	cfg := s.cfg
	if cfg.Seed == 0 {
		cfg.Seed = stats.StartedAt.UnixNano()
	}
	stats.Seed = cfg.Seed
	start := cfg.EnqueuedTime
	if start.IsZero() {
		start = stats.StartedAt
	}

	var validator *validate.Validator
	if cfg.Validate || cfg.SimulateErrors {
		validator = validate.New(validate.ConfigFrom(cfg), s.source, s.logger)
	}

	p := newPool(b, cfg, start, decode.New(cfg.Properties), rec, s.logger)
	if err := p.Start(ctx); err != nil {
		s.logger.Error().Err(err).Msg("No partitions available.")
		return finish(StopNone, err)
	}
	stats.Partitions = p.Opened()

	// RUNNING
	s.setState(StateRunning)
	s.logger.Info().Str("host", tgt.Host).Str("entity_path", tgt.EntityPath).Str("device_filter", cfg.DeviceFilter).
		Dur("timeout", cfg.Timeout).Bool("validate", cfg.Validate).Int64("seed", cfg.Seed).Msg("Monitoring started.")

	var deadline time.Time
	var timeout <-chan time.Time
	if cfg.Timeout > 0 {
		deadline = stats.StartedAt.Add(cfg.Timeout)
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	reason, runErr := s.loop(ctx, p, validator, rec, deadline, timeout, sink, stop)

	// DRAINING
	s.setState(StateDraining)
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod)
	defer cancel()
	if err := p.Stop(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Partitions did not stop within the grace period.")
	}

	out, err := finish(reason, runErr)
	s.logger.Info().Str("reason", string(reason)).Int64("received", out.MessagesReceived).
		Int64("filtered_out", out.MessagesFilteredOut).Int64("corrupt", out.MessagesCorrupt).
		Int("errors", len(out.Errors)).Dur("duration", out.Duration).Msg("Monitoring finished.")
	return out, err
}

func (s *Session) loop(
	ctx context.Context,
	p *pool,
	validator *validate.Validator,
	rec *recorder,
	deadline time.Time,
	timeout <-chan time.Time,
	sink Sink,
	stop StopWhen,
) (StopReason, error) {
	messages := p.Messages()
	for {
		select {
		case <-ctx.Done():
			return StopCancelled, nil
		case <-timeout:
			return StopTimeout, nil
		case r, ok := <-messages:
			if !ok {
				return StopExhausted, nil
			}
			if !deadline.IsZero() && !s.now().Before(deadline) {
				return StopTimeout, nil
			}
			if r.Undecodable {
				rec.undecodable.Add(1)
			}
			if s.cfg.DeviceFilter != "" && r.DeviceID != s.cfg.DeviceFilter {
				rec.filteredOut.Add(1)
				continue
			}

			res := types.ValidationResult{Record: r}
			if validator != nil {
				res = validator.Validate(ctx, r)
			}
			rec.received.Add(1)
			if res.Corrupt {
				rec.corrupt.Add(1)
				rec.recordError(r.OriginPartition, &types.ValidationFailure{
					DeviceID:       r.DeviceID,
					PartitionID:    r.OriginPartition,
					SequenceNumber: r.SequenceNumber,
					Reasons:        res.Reasons,
				})
			}
			if sink != nil {
				if err := sink(res); err != nil {
					return StopSinkError, fmt.Errorf("sink failed: %w", err)
				}
			}
			if stop != nil && stop(res) {
				return StopMatched, nil
			}
		}
	}
}
