package broker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// MemoryPartition scripts the behaviour of one partition of a MemoryBroker.
type MemoryPartition struct {
	ID       string
	Messages []types.RawMessage
	// OpenErr is returned by every Open of this partition.
	OpenErr error
	// FailAt lists message indexes at which Pull fails once with StreamErr before delivering
	// that message.
	FailAt    []int
	StreamErr error
	// KeepOpen makes an exhausted partition behave as a live one: Pull waits out the poll
	// timeout instead of returning io.EOF.
	KeepOpen bool
	// Delay is slept before every Pull.
	Delay time.Duration
	// BatchSize caps the number of messages per Pull. Defaults to 10.
	BatchSize int

	fired map[int]bool
}

// MemoryBroker is a thread-safe, in-memory Broker. It is intended for tests.
type MemoryBroker struct {
	// PartitionsErr is returned by Partitions when set.
	PartitionsErr error

	mu         sync.Mutex
	order      []string
	partitions map[string]*MemoryPartition
	opens      map[string]int
	closes     map[string]int
	starts     map[string][]StartPosition
	closed     bool
}

// NewMemoryBroker creates a broker from scripted partitions. Messages missing a partition id,
// sequence number or offset are stamped from their position.
func NewMemoryBroker(partitions ...*MemoryPartition) *MemoryBroker {
	b := &MemoryBroker{
		partitions: make(map[string]*MemoryPartition),
		opens:      make(map[string]int),
		closes:     make(map[string]int),
		starts:     make(map[string][]StartPosition),
	}
	for _, p := range partitions {
		b.order = append(b.order, p.ID)
		p.fired = make(map[int]bool)
		for i := range p.Messages {
			b.stamp(p, i)
		}
		b.partitions[p.ID] = p
	}
	return b
}

func (b *MemoryBroker) stamp(p *MemoryPartition, i int) {
	m := &p.Messages[i]
	m.PartitionID = p.ID
	if m.SequenceNumber == 0 {
		m.SequenceNumber = int64(i)
	}
	if m.Offset == "" {
		m.Offset = strconv.Itoa(i)
	}
}

// Append adds messages to the tail of a partition.
func (b *MemoryBroker) Append(partitionID string, msgs ...types.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[partitionID]
	if !ok {
		return fmt.Errorf("partition %s does not exist", partitionID)
	}
	for _, m := range msgs {
		p.Messages = append(p.Messages, m)
		b.stamp(p, len(p.Messages)-1)
	}
	return nil
}

// Partitions implements Broker.
func (b *MemoryBroker) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.PartitionsErr != nil {
		return nil, b.PartitionsErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, len(b.order))
	copy(ids, b.order)
	return ids, nil
}

// Open implements Broker.
func (b *MemoryBroker) Open(ctx context.Context, partitionID, consumerGroup string, start StartPosition) (PartitionReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	p, ok := b.partitions[partitionID]
	if !ok {
		return nil, fmt.Errorf("partition %s does not exist", partitionID)
	}
	b.opens[partitionID]++
	b.starts[partitionID] = append(b.starts[partitionID], start)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &memoryReader{broker: b, partition: p, pos: b.seek(p, start)}, nil
}

func (b *MemoryBroker) seek(p *MemoryPartition, start StartPosition) int {
	if start.AfterOffset != "" {
		for i, m := range p.Messages {
			if m.Offset == start.AfterOffset {
				return i + 1
			}
		}
	}
	if start.EnqueuedTime.IsZero() {
		return 0
	}
	for i, m := range p.Messages {
		if !m.EnqueuedTime.Before(start.EnqueuedTime) {
			return i
		}
	}
	return len(p.Messages)
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// OpenCount returns how many times a partition was opened.
func (b *MemoryBroker) OpenCount(partitionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[partitionID]
}

// CloseCount returns how many readers of a partition were closed.
func (b *MemoryBroker) CloseCount(partitionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes[partitionID]
}

// StartPositions returns the positions a partition was opened with, in order.
func (b *MemoryBroker) StartPositions(partitionID string) []StartPosition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StartPosition, len(b.starts[partitionID]))
	copy(out, b.starts[partitionID])
	return out
}

type memoryReader struct {
	broker    *MemoryBroker
	partition *MemoryPartition
	pos       int
	closeOnce sync.Once
	closed    bool
}

func (r *memoryReader) Pull(ctx context.Context, pollTimeout time.Duration) ([]types.RawMessage, error) {
	if d := r.partition.Delay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.broker.mu.Lock()
	if r.closed {
		r.broker.mu.Unlock()
		return nil, fmt.Errorf("reader for partition %s is closed", r.partition.ID)
	}
	p := r.partition
	for _, idx := range p.FailAt {
		if idx == r.pos && !p.fired[idx] {
			p.fired[idx] = true
			r.broker.mu.Unlock()
			err := p.StreamErr
			if err == nil {
				err = fmt.Errorf("link detached")
			}
			return nil, err
		}
	}

	if r.pos < len(p.Messages) {
		batch := p.BatchSize
		if batch <= 0 {
			batch = 10
		}
		end := r.pos + batch
		if end > len(p.Messages) {
			end = len(p.Messages)
		}
		// Stop short of the next scripted failure.
		for _, idx := range p.FailAt {
			if idx > r.pos && idx < end && !p.fired[idx] {
				end = idx
			}
		}
		out := make([]types.RawMessage, end-r.pos)
		copy(out, p.Messages[r.pos:end])
		r.pos = end
		r.broker.mu.Unlock()
		return out, nil
	}
	keepOpen := p.KeepOpen
	r.broker.mu.Unlock()

	if !keepOpen {
		return nil, io.EOF
	}
	if pollTimeout <= 0 {
		pollTimeout = 100 * time.Millisecond
	}
	select {
	case <-time.After(pollTimeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *memoryReader) Close() error {
	r.closeOnce.Do(func() {
		r.broker.mu.Lock()
		defer r.broker.mu.Unlock()
		r.closed = true
		r.broker.closes[r.partition.ID]++
	})
	return nil
}
