package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StopReason records why a session left RUNNING.
type StopReason string

const (
	StopNone      StopReason = ""
	StopTimeout   StopReason = "timeout"
	StopCancelled StopReason = "cancelled"
	StopMatched   StopReason = "matched"
	StopExhausted StopReason = "exhausted"
	StopSinkError StopReason = "sink error"
)

// Stats is the summary of a session. It is always returned, including on fatal errors.
type Stats struct {
	SessionID string
	State     State
	Reason    StopReason
	// Seed is the effective fault injection seed, so a run can be reproduced.
	Seed       int64
	Partitions int

	MessagesReceived    int64
	MessagesFilteredOut int64
	MessagesCorrupt     int64
	MessagesUndecodable int64
	Errors              []types.PartitionError

	StartedAt time.Time
	Duration  time.Duration
}

// recorder accumulates stats from the controller and every partition worker.
type recorder struct {
	received    atomic.Int64
	filteredOut atomic.Int64
	corrupt     atomic.Int64
	undecodable atomic.Int64

	mu     sync.Mutex
	errors []types.PartitionError
}

func (r *recorder) recordError(partitionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, types.PartitionError{PartitionID: partitionID, Err: err})
}

func (r *recorder) fill(s *Stats) {
	s.MessagesReceived = r.received.Load()
	s.MessagesFilteredOut = r.filteredOut.Load()
	s.MessagesCorrupt = r.corrupt.Load()
	s.MessagesUndecodable = r.undecodable.Load()
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Errors = append([]types.PartitionError(nil), r.errors...)
}
