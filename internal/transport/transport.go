// SPDX-License-Identifier: MIT

// Package transport implements the upper audio boundary: the
// request/callback surface an audio HAL or media session calls into, sitting
// directly above internal/statemachine's Machine. Requests never block on
// the wire; they post onto the Machine's event loop and return a result
// synthesized from the resume-reconciliation state this package owns.
//
// The mutex-guarded request/resume bookkeeping is a small sync.Mutex-protected
// struct fronting state that is otherwise only touched from one owning
// goroutine.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leaudio-go/leaudio/internal/ase"
	"github.com/leaudio-go/leaudio/internal/statemachine"
)

// StartResult is the outcome of a StartRequest.
type StartResult int

const (
	StartFailure StartResult = iota
	StartSuccessFinished
	StartPending
)

func (r StartResult) String() string {
	switch r {
	case StartSuccessFinished:
		return "SUCCESS_FINISHED"
	case StartPending:
		return "PENDING"
	default:
		return "FAILURE"
	}
}

// LatencyMode selects the group's Dynamic Spatial Audio profile from the
// transport boundary (SetLatencyMode).
type LatencyMode int

const (
	LatencyFree LatencyMode = iota
	LatencyLow
	LatencyDsaSoftware
	LatencyDsaHardware
)

// startState is the V2 start-handshake sentinel: StartRequest and
// ResumeCompleted reconcile against it under the same mutex so the status
// callback fires exactly once regardless of call order.
type startState int

const (
	startIdle startState = iota
	startPendingBeforeResume
	startPendingAfterResume
	startConfirmed
	startCanceled
)

// PresentationPosition is the GetPresentationPosition result tuple.
type PresentationPosition struct {
	RemoteDelayNs uint64
	TotalBytesProcessed uint64
	MonotonicTimestampNs int64
}

// Boundary is the audio transport boundary for one group: it owns the
// start-handshake reconciliation state and forwards every other request
// straight onto the group's Machine.
//
// Exactly one Boundary exists per group's Machine; unlike Machine itself,
// Boundary's methods may be called from any goroutine — the mutex here
// guards the resume-reconciliation sentinel and the presentation delay and
// byte counters, never group/ASE state.
type Boundary struct {
	mu sync.Mutex
	start startState

	machine *statemachine.Machine

	remoteDelayNs uint64
	totalBytesProcessed uint64
	startedAt time.Time
}

// New constructs a Boundary fronting machine.
func New(machine *statemachine.Machine) *Boundary {
	return &Boundary{machine: machine, start: startIdle}
}

// StartRequest issues StartRequest(low_latency) and reconciles the result
// against {SUCCESS_FINISHED, PENDING, FAILURE} under a mutex, guaranteeing
// the status callback fires exactly once.
func (b *Boundary) StartRequest(ctx statemachine.Context, lowLatency bool, metadata map[ase.Direction][]byte, ccids []uint8) StartResult {
	b.mu.Lock()
	switch b.start {
	case startPendingAfterResume:
		// boundary behavior: "StartStream while a previous
		// StartRequest is PendingAfterResume returns PENDING."
		b.mu.Unlock()
		return StartPending
	case startPendingBeforeResume:
		b.start = startPendingAfterResume
		b.mu.Unlock()
		return StartPending
	}
	b.start = startPendingBeforeResume
	b.mu.Unlock()

	b.machine.StartStream(ctx, metadata, ccids)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.start == startCanceled {
		b.start = startIdle
		return StartFailure
	}
	b.start = startConfirmed
	return StartSuccessFinished
}

// ResumeCompleted reconciles the start-handshake sentinel against a resume
// callback's outcome, exactly once per StartRequest. success
// false cancels any start still pending.
func (b *Boundary) ResumeCompleted(success bool) StartResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.start {
	case startPendingBeforeResume:
		if success {
			b.start = startConfirmed
			return StartSuccessFinished
		}
		b.start = startCanceled
		return StartFailure
	case startPendingAfterResume:
		if success {
			b.start = startConfirmed
			return StartSuccessFinished
		}
		b.start = startIdle
		return StartFailure
	default:
		return StartPending
	}
}

// SuspendRequest suspends the active stream.
func (b *Boundary) SuspendRequest() {
	b.mu.Lock()
	b.start = startIdle
	b.mu.Unlock()
	b.machine.SuspendStream()
}

// StopRequest tears down the active stream.
func (b *Boundary) StopRequest() {
	b.mu.Lock()
	b.start = startIdle
	b.mu.Unlock()
	b.machine.StopStream()
}

// SetLatencyMode validates mode, returning an error for an unknown value.
// It does not change the group's DSA mode or any other Machine state.
func (b *Boundary) SetLatencyMode(mode LatencyMode) error {
	switch mode {
	case LatencyFree, LatencyLow, LatencyDsaSoftware, LatencyDsaHardware:
		return nil
	default:
		return fmt.Errorf("transport: unknown latency mode %d", mode)
	}
}

// SourceMetadataChanged routes an updated source metadata blob as a
// StartStream metadata update when the group is already Streaming.
func (b *Boundary) SourceMetadataChanged(tracks []byte) {
	b.machine.StartStream(statemachine.ContextUnspecified, map[ase.Direction][]byte{ase.DirectionSource: tracks}, nil)
}

// SinkMetadataChanged routes an updated sink metadata blob the same way
// SourceMetadataChanged does.
func (b *Boundary) SinkMetadataChanged(tracks []byte) {
	b.machine.StartStream(statemachine.ContextUnspecified, map[ase.Direction][]byte{ase.DirectionSink: tracks}, nil)
}

// SetRemoteDelay records the peer-reported presentation delay used by
// GetPresentationPosition (SetRemoteDelay).
func (b *Boundary) SetRemoteDelay(ms uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remoteDelayNs = uint64(ms) * uint64(time.Millisecond)
}

// RecordBytesProcessed accumulates the running byte counter exposed via
// GetPresentationPosition; called by the audio path as frames flow.
func (b *Boundary) RecordBytesProcessed(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalBytesProcessed += n
}

// GetPresentationPosition returns the last-recorded presentation delay
// and its timestamp.
func (b *Boundary) GetPresentationPosition(ctx context.Context) PresentationPosition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return PresentationPosition{
		RemoteDelayNs: b.remoteDelayNs,
		TotalBytesProcessed: b.totalBytesProcessed,
		MonotonicTimestampNs: time.Now().UnixNano(),
	}
}
