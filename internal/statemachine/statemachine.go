// SPDX-License-Identifier: MIT

// Package statemachine implements the group state machine core: a
// single-threaded, event-driven loop that multiplexes external commands,
// GATT notifications, controller (HCI/ISO) events and timer expiries, and
// drives a group's devices and ASEs toward its target state.
//
// The event loop's shape — a typed event union, a select over one channel
// per event source, and a dispatch step that never runs two handlers
// concurrently — external callers post onto channels the loop owns, and
// the loop itself is the only goroutine that ever touches group/device/ASE
// state, preserving the invariant that no handler runs concurrently with
// another.
package statemachine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/leaudio-go/leaudio/internal/ascs"
	"github.com/leaudio-go/leaudio/internal/ase"
	"github.com/leaudio-go/leaudio/internal/device"
	"github.com/leaudio-go/leaudio/internal/group"
	"github.com/leaudio-go/leaudio/internal/iso"
	"github.com/leaudio-go/leaudio/internal/watchdog"
)

// Context identifies the audio use-case context a stream is configured
// for ("StartStream algorithm": "Configure(context, ...)").
type Context int

const (
	ContextUnspecified Context = iota
	ContextMedia
	ContextConversational
	ContextGame
)

// StatusReport is one of the terminal/transitional statuses the audio
// transport boundary observes (StatusReportCb).
type StatusReport int

const (
	StatusIdle StatusReport = iota
	StatusConfiguredByUser
	StatusConfiguredAutonomous
	StatusSuspending
	StatusSuspended
	StatusStreaming
	StatusReleasing
)

func (s StatusReport) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusConfiguredByUser:
		return "CONFIGURED_BY_USER"
	case StatusConfiguredAutonomous:
		return "CONFIGURED_AUTONOMOUS"
	case StatusSuspending:
		return "SUSPENDING"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusStreaming:
		return "STREAMING"
	case StatusReleasing:
		return "RELEASING"
	default:
		return "UNKNOWN"
	}
}

// Callbacks is the set of upcalls the audio transport boundary (internal/transport)
// receives from the core.
type Callbacks interface {
	StatusReportCb(groupID uint32, status StatusReport)
	OnStateTransitionTimeout(groupID uint32)
	OnUpdatedCisConfiguration(groupID uint32, dir ase.Direction)
	OnDeviceAutonomousStateTransitionTimeout(deviceAddr string)
}

// GattWriter is the external GATT-client collaborator ("out of
// scope"): it delivers a control-point write to one device. Machine splits
// each payload for MTU via internal/ascs.SplitForMTU before calling it, so
// each call carries one chunk.
type GattWriter interface {
	WriteControlPoint(ctx context.Context, d *device.Device, payload []byte) error
}

// HealthRecorder records the signaling-failure health statistic
// (CTP result handling, STREAM_CREATE_SIGNALING_FAILED), generalized into
// a single counter hook so this package doesn't import internal/health
// directly.
type HealthRecorder interface {
	RecordSignalingFailure(groupID uint32)
}

// command is the tagged union of external commands from the audio
// transport boundary.
type command struct {
	kind commandKind

	ctx Context
	metadata map[ase.Direction][]byte
	ccids []uint8
}

type commandKind int

const (
	cmdAttachToStream commandKind = iota
	cmdStartStream
	cmdConfigureStream
	cmdSuspendStream
	cmdStopStream
)

// aseStatusEvent carries a decoded ASE status notification for one device.
type aseStatusEvent struct {
	deviceAddr string
	status ascs.AseStatus
}

// ctpResponseEvent carries a decoded CTP response for one device.
type ctpResponseEvent struct {
	deviceAddr string
	results []ascs.CtpResult
}

// aclDisconnectedEvent signals a device's ACL link dropped.
type aclDisconnectedEvent struct {
	deviceAddr string
}

// watchdogExpiredEvent signals the per-group transition timer fired.
type watchdogExpiredEvent struct{}

// autonomousExpiredEvent signals one ASE's autonomous-operation timer fired.
type autonomousExpiredEvent struct {
	deviceAddr string
	aseID uint8
}

// Machine is the per-group state machine core. Exactly one goroutine (the
// one running Run) ever reads or mutates group/device/ASE state; every
// other method only enqueues work onto that goroutine's inbox.
type Machine struct {
	group *group.Group
	iso *iso.Coordinator
	gatt GattWriter
	cb Callbacks
	log *slog.Logger
	health HealthRecorder

	watchdogTimer *watchdog.Timer
	autonomous map[uint8]*watchdog.AutonomousTimer

	commandCh chan command
	notifyCh chan any // aseStatusEvent | ctpResponseEvent | aclDisconnectedEvent
	watchdogCh chan watchdogExpiredEvent
	autonomousCh chan autonomousExpiredEvent

	activeContext Context
	cigRecovered bool
	signalingFailures uint64
}

// New constructs a Machine for g. iso, gatt and cb are required
// collaborators; log may be nil (logging calls are nil-safe).
func New(g *group.Group, isoCoord *iso.Coordinator, gatt GattWriter, cb Callbacks, health HealthRecorder, log *slog.Logger) *Machine {
	return &Machine{
		group: g,
		iso: isoCoord,
		gatt: gatt,
		cb: cb,
		health: health,
		log: log,
		watchdogTimer: watchdog.New(watchdog.DefaultTransitionTimeout),
		autonomous: make(map[uint8]*watchdog.AutonomousTimer),
		commandCh: make(chan command, 8),
		notifyCh: make(chan any, 64),
		watchdogCh: make(chan watchdogExpiredEvent, 1),
		autonomousCh: make(chan autonomousExpiredEvent, 8),
	}
}

func (m *Machine) logf(msg string, args ...any) {
	if m.log == nil {
		return
	}
	m.log.Info(msg, args...)
}

func (m *Machine) logError(msg string, err error, args ...any) {
	if m.log == nil {
		return
	}
	m.log.Error(msg, append([]any{"error", err}, args...)...)
}

// AttachToStream posts an AttachToStream command.
func (m *Machine) AttachToStream() { m.commandCh <- command{kind: cmdAttachToStream} }

// StartStream posts a StartStream command.
func (m *Machine) StartStream(ctx Context, metadata map[ase.Direction][]byte, ccids []uint8) {
	m.commandCh <- command{kind: cmdStartStream, ctx: ctx, metadata: metadata, ccids: ccids}
}

// ConfigureStream posts a ConfigureStream command.
func (m *Machine) ConfigureStream(ctx Context) {
	m.commandCh <- command{kind: cmdConfigureStream, ctx: ctx}
}

// SuspendStream posts a SuspendStream command.
func (m *Machine) SuspendStream() { m.commandCh <- command{kind: cmdSuspendStream} }

// StopStream posts a StopStream command.
func (m *Machine) StopStream() { m.commandCh <- command{kind: cmdStopStream} }

// NotifyAseStatus decodes and posts an ASE status notification. Decoding
// happens on the caller's goroutine; only the decoded event crosses into
// the loop.
func (m *Machine) NotifyAseStatus(deviceAddr string, pdu []byte) error {
	st, err := ascs.DecodeAseStatus(pdu)
	if err != nil {
		return err
	}
	m.notifyCh <- aseStatusEvent{deviceAddr: deviceAddr, status: st}
	return nil
}

// NotifyCtpResponse decodes and posts a control-point response.
func (m *Machine) NotifyCtpResponse(deviceAddr string, pdu []byte) error {
	results, err := ascs.DecodeCtpResponse(pdu)
	if err != nil {
		return err
	}
	m.notifyCh <- ctpResponseEvent{deviceAddr: deviceAddr, results: results}
	return nil
}

// AclDisconnected posts an ACL-disconnect event for a device.
func (m *Machine) AclDisconnected(deviceAddr string) {
	m.notifyCh <- aclDisconnectedEvent{deviceAddr: deviceAddr}
}

// armWatchdog (re-)arms the group transition timer. It is armed on every
// SetTargetState call.
func (m *Machine) armWatchdog() {
	m.watchdogTimer.Arm(func() {
		select {
		case m.watchdogCh <- watchdogExpiredEvent{}:
		default:
		}
	})
}

// disarmWatchdog cancels the group transition timer. It is disarmed on
// every transition completion, whether success or failure.
func (m *Machine) disarmWatchdog() {
	m.watchdogTimer.Disarm()
	m.group.CompleteTransition()
}

// armAutonomous schedules the autonomous-operation timer for one ASE
// undergoing a remote-initiated (autonomous) state transition.
func (m *Machine) armAutonomous(deviceAddr string, aseID uint8, targetState ase.State) {
	t := watchdog.NewAutonomous(aseID, targetState)
	t.Arm(func() {
		m.autonomousCh <- autonomousExpiredEvent{deviceAddr: deviceAddr, aseID: aseID}
	})
	m.autonomous[aseID] = t
}

// disarmAutonomous cancels the autonomous timer for one ASE, if any.
func (m *Machine) disarmAutonomous(aseID uint8) {
	if t, ok := m.autonomous[aseID]; ok {
		t.Disarm()
		delete(m.autonomous, aseID)
	}
}

// Run drives the event loop until ctx is canceled. Every event source is
// serialized onto this single goroutine.
func (m *Machine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-m.commandCh:
			m.handleCommand(cmd)

		case n := <-m.notifyCh:
			switch ev := n.(type) {
			case aseStatusEvent:
				m.handleAseStatus(ev)
			case ctpResponseEvent:
				m.handleCtpResponse(ev)
			case aclDisconnectedEvent:
				m.handleAclDisconnected(ev)
			}

		case ev := <-m.iso.Events:
			m.handleIsoEvent(ev)

		case <-m.watchdogCh:
			m.handleWatchdogExpired()

		case ev := <-m.autonomousCh:
			m.handleAutonomousExpired(ev)
		}
	}
}

// report emits a status report and keeps Group.State consistent before
// doing so, logging every state-relevant transition with structured fields.
func (m *Machine) report(status StatusReport) {
	m.group.RecomputeState()
	m.logf("group status report", "group_id", m.group.ID, "status", status.String(), "state", m.group.State.String())
	if m.cb != nil {
		m.cb.StatusReportCb(m.group.ID, status)
	}
}

func (m *Machine) recordSignalingFailure() {
	atomic.AddUint64(&m.signalingFailures, 1)
	if m.health != nil {
		m.health.RecordSignalingFailure(m.group.ID)
	}
}

// SignalingFailures returns the count of recorded signaling failures
// (test/diagnostic use).
func (m *Machine) SignalingFailures() uint64 {
	return atomic.LoadUint64(&m.signalingFailures)
}
