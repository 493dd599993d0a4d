// SPDX-License-Identifier: MIT

// Package group models an LE Audio unicast group: the ordered set of
// devices, the shared CIG descriptor, the aggregated stream configuration
// per direction, and the flags the group state machine (internal/statemachine)
// consults while driving every device's ASEs toward a target state.
package group

import (
	"fmt"

	"github.com/leaudio-go/leaudio/internal/ase"
	"github.com/leaudio-go/leaudio/internal/device"
)

// CigState is the controller-side CIG lifecycle.
type CigState int

const (
	CigNone CigState = iota
	CigCreating
	CigCreated
	CigRemoving
	CigRecovering
)

func (s CigState) String() string {
	switch s {
	case CigNone:
		return "none"
	case CigCreating:
		return "creating"
	case CigCreated:
		return "created"
	case CigRemoving:
		return "removing"
	case CigRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("cig_state(%d)", int(s))
	}
}

// CisType discriminates the three CIS shapes a group can declare.
type CisType int

const (
	CisBidirectional CisType = iota
	CisUnidirectionalSink
	CisUnidirectionalSource
)

// CisDescriptor is one CIS slot within the group's CIG.
type CisDescriptor struct {
	ID uint8
	Type CisType
	ConnHandle uint16
}

// DsaMode selects a Dynamic Spatial Audio latency/QoS profile (DSA).
type DsaMode int

const (
	DsaFree DsaMode = iota
	DsaIsoSW
	DsaIsoHW
)

// Dsa tracks the group's Dynamic Spatial Audio state.
type Dsa struct {
	Mode DsaMode
	Active bool
}

// ChannelAlloc is one CIS's contribution to a direction's stream
// configuration (Group, "Stream configuration (per direction)").
type ChannelAlloc struct {
	CisConnHandle uint16
	Allocation uint32
}

// StreamConfig is the aggregated, per-direction audio configuration built up
// as ASEs enter Configured data-path state ("Stream configuration
// aggregation").
type StreamConfig struct {
	CodecID uint8
	SampleFrequencyHz uint32
	FrameDurationUs uint32
	OctetsPerCodecFrame uint16
	CodecFramesBlocksPerSdu uint8
	ChannelAllocation uint32
	Allocations []ChannelAlloc
	DeviceCount int
	ChannelCount int
}

// merge folds one ASE's configuration into the direction's aggregate,
// asserting the fields that must match across every contributing ASE
// ("assert on mismatch — indicates a bug upstream").
func (sc *StreamConfig) merge(cisConnHandle uint16, alloc uint32, codecID uint8, sampleFreq, frameDur uint32, octets uint16, blocks uint8) error {
	if len(sc.Allocations) == 0 {
		sc.CodecID = codecID
		sc.SampleFrequencyHz = sampleFreq
		sc.FrameDurationUs = frameDur
		sc.OctetsPerCodecFrame = octets
		sc.CodecFramesBlocksPerSdu = blocks
	} else {
		if sc.SampleFrequencyHz != sampleFreq || sc.FrameDurationUs != frameDur ||
			sc.OctetsPerCodecFrame != octets || sc.CodecFramesBlocksPerSdu != blocks {
			return fmt.Errorf("stream configuration mismatch across ASEs: have {%d %d %d %d}, got {%d %d %d %d}",
				sc.SampleFrequencyHz, sc.FrameDurationUs, sc.OctetsPerCodecFrame, sc.CodecFramesBlocksPerSdu,
				sampleFreq, frameDur, octets, blocks)
		}
	}
	sc.ChannelAllocation |= alloc
	sc.Allocations = append(sc.Allocations, ChannelAlloc{CisConnHandle: cisConnHandle, Allocation: alloc})
	return nil
}

// Group is the in-memory record of an attached unicast group.
type Group struct {
	ID uint32

	devices []*device.Device

	State ase.State
	TargetState ase.State

	CigID uint8
	CigState CigState
	CisDescs []CisDescriptor

	Sink StreamConfig
	Source StreamConfig

	PendingConfiguration bool
	PendingAvailableContextsChange bool
	PendingStreamingNotify bool // "notify_streaming_when_cises_are_ready"

	AsymmetricPhyForUnidirectionalCisSupported bool

	// CisMaxRetries overrides device.MaxCisRetries for every device added
	// to this group; zero means use device.New's default.
	CisMaxRetries int

	Dsa Dsa

	transitioning bool
}

// New creates an empty group in Idle state with no CIG.
func New(id uint32) *Group {
	return &Group{
		ID: id,
		State: ase.StateIdle,
		TargetState: ase.StateIdle,
		CigState: CigNone,
	}
}

// AddDevice attaches a device to the group, applying the group's configured
// CIS retry budget if one is set.
func (g *Group) AddDevice(d *device.Device) {
	if g.CisMaxRetries > 0 {
		d.SetMaxCisRetries(g.CisMaxRetries)
	}
	g.devices = append(g.devices, d)
}

// RemoveDevice detaches a device (e.g. on unbond). Group destruction when
// empty is the caller's responsibility ("Lifecycle").
func (g *Group) RemoveDevice(address string) {
	for i, d := range g.devices {
		if d.Address == address {
			g.devices = append(g.devices[:i], g.devices[i+1:]...)
			return
		}
	}
}

// Devices returns the group's devices in attach order — ordering other
// components (internal/statemachine's broadcast loops) rely on.
func (g *Group) Devices() []*device.Device {
	return g.devices
}

// DeviceByAddress looks up a device by address.
func (g *Group) DeviceByAddress(addr string) *device.Device {
	for _, d := range g.devices {
		if d.Address == addr {
			return d
		}
	}
	return nil
}

// DeviceByConnHandle finds the device owning the ASE assigned to cisConnHandle.
func (g *Group) DeviceByConnHandle(cisConnHandle uint16) (*device.Device, *ase.ASE) {
	for _, d := range g.devices {
		for _, a := range d.ASEs() {
			if a.CisConnHandle == cisConnHandle {
				return d, a
			}
		}
	}
	return nil, nil
}

// IsEmpty reports whether the group has no devices left ("Lifecycle":
// "Group is destroyed when empty").
func (g *Group) IsEmpty() bool {
	return len(g.devices) == 0
}

// IsTransitioning reports whether a target-state change is in flight (a
// watchdog should be armed).
func (g *Group) IsTransitioning() bool {
	return g.transitioning
}

// SetTargetState updates the group's target and marks it transitioning; the
// caller (internal/statemachine, via internal/watchdog) is responsible for
// arming the bounded timer on every call.
func (g *Group) SetTargetState(s ase.State) {
	g.TargetState = s
	g.transitioning = true
}

// CompleteTransition clears the transitioning flag once a terminal state
// (success or failure) for the current target has been reached.
func (g *Group) CompleteTransition() {
	g.transitioning = false
}

// RecomputeState sets Group.State to the lattice-min of every active ASE's
// state across every device: Group.state is the join (lattice-min) of its
// active ASE states. A group with no active ASEs is Idle.
func (g *Group) RecomputeState() {
	first := true
	min := ase.StateIdle
	for _, d := range g.devices {
		for _, a := range d.ActiveASEs() {
			if first {
				min = a.State
				first = false
				continue
			}
			min = ase.Min(min, a.State)
		}
	}
	if first {
		g.State = ase.StateIdle
		return
	}
	g.State = min
}

// AllActiveStreaming reports whether every active ASE of every active device
// has reached Streaming.
func (g *Group) AllActiveStreaming() bool {
	any := false
	for _, d := range g.devices {
		active := d.ActiveASEs()
		if len(active) == 0 {
			continue
		}
		any = true
		for _, a := range active {
			if a.State != ase.StateStreaming {
				return false
			}
		}
	}
	return any
}

// AllCisConnectedAndDataPathConfigured reports whether every active ASE's
// CIS is Connected and its data path Configured — the second half of the
// Streaming-entry condition ("Streaming entry").
func (g *Group) AllCisConnectedAndDataPathConfigured() bool {
	any := false
	for _, d := range g.devices {
		for _, a := range d.ActiveASEs() {
			any = true
			if a.CISState != ase.CISConnected || a.DataPathState != ase.DataPathConfigured {
				return false
			}
		}
	}
	return any
}

// AllActiveInState reports whether every active ASE of every device is in
// state s (used for the CodecConfigured/Enabling aggregation checks).
func (g *Group) AllActiveInState(s ase.State) bool {
	any := false
	for _, d := range g.devices {
		active := d.ActiveASEs()
		if len(active) == 0 {
			continue
		}
		for _, a := range active {
			any = true
			if a.State != s {
				return false
			}
		}
	}
	return any
}

// AllActiveInAnyState reports whether every active ASE of every device is in
// one of states. Used where directions acknowledge the same opcode into
// different states, e.g. Disable sends Sink ASEs straight to QosConfigured
// but Source ASEs to Disabling.
func (g *Group) AllActiveInAnyState(states ...ase.State) bool {
	any := false
	for _, d := range g.devices {
		active := d.ActiveASEs()
		if len(active) == 0 {
			continue
		}
		for _, a := range active {
			any = true
			matched := false
			for _, s := range states {
				if a.State == s {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}
	return any
}

// AllCisDisconnected reports whether every active ASE's CIS half is Idle.
func (g *Group) AllCisDisconnected() bool {
	for _, d := range g.devices {
		for _, a := range d.ActiveASEs() {
			if a.CISState != ase.CISIdle {
				return false
			}
		}
	}
	return true
}

// ResetStreamConfig clears both directions' aggregated configuration, called
// at the start of a fresh Configure (ConfigureStream/StartStream).
func (g *Group) ResetStreamConfig() {
	g.Sink = StreamConfig{}
	g.Source = StreamConfig{}
}

// MergeStreamConfig folds one ASE's data-path configuration into the
// appropriate direction's aggregate.
func (g *Group) MergeStreamConfig(dir ase.Direction, cisConnHandle uint16, alloc uint32, codecID uint8, sampleFreq, frameDur uint32, octets uint16, blocks uint8) error {
	if dir == ase.DirectionSink {
		return g.Sink.merge(cisConnHandle, alloc, codecID, sampleFreq, frameDur, octets, blocks)
	}
	return g.Source.merge(cisConnHandle, alloc, codecID, sampleFreq, frameDur, octets, blocks)
}

// CheckInvariants validates the group-level invariant
//
//	Group.state = Streaming ⇒ every active ASE.state = Streaming
//
// and then each ASE's own CheckInvariants. CIG state is not checked.
func (g *Group) CheckInvariants() error {
	if g.State == ase.StateStreaming && !g.AllActiveStreaming() {
		return fmt.Errorf("group %d: state Streaming but not all active ASEs are streaming", g.ID)
	}
	for _, d := range g.devices {
		for _, a := range d.ASEs() {
			if err := a.CheckInvariants(); err != nil {
				return fmt.Errorf("group %d: %w", g.ID, err)
			}
		}
	}
	return nil
}
