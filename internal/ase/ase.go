// SPDX-License-Identifier: MIT

// Package ase models a single Audio Stream Endpoint: the peer-side unit of
// stream control exposed by the Audio Stream Control Service (ASCS).
//
// An ASE is owned by exactly one device (see internal/device) for its
// lifetime; only its state, CIS assignment, data-path state and codec/QoS
// parameters change as the group state machine drives it through the ASCS
// transition grammar.
package ase

import "fmt"

// Direction discriminates Sink (host-to-peer) from Source (peer-to-host)
// ASEs. Sink/Source behavior differences (notably the absence of a
// Disabling state for Sink ASEs) are encoded as a tagged-variant
// discriminator here rather than as subclass dispatch.
type Direction int

const (
	DirectionSink Direction = iota
	DirectionSource
)

func (d Direction) String() string {
	switch d {
	case DirectionSink:
		return "sink"
	case DirectionSource:
		return "source"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// State is the ASE state machine position, per ASCS 1.0.
type State int

const (
	StateIdle State = iota
	StateCodecConfigured
	StateQosConfigured
	StateEnabling
	StateStreaming
	StateDisabling
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCodecConfigured:
		return "codec_configured"
	case StateQosConfigured:
		return "qos_configured"
	case StateEnabling:
		return "enabling"
	case StateStreaming:
		return "streaming"
	case StateDisabling:
		return "disabling"
	case StateReleasing:
		return "releasing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// rank gives the lattice order used to compute Group.State as the join
// (minimum) of its active ASEs' states (Group invariant).
func (s State) rank() int { return int(s) }

// Min returns the lower of two states in transition-grammar order.
func Min(a, b State) State {
	if a.rank() < b.rank() {
		return a
	}
	return b
}

// CISState tracks the Connected Isochronous Stream half owned by this ASE.
type CISState int

const (
	CISIdle CISState = iota
	CISAssigned
	CISConnecting
	CISConnected
	CISDisconnecting
)

func (s CISState) String() string {
	switch s {
	case CISIdle:
		return "idle"
	case CISAssigned:
		return "assigned"
	case CISConnecting:
		return "connecting"
	case CISConnected:
		return "connected"
	case CISDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("cis_state(%d)", int(s))
	}
}

// DataPathState tracks the controller-side ISO data path for this ASE.
type DataPathState int

const (
	DataPathIdle DataPathState = iota
	DataPathConfiguring
	DataPathConfigured
	DataPathRemoving
)

func (s DataPathState) String() string {
	switch s {
	case DataPathIdle:
		return "idle"
	case DataPathConfiguring:
		return "configuring"
	case DataPathConfigured:
		return "configured"
	case DataPathRemoving:
		return "removing"
	default:
		return fmt.Sprintf("data_path_state(%d)", int(s))
	}
}

// InvalidCisID marks a CIS id/handle not yet assigned.
const InvalidCisID = 0xFF

// InvalidConnHandle marks a CIS connection handle not yet assigned.
const InvalidConnHandle = 0xFFFF

// QoS carries the QoS parameters associated with an ASE, either as the
// peer's preferences (recorded from a CodecConfigured notification) or as
// the values actually configured via Config QoS.
type QoS struct {
	Framing bool
	PreferredPHY uint8
	PreferredRetransNb uint8
	MaxTransportLatencyMs uint16
	PresentationDelayMinUs uint32
	PresentationDelayMaxUs uint32
	MaxSduSize uint16
	SduIntervalUs uint32
	RetransNb uint8
}

// AutonomousTimer tracks an in-flight watchdog guarding a peer-initiated
// transition that did not match Group.TargetState ("Autonomous
// remote transitions"). Cancel is nil when no timer is armed.
type AutonomousTimer struct {
	TargetState State
	Cancel func()
}

// ASE is the per-endpoint record: one Audio Stream Endpoint, its ASE
// state, its CIS half, and its data path.
type ASE struct {
	ID uint8 // peer-assigned id, 1..255; 0 before first discovery response
	Direction Direction

	State State
	CISState CISState
	DataPathState DataPathState

	CodecID uint8
	CodecConfig []byte // raw LTV blob, see internal/codec
	Metadata []byte

	TargetLatency uint8 // Config Codec target_latency
	TargetPHY uint8

	QoS QoS

	CisID uint8
	CisConnHandle uint16

	Active bool

	Autonomous *AutonomousTimer
}

// New returns an ASE in its pre-discovery Idle state.
func New(id uint8, dir Direction) *ASE {
	return &ASE{
		ID: id,
		Direction: dir,
		State: StateIdle,
		CISState: CISIdle,
		DataPathState: DataPathIdle,
		CisID: InvalidCisID,
		CisConnHandle: InvalidConnHandle,
	}
}

// HasDisablingState reports whether this ASE's direction passes through a
// Disabling state on Disable, per the transition grammar:
// Source ASEs disable via Disabling→Receiver Stop Ready→QosConfigured;
// Sink ASEs disable directly to QosConfigured.
func (a *ASE) HasDisablingState() bool {
	return a.Direction == DirectionSource
}

// CheckInvariants validates the per-ASE invariants on the current snapshot:
//
//	ASE.state ∈ {Enabling, Streaming, Disabling} ⇒ a CIS id is assigned
//	(ASE.state = Streaming) ⇒ CIS.state = Connected ∧ DataPath.state = Configured
//
// The order of data-path moves is not checked.
func (a *ASE) CheckInvariants() error {
	if a.State == StateStreaming || a.State == StateEnabling || a.State == StateDisabling {
		if a.CisID == InvalidCisID {
			return fmt.Errorf("ase %d: state %s requires an assigned cis id", a.ID, a.State)
		}
	}
	if a.State == StateStreaming {
		if a.CISState != CISConnected {
			return fmt.Errorf("ase %d: streaming requires CIS connected, got %s", a.ID, a.CISState)
		}
		if a.DataPathState != DataPathConfigured {
			return fmt.Errorf("ase %d: streaming requires data path configured, got %s", a.ID, a.DataPathState)
		}
	}
	return nil
}

// RecordPeerQoS tightens (never relaxes) the peer-preferred QoS observed in
// a CodecConfigured notification body, per "Config Codec
// pipeline": "record the peer's preferred QoS parameters (only tightening,
// never relaxing past what the peer will accept)".
func (a *ASE) RecordPeerQoS(observed QoS) {
	if a.QoS.MaxTransportLatencyMs == 0 || observed.MaxTransportLatencyMs < a.QoS.MaxTransportLatencyMs {
		a.QoS.MaxTransportLatencyMs = observed.MaxTransportLatencyMs
	}
	if observed.PresentationDelayMinUs > a.QoS.PresentationDelayMinUs {
		a.QoS.PresentationDelayMinUs = observed.PresentationDelayMinUs
	}
	if a.QoS.PresentationDelayMaxUs == 0 || observed.PresentationDelayMaxUs < a.QoS.PresentationDelayMaxUs {
		a.QoS.PresentationDelayMaxUs = observed.PresentationDelayMaxUs
	}
	a.QoS.PreferredPHY = observed.PreferredPHY
	if observed.PreferredRetransNb != 0 {
		a.QoS.PreferredRetransNb = observed.PreferredRetransNb
	}
	a.QoS.Framing = observed.Framing
}

// Reset returns the ASE to Idle and clears transient assignment, mirroring
// the "Released (no caching)" transition.
func (a *ASE) Reset() {
	a.State = StateIdle
	a.CISState = CISIdle
	a.DataPathState = DataPathIdle
	a.CisID = InvalidCisID
	a.CisConnHandle = InvalidConnHandle
	a.Active = false
	a.Autonomous = nil
	a.CodecConfig = nil
	a.Metadata = nil
}
