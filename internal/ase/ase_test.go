// SPDX-License-Identifier: MIT

package ase

import "testing"

func TestNewIsIdle(t *testing.T) {
	a := New(1, DirectionSink)
	if a.State != StateIdle {
		t.Errorf("State = %v, want Idle", a.State)
	}
	if a.CISState != CISIdle {
		t.Errorf("CISState = %v, want CISIdle", a.CISState)
	}
	if a.DataPathState != DataPathIdle {
		t.Errorf("DataPathState = %v, want DataPathIdle", a.DataPathState)
	}
	if a.CisID != InvalidCisID {
		t.Errorf("CisID = %d, want InvalidCisID", a.CisID)
	}
	if a.CisConnHandle != InvalidConnHandle {
		t.Errorf("CisConnHandle = %d, want InvalidConnHandle", a.CisConnHandle)
	}
}

func TestHasDisablingState(t *testing.T) {
	sink := New(1, DirectionSink)
	if sink.HasDisablingState() {
		t.Error("sink ASE should not have a Disabling state")
	}
	source := New(2, DirectionSource)
	if !source.HasDisablingState() {
		t.Error("source ASE should have a Disabling state")
	}
}

func TestMin(t *testing.T) {
	if got := Min(StateStreaming, StateIdle); got != StateIdle {
		t.Errorf("Min(Streaming, Idle) = %v, want Idle", got)
	}
	if got := Min(StateCodecConfigured, StateQosConfigured); got != StateCodecConfigured {
		t.Errorf("Min(CodecConfigured, QosConfigured) = %v, want CodecConfigured", got)
	}
}

func TestCheckInvariantsStreamingRequiresCisAndDataPath(t *testing.T) {
	a := New(1, DirectionSink)
	a.State = StateStreaming
	a.CisID = 3
	if err := a.CheckInvariants(); err == nil {
		t.Error("expected error: streaming without CIS connected")
	}

	a.CISState = CISConnected
	if err := a.CheckInvariants(); err == nil {
		t.Error("expected error: streaming without data path configured")
	}

	a.DataPathState = DataPathConfigured
	if err := a.CheckInvariants(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckInvariantsEnablingRequiresAssignedCis(t *testing.T) {
	a := New(1, DirectionSink)
	a.State = StateEnabling
	if err := a.CheckInvariants(); err == nil {
		t.Error("expected error: enabling without an assigned CIS id")
	}
	a.CisID = 1
	if err := a.CheckInvariants(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRecordPeerQoSTightensOnly(t *testing.T) {
	a := New(1, DirectionSink)
	a.RecordPeerQoS(QoS{
		MaxTransportLatencyMs: 40,
		PresentationDelayMinUs: 10,
		PresentationDelayMaxUs: 100,
		PreferredPHY: 2,
		PreferredRetransNb: 4,
		Framing: true,
	})
	if a.QoS.MaxTransportLatencyMs != 40 {
		t.Errorf("MaxTransportLatencyMs = %d, want 40", a.QoS.MaxTransportLatencyMs)
	}

	// A looser (higher) latency must not relax the already-tighter value.
	a.RecordPeerQoS(QoS{
		MaxTransportLatencyMs: 80,
		PresentationDelayMinUs: 5,
		PresentationDelayMaxUs: 200,
	})
	if a.QoS.MaxTransportLatencyMs != 40 {
		t.Errorf("MaxTransportLatencyMs tightened to %d, want still 40", a.QoS.MaxTransportLatencyMs)
	}
	if a.QoS.PresentationDelayMinUs != 10 {
		t.Errorf("PresentationDelayMinUs relaxed to %d, want still 10", a.QoS.PresentationDelayMinUs)
	}
	if a.QoS.PresentationDelayMaxUs != 100 {
		t.Errorf("PresentationDelayMaxUs relaxed to %d, want still 100", a.QoS.PresentationDelayMaxUs)
	}

	// A tighter max latency must win.
	a.RecordPeerQoS(QoS{MaxTransportLatencyMs: 20})
	if a.QoS.MaxTransportLatencyMs != 20 {
		t.Errorf("MaxTransportLatencyMs = %d, want 20 after tighter update", a.QoS.MaxTransportLatencyMs)
	}
}

func TestReset(t *testing.T) {
	a := New(1, DirectionSink)
	a.State = StateStreaming
	a.CISState = CISConnected
	a.DataPathState = DataPathConfigured
	a.CisID = 5
	a.CisConnHandle = 0x40
	a.Active = true
	a.CodecConfig = []byte{1, 2, 3}
	a.Metadata = []byte{4}
	a.Autonomous = &AutonomousTimer{TargetState: StateIdle}

	a.Reset()

	if a.State != StateIdle || a.CISState != CISIdle || a.DataPathState != DataPathIdle {
		t.Error("Reset did not clear state to Idle")
	}
	if a.CisID != InvalidCisID || a.CisConnHandle != InvalidConnHandle {
		t.Error("Reset did not clear CIS assignment")
	}
	if a.Active {
		t.Error("Reset did not clear Active")
	}
	if a.Autonomous != nil {
		t.Error("Reset did not clear Autonomous")
	}
	if a.CodecConfig != nil || a.Metadata != nil {
		t.Error("Reset did not clear codec config/metadata")
	}
}

func TestStringers(t *testing.T) {
	if StateStreaming.String() != "streaming" {
		t.Errorf("StateStreaming.String() = %q", StateStreaming.String())
	}
	if DirectionSource.String() != "source" {
		t.Errorf("DirectionSource.String() = %q", DirectionSource.String())
	}
	if CISConnected.String() != "connected" {
		t.Errorf("CISConnected.String() = %q", CISConnected.String())
	}
	if DataPathConfigured.String() != "configured" {
		t.Errorf("DataPathConfigured.String() = %q", DataPathConfigured.String())
	}
	if got := State(99).String(); got != "state(99)" {
		t.Errorf("unknown State.String() = %q, want state(99)", got)
	}
}
