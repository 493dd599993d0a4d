// SPDX-License-Identifier: MIT

package statemachine

import (
	"context"
	"testing"

	"github.com/leaudio-go/leaudio/internal/ascs"
	"github.com/leaudio-go/leaudio/internal/ase"
	"github.com/leaudio-go/leaudio/internal/device"
	"github.com/leaudio-go/leaudio/internal/group"
	"github.com/leaudio-go/leaudio/internal/iso"
)

type recordingGatt struct {
	writes []writeCall
}

type writeCall struct {
	addr string
	payload []byte
}

func (g *recordingGatt) WriteControlPoint(_ context.Context, d *device.Device, payload []byte) error {
	g.writes = append(g.writes, writeCall{addr: d.Address, payload: payload})
	return nil
}

type recordingIso struct {
	createCigCalls []iso.CigParams
	establishCalls [][]iso.CisPair
	dataPathCalls []iso.DataPathConfig
	removeDataPathCalls []uint16
	disconnectCisCalls []uint16
	removeCigCalls int
}

func (m *recordingIso) CreateCig(p iso.CigParams) error {
	m.createCigCalls = append(m.createCigCalls, p)
	return nil
}
func (m *recordingIso) RemoveCig(groupID uint32, cigID uint8, force bool) error {
	m.removeCigCalls++
	return nil
}
func (m *recordingIso) EstablishCis(pairs []iso.CisPair) error {
	m.establishCalls = append(m.establishCalls, pairs)
	return nil
}
func (m *recordingIso) DisconnectCis(cisConnHandle uint16, _ uint8) error {
	m.disconnectCisCalls = append(m.disconnectCisCalls, cisConnHandle)
	return nil
}
func (m *recordingIso) SetupIsoDataPath(cfg iso.DataPathConfig) error {
	m.dataPathCalls = append(m.dataPathCalls, cfg)
	return nil
}
func (m *recordingIso) RemoveIsoDataPath(cisConnHandle uint16, _ uint8) error {
	m.removeDataPathCalls = append(m.removeDataPathCalls, cisConnHandle)
	return nil
}

type recordingCallbacks struct {
	reports []StatusReport
	timeouts []uint32
	cisUpdates []ase.Direction
}

func (c *recordingCallbacks) StatusReportCb(groupID uint32, status StatusReport) {
	c.reports = append(c.reports, status)
}
func (c *recordingCallbacks) OnStateTransitionTimeout(groupID uint32) {
	c.timeouts = append(c.timeouts, groupID)
}
func (c *recordingCallbacks) OnUpdatedCisConfiguration(groupID uint32, dir ase.Direction) {
	c.cisUpdates = append(c.cisUpdates, dir)
}
func (c *recordingCallbacks) OnDeviceAutonomousStateTransitionTimeout(deviceAddr string) {}

type recordingHealth struct {
	failures int
}

func (h *recordingHealth) RecordSignalingFailure(uint32) { h.failures++ }

// newFixture builds one group with one device and a single sink ASE,
// already marked active and carrying a negotiated QoS, the way it would
// look once an external collaborator has discovered and activated it.
func newFixture() (*Machine, *group.Group, *device.Device, *ase.ASE, *recordingGatt, *recordingIso, *recordingCallbacks) {
	g := group.New(1)
	d := device.New("AA:BB:CC:DD:EE:01")
	d.MTU = 200
	a := ase.New(1, ase.DirectionSink)
	a.Active = true
	a.QoS.SduIntervalUs = 10000
	a.QoS.MaxSduSize = 100
	a.QoS.MaxTransportLatencyMs = 10
	a.QoS.PreferredPHY = 0x1
	d.AddASE(a)
	g.AddDevice(d)

	gatt := &recordingGatt{}
	isoMgr := &recordingIso{}
	cb := &recordingCallbacks{}
	health := &recordingHealth{}
	m := New(g, iso.NewCoordinator(isoMgr), gatt, cb, health, nil)
	return m, g, d, a, gatt, isoMgr, cb
}

func codecConfiguredPdu(aseID uint8) []byte {
	return []byte{
		aseID, uint8(ase.StateCodecConfigured), 11,
		1, 1, 4, // framing, preferred_phy, preferred_retrans_nb
		10, 0, // max_transport_latency LE
		0x40, 0x1F, 0x00, // presentation_delay_min
		0x80, 0x3E, 0x00, // presentation_delay_max
	}
}

func TestStartStreamFromIdleBroadcastsConfigCodec(t *testing.T) {
	m, g, _, _, gatt, _, _ := newFixture()
	m.startStream(ContextMedia, nil, nil)

	if g.TargetState != ase.StateStreaming {
		t.Errorf("TargetState = %v, want Streaming", g.TargetState)
	}
	if !g.IsTransitioning() {
		t.Error("group should be transitioning after StartStream")
	}
	if len(gatt.writes) != 1 {
		t.Fatalf("len(writes) = %d, want 1 (Config Codec)", len(gatt.writes))
	}
	if gatt.writes[0].payload[0] != byte(ascs.OpConfigCodec) {
		t.Error("first write should be a Config Codec opcode")
	}
}

func TestFullHappyPathToStreaming(t *testing.T) {
	m, g, d, a, gatt, isoMgr, cb := newFixture()

	m.startStream(ContextMedia, nil, nil)
	if len(gatt.writes) != 1 {
		t.Fatalf("expected Config Codec write, got %d writes", len(gatt.writes))
	}

	// Peer reports CodecConfigured.
	st, err := ascs.DecodeAseStatus(codecConfiguredPdu(a.ID))
	if err != nil {
		t.Fatal(err)
	}
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})

	if g.State != ase.StateCodecConfigured {
		t.Fatalf("State = %v, want CodecConfigured", g.State)
	}
	if len(isoMgr.createCigCalls) != 1 {
		t.Fatalf("expected CreateCig to have been issued, got %d calls", len(isoMgr.createCigCalls))
	}
	if g.CigState != group.CigCreating {
		t.Errorf("CigState = %v, want CigCreating", g.CigState)
	}

	// Controller reports the CIG created with one assigned conn handle.
	m.handleIsoEvent(iso.Event{Kind: iso.EventCigCreated, Status: iso.StatusSuccess, ConnHandles: []uint16{0x40}})
	if g.CigState != group.CigCreated {
		t.Fatalf("CigState = %v, want CigCreated", g.CigState)
	}
	if a.CisConnHandle != 0x40 || a.CISState != ase.CISAssigned {
		t.Fatalf("ASE CIS assignment = {%d, %v}, want {0x40, Assigned}", a.CisConnHandle, a.CISState)
	}
	if len(gatt.writes) != 2 || gatt.writes[1].payload[0] != byte(ascs.OpConfigQoS) {
		t.Fatal("expected a second write carrying Config QoS")
	}

	// Peer transitions every active ASE to Enabling.
	enablingPdu := []byte{a.ID, uint8(ase.StateEnabling), 0}
	st, _ = ascs.DecodeAseStatus(enablingPdu)
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})
	if g.State != ase.StateEnabling {
		t.Fatalf("State = %v, want Enabling", g.State)
	}
	if len(isoMgr.establishCalls) != 1 || len(isoMgr.establishCalls[0]) != 1 {
		t.Fatal("expected EstablishCis to have been issued for the one CIS pair")
	}
	if a.CISState != ase.CISConnecting {
		t.Errorf("CISState = %v, want Connecting", a.CISState)
	}

	// CIS establishes successfully.
	m.handleIsoEvent(iso.Event{Kind: iso.EventCisEstablished, Status: iso.StatusSuccess, CisConnHandle: 0x40})
	if a.CISState != ase.CISConnected {
		t.Fatalf("CISState = %v, want Connected", a.CISState)
	}
	if len(isoMgr.dataPathCalls) != 1 {
		t.Fatal("expected SetupIsoDataPath to have been issued")
	}

	// Data path configures; codec config is nil so stream-config aggregation
	// is skipped, but a Sink ASE still auto-transitions to Streaming.
	m.handleIsoEvent(iso.Event{Kind: iso.EventIsoDataPathSetup, Status: iso.StatusSuccess, CisConnHandle: 0x40})
	if a.DataPathState != ase.DataPathConfigured {
		t.Fatalf("DataPathState = %v, want Configured", a.DataPathState)
	}
	if a.State != ase.StateStreaming {
		t.Fatalf("ASE State = %v, want Streaming", a.State)
	}
	if g.State != ase.StateStreaming {
		t.Fatalf("group State = %v, want Streaming", g.State)
	}
	if len(cb.reports) == 0 || cb.reports[len(cb.reports)-1] != StatusStreaming {
		t.Fatalf("reports = %v, want last entry STREAMING", cb.reports)
	}
	if g.IsTransitioning() {
		t.Error("group should no longer be transitioning once Streaming")
	}
}

func TestCisEstablishmentRetryThenGiveUp(t *testing.T) {
	m, g, d, a, _, isoMgr, _ := newFixture()
	m.startStream(ContextMedia, nil, nil)
	st, _ := ascs.DecodeAseStatus(codecConfiguredPdu(a.ID))
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})
	m.handleIsoEvent(iso.Event{Kind: iso.EventCigCreated, Status: iso.StatusSuccess, ConnHandles: []uint16{0x40}})
	enablingPdu := []byte{a.ID, uint8(ase.StateEnabling), 0}
	st, _ = ascs.DecodeAseStatus(enablingPdu)
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})

	calls := len(isoMgr.establishCalls)

	// Two retriable failures should each trigger a retry EstablishCis call.
	m.handleIsoEvent(iso.Event{Kind: iso.EventCisEstablished, Status: 0x01, CisConnHandle: 0x40, Reason: iso.ReasonConnFailedEstablishment})
	m.handleIsoEvent(iso.Event{Kind: iso.EventCisEstablished, Status: 0x01, CisConnHandle: 0x40, Reason: iso.ReasonConnFailedEstablishment})
	if len(isoMgr.establishCalls) != calls+2 {
		t.Fatalf("expected 2 retry EstablishCis calls, got %d new calls", len(isoMgr.establishCalls)-calls)
	}

	// Third failure exhausts the device's default retry budget (2) and
	// stops the stream instead of retrying again.
	m.handleIsoEvent(iso.Event{Kind: iso.EventCisEstablished, Status: 0x01, CisConnHandle: 0x40, Reason: iso.ReasonConnFailedEstablishment})
	if len(isoMgr.establishCalls) != calls+2 {
		t.Fatalf("retry budget exhausted: expected no further EstablishCis call, got %d total new calls", len(isoMgr.establishCalls)-calls)
	}
	if g.TargetState != ase.StateIdle {
		t.Errorf("TargetState = %v, want Idle after giving up", g.TargetState)
	}
}

func TestCtpRejectDuringSetupStopsStream(t *testing.T) {
	m, g, d, a, _, _, _ := newFixture()
	health := m.health.(*recordingHealth)
	m.startStream(ContextMedia, nil, nil)
	st, _ := ascs.DecodeAseStatus(codecConfiguredPdu(a.ID))
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})

	m.handleCtpResponse(ctpResponseEvent{
		deviceAddr: d.Address,
		results: []ascs.CtpResult{{AseID: 1, ResponseCode: 1, Reason: 0}},
	})

	if g.TargetState != ase.StateIdle {
		t.Errorf("TargetState = %v, want Idle after CTP reject", g.TargetState)
	}
	if health.failures != 1 {
		t.Errorf("health.failures = %d, want 1", health.failures)
	}
}

func TestSuspendThenResumeSkipsCigCreation(t *testing.T) {
	m, g, _, _, _, isoMgr, _ := newFixture()
	g.State = ase.StateQosConfigured

	m.suspendStream()
	if g.TargetState != ase.StateQosConfigured {
		t.Errorf("TargetState = %v, want QosConfigured", g.TargetState)
	}

	// Resume from QosConfigured must not re-create the CIG.
	m.startStream(ContextMedia, nil, nil)
	if len(isoMgr.createCigCalls) != 0 {
		t.Error("resuming from QosConfigured should not re-create the CIG")
	}
}

func TestConfigureStreamRejectedAboveCodecConfigured(t *testing.T) {
	m, g, _, _, gatt, _, _ := newFixture()
	g.State = ase.StateStreaming

	m.configureStream(ContextMedia)
	if len(gatt.writes) != 0 {
		t.Error("ConfigureStream above CodecConfigured should be a no-op")
	}
}

func TestWatchdogExpiredInvokesCallback(t *testing.T) {
	m, _, _, _, _, _, cb := newFixture()
	m.handleWatchdogExpired()
	if len(cb.timeouts) != 1 {
		t.Fatalf("len(timeouts) = %d, want 1", len(cb.timeouts))
	}
}

func TestAclDisconnectedClearsGroupWhenNoOneLeft(t *testing.T) {
	m, g, d, _, _, _, _ := newFixture()
	d.ConnState = device.Connected
	m.handleAclDisconnected(aclDisconnectedEvent{deviceAddr: d.Address})

	if g.State != ase.StateIdle {
		t.Errorf("State = %v, want Idle", g.State)
	}
	if d.ConnState != device.Disconnected {
		t.Error("device should be marked disconnected")
	}
}

func TestSignalingFailuresCounter(t *testing.T) {
	m, _, d, _, _, _, _ := newFixture()
	m.startStream(ContextMedia, nil, nil)
	m.handleCtpResponse(ctpResponseEvent{deviceAddr: d.Address, results: []ascs.CtpResult{{AseID: 1, ResponseCode: 2}}})
	if m.SignalingFailures() != 1 {
		t.Errorf("SignalingFailures() = %d, want 1", m.SignalingFailures())
	}
}

func TestStatusReportString(t *testing.T) {
	if StatusStreaming.String() != "STREAMING" {
		t.Errorf("StatusStreaming.String() = %q", StatusStreaming.String())
	}
	if got := StatusReport(99).String(); got != "UNKNOWN" {
		t.Errorf("unknown StatusReport.String() = %q", got)
	}
}

// driveFixtureToStreaming pushes the single-ASE fixture from newFixture
// through Config Codec, CIG creation, Enable and CIS establishment up to
// Streaming, mirroring TestFullHappyPathToStreaming's steps.
func driveFixtureToStreaming(m *Machine, d *device.Device, a *ase.ASE) {
	m.startStream(ContextMedia, nil, nil)
	st, _ := ascs.DecodeAseStatus(codecConfiguredPdu(a.ID))
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})
	m.handleIsoEvent(iso.Event{Kind: iso.EventCigCreated, Status: iso.StatusSuccess, ConnHandles: []uint16{0x40}})
	st, _ = ascs.DecodeAseStatus([]byte{a.ID, uint8(ase.StateEnabling), 0})
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})
	m.handleIsoEvent(iso.Event{Kind: iso.EventCisEstablished, Status: iso.StatusSuccess, CisConnHandle: 0x40})
	m.handleIsoEvent(iso.Event{Kind: iso.EventIsoDataPathSetup, Status: iso.StatusSuccess, CisConnHandle: 0x40})
}

func TestStopStreamRoundTripReturnsToIdle(t *testing.T) {
	m, g, d, a, _, isoMgr, cb := newFixture()
	driveFixtureToStreaming(m, d, a)
	if g.State != ase.StateStreaming {
		t.Fatalf("fixture not Streaming: State = %v", g.State)
	}

	m.stopStream()
	if g.TargetState != ase.StateIdle {
		t.Fatalf("TargetState = %v, want Idle", g.TargetState)
	}

	// Peer acknowledges Release by moving the ASE to Releasing.
	st, _ := ascs.DecodeAseStatus([]byte{a.ID, uint8(ase.StateReleasing), 0})
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})
	if len(isoMgr.removeDataPathCalls) != 1 {
		t.Fatalf("expected RemoveIsoDataPath on Releasing, got %d calls", len(isoMgr.removeDataPathCalls))
	}

	m.handleIsoEvent(iso.Event{Kind: iso.EventIsoDataPathRemoved, Status: iso.StatusSuccess, CisConnHandle: 0x40})
	if len(isoMgr.disconnectCisCalls) != 1 {
		t.Fatalf("expected DisconnectCis once the data path is removed, got %d calls", len(isoMgr.disconnectCisCalls))
	}

	m.handleIsoEvent(iso.Event{Kind: iso.EventCisDisconnected, Status: iso.StatusSuccess, CisConnHandle: 0x40})
	if isoMgr.removeCigCalls != 1 {
		t.Fatalf("expected RemoveCig once every CIS is disconnected, got %d calls", isoMgr.removeCigCalls)
	}

	m.handleIsoEvent(iso.Event{Kind: iso.EventCigRemoved, Status: iso.StatusSuccess})
	if g.CigState != group.CigNone {
		t.Errorf("CigState = %v, want CigNone", g.CigState)
	}

	// The peer autonomously returns the ASE to Idle once release completes.
	st, _ = ascs.DecodeAseStatus([]byte{a.ID, uint8(ase.StateIdle), 0})
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})
	if g.State != ase.StateIdle {
		t.Errorf("State = %v, want Idle", g.State)
	}
	if cb.reports[len(cb.reports)-1] != StatusIdle {
		t.Fatalf("reports = %v, want last entry IDLE", cb.reports)
	}
}

// newTwoDeviceFixture builds a conversational group: one device with a Sink
// ASE, a second with a Source ASE, each its own unidirectional CIS.
func newTwoDeviceFixture() (*Machine, *group.Group, *device.Device, *ase.ASE, *device.Device, *ase.ASE, *recordingIso, *recordingCallbacks) {
	g := group.New(1)

	d1 := device.New("AA:BB:CC:DD:EE:01")
	d1.MTU = 200
	sink := ase.New(1, ase.DirectionSink)
	sink.Active = true
	sink.QoS.SduIntervalUs = 10000
	sink.QoS.MaxSduSize = 100
	sink.QoS.MaxTransportLatencyMs = 10
	sink.QoS.PreferredPHY = 0x1
	d1.AddASE(sink)
	g.AddDevice(d1)

	d2 := device.New("AA:BB:CC:DD:EE:02")
	d2.MTU = 200
	source := ase.New(1, ase.DirectionSource)
	source.Active = true
	source.QoS.SduIntervalUs = 10000
	source.QoS.MaxSduSize = 100
	source.QoS.MaxTransportLatencyMs = 10
	source.QoS.PreferredPHY = 0x1
	d2.AddASE(source)
	g.AddDevice(d2)

	isoMgr := &recordingIso{}
	cb := &recordingCallbacks{}
	m := New(g, iso.NewCoordinator(isoMgr), &recordingGatt{}, cb, &recordingHealth{}, nil)
	return m, g, d1, sink, d2, source, isoMgr, cb
}

func TestSuspendConversationalGroupReachesSuspended(t *testing.T) {
	m, g, d1, sink, d2, source, isoMgr, cb := newTwoDeviceFixture()

	m.startStream(ContextMedia, nil, nil)
	st, _ := ascs.DecodeAseStatus(codecConfiguredPdu(sink.ID))
	m.handleAseStatus(aseStatusEvent{deviceAddr: d1.Address, status: st})
	st, _ = ascs.DecodeAseStatus(codecConfiguredPdu(source.ID))
	m.handleAseStatus(aseStatusEvent{deviceAddr: d2.Address, status: st})
	m.handleIsoEvent(iso.Event{Kind: iso.EventCigCreated, Status: iso.StatusSuccess, ConnHandles: []uint16{0x40, 0x41}})

	st, _ = ascs.DecodeAseStatus([]byte{sink.ID, uint8(ase.StateEnabling), 0})
	m.handleAseStatus(aseStatusEvent{deviceAddr: d1.Address, status: st})
	st, _ = ascs.DecodeAseStatus([]byte{source.ID, uint8(ase.StateEnabling), 0})
	m.handleAseStatus(aseStatusEvent{deviceAddr: d2.Address, status: st})

	m.handleIsoEvent(iso.Event{Kind: iso.EventCisEstablished, Status: iso.StatusSuccess, CisConnHandle: sink.CisConnHandle})
	m.handleIsoEvent(iso.Event{Kind: iso.EventCisEstablished, Status: iso.StatusSuccess, CisConnHandle: source.CisConnHandle})
	m.handleIsoEvent(iso.Event{Kind: iso.EventIsoDataPathSetup, Status: iso.StatusSuccess, CisConnHandle: sink.CisConnHandle})
	m.handleIsoEvent(iso.Event{Kind: iso.EventIsoDataPathSetup, Status: iso.StatusSuccess, CisConnHandle: source.CisConnHandle})

	// Sink auto-transitions to Streaming; Source needs its own notification.
	st, _ = ascs.DecodeAseStatus([]byte{source.ID, uint8(ase.StateStreaming), 0})
	m.handleAseStatus(aseStatusEvent{deviceAddr: d2.Address, status: st})
	if g.State != ase.StateStreaming {
		t.Fatalf("fixture not Streaming: State = %v", g.State)
	}

	m.suspendStream()

	// Disable acknowledgment: Sink goes straight to QosConfigured, Source
	// goes to Disabling first (ASCS §4.4 transition table).
	st, _ = ascs.DecodeAseStatus([]byte{sink.ID, uint8(ase.StateQosConfigured), 0})
	m.handleAseStatus(aseStatusEvent{deviceAddr: d1.Address, status: st})
	if len(isoMgr.removeDataPathCalls) != 0 {
		t.Fatal("teardown should not start until every active ASE acknowledges Disable")
	}

	st, _ = ascs.DecodeAseStatus([]byte{source.ID, uint8(ase.StateDisabling), 0})
	m.handleAseStatus(aseStatusEvent{deviceAddr: d2.Address, status: st})
	if len(isoMgr.removeDataPathCalls) != 2 {
		t.Fatalf("expected RemoveIsoDataPath for both ASEs once Disable is fully acknowledged, got %d", len(isoMgr.removeDataPathCalls))
	}

	m.handleIsoEvent(iso.Event{Kind: iso.EventIsoDataPathRemoved, Status: iso.StatusSuccess, CisConnHandle: sink.CisConnHandle})
	m.handleIsoEvent(iso.Event{Kind: iso.EventIsoDataPathRemoved, Status: iso.StatusSuccess, CisConnHandle: source.CisConnHandle})
	if len(isoMgr.disconnectCisCalls) != 2 {
		t.Fatalf("expected DisconnectCis for both CISes, got %d", len(isoMgr.disconnectCisCalls))
	}

	m.handleIsoEvent(iso.Event{Kind: iso.EventCisDisconnected, Status: iso.StatusSuccess, CisConnHandle: sink.CisConnHandle})
	m.handleIsoEvent(iso.Event{Kind: iso.EventCisDisconnected, Status: iso.StatusSuccess, CisConnHandle: source.CisConnHandle})

	if cb.reports[len(cb.reports)-1] != StatusSuspended {
		t.Fatalf("reports = %v, want last entry SUSPENDED", cb.reports)
	}
}

func TestOnPathTeardownDoesNotArmAutonomousTimer(t *testing.T) {
	m, _, d, a, _, isoMgr, _ := newFixture()
	driveFixtureToStreaming(m, d, a)
	_ = isoMgr

	m.stopStream()
	st, _ := ascs.DecodeAseStatus([]byte{a.ID, uint8(ase.StateReleasing), 0})
	m.handleAseStatus(aseStatusEvent{deviceAddr: d.Address, status: st})

	if _, armed := m.autonomous[a.ID]; armed {
		t.Error("an on-path Releasing notification should not arm the autonomous timer")
	}
}
