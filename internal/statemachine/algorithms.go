// SPDX-License-Identifier: MIT

package statemachine

import (
	"context"

	"github.com/leaudio-go/leaudio/internal/ascs"
	"github.com/leaudio-go/leaudio/internal/ase"
	"github.com/leaudio-go/leaudio/internal/codec"
	"github.com/leaudio-go/leaudio/internal/device"
	"github.com/leaudio-go/leaudio/internal/group"
	"github.com/leaudio-go/leaudio/internal/iso"
)

// handleCommand dispatches one external command from the audio transport
// boundary.
func (m *Machine) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdAttachToStream:
		// Discovery/attach is handled by internal/device and internal/group
		// before a Machine is constructed for the group; nothing to do here
		// beyond acknowledging the group is known.
		m.logf("attach to stream", "group_id", m.group.ID)
	case cmdStartStream:
		m.startStream(cmd.ctx, cmd.metadata, cmd.ccids)
	case cmdConfigureStream:
		m.configureStream(cmd.ctx)
	case cmdSuspendStream:
		m.suspendStream()
	case cmdStopStream:
		m.stopStream()
	}
}

// startStream implements "StartStream algorithm".
func (m *Machine) startStream(ctx Context, metadata map[ase.Direction][]byte, ccids []uint8) {
	switch m.group.State {
	case ase.StateCodecConfigured:
		if ctx == m.activeContext {
			// Already configured for this context: try to proceed straight
			// to CIG creation.
			m.group.SetTargetState(ase.StateStreaming)
			m.armWatchdog()
			m.createCig()
			return
		}
		// Configuration no longer matches: fall through to (re)configure.
		m.releaseCisIds()
		fallthrough

	case ase.StateIdle:
		m.activeContext = ctx
		m.group.ResetStreamConfig()
		m.generateCisIds()
		m.group.SetTargetState(ase.StateStreaming)
		m.armWatchdog()
		m.broadcastConfigCodec()

	case ase.StateQosConfigured:
		m.group.SetTargetState(ase.StateStreaming)
		m.armWatchdog()
		m.broadcastEnable(metadata)

	case ase.StateStreaming:
		m.updateMetadataIfChanged(metadata)

	default:
		m.logf("start stream rejected", "group_id", m.group.ID, "state", m.group.State.String())
	}
}

// configureStream implements "ConfigureStream": permitted only
// when Group.state ≤ CodecConfigured.
func (m *Machine) configureStream(ctx Context) {
	if m.group.State != ase.StateIdle && m.group.State != ase.StateCodecConfigured {
		m.logf("configure stream rejected", "group_id", m.group.ID, "state", m.group.State.String())
		return
	}
	m.releaseCisIds()
	m.activeContext = ctx
	m.group.ResetStreamConfig()
	m.generateCisIds()
	m.group.PendingConfiguration = true
	m.group.SetTargetState(ase.StateCodecConfigured)
	m.armWatchdog()
	m.broadcastConfigCodec()
}

// suspendStream implements "SuspendStream".
func (m *Machine) suspendStream() {
	m.group.SetTargetState(ase.StateQosConfigured)
	m.armWatchdog()
	m.report(StatusSuspending)
	for _, d := range m.group.Devices() {
		var ids []uint8
		for _, a := range d.ActiveASEs() {
			ids = append(ids, a.ID)
		}
		if len(ids) == 0 {
			continue
		}
		m.writeControlPoint(d, ascs.EncodeDisable(ids))
	}
}

// stopStream implements "StopStream".
func (m *Machine) stopStream() {
	if m.group.State == ase.StateReleasing || m.group.State == ase.StateIdle {
		return
	}
	m.group.SetTargetState(ase.StateIdle)
	m.armWatchdog()
	for _, d := range m.group.Devices() {
		var ids []uint8
		for _, a := range d.ActiveASEs() {
			ids = append(ids, a.ID)
		}
		if len(ids) == 0 {
			continue
		}
		m.writeControlPoint(d, ascs.EncodeRelease(ids))
	}
}

// updateMetadataIfChanged implements the Streaming branch of StartStream:
// "if metadata unchanged, noop; else broadcast Update Metadata to each
// active device that has a changed directional metadata blob."
func (m *Machine) updateMetadataIfChanged(metadata map[ase.Direction][]byte) {
	for _, d := range m.group.Devices() {
		var entries []ascs.MetadataEntry
		for _, a := range d.ActiveASEs() {
			blob, ok := metadata[a.Direction]
			if !ok {
				continue
			}
			if string(blob) == string(a.Metadata) {
				continue
			}
			a.Metadata = blob
			entries = append(entries, ascs.MetadataEntry{AseID: a.ID, Metadata: blob})
		}
		if len(entries) > 0 {
			m.writeControlPoint(d, ascs.EncodeUpdateMetadata(entries))
		}
	}
}

// broadcastConfigCodec sends Config Codec to every active ASE of every
// active device, in device order.
func (m *Machine) broadcastConfigCodec() {
	for _, d := range m.group.Devices() {
		var entries []ascs.ConfigCodecEntry
		for _, a := range d.ActiveASEs() {
			entries = append(entries, ascs.ConfigCodecEntry{
				AseID: a.ID,
				TargetLatency: a.TargetLatency,
				TargetPHY: a.TargetPHY,
				CodecID: a.CodecID,
				CodecConfig: a.CodecConfig,
			})
		}
		if len(entries) == 0 {
			continue
		}
		m.writeControlPoint(d, ascs.EncodeConfigCodec(entries))
	}
}

// broadcastEnable sends Enable to every active device ("Enable
// pipeline").
func (m *Machine) broadcastEnable(metadata map[ase.Direction][]byte) {
	for _, d := range m.group.Devices() {
		var ids []uint8
		var md []byte
		for _, a := range d.ActiveASEs() {
			ids = append(ids, a.ID)
			if blob, ok := metadata[a.Direction]; ok {
				md = blob
			}
		}
		if len(ids) == 0 {
			continue
		}
		m.writeControlPoint(d, ascs.EncodeEnable(ids, md))
	}
}

// generateCisIds assigns a fresh CIS id/descriptor to each active ASE pair,
// per "GenerateCisIds". Bidirectional pairing (one sink + one
// source ASE sharing a CIS) is resolved by matching ASEs at the same index
// within a device; unpaired ASEs get a unidirectional CIS.
func (m *Machine) generateCisIds() {
	m.group.CisDescs = nil
	var nextID uint8
	for _, d := range m.group.Devices() {
		var sinks, sources []*ase.ASE
		for _, a := range d.ActiveASEs() {
			if a.Direction == ase.DirectionSink {
				sinks = append(sinks, a)
			} else {
				sources = append(sources, a)
			}
		}
		paired := min(len(sinks), len(sources))
		for i := 0; i < paired; i++ {
			id := nextID
			nextID++
			sinks[i].CisID = id
			sources[i].CisID = id
			m.group.CisDescs = append(m.group.CisDescs, group.CisDescriptor{ID: id, Type: group.CisBidirectional})
		}
		for i := paired; i < len(sinks); i++ {
			id := nextID
			nextID++
			sinks[i].CisID = id
			m.group.CisDescs = append(m.group.CisDescs, group.CisDescriptor{ID: id, Type: group.CisUnidirectionalSink})
		}
		for i := paired; i < len(sources); i++ {
			id := nextID
			nextID++
			sources[i].CisID = id
			m.group.CisDescs = append(m.group.CisDescs, group.CisDescriptor{ID: id, Type: group.CisUnidirectionalSource})
		}
	}
}

// releaseCisIds clears the group's CIS descriptors and every ASE's CIS
// assignment, per "ReleaseCisIds".
func (m *Machine) releaseCisIds() {
	m.group.CisDescs = nil
	for _, d := range m.group.Devices() {
		for _, a := range d.ASEs() {
			a.CisID = ase.InvalidCisID
			a.CisConnHandle = ase.InvalidConnHandle
		}
	}
}

func (m *Machine) writeControlPoint(d *device.Device, payload []byte) {
	if m.gatt == nil {
		return
	}
	for _, chunk := range ascs.SplitForMTU(payload, d.MTU) {
		if err := m.gatt.WriteControlPoint(context.Background(), d, chunk.Value); err != nil {
			m.logError("control point write failed", err, "group_id", m.group.ID)
			return
		}
	}
}

// handleAseStatus handles a per-ASE status notification: Config Codec
// pipeline, Enable pipeline, streaming entry, suspend/disable completion
// and autonomous transitions all observe ASE status notifications, so
// this dispatches by the ASE's new state.
func (m *Machine) handleAseStatus(ev aseStatusEvent) {
	d := m.group.DeviceByAddress(ev.deviceAddr)
	if d == nil {
		return
	}
	a := d.ASEByID(ev.status.AseID)
	if a == nil {
		return
	}
	newState := ase.State(ev.status.NewState)

	// Releasing (on the way to TargetState Idle) and Disabling (on the way
	// to TargetState QosConfigured) are expected waypoints of the on-path
	// teardown, not a peer-initiated deviation, even though they differ
	// from TargetState itself. CodecConfigured, QosConfigured and Enabling
	// are likewise waypoints on the way to TargetState Streaming.
	onPathTeardown := (newState == ase.StateReleasing && m.group.TargetState == ase.StateIdle) ||
		(newState == ase.StateDisabling && m.group.TargetState == ase.StateQosConfigured)
	onPathSetup := m.group.TargetState == ase.StateStreaming &&
		(newState == ase.StateCodecConfigured || newState == ase.StateQosConfigured || newState == ase.StateEnabling)

	if m.group.IsTransitioning() && !onPathTeardown && !onPathSetup && newState != m.group.TargetState && newState != a.State {
		m.handleAutonomousTransition(d, a, newState)
	}

	a.State = newState
	a.Active = true

	switch newState {
	case ase.StateCodecConfigured:
		a.RecordPeerQoS(ase.QoS{
			Framing: ev.status.Framing,
			PreferredPHY: ev.status.PreferredPHY,
			PreferredRetransNb: ev.status.PreferredRetransNb,
			MaxTransportLatencyMs: ev.status.MaxTransportLatency,
			PresentationDelayMinUs: ev.status.PresentationDelayMin,
			PresentationDelayMaxUs: ev.status.PresentationDelayMax,
		})
		m.onCodecConfigured()

	case ase.StateEnabling:
		m.onAseEnabling(d)

	case ase.StateStreaming:
		if a.Direction == ase.DirectionSource {
			m.disarmAutonomous(a.ID)
		}
		m.onAseStreaming()

	case ase.StateDisabling:
		m.onAseSuspended()

	case ase.StateQosConfigured:
		m.disarmAutonomous(a.ID)
		m.onAseSuspended()

	case ase.StateReleasing:
		m.onAseReleasing()

	case ase.StateIdle:
		m.disarmAutonomous(a.ID)
		m.onAseReleased()
		a.Reset()
	}
}

// handleAutonomousTransition implements "Autonomous remote
// transitions": "If the peer moves an ASE to a state other than the
// group's TargetState, honor it and schedule an autonomous-operation timer
// to catch stuck half-transitions."
func (m *Machine) handleAutonomousTransition(d *device.Device, a *ase.ASE, newState ase.State) {
	m.armAutonomous(d.Address, a.ID, newState)
}

// onCodecConfigured implements "Config Codec pipeline".
func (m *Machine) onCodecConfigured() {
	if !m.group.AllActiveInState(ase.StateCodecConfigured) {
		return
	}
	m.group.State = ase.StateCodecConfigured
	switch {
	case m.group.TargetState == ase.StateStreaming:
		m.createCig()
	case m.group.TargetState == ase.StateCodecConfigured && m.group.PendingConfiguration:
		m.group.PendingConfiguration = false
		m.disarmWatchdog()
		m.report(StatusConfiguredByUser)
	}
}

// createCig implements "CIG creation".
func (m *Machine) createCig() {
	params, err := m.aggregateCigParams()
	if err != nil {
		m.logError("cig parameter aggregation rejected", err, "group_id", m.group.ID)
		m.stopStream()
		return
	}
	m.group.CigState = group.CigCreating
	if err := m.iso.CreateCig(params); err != nil {
		m.logError("create cig failed", err, "group_id", m.group.ID)
		m.stopStream()
	}
}

// aggregateCigParams implements "CIG creation" aggregation and
// validity rules.
func (m *Machine) aggregateCigParams() (iso.CigParams, error) {
	var p iso.CigParams
	p.GroupID = m.group.ID
	p.CigID = m.group.CigID

	var onePhy1M bool
	for _, d := range m.group.Devices() {
		for _, a := range d.ActiveASEs() {
			if a.Direction == ase.DirectionSink {
				if p.SduIntervalMToS == 0 {
					p.SduIntervalMToS = a.QoS.SduIntervalUs
				}
				if a.QoS.MaxTransportLatencyMs > p.MaxLatencyMToS {
					p.MaxLatencyMToS = a.QoS.MaxTransportLatencyMs
				}
				if p.MaxSduMToS == 0 {
					p.MaxSduMToS = a.QoS.MaxSduSize
				}
				if p.RetransNbMToS == 0 {
					p.RetransNbMToS = a.QoS.RetransNb
				}
				if a.QoS.PreferredPHY&0x1 != 0 {
					onePhy1M = true
				}
				p.PhyMToS |= a.QoS.PreferredPHY
			} else {
				if p.SduIntervalSToM == 0 {
					p.SduIntervalSToM = a.QoS.SduIntervalUs
				}
				if a.QoS.MaxTransportLatencyMs > p.MaxLatencySToM {
					p.MaxLatencySToM = a.QoS.MaxTransportLatencyMs
				}
				if p.MaxSduSToM == 0 {
					p.MaxSduSToM = a.QoS.MaxSduSize
				}
				if p.RetransNbSToM == 0 {
					p.RetransNbSToM = a.QoS.RetransNb
				}
				p.PhySToM |= a.QoS.PreferredPHY
			}
		}
	}

	if p.SduIntervalMToS != 0 && p.SduIntervalSToM == 0 && onePhy1M && m.group.AsymmetricPhyForUnidirectionalCisSupported {
		p.PhySToM = 0x1
	}

	if m.group.Dsa.Mode != group.DsaFree {
		p.SduIntervalSToM = 20000
		p.MaxLatencySToM = 20
		p.MaxSduSToM = 15
		p.RetransNbSToM = 2
		m.group.Dsa.Active = true
	}

	for _, cd := range m.group.CisDescs {
		p.CisIDs = append(p.CisIDs, cd.ID)
		p.CisTypes = append(p.CisTypes, isoCisType(cd.Type))
	}

	if p.SduIntervalMToS == 0 && p.SduIntervalSToM == 0 {
		return p, errInvalidCigParams("both sdu intervals zero")
	}
	if p.MaxSduMToS == 0 && p.MaxSduSToM == 0 {
		return p, errInvalidCigParams("both max_sdu zero")
	}
	if p.MaxLatencyMToS == 0 && p.MaxLatencySToM == 0 {
		return p, errInvalidCigParams("both max transport latencies at floor")
	}
	if p.SduIntervalMToS == 0 && p.MaxLatencyMToS != 0 {
		return p, errInvalidCigParams("m_to_s sdu interval zero with non-floor latency")
	}
	if p.SduIntervalSToM == 0 && p.MaxLatencySToM != 0 {
		return p, errInvalidCigParams("s_to_m sdu interval zero with non-floor latency")
	}
	return p, nil
}

// isoCisType maps the group-level CIS type to the iso coordinator's
// equivalent, keeping internal/iso decoupled from internal/group.
func isoCisType(t group.CisType) iso.CisType {
	switch t {
	case group.CisUnidirectionalSink:
		return iso.CisUnidirectionalSink
	case group.CisUnidirectionalSource:
		return iso.CisUnidirectionalSource
	default:
		return iso.CisBidirectional
	}
}

// handleIsoEvent dispatches a controller event: CIG created/removed, CIS
// established/disconnected, ISO data path setup/removed.
func (m *Machine) handleIsoEvent(ev iso.Event) {
	switch ev.Kind {
	case iso.EventCigCreated:
		m.onCigCreated(ev)
	case iso.EventCigRemoved:
		m.onCigRemoved(ev)
	case iso.EventCisEstablished:
		m.onCisEstablished(ev)
	case iso.EventCisDisconnected:
		m.onCisDisconnected(ev)
	case iso.EventIsoDataPathSetup:
		m.onDataPathSetup(ev)
	case iso.EventIsoDataPathRemoved:
		m.onDataPathRemoved(ev)
	}
}

// onCigCreated implements "CigCreated handling".
func (m *Machine) onCigCreated(ev iso.Event) {
	if ev.Status == iso.CommandDisallowed {
		m.group.CigState = group.CigRecovering
		if err := m.iso.RemoveCig(m.group.ID, m.group.CigID, true); err != nil {
			m.logError("recovery remove cig failed", err, "group_id", m.group.ID)
			m.stopStream()
		}
		return
	}
	if ev.Status != iso.StatusSuccess {
		m.stopStream()
		return
	}
	m.group.CigState = group.CigCreated
	for i, h := range ev.ConnHandles {
		if i >= len(m.group.CisDescs) {
			break
		}
		m.group.CisDescs[i].ConnHandle = h
		m.assignConnHandle(m.group.CisDescs[i].ID, h)
	}
	m.group.State = ase.StateQosConfigured
	m.broadcastConfigQoS()
}

// assignConnHandle propagates an assigned CIS connection handle to every
// ASE sharing that CIS id ("propagate to matching ASEs").
func (m *Machine) assignConnHandle(cisID uint8, connHandle uint16) {
	for _, d := range m.group.Devices() {
		for _, a := range d.ASEs() {
			if a.CisID == cisID {
				a.CisConnHandle = connHandle
				a.CISState = ase.CISAssigned
			}
		}
	}
}

// broadcastConfigQoS sends Config QoS to every active device.
func (m *Machine) broadcastConfigQoS() {
	for _, d := range m.group.Devices() {
		var entries []ascs.ConfigQoSEntry
		for _, a := range d.ActiveASEs() {
			entries = append(entries, ascs.ConfigQoSEntry{
				AseID: a.ID,
				CigID: m.group.CigID,
				CisID: a.CisID,
				Framing: a.QoS.Framing,
				PHY: a.QoS.PreferredPHY,
				MaxSdu: a.QoS.MaxSduSize,
				RetransNb: a.QoS.RetransNb,
				MaxTransportLatency: a.QoS.MaxTransportLatencyMs,
				PresentationDelayUs: a.QoS.PresentationDelayMinUs,
				SduIntervalUs: a.QoS.SduIntervalUs,
			})
		}
		if len(entries) == 0 {
			continue
		}
		m.writeControlPoint(d, ascs.EncodeConfigQoS(entries))
	}
}

// onCigRemoved handles a completed CIG removal, either as part of the
// CommandDisallowed recovery cycle or the final teardown of StopStream.
func (m *Machine) onCigRemoved(ev iso.Event) {
	if m.group.CigState == group.CigRecovering {
		if ev.Status != iso.StatusSuccess {
			m.stopStream()
			return
		}
		m.group.CigState = group.CigNone
		m.createCig()
		return
	}
	m.group.CigState = group.CigNone
	m.releaseCisIds()
	m.disarmWatchdog()
	m.report(StatusIdle)
}

// onAseEnabling implements the device-readiness half of "Enable
// pipeline": once every active device's ASEs are at Enabling, establish
// every CIS not already Connecting/Connected.
func (m *Machine) onAseEnabling(d *device.Device) {
	if m.group.State == ase.StateStreaming {
		m.establishCisFor(d)
		return
	}
	if !m.group.AllActiveInState(ase.StateEnabling) {
		return
	}
	m.group.State = ase.StateEnabling
	m.establishAllCis()
}

func (m *Machine) establishAllCis() {
	var pairs []iso.CisPair
	for _, d := range m.group.Devices() {
		for _, a := range d.ActiveASEs() {
			if a.CISState == ase.CISIdle || a.CISState == ase.CISAssigned {
				pairs = append(pairs, iso.CisPair{CisConnHandle: a.CisConnHandle, AclConnHandle: d.ConnID})
				a.CISState = ase.CISConnecting
			}
		}
	}
	if len(pairs) == 0 {
		return
	}
	if err := m.iso.EstablishCis(pairs); err != nil {
		m.logError("establish cis failed", err, "group_id", m.group.ID)
	}
}

func (m *Machine) establishCisFor(d *device.Device) {
	var pairs []iso.CisPair
	for _, a := range d.ASEs() {
		if a.Active && (a.CISState == ase.CISIdle || a.CISState == ase.CISAssigned) {
			pairs = append(pairs, iso.CisPair{CisConnHandle: a.CisConnHandle, AclConnHandle: d.ConnID})
			a.CISState = ase.CISConnecting
		}
	}
	if len(pairs) == 0 {
		return
	}
	if err := m.iso.EstablishCis(pairs); err != nil {
		m.logError("establish cis failed (reconnect)", err, "group_id", m.group.ID)
	}
}

// onCisEstablished implements "CIS establishment".
func (m *Machine) onCisEstablished(ev iso.Event) {
	d, a := m.group.DeviceByConnHandle(ev.CisConnHandle)
	if d == nil || a == nil {
		return
	}

	if ev.Status != iso.StatusSuccess {
		m.handleCisFailure(d, a, ev)
		return
	}

	for _, peer := range d.ASEs() {
		if peer.CisID == a.CisID && peer.CisConnHandle == a.CisConnHandle {
			peer.CISState = ase.CISConnected
			if peer.DataPathState == ase.DataPathIdle {
				m.setupDataPath(peer)
			}
		}
	}

	if d.AllActiveCisConnected() {
		m.maybeSendReceiverStartReady(d)
	}
}

// handleCisFailure handles a CIS-establishment failure for one device,
// retrying up to the configured limit before giving up on the device.
func (m *Machine) handleCisFailure(d *device.Device, a *ase.ASE, ev iso.Event) {
	switch ev.Reason {
	case iso.ReasonConnFailedEstablishment:
		if d.RecordCisFailure() {
			a.CISState = ase.CISIdle
			if err := m.iso.EstablishCis([]iso.CisPair{{CisConnHandle: a.CisConnHandle, AclConnHandle: d.ConnID}}); err != nil {
				m.logError("cis retry failed", err, "group_id", m.group.ID)
			}
			return
		}
		m.stopStream()
	case iso.ReasonUnsupportedRemoteFeature:
		if m.group.AsymmetricPhyForUnidirectionalCisSupported {
			m.group.AsymmetricPhyForUnidirectionalCisSupported = false
		}
		m.stopStream()
	default:
		m.stopStream()
	}
}

// setupDataPath issues SetupIsoDataPath for one ASE's CIS half (:
// "for each half whose data-path is Idle, issue SetupIsoDataPath").
func (m *Machine) setupDataPath(a *ase.ASE) {
	a.DataPathState = ase.DataPathConfiguring
	dir := iso.DirectionOutput
	if a.Direction == ase.DirectionSink {
		dir = iso.DirectionInput
	}
	if err := m.iso.SetupIsoDataPath(iso.DataPathConfig{
		CisConnHandle: a.CisConnHandle,
		Direction: dir,
		CodecID: a.CodecID,
		CodecConfig: a.CodecConfig,
	}); err != nil {
		m.logError("setup iso data path failed", err, "group_id", m.group.ID)
	}
}

// maybeSendReceiverStartReady sends Receiver Start Ready for a device's
// Source ASEs once all its active ASEs have CIS Connected.
func (m *Machine) maybeSendReceiverStartReady(d *device.Device) {
	var ids []uint8
	for _, a := range d.ASEs() {
		if a.Active && a.Direction == ase.DirectionSource {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) > 0 {
		m.writeControlPoint(d, ascs.EncodeReceiverStartReady(ids))
	}
}

// onDataPathSetup folds one ASE's data-path configuration into the
// group's stream-configuration aggregate ("Stream configuration
// aggregation").
func (m *Machine) onDataPathSetup(ev iso.Event) {
	d, a := m.group.DeviceByConnHandle(ev.CisConnHandle)
	if d == nil || a == nil || ev.Status != iso.StatusSuccess {
		return
	}
	a.DataPathState = ase.DataPathConfigured

	cfg, err := codec.DecodeLTV(a.CodecConfig)
	if err == nil {
		if mergeErr := m.group.MergeStreamConfig(a.Direction, a.CisConnHandle, cfg.ChannelAllocation, a.CodecID, cfg.SamplingFreq.Hz(), cfg.FrameDuration.Microseconds(), cfg.OctetsPerCodecFrame, cfg.BlocksPerSdu); mergeErr != nil {
			m.logError("stream configuration mismatch", mergeErr, "group_id", m.group.ID)
		} else {
			m.cb.OnUpdatedCisConfiguration(m.group.ID, a.Direction)
		}
	}

	if a.Direction == ase.DirectionSink {
		a.State = ase.StateStreaming
		m.onAseStreaming()
	} else if m.group.PendingStreamingNotify {
		m.onAseStreaming()
	}
}

// onAseStreaming implements "Streaming entry".
func (m *Machine) onAseStreaming() {
	if m.group.AllActiveStreaming() && m.group.AllCisConnectedAndDataPathConfigured() {
		m.group.State = ase.StateStreaming
		m.group.PendingStreamingNotify = false
		m.disarmWatchdog()
		m.report(StatusStreaming)
		return
	}
	m.group.PendingStreamingNotify = true
}

// onAseSuspended handles Disable acknowledgment: Sink ASEs transition
// directly to QosConfigured, Source ASEs to Disabling first, so teardown
// starts once every active ASE has reached one or the other.
func (m *Machine) onAseSuspended() {
	if !m.group.AllActiveInAnyState(ase.StateDisabling, ase.StateQosConfigured) {
		return
	}
	m.removeAllDataPaths()
}

// onAseReleasing handles Release acknowledgment: once every active ASE has
// reached Releasing, tear down its data path and CIS the same way suspend
// does, so StopStream can complete (CIS disconnect → CIG removal → Idle).
func (m *Machine) onAseReleasing() {
	if !m.group.AllActiveInState(ase.StateReleasing) {
		return
	}
	m.removeAllDataPaths()
}

// removeAllDataPaths begins CIS teardown for a suspend or stop.
func (m *Machine) removeAllDataPaths() {
	for _, d := range m.group.Devices() {
		for _, a := range d.ActiveASEs() {
			if a.DataPathState == ase.DataPathConfigured {
				a.DataPathState = ase.DataPathRemoving
				if err := m.iso.RemoveIsoDataPath(a.CisConnHandle, 0x3); err != nil {
					m.logError("remove iso data path failed", err, "group_id", m.group.ID)
				}
			}
		}
	}
}

// onDataPathRemoved disconnects the CIS once its data path has been
// removed, advancing the suspend/stop teardown.
func (m *Machine) onDataPathRemoved(ev iso.Event) {
	_, a := m.group.DeviceByConnHandle(ev.CisConnHandle)
	if a == nil {
		return
	}
	a.DataPathState = ase.DataPathIdle
	if a.CISState == ase.CISConnected {
		a.CISState = ase.CISDisconnecting
		if err := m.iso.DisconnectCis(a.CisConnHandle, 0); err != nil {
			m.logError("disconnect cis failed", err, "group_id", m.group.ID)
		}
	}
}

// onCisDisconnected advances suspend/stop teardown once a CIS is gone, and
// implements the Source-direction suspend completion (Receiver Stop Ready).
func (m *Machine) onCisDisconnected(ev iso.Event) {
	d, a := m.group.DeviceByConnHandle(ev.CisConnHandle)
	if a == nil {
		return
	}
	a.CISState = ase.CISIdle

	if d != nil && a.Direction == ase.DirectionSource && a.State == ase.StateDisabling {
		m.writeControlPoint(d, ascs.EncodeReceiverStopReady([]uint8{a.ID}))
	}

	if m.group.AllCisDisconnected() {
		for _, dev := range m.group.Devices() {
			dev.ResetCisRetries()
		}
		switch m.group.TargetState {
		case ase.StateQosConfigured:
			m.disarmWatchdog()
			m.report(StatusSuspended)
		case ase.StateIdle:
			// Every CIS is down; the ASE's own autonomous transition to
			// Idle may still be pending, but nothing else blocks CIG
			// removal on it.
			if m.group.CigState == group.CigCreated {
				if err := m.iso.RemoveCig(m.group.ID, m.group.CigID, false); err != nil {
					m.logError("remove cig failed", err, "group_id", m.group.ID)
				}
			}
		}
	}
}

// handleCtpResponse implements "CTP result handling".
func (m *Machine) handleCtpResponse(ev ctpResponseEvent) {
	for _, r := range ev.results {
		if r.ResponseCode == ascs.Success {
			continue
		}
		if m.group.TargetState == ase.StateStreaming {
			m.recordSignalingFailure()
			m.stopStream()
			return
		}
	}
}

// handleAclDisconnected implements "ACL disconnect".
func (m *Machine) handleAclDisconnected(ev aclDisconnectedEvent) {
	d := m.group.DeviceByAddress(ev.deviceAddr)
	if d == nil {
		return
	}
	d.MarkDisconnected()
	m.group.RecomputeState()

	switch {
	case m.group.State == ase.StateIdle && !m.group.IsTransitioning() && m.group.CigState == group.CigCreated:
		if err := m.iso.RemoveCig(m.group.ID, m.group.CigID, false); err != nil {
			m.logError("remove cig on acl disconnect failed", err, "group_id", m.group.ID)
		}
	case anyDeviceConnected(m.group) && anyCisConnected(m.group) && m.group.State == ase.StateStreaming:
		m.report(StatusStreaming)
	default:
		m.group.State = ase.StateIdle
		m.releaseCisIds()
		if m.group.CigState == group.CigCreated {
			if err := m.iso.RemoveCig(m.group.ID, m.group.CigID, false); err != nil {
				m.logError("remove cig on group clear failed", err, "group_id", m.group.ID)
			}
			m.group.CigState = group.CigRemoving
		}
	}
}

// anyDeviceConnected reports whether any of the group's devices still has an
// active ACL link ("ACL disconnect").
func anyDeviceConnected(g *group.Group) bool {
	for _, d := range g.Devices() {
		if d.ConnState == device.Connected {
			return true
		}
	}
	return false
}

// anyCisConnected reports whether any active ASE still has a connected CIS
// half ("ACL disconnect").
func anyCisConnected(g *group.Group) bool {
	for _, d := range g.Devices() {
		for _, a := range d.ASEs() {
			if a.CISState == ase.CISConnected {
				return true
			}
		}
	}
	return false
}

// handleWatchdogExpired surfaces a timeout to the audio transport via
// OnStateTransitionTimeout; it does not tear the group down itself.
func (m *Machine) handleWatchdogExpired() {
	m.logf("group watchdog expired", "group_id", m.group.ID, "target_state", m.group.TargetState.String())
	if m.cb != nil {
		m.cb.OnStateTransitionTimeout(m.group.ID)
	}
}

// handleAutonomousExpired handles a per-ASE autonomous timer firing on a
// stuck half-transition.
func (m *Machine) handleAutonomousExpired(ev autonomousExpiredEvent) {
	delete(m.autonomous, ev.aseID)
	m.logf("autonomous transition timeout", "group_id", m.group.ID, "ase_id", ev.aseID, "device", ev.deviceAddr)
	if m.cb != nil {
		m.cb.OnDeviceAutonomousStateTransitionTimeout(ev.deviceAddr)
	}
}

// onAseReleased tracks group-wide release completion; once every active
// ASE is Idle, Group.State follows. CIG teardown itself is driven from
// onCisDisconnected/onCigRemoved and may complete before or after this.
func (m *Machine) onAseReleased() {
	if !m.group.AllActiveInState(ase.StateIdle) {
		return
	}
	m.group.State = ase.StateIdle
	m.disarmWatchdog()
}

func errInvalidCigParams(reason string) error {
	return &cigParamsError{reason: reason}
}

type cigParamsError struct{ reason string }

func (e *cigParamsError) Error() string { return "invalid cig parameters: " + e.reason }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
