// SPDX-License-Identifier: MIT

// Package ascs implements the Audio Stream Control Service control-point
// codec: it serializes ASCS operations into the short TLV
// encoding the Bluetooth LE Audio ASCS 1.0 control point expects, and
// decodes the two notification shapes a peer sends back — ASE status
// notifications and control-point (CTP) responses.
//
// There is no third-party BLE/TLV library in the retrieval pack; this
// codec is hand-rolled over encoding/binary and bytes.Buffer, the same
// primitives the pack's other wire-protocol packages use for framing.
package ascs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Opcode identifies an ASE Control Point operation (ASCS 1.0 §5).
type Opcode uint8

const (
	OpConfigCodec Opcode = iota + 1
	OpConfigQoS
	OpEnable
	OpDisable
	OpRelease
	OpUpdateMetadata
	OpReceiverStartReady
	OpReceiverStopReady
)

func (op Opcode) String() string {
	switch op {
	case OpConfigCodec:
		return "config_codec"
	case OpConfigQoS:
		return "config_qos"
	case OpEnable:
		return "enable"
	case OpDisable:
		return "disable"
	case OpRelease:
		return "release"
	case OpUpdateMetadata:
		return "update_metadata"
	case OpReceiverStartReady:
		return "receiver_start_ready"
	case OpReceiverStopReady:
		return "receiver_stop_ready"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

// ConfigCodecEntry is one {ase_id, target_latency, target_phy, codec_id,
// codec_config} tuple of a Config Codec operation.
type ConfigCodecEntry struct {
	AseID uint8
	TargetLatency uint8
	TargetPHY uint8
	CodecID uint8
	CodecConfig []byte // LTV-encoded LC3 parameters, see internal/codec
}

// ConfigQoSEntry is one {ase_id, cig_id, cis_id, ...} tuple of a Config QoS
// operation.
type ConfigQoSEntry struct {
	AseID uint8
	CigID uint8
	CisID uint8
	Framing bool
	PHY uint8
	MaxSdu uint16
	RetransNb uint8
	MaxTransportLatency uint16
	PresentationDelayUs uint32
	SduIntervalUs uint32
}

// MetadataEntry is one {ase_id, metadata} tuple of an Update Metadata
// operation.
type MetadataEntry struct {
	AseID uint8
	Metadata []byte
}

// EncodeConfigCodec serializes a Config Codec operation.
func EncodeConfigCodec(entries []ConfigCodecEntry) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(OpConfigCodec))
	buf.WriteByte(byte(len(entries)))
	for _, e := range entries {
		buf.WriteByte(e.AseID)
		buf.WriteByte(e.TargetLatency)
		buf.WriteByte(e.TargetPHY)
		buf.WriteByte(e.CodecID)
		buf.WriteByte(byte(len(e.CodecConfig)))
		buf.Write(e.CodecConfig)
	}
	return buf.Bytes()
}

// EncodeConfigQoS serializes a Config QoS operation.
func EncodeConfigQoS(entries []ConfigQoSEntry) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(OpConfigQoS))
	buf.WriteByte(byte(len(entries)))
	for _, e := range entries {
		buf.WriteByte(e.AseID)
		buf.WriteByte(e.CigID)
		buf.WriteByte(e.CisID)
		framing := byte(0)
		if e.Framing {
			framing = 1
		}
		buf.WriteByte(framing)
		buf.WriteByte(e.PHY)
		var u16 [2]byte
		binary.LittleEndian.PutUint16(u16[:], e.MaxSdu)
		buf.Write(u16[:])
		buf.WriteByte(e.RetransNb)
		binary.LittleEndian.PutUint16(u16[:], e.MaxTransportLatency)
		buf.Write(u16[:])
		var u32 [4]byte
		binary.LittleEndian.PutUint32(u32[:], e.PresentationDelayUs)
		buf.Write(u32[:])
		binary.LittleEndian.PutUint32(u32[:], e.SduIntervalUs)
		buf.Write(u32[:])
	}
	return buf.Bytes()
}

// encodeAseIDList serializes the common {opcode, count, ase_id...} shape
// shared by Enable, Disable, Release, Receiver Start/Stop Ready.
func encodeAseIDList(op Opcode, aseIDs []uint8, metadata []byte) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(op))
	buf.WriteByte(byte(len(aseIDs)))
	for _, id := range aseIDs {
		buf.WriteByte(id)
		if op == OpEnable {
			buf.WriteByte(byte(len(metadata)))
			buf.Write(metadata)
		}
	}
	return buf.Bytes()
}

// EncodeEnable serializes an Enable operation; metadata is broadcast to
// every listed ASE ("Enable/UpdateMetadata additionally carry a
// metadata blob").
func EncodeEnable(aseIDs []uint8, metadata []byte) []byte {
	return encodeAseIDList(OpEnable, aseIDs, metadata)
}

// EncodeDisable serializes a Disable operation.
func EncodeDisable(aseIDs []uint8) []byte { return encodeAseIDList(OpDisable, aseIDs, nil) }

// EncodeRelease serializes a Release operation.
func EncodeRelease(aseIDs []uint8) []byte { return encodeAseIDList(OpRelease, aseIDs, nil) }

// EncodeReceiverStartReady serializes a Receiver Start Ready operation.
func EncodeReceiverStartReady(aseIDs []uint8) []byte {
	return encodeAseIDList(OpReceiverStartReady, aseIDs, nil)
}

// EncodeReceiverStopReady serializes a Receiver Stop Ready operation.
func EncodeReceiverStopReady(aseIDs []uint8) []byte {
	return encodeAseIDList(OpReceiverStopReady, aseIDs, nil)
}

// EncodeUpdateMetadata serializes an Update Metadata operation, one
// metadata blob per ASE.
func EncodeUpdateMetadata(entries []MetadataEntry) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(OpUpdateMetadata))
	buf.WriteByte(byte(len(entries)))
	for _, e := range entries {
		buf.WriteByte(e.AseID)
		buf.WriteByte(byte(len(e.Metadata)))
		buf.Write(e.Metadata)
	}
	return buf.Bytes()
}

// MaxUnsealedWriteLen is the largest command payload deliverable via a
// non-response GATT write for a given MTU ("Writes use a
// non-response GATT write when the command ≤ MTU−3").
func MaxUnsealedWriteLen(mtu uint16) int {
	if mtu < 3 {
		return 0
	}
	return int(mtu) - 3
}

// WriteChunk is one segment of a long write: either the whole command (a
// single unsealed write) or one Prepare Write Request value blob plus the
// final Execute Write Request flag.
type WriteChunk struct {
	Offset uint16
	Value []byte
	Execute bool // true marks the final chunk's accompanying Execute Write Request
}

// SplitForMTU splits cmd into one unsealed write (Sealed=false semantics
// implicit: len(chunks)==1 && chunks[0].Offset==0 && !Execute) or a
// Prepare/Execute long-write sequence when cmd exceeds the MTU.
func SplitForMTU(cmd []byte, mtu uint16) []WriteChunk {
	limit := MaxUnsealedWriteLen(mtu)
	if limit <= 0 || len(cmd) <= limit {
		return []WriteChunk{{Offset: 0, Value: cmd}}
	}
	// Prepare Write Request payload is (MTU-5) bytes of value per PDU.
	prepareLimit := int(mtu) - 5
	if prepareLimit <= 0 {
		prepareLimit = 1
	}
	var chunks []WriteChunk
	for off := 0; off < len(cmd); off += prepareLimit {
		end := off + prepareLimit
		if end > len(cmd) {
			end = len(cmd)
		}
		chunks = append(chunks, WriteChunk{Offset: uint16(off), Value: cmd[off:end]})
	}
	chunks = append(chunks, WriteChunk{Execute: true})
	return chunks
}

// AseStatus is the decoded body of a single ASE status notification
// ("Notification decoder").
type AseStatus struct {
	AseID uint8
	NewState uint8 // mirrors ase.State, decoded by the caller against that enum

	// CodecConfigured body fields.
	Framing bool
	PreferredPHY uint8
	PreferredRetransNb uint8
	MaxTransportLatency uint16
	PresentationDelayMin uint32
	PresentationDelayMax uint32

	// Streaming/Enabling body field.
	Metadata []byte
}

// DecodeAseStatus parses one ASE status notification PDU.
//
// Wire shape: {ase_id, new_state, body_len, body...}. Body layout depends
// on new_state: CodecConfigured carries the preferred-QoS fields;
// Streaming/Enabling carry a metadata blob; all other states carry no body.
func DecodeAseStatus(pdu []byte) (AseStatus, error) {
	if len(pdu) < 3 {
		return AseStatus{}, fmt.Errorf("ascs: ase status pdu too short: %d bytes", len(pdu))
	}
	st := AseStatus{AseID: pdu[0], NewState: pdu[1]}
	bodyLen := int(pdu[2])
	body := pdu[3:]
	if len(body) < bodyLen {
		return AseStatus{}, fmt.Errorf("ascs: ase status body truncated: want %d have %d", bodyLen, len(body))
	}
	body = body[:bodyLen]

	const codecConfiguredState = 1 // ase.StateCodecConfigured, decoded without importing internal/ase to avoid a cycle
	const enablingState = 3
	const streamingState = 4

	switch st.NewState {
	case codecConfiguredState:
		if len(body) < 11 {
			return AseStatus{}, fmt.Errorf("ascs: codec_configured body too short: %d bytes", len(body))
		}
		st.Framing = body[0] != 0
		st.PreferredPHY = body[1]
		st.PreferredRetransNb = body[2]
		st.MaxTransportLatency = binary.LittleEndian.Uint16(body[3:5])
		st.PresentationDelayMin = uint32(body[5]) | uint32(body[6])<<8 | uint32(body[7])<<16
		st.PresentationDelayMax = uint32(body[8]) | uint32(body[9])<<8 | uint32(body[10])<<16
	case enablingState, streamingState:
		st.Metadata = append([]byte(nil), body...)
	}
	return st, nil
}

// CtpResult is one per-ASE entry of a control-point response.
type CtpResult struct {
	AseID uint8
	ResponseCode uint8
	Reason uint8
}

// Success is the ASCS response_code value meaning the command was accepted.
const Success uint8 = 0

// DecodeCtpResponse parses a control-point response notification:
// {count, {ase_id, response_code, reason}...}.
func DecodeCtpResponse(pdu []byte) ([]CtpResult, error) {
	if len(pdu) < 1 {
		return nil, fmt.Errorf("ascs: ctp response pdu empty")
	}
	count := int(pdu[0])
	rest := pdu[1:]
	if len(rest) != count*3 {
		return nil, fmt.Errorf("ascs: ctp response length mismatch: want %d entries (%d bytes), have %d bytes", count, count*3, len(rest))
	}
	out := make([]CtpResult, 0, count)
	for i := 0; i < count; i++ {
		off := i * 3
		out = append(out, CtpResult{AseID: rest[off], ResponseCode: rest[off+1], Reason: rest[off+2]})
	}
	return out, nil
}
