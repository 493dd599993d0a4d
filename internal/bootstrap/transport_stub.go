// SPDX-License-Identifier: MIT

package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/leaudio-go/leaudio/internal/device"
	"github.com/leaudio-go/leaudio/internal/iso"
	"github.com/leaudio-go/leaudio/internal/util"
)

// LoopbackTransport stands in for the two external collaborators the state
// machine core never implements itself: the GATT client (statemachine.GattWriter)
// and the controller-side CIG/CIS/data-path primitives (iso.Manager). Neither
// has a real backend in this repository — BlueZ GATT and HCI access are
// platform integrations outside this package's scope — so this stub
// acknowledges every request immediately and synthesizes the matching
// controller completion on a short delay, letting cmd/leaudiod and
// cmd/leaudioctl drive a group through its full lifecycle without hardware.
//
// A production deployment replaces this with a real D-Bus GATT client and
// HCI socket-backed iso.Manager; nothing in internal/statemachine,
// internal/iso or internal/transport needs to change to support that swap.
type LoopbackTransport struct {
	log *slog.Logger
	deliver func(iso.Event)

	nextConnHandle uint16
}

// NewLoopbackTransport constructs a stub transport. Call SetDeliver once the
// owning iso.Coordinator exists, before any Manager method is invoked.
func NewLoopbackTransport(log *slog.Logger) *LoopbackTransport {
	return &LoopbackTransport{log: log, nextConnHandle: 0x40}
}

// SetDeliver wires the coordinator's completion sink. Coordinator and
// Manager are mutually referential (the coordinator wraps the manager, the
// manager must deliver back through the coordinator), so this is set after
// both are constructed.
func (s *LoopbackTransport) SetDeliver(fn func(iso.Event)) {
	s.deliver = fn
}

func (s *LoopbackTransport) logf(msg string, args ...any) {
	if s.log != nil {
		s.log.Debug(msg, args...)
	}
}

func (s *LoopbackTransport) after(delay time.Duration, fn func()) {
	util.SafeGo("loopback-transport", nil, func() {
		time.Sleep(delay)
		fn()
	}, nil)
}

// WriteControlPoint implements statemachine.GattWriter. It only logs: no
// real peer exists to notify back, so ASE status/CTP response events never
// arrive from this stub. Driving a stub-backed group past Config Codec
// requires feeding NotifyAseStatus/NotifyCtpResponse from elsewhere (tests
// do this directly).
func (s *LoopbackTransport) WriteControlPoint(_ context.Context, d *device.Device, payload []byte) error {
	s.logf("control point write", "device", d.Address, "bytes", len(payload))
	return nil
}

// CreateCig implements iso.Manager.
func (s *LoopbackTransport) CreateCig(params iso.CigParams) error {
	s.logf("create cig", "group_id", params.GroupID, "cig_id", params.CigID, "cis_count", len(params.CisIDs))
	handles := make([]uint16, len(params.CisIDs))
	for i := range params.CisIDs {
		handles[i] = s.nextConnHandle
		s.nextConnHandle++
	}
	s.after(10*time.Millisecond, func() {
		s.deliver(iso.Event{Kind: iso.EventCigCreated, Status: iso.StatusSuccess, GroupID: params.GroupID, CigID: params.CigID, ConnHandles: handles})
	})
	return nil
}

// RemoveCig implements iso.Manager.
func (s *LoopbackTransport) RemoveCig(groupID uint32, cigID uint8, force bool) error {
	s.logf("remove cig", "group_id", groupID, "cig_id", cigID, "force", force)
	s.after(5*time.Millisecond, func() {
		s.deliver(iso.Event{Kind: iso.EventCigRemoved, Status: iso.StatusSuccess, GroupID: groupID, CigID: cigID})
	})
	return nil
}

// EstablishCis implements iso.Manager.
func (s *LoopbackTransport) EstablishCis(pairs []iso.CisPair) error {
	for _, p := range pairs {
		p := p
		s.logf("establish cis", "cis_conn_handle", p.CisConnHandle)
		s.after(10*time.Millisecond, func() {
			s.deliver(iso.Event{Kind: iso.EventCisEstablished, Status: iso.StatusSuccess, CisConnHandle: p.CisConnHandle})
		})
	}
	return nil
}

// DisconnectCis implements iso.Manager.
func (s *LoopbackTransport) DisconnectCis(cisConnHandle uint16, reason uint8) error {
	s.logf("disconnect cis", "cis_conn_handle", cisConnHandle, "reason", reason)
	s.after(5*time.Millisecond, func() {
		s.deliver(iso.Event{Kind: iso.EventCisDisconnected, Status: iso.StatusSuccess, CisConnHandle: cisConnHandle, Reason: reason})
	})
	return nil
}

// SetupIsoDataPath implements iso.Manager.
func (s *LoopbackTransport) SetupIsoDataPath(cfg iso.DataPathConfig) error {
	s.logf("setup iso data path", "cis_conn_handle", cfg.CisConnHandle, "direction", cfg.Direction)
	s.after(5*time.Millisecond, func() {
		s.deliver(iso.Event{Kind: iso.EventIsoDataPathSetup, Status: iso.StatusSuccess, CisConnHandle: cfg.CisConnHandle, Direction: cfg.Direction})
	})
	return nil
}

// RemoveIsoDataPath implements iso.Manager.
func (s *LoopbackTransport) RemoveIsoDataPath(cisConnHandle uint16, directionMask uint8) error {
	s.logf("remove iso data path", "cis_conn_handle", cisConnHandle, "direction_mask", directionMask)
	var dir iso.Direction
	if directionMask&0x1 != 0 {
		dir = iso.DirectionInput
	} else {
		dir = iso.DirectionOutput
	}
	s.after(5*time.Millisecond, func() {
		s.deliver(iso.Event{Kind: iso.EventIsoDataPathRemoved, Status: iso.StatusSuccess, CisConnHandle: cisConnHandle, Direction: dir})
	})
	return nil
}
