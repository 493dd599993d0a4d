// SPDX-License-Identifier: MIT

package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/leaudio-go/leaudio/internal/config"
	"github.com/leaudio-go/leaudio/internal/group"
	"github.com/leaudio-go/leaudio/internal/iso"
	"github.com/leaudio-go/leaudio/internal/statemachine"
)

func TestAttachWiresGroupConfig(t *testing.T) {
	r := NewRegistry(nil)
	xport := NewLoopbackTransport(nil)
	cfg := config.GroupConfig{DsaMode: "iso_hw", CisMaxRetries: 5, AsymmetricPhy: true}

	driver, run, err := r.Attach(1, cfg, xport)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if driver.Group.Dsa.Mode != group.DsaIsoHW {
		t.Errorf("Dsa.Mode = %v, want DsaIsoHW", driver.Group.Dsa.Mode)
	}
	if !driver.Group.AsymmetricPhyForUnidirectionalCisSupported {
		t.Error("AsymmetricPhyForUnidirectionalCisSupported should carry cfg.AsymmetricPhy")
	}
	if driver.Group.CisMaxRetries != 5 {
		t.Errorf("CisMaxRetries = %d, want 5", driver.Group.CisMaxRetries)
	}
	if run == nil {
		t.Fatal("Attach should return a non-nil run function")
	}
}

func TestAttachRejectsDuplicateGroupID(t *testing.T) {
	r := NewRegistry(nil)
	if _, _, err := r.Attach(1, config.GroupConfig{}, NewLoopbackTransport(nil)); err != nil {
		t.Fatalf("first Attach: %v", err)
	}
	if _, _, err := r.Attach(1, config.GroupConfig{}, NewLoopbackTransport(nil)); err == nil {
		t.Error("second Attach with the same group id should fail")
	}
}

func TestDetachRemovesGroup(t *testing.T) {
	r := NewRegistry(nil)
	r.Attach(1, config.GroupConfig{}, NewLoopbackTransport(nil))
	r.Detach(1)
	if len(r.Groups()) != 0 {
		t.Error("Groups() should be empty after Detach")
	}
}

func TestDriversAndGroupsReflectAttachedState(t *testing.T) {
	r := NewRegistry(nil)
	r.Attach(1, config.GroupConfig{}, NewLoopbackTransport(nil))
	r.Attach(2, config.GroupConfig{}, NewLoopbackTransport(nil))

	if len(r.Drivers()) != 2 {
		t.Errorf("len(Drivers()) = %d, want 2", len(r.Drivers()))
	}
	groups := r.Groups()
	if len(groups) != 2 {
		t.Fatalf("len(Groups()) = %d, want 2", len(groups))
	}
	for _, gh := range groups {
		if !gh.Healthy {
			t.Errorf("group %d should start Healthy", gh.GroupID)
		}
	}
}

func TestRunIncrementsRestartsAfterFirstCall(t *testing.T) {
	r := NewRegistry(nil)
	_, run, err := r.Attach(1, config.GroupConfig{}, NewLoopbackTransport(nil))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run(ctx)
	run(ctx)
	run(ctx)

	groups := r.Groups()
	if len(groups) != 1 || groups[0].Restarts != 2 {
		t.Errorf("restarts = %+v, want 2 after 3 run() calls", groups)
	}
}

func TestCallbacksUpdateHealth(t *testing.T) {
	r := NewRegistry(nil)
	r.Attach(1, config.GroupConfig{}, NewLoopbackTransport(nil))

	r.OnStateTransitionTimeout(1)
	groups := r.Groups()
	if groups[0].Healthy {
		t.Error("OnStateTransitionTimeout should mark the group unhealthy")
	}
	if groups[0].Error == "" {
		t.Error("expected a non-empty Error after a timeout")
	}

	r.StatusReportCb(1, statemachine.StatusStreaming)
	groups = r.Groups()
	if !groups[0].Healthy {
		t.Error("a forward status report should clear the unhealthy flag")
	}
	if groups[0].Error != "" {
		t.Error("a forward status report should clear the error string")
	}
}

func TestCallbacksDoNotPanicForUnknownGroup(t *testing.T) {
	r := NewRegistry(nil)
	r.StatusReportCb(99, statemachine.StatusStreaming)
	r.OnStateTransitionTimeout(99)
	r.OnUpdatedCisConfiguration(99, 0)
	r.OnDeviceAutonomousStateTransitionTimeout("AA:BB")
	r.RecordSignalingFailure(99)
}

func TestDsaModeFromString(t *testing.T) {
	cases := map[string]group.DsaMode{
		"free": group.DsaFree,
		"iso_sw": group.DsaIsoSW,
		"iso_hw": group.DsaIsoHW,
		"bogus": group.DsaFree,
	}
	for in, want := range cases {
		if got := dsaModeFromString(in); got != want {
			t.Errorf("dsaModeFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoopbackTransportDeliversCigCreated(t *testing.T) {
	xport := NewLoopbackTransport(nil)
	events := make(chan iso.Event, 1)
	xport.SetDeliver(func(ev iso.Event) { events <- ev })

	if err := xport.CreateCig(iso.CigParams{GroupID: 1, CigID: 2, CisIDs: []uint8{0}}); err != nil {
		t.Fatalf("CreateCig: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != iso.EventCigCreated || ev.Status != iso.StatusSuccess || len(ev.ConnHandles) != 1 {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the loopback CigCreated event")
	}
}
