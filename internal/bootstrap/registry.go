// SPDX-License-Identifier: MIT

// Package bootstrap wires together the per-group collaborators
// (internal/group, internal/iso, internal/statemachine, internal/transport)
// that cmd/leaudiod and cmd/leaudioctl both need to attach a group, and
// tracks the health/status view internal/health and internal/menu read.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leaudio-go/leaudio/internal/ase"
	"github.com/leaudio-go/leaudio/internal/config"
	"github.com/leaudio-go/leaudio/internal/group"
	"github.com/leaudio-go/leaudio/internal/health"
	"github.com/leaudio-go/leaudio/internal/iso"
	"github.com/leaudio-go/leaudio/internal/menu"
	"github.com/leaudio-go/leaudio/internal/statemachine"
	"github.com/leaudio-go/leaudio/internal/transport"
)

func dsaModeFromString(s string) group.DsaMode {
	switch s {
	case "iso_sw":
		return group.DsaIsoSW
	case "iso_hw":
		return group.DsaIsoHW
	default:
		return group.DsaFree
	}
}

type groupEntry struct {
	driver *menu.GroupDriver
	attachedAt time.Time
	restarts int
	unhealthy bool
	lastErr string
}

// Registry owns every attached group's Group/Machine/Boundary triple. It
// implements statemachine.Callbacks and statemachine.HealthRecorder for
// every group it attaches, and health.StatusProvider for the daemon's
// health endpoint.
type Registry struct {
	mu sync.RWMutex
	groups map[uint32]*groupEntry
	log *slog.Logger
}

// NewRegistry creates an empty registry. log may be nil.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{groups: make(map[uint32]*groupEntry), log: log}
}

func (r *Registry) logf(msg string, args ...any) {
	if r.log != nil {
		r.log.Info(msg, args...)
	}
}

// Attach builds a Group/Coordinator/Machine/Boundary for groupID from cfg,
// registers it, and returns its bench driver plus the run function to hand
// to internal/supervisor. The run function increments the entry's restart
// counter on every invocation after the first, reflecting a supervisor
// restart.
func (r *Registry) Attach(groupID uint32, cfg config.GroupConfig, xport *LoopbackTransport) (*menu.GroupDriver, func(context.Context) error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[groupID]; exists {
		return nil, nil, fmt.Errorf("bootstrap: group %d already attached", groupID)
	}

	g := group.New(groupID)
	g.Dsa.Mode = dsaModeFromString(cfg.DsaMode)
	g.AsymmetricPhyForUnidirectionalCisSupported = cfg.AsymmetricPhy
	g.CisMaxRetries = cfg.CisMaxRetries

	coord := iso.NewCoordinator(xport)
	xport.SetDeliver(coord.Deliver)

	machine := statemachine.New(g, coord, xport, r, r, r.log)
	boundary := transport.New(machine)

	driver := &menu.GroupDriver{Group: g, Machine: machine, Boundary: boundary}
	entry := &groupEntry{driver: driver, attachedAt: time.Now()}
	r.groups[groupID] = entry

	first := true
	run := func(ctx context.Context) error {
		if !first {
			r.mu.Lock()
			entry.restarts++
			r.mu.Unlock()
		}
		first = false
		return machine.Run(ctx)
	}

	r.logf("group attached", "group_id", groupID, "dsa_mode", cfg.DsaMode)
	return driver, run, nil
}

// Detach removes a group's bookkeeping. The caller is responsible for
// removing its loop from the supervisor first.
func (r *Registry) Detach(groupID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, groupID)
}

// Drivers returns every attached group's bench driver, for
// internal/menu.CreateMainMenu.
func (r *Registry) Drivers() []*menu.GroupDriver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*menu.GroupDriver, 0, len(r.groups))
	for _, e := range r.groups {
		out = append(out, e.driver)
	}
	return out
}

// Groups implements health.StatusProvider.
func (r *Registry) Groups() []health.GroupHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]health.GroupHealth, 0, len(r.groups))
	for id, e := range r.groups {
		out = append(out, health.GroupHealth{
			GroupID: id,
			State: e.driver.Group.State.String(),
			CigState: e.driver.Group.CigState.String(),
			Uptime: time.Since(e.attachedAt),
			Healthy: !e.unhealthy,
			Error: e.lastErr,
			Restarts: e.restarts,
			SignalingFailures: e.driver.Machine.SignalingFailures(),
		})
	}
	return out
}

// StatusReportCb implements statemachine.Callbacks. A forward status report
// is treated as evidence the group recovered from any earlier timeout.
func (r *Registry) StatusReportCb(groupID uint32, status statemachine.StatusReport) {
	r.logf("status report", "group_id", groupID, "status", status.String())
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.groups[groupID]; ok {
		e.unhealthy = false
		e.lastErr = ""
	}
}

// OnStateTransitionTimeout implements statemachine.Callbacks.
func (r *Registry) OnStateTransitionTimeout(groupID uint32) {
	r.logf("group transition timed out", "group_id", groupID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.groups[groupID]; ok {
		e.unhealthy = true
		e.lastErr = "transition timed out"
	}
}

// OnUpdatedCisConfiguration implements statemachine.Callbacks.
func (r *Registry) OnUpdatedCisConfiguration(groupID uint32, dir ase.Direction) {
	r.logf("cis configuration updated", "group_id", groupID, "direction", dir.String())
}

// OnDeviceAutonomousStateTransitionTimeout implements statemachine.Callbacks.
func (r *Registry) OnDeviceAutonomousStateTransitionTimeout(deviceAddr string) {
	r.logf("device autonomous transition timed out", "device", deviceAddr)
}

// RecordSignalingFailure implements statemachine.HealthRecorder.
func (r *Registry) RecordSignalingFailure(groupID uint32) {
	r.logf("signaling failure recorded", "group_id", groupID)
}
