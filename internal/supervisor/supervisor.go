// SPDX-License-Identifier: MIT

// Package supervisor hosts one goroutine per active group's state-machine
// loop (internal/statemachine's Machine.Run) plus the health HTTP server,
// under a real github.com/thejerf/suture/v4 supervision tree instead of a
// hand-rolled goroutine+WaitGroup: a crashed or errored group loop is
// restarted with suture's exponential backoff rather than taking the whole
// daemon down: one group's failure never affects another.
//
// The registration/status-reporting surface (Add/Remove/Status, ServiceState,
// ServiceStatus) is a hand-rolled layer kept because internal/health's
// StatusProvider and cmd/leaudiod consume it; the actual scheduling
// underneath is suture's.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// ServiceState mirrors a supervised loop's last observed lifecycle phase,
// reconstructed from suture's EventHook since suture itself only exposes
// coarse-grained introspection.
type ServiceState int

const (
	ServiceStateIdle ServiceState = iota
	ServiceStateRunning
	ServiceStateFailed
	ServiceStateStopped
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus reports one supervised loop's health, consumed by
// internal/health's StatusProvider adapter.
type ServiceStatus struct {
	Name string
	State ServiceState
	StartTime time.Time
	Uptime time.Duration
	Restarts int
	LastError error
}

// Config configures the underlying suture.Supervisor.
type Config struct {
	// ShutdownTimeout bounds suture.Supervisor.RemoveAndWait during Remove.
	ShutdownTimeout time.Duration

	// Logger receives structured supervisor events (service start, restart,
	// backoff) if set; nil-safe like the rest of this repo's logging.
	Logger *slog.Logger
}

// DefaultConfig returns sensible suture tuning for a handful of group loops.
func DefaultConfig() Config {
	return Config{ShutdownTimeout: 10 * time.Second}
}

// namedService adapts a bare run function into suture.Service, which only
// requires Serve(ctx) error.
type namedService struct {
	name string
	run func(ctx context.Context) error
}

func (n namedService) Serve(ctx context.Context) error { return n.run(ctx) }
func (n namedService) String() string { return n.name }

// Supervisor hosts one suture.Service per active group's state-machine loop
// and one for the health HTTP server.
type Supervisor struct {
	cfg Config
	sup *suture.Supervisor

	mu sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	token suture.ServiceToken
	state ServiceState
	startTime time.Time
	restarts int
	lastError error
}

// New creates a Supervisor. name identifies the suture.Supervisor tree in
// logs and EventHook output.
func New(name string, cfg Config) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Supervisor{cfg: cfg, entries: make(map[string]*entry)}
	s.sup = suture.New(name, suture.Spec{
		EventHook: s.onEvent,
	})
	return s
}

// onEvent is suture's EventHook: it folds suture's own restart/backoff/panic
// notifications into the per-service ServiceStatus this package exposes,
// since suture does not track per-service uptime/restart counts itself.
func (s *Supervisor) onEvent(ev suture.Event) {
	name := ""
	var failErr error
	restarting := true

	switch e := ev.(type) {
	case suture.EventServiceTerminate:
		name = e.ServiceName
		restarting = e.Restarting
		if err, ok := e.Err.(error); ok {
			failErr = err
		} else if e.Err != nil {
			failErr = fmt.Errorf("%v", e.Err)
		}
	case suture.EventServicePanic:
		name = e.ServiceName
		restarting = e.Restarting
		failErr = fmt.Errorf("panic: %v", e.PanicMsg)
	default:
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn("supervisor event", "event", ev.String())
		}
		return
	}

	s.mu.Lock()
	if en, ok := s.entries[name]; ok {
		en.restarts++
		en.lastError = failErr
		if restarting {
			en.state = ServiceStateFailed
		} else {
			en.state = ServiceStateStopped
		}
	}
	s.mu.Unlock()

	if s.cfg.Logger != nil {
		s.cfg.Logger.Warn("supervised loop terminated", "service", name, "restarting", restarting, "error", failErr)
	}
}

// Add registers a named service (typically one group's Machine.Run, or the
// health HTTP server) with the supervision tree. If the supervisor is
// already running (Serve has been called), the service starts immediately.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("supervisor: service %q already registered", name)
	}
	token := s.sup.Add(namedService{name: name, run: run})
	s.entries[name] = &entry{token: token, state: ServiceStateRunning, startTime: time.Now()}
	return nil
}

// Remove unregisters and stops a service, waiting up to ShutdownTimeout.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	en, exists := s.entries[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: service %q not found", name)
	}
	delete(s.entries, name)
	s.mu.Unlock()

	return s.sup.RemoveAndWait(en.token, s.cfg.ShutdownTimeout)
}

// Status returns the current status of every registered service.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(s.entries))
	now := time.Now()
	for name, en := range s.entries {
		var uptime time.Duration
		if en.state == ServiceStateRunning && !en.startTime.IsZero() {
			uptime = now.Sub(en.startTime)
		}
		out = append(out, ServiceStatus{
			Name: name,
			State: en.state,
			StartTime: en.startTime,
			Uptime: uptime,
			Restarts: en.restarts,
			LastError: en.lastError,
		})
	}
	return out
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Serve runs the suture supervision tree until ctx is canceled, restarting
// any group loop or the health server that exits with a non-nil error.
func (s *Supervisor) Serve(ctx context.Context) error {
	return s.sup.Serve(ctx)
}
