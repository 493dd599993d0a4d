// SPDX-License-Identifier: MIT

// Package watchdog bounds every group transition and every autonomous
// per-ASE operation with a timer. Both timer kinds are modeled as thin
// wrappers over time.AfterFunc with nil-safe, mutex-guarded accessors.
package watchdog

import (
	"sync"
	"time"

	"github.com/leaudio-go/leaudio/internal/ase"
)

// DefaultTransitionTimeout bounds a group's transition toward its target
// state ("Default timeout 3500 ms").
const DefaultTransitionTimeout = 3500 * time.Millisecond

// DefaultAutonomousTimeout bounds a peer-initiated transition that does not
// match the group's target state ("5000 ms").
const DefaultAutonomousTimeout = 5000 * time.Millisecond

// Timer is a single-shot, re-armable watchdog. At most one is scheduled at
// a time per owner ("At most one watchdog is scheduled per group").
type Timer struct {
	mu sync.Mutex
	duration time.Duration
	t *time.Timer
	armed bool
}

// New creates a disarmed Timer with the given duration.
func New(duration time.Duration) *Timer {
	return &Timer{duration: duration}
}

// Arm (re-)starts the timer, canceling any previously scheduled firing.
// fn runs on its own goroutine when the timer expires; it is not called if
// Disarm or a subsequent Arm happens first.
func (w *Timer) Arm(fn func()) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.t != nil {
		w.t.Stop()
	}
	w.t = time.AfterFunc(w.duration, fn)
	w.armed = true
}

// Disarm cancels any scheduled firing. Safe to call when already disarmed.
func (w *Timer) Disarm() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.t != nil {
		w.t.Stop()
		w.t = nil
	}
	w.armed = false
}

// Armed reports whether a firing is currently scheduled.
func (w *Timer) Armed() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// SetDuration changes the duration used by future Arm calls (e.g. a
// koanf-reloaded watchdog timeout); it does not affect an already-scheduled
// firing.
func (w *Timer) SetDuration(d time.Duration) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.duration = d
}

// AutonomousTimer guards one ASE's peer-initiated transition that did not
// match the group's target state ("Autonomous remote
// transitions"). It wraps a Timer with the target state the peer claimed,
// so the expiry handler can report which half got stuck.
type AutonomousTimer struct {
	*Timer
	aseID uint8
	targetState ase.State
}

// NewAutonomous creates an autonomous-operation timer for one ASE.
func NewAutonomous(aseID uint8, targetState ase.State) *AutonomousTimer {
	return &AutonomousTimer{
		Timer: New(DefaultAutonomousTimeout),
		aseID: aseID,
		targetState: targetState,
	}
}

// AseID returns the ASE this timer guards.
func (a *AutonomousTimer) AseID() uint8 { return a.aseID }

// TargetState returns the autonomous target state the peer claimed.
func (a *AutonomousTimer) TargetState() ase.State { return a.targetState }
