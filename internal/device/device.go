// SPDX-License-Identifier: MIT

// Package device models a single peer device within an LE Audio group: its
// connection state, its ordered set of ASEs, and the per-device bookkeeping
// the group state machine needs (control-point handle, MTU, CIS retry
// counter).
package device

import (
	"fmt"

	"github.com/leaudio-go/leaudio/internal/ase"
)

// ConnState is the ACL connection state of a device.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("conn_state(%d)", int(s))
	}
}

// MaxCisRetries bounds cis_failed_to_be_established_retry_cnt (Device).
const MaxCisRetries = 2

// Device is the per-peer record: one bonded peer's connection state,
// its discovered ASEs, and its CIS retry budget.
type Device struct {
	Address string // BD_ADDR, opaque identifier
	ConnID uint32 // ACL connection id
	MTU uint16
	CtpHandle uint16 // ASE Control Point characteristic handle

	ConnState ConnState

	ases []*ase.ASE

	cisRetryCount int
	maxCisRetries int
}

// New creates a device with no discovered ASEs yet and the default CIS
// retry budget (MaxCisRetries).
func New(address string) *Device {
	return &Device{Address: address, ConnState: Disconnected, maxCisRetries: MaxCisRetries}
}

// SetMaxCisRetries overrides the device's CIS retry budget, e.g. from a
// group's configured cis_max_retries.
func (d *Device) SetMaxCisRetries(n int) {
	d.maxCisRetries = n
}

// AddASE registers a discovered ASE. ASEs persist for the device's lifetime
// once discovered ("Lifecycle").
func (d *Device) AddASE(a *ase.ASE) {
	d.ases = append(d.ases, a)
}

// ASEs returns the device's ASEs in discovery order.
func (d *Device) ASEs() []*ase.ASE {
	return d.ases
}

// ActiveASEs returns the subset of ASEs currently marked active.
func (d *Device) ActiveASEs() []*ase.ASE {
	var out []*ase.ASE
	for _, a := range d.ases {
		if a.Active {
			out = append(out, a)
		}
	}
	return out
}

// ASEByID looks up an ASE by its peer-assigned id.
func (d *Device) ASEByID(id uint8) *ase.ASE {
	for _, a := range d.ases {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// AllActiveInState reports whether every active ASE is in the given state.
func (d *Device) AllActiveInState(s ase.State) bool {
	active := d.ActiveASEs()
	if len(active) == 0 {
		return false
	}
	for _, a := range active {
		if a.State != s {
			return false
		}
	}
	return true
}

// AllActiveCisConnected reports whether every active ASE's CIS half has
// reached Connected.
func (d *Device) AllActiveCisConnected() bool {
	active := d.ActiveASEs()
	if len(active) == 0 {
		return false
	}
	for _, a := range active {
		if a.CISState != ase.CISConnected {
			return false
		}
	}
	return true
}

// RecordCisFailure increments the bounded retry counter. It returns false
// once the device has exhausted its retry budget ("CIS
// establishment failure with ConnFailedEstablishment → 2 retries").
func (d *Device) RecordCisFailure() (retriesRemaining bool) {
	d.cisRetryCount++
	return d.cisRetryCount <= d.maxCisRetries
}

// ResetCisRetries clears the retry counter, called once a device's CIS set
// has fully torn down.
func (d *Device) ResetCisRetries() {
	d.cisRetryCount = 0
}

// CisRetryCount returns the current retry counter value (test/diagnostic use).
func (d *Device) CisRetryCount() int {
	return d.cisRetryCount
}

// MarkDisconnected clears active/session state on ACL disconnect: marks all
// of the device's ASEs inactive and invalidates cached configurations. ASE
// records themselves persist; rediscovery is not required on reconnect.
func (d *Device) MarkDisconnected() {
	d.ConnState = Disconnected
	for _, a := range d.ases {
		a.Active = false
		a.CodecConfig = nil
		a.Metadata = nil
	}
	d.ResetCisRetries()
}
