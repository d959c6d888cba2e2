// Package rapl reads Intel RAPL energy counters through either the
// unprivileged powercap sysfs tree or raw model-specific registers.
//
// Both backends return samples masked to 32 bits. Some hardware reports a
// wider register that still wraps at 32 bits in practice; normalizing here
// keeps the downstream wraparound arithmetic uniform across backends.
package rapl

import (
	"errors"
	"time"
)

// Model-specific registers used by the MSR backend.
const (
	MSRPowerUnit       = 0x606 // RAPL power unit register, read once at startup
	MSRPkgEnergyStatus = 0x611 // package energy status counter, polled
)

const mask32 = (1 << 32) - 1

var (
	// ErrSourceUnavailable indicates a sysfs energy file that is missing,
	// unreadable, or malformed. Fatal to that domain's polling only.
	ErrSourceUnavailable = errors.New("energy source unavailable")

	// ErrDeviceUnavailable indicates a missing MSR device node, typically
	// because the msr kernel module is not loaded.
	ErrDeviceUnavailable = errors.New("msr device unavailable")

	// ErrPermissionDenied indicates the MSR device exists but cannot be
	// opened without elevated privilege.
	ErrPermissionDenied = errors.New("msr permission denied")
)

// Sample is one raw counter reading for a domain. Raw is already masked to
// 32 bits. Samples are immutable and never persisted.
type Sample struct {
	Domain string
	Raw    uint64
	Time   time.Time
}

// Source reads raw energy counters for a single RAPL domain. Reads have no
// side effects and are safe at polling frequency.
type Source interface {
	// Domain returns the stable identifier for this energy domain.
	Domain() string

	// Unit returns the scale factor in microjoules per raw count. It is
	// derived once at construction and constant for the source lifetime.
	Unit() float64

	// ReadRaw fetches the current counter value.
	ReadRaw() (Sample, error)
}
