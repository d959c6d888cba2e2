// Package accumulator turns successive raw RAPL counter samples into a
// monotonic microjoule total, compensating for 32-bit counter wraparound.
package accumulator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrWraparoundAnomaly reports a polling gap long enough that more than one
// counter wrap could have occurred. Modular reconstruction absorbs exactly
// one wrap; beyond that the interval's energy cannot be recovered, so it is
// discarded as uncertain rather than guessed.
var ErrWraparoundAnomaly = errors.New("polling gap too large for wraparound reconstruction")

// Snapshot is an immutable, consistent copy of an accumulator's state.
type Snapshot struct {
	Domain      string
	TotalUJ     uint64
	LastRaw     uint64
	LastTime    time.Time
	Initialized bool
	WrapEvents  uint64
	Anomalies   uint64
}

// Accumulator tracks one energy domain. The poller is its only writer;
// socket handlers read it through Snapshot. TotalUJ never decreases once
// the first sample establishes a baseline.
type Accumulator struct {
	mu     sync.Mutex
	domain string
	unitUJ float64
	maxGap time.Duration

	initialized bool
	totalUJ     uint64
	lastRaw     uint64
	lastTime    time.Time
	wrapEvents  uint64
	anomalies   uint64
}

// New creates an accumulator for domain with the given microjoules-per-count
// unit. maxGap bounds the interval over which a single wrap can be assumed;
// zero disables the gap check.
func New(domain string, unitUJ float64, maxGap time.Duration) *Accumulator {
	return &Accumulator{domain: domain, unitUJ: unitUJ, maxGap: maxGap}
}

// Domain returns the domain identifier this accumulator tracks.
func (a *Accumulator) Domain() string { return a.domain }

// Observe feeds one raw sample and returns the microjoule delta applied to
// the total.
//
// The first observation only establishes the baseline and contributes zero:
// no energy is attributed to the un-sampled interval before it. Subsequent
// deltas are computed modulo 2^32, which is correct whether or not the
// counter wrapped, as long as at most one wrap occurred. When the elapsed
// time since the previous sample exceeds maxGap the sample rebaselines the
// state and ErrWraparoundAnomaly is returned; the caller decides how to
// report the discarded interval.
func (a *Accumulator) Observe(raw uint64, at time.Time) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		a.lastRaw = raw
		a.lastTime = at
		a.initialized = true
		return 0, nil
	}

	if gap := at.Sub(a.lastTime); a.maxGap > 0 && gap > a.maxGap {
		a.lastRaw = raw
		a.lastTime = at
		a.anomalies++
		return 0, fmt.Errorf("%w: domain %s gap %s exceeds %s",
			ErrWraparoundAnomaly, a.domain, gap, a.maxGap)
	}

	// Unsigned modular subtraction over the counter width absorbs exactly
	// one wrap.
	deltaCounts := uint32(raw - a.lastRaw)
	if raw < a.lastRaw {
		a.wrapEvents++
	}

	deltaUJ := uint64(math.Round(float64(deltaCounts) * a.unitUJ))
	newTotal := a.totalUJ + deltaUJ
	if newTotal < a.totalUJ {
		// uint64 overflow would make the total appear to decrease, which
		// violates the monotonicity contract. Unreachable with real
		// hardware rates; a bug if it happens.
		panic(fmt.Sprintf("accumulator %s: total overflow (%d + %d)", a.domain, a.totalUJ, deltaUJ))
	}

	a.totalUJ = newTotal
	a.lastRaw = raw
	a.lastTime = at
	return deltaUJ, nil
}

// Snapshot returns a consistent copy of the state. A reader never observes
// a partially updated TotalUJ/LastRaw pair.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Domain:      a.domain,
		TotalUJ:     a.totalUJ,
		LastRaw:     a.lastRaw,
		LastTime:    a.lastTime,
		Initialized: a.initialized,
		WrapEvents:  a.wrapEvents,
		Anomalies:   a.anomalies,
	}
}
