// Package governor coordinates hardware polling and snapshot publication
// for the carbon governance daemon.
package governor

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scrrlt/carbon-ops/internal/accumulator"
	"github.com/scrrlt/carbon-ops/internal/rapl"
)

// inactiveThreshold is how many consecutive unavailable reads a domain
// tolerates before polling stops for it. Other domains are unaffected.
const inactiveThreshold = 3

type domainState struct {
	source    rapl.Source
	acc       *accumulator.Accumulator
	active    atomic.Bool
	failures  int
	wrapsSeen uint64
}

// Runtime owns the domain set: one energy source plus one accumulator per
// domain. The poller is the only mutator; socket handlers and the ledger
// path read consistent snapshots.
type Runtime struct {
	domains []*domainState
	byName  map[string]*domainState
	logger  *zap.Logger
}

// NewRuntime builds a runtime over the given sources. maxGap is the longest
// sampling gap for which single-wrap reconstruction is trusted.
func NewRuntime(sources []rapl.Source, maxGap time.Duration, logger *zap.Logger) *Runtime {
	rt := &Runtime{
		byName: make(map[string]*domainState, len(sources)),
		logger: logger,
	}
	for _, src := range sources {
		ds := &domainState{
			source: src,
			acc:    accumulator.New(src.Domain(), src.Unit(), maxGap),
		}
		ds.active.Store(true)
		rt.domains = append(rt.domains, ds)
		rt.byName[src.Domain()] = ds
	}
	return rt
}

// Domains lists all configured domain identifiers, active or not.
func (rt *Runtime) Domains() []string {
	names := make([]string, 0, len(rt.domains))
	for _, ds := range rt.domains {
		names = append(names, ds.source.Domain())
	}
	return names
}

// Readings returns accumulated totals for the requested domains, or for all
// domains when the filter is empty. Each domain's snapshot is taken
// atomically, so a reading never reflects a partially updated total.
func (rt *Runtime) Readings(filter []string) (map[string]uint64, error) {
	readings := make(map[string]uint64)
	if len(filter) == 0 {
		for _, ds := range rt.domains {
			readings[ds.source.Domain()] = ds.acc.Snapshot().TotalUJ
		}
		return readings, nil
	}
	for _, name := range filter {
		ds, ok := rt.byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown domain %q", name)
		}
		readings[name] = ds.acc.Snapshot().TotalUJ
	}
	return readings, nil
}

// Snapshots returns per-domain accumulator state for diagnostics.
func (rt *Runtime) Snapshots() []accumulator.Snapshot {
	snaps := make([]accumulator.Snapshot, 0, len(rt.domains))
	for _, ds := range rt.domains {
		snaps = append(snaps, ds.acc.Snapshot())
	}
	return snaps
}

// PollOnce reads every active domain in order and feeds its accumulator.
// Per-domain errors are isolated: an unavailable source is retried a few
// times and then marked inactive; anomalies discard the interval but keep
// the domain polling.
func (rt *Runtime) PollOnce() {
	pollCyclesTotal.Inc()
	for _, ds := range rt.domains {
		if !ds.active.Load() {
			continue
		}
		rt.pollDomain(ds)
	}
}

func (rt *Runtime) pollDomain(ds *domainState) {
	name := ds.source.Domain()

	sample, err := ds.source.ReadRaw()
	if err != nil {
		readErrorsTotal.WithLabelValues(name).Inc()
		ds.failures++
		if ds.failures >= inactiveThreshold {
			ds.active.Store(false)
			rt.logger.Error("domain marked inactive after repeated read failures",
				zap.String("domain", name),
				zap.Int("failures", ds.failures),
				zap.Error(err))
			return
		}
		rt.logger.Warn("energy read failed",
			zap.String("domain", name),
			zap.Error(err))
		return
	}
	ds.failures = 0

	if _, err := ds.acc.Observe(sample.Raw, sample.Time); err != nil {
		anomaliesTotal.WithLabelValues(name).Inc()
		rt.logger.Warn("sampling interval discarded",
			zap.String("domain", name),
			zap.Error(err))
		return
	}

	snap := ds.acc.Snapshot()
	energyTotalUJ.WithLabelValues(name).Set(float64(snap.TotalUJ))
	if snap.WrapEvents > ds.wrapsSeen {
		wrapEventsTotal.WithLabelValues(name).Add(float64(snap.WrapEvents - ds.wrapsSeen))
		ds.wrapsSeen = snap.WrapEvents
	}
}

// ActiveDomains reports how many domains are still being polled.
func (rt *Runtime) ActiveDomains() int {
	n := 0
	for _, ds := range rt.domains {
		if ds.active.Load() {
			n++
		}
	}
	return n
}
