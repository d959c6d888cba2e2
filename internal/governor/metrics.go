package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbon_poll_cycles_total",
		Help: "Total polling cycles executed by the governor.",
	})

	readErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbon_read_errors_total",
		Help: "Total failed hardware counter reads by domain.",
	}, []string{"domain"})

	anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbon_wraparound_anomalies_total",
		Help: "Total sampling intervals discarded as wraparound-uncertain by domain.",
	}, []string{"domain"})

	energyTotalUJ = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "carbon_energy_total_microjoules",
		Help: "Accumulated monotonic energy per domain in microjoules.",
	}, []string{"domain"})

	wrapEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbon_wrap_events_total",
		Help: "Total detected counter wraparound events by domain.",
	}, []string{"domain"})

	ledgerAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbon_ledger_entries_total",
		Help: "Total audit ledger entries appended.",
	})
)

// RecordLedgerAppend records a successful audit ledger append.
func RecordLedgerAppend() {
	ledgerAppendsTotal.Inc()
}
