package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the lending daemon's prometheus collectors behind one
// handle so cmd/lendingd only has to construct and wire one value.
type Registry struct {
	Transitions       *prometheus.CounterVec
	InvalidInputs     *prometheus.CounterVec
	CustodyFailures   prometheus.Counter
	Liquidations      *prometheus.CounterVec
	OracleRoundTrip   prometheus.Histogram
	ActiveLoans       prometheus.Gauge
	LoansInLiquidation prometheus.Gauge
}

// New registers every collector against reg and returns the bundle.
// cmd/lendingd passes its own prometheus.NewRegistry(), registers the
// process and Go collectors on it as well, and serves it at /metrics.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lending",
			Name:      "transitions_total",
			Help:      "Count of loan state machine transitions by operation and outcome.",
		}, []string{"operation", "outcome"}),
		InvalidInputs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lending",
			Name:      "invalid_inputs_total",
			Help:      "Count of rejected transitions by reason.",
		}, []string{"operation", "reason"}),
		CustodyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lending",
			Name:      "custody_failures_total",
			Help:      "Count of ledger pull/push failures surfaced to callers.",
		}),
		Liquidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lending",
			Name:      "liquidations_total",
			Help:      "Count of liquidations opened and settled, by stage.",
		}, []string{"stage"}),
		OracleRoundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lending",
			Name:      "oracle_round_trip_seconds",
			Help:      "Seconds between opening an oracle report and its settlement callback.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		ActiveLoans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lending",
			Name:      "active_loans",
			Help:      "Current count of loans in the Active status.",
		}),
		LoansInLiquidation: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lending",
			Name:      "loans_in_liquidation",
			Help:      "Current count of loans in the InLiquidation status.",
		}),
	}
}

// ObserveTransition records the outcome of a single engine call. outcome is
// "ok", "invalid_input", "custody_failure" or "error" (any other failure).
func (r *Registry) ObserveTransition(operation, outcome string) {
	if r == nil {
		return
	}
	r.Transitions.WithLabelValues(operation, outcome).Inc()
}

// ObserveInvalidInput records a rejected transition's reason string.
func (r *Registry) ObserveInvalidInput(operation, reason string) {
	if r == nil {
		return
	}
	r.InvalidInputs.WithLabelValues(operation, reason).Inc()
}
