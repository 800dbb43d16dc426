package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perimeter_decisions_total",
		Help: "Total number of perimeter decisions by outcome",
	}, []string{"outcome"})
	eventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perimeter_events_dropped_total",
		Help: "Security events dropped because the async queue was full",
	})
	eventsPersistFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perimeter_events_persist_failed_total",
		Help: "Security events that could not be written to durable storage",
	})
	degradedSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perimeter_degraded_signals_total",
		Help: "Sub-checks that failed open because their backing store was slow or unavailable",
	}, []string{"signal"})
	ddosTriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perimeter_ddos_triggers_total",
		Help: "DDoS detector trips by scope",
	}, []string{"scope"})
	alertsRaisedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "perimeter_alerts_raised_total",
		Help: "Security alerts raised by severity",
	}, []string{"severity"})
	checkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "perimeter_check_duration_seconds",
		Help:    "Latency added by the perimeter decision",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		decisionsTotal,
		eventsDroppedTotal,
		eventsPersistFailedTotal,
		degradedSignalsTotal,
		ddosTriggersTotal,
		alertsRaisedTotal,
		checkDuration,
	)
}

// IncDecision counts a decision by outcome (allow, challenge, block).
func IncDecision(outcome string) { decisionsTotal.WithLabelValues(outcome).Inc() }

// IncEventDropped increments the dropped events counter.
func IncEventDropped() { eventsDroppedTotal.Inc() }

// IncPersistFailed counts events lost to storage errors.
func IncPersistFailed(n int) { eventsPersistFailedTotal.Add(float64(n)) }

// IncDegraded counts a failed-open sub-check.
func IncDegraded(signal string) { degradedSignalsTotal.WithLabelValues(signal).Inc() }

// IncDDoSTrigger counts a per-key or global burst trip.
func IncDDoSTrigger(scope string) { ddosTriggersTotal.WithLabelValues(scope).Inc() }

// IncAlert counts a raised alert.
func IncAlert(severity string) { alertsRaisedTotal.WithLabelValues(severity).Inc() }

// ObserveCheck records how long a decision took, in seconds.
func ObserveCheck(seconds float64) { checkDuration.Observe(seconds) }
