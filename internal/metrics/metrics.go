package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sagabus"

// BusMetrics records routing and dispatch outcomes.
type BusMetrics struct {
	resolveDuration *prometheus.HistogramVec
	unrouted        prometheus.Counter
	ruleErrors      prometheus.Counter
	dispatched      *prometheus.CounterVec
	failed          *prometheus.CounterVec
	sagaNotFound    *prometheus.CounterVec
}

// NewBusMetrics registers the bus metrics on the provided registerer. A nil
// registerer yields a collector whose methods do nothing.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	if reg == nil {
		return &BusMetrics{}
	}
	resolveDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "route_resolve_duration_seconds",
		Help:      "Duration of routing table resolution in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})
	unrouted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "route_unrouted_total",
		Help:      "Outgoing messages that resolved to no destination.",
	})
	ruleErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "route_rule_errors_total",
		Help:      "Dynamic routing rule failures.",
	})
	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_success_total",
		Help:      "Messages handled successfully, by message key.",
	}, []string{"key"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_failure_total",
		Help:      "Messages whose handling failed, by message key.",
	}, []string{"key"})
	sagaNotFound := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "saga_not_found_total",
		Help:      "Non-starting messages with no matching saga instance.",
	}, []string{"saga"})
	reg.MustRegister(resolveDuration, unrouted, ruleErrors, dispatched, failed, sagaNotFound)
	return &BusMetrics{
		resolveDuration: resolveDuration,
		unrouted:        unrouted,
		ruleErrors:      ruleErrors,
		dispatched:      dispatched,
		failed:          failed,
		sagaNotFound:    sagaNotFound,
	}
}

// ObserveResolve records a resolution and whether it produced any route.
func (m *BusMetrics) ObserveResolve(routes int, duration time.Duration) {
	if m == nil || m.resolveDuration == nil {
		return
	}
	result := "routed"
	if routes == 0 {
		result = "unrouted"
	}
	m.resolveDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *BusMetrics) IncUnrouted() {
	if m == nil || m.unrouted == nil {
		return
	}
	m.unrouted.Inc()
}

func (m *BusMetrics) IncRuleError() {
	if m == nil || m.ruleErrors == nil {
		return
	}
	m.ruleErrors.Inc()
}

func (m *BusMetrics) IncSuccess(key string) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.WithLabelValues(normalizeLabel(key)).Inc()
}

func (m *BusMetrics) IncFailure(key string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(key)).Inc()
}

func (m *BusMetrics) IncSagaNotFound(saga string) {
	if m == nil || m.sagaNotFound == nil {
		return
	}
	m.sagaNotFound.WithLabelValues(normalizeLabel(saga)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
