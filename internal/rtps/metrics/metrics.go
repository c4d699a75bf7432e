// Package metrics exposes Prometheus collectors for the liveliness
// subsystem: one counter per transition/emission event, labeled by
// participant and kind, registered against a caller-supplied registry
// rather than the global default so multiple participants (as in the
// demo binary) don't collide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label names shared across collectors.
const (
	LabelParticipant = "participant"
	LabelKind        = "kind"
)

// Collectors groups every metric the liveliness subsystem emits for one
// registry/namespace.
type Collectors struct {
	AssertionsSent      *prometheus.CounterVec
	AliveTransitions    *prometheus.CounterVec
	NotAliveTransitions *prometheus.CounterVec
	LivelinessLostTotal *prometheus.CounterVec
	EmissionDropsTotal  *prometheus.CounterVec
	TrackedRecordsGauge *prometheus.GaugeVec
}

// New constructs and registers a Collectors set against reg under
// namespace.
func New(reg *prometheus.Registry, namespace string) *Collectors {
	factory := promauto.With(reg)
	labels := []string{LabelParticipant, LabelKind}

	return &Collectors{
		AssertionsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assertions_sent_total",
			Help:      "Count of liveliness assertion samples published on the built-in writer.",
		}, labels),
		AliveTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alive_transitions_total",
			Help:      "Count of tracked-record transitions into Alive.",
		}, labels),
		NotAliveTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "not_alive_transitions_total",
			Help:      "Count of tracked-record transitions into NotAlive.",
		}, labels),
		LivelinessLostTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveliness_lost_total",
			Help:      "Count of liveliness_lost_status increments observed by local writers.",
		}, labels),
		EmissionDropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emission_drops_total",
			Help:      "Count of dropped assertion emissions due to history-cache exhaustion.",
		}, labels),
		TrackedRecordsGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_records",
			Help:      "Current number of tracked writer records by kind.",
		}, labels),
	}
}
