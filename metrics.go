package commandbus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "commandbus"

// metrics holds the connector's Prometheus collectors.
type metrics struct {
	dispatched  *prometheus.CounterVec
	replies     *prometheus.CounterVec
	lost        prometheus.Counter
	outstanding prometheus.Gauge
	ringMembers prometheus.Gauge
}

func newMetrics(clusterName string) *metrics {
	var labels = prometheus.Labels{"cluster": clusterName}

	return &metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "commands_dispatched_total",
			Help:        "Commands sent to a member, by dispatch mode.",
			ConstLabels: labels,
		}, []string{"mode"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "replies_received_total",
			Help:        "Replies matched to an outstanding call, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "calls_lost_total",
			Help:        "Outstanding calls failed because their destination left the cluster.",
			ConstLabels: labels,
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "outstanding_calls",
			Help:        "Calls awaiting a reply.",
			ConstLabels: labels,
		}),
		ringMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "ring_members",
			Help:        "Members on the consistent hash ring.",
			ConstLabels: labels,
		}),
	}
}

// register adds all collectors to registerer. Collectors registered by an earlier
// connector for the same cluster are reused.
func (m *metrics) register(registerer prometheus.Registerer) error {
	if err := registerOrReuse(registerer, &m.dispatched); err != nil {
		return err
	}
	if err := registerOrReuse(registerer, &m.replies); err != nil {
		return err
	}
	if err := registerOrReuse(registerer, &m.lost); err != nil {
		return err
	}
	if err := registerOrReuse(registerer, &m.outstanding); err != nil {
		return err
	}
	return registerOrReuse(registerer, &m.ringMembers)
}

func registerOrReuse[C prometheus.Collector](registerer prometheus.Registerer, collector *C) error {
	if err := registerer.Register(*collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				*collector = existing
				return nil
			}
		}
		return err
	}
	return nil
}
