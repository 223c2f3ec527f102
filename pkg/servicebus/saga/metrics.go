package saga

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts saga repository outcomes. A nil *Metrics records nothing.
type Metrics struct {
	sends      *prometheus.CounterVec
	preInserts *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	completes  *prometheus.CounterVec
	failures   *prometheus.CounterVec
}

//Create the repository metrics and register them with reg. Namespace defaults to "saga".
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "saga"
	}

	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "sends_total",
			Help:      "Messages routed to a saga instance, by path taken.",
		}, []string{"saga", "path"}),
		preInserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "preinserts_total",
			Help:      "Pre-insert attempts, by result.",
		}, []string{"saga", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "conflicts_total",
			Help:      "Commits rejected by an optimistic concurrency check.",
		}, []string{"saga"}),
		completes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "completed_total",
			Help:      "Saga instances marked completed.",
		}, []string{"saga"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "failures_total",
			Help:      "Messages which failed against a saga.",
		}, []string{"saga"}),
	}

	for _, c := range []prometheus.Collector{m.sends, m.preInserts, m.conflicts, m.completes, m.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sent(sagaType string, path string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(sagaType, path).Inc()
}

func (m *Metrics) preInserted(sagaType string, result InsertResult) {
	if m == nil {
		return
	}
	m.preInserts.WithLabelValues(sagaType, result.String()).Inc()
}

func (m *Metrics) completed(sagaType string) {
	if m == nil {
		return
	}
	m.completes.WithLabelValues(sagaType).Inc()
}

func (m *Metrics) failed(sagaType string, err error) {
	if m == nil {
		return
	}
	if IsConflict(err) {
		m.conflicts.WithLabelValues(sagaType).Inc()
	}
	m.failures.WithLabelValues(sagaType).Inc()
}
