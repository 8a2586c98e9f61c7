package orbit

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors exposed by an orbit Manager
// (spec section 4.12). Callers register the collectors with MustRegister
// (or pick individual collectors) with their own prometheus.Registerer; orbit
// never registers against prometheus.DefaultRegisterer itself so a
// process embedding multiple Managers stays collision-free.
type Metrics struct {
	SelectorObjects  *prometheus.GaugeVec
	SchedulerWorkers *prometheus.GaugeVec
}

// NewMetrics constructs a fresh Metrics set. namespace is typically
// "orbit"; it is the caller's responsibility to register the returned
// collectors.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SelectorObjects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "selector_objects",
			Help:      "Number of objects currently held by a selector.",
		}, []string{"scheduler", "selector"}),
		SchedulerWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_workers",
			Help:      "Number of selector goroutines currently in a scheduler's pool.",
		}, []string{"scheduler"}),
	}
}

// MustRegister registers every collector in m against reg, panicking on
// collision (mirrors prometheus.MustRegister's own contract).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.SelectorObjects, m.SchedulerWorkers)
}

// Observe snapshots the current worker count and per-selector sizes of
// s into m. Intended to be called periodically (e.g. from a
// time.Ticker in the owning process), not on every tick of the
// scheduling loop, since it walks every selector under the scheduler's
// coarse mutex.
func (m *Metrics) Observe(name string, s *Scheduler) {
	s.mu.Lock()
	sels := append([]*Selector(nil), s.selectors...)
	s.mu.Unlock()

	m.SchedulerWorkers.WithLabelValues(name).Set(float64(len(sels)))
	for i, sel := range sels {
		m.SelectorObjects.WithLabelValues(name, strconv.Itoa(i)).Set(float64(sel.Size()))
	}
}
