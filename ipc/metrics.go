package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors an ipc Service exposes
// (SPEC_FULL.md section 4.12). Callers register the collectors with
// MustRegister (or individually) against their own prometheus.Registerer; ipc
// never registers against prometheus.DefaultRegisterer itself.
type Metrics struct {
	SessionWindowInflight *prometheus.GaugeVec
	SessionRetransmits    *prometheus.CounterVec
	TalkerSessions        *prometheus.GaugeVec
}

// NewMetrics constructs a fresh Metrics set. namespace is typically
// "ipc"; it is the caller's responsibility to register the returned
// collectors.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SessionWindowInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_window_inflight",
			Help:      "Number of send-window slots currently occupied by an unacknowledged buffer.",
		}, []string{"talker", "peer"}),
		SessionRetransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_retransmits_total",
			Help:      "Total number of buffers resent after a retransmission timeout.",
		}, []string{"talker", "peer"}),
		TalkerSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "talker_sessions",
			Help:      "Number of sessions currently owned by a talker.",
		}, []string{"talker"}),
	}
}

// MustRegister registers every collector in m against reg, panicking on
// collision (mirrors prometheus.MustRegister's own contract).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.SessionWindowInflight, m.SessionRetransmits, m.TalkerSessions)
}

// Observe snapshots t's current session count and each session's
// window occupancy into m, labeled under talkerLabel. Intended to be
// called periodically (e.g. from a time.Ticker in the owning
// process), not from the hot path, since it holds t.mu for its whole
// duration — the same invariant every other Session-touching call in
// this package follows.
func (m *Metrics) Observe(talkerLabel string, t *Talker) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m.TalkerSessions.WithLabelValues(talkerLabel).Set(float64(len(t.sessions)))
	for peer, sess := range t.sessions {
		m.SessionWindowInflight.WithLabelValues(talkerLabel, peer).Set(float64(sess.WindowInflight()))
	}
}
