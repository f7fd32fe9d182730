package choir

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the server's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	sessions       prometheus.Counter
	activeSessions prometheus.Gauge
	requests       *prometheus.CounterVec
	sprayedChunks  prometheus.Counter
	gateOpenings   prometheus.Counter
	crashes        prometheus.Counter
	aborts         prometheus.Counter
}

// NewMetrics creates the server's collectors and registers them
// with reg if it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "choir",
			Name:      "sessions_total",
			Help:      "Number of accepted sessions",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "choir",
			Name:      "active_sessions",
			Help:      "Number of sessions currently running",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "choir",
			Name:      "requests_total",
			Help:      "Number of handled requests by operation and status",
		}, []string{"op", "status"}),
		sprayedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "choir",
			Name:      "sprayed_chunks_total",
			Help:      "Number of chunks allocated by spray requests",
		}),
		gateOpenings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "choir",
			Name:      "gate_openings_total",
			Help:      "Number of sessions in which give_root was reached",
		}),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "choir",
			Name:      "segfaults_total",
			Help:      "Number of simulated segmentation faults",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "choir",
			Name:      "aborted_sessions_total",
			Help:      "Number of sessions ended by a fatal error",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessions,
			m.activeSessions,
			m.requests,
			m.sprayedChunks,
			m.gateOpenings,
			m.crashes,
			m.aborts)
	}

	return m
}

func (o *Metrics) sessionStarted() {
	if o == nil {
		return
	}

	o.sessions.Inc()
	o.activeSessions.Inc()
}

func (o *Metrics) sessionEnded(aborted bool) {
	if o == nil {
		return
	}

	o.activeSessions.Dec()

	if aborted {
		o.aborts.Inc()
	}
}

func (o *Metrics) request(op uint32, status Status) {
	if o == nil {
		return
	}

	o.requests.WithLabelValues(OpName(op), status.String()).Inc()
}

func (o *Metrics) sprayed(n int) {
	if o == nil {
		return
	}

	o.sprayedChunks.Add(float64(n))
}

func (o *Metrics) gateOpened() {
	if o == nil {
		return
	}

	o.gateOpenings.Inc()
}

func (o *Metrics) crashed(n int) {
	if o == nil {
		return
	}

	o.crashes.Add(float64(n))
}
