package ghost

import (
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// Metrics are the device's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ioctls      *prometheus.CounterVec
	hookFires   prometheus.Counter
	oopses      prometheus.Counter
	escalations prometheus.Counter
	clients     prometheus.Gauge
}

// NewMetrics creates the device's collectors and registers them
// with reg if it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ioctls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ghostlight",
			Name:      "ioctls_total",
			Help:      "Number of device commands by command and result",
		}, []string{"cmd", "result"}),
		hookFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ghostlight",
			Name:      "hook_fires_total",
			Help:      "Number of times the getpid hook found a context",
		}),
		oopses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ghostlight",
			Name:      "oopses_total",
			Help:      "Number of simulated kernel oopses",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ghostlight",
			Name:      "root_commits_total",
			Help:      "Number of tasks given root credentials",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ghostlight",
			Name:      "open_clients",
			Help:      "Number of connected clients",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ioctls,
			m.hookFires,
			m.oopses,
			m.escalations,
			m.clients)
	}

	return m
}

func (o *Metrics) ioctl(cmd uint32, e unix.Errno) {
	if o == nil {
		return
	}

	result := "ok"
	if e != 0 {
		result = unix.ErrnoName(e)
	}

	o.ioctls.WithLabelValues(CmdName(cmd), result).Inc()
}

func (o *Metrics) hookFired() {
	if o == nil {
		return
	}

	o.hookFires.Inc()
}

func (o *Metrics) oopsed() {
	if o == nil {
		return
	}

	o.oopses.Inc()
}

func (o *Metrics) escalated() {
	if o == nil {
		return
	}

	o.escalations.Inc()
}

func (o *Metrics) clientOpened() {
	if o == nil {
		return
	}

	o.clients.Inc()
}

func (o *Metrics) clientClosed() {
	if o == nil {
		return
	}

	o.clients.Dec()
}
