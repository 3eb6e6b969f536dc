// Package metrics defines the Prometheus collectors the vhcid service
// exposes, following the teacher's use of
// github.com/prometheus/client_golang for its /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector the core registers.
type Metrics struct {
	AttachedDevices prometheus.Gauge
	PendingRequests prometheus.GaugeFunc
	PDUsSent        prometheus.Counter
	PDUsReceived    prometheus.Counter
	ReplayAttempts  *prometheus.CounterVec
	AutoDetachTotal prometheus.Counter
}

// New constructs Metrics and registers them with reg. pendingRequests
// is called lazily by the GaugeFunc each time /metrics is scraped, so
// callers pass a closure over the live VHCI rather than a value.
func New(reg prometheus.Registerer, pendingRequests func() float64) *Metrics {
	m := &Metrics{
		AttachedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usbip_vhci",
			Name:      "attached_devices",
			Help:      "Number of remote USB devices currently attached to the virtual host controller.",
		}),
		PendingRequests: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "usbip_vhci",
			Name:      "pending_requests",
			Help:      "Number of URBs currently in flight across all attached devices.",
		}, pendingRequests),
		PDUsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbip_vhci",
			Name:      "pdus_sent_total",
			Help:      "Total number of CMD_SUBMIT/CMD_UNLINK PDUs sent.",
		}),
		PDUsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbip_vhci",
			Name:      "pdus_received_total",
			Help:      "Total number of RET_SUBMIT/RET_UNLINK PDUs received.",
		}),
		ReplayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbip_vhci",
			Name:      "persistence_replay_attempts_total",
			Help:      "Total number of persistence replay attach attempts, labeled by outcome.",
		}, []string{"outcome"}),
		AutoDetachTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbip_vhci",
			Name:      "auto_detach_total",
			Help:      "Total number of devices auto-detached due to a device descriptor mismatch.",
		}),
	}
	reg.MustRegister(
		m.AttachedDevices,
		m.PendingRequests,
		m.PDUsSent,
		m.PDUsReceived,
		m.ReplayAttempts,
		m.AutoDetachTotal,
	)
	return m
}
