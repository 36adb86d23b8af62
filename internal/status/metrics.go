package status

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors published snapshots into Prometheus gauges.
type Metrics struct {
	state    *prometheus.GaugeVec
	upload   prometheus.Gauge
	download prometheus.Gauge
	uptime   prometheus.Gauge
	errors   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ananas",
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		upload: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ananas",
			Name:      "upload_bytes_per_second",
			Help:      "Most recently reported upload rate.",
		}),
		download: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ananas",
			Name:      "download_bytes_per_second",
			Help:      "Most recently reported download rate.",
		}),
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ananas",
			Name:      "session_connected_seconds",
			Help:      "Time since the current session connected.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ananas",
			Name:      "session_errors_total",
			Help:      "Sessions that ended in the ERROR state.",
		}),
	}
	reg.MustRegister(m.state, m.upload, m.download, m.uptime, m.errors)
	m.setState(Idle)
	return m
}

// Observe implements Observer.
func (m *Metrics) Observe(s Snapshot) {
	m.setState(s.State)
	m.upload.Set(float64(s.UploadRate))
	m.download.Set(float64(s.DownloadRate))
	m.uptime.Set(s.Elapsed.Seconds())
	if s.State == Error {
		m.errors.Inc()
	}
}

func (m *Metrics) setState(cur State) {
	for _, st := range States {
		v := 0.0
		if st == cur {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}
