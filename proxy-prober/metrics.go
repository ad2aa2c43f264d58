package proxyprober

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	probeRequestsMetricName = "proxyja4_probe_requests_total"
	probeDurationMetricName = "proxyja4_probe_duration_seconds"

	resultSuccess = "success"
	resultFailure = "failure"
)

type probeMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newProbeMetrics() *probeMetrics {
	m := &probeMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Help: "Number of probe requests sent through each proxy, by result",
			Name: probeRequestsMetricName,
		}, []string{"proxy", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Help:    "Time in seconds a probe request through each proxy took",
			Name:    probeDurationMetricName,
			Buckets: prometheus.DefBuckets,
		}, []string{"proxy"}),
	}
	m.registry.MustRegister(m.requests, m.duration)
	return m
}

func (m *probeMetrics) observe(proxy string, success bool, elapsed time.Duration) {
	result := resultFailure
	if success {
		result = resultSuccess
	}
	m.requests.WithLabelValues(proxy, result).Inc()
	m.duration.WithLabelValues(proxy).Observe(elapsed.Seconds())
}

// writeTextfile dumps the registry in the node exporter textfile format.
func (m *probeMetrics) writeTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
