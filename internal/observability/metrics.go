package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	Records = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qsl_records_total", Help: "Pipeline records by final outcome"},
		[]string{"outcome"},
	)
	SendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qsl_send_attempts_total", Help: "Email send attempts"},
		[]string{"result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "qsl_send_latency_seconds", Help: "Email send latency"},
	)
	ConnectorFetch = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qsl_connector_fetch_total", Help: "Connector fetch outcomes"},
		[]string{"result"},
	)
	StatusSync = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "qsl_status_sync_total", Help: "Status push-back outcomes"},
		[]string{"result"},
	)
	RenderFallback = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "qsl_render_fallback_total", Help: "Renders served by the placeholder backend"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(Records, SendAttempts, SendLatency, ConnectorFetch, StatusSync, RenderFallback)
}
