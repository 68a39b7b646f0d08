package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fluentbridge"

// Drop reason label values.
const (
	ReasonOverflow         = "overflow"
	ReasonChannelFull      = "channel_full"
	ReasonChannelClosed    = "channel_closed"
	ReasonWriteFailure     = "write_failure"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonShutdown         = "shutdown"
)

// Metrics is the pipeline's self-instrumentation. Pass a nil registry to
// keep the metrics unregistered (useful in tests).
type Metrics struct {
	RecordsEnqueued  prometheus.Counter
	RecordsDelivered prometheus.Counter
	RecordsDropped   *prometheus.CounterVec
	BatchesWritten   prometheus.Counter
	Connections      prometheus.Counter
	ChannelDepth     prometheus.Gauge
	ConnectionState  prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RecordsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_enqueued_total",
			Help:      "Total number of records accepted onto the delivery channel",
		}),
		RecordsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_delivered_total",
			Help:      "Total number of records written to the fluentd socket",
		}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_dropped_total",
			Help:      "Total number of records dropped, by reason",
		}, []string{"reason"}),
		BatchesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_written_total",
			Help:      "Total number of framed payloads written to the socket",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total number of successful connections to fluentd",
		}),
		ChannelDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "channel_depth",
			Help:      "Current number of records buffered in the delivery channel",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Current forwarder connection state (0 disconnected, 1 connecting, 2 connected, 3 shut down)",
		}),
	}
	if registry != nil {
		registry.MustRegister(
			m.RecordsEnqueued,
			m.RecordsDelivered,
			m.RecordsDropped,
			m.BatchesWritten,
			m.Connections,
			m.ChannelDepth,
			m.ConnectionState,
		)
	}
	return m
}
