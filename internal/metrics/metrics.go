package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polystream_connection_state",
		Help: "Connection state per channel (0=disconnected 1=connecting 2=connected 3=reconnecting 4=closed)",
	}, []string{"channel"})
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polystream_sessions_total",
		Help: "Total successful websocket handshakes",
	}, []string{"channel"})
	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polystream_reconnects_total",
		Help: "Total reconnect attempts scheduled",
	}, []string{"channel"})
	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polystream_disconnects_total",
		Help: "Total sessions lost, partitioned by reason",
	}, []string{"channel", "reason"}) // timeout/error

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polystream_frames_total",
		Help: "Total inbound data frames",
	}, []string{"channel"})
	ParseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polystream_parse_errors_total",
		Help: "Total inbound frames dropped as malformed",
	}, []string{"channel"})
	DirectivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polystream_directives_total",
		Help: "Total directives written to the socket",
	}, []string{"channel", "operation"})

	RecorderRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polystream_recorder_rows_total",
		Help: "Total rows handled by the event recorder",
	}, []string{"result"}) // inserted/conflict/error
	RecorderFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polystream_recorder_flush_duration_seconds",
		Help:    "Duration of one recorder batch insert",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms -> ~4s
	})
	StreamLaggedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polystream_stream_lagged_total",
		Help: "Total messages a consumer stream missed because it fell behind",
	}, []string{"stream"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
