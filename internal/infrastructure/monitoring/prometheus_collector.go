package monitoring

import (
	"strconv"
	"time"

	"rtmsrelay/internal/core/domain"
	"rtmsrelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	handshakesTotal *prometheus.CounterVec
	keepAlivesTotal *prometheus.CounterVec
	malformedTotal  *prometheus.CounterVec

	framesSentTotal    *prometheus.CounterVec
	framesDroppedTotal *prometheus.CounterVec
	bytesSentTotal     *prometheus.CounterVec
	encodeDuration     *prometheus.HistogramVec

	webhooksTotal *prometheus.CounterVec
}

// NewPrometheusCollector registers the relay metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rtmsrelay_sessions_active",
			Help: "Number of relay sessions currently running",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rtmsrelay_sessions_started_total",
			Help: "Total number of relay sessions started",
		}),

		handshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmsrelay_handshakes_total",
			Help: "Handshake outcomes by connection kind",
		}, []string{"kind", "result"}),

		keepAlivesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmsrelay_keepalive_responses_total",
			Help: "Keep-alive responses sent",
		}, []string{"kind"}),

		malformedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmsrelay_malformed_messages_total",
			Help: "Inbound messages that could not be parsed",
		}, []string{"kind"}),

		framesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmsrelay_frames_sent_total",
			Help: "Media frames written to the media socket",
		}, []string{"type"}),

		framesDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmsrelay_frames_dropped_total",
			Help: "Media frames dropped before transmission",
		}, []string{"type", "reason"}),

		bytesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmsrelay_bytes_sent_total",
			Help: "Bytes written to the media socket",
		}, []string{"type"}),

		encodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtmsrelay_encode_duration_seconds",
			Help:    "Time spent encoding one frame",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"type"}),

		webhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rtmsrelay_webhooks_total",
			Help: "Webhook deliveries by event and response status",
		}, []string{"event", "status"}),
	}
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) SessionStarted() {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) SessionEnded() {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) RecordHandshake(kind domain.ConnectionKind, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	p.handshakesTotal.WithLabelValues(string(kind), result).Inc()
}

func (p *PrometheusCollector) RecordKeepAlive(kind domain.ConnectionKind) {
	p.keepAlivesTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordMalformed(kind domain.ConnectionKind) {
	p.malformedTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordFrameSent(frameType domain.FrameType, bytes int) {
	p.framesSentTotal.WithLabelValues(string(frameType)).Inc()
	p.bytesSentTotal.WithLabelValues(string(frameType)).Add(float64(bytes))
}

func (p *PrometheusCollector) RecordFrameDropped(frameType domain.FrameType, reason string) {
	p.framesDroppedTotal.WithLabelValues(string(frameType), reason).Inc()
}

func (p *PrometheusCollector) ObserveEncode(frameType domain.FrameType, d time.Duration) {
	p.encodeDuration.WithLabelValues(string(frameType)).Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordWebhook(event string, status int) {
	if event == "" {
		event = "unknown"
	}
	p.webhooksTotal.WithLabelValues(event, strconv.Itoa(status)).Inc()
}
