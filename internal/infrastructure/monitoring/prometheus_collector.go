package monitoring

import (
	"aetherlive/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.RelayMetrics.
type PrometheusCollector struct {
	sessionsActive    prometheus.Gauge
	clientsConnected  *prometheus.GaugeVec
	bytesRelayedTotal prometheus.Counter
	chunksDropped     prometheus.Counter
	transcoderSpawns  prometheus.Counter
	transcoderExits   *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aether_sessions_active",
			Help: "Number of live relay sessions",
		}),

		clientsConnected: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aether_clients_connected",
			Help: "Connected relay clients by role",
		}, []string{"role"}),

		bytesRelayedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aether_bytes_relayed_total",
			Help: "Total media bytes forwarded to transcoders",
		}),

		chunksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aether_chunks_dropped_total",
			Help: "Media chunks dropped (no transcoder, backpressure, or closed pipe)",
		}),

		transcoderSpawns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aether_transcoder_spawns_total",
			Help: "Transcoder processes spawned",
		}),

		transcoderExits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_transcoder_exits_total",
			Help: "Transcoder process exits by outcome",
		}, []string{"outcome"}),
	}
}

func (p *PrometheusCollector) RecordClientJoined(sessionID domain.SessionID, role domain.Role) {
	p.clientsConnected.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RecordClientLeft(sessionID domain.SessionID, role domain.Role) {
	p.clientsConnected.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) RecordSessionCreated() {
	p.sessionsActive.Inc()
}

func (p *PrometheusCollector) RecordSessionDestroyed() {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) RecordTranscoderSpawned() {
	p.transcoderSpawns.Inc()
}

func (p *PrometheusCollector) RecordTranscoderExited(code int) {
	outcome := "clean"
	if code != 0 {
		outcome = "crash"
	}
	p.transcoderExits.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordChunkRelayed(bytes int) {
	p.bytesRelayedTotal.Add(float64(bytes))
}

func (p *PrometheusCollector) RecordChunkDropped() {
	p.chunksDropped.Inc()
}

// NopMetrics is a no-op ports.RelayMetrics for tests and for running
// with monitoring disabled.
type NopMetrics struct{}

func (NopMetrics) RecordClientJoined(domain.SessionID, domain.Role) {}
func (NopMetrics) RecordClientLeft(domain.SessionID, domain.Role)   {}
func (NopMetrics) RecordSessionCreated()                            {}
func (NopMetrics) RecordSessionDestroyed()                          {}
func (NopMetrics) RecordTranscoderSpawned()                         {}
func (NopMetrics) RecordTranscoderExited(int)                       {}
func (NopMetrics) RecordChunkRelayed(int)                           {}
func (NopMetrics) RecordChunkDropped()                              {}
