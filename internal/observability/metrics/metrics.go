// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "realtime_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsRejected prometheus.Counter
	SessionClosed    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	CodecFailures       *prometheus.CounterVec

	// VAD gate metrics
	VADWindows   *prometheus.CounterVec
	VADBytes     *prometheus.CounterVec
	VADFinalizes prometheus.Counter

	// STT metrics
	STTQueueDrops     prometheus.Counter
	STTReconnects     *prometheus.CounterVec
	STTReorderDrops   *prometheus.CounterVec
	STTErrors         *prometheus.CounterVec
	STTConnectLatency *prometheus.HistogramVec

	// Segment metrics
	SegmentsPartial prometheus.Counter
	SegmentsFinal   prometheus.Counter
	MergerFaults    prometheus.Counter

	// Fan-out metrics
	FanoutDeliveries *prometheus.CounterVec
	FanoutDrops      *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Diarization metrics
	DiarizationJobs     *prometheus.CounterVec
	DiarizationDuration prometheus.Histogram
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics on the default registry.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWithRegistry registers the metrics on reg. Used by tests.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of listen sessions accepted",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active listen sessions",
		}),
		SessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Sessions refused by admission control",
		}),
		SessionClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed by reason and close code",
		}, []string{"reason", "code"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of listen sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 420, 600},
		}),

		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from clients",
		}),
		AudioFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received from clients",
		}),
		CodecFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codec_failures_total",
			Help:      "Frames that failed to decode",
		}, []string{"codec"}),

		VADWindows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_windows_total",
			Help:      "PCM windows classified by the VAD gate",
		}, []string{"mode", "class"}),
		VADBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_bytes_total",
			Help:      "PCM bytes seen by the VAD gate",
		}, []string{"mode", "disposition"}),
		VADFinalizes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_finalize_total",
			Help:      "Speech runs closed by the VAD gate",
		}),

		STTQueueDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_queue_dropped_windows_total",
			Help:      "Audio windows dropped from the STT outbound queue",
		}),
		STTReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_reconnects_total",
			Help:      "STT reconnect attempts by outcome",
		}, []string{"provider", "outcome"}),
		STTReorderDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_words_dropped_total",
			Help:      "Final words dropped by the reorder stage",
		}, []string{"reason"}),
		STTErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		STTConnectLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_connect_latency_seconds",
			Help:      "Time to open an upstream STT connection",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),

		SegmentsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_partial_total",
			Help:      "Partial updates emitted",
		}),
		SegmentsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_final_total",
			Help:      "Finalized segments emitted",
		}),
		MergerFaults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merger_faults_total",
			Help:      "Segment merger invariant violations",
		}),

		FanoutDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_deliveries_total",
			Help:      "Fan-out deliveries by subscriber kind and result",
		}, []string{"kind", "result"}),
		FanoutDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_events_total",
			Help:      "Events dropped from full subscriber queues",
		}, []string{"kind"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		DiarizationJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diarization_jobs_total",
			Help:      "Diarization refinement jobs by terminal status",
		}, []string{"status"}),
		DiarizationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "diarization_duration_seconds",
			Help:      "Wall time of diarization refinement jobs",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
	}
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(reason string, code int, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionClosed.WithLabelValues(reason, codeLabel(code)).Inc()
}

// RecordSessionRejected records an admission refusal.
func (m *Metrics) RecordSessionRejected() {
	m.SessionsRejected.Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordCodecFailure records a frame that could not be decoded.
func (m *Metrics) RecordCodecFailure(codec string) {
	m.CodecFailures.WithLabelValues(codec).Inc()
}

// RecordVADWindow records one classified window and its byte disposition.
func (m *Metrics) RecordVADWindow(mode string, speech bool, bytes, forwarded int) {
	class := "silence"
	if speech {
		class = "speech"
	}
	m.VADWindows.WithLabelValues(mode, class).Inc()
	m.VADBytes.WithLabelValues(mode, "received").Add(float64(bytes))
	m.VADBytes.WithLabelValues(mode, "forwarded").Add(float64(forwarded))
	if skipped := bytes - forwarded; skipped > 0 {
		m.VADBytes.WithLabelValues(mode, "skipped").Add(float64(skipped))
	}
}

// RecordVADFinalize records a speech run closing.
func (m *Metrics) RecordVADFinalize() {
	m.VADFinalizes.Inc()
}

// RecordSTTQueueDrop records windows dropped from the outbound queue.
func (m *Metrics) RecordSTTQueueDrop(n int) {
	m.STTQueueDrops.Add(float64(n))
}

// RecordSTTReconnect records a reconnect attempt outcome (success, failure, exhausted).
func (m *Metrics) RecordSTTReconnect(provider, outcome string) {
	m.STTReconnects.WithLabelValues(provider, outcome).Inc()
}

// RecordWordDropped records a final word dropped by the reorder stage (stale, duplicate).
func (m *Metrics) RecordWordDropped(reason string) {
	m.STTReorderDrops.WithLabelValues(reason).Inc()
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordSTTConnect records how long an upstream connect took.
func (m *Metrics) RecordSTTConnect(provider string, seconds float64) {
	m.STTConnectLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordPartialUpdate records a partial update emitted.
func (m *Metrics) RecordPartialUpdate() {
	m.SegmentsPartial.Inc()
}

// RecordFinalSegments records finalized segments emitted.
func (m *Metrics) RecordFinalSegments(n int) {
	m.SegmentsFinal.Add(float64(n))
}

// RecordMergerFault records a merger invariant violation.
func (m *Metrics) RecordMergerFault() {
	m.MergerFaults.Inc()
}

// RecordFanoutDelivery records a subscriber delivery attempt.
func (m *Metrics) RecordFanoutDelivery(kind string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.FanoutDeliveries.WithLabelValues(kind, result).Inc()
}

// RecordFanoutDrop records an event dropped from a full subscriber queue.
func (m *Metrics) RecordFanoutDrop(kind string) {
	m.FanoutDrops.WithLabelValues(kind).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordDiarization records a diarization job reaching a terminal status.
func (m *Metrics) RecordDiarization(status string, seconds float64) {
	m.DiarizationJobs.WithLabelValues(status).Inc()
	if seconds > 0 {
		m.DiarizationDuration.Observe(seconds)
	}
}

func codeLabel(code int) string {
	switch code {
	case 1000:
		return "1000"
	case 1001:
		return "1001"
	case 1008:
		return "1008"
	case 1011:
		return "1011"
	default:
		return "other"
	}
}
