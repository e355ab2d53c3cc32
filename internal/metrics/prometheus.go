package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice bridge
type Metrics struct {
	// Call lifecycle metrics
	CallsPlaced    prometheus.Counter
	CallsActive    prometheus.Gauge
	CallsCompleted *prometheus.CounterVec
	CallDuration   prometheus.Histogram

	// Media stream metrics
	FramesReceived prometheus.Counter
	FramesDropped  prometheus.Counter
	FramesSent     prometheus.Counter
	AudioBytesIn   prometheus.Counter
	AudioBytesOut  prometheus.Counter

	// Segmentation metrics
	UtterancesDetected  prometheus.Counter
	UtterancesDiscarded prometheus.Counter
	UtteranceDuration   prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionRetries   prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// Reply generation metrics
	ReplyRequests prometheus.Counter
	ReplyFailures prometheus.Counter
	ReplyDuration prometheus.Histogram

	// Synthesis metrics
	SynthesisRequests prometheus.Counter
	SynthesisFailures prometheus.Counter
	SynthesisDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics on the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers all metrics on the given registerer
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CallsPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_calls_placed_total",
			Help: "Total number of outbound calls requested",
		}),
		CallsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_calls_active",
			Help: "Number of call sessions currently tracked",
		}),
		CallsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_calls_completed_total",
			Help: "Total number of terminated calls by outcome",
		}, []string{"outcome"}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_call_duration_seconds",
			Help:    "Wall-clock duration of terminated calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8),
		}),

		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_media_frames_received_total",
			Help: "Total inbound media frames from the provider",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_media_frames_dropped_total",
			Help: "Total inbound media frames dropped due to backpressure or turn processing",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_media_frames_sent_total",
			Help: "Total outbound media frames written to the provider",
		}),
		AudioBytesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_audio_bytes_in_total",
			Help: "Total inbound audio payload bytes",
		}),
		AudioBytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_audio_bytes_out_total",
			Help: "Total outbound audio payload bytes",
		}),

		UtterancesDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_utterances_detected_total",
			Help: "Total utterances emitted by the segmenter",
		}),
		UtterancesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_utterances_discarded_total",
			Help: "Total utterances discarded for being below the minimum duration",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_utterance_duration_seconds",
			Help:    "Audio duration of emitted utterances",
			Buckets: []float64{0.3, 0.5, 1, 2, 4, 8, 15, 30},
		}),

		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_transcription_requests_total",
			Help: "Total transcription attempts",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_transcription_successes_total",
			Help: "Total transcriptions that produced text",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_transcription_failures_total",
			Help: "Total transcription attempts that failed or timed out",
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_transcription_retries_total",
			Help: "Total slower-paced retries after an empty confident transcription",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_transcription_duration_seconds",
			Help:    "Latency of transcription attempts",
			Buckets: prometheus.DefBuckets,
		}),

		ReplyRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_reply_requests_total",
			Help: "Total reply generation requests",
		}),
		ReplyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_reply_failures_total",
			Help: "Total reply generation failures answered by the fallback line",
		}),
		ReplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_reply_duration_seconds",
			Help:    "Latency of reply generation requests",
			Buckets: prometheus.DefBuckets,
		}),

		SynthesisRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_synthesis_requests_total",
			Help: "Total speech synthesis requests",
		}),
		SynthesisFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_synthesis_failures_total",
			Help: "Total speech synthesis failures",
		}),
		SynthesisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_synthesis_duration_seconds",
			Help:    "Latency of speech synthesis requests",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
