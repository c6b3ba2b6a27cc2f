package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/satriahrh/voxloop/internal/assets"
	"github.com/satriahrh/voxloop/internal/observe"
)

const namespace = "voxloop"

// Metrics contains all Prometheus metrics for the voice pipeline
type Metrics struct {
	// Utterance metrics
	UtterancesStarted prometheus.Counter
	UtteranceOutcomes *prometheus.CounterVec
	UtteranceDuration prometheus.Histogram
	ActiveUtterances  prometheus.Gauge

	// Stage metrics
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec

	// Inference metrics
	InferenceAttempts prometheus.Histogram

	// Worker metrics
	QueueRejections prometheus.Counter
	Fallbacks       prometheus.Counter

	// Asset cache metrics
	AssetPopulations *prometheus.CounterVec
	AssetsFetched    prometheus.Counter
	AssetsEvicted    prometheus.Counter
}

var _ observe.Sink = (*Metrics)(nil)

// NewMetrics creates the pipeline metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UtterancesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_started_total",
			Help:      "Total number of utterances started",
		}),
		UtteranceOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterance_outcomes_total",
			Help:      "Terminal utterance outcomes",
		}, []string{"outcome"}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "End-to-end duration of completed utterances",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21},
		}),
		ActiveUtterances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_utterances",
			Help:      "Utterances currently in flight",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Failures by pipeline stage",
		}, []string{"stage"}),
		InferenceAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_attempts",
			Help:      "Attempts needed per inference request",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		QueueRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_queue_full_total",
			Help:      "Chunks that hit a full transcription queue",
		}),
		Fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_fallbacks_total",
			Help:      "Replies answered with the cached fallback cue",
		}),
		AssetPopulations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_populations_total",
			Help:      "Asset cache population runs",
		}, []string{"result"}),
		AssetsFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_fetched_total",
			Help:      "Assets downloaded into the offline cache",
		}),
		AssetsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_evicted_total",
			Help:      "Assets evicted from the offline cache",
		}),
	}
}

// Handle implements observe.Sink
func (m *Metrics) Handle(e observe.Event) {
	switch e.Kind {
	case observe.KindUtteranceStarted:
		m.UtterancesStarted.Inc()
		m.ActiveUtterances.Inc()
	case observe.KindUtteranceCompleted, observe.KindUtteranceFailed, observe.KindUtteranceCancelled:
		m.ActiveUtterances.Dec()
		m.UtteranceOutcomes.WithLabelValues(string(e.Outcome)).Inc()
		if e.Kind == observe.KindUtteranceCompleted && e.Duration > 0 {
			m.UtteranceDuration.Observe(e.Duration.Seconds())
		}
	case observe.KindStageCompleted:
		m.StageDuration.WithLabelValues(string(e.Stage)).Observe(e.Duration.Seconds())
		if e.Attempts > 0 {
			m.InferenceAttempts.Observe(float64(e.Attempts))
		}
	case observe.KindStageFailed:
		m.StageFailures.WithLabelValues(string(e.Stage)).Inc()
		if e.Attempts > 0 {
			m.InferenceAttempts.Observe(float64(e.Attempts))
		}
	case observe.KindQueueFull:
		m.QueueRejections.Inc()
	case observe.KindFallback:
		m.Fallbacks.Inc()
	}
}

// RecordPopulate records one asset cache population run
func (m *Metrics) RecordPopulate(result assets.PopulateResult, err error) {
	switch {
	case err != nil:
		m.AssetPopulations.WithLabelValues("failed").Inc()
	case result.Skipped:
		m.AssetPopulations.WithLabelValues("skipped").Inc()
	default:
		m.AssetPopulations.WithLabelValues("populated").Inc()
	}
	m.AssetsFetched.Add(float64(result.Fetched))
	m.AssetsEvicted.Add(float64(result.Evicted))
}
