package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_gateway_active_runs",
		Help: "Number of synthesis runs holding or waiting for the device",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_runs_total",
		Help: "Total synthesis runs by outcome",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_gateway_run_duration_seconds",
		Help:    "End-to-end synthesis run duration in seconds",
		Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	deviceWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_gateway_device_wait_seconds",
		Help:    "Time a run waited for exclusive device access",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	// Stage metrics
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speech_gateway_stage_latency_seconds",
		Help:    "Inference stage latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})

	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_stage_requests_total",
		Help: "Inference stage invocations by status",
	}, []string{"stage", "status"})

	reclaimTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_reclaim_total",
		Help: "Device memory reclaim attempts by status",
	}, []string{"status"})

	// Transport metrics
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_requests_total",
		Help: "Synthesis requests by transport and response code",
	}, []string{"transport", "code"})

	transcriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_transcriptions_total",
		Help: "Reference transcription requests by status",
	}, []string{"status"})

	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_gateway_transcription_latency_seconds",
		Help:    "Reference transcription latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speech_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "reference" or "output"
)

// RunMetrics tracks metrics for a single synthesis run
type RunMetrics struct {
	runID     string
	startTime time.Time

	mu    sync.Mutex
	ended bool
}

// NewRunMetrics creates a new metrics tracker for a run
func NewRunMetrics(runID string) *RunMetrics {
	return &RunMetrics{
		runID:     runID,
		startTime: time.Now(),
	}
}

// RecordRunStart records the start of a run
func (m *RunMetrics) RecordRunStart() {
	activeRuns.Inc()
}

// RecordRunEnd records the end of a run. Only the first call counts.
func (m *RunMetrics) RecordRunEnd(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true

	activeRuns.Dec()
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(time.Since(m.startTime).Seconds())
}

var deviceQueueOnce sync.Once

// RegisterDeviceQueueDepth exports depth as the device queue gauge. Only the
// first registration takes effect.
func RegisterDeviceQueueDepth(depth func() int64) {
	deviceQueueOnce.Do(func() {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "speech_gateway_device_queue_depth",
			Help: "Number of runs waiting for the inference device",
		}, func() float64 { return float64(depth()) })
	})
}

// RecordDeviceWait records how long the run queued for the device
func (m *RunMetrics) RecordDeviceWait(d time.Duration) {
	deviceWait.Observe(d.Seconds())
}

// RecordStage records one stage invocation
func (m *RunMetrics) RecordStage(stage string, d time.Duration, success bool) {
	stageLatency.WithLabelValues(stage).Observe(d.Seconds())
	stageRequests.WithLabelValues(stage, statusLabel(success)).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *RunMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordError records an error
func (m *RunMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside a run
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordRequest records a finished synthesis request
func RecordRequest(transport string, code int) {
	requestsTotal.WithLabelValues(transport, strconv.Itoa(code)).Inc()
}

// RecordReclaim records a device memory reclaim attempt
func RecordReclaim(success bool) {
	reclaimTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordTranscription records a reference transcription request
func RecordTranscription(d time.Duration, success bool) {
	transcriptionLatency.Observe(d.Seconds())
	transcriptions.WithLabelValues(statusLabel(success)).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
