package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Relay outcome labels
const (
	OutcomeDelivered  = "delivered"
	OutcomeConnect    = "connect"
	OutcomeAckTimeout = "ack_timeout"
	OutcomePublish    = "publish"
	OutcomeCanceled   = "canceled"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Scheduler metrics
	TicksTotal prometheus.Counter

	// Capture directory metrics
	CaptureDirBytes          prometheus.Gauge
	FilesExtracted           prometheus.Counter
	ExtractionFailures       *prometheus.CounterVec
	FeatureExtractionSeconds prometheus.Histogram

	// Buffer metrics
	RecordsBuffered prometheus.Counter
	BufferRecords   prometheus.Gauge
	StorageErrors   prometheus.Counter

	// Relay metrics
	RelayAttempts  *prometheus.CounterVec
	RelayDuration  prometheus.Histogram
	RecordsRelayed prometheus.Counter
)

// Init creates and registers all metrics. Safe to call more than once.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_agent_ticks_total",
			Help: "Total number of scheduler ticks executed",
		})

		CaptureDirBytes = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_agent_capture_dir_bytes",
			Help: "Aggregate size of the capture directory at the last check",
		})

		FilesExtracted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_agent_files_extracted_total",
			Help: "Total number of capture files turned into buffered feature vectors",
		})

		ExtractionFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_agent_extraction_failures_total",
				Help: "Total number of capture files that could not be processed",
			},
			[]string{"stage"},
		)

		FeatureExtractionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_agent_feature_extraction_seconds",
			Help:    "Time taken to decode and extract features from one file",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		})

		RecordsBuffered = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_agent_records_buffered_total",
			Help: "Total number of records appended to the durable buffer",
		})

		BufferRecords = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_agent_buffer_records",
			Help: "Number of records waiting in the durable buffer",
		})

		StorageErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_agent_storage_errors_total",
			Help: "Total number of buffer read or write failures",
		})

		RelayAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_agent_relay_attempts_total",
				Help: "Total number of broker publish attempts by outcome",
			},
			[]string{"outcome"},
		)

		RelayDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_agent_relay_duration_seconds",
			Help:    "Duration of one connect-publish-disconnect cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		})

		RecordsRelayed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_agent_records_relayed_total",
			Help: "Total number of records confirmed delivered to the broker",
		})

		registry.MustRegister(
			TicksTotal,
			CaptureDirBytes,
			FilesExtracted,
			ExtractionFailures,
			FeatureExtractionSeconds,
			RecordsBuffered,
			BufferRecords,
			StorageErrors,
			RelayAttempts,
			RelayDuration,
			RecordsRelayed,
		)

		if logger != nil {
			logger.Debug("Metrics: Registered collectors")
		}
	})
}

// Registry returns the agent registry, initializing it if needed
func Registry() *prometheus.Registry {
	Init(nil)
	return registry
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("Metrics: Serving /metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Helpers below are no-ops until Init has run

func ObserveTick() {
	if TicksTotal != nil {
		TicksTotal.Inc()
	}
}

func SetCaptureDirBytes(size int64) {
	if CaptureDirBytes != nil {
		CaptureDirBytes.Set(float64(size))
	}
}

func ObserveExtraction(d time.Duration) {
	if FilesExtracted != nil {
		FilesExtracted.Inc()
		FeatureExtractionSeconds.Observe(d.Seconds())
	}
}

func ObserveExtractionFailure(stage string) {
	if ExtractionFailures != nil {
		ExtractionFailures.WithLabelValues(stage).Inc()
	}
}

func ObserveAppend() {
	if RecordsBuffered != nil {
		RecordsBuffered.Inc()
	}
}

func SetBufferRecords(n int) {
	if BufferRecords != nil {
		BufferRecords.Set(float64(n))
	}
}

func ObserveStorageError() {
	if StorageErrors != nil {
		StorageErrors.Inc()
	}
}

func ObserveRelay(outcome string, d time.Duration, records int) {
	if RelayAttempts == nil {
		return
	}
	RelayAttempts.WithLabelValues(outcome).Inc()
	RelayDuration.Observe(d.Seconds())
	if outcome == OutcomeDelivered {
		RecordsRelayed.Add(float64(records))
	}
}
