// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	StatusChecks        prometheus.Counter
	StatusCheckErrors   prometheus.Counter
	RecordingsStarted   prometheus.Counter
	RecordingsCompleted prometheus.Counter
	RecordingsFailed    prometheus.Counter
	ConversionsStarted  prometheus.Counter
	ConversionsDone     prometheus.Counter
	ConversionsFailed   prometheus.Counter
	ConversionsCanceled prometheus.Counter
	EventsDropped       prometheus.Counter

	// Histograms (seconds)
	RecordingDuration  prometheus.Observer
	ConversionDuration prometheus.Observer

	// Gauges
	ActiveMonitors  prometheus.Gauge
	ActiveRecorders prometheus.Gauge
	ActiveTasks     prometheus.Gauge
	DiskUsedPercent prometheus.Gauge
	DiskFreeBytes   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		StatusChecks = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_status_checks_total", Help: "Number of live-status checks performed"})
		StatusCheckErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_status_check_errors_total", Help: "Number of live-status checks that failed"})
		RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_recordings_started_total", Help: "Number of recordings started"})
		RecordingsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_recordings_completed_total", Help: "Number of recordings completed"})
		RecordingsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_recordings_failed_total", Help: "Number of recordings that ended in failure"})
		ConversionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_conversions_started_total", Help: "Number of conversion tasks started"})
		ConversionsDone = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_conversions_completed_total", Help: "Number of conversion tasks completed"})
		ConversionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_conversions_failed_total", Help: "Number of conversion tasks failed"})
		ConversionsCanceled = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_conversions_canceled_total", Help: "Number of conversion tasks canceled"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "bilirec_events_dropped_total", Help: "Number of bus events dropped due to a full dispatch queue"})
		RecordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bilirec_recording_duration_seconds", Help: "Recording duration seconds", Buckets: prometheus.ExponentialBuckets(10, 2, 12)})
		ConversionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bilirec_conversion_duration_seconds", Help: "Conversion task duration seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 14)})
		ActiveMonitors = promauto.NewGauge(prometheus.GaugeOpts{Name: "bilirec_active_monitors", Help: "Current number of running room monitors"})
		ActiveRecorders = promauto.NewGauge(prometheus.GaugeOpts{Name: "bilirec_active_recorders", Help: "Current number of running recorders"})
		ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{Name: "bilirec_active_conversion_tasks", Help: "Current number of pending or running conversion tasks"})
		DiskUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{Name: "bilirec_disk_used_percent", Help: "Used percentage of the recording volume"})
		DiskFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{Name: "bilirec_disk_free_bytes", Help: "Free bytes on the recording volume"})
	})
}

// SetDiskUsage records the latest disk poll result. totalBytes==0 means the
// volume is unavailable and zeroes both gauges.
func SetDiskUsage(availableBytes, totalBytes uint64) {
	if DiskUsedPercent == nil || DiskFreeBytes == nil {
		return
	}
	if totalBytes == 0 {
		DiskUsedPercent.Set(0)
		DiskFreeBytes.Set(0)
		return
	}
	DiskUsedPercent.Set(float64(totalBytes-availableBytes) / float64(totalBytes) * 100)
	DiskFreeBytes.Set(float64(availableBytes))
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
