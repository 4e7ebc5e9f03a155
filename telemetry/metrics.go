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
	RecordingsStarted  prometheus.Counter
	RecordingsEnded    prometheus.Counter
	SegmentRollovers   prometheus.Counter
	WatchdogFires      prometheus.Counter
	RecordingsAbandoned prometheus.Counter
	MergesSucceeded    prometheus.Counter
	MergesFailed       prometheus.Counter
	ChunksUploaded     prometheus.Counter
	ChunksRetried      prometheus.Counter
	UploadsSucceeded   prometheus.Counter
	UploadsFailed      prometheus.Counter
	FilesCleaned       prometheus.Counter

	// Histograms (seconds)
	SessionDuration prometheus.Observer
	MergeDuration   prometheus.Observer
	UploadDuration  prometheus.Observer

	// Gauges
	ActiveRecordingsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "live_recordings_started_total", Help: "Number of capture sessions started"})
		RecordingsEnded = promauto.NewCounter(prometheus.CounterOpts{Name: "live_recordings_ended_total", Help: "Number of capture sessions finalized"})
		SegmentRollovers = promauto.NewCounter(prometheus.CounterOpts{Name: "live_segment_rollovers_total", Help: "Number of segment rollovers after a capture subprocess exit"})
		WatchdogFires = promauto.NewCounter(prometheus.CounterOpts{Name: "live_watchdog_fires_total", Help: "Number of existence/growth watchdog fires"})
		RecordingsAbandoned = promauto.NewCounter(prometheus.CounterOpts{Name: "live_recordings_abandoned_total", Help: "Number of sessions abandoned after exhausting the retry budget"})
		MergesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "live_merges_succeeded_total", Help: "Number of successful segment merges"})
		MergesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "live_merges_failed_total", Help: "Number of failed segment merges"})
		ChunksUploaded = promauto.NewCounter(prometheus.CounterOpts{Name: "live_upload_chunks_total", Help: "Number of chunks transferred"})
		ChunksRetried = promauto.NewCounter(prometheus.CounterOpts{Name: "live_upload_chunk_retries_total", Help: "Number of chunk second-pass retries"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "live_uploads_succeeded_total", Help: "Number of publish tasks completed"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "live_uploads_failed_total", Help: "Number of publish tasks aborted"})
		FilesCleaned = promauto.NewCounter(prometheus.CounterOpts{Name: "live_files_cleaned_total", Help: "Number of orphaned files reclaimed"})
		SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_session_duration_seconds", Help: "Capture session duration seconds", Buckets: prometheus.ExponentialBuckets(60, 2, 10)})
		MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_merge_duration_seconds", Help: "Merge duration seconds", Buckets: prometheus.DefBuckets})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_upload_duration_seconds", Help: "Upload task duration seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})
		ActiveRecordingsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_active_recordings", Help: "Current number of open capture sessions"})
	})
}

// Inc increments a counter, tolerating an uninitialized registry.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Observe records a value, tolerating an uninitialized registry.
func Observe(o prometheus.Observer, v float64) {
	if o != nil {
		o.Observe(v)
	}
}

// SetActiveRecordings records the current open session count.
func SetActiveRecordings(n int) {
	if ActiveRecordingsGauge != nil {
		ActiveRecordingsGauge.Set(float64(n))
	}
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
