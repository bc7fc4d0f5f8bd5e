package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mongosink/internal/logging"
)

// Failure reasons used as the "reason" label.
const (
	ReasonUnsupported = "unsupported"
	ReasonConversion  = "conversion"
	ReasonStore       = "store"
)

// Metrics is safe to use through a nil pointer; every method is a no-op then.
type Metrics struct {
	Stored        prometheus.Counter
	Failures      *prometheus.CounterVec
	Retries       prometheus.Counter
	StoreDuration prometheus.Histogram
	FlushWait     prometheus.Histogram
	Buffered      prometheus.Gauge
	Faulted       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Stored: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mongosink",
			Name:      "records_stored_total",
			Help:      "Records persisted by the writer.",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mongosink",
			Name:      "record_failures_total",
			Help:      "Records dropped by the writer, by reason.",
		}, []string{"reason"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mongosink",
			Name:      "store_retries_total",
			Help:      "Store attempts beyond the first for a record.",
		}),
		StoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mongosink",
			Name:      "store_duration_seconds",
			Help:      "Latency of a single store call.",
			Buckets:   prometheus.DefBuckets,
		}),
		FlushWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mongosink",
			Name:      "flush_wait_seconds",
			Help:      "Time a flush call spent waiting for watermarks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Buffered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mongosink",
			Name:      "buffer_records",
			Help:      "Records waiting in the buffer.",
		}),
		Faulted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mongosink",
			Name:      "writer_faulted",
			Help:      "1 once the writer holds a pending fault.",
		}),
	}
}

func (m *Metrics) RecordStored(d time.Duration) {
	if m == nil {
		return
	}
	m.Stored.Inc()
	m.StoreDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordFault() {
	if m == nil {
		return
	}
	m.Faulted.Set(1)
}

func (m *Metrics) RecordFlushWait(d time.Duration) {
	if m == nil {
		return
	}
	m.FlushWait.Observe(d.Seconds())
}

func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.Buffered.Set(float64(n))
}

// Expose serves /metrics for g on port in the background.
func Expose(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server failed", "addr", srv.Addr, "err", err)
		}
	}()
	return srv
}
