package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scratchBytes atomic.Int64

var (
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natten_dispatch_total",
		Help: "Kernel invocations by pattern and selected implementation",
	}, []string{"pattern", "kernel"})

	FallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natten_fallback_total",
		Help: "Calls that fell back to the reference engine, by reason",
	}, []string{"pattern", "reason"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "natten_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"pattern", "kernel"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natten_validation_errors_total",
		Help: "Total number of rejected calls",
	}, []string{"operation", "error_type"})

	RegisteredKernels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "natten_registered_kernels",
		Help: "Tiled kernel family members available per accelerator generation",
	}, []string{"arch"})

	ScratchBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "natten_scratch_bytes",
		Help: "Bytes of tiled kernel scratch buffers, pooled or in use",
	})
)

func RecordDispatch(pattern, kernel string) {
	DispatchTotal.WithLabelValues(pattern, kernel).Inc()
}

func RecordFallback(pattern, reason string) {
	FallbackTotal.WithLabelValues(pattern, reason).Inc()
}

func RecordKernelDuration(pattern, kernel string, duration time.Duration) {
	KernelDuration.WithLabelValues(pattern, kernel).Observe(duration.Seconds())
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordRegisteredKernels(arch string, n int) {
	RegisteredKernels.WithLabelValues(arch).Set(float64(n))
}

// RecordScratchAlloc adjusts the scratch gauge by delta bytes; pass a
// negative delta when a buffer is released for good.
func RecordScratchAlloc(delta int64) {
	ScratchBytes.Set(float64(scratchBytes.Add(delta)))
}

// ScratchBytesHeld returns the bytes of scratch currently pooled or checked out.
func ScratchBytesHeld() int64 {
	return scratchBytes.Load()
}
