package metrics

import (
	"runtime"
	"time"

	"github.com/getsinto/sschoool-sub009/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SchedulerMetrics интерфейс для метрик фоновых обходов
type SchedulerMetrics interface {
	ObserveDueScan(processed int, duration time.Duration)
	ObserveStuckSweep(resolved int, duration time.Duration)
	RecordRuntime()
	StartRecording(interval time.Duration)
	Stop()
}

type schedulerMetrics struct {
	log            *logger.Logger
	dueScanTotal   prometheus.Counter
	dueScanClaimed prometheus.Counter
	dueScanSeconds prometheus.Histogram
	sweepTotal     prometheus.Counter
	sweepResolved  prometheus.Counter
	sweepSeconds   prometheus.Histogram
	goroutines     prometheus.Gauge
	memoryAlloc    prometheus.Gauge
	stopCh         chan struct{}
}

// NewSchedulerMetrics создает новые метрики фоновых обходов
func NewSchedulerMetrics(registry *prometheus.Registry, log *logger.Logger) SchedulerMetrics {
	dueScanTotal := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "billing_due_scans_total",
			Help: "The total number of due installment scans",
		},
	)

	dueScanClaimed := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "billing_due_scan_installments_total",
			Help: "The total number of installments picked up by due scans",
		},
	)

	dueScanSeconds := promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_due_scan_seconds",
			Help:    "Due scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	sweepTotal := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "billing_stuck_sweeps_total",
			Help: "The total number of stuck installment sweeps",
		},
	)

	sweepResolved := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "billing_stuck_sweep_resolved_total",
			Help: "The total number of stuck installments resolved by sweeps",
		},
	)

	sweepSeconds := promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_stuck_sweep_seconds",
			Help:    "Stuck sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	goroutines := promauto.With(registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "system_goroutines",
			Help: "Current number of goroutines",
		},
	)

	memoryAlloc := promauto.With(registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "system_memory_alloc_bytes",
			Help: "Currently allocated memory in bytes",
		},
	)

	return &schedulerMetrics{
		log:            log,
		dueScanTotal:   dueScanTotal,
		dueScanClaimed: dueScanClaimed,
		dueScanSeconds: dueScanSeconds,
		sweepTotal:     sweepTotal,
		sweepResolved:  sweepResolved,
		sweepSeconds:   sweepSeconds,
		goroutines:     goroutines,
		memoryAlloc:    memoryAlloc,
		stopCh:         make(chan struct{}),
	}
}

// ObserveDueScan записывает результаты обхода подлежащих списанию платежей
func (m *schedulerMetrics) ObserveDueScan(processed int, duration time.Duration) {
	m.dueScanTotal.Inc()
	m.dueScanClaimed.Add(float64(processed))
	m.dueScanSeconds.Observe(duration.Seconds())
}

// ObserveStuckSweep записывает результаты обхода зависших списаний
func (m *schedulerMetrics) ObserveStuckSweep(resolved int, duration time.Duration) {
	m.sweepTotal.Inc()
	m.sweepResolved.Add(float64(resolved))
	m.sweepSeconds.Observe(duration.Seconds())
}

// RecordRuntime записывает текущие значения runtime-метрик
func (m *schedulerMetrics) RecordRuntime() {
	m.goroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.memoryAlloc.Set(float64(memStats.Alloc))
}

// StartRecording запускает периодический сбор runtime-метрик
func (m *schedulerMetrics) StartRecording(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.RecordRuntime()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop останавливает сбор runtime-метрик
func (m *schedulerMetrics) Stop() {
	close(m.stopCh)
}
