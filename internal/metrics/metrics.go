package metrics

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "stargazer_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultEmpty   = "empty"
	ResultInvalid = "invalid_target"
)

var (
	registerOnce sync.Once

	commandsEnqueued  prometheus.Counter
	dispatchTotal     *prometheus.CounterVec
	reportTotal       *prometheus.CounterVec
	uploadTotal       *prometheus.CounterVec
	uploadLatency     *prometheus.HistogramVec
	uploadBytes       prometheus.Histogram
	reconcileTotal    *prometheus.CounterVec
	reconcileLatency  prometheus.Histogram
	reconcileMutation *prometheus.CounterVec
)

// Init регистрирует метрики сервиса. db, если не nil, питает gauge ожидающих команд.
// Повторные вызовы ничего не делают.
func Init(db *sql.DB) {
	registerOnce.Do(func() {
		commandsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "commands_enqueued_total",
			Help: "Commands created by operators",
		})
		dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "dispatch_total",
			Help: "Device polls by result",
		}, []string{"result"})
		reportTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "reports_total",
			Help: "Device status reports by resulting status or rejection reason",
		}, []string{"status"})
		uploadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "uploads_total",
			Help: "Image uploads by result",
		}, []string{"result"})
		uploadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "upload_latency_seconds",
			Help:    "Upload finalization latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"})
		uploadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "upload_bytes",
			Help:    "Decoded upload payload size",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10),
		})
		reconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "reconcile_runs_total",
			Help: "Directory reconciliation runs by result",
		}, []string{"result"})
		reconcileLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "reconcile_latency_seconds",
			Help:    "Directory reconciliation duration in seconds",
			Buckets: prometheus.DefBuckets,
		})
		reconcileMutation = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "reconcile_rows_total",
			Help: "Catalog rows touched by reconciliation",
		}, []string{"action"})

		prometheus.MustRegister(
			commandsEnqueued,
			dispatchTotal,
			reportTotal,
			uploadTotal,
			uploadLatency,
			uploadBytes,
			reconcileTotal,
			reconcileLatency,
			reconcileMutation,
		)

		if db != nil {
			prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: metricPrefix + "commands_pending",
				Help: "Commands waiting for a device poll",
			}, func() float64 {
				return countPending(db)
			}))
		}
	})
}

func countPending(db *sql.DB) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var n int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM commands WHERE status = 0").Scan(&n); err != nil {
		log.Printf("metrics: не удалось посчитать ожидающие команды: %v", err)
		return 0
	}
	return float64(n)
}

// IncEnqueued учитывает созданную команду.
func IncEnqueued() {
	if commandsEnqueued != nil {
		commandsEnqueued.Inc()
	}
}

// IncDispatch учитывает опрос очереди устройством.
func IncDispatch(result string) {
	if result == "" {
		result = ResultSuccess
	}
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues(result).Inc()
	}
}

// IncReport учитывает отчёт устройства.
func IncReport(status string) {
	if status == "" {
		status = "unknown"
	}
	if reportTotal != nil {
		reportTotal.WithLabelValues(status).Inc()
	}
}

// ObserveUpload учитывает загрузку: результат, длительность и размер.
func ObserveUpload(result string, size int, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if uploadTotal != nil {
		uploadTotal.WithLabelValues(result).Inc()
	}
	if uploadLatency != nil {
		uploadLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if uploadBytes != nil && size > 0 {
		uploadBytes.Observe(float64(size))
	}
}

// ObserveReconcile учитывает один проход сверки.
func ObserveReconcile(result string, pruned, adopted int, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if reconcileTotal != nil {
		reconcileTotal.WithLabelValues(result).Inc()
	}
	if reconcileLatency != nil {
		reconcileLatency.Observe(duration.Seconds())
	}
	if reconcileMutation != nil {
		reconcileMutation.WithLabelValues("pruned").Add(float64(pruned))
		reconcileMutation.WithLabelValues("adopted").Add(float64(adopted))
	}
}
