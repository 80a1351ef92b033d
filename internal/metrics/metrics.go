package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ivmPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunsync_ivm_pushes_total",
			Help: "Changes pushed through IVM operators",
		},
		[]string{"operator"},
	)

	cvrFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunsync_cvr_flushes_total",
			Help: "CVR flushes by result",
		},
		[]string{"result"},
	)

	cvrFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bunsync_cvr_flush_duration_seconds",
			Help:    "Time spent flushing a CVR update",
			Buckets: prometheus.DefBuckets,
		},
	)

	migrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunsync_migrations_total",
			Help: "Storage schema migrations by storage name and result",
		},
		[]string{"name", "result"},
	)

	pokes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunsync_pokes_total",
			Help: "Pokes delivered to clients",
		},
		[]string{"kind"},
	)

	storageOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bunsync_storage_ops_total",
			Help: "Storage operations by kind",
		},
		[]string{"op"},
	)
)

func IncPush(operator string) { ivmPushes.WithLabelValues(operator).Inc() }

// ObserveCVRFlush records one flush attempt.
func ObserveCVRFlush(start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cvrFlushes.WithLabelValues(result).Inc()
	cvrFlushDuration.Observe(time.Since(start).Seconds())
}

func IncMigration(name, result string) { migrations.WithLabelValues(name, result).Inc() }

func IncPoke(kind string) { pokes.WithLabelValues(kind).Inc() }

func AddStorageOps(op string, n int) { storageOps.WithLabelValues(op).Add(float64(n)) }

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
