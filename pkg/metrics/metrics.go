package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiles_tasks_submitted_total",
		Help: "Total number of tile tasks submitted, by stage and whether a new task was created",
	}, []string{"stage", "result"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiles_tasks_completed_total",
		Help: "Total number of tile task runs, by stage and outcome",
	}, []string{"stage", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tiles_task_duration_seconds",
		Help:    "Duration of a single tile task run in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"stage"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tiles_queue_depth",
		Help: "Number of tile tasks waiting for a worker",
	})

	TilesGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiles_generated_total",
		Help: "Total number of tile generations that changed a tile, by kind",
	}, []string{"kind"})

	TileNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiles_notifications_total",
		Help: "Total number of listener notifications",
	}, []string{"event"})

	LiveHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tiles_live_handles",
		Help: "Number of tile handles held in memory",
	})

	StorageFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiles_storage_flushed_total",
		Help: "Total number of tile records written to the store",
	})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiles_storage_errors_total",
		Help: "Total number of tile store errors",
	}, []string{"operation"})

	StorageFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tiles_storage_flush_duration_seconds",
		Help:    "Duration of a write-behind flush pass in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Redis metrics
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "redis_operation_duration_seconds",
		Help:    "Duration of Redis operations in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_errors_total",
		Help: "Total number of Redis errors",
	}, []string{"operation"})
)
