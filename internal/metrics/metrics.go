package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshcron_executions_started_total",
		Help: "Executions created, by any trigger",
	})

	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sshcron_executions_finished_total",
		Help: "Executions that reached a terminal status",
	}, []string{"status"})

	ExecutionsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sshcron_executions_running",
		Help: "Executions currently owned by a worker",
	})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sshcron_execution_duration_seconds",
		Help:    "Wall time from execution start to terminal status",
		Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
	})

	SchedulerJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sshcron_scheduler_jobs",
		Help: "Jobs with an active cron trigger",
	})

	SchedulerFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshcron_scheduler_fires_total",
		Help: "Cron trigger firings",
	})

	BroadcastPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshcron_broadcast_published_total",
		Help: "Log messages published by execution workers",
	})

	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshcron_broadcast_dropped_total",
		Help: "Log messages dropped because an execution's delivery queue was full",
	})

	BroadcastSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sshcron_broadcast_subscribers",
		Help: "Live log stream subscribers",
	})
)
