package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPgxPoolMetrics exposes job store connection pool statistics as
// Prometheus gauges.
func RegisterPgxPoolMetrics(pool *pgxpool.Pool) {
	stat := func(f func(*pgxpool.Stat) int32) func() float64 {
		return func() float64 { return float64(f(pool.Stat())) }
	}
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sshcron_db_acquired_conns",
			Help: "Number of currently acquired job store connections",
		}, stat((*pgxpool.Stat).AcquiredConns)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sshcron_db_max_conns",
			Help: "Maximum number of job store connections",
		}, stat((*pgxpool.Stat).MaxConns)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sshcron_db_idle_conns",
			Help: "Number of idle job store connections",
		}, stat((*pgxpool.Stat).IdleConns)),
	)
}
