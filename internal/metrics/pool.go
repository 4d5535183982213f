package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector reads pgxpool.Stat on every scrape, so the gauges track the
// pool without a sampling goroutine.
type poolCollector struct {
	pool *pgxpool.Pool

	acquiredConns *prometheus.Desc
	idleConns     *prometheus.Desc
	totalConns    *prometheus.Desc
	maxConns      *prometheus.Desc
	acquires      *prometheus.Desc
	emptyAcquires *prometheus.Desc
}

func poolDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("showif_db_pool_"+name, help, nil, nil)
}

// RegisterPoolMetrics exposes live pgxpool connection statistics on reg.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(&poolCollector{
		pool:          pool,
		acquiredConns: poolDesc("acquired", "Number of currently acquired database connections."),
		idleConns:     poolDesc("idle", "Number of idle database connections in the pool."),
		totalConns:    poolDesc("total", "Total number of database connections in the pool."),
		maxConns:      poolDesc("max", "Maximum number of database connections allowed in the pool."),
		acquires:      poolDesc("acquires_total", "Cumulative count of successful connection acquires."),
		emptyAcquires: poolDesc("empty_acquires_total", "Cumulative count of acquires that waited for a free connection."),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquiredConns
	ch <- c.idleConns
	ch <- c.totalConns
	ch <- c.maxConns
	ch <- c.acquires
	ch <- c.emptyAcquires
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()

	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(stat.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(stat.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(stat.EmptyAcquireCount()))
}
