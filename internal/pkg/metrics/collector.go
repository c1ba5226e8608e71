package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// RecordDBPoolMetrics updates database pool metrics.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	stats := pool.Stat()

	dbPoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
	dbPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	dbPoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
}

// RecordRedisPoolMetrics updates redis pool metrics.
func RecordRedisPoolMetrics(client *redis.Client) {
	stats := client.PoolStats()

	redisPoolConnections.WithLabelValues("total").Set(float64(stats.TotalConns))
	redisPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns))
	redisPoolConnections.WithLabelValues("stale").Set(float64(stats.StaleConns))
	redisPoolTimeouts.Set(float64(stats.Timeouts))
}
