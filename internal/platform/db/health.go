package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a snapshot of the pgx connection pool counters, exposed
// on the health endpoint so pool saturation is visible before requests
// start queueing on Acquire.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// Saturated reports whether every pool slot is checked out. A saturated
// pool still answers pings, so the health endpoint reports it as
// degraded rather than unhealthy.
func (s *PoolStats) Saturated() bool {
	return s.MaxConns > 0 && s.AcquiredConns >= s.MaxConns
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler returns a handler for the database health check
// endpoint. It reports one of three states: healthy (ping succeeded,
// free pool slots remain), degraded (ping succeeded but the pool is
// saturated), or unhealthy (ping failed). Degraded responses keep
// status 200; only a failed ping returns 503.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := pool.Ping(ctx)
		pingMS := float64(time.Since(start).Microseconds()) / 1000.0
		stats := GetPoolStats(pool)

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":  "unhealthy",
				"error":   err.Error(),
				"ping_ms": pingMS,
				"pool":    stats,
			})
		}

		status := "healthy"
		if stats.Saturated() {
			status = "degraded"
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  status,
			"ping_ms": pingMS,
			"pool":    stats,
		})
	}
}
