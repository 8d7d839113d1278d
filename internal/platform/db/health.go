package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Health is the body of GET /health.
type Health struct {
	Status  string    `json:"status"`
	Version string    `json:"version,omitempty"`
	Error   string    `json:"error,omitempty"`
	Pool    PoolStats `json:"pool"`
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

func checkHealth(ctx context.Context, p Pinger, stats PoolStats, version string) (int, Health) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	h := Health{Status: "healthy", Version: version, Pool: stats}
	if err := p.Ping(ctx); err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
		return http.StatusServiceUnavailable, h
	}
	return http.StatusOK, h
}

// HealthHandler pings the database and reports pool statistics.
func HealthHandler(pool *pgxpool.Pool, version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		code, h := checkHealth(c.Request().Context(), pool, GetPoolStats(pool), version)
		return c.JSON(code, h)
	}
}
