package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"callsy/internal/httpapi"
	"callsy/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type health struct {
	db  *sql.DB // nil with the memory directory
	rdb *redis.Client
}

// check pings every backing store; the relay is useless without Redis.
func (hc health) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := hc.rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	if hc.db != nil {
		return utils.HealthCheck(ctx, hc.db, 2*time.Second)
	}
	return nil
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of call logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, hc health) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := hc.check(c.Request.Context()); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpapi.RegisterRoutes(r, h, authMW)
}
