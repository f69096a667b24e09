package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthHandler serves liveness, readiness, and the deep health check that
// probes the database and the shared cache.
type HealthHandler struct {
	DB    *gorm.DB
	Cache *redis.Client
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
	r.GET("/health", h.deep)
}

// @Summary Health check
// @Tags health
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Readiness check
// @Tags health
// @Success 200 {object} map[string]string
// @Router /readyz [get]
func (h *HealthHandler) ready(c *gin.Context) {
	if err := h.pingDB(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// @Summary Health with optional dependency probes
// @Tags health
// @Router /health [get]
func (h *HealthHandler) deep(c *gin.Context) {
	if c.Query("deep") != "true" {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	checks := gin.H{}
	healthy := true

	if err := h.pingDB(c.Request.Context()); err != nil {
		checks["db"] = "unreachable"
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	if h.Cache == nil {
		checks["cache"] = "not_configured"
	} else {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Cache.Ping(ctx).Err(); err != nil {
			checks["cache"] = "unreachable"
			healthy = false
		} else {
			checks["cache"] = "ok"
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

func (h *HealthHandler) pingDB(ctx context.Context) error {
	if h.DB == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}
