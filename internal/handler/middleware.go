package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"provenance/internal/audit"
	"provenance/internal/config"
	"provenance/internal/metrics"
	"provenance/internal/ratelimit"
)

const (
	ctxKeyRequestID = "request_id"
	ctxKeyClientID  = "client_id"
	ctxKeyActorID   = "actor_id"
)

// RequestID returns the correlation id assigned by RequestIDMiddleware.
func RequestID(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}

// RequestIDMiddleware honors an inbound X-Request-Id or generates one, and
// always echoes it on the response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader("X-Request-Id"))
		if rid == "" {
			rid = uuid.NewString()[:12]
		}
		c.Set(ctxKeyRequestID, rid)
		c.Writer.Header().Set("X-Request-Id", rid)
		c.Next()
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key,X-Actor-Id,X-Request-Id")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// AuthMiddleware validates the API key when enforcement is on and records
// the client identity used by the rate limiter and audit trail.
func AuthMiddleware(cfg config.AuthConfig) gin.HandlerFunc {
	keys := map[string]struct{}{}
	for _, key := range cfg.APIKeys {
		keys[key] = struct{}{}
	}
	header := cfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	actorHeader := cfg.ActorHeader
	if actorHeader == "" {
		actorHeader = "X-Actor-Id"
	}

	return func(c *gin.Context) {
		provided := strings.TrimSpace(c.GetHeader(header))
		if cfg.RequireAPIKey {
			if provided == "" {
				Error(c, http.StatusUnauthorized, ErrUnauthenticated, "Missing API key.")
				return
			}
			if _, ok := keys[provided]; !ok {
				Error(c, http.StatusUnauthorized, ErrUnauthenticated, "Invalid API key.")
				return
			}
		}

		clientID := provided
		if clientID == "" {
			clientID = clientAddr(c)
		}
		c.Set(ctxKeyClientID, clientID)
		if actor := strings.TrimSpace(c.GetHeader(actorHeader)); actor != "" {
			c.Set(ctxKeyActorID, actor)
		}
		c.Next()
	}
}

func clientAddr(c *gin.Context) string {
	if forwarded := strings.TrimSpace(strings.Split(c.GetHeader("X-Forwarded-For"), ",")[0]); forwarded != "" {
		return forwarded
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// RateLimitMiddleware admits the call against the named bucket and debits
// the operation's point cost. Rejections carry Retry-After.
func RateLimitMiddleware(authorizer ratelimit.Authorizer, spend config.SpendConfig, bucket, operation string, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString(ctxKeyClientID)
		if clientID == "" {
			clientID = clientAddr(c)
		}

		decision, err := authorizer.Authorize(c.Request.Context(), clientID, bucket, spend.Cost(operation))
		if err != nil {
			Error(c, http.StatusInternalServerError, ErrInternal, "Admission check failed.")
			return
		}
		if !decision.OK {
			if m != nil {
				m.RateLimitRejects.WithLabelValues(bucket, decision.Reason).Inc()
			}
			retryAfter := int(decision.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			detail := "Rate limit exceeded. Please try again later."
			errName := ErrRateLimited
			if decision.Reason == ratelimit.ReasonSpendCapExceeded {
				detail = "Daily spend cap reached for this client. Try again tomorrow or reduce heavy endpoint usage."
				errName = ErrSpendCapExceeded
			}
			Error(c, http.StatusTooManyRequests, errName, detail)
			return
		}
		c.Next()
	}
}

// AuditMiddleware captures request/response metadata as http.request events.
func AuditMiddleware(cfg config.AuditConfig, emitter *audit.Emitter, logger *zap.Logger) gin.HandlerFunc {
	skip := []string{"/healthz", "/readyz", "/health", "/metrics"}
	return func(c *gin.Context) {
		if !cfg.Enabled || !cfg.LogHTTPRequests {
			c.Next()
			return
		}
		path := c.Request.URL.Path
		for _, prefix := range skip {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		severity := "info"
		if status >= 500 {
			severity = "error"
		} else if status >= 400 {
			severity = "warning"
		}
		emitter.Emit("http.request", severity, map[string]any{
			"method":      c.Request.Method,
			"path":        path,
			"query":       c.Request.URL.RawQuery,
			"status_code": status,
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
			"client_ip":   c.ClientIP(),
		}, audit.EmitOptions{
			ActorID:   c.GetString(ctxKeyActorID),
			RequestID: RequestID(c),
		})
	}
}

// RecoveryMiddleware turns panics into the uniform 500 envelope.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		if logger != nil {
			logger.Error("panic recovered",
				zap.Any("panic", recovered),
				zap.String("path", c.Request.URL.Path),
				zap.String("request_id", RequestID(c)),
			)
		}
		Error(c, http.StatusInternalServerError, ErrInternal,
			"An unexpected error occurred. Please try again or contact support.")
	})
}
