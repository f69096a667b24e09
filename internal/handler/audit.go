package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"provenance/internal/audit"
	"provenance/internal/repository"
)

// AuditHandler exposes the in-memory tail, the durable query surface, and a
// live websocket stream of audit events.
type AuditHandler struct {
	Emitter *audit.Emitter
	Logger  *zap.Logger

	RateLimitFor func(bucket, operation string) gin.HandlerFunc
}

func (h *AuditHandler) Register(r *gin.Engine) {
	limiter := func(c *gin.Context) { c.Next() }
	if h.RateLimitFor != nil {
		limiter = h.RateLimitFor("default", "default")
	}
	group := r.Group("/api/v1/audit", limiter)
	group.GET("/tail", h.tail)
	group.GET("/events", h.events)
	group.GET("/stream", h.stream)
}

// @Summary Most recent audit events from the in-memory ring
// @Tags audit
// @Router /api/v1/audit/tail [get]
func (h *AuditHandler) tail(c *gin.Context) {
	limit := queryInt(c, "limit", 100, 1, 1000)
	events := h.Emitter.Tail(limit, audit.TailFilter{
		EventType: c.Query("event_type"),
		Severity:  c.Query("severity"),
	})
	c.JSON(http.StatusOK, gin.H{"items": events, "count": len(events)})
}

// @Summary Paginated audit events from the durable store
// @Tags audit
// @Router /api/v1/audit/events [get]
func (h *AuditHandler) events(c *gin.Context) {
	params := repository.ListAuditEventsParams{
		EventType: c.Query("event_type"),
		Severity:  c.Query("severity"),
		ActorID:   c.Query("actor_id"),
		Limit:     queryInt(c, "limit", 100, 1, 500),
		Offset:    queryInt(c, "offset", 0, 0, 1<<30),
	}
	items, total, err := h.Emitter.Query(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, ErrPersistenceFailed, "Audit query failed.")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"total":  total,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// stream upgrades to a websocket and forwards live audit events until the
// client goes away. Slow clients miss events rather than backpressuring the
// emitter.
func (h *AuditHandler) stream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	events, cancel := h.Emitter.Subscribe(128)
	defer cancel()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			writeCancel()
			if err != nil {
				if h.Logger != nil {
					h.Logger.Debug("audit stream write failed", zap.Error(err))
				}
				return
			}
		}
	}
}
