package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"provenance/internal/audit"
	"provenance/internal/ratelimit"
	"provenance/internal/service"
)

// AdminHandler exposes operator actions: clearing a client's rate-limit
// state and pruning aged analysis records.
type AdminHandler struct {
	Authorizer ratelimit.Authorizer
	Store      *service.AnalysisStore
	Audit      *audit.Emitter
}

func (h *AdminHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/admin")
	group.POST("/rate-limit/reset", h.resetRateLimit)
	group.POST("/analyses/prune", h.prune)
}

// @Summary Reset rate-limit and spend state for a client
// @Tags admin
// @Router /api/v1/admin/rate-limit/reset [post]
func (h *AdminHandler) resetRateLimit(c *gin.Context) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == "" {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "client_id", Message: "client_id is required"}})
		return
	}
	if err := h.Authorizer.Reset(c.Request.Context(), req.ClientID); err != nil {
		Error(c, http.StatusInternalServerError, ErrInternal, "Reset failed.")
		return
	}
	if h.Audit != nil {
		h.Audit.Emit("admin.rate_limit_reset", "info", map[string]any{
			"client_id": req.ClientID,
		}, audit.EmitOptions{ActorID: c.GetString(ctxKeyActorID), RequestID: RequestID(c)})
	}
	c.JSON(http.StatusOK, gin.H{"reset": req.ClientID})
}

// @Summary Prune analyses older than a cutoff
// @Tags admin
// @Router /api/v1/admin/analyses/prune [post]
func (h *AdminHandler) prune(c *gin.Context) {
	var req struct {
		OlderThanDays int `json:"older_than_days"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.OlderThanDays < 1 {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "older_than_days", Message: "must be a positive integer"}})
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -req.OlderThanDays)
	pruned, err := h.Store.Prune(c.Request.Context(), cutoff)
	if err != nil {
		Error(c, http.StatusInternalServerError, ErrPersistenceFailed, "Prune failed.")
		return
	}
	if h.Audit != nil {
		h.Audit.Emit("admin.analyses_pruned", "info", map[string]any{
			"older_than_days": req.OlderThanDays,
			"pruned":          pruned,
		}, audit.EmitOptions{ActorID: c.GetString(ctxKeyActorID), RequestID: RequestID(c)})
	}
	c.JSON(http.StatusOK, gin.H{"pruned": pruned})
}
