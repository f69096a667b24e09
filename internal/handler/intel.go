package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"provenance/internal/config"
	"provenance/internal/intel"
	"provenance/internal/scheduler"
)

type estimateRequest struct {
	WindowDays int `json:"window_days"`
	MaxPosts   int `json:"max_posts"`
	MaxPages   int `json:"max_pages"`
}

type collectRequest struct {
	Handle     string `json:"handle"`
	WindowDays int    `json:"window_days"`
	MaxPosts   int    `json:"max_posts"`
	Query      string `json:"query"`
}

// IntelHandler exposes collection estimation, ad-hoc collection, and the
// scheduler admin surface.
type IntelHandler struct {
	Config    config.IntelConfig
	Collector *intel.Client
	Scheduler *scheduler.Scheduler
	Logger    *zap.Logger

	RateLimitFor func(bucket, operation string) gin.HandlerFunc
}

func (h *IntelHandler) Register(r *gin.Engine) {
	limiter := func(c *gin.Context) { c.Next() }
	if h.RateLimitFor != nil {
		limiter = h.RateLimitFor("intel", "intel")
	}
	group := r.Group("/api/v1/intel", limiter)
	group.POST("/x/collect/estimate", h.estimate)
	group.POST("/x/collect", h.collect)
	group.GET("/scheduler/status", h.schedulerStatus)
	group.POST("/scheduler/trigger", h.schedulerTrigger)
	group.POST("/scheduler/kill-switch/clear", h.clearKillSwitch)
}

// @Summary Estimate the X API request cost of a collection run
// @Tags intel
// @Router /api/v1/intel/x/collect/estimate [post]
func (h *IntelHandler) estimate(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "body", Message: "body must be JSON"}})
		return
	}
	if req.WindowDays < 1 || req.WindowDays > 90 {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "window_days", Message: "must be between 1 and 90"}})
		return
	}
	if req.MaxPosts < 1 {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "max_posts", Message: "must be positive"}})
		return
	}
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = h.Config.MaxPages
	}
	plan := intel.EstimatePlan(req.MaxPosts, maxPages)
	c.JSON(http.StatusOK, gin.H{
		"plan":               plan,
		"within_run_budget":  plan.EstimatedRequests <= h.Config.MaxRequestsPerRun,
		"run_request_budget": h.Config.MaxRequestsPerRun,
	})
}

// @Summary Collect activity for a handle right now
// @Tags intel
// @Router /api/v1/intel/x/collect [post]
func (h *IntelHandler) collect(c *gin.Context) {
	var req collectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Handle == "" {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "handle", Message: "target handle is required"}})
		return
	}
	if req.WindowDays < 1 {
		req.WindowDays = 14
	}
	if req.MaxPosts < 1 {
		req.MaxPosts = 250
	}

	collection, err := h.Collector.Collect(c.Request.Context(), intel.CollectOptions{
		Handle:     req.Handle,
		WindowDays: req.WindowDays,
		MaxPosts:   req.MaxPosts,
		Query:      req.Query,
	})
	if err != nil {
		switch {
		case errors.Is(err, intel.ErrNotConfigured):
			Error(c, http.StatusServiceUnavailable, ErrInternal, "X API credentials are not configured.")
		case errors.Is(err, intel.ErrBudgetExceeded):
			Error(c, http.StatusUnprocessableEntity, ErrValidationFailed, err.Error())
		default:
			if h.Logger != nil {
				h.Logger.Warn("ad-hoc collection failed", zap.Error(err))
			}
			Error(c, http.StatusBadGateway, ErrInternal, "Collection from the X API failed.")
		}
		return
	}

	report := intel.BuildReport(collection)
	c.JSON(http.StatusOK, gin.H{
		"collection": gin.H{
			"handle":        collection.Handle,
			"post_count":    len(collection.Posts),
			"requests_used": collection.RequestsUsed,
			"notes":         collection.Notes,
		},
		"report": report,
	})
}

// @Summary Scheduler status, usage, and last runs
// @Tags intel
// @Router /api/v1/intel/scheduler/status [get]
func (h *IntelHandler) schedulerStatus(c *gin.Context) {
	if h.Scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, h.Scheduler.Status())
}

// @Summary Trigger a scheduled job immediately
// @Tags intel
// @Router /api/v1/intel/scheduler/trigger [post]
func (h *IntelHandler) schedulerTrigger(c *gin.Context) {
	if h.Scheduler == nil {
		Error(c, http.StatusServiceUnavailable, ErrInternal, "Scheduler is not enabled.")
		return
	}
	var req struct {
		Handle string `json:"handle"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Handle == "" {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "handle", Message: "target handle is required"}})
		return
	}
	result := h.Scheduler.TriggerOnce(c.Request.Context(), req.Handle)
	c.JSON(http.StatusOK, result)
}

// @Summary Clear the monthly-cap kill-switch
// @Tags intel
// @Router /api/v1/intel/scheduler/kill-switch/clear [post]
func (h *IntelHandler) clearKillSwitch(c *gin.Context) {
	if h.Scheduler == nil {
		Error(c, http.StatusServiceUnavailable, ErrInternal, "Scheduler is not enabled.")
		return
	}
	if err := h.Scheduler.Usage.ClearKillSwitch(); err != nil {
		Error(c, http.StatusInternalServerError, ErrInternal, "Kill-switch state could not be persisted.")
		return
	}
	c.JSON(http.StatusOK, h.Scheduler.Usage.Snapshot())
}
