package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"provenance/internal/repository"
	"provenance/internal/service"
)

// AnalyzeHandler serves history, stats, dashboard, record lookup, and export
// over the analysis store.
type AnalyzeHandler struct {
	Store *service.AnalysisStore

	RateLimitFor func(bucket, operation string) gin.HandlerFunc
}

func (h *AnalyzeHandler) Register(r *gin.Engine) {
	limiter := func(c *gin.Context) { c.Next() }
	if h.RateLimitFor != nil {
		limiter = h.RateLimitFor("default", "default")
	}
	group := r.Group("/api/v1/analyze", limiter)
	group.GET("/history", h.history)
	group.GET("/stats", h.stats)
	group.GET("/dashboard", h.dashboard)
	group.GET("/record/:analysis_id", h.record)
	group.GET("/export", h.export)
}

func queryInt(c *gin.Context, name string, fallback, lo, hi int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func listParams(c *gin.Context) repository.ListAnalysesParams {
	params := repository.ListAnalysesParams{
		ContentType: c.Query("content_type"),
		Source:      c.Query("source"),
		Limit:       queryInt(c, "limit", 50, 1, 500),
		Offset:      queryInt(c, "offset", 0, 0, 1<<30),
	}
	if raw := c.Query("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			params.Since = &t
		}
	}
	if raw := c.Query("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			params.Until = &t
		}
	}
	return params
}

type historyItem struct {
	AnalysisID      string  `json:"analysis_id"`
	ContentType     string  `json:"content_type"`
	IsAIGenerated   bool    `json:"is_ai_generated"`
	Confidence      float64 `json:"confidence"`
	ModelPrediction *string `json:"model_prediction"`
	Source          string  `json:"source"`
	SourceURL       *string `json:"source_url"`
	CreatedAt       string  `json:"created_at"`
}

type historyResponse struct {
	Items  []historyItem `json:"items"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// @Summary Paginated detection history
// @Tags analyze
// @Success 200 {object} historyResponse
// @Router /api/v1/analyze/history [get]
func (h *AnalyzeHandler) history(c *gin.Context) {
	params := listParams(c)
	items, total, err := h.Store.List(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, ErrPersistenceFailed, "History query failed.")
		return
	}
	out := make([]historyItem, 0, len(items))
	for _, record := range items {
		out = append(out, historyItem{
			AnalysisID:      record.AnalysisID,
			ContentType:     record.ContentType,
			IsAIGenerated:   record.IsAIGenerated,
			Confidence:      record.Confidence,
			ModelPrediction: record.ModelPrediction,
			Source:          record.Source,
			SourceURL:       record.SourceURL,
			CreatedAt:       record.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, historyResponse{
		Items:  out,
		Total:  total,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
}

// @Summary All-time aggregate stats
// @Tags analyze
// @Router /api/v1/analyze/stats [get]
func (h *AnalyzeHandler) stats(c *gin.Context) {
	stats, err := h.Store.Stats(c.Request.Context())
	if err != nil {
		Error(c, http.StatusInternalServerError, ErrPersistenceFailed, "Stats query failed.")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// @Summary Analytics dashboard for a recent window
// @Tags analyze
// @Router /api/v1/analyze/dashboard [get]
func (h *AnalyzeHandler) dashboard(c *gin.Context) {
	days := queryInt(c, "days", 14, 1, 90)
	dashboard, err := h.Store.Dashboard(c.Request.Context(), days)
	if err != nil {
		Error(c, http.StatusInternalServerError, ErrPersistenceFailed, "Dashboard query failed.")
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

// @Summary Fetch one stored analysis
// @Tags analyze
// @Router /api/v1/analyze/record/{analysis_id} [get]
func (h *AnalyzeHandler) record(c *gin.Context) {
	record, err := h.Store.Get(c.Request.Context(), c.Param("analysis_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			Error(c, http.StatusNotFound, ErrNotFound, "No analysis exists with that id.")
			return
		}
		Error(c, http.StatusInternalServerError, ErrPersistenceFailed, "Record lookup failed.")
		return
	}
	c.JSON(http.StatusOK, record)
}

// @Summary Stream matching records as CSV or JSON
// @Tags analyze
// @Router /api/v1/analyze/export [get]
func (h *AnalyzeHandler) export(c *gin.Context) {
	format := c.DefaultQuery("format", "csv")
	if format != "csv" && format != "json" {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "format", Message: "must be csv or json"}})
		return
	}
	params := listParams(c)
	params.Limit = 0
	params.Offset = 0

	if format == "csv" {
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Header("Content-Disposition", `attachment; filename="analyses.csv"`)
	} else {
		c.Header("Content-Type", "application/json; charset=utf-8")
	}
	c.Status(http.StatusOK)
	if err := h.Store.Export(c.Request.Context(), c.Writer, format, params, 0); err != nil {
		// Headers are gone; the truncated body is the best signal left.
		return
	}
}
