package handler

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"provenance/internal/config"
	"provenance/internal/detect"
	"provenance/internal/service"
)

const batchConcurrency = 4

type batchTextItem struct {
	ItemID string `json:"item_id"`
	Text   string `json:"text"`
}

type batchTextRequest struct {
	Items       []batchTextItem `json:"items"`
	StopOnError bool            `json:"stop_on_error"`
}

type batchTextResultItem struct {
	ItemID string             `json:"item_id"`
	OK     bool               `json:"ok"`
	Result *DetectionResponse `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

type batchTextResponse struct {
	BatchID   string                `json:"batch_id"`
	Total     int                   `json:"total"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Results   []batchTextResultItem `json:"results"`
}

// BatchHandler scores up to batch_max_items texts in one call, running items
// concurrently with a bounded worker group.
type BatchHandler struct {
	Detect *DetectHandler
	Limits config.LimitsConfig

	RateLimitFor func(bucket, operation string) gin.HandlerFunc
}

func (h *BatchHandler) Register(r *gin.Engine) {
	limiter := func(c *gin.Context) { c.Next() }
	if h.RateLimitFor != nil {
		limiter = h.RateLimitFor("batch", "batch")
	}
	r.POST("/api/v1/batch/text", limiter, h.batchText)
}

// @Summary Detect AI-generated text in bulk
// @Tags batch
// @Accept json
// @Success 200 {object} batchTextResponse
// @Router /api/v1/batch/text [post]
func (h *BatchHandler) batchText(c *gin.Context) {
	var req batchTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "items", Message: "body must be JSON with an items list"}})
		return
	}
	if len(req.Items) == 0 {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "items", Message: "at least one item is required"}})
		return
	}
	if len(req.Items) > h.Limits.BatchMaxItems {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "items", Message: fmt.Sprintf("at most %d items are allowed", h.Limits.BatchMaxItems)}})
		return
	}
	for i, item := range req.Items {
		if item.ItemID == "" {
			Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
				[]FieldError{{Field: fmt.Sprintf("items[%d].item_id", i), Message: "item_id is required"}})
			return
		}
	}

	requestID := RequestID(c)
	actorID := c.GetString(ctxKeyActorID)
	results := make([]batchTextResultItem, len(req.Items))

	group, groupCtx := errgroup.WithContext(c.Request.Context())
	group.SetLimit(batchConcurrency)
	var stopped atomic.Bool

	for i, item := range req.Items {
		i, item := i, item
		group.Go(func() error {
			if stopped.Load() {
				results[i] = batchTextResultItem{ItemID: item.ItemID, OK: false, Error: "skipped after earlier failure"}
				return nil
			}
			if fieldErrs := h.Detect.validateText(item.Text); len(fieldErrs) > 0 {
				results[i] = batchTextResultItem{ItemID: item.ItemID, OK: false, Error: fieldErrs[0].Message}
				if req.StopOnError {
					stopped.Store(true)
					return fmt.Errorf("item %s: validation failed", item.ItemID)
				}
				return nil
			}

			artifact := detect.Artifact{Text: item.Text}
			response, errName, _, detail := h.Detect.Run(groupCtx, detect.ModalityText, artifact,
				service.HashText(item.Text), int64(len(item.Text)), "batch", nil, nil, requestID, actorID)
			if errName != "" {
				results[i] = batchTextResultItem{ItemID: item.ItemID, OK: false, Error: fmt.Sprintf("%s: %v", errName, detail)}
				if req.StopOnError {
					stopped.Store(true)
					return fmt.Errorf("item %s: %s", item.ItemID, errName)
				}
				return nil
			}
			results[i] = batchTextResultItem{ItemID: item.ItemID, OK: true, Result: response}
			return nil
		})
	}
	// The error only signals early stop; per-item outcomes are in results.
	_ = group.Wait()

	succeeded, failed := 0, 0
	for _, r := range results {
		if r.OK {
			succeeded++
		} else {
			failed++
		}
	}
	c.JSON(http.StatusOK, batchTextResponse{
		BatchID:   uuid.NewString(),
		Total:     len(req.Items),
		Succeeded: succeeded,
		Failed:    failed,
		Results:   results,
	})
}
