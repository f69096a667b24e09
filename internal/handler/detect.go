package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"provenance/internal/audit"
	"provenance/internal/config"
	"provenance/internal/consensus"
	"provenance/internal/detect"
	"provenance/internal/metrics"
	"provenance/internal/service"
	"provenance/internal/webhook"
)

// DetectionResponse is the uniform verdict shape for all modalities.
type DetectionResponse struct {
	AnalysisID       string             `json:"analysis_id"`
	IsAIGenerated    bool               `json:"is_ai_generated"`
	Confidence       float64            `json:"confidence"`
	ModelPrediction  *string            `json:"model_prediction"`
	Analysis         map[string]any     `json:"analysis"`
	Explanation      string             `json:"explanation"`
	ProcessingTimeMS float64            `json:"processing_time_ms"`
	Consensus        *consensus.Summary `json:"consensus,omitempty"`
}

type textDetectionRequest struct {
	Text string `json:"text"`
}

// DetectHandler runs the full detection path: validate → internal detector →
// consensus fan-out → durable store → audit + webhook enqueue.
type DetectHandler struct {
	Detector *detect.Detector
	Engine   *consensus.Engine
	Store    *service.AnalysisStore
	Audit    *audit.Emitter
	Webhooks *webhook.Dispatcher
	Metrics  *metrics.Metrics
	Limits   config.LimitsConfig
	Logger   *zap.Logger

	// RateLimitFor supplies the admission middleware per route bucket.
	RateLimitFor func(bucket, operation string) gin.HandlerFunc
}

func (h *DetectHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/detect")
	group.POST("/text", h.limiter("text", "text"), h.detectText)
	group.POST("/image", h.limiter("media", "image"), h.detectImage)
	group.POST("/audio", h.limiter("media", "audio"), h.detectAudio)
	group.POST("/video", h.limiter("media", "video"), h.detectVideo)
	group.POST("/url", h.limiter("media", "image"), h.detectURL)
}

func (h *DetectHandler) limiter(bucket, operation string) gin.HandlerFunc {
	if h.RateLimitFor == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return h.RateLimitFor(bucket, operation)
}

// @Summary Detect AI-generated text
// @Tags detect
// @Accept json
// @Success 200 {object} DetectionResponse
// @Router /api/v1/detect/text [post]
func (h *DetectHandler) detectText(c *gin.Context) {
	var req textDetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "text", Message: "body must be JSON with a text field"}})
		return
	}
	if fieldErrs := h.validateText(req.Text); len(fieldErrs) > 0 {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed, fieldErrs)
		return
	}

	artifact := detect.Artifact{Text: req.Text}
	h.respond(c, detect.ModalityText, artifact, service.HashText(req.Text), int64(len(req.Text)), nil)
}

// @Summary Detect AI-generated image
// @Tags detect
// @Accept multipart/form-data
// @Success 200 {object} DetectionResponse
// @Router /api/v1/detect/image [post]
func (h *DetectHandler) detectImage(c *gin.Context) {
	h.detectUpload(c, detect.ModalityImage, h.Limits.MaxImageMB)
}

// @Summary Detect AI-generated audio
// @Tags detect
// @Accept multipart/form-data
// @Success 200 {object} DetectionResponse
// @Router /api/v1/detect/audio [post]
func (h *DetectHandler) detectAudio(c *gin.Context) {
	h.detectUpload(c, detect.ModalityAudio, h.Limits.MaxAudioMB)
}

// @Summary Detect AI-generated video
// @Tags detect
// @Accept multipart/form-data
// @Success 200 {object} DetectionResponse
// @Router /api/v1/detect/video [post]
func (h *DetectHandler) detectVideo(c *gin.Context) {
	h.detectUpload(c, detect.ModalityVideo, h.Limits.MaxVideoMB)
}

func (h *DetectHandler) detectUpload(c *gin.Context, modality string, maxMB int) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "file", Message: "multipart file field is required"}})
		return
	}
	limit := int64(maxMB) << 20
	if fileHeader.Size > limit {
		Error(c, http.StatusRequestEntityTooLarge, ErrInputTooLarge,
			fmt.Sprintf("File exceeds the %d MiB limit for %s uploads.", maxMB, modality))
		return
	}

	data, err := readUpload(fileHeader, limit)
	if err != nil {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "file", Message: err.Error()}})
		return
	}

	filename := fileHeader.Filename
	artifact := detect.Artifact{Binary: data, Filename: filename}
	h.respond(c, modality, artifact, service.HashBytes(data), int64(len(data)), &filename)
}

func readUpload(fileHeader *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("unreadable upload: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("unreadable upload: %v", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("upload exceeds size limit")
	}
	return data, nil
}

var (
	htmlBlockRe = regexp.MustCompile(`(?is)<(script|style).*?>.*?</(script|style)>`)
	htmlTagRe   = regexp.MustCompile(`(?s)<[^>]+>`)
)

type urlDetectionRequest struct {
	URL string `json:"url"`
}

// detectURL fetches a public URL and scores it as text (HTML pages) or image
// (direct image links).
func (h *DetectHandler) detectURL(c *gin.Context) {
	var req urlDetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "url", Message: "body must be JSON with a url field"}})
		return
	}
	parsed, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			[]FieldError{{Field: "url", Message: "must be an absolute http(s) URL"}})
		return
	}

	fetchCtx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed, "URL could not be requested.")
		return
	}
	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			fmt.Sprintf("URL fetch failed: %v", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			fmt.Sprintf("URL fetch returned HTTP %d.", resp.StatusCode))
		return
	}

	maxBytes := int64(h.Limits.MaxImageMB) << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed, "URL body could not be read.")
		return
	}
	if int64(len(body)) > maxBytes {
		Error(c, http.StatusRequestEntityTooLarge, ErrInputTooLarge, "Fetched content exceeds the size limit.")
		return
	}

	sourceURL := parsed.String()
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "image/") {
		filename := filenameFromURL(parsed)
		artifact := detect.Artifact{Binary: body, Filename: filename}
		h.respondWithSource(c, detect.ModalityImage, artifact, service.HashBytes(body), int64(len(body)), &filename, &sourceURL)
		return
	}

	text := extractTextFromHTML(string(body))
	if fieldErrs := h.validateText(text); len(fieldErrs) > 0 {
		Error(c, http.StatusUnprocessableEntity, ErrValidationFailed,
			fmt.Sprintf("Extracted page text is outside the accepted length range (%d chars).", utf8.RuneCountInString(text)))
		return
	}
	h.respondWithSource(c, detect.ModalityText, detect.Artifact{Text: text}, service.HashText(text), int64(len(text)), nil, &sourceURL)
}

func extractTextFromHTML(html string) string {
	withoutBlocks := htmlBlockRe.ReplaceAllString(html, " ")
	withoutTags := htmlTagRe.ReplaceAllString(withoutBlocks, " ")
	return strings.Join(strings.Fields(withoutTags), " ")
}

func filenameFromURL(u *url.URL) string {
	path := strings.TrimRight(u.Path, "/")
	if path == "" {
		return "downloaded_image"
	}
	parts := strings.Split(path, "/")
	if name := parts[len(parts)-1]; name != "" {
		return name
	}
	return "downloaded_image"
}

func (h *DetectHandler) validateText(text string) []FieldError {
	length := utf8.RuneCountInString(text)
	if length < h.Limits.MinTextChars {
		return []FieldError{{Field: "text", Message: fmt.Sprintf("must be at least %d characters", h.Limits.MinTextChars)}}
	}
	if length > h.Limits.MaxTextChars {
		return []FieldError{{Field: "text", Message: fmt.Sprintf("must be at most %d characters", h.Limits.MaxTextChars)}}
	}
	return nil
}

func (h *DetectHandler) respond(c *gin.Context, modality string, artifact detect.Artifact, contentHash string, inputSize int64, filename *string) {
	h.respondWithSource(c, modality, artifact, contentHash, inputSize, filename, nil)
}

func (h *DetectHandler) respondWithSource(c *gin.Context, modality string, artifact detect.Artifact, contentHash string, inputSize int64, filename, sourceURL *string) {
	response, errName, status, detail := h.Run(c.Request.Context(), modality, artifact, contentHash, inputSize, "api", filename, sourceURL, RequestID(c), c.GetString(ctxKeyActorID))
	if errName != "" {
		Error(c, status, errName, detail)
		return
	}
	c.JSON(http.StatusOK, response)
}

// Run executes the detection path outside of any HTTP concern so the batch
// handler can reuse it. On failure it returns the error name, HTTP status,
// and detail for the envelope.
func (h *DetectHandler) Run(ctx context.Context, modality string, artifact detect.Artifact, contentHash string, inputSize int64, source string, filename, sourceURL *string, requestID, actorID string) (*DetectionResponse, string, int, any) {
	started := time.Now()

	internal, err := h.Detector.Detect(modality, artifact)
	if err != nil {
		if errors.Is(err, detect.ErrUnsupportedModality) {
			return nil, ErrValidationFailed, http.StatusUnprocessableEntity, err.Error()
		}
		if h.Logger != nil {
			h.Logger.Error("internal detector failed", zap.String("modality", modality), zap.Error(err))
		}
		return nil, ErrDetectorUnavailable, http.StatusServiceUnavailable,
			"The internal detector could not analyze this content."
	}

	summary := h.Engine.Score(ctx, modality, artifact, internal.Probability)
	if h.Metrics != nil {
		for _, v := range summary.Providers {
			h.Metrics.ProviderProbes.WithLabelValues(v.Provider, v.Status).Inc()
		}
	}

	model := internal.ModelPrediction
	if summary.IsAIGenerated && model == nil {
		unknown := "unknown"
		model = &unknown
	}
	if !summary.IsAIGenerated {
		model = nil
	}

	resultPayload, err := json.Marshal(map[string]any{
		"signals":   internal.Signals,
		"consensus": summary,
	})
	if err != nil {
		return nil, ErrInternal, http.StatusInternalServerError, "Result serialization failed."
	}

	// Persist with a detached context: a client disconnect must not lose a
	// computed verdict.
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	analysisID, deduped, err := h.Store.Put(storeCtx, service.PutInput{
		ContentType:     modality,
		ContentHash:     contentHash,
		IsAIGenerated:   summary.IsAIGenerated,
		Confidence:      summary.FinalProbability,
		ModelPrediction: model,
		Result:          resultPayload,
		Source:          source,
		SourceURL:       sourceURL,
		Filename:        filename,
		InputSize:       inputSize,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("analysis persist failed", zap.Error(err))
		}
		return nil, ErrPersistenceFailed, http.StatusInternalServerError,
			"The decision could not be recorded."
	}

	elapsed := float64(time.Since(started).Microseconds()) / 1000.0
	if h.Metrics != nil {
		h.Metrics.RecordVerdict(modality, summary.IsAIGenerated)
		h.Metrics.DetectionSeconds.WithLabelValues(modality).Observe(time.Since(started).Seconds())
	}
	if h.Audit != nil {
		h.Audit.Emit("detection.completed", "info", map[string]any{
			"analysis_id":     analysisID,
			"content_type":    modality,
			"is_ai_generated": summary.IsAIGenerated,
			"confidence":      summary.FinalProbability,
			"deduped":         deduped,
			"source":          source,
		}, audit.EmitOptions{ActorID: actorID, RequestID: requestID})
	}
	if h.Webhooks != nil {
		if err := h.Webhooks.Enqueue("detection.completed", map[string]any{
			"analysis_id":     analysisID,
			"content_type":    modality,
			"is_ai_generated": summary.IsAIGenerated,
			"confidence":      summary.FinalProbability,
			"source":          source,
		}); err != nil && h.Logger != nil {
			h.Logger.Warn("webhook enqueue failed", zap.Error(err))
		}
	}

	return &DetectionResponse{
		AnalysisID:       analysisID,
		IsAIGenerated:    summary.IsAIGenerated,
		Confidence:       summary.FinalProbability,
		ModelPrediction:  model,
		Analysis:         internal.Signals,
		Explanation:      internal.Explanation,
		ProcessingTimeMS: elapsed,
		Consensus:        &summary,
	}, "", 0, nil
}
