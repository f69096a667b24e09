package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"provenance/internal/config"
	"provenance/internal/consensus"
	"provenance/internal/detect"
	"provenance/internal/models"
	"provenance/internal/ratelimit"
	"provenance/internal/repository"
	"provenance/internal/service"
)

// stubRepo embeds the interface so only the methods this package exercises
// need real implementations.
type stubRepo struct {
	repository.Repository

	mu      sync.Mutex
	records []models.AnalysisRecord
}

func (s *stubRepo) InsertAnalysis(ctx context.Context, item *models.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *item)
	return nil
}

func (s *stubRepo) GetAnalysis(ctx context.Context, analysisID string) (*models.AnalysisRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].AnalysisID == analysisID {
			record := s.records[i]
			return &record, nil
		}
	}
	return nil, repository.ErrNotFound
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		MinTextChars:  50,
		MaxTextChars:  50000,
		MaxImageMB:    10,
		MaxAudioMB:    25,
		MaxVideoMB:    150,
		BatchMaxItems: 50,
	}
}

func consensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		Enabled:         true,
		ProviderTimeout: 2 * time.Second,
		InternalWeight:  0.6,
		Threshold:       config.ThresholdConfig{Text: 0.5, Image: 0.5, Audio: 0.5, Video: 0.5},
	}
}

func testRouter(repo *stubRepo, rateLimitFor func(bucket, operation string) gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())

	store := &service.AnalysisStore{Repo: repo, Config: config.StoreConfig{}}
	detectHandler := &DetectHandler{
		Detector:     detect.New(),
		Engine:       &consensus.Engine{Config: consensusConfig()},
		Store:        store,
		Limits:       testLimits(),
		RateLimitFor: rateLimitFor,
	}
	detectHandler.Register(r)

	batchHandler := &BatchHandler{Detect: detectHandler, Limits: testLimits()}
	batchHandler.Register(r)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDetectTextHappyPath(t *testing.T) {
	repo := &stubRepo{}
	r := testRouter(repo, nil)

	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 12)[:512]
	w := postJSON(t, r, "/api/v1/detect/text", map[string]any{"text": text})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp DetectionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AnalysisID == "" {
		t.Fatalf("missing analysis_id")
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		t.Fatalf("confidence %v out of range", resp.Confidence)
	}
	if resp.IsAIGenerated != (resp.Confidence >= 0.5) {
		t.Fatalf("verdict %v disagrees with confidence %v at threshold 0.5", resp.IsAIGenerated, resp.Confidence)
	}
	if resp.Consensus == nil || len(resp.Consensus.Providers) == 0 {
		t.Fatalf("missing consensus block")
	}
	if v := resp.Consensus.Providers[0]; v.Provider != "internal" || v.Status != "ok" {
		t.Fatalf("first vote = %+v, want internal/ok", v)
	}

	// A record exists with the hash of the normalized text.
	if len(repo.records) != 1 {
		t.Fatalf("records = %d, want 1", len(repo.records))
	}
	record := repo.records[0]
	if record.ContentHash != service.HashText(text) {
		t.Fatalf("content_hash mismatch")
	}
	if record.AnalysisID != resp.AnalysisID {
		t.Fatalf("record id %q != response id %q", record.AnalysisID, resp.AnalysisID)
	}
	if record.Confidence != resp.Confidence || record.IsAIGenerated != resp.IsAIGenerated {
		t.Fatalf("record verdict differs from response")
	}
}

func TestDetectTextValidation(t *testing.T) {
	r := testRouter(&stubRepo{}, nil)

	w := postJSON(t, r, "/api/v1/detect/text", map[string]any{"text": "too short"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}

	var envelope struct {
		Error      string `json:"error"`
		StatusCode int    `json:"status_code"`
		RequestID  string `json:"request_id"`
		Path       string `json:"path"`
		Detail     []struct {
			Field string `json:"field"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error != ErrValidationFailed {
		t.Fatalf("error = %q", envelope.Error)
	}
	if envelope.RequestID == "" || envelope.Path != "/api/v1/detect/text" {
		t.Fatalf("envelope = %+v", envelope)
	}
	if len(envelope.Detail) == 0 || envelope.Detail[0].Field != "text" {
		t.Fatalf("detail = %+v", envelope.Detail)
	}
}

func TestRequestIDEcho(t *testing.T) {
	r := testRouter(&stubRepo{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect/text", strings.NewReader(`{}`))
	req.Header.Set("X-Request-Id", "corr-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != "corr-123" {
		t.Fatalf("X-Request-Id = %q", got)
	}
}

func TestRateLimitEnforcement(t *testing.T) {
	rateCfg := config.RateLimitConfig{
		Text:    config.BucketConfig{Requests: 3, WindowSeconds: 60},
		Default: config.BucketConfig{Requests: 100, WindowSeconds: 60},
	}
	spendCfg := config.SpendConfig{DailyCapPoints: 1000, Costs: map[string]int{"text": 1}}
	authorizer := ratelimit.NewMemoryAuthorizer(rateCfg, spendCfg.DailyCapPoints)

	repo := &stubRepo{}
	r := testRouter(repo, func(bucket, operation string) gin.HandlerFunc {
		return RateLimitMiddleware(authorizer, spendCfg, bucket, operation, nil)
	})

	text := strings.Repeat("All work and no play makes for uniform prose. ", 10)
	for i := 0; i < 3; i++ {
		w := postJSON(t, r, "/api/v1/detect/text", map[string]any{"text": text})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
	}

	w := postJSON(t, r, "/api/v1/detect/text", map[string]any{"text": text})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	var envelope struct {
		Error string `json:"error"`
	}
	json.Unmarshal(w.Body.Bytes(), &envelope)
	if envelope.Error != ErrRateLimited {
		t.Fatalf("error = %q, want %s", envelope.Error, ErrRateLimited)
	}
}

func TestBatchText(t *testing.T) {
	repo := &stubRepo{}
	r := testRouter(repo, nil)

	valid := strings.Repeat("Sentence variety keeps human prose interesting to read. ", 4)
	w := postJSON(t, r, "/api/v1/batch/text", map[string]any{
		"items": []map[string]any{
			{"item_id": "a", "text": valid},
			{"item_id": "b", "text": "way too short"},
			{"item_id": "c", "text": valid + " More words here."},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		BatchID   string `json:"batch_id"`
		Total     int    `json:"total"`
		Succeeded int    `json:"succeeded"`
		Failed    int    `json:"failed"`
		Results   []struct {
			ItemID string `json:"item_id"`
			OK     bool   `json:"ok"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.BatchID == "" || resp.Total != 3 || resp.Succeeded != 2 || resp.Failed != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	for _, result := range resp.Results {
		if result.ItemID == "b" && result.OK {
			t.Fatalf("undersized item should fail validation")
		}
	}

	// Batch-sourced records are tagged accordingly.
	for _, record := range repo.records {
		if record.Source != "batch" {
			t.Fatalf("source = %q, want batch", record.Source)
		}
	}
}

func TestBatchRejectsOversizedList(t *testing.T) {
	r := testRouter(&stubRepo{}, nil)
	items := make([]map[string]any, 51)
	for i := range items {
		items[i] = map[string]any{"item_id": "x", "text": strings.Repeat("words ", 20)}
	}
	w := postJSON(t, r, "/api/v1/batch/text", map[string]any{"items": items})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(AuthMiddleware(config.AuthConfig{
		RequireAPIKey: true,
		APIKeys:       []string{"secret-key"},
		APIKeyHeader:  "X-API-Key",
	}))
	r.GET("/ping", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid key status = %d, want 200", w.Code)
	}
}
