package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"provenance/internal/config"
	"provenance/internal/models"
	"provenance/internal/repository"
)

// PutInput is one completed decision headed for durable storage.
type PutInput struct {
	ContentType     string
	ContentHash     string
	IsAIGenerated   bool
	Confidence      float64
	ModelPrediction *string
	Result          json.RawMessage
	Source          string
	SourceURL       *string
	Filename        *string
	InputSize       int64
}

// AnalysisStore wraps the repository with hash-addressed upserts and the
// query surface needed by history, dashboard, and export.
type AnalysisStore struct {
	Repo   repository.Repository
	Config config.StoreConfig
	Logger *zap.Logger
}

// HashText hashes normalized text: surrounding whitespace is not part of the
// content identity.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// HashBytes hashes binary content as-is.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put persists a decision. Within the configured dedup window, a record with
// the same (content_type, content_hash) short-circuits to the existing id.
// Dedup is best-effort: concurrent writers may both insert, and the oldest
// record wins on later lookups.
func (s *AnalysisStore) Put(ctx context.Context, in PutInput) (string, bool, error) {
	if in.Confidence < 0 || in.Confidence > 1 {
		return "", false, fmt.Errorf("confidence %v out of range", in.Confidence)
	}

	if s.Config.DedupWindow > 0 {
		since := time.Now().UTC().Add(-s.Config.DedupWindow)
		existing, err := s.Repo.FindRecentAnalysisByHash(ctx, in.ContentType, in.ContentHash, since)
		if err == nil && existing != nil {
			return existing.AnalysisID, true, nil
		}
		if err != nil && err != repository.ErrNotFound {
			if s.Logger != nil {
				s.Logger.Warn("dedup lookup failed", zap.Error(err))
			}
		}
	}

	source := in.Source
	if source == "" {
		source = "api"
	}
	record := models.AnalysisRecord{
		AnalysisID:      uuid.NewString(),
		ContentType:     in.ContentType,
		ContentHash:     in.ContentHash,
		IsAIGenerated:   in.IsAIGenerated,
		Confidence:      in.Confidence,
		ModelPrediction: in.ModelPrediction,
		Result:          []byte(in.Result),
		Source:          source,
		SourceURL:       in.SourceURL,
		Filename:        in.Filename,
		InputSize:       in.InputSize,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.Repo.InsertAnalysis(ctx, &record); err != nil {
		return "", false, fmt.Errorf("persist analysis: %w", err)
	}
	return record.AnalysisID, false, nil
}

func (s *AnalysisStore) Get(ctx context.Context, analysisID string) (*models.AnalysisRecord, error) {
	return s.Repo.GetAnalysis(ctx, analysisID)
}

func (s *AnalysisStore) List(ctx context.Context, params repository.ListAnalysesParams) ([]models.AnalysisRecord, int64, error) {
	items, err := s.Repo.ListAnalyses(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.Repo.CountAnalyses(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Stats is the all-time aggregate surface.
type Stats struct {
	TotalAnalyses      int64            `json:"total_analyses"`
	AIDetectedCount    int64            `json:"ai_detected_count"`
	HumanDetectedCount int64            `json:"human_detected_count"`
	AverageConfidence  float64          `json:"average_confidence"`
	ByType             map[string]int64 `json:"by_type"`
}

func (s *AnalysisStore) Stats(ctx context.Context) (Stats, error) {
	window, err := s.Repo.AnalysisWindowStats(ctx, time.Time{})
	if err != nil {
		return Stats{}, err
	}
	byType, err := s.Repo.CountAnalysesByType(ctx, time.Time{})
	if err != nil {
		return Stats{}, err
	}

	out := Stats{
		TotalAnalyses:      window.Total,
		AIDetectedCount:    window.AIDetected,
		HumanDetectedCount: window.Total - window.AIDetected,
		AverageConfidence:  round3(window.AvgConfidence),
		ByType:             map[string]int64{"text": 0, "image": 0, "audio": 0, "video": 0},
	}
	for _, kc := range byType {
		out.ByType[kc.Key] = kc.Count
	}
	return out, nil
}

// Prune removes records older than the cutoff and returns the count.
func (s *AnalysisStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.Repo.DeleteAnalysesBefore(ctx, olderThan)
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
