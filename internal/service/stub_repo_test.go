package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"provenance/internal/models"
	"provenance/internal/repository"
)

// stubRepo is a test-only in-memory implementation of
// repository.Repository.
type stubRepo struct {
	records []models.AnalysisRecord
	events  []models.AuditEvent
	failPut bool
}

type errStub string

func (e errStub) Error() string { return string(e) }

func (s *stubRepo) InsertAnalysis(ctx context.Context, item *models.AnalysisRecord) error {
	if s.failPut {
		return errStub("insert refused")
	}
	s.records = append(s.records, *item)
	return nil
}

func (s *stubRepo) GetAnalysis(ctx context.Context, analysisID string) (*models.AnalysisRecord, error) {
	for i := range s.records {
		if s.records[i].AnalysisID == analysisID {
			record := s.records[i]
			return &record, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepo) FindRecentAnalysisByHash(ctx context.Context, contentType, contentHash string, since time.Time) (*models.AnalysisRecord, error) {
	var oldest *models.AnalysisRecord
	for i := range s.records {
		r := s.records[i]
		if r.ContentType != contentType || r.ContentHash != contentHash || r.CreatedAt.Before(since) {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			record := r
			oldest = &record
		}
	}
	if oldest == nil {
		return nil, repository.ErrNotFound
	}
	return oldest, nil
}

func (s *stubRepo) matching(params repository.ListAnalysesParams) []models.AnalysisRecord {
	out := make([]models.AnalysisRecord, 0, len(s.records))
	for _, r := range s.records {
		if params.ContentType != "" && r.ContentType != params.ContentType {
			continue
		}
		if params.Source != "" && r.Source != params.Source {
			continue
		}
		if params.Since != nil && r.CreatedAt.Before(*params.Since) {
			continue
		}
		if params.Until != nil && !r.CreatedAt.Before(*params.Until) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *stubRepo) ListAnalyses(ctx context.Context, params repository.ListAnalysesParams) ([]models.AnalysisRecord, error) {
	out := s.matching(params)
	if params.Offset > 0 {
		if params.Offset >= len(out) {
			return nil, nil
		}
		out = out[params.Offset:]
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubRepo) CountAnalyses(ctx context.Context, params repository.ListAnalysesParams) (int64, error) {
	return int64(len(s.matching(params))), nil
}

func (s *stubRepo) CountAllAnalyses(ctx context.Context) (int64, error) {
	return int64(len(s.records)), nil
}

func (s *stubRepo) AnalysisWindowStats(ctx context.Context, since time.Time) (repository.WindowStats, error) {
	var stats repository.WindowStats
	var confidenceSum float64
	for _, r := range s.records {
		if r.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		if r.IsAIGenerated {
			stats.AIDetected++
		}
		confidenceSum += r.Confidence
	}
	if stats.Total > 0 {
		stats.AvgConfidence = confidenceSum / float64(stats.Total)
	}
	return stats, nil
}

func (s *stubRepo) AnalysisTimeline(ctx context.Context, since time.Time) ([]repository.TimelineBucket, error) {
	byDay := map[string]*repository.TimelineBucket{}
	for _, r := range s.records {
		if r.CreatedAt.Before(since) {
			continue
		}
		day := r.CreatedAt.UTC().Truncate(24 * time.Hour)
		key := day.Format("2006-01-02")
		bucket, ok := byDay[key]
		if !ok {
			bucket = &repository.TimelineBucket{Day: day}
			byDay[key] = bucket
		}
		bucket.Total++
		if r.IsAIGenerated {
			bucket.AIDetected++
		}
	}
	out := make([]repository.TimelineBucket, 0, len(byDay))
	for _, b := range byDay {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (s *stubRepo) countGrouped(since time.Time, key func(models.AnalysisRecord) string) []repository.KeyCount {
	counts := map[string]int64{}
	for _, r := range s.records {
		if r.CreatedAt.Before(since) {
			continue
		}
		counts[key(r)]++
	}
	out := make([]repository.KeyCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, repository.KeyCount{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *stubRepo) CountAnalysesByType(ctx context.Context, since time.Time) ([]repository.KeyCount, error) {
	return s.countGrouped(since, func(r models.AnalysisRecord) string { return r.ContentType }), nil
}

func (s *stubRepo) CountAnalysesBySource(ctx context.Context, since time.Time) ([]repository.KeyCount, error) {
	return s.countGrouped(since, func(r models.AnalysisRecord) string { return r.Source }), nil
}

func (s *stubRepo) TopModelPredictions(ctx context.Context, since time.Time, limit int) ([]repository.ModelCount, error) {
	counts := map[string]int64{}
	for _, r := range s.records {
		if r.CreatedAt.Before(since) || r.ModelPrediction == nil {
			continue
		}
		counts[*r.ModelPrediction]++
	}
	out := make([]repository.ModelCount, 0, len(counts))
	for model, count := range counts {
		out = append(out, repository.ModelCount{Model: model, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.Compare(out[i].Model, out[j].Model) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubRepo) DeleteAnalysesBefore(ctx context.Context, before time.Time) (int64, error) {
	kept := s.records[:0]
	var deleted int64
	for _, r := range s.records {
		if r.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

func (s *stubRepo) InsertAuditEvent(ctx context.Context, item *models.AuditEvent) error {
	item.ID = uint64(len(s.events) + 1)
	s.events = append(s.events, *item)
	return nil
}

func (s *stubRepo) ListAuditEvents(ctx context.Context, params repository.ListAuditEventsParams) ([]models.AuditEvent, error) {
	out := make([]models.AuditEvent, 0, len(s.events))
	for _, e := range s.events {
		if params.EventType != "" && e.EventType != params.EventType {
			continue
		}
		if params.Severity != "" && e.Severity != params.Severity {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *stubRepo) CountAuditEvents(ctx context.Context, params repository.ListAuditEventsParams) (int64, error) {
	items, _ := s.ListAuditEvents(ctx, params)
	return int64(len(items)), nil
}

func (s *stubRepo) TrimAuditEvents(ctx context.Context, maxItems int) (int64, error) {
	if maxItems <= 0 || len(s.events) <= maxItems {
		return 0, nil
	}
	trimmed := int64(len(s.events) - maxItems)
	s.events = s.events[len(s.events)-maxItems:]
	return trimmed, nil
}

func (s *stubRepo) DeleteAuditEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	kept := s.events[:0]
	var deleted int64
	for _, e := range s.events {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}
