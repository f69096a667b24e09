package gormrepository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"provenance/internal/models"
	"provenance/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- analysis records -------------------------------------------------------

func (s *Store) InsertAnalysis(ctx context.Context, item *models.AnalysisRecord) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetAnalysis(ctx context.Context, analysisID string) (*models.AnalysisRecord, error) {
	if s == nil || s.db == nil {
		return nil, repository.ErrNotFound
	}
	var item models.AnalysisRecord
	err := s.db.WithContext(ctx).
		Where("analysis_id = ?", analysisID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) FindRecentAnalysisByHash(ctx context.Context, contentType, contentHash string, since time.Time) (*models.AnalysisRecord, error) {
	if s == nil || s.db == nil {
		return nil, repository.ErrNotFound
	}
	var item models.AnalysisRecord
	err := s.db.WithContext(ctx).
		Where("content_type = ? AND content_hash = ? AND created_at >= ?", contentType, contentHash, since).
		Order("created_at asc").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func applyAnalysisFilters(query *gorm.DB, params repository.ListAnalysesParams) *gorm.DB {
	if params.ContentType != "" {
		query = query.Where("content_type = ?", params.ContentType)
	}
	if params.Source != "" {
		query = query.Where("source = ?", params.Source)
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	if params.Until != nil && !params.Until.IsZero() {
		query = query.Where("created_at < ?", *params.Until)
	}
	return query
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func (s *Store) ListAnalyses(ctx context.Context, params repository.ListAnalysesParams) ([]models.AnalysisRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyAnalysisFilters(s.db.WithContext(ctx).Model(&models.AnalysisRecord{}), params)
	var items []models.AnalysisRecord
	err := query.
		Order("created_at desc").
		Limit(normalizeLimit(params.Limit, 50)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountAnalyses(ctx context.Context, params repository.ListAnalysesParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	query := applyAnalysisFilters(s.db.WithContext(ctx).Model(&models.AnalysisRecord{}), params)
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) CountAllAnalyses(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&models.AnalysisRecord{}).Count(&total).Error
	return total, err
}

func (s *Store) AnalysisWindowStats(ctx context.Context, since time.Time) (repository.WindowStats, error) {
	if s == nil || s.db == nil {
		return repository.WindowStats{}, nil
	}
	var row struct {
		Total         int64
		AIDetected    int64
		AvgConfidence float64
	}
	err := s.db.WithContext(ctx).Model(&models.AnalysisRecord{}).
		Select(
			"COUNT(*) AS total, " +
				"COALESCE(SUM(CASE WHEN is_ai_generated THEN 1 ELSE 0 END), 0) AS ai_detected, " +
				"COALESCE(AVG(confidence), 0) AS avg_confidence",
		).
		Where("created_at >= ?", since).
		Scan(&row).Error
	if err != nil {
		return repository.WindowStats{}, err
	}
	return repository.WindowStats{
		Total:         row.Total,
		AIDetected:    row.AIDetected,
		AvgConfidence: row.AvgConfidence,
	}, nil
}

func (s *Store) AnalysisTimeline(ctx context.Context, since time.Time) ([]repository.TimelineBucket, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var rows []struct {
		Day        time.Time
		Total      int64
		AIDetected int64
	}
	err := s.db.WithContext(ctx).Model(&models.AnalysisRecord{}).
		Select(
			"date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, " +
				"COUNT(*) AS total, " +
				"COALESCE(SUM(CASE WHEN is_ai_generated THEN 1 ELSE 0 END), 0) AS ai_detected",
		).
		Where("created_at >= ?", since).
		Group("day").
		Order("day asc").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]repository.TimelineBucket, 0, len(rows))
	for _, row := range rows {
		out = append(out, repository.TimelineBucket{
			Day:        row.Day.UTC(),
			Total:      row.Total,
			AIDetected: row.AIDetected,
		})
	}
	return out, nil
}

func (s *Store) CountAnalysesByType(ctx context.Context, since time.Time) ([]repository.KeyCount, error) {
	return s.countGrouped(ctx, "content_type", since)
}

func (s *Store) CountAnalysesBySource(ctx context.Context, since time.Time) ([]repository.KeyCount, error) {
	return s.countGrouped(ctx, "source", since)
}

func (s *Store) countGrouped(ctx context.Context, column string, since time.Time) ([]repository.KeyCount, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var rows []struct {
		Key   string
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&models.AnalysisRecord{}).
		Select(column+" AS key, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group(column).
		Order("count desc, key asc").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]repository.KeyCount, 0, len(rows))
	for _, row := range rows {
		out = append(out, repository.KeyCount{Key: row.Key, Count: row.Count})
	}
	return out, nil
}

func (s *Store) TopModelPredictions(ctx context.Context, since time.Time, limit int) ([]repository.ModelCount, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var rows []struct {
		Model string
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&models.AnalysisRecord{}).
		Select("model_prediction AS model, COUNT(*) AS count").
		Where("created_at >= ? AND model_prediction IS NOT NULL", since).
		Group("model_prediction").
		Order("count desc, model asc").
		Limit(normalizeLimit(limit, 5)).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]repository.ModelCount, 0, len(rows))
	for _, row := range rows {
		out = append(out, repository.ModelCount{Model: row.Model, Count: row.Count})
	}
	return out, nil
}

func (s *Store) DeleteAnalysesBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&models.AnalysisRecord{})
	return res.RowsAffected, res.Error
}

// --- audit events -----------------------------------------------------------

func (s *Store) InsertAuditEvent(ctx context.Context, item *models.AuditEvent) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func applyAuditFilters(query *gorm.DB, params repository.ListAuditEventsParams) *gorm.DB {
	if params.EventType != "" {
		query = query.Where("event_type = ?", params.EventType)
	}
	if params.Severity != "" {
		query = query.Where("severity = ?", params.Severity)
	}
	if params.ActorID != "" {
		query = query.Where("actor_id = ?", params.ActorID)
	}
	return query
}

func (s *Store) ListAuditEvents(ctx context.Context, params repository.ListAuditEventsParams) ([]models.AuditEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyAuditFilters(s.db.WithContext(ctx).Model(&models.AuditEvent{}), params)
	var items []models.AuditEvent
	err := query.
		Order("created_at desc, id desc").
		Limit(normalizeLimit(params.Limit, 100)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountAuditEvents(ctx context.Context, params repository.ListAuditEventsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	query := applyAuditFilters(s.db.WithContext(ctx).Model(&models.AuditEvent{}), params)
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// TrimAuditEvents deletes the oldest rows beyond maxItems.
func (s *Store) TrimAuditEvents(ctx context.Context, maxItems int) (int64, error) {
	if s == nil || s.db == nil || maxItems <= 0 {
		return 0, nil
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.AuditEvent{}).Count(&total).Error; err != nil {
		return 0, err
	}
	overflow := total - int64(maxItems)
	if overflow <= 0 {
		return 0, nil
	}
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&models.AuditEvent{}).
		Order("created_at asc, id asc").
		Limit(int(overflow)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.AuditEvent{})
	return res.RowsAffected, res.Error
}

func (s *Store) DeleteAuditEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&models.AuditEvent{})
	return res.RowsAffected, res.Error
}
