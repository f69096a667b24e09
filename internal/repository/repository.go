package repository

import (
	"context"
	"errors"
	"time"

	"provenance/internal/models"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("record not found")

type ListAnalysesParams struct {
	ContentType string
	Source      string
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

type ListAuditEventsParams struct {
	EventType string
	Severity  string
	ActorID   string
	Limit     int
	Offset    int
}

// TimelineBucket is one calendar day of detection volume (UTC days).
type TimelineBucket struct {
	Day        time.Time
	Total      int64
	AIDetected int64
}

// WindowStats aggregates decisions inside a time window.
type WindowStats struct {
	Total         int64
	AIDetected    int64
	AvgConfidence float64
}

type KeyCount struct {
	Key   string
	Count int64
}

type ModelCount struct {
	Model string
	Count int64
}

// Repository is the persistence surface for analysis records and audit
// events. Dashboard aggregation is pushed into SQL so the window queries scan
// only rows inside the window.
type Repository interface {
	// Analysis records
	InsertAnalysis(ctx context.Context, item *models.AnalysisRecord) error
	GetAnalysis(ctx context.Context, analysisID string) (*models.AnalysisRecord, error)
	FindRecentAnalysisByHash(ctx context.Context, contentType, contentHash string, since time.Time) (*models.AnalysisRecord, error)
	ListAnalyses(ctx context.Context, params ListAnalysesParams) ([]models.AnalysisRecord, error)
	CountAnalyses(ctx context.Context, params ListAnalysesParams) (int64, error)
	CountAllAnalyses(ctx context.Context) (int64, error)
	AnalysisWindowStats(ctx context.Context, since time.Time) (WindowStats, error)
	AnalysisTimeline(ctx context.Context, since time.Time) ([]TimelineBucket, error)
	CountAnalysesByType(ctx context.Context, since time.Time) ([]KeyCount, error)
	CountAnalysesBySource(ctx context.Context, since time.Time) ([]KeyCount, error)
	TopModelPredictions(ctx context.Context, since time.Time, limit int) ([]ModelCount, error)
	DeleteAnalysesBefore(ctx context.Context, before time.Time) (int64, error)

	// Audit events
	InsertAuditEvent(ctx context.Context, item *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, params ListAuditEventsParams) ([]models.AuditEvent, error)
	CountAuditEvents(ctx context.Context, params ListAuditEventsParams) (int64, error)
	TrimAuditEvents(ctx context.Context, maxItems int) (int64, error)
	DeleteAuditEventsBefore(ctx context.Context, before time.Time) (int64, error)
}
