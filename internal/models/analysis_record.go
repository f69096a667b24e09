package models

import (
	"time"

	"gorm.io/datatypes"
)

// AnalysisRecord is one completed detection decision. Records are immutable
// once written; retention pruning removes whole rows.
type AnalysisRecord struct {
	AnalysisID      string         `gorm:"primaryKey;type:varchar(64)" json:"analysis_id"`
	ContentType     string         `gorm:"type:varchar(16);not null;index:ix_analysis_type_created,priority:1" json:"content_type"`
	ContentHash     string         `gorm:"type:varchar(64);not null;index" json:"content_hash"`
	IsAIGenerated   bool           `gorm:"not null" json:"is_ai_generated"`
	Confidence      float64        `gorm:"not null" json:"confidence"`
	ModelPrediction *string        `gorm:"type:varchar(64)" json:"model_prediction"`
	Result          datatypes.JSON `gorm:"type:jsonb" json:"result"`
	Source          string         `gorm:"type:varchar(32);not null;default:api;index:ix_analysis_source_created,priority:1" json:"source"`
	SourceURL       *string        `gorm:"type:varchar(2048)" json:"source_url"`
	Filename        *string        `gorm:"type:varchar(512)" json:"filename"`
	InputSize       int64          `gorm:"not null" json:"input_size"`
	CreatedAt       time.Time      `gorm:"type:timestamptz;autoCreateTime;index;index:ix_analysis_type_created,priority:2;index:ix_analysis_source_created,priority:2" json:"created_at"`
}

func (AnalysisRecord) TableName() string {
	return "analysis_records"
}
