package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEvent is an append-only record of a notable action. Rows are never
// updated after insert.
type AuditEvent struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string         `gorm:"type:varchar(64);not null;index;index:ix_audit_type_created,priority:1" json:"event_type"`
	Severity  string         `gorm:"type:varchar(16);not null;default:info;index;index:ix_audit_severity_created,priority:1" json:"severity"`
	Source    string         `gorm:"type:varchar(32);not null;default:api" json:"source"`
	ActorID   *string        `gorm:"type:varchar(128);index:ix_audit_actor_created,priority:1" json:"actor_id"`
	RequestID *string        `gorm:"type:varchar(128);index" json:"request_id"`
	Payload   datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	CreatedAt time.Time      `gorm:"type:timestamptz;autoCreateTime;index;index:ix_audit_type_created,priority:2;index:ix_audit_severity_created,priority:2;index:ix_audit_actor_created,priority:2" json:"created_at"`
}

func (AuditEvent) TableName() string {
	return "audit_events"
}
