// File: event.go
package models

import (
	"time"
)

// Event represents a monitoring event stored in PostgreSQL
type Event struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID      string    `gorm:"uniqueIndex;not null;size:255" json:"event_id"`
	Timestamp    time.Time `gorm:"not null;index:idx_events_timestamp,sort:desc" json:"timestamp"`
	Service      string    `gorm:"not null;size:100;index:idx_events_service" json:"service"`
	Subcomponent string    `gorm:"size:100" json:"subcomponent,omitempty"`
	EventType    string    `gorm:"not null;size:50;index:idx_events_type" json:"event_type"`
	Severity     string    `gorm:"not null;size:20;index:idx_events_severity" json:"severity"`
	Title        string    `gorm:"not null;size:255" json:"title"`
	Description  string    `gorm:"type:text" json:"description,omitempty"`
	Metadata     JSONB     `gorm:"type:jsonb" json:"metadata,omitempty"`
	EntityType   string    `gorm:"size:50;index:idx_events_entity,priority:1" json:"entity_type,omitempty"`
	EntityID     string    `gorm:"size:255;index:idx_events_entity,priority:2" json:"entity_id,omitempty"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for the Event model
func (Event) TableName() string {
	return "events"
}

// EventSeverity constants for event severity levels
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// EventType constants for common event types
const (
	EventTypeItemCreated       = "item_created"
	EventTypeItemChanged       = "item_changed"
	EventTypeItemDeleted       = "item_deleted"
	EventTypeIssueRaised       = "issue_raised"
	EventTypeIssueRegressed    = "issue_regressed"
	EventTypeIssueFixed        = "issue_fixed"
	EventTypeAuditPassStarted  = "audit_pass_started"
	EventTypeAuditPassComplete = "audit_pass_completed"
	EventTypeAuditPassFailed   = "audit_pass_failed"
	EventTypeScoresImported    = "scores_imported"
)

// EntityType constants for event entity types
const (
	EntityTypeItem       = "item"
	EntityTypeIssue      = "issue"
	EntityTypeAccount    = "account"
	EntityTypeTechnology = "technology"
	EntityTypeAuditPass  = "audit_pass"
)

// IsValidSeverity checks if a severity level is valid
func IsValidSeverity(severity string) bool {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}

// IsValidEventType checks if an event type is valid
func IsValidEventType(eventType string) bool {
	switch eventType {
	case EventTypeItemCreated, EventTypeItemChanged, EventTypeItemDeleted,
		EventTypeIssueRaised, EventTypeIssueRegressed, EventTypeIssueFixed,
		EventTypeAuditPassStarted, EventTypeAuditPassComplete,
		EventTypeAuditPassFailed, EventTypeScoresImported:
		return true
	default:
		return true // Allow custom event types
	}
}
