// Package events records and queries monitoring events: item lifecycle,
// issue lifecycle and audit pass outcomes.
package events

import (
	"fmt"
	"time"

	"github.com/VigilSec/go-api/vigil/postgres/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Record stores one event. Timestamp and EventID are filled in when the
// caller leaves them empty.
func Record(db *gorm.DB, event *models.Event) error {
	if db == nil {
		return fmt.Errorf("database connection not available")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}
	if !models.IsValidSeverity(event.Severity) {
		return fmt.Errorf("invalid event severity: %s", event.Severity)
	}
	if !models.IsValidEventType(event.EventType) {
		return fmt.Errorf("invalid event type: %s", event.EventType)
	}
	if err := db.Create(event).Error; err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// EventFilters represents filters for querying events
type EventFilters struct {
	Limit      int
	Offset     int
	Service    string
	Severity   string
	EventType  string
	StartTime  *time.Time
	EndTime    *time.Time
	EntityType string
	EntityID   string
}

// EventStats represents aggregated event statistics
type EventStats struct {
	TotalEvents  int            `json:"total_events"`
	BySeverity   map[string]int `json:"by_severity"`
	ByType       map[string]int `json:"by_type"`
	RecentEvents []models.Event `json:"recent_events"`
}

// GetEvents retrieves events with filters and returns the unpaginated total.
func GetEvents(db *gorm.DB, filters EventFilters) ([]models.Event, int, error) {
	if db == nil {
		return nil, 0, fmt.Errorf("database connection not available")
	}

	query := db.Model(&models.Event{})

	if filters.Service != "" {
		query = query.Where("service = ?", filters.Service)
	}
	if filters.Severity != "" {
		query = query.Where("severity = ?", filters.Severity)
	}
	if filters.EventType != "" {
		query = query.Where("event_type = ?", filters.EventType)
	}
	if filters.EntityType != "" {
		query = query.Where("entity_type = ?", filters.EntityType)
	}
	if filters.EntityID != "" {
		query = query.Where("entity_id = ?", filters.EntityID)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", filters.EndTime)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	if filters.Limit > 500 {
		filters.Limit = 500
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	var events []models.Event
	err := query.
		Order("timestamp DESC").
		Limit(filters.Limit).
		Offset(filters.Offset).
		Find(&events).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}

	return events, int(total), nil
}

// GetEventStatistics returns aggregated event statistics
func GetEventStatistics(db *gorm.DB) (*EventStats, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	stats := &EventStats{
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
	}

	var total int64
	if err := db.Model(&models.Event{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	stats.TotalEvents = int(total)

	var severityCounts []struct {
		Severity string
		Count    int
	}
	if err := db.Model(&models.Event{}).
		Select("severity, COUNT(*) as count").
		Group("severity").
		Scan(&severityCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to count by severity: %w", err)
	}
	for _, item := range severityCounts {
		stats.BySeverity[item.Severity] = item.Count
	}

	var typeCounts []struct {
		EventType string
		Count     int
	}
	if err := db.Model(&models.Event{}).
		Select("event_type, COUNT(*) as count").
		Group("event_type").
		Scan(&typeCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to count by type: %w", err)
	}
	for _, item := range typeCounts {
		stats.ByType[item.EventType] = item.Count
	}

	var recentEvents []models.Event
	if err := db.Model(&models.Event{}).
		Order("timestamp DESC").
		Limit(10).
		Find(&recentEvents).Error; err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	stats.RecentEvents = recentEvents

	return stats, nil
}

// DeleteOldEvents deletes events older than the specified duration
// This can be used for data retention policies
func DeleteOldEvents(db *gorm.DB, olderThan time.Duration) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("database connection not available")
	}

	cutoffTime := time.Now().Add(-olderThan)
	result := db.Where("timestamp < ?", cutoffTime).Delete(&models.Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// GetEventsByEntity retrieves all events for a specific entity
func GetEventsByEntity(db *gorm.DB, entityType, entityID string, limit int) ([]models.Event, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection not available")
	}

	if limit <= 0 {
		limit = 50
	}

	var events []models.Event
	err := db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query entity events: %w", err)
	}
	return events, nil
}
