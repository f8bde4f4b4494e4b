package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/VigilSec/go-api/vigil/store"
)

// maxStoredReports bounds how many reports stay in the key/value store
// per technology.
const maxStoredReports = 10

// ReportManager handles report storage and lifecycle management
type ReportManager struct {
	kvStore store.KVStore
}

// NewReportManager creates a new ReportManager instance
func NewReportManager(kvStore store.KVStore) *ReportManager {
	return &ReportManager{kvStore: kvStore}
}

// SaveReport stores a report and prunes old ones for its technology.
func (rm *ReportManager) SaveReport(ctx context.Context, report *Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := fmt.Sprintf("audit:report:%s:%s", report.Technology, report.ID)
	if err := rm.kvStore.SetValue(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.ID, err)
	}

	if err := rm.CleanupOldReports(ctx, report.Technology); err != nil {
		// Log but don't fail on cleanup error
		slog.Warn("Failed to cleanup old reports", "technology", report.Technology, "error", err)
	}
	return nil
}

// GetReport retrieves a specific report by technology and ID
func (rm *ReportManager) GetReport(ctx context.Context, technology, reportID string) (*Report, error) {
	key := fmt.Sprintf("audit:report:%s:%s", technology, reportID)

	resp, err := rm.kvStore.GetValue(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("report not found for ID %s: %w", reportID, err)
	}

	var report Report
	if err := json.Unmarshal([]byte(resp.Message.Value), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}

	return &report, nil
}

// GetLatestReport returns the most recent report for a technology.
func (rm *ReportManager) GetLatestReport(ctx context.Context, technology string) (*Report, error) {
	ids, err := rm.ListReports(ctx, technology)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no reports stored for %s", technology)
	}
	return rm.GetReport(ctx, technology, ids[0])
}

// ListReports retrieves all report IDs for a technology, most recent first.
func (rm *ReportManager) ListReports(ctx context.Context, technology string) ([]string, error) {
	keys, err := rm.kvStore.ListKeys(ctx, fmt.Sprintf("audit:report:%s:*", technology))
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("audit:report:%s:", technology)
	reportIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			reportIDs = append(reportIDs, strings.TrimPrefix(key, prefix))
		}
	}

	// Sort descending (most recent first) - the timestamp prefix is sortable
	sort.Slice(reportIDs, func(i, j int) bool {
		return reportIDs[i] > reportIDs[j]
	})

	return reportIDs, nil
}

// CleanupOldReports removes everything beyond the newest maxStoredReports.
func (rm *ReportManager) CleanupOldReports(ctx context.Context, technology string) error {
	reportIDs, err := rm.ListReports(ctx, technology)
	if err != nil {
		return err
	}
	if len(reportIDs) <= maxStoredReports {
		return nil
	}

	for _, reportID := range reportIDs[maxStoredReports:] {
		key := fmt.Sprintf("audit:report:%s:%s", technology, reportID)
		if err := rm.kvStore.DeleteValue(ctx, key); err != nil {
			slog.Warn("Failed to delete old report", "key", key, "error", err)
		}
	}
	return nil
}
