package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/VigilSec/go-api/vigil/postgres"
	"github.com/VigilSec/go-api/vigil/postgres/models"
	"github.com/VigilSec/go-api/vigil/store"
)

// MockKVStore is a simple in-memory implementation of KVStore for testing
type MockKVStore struct {
	data map[string]string
}

func NewMockKVStore() *MockKVStore {
	return &MockKVStore{
		data: make(map[string]string),
	}
}

func (m *MockKVStore) SetValue(ctx context.Context, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *MockKVStore) SetValueWithTTL(ctx context.Context, key, value string, ttlSeconds int) error {
	m.data[key] = value
	return nil
}

func (m *MockKVStore) GetValue(ctx context.Context, key string) (store.ValkeyResponse, error) {
	value, exists := m.data[key]
	if !exists {
		return store.ValkeyResponse{}, fmt.Errorf("key '%s' not found", key)
	}
	return store.ValkeyResponse{
		Message: store.ValkeyValue{Value: value},
	}, nil
}

func (m *MockKVStore) GetTTL(ctx context.Context, key string) (int, error) {
	return -1, nil // Mock always returns -1 (no expiry)
}

func (m *MockKVStore) SetExpire(ctx context.Context, key string, ttlSeconds int) error {
	return nil
}

func (m *MockKVStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0)
	prefix := strings.ReplaceAll(pattern, "*", "")
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MockKVStore) DeleteValue(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *MockKVStore) Close() error {
	return nil
}

func TestReportManagerSaveAndRetrieve(t *testing.T) {
	t.Log("\n🔍 Testing ReportManager save and retrieve...")

	mockStore := NewMockKVStore()
	manager := NewReportManager(mockStore)
	ctx := context.Background()

	report := &Report{
		ID:          "20260830-120000-abcd1234",
		PassID:      "pass-1",
		Technology:  "s3",
		Accounts:    []string{"testaccount"},
		GeneratedAt: time.Now().UTC(),
		TotalScore:  10,
		TotalItems:  1,
		Items: []ItemReport{
			{
				Technology: "s3",
				Account:    "testaccount",
				Region:     "us-east-1",
				Name:       "bucket-a",
				Score:      10,
				Issues:     []IssueReport{{Issue: "Internet Accessible", Score: 10}},
			},
		},
	}

	if err := manager.SaveReport(ctx, report); err != nil {
		t.Fatalf("❌ Failed to save report: %v", err)
	}

	retrieved, err := manager.GetReport(ctx, "s3", report.ID)
	if err != nil {
		t.Fatalf("❌ Failed to retrieve report: %v", err)
	}

	if retrieved.ID != report.ID {
		t.Errorf("❌ Report ID mismatch: got %s, want %s", retrieved.ID, report.ID)
	}
	if retrieved.TotalScore != 10 {
		t.Errorf("❌ Total score mismatch: got %d, want 10", retrieved.TotalScore)
	}
	if len(retrieved.Items) != 1 || retrieved.Items[0].Name != "bucket-a" {
		t.Errorf("❌ Report items not preserved: %+v", retrieved.Items)
	}

	t.Log("✅ Report saved and retrieved successfully")
}

func TestReportManagerListSortsDescending(t *testing.T) {
	t.Log("\n🔍 Testing ReportManager list ordering...")

	mockStore := NewMockKVStore()
	manager := NewReportManager(mockStore)
	ctx := context.Background()

	ids := []string{
		"20260828-090000-aaaaaaaa",
		"20260830-120000-cccccccc",
		"20260829-150000-bbbbbbbb",
	}
	for _, id := range ids {
		data, _ := json.Marshal(&Report{ID: id, Technology: "s3"})
		key := fmt.Sprintf("audit:report:s3:%s", id)
		if err := mockStore.SetValue(ctx, key, string(data)); err != nil {
			t.Fatalf("❌ Failed to seed report: %v", err)
		}
	}

	listed, err := manager.ListReports(ctx, "s3")
	if err != nil {
		t.Fatalf("❌ Failed to list reports: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("❌ Expected 3 reports, got %d", len(listed))
	}
	if listed[0] != "20260830-120000-cccccccc" || listed[2] != "20260828-090000-aaaaaaaa" {
		t.Errorf("❌ Reports not sorted most recent first: %v", listed)
	}

	latest, err := manager.GetLatestReport(ctx, "s3")
	if err != nil {
		t.Fatalf("❌ Failed to get latest report: %v", err)
	}
	if latest.ID != "20260830-120000-cccccccc" {
		t.Errorf("❌ Latest report mismatch: got %s", latest.ID)
	}

	t.Log("✅ Reports listed most recent first")
}

func TestReportManagerCleanup(t *testing.T) {
	t.Log("\n🔍 Testing ReportManager cleanup of old reports...")

	mockStore := NewMockKVStore()
	manager := NewReportManager(mockStore)
	ctx := context.Background()

	// Save 12 reports; only the newest 10 should survive
	for i := 1; i <= 12; i++ {
		report := &Report{
			ID:         fmt.Sprintf("20260830-%06d-aaaaaaaa", i),
			Technology: "s3",
		}
		if err := manager.SaveReport(ctx, report); err != nil {
			t.Fatalf("❌ Failed to save report %d: %v", i, err)
		}
	}

	listed, err := manager.ListReports(ctx, "s3")
	if err != nil {
		t.Fatalf("❌ Failed to list reports: %v", err)
	}
	if len(listed) != maxStoredReports {
		t.Fatalf("❌ Expected %d reports after cleanup, got %d", maxStoredReports, len(listed))
	}
	if listed[len(listed)-1] != "20260830-000003-aaaaaaaa" {
		t.Errorf("❌ Oldest surviving report mismatch: got %s", listed[len(listed)-1])
	}
	if _, err := manager.GetReport(ctx, "s3", "20260830-000001-aaaaaaaa"); err == nil {
		t.Error("❌ Expected oldest report to be deleted")
	}

	t.Log("✅ Cleanup retained only the newest reports")
}

func TestReportManagerCleanupScopedToTechnology(t *testing.T) {
	t.Log("\n🔍 Testing ReportManager cleanup isolation between technologies...")

	mockStore := NewMockKVStore()
	manager := NewReportManager(mockStore)
	ctx := context.Background()

	for i := 1; i <= 11; i++ {
		if err := manager.SaveReport(ctx, &Report{ID: fmt.Sprintf("20260830-%06d-aaaaaaaa", i), Technology: "s3"}); err != nil {
			t.Fatalf("❌ Failed to save s3 report: %v", err)
		}
	}
	if err := manager.SaveReport(ctx, &Report{ID: "20260830-000001-bbbbbbbb", Technology: "sqs"}); err != nil {
		t.Fatalf("❌ Failed to save sqs report: %v", err)
	}

	sqsReports, err := manager.ListReports(ctx, "sqs")
	if err != nil {
		t.Fatalf("❌ Failed to list sqs reports: %v", err)
	}
	if len(sqsReports) != 1 {
		t.Errorf("❌ Expected sqs reports untouched by s3 cleanup, got %d", len(sqsReports))
	}

	t.Log("✅ Cleanup only touched its own technology")
}

func builderDB(t *testing.T) *Builder {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := postgres.ConnectSQLite(dsn)
	if err != nil {
		t.Fatalf("❌ Failed to open test database: %v", err)
	}

	tech := &models.Technology{Name: "s3"}
	account := &models.Account{Active: true, Name: "testaccount", Identifier: "012345678910"}
	if err := db.Create(tech).Error; err != nil {
		t.Fatalf("❌ Failed to seed technology: %v", err)
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("❌ Failed to seed account: %v", err)
	}

	disabled := &models.AuditorSetting{
		Disabled:     true,
		Issue:        "Disabled Issue",
		AuditorClass: "ResourcePolicyAuditor",
		TechnologyID: tech.ID,
		AccountID:    account.ID,
	}
	if err := db.Create(disabled).Error; err != nil {
		t.Fatalf("❌ Failed to seed auditor setting: %v", err)
	}

	items := []*models.Item{
		{Region: "us-east-1", Name: "bucket-low", TechnologyID: tech.ID, AccountID: account.ID},
		{Region: "us-east-1", Name: "bucket-high", TechnologyID: tech.ID, AccountID: account.ID},
		{Region: "us-east-1", Name: "bucket-clean", TechnologyID: tech.ID, AccountID: account.ID},
		{Region: "us-east-1", Name: "bucket-zero", TechnologyID: tech.ID, AccountID: account.ID},
	}
	for _, item := range items {
		if err := db.Create(item).Error; err != nil {
			t.Fatalf("❌ Failed to seed item: %v", err)
		}
	}

	issues := []*models.ItemAudit{
		{Score: 3, Issue: "Unknown Access", ItemID: items[0].ID},
		{Score: 10, Issue: "Internet Accessible", ItemID: items[1].ID},
		{Score: 6, Issue: "Root Cross Account", ItemID: items[1].ID, Justified: true, Justification: "approved exception"},
		{Score: 5, Issue: "Disabled Issue", ItemID: items[1].ID, AuditorSettingID: &disabled.ID},
		{Score: 9, Issue: "Already Fixed", ItemID: items[2].ID, Fixed: true},
		{Score: 0, Issue: "Friendly Cross Account", ItemID: items[3].ID},
	}
	for _, iss := range issues {
		if err := db.Create(iss).Error; err != nil {
			t.Fatalf("❌ Failed to seed issue: %v", err)
		}
	}

	return NewBuilder(db)
}

func TestBuilderBuild(t *testing.T) {
	t.Log("\n🔍 Testing report builder...")

	builder := builderDB(t)
	report, err := builder.Build("s3", []string{"testaccount"}, false)
	if err != nil {
		t.Fatalf("❌ Failed to build report: %v", err)
	}

	if report.TotalItems != 2 {
		t.Fatalf("❌ Expected 2 items in report, got %d", report.TotalItems)
	}
	for _, item := range report.Items {
		if item.Name == "bucket-zero" {
			t.Error("❌ Items with a zero outstanding score must not appear in the report")
		}
	}
	if report.Items[0].Name != "bucket-high" || report.Items[0].Score != 10 {
		t.Errorf("❌ Highest scoring item should sort first: %+v", report.Items[0])
	}
	if report.Items[1].Name != "bucket-low" || report.Items[1].Score != 3 {
		t.Errorf("❌ Unexpected second item: %+v", report.Items[1])
	}
	if report.TotalScore != 13 {
		t.Errorf("❌ Total score mismatch: got %d, want 13", report.TotalScore)
	}
	for _, item := range report.Items {
		for _, iss := range item.Issues {
			if iss.Issue == "Disabled Issue" {
				t.Error("❌ Issues under a disabled auditor setting should be dropped")
			}
			if iss.Justified {
				t.Error("❌ Justified issues should be excluded by default")
			}
		}
	}

	t.Log("✅ Report built with expected items and scores")
}

func TestBuilderBuildIncludesJustified(t *testing.T) {
	t.Log("\n🔍 Testing report builder with justified issues included...")

	builder := builderDB(t)
	report, err := builder.Build("s3", []string{"testaccount"}, true)
	if err != nil {
		t.Fatalf("❌ Failed to build report: %v", err)
	}

	var found *IssueReport
	for i := range report.Items {
		if report.Items[i].Name != "bucket-high" {
			continue
		}
		if report.Items[i].Score != 10 {
			t.Errorf("❌ Justified issues must not add to the score: got %d", report.Items[i].Score)
		}
		for j := range report.Items[i].Issues {
			if report.Items[i].Issues[j].Justified {
				found = &report.Items[i].Issues[j]
			}
		}
	}
	if found == nil {
		t.Fatal("❌ Expected the justified issue to appear in the report")
	}
	if found.Justification != "approved exception" {
		t.Errorf("❌ Justification not carried into report: %q", found.Justification)
	}

	t.Log("✅ Justified issues listed without inflating the score")
}
