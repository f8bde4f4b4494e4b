package auditor

import (
	"fmt"
	"testing"
	"time"

	"github.com/VigilSec/go-api/vigil"
	"github.com/VigilSec/go-api/vigil/events"
	"github.com/VigilSec/go-api/vigil/postgres/models"
	"github.com/VigilSec/go-api/vigil/refcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runPass(t *testing.T, a *Auditor, items []*vigil.ChangeItem) SaveSummary {
	t.Helper()
	_, err := a.AuditObjects(items)
	require.NoError(t, err)
	summary, err := a.SaveIssues()
	require.NoError(t, err)
	return summary
}

func TestSaveIssuesNewIssue(t *testing.T) {
	db := testDB(t)
	seedAccounts(t, db)

	item := processItem(t, db, testObservation("thing-a", map[string]interface{}{"x": 1}))
	a := New(db, refcache.New(), testConfig())

	summary := runPass(t, a, []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{New: 1}, summary)

	var stored []models.ItemAudit
	require.NoError(t, db.Preload("AuditorSetting").Where("item_id = ?", item.DBItem.ID).Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, "Test Issue", stored[0].Issue)
	assert.False(t, stored[0].Fixed)
	require.NotNil(t, stored[0].AuditorSetting)
	assert.Equal(t, "TestAuditor", stored[0].AuditorSetting.AuditorClass)

	// The pass recorded an issue_raised event.
	recorded, _, err := events.GetEvents(db, events.EventFilters{EventType: models.EventTypeIssueRaised})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, item.Location(), recorded[0].EntityID)
}

func TestSaveIssuesUnchangedIsIdempotent(t *testing.T) {
	db := testDB(t)
	seedAccounts(t, db)

	item := processItem(t, db, testObservation("thing-a", map[string]interface{}{"x": 1}))

	summary := runPass(t, New(db, refcache.New(), testConfig()), []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{New: 1}, summary)

	summary = runPass(t, New(db, refcache.New(), testConfig()), []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{Unchanged: 1}, summary)

	var count int64
	require.NoError(t, db.Model(&models.ItemAudit{}).Where("item_id = ?", item.DBItem.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// One setting row per (technology, account, issue, class).
	var settings int64
	require.NoError(t, db.Model(&models.AuditorSetting{}).Count(&settings).Error)
	assert.EqualValues(t, 1, settings)
}

func TestSaveIssuesKeepsStoredIssuesWhenAuditFails(t *testing.T) {
	db := testDB(t)
	seedAccounts(t, db)

	item := processItem(t, db, testObservation("thing-a", map[string]interface{}{"x": 1}))

	summary := runPass(t, New(db, refcache.New(), testConfig()), []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{New: 1}, summary)

	failing := testConfig(Check{Name: "check_test", Fn: func(a *Auditor, item *vigil.ChangeItem) error {
		return fmt.Errorf("collector gave us garbage")
	}})
	a := New(db, refcache.New(), failing)
	passSummary, err := a.AuditObjects([]*vigil.ChangeItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, passSummary.Failed)

	saved, err := a.SaveIssues()
	require.NoError(t, err)
	assert.Equal(t, SaveSummary{}, saved)

	var stored models.ItemAudit
	require.NoError(t, db.Where("item_id = ?", item.DBItem.ID).First(&stored).Error)
	assert.False(t, stored.Fixed, "a failed audit must not resolve stored issues")

	// A later clean pass reconciles the carried-forward issue normally.
	summary = runPass(t, New(db, refcache.New(), testConfig()), []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{Unchanged: 1}, summary)
}

func TestSaveIssuesFixAndRegressionPreserveJustification(t *testing.T) {
	db := testDB(t)
	seedAccounts(t, db)

	item := processItem(t, db, testObservation("thing-a", map[string]interface{}{"x": 1}))

	raising := testConfig()
	silent := testConfig(Check{Name: "check_test", Fn: func(a *Auditor, item *vigil.ChangeItem) error {
		return nil
	}})

	summary := runPass(t, New(db, refcache.New(), raising), []*vigil.ChangeItem{item})
	require.Equal(t, SaveSummary{New: 1}, summary)

	// An operator justifies the issue.
	now := time.Now().UTC()
	var stored models.ItemAudit
	require.NoError(t, db.Where("item_id = ?", item.DBItem.ID).First(&stored).Error)
	require.NoError(t, db.Model(&stored).Updates(map[string]interface{}{
		"justified": true, "justified_user": "secops", "justification": "approved partner", "justified_date": now,
	}).Error)

	// The condition goes away: the row is marked fixed, not deleted.
	summary = runPass(t, New(db, refcache.New(), silent), []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{Fixed: 1}, summary)

	require.NoError(t, db.First(&stored, stored.ID).Error)
	assert.True(t, stored.Fixed)
	assert.True(t, stored.Justified)

	// It comes back: the same row reopens with its justification intact.
	summary = runPass(t, New(db, refcache.New(), raising), []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{Regressed: 1}, summary)

	var reopened models.ItemAudit
	require.NoError(t, db.First(&reopened, stored.ID).Error)
	assert.False(t, reopened.Fixed)
	assert.True(t, reopened.Justified)
	assert.Equal(t, "secops", reopened.JustifiedUser)
	assert.Equal(t, "approved partner", reopened.Justification)

	var count int64
	require.NoError(t, db.Model(&models.ItemAudit{}).Where("item_id = ?", item.DBItem.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSaveIssuesLeavesOtherAuditorsAlone(t *testing.T) {
	db := testDB(t)
	seedAccounts(t, db)

	item := processItem(t, db, testObservation("thing-a", map[string]interface{}{"x": 1}))

	// Another auditor class owns a stored issue on the same item.
	otherSetting := models.AuditorSetting{
		TechnologyID: item.DBItem.TechnologyID,
		AccountID:    item.DBItem.AccountID,
		Issue:        "Other Issue",
		AuditorClass: "OtherAuditor",
	}
	require.NoError(t, db.Create(&otherSetting).Error)
	require.NoError(t, db.Create(&models.ItemAudit{
		Score: 4, Issue: "Other Issue", ItemID: item.DBItem.ID, AuditorSettingID: &otherSetting.ID,
	}).Error)

	summary := runPass(t, New(db, refcache.New(), testConfig()), []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{New: 1}, summary)

	var other models.ItemAudit
	require.NoError(t, db.Where("issue = ?", "Other Issue").First(&other).Error)
	assert.False(t, other.Fixed, "another auditor's issue must not be fixed by this pass")
}

func TestSaveIssuesMatchesOnSubItems(t *testing.T) {
	db := testDB(t)
	seedAccounts(t, db)

	sgA := processItem(t, db, vigil.ObservedItem{
		Technology: "securitygroup", Account: "main", Region: "us-east-1", Name: "sg-a",
		Config: map[string]interface{}{},
	})
	sgB := processItem(t, db, vigil.ObservedItem{
		Technology: "securitygroup", Account: "main", Region: "us-east-1", Name: "sg-b",
		Config: map[string]interface{}{},
	})
	item := processItem(t, db, testObservation("elb-1", map[string]interface{}{}))

	linked := func(sub *vigil.ChangeItem) Config {
		return testConfig(Check{Name: "check_test", Fn: func(a *Auditor, item *vigil.ChangeItem) error {
			iss := a.AddIssue(5, "Linked Issue", item, "")
			iss.SubItems = append(iss.SubItems, *sub.DBItem)
			return nil
		}})
	}

	summary := runPass(t, New(db, refcache.New(), linked(sgA)), []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{New: 1}, summary)

	// Same text and score but a different sub-item is a different issue.
	summary = runPass(t, New(db, refcache.New(), linked(sgB)), []*vigil.ChangeItem{item})
	assert.Equal(t, SaveSummary{New: 1, Fixed: 1}, summary)
}

func TestCloneIssue(t *testing.T) {
	now := time.Now().UTC()
	orig := &models.ItemAudit{
		Score: 9, Issue: "Issue", Notes: "notes", Justified: true,
		JustifiedUser: "secops", Justification: "ok", JustifiedDate: &now,
	}
	orig.ID = 42
	orig.ItemID = 7

	clone := CloneIssue(orig)
	assert.Zero(t, clone.ID)
	assert.Zero(t, clone.ItemID)
	assert.Nil(t, clone.AuditorSettingID)
	assert.Equal(t, orig.Issue, clone.Issue)
	assert.Equal(t, orig.Score, clone.Score)
	assert.True(t, clone.Justified)
	require.NotNil(t, clone.JustifiedDate)
	assert.NotSame(t, orig.JustifiedDate, clone.JustifiedDate)
}
