// File: save.go
package auditor

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/VigilSec/go-api/vigil"
	"github.com/VigilSec/go-api/vigil/events"
	"github.com/VigilSec/go-api/vigil/postgres/models"
	"gorm.io/gorm"
)

// SaveSummary reports how SaveIssues reconciled the pass with the store.
type SaveSummary struct {
	New       int
	Regressed int
	Unchanged int
	Fixed     int
}

// SaveIssues reconciles each item's freshly raised issues with the stored
// ones, one transaction per item. Matching is on issue text, notes, score
// and linked sub-items; a stored issue that reappears is reopened in place
// so its justification survives.
func (a *Auditor) SaveIssues() (SaveSummary, error) {
	summary := SaveSummary{}
	for _, item := range a.Items {
		if item.DBItem == nil {
			return summary, fmt.Errorf("cannot save issues for %s: item was never persisted", item.Location())
		}
		// A crashed audit left this item's NewIssues partial; reconciling
		// them would mark every unraised stored issue fixed. Carry the
		// stored state forward instead.
		if _, crashed := a.failed[item.Location()]; crashed {
			slog.Warn("Audit failed for item, keeping stored issues", "item", item.Location(), "class", a.cfg.Class)
			continue
		}
		var passEvents []*models.Event
		err := a.db.Transaction(func(tx *gorm.DB) error {
			var err error
			passEvents, err = a.saveItemIssues(tx, item, &summary)
			return err
		})
		if err != nil {
			return summary, fmt.Errorf("failed to save issues for %s: %w", item.Location(), err)
		}
		for _, event := range passEvents {
			if err := events.Record(a.db, event); err != nil {
				slog.Warn("Failed to record issue event", "item", item.Location(), "error", err)
			}
		}
	}
	return summary, nil
}

func (a *Auditor) saveItemIssues(tx *gorm.DB, item *vigil.ChangeItem, summary *SaveSummary) ([]*models.Event, error) {
	var stored []models.ItemAudit
	err := tx.Where("item_id = ?", item.DBItem.ID).
		Preload("SubItems").
		Preload("AuditorSetting").
		Find(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load stored issues: %w", err)
	}

	storedByKey := make(map[string]*models.ItemAudit, len(stored))
	for i := range stored {
		iss := &stored[i]
		// Leave other auditors' issues alone. Issues predating settings
		// are claimed by whichever auditor matches them first.
		if iss.AuditorSetting != nil && iss.AuditorSetting.AuditorClass != a.cfg.Class {
			continue
		}
		storedByKey[issueKey(iss)] = iss
	}

	var passEvents []*models.Event
	seen := make(map[string]struct{}, len(item.NewIssues))

	for _, iss := range item.NewIssues {
		key := issueKey(iss)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if existing, ok := storedByKey[key]; ok {
			setting, err := a.findOrCreateSetting(tx, item, existing.Issue)
			if err != nil {
				return nil, err
			}
			updates := map[string]interface{}{"auditor_setting_id": setting.ID}
			if existing.Fixed {
				updates["fixed"] = false
				summary.Regressed++
				passEvents = append(passEvents, issueEvent(models.EventTypeIssueRegressed, item, existing))
			} else {
				summary.Unchanged++
			}
			if err := tx.Model(existing).Updates(updates).Error; err != nil {
				return nil, fmt.Errorf("failed to update issue %d: %w", existing.ID, err)
			}
			continue
		}

		setting, err := a.findOrCreateSetting(tx, item, iss.Issue)
		if err != nil {
			return nil, err
		}
		iss.ItemID = item.DBItem.ID
		iss.AuditorSettingID = &setting.ID
		if err := tx.Create(iss).Error; err != nil {
			return nil, fmt.Errorf("failed to create issue: %w", err)
		}
		summary.New++
		passEvents = append(passEvents, issueEvent(models.EventTypeIssueRaised, item, iss))
	}

	for key, existing := range storedByKey {
		if _, ok := seen[key]; ok {
			continue
		}
		if existing.Fixed {
			continue
		}
		if err := tx.Model(existing).Update("fixed", true).Error; err != nil {
			return nil, fmt.Errorf("failed to mark issue %d fixed: %w", existing.ID, err)
		}
		summary.Fixed++
		passEvents = append(passEvents, issueEvent(models.EventTypeIssueFixed, item, existing))
	}

	return passEvents, nil
}

// findOrCreateSetting returns the AuditorSetting row for this auditor's
// class and issue text on the item's technology/account pair.
func (a *Auditor) findOrCreateSetting(tx *gorm.DB, item *vigil.ChangeItem, issue string) (*models.AuditorSetting, error) {
	var setting models.AuditorSetting
	err := tx.Where(models.AuditorSetting{
		TechnologyID: item.DBItem.TechnologyID,
		AccountID:    item.DBItem.AccountID,
		Issue:        issue,
		AuditorClass: a.cfg.Class,
	}).FirstOrCreate(&setting).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get or create auditor setting: %w", err)
	}
	return &setting, nil
}

// issueKey is the reconciliation identity of an issue. Sub-item ids are
// sorted so association order never splits a match.
func issueKey(iss *models.ItemAudit) string {
	ids := make([]int, 0, len(iss.SubItems))
	for _, sub := range iss.SubItems {
		ids = append(ids, int(sub.ID))
	}
	sort.Ints(ids)
	return fmt.Sprintf("%s|%s|%d|%v", iss.Issue, iss.Notes, iss.Score, ids)
}

func issueEvent(eventType string, item *vigil.ChangeItem, iss *models.ItemAudit) *models.Event {
	severity := models.SeverityInfo
	if eventType == models.EventTypeIssueRaised || eventType == models.EventTypeIssueRegressed {
		severity = models.SeverityWarning
	}
	return &models.Event{
		Service:    "vigil-auditor",
		EventType:  eventType,
		Severity:   severity,
		Title:      fmt.Sprintf("%s: %s", eventType, iss.Issue),
		EntityType: models.EntityTypeItem,
		EntityID:   item.Location(),
		Metadata: models.JSONB{
			"issue": iss.Issue,
			"notes": iss.Notes,
			"score": iss.Score,
		},
	}
}

// CloneIssue copies an issue's content without its row identity or item
// linkage, for callers that move findings between items.
func CloneIssue(iss *models.ItemAudit) *models.ItemAudit {
	clone := &models.ItemAudit{
		Score:         iss.Score,
		Issue:         iss.Issue,
		Notes:         iss.Notes,
		Fixed:         iss.Fixed,
		Justified:     iss.Justified,
		JustifiedUser: iss.JustifiedUser,
		Justification: iss.Justification,
	}
	if iss.JustifiedDate != nil {
		d := *iss.JustifiedDate
		clone.JustifiedDate = &d
	}
	clone.SubItems = append(clone.SubItems, iss.SubItems...)
	return clone
}
