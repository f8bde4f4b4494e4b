// File: current.go
package detector

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/VigilSec/go-api/vigil"
	"github.com/VigilSec/go-api/vigil/fingerprint"
	"github.com/VigilSec/go-api/vigil/postgres/models"
	"gorm.io/gorm"
)

// Bulk reads retry on transient database errors with a fixed delay.
var (
	retryAttempts = 5
	retryDelay    = 3 * time.Second
)

func withRetry(op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		slog.Warn("Database read failed, retrying", "op", op, "attempt", attempt, "error", err)
		if attempt < retryAttempts {
			time.Sleep(retryDelay)
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, retryAttempts, err)
}

// GetAllCurrent loads the latest state of every item for one
// technology/account pair as change items, including each item's stored
// issues. Inactive items are skipped unless includeInactive is set.
func (s *Store) GetAllCurrent(technology, account string, includeInactive bool) ([]*vigil.ChangeItem, error) {
	var items []models.Item
	err := withRetry("load current items", func() error {
		return s.db.
			Joins("JOIN technologies ON technologies.id = items.technology_id").
			Joins("JOIN accounts ON accounts.id = items.account_id").
			Where("technologies.name = ? AND accounts.name = ?", technology, account).
			Preload("Technology").
			Preload("Account").
			Preload("Issues", "fixed = ?", false).
			Preload("Issues.SubItems").
			Find(&items).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]*vigil.ChangeItem, 0, len(items))
	for i := range items {
		item := &items[i]
		if item.LatestRevisionID == nil {
			continue
		}
		var rev models.ItemRevision
		if err := s.db.First(&rev, *item.LatestRevisionID).Error; err != nil {
			return nil, fmt.Errorf("failed to load revision %d: %w", *item.LatestRevisionID, err)
		}
		if !rev.Active && !includeInactive {
			continue
		}
		out = append(out, &vigil.ChangeItem{
			Technology:     technology,
			Account:        account,
			Region:         item.Region,
			Name:           item.Name,
			Arn:            item.Arn,
			Config:         map[string]interface{}(rev.Config),
			Active:         rev.Active,
			DBItem:         item,
			ExistingIssues: item.Issues,
		})
	}
	return out, nil
}

// InactivateMissing marks every active item of a technology/account pair
// that a complete sweep did not report. Each gets a synthetic revision
// carrying only its Arn (or its identity when it has none) so history shows
// when the resource disappeared. Returns the items it inactivated.
func (s *Store) InactivateMissing(technology, account string, seen []vigil.ObservedItem) ([]*vigil.ChangeItem, error) {
	seenKeys := make(map[string]struct{}, len(seen))
	for _, obs := range seen {
		seenKeys[obs.Region+"/"+obs.Name] = struct{}{}
	}

	current, err := s.GetAllCurrent(technology, account, false)
	if err != nil {
		return nil, err
	}

	var gone []*vigil.ChangeItem
	for _, ci := range current {
		if _, ok := seenKeys[ci.Region+"/"+ci.Name]; ok {
			continue
		}
		marker := deletionMarker(ci, technology, account)
		// Markers carry no ephemeral fields; one hash serves both columns.
		markerHash, err := fingerprint.Complete(marker)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint deletion marker for %s: %w", ci.Location(), err)
		}
		err = s.db.Transaction(func(tx *gorm.DB) error {
			rev := &models.ItemRevision{
				Active: false,
				Config: models.JSONB(marker),
				ItemID: ci.DBItem.ID,
			}
			if err := tx.Create(rev).Error; err != nil {
				return fmt.Errorf("failed to create deletion revision for %s: %w", ci.Location(), err)
			}
			return tx.Model(ci.DBItem).Updates(map[string]interface{}{
				"latest_revision_id":            rev.ID,
				"latest_revision_complete_hash": markerHash,
				"latest_revision_durable_hash":  markerHash,
			}).Error
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Item no longer reported, marked deleted", "item", ci.Location())
		ci.Active = false
		ci.Config = marker
		gone = append(gone, ci)
	}
	return gone, nil
}

func deletionMarker(ci *vigil.ChangeItem, technology, account string) map[string]interface{} {
	if ci.Arn != "" {
		return map[string]interface{}{"Arn": ci.Arn}
	}
	return map[string]interface{}{
		"account":    account,
		"technology": technology,
		"region":     ci.Region,
		"name":       ci.Name,
	}
}
