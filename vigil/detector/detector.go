// Package detector classifies incoming resource configurations against the
// stored state and persists the outcome. A durable change appends a new
// revision; an ephemeral change rewrites the latest revision in place so
// noisy fields never pile up revision history.
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

// Change is the kind of difference detected against the stored item.
type Change string

const (
	ChangeNone      Change = ""
	ChangeDurable   Change = "durable"
	ChangeEphemeral Change = "ephemeral"
)

// Sub refines a durable change.
type Sub string

const (
	SubNone    Sub = ""
	SubCreated Sub = "created"
	SubChanged Sub = "changed"
)

// Detection is the outcome of comparing one observation to stored state.
// Item is the stored row before persistence, nil when the item is new.
type Detection struct {
	Changed bool
	Change  Change
	Sub     Sub
	Item    *models.Item
}

// Store persists items and revisions.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DetectChange compares an observation's hashes to the stored item without
// writing anything.
func (s *Store) DetectChange(obs vigil.ObservedItem, completeHash, durableHash string) (Detection, error) {
	item, err := s.findItem(obs)
	if err != nil {
		return Detection{}, err
	}
	if item == nil {
		return Detection{Changed: true, Change: ChangeDurable, Sub: SubCreated}, nil
	}
	if item.LatestRevisionDurableHash != durableHash {
		return Detection{Changed: true, Change: ChangeDurable, Sub: SubChanged, Item: item}, nil
	}
	if item.LatestRevisionCompleteHash != completeHash {
		return Detection{Changed: true, Change: ChangeEphemeral, Item: item}, nil
	}
	return Detection{Item: item}, nil
}

// ProcessItem detects and persists one observation. When honorEphemerals is
// false an ephemeral-only difference is stored as a durable change, which
// matches collectors that declare no ephemeral paths at all.
func (s *Store) ProcessItem(obs vigil.ObservedItem, ephemeralPaths []string, honorEphemerals bool) (Detection, *models.Item, error) {
	completeHash, durableHash, err := fingerprint.Hash(obs.Config, ephemeralPaths)
	if err != nil {
		return Detection{}, nil, fmt.Errorf("failed to fingerprint %s: %w", obs.Location(), err)
	}

	det, err := s.DetectChange(obs, completeHash, durableHash)
	if err != nil {
		return Detection{}, nil, err
	}
	if det.Change == ChangeEphemeral && !honorEphemerals {
		det.Change = ChangeDurable
		det.Sub = SubChanged
	}

	var item *models.Item
	switch {
	case det.Sub == SubCreated:
		item, err = s.createItem(obs, completeHash, durableHash)
	case det.Change == ChangeDurable:
		item, err = s.appendRevision(det.Item, obs, completeHash, durableHash)
	case det.Change == ChangeEphemeral:
		item, err = s.rewriteLatestRevision(det.Item, obs, completeHash)
	default:
		item = det.Item
		// The hashes match on content but the durable hash can go stale
		// when a technology's ephemeral path list changes between passes.
		if item.LatestRevisionDurableHash != durableHash {
			err = s.db.Model(item).Update("latest_revision_durable_hash", durableHash).Error
			if err == nil {
				item.LatestRevisionDurableHash = durableHash
			}
		}
	}
	if err != nil {
		return Detection{}, nil, err
	}
	return det, item, nil
}

func (s *Store) findItem(obs vigil.ObservedItem) (*models.Item, error) {
	var item models.Item
	err := s.db.
		Joins("JOIN technologies ON technologies.id = items.technology_id").
		Joins("JOIN accounts ON accounts.id = items.account_id").
		Where("technologies.name = ? AND accounts.name = ? AND items.region = ? AND items.name = ?",
			obs.Technology, obs.Account, obs.Region, obs.Name).
		Preload("Technology").
		Preload("Account").
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up item %s: %w", obs.Location(), err)
	}
	return &item, nil
}

func (s *Store) createItem(obs vigil.ObservedItem, completeHash, durableHash string) (*models.Item, error) {
	tech, err := GetOrCreateTechnology(s.db, obs.Technology)
	if err != nil {
		return nil, err
	}
	account, err := GetAccount(s.db, obs.Account)
	if err != nil {
		return nil, err
	}

	if obs.Arn != "" {
		if err := s.resolveDuplicateArn(obs); err != nil {
			return nil, err
		}
	}

	item := &models.Item{
		Region:       obs.Region,
		Name:         obs.Name,
		Arn:          obs.Arn,
		TechnologyID: tech.ID,
		AccountID:    account.ID,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(item).Error; err != nil {
			return fmt.Errorf("failed to create item %s: %w", obs.Location(), err)
		}
		rev := &models.ItemRevision{
			Active: true,
			Config: models.JSONB(obs.Config),
			ItemID: item.ID,
		}
		if err := tx.Create(rev).Error; err != nil {
			return fmt.Errorf("failed to create revision for %s: %w", obs.Location(), err)
		}
		return tx.Model(item).Updates(map[string]interface{}{
			"latest_revision_id":            rev.ID,
			"latest_revision_complete_hash": completeHash,
			"latest_revision_durable_hash":  durableHash,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	item.Technology = *tech
	item.Account = *account
	return item, nil
}

// resolveDuplicateArn clears the ARN on any other item claiming the same
// ARN. Collectors occasionally report a renamed resource under a fresh
// identity before the old row is inactivated.
func (s *Store) resolveDuplicateArn(obs vigil.ObservedItem) error {
	var conflicts []models.Item
	err := s.db.Where("arn = ? AND (region != ? OR name != ?)", obs.Arn, obs.Region, obs.Name).
		Find(&conflicts).Error
	if err != nil {
		return fmt.Errorf("failed to check for duplicate arn %s: %w", obs.Arn, err)
	}
	for _, conflict := range conflicts {
		slog.Warn("Duplicate ARN detected, clearing on older item",
			"arn", obs.Arn, "item_id", conflict.ID, "new_item", obs.Location())
		if err := s.db.Model(&conflict).Update("arn", "").Error; err != nil {
			return fmt.Errorf("failed to clear duplicate arn on item %d: %w", conflict.ID, err)
		}
	}
	return nil
}

func (s *Store) appendRevision(item *models.Item, obs vigil.ObservedItem, completeHash, durableHash string) (*models.Item, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rev := &models.ItemRevision{
			Active: ActiveFromConfig(obs.Config),
			Config: models.JSONB(obs.Config),
			ItemID: item.ID,
		}
		if err := tx.Create(rev).Error; err != nil {
			return fmt.Errorf("failed to append revision for %s: %w", obs.Location(), err)
		}
		updates := map[string]interface{}{
			"latest_revision_id":            rev.ID,
			"latest_revision_complete_hash": completeHash,
			"latest_revision_durable_hash":  durableHash,
		}
		if obs.Arn != "" && obs.Arn != item.Arn {
			updates["arn"] = obs.Arn
		}
		return tx.Model(item).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) rewriteLatestRevision(item *models.Item, obs vigil.ObservedItem, completeHash string) (*models.Item, error) {
	if item.LatestRevisionID == nil {
		return nil, fmt.Errorf("item %d has no latest revision to rewrite", item.ID)
	}
	now := time.Now().UTC()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.ItemRevision{}).Where("id = ?", *item.LatestRevisionID).
			Updates(map[string]interface{}{
				"config":                     models.JSONB(obs.Config),
				"date_last_ephemeral_change": now,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to rewrite revision %d: %w", *item.LatestRevisionID, err)
		}
		return tx.Model(item).Update("latest_revision_complete_hash", completeHash).Error
	})
	if err != nil {
		return nil, err
	}
	item.LatestRevisionCompleteHash = completeHash
	return item, nil
}

// ActiveFromConfig reports whether a configuration body describes a live
// resource. A body carrying only an Arn, or only the identity fields, is
// the deletion marker written when a resource disappears.
func ActiveFromConfig(config map[string]interface{}) bool {
	if len(config) == 0 {
		return false
	}
	if len(config) == 1 {
		_, ok := config["Arn"]
		return !ok
	}
	if len(config) == 4 {
		identity := 0
		for _, key := range []string{"account", "technology", "region", "name"} {
			if _, ok := config[key]; ok {
				identity++
			}
		}
		if identity == 4 {
			return false
		}
	}
	return true
}

// GetOrCreateTechnology finds or creates a technology row by name.
func GetOrCreateTechnology(db *gorm.DB, name string) (*models.Technology, error) {
	var tech models.Technology
	err := db.Where(models.Technology{Name: name}).FirstOrCreate(&tech).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get or create technology %s: %w", name, err)
	}
	return &tech, nil
}

// GetAccount finds an account by name. Accounts are provisioned ahead of
// time; an observation for an unknown account is an error, not a create.
func GetAccount(db *gorm.DB, name string) (*models.Account, error) {
	var account models.Account
	err := db.Preload("CustomFields").Where("name = ?", name).First(&account).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up account %s: %w", name, err)
	}
	return &account, nil
}
