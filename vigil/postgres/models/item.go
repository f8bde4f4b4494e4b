// File: item.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// Item is one tracked cloud resource, identified by the quadruple of
// technology, account, region and name. The latest revision hashes are
// denormalized here so change detection never has to load a config body
// just to decide that nothing changed.
type Item struct {
	gorm.Model
	Region string `gorm:"size:32;uniqueIndex:idx_item_identity,priority:3"`
	Name   string `gorm:"size:303;uniqueIndex:idx_item_identity,priority:4"`
	Arn    string `gorm:"size:256;index"`

	TechnologyID uint `gorm:"uniqueIndex:idx_item_identity,priority:1"`
	AccountID    uint `gorm:"uniqueIndex:idx_item_identity,priority:2"`
	Technology   Technology
	Account      Account

	LatestRevisionID           *uint
	LatestRevisionCompleteHash string `gorm:"size:64;index"`
	LatestRevisionDurableHash  string `gorm:"size:64;index"`

	Revisions []ItemRevision
	Issues    []ItemAudit
}

// ItemRevision is one durable configuration state of an item. Ephemeral
// changes rewrite the Config of the latest revision in place instead of
// appending a new row.
type ItemRevision struct {
	gorm.Model
	Active                  bool
	Config                  JSONB `gorm:"type:jsonb"`
	DateLastEphemeralChange *time.Time
	ItemID                  uint `gorm:"index"`
}

// ItemAudit is one issue an auditor raised against an item. Rows are never
// deleted when an issue goes away; they are marked Fixed so justifications
// survive a regression.
type ItemAudit struct {
	gorm.Model
	Score int
	Issue string `gorm:"size:512"`
	Notes string `gorm:"size:1024"`
	Fixed bool

	Justified     bool
	JustifiedUser string `gorm:"size:256"`
	Justification string `gorm:"size:512"`
	JustifiedDate *time.Time

	ItemID           uint `gorm:"index"`
	AuditorSettingID *uint
	AuditorSetting   *AuditorSetting

	// Supporting items that contributed to this issue, e.g. the security
	// groups attached to a load balancer.
	SubItems []Item `gorm:"many2many:itemaudit_sub_items"`
}

// AuditorSetting enables or disables one issue type for one auditor class
// on one technology/account pair.
type AuditorSetting struct {
	gorm.Model
	Disabled     bool
	Issue        string `gorm:"size:512;index:idx_auditor_setting,priority:3"`
	AuditorClass string `gorm:"size:128;index:idx_auditor_setting,priority:4"`
	TechnologyID uint   `gorm:"index:idx_auditor_setting,priority:1"`
	AccountID    uint   `gorm:"index:idx_auditor_setting,priority:2"`

	Issues []ItemAudit `gorm:"foreignKey:AuditorSettingID"`
}

// ItemAuditScore overrides the hard-coded score of one check method. Method
// holds "check_name (AuditorClass)" so two auditors sharing a method name
// stay distinct.
type ItemAuditScore struct {
	gorm.Model
	Technology string `gorm:"size:64;index"`
	Method     string `gorm:"size:256;index"`
	Score      int
	Disabled   bool

	AccountPatternScores []AccountPatternAuditScore
}

// AccountPatternAuditScore refines an ItemAuditScore for accounts whose
// field value matches a pattern, e.g. every account with notes "prod".
type AccountPatternAuditScore struct {
	gorm.Model
	ItemAuditScoreID uint
	AccountType      string `gorm:"size:64"`
	AccountField     string `gorm:"size:128"`
	AccountPattern   string `gorm:"size:256"`
	Score            int
}
