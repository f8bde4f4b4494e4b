// File: account.go
package models

import (
	"gorm.io/gorm"
)

// Account is a monitored cloud account. ThirdParty marks accounts we know
// about but do not own; active owned accounts are "friendly" when
// classifying cross-account access.
type Account struct {
	gorm.Model
	Active     bool
	ThirdParty bool
	Name       string `gorm:"size:64;uniqueIndex"`
	Identifier string `gorm:"size:64;index"`
	Notes      string `gorm:"size:256"`

	CustomFields []AccountCustomField
	Items        []Item
}

// AccountCustomField holds provider-specific account metadata such as the
// S3 canonical ID, keyed by field name.
type AccountCustomField struct {
	gorm.Model
	AccountID uint   `gorm:"index"`
	Name      string `gorm:"size:64"`
	Value     string `gorm:"size:256"`
}

// Custom returns the value of a named custom field, or "".
func (a *Account) Custom(name string) string {
	for _, f := range a.CustomFields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Technology is a watched resource type, e.g. "s3" or "securitygroup".
type Technology struct {
	gorm.Model
	Name string `gorm:"size:64;uniqueIndex"`

	Items []Item
}

// NetworkWhitelistEntry is a CIDR block owned by the organization without
// belonging to any single account.
type NetworkWhitelistEntry struct {
	gorm.Model
	Name  string `gorm:"size:256"`
	Notes string `gorm:"size:512"`
	CIDR  string `gorm:"size:64"`
}
