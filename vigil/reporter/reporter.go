// Package reporter builds per-technology audit reports from the stored
// item and issue state and keeps the most recent ones in the key/value
// store for dashboards to read.
package reporter

import (
	"fmt"
	"sort"
	"time"

	"github.com/VigilSec/go-api/vigil/postgres/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IssueReport is one issue as it appears in a report.
type IssueReport struct {
	Issue         string `json:"issue"`
	Notes         string `json:"notes,omitempty"`
	Score         int    `json:"score"`
	Justified     bool   `json:"justified"`
	Justification string `json:"justification,omitempty"`
}

// ItemReport is one item with its open issues and aggregate score.
type ItemReport struct {
	Technology string        `json:"technology"`
	Account    string        `json:"account"`
	Region     string        `json:"region"`
	Name       string        `json:"name"`
	Arn        string        `json:"arn,omitempty"`
	Score      int           `json:"score"`
	Issues     []IssueReport `json:"issues"`
}

// Report is one audit pass summary. The ID sorts chronologically; PassID
// is globally unique.
type Report struct {
	ID          string       `json:"id"`
	PassID      string       `json:"pass_id"`
	Technology  string       `json:"technology"`
	Accounts    []string     `json:"accounts"`
	GeneratedAt time.Time    `json:"generated_at"`
	TotalScore  int          `json:"total_score"`
	TotalItems  int          `json:"total_items"`
	Items       []ItemReport `json:"items"`
}

// Builder assembles reports from the database.
type Builder struct {
	db *gorm.DB
}

func NewBuilder(db *gorm.DB) *Builder {
	return &Builder{db: db}
}

// Build collects every unfixed issue for one technology across the given
// accounts. Justified issues score zero and are listed only when
// includeJustified is set; issues whose auditor setting is disabled are
// dropped entirely. Only items with a non-zero outstanding score appear.
func (b *Builder) Build(technology string, accounts []string, includeJustified bool) (*Report, error) {
	var items []models.Item
	err := b.db.
		Joins("JOIN technologies ON technologies.id = items.technology_id").
		Joins("JOIN accounts ON accounts.id = items.account_id").
		Where("technologies.name = ? AND accounts.name IN ?", technology, accounts).
		Preload("Issues", "fixed = ?", false).
		Preload("Issues.AuditorSetting").
		Preload("Account").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load items for report: %w", err)
	}

	now := time.Now().UTC()
	report := &Report{
		ID:          fmt.Sprintf("%s-%s", now.Format("20060102-150405"), uuid.NewString()[:8]),
		PassID:      uuid.NewString(),
		Technology:  technology,
		Accounts:    accounts,
		GeneratedAt: now,
	}

	for i := range items {
		item := &items[i]
		entry := ItemReport{
			Technology: technology,
			Account:    item.Account.Name,
			Region:     item.Region,
			Name:       item.Name,
			Arn:        item.Arn,
		}
		for _, iss := range item.Issues {
			if iss.AuditorSetting != nil && iss.AuditorSetting.Disabled {
				continue
			}
			if iss.Justified && !includeJustified {
				continue
			}
			ir := IssueReport{
				Issue:         iss.Issue,
				Notes:         iss.Notes,
				Score:         iss.Score,
				Justified:     iss.Justified,
				Justification: iss.Justification,
			}
			if !iss.Justified {
				entry.Score += iss.Score
			}
			entry.Issues = append(entry.Issues, ir)
		}
		// Only items with an outstanding score make the report.
		if entry.Score <= 0 {
			continue
		}
		report.Items = append(report.Items, entry)
		report.TotalScore += entry.Score
	}
	report.TotalItems = len(report.Items)

	// Highest risk first; name breaks ties so output is stable.
	sort.Slice(report.Items, func(i, j int) bool {
		if report.Items[i].Score != report.Items[j].Score {
			return report.Items[i].Score > report.Items[j].Score
		}
		return report.Items[i].Name < report.Items[j].Name
	})

	return report, nil
}
