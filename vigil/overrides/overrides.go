// Package overrides imports auditor score overrides from CSV. An import
// replaces the whole override table in one transaction: either every row
// validates and lands, or nothing changes.
//
// Expected header:
//
//	technology,auditor,check,score,disabled,account_field,account_pattern,account_score
//
// Rows sharing (technology, auditor, check) merge into one override; each
// row may contribute one account pattern through the last three columns.
package overrides

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/VigilSec/go-api/vigil/events"
	"github.com/VigilSec/go-api/vigil/postgres/models"
	"gorm.io/gorm"
)

var expectedHeader = []string{
	"technology", "auditor", "check", "score", "disabled",
	"account_field", "account_pattern", "account_score",
}

// ValidateFunc reports whether a technology/auditor/check triple names a
// registered check. Registry.IsCheckValid satisfies it.
type ValidateFunc func(technology, class, check string) bool

// ImportCSV parses, validates and atomically installs score overrides.
// Returns the number of override rows written.
func ImportCSV(db *gorm.DB, r io.Reader, validate ValidateFunc) (int, error) {
	rows, err := parse(r, validate)
	if err != nil {
		return 0, err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		// Full-table replace: pattern rows first for the foreign key.
		if err := tx.Where("1 = 1").Delete(&models.AccountPatternAuditScore{}).Error; err != nil {
			return fmt.Errorf("failed to clear account pattern scores: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&models.ItemAuditScore{}).Error; err != nil {
			return fmt.Errorf("failed to clear audit scores: %w", err)
		}
		for _, row := range rows {
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("failed to insert override %s/%s: %w", row.Technology, row.Method, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := events.Record(db, &models.Event{
		Service:   "vigil-overrides",
		EventType: models.EventTypeScoresImported,
		Title:     fmt.Sprintf("Imported %d score overrides", len(rows)),
		Metadata:  models.JSONB{"overrides": len(rows)},
	}); err != nil {
		slog.Warn("Failed to record import event", "error", err)
	}
	return len(rows), nil
}

func parse(r io.Reader, validate ValidateFunc) ([]*models.ItemAuditScore, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	byMethod := make(map[string]*models.ItemAuditScore)
	var order []string
	var rowErrs []error

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		technology := strings.TrimSpace(record[0])
		class := strings.TrimSpace(record[1])
		check := strings.TrimSpace(record[2])
		if technology == "" || class == "" || check == "" {
			rowErrs = append(rowErrs, fmt.Errorf("line %d: technology, auditor and check are required", line))
			continue
		}
		if validate != nil && !validate(technology, class, check) {
			rowErrs = append(rowErrs, fmt.Errorf("line %d: unknown check %s (%s) for %s", line, check, class, technology))
			continue
		}

		score, err := parseScore(record[3])
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		disabled := false
		if strings.TrimSpace(record[4]) != "" {
			disabled, err = strconv.ParseBool(strings.TrimSpace(record[4]))
			if err != nil {
				rowErrs = append(rowErrs, fmt.Errorf("line %d: invalid disabled value %q", line, record[4]))
				continue
			}
		}

		method := fmt.Sprintf("%s (%s)", check, class)
		key := technology + "|" + method
		row, ok := byMethod[key]
		if !ok {
			row = &models.ItemAuditScore{Technology: technology, Method: method}
			byMethod[key] = row
			order = append(order, key)
		}
		row.Score = score
		row.Disabled = row.Disabled || disabled

		field := strings.TrimSpace(record[5])
		pattern := strings.TrimSpace(record[6])
		patternScore := strings.TrimSpace(record[7])
		if field == "" && pattern == "" && patternScore == "" {
			continue
		}
		if field == "" || pattern == "" || patternScore == "" {
			rowErrs = append(rowErrs, fmt.Errorf("line %d: account pattern requires field, pattern and score", line))
			continue
		}
		ps, err := parseScore(patternScore)
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		row.AccountPatternScores = append(row.AccountPatternScores, models.AccountPatternAuditScore{
			AccountField:   field,
			AccountPattern: pattern,
			Score:          ps,
		})
	}

	if len(rowErrs) > 0 {
		return nil, fmt.Errorf("import rejected: %w", errors.Join(rowErrs...))
	}

	out := make([]*models.ItemAuditScore, 0, len(order))
	for _, key := range order {
		out = append(out, byMethod[key])
	}
	return out, nil
}

func checkHeader(header []string) error {
	if len(header) != len(expectedHeader) {
		return fmt.Errorf("expected %d columns, got %d", len(expectedHeader), len(header))
	}
	for i, name := range expectedHeader {
		if strings.TrimSpace(strings.ToLower(header[i])) != name {
			return fmt.Errorf("column %d must be %q, got %q", i+1, name, header[i])
		}
	}
	return nil
}

func parseScore(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	score, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid score %q", value)
	}
	if score < 0 {
		return 0, fmt.Errorf("score must not be negative, got %d", score)
	}
	return score, nil
}
