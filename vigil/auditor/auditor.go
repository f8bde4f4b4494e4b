// Package auditor runs check lists against change items, scores the
// issues they raise and reconciles them with the issues already stored.
// Auditors are registered explicitly per technology; every instance gets
// its database handle and reference cache injected at construction.
package auditor

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/VigilSec/go-api/vigil"
	"github.com/VigilSec/go-api/vigil/detector"
	"github.com/VigilSec/go-api/vigil/postgres/models"
	"github.com/VigilSec/go-api/vigil/refcache"
	"gorm.io/gorm"
)

const maxNotesLength = 1024

// CheckFunc inspects one change item and raises issues through AddIssue.
type CheckFunc func(a *Auditor, item *vigil.ChangeItem) error

// Check is one named check in an auditor's list. The name keys score
// overrides, so renaming a check orphans its overrides.
type Check struct {
	Name string
	Fn   CheckFunc
}

// Config declares an auditor: the technology it audits, its class name,
// its checks and the technologies it may pull support items from.
type Config struct {
	Technology          string
	Class               string
	Checks              []Check
	SupportAuditorTechs []string
	SupportWatcherTechs []string

	// PolicyKeys locate policy documents inside item configs, using the
	// same path language as ephemeral paths. Defaults to "Policy".
	PolicyKeys []string
}

// Summary reports what one AuditObjects run did.
type Summary struct {
	Audited int
	Failed  int
}

// Auditor runs one Config against change items. Not safe for concurrent
// use; build one per pass.
type Auditor struct {
	db    *gorm.DB
	store *detector.Store
	cache *refcache.Cache
	cfg   Config

	currentCheck string
	overrides    map[string]*models.ItemAuditScore
	accounts     map[string]*models.Account
	support      map[string][]*vigil.ChangeItem
	failed       map[string]struct{}

	Items []*vigil.ChangeItem
}

func New(db *gorm.DB, cache *refcache.Cache, cfg Config) *Auditor {
	if len(cfg.PolicyKeys) == 0 {
		cfg.PolicyKeys = []string{"Policy"}
	}
	return &Auditor{
		db:       db,
		store:    detector.NewStore(db),
		cache:    cache,
		cfg:      cfg,
		accounts: make(map[string]*models.Account),
		support:  make(map[string][]*vigil.ChangeItem),
	}
}

// Config returns the auditor's declaration.
func (a *Auditor) Config() Config {
	return a.cfg
}

// AuditObjects runs every enabled check against every item. A check that
// fails or panics aborts the remaining checks for that item only; the
// other items still get the full list.
func (a *Auditor) AuditObjects(items []*vigil.ChangeItem) (Summary, error) {
	if err := a.cache.Build(a.db); err != nil {
		return Summary{}, err
	}
	if err := a.loadOverrides(); err != nil {
		return Summary{}, err
	}

	a.Items = items
	a.failed = make(map[string]struct{})
	summary := Summary{}
	for _, item := range items {
		item.NewIssues = nil
		if err := a.auditItem(item); err != nil {
			slog.Error("Audit aborted for item", "item", item.Location(), "class", a.cfg.Class, "error", err)
			a.failed[item.Location()] = struct{}{}
			summary.Failed++
			continue
		}
		summary.Audited++
	}
	return summary, nil
}

func (a *Auditor) auditItem(item *vigil.ChangeItem) error {
	for _, check := range a.cfg.Checks {
		if override, ok := a.overrides[a.methodKey(check.Name)]; ok && override.Disabled {
			slog.Debug("Check disabled by override", "check", check.Name, "item", item.Location())
			continue
		}
		a.currentCheck = check.Name
		if err := a.runCheck(check, item); err != nil {
			return fmt.Errorf("%s: %w", check.Name, err)
		}
	}
	return nil
}

func (a *Auditor) runCheck(check Check, item *vigil.ChangeItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return check.Fn(a, item)
}

// AddIssue records an issue against an item, deduplicating on the
// (issue, notes, score) triple after score overrides apply. Returns the
// new or already-present issue.
func (a *Auditor) AddIssue(score int, issue string, item *vigil.ChangeItem, notes string) *models.ItemAudit {
	if runes := []rune(notes); len(runes) > maxNotesLength {
		notes = string(runes[:maxNotesLength])
	}
	score = a.effectiveScore(score, item.Account)

	for _, existing := range item.NewIssues {
		if existing.Issue == issue && existing.Notes == notes && existing.Score == score {
			return existing
		}
	}

	slog.Debug("Issue raised", "item", item.Location(), "issue", issue, "score", score)
	iss := &models.ItemAudit{Score: score, Issue: issue, Notes: notes}
	item.NewIssues = append(item.NewIssues, iss)
	return iss
}

func (a *Auditor) loadOverrides() error {
	var rows []models.ItemAuditScore
	err := a.db.Where("technology = ?", a.cfg.Technology).
		Preload("AccountPatternScores").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to load score overrides: %w", err)
	}
	a.overrides = make(map[string]*models.ItemAuditScore, len(rows))
	for i := range rows {
		a.overrides[rows[i].Method] = &rows[i]
	}
	return nil
}

func (a *Auditor) methodKey(checkName string) string {
	return fmt.Sprintf("%s (%s)", checkName, a.cfg.Class)
}

// effectiveScore resolves the score for the running check: an account
// pattern beats the override row, the override row beats the hard-coded
// default.
func (a *Auditor) effectiveScore(defaultScore int, accountName string) int {
	override, ok := a.overrides[a.methodKey(a.currentCheck)]
	if !ok {
		return defaultScore
	}
	if account, err := a.account(accountName); err == nil {
		for _, pattern := range override.AccountPatternScores {
			if accountFieldValue(account, pattern.AccountField) == pattern.AccountPattern {
				return pattern.Score
			}
		}
	}
	return override.Score
}

func accountFieldValue(account *models.Account, field string) string {
	switch strings.ToLower(field) {
	case "name":
		return account.Name
	case "identifier":
		return account.Identifier
	case "notes":
		return account.Notes
	default:
		return account.Custom(field)
	}
}

func (a *Auditor) account(name string) (*models.Account, error) {
	if account, ok := a.accounts[name]; ok {
		return account, nil
	}
	account, err := detector.GetAccount(a.db, name)
	if err != nil {
		return nil, err
	}
	a.accounts[name] = account
	return account, nil
}

// ReadPreviousItems loads the current stored state of the auditor's
// technology for the given accounts, e.g. to re-audit after an override
// import without waiting for the next sweep.
func (a *Auditor) ReadPreviousItems(accounts []string) ([]*vigil.ChangeItem, error) {
	var out []*vigil.ChangeItem
	for _, account := range accounts {
		items, err := a.store.GetAllCurrent(a.cfg.Technology, account, false)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// ========================= Support items =========================

// GetWatcherSupportItems returns current items of a declared support
// technology with their issues stripped.
func (a *Auditor) GetWatcherSupportItems(technology, account string) ([]*vigil.ChangeItem, error) {
	if !contains(a.cfg.SupportWatcherTechs, technology) {
		return nil, fmt.Errorf("%s does not declare watcher support for %s", a.cfg.Class, technology)
	}
	items, err := a.supportItems("watcher", technology, account)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		item.ExistingIssues = nil
	}
	return items, nil
}

// GetAuditorSupportItems returns current items of a declared support
// technology with their stored issues attached, for issue linking.
func (a *Auditor) GetAuditorSupportItems(technology, account string) ([]*vigil.ChangeItem, error) {
	if !contains(a.cfg.SupportAuditorTechs, technology) {
		return nil, fmt.Errorf("%s does not declare auditor support for %s", a.cfg.Class, technology)
	}
	return a.supportItems("auditor", technology, account)
}

func (a *Auditor) supportItems(kind, technology, account string) ([]*vigil.ChangeItem, error) {
	key := kind + "/" + technology + "/" + account
	if items, ok := a.support[key]; ok {
		return items, nil
	}
	items, err := a.store.GetAllCurrent(technology, account, false)
	if err != nil {
		return nil, err
	}
	a.support[key] = items
	return items, nil
}

// ScoreFromSubIssues makes LinkToSupportItemIssues sum the linked
// sub-issue scores instead of using an explicit score.
const ScoreFromSubIssues = -1

// Linked issue scores cap here so a pathological support item cannot
// overflow report totals.
const maxLinkedScore = 999999

// LinkToSupportItemIssues raises issueMessage against item, scored either
// explicitly or by summing the support item's matching unfixed issues, and
// links the support item as a sub-item.
func (a *Auditor) LinkToSupportItemIssues(item *vigil.ChangeItem, subItem *vigil.ChangeItem, subIssueMessage, issueMessage string, score int) *models.ItemAudit {
	matching := make([]models.ItemAudit, 0, len(subItem.ExistingIssues))
	for _, iss := range subItem.ExistingIssues {
		if iss.Fixed {
			continue
		}
		if subIssueMessage != "" && iss.Issue != subIssueMessage {
			continue
		}
		matching = append(matching, iss)
	}

	if score == ScoreFromSubIssues {
		score = 0
		for _, iss := range matching {
			score += iss.Score
		}
		if score > maxLinkedScore {
			score = maxLinkedScore
		}
	}

	iss := a.AddIssue(score, issueMessage, item, "")
	if subItem.DBItem != nil {
		for _, linked := range iss.SubItems {
			if linked.ID == subItem.DBItem.ID {
				return iss
			}
		}
		iss.SubItems = append(iss.SubItems, *subItem.DBItem)
	}
	return iss
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// ========================= Registry =========================

// Registry maps technologies to the auditors that run against them.
type Registry struct {
	mu     sync.RWMutex
	byTech map[string][]Config
}

func NewRegistry() *Registry {
	return &Registry{byTech: make(map[string][]Config)}
}

// Register adds an auditor declaration. A class may only be registered
// once per technology.
func (r *Registry) Register(cfg Config) error {
	if cfg.Technology == "" || cfg.Class == "" {
		return fmt.Errorf("auditor config requires technology and class")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byTech[cfg.Technology] {
		if existing.Class == cfg.Class {
			return fmt.Errorf("auditor %s already registered for %s", cfg.Class, cfg.Technology)
		}
	}
	r.byTech[cfg.Technology] = append(r.byTech[cfg.Technology], cfg)
	return nil
}

// ForTechnology returns the auditors registered for a technology.
func (r *Registry) ForTechnology(technology string) []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTech[technology]
}

// Technologies lists every technology with at least one auditor.
func (r *Registry) Technologies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTech))
	for tech := range r.byTech {
		out = append(out, tech)
	}
	sort.Strings(out)
	return out
}

// IsCheckValid reports whether a technology/class/check triple names a
// registered check. Override imports validate rows with it.
func (r *Registry) IsCheckValid(technology, class, check string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cfg := range r.byTech[technology] {
		if cfg.Class != class {
			continue
		}
		for _, c := range cfg.Checks {
			if c.Name == check {
				return true
			}
		}
	}
	return false
}
