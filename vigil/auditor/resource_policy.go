// File: resource_policy.go
package auditor

import (
	"fmt"

	"github.com/VigilSec/go-api/vigil"
	"github.com/VigilSec/go-api/vigil/fingerprint"
	"github.com/VigilSec/go-api/vigil/policy"
	"github.com/VigilSec/go-api/vigil/refcache"
)

// Issue texts raised by the resource policy checks. These are stable
// identifiers: justifications and auditor settings key on them.
const (
	IssueInternetAccessible     = "Internet Accessible"
	IssueFriendlyCrossAccount   = "Friendly Cross Account"
	IssueThirdPartyCrossAccount = "Thirdparty Cross Account"
	IssueUnknownAccess          = "Unknown Access"
	IssueRootCrossAccount       = "Root Cross Account"
	IssueParseError             = "Could Not Parse Policy Entity"
)

// Default scores. Friendly and third-party grants score zero; they exist
// so the grant is visible and justifiable, not because it is a risk.
const (
	ScoreInternetAccessible = 10
	ScoreFriendlyAccess     = 0
	ScoreThirdPartyAccess   = 0
	ScoreUnknownAccess      = 10
	ScoreRootCrossAccount   = 6
	ScoreParseError         = 3
)

// ResourcePolicyClass is the auditor class shared by every technology
// whose risk surface is a resource policy document.
const ResourcePolicyClass = "ResourcePolicyAuditor"

// ResourcePolicyConfig declares the standard resource policy auditor for
// one technology. policyKeys locate the documents inside the item config
// and default to "Policy".
func ResourcePolicyConfig(technology string, policyKeys ...string) Config {
	return Config{
		Technology: technology,
		Class:      ResourcePolicyClass,
		PolicyKeys: policyKeys,
		Checks: []Check{
			{Name: "check_internet_accessible", Fn: checkInternetAccessible},
			{Name: "check_friendly_cross_account", Fn: checkFriendlyCrossAccount},
			{Name: "check_thirdparty_cross_account", Fn: checkThirdPartyCrossAccount},
			{Name: "check_unknown_cross_account", Fn: checkUnknownCrossAccount},
			{Name: "check_root_cross_account", Fn: checkRootCrossAccount},
		},
	}
}

// loadPolicies parses every policy document the configured keys locate.
// Unparseable documents raise a parse error issue and are skipped.
func (a *Auditor) loadPolicies(item *vigil.ChangeItem) []*policy.Policy {
	var out []*policy.Policy
	for _, key := range a.cfg.PolicyKeys {
		for _, doc := range fingerprint.Values(item.Config, key) {
			p, err := policy.Parse(doc)
			if err != nil {
				a.AddIssue(ScoreParseError, IssueParseError, item, err.Error())
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

func checkInternetAccessible(a *Auditor, item *vigil.ChangeItem) error {
	for _, p := range a.loadPolicies(item) {
		if !p.IsInternetAccessible() {
			continue
		}
		notes := fmt.Sprintf("Entity: [principal:*] Actions: %v", p.InternetAccessibleActions())
		a.AddIssue(ScoreInternetAccessible, IssueInternetAccessible, item, notes)
	}
	return nil
}

func checkFriendlyCrossAccount(a *Auditor, item *vigil.ChangeItem) error {
	return a.checkCrossAccount(item, refcache.Friendly, ScoreFriendlyAccess, IssueFriendlyCrossAccount, false)
}

func checkThirdPartyCrossAccount(a *Auditor, item *vigil.ChangeItem) error {
	return a.checkCrossAccount(item, refcache.ThirdParty, ScoreThirdPartyAccess, IssueThirdPartyCrossAccount, false)
}

func checkUnknownCrossAccount(a *Auditor, item *vigil.ChangeItem) error {
	// An internet-accessible policy already gets the wildcard finding;
	// its remaining grants are not graded as unknown on top of it.
	return a.checkCrossAccount(item, refcache.Unknown, ScoreUnknownAccess, IssueUnknownAccess, true)
}

func (a *Auditor) checkCrossAccount(item *vigil.ChangeItem, relation refcache.Relation, score int, issue string, skipOpen bool) error {
	for _, p := range a.loadPolicies(item) {
		if skipOpen && p.IsInternetAccessible() {
			continue
		}
		for _, entity := range p.WhosAllowed() {
			// The wildcard grant is the internet check's finding.
			if entity.Value == "*" {
				continue
			}
			if a.InspectEntity(&entity, item).Has(relation) {
				a.AddIssue(score, issue, item, "Entity: "+entity.String())
			}
		}
	}
	return nil
}

func checkRootCrossAccount(a *Auditor, item *vigil.ChangeItem) error {
	for _, p := range a.loadPolicies(item) {
		for _, entity := range p.WhosAllowed() {
			if entity.Category != vigil.CategoryPrincipal && entity.Category != vigil.CategoryARN {
				continue
			}
			arn := policy.ParseARN(entity.Value)
			if !arn.Parsed || !arn.Root {
				continue
			}
			if !a.InspectEntity(&entity, item).Has(refcache.Same) {
				a.AddIssue(ScoreRootCrossAccount, IssueRootCrossAccount, item, "Entity: "+entity.String())
			}
		}
	}
	return nil
}
