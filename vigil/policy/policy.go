// Package policy parses resource policy documents into statements and
// extracts the entities they grant access to. Only the subset of the
// policy grammar relevant to cross-account auditing is modeled.
package policy

import (
	"fmt"
	"strings"

	"github.com/VigilSec/go-api/vigil"
)

// Condition keys that scope a grant to a specific network or account. A
// statement carrying one of these is not internet accessible even with a
// wildcard principal.
var conditionCategories = map[string]vigil.EntityCategory{
	"aws:sourceip":       vigil.CategoryCIDR,
	"aws:sourcevpc":      vigil.CategoryVPC,
	"aws:sourcevpce":     vigil.CategoryVPCE,
	"aws:sourceowner":    vigil.CategoryAccount,
	"aws:sourceaccount":  vigil.CategoryAccount,
	"kms:calleraccount":  vigil.CategoryAccount,
	"aws:principalorgid": vigil.CategoryAccount,
	"aws:userid":         vigil.CategoryUserID,
	"aws:sourcearn":      vigil.CategoryARN,
}

// Policy is a parsed resource policy document.
type Policy struct {
	Statements []Statement
}

// Statement is one parsed policy statement.
type Statement struct {
	Effect            string
	Principals        []string
	ServicePrincipals []string
	Actions           []string
	ConditionEntities []vigil.Entity
}

// Parse accepts a policy document as decoded JSON: a map with a Statement
// key holding either one statement or a list of them.
func Parse(doc interface{}) (*Policy, error) {
	root, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("policy document is %T, expected an object", doc)
	}

	var rawStatements []interface{}
	switch s := root["Statement"].(type) {
	case []interface{}:
		rawStatements = s
	case map[string]interface{}:
		rawStatements = []interface{}{s}
	case nil:
		return &Policy{}, nil
	default:
		return nil, fmt.Errorf("policy Statement is %T, expected an object or list", s)
	}

	p := &Policy{}
	for i, raw := range rawStatements {
		stmtMap, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("statement %d is %T, expected an object", i, raw)
		}
		stmt, err := parseStatement(stmtMap)
		if err != nil {
			return nil, fmt.Errorf("statement %d: %w", i, err)
		}
		p.Statements = append(p.Statements, stmt)
	}
	return p, nil
}

func parseStatement(raw map[string]interface{}) (Statement, error) {
	stmt := Statement{}

	if effect, ok := raw["Effect"].(string); ok {
		stmt.Effect = effect
	}

	switch principal := raw["Principal"].(type) {
	case string:
		stmt.Principals = append(stmt.Principals, principal)
	case map[string]interface{}:
		stmt.Principals = append(stmt.Principals, stringValues(principal["AWS"])...)
		stmt.ServicePrincipals = append(stmt.ServicePrincipals, stringValues(principal["Service"])...)
		stmt.Principals = append(stmt.Principals, stringValues(principal["Federated"])...)
	case nil:
	default:
		return stmt, fmt.Errorf("principal is %T, expected a string or object", principal)
	}

	stmt.Actions = stringValues(raw["Action"])

	if condition, ok := raw["Condition"].(map[string]interface{}); ok {
		for _, values := range condition {
			valueMap, ok := values.(map[string]interface{})
			if !ok {
				continue
			}
			for key, val := range valueMap {
				category, ok := conditionCategories[strings.ToLower(key)]
				if !ok {
					continue
				}
				for _, v := range stringValues(val) {
					stmt.ConditionEntities = append(stmt.ConditionEntities, vigil.Entity{
						Category: category,
						Value:    v,
					})
				}
			}
		}
	}
	return stmt, nil
}

// WhosAllowed returns every entity an Allow statement grants access to:
// principals plus scoping condition values. Deny statements grant nothing.
func (s Statement) WhosAllowed() []vigil.Entity {
	if s.Effect != "Allow" {
		return nil
	}
	var out []vigil.Entity
	for _, principal := range s.Principals {
		out = append(out, vigil.Entity{Category: vigil.CategoryPrincipal, Value: principal})
	}
	for _, service := range s.ServicePrincipals {
		out = append(out, vigil.Entity{Category: vigil.CategoryPrincipal, Value: service})
	}
	out = append(out, s.ConditionEntities...)
	return out
}

// WhosAllowed aggregates over every statement in the policy.
func (p *Policy) WhosAllowed() []vigil.Entity {
	var out []vigil.Entity
	for _, stmt := range p.Statements {
		out = append(out, stmt.WhosAllowed()...)
	}
	return out
}

// IsInternetAccessible reports whether any Allow statement grants to the
// wildcard principal without a scoping condition.
func (p *Policy) IsInternetAccessible() bool {
	for _, stmt := range p.Statements {
		if stmt.isInternetAccessible() {
			return true
		}
	}
	return false
}

// InternetAccessibleActions returns the actions wildcard statements allow.
func (p *Policy) InternetAccessibleActions() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, stmt := range p.Statements {
		if !stmt.isInternetAccessible() {
			continue
		}
		for _, action := range stmt.Actions {
			if _, ok := seen[action]; !ok {
				seen[action] = struct{}{}
				out = append(out, action)
			}
		}
	}
	return out
}

func (s Statement) isInternetAccessible() bool {
	if s.Effect != "Allow" || len(s.ConditionEntities) > 0 {
		return false
	}
	for _, principal := range s.Principals {
		if principal == "*" {
			return true
		}
	}
	return false
}

func stringValues(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []interface{}:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
