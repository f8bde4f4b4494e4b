// File: entity.go
package auditor

import (
	"strings"

	"github.com/VigilSec/go-api/vigil"
	"github.com/VigilSec/go-api/vigil/policy"
	"github.com/VigilSec/go-api/vigil/refcache"
)

// RelationSet is the outcome of classifying one entity. An entity can
// resolve to several owners, e.g. a CIDR contained in blocks of two
// accounts, so the result is a set.
type RelationSet map[refcache.Relation]struct{}

func (s RelationSet) Has(relation refcache.Relation) bool {
	_, ok := s[relation]
	return ok
}

func (s RelationSet) add(relation refcache.Relation) {
	s[relation] = struct{}{}
}

// InspectEntity classifies who an entity is relative to the item's
// account and enriches the entity with the owning account when one is
// found. An unparseable principal raises a parse error issue.
func (a *Auditor) InspectEntity(entity *vigil.Entity, item *vigil.ChangeItem) RelationSet {
	relations := make(RelationSet)

	same := ""
	if account, err := a.account(item.Account); err == nil {
		same = account.Identifier
	}

	switch entity.Category {
	case vigil.CategoryPrincipal, vigil.CategoryARN:
		a.inspectEntityARN(entity, item, same, relations)
	case vigil.CategoryAccount:
		relations.add(a.classify(entity, entity.Value, same))
	case vigil.CategorySecurityGroup:
		// Values look like "<account>/<group-id>".
		owner := strings.SplitN(entity.Value, "/", 2)[0]
		relations.add(a.classify(entity, owner, same))
	case vigil.CategoryUserID:
		a.classifyOwners(entity, a.cache.LookupUserID(entity.Value), same, relations)
	case vigil.CategoryCIDR:
		a.classifyOwners(entity, a.cache.AccountsForCIDR(entity.Value), same, relations)
	case vigil.CategoryVPC:
		a.classifyOwners(entity, a.cache.LookupVPC(entity.Value), same, relations)
	case vigil.CategoryVPCE:
		a.classifyOwners(entity, a.cache.LookupVPCE(entity.Value), same, relations)
	default:
		relations.add(refcache.Unknown)
	}
	return relations
}

func (a *Auditor) inspectEntityARN(entity *vigil.Entity, item *vigil.ChangeItem, same string, relations RelationSet) {
	if entity.Value == "*" {
		relations.add(refcache.Unknown)
		return
	}
	arn := policy.ParseARN(entity.Value)
	if arn.ServicePrincipal {
		relations.add(refcache.Same)
		return
	}
	if !arn.Parsed {
		a.AddIssue(ScoreParseError, IssueParseError, item, "Could not parse ARN: "+entity.Value)
		relations.add(refcache.Unknown)
		return
	}
	if arn.Account == "" {
		// S3 ARNs carry no account; resolve through the bucket index.
		a.classifyOwners(entity, a.cache.LookupS3(arn.Name()), same, relations)
		return
	}
	relations.add(a.classify(entity, arn.Account, same))
}

func (a *Auditor) classifyOwners(entity *vigil.Entity, owners []string, same string, relations RelationSet) {
	if len(owners) == 0 {
		relations.add(refcache.Unknown)
		return
	}
	for _, owner := range owners {
		relations.add(a.classify(entity, owner, same))
	}
}

// classify relates one owner identifier and records the owner on the
// entity for issue notes.
func (a *Auditor) classify(entity *vigil.Entity, identifier, same string) refcache.Relation {
	if entity.AccountIdentifier == "" && identifier != refcache.WhitelistOwner {
		if desc, ok := a.cache.DescriptorByIdentifier(identifier); ok {
			entity.AccountName = desc.Name
			entity.AccountIdentifier = desc.Identifier
		} else {
			entity.AccountIdentifier = identifier
		}
	}
	return a.cache.ClassifyAccount(identifier, same)
}
