package vigil

import (
	"fmt"

	"github.com/VigilSec/go-api/vigil/postgres/models"
)

// ========================= Observations =========================

// ObservedItem is one resource configuration as reported by a collector.
type ObservedItem struct {
	Technology string                 `json:"technology"`
	Account    string                 `json:"account"`
	Region     string                 `json:"region"`
	Name       string                 `json:"name"`
	Arn        string                 `json:"arn,omitempty"`
	Config     map[string]interface{} `json:"config"`
}

// ObservedBatch is the message a collector publishes for one
// technology/account sweep. When Complete is true the batch is a full
// listing and items missing from it are marked deleted.
type ObservedBatch struct {
	Technology      string         `json:"technology"`
	Account         string         `json:"account"`
	EphemeralPaths  []string       `json:"ephemeral_paths,omitempty"`
	HonorEphemerals bool           `json:"honor_ephemerals"`
	Complete        bool           `json:"complete"`
	Items           []ObservedItem `json:"items"`
}

// Location identifies the item inside its account.
func (o ObservedItem) Location() string {
	return fmt.Sprintf("%s/%s/%s/%s", o.Technology, o.Account, o.Region, o.Name)
}

// ========================= Change items =========================

// ChangeItem is the in-memory unit auditors work on: one item's current
// configuration plus its persisted identity and issues. NewIssues collects
// what the current audit pass raises; ExistingIssues is what the database
// held before the pass.
type ChangeItem struct {
	Technology string
	Account    string
	Region     string
	Name       string
	Arn        string
	Config     map[string]interface{}
	Active     bool

	DBItem         *models.Item
	ExistingIssues []models.ItemAudit
	NewIssues      []*models.ItemAudit
}

// Location identifies the item inside its account.
func (c *ChangeItem) Location() string {
	return fmt.Sprintf("%s/%s/%s/%s", c.Technology, c.Account, c.Region, c.Name)
}

// TotalScore sums the unjustified, unfixed issues raised this pass.
func (c *ChangeItem) TotalScore() int {
	total := 0
	for _, iss := range c.NewIssues {
		if !iss.Justified && !iss.Fixed {
			total += iss.Score
		}
	}
	return total
}

// ========================= Entities =========================

// EntityCategory tags where in a policy document an entity was found.
type EntityCategory string

const (
	CategoryARN           EntityCategory = "arn"
	CategoryPrincipal     EntityCategory = "principal"
	CategoryAccount       EntityCategory = "account"
	CategorySecurityGroup EntityCategory = "security_group"
	CategoryUserID        EntityCategory = "userid"
	CategoryCIDR          EntityCategory = "cidr"
	CategoryVPC           EntityCategory = "vpc"
	CategoryVPCE          EntityCategory = "vpce"
)

// Entity is something a resource policy grants access to. Classification
// fills in the owning account when it can be resolved.
type Entity struct {
	Category EntityCategory
	Value    string

	AccountName       string
	AccountIdentifier string
}

func (e *Entity) String() string {
	if e.AccountIdentifier != "" {
		return fmt.Sprintf("[%s:%s] owned by %s/%s", e.Category, e.Value, e.AccountName, e.AccountIdentifier)
	}
	return fmt.Sprintf("[%s:%s]", e.Category, e.Value)
}
