// Package refcache holds the cross-account lookup tables auditors classify
// policy entities with: which account owns a bucket, a user id prefix, a
// VPC, a VPC endpoint or a CIDR block, and which accounts are friendly
// versus third party. The cache is built once per audit pass from the
// stored item state and injected into every auditor that needs it.
package refcache

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/EvilSuperstars/go-cidrman"
	"github.com/VigilSec/go-api/vigil/postgres/models"
	"gorm.io/gorm"
)

// Relation classifies an entity's owner relative to the audited account.
type Relation string

const (
	Same       Relation = "SAME"
	Friendly   Relation = "FRIENDLY"
	ThirdParty Relation = "THIRDPARTY"
	Unknown    Relation = "UNKNOWN"
)

// WhitelistOwner is the pseudo account identifier network whitelist
// entries are filed under. Anything it owns classifies as Same.
const WhitelistOwner = "000000000000"

// AccountDescriptor is the slice of an account the cache keeps in memory.
type AccountDescriptor struct {
	Name        string
	Identifier  string
	Notes       string
	ThirdParty  bool
	S3Name      string
	CanonicalID string
}

// Cache is safe for concurrent use once built. Build runs at most once
// until Reset.
type Cache struct {
	mu    sync.Mutex
	built bool

	buckets map[string][]string
	userIDs map[string][]string
	vpcs    map[string][]string
	vpces   map[string][]string
	cidrs   map[string][]*net.IPNet

	friendly   map[string]struct{}
	thirdParty map[string]struct{}

	byIdentifier map[string]AccountDescriptor
	byName       map[string]AccountDescriptor
}

func New() *Cache {
	return &Cache{}
}

// Reset drops the cached tables so the next Build reloads them. Call it
// between audit passes.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.built = false
}

// Build loads accounts, item state and the network whitelist. Calling it
// again before Reset is a no-op.
func (c *Cache) Build(db *gorm.DB) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.built {
		return nil
	}

	c.buckets = make(map[string][]string)
	c.userIDs = make(map[string][]string)
	c.vpcs = make(map[string][]string)
	c.vpces = make(map[string][]string)
	c.cidrs = make(map[string][]*net.IPNet)
	c.friendly = make(map[string]struct{})
	c.thirdParty = make(map[string]struct{})
	c.byIdentifier = make(map[string]AccountDescriptor)
	c.byName = make(map[string]AccountDescriptor)

	if err := c.loadAccounts(db); err != nil {
		return err
	}
	if err := c.loadItems(db); err != nil {
		return err
	}
	if err := c.loadWhitelist(db); err != nil {
		return err
	}
	c.mergeCIDRs()

	c.built = true
	return nil
}

func (c *Cache) loadAccounts(db *gorm.DB) error {
	var accounts []models.Account
	if err := db.Preload("CustomFields").Find(&accounts).Error; err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	for i := range accounts {
		account := &accounts[i]
		desc := AccountDescriptor{
			Name:        account.Name,
			Identifier:  account.Identifier,
			Notes:       account.Notes,
			ThirdParty:  account.ThirdParty,
			S3Name:      account.Custom("s3_name"),
			CanonicalID: account.Custom("canonical_id"),
		}
		c.byIdentifier[desc.Identifier] = desc
		c.byName[desc.Name] = desc

		// Every non-thirdparty account is friendly, active or not;
		// grants to a retired internal account are still internal.
		if account.ThirdParty {
			c.thirdParty[account.Identifier] = struct{}{}
		} else {
			c.friendly[account.Identifier] = struct{}{}
		}
	}
	return nil
}

// loadItems walks the latest revision of every s3, iamuser, iamrole, vpc,
// endpoint, elasticip and natgateway item and indexes the identifiers and
// addresses policies refer to.
func (c *Cache) loadItems(db *gorm.DB) error {
	var items []models.Item
	err := db.
		Joins("JOIN technologies ON technologies.id = items.technology_id").
		Where("technologies.name IN ?", []string{"s3", "iamuser", "iamrole", "vpc", "endpoint", "elasticip", "natgateway"}).
		Preload("Technology").
		Preload("Account").
		Find(&items).Error
	if err != nil {
		return fmt.Errorf("failed to load reference items: %w", err)
	}

	for i := range items {
		item := &items[i]
		if item.LatestRevisionID == nil {
			continue
		}
		var rev models.ItemRevision
		if err := db.First(&rev, *item.LatestRevisionID).Error; err != nil {
			return fmt.Errorf("failed to load revision %d: %w", *item.LatestRevisionID, err)
		}
		if !rev.Active {
			continue
		}
		owner := item.Account.Identifier

		switch item.Technology.Name {
		case "s3":
			c.buckets[item.Name] = appendUnique(c.buckets[item.Name], owner)
		case "iamuser":
			if userID, ok := rev.Config["UserId"].(string); ok && userID != "" {
				c.userIDs[userID] = appendUnique(c.userIDs[userID], owner)
			}
		case "iamrole":
			if roleID, ok := rev.Config["RoleId"].(string); ok && roleID != "" {
				c.userIDs[roleID] = appendUnique(c.userIDs[roleID], owner)
			}
		case "vpc":
			if vpcID, ok := rev.Config["id"].(string); ok && vpcID != "" {
				c.vpcs[vpcID] = appendUnique(c.vpcs[vpcID], owner)
			}
			if cidr, ok := rev.Config["cidr_block"].(string); ok && cidr != "" {
				c.addCIDR(owner, cidr)
			}
			// Collectors tag VPCs with NAT egress ranges under tags.vpcnat.
			if tags, ok := rev.Config["tags"].(map[string]interface{}); ok {
				if vpcnat, ok := tags["vpcnat"].(string); ok && vpcnat != "" {
					for _, cidr := range strings.Split(vpcnat, ",") {
						if cidr = strings.TrimSpace(cidr); cidr != "" {
							c.addCIDR(owner, cidr)
						}
					}
				}
			}
		case "endpoint":
			if vpceID, ok := rev.Config["id"].(string); ok && vpceID != "" {
				c.vpces[vpceID] = appendUnique(c.vpces[vpceID], owner)
			}
		case "elasticip":
			if ip, ok := rev.Config["public_ip"].(string); ok && ip != "" {
				c.addCIDR(owner, ip)
			}
			if ip, ok := rev.Config["private_ip_address"].(string); ok && ip != "" {
				c.addCIDR(owner, ip)
			}
		case "natgateway":
			addresses, _ := rev.Config["nat_gateway_addresses"].([]interface{})
			for _, raw := range addresses {
				address, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				if ip, ok := address["public_ip"].(string); ok && ip != "" {
					c.addCIDR(owner, ip)
				}
				if ip, ok := address["private_ip"].(string); ok && ip != "" {
					c.addCIDR(owner, ip)
				}
			}
		}
	}
	return nil
}

func (c *Cache) loadWhitelist(db *gorm.DB) error {
	var entries []models.NetworkWhitelistEntry
	if err := db.Find(&entries).Error; err != nil {
		return fmt.Errorf("failed to load network whitelist: %w", err)
	}
	for _, entry := range entries {
		c.addCIDR(WhitelistOwner, entry.CIDR)
	}
	return nil
}

func (c *Cache) addCIDR(owner, cidr string) {
	_, network, err := net.ParseCIDR(normalizeCIDR(cidr))
	if err != nil {
		slog.Warn("Skipping unparseable CIDR", "cidr", cidr, "owner", owner)
		return
	}
	c.cidrs[owner] = append(c.cidrs[owner], network)
}

// mergeCIDRs aggregates each owner's blocks into the minimal covering set
// so containment checks stay cheap.
func (c *Cache) mergeCIDRs() {
	for owner, networks := range c.cidrs {
		raw := make([]string, 0, len(networks))
		for _, n := range networks {
			raw = append(raw, n.String())
		}
		merged, err := cidrman.MergeCIDRs(raw)
		if err != nil {
			slog.Warn("CIDR merge failed, keeping raw blocks", "owner", owner, "error", err)
			continue
		}
		out := make([]*net.IPNet, 0, len(merged))
		for _, s := range merged {
			if _, network, err := net.ParseCIDR(s); err == nil {
				out = append(out, network)
			}
		}
		c.cidrs[owner] = out
	}
}

// LookupS3 returns the identifiers of accounts owning a bucket name.
func (c *Cache) LookupS3(bucket string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sorted(c.buckets[bucket])
}

// LookupUserID returns the accounts owning a user id. Policy values carry
// a role session suffix after ":", which is not part of the stored id.
func (c *Cache) LookupUserID(userID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.SplitN(userID, ":", 2)[0]
	return sorted(c.userIDs[prefix])
}

// LookupVPC returns the accounts owning a VPC id.
func (c *Cache) LookupVPC(vpcID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sorted(c.vpcs[vpcID])
}

// LookupVPCE returns the accounts owning a VPC endpoint id.
func (c *Cache) LookupVPCE(vpceID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sorted(c.vpces[vpceID])
}

// AccountsForCIDR returns every owner whose merged blocks fully contain
// the given address or network. Bare addresses are treated as host routes.
func (c *Cache) AccountsForCIDR(value string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, query, err := net.ParseCIDR(normalizeCIDR(value))
	if err != nil {
		return nil
	}

	var owners []string
	for owner, networks := range c.cidrs {
		for _, network := range networks {
			if containsNet(network, query) {
				owners = append(owners, owner)
				break
			}
		}
	}
	return sorted(owners)
}

// ClassifyAccount relates an account identifier to the audited account.
func (c *Cache) ClassifyAccount(identifier, sameIdentifier string) Relation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if identifier == WhitelistOwner || identifier == sameIdentifier {
		return Same
	}
	if _, ok := c.friendly[identifier]; ok {
		return Friendly
	}
	if _, ok := c.thirdParty[identifier]; ok {
		return ThirdParty
	}
	return Unknown
}

// DescriptorByIdentifier looks an account up by its identifier.
func (c *Cache) DescriptorByIdentifier(identifier string) (AccountDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	desc, ok := c.byIdentifier[identifier]
	return desc, ok
}

// DescriptorByName looks an account up by its configured name.
func (c *Cache) DescriptorByName(name string) (AccountDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	desc, ok := c.byName[name]
	return desc, ok
}

func normalizeCIDR(value string) string {
	if strings.Contains(value, "/") {
		return value
	}
	if strings.Contains(value, ":") {
		return value + "/128"
	}
	return value + "/32"
}

// containsNet reports whether outer fully contains inner.
func containsNet(outer, inner *net.IPNet) bool {
	outerOnes, outerBits := outer.Mask.Size()
	innerOnes, innerBits := inner.Mask.Size()
	if outerBits != innerBits {
		return false
	}
	return outerOnes <= innerOnes && outer.Contains(inner.IP)
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func sorted(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	copy(out, list)
	sort.Strings(out)
	return out
}
