package models

import "time"

// Vault is the logical container of secrets scoped to one repository.
type Vault struct {
	ID             string     `json:"id"`
	RepositoryID   string     `json:"repository_id"` // forge-qualified, e.g. "github.com/acme/api"
	OrganizationID *string    `json:"organization_id,omitempty"`
	Environments   []string   `json:"environments"` // ordered as configured
	Public         bool       `json:"public"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasEnvironment reports whether name is one of the vault's environments.
func (v *Vault) HasEnvironment(name string) bool {
	for _, env := range v.Environments {
		if env == name {
			return true
		}
	}
	return false
}

// OrgGrant is one cell of an organization default-permission matrix. Nil
// fields mean the organization does not define that decision and the global
// matrix applies.
type OrgGrant struct {
	Read  *bool `json:"read,omitempty"`
	Write *bool `json:"write,omitempty"`
}

// OrgDefaults is an organization's role × environment-tier permission matrix,
// stored as a JSON document: role → tier → grant. Entries with unknown role or
// tier names are simply never consulted; a missing or malformed document is
// equivalent to an empty one. It overrides the global matrix, never overrides
// explicit per-vault overrides.
type OrgDefaults map[string]map[string]OrgGrant

// Lookup returns the organization's decision for (role, tier, write) and
// whether one is defined.
func (d OrgDefaults) Lookup(role CollaboratorRole, tier string, write bool) (bool, bool) {
	if d == nil {
		return false, false
	}
	byTier, ok := d[string(role)]
	if !ok {
		return false, false
	}
	grant, ok := byTier[tier]
	if !ok {
		return false, false
	}
	if write {
		if grant.Write == nil {
			return false, false
		}
		return *grant.Write, true
	}
	if grant.Read == nil {
		return false, false
	}
	return *grant.Read, true
}

// Organization is referenced by vaults, not owned by them; deleting an
// organization does not cascade into its vaults.
type Organization struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Defaults  OrgDefaults `json:"default_permissions,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
