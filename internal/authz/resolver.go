package authz

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/keyway/keyway/internal/apperr"
	"github.com/keyway/keyway/pkg/models"
)

// OverrideSource is the minimal lookup interface the Resolver needs from
// storage. The environment argument is either an exact environment name or
// models.WildcardEnvironment; a nil override with nil error means no match.
type OverrideSource interface {
	FindUserOverride(ctx context.Context, vaultID, environment, userID string) (*models.PermissionOverride, error)
	FindRoleOverride(ctx context.Context, vaultID, environment string, role models.CollaboratorRole) (*models.PermissionOverride, error)
}

// OrgSource resolves an organization's default-permission matrix.
type OrgSource interface {
	GetOrgDefaults(ctx context.Context, orgID string) (models.OrgDefaults, error)
}

// grant is one cell of the global permission matrix.
type grant struct {
	read  bool
	write bool
}

// globalMatrix is the published role × tier default matrix. Organization
// defaults and explicit overrides are consulted before it.
var globalMatrix = map[models.CollaboratorRole]map[Tier]grant{
	models.RoleRead: {
		TierDevelopment: {read: true},
		TierStandard:    {read: true},
		TierProtected:   {},
	},
	models.RoleTriage: {
		TierDevelopment: {read: true},
		TierStandard:    {read: true},
		TierProtected:   {},
	},
	models.RoleWrite: {
		TierDevelopment: {read: true, write: true},
		TierStandard:    {read: true, write: true},
		TierProtected:   {read: true},
	},
	models.RoleMaintain: {
		TierDevelopment: {read: true, write: true},
		TierStandard:    {read: true, write: true},
		TierProtected:   {read: true},
	},
	models.RoleAdmin: {
		TierDevelopment: {read: true, write: true},
		TierStandard:    {read: true, write: true},
		TierProtected:   {read: true, write: true},
	},
}

// Resolver computes effective read/write permissions by layering overrides,
// organization defaults and the global matrix.
type Resolver struct {
	overrides OverrideSource
	orgs      OrgSource
}

// NewResolver creates a Resolver backed by the given sources.
func NewResolver(overrides OverrideSource, orgs OrgSource) *Resolver {
	return &Resolver{overrides: overrides, orgs: orgs}
}

// ResolveEffectivePermission evaluates the decision chain for one action.
// The chain is ordered most-specific-first and short-circuits on the first
// applicable entry:
//
//  1. user override, exact environment
//  2. user override, wildcard environment
//  3. role override, exact environment
//  4. role override, wildcard environment
//  5. organization default matrix cell, if the vault belongs to an org
//  6. global default matrix
func (r *Resolver) ResolveEffectivePermission(ctx context.Context, vault *models.Vault, environment, userID string, role models.CollaboratorRole, write bool) (bool, error) {
	fetchers := []func() (*models.PermissionOverride, error){
		func() (*models.PermissionOverride, error) {
			return r.overrides.FindUserOverride(ctx, vault.ID, environment, userID)
		},
		func() (*models.PermissionOverride, error) {
			return r.overrides.FindUserOverride(ctx, vault.ID, models.WildcardEnvironment, userID)
		},
		func() (*models.PermissionOverride, error) {
			return r.overrides.FindRoleOverride(ctx, vault.ID, environment, role)
		},
		func() (*models.PermissionOverride, error) {
			return r.overrides.FindRoleOverride(ctx, vault.ID, models.WildcardEnvironment, role)
		},
	}
	for _, fetch := range fetchers {
		override, err := fetch()
		if err != nil {
			return false, err
		}
		if override != nil {
			if write {
				return override.CanWrite, nil
			}
			return override.CanRead, nil
		}
	}

	tier := ClassifyEnvironment(environment)

	if vault.OrganizationID != nil && r.orgs != nil {
		defaults, err := r.orgs.GetOrgDefaults(ctx, *vault.OrganizationID)
		if err != nil {
			// A missing or malformed org matrix is never fatal; fall
			// through to the global defaults.
			log.Warn().Err(err).Str("org_id", *vault.OrganizationID).
				Msg("org defaults unavailable, using global matrix")
		} else if allowed, ok := defaults.Lookup(role, string(tier), write); ok {
			return allowed, nil
		}
	}

	cell := globalMatrix[role][tier]
	if write {
		return cell.write, nil
	}
	return cell.read, nil
}

// RequireEnvironmentPermission resolves the permission and converts a denial
// into a ForbiddenError naming the role, action and environment. Every secret
// operation and every sync operation passes through here before touching
// storage.
func (r *Resolver) RequireEnvironmentPermission(ctx context.Context, vault *models.Vault, environment, userID string, role models.CollaboratorRole, write bool) error {
	allowed, err := r.ResolveEffectivePermission(ctx, vault, environment, userID, role, write)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}
	action := "read secrets from"
	if write {
		action = "write to"
	}
	return &apperr.ForbiddenError{Role: role, Action: action, Environment: environment}
}
