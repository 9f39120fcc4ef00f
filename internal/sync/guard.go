// Package sync reconciles a vault environment's secret set against an
// external provider's env-var surface. Every sync is gated twice: a
// cross-environment escalation check, then the standard permission
// resolution.
package sync

import (
	"context"
	"fmt"

	"github.com/keyway/keyway/internal/apperr"
	"github.com/keyway/keyway/internal/authz"
	"github.com/keyway/keyway/pkg/models"
)

// Direction of a sync relative to Keyway.
type Direction string

const (
	DirectionPush Direction = "push" // Keyway → provider
	DirectionPull Direction = "pull" // provider → Keyway
)

// ProtectionLevel ranks an environment name for escalation comparisons.
func ProtectionLevel(environment string) int {
	return authz.ClassifyEnvironment(environment).ProtectionLevel()
}

// CanEscalate reports whether role may move secrets from sourceEnv into
// targetEnv. Upward moves into a protected environment require admin;
// everything else, including de-escalation, is unrestricted. Moves between
// development and standard environments are not gated: the permission matrix
// treats those tiers identically, so the sync boundary guards production-class
// targets only.
func CanEscalate(sourceEnv, targetEnv string, role models.CollaboratorRole) bool {
	target := authz.ClassifyEnvironment(targetEnv)
	if target == authz.TierProtected && target.ProtectionLevel() > ProtectionLevel(sourceEnv) {
		return role.HasLevel(models.RoleAdmin)
	}
	return true
}

// Guard authorizes sync operations.
type Guard struct {
	resolver *authz.Resolver
}

// NewGuard creates a sync Guard.
func NewGuard(resolver *authz.Resolver) *Guard {
	return &Guard{resolver: resolver}
}

// RequireSyncPermission fails fast on an escalation violation, then runs the
// standard permission check on the Keyway-side environment: read for push,
// write for pull.
func (g *Guard) RequireSyncPermission(ctx context.Context, vault *models.Vault, keywayEnv, providerEnv string, direction Direction, userID string, role models.CollaboratorRole) error {
	var source, target string
	var write bool
	switch direction {
	case DirectionPush:
		source, target = keywayEnv, providerEnv
	case DirectionPull:
		source, target = providerEnv, keywayEnv
		write = true
	default:
		return fmt.Errorf("unknown sync direction %q", direction)
	}

	if !CanEscalate(source, target, role) {
		return &apperr.ForbiddenError{
			Role:        role,
			Environment: target,
			Reason: fmt.Sprintf("syncing secrets from %q into the more protected %q environment requires admin role",
				source, target),
		}
	}
	return g.resolver.RequireEnvironmentPermission(ctx, vault, keywayEnv, userID, role, write)
}
