package sync

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/keyway/keyway/internal/apperr"
	"github.com/keyway/keyway/internal/authz"
	"github.com/keyway/keyway/pkg/models"
)

// noOverrides is an OverrideSource with nothing configured, so permission
// resolution always lands on the global matrix.
type noOverrides struct{}

func (noOverrides) FindUserOverride(context.Context, string, string, string) (*models.PermissionOverride, error) {
	return nil, nil
}

func (noOverrides) FindRoleOverride(context.Context, string, string, models.CollaboratorRole) (*models.PermissionOverride, error) {
	return nil, nil
}

func guardVault() *models.Vault {
	return &models.Vault{ID: "v1", Environments: []string{"development", "staging", "production"}}
}

func TestCanEscalate(t *testing.T) {
	cases := []struct {
		source, target string
		role           models.CollaboratorRole
		want           bool
	}{
		{"development", "production", models.RoleWrite, false},
		{"development", "production", models.RoleMaintain, false},
		{"development", "production", models.RoleAdmin, true},
		{"development", "staging", models.RoleWrite, true}, // upward but not into a protected target
		{"staging", "production", models.RoleWrite, false},
		{"production", "development", models.RoleRead, true}, // downward is never gated
		{"production", "staging", models.RoleWrite, true},
		{"staging", "qa", models.RoleWrite, true}, // same level
		{"development", "local", models.RoleRead, true},
	}
	for _, tc := range cases {
		if got := CanEscalate(tc.source, tc.target, tc.role); got != tc.want {
			t.Errorf("CanEscalate(%q, %q, %s) = %v, want %v", tc.source, tc.target, tc.role, got, tc.want)
		}
	}
}

func TestRequireSyncPermissionPushEscalation(t *testing.T) {
	guard := NewGuard(authz.NewResolver(noOverrides{}, nil))
	vault := guardVault()
	ctx := context.Background()

	err := guard.RequireSyncPermission(ctx, vault, "development", "production", DirectionPush, "u1", models.RoleWrite)
	var forbidden *apperr.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if !strings.Contains(forbidden.Error(), "requires admin role") {
		t.Errorf("escalation denial should name the admin requirement: %q", forbidden.Error())
	}

	if err := guard.RequireSyncPermission(ctx, vault, "development", "production", DirectionPush, "u1", models.RoleAdmin); err != nil {
		t.Errorf("admin should pass the escalation gate: %v", err)
	}
}

func TestRequireSyncPermissionPushReadsKeywayEnv(t *testing.T) {
	guard := NewGuard(authz.NewResolver(noOverrides{}, nil))
	vault := guardVault()
	ctx := context.Background()

	// Same protection level, so only the read permission on the Keyway side
	// matters. The read role may read staging and therefore push it.
	if err := guard.RequireSyncPermission(ctx, vault, "staging", "qa", DirectionPush, "u1", models.RoleRead); err != nil {
		t.Errorf("push is a read on the Keyway environment: %v", err)
	}

	// Pushing production downward needs read on production, which the read
	// role lacks.
	err := guard.RequireSyncPermission(ctx, vault, "production", "development", DirectionPush, "u1", models.RoleRead)
	var forbidden *apperr.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestRequireSyncPermissionPull(t *testing.T) {
	guard := NewGuard(authz.NewResolver(noOverrides{}, nil))
	vault := guardVault()
	ctx := context.Background()

	// Pull writes into the Keyway environment; provider prod → dev is a
	// de-escalation and write/dev is granted.
	if err := guard.RequireSyncPermission(ctx, vault, "development", "production", DirectionPull, "u1", models.RoleWrite); err != nil {
		t.Errorf("pull into development should be allowed for write: %v", err)
	}

	// Pulling into production moves secrets upward and is admin-only.
	err := guard.RequireSyncPermission(ctx, vault, "production", "development", DirectionPull, "u1", models.RoleMaintain)
	var forbidden *apperr.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if !strings.Contains(forbidden.Error(), "requires admin role") {
		t.Errorf("got %q", forbidden.Error())
	}

	// The read role cannot write to development even without escalation.
	err = guard.RequireSyncPermission(ctx, vault, "development", "production", DirectionPull, "u1", models.RoleRead)
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestRequireSyncPermissionUnknownDirection(t *testing.T) {
	guard := NewGuard(authz.NewResolver(noOverrides{}, nil))
	if err := guard.RequireSyncPermission(context.Background(), guardVault(), "development", "development", Direction("sideways"), "u1", models.RoleAdmin); err == nil {
		t.Error("unknown direction should be rejected")
	}
}
