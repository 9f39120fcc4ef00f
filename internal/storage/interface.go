package storage

import (
	"context"
	"errors"
	"time"

	"github.com/keyway/keyway/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a uniqueness rule would be violated.
var ErrAlreadyExists = errors.New("already exists")

// UpsertParams carries one encrypted value into UpsertSecret.
type UpsertParams struct {
	VaultID           string
	Key               string
	Environment       string
	Ciphertext        []byte
	Nonce             []byte
	AuthTag           []byte
	EncryptionVersion int
	UserID            string
	Cause             string // models.VersionCauseUpdate or VersionCauseRestore
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	VaultID   string
	Operation string
	Since     *time.Time
	Limit     int
	Offset    int
}

// Backend defines the persistence interface for Keyway.
type Backend interface {
	// Vaults
	CreateVault(ctx context.Context, vault *models.Vault) error
	GetVault(ctx context.Context, id string) (*models.Vault, error)
	UpdateVaultEnvironments(ctx context.Context, id string, environments []string) error
	RenameEnvironment(ctx context.Context, vaultID, from, to string) error
	DeleteVault(ctx context.Context, id string) error

	// Secrets. UpsertSecret is transactional: it creates the active row for
	// the slot or, if one exists, snapshots its ciphertext as a new version
	// before overwriting. The returned bool is true when a row was created.
	UpsertSecret(ctx context.Context, params UpsertParams) (*models.Secret, bool, error)
	GetSecret(ctx context.Context, id, vaultID string) (*models.Secret, error)
	ListSecrets(ctx context.Context, vaultID, environment string, includeTrashed bool) ([]*models.Secret, error)
	TrashSecret(ctx context.Context, id, vaultID string, deletedAt, expiresAt time.Time) error
	RestoreSecret(ctx context.Context, id, vaultID string) error
	DeleteTrashedSecret(ctx context.Context, id, vaultID string) (string, error)
	EmptyTrash(ctx context.Context, vaultID string) ([]string, error)
	PurgeExpiredTrash(ctx context.Context, now time.Time) (int64, error)

	// Version history (append-only)
	ListSecretVersions(ctx context.Context, secretID, vaultID string) ([]*models.SecretVersion, error)
	GetSecretVersion(ctx context.Context, versionID, secretID string) (*models.SecretVersion, error)

	// Permission overrides
	CreateOverride(ctx context.Context, override *models.PermissionOverride) error
	UpdateOverride(ctx context.Context, override *models.PermissionOverride) error
	DeleteOverride(ctx context.Context, id, vaultID string) error
	ListOverrides(ctx context.Context, vaultID string) ([]*models.PermissionOverride, error)
	FindUserOverride(ctx context.Context, vaultID, environment, userID string) (*models.PermissionOverride, error)
	FindRoleOverride(ctx context.Context, vaultID, environment string, role models.CollaboratorRole) (*models.PermissionOverride, error)

	// Organizations (rows are provisioned by the onboarding flow, not here)
	GetOrgDefaults(ctx context.Context, orgID string) (models.OrgDefaults, error)

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Metrics helpers
	CountSecrets(ctx context.Context) (active, trashed int64, err error)

	// Lifecycle
	Close()
}
