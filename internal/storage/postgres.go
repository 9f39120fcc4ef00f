package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keyway/keyway/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Vaults ---

func (p *PostgresBackend) CreateVault(ctx context.Context, v *models.Vault) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO vaults (id, repository_id, organization_id, environments, public, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		v.ID, v.RepositoryID, v.OrganizationID, v.Environments, v.Public, v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetVault(ctx context.Context, id string) (*models.Vault, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, repository_id, organization_id, environments, public, created_at, updated_at
		 FROM vaults WHERE id = $1`,
		id,
	)
	var v models.Vault
	err := row.Scan(&v.ID, &v.RepositoryID, &v.OrganizationID, &v.Environments, &v.Public, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (p *PostgresBackend) UpdateVaultEnvironments(ctx context.Context, id string, environments []string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE vaults SET environments = $2, updated_at = NOW() WHERE id = $1`,
		id, environments,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) RenameEnvironment(ctx context.Context, vaultID, from, to string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE vaults SET environments = array_replace(environments, $2, $3), updated_at = NOW()
		 WHERE id = $1 AND $2 = ANY(environments)`,
		vaultID, from, to,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE secrets SET environment = $3 WHERE vault_id = $1 AND environment = $2`,
		vaultID, from, to,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE permission_overrides SET environment = $3 WHERE vault_id = $1 AND environment = $2`,
		vaultID, from, to,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) DeleteVault(ctx context.Context, id string) error {
	// Secrets, versions and overrides cascade via foreign keys.
	tag, err := p.pool.Exec(ctx, `DELETE FROM vaults WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Secrets ---

const secretColumns = `id, vault_id, key, environment, ciphertext, nonce, auth_tag,
	encryption_version, last_modified_by, created_at, updated_at, deleted_at, expires_at`

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var s models.Secret
	var deletedAt, expiresAt *time.Time
	err := row.Scan(&s.ID, &s.VaultID, &s.Key, &s.Environment, &s.Ciphertext, &s.Nonce, &s.AuthTag,
		&s.EncryptionVersion, &s.LastModifiedBy, &s.CreatedAt, &s.UpdatedAt, &deletedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if deletedAt != nil && expiresAt != nil {
		s.Trash = &models.TrashMarker{DeletedAt: *deletedAt, ExpiresAt: *expiresAt}
	}
	return &s, nil
}

// UpsertSecret creates the active row for (vault, key, environment) or
// updates it after snapshotting the previous ciphertext. Concurrent creators
// are resolved by the partial unique index: the loser's insert hits the
// conflict clause and falls back to the update path.
func (p *PostgresBackend) UpsertSecret(ctx context.Context, params UpsertParams) (*models.Secret, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return nil, false, err
		}
		secret, created, err := p.upsertSecretTx(ctx, tx, params)
		if err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			if errors.Is(err, errUpsertRetry) {
				continue
			}
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return secret, created, nil
	}
	return nil, false, errors.New("upsert did not converge")
}

// errUpsertRetry signals that a concurrent creator won the slot between our
// lock attempt and our insert; the caller retries as an update.
var errUpsertRetry = errors.New("upsert retry")

func (p *PostgresBackend) upsertSecretTx(ctx context.Context, tx pgx.Tx, params UpsertParams) (*models.Secret, bool, error) {
	now := time.Now().UTC()

	existing, err := scanSecret(tx.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE vault_id = $1 AND key = $2 AND environment = $3 AND deleted_at IS NULL
		 FOR UPDATE`,
		params.VaultID, params.Key, params.Environment,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if errors.Is(err, ErrNotFound) {
		id := uuid.NewString()
		row := tx.QueryRow(ctx,
			`INSERT INTO secrets (id, vault_id, key, environment, ciphertext, nonce, auth_tag,
			                      encryption_version, last_modified_by, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			 ON CONFLICT (vault_id, key, environment) WHERE deleted_at IS NULL DO NOTHING
			 RETURNING `+secretColumns,
			id, params.VaultID, params.Key, params.Environment,
			params.Ciphertext, params.Nonce, params.AuthTag,
			params.EncryptionVersion, params.UserID, now,
		)
		secret, err := scanSecret(row)
		if errors.Is(err, ErrNotFound) {
			return nil, false, errUpsertRetry
		}
		if err != nil {
			return nil, false, err
		}
		return secret, true, nil
	}

	// Snapshot the current ciphertext before overwriting.
	if _, err := tx.Exec(ctx,
		`INSERT INTO secret_versions (id, secret_id, vault_id, version_number, ciphertext, nonce,
		                              auth_tag, encryption_version, cause, created_by, created_at)
		 SELECT $1, $2, $3, COALESCE(MAX(version_number), 0) + 1, $4, $5, $6, $7, $8, $9, $10
		 FROM secret_versions WHERE secret_id = $2`,
		uuid.NewString(), existing.ID, existing.VaultID,
		existing.Ciphertext, existing.Nonce, existing.AuthTag, existing.EncryptionVersion,
		params.Cause, params.UserID, now,
	); err != nil {
		return nil, false, fmt.Errorf("snapshotting secret version: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE secrets
		 SET ciphertext = $3, nonce = $4, auth_tag = $5, encryption_version = $6,
		     last_modified_by = $7, updated_at = $8
		 WHERE id = $1 AND vault_id = $2
		 RETURNING `+secretColumns,
		existing.ID, existing.VaultID,
		params.Ciphertext, params.Nonce, params.AuthTag, params.EncryptionVersion,
		params.UserID, now,
	)
	secret, err := scanSecret(row)
	if err != nil {
		return nil, false, err
	}
	return secret, false, nil
}

func (p *PostgresBackend) GetSecret(ctx context.Context, id, vaultID string) (*models.Secret, error) {
	return scanSecret(p.pool.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE id = $1 AND vault_id = $2`,
		id, vaultID,
	))
}

func (p *PostgresBackend) ListSecrets(ctx context.Context, vaultID, environment string, includeTrashed bool) ([]*models.Secret, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + secretColumns + ` FROM secrets WHERE vault_id = $1`)
	args := []any{vaultID}
	if environment != "" {
		query.WriteString(` AND environment = $2`)
		args = append(args, environment)
	}
	if !includeTrashed {
		query.WriteString(` AND deleted_at IS NULL`)
	}
	query.WriteString(` ORDER BY environment, key`)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var secrets []*models.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, s)
	}
	return secrets, rows.Err()
}

func (p *PostgresBackend) TrashSecret(ctx context.Context, id, vaultID string, deletedAt, expiresAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets SET deleted_at = $3, expires_at = $4
		 WHERE id = $1 AND vault_id = $2 AND deleted_at IS NULL`,
		id, vaultID, deletedAt, expiresAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) RestoreSecret(ctx context.Context, id, vaultID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets SET deleted_at = NULL, expires_at = NULL
		 WHERE id = $1 AND vault_id = $2 AND deleted_at IS NOT NULL`,
		id, vaultID,
	)
	if err != nil {
		// Clearing deleted_at re-enters the active partial index; a
		// violation means the slot was re-occupied after trashing.
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteTrashedSecret(ctx context.Context, id, vaultID string) (string, error) {
	var key string
	err := p.pool.QueryRow(ctx,
		`DELETE FROM secrets WHERE id = $1 AND vault_id = $2 AND deleted_at IS NOT NULL
		 RETURNING key`,
		id, vaultID,
	).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return key, nil
}

func (p *PostgresBackend) EmptyTrash(ctx context.Context, vaultID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`DELETE FROM secrets WHERE vault_id = $1 AND deleted_at IS NOT NULL RETURNING key`,
		vaultID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// PurgeExpiredTrash hard-deletes every expired trashed row in one predicate
// delete, so it cannot race a concurrent restore into deleting an active row.
func (p *PostgresBackend) PurgeExpiredTrash(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM secrets WHERE deleted_at IS NOT NULL AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Versions ---

const versionColumns = `id, secret_id, vault_id, version_number, ciphertext, nonce, auth_tag,
	encryption_version, cause, created_by, created_at`

func scanVersion(row pgx.Row) (*models.SecretVersion, error) {
	var v models.SecretVersion
	err := row.Scan(&v.ID, &v.SecretID, &v.VaultID, &v.VersionNumber, &v.Ciphertext, &v.Nonce,
		&v.AuthTag, &v.EncryptionVersion, &v.Cause, &v.CreatedBy, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (p *PostgresBackend) ListSecretVersions(ctx context.Context, secretID, vaultID string) ([]*models.SecretVersion, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM secret_versions
		 WHERE secret_id = $1 AND vault_id = $2 ORDER BY version_number DESC`,
		secretID, vaultID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []*models.SecretVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (p *PostgresBackend) GetSecretVersion(ctx context.Context, versionID, secretID string) (*models.SecretVersion, error) {
	return scanVersion(p.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM secret_versions WHERE id = $1 AND secret_id = $2`,
		versionID, secretID,
	))
}

// --- Permission overrides ---

const overrideColumns = `id, vault_id, environment, target_type, target_user_id, target_role,
	can_read, can_write, created_by, created_at`

func scanOverride(row pgx.Row) (*models.PermissionOverride, error) {
	var o models.PermissionOverride
	var targetRole *string
	err := row.Scan(&o.ID, &o.VaultID, &o.Environment, &o.TargetType, &o.TargetUserID, &targetRole,
		&o.CanRead, &o.CanWrite, &o.CreatedBy, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if targetRole != nil {
		role := models.CollaboratorRole(*targetRole)
		o.TargetRole = &role
	}
	return &o, nil
}

func (p *PostgresBackend) CreateOverride(ctx context.Context, o *models.PermissionOverride) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO permission_overrides (id, vault_id, environment, target_type, target_user_id,
		                                   target_role, can_read, can_write, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.VaultID, o.Environment, o.TargetType, o.TargetUserID, roleValue(o.TargetRole),
		o.CanRead, o.CanWrite, o.CreatedBy, o.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func roleValue(r *models.CollaboratorRole) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func (p *PostgresBackend) UpdateOverride(ctx context.Context, o *models.PermissionOverride) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE permission_overrides SET can_read = $3, can_write = $4
		 WHERE id = $1 AND vault_id = $2`,
		o.ID, o.VaultID, o.CanRead, o.CanWrite,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteOverride(ctx context.Context, id, vaultID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM permission_overrides WHERE id = $1 AND vault_id = $2`,
		id, vaultID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) ListOverrides(ctx context.Context, vaultID string) ([]*models.PermissionOverride, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+overrideColumns+` FROM permission_overrides
		 WHERE vault_id = $1 ORDER BY environment, target_type`,
		vaultID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overrides []*models.PermissionOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

func (p *PostgresBackend) FindUserOverride(ctx context.Context, vaultID, environment, userID string) (*models.PermissionOverride, error) {
	o, err := scanOverride(p.pool.QueryRow(ctx,
		`SELECT `+overrideColumns+` FROM permission_overrides
		 WHERE vault_id = $1 AND environment = $2 AND target_type = $3 AND target_user_id = $4`,
		vaultID, environment, models.TargetUser, userID,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return o, err
}

func (p *PostgresBackend) FindRoleOverride(ctx context.Context, vaultID, environment string, role models.CollaboratorRole) (*models.PermissionOverride, error) {
	o, err := scanOverride(p.pool.QueryRow(ctx,
		`SELECT `+overrideColumns+` FROM permission_overrides
		 WHERE vault_id = $1 AND environment = $2 AND target_type = $3 AND target_role = $4`,
		vaultID, environment, models.TargetRole, string(role),
	))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return o, err
}

// --- Organizations ---

func (p *PostgresBackend) GetOrgDefaults(ctx context.Context, orgID string) (models.OrgDefaults, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT default_permissions FROM organizations WHERE id = $1`,
		orgID,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(doc) == 0 {
		return nil, nil
	}
	var defaults models.OrgDefaults
	if err := json.Unmarshal(doc, &defaults); err != nil {
		return nil, fmt.Errorf("decoding org default matrix: %w", err)
	}
	return defaults, nil
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (vault_id, actor, operation, secret_key, environment, status, timestamp, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.VaultID, entry.Actor, entry.Operation, entry.SecretKey, entry.Environment,
		entry.Status, entry.Timestamp, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, vault_id, actor, operation, secret_key, environment, status, timestamp, metadata
		 FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.VaultID != "" {
		fmt.Fprintf(&query, ` AND vault_id = $%d`, n)
		args = append(args, filter.VaultID)
		n++
	}
	if filter.Operation != "" {
		fmt.Fprintf(&query, ` AND operation = $%d`, n)
		args = append(args, filter.Operation)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.VaultID, &e.Actor, &e.Operation, &e.SecretKey,
			&e.Environment, &e.Status, &e.Timestamp, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Metrics ---

func (p *PostgresBackend) CountSecrets(ctx context.Context) (int64, int64, error) {
	var active, trashed int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE deleted_at IS NULL),
		        COUNT(*) FILTER (WHERE deleted_at IS NOT NULL)
		 FROM secrets`,
	).Scan(&active, &trashed)
	return active, trashed, err
}
