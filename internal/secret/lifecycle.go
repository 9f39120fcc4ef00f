// Package secret implements the encrypted secret lifecycle: upsert with
// version snapshots, trash with a purge TTL, restore, hard deletion and
// version history. Permission resolution happens before any call into this
// package; the service itself only moves ciphertext.
package secret

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyway/keyway/internal/apperr"
	"github.com/keyway/keyway/internal/crypto"
	"github.com/keyway/keyway/internal/storage"
	"github.com/keyway/keyway/pkg/models"
)

// TrashRetention is how long a trashed secret survives before the purge
// sweeper may remove it.
const TrashRetention = 30 * 24 * time.Hour

// Upsert statuses.
const (
	StatusCreated = "created"
	StatusUpdated = "updated"
)

// Store is the slice of storage.Backend the lifecycle service needs.
type Store interface {
	UpsertSecret(ctx context.Context, params storage.UpsertParams) (*models.Secret, bool, error)
	GetSecret(ctx context.Context, id, vaultID string) (*models.Secret, error)
	ListSecrets(ctx context.Context, vaultID, environment string, includeTrashed bool) ([]*models.Secret, error)
	TrashSecret(ctx context.Context, id, vaultID string, deletedAt, expiresAt time.Time) error
	RestoreSecret(ctx context.Context, id, vaultID string) error
	DeleteTrashedSecret(ctx context.Context, id, vaultID string) (string, error)
	EmptyTrash(ctx context.Context, vaultID string) ([]string, error)
	PurgeExpiredTrash(ctx context.Context, now time.Time) (int64, error)
	ListSecretVersions(ctx context.Context, secretID, vaultID string) ([]*models.SecretVersion, error)
	GetSecretVersion(ctx context.Context, versionID, secretID string) (*models.SecretVersion, error)
}

// Auditor records secret operations.
type Auditor interface {
	Record(ctx context.Context, entry *models.AuditEntry)
}

// Service is the secret lifecycle store.
type Service struct {
	store   Store
	enc     crypto.Service
	auditor Auditor
}

// NewService wires a lifecycle Service. The encryption service is injected
// here by the composition root; the Service owns no key material itself.
func NewService(store Store, enc crypto.Service, auditor Auditor) *Service {
	return &Service{store: store, enc: enc, auditor: auditor}
}

// UpsertResult reports whether an upsert created or updated the slot.
type UpsertResult struct {
	Status string         `json:"status"`
	Secret *models.Secret `json:"secret"`
}

// Upsert encrypts value and writes it to the (vault, key, environment) slot.
// If an active secret already occupies the slot its current ciphertext is
// snapshotted as a new version before being overwritten.
func (s *Service) Upsert(ctx context.Context, vaultID, key, value, environment, userID string) (*UpsertResult, error) {
	return s.upsert(ctx, vaultID, key, value, environment, userID, models.VersionCauseUpdate)
}

func (s *Service) upsert(ctx context.Context, vaultID, key, value, environment, userID, cause string) (*UpsertResult, error) {
	if key == "" {
		return nil, fmt.Errorf("secret key must not be empty")
	}
	env, err := s.enc.Encrypt([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}
	sec, created, err := s.store.UpsertSecret(ctx, storage.UpsertParams{
		VaultID:           vaultID,
		Key:               key,
		Environment:       environment,
		Ciphertext:        env.Ciphertext,
		Nonce:             env.Nonce,
		AuthTag:           env.AuthTag,
		EncryptionVersion: env.Version,
		UserID:            userID,
		Cause:             cause,
	})
	if err != nil {
		return nil, err
	}

	status := StatusUpdated
	op := models.OpSecretUpdate
	if created {
		status = StatusCreated
		op = models.OpSecretCreate
	}
	if cause == models.VersionCauseRestore {
		op = models.OpSecretVersionRestore
	}
	s.auditor.Record(ctx, &models.AuditEntry{
		VaultID:     vaultID,
		Actor:       userID,
		Operation:   op,
		SecretKey:   key,
		Environment: environment,
	})
	return &UpsertResult{Status: status, Secret: sec}, nil
}

// RevealedSecret carries a decrypted value alongside its preview.
type RevealedSecret struct {
	Secret  *models.Secret `json:"secret"`
	Value   string         `json:"value"`
	Preview string         `json:"preview"`
}

// GetValue decrypts the current ciphertext of a secret. Trashed rows are
// metadata-only: the normal read path treats them as absent.
func (s *Service) GetValue(ctx context.Context, id, vaultID, userID string) (*RevealedSecret, error) {
	sec, err := s.getSecret(ctx, id, vaultID)
	if err != nil {
		return nil, err
	}
	if sec.Trashed() {
		return nil, &apperr.NotFoundError{Resource: "secret", ID: id}
	}
	plaintext, err := s.decrypt(sec)
	if err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, &models.AuditEntry{
		VaultID:     vaultID,
		Actor:       userID,
		Operation:   models.OpSecretReveal,
		SecretKey:   sec.Key,
		Environment: sec.Environment,
	})
	return &RevealedSecret{
		Secret:  sec,
		Value:   string(plaintext),
		Preview: GeneratePreview(string(plaintext)),
	}, nil
}

// Get returns secret metadata without decrypting. Trashed rows are included.
func (s *Service) Get(ctx context.Context, id, vaultID string) (*models.Secret, error) {
	return s.getSecret(ctx, id, vaultID)
}

// List returns secret metadata for a vault, optionally filtered to one
// environment. Ciphertext is never decrypted here.
func (s *Service) List(ctx context.Context, vaultID, environment string, includeTrashed bool) ([]*models.Secret, error) {
	return s.store.ListSecrets(ctx, vaultID, environment, includeTrashed)
}

// EnvironmentValues decrypts every active secret of one environment into a
// key → plaintext map. Used by the sync engine to assemble the Keyway-side
// set; plaintext never outlives the request.
func (s *Service) EnvironmentValues(ctx context.Context, vaultID, environment string) (map[string]string, error) {
	secrets, err := s.store.ListSecrets(ctx, vaultID, environment, false)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(secrets))
	for _, sec := range secrets {
		plaintext, err := s.decrypt(sec)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", sec.Key, err)
		}
		values[sec.Key] = string(plaintext)
	}
	return values, nil
}

// Trash soft-deletes a secret: it keeps its ciphertext but frees the active
// slot and starts the purge TTL.
func (s *Service) Trash(ctx context.Context, id, vaultID, userID string) error {
	now := time.Now().UTC()
	err := s.store.TrashSecret(ctx, id, vaultID, now, now.Add(TrashRetention))
	if errors.Is(err, storage.ErrNotFound) {
		return &apperr.NotFoundError{Resource: "secret", ID: id}
	}
	if err != nil {
		return err
	}
	s.auditor.Record(ctx, &models.AuditEntry{
		VaultID: vaultID, Actor: userID, Operation: models.OpSecretTrash,
	})
	return nil
}

// Restore moves a trashed secret back to active. If a new active secret has
// taken the (vault, key, environment) slot in the meantime the restore fails
// with a conflict.
func (s *Service) Restore(ctx context.Context, id, vaultID, userID string) error {
	err := s.store.RestoreSecret(ctx, id, vaultID)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return &apperr.ConflictError{
			Resource: "secret",
			Detail:   "an active secret with the same key and environment already exists",
		}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return &apperr.NotFoundError{Resource: "trashed secret", ID: id}
	}
	if err != nil {
		return err
	}
	s.auditor.Record(ctx, &models.AuditEntry{
		VaultID: vaultID, Actor: userID, Operation: models.OpSecretRestore,
	})
	return nil
}

// PermanentlyDelete hard-deletes one trashed secret and returns its key.
// Active secrets must pass through the trash first.
func (s *Service) PermanentlyDelete(ctx context.Context, id, vaultID, userID string) (string, error) {
	key, err := s.store.DeleteTrashedSecret(ctx, id, vaultID)
	if errors.Is(err, storage.ErrNotFound) {
		if sec, getErr := s.store.GetSecret(ctx, id, vaultID); getErr == nil && !sec.Trashed() {
			return "", &apperr.ConflictError{
				Resource: "secret",
				Detail:   "only trashed secrets can be permanently deleted",
			}
		}
		return "", &apperr.NotFoundError{Resource: "trashed secret", ID: id}
	}
	if err != nil {
		return "", err
	}
	s.auditor.Record(ctx, &models.AuditEntry{
		VaultID: vaultID, Actor: userID, Operation: models.OpSecretDestroy, SecretKey: key,
	})
	return key, nil
}

// EmptyTrash hard-deletes all trashed secrets in a vault and returns the
// deleted keys for caller-side reporting.
func (s *Service) EmptyTrash(ctx context.Context, vaultID, userID string) ([]string, error) {
	keys, err := s.store.EmptyTrash(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, &models.AuditEntry{
		VaultID: vaultID, Actor: userID, Operation: models.OpTrashEmpty,
		Metadata: map[string]any{"deleted": len(keys)},
	})
	return keys, nil
}

// PurgeExpiredTrash removes every trashed secret whose TTL has elapsed. It is
// a single predicate delete, so repeated or overlapping sweeps are safe.
func (s *Service) PurgeExpiredTrash(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredTrash(ctx, time.Now().UTC())
}

// ListVersions returns the append-only version history of a secret, newest
// first.
func (s *Service) ListVersions(ctx context.Context, secretID, vaultID string) ([]*models.SecretVersion, error) {
	if _, err := s.getSecret(ctx, secretID, vaultID); err != nil {
		return nil, err
	}
	return s.store.ListSecretVersions(ctx, secretID, vaultID)
}

// RestoreVersion decrypts a historical snapshot and re-applies it through the
// normal upsert path, which snapshots the pre-restore value in turn. The
// operation is audited distinctly from an ordinary update.
func (s *Service) RestoreVersion(ctx context.Context, secretID, versionID, vaultID, userID string) (*UpsertResult, error) {
	sec, err := s.getSecret(ctx, secretID, vaultID)
	if err != nil {
		return nil, err
	}
	if sec.Trashed() {
		return nil, &apperr.ConflictError{Resource: "secret", Detail: "cannot restore a version of a trashed secret"}
	}
	version, err := s.store.GetSecretVersion(ctx, versionID, secretID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &apperr.NotFoundError{Resource: "secret version", ID: versionID}
	}
	if err != nil {
		return nil, err
	}
	plaintext, err := s.enc.Decrypt(&crypto.Envelope{
		Ciphertext: version.Ciphertext,
		Nonce:      version.Nonce,
		AuthTag:    version.AuthTag,
		Version:    version.EncryptionVersion,
	})
	if err != nil {
		return nil, err
	}
	return s.upsert(ctx, vaultID, sec.Key, string(plaintext), sec.Environment, userID, models.VersionCauseRestore)
}

func (s *Service) getSecret(ctx context.Context, id, vaultID string) (*models.Secret, error) {
	sec, err := s.store.GetSecret(ctx, id, vaultID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &apperr.NotFoundError{Resource: "secret", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return sec, nil
}

func (s *Service) decrypt(sec *models.Secret) ([]byte, error) {
	return s.enc.Decrypt(&crypto.Envelope{
		Ciphertext: sec.Ciphertext,
		Nonce:      sec.Nonce,
		AuthTag:    sec.AuthTag,
		Version:    sec.EncryptionVersion,
	})
}
