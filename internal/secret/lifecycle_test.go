package secret

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/keyway/keyway/internal/apperr"
	"github.com/keyway/keyway/internal/crypto"
	"github.com/keyway/keyway/internal/storage"
	"github.com/keyway/keyway/pkg/models"
)

// memStore is an in-memory Store mirroring the Postgres backend's slot and
// trash semantics.
type memStore struct {
	secrets  map[string]*models.Secret
	versions map[string][]*models.SecretVersion // secretID → snapshots
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{
		secrets:  map[string]*models.Secret{},
		versions: map[string][]*models.SecretVersion{},
	}
}

func (m *memStore) id() string {
	m.nextID++
	return fmt.Sprintf("id-%d", m.nextID)
}

func (m *memStore) activeSlot(vaultID, key, environment string) *models.Secret {
	for _, sec := range m.secrets {
		if sec.VaultID == vaultID && sec.Key == key && sec.Environment == environment && !sec.Trashed() {
			return sec
		}
	}
	return nil
}

func (m *memStore) UpsertSecret(_ context.Context, params storage.UpsertParams) (*models.Secret, bool, error) {
	now := time.Now().UTC()
	if existing := m.activeSlot(params.VaultID, params.Key, params.Environment); existing != nil {
		m.versions[existing.ID] = append(m.versions[existing.ID], &models.SecretVersion{
			ID:                m.id(),
			SecretID:          existing.ID,
			VaultID:           existing.VaultID,
			VersionNumber:     len(m.versions[existing.ID]) + 1,
			Ciphertext:        existing.Ciphertext,
			Nonce:             existing.Nonce,
			AuthTag:           existing.AuthTag,
			EncryptionVersion: existing.EncryptionVersion,
			Cause:             params.Cause,
			CreatedBy:         params.UserID,
			CreatedAt:         now,
		})
		existing.Ciphertext = params.Ciphertext
		existing.Nonce = params.Nonce
		existing.AuthTag = params.AuthTag
		existing.EncryptionVersion = params.EncryptionVersion
		existing.LastModifiedBy = params.UserID
		existing.UpdatedAt = now
		return existing, false, nil
	}
	sec := &models.Secret{
		ID:                m.id(),
		VaultID:           params.VaultID,
		Key:               params.Key,
		Environment:       params.Environment,
		Ciphertext:        params.Ciphertext,
		Nonce:             params.Nonce,
		AuthTag:           params.AuthTag,
		EncryptionVersion: params.EncryptionVersion,
		LastModifiedBy:    params.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.secrets[sec.ID] = sec
	return sec, true, nil
}

func (m *memStore) GetSecret(_ context.Context, id, vaultID string) (*models.Secret, error) {
	sec, ok := m.secrets[id]
	if !ok || sec.VaultID != vaultID {
		return nil, storage.ErrNotFound
	}
	return sec, nil
}

func (m *memStore) ListSecrets(_ context.Context, vaultID, environment string, includeTrashed bool) ([]*models.Secret, error) {
	var out []*models.Secret
	for _, sec := range m.secrets {
		if sec.VaultID != vaultID {
			continue
		}
		if environment != "" && sec.Environment != environment {
			continue
		}
		if sec.Trashed() && !includeTrashed {
			continue
		}
		out = append(out, sec)
	}
	return out, nil
}

func (m *memStore) TrashSecret(_ context.Context, id, vaultID string, deletedAt, expiresAt time.Time) error {
	sec, ok := m.secrets[id]
	if !ok || sec.VaultID != vaultID || sec.Trashed() {
		return storage.ErrNotFound
	}
	sec.Trash = &models.TrashMarker{DeletedAt: deletedAt, ExpiresAt: expiresAt}
	return nil
}

func (m *memStore) RestoreSecret(_ context.Context, id, vaultID string) error {
	sec, ok := m.secrets[id]
	if !ok || sec.VaultID != vaultID || !sec.Trashed() {
		return storage.ErrNotFound
	}
	if m.activeSlot(sec.VaultID, sec.Key, sec.Environment) != nil {
		return storage.ErrAlreadyExists
	}
	sec.Trash = nil
	return nil
}

func (m *memStore) DeleteTrashedSecret(_ context.Context, id, vaultID string) (string, error) {
	sec, ok := m.secrets[id]
	if !ok || sec.VaultID != vaultID || !sec.Trashed() {
		return "", storage.ErrNotFound
	}
	delete(m.secrets, id)
	return sec.Key, nil
}

func (m *memStore) EmptyTrash(_ context.Context, vaultID string) ([]string, error) {
	var keys []string
	for id, sec := range m.secrets {
		if sec.VaultID == vaultID && sec.Trashed() {
			keys = append(keys, sec.Key)
			delete(m.secrets, id)
		}
	}
	return keys, nil
}

func (m *memStore) PurgeExpiredTrash(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, sec := range m.secrets {
		if sec.Trashed() && !sec.Trash.ExpiresAt.After(now) {
			delete(m.secrets, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListSecretVersions(_ context.Context, secretID, vaultID string) ([]*models.SecretVersion, error) {
	versions := m.versions[secretID]
	out := make([]*models.SecretVersion, len(versions))
	// Newest first, as the backend orders them.
	for i, v := range versions {
		out[len(versions)-1-i] = v
	}
	return out, nil
}

func (m *memStore) GetSecretVersion(_ context.Context, versionID, secretID string) (*models.SecretVersion, error) {
	for _, v := range m.versions[secretID] {
		if v.ID == versionID {
			return v, nil
		}
	}
	return nil, storage.ErrNotFound
}

// recordingAuditor collects operations for assertions.
type recordingAuditor struct {
	ops []string
}

func (r *recordingAuditor) Record(_ context.Context, entry *models.AuditEntry) {
	r.ops = append(r.ops, entry.Operation)
}

func newTestService(t *testing.T) (*Service, *memStore, *recordingAuditor) {
	t.Helper()
	ring, err := crypto.NewKeyring(bytes.Repeat([]byte("m"), 32), 1)
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}
	store := newMemStore()
	auditor := &recordingAuditor{}
	return NewService(store, ring, auditor), store, auditor
}

func TestUpsertCreateThenUpdate(t *testing.T) {
	svc, store, auditor := newTestService(t)
	ctx := context.Background()

	result, err := svc.Upsert(ctx, "v1", "DB_URL", "postgres://one", "development", "u1")
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if result.Status != StatusCreated {
		t.Errorf("status = %q, want created", result.Status)
	}
	if len(store.versions[result.Secret.ID]) != 0 {
		t.Error("first write should not snapshot a version")
	}

	result2, err := svc.Upsert(ctx, "v1", "DB_URL", "postgres://two", "development", "u2")
	if err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if result2.Status != StatusUpdated {
		t.Errorf("status = %q, want updated", result2.Status)
	}
	if result2.Secret.ID != result.Secret.ID {
		t.Error("update should reuse the slot's row")
	}

	versions := store.versions[result.Secret.ID]
	if len(versions) != 1 {
		t.Fatalf("expected exactly one snapshot, got %d", len(versions))
	}
	if versions[0].VersionNumber != 1 || versions[0].Cause != models.VersionCauseUpdate {
		t.Errorf("snapshot = number %d cause %q", versions[0].VersionNumber, versions[0].Cause)
	}
	// The snapshot holds the pre-update ciphertext.
	ring, _ := crypto.NewKeyring(bytes.Repeat([]byte("m"), 32), 1)
	plain, err := ring.Decrypt(&crypto.Envelope{
		Ciphertext: versions[0].Ciphertext,
		Nonce:      versions[0].Nonce,
		AuthTag:    versions[0].AuthTag,
		Version:    versions[0].EncryptionVersion,
	})
	if err != nil {
		t.Fatalf("decrypting snapshot: %v", err)
	}
	if string(plain) != "postgres://one" {
		t.Errorf("snapshot holds %q, want the prior value", plain)
	}

	if len(auditor.ops) != 2 || auditor.ops[0] != models.OpSecretCreate || auditor.ops[1] != models.OpSecretUpdate {
		t.Errorf("audit ops = %v", auditor.ops)
	}
}

func TestSameKeyAcrossEnvironments(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r1, _ := svc.Upsert(ctx, "v1", "API_KEY", "dev-value", "development", "u1")
	r2, err := svc.Upsert(ctx, "v1", "API_KEY", "prod-value", "production", "u1")
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if r2.Status != StatusCreated {
		t.Error("same key in another environment is an independent slot")
	}
	if r1.Secret.ID == r2.Secret.ID {
		t.Error("environments must not share rows")
	}
}

func TestGetValueAndPreview(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.Upsert(ctx, "v1", "TOKEN", "sk-live-0123456789", "development", "u1")
	revealed, err := svc.GetValue(ctx, result.Secret.ID, "v1", "u1")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if revealed.Value != "sk-live-0123456789" {
		t.Errorf("value = %q", revealed.Value)
	}
	if revealed.Preview != GeneratePreview("sk-live-0123456789") {
		t.Errorf("preview = %q", revealed.Preview)
	}
}

func TestTrashRestoreRoundTrip(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.Upsert(ctx, "v1", "KEY", "value", "development", "u1")
	id := result.Secret.ID

	if err := svc.Trash(ctx, id, "v1", "u1"); err != nil {
		t.Fatalf("Trash failed: %v", err)
	}
	sec := store.secrets[id]
	if !sec.Trashed() {
		t.Fatal("secret should be trashed")
	}
	wantExpiry := sec.Trash.DeletedAt.Add(TrashRetention)
	if !sec.Trash.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want deleted_at + retention", sec.Trash.ExpiresAt)
	}

	// Trashed rows are invisible to the value path.
	if _, err := svc.GetValue(ctx, id, "v1", "u1"); err == nil {
		t.Error("GetValue on a trashed secret should fail")
	}

	if err := svc.Restore(ctx, id, "v1", "u1"); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if store.secrets[id].Trashed() {
		t.Error("restored secret should be active")
	}
	revealed, err := svc.GetValue(ctx, id, "v1", "u1")
	if err != nil {
		t.Fatalf("GetValue after restore failed: %v", err)
	}
	if revealed.Value != "value" {
		t.Errorf("restored value = %q", revealed.Value)
	}
}

func TestRestoreConflictsWithReoccupiedSlot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.Upsert(ctx, "v1", "KEY", "old", "development", "u1")
	if err := svc.Trash(ctx, result.Secret.ID, "v1", "u1"); err != nil {
		t.Fatal(err)
	}
	// A fresh secret takes the slot while the old one sits in the trash.
	if _, err := svc.Upsert(ctx, "v1", "KEY", "new", "development", "u1"); err != nil {
		t.Fatal(err)
	}

	err := svc.Restore(ctx, result.Secret.ID, "v1", "u1")
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestPermanentDeleteOnlyTrashed(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.Upsert(ctx, "v1", "KEY", "value", "development", "u1")
	id := result.Secret.ID

	_, err := svc.PermanentlyDelete(ctx, id, "v1", "u1")
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("deleting an active secret should conflict, got %v", err)
	}

	if err := svc.Trash(ctx, id, "v1", "u1"); err != nil {
		t.Fatal(err)
	}
	key, err := svc.PermanentlyDelete(ctx, id, "v1", "u1")
	if err != nil {
		t.Fatalf("PermanentlyDelete failed: %v", err)
	}
	if key != "KEY" {
		t.Errorf("deleted key = %q", key)
	}
	if _, ok := store.secrets[id]; ok {
		t.Error("row should be gone")
	}

	var notFound *apperr.NotFoundError
	if _, err := svc.PermanentlyDelete(ctx, id, "v1", "u1"); !errors.As(err, &notFound) {
		t.Errorf("second delete should be NotFound, got %v", err)
	}
}

func TestEmptyTrash(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	a, _ := svc.Upsert(ctx, "v1", "A", "1", "development", "u1")
	b, _ := svc.Upsert(ctx, "v1", "B", "2", "development", "u1")
	svc.Upsert(ctx, "v1", "C", "3", "development", "u1")
	svc.Trash(ctx, a.Secret.ID, "v1", "u1")
	svc.Trash(ctx, b.Secret.ID, "v1", "u1")

	keys, err := svc.EmptyTrash(ctx, "v1", "u1")
	if err != nil {
		t.Fatalf("EmptyTrash failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("deleted %v, want 2 keys", keys)
	}
	if len(store.secrets) != 1 {
		t.Errorf("active secret should survive, %d rows left", len(store.secrets))
	}
}

func TestPurgeExpiredTrashIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	expired, _ := svc.Upsert(ctx, "v1", "OLD", "1", "development", "u1")
	fresh, _ := svc.Upsert(ctx, "v1", "NEW", "2", "development", "u1")
	svc.Trash(ctx, expired.Secret.ID, "v1", "u1")
	svc.Trash(ctx, fresh.Secret.ID, "v1", "u1")

	// Backdate one expiry past the TTL.
	store.secrets[expired.Secret.ID].Trash.ExpiresAt = time.Now().UTC().Add(-time.Hour)

	n, err := svc.PurgeExpiredTrash(ctx)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, ok := store.secrets[fresh.Secret.ID]; !ok {
		t.Error("unexpired trash should survive the sweep")
	}

	// A second sweep finds nothing.
	n, err = svc.PurgeExpiredTrash(ctx)
	if err != nil {
		t.Fatalf("second purge failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep purged %d, want 0", n)
	}
}

func TestRestoreVersion(t *testing.T) {
	svc, store, auditor := newTestService(t)
	ctx := context.Background()

	result, _ := svc.Upsert(ctx, "v1", "KEY", "first", "development", "u1")
	svc.Upsert(ctx, "v1", "KEY", "second", "development", "u1")
	id := result.Secret.ID

	versions, err := svc.ListVersions(ctx, id, "v1")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}

	restored, err := svc.RestoreVersion(ctx, id, versions[0].ID, "v1", "u2")
	if err != nil {
		t.Fatalf("RestoreVersion failed: %v", err)
	}
	if restored.Status != StatusUpdated {
		t.Errorf("status = %q", restored.Status)
	}

	revealed, _ := svc.GetValue(ctx, id, "v1", "u1")
	if revealed.Value != "first" {
		t.Errorf("value after restore = %q, want the historical value", revealed.Value)
	}

	// The restore itself snapshots the pre-restore value with its own cause.
	snapshots := store.versions[id]
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots after restore, got %d", len(snapshots))
	}
	if snapshots[1].Cause != models.VersionCauseRestore {
		t.Errorf("restore snapshot cause = %q", snapshots[1].Cause)
	}

	last := auditor.ops[len(auditor.ops)-1]
	if last != models.OpSecretVersionRestore {
		t.Errorf("last audit op = %q", last)
	}
}

func TestRestoreVersionOfTrashedSecret(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, _ := svc.Upsert(ctx, "v1", "KEY", "first", "development", "u1")
	svc.Upsert(ctx, "v1", "KEY", "second", "development", "u1")
	versions, _ := svc.ListVersions(ctx, result.Secret.ID, "v1")
	svc.Trash(ctx, result.Secret.ID, "v1", "u1")

	_, err := svc.RestoreVersion(ctx, result.Secret.ID, versions[0].ID, "v1", "u1")
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}
