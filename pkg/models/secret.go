package models

import "time"

// TrashMarker carries the two timestamps that exist only while a secret sits
// in the trash. Keeping them in one optional struct makes "expiry set on an
// active secret" unrepresentable.
type TrashMarker struct {
	DeletedAt time.Time `json:"deleted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Secret is one encrypted key/value pair inside a vault environment. At most
// one active (Trash == nil) secret may exist per (vault, key, environment);
// the storage layer enforces this with a partial unique index.
type Secret struct {
	ID                string       `json:"id"`
	VaultID           string       `json:"vault_id"`
	Key               string       `json:"key"` // case-preserving
	Environment       string       `json:"environment"`
	Ciphertext        []byte       `json:"-"`
	Nonce             []byte       `json:"-"`
	AuthTag           []byte       `json:"-"`
	EncryptionVersion int          `json:"encryption_version"`
	LastModifiedBy    string       `json:"last_modified_by"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Trash             *TrashMarker `json:"trash,omitempty"`
}

// Trashed reports whether the secret is soft-deleted.
func (s *Secret) Trashed() bool {
	return s.Trash != nil
}

// Causes recorded on version snapshots. Restores are distinguished from
// ordinary updates for the audit trail.
const (
	VersionCauseUpdate  = "update"
	VersionCauseRestore = "restore"
)

// SecretVersion is an append-only snapshot of a secret's ciphertext taken
// immediately before a value-changing update. Never mutated; deleted only by
// vault-level cascade.
type SecretVersion struct {
	ID                string    `json:"id"`
	SecretID          string    `json:"secret_id"`
	VaultID           string    `json:"vault_id"`
	VersionNumber     int       `json:"version_number"`
	Ciphertext        []byte    `json:"-"`
	Nonce             []byte    `json:"-"`
	AuthTag           []byte    `json:"-"`
	EncryptionVersion int       `json:"encryption_version"`
	Cause             string    `json:"cause"`
	CreatedBy         string    `json:"created_by"`
	CreatedAt         time.Time `json:"created_at"`
}
