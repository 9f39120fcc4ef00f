package models

import "time"

// Audit operations. SecretVersionRestore is deliberately distinct from
// SecretUpdate so restores stay visible in the trail.
const (
	OpSecretCreate         = "secret.create"
	OpSecretUpdate         = "secret.update"
	OpSecretReveal         = "secret.reveal"
	OpSecretTrash          = "secret.trash"
	OpSecretRestore        = "secret.restore"
	OpSecretDestroy        = "secret.destroy"
	OpSecretVersionRestore = "secret.version_restore"
	OpTrashEmpty           = "trash.empty"
	OpTrashPurge           = "trash.purge"
	OpSyncPush             = "sync.push"
	OpSyncPull             = "sync.pull"
)

// AuditEntry records one secret operation. Plaintext values must never be
// stored here, keys and environments only.
type AuditEntry struct {
	ID          int64          `json:"id"`
	VaultID     string         `json:"vault_id"`
	Actor       string         `json:"actor"`
	Operation   string         `json:"operation"`
	SecretKey   string         `json:"secret_key,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
