package models

import "time"

// Override target kinds. Exactly one of TargetUserID/TargetRole is set,
// matching TargetType.
const (
	TargetUser = "user"
	TargetRole = "role"
)

// WildcardEnvironment matches every environment in a vault when used as an
// override's environment.
const WildcardEnvironment = "*"

// PermissionOverride pins an explicit read/write decision to a user or role
// for one environment (or all of them via the wildcard). Overrides beat both
// organization defaults and the global matrix.
type PermissionOverride struct {
	ID           string            `json:"id"`
	VaultID      string            `json:"vault_id"`
	Environment  string            `json:"environment"` // exact name or "*"
	TargetType   string            `json:"target_type"`
	TargetUserID *string           `json:"target_user_id,omitempty"`
	TargetRole   *CollaboratorRole `json:"target_role,omitempty"`
	CanRead      bool              `json:"can_read"`
	CanWrite     bool              `json:"can_write"`
	CreatedBy    string            `json:"created_by"`
	CreatedAt    time.Time         `json:"created_at"`
}
