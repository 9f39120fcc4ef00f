// Package apperr defines the typed errors crossing service boundaries.
// Handlers map them to HTTP status codes with errors.As; services construct
// them and otherwise wrap causes with %w.
package apperr

import (
	"fmt"

	"github.com/keyway/keyway/pkg/models"
)

// ForbiddenError is returned when permission resolution denies an action or a
// sync escalation check fails. It names the caller's own role, the attempted
// action and the environment, never other users' override configuration.
type ForbiddenError struct {
	Role        models.CollaboratorRole
	Action      string
	Environment string
	Reason      string
}

func (e *ForbiddenError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("role %q is not allowed to %s the %q environment", e.Role, e.Action, e.Environment)
}

// ConflictError is returned when an operation would violate a uniqueness
// rule: restoring into an occupied active slot, or creating a duplicate
// override for the same (vault, environment, target).
type ConflictError struct {
	Resource string
	Detail   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Detail)
}

// NotFoundError is returned when the referenced secret, vault, version or
// override does not exist (or has already been purged).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// DecryptionError marks a single unreadable row: corrupted ciphertext or an
// encryption version the keyring does not hold. Callers must not conflate it
// with ForbiddenError; it fails only the one read, never the process.
type DecryptionError struct {
	Version int
	Err     error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypting with key version %d: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("no key for encryption version %d", e.Version)
}

func (e *DecryptionError) Unwrap() error { return e.Err }
