package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/keyway/keyway/internal/secret"
	"github.com/keyway/keyway/pkg/models"
)

// Provider is the external deployment surface a vault environment syncs
// against. Concrete adapters (Vercel, Netlify, Railway) live outside the
// core; tests use fakes.
type Provider interface {
	ListEnvVars(ctx context.Context, project, targetEnv string) (map[string]string, error)
	SetEnvVars(ctx context.Context, project, targetEnv string, vars map[string]string) (*SetResult, error)
	DeleteEnvVars(ctx context.Context, project, targetEnv string, keys []string) (*DeleteResult, error)
}

// SetResult reports a provider write.
type SetResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// DeleteResult reports a provider delete.
type DeleteResult struct {
	Deleted    int      `json:"deleted"`
	Failed     int      `json:"failed"`
	FailedKeys []string `json:"failed_keys,omitempty"`
}

// Diff partitions the keys of two secret sets. ToDelete is reported for
// visibility but only ever applied when a caller explicitly allows deletes.
type Diff struct {
	ToCreate []string `json:"to_create"`
	ToUpdate []string `json:"to_update"`
	ToDelete []string `json:"to_delete"`
	ToSkip   []string `json:"to_skip"`
}

// ComputeDiff compares the desired set against the current provider set.
// Keys in each bucket are sorted for deterministic output.
func ComputeDiff(desired, current map[string]string) *Diff {
	d := &Diff{}
	for key, value := range desired {
		currentValue, exists := current[key]
		switch {
		case !exists:
			d.ToCreate = append(d.ToCreate, key)
		case currentValue != value:
			d.ToUpdate = append(d.ToUpdate, key)
		default:
			d.ToSkip = append(d.ToSkip, key)
		}
	}
	for key := range current {
		if _, exists := desired[key]; !exists {
			d.ToDelete = append(d.ToDelete, key)
		}
	}
	sort.Strings(d.ToCreate)
	sort.Strings(d.ToUpdate)
	sort.Strings(d.ToDelete)
	sort.Strings(d.ToSkip)
	return d
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Result aggregates one sync run. Per-key failures are collected into Error
// with Status partial; Status error means nothing was applied.
type Result struct {
	Status  string `json:"status"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Deleted int    `json:"deleted"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

func (r *Result) finish(failures []string) *Result {
	switch {
	case len(failures) == 0:
		r.Status = StatusSuccess
	case r.Created+r.Updated+r.Deleted == 0:
		r.Status = StatusError
		r.Error = strings.Join(failures, "; ")
	default:
		r.Status = StatusPartial
		r.Error = strings.Join(failures, "; ")
	}
	return r
}

func errorResult(err error) *Result {
	return &Result{Status: StatusError, Error: err.Error()}
}

// Engine runs diffs against providers and applies them in either direction.
type Engine struct {
	guard   *Guard
	secrets *secret.Service
	auditor secret.Auditor
}

// NewEngine creates a sync Engine.
func NewEngine(guard *Guard, secrets *secret.Service, auditor secret.Auditor) *Engine {
	return &Engine{guard: guard, secrets: secrets, auditor: auditor}
}

// Execute applies a diff to the provider. Creates and updates are applied
// unconditionally, deletes only when allowDelete is set. Provider calls are
// made per key so one failure never aborts the remaining keys.
func (e *Engine) Execute(ctx context.Context, provider Provider, project, targetEnv string, desired map[string]string, diff *Diff, allowDelete bool) *Result {
	result := &Result{Skipped: len(diff.ToSkip)}
	var failures []string

	apply := func(keys []string, counter *int) {
		for _, key := range keys {
			res, err := provider.SetEnvVars(ctx, project, targetEnv, map[string]string{key: desired[key]})
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", key, err))
				continue
			}
			*counter += res.Created + res.Updated
		}
	}
	apply(diff.ToCreate, &result.Created)
	apply(diff.ToUpdate, &result.Updated)

	if allowDelete && len(diff.ToDelete) > 0 {
		res, err := provider.DeleteEnvVars(ctx, project, targetEnv, diff.ToDelete)
		if err != nil {
			failures = append(failures, fmt.Sprintf("deleting %d keys: %v", len(diff.ToDelete), err))
		} else {
			result.Deleted = res.Deleted
			for _, key := range res.FailedKeys {
				failures = append(failures, fmt.Sprintf("%s: delete failed", key))
			}
		}
	}
	return result.finish(failures)
}

// Push syncs a Keyway environment onto a provider environment. Deletes
// default to off: keys that exist only on the provider are reported in the
// diff but left untouched unless allowDelete is set.
func (e *Engine) Push(ctx context.Context, vault *models.Vault, keywayEnv string, provider Provider, project, providerEnv, userID string, role models.CollaboratorRole, allowDelete bool) (*Result, *Diff, error) {
	if err := e.guard.RequireSyncPermission(ctx, vault, keywayEnv, providerEnv, DirectionPush, userID, role); err != nil {
		return nil, nil, err
	}
	desired, err := e.secrets.EnvironmentValues(ctx, vault.ID, keywayEnv)
	if err != nil {
		return nil, nil, err
	}
	current, err := provider.ListEnvVars(ctx, project, providerEnv)
	if err != nil {
		return errorResult(fmt.Errorf("listing provider env vars: %w", err)), nil, nil
	}
	diff := ComputeDiff(desired, current)
	result := e.Execute(ctx, provider, project, providerEnv, desired, diff, allowDelete)

	e.auditor.Record(ctx, &models.AuditEntry{
		VaultID:     vault.ID,
		Actor:       userID,
		Operation:   models.OpSyncPush,
		Environment: keywayEnv,
		Status:      result.Status,
		Metadata: map[string]any{
			"provider_env": providerEnv,
			"created":      result.Created,
			"updated":      result.Updated,
			"deleted":      result.Deleted,
			"skipped":      result.Skipped,
		},
	})
	return result, diff, nil
}

// Pull imports a provider environment into a Keyway environment. Keys that
// exist only in Keyway are reported, never deleted.
func (e *Engine) Pull(ctx context.Context, vault *models.Vault, keywayEnv string, provider Provider, project, providerEnv, userID string, role models.CollaboratorRole) (*Result, *Diff, error) {
	if err := e.guard.RequireSyncPermission(ctx, vault, keywayEnv, providerEnv, DirectionPull, userID, role); err != nil {
		return nil, nil, err
	}
	desired, err := provider.ListEnvVars(ctx, project, providerEnv)
	if err != nil {
		return errorResult(fmt.Errorf("listing provider env vars: %w", err)), nil, nil
	}
	current, err := e.secrets.EnvironmentValues(ctx, vault.ID, keywayEnv)
	if err != nil {
		return nil, nil, err
	}
	diff := ComputeDiff(desired, current)

	result := &Result{Skipped: len(diff.ToSkip)}
	var failures []string
	importKeys := func(keys []string, counter *int) {
		for _, key := range keys {
			if _, err := e.secrets.Upsert(ctx, vault.ID, key, desired[key], keywayEnv, userID); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", key, err))
				continue
			}
			*counter++
		}
	}
	importKeys(diff.ToCreate, &result.Created)
	importKeys(diff.ToUpdate, &result.Updated)
	result.finish(failures)

	e.auditor.Record(ctx, &models.AuditEntry{
		VaultID:     vault.ID,
		Actor:       userID,
		Operation:   models.OpSyncPull,
		Environment: keywayEnv,
		Status:      result.Status,
		Metadata: map[string]any{
			"provider_env": providerEnv,
			"created":      result.Created,
			"updated":      result.Updated,
			"skipped":      result.Skipped,
		},
	})
	return result, diff, nil
}
