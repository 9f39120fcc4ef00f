package api

import (
	"net/http"
	"strconv"
	"time"

	syncengine "github.com/keyway/keyway/internal/sync"
	"github.com/keyway/keyway/internal/storage"
	"github.com/keyway/keyway/pkg/models"
)

type syncRequest struct {
	Environment string `json:"environment"`  // Keyway-side environment
	Provider    string `json:"provider"`     // registered adapter name
	Project     string `json:"project"`      // provider-side project identifier
	ProviderEnv string `json:"provider_env"` // provider-side environment
	AllowDelete bool   `json:"allow_delete"` // push only; defaults to false
	DryRun      bool   `json:"dry_run"`      // compute the diff, apply nothing
}

func (s *Server) decodeSyncRequest(w http.ResponseWriter, r *http.Request) (*syncRequest, syncengine.Provider, bool) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil || req.Environment == "" || req.Provider == "" || req.ProviderEnv == "" {
		writeError(w, http.StatusBadRequest, "environment, provider and provider_env are required")
		return nil, nil, false
	}
	provider, ok := s.providers[req.Provider]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider "+strconv.Quote(req.Provider))
		return nil, nil, false
	}
	return &req, provider, true
}

// SyncPushHandler handles POST /v1/vaults/{vaultID}/sync/push.
func (s *Server) SyncPushHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok {
		return
	}
	req, provider, ok := s.decodeSyncRequest(w, r)
	if !ok {
		return
	}
	if !vault.HasEnvironment(req.Environment) {
		writeError(w, http.StatusBadRequest, "unknown environment")
		return
	}

	if req.DryRun {
		s.syncDryRun(w, r, ident, vault, req, provider, syncengine.DirectionPush)
		return
	}

	result, diff, err := s.engine.Push(r.Context(), vault, req.Environment, provider, req.Project, req.ProviderEnv, ident.UserID, ident.Role, req.AllowDelete)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	syncRunsTotal.WithLabelValues(string(syncengine.DirectionPush), result.Status).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"result": result, "diff": diff})
}

// SyncPullHandler handles POST /v1/vaults/{vaultID}/sync/pull.
func (s *Server) SyncPullHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok {
		return
	}
	req, provider, ok := s.decodeSyncRequest(w, r)
	if !ok {
		return
	}
	if !vault.HasEnvironment(req.Environment) {
		writeError(w, http.StatusBadRequest, "unknown environment")
		return
	}

	if req.DryRun {
		s.syncDryRun(w, r, ident, vault, req, provider, syncengine.DirectionPull)
		return
	}

	result, diff, err := s.engine.Pull(r.Context(), vault, req.Environment, provider, req.Project, req.ProviderEnv, ident.UserID, ident.Role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	syncRunsTotal.WithLabelValues(string(syncengine.DirectionPull), result.Status).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"result": result, "diff": diff})
}

// syncDryRun authorizes like a real sync, then reports the diff without
// touching either side.
func (s *Server) syncDryRun(w http.ResponseWriter, r *http.Request, ident Identity, vault *models.Vault, req *syncRequest, provider syncengine.Provider, direction syncengine.Direction) {
	if err := s.guard.RequireSyncPermission(r.Context(), vault, req.Environment, req.ProviderEnv, direction, ident.UserID, ident.Role); err != nil {
		writeServiceError(w, err)
		return
	}
	keywaySet, err := s.secrets.EnvironmentValues(r.Context(), vault.ID, req.Environment)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	providerSet, err := provider.ListEnvVars(r.Context(), req.Project, req.ProviderEnv)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"result": &syncengine.Result{Status: syncengine.StatusError, Error: err.Error()},
		})
		return
	}

	var diff *syncengine.Diff
	if direction == syncengine.DirectionPush {
		diff = syncengine.ComputeDiff(keywaySet, providerSet)
	} else {
		diff = syncengine.ComputeDiff(providerSet, keywaySet)
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": diff})
}

// AuditLogHandler handles GET /v1/vaults/{vaultID}/audit.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok || !requireAdmin(w, ident) {
		return
	}
	filter := storage.AuditFilter{VaultID: vault.ID, Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("operation"); v != "" {
		filter.Operation = v
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = &ts
		}
	}
	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
