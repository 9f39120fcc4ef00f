package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keyway/keyway/pkg/models"
)

// SecretUpsertHandler handles POST /v1/vaults/{vaultID}/secrets.
func (s *Server) SecretUpsertHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok {
		return
	}
	var req struct {
		Key         string `json:"key"`
		Value       string `json:"value"`
		Environment string `json:"environment"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Key == "" || req.Environment == "" {
		writeError(w, http.StatusBadRequest, "key and environment are required")
		return
	}
	if !vault.HasEnvironment(req.Environment) {
		writeError(w, http.StatusBadRequest, "unknown environment")
		return
	}
	if err := s.resolver.RequireEnvironmentPermission(r.Context(), vault, req.Environment, ident.UserID, ident.Role, true); err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := s.secrets.Upsert(r.Context(), vault.ID, req.Key, req.Value, req.Environment, ident.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	code := http.StatusOK
	if result.Status == "created" {
		code = http.StatusCreated
	}
	writeJSON(w, code, result)
}

// SecretListHandler handles GET /v1/vaults/{vaultID}/secrets. Without an
// environment filter the listing is trimmed to environments the caller may
// read.
func (s *Server) SecretListHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok {
		return
	}
	environment := r.URL.Query().Get("environment")
	includeTrashed := r.URL.Query().Get("trashed") == "true"

	if environment != "" {
		if err := s.resolver.RequireEnvironmentPermission(r.Context(), vault, environment, ident.UserID, ident.Role, false); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	secrets, err := s.secrets.List(r.Context(), vault.ID, environment, includeTrashed)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if environment == "" {
		readable := secrets[:0]
		allowed := map[string]bool{}
		for _, sec := range secrets {
			canRead, seen := allowed[sec.Environment]
			if !seen {
				var err error
				canRead, err = s.resolver.ResolveEffectivePermission(r.Context(), vault, sec.Environment, ident.UserID, ident.Role, false)
				if err != nil {
					writeServiceError(w, err)
					return
				}
				allowed[sec.Environment] = canRead
			}
			if canRead {
				readable = append(readable, sec)
			}
		}
		secrets = readable
	}

	writeJSON(w, http.StatusOK, map[string]any{"secrets": secrets})
}

// loadSecretWithPermission fetches the addressed secret and checks the given
// permission kind against its environment.
func (s *Server) loadSecretWithPermission(w http.ResponseWriter, r *http.Request, write bool) (Identity, *models.Vault, *models.Secret, bool) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok {
		return Identity{}, nil, nil, false
	}
	secretID := chi.URLParam(r, "secretID")
	sec, err := s.secrets.Get(r.Context(), secretID, vault.ID)
	if err != nil {
		writeServiceError(w, err)
		return Identity{}, nil, nil, false
	}
	if err := s.resolver.RequireEnvironmentPermission(r.Context(), vault, sec.Environment, ident.UserID, ident.Role, write); err != nil {
		writeServiceError(w, err)
		return Identity{}, nil, nil, false
	}
	return ident, vault, sec, true
}

// SecretRevealHandler handles GET /v1/vaults/{vaultID}/secrets/{secretID}/value.
func (s *Server) SecretRevealHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, sec, ok := s.loadSecretWithPermission(w, r, false)
	if !ok {
		return
	}
	revealed, err := s.secrets.GetValue(r.Context(), sec.ID, vault.ID, ident.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revealed)
}

// SecretTrashHandler handles DELETE /v1/vaults/{vaultID}/secrets/{secretID}.
func (s *Server) SecretTrashHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, sec, ok := s.loadSecretWithPermission(w, r, true)
	if !ok {
		return
	}
	if err := s.secrets.Trash(r.Context(), sec.ID, vault.ID, ident.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SecretRestoreHandler handles POST /v1/vaults/{vaultID}/secrets/{secretID}/restore.
func (s *Server) SecretRestoreHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, sec, ok := s.loadSecretWithPermission(w, r, true)
	if !ok {
		return
	}
	if err := s.secrets.Restore(r.Context(), sec.ID, vault.ID, ident.UserID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SecretDestroyHandler handles DELETE /v1/vaults/{vaultID}/secrets/{secretID}/permanent.
// Only trashed secrets may be hard-deleted.
func (s *Server) SecretDestroyHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, sec, ok := s.loadSecretWithPermission(w, r, true)
	if !ok {
		return
	}
	key, err := s.secrets.PermanentlyDelete(r.Context(), sec.ID, vault.ID, ident.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": []string{key}})
}

// TrashEmptyHandler handles DELETE /v1/vaults/{vaultID}/trash.
func (s *Server) TrashEmptyHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok || !requireAdmin(w, ident) {
		return
	}
	keys, err := s.secrets.EmptyTrash(r.Context(), vault.ID, ident.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": keys})
}

// SecretVersionsHandler handles GET /v1/vaults/{vaultID}/secrets/{secretID}/versions.
func (s *Server) SecretVersionsHandler(w http.ResponseWriter, r *http.Request) {
	_, vault, sec, ok := s.loadSecretWithPermission(w, r, false)
	if !ok {
		return
	}
	versions, err := s.secrets.ListVersions(r.Context(), sec.ID, vault.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// SecretVersionRestoreHandler handles
// POST /v1/vaults/{vaultID}/secrets/{secretID}/versions/{versionID}/restore.
func (s *Server) SecretVersionRestoreHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, sec, ok := s.loadSecretWithPermission(w, r, true)
	if !ok {
		return
	}
	versionID := chi.URLParam(r, "versionID")
	result, err := s.secrets.RestoreVersion(r.Context(), sec.ID, versionID, vault.ID, ident.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
