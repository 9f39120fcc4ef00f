package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyway/keyway/internal/storage"
	"github.com/keyway/keyway/pkg/models"
)

// requestVault loads the caller identity and the addressed vault, writing the
// error response itself on failure.
func (s *Server) requestVault(w http.ResponseWriter, r *http.Request) (Identity, *models.Vault, bool) {
	ident, ok := identityFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return Identity{}, nil, false
	}
	vaultID := chi.URLParam(r, "vaultID")
	vault, err := s.store.GetVault(r.Context(), vaultID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "vault not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return Identity{}, nil, false
	}
	return ident, vault, true
}

// requireAdmin gates vault administration endpoints on the admin role.
func requireAdmin(w http.ResponseWriter, ident Identity) bool {
	if !ident.Role.HasLevel(models.RoleAdmin) {
		writeError(w, http.StatusForbidden, "this operation requires admin role")
		return false
	}
	return true
}

// VaultCreateHandler handles POST /v1/vaults (repository onboarding).
func (s *Server) VaultCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepositoryID   string   `json:"repository_id"`
		OrganizationID *string  `json:"organization_id"`
		Environments   []string `json:"environments"`
		Public         bool     `json:"public"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RepositoryID == "" {
		writeError(w, http.StatusBadRequest, "repository_id is required")
		return
	}
	if len(req.Environments) == 0 {
		req.Environments = []string{"development", "production"}
	}

	vault := &models.Vault{
		RepositoryID:   req.RepositoryID,
		OrganizationID: req.OrganizationID,
		Environments:   req.Environments,
		Public:         req.Public,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateVault(r.Context(), vault); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "a vault already exists for this repository")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, vault)
}

// VaultGetHandler handles GET /v1/vaults/{vaultID}.
func (s *Server) VaultGetHandler(w http.ResponseWriter, r *http.Request) {
	_, vault, ok := s.requestVault(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, vault)
}

// VaultDeleteHandler handles DELETE /v1/vaults/{vaultID}. Deletion cascades
// into secrets, versions and overrides.
func (s *Server) VaultDeleteHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok || !requireAdmin(w, ident) {
		return
	}
	if err := s.store.DeleteVault(r.Context(), vault.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VaultEnvironmentsHandler handles PUT /v1/vaults/{vaultID}/environments.
func (s *Server) VaultEnvironmentsHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok || !requireAdmin(w, ident) {
		return
	}
	var req struct {
		Environments []string `json:"environments"`
	}
	if err := decodeJSON(r, &req); err != nil || len(req.Environments) == 0 {
		writeError(w, http.StatusBadRequest, "environments is required")
		return
	}
	if err := s.store.UpdateVaultEnvironments(r.Context(), vault.ID, req.Environments); err != nil {
		writeServiceError(w, err)
		return
	}
	vault.Environments = req.Environments
	writeJSON(w, http.StatusOK, vault)
}

// VaultRenameEnvHandler handles POST /v1/vaults/{vaultID}/environments/rename.
// Secrets and overrides follow the environment to its new name.
func (s *Server) VaultRenameEnvHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok || !requireAdmin(w, ident) {
		return
	}
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := decodeJSON(r, &req); err != nil || req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	if vault.HasEnvironment(req.To) {
		writeError(w, http.StatusConflict, "target environment already exists")
		return
	}
	if err := s.store.RenameEnvironment(r.Context(), vault.ID, req.From, req.To); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
