package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyway/keyway/internal/storage"
	"github.com/keyway/keyway/pkg/models"
)

// OverrideListHandler handles GET /v1/vaults/{vaultID}/overrides. Override
// configuration is admin-only; non-admins never see other users' grants.
func (s *Server) OverrideListHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok || !requireAdmin(w, ident) {
		return
	}
	overrides, err := s.store.ListOverrides(r.Context(), vault.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

// OverrideCreateHandler handles POST /v1/vaults/{vaultID}/overrides.
func (s *Server) OverrideCreateHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok || !requireAdmin(w, ident) {
		return
	}
	var req struct {
		Environment  string  `json:"environment"`
		TargetType   string  `json:"target_type"`
		TargetUserID *string `json:"target_user_id"`
		TargetRole   *string `json:"target_role"`
		CanRead      bool    `json:"can_read"`
		CanWrite     bool    `json:"can_write"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Environment == "" {
		writeError(w, http.StatusBadRequest, "environment is required")
		return
	}
	if req.Environment != models.WildcardEnvironment && !vault.HasEnvironment(req.Environment) {
		writeError(w, http.StatusBadRequest, "unknown environment")
		return
	}

	override := &models.PermissionOverride{
		VaultID:     vault.ID,
		Environment: req.Environment,
		TargetType:  req.TargetType,
		CanRead:     req.CanRead,
		CanWrite:    req.CanWrite,
		CreatedBy:   ident.UserID,
		CreatedAt:   time.Now().UTC(),
	}
	switch req.TargetType {
	case models.TargetUser:
		if req.TargetUserID == nil || *req.TargetUserID == "" {
			writeError(w, http.StatusBadRequest, "target_user_id is required for user overrides")
			return
		}
		override.TargetUserID = req.TargetUserID
	case models.TargetRole:
		if req.TargetRole == nil {
			writeError(w, http.StatusBadRequest, "target_role is required for role overrides")
			return
		}
		role, err := models.ParseRole(*req.TargetRole)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		override.TargetRole = &role
	default:
		writeError(w, http.StatusBadRequest, "target_type must be user or role")
		return
	}

	if err := s.store.CreateOverride(r.Context(), override); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "an override for this target and environment already exists")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, override)
}

// OverrideUpdateHandler handles PUT /v1/vaults/{vaultID}/overrides/{overrideID}.
// Only the grant bits are mutable; retargeting means delete and recreate.
func (s *Server) OverrideUpdateHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok || !requireAdmin(w, ident) {
		return
	}
	var req struct {
		CanRead  bool `json:"can_read"`
		CanWrite bool `json:"can_write"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	override := &models.PermissionOverride{
		ID:       chi.URLParam(r, "overrideID"),
		VaultID:  vault.ID,
		CanRead:  req.CanRead,
		CanWrite: req.CanWrite,
	}
	if err := s.store.UpdateOverride(r.Context(), override); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OverrideDeleteHandler handles DELETE /v1/vaults/{vaultID}/overrides/{overrideID}.
func (s *Server) OverrideDeleteHandler(w http.ResponseWriter, r *http.Request) {
	ident, vault, ok := s.requestVault(w, r)
	if !ok || !requireAdmin(w, ident) {
		return
	}
	if err := s.store.DeleteOverride(r.Context(), chi.URLParam(r, "overrideID"), vault.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
