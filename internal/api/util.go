package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/keyway/keyway/internal/apperr"
	"github.com/keyway/keyway/internal/storage"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

// writeServiceError maps typed service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var forbidden *apperr.ForbiddenError
	var conflict *apperr.ConflictError
	var notFound *apperr.NotFoundError
	var decryption *apperr.DecryptionError
	switch {
	case errors.As(err, &forbidden):
		writeError(w, http.StatusForbidden, forbidden.Error())
	case errors.As(err, &conflict), errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &notFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &decryption):
		writeError(w, http.StatusInternalServerError, decryption.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
