package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/org/keyvault/internal/secret"
	"github.com/org/keyvault/internal/storage"
)

// splitAddress splits a wildcard URL segment like "app/db/password"
// into the secret path ("app/db") and key ("password").
func splitAddress(full string) (path, key string, ok bool) {
	i := strings.LastIndex(full, "/")
	if i <= 0 || i == len(full)-1 {
		return "", "", false
	}
	return full[:i], full[i+1:], true
}

// writeSecretError maps store errors to HTTP status codes. Denial and
// not-found stay distinguishable: 403 vs 404.
func writeSecretError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, secret.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, secret.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, secret.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid version range")
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "secret already exists")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// SecretCreateHandler handles POST /v1/secret/data/*path
func (s *Server) SecretCreateHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	path, key, ok := splitAddress(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, "address must be path/key")
		return
	}

	var req struct {
		Value    string         `json:"value"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.secrets.Create(r.Context(), path, key, req.Value, req.Metadata, token.Subject, token.Policies)
	if err != nil {
		writeSecretError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"data": map[string]any{
			"path":       created.Path,
			"key":        created.Key,
			"version":    created.Version,
			"created_at": created.CreatedAt,
		},
	})
}

// SecretUpdateHandler handles PUT /v1/secret/data/*path
func (s *Server) SecretUpdateHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	path, key, ok := splitAddress(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, "address must be path/key")
		return
	}

	var req struct {
		Value    string         `json:"value"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	version, err := s.secrets.Update(r.Context(), path, key, req.Value, req.Metadata, token.Subject, token.Policies)
	if err != nil {
		writeSecretError(w, err)
		return
	}
	if version == 0 {
		writeError(w, http.StatusNotFound, "secret not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"version": version},
	})
}

// SecretGetHandler handles GET /v1/secret/data/*path?version=N
func (s *Server) SecretGetHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	path, key, ok := splitAddress(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, "address must be path/key")
		return
	}

	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		var err error
		version, err = strconv.Atoi(v)
		if err != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
	}

	got, err := s.secrets.Get(r.Context(), path, key, version, token.Policies)
	if err != nil {
		writeSecretError(w, err)
		return
	}
	if got == nil {
		writeError(w, http.StatusNotFound, "secret not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": got})
}

// SecretDeleteHandler handles DELETE /v1/secret/data/*path?version=N.
// Without a version it soft-deletes every version; with one, just that
// version.
func (s *Server) SecretDeleteHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	path, key, ok := splitAddress(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, "address must be path/key")
		return
	}

	var (
		deleted bool
		err     error
	)
	if v := r.URL.Query().Get("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		deleted, err = s.secrets.DeleteVersion(r.Context(), path, key, version, token.Policies)
	} else {
		deleted, err = s.secrets.Delete(r.Context(), path, key, token.Policies)
	}
	if err != nil {
		writeSecretError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "secret not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SecretRestoreHandler handles POST /v1/secret/restore/*path with a
// {"version": N} body.
func (s *Server) SecretRestoreHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	path, key, ok := splitAddress(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, "address must be path/key")
		return
	}

	var req struct {
		Version int `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Version < 1 {
		writeError(w, http.StatusBadRequest, "version required")
		return
	}

	restored, err := s.secrets.RestoreVersion(r.Context(), path, key, req.Version, token.Policies)
	if err != nil {
		writeSecretError(w, err)
		return
	}
	if !restored {
		writeError(w, http.StatusNotFound, "no deleted version to restore")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"version": req.Version, "restored": true},
	})
}

// SecretListHandler handles GET /v1/secret/metadata/*path?list=true&recursive=true
func (s *Server) SecretListHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	path := chi.URLParam(r, "*")
	recursive := r.URL.Query().Get("recursive") == "true"

	keys, err := s.secrets.List(r.Context(), path, recursive, token.Policies)
	if err != nil {
		writeSecretError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"keys": keys},
	})
}

// SecretPathsHandler handles GET /v1/secret/paths/*prefix
func (s *Server) SecretPathsHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	prefix := chi.URLParam(r, "*")

	paths, err := s.secrets.ListPaths(r.Context(), prefix, token.Policies)
	if err != nil {
		writeSecretError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"paths": paths},
	})
}

// SecretMetadataHandler handles GET /v1/secret/metadata/*path
func (s *Server) SecretMetadataHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	path, key, ok := splitAddress(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, "address must be path/key")
		return
	}

	stats, err := s.secrets.VersionInfo(r.Context(), path, key, token.Policies)
	if err != nil {
		writeSecretError(w, err)
		return
	}
	if stats == nil {
		writeError(w, http.StatusNotFound, "secret not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

// SecretVersionsHandler handles GET /v1/secret/versions/*path with
// optional start/end query parameters for a bounded range.
func (s *Server) SecretVersionsHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	path, key, ok := splitAddress(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, http.StatusBadRequest, "address must be path/key")
		return
	}

	q := r.URL.Query()
	var (
		versions []*secret.Version
		err      error
	)
	if q.Get("start") != "" || q.Get("end") != "" {
		start, _ := strconv.Atoi(q.Get("start"))
		end, _ := strconv.Atoi(q.Get("end"))
		versions, err = s.secrets.VersionRange(r.Context(), path, key, start, end, token.Policies)
	} else {
		versions, err = s.secrets.ListVersions(r.Context(), path, key, token.Policies)
	}
	if err != nil {
		writeSecretError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"versions": versions},
	})
}
