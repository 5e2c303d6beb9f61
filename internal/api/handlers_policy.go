package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/keyvault/internal/storage"
)

// PolicyWriteHandler handles POST /v1/sys/policy/{name}. Creates the
// policy or updates it in place.
func (s *Server) PolicyWriteHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	name := chi.URLParam(r, "name")

	var req struct {
		Description string   `json:"description"`
		Rules       []string `json:"rules"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pol, err := s.policies.Create(r.Context(), name, req.Description, req.Rules)
	if errors.Is(err, storage.ErrAlreadyExists) {
		pol, err = s.policies.Update(r.Context(), name, &req.Description, req.Rules)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": pol})
}

// PolicyReadHandler handles GET /v1/sys/policy/{name}
func (s *Server) PolicyReadHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	pol, err := s.policies.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pol == nil {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": pol})
}

// PolicyDeleteHandler handles DELETE /v1/sys/policy/{name}
func (s *Server) PolicyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	deleted, err := s.policies.Delete(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PolicyListHandler handles GET /v1/sys/policy
func (s *Server) PolicyListHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	names, err := s.policies.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"policies": names}})
}
