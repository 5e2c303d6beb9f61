package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/keyvault/internal/auth"
	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
)

// requireAdmin rejects callers whose token does not carry the admin
// policy. Returns false after writing the response.
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	token := tokenFromCtx(r.Context())
	if token != nil {
		for _, p := range token.Policies {
			if p == models.AdminPolicy {
				return true
			}
		}
	}
	writeError(w, http.StatusForbidden, "permission denied")
	return false
}

// LoginHandler handles POST /v1/auth/login
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, plaintext, err := s.tokens.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrIdentityDisabled) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"token":      plaintext,
			"policies":   token.Policies,
			"expires_at": token.ExpiresAt,
		},
	})
}

// TokenLookupSelfHandler handles GET /v1/auth/token/lookup-self
func (s *Server) TokenLookupSelfHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"data": token})
}

// TokenRevokeHandler handles POST /v1/auth/token/revoke. Without an id
// it revokes the caller's own token; revoking others requires admin.
func (s *Server) TokenRevokeHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())

	var req struct {
		ID string `json:"id"`
	}
	decodeJSON(r, &req) //nolint:errcheck

	id := req.ID
	if id == "" {
		id = token.ID
	} else if id != token.ID && !requireAdmin(w, r) {
		return
	}

	if err := s.tokens.Revoke(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IdentityCreateHandler handles POST /v1/sys/identity
func (s *Server) IdentityCreateHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req struct {
		Name     string   `json:"name"`
		Password string   `json:"password"`
		Type     string   `json:"type"`
		Policies []string `json:"policies"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	typ := models.IdentityType(req.Type)
	if typ == "" {
		typ = models.IdentityUser
	}

	ident, err := s.identities.Create(r.Context(), req.Name, req.Password, typ, req.Policies)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "identity already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": ident})
}

// IdentityReadHandler handles GET /v1/sys/identity/{name}
func (s *Server) IdentityReadHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	ident, err := s.identities.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ident == nil {
		writeError(w, http.StatusNotFound, "identity not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": ident})
}

// IdentityUpdateHandler handles PUT /v1/sys/identity/{name}
func (s *Server) IdentityUpdateHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req struct {
		Policies []string `json:"policies"`
		Enabled  *bool    `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ident, err := s.identities.Update(r.Context(), chi.URLParam(r, "name"), req.Policies, req.Enabled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ident == nil {
		writeError(w, http.StatusNotFound, "identity not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": ident})
}

// IdentityDeleteHandler handles DELETE /v1/sys/identity/{name}
func (s *Server) IdentityDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	deleted, err := s.identities.Delete(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "identity not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
