package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/keyvault/internal/storage"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": "1.0.0",
	})
}

// ReplicationStatusHandler handles GET /v1/sys/replication/status
func (s *Server) ReplicationStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.replicator == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"enabled": false}})
		return
	}
	backlog, err := s.replicator.Backlog(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"enabled":  true,
			"instance": s.replicator.InstanceID(),
			"backlog":  backlog,
		},
	})
}

// AuditLogHandler handles GET /v1/sys/audit-log?path=&since=&limit=&offset=
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	q := r.URL.Query()
	filter := storage.AuditFilter{
		Path:  q.Get("path"),
		Limit: 100,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"entries": entries}})
}
