package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/schema"
)

func (s *server) handleSchemaTables(w http.ResponseWriter, r *http.Request) {
	if !s.schemaReady(w, r) {
		return
	}
	tables, err := s.deps.Schema.Tables(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_ERROR", "failed to list tables", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *server) handleSchemaTable(w http.ResponseWriter, r *http.Request) {
	if !s.schemaReady(w, r) {
		return
	}
	name := chi.URLParam(r, "tableName")
	table, err := s.deps.Schema.Table(r.Context(), name)
	if err != nil {
		if errors.Is(err, schema.ErrTableNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND", "table was not found", false, map[string]any{"table": name})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_ERROR", "failed to describe table", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (s *server) handleSchemaContext(w http.ResponseWriter, r *http.Request) {
	if s.deps.SchemaContext == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	text, err := s.deps.SchemaContext.Describe(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_ERROR", "failed to build schema context", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"context": text})
}

func (s *server) schemaReady(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema dependencies are not configured", false, nil)
		return false
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return false
	}
	return true
}
