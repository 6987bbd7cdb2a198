package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/export"
	"github.com/sqlpilot/sqlpilot/internal/history"
	"github.com/sqlpilot/sqlpilot/internal/query"
)

func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.exportReady(w, r) {
		return
	}
	var request sqlRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid export request body", false, map[string]any{"details": err.Error()})
		return
	}

	result, err := s.deps.Exporter.Export(r.Context(), export.Request{
		SQL:    request.SQL,
		UserID: auth.UserIDFromRequest(r, history.SystemUser),
	})
	if err != nil {
		var execErr *query.ExecutionError
		if errors.As(err, &execErr) {
			writeExecutionError(w, r, nil, err)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "failed to store export", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	if !s.exportReady(w, r) {
		return
	}
	id, ok := exportID(w, r)
	if !ok {
		return
	}
	body, info, err := s.deps.Exporter.Open(r.Context(), auth.UserIDFromRequest(r, history.SystemUser), id)
	if err != nil {
		writeExportLookupError(w, r, id, err)
		return
	}
	defer func() { _ = body.Close() }()

	contentType := info.ContentType
	if contentType == "" {
		contentType = export.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+id.String()+`.parquet"`)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (s *server) handleDeleteExport(w http.ResponseWriter, r *http.Request) {
	if !s.exportReady(w, r) {
		return
	}
	id, ok := exportID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Exporter.Delete(r.Context(), auth.UserIDFromRequest(r, history.SystemUser), id); err != nil {
		writeExportLookupError(w, r, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) exportReady(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "result export is not enabled", false, nil)
		return false
	}
	if err := requireRole(r, auth.RoleQueryRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return false
	}
	return true
}

func exportID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "exportID"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "export id must be a UUID", false, nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeExportLookupError(w http.ResponseWriter, r *http.Request, id uuid.UUID, err error) {
	if errors.Is(err, export.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "EXPORT_NOT_FOUND", "export was not found", false, map[string]any{"export_id": id})
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to access export", true, map[string]any{"details": err.Error()})
}
