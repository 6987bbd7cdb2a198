package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/history"
	"github.com/sqlpilot/sqlpilot/internal/query"
)

func (s *server) historyStore(w http.ResponseWriter, r *http.Request) (history.Store, bool) {
	if s.deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "query history is not enabled", false, nil)
		return nil, false
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return nil, false
	}
	return s.deps.History, true
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	store, ok := s.historyStore(w, r)
	if !ok {
		return
	}
	page, size, ok := s.historyPage(w, r)
	if !ok {
		return
	}
	result, err := store.List(r.Context(), page, size)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to list query history", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	store, ok := s.historyStore(w, r)
	if !ok {
		return
	}
	page, size, ok := s.historyPage(w, r)
	if !ok {
		return
	}
	result, err := store.ListByUser(r.Context(), chi.URLParam(r, "userID"), page, size)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to list user query history", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleRecent(w http.ResponseWriter, r *http.Request) {
	store, ok := s.historyStore(w, r)
	if !ok {
		return
	}
	size, err := intParam(r, "size", 10)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	entries, err := store.Recent(r.Context(), size)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to load recent queries", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *server) handleExplain(w http.ResponseWriter, r *http.Request) {
	store, ok := s.historyStore(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "queryID"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "query id must be a UUID", false, nil)
		return
	}
	entry, err := store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "HISTORY_NOT_FOUND", "query history entry was not found", false, map[string]any{"id": id})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to load query history entry", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// historyPage clamps like the executor so history pages match result pages.
func (s *server) historyPage(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return 0, 0, false
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = query.DefaultPageSize
	}
	if size > query.MaxPageSize {
		size = query.MaxPageSize
	}
	return page, size, true
}
