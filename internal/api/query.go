package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/history"
	"github.com/sqlpilot/sqlpilot/internal/nl2sql"
	"github.com/sqlpilot/sqlpilot/internal/query"
)

// conversionRequest leaves explain and include_schema_context nil when
// omitted so they can default to true.
type conversionRequest struct {
	Query                string `json:"query"`
	Explain              *bool  `json:"explain"`
	IncludeSchemaContext *bool  `json:"include_schema_context"`
}

func (c conversionRequest) toRequest() nl2sql.Request {
	return nl2sql.Request{
		Query:                c.Query,
		Explain:              c.Explain == nil || *c.Explain,
		IncludeSchemaContext: c.IncludeSchemaContext == nil || *c.IncludeSchemaContext,
	}
}

type sqlRequest struct {
	SQL string `json:"sql"`
}

type executeResponse struct {
	OriginalQuery string           `json:"original_query"`
	GeneratedSQL  string           `json:"generated_sql"`
	Explanation   string           `json:"explanation,omitempty"`
	Columns       []string         `json:"columns"`
	Rows          []map[string]any `json:"rows"`
	PageInfo      query.PageInfo   `json:"page_info"`
	Metrics       query.Metrics    `json:"metrics"`
	Error         string           `json:"error,omitempty"`
}

func (s *server) handleTextToSQL(w http.ResponseWriter, r *http.Request) {
	if s.deps.Converter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CONVERSION_NOT_CONFIGURED", "conversion dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	var request conversionRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid conversion request body", false, map[string]any{"details": err.Error()})
		return
	}

	result, err := s.deps.Converter.Convert(r.Context(), request.toRequest())
	if err != nil {
		writeConversionError(w, r, result, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Converter == nil || s.deps.Executor == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXECUTION_NOT_CONFIGURED", "execution dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	page, size, err := pageParams(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	var request conversionRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid execution request body", false, map[string]any{"details": err.Error()})
		return
	}

	converted, err := s.deps.Converter.Convert(r.Context(), request.toRequest())
	if err != nil {
		writeConversionError(w, r, converted, err)
		return
	}

	executed, execErr := s.deps.Executor.Execute(r.Context(), query.Request{SQL: converted.GeneratedSQL, Page: page, PageSize: size})
	s.record(r, converted.OriginalQuery, converted.GeneratedSQL, converted.Explanation, executed)

	response := executeResponse{
		OriginalQuery: converted.OriginalQuery,
		GeneratedSQL:  converted.GeneratedSQL,
		Explanation:   converted.Explanation,
		Columns:       executed.Columns,
		Rows:          executed.Rows,
		PageInfo:      executed.PageInfo,
		Metrics:       executed.Metrics,
		Error:         executed.Error,
	}
	if execErr != nil {
		writeExecutionError(w, r, response, execErr)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *server) handleSQL(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executor == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXECUTION_NOT_CONFIGURED", "execution dependencies are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	page, size, err := pageParams(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	var request sqlRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid sql request body", false, map[string]any{"details": err.Error()})
		return
	}

	result, err := s.deps.Executor.Execute(r.Context(), query.Request{SQL: request.SQL, Page: page, PageSize: size})
	s.record(r, "", request.SQL, "", result)
	if err != nil {
		writeExecutionError(w, r, result, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) record(r *http.Request, nlq, sql, explanation string, result query.Result) {
	if s.deps.Recorder == nil {
		return
	}
	userID := auth.UserIDFromRequest(r, history.SystemUser)
	s.deps.Recorder.Record(r.Context(), history.NewEntry(nlq, sql, explanation, result, userID))
}

// pageParams reads page and size; the executor clamps out-of-range values.
func pageParams(r *http.Request) (int, int, error) {
	page, err := intParam(r, "page", 0)
	if err != nil {
		return 0, 0, err
	}
	size, err := intParam(r, "size", 0)
	if err != nil {
		return 0, 0, err
	}
	return page, size, nil
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("query parameter " + name + " must be an integer")
	}
	return value, nil
}

func writeConversionError(w http.ResponseWriter, r *http.Request, result nl2sql.Result, err error) {
	extra := map[string]any{"result": result}
	var generation *nl2sql.GenerationError
	switch {
	case errors.Is(err, nl2sql.ErrInvalidRequest):
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, extra)
	case errors.Is(err, nl2sql.ErrNoSQLExtracted):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "GENERATION_FAILED", err.Error(), false, extra)
	case errors.As(err, &generation):
		writeError(r.Context(), w, http.StatusBadGateway, "GENERATION_FAILED", err.Error(), true, extra)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, extra)
	}
}

func writeExecutionError(w http.ResponseWriter, r *http.Request, result any, err error) {
	extra := map[string]any{"result": result}
	switch {
	case errors.Is(err, query.ErrModificationNotAllowed):
		writeError(r.Context(), w, http.StatusBadRequest, "MODIFICATION_NOT_ALLOWED", query.ErrModificationNotAllowed.Error(), false, extra)
	case errors.Is(err, query.ErrEmptySQL):
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, extra)
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", err.Error(), false, extra)
	}
}
