// Package query executes read-only SQL with count-then-page pagination.
package query

import (
	"errors"
	"fmt"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

type Request struct {
	SQL      string `json:"sql"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

type PageInfo struct {
	PageNumber    int   `json:"page_number"`
	PageSize      int   `json:"page_size"`
	TotalElements int64 `json:"total_elements"`
	TotalPages    int64 `json:"total_pages"`
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

type Metrics struct {
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	ResultCount     int    `json:"result_count"`
	Status          Status `json:"status"`
}

// Result is one page of rows. Status is FAILED exactly when Error is set,
// and then Rows is empty.
type Result struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	PageInfo PageInfo         `json:"page_info"`
	Metrics  Metrics          `json:"metrics"`
	Error    string           `json:"error,omitempty"`
}

// Stage is a step of a single execution. Any stage may end in failure.
type Stage string

const (
	StageValidating     Stage = "validating"
	StageCountingRows   Stage = "counting_rows"
	StageFetchingPage   Stage = "fetching_page"
	StageConvertingRows Stage = "converting_rows"
	StageDone           Stage = "done"
)

var (
	ErrEmptySQL               = errors.New("sql must not be empty")
	ErrModificationNotAllowed = errors.New("modification queries are not allowed")
)

func init() {
	observability.RegisterErrorClass(ErrEmptySQL, "empty_sql")
	observability.RegisterErrorClass(ErrModificationNotAllowed, "modification_not_allowed")
}

type ExecutionError struct {
	Stage Stage
	SQL   string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Stage == StageValidating {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s failed for %q: %v", e.Stage, e.SQL, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func totalPages(totalElements int64, pageSize int) int64 {
	if totalElements <= 0 || pageSize <= 0 {
		return 0
	}
	size := int64(pageSize)
	return (totalElements + size - 1) / size
}
