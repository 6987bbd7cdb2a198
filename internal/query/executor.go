package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// DB is the subset of *sql.DB the executor needs.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ExecutorConfig struct {
	DB              DB
	Metrics         observability.MetricsSink
	Logger          *slog.Logger
	DefaultPageSize int
	MaxPageSize     int
	ColumnNaming    ColumnNaming
}

// Executor validates a statement, counts its rows, then fetches one page.
// It holds no per-call state; the pool behind DB is shared.
type Executor struct {
	db          DB
	metrics     observability.MetricsSink
	logger      *slog.Logger
	defaultSize int
	maxSize     int
	naming      ColumnNaming
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	e := &Executor{
		db:          cfg.DB,
		metrics:     cfg.Metrics,
		logger:      observability.LoggerOrDiscard(cfg.Logger),
		defaultSize: cfg.DefaultPageSize,
		maxSize:     cfg.MaxPageSize,
		naming:      cfg.ColumnNaming,
	}
	if e.metrics == nil {
		e.metrics = observability.NopSink{}
	}
	if e.maxSize <= 0 {
		e.maxSize = MaxPageSize
	}
	if e.defaultSize <= 0 || e.defaultSize > e.maxSize {
		e.defaultSize = min(DefaultPageSize, e.maxSize)
	}
	return e, nil
}

// Page clamps a requested page and size to the executor's bounds.
func (e *Executor) Page(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	switch {
	case size <= 0:
		size = e.defaultSize
	case size > e.maxSize:
		size = e.maxSize
	}
	return page, size
}

// Execute returns a failed Result together with an *ExecutionError on any
// failure. Nothing is retried.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	page, size := e.Page(req.Page, req.PageSize)

	result, stage, err := e.execute(ctx, req.SQL, page, size)
	elapsed := time.Since(start)
	result.PageInfo.PageNumber = page
	result.PageInfo.PageSize = size
	result.Metrics.ExecutionTimeMs = elapsed.Milliseconds()

	if err != nil {
		execErr := &ExecutionError{Stage: stage, SQL: req.SQL, Err: err}
		result.Columns = []string{}
		result.Rows = []map[string]any{}
		result.Metrics.ResultCount = 0
		result.Metrics.Status = StatusFailed
		result.Error = execErr.Error()

		e.logger.ErrorContext(ctx, "query execution failed",
			slog.String("stage", string(stage)),
			slog.String("sql", req.SQL),
			slog.Any("error", err),
		)
		e.metrics.RecordTimer("execution", elapsed, "status", "failed")
		e.metrics.IncrementCounter("execution", "status", "failed", "stage", string(stage), "error", observability.ErrorClass(err))
		return result, execErr
	}

	result.Metrics.Status = StatusSuccess
	result.Metrics.ResultCount = len(result.Rows)
	e.logger.InfoContext(ctx, "query executed",
		slog.Int("page", page),
		slog.Int("page_size", size),
		slog.Int64("total_elements", result.PageInfo.TotalElements),
		slog.Int("rows", len(result.Rows)),
		slog.Int64("execution_time_ms", result.Metrics.ExecutionTimeMs),
	)
	e.metrics.RecordTimer("execution", elapsed, "status", "success")
	e.metrics.IncrementCounter("execution", "status", "success", "stage", string(StageDone), "error", observability.ErrorClass(nil))
	return result, nil
}

func (e *Executor) execute(ctx context.Context, raw string, page, size int) (Result, Stage, error) {
	if err := Validate(raw); err != nil {
		return Result{}, StageValidating, err
	}
	statement := stripTrailingSemicolons(raw)

	var total int64
	if err := e.db.QueryRowContext(ctx, CountSQL(statement)).Scan(&total); err != nil {
		return Result{}, StageCountingRows, fmt.Errorf("count rows: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, PageSQL(statement, page, size))
	if err != nil {
		return Result{}, StageFetchingPage, fmt.Errorf("fetch page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, StageConvertingRows, fmt.Errorf("read columns: %w", err)
	}
	keys := columnKeys(e.naming, columns)

	converted := make([]map[string]any, 0, size)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return Result{}, StageConvertingRows, fmt.Errorf("scan row: %w", err)
		}
		converted = append(converted, toRow(keys, values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, StageFetchingPage, fmt.Errorf("iterate rows: %w", err)
	}

	return Result{
		Columns: keys,
		Rows:    converted,
		PageInfo: PageInfo{
			TotalElements: total,
			TotalPages:    totalPages(total, size),
		},
	}, StageDone, nil
}

func CountSQL(statement string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS count_query", statement)
}

func PageSQL(statement string, page, size int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS page_query LIMIT %d OFFSET %d", statement, size, int64(page)*int64(size))
}
