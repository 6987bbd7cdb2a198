package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sqlpilot/sqlpilot/internal/history"
	"github.com/sqlpilot/sqlpilot/internal/query"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ history.Store = (*Repository)(nil)

const entryColumns = `id, natural_language_query, generated_sql, explanation, user_id, created_at,
       execution_time_ms, result_count, status, execution_metrics`

func (r *Repository) Save(ctx context.Context, entry history.Entry) (history.Entry, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.UserID == "" {
		entry.UserID = history.SystemUser
	}
	metrics := "{}"
	if len(entry.ExecutionMetrics) > 0 {
		metrics = string(entry.ExecutionMetrics)
	}

	query := `
INSERT INTO query_history (
  id, natural_language_query, generated_sql, explanation, user_id,
  execution_time_ms, result_count, status, execution_metrics
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
RETURNING created_at`

	if err := r.db.QueryRowContext(ctx, query,
		entry.ID,
		entry.NaturalLanguageQuery,
		entry.GeneratedSQL,
		nullIfEmpty(entry.Explanation),
		entry.UserID,
		entry.ExecutionTimeMs,
		entry.ResultCount,
		string(entry.Status),
		metrics,
	).Scan(&entry.CreatedAt); err != nil {
		return history.Entry{}, fmt.Errorf("save query history: %w", err)
	}
	return entry, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (history.Entry, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+entryColumns+`
FROM query_history
WHERE id = $1`, id)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return history.Entry{}, history.ErrNotFound
		}
		return history.Entry{}, fmt.Errorf("get query history: %w", err)
	}
	return entry, nil
}

func (r *Repository) List(ctx context.Context, page, size int) (history.Page, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_history`).Scan(&total); err != nil {
		return history.Page{}, fmt.Errorf("count query history: %w", err)
	}
	entries, err := r.list(ctx, `
SELECT `+entryColumns+`
FROM query_history
ORDER BY created_at DESC
LIMIT $1 OFFSET $2`, size, page*size)
	if err != nil {
		return history.Page{}, err
	}
	return newPage(entries, total, page, size), nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string, page, size int) (history.Page, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_history WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return history.Page{}, fmt.Errorf("count user query history: %w", err)
	}
	entries, err := r.list(ctx, `
SELECT `+entryColumns+`
FROM query_history
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`, userID, size, page*size)
	if err != nil {
		return history.Page{}, err
	}
	return newPage(entries, total, page, size), nil
}

func (r *Repository) Recent(ctx context.Context, size int) ([]history.Entry, error) {
	if size <= 0 || size > history.MaxRecent {
		size = history.MaxRecent
	}
	return r.list(ctx, `
SELECT `+entryColumns+`
FROM query_history
ORDER BY created_at DESC
LIMIT $1`, size)
}

func (r *Repository) list(ctx context.Context, text string, args ...any) ([]history.Entry, error) {
	rows, err := r.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("list query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]history.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query history row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query history rows: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (history.Entry, error) {
	var (
		entry       history.Entry
		explanation sql.NullString
		status      string
		metrics     []byte
	)
	if err := s.Scan(
		&entry.ID,
		&entry.NaturalLanguageQuery,
		&entry.GeneratedSQL,
		&explanation,
		&entry.UserID,
		&entry.CreatedAt,
		&entry.ExecutionTimeMs,
		&entry.ResultCount,
		&status,
		&metrics,
	); err != nil {
		return history.Entry{}, err
	}
	entry.Explanation = explanation.String
	entry.Status = query.Status(status)
	if len(metrics) > 0 {
		entry.ExecutionMetrics = metrics
	}
	return entry, nil
}

func newPage(entries []history.Entry, total int64, page, size int) history.Page {
	var pages int64
	if size > 0 {
		pages = (total + int64(size) - 1) / int64(size)
	}
	return history.Page{
		Entries: entries,
		PageInfo: query.PageInfo{
			PageNumber:    page,
			PageSize:      size,
			TotalElements: total,
			TotalPages:    pages,
		},
	}
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
