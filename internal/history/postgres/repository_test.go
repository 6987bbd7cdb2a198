package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/sqlpilot/sqlpilot/internal/history"
	"github.com/sqlpilot/sqlpilot/internal/query"
)

var historyColumns = []string{
	"id", "natural_language_query", "generated_sql", "explanation", "user_id", "created_at",
	"execution_time_ms", "result_count", "status", "execution_metrics",
}

func TestSaveInsertsEntry(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO query_history")).
		WithArgs(id, "list users", "SELECT * FROM users", nil, "alice", int64(7), 2, "SUCCESS", `{"status":"SUCCESS"}`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	saved, err := repo.Save(context.Background(), history.Entry{
		ID:                   id,
		NaturalLanguageQuery: "list users",
		GeneratedSQL:         "SELECT * FROM users",
		UserID:               "alice",
		ExecutionTimeMs:      7,
		ResultCount:          2,
		Status:               query.StatusSuccess,
		ExecutionMetrics:     []byte(`{"status":"SUCCESS"}`),
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	assertSQLMock(t, mock)
	if !saved.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt = %s", saved.CreatedAt)
	}
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).WithArgs(id).WillReturnError(sql.ErrNoRows)

	if _, err := repo.Get(context.Background(), id); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestGetScansEntry(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	id := uuid.New()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM query_history")).WithArgs(id).
		WillReturnRows(sqlmock.NewRows(historyColumns).
			AddRow(id.String(), "list users", "SELECT * FROM users", "Lists users.", "alice", created, int64(9), int64(4), "SUCCESS", []byte(`{}`)))

	entry, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	assertSQLMock(t, mock)
	if entry.ID != id || entry.Explanation != "Lists users." || entry.Status != query.StatusSuccess || entry.ResultCount != 4 {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestListPagesNewestFirst(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM query_history")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(45)))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC\nLIMIT $1 OFFSET $2")).WithArgs(20, 20).
		WillReturnRows(sqlmock.NewRows(historyColumns).
			AddRow(uuid.NewString(), "q", "SELECT 1", nil, "system", created, int64(1), int64(1), "FAILED", nil))

	page, err := repo.List(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	assertSQLMock(t, mock)
	if page.PageInfo.TotalPages != 3 || page.PageInfo.TotalElements != 45 || len(page.Entries) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Entries[0].Status != query.StatusFailed || page.Entries[0].Explanation != "" {
		t.Fatalf("entry = %+v", page.Entries[0])
	}
}

func TestListByUserFilters(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1")).WithArgs("U123").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $2 OFFSET $3")).WithArgs("U123", 10, 0).
		WillReturnRows(sqlmock.NewRows(historyColumns))

	page, err := repo.ListByUser(context.Background(), "U123", 0, 10)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	assertSQLMock(t, mock)
	if page.Entries == nil || len(page.Entries) != 0 || page.PageInfo.TotalPages != 0 {
		t.Fatalf("page = %+v", page)
	}
}

func TestRecentCapsSize(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $1")).WithArgs(history.MaxRecent).
		WillReturnRows(sqlmock.NewRows(historyColumns))

	if _, err := repo.Recent(context.Background(), 500); err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
