package schema

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

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

func TestFormatContext(t *testing.T) {
	def := "CURRENT_TIMESTAMP"
	got := FormatContext([]Table{{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: "bigint", PrimaryKey: true},
			{Name: "team_id", Type: "bigint", Nullable: true},
			{Name: "created_at", Type: "datetime", Default: &def},
		},
		ForeignKeys: []ForeignKey{{Column: "team_id", ReferencedTable: "teams", ReferencedColumn: "id"}},
	}})
	want := "Database Schema:\n\n" +
		"Table: users\n" +
		"- id bigint PRIMARY KEY NOT NULL\n" +
		"- team_id bigint\n" +
		"- created_at datetime NOT NULL DEFAULT CURRENT_TIMESTAMP\n" +
		"FK team_id → teams(id)\n\n"
	if got != want {
		t.Fatalf("FormatContext() = %q, want %q", got, want)
	}
}

func TestInspectorSnapshotMySQL(t *testing.T) {
	db, mock := newSQLMock(t)
	inspector, err := NewInspector(db, "mysql")
	if err != nil {
		t.Fatalf("NewInspector() error = %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.tables")).
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("teams").AddRow("users"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable", "column_default"}).
			AddRow("teams", "id", "int", "NO", nil).
			AddRow("users", "id", "bigint", "NO", nil).
			AddRow("users", "team_id", "int", "YES", nil).
			AddRow("users", "status", "varchar", "NO", "active"))
	mock.ExpectQuery(regexp.QuoteMeta("tc.constraint_type = 'PRIMARY KEY'")).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}).AddRow("teams", "id").AddRow("users", "id"))
	mock.ExpectQuery(regexp.QuoteMeta("referenced_table_name IS NOT NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "referenced_table_name", "referenced_column_name"}).
			AddRow("users", "team_id", "teams", "id"))

	tables, err := inspector.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	assertSQLMock(t, mock)

	if len(tables) != 2 || tables[1].Name != "users" {
		t.Fatalf("tables = %+v", tables)
	}
	users := tables[1]
	if !users.Columns[0].PrimaryKey || users.Columns[1].PrimaryKey || !users.Columns[1].Nullable {
		t.Fatalf("users columns = %+v", users.Columns)
	}
	if users.Columns[2].Default == nil || *users.Columns[2].Default != "active" {
		t.Fatalf("status default = %v", users.Columns[2].Default)
	}
	if len(users.ForeignKeys) != 1 || users.ForeignKeys[0].ReferencedTable != "teams" {
		t.Fatalf("foreign keys = %+v", users.ForeignKeys)
	}
	if !strings.Contains(FormatContext(tables), "FK team_id → teams(id)") {
		t.Fatal("formatted context missing foreign key")
	}
}

func TestInspectorTablePostgresBindsName(t *testing.T) {
	db, mock := newSQLMock(t)
	inspector, err := NewInspector(db, "postgres")
	if err != nil {
		t.Fatalf("NewInspector() error = %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("AND table_name = $1")).WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable", "column_default"}).
			AddRow("users", "id", "bigint", "NO", nil))
	mock.ExpectQuery(regexp.QuoteMeta("AND kcu.table_name = $1")).WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}).AddRow("users", "id"))
	mock.ExpectQuery(regexp.QuoteMeta("information_schema.referential_constraints")).WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "table_name", "column_name"}))

	table, err := inspector.Table(context.Background(), "users")
	if err != nil {
		t.Fatalf("Table() error = %v", err)
	}
	assertSQLMock(t, mock)
	if table.Name != "users" || len(table.PrimaryKey) != 1 || table.PrimaryKey[0] != "id" {
		t.Fatalf("table = %+v", table)
	}
}

func TestInspectorTableNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	inspector, _ := NewInspector(db, "duckdb")

	mock.ExpectQuery(regexp.QuoteMeta("information_schema.columns")).WithArgs("ghosts").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable", "column_default"}))
	mock.ExpectQuery(regexp.QuoteMeta("PRIMARY KEY")).WithArgs("ghosts").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}))
	mock.ExpectQuery(regexp.QuoteMeta("referential_constraints")).WithArgs("ghosts").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d"}))

	if _, err := inspector.Table(context.Background(), "ghosts"); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("Table() error = %v, want ErrTableNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestNewInspectorRejectsUnknownDriver(t *testing.T) {
	db, _ := newSQLMock(t)
	if _, err := NewInspector(db, "sqlite"); err == nil {
		t.Fatal("NewInspector() expected error")
	}
}

type countingSnapshotter struct {
	calls  atomic.Int32
	err    error
	tables []Table
	delay  time.Duration
}

func (c *countingSnapshotter) Snapshot(context.Context) ([]Table, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return c.tables, c.err
}

func TestCachedProviderCachesUntilTTL(t *testing.T) {
	src := &countingSnapshotter{tables: []Table{{Name: "users", Columns: []Column{{Name: "id", Type: "int"}}}}}
	p := NewCachedProvider(src, time.Minute, nil)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	first, err := p.Describe(context.Background())
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if _, err := p.Describe(context.Background()); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("snapshot calls = %d, want 1", src.calls.Load())
	}

	now = now.Add(2 * time.Minute)
	second, err := p.Describe(context.Background())
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if src.calls.Load() != 2 || first != second {
		t.Fatalf("calls = %d, first = %q, second = %q", src.calls.Load(), first, second)
	}

	p.Invalidate()
	if _, err := p.Describe(context.Background()); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if src.calls.Load() != 3 {
		t.Fatalf("calls after Invalidate = %d", src.calls.Load())
	}
}

func TestCachedProviderCollapsesConcurrentRefreshes(t *testing.T) {
	src := &countingSnapshotter{tables: []Table{{Name: "t"}}, delay: 50 * time.Millisecond}
	p := NewCachedProvider(src, time.Minute, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Describe(context.Background())
		}()
	}
	wg.Wait()
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("snapshot calls = %d, want 1", got)
	}
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	src := &countingSnapshotter{err: errors.New("denied")}
	p := NewCachedProvider(src, time.Minute, nil)
	for range 2 {
		if _, err := p.Describe(context.Background()); err == nil {
			t.Fatal("Describe() expected error")
		}
	}
	if src.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", src.calls.Load())
	}
}
