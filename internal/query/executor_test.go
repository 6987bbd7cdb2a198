package query

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

type recordingSink struct {
	mu       sync.Mutex
	timers   [][]string
	counters [][]string
}

func (s *recordingSink) RecordTimer(_ string, _ time.Duration, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers, tags)
}

func (s *recordingSink) IncrementCounter(_ string, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = append(s.counters, tags)
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

func newTestExecutor(t *testing.T, db DB, sink *recordingSink, naming ColumnNaming) *Executor {
	t.Helper()
	e, err := NewExecutor(ExecutorConfig{DB: db, Metrics: sink, ColumnNaming: naming})
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	return e
}

func TestExecuteCountsThenFetchesPage(t *testing.T) {
	db, mock := newSQLMock(t)
	sink := &recordingSink{}
	e := newTestExecutor(t, db, sink, SyntheticColumns)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM (SELECT id, name, avatar, balance FROM users) AS count_query")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(105)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM (SELECT id, name, avatar, balance FROM users) AS page_query LIMIT 20 OFFSET 40")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "avatar", "balance"}).
			AddRow(int64(41), "ada", []byte("png"), float64(9000.5)).
			AddRow(int64(42), nil, nil, float64(-3)))

	got, err := e.Execute(context.Background(), Request{SQL: "SELECT id, name, avatar, balance FROM users;", Page: 2, PageSize: 20})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	assertSQLMock(t, mock)

	if got.PageInfo != (PageInfo{PageNumber: 2, PageSize: 20, TotalElements: 105, TotalPages: 6}) {
		t.Fatalf("PageInfo = %+v", got.PageInfo)
	}
	if got.Metrics.Status != StatusSuccess || got.Metrics.ResultCount != 2 || got.Error != "" {
		t.Fatalf("Metrics = %+v, Error = %q", got.Metrics, got.Error)
	}
	first := got.Rows[0]
	if first["column_1"] != int64(41) || first["column_2"] != "ada" || first["column_3"] != "png" || first["column_4"] != 9000.5 {
		t.Fatalf("first row = %#v", first)
	}
	second := got.Rows[1]
	if second["column_2"] != nil || second["column_3"] != nil || second["column_4"] != float64(-3) {
		t.Fatalf("second row = %#v", second)
	}
	if len(got.Columns) != 4 || got.Columns[3] != "column_4" {
		t.Fatalf("Columns = %v", got.Columns)
	}
	if len(sink.counters) != 1 || sink.counters[0][1] != "success" {
		t.Fatalf("counters = %v", sink.counters)
	}
}

func TestExecuteSourceColumnNames(t *testing.T) {
	db, mock := newSQLMock(t)
	e := newTestExecutor(t, db, &recordingSink{}, SourceColumns)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT 20 OFFSET 0")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "id", "name"}).AddRow(int64(1), int64(2), "x"))

	got, err := e.Execute(context.Background(), Request{SQL: "SELECT a.id, b.id, a.name FROM a JOIN b ON a.id = b.a_id"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	assertSQLMock(t, mock)
	row := got.Rows[0]
	if row["id"] != int64(1) || row["id_2"] != int64(2) || row["name"] != "x" {
		t.Fatalf("row = %#v", row)
	}
}

func TestExecuteEmptyResult(t *testing.T) {
	db, mock := newSQLMock(t)
	e := newTestExecutor(t, db, &recordingSink{}, SyntheticColumns)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("page_query")).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := e.Execute(context.Background(), Request{SQL: "SELECT id FROM t WHERE 1 = 0"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.PageInfo.TotalPages != 0 || got.PageInfo.TotalElements != 0 {
		t.Fatalf("PageInfo = %+v", got.PageInfo)
	}
	if got.Rows == nil || len(got.Rows) != 0 {
		t.Fatalf("Rows = %#v, want empty non-nil", got.Rows)
	}
}

func TestExecuteRejectsModificationWithoutQuerying(t *testing.T) {
	for _, statement := range []string{
		"DROP TABLE users",
		"select * from users; drop table users",
		"SELECT * FROM notes WHERE note = 'please do not DROP this'",
		"Delete FROM users",
		"GRANT ALL ON x TO y",
	} {
		db, mock := newSQLMock(t)
		sink := &recordingSink{}
		e := newTestExecutor(t, db, sink, SyntheticColumns)

		got, err := e.Execute(context.Background(), Request{SQL: statement})
		if !errors.Is(err, ErrModificationNotAllowed) {
			t.Fatalf("Execute(%q) error = %v, want ErrModificationNotAllowed", statement, err)
		}
		var execErr *ExecutionError
		if !errors.As(err, &execErr) || execErr.Stage != StageValidating {
			t.Fatalf("Execute(%q) error = %#v", statement, err)
		}
		if got.Metrics.Status != StatusFailed || got.Error != "modification queries are not allowed" || len(got.Rows) != 0 {
			t.Fatalf("Execute(%q) result = %+v", statement, got)
		}
		assertSQLMock(t, mock)
		if sink.counters[0][3] != string(StageValidating) || sink.counters[0][5] != "modification_not_allowed" {
			t.Fatalf("counter tags = %v", sink.counters[0])
		}
	}
}

func TestExecuteRejectsBlankSQL(t *testing.T) {
	db, mock := newSQLMock(t)
	e := newTestExecutor(t, db, &recordingSink{}, SyntheticColumns)
	if _, err := e.Execute(context.Background(), Request{SQL: "  "}); !errors.Is(err, ErrEmptySQL) {
		t.Fatalf("Execute() error = %v, want ErrEmptySQL", err)
	}
	assertSQLMock(t, mock)
}

func TestExecuteAllowsWordsContainingDenylistedKeywords(t *testing.T) {
	db, mock := newSQLMock(t)
	e := newTestExecutor(t, db, &recordingSink{}, SyntheticColumns)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM (SELECT created_at, dropped FROM deletions) AS count_query")).
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("page_query")).WillReturnRows(sqlmock.NewRows([]string{"created_at", "dropped"}))

	if _, err := e.Execute(context.Background(), Request{SQL: "SELECT created_at, dropped FROM deletions"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestExecuteCountFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	sink := &recordingSink{}
	e := newTestExecutor(t, db, sink, SyntheticColumns)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).WillReturnError(errors.New("table missing"))

	got, err := e.Execute(context.Background(), Request{SQL: "SELECT * FROM missing"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Stage != StageCountingRows || execErr.SQL != "SELECT * FROM missing" {
		t.Fatalf("Execute() error = %#v", err)
	}
	assertSQLMock(t, mock)
	if got.Metrics.Status != StatusFailed || got.Error == "" || len(got.Rows) != 0 {
		t.Fatalf("result = %+v", got)
	}
	if sink.timers[0][1] != "failed" {
		t.Fatalf("timer tags = %v", sink.timers[0])
	}
}

func TestExecutePageFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	e := newTestExecutor(t, db, &recordingSink{}, SyntheticColumns)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta("page_query")).WillReturnError(errors.New("lost connection"))

	_, err := e.Execute(context.Background(), Request{SQL: "SELECT * FROM t"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Stage != StageFetchingPage {
		t.Fatalf("Execute() error = %#v", err)
	}
	assertSQLMock(t, mock)
}

func TestExecuteRowErrorFails(t *testing.T) {
	db, mock := newSQLMock(t)
	e := newTestExecutor(t, db, &recordingSink{}, SyntheticColumns)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta("page_query")).WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)).RowError(1, errors.New("broken row")))

	got, err := e.Execute(context.Background(), Request{SQL: "SELECT id FROM t"})
	if err == nil {
		t.Fatal("Execute() expected error")
	}
	if len(got.Rows) != 0 || got.Metrics.ResultCount != 0 {
		t.Fatalf("partial rows leaked: %+v", got)
	}
}

func TestPageClamping(t *testing.T) {
	db, _ := newSQLMock(t)
	e := newTestExecutor(t, db, &recordingSink{}, SyntheticColumns)
	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{page: -3, size: 10, wantPage: 0, wantSize: 10},
		{page: 1, size: 0, wantPage: 1, wantSize: DefaultPageSize},
		{page: 1, size: -5, wantPage: 1, wantSize: DefaultPageSize},
		{page: 4, size: 500, wantPage: 4, wantSize: MaxPageSize},
		{page: 0, size: 100, wantPage: 0, wantSize: 100},
	}
	for _, tc := range tests {
		page, size := e.Page(tc.page, tc.size)
		if page != tc.wantPage || size != tc.wantSize {
			t.Fatalf("Page(%d, %d) = %d, %d", tc.page, tc.size, page, size)
		}
	}
}

func TestTotalPages(t *testing.T) {
	tests := []struct {
		total int64
		size  int
		want  int64
	}{
		{total: 105, size: 20, want: 6},
		{total: 100, size: 20, want: 5},
		{total: 1, size: 20, want: 1},
		{total: 0, size: 20, want: 0},
	}
	for _, tc := range tests {
		if got := totalPages(tc.total, tc.size); got != tc.want {
			t.Fatalf("totalPages(%d, %d) = %d, want %d", tc.total, tc.size, got, tc.want)
		}
	}
}

func TestNewExecutorRequiresDB(t *testing.T) {
	if _, err := NewExecutor(ExecutorConfig{}); err == nil {
		t.Fatal("NewExecutor() expected error")
	}
}

func TestParseColumnNaming(t *testing.T) {
	if n, err := ParseColumnNaming("source"); err != nil || n != SourceColumns {
		t.Fatalf("ParseColumnNaming(source) = %v, %v", n, err)
	}
	if n, err := ParseColumnNaming(""); err != nil || n != SyntheticColumns {
		t.Fatalf("ParseColumnNaming(\"\") = %v, %v", n, err)
	}
	if _, err := ParseColumnNaming("fancy"); err == nil {
		t.Fatal("ParseColumnNaming(fancy) expected error")
	}
}

func TestNormalizeValue(t *testing.T) {
	var nilBig *big.Int
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: nil},
		{name: "bytes", in: []byte("png"), want: "png"},
		{name: "big int pointer", in: big.NewInt(9000), want: int64(9000)},
		{name: "negative big int", in: big.NewInt(-3), want: int64(-3)},
		{name: "big int value", in: *big.NewInt(7), want: int64(7)},
		{name: "nil big int pointer", in: nilBig, want: nil},
		{name: "passthrough", in: 1.5, want: 1.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeValue(tc.in); got != tc.want {
				t.Fatalf("normalizeValue(%v) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}
