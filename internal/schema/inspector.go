package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type catalogQueries struct {
	tables      string
	columns     string
	primaryKeys string
	foreignKeys string
}

// Inspector reads the current schema of the target database.
type Inspector struct {
	db      Queryer
	queries catalogQueries
	bind    string
}

func NewInspector(db Queryer, driver string) (*Inspector, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return &Inspector{db: db, queries: queriesFor("DATABASE()", mysqlForeignKeys), bind: "?"}, nil
	case "postgres", "pgx":
		return &Inspector{db: db, queries: queriesFor("current_schema()", standardForeignKeys), bind: "$1"}, nil
	case "duckdb":
		return &Inspector{db: db, queries: queriesFor("current_schema()", standardForeignKeys), bind: "?"}, nil
	default:
		return nil, fmt.Errorf("unsupported schema driver %q", driver)
	}
}

const mysqlForeignKeys = `
SELECT table_name, column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE()
  AND referenced_table_name IS NOT NULL`

const standardForeignKeys = `
SELECT kcu.table_name, kcu.column_name, ref.table_name, ref.column_name
FROM information_schema.referential_constraints rc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = rc.constraint_schema
 AND kcu.constraint_name = rc.constraint_name
JOIN information_schema.key_column_usage ref
  ON ref.constraint_schema = rc.unique_constraint_schema
 AND ref.constraint_name = rc.unique_constraint_name
 AND ref.ordinal_position = kcu.position_in_unique_constraint
WHERE kcu.table_schema = current_schema()`

func queriesFor(schemaExpr, foreignKeys string) catalogQueries {
	return catalogQueries{
		tables: `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = ` + schemaExpr + `
  AND table_type = 'BASE TABLE'`,
		columns: `
SELECT table_name, column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = ` + schemaExpr,
		primaryKeys: `
SELECT kcu.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = tc.constraint_schema
 AND kcu.constraint_name = tc.constraint_name
 AND kcu.table_name = tc.table_name
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND tc.table_schema = ` + schemaExpr,
		foreignKeys: foreignKeys,
	}
}

// Tables lists base table names in name order.
func (i *Inspector) Tables(ctx context.Context) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, i.queries.tables+"\nORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return names, nil
}

// Table describes one table, or returns ErrTableNotFound.
func (i *Inspector) Table(ctx context.Context, name string) (Table, error) {
	tables, err := i.load(ctx, []string{name}, "table_name = "+i.bind, name)
	if err != nil {
		return Table{}, err
	}
	if len(tables) == 0 || len(tables[0].Columns) == 0 {
		return Table{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return tables[0], nil
}

// Snapshot describes every base table.
func (i *Inspector) Snapshot(ctx context.Context) ([]Table, error) {
	names, err := i.Tables(ctx)
	if err != nil {
		return nil, err
	}
	return i.load(ctx, names, "", nil)
}

// load fills columns, keys and foreign keys for names. filter, when set,
// is appended to each catalog query against its table_name column.
func (i *Inspector) load(ctx context.Context, names []string, filter string, arg any) ([]Table, error) {
	byName := make(map[string]*Table, len(names))
	tables := make([]Table, len(names))
	for idx, name := range names {
		tables[idx] = Table{Name: name, Columns: []Column{}, PrimaryKey: []string{}, ForeignKeys: []ForeignKey{}}
		byName[name] = &tables[idx]
	}

	query := func(base, alias, order string) (*sql.Rows, error) {
		text := base
		var args []any
		if filter != "" {
			text += "\n  AND " + alias + filter
			args = append(args, arg)
		}
		return i.db.QueryContext(ctx, text+"\nORDER BY "+order, args...)
	}

	rows, err := query(i.queries.columns, "", "table_name, ordinal_position")
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	err = scanEach(rows, func(r *sql.Rows) error {
		var table, column, dataType, nullable string
		var def sql.NullString
		if err := r.Scan(&table, &column, &dataType, &nullable, &def); err != nil {
			return err
		}
		if t, ok := byName[table]; ok {
			col := Column{Name: column, Type: dataType, Nullable: strings.EqualFold(nullable, "YES")}
			if def.Valid {
				col.Default = &def.String
			}
			t.Columns = append(t.Columns, col)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan columns: %w", err)
	}

	rows, err = query(i.queries.primaryKeys, "kcu.", "kcu.table_name, kcu.ordinal_position")
	if err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}
	err = scanEach(rows, func(r *sql.Rows) error {
		var table, column string
		if err := r.Scan(&table, &column); err != nil {
			return err
		}
		if t, ok := byName[table]; ok {
			t.PrimaryKey = append(t.PrimaryKey, column)
			for c := range t.Columns {
				if t.Columns[c].Name == column {
					t.Columns[c].PrimaryKey = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan primary keys: %w", err)
	}

	fkAlias := "kcu."
	if i.queries.foreignKeys == mysqlForeignKeys {
		fkAlias = ""
	}
	rows, err = query(i.queries.foreignKeys, fkAlias, fkAlias+"table_name, "+fkAlias+"ordinal_position")
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	err = scanEach(rows, func(r *sql.Rows) error {
		var fk ForeignKey
		var table string
		if err := r.Scan(&table, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return err
		}
		if t, ok := byName[table]; ok {
			t.ForeignKeys = append(t.ForeignKeys, fk)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan foreign keys: %w", err)
	}

	return tables, nil
}

func scanEach(rows *sql.Rows, fn func(*sql.Rows) error) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
