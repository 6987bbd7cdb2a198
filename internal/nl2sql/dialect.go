package nl2sql

import (
	"fmt"
	"strings"
)

// Dialect names the SQL flavour the model should target and how a bare
// date literal is widened to a timestamp.
type Dialect struct {
	Name string
	// callForm selects TIMESTAMP('d') over the typed-literal TIMESTAMP 'd'.
	callForm bool
}

var (
	MySQL      = Dialect{Name: "MySQL", callForm: true}
	PostgreSQL = Dialect{Name: "PostgreSQL"}
	DuckDB     = Dialect{Name: "DuckDB"}
)

// DialectForDriver maps a target driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "mysql":
		return MySQL, nil
	case "postgres", "pgx":
		return PostgreSQL, nil
	case "duckdb":
		return DuckDB, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported dialect for driver %q", driver)
	}
}

// Timestamp wraps a quoted date literal, quotes included.
func (d Dialect) Timestamp(quoted string) string {
	if d.callForm {
		return "TIMESTAMP(" + quoted + ")"
	}
	return "TIMESTAMP " + quoted
}

func (d Dialect) name() string {
	if d.Name == "" {
		return MySQL.Name
	}
	return d.Name
}
