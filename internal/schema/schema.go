// Package schema reads table metadata from information_schema and renders
// the textual description used in generation prompts.
package schema

import (
	"errors"
	"strings"
)

var ErrTableNotFound = errors.New("table not found")

type Column struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Nullable   bool    `json:"nullable"`
	PrimaryKey bool    `json:"primary_key"`
	Default    *string `json:"default,omitempty"`
}

type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

// FormatContext renders tables in the prompt layout:
//
//	Table: users
//	- id bigint PRIMARY KEY NOT NULL
//	FK team_id → teams(id)
func FormatContext(tables []Table) string {
	var b strings.Builder
	b.WriteString("Database Schema:\n\n")
	for _, table := range tables {
		b.WriteString("Table: ")
		b.WriteString(table.Name)
		b.WriteByte('\n')
		for _, col := range table.Columns {
			b.WriteString("- ")
			b.WriteString(col.Name)
			b.WriteByte(' ')
			b.WriteString(col.Type)
			if col.PrimaryKey {
				b.WriteString(" PRIMARY KEY")
			}
			if !col.Nullable {
				b.WriteString(" NOT NULL")
			}
			if col.Default != nil {
				b.WriteString(" DEFAULT ")
				b.WriteString(*col.Default)
			}
			b.WriteByte('\n')
		}
		for _, fk := range table.ForeignKeys {
			b.WriteString("FK ")
			b.WriteString(fk.Column)
			b.WriteString(" → ")
			b.WriteString(fk.ReferencedTable)
			b.WriteByte('(')
			b.WriteString(fk.ReferencedColumn)
			b.WriteString(")\n")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
