// Package nl2sql turns natural-language questions into a single SQL
// statement by prompting a language model and repairing what comes back.
package nl2sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

// LanguageModel is a blocking prompt-in, raw-text-out model call.
type LanguageModel interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// SchemaContextProvider describes the target database for prompting.
type SchemaContextProvider interface {
	Describe(ctx context.Context) (string, error)
}

type Request struct {
	Query                string `json:"query"`
	Explain              bool   `json:"explain"`
	IncludeSchemaContext bool   `json:"include_schema_context"`
}

type Result struct {
	OriginalQuery string `json:"original_query"`
	GeneratedSQL  string `json:"generated_sql,omitempty"`
	Explanation   string `json:"explanation,omitempty"`
	Error         string `json:"error,omitempty"`
}

var (
	ErrInvalidRequest = errors.New("invalid conversion request")
	ErrNoSQLExtracted = errors.New("no SQL extracted from model response")
)

func init() {
	observability.RegisterErrorClass(ErrInvalidRequest, "invalid_request")
	observability.RegisterErrorClass(ErrNoSQLExtracted, "no_sql_extracted")
}

// GenerationError reports a failed model round trip or an unusable response.
type GenerationError struct {
	Query string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate sql for %q: %v", e.Query, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
