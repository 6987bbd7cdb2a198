// Package history records conversions and executions for later review.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sqlpilot/sqlpilot/internal/query"
)

var ErrNotFound = errors.New("history: not found")

const (
	// SystemUser owns entries recorded without a caller identity.
	SystemUser = "system"
	// MaxRecent bounds Recent regardless of the requested size.
	MaxRecent = 50
)

type Entry struct {
	ID                   uuid.UUID       `json:"id"`
	NaturalLanguageQuery string          `json:"natural_language_query"`
	GeneratedSQL         string          `json:"generated_sql"`
	Explanation          string          `json:"explanation,omitempty"`
	UserID               string          `json:"user_id"`
	CreatedAt            time.Time       `json:"created_at"`
	ExecutionTimeMs      int64           `json:"execution_time_ms"`
	ResultCount          int             `json:"result_count"`
	Status               query.Status    `json:"status"`
	ExecutionMetrics     json.RawMessage `json:"execution_metrics,omitempty"`
}

type Page struct {
	Entries  []Entry        `json:"entries"`
	PageInfo query.PageInfo `json:"page_info"`
}

type Store interface {
	Save(ctx context.Context, entry Entry) (Entry, error)
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	List(ctx context.Context, page, size int) (Page, error)
	ListByUser(ctx context.Context, userID string, page, size int) (Page, error)
	Recent(ctx context.Context, size int) ([]Entry, error)
}

// NewEntry builds the record for one executed request.
func NewEntry(nlq, sql, explanation string, result query.Result, userID string) Entry {
	if userID == "" {
		userID = SystemUser
	}
	metrics, err := json.Marshal(struct {
		query.Metrics
		PageInfo query.PageInfo `json:"page_info"`
		Error    string         `json:"error,omitempty"`
	}{Metrics: result.Metrics, PageInfo: result.PageInfo, Error: result.Error})
	if err != nil {
		metrics = nil
	}
	return Entry{
		ID:                   uuid.New(),
		NaturalLanguageQuery: nlq,
		GeneratedSQL:         sql,
		Explanation:          explanation,
		UserID:               userID,
		ExecutionTimeMs:      result.Metrics.ExecutionTimeMs,
		ResultCount:          result.Metrics.ResultCount,
		Status:               result.Metrics.Status,
		ExecutionMetrics:     metrics,
	}
}
