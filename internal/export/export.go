// Package export writes paged query results to object storage as Parquet.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/query"
	"github.com/sqlpilot/sqlpilot/internal/storage"
)

const DefaultMaxRows = 10000

var ErrNotFound = errors.New("export not found")

type Executor interface {
	Execute(ctx context.Context, req query.Request) (query.Result, error)
}

type Request struct {
	SQL    string `json:"sql"`
	UserID string `json:"-"`
}

type Result struct {
	ExportID  uuid.UUID `json:"export_id"`
	Key       string    `json:"key"`
	Columns   []string  `json:"columns"`
	RowCount  int64     `json:"row_count"`
	SizeBytes int64     `json:"size_bytes"`
	Truncated bool      `json:"truncated"`
	CreatedAt time.Time `json:"created_at"`
}

type Config struct {
	Executor Executor
	Store    storage.ObjectStore
	Metrics  observability.MetricsSink
	Logger   *slog.Logger
	MaxRows  int
	PageSize int
}

type Service struct {
	executor Executor
	store    storage.ObjectStore
	metrics  observability.MetricsSink
	logger   *slog.Logger
	maxRows  int
	pageSize int
	now      func() time.Time
	newID    func() uuid.UUID
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("export executor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("export object store is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NopSink{}
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = query.MaxPageSize
	}
	return &Service{
		executor: cfg.Executor,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   observability.LoggerOrDiscard(cfg.Logger),
		maxRows:  cfg.MaxRows,
		pageSize: cfg.PageSize,
		now:      time.Now,
		newID:    uuid.New,
	}, nil
}

// Export pages through the query until MaxRows rows are collected or the
// result is exhausted, then stores them as one Parquet object.
func (s *Service) Export(ctx context.Context, req Request) (Result, error) {
	start := s.now()
	result, err := s.export(ctx, req)
	status := "success"
	if err != nil {
		status = "failed"
	}
	s.metrics.RecordTimer("export", s.now().Sub(start), "status", status)
	if err != nil {
		s.logger.ErrorContext(ctx, "export failed", slog.String("user_id", req.UserID), slog.Any("error", err))
		return Result{}, err
	}
	s.logger.InfoContext(ctx, "export stored",
		slog.String("key", result.Key),
		slog.Int64("rows", result.RowCount),
		slog.Bool("truncated", result.Truncated),
	)
	return result, nil
}

func (s *Service) export(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return Result{}, &query.ExecutionError{Stage: query.StageValidating, SQL: req.SQL, Err: query.ErrEmptySQL}
	}
	id := s.newID()
	key, err := storage.ExportKey(userOrSystem(req.UserID), id)
	if err != nil {
		return Result{}, err
	}

	var (
		rows      []exportRow
		columns   []string
		truncated bool
	)
	for page := 0; ; page++ {
		paged, err := s.executor.Execute(ctx, query.Request{SQL: req.SQL, Page: page, PageSize: s.pageSize})
		if err != nil {
			return Result{}, err
		}
		if page == 0 {
			columns = paged.Columns
		}
		done := int64(page+1) >= paged.PageInfo.TotalPages || len(paged.Rows) == 0

		batch := paged.Rows
		if remaining := s.maxRows - len(rows); len(batch) > remaining {
			batch = batch[:remaining]
			done = false
		}
		encoded, err := encodeRows(batch, int64(len(rows)))
		if err != nil {
			return Result{}, err
		}
		rows = append(rows, encoded...)

		if len(rows) >= s.maxRows {
			truncated = !done
			break
		}
		if done {
			break
		}
	}

	data, err := writeParquet(rows)
	if err != nil {
		return Result{}, err
	}
	info, err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"row-count": strconv.Itoa(len(rows)),
			"columns":   strings.Join(columns, ","),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("store export: %w", err)
	}

	return Result{
		ExportID:  id,
		Key:       key,
		Columns:   columns,
		RowCount:  int64(len(rows)),
		SizeBytes: info.Size,
		Truncated: truncated,
		CreatedAt: s.now().UTC(),
	}, nil
}

// Open returns the stored export for userID. The caller closes the reader.
func (s *Service) Open(ctx context.Context, userID string, exportID uuid.UUID) (io.ReadCloser, storage.ObjectInfo, error) {
	key, err := storage.ExportKey(userOrSystem(userID), exportID)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	info, err := s.store.Stat(ctx, key)
	if err != nil {
		return nil, storage.ObjectInfo{}, mapNotFound(err)
	}
	body, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, storage.ObjectInfo{}, mapNotFound(err)
	}
	return body, info, nil
}

func (s *Service) Delete(ctx context.Context, userID string, exportID uuid.UUID) error {
	key, err := storage.ExportKey(userOrSystem(userID), exportID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete export: %w", err)
	}
	return nil
}

func userOrSystem(userID string) string {
	if userID == "" {
		return "system"
	}
	return userID
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return ErrNotFound
	}
	return err
}
