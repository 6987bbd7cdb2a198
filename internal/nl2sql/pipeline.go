package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

const (
	DefaultMaxQueryLength = 1000

	noSchemaContext        = "No schema context provided."
	explanationUnavailable = "Unable to generate explanation for this query."
)

var explanationLabel = regexp.MustCompile(`(?i)^\s*explanation\s*:\s*`)

type PipelineConfig struct {
	Model          LanguageModel
	Schema         SchemaContextProvider
	Dialect        Dialect
	Metrics        observability.MetricsSink
	Logger         *slog.Logger
	MaxQueryLength int
}

// Pipeline runs prompt, model call, extraction, post-processing and the
// optional explanation for one request at a time. It keeps no per-call
// state and may be shared between goroutines.
type Pipeline struct {
	model          LanguageModel
	schema         SchemaContextProvider
	prompts        PromptBuilder
	extractor      Extractor
	post           *PostProcessor
	metrics        observability.MetricsSink
	logger         *slog.Logger
	maxQueryLength int
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("language model is required")
	}
	logger := observability.LoggerOrDiscard(cfg.Logger)
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NopSink{}
	}
	maxLen := cfg.MaxQueryLength
	if maxLen <= 0 {
		maxLen = DefaultMaxQueryLength
	}
	return &Pipeline{
		model:          cfg.Model,
		schema:         cfg.Schema,
		prompts:        PromptBuilder{Dialect: cfg.Dialect},
		post:           NewPostProcessor(cfg.Dialect, logger),
		metrics:        metrics,
		logger:         logger,
		maxQueryLength: maxLen,
	}, nil
}

func (p *Pipeline) Convert(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	result, err := p.convert(ctx, req)

	status := "success"
	if err != nil {
		status = "failure"
		result = Result{OriginalQuery: req.Query, Error: err.Error()}
		p.logger.ErrorContext(ctx, "sql conversion failed",
			slog.String("query", req.Query),
			slog.Any("error", err),
		)
	}
	p.metrics.RecordTimer("conversion", time.Since(start), "status", status)
	p.metrics.IncrementCounter("conversion", "status", status, "error", observability.ErrorClass(err))
	return result, err
}

func (p *Pipeline) convert(ctx context.Context, req Request) (Result, error) {
	if err := p.validate(req.Query); err != nil {
		return Result{}, err
	}

	schemaText := noSchemaContext
	if req.IncludeSchemaContext && p.schema != nil {
		described, err := p.schema.Describe(ctx)
		if err != nil {
			return Result{}, &GenerationError{Query: req.Query, Err: fmt.Errorf("describe schema: %w", err)}
		}
		schemaText = described
	}

	prompt := p.prompts.Generation(schemaText, req.Query)
	p.logger.DebugContext(ctx, "sending generation prompt", slog.String("prompt", prompt))
	raw, err := p.model.Ask(ctx, prompt)
	if err != nil {
		return Result{}, &GenerationError{Query: req.Query, Err: fmt.Errorf("ask language model: %w", err)}
	}
	p.logger.DebugContext(ctx, "model response", slog.String("raw", raw))

	candidate := p.extractor.Extract(raw)
	if candidate == "" {
		return Result{}, &GenerationError{Query: req.Query, Err: ErrNoSQLExtracted}
	}
	sql := p.post.Process(candidate)
	if sql == "" {
		return Result{}, &GenerationError{Query: req.Query, Err: ErrNoSQLExtracted}
	}
	p.logger.InfoContext(ctx, "generated sql", slog.String("sql", sql))

	result := Result{OriginalQuery: req.Query, GeneratedSQL: sql}
	if req.Explain {
		result.Explanation = p.explain(ctx, sql, req.Query)
	}
	return result, nil
}

func (p *Pipeline) validate(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: query must not be blank", ErrInvalidRequest)
	}
	if n := utf8.RuneCountInString(query); n > p.maxQueryLength {
		return fmt.Errorf("%w: query is %d characters, maximum is %d", ErrInvalidRequest, n, p.maxQueryLength)
	}
	return nil
}

// explain never fails the conversion; any problem yields a fixed notice.
func (p *Pipeline) explain(ctx context.Context, sql, query string) string {
	raw, err := p.model.Ask(ctx, p.prompts.Explanation(sql, query))
	if err != nil {
		p.logger.WarnContext(ctx, "explanation failed", slog.String("sql", sql), slog.Any("error", err))
		return explanationUnavailable
	}
	text := strings.TrimSpace(explanationLabel.ReplaceAllString(strings.TrimSpace(raw), ""))
	if text == "" {
		return explanationUnavailable
	}
	return text
}

