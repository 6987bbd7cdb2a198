package nl2sql

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

var (
	bareDate         = regexp.MustCompile(`'(\d{4}-\d{2}-\d{2})'`)
	trailingTime     = regexp.MustCompile(`^\s+\d{2}:\d{2}:\d{2}`)
	alreadyWidened   = regexp.MustCompile(`(?i)\b(?:TIMESTAMP|DATE)\s*\(?\s*$`)
	joinKeyword      = regexp.MustCompile(`(?i)\bJOIN\b`)
	selectKeyword    = regexp.MustCompile(`(?i)\bSELECT\b`)
	distinctKeyword  = regexp.MustCompile(`(?i)\bDISTINCT\b`)
	wildcardSelect   = regexp.MustCompile(`(?i)\bSELECT\s+(?:\*|[A-Za-z_]\w*\.\*)`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
	trailingTerminal = regexp.MustCompile(`(?:\s*;)+\s*$`)
)

type stage struct {
	name  string
	apply func(string) string
}

// PostProcessor repairs and normalizes an extracted statement. Every stage
// is total: a stage that panics is logged and its input passed through.
type PostProcessor struct {
	logger *slog.Logger
	stages []stage
}

func NewPostProcessor(dialect Dialect, logger *slog.Logger) *PostProcessor {
	return &PostProcessor{
		logger: observability.LoggerOrDiscard(logger),
		stages: []stage{
			{name: "date_literals", apply: func(sql string) string { return repairDates(sql, dialect) }},
			{name: "distinct", apply: injectDistinct},
			{name: "normalize", apply: normalize},
		},
	}
}

func (p *PostProcessor) Process(sql string) string {
	for _, s := range p.stages {
		sql = p.run(s, sql)
	}
	return sql
}

func (p *PostProcessor) run(s stage, in string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("sql post-processing stage failed",
				slog.String("stage", s.name),
				slog.String("sql", in),
				slog.Any("error", fmt.Errorf("%v", r)),
			)
			out = in
		}
	}()
	return s.apply(in)
}

// repairDates widens 'YYYY-MM-DD' literals that carry no time component.
// Literals that are not real calendar dates are left alone.
func repairDates(sql string, dialect Dialect) string {
	matches := bareDate.FindAllStringSubmatchIndex(sql, -1)
	if len(matches) == 0 {
		return sql
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		date := sql[m[2]:m[3]]
		if trailingTime.MatchString(sql[end:]) || alreadyWidened.MatchString(sql[:start]) {
			continue
		}
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			continue
		}
		b.WriteString(sql[last:start])
		b.WriteString(dialect.Timestamp(sql[start:end]))
		last = end
	}
	b.WriteString(sql[last:])
	return b.String()
}

func injectDistinct(sql string) string {
	if !joinKeyword.MatchString(sql) || distinctKeyword.MatchString(sql) || !wildcardSelect.MatchString(sql) {
		return sql
	}
	loc := selectKeyword.FindStringIndex(sql)
	if loc == nil {
		return sql
	}
	return sql[:loc[1]] + " DISTINCT" + sql[loc[1]:]
}

func normalize(sql string) string {
	sql = stripLineComments(sql)
	sql = whitespaceRun.ReplaceAllString(strings.TrimSpace(sql), " ")
	return trailingTerminal.ReplaceAllString(sql, "")
}

// stripLineComments drops "--" comments through the end of their line.
// Dashes inside quoted strings or identifiers are kept.
func stripLineComments(sql string) string {
	if !strings.Contains(sql, "--") {
		return sql
	}
	var (
		b     strings.Builder
		quote byte
	)
	b.Grow(len(sql))
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return b.String()
			}
			i += end - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
