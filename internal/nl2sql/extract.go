package nl2sql

import (
	"regexp"
	"strings"
)

var (
	codeFence         = regexp.MustCompile("```(?:[A-Za-z0-9_+-]*[ \\t]*\\r?\\n)?")
	statementStart    = regexp.MustCompile(`(?i)^\s*(SELECT|INSERT|UPDATE|DELETE|WITH|CREATE|DROP|ALTER)\b`)
	clauseKeyword     = regexp.MustCompile(`(?i)^\s*(FROM|WHERE|JOIN|LEFT|RIGHT|INNER|OUTER|GROUP|ORDER|HAVING|UNION|LIMIT|OFFSET)\b`)
	openTail          = regexp.MustCompile(`[,;()\s]$`)
	comparison        = regexp.MustCompile(`^\s*[A-Za-z_][\w.]*\s*(?:=|<>|!=|<=|>=|<|>|\s(?:NOT\s+)?(?:LIKE|IN|IS|BETWEEN)\b)`)
	connective        = regexp.MustCompile(`(?i)^\s*(AND|OR|ON)\b`)
)

type extractState int

const (
	seeking extractState = iota
	accumulating
)

// Extractor pulls one SQL statement out of free-form model output.
type Extractor struct{}

// Extract returns the candidate statement, or "" when the text holds none.
func (Extractor) Extract(raw string) string {
	text := codeFence.ReplaceAllString(raw, "")
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	if sql := scan(lines); sql != "" {
		return sql
	}
	// A keyword in the middle of a sentence never starts a statement.
	for _, line := range lines {
		if statementStart.MatchString(line) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func scan(lines []string) string {
	var (
		state extractState
		b     strings.Builder
	)
loop:
	for _, line := range lines {
		switch state {
		case seeking:
			if statementStart.MatchString(line) {
				b.WriteString(strings.TrimSpace(line))
				state = accumulating
			}
		case accumulating:
			if strings.TrimSpace(line) == "" {
				b.WriteByte(' ')
				continue
			}
			if !continuesStatement(line) {
				break loop
			}
			b.WriteByte('\n')
			b.WriteString(strings.TrimRight(line, " \t"))
		}
	}
	return strings.TrimSpace(b.String())
}

// continuesStatement reports whether a non-blank line still belongs to the
// statement being accumulated.
func continuesStatement(line string) bool {
	return clauseKeyword.MatchString(line) ||
		openTail.MatchString(line) ||
		comparison.MatchString(line) ||
		connective.MatchString(line)
}
