package nl2sql

import "fmt"

const generationTemplate = `### Database Schema:
%s

### Task:
Convert the following natural language query to %s SQL:
"%s"

### Instructions:
1. Return only the SQL statement. No markdown code fences, no prose, no explanations.
2. The statement must be syntactically correct %s.
3. Use table aliases and write every JOIN condition explicitly.
4. Add WHERE clauses for every filter the request implies.
5. Add ORDER BY whenever the request implies sorting.
6. Write date and time literals explicitly, either as %s or as a full 'YYYY-MM-DD HH:MM:SS' value, so date comparisons are never ambiguous.
7. Use SELECT DISTINCT when a JOIN could return duplicate rows.

### SQL Query:
`

const explanationTemplate = `### SQL Query:
%s

### Original Request:
"%s"

### Task:
Explain in 2-3 sentences what this %s query does. Describe the data it retrieves, the tables involved and the filters applied. Answer in plain text.

### Explanation:
`

// PromptBuilder renders the generation and explanation prompts. It holds no
// state beyond the dialect and is safe for concurrent use.
type PromptBuilder struct {
	Dialect Dialect
}

func (b PromptBuilder) Generation(schemaText, query string) string {
	name := b.Dialect.name()
	return fmt.Sprintf(generationTemplate, schemaText, name, query, name, b.Dialect.Timestamp("'YYYY-MM-DD'"))
}

func (b PromptBuilder) Explanation(sql, query string) string {
	return fmt.Sprintf(explanationTemplate, sql, query, b.Dialect.name())
}
