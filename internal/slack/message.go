package slack

import (
	"fmt"
	"sort"
	"strings"

	slackgo "github.com/slack-go/slack"

	"github.com/sqlpilot/sqlpilot/internal/query"
)

const (
	runQueryAction = "run_query"

	responseInChannel = "in_channel"
	responseEphemeral = "ephemeral"
)

// Message is the JSON body returned to a slash command.
type Message = slackgo.Msg

func markdownText(text string) *slackgo.TextBlockObject {
	return slackgo.NewTextBlockObject(slackgo.MarkdownType, text, false, false)
}

func markdownSection(text string) *slackgo.SectionBlock {
	return slackgo.NewSectionBlock(markdownText(text), nil, nil)
}

func sqlBlock(title, sql string) *slackgo.SectionBlock {
	return markdownSection("*" + title + ":*\n```sql\n" + sql + "\n```")
}

func runButton(value string) *slackgo.ActionBlock {
	label := slackgo.NewTextBlockObject(slackgo.PlainTextType, "Run Query", false, false)
	return slackgo.NewActionBlock("", slackgo.NewButtonBlockElement(runQueryAction, value, label))
}

func summaryBlock(metrics query.Metrics) *slackgo.ContextBlock {
	return slackgo.NewContextBlock("", markdownText(summaryLine(metrics)))
}

func blocks(set ...slackgo.Block) slackgo.Blocks {
	return slackgo.Blocks{BlockSet: set}
}

func textMessage(text string) Message {
	return Message{ResponseType: responseEphemeral, Text: text}
}

func summaryLine(metrics query.Metrics) string {
	return fmt.Sprintf("*Status:* %s  |  *Rows:* %d  |  *Time:* %d ms", metrics.Status, metrics.ResultCount, metrics.ExecutionTimeMs)
}

// MarkdownTable renders rows as a pipe table inside a code block, in column order.
func MarkdownTable(columns []string, rows []map[string]any) string {
	if len(rows) == 0 {
		return "```\nNo results found.\n```"
	}
	if len(columns) == 0 {
		for key := range rows[0] {
			columns = append(columns, key)
		}
		sort.Strings(columns)
	}

	var b strings.Builder
	b.WriteString("```\n")
	b.WriteString(strings.Join(columns, " | "))
	b.WriteString("\n")
	separators := make([]string, len(columns))
	for i := range separators {
		separators[i] = "---"
	}
	b.WriteString(strings.Join(separators, " | "))
	b.WriteString("\n")

	cells := make([]string, len(columns))
	for _, row := range rows {
		for i, column := range columns {
			value := row[column]
			if value == nil {
				cells[i] = "null"
				continue
			}
			cells[i] = fmt.Sprint(value)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	b.WriteString("```")
	return b.String()
}
