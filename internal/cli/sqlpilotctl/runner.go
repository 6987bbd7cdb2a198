// Package sqlpilotctl is the command-line client for the sqlpilot HTTP API.
package sqlpilotctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

var errUsage = errors.New("a command is required")

// Run executes one CLI invocation and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCmd(defaults)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errUsage) {
			_ = root.Usage()
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type rootFlags struct {
	baseURL string
	apiKey  string
	userID  string
	output  string
	timeout time.Duration
}

func newRootCmd(defaults Options) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "sqlpilotctl",
		Short:         "Ask questions of a database through the sqlpilot API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return errUsage
		},
	}
	root.PersistentFlags().StringVar(&flags.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlpilot API base URL")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().StringVar(&flags.userID, "user-id", defaults.UserID, "X-User-ID header (used when auth is disabled)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "table", "output format (table, json)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 10s)")

	newClient := func() *client {
		httpClient := defaults.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: flags.timeout}
		}
		return &client{baseURL: flags.baseURL, apiKey: flags.apiKey, userID: flags.userID, http: httpClient}
	}

	root.AddCommand(
		newHealthCmd(newClient),
		newAskCmd(flags, newClient),
		newExecuteCmd(flags, newClient),
		newSQLCmd(flags, newClient),
		newHistoryCmd(flags, newClient),
		newRecentCmd(flags, newClient),
	)
	return root
}

func newHealthCmd(newClient func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "GET /v1/health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := newClient().do(cmd.Context(), http.MethodGet, "/v1/health", nil, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

type conversionResult struct {
	OriginalQuery string `json:"original_query"`
	GeneratedSQL  string `json:"generated_sql"`
	Explanation   string `json:"explanation"`
}

func newAskCmd(flags *rootFlags, newClient func() *client) *cobra.Command {
	var (
		explain  bool
		noSchema bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Convert a question to SQL without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"query":                  strings.Join(args, " "),
				"explain":                explain,
				"include_schema_context": !noSchema,
			}
			raw, err := newClient().do(cmd.Context(), http.MethodPost, "/v1/query/text-to-sql", nil, payload)
			if err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			var result conversionResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			printConversion(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", true, "ask the model to explain the generated SQL")
	cmd.Flags().BoolVar(&noSchema, "no-schema", false, "omit the database schema from the prompt")
	return cmd
}

type executionResult struct {
	conversionResult
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	PageInfo struct {
		PageNumber    int   `json:"page_number"`
		PageSize      int   `json:"page_size"`
		TotalElements int64 `json:"total_elements"`
		TotalPages    int64 `json:"total_pages"`
	} `json:"page_info"`
	Metrics struct {
		ExecutionTimeMs int64 `json:"execution_time_ms"`
	} `json:"metrics"`
}

func newExecuteCmd(flags *rootFlags, newClient func() *client) *cobra.Command {
	var page, size int
	cmd := &cobra.Command{
		Use:   "execute <question>",
		Short: "Convert a question to SQL and run it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"query": strings.Join(args, " ")}
			raw, err := newClient().do(cmd.Context(), http.MethodPost, "/v1/query/execute", pageQuery(page, size), payload)
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), flags.output, raw)
		},
	}
	addPageFlags(cmd, &page, &size)
	return cmd
}

func newSQLCmd(flags *rootFlags, newClient func() *client) *cobra.Command {
	var page, size int
	cmd := &cobra.Command{
		Use:   "sql <statement>",
		Short: "Run a read-only SQL statement",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"sql": strings.Join(args, " ")}
			raw, err := newClient().do(cmd.Context(), http.MethodPost, "/v1/query/sql", pageQuery(page, size), payload)
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), flags.output, raw)
		},
	}
	addPageFlags(cmd, &page, &size)
	return cmd
}

type historyEntry struct {
	ID           string    `json:"id"`
	Question     string    `json:"natural_language_query"`
	GeneratedSQL string    `json:"generated_sql"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	ResultCount  int       `json:"result_count"`
	Status       string    `json:"status"`
}

func newHistoryCmd(flags *rootFlags, newClient func() *client) *cobra.Command {
	var (
		page, size int
		user       string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded queries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/query/history"
			if user != "" {
				path = "/v1/query/user/" + url.PathEscape(user)
			}
			raw, err := newClient().do(cmd.Context(), http.MethodGet, path, pageQuery(page, size), nil)
			if err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			var result struct {
				Entries []historyEntry `json:"entries"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return printHistory(cmd.OutOrStdout(), result.Entries)
		},
	}
	addPageFlags(cmd, &page, &size)
	cmd.Flags().StringVar(&user, "user", "", "only list queries recorded for this user")
	return cmd
}

func newRecentCmd(flags *rootFlags, newClient func() *client) *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := newClient().do(cmd.Context(), http.MethodGet, "/v1/query/recent", pageQuery(-1, size), nil)
			if err != nil {
				return err
			}
			if flags.output == "json" {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			var result struct {
				Entries []historyEntry `json:"entries"`
			}
			if err := json.Unmarshal(raw, &result); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return printHistory(cmd.OutOrStdout(), result.Entries)
		},
	}
	cmd.Flags().IntVar(&size, "size", 10, "number of entries (at most 50)")
	return cmd
}

func addPageFlags(cmd *cobra.Command, page, size *int) {
	cmd.Flags().IntVar(page, "page", 0, "zero-based page number")
	cmd.Flags().IntVar(size, "size", 0, "page size (server default when 0)")
}

// pageQuery omits negative page and non-positive size so the server applies
// its defaults.
func pageQuery(page, size int) url.Values {
	values := url.Values{}
	if page >= 0 {
		values.Set("page", strconv.Itoa(page))
	}
	if size > 0 {
		values.Set("size", strconv.Itoa(size))
	}
	return values
}

func printJSON(w io.Writer, raw []byte) error {
	if pretty, ok := prettyJSON(raw); ok {
		_, err := fmt.Fprintln(w, pretty)
		return err
	}
	if len(raw) > 0 {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	return nil
}

func printConversion(w io.Writer, result conversionResult) {
	if result.GeneratedSQL != "" {
		_, _ = fmt.Fprintln(w, pterm.DefaultBox.WithTitle("SQL").WithPadding(1).Sprint(result.GeneratedSQL))
	}
	if result.Explanation != "" {
		_, _ = fmt.Fprintln(w, result.Explanation)
	}
}

func printExecution(w io.Writer, output string, raw []byte) error {
	if output == "json" {
		return printJSON(w, raw)
	}
	var result executionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	printConversion(w, result.conversionResult)
	if len(result.Rows) == 0 {
		_, _ = fmt.Fprintln(w, "No results found.")
		return nil
	}
	if err := printTable(w, resultColumns(result.Columns, result.Rows[0]), result.Rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "page %d of %d, %d rows total, %dms\n",
		result.PageInfo.PageNumber+1, result.PageInfo.TotalPages, result.PageInfo.TotalElements, result.Metrics.ExecutionTimeMs)
	return err
}

// resultColumns prefers the declared column order when it keys the rows.
func resultColumns(declared []string, sample map[string]any) []string {
	if len(declared) > 0 {
		if _, ok := sample[declared[0]]; ok {
			return declared
		}
	}
	keys := make([]string, 0, len(sample))
	for key := range sample {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func printTable(w io.Writer, columns []string, rows []map[string]any) error {
	data := pterm.TableData{columns}
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, column := range columns {
			cells[i] = formatCell(row[column])
		}
		data = append(data, cells)
	}
	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, rendered)
	return err
}

func printHistory(w io.Writer, entries []historyEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No history entries.")
		return err
	}
	rows := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, map[string]any{
			"id":      entry.ID,
			"created": entry.CreatedAt.Local().Format(time.DateTime),
			"user":    entry.UserID,
			"status":  entry.Status,
			"rows":    entry.ResultCount,
			"sql":     entry.GeneratedSQL,
		})
	}
	return printTable(w, []string{"id", "created", "user", "status", "rows", "sql"}, rows)
}

func formatCell(value any) string {
	if value == nil {
		return "null"
	}
	return fmt.Sprint(value)
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
