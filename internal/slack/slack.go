// Package slack answers slash commands with generated SQL and runs the SQL
// when the user presses the button.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	slackgo "github.com/slack-go/slack"

	"github.com/sqlpilot/sqlpilot/internal/history"
	"github.com/sqlpilot/sqlpilot/internal/nl2sql"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/query"
)

// DefaultResponseURLPrefix limits where results may be posted.
const DefaultResponseURLPrefix = "https://hooks.slack.com/"

var (
	ErrInvalidInteraction = errors.New("invalid slack interaction")
	ErrInvalidCommand     = errors.New("invalid slack command")
)

type Converter interface {
	Convert(ctx context.Context, req nl2sql.Request) (nl2sql.Result, error)
}

type Executor interface {
	Execute(ctx context.Context, req query.Request) (query.Result, error)
}

type Recorder interface {
	Record(ctx context.Context, entry history.Entry)
}

type Config struct {
	Converter         Converter
	Executor          Executor
	Recorder          Recorder
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Workers           int
	ResponseURLPrefix string
}

type Service struct {
	converter Converter
	executor  Executor
	recorder  Recorder
	client    *http.Client
	logger    *slog.Logger
	prefix    string
	pool      *pool
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Converter == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("slack converter and executor are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.ResponseURLPrefix == "" {
		cfg.ResponseURLPrefix = DefaultResponseURLPrefix
	}
	return &Service{
		converter: cfg.Converter,
		executor:  cfg.Executor,
		recorder:  cfg.Recorder,
		client:    cfg.HTTPClient,
		logger:    observability.LoggerOrDiscard(cfg.Logger),
		prefix:    cfg.ResponseURLPrefix,
		pool:      newPool(cfg.Workers),
	}, nil
}

type buttonValue struct {
	SQL string `json:"sql"`
	NLQ string `json:"nlq"`
}

// Ask converts text without an explanation and offers a button to run it.
func (s *Service) Ask(ctx context.Context, text string) Message {
	text = strings.TrimSpace(text)
	if text == "" {
		return textMessage("Please provide a valid natural language query.")
	}

	result, err := s.converter.Convert(ctx, nl2sql.Request{Query: text, Explain: false, IncludeSchemaContext: true})
	if err != nil {
		s.logger.WarnContext(ctx, "slack conversion failed", slog.Any("error", err))
		return textMessage("Could not generate SQL: " + result.Error)
	}

	value, err := json.Marshal(buttonValue{SQL: result.GeneratedSQL, NLQ: result.OriginalQuery})
	if err != nil {
		return textMessage("Could not prepare the query button.")
	}
	return Message{
		ResponseType: responseInChannel,
		Blocks: blocks(
			markdownSection("*Natural Language Query:*\n"+result.OriginalQuery),
			sqlBlock("Generated SQL", result.GeneratedSQL),
			runButton(string(value)),
		),
	}
}

// CommandText reads the text argument of a slash command form post.
func CommandText(r *http.Request) (string, error) {
	command, err := slackgo.SlashCommandParse(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return command.Text, nil
}

type Interaction struct {
	SQL         string
	NLQ         string
	UserID      string
	ResponseURL string
}

// ParseInteraction decodes the form payload Slack sends for a button press.
func (s *Service) ParseInteraction(raw string) (Interaction, error) {
	var callback slackgo.InteractionCallback
	if err := json.Unmarshal([]byte(raw), &callback); err != nil {
		return Interaction{}, fmt.Errorf("%w: %v", ErrInvalidInteraction, err)
	}
	action := runAction(callback.ActionCallback.BlockActions)
	if action == nil {
		return Interaction{}, fmt.Errorf("%w: no %s action", ErrInvalidInteraction, runQueryAction)
	}
	var value buttonValue
	if err := json.Unmarshal([]byte(action.Value), &value); err != nil {
		return Interaction{}, fmt.Errorf("%w: action value: %v", ErrInvalidInteraction, err)
	}
	if strings.TrimSpace(value.SQL) == "" {
		return Interaction{}, fmt.Errorf("%w: sql is empty", ErrInvalidInteraction)
	}
	if !strings.HasPrefix(callback.ResponseURL, s.prefix) {
		return Interaction{}, fmt.Errorf("%w: response_url %q is not allowed", ErrInvalidInteraction, callback.ResponseURL)
	}
	return Interaction{
		SQL:         value.SQL,
		NLQ:         value.NLQ,
		UserID:      callback.User.ID,
		ResponseURL: callback.ResponseURL,
	}, nil
}

func runAction(actions []*slackgo.BlockAction) *slackgo.BlockAction {
	for _, action := range actions {
		if action != nil && action.ActionID == runQueryAction {
			return action
		}
	}
	return nil
}

// Submit queues the interaction. ctx bounds the background work, so pass a
// service lifetime context rather than the request context.
func (s *Service) Submit(ctx context.Context, interaction Interaction) {
	s.pool.submit(ctx, func(ctx context.Context) {
		if err := s.run(ctx, interaction); err != nil {
			s.logger.ErrorContext(ctx, "slack run failed",
				slog.String("user_id", interaction.UserID),
				slog.Any("error", err),
			)
		}
	}, func(err error) {
		s.logger.WarnContext(ctx, "slack interaction dropped",
			slog.String("user_id", interaction.UserID),
			slog.String("sql", interaction.SQL),
			slog.Any("error", err),
		)
	})
}

// Wait blocks until submitted jobs finish.
func (s *Service) Wait() {
	s.pool.wait()
}

func (s *Service) run(ctx context.Context, interaction Interaction) error {
	result, execErr := s.executor.Execute(ctx, query.Request{SQL: interaction.SQL})
	if s.recorder != nil {
		s.recorder.Record(ctx, history.NewEntry(interaction.NLQ, interaction.SQL, "", result, interaction.UserID))
	}

	set := []slackgo.Block{
		markdownSection(fmt.Sprintf("*Query Executed by <@%s>*", interaction.UserID)),
		sqlBlock("SQL", interaction.SQL),
		summaryBlock(result.Metrics),
	}
	if execErr != nil {
		set = append(set, markdownSection("*Error:*\n```\n"+result.Error+"\n```"))
	} else {
		set = append(set, markdownSection("*Results:*\n"+MarkdownTable(result.Columns, result.Rows)))
	}
	response := blocks(set...)
	err := slackgo.PostWebhookCustomHTTPContext(ctx, interaction.ResponseURL, s.client, &slackgo.WebhookMessage{
		ResponseType: responseEphemeral,
		Blocks:       &response,
	})
	if err != nil {
		return fmt.Errorf("post slack response: %w", err)
	}
	return nil
}
