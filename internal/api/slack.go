package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/sqlpilot/sqlpilot/internal/slack"
)

func (s *server) handleSlackAsk(w http.ResponseWriter, r *http.Request) {
	if !s.slackRequest(w, r) {
		return
	}
	text, err := slack.CommandText(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Slack.Ask(r.Context(), text))
}

func (s *server) handleSlackInteract(w http.ResponseWriter, r *http.Request) {
	if !s.slackRequest(w, r) {
		return
	}
	interaction, err := s.deps.Slack.ParseInteraction(r.PostFormValue("payload"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	s.deps.Slack.Submit(s.deps.Background, interaction)
	w.WriteHeader(http.StatusOK)
}

// slackRequest checks configuration and the request signature, leaving the
// body readable for form parsing.
func (s *server) slackRequest(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Slack == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SLACK_NOT_CONFIGURED", "slack integration is not enabled", false, nil)
		return false
	}
	secret := s.cfg.Slack.SigningSecret
	if secret == "" {
		return true
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read request body", false, nil)
		return false
	}
	if err := slack.Verify(secret, r.Header, body); err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), false, nil)
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return true
}
