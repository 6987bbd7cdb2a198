package slack

import (
	"errors"
	"fmt"
	"net/http"

	slackgo "github.com/slack-go/slack"
)

var ErrBadSignature = errors.New("slack request signature mismatch")

// Verify checks the v0 request signature Slack attaches to every callback.
// Timestamps more than five minutes from now are rejected.
func Verify(secret string, header http.Header, body []byte) error {
	verifier, err := slackgo.NewSecretsVerifier(header, secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if _, err := verifier.Write(body); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := verifier.Ensure(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
