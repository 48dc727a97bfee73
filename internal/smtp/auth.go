package smtp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"

	"github.com/shineum/smtp-notify-lite/internal/email"
)

// authenticate runs AUTH LOGIN. The username and the password are each
// sent base64-encoded on their own line, and only a 235 reply to the
// password decides the result. The challenge text is never interpreted,
// since relays word the password prompt in many ways. No other mechanism
// is ever offered.
func (s *Session) authenticate(ctx context.Context, _ *email.Envelope) *stageError {
	name, username, err := sasl.NewLoginClient(s.cfg.Username, s.cfg.Password).Start()
	if err != nil {
		return fail(email.StageAuth, email.KindAuthFailed, fmt.Errorf("failed to start AUTH LOGIN: %w", err))
	}

	r, err := s.exchange(ctx, "AUTH "+name)
	if err != nil {
		return fail(email.StageAuth, email.KindProtocolError, fmt.Errorf("AUTH failed: %w", err))
	}
	if s.cfg.StrictReplies && r.code != 334 {
		return fail(email.StageAuth, email.KindAuthFailed, fmt.Errorf("authentication rejected: %s", r))
	}

	r, err = s.exchange(ctx, base64.StdEncoding.EncodeToString(username))
	if err != nil {
		return fail(email.StageAuth, email.KindProtocolError, fmt.Errorf("failed to send username: %w", err))
	}
	if s.cfg.StrictReplies && r.code != 334 {
		return fail(email.StageAuth, email.KindAuthFailed, fmt.Errorf("authentication rejected: %s", r))
	}

	r, err = s.exchange(ctx, base64.StdEncoding.EncodeToString([]byte(s.cfg.Password)))
	if err != nil {
		return fail(email.StageAuth, email.KindProtocolError, fmt.Errorf("failed to send password: %w", err))
	}
	if r.code != 235 {
		return fail(email.StageAuth, email.KindAuthFailed, fmt.Errorf("authentication rejected: %s", r))
	}

	return nil
}
