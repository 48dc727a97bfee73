// Package provider defines the interface for email delivery channels.
package provider

import (
	"context"

	"github.com/shineum/smtp-notify-lite/internal/email"
)

// Provider is the interface that delivery channels must implement.
// Each provider makes one attempt per call and reports the result as an
// email.Outcome (e.g., the tenant's SMTP relay, AWS SES, stdout).
type Provider interface {
	// Deliver sends env through this channel. Failures are reported in
	// the returned outcome, never as a panic or error.
	Deliver(ctx context.Context, env *email.Envelope) email.Outcome

	// Name returns the human-readable name of this provider.
	Name() string
}
