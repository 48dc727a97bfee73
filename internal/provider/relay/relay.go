// Package relay implements a Provider that delivers through a tenant's own
// SMTP relay.
package relay

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/shineum/smtp-notify-lite/internal/config"
	"github.com/shineum/smtp-notify-lite/internal/email"
	"github.com/shineum/smtp-notify-lite/internal/smtp"
)

// Provider delivers each envelope in a fresh SMTP session.
// @MX:ANCHOR: [AUTO] External system integration point for tenant SMTP relays
// @MX:REASON: All email delivery flows through this provider when relay is selected
type Provider struct {
	cfg  smtp.ConnectionConfig
	opts []smtp.Option
}

// New creates a relay Provider. opts are passed to every session.
func New(cfg smtp.ConnectionConfig, opts ...smtp.Option) *Provider {
	return &Provider{cfg: cfg, opts: opts}
}

// ConnectionConfig maps a tenant's settings and the shared delivery
// settings onto the SMTP client configuration.
func ConnectionConfig(t config.TenantConfig, d config.DeliveryConfig, tlsCfg *tls.Config) smtp.ConnectionConfig {
	return smtp.ConnectionConfig{
		Host:          t.SMTPHost,
		Port:          t.SMTPPort,
		UseTLS:        t.UseTLS,
		ImplicitTLS:   t.ImplicitTLS,
		Username:      t.SMTPUser,
		Password:      t.SMTPPassword,
		FromAddress:   t.FromEmail,
		FromName:      t.FromName,
		Timeout:       d.Timeout,
		StrictReplies: d.StrictReplies,
		LocalName:     d.LocalName,
		TLSConfig:     tlsCfg,
	}
}

// Deliver runs one SMTP session for env and logs the outcome.
func (p *Provider) Deliver(ctx context.Context, env *email.Envelope) email.Outcome {
	out := smtp.Deliver(ctx, p.cfg, env, p.opts...)

	attrs := []any{
		"host", p.cfg.Host,
		"port", p.cfg.Port,
		"mode", p.cfg.Mode(),
		"user", p.cfg.Username,
	}
	if env != nil {
		attrs = append(attrs, "to", env.ToAddress)
	}

	if out.Success {
		slog.Debug("relay delivery succeeded", attrs...)
		return out
	}

	attrs = append(attrs,
		"kind", out.Kind.String(),
		"stage", string(out.Stage),
		"error", out.ErrorDetail,
	)
	slog.Warn("relay delivery failed", attrs...)
	return out
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "relay"
}
