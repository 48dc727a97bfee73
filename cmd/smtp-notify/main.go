// Package main is the entry point for the smtp-notify command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shineum/smtp-notify-lite/internal/campaign"
	"github.com/shineum/smtp-notify-lite/internal/config"
	"github.com/shineum/smtp-notify-lite/internal/email"
	"github.com/shineum/smtp-notify-lite/internal/provider"
	"github.com/shineum/smtp-notify-lite/internal/provider/relay"
	"github.com/shineum/smtp-notify-lite/internal/provider/ses"
	"github.com/shineum/smtp-notify-lite/internal/provider/stdout"
	smtptls "github.com/shineum/smtp-notify-lite/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	tenantID := flag.String("tenant", config.DefaultTenantID, "tenant whose relay settings are used")
	to := flag.String("to", "", "comma-separated recipient addresses")
	subject := flag.String("subject", "", "message subject")
	body := flag.String("body", "", "message body")
	bodyFile := flag.String("body-file", "", "read the message body from this file")
	html := flag.Bool("html", false, "send the body as text/html")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	recipients := parseRecipients(*to)
	if len(recipients) == 0 {
		slog.Error("at least one recipient is required (-to)")
		os.Exit(2)
	}

	content, err := readBody(*body, *bodyFile)
	if err != nil {
		slog.Error("failed to read message body", "error", err)
		os.Exit(2)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	prov, err := selectProvider(ctx, cfg, *tenantID)
	if err != nil {
		slog.Error("failed to select delivery channel", "error", err)
		os.Exit(1)
	}

	msg := campaign.Message{Subject: *subject, Body: content, IsHTML: *html}

	if !send(ctx, prov, cfg, msg, recipients) {
		os.Exit(1)
	}
}

// send delivers msg and reports whether every recipient succeeded. A
// single recipient is sent directly; several run as a campaign.
func send(ctx context.Context, prov provider.Provider, cfg *config.Config, msg campaign.Message, recipients []string) bool {
	if len(recipients) == 1 {
		out := prov.Deliver(ctx, &email.Envelope{
			ToAddress: recipients[0],
			Subject:   msg.Subject,
			Body:      msg.Body,
			IsHTML:    msg.IsHTML,
		})
		if !out.Success {
			slog.Error("delivery failed",
				"channel", prov.Name(),
				"to", recipients[0],
				"kind", out.Kind.String(),
				"stage", string(out.Stage),
				"error", out.ErrorDetail,
			)
			return false
		}
		slog.Info("delivery succeeded",
			"channel", prov.Name(),
			"to", recipients[0],
			"external_id", out.ExternalMessageID,
		)
		return true
	}

	d := campaign.New(prov, campaign.WithPause(cfg.Delivery.Pause))
	sum, err := d.Run(ctx, msg, recipients)
	if err != nil {
		slog.Error("campaign interrupted", "run_id", sum.RunID, "error", err)
		return false
	}
	return sum.Failed == 0
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// parseRecipients splits a comma-separated list, dropping blanks.
func parseRecipients(list string) []string {
	var out []string
	for _, r := range strings.Split(list, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// readBody returns the inline body, or the contents of path when set.
func readBody(inline, path string) (string, error) {
	if path == "" {
		return inline, nil
	}
	if inline != "" {
		return "", errors.New("-body and -body-file are mutually exclusive")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read body file: %w", err)
	}
	return string(data), nil
}

// selectProvider chooses the delivery channel based on configuration.
// If PROVIDER is set, it takes precedence. Otherwise the tenant's relay is
// used when configured, then SES, then stdout.
func selectProvider(ctx context.Context, cfg *config.Config, tenantID string) (provider.Provider, error) {
	switch cfg.Provider {
	case "relay":
		return newRelay(cfg, tenantID)

	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("SES provider selected but SES_REGION and SES_SENDER are required")
		}
		return newSES(ctx, cfg)

	case "stdout":
		return newStdout(cfg, tenantID), nil

	case "":
		// Auto-detection fallback
		if _, err := cfg.Tenant(tenantID); err == nil {
			return newRelay(cfg, tenantID)
		}
		if cfg.SESConfigured() {
			return newSES(ctx, cfg)
		}
		slog.Info("no channel configured, using stdout provider")
		return newStdout(cfg, tenantID), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newRelay(cfg *config.Config, tenantID string) (provider.Provider, error) {
	tenant, err := cfg.Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := smtptls.ClientConfig("", cfg.TLS.CAFile, cfg.TLS.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.InsecureSkipVerify {
		slog.Warn("TLS certificate verification disabled for relay connections")
	}

	conn := relay.ConnectionConfig(*tenant, cfg.Delivery, tlsCfg)
	slog.Info("using SMTP relay provider",
		"tenant", tenant.ID,
		"host", conn.Host,
		"port", conn.Port,
		"mode", conn.Mode(),
	)
	return relay.New(conn), nil
}

func newSES(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	p, err := ses.New(ctx, ses.SESProviderConfig{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES provider: %w", err)
	}
	return p, nil
}

// newStdout prints with the tenant's sender identity when one exists.
func newStdout(cfg *config.Config, tenantID string) provider.Provider {
	from, name := "notify@localhost", ""
	if tenant, err := cfg.Tenant(tenantID); err == nil && tenant.FromEmail != "" {
		from, name = tenant.FromEmail, tenant.FromName
	}
	return stdout.New(from, name)
}
