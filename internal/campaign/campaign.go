// Package campaign sends one rendered message to many recipients through a
// delivery channel, one recipient at a time.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-notify-lite/internal/email"
	"github.com/shineum/smtp-notify-lite/internal/provider"
)

// DefaultPause is the delay between consecutive recipients.
const DefaultPause = 500 * time.Millisecond

// Message is the content shared by every recipient of a run.
type Message struct {
	Subject string
	Body    string
	IsHTML  bool
}

// Record is the delivery log entry for one recipient.
type Record struct {
	RunID             string
	Channel           string
	Recipient         string
	Subject           string
	Status            string
	Kind              email.ErrorKind
	Stage             email.Stage
	ErrorDetail       string
	ExternalMessageID string
	SentAt            time.Time
}

// Recorder persists delivery records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// RecorderFunc adapts a function to a Recorder.
type RecorderFunc func(ctx context.Context, rec Record) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// LogRecorder writes records as structured log entries.
type LogRecorder struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Record logs rec at info level when sent and warn level when failed.
func (r LogRecorder) Record(ctx context.Context, rec Record) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"run_id", rec.RunID,
		"channel", rec.Channel,
		"to", rec.Recipient,
		"subject", rec.Subject,
		"status", rec.Status,
	}
	if rec.ExternalMessageID != "" {
		attrs = append(attrs, "external_id", rec.ExternalMessageID)
	}

	if rec.Status == "sent" {
		logger.InfoContext(ctx, "delivery recorded", attrs...)
		return nil
	}

	attrs = append(attrs,
		"kind", rec.Kind.String(),
		"stage", string(rec.Stage),
		"error", rec.ErrorDetail,
	)
	logger.WarnContext(ctx, "delivery recorded", attrs...)
	return nil
}

// Summary totals one run.
type Summary struct {
	RunID  string
	Sent   int
	Failed int

	// Skipped counts blank recipients and those never attempted because
	// the run was cancelled.
	Skipped int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPause sets the delay between recipients. Zero disables it.
func WithPause(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.pause = d }
}

// WithRecorder replaces the default LogRecorder.
func WithRecorder(r Recorder) Option {
	return func(disp *Dispatcher) { disp.recorder = r }
}

// WithClock sets the time source for Record.SentAt.
func WithClock(now func() time.Time) Option {
	return func(disp *Dispatcher) { disp.now = now }
}

// Dispatcher delivers runs serially through one Provider.
type Dispatcher struct {
	provider provider.Provider
	recorder Recorder
	pause    time.Duration
	now      func() time.Time
}

// New creates a Dispatcher for p.
func New(p provider.Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		provider: p,
		recorder: LogRecorder{},
		pause:    DefaultPause,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run delivers msg to every recipient in order and records each attempt.
// Delivery failures do not stop the run. Cancelling ctx stops it before
// the next recipient; the returned error is then the context error.
func (d *Dispatcher) Run(ctx context.Context, msg Message, recipients []string) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}

	slog.Info("campaign started",
		"run_id", sum.RunID,
		"channel", d.provider.Name(),
		"recipients", len(recipients),
	)

	attempted := 0
	for i, rcpt := range recipients {
		rcpt = strings.TrimSpace(rcpt)
		if rcpt == "" {
			sum.Skipped++
			continue
		}

		if attempted > 0 && d.pause > 0 {
			if err := sleepWithContext(ctx, d.pause); err != nil {
				sum.Skipped += len(recipients) - i
				return sum, fmt.Errorf("campaign %s cancelled: %w", sum.RunID, err)
			}
		}
		if err := ctx.Err(); err != nil {
			sum.Skipped += len(recipients) - i
			return sum, fmt.Errorf("campaign %s cancelled: %w", sum.RunID, err)
		}

		out := d.provider.Deliver(ctx, &email.Envelope{
			ToAddress: rcpt,
			Subject:   msg.Subject,
			Body:      msg.Body,
			IsHTML:    msg.IsHTML,
		})
		attempted++

		if out.Success {
			sum.Sent++
		} else {
			sum.Failed++
		}

		rec := Record{
			RunID:             sum.RunID,
			Channel:           d.provider.Name(),
			Recipient:         rcpt,
			Subject:           msg.Subject,
			Status:            out.Status(),
			Kind:              out.Kind,
			Stage:             out.Stage,
			ErrorDetail:       out.ErrorDetail,
			ExternalMessageID: out.ExternalMessageID,
			SentAt:            d.now(),
		}
		if err := d.recorder.Record(ctx, rec); err != nil {
			slog.Warn("failed to record delivery",
				"run_id", sum.RunID,
				"to", rcpt,
				"error", err,
			)
		}
	}

	slog.Info("campaign finished",
		"run_id", sum.RunID,
		"sent", sum.Sent,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
	)
	return sum, nil
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
