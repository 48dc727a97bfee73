// Package stdout implements a dry-run Provider that prints the encoded
// message to standard output instead of delivering it.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-notify-lite/internal/email"
	"github.com/shineum/smtp-notify-lite/internal/smtp"
)

const separator = "========================================\n"

// Provider prints each message exactly as the SMTP client would put it on
// the wire, framed by separator lines.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer

	fromAddress string
	fromName    string
	now         func() time.Time

	mu sync.Mutex
}

// New creates a new stdout Provider that writes to os.Stdout.
func New(fromAddress, fromName string) *Provider {
	return NewWithWriter(os.Stdout, fromAddress, fromName)
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer, fromAddress, fromName string) *Provider {
	return &Provider{
		writer:      w,
		fromAddress: fromAddress,
		fromName:    fromName,
		now:         time.Now,
	}
}

// Deliver prints the encoded message. The outcome carries the generated
// Message-ID as its external id.
func (p *Provider) Deliver(_ context.Context, env *email.Envelope) email.Outcome {
	if !env.Valid() {
		return email.Failed(email.StageConfig, email.KindInvalidConfig,
			fmt.Errorf("envelope needs a recipient and a body"))
	}

	id := uuid.NewString()
	if at := strings.LastIndex(p.fromAddress, "@"); at >= 0 {
		id += p.fromAddress[at:]
	}

	raw := smtp.Encode(smtp.Message{
		FromAddress: p.fromAddress,
		FromName:    p.fromName,
		ToAddress:   strings.TrimSpace(env.ToAddress),
		Subject:     env.Subject,
		Body:        env.Body,
		IsHTML:      env.IsHTML,
		MessageID:   id,
		Date:        p.now(),
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	b.WriteString(separator)
	b.Write(raw)
	b.WriteString(separator)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return email.Failed(email.StageData, email.KindProtocolError,
			fmt.Errorf("failed to write message: %w", err))
	}

	return email.Delivered(id)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
