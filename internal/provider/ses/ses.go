// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-notify-lite/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	SenderName      string
}

// SESProvider sends emails via the AWS SES v2 API.
// @MX:ANCHOR: [AUTO] External system integration point for AWS SES
// @MX:REASON: All email delivery flows through this provider when SES is configured
type SESProvider struct {
	sender     string
	client     SendEmailAPI
	retryDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sesv2.NewFromConfig(awsCfg)

	return NewWithClient(formatSender(cfg.Sender, cfg.SenderName), client), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender:     sender,
		client:     client,
		retryDelay: baseRetryDelay,
	}
}

// Deliver sends env via AWS SES v2 as simple content. API errors are
// retried with exponential backoff; the SES message id is returned as the
// outcome's external id.
func (s *SESProvider) Deliver(ctx context.Context, env *email.Envelope) email.Outcome {
	if !env.Valid() {
		return email.Failed(email.StageConfig, email.KindInvalidConfig,
			fmt.Errorf("envelope needs a recipient and a body"))
	}

	input := buildSimpleInput(s.sender, env)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			delay := s.backoffDelay(attempt)
			if err := sleepWithContext(ctx, delay); err != nil {
				return email.Failed(email.StageData, email.KindProtocolError,
					fmt.Errorf("context cancelled during retry wait: %w", err))
			}
		}

		out, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return email.Delivered(aws.ToString(out.MessageId))
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"to", env.ToAddress,
			"error", err,
		)
	}

	return email.Failed(email.StageData, email.KindProtocolError,
		fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr))
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// formatSender renders the From address with an optional display name.
func formatSender(address, name string) string {
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

// buildSimpleInput creates a SES SendEmailInput for a single-part message.
func buildSimpleInput(sender string, env *email.Envelope) *sesv2.SendEmailInput {
	content := &types.Content{
		Data:    aws.String(env.Body),
		Charset: aws.String("UTF-8"),
	}

	body := &types.Body{}
	if env.IsHTML {
		body.Html = content
	} else {
		body.Text = content
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses: []string{strings.TrimSpace(env.ToAddress)},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(env.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (s *SESProvider) backoffDelay(attempt int) time.Duration {
	delay := s.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
