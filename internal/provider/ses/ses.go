// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/provider"
)

// defaultMaxRetries is the number of retry attempts for transient failures.
const defaultMaxRetries = 3

// defaultRetryDelay is the initial delay for exponential backoff.
const defaultRetryDelay = 1 * time.Second

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender overrides the From address of every message. It must be a
	// verified SES identity.
	Sender     string
	MaxRetries int
}

// SESProvider sends emails via the AWS SES v2 API as raw MIME messages, so
// Reply-To, Message-ID and Date survive unchanged.
type SESProvider struct {
	sender     string
	client     SendEmailAPI
	maxRetries int
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

	p := NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg))
	if cfg.MaxRetries > 0 {
		p.maxRetries = cfg.MaxRetries
	}
	return p, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender:     sender,
		client:     client,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
}

// Send delivers an email message via AWS SES v2. Rejections by SES are
// returned at once; other failures are retried with exponential backoff
// and reported as temporary once the retries are exhausted.
func (s *SESProvider) Send(ctx context.Context, msg *email.Email) error {
	input, err := s.buildInput(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", s.maxRetries,
			)
			delay := s.backoffDelay(attempt)
			if err := sleepWithContext(ctx, delay); err != nil {
				return provider.Temporary(fmt.Errorf("context cancelled during retry wait: %w", err))
			}
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		if isPermanent(err) {
			return fmt.Errorf("SES rejected message: %w", err)
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return provider.Temporary(fmt.Errorf("SES API request failed after %d retries: %w", s.maxRetries, lastErr))
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// buildInput renders msg as a raw message addressed to its recipient.
func (s *SESProvider) buildInput(msg *email.Email) (*sesv2.SendEmailInput, error) {
	out := *msg
	if s.sender != "" {
		out.From = s.sender
	}

	raw, err := email.Compose(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(out.From),
		Destination: &types.Destination{
			ToAddresses: []string{out.To},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	}
	if out.ReplyTo != "" {
		input.ReplyToAddresses = []string{out.ReplyTo}
	}
	return input, nil
}

// isPermanent reports errors that retrying the same request cannot fix.
func isPermanent(err error) bool {
	var (
		badRequest   *types.BadRequestException
		rejected     *types.MessageRejected
		mailFrom     *types.MailFromDomainNotVerifiedException
		suspended    *types.AccountSuspendedException
		notFound     *types.NotFoundException
		sendingPause *types.SendingPausedException
	)
	return errors.As(err, &badRequest) ||
		errors.As(err, &rejected) ||
		errors.As(err, &mailFrom) ||
		errors.As(err, &suspended) ||
		errors.As(err, &notFound) ||
		errors.As(err, &sendingPause)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (s *SESProvider) backoffDelay(attempt int) time.Duration {
	delay := s.retryDelay
	for i := 1; i < attempt; i++ {
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
