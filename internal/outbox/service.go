package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/provider"
)

// Outcome is the result of handing a notification to the Service.
type Outcome int

const (
	// Delivered: the provider accepted the message.
	Delivered Outcome = iota
	// Queued: the first attempt failed temporarily; the worker will retry.
	Queued
)

func (o Outcome) String() string {
	if o == Queued {
		return "queued"
	}
	return "delivered"
}

// Options controls retry behaviour.
type Options struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int
	// RetryInterval is both the worker tick and the first backoff step.
	RetryInterval time.Duration
	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration
	// BatchSize bounds the submissions retried per tick.
	BatchSize int
	// Lease is how long an attempt owns its submission. Each attempt's
	// send is cut off at half the lease, so an expired claim means its
	// owner is gone.
	Lease time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 30 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Lease <= 0 {
		o.Lease = 10 * time.Minute
	}
	return o
}

// Service delivers notifications through a provider. With a Store it
// records every submission and retries temporary failures in the
// background; without one it is a plain pass-through.
type Service struct {
	provider provider.Provider
	store    *Store
	opts     Options
	now      func() time.Time
}

// NewService creates a Service. store may be nil.
func NewService(p provider.Provider, store *Store, opts Options) *Service {
	return &Service{
		provider: p,
		store:    store,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Deliver makes the first delivery attempt for msg. An error means the
// message was not delivered and will not be retried.
func (s *Service) Deliver(ctx context.Context, msg *email.Email) (Outcome, error) {
	if s.store == nil {
		if err := s.provider.Send(ctx, msg); err != nil {
			return Delivered, fmt.Errorf("%s: %w", s.provider.Name(), err)
		}
		return Delivered, nil
	}

	now := s.now()
	sub, err := s.store.Insert(ctx, msg, now, now.Add(s.opts.Lease))
	if err != nil {
		return Delivered, err
	}
	return s.attempt(ctx, sub)
}

// RetryDue makes one attempt for every submission that is due and returns
// how many were delivered.
func (s *Service) RetryDue(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	now := s.now()
	subs, err := s.store.ClaimDue(ctx, now, now.Add(s.opts.Lease), s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range subs {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.attempt(ctx, &subs[i])
		if err == nil && outcome == Delivered {
			delivered++
		}
	}
	return delivered, nil
}

// Run retries due submissions every RetryInterval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if s.store == nil {
		return
	}

	ticker := time.NewTicker(s.opts.RetryInterval)
	defer ticker.Stop()

	slog.Info("outbox worker started", "interval", s.opts.RetryInterval, "max_attempts", s.opts.MaxAttempts)
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox worker stopped")
			return
		case <-ticker.C:
			n, err := s.RetryDue(ctx)
			if err != nil {
				slog.Error("outbox retry failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("outbox retried submissions", "delivered", n)
			}
		}
	}
}

// attempt sends a submission the caller has claimed and records the result.
func (s *Service) attempt(ctx context.Context, sub *Submission) (Outcome, error) {
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.Lease/2)
	sendErr := s.provider.Send(sendCtx, sub.Email())
	cancel()
	now := s.now()
	attempts := sub.Attempts + 1

	// Bookkeeping must survive a request context that ended mid-send.
	dbCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		if err := s.store.MarkDelivered(dbCtx, sub.ID, now); err != nil {
			slog.Error("failed to record delivery", "submission_id", sub.ID, "error", err)
		}
		slog.Info("submission delivered",
			"submission_id", sub.ID,
			"message_id", sub.MessageID,
			"provider", s.provider.Name(),
			"attempts", attempts,
		)
		return Delivered, nil
	}

	if provider.IsTemporary(sendErr) && attempts < s.opts.MaxAttempts {
		next := now.Add(s.backoff(attempts))
		if err := s.store.MarkRetry(dbCtx, sub.ID, sendErr, next, now); err != nil {
			return Delivered, fmt.Errorf("scheduling retry: %w (delivery: %v)", err, sendErr)
		}
		slog.Warn("submission queued for retry",
			"submission_id", sub.ID,
			"attempts", attempts,
			"next_attempt_at", next,
			"error", sendErr,
		)
		return Queued, nil
	}

	if err := s.store.MarkFailed(dbCtx, sub.ID, sendErr, now); err != nil {
		slog.Error("failed to record failure", "submission_id", sub.ID, "error", err)
	}
	slog.Error("submission failed",
		"submission_id", sub.ID,
		"attempts", attempts,
		"error", sendErr,
	)
	return Delivered, fmt.Errorf("%s: %w", s.provider.Name(), sendErr)
}

// backoff returns RetryInterval * 2^(attempts-1), capped at MaxBackoff.
func (s *Service) backoff(attempts int) time.Duration {
	delay := s.opts.RetryInterval
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.opts.MaxBackoff {
			return s.opts.MaxBackoff
		}
	}
	return delay
}
