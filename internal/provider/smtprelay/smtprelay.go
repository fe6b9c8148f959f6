// Package smtprelay implements a Provider that submits messages through an
// SMTP relay, either a fixed smarthost or the recipient domain's MX hosts.
package smtprelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/provider"
	"github.com/shineum/contact-relay/internal/smtp"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	// Address is the smarthost ("host:port"), used unless ResolveMX is set.
	Address string
	// ResolveMX delivers directly to the recipient domain's MX hosts.
	ResolveMX bool
	// Session is passed to every SMTP session.
	Session smtp.Config
}

// Provider relays each message in one SMTP session.
type Provider struct {
	cfg      Config
	resolver MXResolver
}

// New creates a Provider. resolver is only consulted when cfg.ResolveMX is
// set and may be nil otherwise.
func New(cfg Config, resolver MXResolver) (*Provider, error) {
	if !cfg.ResolveMX && cfg.Address == "" {
		return nil, fmt.Errorf("relay address is required when MX resolution is off")
	}
	if cfg.ResolveMX && resolver == nil {
		return nil, fmt.Errorf("MX resolution requires a resolver")
	}
	return &Provider{cfg: cfg, resolver: resolver}, nil
}

// Send composes msg and submits it. With MX resolution, hosts are tried in
// preference order while they are unreachable; the first host that answers
// decides the outcome.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	raw, err := email.Compose(msg)
	if err != nil {
		return fmt.Errorf("failed to compose message: %w", err)
	}

	targets, err := p.targets(ctx, msg.To)
	if err != nil {
		return err
	}

	env := smtp.Envelope{From: msg.From, To: msg.To}
	var lastErr error
	for _, addr := range targets {
		err := smtp.SendMail(ctx, addr, p.cfg.Session, env, bytes.NewReader(raw))
		if err == nil {
			slog.Debug("message relayed", "relay", addr, "message_id", msg.MessageID)
			return nil
		}

		lastErr = err
		if !unreachable(err) {
			break
		}
		slog.Warn("relay unreachable", "relay", addr, "error", err)
	}

	return lastErr
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

func (p *Provider) targets(ctx context.Context, recipient string) ([]string, error) {
	if !p.cfg.ResolveMX {
		return []string{p.cfg.Address}, nil
	}

	at := strings.LastIndexByte(recipient, '@')
	if at < 0 || at == len(recipient)-1 {
		return nil, fmt.Errorf("recipient %q has no domain", recipient)
	}

	hosts, err := p.resolver.LookupMX(ctx, recipient[at+1:])
	if err != nil {
		if errors.Is(err, ErrLookupFailed) {
			return nil, provider.Temporary(err)
		}
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMailHost, recipient[at+1:])
	}
	return hosts, nil
}

// unreachable reports failures that happened before the host said
// anything about the message.
func unreachable(err error) bool {
	return errors.Is(err, smtp.ErrConnectFailed) || errors.Is(err, smtp.ErrUnexpectedGreeting)
}
