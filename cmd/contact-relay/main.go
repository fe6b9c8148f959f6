// Package main is the entry point for the contact relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/contact-relay/internal/config"
	"github.com/shineum/contact-relay/internal/outbox"
	"github.com/shineum/contact-relay/internal/provider"
	"github.com/shineum/contact-relay/internal/provider/ses"
	"github.com/shineum/contact-relay/internal/provider/smtprelay"
	"github.com/shineum/contact-relay/internal/provider/stdout"
	"github.com/shineum/contact-relay/internal/server"
	"github.com/shineum/contact-relay/internal/smtp"
	"github.com/shineum/contact-relay/internal/wire"
	relaytls "github.com/shineum/contact-relay/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("contact-relay stopped")
}

// run wires the delivery path and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	var store *outbox.Store
	if cfg.Outbox.Path != "" {
		store, err = outbox.Open(cfg.Outbox.Path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	svc := outbox.NewService(prov, store, outbox.Options{
		MaxAttempts:   cfg.Outbox.MaxAttempts,
		RetryInterval: cfg.Outbox.RetryInterval,
	})

	serverCfg, err := serverConfig(cfg, svc)
	if err != nil {
		return err
	}
	srv := server.New(serverCfg)

	slog.Info("starting contact-relay",
		"listen", cfg.HTTP.Listen,
		"path", cfg.HTTP.Path,
		"provider", prov.Name(),
		"outbox_enabled", store != nil,
		"tls_enabled", cfg.HTTP.TLS,
	)

	// The retry worker stops before the store closes.
	ctx, cancel := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		svc.Run(ctx)
	}()
	defer func() {
		cancel()
		<-workerDone
	}()

	// Start the server (blocks until context is cancelled)
	return srv.ListenAndServe(ctx)
}

// serverConfig maps the HTTP and mail settings onto the listener.
func serverConfig(cfg *config.Config, d server.Deliverer) (server.Config, error) {
	sc := server.Config{
		ListenAddr: cfg.HTTP.Listen,
		Path:       cfg.HTTP.Path,
		Wire: wire.Config{
			ChunkSize:     cfg.HTTP.ChunkSize,
			MaxHeaderSize: cfg.HTTP.MaxHeaderSize,
			MaxBodySize:   cfg.HTTP.MaxBodySize,
		},
		ReadTimeout: cfg.HTTP.ReadTimeout,
		Sender:      cfg.Mail.Sender,
		Recipient:   cfg.Mail.Recipient,
		Identity:    cfg.Relay.Identity,
		Deliverer:   d,
	}

	if cfg.HTTP.TLS {
		// Load or generate TLS certificates
		tlsConfig, err := relaytls.LoadOrGenerateTLS(cfg.HTTP.CertFile, cfg.HTTP.KeyFile)
		if err != nil {
			return server.Config{}, fmt.Errorf("failed to setup TLS: %w", err)
		}
		tlsMode := "self-signed"
		if cfg.HTTP.CertFile != "" && cfg.HTTP.KeyFile != "" {
			tlsMode = "file"
		}
		slog.Info("inbound TLS enabled", "tls_mode", tlsMode)
		sc.TLSConfig = tlsConfig
	}

	return sc, nil
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
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selectProvider chooses the delivery backend named by cfg.Provider.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		sessionCfg, err := smtpSessionConfig(cfg)
		if err != nil {
			return nil, err
		}

		var resolver smtprelay.MXResolver
		if cfg.Relay.ResolveMX {
			resolver = smtprelay.NewDNSResolver(cfg.Relay.Nameservers, cfg.Relay.DialTimeout)
		}

		slog.Info("using SMTP relay provider",
			"address", cfg.Relay.Address,
			"resolve_mx", cfg.Relay.ResolveMX,
			"starttls", cfg.Relay.StartTLS,
			"auth_enabled", cfg.AuthEnabled(),
		)
		p, err := smtprelay.New(smtprelay.Config{
			Address:   cfg.Relay.Address,
			ResolveMX: cfg.Relay.ResolveMX,
			Session:   sessionCfg,
		}, resolver)
		if err != nil {
			return nil, fmt.Errorf("failed to create SMTP provider: %w", err)
		}
		return p, nil

	case config.ProviderSES:
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("SES provider selected but SES_REGION is required")
		}
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

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// smtpSessionConfig builds the per-session relay settings.
func smtpSessionConfig(cfg *config.Config) (smtp.Config, error) {
	sc := smtp.Config{
		Identity:       cfg.Relay.Identity,
		StartTLS:       cfg.Relay.StartTLS,
		DialTimeout:    cfg.Relay.DialTimeout,
		CommandTimeout: cfg.Relay.CommandTimeout,
	}

	if cfg.Relay.StartTLS {
		tlsConfig, err := relaytls.ClientConfig(cfg.Relay.TLSServerName, cfg.Relay.TLSCAFile, cfg.Relay.TLSInsecureSkipVerify)
		if err != nil {
			return smtp.Config{}, fmt.Errorf("failed to setup relay TLS: %w", err)
		}
		sc.TLSConfig = tlsConfig
	}

	if cfg.AuthEnabled() {
		if !cfg.Relay.StartTLS {
			slog.Warn("relay credentials set without starttls; AUTH is only attempted against a loopback relay")
		}
		sc.Auth = smtp.NewPlainAuth(cfg.Relay.Username, cfg.Relay.Password)
	}

	return sc, nil
}
