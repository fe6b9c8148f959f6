// Package server accepts contact-form submissions over TCP, one goroutine
// per connection, and hands each decoded submission to a Deliverer.
package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/outbox"
	"github.com/shineum/contact-relay/internal/wire"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// deliveryTimeout bounds the first delivery attempt of one submission.
const deliveryTimeout = 2 * time.Minute

// Deliverer makes the first delivery attempt for a notification.
// *outbox.Service satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, msg *email.Email) (outbox.Outcome, error)
}

// Config holds the configuration for a Server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string

	// Path is the only request target accepted.
	Path string

	// Wire bounds the header and body of each request.
	Wire wire.Config

	// ReadTimeout bounds the time to receive one complete request.
	ReadTimeout time.Duration

	// TLSConfig, when set, serves the listener over TLS.
	TLSConfig *tls.Config

	// Sender and Recipient address every notification; Identity is the
	// Message-ID host.
	Sender    string
	Recipient string
	Identity  string

	Deliverer Deliverer
}

// Server accepts connections and runs the request pipeline on each.
type Server struct {
	config Config

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight connection goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new Server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/contact"
	}
	if cfg.Identity == "" {
		cfg.Identity = "localhost"
	}
	return &Server{config: cfg}
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled. It then
// stops accepting and waits up to 30 seconds for in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("contact relay listening",
		"addr", ln.Addr().String(),
		"path", s.config.Path,
		"tls_enabled", s.config.TLSConfig != nil,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down listener")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForConnections()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// waitForConnections waits for all in-flight requests to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForConnections() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all connections completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
