// Package smtp implements the outbound SMTP session that hands a composed
// message to a relay: greeting, EHLO, optional STARTTLS, optional AUTH,
// one-recipient submission and QUIT.
package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"time"

	"github.com/emersion/go-sasl"
)

// quitTimeout bounds the best-effort QUIT exchange.
const quitTimeout = 5 * time.Second

// Config is fixed for the lifetime of a Session.
type Config struct {
	// Identity is the client name sent with EHLO.
	Identity string

	// StartTLS requires an encrypted transport before submission.
	StartTLS bool

	// TLSConfig is used by the default Upgrader. ServerName defaults to
	// the relay host.
	TLSConfig *tls.Config

	// Upgrader overrides the crypto/tls handshake.
	Upgrader Upgrader

	// Dialer overrides the net.Dialer used by Dial.
	Dialer Dialer

	// Auth, when set, authenticates after the (final) EHLO.
	Auth sasl.Client

	DialTimeout    time.Duration
	CommandTimeout time.Duration

	Logger *slog.Logger
}

// Envelope is the SMTP sender/recipient pair.
type Envelope struct {
	From string
	To   string
}

// Session owns one relay connection from greeting to QUIT.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    State
	security Security
	cfg      Config
	logger   *slog.Logger
	ext      []string
}

// Dial connects to addr and reads the greeting. On any failure the
// connection is already closed.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: ErrConnectFailed, Step: "CONNECT", Err: err}
	}

	if cfg.Upgrader == nil {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		cfg.Upgrader = defaultUpgrader(cfg.TLSConfig, host)
	}

	s := NewSession(conn, cfg)
	if err := s.Greet(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSession wraps an already connected transport whose greeting has not
// been read yet.
func NewSession(conn net.Conn, cfg Config) *Session {
	if cfg.Identity == "" {
		cfg.Identity = "localhost"
	}
	if cfg.Upgrader == nil {
		host := ""
		if addr := conn.RemoteAddr(); addr != nil {
			host, _, _ = net.SplitHostPort(addr.String())
		}
		cfg.Upgrader = defaultUpgrader(cfg.TLSConfig, host)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  StateConnected,
		cfg:    cfg,
		logger: logger,
	}
}

// State returns the current protocol state.
func (s *Session) State() State { return s.state }

// Security reports whether the transport has been upgraded.
func (s *Session) Security() Security { return s.security }

// Extensions returns the capability lines of the last EHLO reply.
func (s *Session) Extensions() []string { return s.ext }

// Greet reads the relay greeting, which must be 220.
func (s *Session) Greet(ctx context.Context) error {
	if s.state != StateConnected {
		return s.outOfSequence("GREETING")
	}

	s.setDeadline(ctx)
	reply, err := readReply(s.reader)
	if err != nil {
		s.abort()
		return &Error{Kind: ErrUnexpectedGreeting, Step: "GREETING", Err: err}
	}
	if reply.Code != CodeServiceReady {
		s.abort()
		return rejected(ErrUnexpectedGreeting, "GREETING", reply)
	}

	s.logger.Debug("smtp greeting", "code", reply.Code, "text", reply.Text)
	s.state = StateGreetingOK
	return nil
}

// Hello sends EHLO and, depending on the configuration, upgrades to TLS
// and authenticates. It leaves the session in StateReadyToSend.
func (s *Session) Hello(ctx context.Context) error {
	if s.state != StateGreetingOK {
		return s.outOfSequence("EHLO")
	}

	if err := s.ehlo(ctx, ErrHandshakeRejected); err != nil {
		return err
	}

	if s.cfg.StartTLS {
		if err := s.startTLS(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Auth != nil {
		if err := s.auth(ctx); err != nil {
			return err
		}
	}

	s.state = StateReadyToSend
	return nil
}

func (s *Session) ehlo(ctx context.Context, kind error) error {
	reply, err := s.cmd(ctx, "EHLO", "EHLO %s", s.cfg.Identity)
	if err != nil {
		s.abort()
		if kind == ErrTLSUpgradeFailed {
			return &Error{Kind: kind, Step: "EHLO", Err: err}
		}
		return err
	}
	if reply.Code != CodeOK {
		if kind == ErrTLSUpgradeFailed {
			s.abort()
		} else {
			s.quit()
		}
		return rejected(kind, "EHLO", reply)
	}

	lines := reply.Lines()
	s.ext = lines[1:]
	s.state = StateEhloOK
	return nil
}

// startTLS never falls back to plaintext: every failure closes the
// connection without sending anything further.
func (s *Session) startTLS(ctx context.Context) error {
	reply, err := s.cmd(ctx, "STARTTLS", "STARTTLS")
	if err != nil {
		s.abort()
		return &Error{Kind: ErrTLSUpgradeFailed, Step: "STARTTLS", Err: err}
	}
	if reply.Code != CodeServiceReady {
		s.abort()
		return rejected(ErrTLSUpgradeFailed, "STARTTLS", reply)
	}
	s.state = StateTLSReady

	s.setDeadline(ctx)
	upgraded, upErr := s.cfg.Upgrader.Upgrade(ctx, s.conn)
	if upErr != nil {
		s.abort()
		return &Error{Kind: ErrTLSUpgradeFailed, Step: "STARTTLS", Err: upErr}
	}

	s.conn = upgraded
	s.reader = bufio.NewReader(upgraded)
	s.writer = bufio.NewWriter(upgraded)
	s.security = TLSUpgraded
	s.state = StateTLSNegotiated
	s.logger.Debug("smtp transport upgraded to tls")

	return s.ehlo(ctx, ErrTLSUpgradeFailed)
}

// Send submits one message: MAIL FROM, RCPT TO, DATA and the dot-stuffed
// body. A rejected step aborts the session; nothing is retried.
func (s *Session) Send(ctx context.Context, env Envelope, body io.Reader) error {
	if s.state != StateReadyToSend {
		return s.outOfSequence("MAIL FROM")
	}

	if err := s.expect(ctx, "MAIL FROM", CodeOK, "MAIL FROM:<%s>", env.From); err != nil {
		return err
	}
	if err := s.expect(ctx, "RCPT TO", CodeOK, "RCPT TO:<%s>", env.To); err != nil {
		return err
	}
	if err := s.expect(ctx, "DATA", CodeStartMailInput, "DATA"); err != nil {
		return err
	}

	s.setDeadline(ctx)
	dw := textproto.NewWriter(s.writer).DotWriter()
	if _, err := io.Copy(dw, body); err != nil {
		s.abort()
		return &Error{Kind: ErrIOFailure, Step: "DATA", Err: err}
	}
	if err := dw.Close(); err != nil {
		s.abort()
		return &Error{Kind: ErrIOFailure, Step: "DATA", Err: err}
	}

	reply, err := readReply(s.reader)
	if err != nil {
		s.abort()
		return &Error{Kind: ErrIOFailure, Step: "END OF DATA", Err: err}
	}
	if reply.Code != CodeOK {
		s.quit()
		return rejected(ErrCommandRejected, "END OF DATA", reply)
	}

	s.logger.Debug("smtp message accepted", "text", reply.Text)
	s.state = StateMessageSent
	return nil
}

// Quit sends QUIT, reads the 221 on a best-effort basis and releases the
// connection. It is safe to call more than once.
func (s *Session) Quit() error {
	if s.state == StateClosed {
		return nil
	}
	return s.quit()
}

func (s *Session) quit() error {
	_ = s.conn.SetDeadline(time.Now().Add(quitTimeout))
	if err := s.writeLine("QUIT"); err == nil {
		if reply, err := readReply(s.reader); err != nil {
			s.logger.Debug("smtp quit reply not received", "error", err)
		} else if reply.Code != CodeServiceClosing {
			s.logger.Debug("smtp quit answered unexpectedly", "code", reply.Code, "text", reply.Text)
		}
	}
	return s.abort()
}

// abort releases the connection without any further protocol traffic.
func (s *Session) abort() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return s.conn.Close()
}

// expect runs one command and requires the given reply code; anything else
// is ErrCommandRejected and aborts the session.
func (s *Session) expect(ctx context.Context, step string, code int, format string, args ...any) error {
	reply, err := s.cmd(ctx, step, format, args...)
	if err != nil {
		s.abort()
		return err
	}
	if reply.Code != code {
		s.quit()
		return rejected(ErrCommandRejected, step, reply)
	}
	return nil
}

// cmd writes one command line and reads its reply. Transport failures are
// returned as ErrIOFailure.
func (s *Session) cmd(ctx context.Context, step, format string, args ...any) (Reply, error) {
	s.setDeadline(ctx)

	line := fmt.Sprintf(format, args...)
	if err := s.writeLine(line); err != nil {
		return Reply{}, &Error{Kind: ErrIOFailure, Step: step, Err: err}
	}

	reply, err := readReply(s.reader)
	if err != nil {
		return Reply{}, &Error{Kind: ErrIOFailure, Step: step, Err: err}
	}

	s.logger.Debug("smtp round trip", "step", step, "code", reply.Code)
	return reply, nil
}

func (s *Session) writeLine(line string) error {
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return s.writer.Flush()
}

// setDeadline applies the earlier of the context deadline and the per
// command timeout.
func (s *Session) setDeadline(ctx context.Context) {
	var deadline time.Time
	if s.cfg.CommandTimeout > 0 {
		deadline = time.Now().Add(s.cfg.CommandTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)
}

func (s *Session) outOfSequence(step string) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, step, s.state)
}

// SendMail runs a complete session against addr: greeting, handshake,
// submission and QUIT. The connection is released on every path.
func SendMail(ctx context.Context, addr string, cfg Config, env Envelope, body io.Reader) error {
	s, err := Dial(ctx, addr, cfg)
	if err != nil {
		return err
	}
	defer s.Quit()

	if err := s.Hello(ctx); err != nil {
		return err
	}
	return s.Send(ctx, env, body)
}
