package smtp

import (
	"context"
	"encoding/base64"
	"net"

	"github.com/emersion/go-sasl"
)

// NewPlainAuth returns a SASL PLAIN client for the relay credentials, or nil
// when no credentials are configured.
func NewPlainAuth(username, password string) sasl.Client {
	if username == "" && password == "" {
		return nil
	}
	return sasl.NewPlainClient("", username, password)
}

// auth runs the configured SASL mechanism: AUTH with the initial response,
// then one base64 line per 334 challenge until 235. Credentials are only
// sent over TLS or to a loopback relay.
func (s *Session) auth(ctx context.Context) error {
	if s.security != TLSUpgraded && !isLoopback(s.conn.RemoteAddr()) {
		s.quit()
		return &Error{Kind: ErrCommandRejected, Step: "AUTH", Err: ErrInsecureAuth}
	}

	mech, ir, err := s.cfg.Auth.Start()
	if err != nil {
		s.quit()
		return &Error{Kind: ErrCommandRejected, Step: "AUTH", Err: err}
	}

	line := "AUTH " + mech
	if ir != nil {
		line += " " + encodeResponse(ir)
	}

	reply, err := s.cmd(ctx, "AUTH", "%s", line)
	for err == nil && reply.Code == CodeAuthContinue {
		challenge, decodeErr := base64.StdEncoding.DecodeString(reply.Text)
		if decodeErr != nil {
			s.cancelAuth(ctx)
			return &Error{Kind: ErrCommandRejected, Step: "AUTH", Code: reply.Code, Text: reply.Text, Err: decodeErr}
		}
		resp, nextErr := s.cfg.Auth.Next(challenge)
		if nextErr != nil {
			s.cancelAuth(ctx)
			return &Error{Kind: ErrCommandRejected, Step: "AUTH", Code: reply.Code, Text: reply.Text, Err: nextErr}
		}
		reply, err = s.cmd(ctx, "AUTH", "%s", encodeResponse(resp))
	}
	if err != nil {
		s.abort()
		return err
	}
	if reply.Code != CodeAuthOK {
		s.quit()
		return rejected(ErrCommandRejected, "AUTH", reply)
	}

	s.logger.Debug("smtp authenticated", "mechanism", mech)
	return nil
}

// cancelAuth sends "*" to abandon the exchange and closes the session.
func (s *Session) cancelAuth(ctx context.Context) {
	_, _ = s.cmd(ctx, "AUTH", "*")
	s.quit()
}

func encodeResponse(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func isLoopback(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
