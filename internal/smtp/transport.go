package smtp

import (
	"context"
	"crypto/tls"
	"net"
)

// Dialer opens the transport to the relay. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Upgrader wraps an established plaintext connection in an encrypted
// transport after the relay has accepted STARTTLS.
type Upgrader interface {
	Upgrade(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// TLSUpgrader performs a client-side crypto/tls handshake.
type TLSUpgrader struct {
	Config *tls.Config
}

func (u TLSUpgrader) Upgrade(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tc := tls.Client(conn, u.Config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// defaultUpgrader builds a TLSUpgrader whose ServerName falls back to the
// relay host.
func defaultUpgrader(base *tls.Config, host string) Upgrader {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return TLSUpgrader{Config: cfg}
}
