package smtp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	relaytls "github.com/shineum/contact-relay/internal/tls"
)

// connPair creates a connected pair of net.Conn over loopback TCP.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// step is one exchange of the scripted relay. An empty expect means the
// relay speaks first (greeting, end-of-data reply).
type step struct {
	expect string
	reply  string
	tls    bool // switch to TLS after replying
	hangup bool // close the connection after replying
}

// peerLog records what the scripted relay received. Read it only after
// wait returns.
type peerLog struct {
	commands   []string
	data       []string
	terminated bool
	mismatch   string
	done       chan struct{}
}

func (l *peerLog) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		t.Fatal("fake relay did not finish")
	}
	if l.mismatch != "" {
		t.Fatalf("fake relay: %s", l.mismatch)
	}
}

// runPeer plays steps against conn and then records any further command
// lines until the client hangs up.
func runPeer(conn net.Conn, tlsCfg *tls.Config, steps []step) *peerLog {
	log := &peerLog{done: make(chan struct{})}

	go func() {
		defer close(log.done)
		c := conn
		defer func() { c.Close() }()
		r := bufio.NewReader(c)

		for _, st := range steps {
			if st.expect != "" {
				line, err := r.ReadString('\n')
				if err != nil {
					log.mismatch = fmt.Sprintf("connection ended while waiting for %q: %v", st.expect, err)
					return
				}
				line = strings.TrimRight(line, "\r\n")
				log.commands = append(log.commands, line)
				if !strings.HasPrefix(line, st.expect) {
					log.mismatch = fmt.Sprintf("got %q, want prefix %q", line, st.expect)
					return
				}
			}

			fmt.Fprintf(c, "%s\r\n", st.reply)

			if strings.HasPrefix(st.reply, "354") {
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						log.mismatch = fmt.Sprintf("data ended early: %v", err)
						return
					}
					line = strings.TrimRight(line, "\r\n")
					if line == "." {
						log.terminated = true
						break
					}
					log.data = append(log.data, line)
				}
			}

			if st.hangup {
				return
			}

			if st.tls {
				tc := tls.Server(c, tlsCfg)
				if err := tc.Handshake(); err != nil {
					log.mismatch = fmt.Sprintf("tls handshake: %v", err)
					return
				}
				c = tc
				r = bufio.NewReader(tc)
			}
		}

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			log.commands = append(log.commands, strings.TrimRight(line, "\r\n"))
		}
	}()

	return log
}

// tlsPair returns a server config with a fresh self-signed certificate and
// a client config that trusts it.
func tlsPair(t *testing.T) (server *tls.Config, client *tls.Config) {
	t.Helper()

	server, err := relaytls.LoadOrGenerateTLS("", "")
	if err != nil {
		t.Fatalf("failed to generate server TLS config: %v", err)
	}
	pool, err := relaytls.CertPool(&server.Certificates[0])
	if err != nil {
		t.Fatalf("failed to build cert pool: %v", err)
	}
	return server, &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12}
}
