package smtprelay

import (
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startDNS serves zone over UDP on loopback. Names missing from zone get
// rcode, which defaults to NXDOMAIN.
func startDNS(t *testing.T, zone map[string][]dns.RR, rcode int) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if answer, ok := zone[req.Question[0].Name]; ok {
			m.Answer = answer
		} else {
			m.Rcode = rcode
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func mx(t *testing.T, record string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(record)
	if err != nil {
		t.Fatalf("bad record %q: %v", record, err)
	}
	return rr
}

func TestLookupMX(t *testing.T) {
	t.Parallel()

	zone := map[string][]dns.RR{
		"example.com.": {
			mx(t, "example.com. 300 IN MX 20 backup.example.com."),
			mx(t, "example.com. 300 IN MX 10 mail.example.com."),
		},
		"nomx.example.": {},
		"null.example.": {
			mx(t, "null.example. 300 IN MX 0 ."),
		},
		"xn--bcher-kva.example.": {
			mx(t, "xn--bcher-kva.example. 300 IN MX 5 mx.xn--bcher-kva.example."),
		},
	}
	r := NewDNSResolver([]string{startDNS(t, zone, dns.RcodeNameError)}, time.Second)

	tests := []struct {
		name    string
		domain  string
		want    []string
		wantErr error
	}{
		{name: "sorted by preference", domain: "example.com", want: []string{"mail.example.com:25", "backup.example.com:25"}},
		{name: "implicit mx", domain: "nomx.example", want: []string{"nomx.example:25"}},
		{name: "null mx", domain: "null.example", wantErr: ErrNoMailHost},
		{name: "nxdomain", domain: "missing.example", wantErr: ErrNoMailHost},
		{name: "internationalized", domain: "bücher.example", want: []string{"mx.xn--bcher-kva.example:25"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := r.LookupMX(testContext(t), tt.domain)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v (%v)", tt.wantErr, err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLookupMX_ServerFailure(t *testing.T) {
	t.Parallel()

	r := NewDNSResolver([]string{startDNS(t, nil, dns.RcodeServerFailure)}, time.Second)
	if _, err := r.LookupMX(testContext(t), "example.com"); !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("expected ErrLookupFailed, got %v", err)
	}
}

func TestLookupMX_TriesNextNameserver(t *testing.T) {
	t.Parallel()

	zone := map[string][]dns.RR{
		"example.com.": {mx(t, "example.com. 300 IN MX 10 mail.example.com.")},
	}
	failing := startDNS(t, nil, dns.RcodeRefused)
	working := startDNS(t, zone, dns.RcodeNameError)

	r := NewDNSResolver([]string{failing, working}, time.Second)
	got, err := r.LookupMX(testContext(t), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"mail.example.com:25"}) {
		t.Errorf("got %v", got)
	}
}

func TestLookupMX_InvalidDomain(t *testing.T) {
	t.Parallel()

	r := NewDNSResolver([]string{"127.0.0.1:1"}, time.Second)
	if _, err := r.LookupMX(testContext(t), "bad\x00domain"); err == nil {
		t.Fatal("expected error for invalid domain")
	}
}
