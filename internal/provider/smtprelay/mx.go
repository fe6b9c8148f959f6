package smtprelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// smtpPort is the port used for hosts taken from MX records.
const smtpPort = "25"

var (
	// ErrNoMailHost is returned for a domain that publishes a null MX
	// ("." with preference 0) or has no records at all.
	ErrNoMailHost = errors.New("domain does not accept mail")
	// ErrLookupFailed covers transport failures and SERVFAIL/REFUSED.
	ErrLookupFailed = errors.New("mx lookup failed")
)

// MXResolver returns relay addresses (host:port) for a recipient domain,
// most preferred first.
type MXResolver interface {
	LookupMX(ctx context.Context, domain string) ([]string, error)
}

// DNSResolver queries MX records with miekg/dns.
type DNSResolver struct {
	nameservers []string
	client      *dns.Client
}

// NewDNSResolver creates a resolver for the given nameservers ("ip:port").
// An empty list falls back to /etc/resolv.conf.
func NewDNSResolver(nameservers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(nameservers) == 0 {
		nameservers = systemNameservers()
	}
	return &DNSResolver{
		nameservers: nameservers,
		client:      &dns.Client{Timeout: timeout},
	}
}

func systemNameservers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// LookupMX resolves domain's MX records. A domain without MX records is
// its own mail host (implicit MX).
func (r *DNSResolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", domain, err)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(ascii), dns.TypeMX)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.nameservers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s: %v", ErrLookupFailed, server, err)
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return mxHosts(ascii, resp.Answer)
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoMailHost, ascii)
		default:
			lastErr = fmt.Errorf("%w: %s answered %s", ErrLookupFailed, server, dns.RcodeToString[resp.Rcode])
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no nameservers configured", ErrLookupFailed)
	}
	return nil, lastErr
}

func mxHosts(domain string, answer []dns.RR) ([]string, error) {
	var records []*dns.MX
	for _, rr := range answer {
		if mx, ok := rr.(*dns.MX); ok {
			records = append(records, mx)
		}
	}

	if len(records) == 0 {
		return []string{net.JoinHostPort(domain, smtpPort)}, nil
	}
	if len(records) == 1 && records[0].Mx == "." {
		return nil, fmt.Errorf("%w: %s publishes a null MX", ErrNoMailHost, domain)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Preference < records[j].Preference
	})

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		if mx.Mx == "." {
			continue
		}
		hosts = append(hosts, net.JoinHostPort(strings.TrimSuffix(mx.Mx, "."), smtpPort))
	}
	return hosts, nil
}
