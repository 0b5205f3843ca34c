package radius

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves hostname-form endpoint addresses at startup.
// Infrastructure endpoints are plain IPs in the lab and hostnames in
// production; a failed resolution at boot is a configuration error,
// not something to retry at runtime.
type Resolver struct {
	addr   string // resolver host:port, empty means /etc/resolv.conf
	client *dns.Client
}

// NewResolver creates a resolver against the given nameserver address.
// An empty address falls back to the system resolver configuration.
func NewResolver(addr string) *Resolver {
	return &Resolver{
		addr:   addr,
		client: &dns.Client{Timeout: 3 * time.Second},
	}
}

// Resolve returns the first A record for host. A host that already
// parses as an IP address is returned unchanged.
func (r *Resolver) Resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	server := r.addr
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("reading resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("resolv.conf lists no nameservers")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	resp, _, err := r.client.Exchange(msg, server)
	if err != nil {
		return nil, fmt.Errorf("resolving %s via %s: %w", host, server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolving %s via %s: %s", host, server, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, fmt.Errorf("resolving %s via %s: no A records", host, server)
}
