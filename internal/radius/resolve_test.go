package radius

import (
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

// startTestDNS runs a DNS server on a loopback port answering every A
// query with the given address, or NXDOMAIN when addr is empty.
func startTestDNS(t *testing.T, addr string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			if addr == "" {
				m.SetRcode(r, dns.RcodeNameError)
			} else if len(r.Question) == 1 && r.Question[0].Qtype == dns.TypeA {
				rr, err := dns.NewRR(r.Question[0].Name + " 60 IN A " + addr)
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			}
			w.WriteMsg(m)
		}),
	}
	go server.ActivateAndServe()
	t.Cleanup(func() { server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestResolveIPLiteral(t *testing.T) {
	r := NewResolver("") // must not be consulted
	ip, err := r.Resolve("198.18.0.2")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ip.String() != "198.18.0.2" {
		t.Errorf("Resolve() = %s, want 198.18.0.2", ip)
	}
}

func TestResolveHostname(t *testing.T) {
	r := NewResolver(startTestDNS(t, "198.18.0.2"))
	ip, err := r.Resolve("radius.lab.example")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ip.String() != "198.18.0.2" {
		t.Errorf("Resolve() = %s, want 198.18.0.2", ip)
	}
}

func TestResolveNXDomain(t *testing.T) {
	r := NewResolver(startTestDNS(t, ""))
	_, err := r.Resolve("missing.lab.example")
	if err == nil {
		t.Fatal("Resolve() error = nil, want NXDOMAIN error")
	}
	if !strings.Contains(err.Error(), "NXDOMAIN") {
		t.Errorf("error = %v, want rcode in message", err)
	}
}

func TestResolveNoARecords(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			w.WriteMsg(m)
		}),
	}
	go server.ActivateAndServe()
	t.Cleanup(func() { server.Shutdown() })

	res := NewResolver(pc.LocalAddr().String())
	_, err = res.Resolve("empty.lab.example")
	if err == nil {
		t.Fatal("Resolve() error = nil, want no-records error")
	}
	if !strings.Contains(err.Error(), "no A records") {
		t.Errorf("error = %v, want no A records", err)
	}
}
