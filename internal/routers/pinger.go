package routers

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ICMPPinger probes routers with ICMP Echo Requests over a single raw
// socket opened at startup.
type ICMPPinger struct {
	conn      *icmp.PacketConn
	logger    *slog.Logger
	available bool
	seq       uint16
}

// NewICMPPinger opens the shared ICMP socket. If that fails (missing
// CAP_NET_RAW), it logs the degradation once and returns a pinger that
// reports unavailable; router liveness then rests on DHCP observation.
func NewICMPPinger(logger *slog.Logger) (*ICMPPinger, error) {
	p := &ICMPPinger{logger: logger}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		logger.Warn("ICMP socket unavailable, router liveness falls back to DHCP observation",
			"error", err,
			"hint", "grant CAP_NET_RAW or run as root")
		return p, nil
	}
	p.conn = conn
	p.available = true
	return p, nil
}

func (p *ICMPPinger) Available() bool {
	return p.available
}

func (p *ICMPPinger) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Ping sends one Echo Request and waits for the matching reply until the
// context deadline. Timeout means dead, not an error. Called from the
// engine loop only; the sequence counter is not locked.
func (p *ICMPPinger) Ping(ctx context.Context, targetIP net.IP) (bool, error) {
	if !p.available {
		return false, nil
	}

	p.seq++
	seq := p.seq

	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  int(seq),
			Data: []byte("bngd-ping"),
		},
	}
	msgBytes, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("marshalling ICMP echo request: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(pingWait)
	}
	if err := p.conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("setting ICMP deadline: %w", err)
	}

	if _, err := p.conn.WriteTo(msgBytes, &net.IPAddr{IP: targetIP}); err != nil {
		return false, fmt.Errorf("sending ICMP echo to %s: %w", targetIP, err)
	}

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return false, nil
		default:
		}

		n, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("reading ICMP reply: %w", err)
		}

		reply, err := icmp.ParseMessage(1, buf[:n]) // 1 = ICMPv4
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo, ok := reply.Body.(*icmp.Echo); ok {
			if echo.ID == os.Getpid()&0xffff && echo.Seq == int(seq) {
				return true, nil
			}
		}
	}
}
