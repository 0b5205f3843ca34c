package sniffer

import (
	"net"
	"time"

	"github.com/ossbng/bngd/internal/dhcp"
	"github.com/ossbng/bngd/pkg/dhcpv4"
)

// Event is one observed DHCP exchange step, decoded into the fields the
// session engine keys on. Identity strings are already printable-else-hex
// decoded; MAC is colon-lower.
type Event struct {
	MsgType   dhcpv4.MessageType
	XID       uint32
	CircuitID string
	RemoteID  string
	RelayID   string
	MAC       string

	// IP is yiaddr when set, else ciaddr, nil when both are zero.
	IP          net.IP
	RequestedIP net.IP
	GIAddr      net.IP

	// LeaseTime is option 51 in seconds; Expiry is derived from it on
	// ACKs only, where it becomes the session's lease watermark.
	LeaseTime uint32
	Expiry    time.Time

	SrcIP      net.IP
	DstIP      net.IP
	SrcPort    int
	DstPort    int
	ReceivedAt time.Time
}

// Sink receives decoded events. The engine's event queue implements it;
// Push may block when the engine falls behind.
type Sink interface {
	Push(Event)
}

func ipOrNil(ip net.IP) net.IP {
	ip4 := ip.To4()
	if ip4 == nil || ip4.Equal(net.IPv4zero.To4()) {
		return nil
	}
	return ip4
}

// newEvent maps one decoded frame onto the engine's event shape.
func newEvent(d *Decoded, now time.Time) Event {
	p := d.Packet
	ev := Event{
		MsgType:     p.MessageType(),
		XID:         p.XID,
		MAC:         dhcpv4.FormatMAC(p.CHAddr),
		RequestedIP: p.RequestedIP(),
		GIAddr:      ipOrNil(p.GIAddr),
		LeaseTime:   p.LeaseTime(),
		SrcIP:       d.SrcIP,
		DstIP:       d.DstIP,
		SrcPort:     d.SrcPort,
		DstPort:     d.DstPort,
		ReceivedAt:  now,
	}

	if ip := ipOrNil(p.YIAddr); ip != nil {
		ev.IP = ip
	} else if ip := ipOrNil(p.CIAddr); ip != nil {
		ev.IP = ip
	}

	if info := p.RelayInfo(); info != nil {
		ev.CircuitID = dhcp.AgentIDString(info.CircuitID)
		ev.RemoteID = dhcp.AgentIDString(info.RemoteID)
		ev.RelayID = dhcp.AgentIDString(info.RelayID)
	}

	if ev.MsgType == dhcpv4.MessageTypeAck && ev.LeaseTime > 0 {
		ev.Expiry = now.Add(time.Duration(ev.LeaseTime) * time.Second)
	}

	return ev
}
