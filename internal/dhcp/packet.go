// Package dhcp implements the DHCPv4 wire codec shared by the relay
// datapath and the session engine.
package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/ossbng/bngd/pkg/dhcpv4"
)

// Packet represents a decoded DHCPv4 packet (RFC 2131 §2).
type Packet struct {
	Op     dhcpv4.OpCode       // Message op code: 1=BOOTREQUEST, 2=BOOTREPLY
	HType  dhcpv4.HardwareType // Hardware address type (1=Ethernet)
	HLen   byte                // Hardware address length (6 for Ethernet)
	Hops   byte                // Relay hops
	XID    uint32              // Transaction ID
	Secs   uint16              // Seconds elapsed
	Flags  uint16              // Flags (bit 0 = broadcast)
	CIAddr net.IP              // Client IP address
	YIAddr net.IP              // 'Your' (client) IP address
	SIAddr net.IP              // Next server IP address
	GIAddr net.IP              // Relay agent IP address
	CHAddr net.HardwareAddr    // Client hardware address
	SName  [64]byte            // Server host name
	File   [128]byte           // Boot file name
	Options Options            // DHCP options, decoded for lookup

	// rawOptions preserves the wire-order option bytes (after the magic
	// cookie). Relay rewrites replace this so unknown options and their
	// ordering survive the round trip untouched.
	rawOptions []byte
}

// DecodePacket parses a raw DHCPv4 packet from bytes.
// RFC 2131 §2 — packet format.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < dhcpv4.MinPacketLen {
		return nil, fmt.Errorf("packet too short: %d bytes (minimum %d)", len(data), dhcpv4.MinPacketLen)
	}

	p := &Packet{}
	p.Op = dhcpv4.OpCode(data[0])
	p.HType = dhcpv4.HardwareType(data[1])
	p.HLen = data[2]
	p.Hops = data[3]
	p.XID = binary.BigEndian.Uint32(data[4:8])
	p.Secs = binary.BigEndian.Uint16(data[8:10])
	p.Flags = binary.BigEndian.Uint16(data[10:12])
	p.CIAddr = net.IP(make([]byte, 4))
	copy(p.CIAddr, data[12:16])
	p.YIAddr = net.IP(make([]byte, 4))
	copy(p.YIAddr, data[16:20])
	p.SIAddr = net.IP(make([]byte, 4))
	copy(p.SIAddr, data[20:24])
	p.GIAddr = net.IP(make([]byte, 4))
	copy(p.GIAddr, data[24:28])

	// Client hardware address (16 bytes in header, but only HLen are significant)
	chaddr := make([]byte, 16)
	copy(chaddr, data[28:44])
	if p.HLen > 0 && p.HLen <= 16 {
		p.CHAddr = net.HardwareAddr(chaddr[:p.HLen])
	} else {
		p.CHAddr = net.HardwareAddr(chaddr[:6])
	}

	copy(p.SName[:], data[44:108])
	copy(p.File[:], data[108:236])

	// Validate magic cookie (RFC 2131 §3)
	cookie := data[236:240]
	if cookie[0] != 99 || cookie[1] != 130 || cookie[2] != 83 || cookie[3] != 99 {
		return nil, fmt.Errorf("invalid DHCP magic cookie: %v", cookie)
	}

	if len(data) > dhcpv4.MinPacketLen {
		p.rawOptions = make([]byte, len(data)-dhcpv4.MinPacketLen)
		copy(p.rawOptions, data[dhcpv4.MinPacketLen:])
		opts, err := DecodeOptions(p.rawOptions)
		if err != nil {
			return nil, fmt.Errorf("decoding options: %w", err)
		}
		p.Options = opts
	} else {
		p.Options = make(Options)
	}

	return p, nil
}

// Encode serializes a DHCPv4 packet to bytes. Header fields come from the
// struct (so giaddr mutations take effect); the options section is the
// preserved wire bytes when the packet was decoded, or the option map for
// packets built in code.
func (p *Packet) Encode() ([]byte, error) {
	optBytes := p.rawOptions
	if optBytes == nil {
		optBytes = p.Options.Encode()
	}
	buf := make([]byte, dhcpv4.MinPacketLen+len(optBytes))
	buf[0] = byte(p.Op)
	buf[1] = byte(p.HType)
	buf[2] = p.HLen
	buf[3] = p.Hops
	binary.BigEndian.PutUint32(buf[4:8], p.XID)
	binary.BigEndian.PutUint16(buf[8:10], p.Secs)
	binary.BigEndian.PutUint16(buf[10:12], p.Flags)

	if p.CIAddr != nil {
		copy(buf[12:16], p.CIAddr.To4())
	}
	if p.YIAddr != nil {
		copy(buf[16:20], p.YIAddr.To4())
	}
	if p.SIAddr != nil {
		copy(buf[20:24], p.SIAddr.To4())
	}
	if p.GIAddr != nil {
		copy(buf[24:28], p.GIAddr.To4())
	}
	if p.CHAddr != nil {
		copy(buf[28:44], p.CHAddr)
	}
	copy(buf[44:108], p.SName[:])
	copy(buf[108:236], p.File[:])

	copy(buf[236:240], dhcpv4.MagicCookie)
	copy(buf[240:], optBytes)

	return buf, nil
}

// MessageType returns the DHCP message type from the packet options.
func (p *Packet) MessageType() dhcpv4.MessageType {
	if data, ok := p.Options[dhcpv4.OptionDHCPMessageType]; ok && len(data) == 1 {
		return dhcpv4.MessageType(data[0])
	}
	return 0
}

// RequestedIP returns the requested IP address from option 50.
func (p *Packet) RequestedIP() net.IP {
	if data, ok := p.Options[dhcpv4.OptionRequestedIP]; ok && len(data) == 4 {
		return net.IP(data)
	}
	return nil
}

// LeaseTime returns the lease duration in seconds from option 51.
func (p *Packet) LeaseTime() uint32 {
	if data, ok := p.Options[dhcpv4.OptionIPLeaseTime]; ok && len(data) == 4 {
		return binary.BigEndian.Uint32(data)
	}
	return 0
}

// IsRelayed returns true if the packet was relayed (GIAddr is non-zero).
func (p *Packet) IsRelayed() bool {
	return p.GIAddr != nil && !p.GIAddr.To4().Equal(net.IPv4zero.To4())
}

// SetGIAddr overwrites the relay agent address field.
func (p *Packet) SetGIAddr(ip net.IP) {
	p.GIAddr = net.IP(make([]byte, 4))
	copy(p.GIAddr, ip.To4())
}
