package sniffer

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/ossbng/bngd/internal/dhcp"
	"github.com/ossbng/bngd/pkg/dhcpv4"
)

const (
	ethHeaderLen = 14
	udpHeaderLen = 8

	etherTypeIPv4 = 0x0800
	protoUDP      = 17
)

// Decoded is one DHCP payload lifted out of a raw frame or a UDP read,
// with the addressing needed to relay it.
type Decoded struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort int
	DstPort int
	Packet  *dhcp.Packet
}

// validPortPair gates the three port combinations DHCP traffic uses:
// client requests, server replies to clients, and relay-to-relay or
// relay-to-server traffic on 67 both ways.
func validPortPair(src, dst int) bool {
	switch {
	case src == dhcpv4.ClientPort && dst == dhcpv4.ServerPort:
		return true
	case src == dhcpv4.ServerPort && dst == dhcpv4.ClientPort:
		return true
	case src == dhcpv4.ServerPort && dst == dhcpv4.ServerPort:
		return true
	}
	return false
}

// DecodeFrame walks an Ethernet frame down to a DHCP payload. The reason
// string is empty on success and names the rejection point otherwise, so
// the drop counter can attribute wire noise precisely.
func DecodeFrame(b []byte) (*Decoded, string) {
	if len(b) < ethHeaderLen {
		return nil, "short_eth"
	}
	etherType := binary.BigEndian.Uint16(b[12:14])
	if etherType != etherTypeIPv4 {
		return nil, fmt.Sprintf("eth_type_0x%04x", etherType)
	}

	ip := b[ethHeaderLen:]
	if len(ip) < 20 {
		return nil, "short_ip"
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < 20 {
		return nil, "bad_ihl"
	}
	if len(ip) < ihl {
		return nil, "short_ip"
	}
	if ip[9] != protoUDP {
		return nil, "not_udp"
	}

	srcIP := net.IPv4(ip[12], ip[13], ip[14], ip[15]).To4()
	dstIP := net.IPv4(ip[16], ip[17], ip[18], ip[19]).To4()

	udp := ip[ihl:]
	if len(udp) < udpHeaderLen {
		return nil, "short_udp"
	}
	srcPort := int(binary.BigEndian.Uint16(udp[0:2]))
	dstPort := int(binary.BigEndian.Uint16(udp[2:4]))
	if !validPortPair(srcPort, dstPort) {
		return nil, fmt.Sprintf("ports_%d_%d", srcPort, dstPort)
	}

	return decodePayload(udp[udpHeaderLen:], srcIP, dstIP, srcPort, dstPort)
}

// decodePayload finishes decode from the BOOTP payload down. UDP socket
// reads enter here directly; raw frames arrive via DecodeFrame.
func decodePayload(payload []byte, srcIP, dstIP net.IP, srcPort, dstPort int) (*Decoded, string) {
	if len(payload) < dhcpv4.MinPacketLen {
		return nil, "short_bootp"
	}
	cookie := payload[dhcpv4.FixedHeaderLen:dhcpv4.MinPacketLen]
	if cookie[0] != dhcpv4.MagicCookie[0] || cookie[1] != dhcpv4.MagicCookie[1] ||
		cookie[2] != dhcpv4.MagicCookie[2] || cookie[3] != dhcpv4.MagicCookie[3] {
		return nil, "bad_magic"
	}
	pkt, err := dhcp.DecodePacket(payload)
	if err != nil {
		return nil, "bad_options"
	}
	return &Decoded{
		SrcIP:   srcIP,
		DstIP:   dstIP,
		SrcPort: srcPort,
		DstPort: dstPort,
		Packet:  pkt,
	}, ""
}
