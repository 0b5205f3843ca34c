package dhcp

import (
	"encoding/hex"

	"github.com/ossbng/bngd/pkg/dhcpv4"
)

// RelayAgentInfo holds Option 82 sub-options (RFC 3046). Values stay raw:
// access routers are free to put binary data in circuit-id and remote-id,
// and the relay must forward those bytes unmodified.
type RelayAgentInfo struct {
	CircuitID []byte
	RemoteID  []byte
	RelayID   []byte // RFC 6925 sub-option 12, stamped by this BNG
}

// ParseRelayAgentInfo decodes Option 82 sub-options from raw bytes. The
// walk is tolerant: a truncated trailing sub-option is dropped rather than
// failing the whole option, since upstream gear routinely emits sloppy
// relay data.
func ParseRelayAgentInfo(data []byte) *RelayAgentInfo {
	info := &RelayAgentInfo{}
	i := 0
	for i+1 < len(data) {
		subType := data[i]
		subLen := int(data[i+1])
		i += 2
		if i+subLen > len(data) {
			break
		}
		subData := make([]byte, subLen)
		copy(subData, data[i:i+subLen])
		i += subLen

		switch subType {
		case dhcpv4.RelaySubOptionCircuitID:
			info.CircuitID = subData
		case dhcpv4.RelaySubOptionRemoteID:
			info.RemoteID = subData
		case dhcpv4.RelaySubOptionRelayID:
			info.RelayID = subData
		}
	}
	return info
}

// Encode serializes the sub-options in circuit-id, remote-id, relay-id
// order, skipping empty values. The option carries a single-byte length,
// so each value and the total are cut at 255 bytes.
func (info *RelayAgentInfo) Encode() []byte {
	var buf []byte
	appendSub := func(subType byte, value []byte) {
		if len(value) == 0 {
			return
		}
		if len(value) > dhcpv4.MaxRelayAgentInfoLen {
			value = value[:dhcpv4.MaxRelayAgentInfoLen]
		}
		buf = append(buf, subType, byte(len(value)))
		buf = append(buf, value...)
	}
	appendSub(dhcpv4.RelaySubOptionCircuitID, info.CircuitID)
	appendSub(dhcpv4.RelaySubOptionRemoteID, info.RemoteID)
	appendSub(dhcpv4.RelaySubOptionRelayID, info.RelayID)
	if len(buf) > dhcpv4.MaxRelayAgentInfoLen {
		buf = buf[:dhcpv4.MaxRelayAgentInfoLen]
	}
	return buf
}

// HasSubscriberID reports whether the relay data identifies a subscriber
// line. Client packets without either value cannot be correlated to a
// session and are not forwarded upstream.
func (info *RelayAgentInfo) HasSubscriberID() bool {
	return len(info.CircuitID) > 0 || len(info.RemoteID) > 0
}

// RelayInfo extracts relay agent info from the packet's Option 82, or nil
// when the option is absent.
func (p *Packet) RelayInfo() *RelayAgentInfo {
	data, ok := p.Options[dhcpv4.OptionRelayAgentInfo]
	if !ok {
		return nil
	}
	return ParseRelayAgentInfo(data)
}

// SetRelayAgentInfo rebuilds the packet's option section: every non-82
// option is kept in its original wire order, pad and end markers are
// stripped, and the new Option 82 is appended followed by a fresh end
// marker. This mirrors what the upstream rewrite must preserve for DHCP
// servers that fingerprint on option ordering.
func (p *Packet) SetRelayAgentInfo(info *RelayAgentInfo) {
	src := p.rawOptions
	if src == nil {
		src = p.Options.Encode()
	}
	out := make([]byte, 0, len(src)+64)
	i := 0
	for i < len(src) {
		code := dhcpv4.OptionCode(src[i])
		if code == dhcpv4.OptionPad {
			i++
			continue
		}
		if code == dhcpv4.OptionEnd {
			break
		}
		if i+1 >= len(src) {
			break
		}
		length := int(src[i+1])
		end := i + 2 + length
		if end > len(src) {
			break
		}
		if code != dhcpv4.OptionRelayAgentInfo {
			out = append(out, src[i:end]...)
		}
		i = end
	}

	data := info.Encode()
	out = append(out, byte(dhcpv4.OptionRelayAgentInfo), byte(len(data)))
	out = append(out, data...)
	out = append(out, byte(dhcpv4.OptionEnd))

	p.rawOptions = out
	if p.Options == nil {
		p.Options = make(Options)
	}
	p.Options[dhcpv4.OptionRelayAgentInfo] = data
}

// AgentIDString renders a relay sub-option value for session keys and
// events: printable values pass through as text, anything else becomes
// lowercase hex. The lease inspection path uses the same rule so keys
// derived from live packets and from server lease state always agree.
func AgentIDString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	printable := true
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			printable = false
			break
		}
	}
	if printable {
		return string(b)
	}
	return hex.EncodeToString(b)
}
