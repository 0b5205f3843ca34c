package dhcpv4

import "testing"

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		mt   MessageType
		want string
	}{
		{MessageTypeDiscover, "DHCPDISCOVER"},
		{MessageTypeOffer, "DHCPOFFER"},
		{MessageTypeRequest, "DHCPREQUEST"},
		{MessageTypeDecline, "DHCPDECLINE"},
		{MessageTypeAck, "DHCPACK"},
		{MessageTypeNak, "DHCPNAK"},
		{MessageTypeRelease, "DHCPRELEASE"},
		{MessageTypeInform, "DHCPINFORM"},
		{MessageType(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.mt.String(); got != tt.want {
			t.Errorf("MessageType(%d).String() = %q, want %q", tt.mt, got, tt.want)
		}
	}
}

func TestOptionCodeValues(t *testing.T) {
	// Verify key option codes match RFC 2132 values
	tests := []struct {
		code OptionCode
		want byte
	}{
		{OptionPad, 0},
		{OptionSubnetMask, 1},
		{OptionRouter, 3},
		{OptionDomainNameServer, 6},
		{OptionHostname, 12},
		{OptionRequestedIP, 50},
		{OptionIPLeaseTime, 51},
		{OptionDHCPMessageType, 53},
		{OptionServerIdentifier, 54},
		{OptionRelayAgentInfo, 82},
		{OptionEnd, 255},
	}
	for _, tt := range tests {
		if byte(tt.code) != tt.want {
			t.Errorf("OptionCode %d: got %d, want %d", tt.code, byte(tt.code), tt.want)
		}
	}
}

func TestRelaySubOptionValues(t *testing.T) {
	if RelaySubOptionCircuitID != 1 {
		t.Errorf("RelaySubOptionCircuitID = %d, want 1", RelaySubOptionCircuitID)
	}
	if RelaySubOptionRemoteID != 2 {
		t.Errorf("RelaySubOptionRemoteID = %d, want 2", RelaySubOptionRemoteID)
	}
	if RelaySubOptionRelayID != 12 {
		t.Errorf("RelaySubOptionRelayID = %d, want 12", RelaySubOptionRelayID)
	}
}

func TestFramingConstants(t *testing.T) {
	if FixedHeaderLen != 236 {
		t.Errorf("FixedHeaderLen = %d, want 236", FixedHeaderLen)
	}
	if MinPacketLen != 240 {
		t.Errorf("MinPacketLen = %d, want 240", MinPacketLen)
	}
	if ServerPort != 67 {
		t.Errorf("ServerPort = %d, want 67", ServerPort)
	}
	if ClientPort != 68 {
		t.Errorf("ClientPort = %d, want 68", ClientPort)
	}
	if MaxRelayAgentInfoLen != 255 {
		t.Errorf("MaxRelayAgentInfoLen = %d, want 255", MaxRelayAgentInfoLen)
	}
}

func TestMagicCookie(t *testing.T) {
	expected := []byte{99, 130, 83, 99}
	if len(MagicCookie) != 4 {
		t.Fatalf("MagicCookie length = %d, want 4", len(MagicCookie))
	}
	for i, b := range MagicCookie {
		if b != expected[i] {
			t.Errorf("MagicCookie[%d] = %d, want %d", i, b, expected[i])
		}
	}
}
