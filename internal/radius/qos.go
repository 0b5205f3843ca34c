package radius

import (
	"strconv"
	"strings"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

// Sub-attribute indexes inside the provisioning system's
// vendor-specific QoS attribute.
const (
	vsaDownloadSpeed = 1
	vsaUploadSpeed   = 2
	vsaDownloadBurst = 3
	vsaUploadBurst   = 4
)

// Named form of the same attributes, carried as Reply-Message text by
// servers that do not share the vendor dictionary.
var namedPolicyAttrs = map[string]int{
	"OSS-Download-Speed": vsaDownloadSpeed,
	"OSS-Upload-Speed":   vsaUploadSpeed,
	"OSS-Download-Burst": vsaDownloadBurst,
	"OSS-Upload-Burst":   vsaUploadBurst,
}

// Policy is the shaping policy carried in an Access-Accept. All values
// are kbit/s.
type Policy struct {
	DownloadKbit      uint64
	UploadKbit        uint64
	DownloadBurstKbit uint64
	UploadBurstKbit   uint64
}

// ParsePolicy extracts a QoS policy from an Access-Accept. Two
// encodings are recognized: vendor-specific sub-attributes indexed
// 1..4, and OSS-named name=value pairs in Reply-Message text. A policy
// is only valid with both speeds present; bursts are optional.
func ParsePolicy(reply *radius.Packet) *Policy {
	var p Policy
	var haveDownload, haveUpload bool

	apply := func(idx int, raw string) {
		v, err := parsePolicyValue(raw)
		if err != nil {
			return
		}
		switch idx {
		case vsaDownloadSpeed:
			p.DownloadKbit = v
			haveDownload = true
		case vsaUploadSpeed:
			p.UploadKbit = v
			haveUpload = true
		case vsaDownloadBurst:
			p.DownloadBurstKbit = v
		case vsaUploadBurst:
			p.UploadBurstKbit = v
		}
	}

	for _, avp := range reply.Attributes {
		if avp.Type != rfc2865.VendorSpecific_Type {
			continue
		}
		for _, sub := range vendorSubAttributes(avp.Attribute) {
			apply(sub.id, sub.value)
		}
	}

	if msgs, err := rfc2865.ReplyMessage_GetStrings(reply); err == nil {
		for _, msg := range msgs {
			parseNamedPolicy(msg, apply)
		}
	}

	if !haveDownload || !haveUpload {
		return nil
	}
	return &p
}

type vendorSub struct {
	id    int
	value string
}

// vendorSubAttributes walks the sub-TLVs of a vendor-specific
// attribute. The vendor id is not checked; the AAA server is trusted
// config, not an untrusted peer. Truncated trailing data is dropped.
func vendorSubAttributes(b radius.Attribute) []vendorSub {
	if len(b) < 4 {
		return nil
	}
	b = b[4:]

	var subs []vendorSub
	for len(b) >= 2 {
		id := int(b[0])
		length := int(b[1])
		if length < 2 || length > len(b) {
			break
		}
		subs = append(subs, vendorSub{id: id, value: string(b[2:length])})
		b = b[length:]
	}
	return subs
}

func parseNamedPolicy(text string, apply func(idx int, raw string)) {
	for _, line := range strings.Split(text, "\n") {
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		idx, ok := namedPolicyAttrs[strings.TrimSpace(name)]
		if !ok {
			continue
		}
		apply(idx, value)
	}
}

// parsePolicyValue reads a rate or burst value. Decimal and 0x-hex
// text are accepted, plus a raw 4-byte big-endian integer for servers
// that encode the sub-attributes as integers.
func parsePolicyValue(s string) (uint64, error) {
	trimmed := strings.TrimSpace(strings.Trim(s, "\x00"))
	if rest, ok := strings.CutPrefix(trimmed, "0x"); ok {
		return strconv.ParseUint(rest, 16, 64)
	}
	if v, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
		return v, nil
	}
	if len(s) == 4 {
		return uint64(s[0])<<24 | uint64(s[1])<<16 | uint64(s[2])<<8 | uint64(s[3]), nil
	}
	return 0, strconv.ErrSyntax
}
