package radius

import (
	"context"
	"fmt"
	"net"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"github.com/ossbng/bngd/internal/metrics"
)

// AccountingRecord carries everything needed to build one accounting
// request for a session. Input is subscriber upload, output is
// subscriber download, on every message type.
type AccountingRecord struct {
	Username       string
	AcctSessionID  string
	MAC            string // colon-lower
	IP             net.IP
	SessionTime    time.Duration
	InputBytes     uint64
	OutputBytes    uint64
	InputPackets   uint64
	OutputPackets  uint64
	TerminateCause string // Stop only
}

// AccountingStart announces the session to the accounting server.
// Start carries no counters; the session begins at zero.
func (c *Client) AccountingStart(ctx context.Context, rec AccountingRecord) error {
	packet := c.newAcctPacket(rfc2866.AcctStatusType_Value_Start, rec)
	return c.sendAcct(ctx, packet, rec)
}

// AccountingInterim reports the session's running counters.
func (c *Client) AccountingInterim(ctx context.Context, rec AccountingRecord) error {
	packet := c.newAcctPacket(rfc2866.AcctStatusType_Value_InterimUpdate, rec)
	c.addCounters(packet, rec)
	return c.sendAcct(ctx, packet, rec)
}

// AccountingStop closes the session with its final counters and the
// terminate cause.
func (c *Client) AccountingStop(ctx context.Context, rec AccountingRecord) error {
	packet := c.newAcctPacket(rfc2866.AcctStatusType_Value_Stop, rec)
	c.addCounters(packet, rec)
	rfc2866.AcctTerminateCause_Set(packet, terminateCauseValue(rec.TerminateCause))
	return c.sendAcct(ctx, packet, rec)
}

func (c *Client) newAcctPacket(status rfc2866.AcctStatusType, rec AccountingRecord) *radius.Packet {
	packet := radius.New(radius.CodeAccountingRequest, []byte(c.cfg.Secret))
	rfc2866.AcctStatusType_Set(packet, status)
	rfc2865.UserName_SetString(packet, rec.Username)
	rfc2866.AcctSessionID_SetString(packet, rec.AcctSessionID)
	if rec.IP != nil {
		rfc2865.FramedIPAddress_Set(packet, rec.IP)
	}
	rfc2865.CallingStationID_SetString(packet, rec.MAC)
	rfc2865.NASIPAddress_Set(packet, c.cfg.NASIP)
	rfc2869.NASPortID_SetString(packet, c.cfg.NASPortID)
	rfc2865.NASPortType_Set(packet, rfc2865.NASPortType_Value_Ethernet)
	rfc2869.EventTimestamp_Set(packet, time.Now())
	return packet
}

func (c *Client) addCounters(packet *radius.Packet, rec AccountingRecord) {
	seconds := int64(rec.SessionTime / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	rfc2866.AcctSessionTime_Set(packet, rfc2866.AcctSessionTime(seconds))

	inGiga, inOctets := SplitGigawords(rec.InputBytes)
	outGiga, outOctets := SplitGigawords(rec.OutputBytes)
	rfc2866.AcctInputOctets_Set(packet, rfc2866.AcctInputOctets(inOctets))
	rfc2869.AcctInputGigawords_Set(packet, rfc2869.AcctInputGigawords(inGiga))
	rfc2866.AcctOutputOctets_Set(packet, rfc2866.AcctOutputOctets(outOctets))
	rfc2869.AcctOutputGigawords_Set(packet, rfc2869.AcctOutputGigawords(outGiga))

	// Packet counters are 32-bit on the wire, no gigawords attribute
	// exists for them.
	rfc2866.AcctInputPackets_Set(packet, rfc2866.AcctInputPackets(uint32(rec.InputPackets)))
	rfc2866.AcctOutputPackets_Set(packet, rfc2866.AcctOutputPackets(uint32(rec.OutputPackets)))
}

func (c *Client) sendAcct(ctx context.Context, packet *radius.Packet, rec AccountingRecord) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	reply, err := radius.Exchange(ctx, packet, c.cfg.AcctAddr)
	metrics.RadiusDuration.WithLabelValues("acct").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RadiusRequests.WithLabelValues("acct", "error").Inc()
		return fmt.Errorf("accounting for %s: %w", rec.AcctSessionID, err)
	}
	if reply.Code != radius.CodeAccountingResponse {
		metrics.RadiusRequests.WithLabelValues("acct", "unexpected").Inc()
		return fmt.Errorf("accounting for %s: unexpected reply code %d", rec.AcctSessionID, reply.Code)
	}
	metrics.RadiusRequests.WithLabelValues("acct", "ok").Inc()
	return nil
}

// SplitGigawords splits a 64-bit byte counter into the RFC 2869
// gigawords (high 32 bits) and RFC 2866 octets (low 32 bits).
func SplitGigawords(v uint64) (gigawords, octets uint32) {
	return uint32(v >> 32), uint32(v)
}

// terminateCauseValue maps the session-level cause string onto the
// nearest RFC 2866 value. Stream events carry the string form.
func terminateCauseValue(cause string) rfc2866.AcctTerminateCause {
	switch cause {
	case "User-Request":
		return rfc2866.AcctTerminateCause_Value_UserRequest
	case "Idle-Timeout":
		return rfc2866.AcctTerminateCause_Value_IdleTimeout
	case "Admin-Reset":
		return rfc2866.AcctTerminateCause_Value_AdminReset
	case "Reconcile-Timeout":
		return rfc2866.AcctTerminateCause_Value_SessionTimeout
	default:
		// IP-change and anything future-shaped: the NAS ended the
		// session for its own reasons.
		return rfc2866.AcctTerminateCause_Value_NASRequest
	}
}
