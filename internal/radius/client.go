// Package radius is the AAA side of the BNG: Access-Request exchanges
// with QoS policy parsing, and accounting Start/Interim/Stop with
// 64-bit byte counters split into octets and gigawords.
package radius

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/ossbng/bngd/internal/metrics"
)

// Config holds the AAA server endpoints and shared secret.
type Config struct {
	AuthAddr  string // host:port of the authentication endpoint
	AcctAddr  string // host:port of the accounting endpoint
	Secret    string
	Timeout   time.Duration // per-exchange deadline
	NASIP     net.IP
	NASPortID string // subscriber-facing interface name
}

// Client exchanges RADIUS packets with the provisioning system's AAA
// server. Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a RADIUS client. A zero timeout defaults to one
// second; the engine runs exchanges inline in its loop and cannot
// afford to wait longer.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Client{cfg: cfg, logger: logger}
}

// AuthResult is the verdict of one Access-Request exchange.
type AuthResult struct {
	Accepted bool
	Policy   *Policy // non-nil when the Accept carried a complete QoS policy
}

// Authorize sends an Access-Request for the subscriber. A transport
// error, including timeout, is returned as-is so the caller can leave
// the session pending and retry on the next tick. A definitive
// Access-Reject comes back as Accepted=false with a nil error.
func (c *Client) Authorize(ctx context.Context, username, mac string, ip net.IP) (*AuthResult, error) {
	packet := radius.New(radius.CodeAccessRequest, []byte(c.cfg.Secret))
	rfc2865.UserName_SetString(packet, username)
	rfc2865.UserPassword_SetString(packet, mac)
	rfc2865.CallingStationID_SetString(packet, mac)
	if ip != nil {
		rfc2865.FramedIPAddress_Set(packet, ip)
	}
	rfc2865.NASIPAddress_Set(packet, c.cfg.NASIP)
	rfc2869.NASPortID_SetString(packet, c.cfg.NASPortID)
	rfc2865.NASPortType_Set(packet, rfc2865.NASPortType_Value_Ethernet)
	rfc2869.EventTimestamp_Set(packet, time.Now())

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	reply, err := radius.Exchange(ctx, packet, c.cfg.AuthAddr)
	metrics.RadiusDuration.WithLabelValues("auth").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RadiusRequests.WithLabelValues("auth", "error").Inc()
		return nil, fmt.Errorf("access-request for %s: %w", username, err)
	}

	switch reply.Code {
	case radius.CodeAccessAccept:
		metrics.RadiusRequests.WithLabelValues("auth", "accept").Inc()
		result := &AuthResult{Accepted: true, Policy: ParsePolicy(reply)}
		c.logger.Debug("access accepted",
			"user", username,
			"qos", result.Policy != nil)
		return result, nil
	case radius.CodeAccessReject:
		metrics.RadiusRequests.WithLabelValues("auth", "reject").Inc()
		c.logger.Debug("access rejected", "user", username)
		return &AuthResult{}, nil
	default:
		metrics.RadiusRequests.WithLabelValues("auth", "unexpected").Inc()
		return nil, fmt.Errorf("access-request for %s: unexpected reply code %d", username, reply.Code)
	}
}
