package datapath

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/ossbng/bngd/internal/metrics"
)

// TCShaper implements Shaper with tc HTB classes. Download shaping is
// egress on the subscriber-facing interface, upload shaping is egress
// on the uplink interface. Each subscriber gets one class per
// interface, addressed by a minor handle derived from the IP.
type TCShaper struct {
	runner          Runner
	subscriberIface string
	uplinkIface     string
	logger          *slog.Logger
}

// NewTCShaper returns a Shaper programming tc on the two egress
// interfaces.
func NewTCShaper(runner Runner, subscriberIface, uplinkIface string, logger *slog.Logger) *TCShaper {
	return &TCShaper{
		runner:          runner,
		subscriberIface: subscriberIface,
		uplinkIface:     uplinkIface,
		logger:          logger,
	}
}

// HandleForIP derives the tc minor handle for a subscriber address
// a.b.c.d as c*256+d. Distinct within a /16 of subscriber space.
func HandleForIP(ip net.IP) (uint32, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %s", ip)
	}
	return uint32(ip4[2])*256 + uint32(ip4[3]), nil
}

func (t *TCShaper) tc(ctx context.Context, args ...string) error {
	_, err := t.runner.Run(ctx, "tc", args...)
	return err
}

// Setup installs the root HTB qdisc and the parent class on both
// interfaces. Replace keeps this idempotent across restarts; existing
// subscriber classes under 1:1 are left alone for the reconciler.
func (t *TCShaper) Setup(ctx context.Context) error {
	for _, iface := range []string{t.subscriberIface, t.uplinkIface} {
		cmds := [][]string{
			{"qdisc", "replace", "dev", iface, "root", "handle", "1:", "htb", "r2q", "100", "default", "9999"},
			{"class", "replace", "dev", iface, "parent", "1:", "classid", "1:1", "htb", "rate", "1gbit"},
			{"class", "replace", "dev", iface, "parent", "1:1", "classid", "1:9999", "htb", "rate", "1gbit"},
		}
		for _, cmd := range cmds {
			if err := t.tc(ctx, cmd...); err != nil {
				return fmt.Errorf("tc setup on %s: %w", iface, err)
			}
		}
	}
	return nil
}

// AddShaping installs or updates the subscriber's shaping classes.
// Replace makes a policy change on an existing subscriber a single
// pass, no teardown first.
func (t *TCShaper) AddShaping(ctx context.Context, ip net.IP, s Shaping) error {
	h, err := HandleForIP(ip)
	if err != nil {
		return err
	}
	handle := fmt.Sprintf("%d", h)

	// Zero burst is rejected by tc.
	downloadBurst := s.DownloadBurstKbit
	if downloadBurst < 1 {
		downloadBurst = 1
	}
	uploadBurst := s.UploadBurstKbit
	if uploadBurst < 1 {
		uploadBurst = 1
	}

	type leg struct {
		iface     string
		rateKbit  uint64
		burstKbit uint64
		match     string
	}
	legs := []leg{
		{t.subscriberIface, s.DownloadKbit, downloadBurst, "dst"},
		{t.uplinkIface, s.UploadKbit, uploadBurst, "src"},
	}

	for _, l := range legs {
		rate := fmt.Sprintf("%dkbit", l.rateKbit)
		burst := fmt.Sprintf("%dkbit", l.burstKbit)
		cmds := [][]string{
			{"class", "replace", "dev", l.iface, "parent", "1:1", "classid", "1:" + handle,
				"htb", "rate", rate, "ceil", rate, "burst", burst, "cburst", burst},
			{"qdisc", "replace", "dev", l.iface, "parent", "1:" + handle, "handle", handle + ":",
				"sfq", "perturb", "10"},
			{"filter", "replace", "dev", l.iface, "parent", "1:", "protocol", "ip", "pref", handle,
				"u32", "match", "ip", l.match, ip.String() + "/32", "flowid", "1:" + handle},
		}
		for _, cmd := range cmds {
			if err := t.tc(ctx, cmd...); err != nil {
				metrics.DatapathOperations.WithLabelValues("shape", "error").Inc()
				return fmt.Errorf("shaping %s on %s: %w", ip, l.iface, err)
			}
		}
	}
	metrics.DatapathOperations.WithLabelValues("shape", "ok").Inc()
	return nil
}

// RemoveShaping tears down the subscriber's shaping objects on both
// interfaces. Filters go first so no traffic references the class while
// it is being removed. Objects that are already gone are skipped.
func (t *TCShaper) RemoveShaping(ctx context.Context, ip net.IP) error {
	h, err := HandleForIP(ip)
	if err != nil {
		return err
	}
	handle := fmt.Sprintf("%d", h)

	cmds := [][]string{
		{"filter", "del", "dev", t.subscriberIface, "parent", "1:", "protocol", "ip", "pref", handle},
		{"filter", "del", "dev", t.uplinkIface, "parent", "1:", "protocol", "ip", "pref", handle},
		{"qdisc", "del", "dev", t.subscriberIface, "parent", "1:" + handle, "handle", handle + ":"},
		{"qdisc", "del", "dev", t.uplinkIface, "parent", "1:" + handle, "handle", handle + ":"},
		{"class", "del", "dev", t.subscriberIface, "classid", "1:" + handle},
		{"class", "del", "dev", t.uplinkIface, "classid", "1:" + handle},
	}
	for _, cmd := range cmds {
		if err := t.tc(ctx, cmd...); err != nil {
			t.logger.Debug("tc delete ignored", "ip", ip.String(), "error", err)
		}
	}
	metrics.DatapathOperations.WithLabelValues("unshape", "ok").Inc()
	return nil
}
