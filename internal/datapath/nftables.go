package datapath

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/ossbng/bngd/internal/metrics"
)

// nft table and chain names. Everything bngd owns lives in one inet
// table so a restart can clear it without touching other rulesets.
const (
	nftTable     = "bngd"
	nftAcctChain = "acct"
	nftGateChain = "gate"
	nftAllowSet  = "allowed"
)

// NFTables implements RuleEngine with the nft command-line tool.
type NFTables struct {
	runner          Runner
	subscriberIface string
	logger          *slog.Logger
}

// NewNFTables returns a RuleEngine programming nftables on the given
// subscriber-facing interface.
func NewNFTables(runner Runner, subscriberIface string, logger *slog.Logger) *NFTables {
	return &NFTables{
		runner:          runner,
		subscriberIface: subscriberIface,
		logger:          logger,
	}
}

func (n *NFTables) nft(ctx context.Context, cmd string) ([]byte, error) {
	return n.runner.Run(ctx, "nft", cmd)
}

// Setup builds the base ruleset: the accounting chain, the allow set, and
// the gate that drops subscriber traffic from addresses not in the set.
// Per-subscriber rules and set elements from a previous run are flushed;
// the reconciler reinstalls them from lease state.
func (n *NFTables) Setup(ctx context.Context) error {
	cmds := []string{
		fmt.Sprintf("add table inet %s", nftTable),
		fmt.Sprintf("flush table inet %s", nftTable),
		fmt.Sprintf("add set inet %s %s { type ipv4_addr ; }", nftTable, nftAllowSet),
		fmt.Sprintf("flush set inet %s %s", nftTable, nftAllowSet),
		fmt.Sprintf("add chain inet %s %s { type filter hook forward priority 0 ; policy accept ; }", nftTable, nftAcctChain),
		fmt.Sprintf("add chain inet %s %s { type filter hook forward priority -5 ; policy accept ; }", nftTable, nftGateChain),
		fmt.Sprintf("add rule inet %s %s iifname %q ip saddr != @%s drop", nftTable, nftGateChain, n.subscriberIface, nftAllowSet),
	}
	for _, cmd := range cmds {
		if _, err := n.nft(ctx, cmd); err != nil {
			return fmt.Errorf("nft setup %q: %w", cmd, err)
		}
	}
	return nil
}

// InstallSubscriberRules adds the upload (saddr) and download (daddr)
// counter rules for the address. nft prints the rule back with its
// handle when asked, which becomes the engine's reference for deletes
// and counter reads.
func (n *NFTables) InstallSubscriberRules(ctx context.Context, ip net.IP) (Handle, Handle, error) {
	up, err := n.addCounterRule(ctx, "saddr", ip)
	if err != nil {
		metrics.DatapathOperations.WithLabelValues("install", "error").Inc()
		return 0, 0, fmt.Errorf("installing upload rule for %s: %w", ip, err)
	}
	down, err := n.addCounterRule(ctx, "daddr", ip)
	if err != nil {
		metrics.DatapathOperations.WithLabelValues("install", "error").Inc()
		// Half-installed pairs confuse counter snapshots; roll back.
		if delErr := n.DeleteRule(ctx, up); delErr != nil {
			n.logger.Warn("rollback of upload rule failed", "ip", ip.String(), "error", delErr)
		}
		return 0, 0, fmt.Errorf("installing download rule for %s: %w", ip, err)
	}
	metrics.DatapathOperations.WithLabelValues("install", "ok").Inc()
	return up, down, nil
}

func (n *NFTables) addCounterRule(ctx context.Context, match string, ip net.IP) (Handle, error) {
	cmd := fmt.Sprintf("add rule inet %s %s ip %s %s counter", nftTable, nftAcctChain, match, ip.String())
	out, err := n.runner.Run(ctx, "nft", "--echo", "--handle", cmd)
	if err != nil {
		return 0, err
	}
	h, err := parseEchoHandle(string(out))
	if err != nil {
		return 0, fmt.Errorf("parsing nft output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return h, nil
}

// parseEchoHandle extracts the rule handle from nft --echo --handle
// output, which ends the echoed rule with "# handle N".
func parseEchoHandle(out string) (Handle, error) {
	const marker = "# handle "
	idx := strings.LastIndex(out, marker)
	if idx < 0 {
		return 0, fmt.Errorf("no handle marker in output")
	}
	rest := strings.TrimSpace(out[idx+len(marker):])
	if cut := strings.IndexAny(rest, " \t\n"); cut >= 0 {
		rest = rest[:cut]
	}
	v, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, err
	}
	return Handle(v), nil
}

// DeleteRule removes a counter rule by handle. A handle that is already
// gone is treated as deleted.
func (n *NFTables) DeleteRule(ctx context.Context, h Handle) error {
	cmd := fmt.Sprintf("delete rule inet %s %s handle %d", nftTable, nftAcctChain, h)
	if _, err := n.nft(ctx, cmd); err != nil {
		n.logger.Debug("nft rule delete ignored", "handle", uint64(h), "error", err)
		metrics.DatapathOperations.WithLabelValues("delete", "ignored").Inc()
		return nil
	}
	metrics.DatapathOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

// nft -j list output, reduced to the parts the snapshot needs.
type nftOutput struct {
	Nftables []nftObject `json:"nftables"`
}

type nftObject struct {
	Rule *nftRule `json:"rule"`
}

type nftRule struct {
	Handle uint64                       `json:"handle"`
	Expr   []map[string]json.RawMessage `json:"expr"`
}

type nftCounter struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// SnapshotCounters reads every rule in the accounting chain in one nft
// invocation and returns the counters keyed by rule handle.
func (n *NFTables) SnapshotCounters(ctx context.Context) (map[Handle]Counters, error) {
	out, err := n.runner.Run(ctx, "nft", "-j", fmt.Sprintf("list chain inet %s %s", nftTable, nftAcctChain))
	if err != nil {
		metrics.DatapathOperations.WithLabelValues("snapshot", "error").Inc()
		return nil, fmt.Errorf("listing counter chain: %w", err)
	}

	var parsed nftOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		metrics.DatapathOperations.WithLabelValues("snapshot", "error").Inc()
		return nil, fmt.Errorf("parsing nft json: %w", err)
	}

	snap := make(map[Handle]Counters)
	for _, obj := range parsed.Nftables {
		if obj.Rule == nil {
			continue
		}
		for _, expr := range obj.Rule.Expr {
			raw, ok := expr["counter"]
			if !ok {
				continue
			}
			var c nftCounter
			if err := json.Unmarshal(raw, &c); err != nil {
				continue
			}
			snap[Handle(obj.Rule.Handle)] = Counters{Bytes: c.Bytes, Packets: c.Packets}
		}
	}
	metrics.DatapathOperations.WithLabelValues("snapshot", "ok").Inc()
	return snap, nil
}

// AllowIP opens forwarding for the address.
func (n *NFTables) AllowIP(ctx context.Context, ip net.IP) error {
	cmd := fmt.Sprintf("add element inet %s %s { %s }", nftTable, nftAllowSet, ip.String())
	if _, err := n.nft(ctx, cmd); err != nil {
		metrics.DatapathOperations.WithLabelValues("allow", "error").Inc()
		return fmt.Errorf("allowing %s: %w", ip, err)
	}
	metrics.DatapathOperations.WithLabelValues("allow", "ok").Inc()
	return nil
}

// RevokeIP closes forwarding for the address. An address that is not in
// the set is treated as revoked.
func (n *NFTables) RevokeIP(ctx context.Context, ip net.IP) error {
	cmd := fmt.Sprintf("delete element inet %s %s { %s }", nftTable, nftAllowSet, ip.String())
	if _, err := n.nft(ctx, cmd); err != nil {
		n.logger.Debug("nft element delete ignored", "ip", ip.String(), "error", err)
		metrics.DatapathOperations.WithLabelValues("revoke", "ignored").Inc()
		return nil
	}
	metrics.DatapathOperations.WithLabelValues("revoke", "ok").Inc()
	return nil
}
