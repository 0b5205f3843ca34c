// Package datapath programs the forwarding plane: per-subscriber counter
// rules and the authorization gate via nftables, and per-subscriber rate
// limits via tc. The engine only sees the two small contracts here, so
// tests and alternative dataplanes swap in without touching session logic.
package datapath

import (
	"context"
	"net"
)

// Handle identifies an installed counter rule.
type Handle uint64

// Counters is a point-in-time reading of one rule's counter.
type Counters struct {
	Bytes   uint64
	Packets uint64
}

// Shaping is a per-subscriber rate limit in kbit/s. Zero bursts are
// clamped to the minimum the qdisc accepts.
type Shaping struct {
	DownloadKbit      uint64
	UploadKbit        uint64
	DownloadBurstKbit uint64
	UploadBurstKbit   uint64
}

// RuleEngine installs and reads per-subscriber accounting rules and
// controls which subscriber addresses may forward traffic.
type RuleEngine interface {
	// Setup prepares the base ruleset. Existing per-subscriber state is
	// cleared; the session engine reinstalls rules from lease state.
	Setup(ctx context.Context) error

	// InstallSubscriberRules adds the upload and download counter rules
	// for an address and returns their handles.
	InstallSubscriberRules(ctx context.Context, ip net.IP) (up, down Handle, err error)

	// DeleteRule removes a counter rule. Deleting an absent handle is
	// not an error.
	DeleteRule(ctx context.Context, h Handle) error

	// SnapshotCounters reads every installed counter in one pass.
	SnapshotCounters(ctx context.Context) (map[Handle]Counters, error)

	// AllowIP opens forwarding for a subscriber address.
	AllowIP(ctx context.Context, ip net.IP) error

	// RevokeIP closes forwarding for a subscriber address. Revoking an
	// absent address is not an error.
	RevokeIP(ctx context.Context, ip net.IP) error
}

// Shaper applies per-subscriber rate limits.
type Shaper interface {
	// AddShaping installs the rate limit pair for an address, replacing
	// any previous shaping for the same address.
	AddShaping(ctx context.Context, ip net.IP, s Shaping) error

	// RemoveShaping removes the rate limit pair. Removing absent shaping
	// is not an error.
	RemoveShaping(ctx context.Context, ip net.IP) error
}
