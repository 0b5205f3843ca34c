// Package leases reads the authoritative DHCPv4 lease set from the Kea
// control agent. The reconciler treats this snapshot as ground truth
// when healing sessions the sniffer missed.
package leases

import (
	"net"
	"time"
)

// Kea lease states. Anything but default means the lease is not
// currently serving a client.
const (
	keaStateDefault = 0
)

// Lease is one Kea lease annotated with the Option 82 identity it was
// issued against. Identity strings use the same printable-else-hex
// decoding as the sniffer, so lease keys and session keys always line
// up.
type Lease struct {
	CircuitID         string
	RemoteID          string
	RelayID           string
	MAC               string // colon-lower
	IP                net.IP
	Expiry            time.Time
	LastStateUpdateTS time.Time
	State             int
}

// IsActive reports whether Kea considers the lease usable. Declined
// and expired-reclaimed leases stay in the snapshot so the reconciler
// can terminate their sessions.
func (l Lease) IsActive() bool {
	return l.State == keaStateDefault
}
