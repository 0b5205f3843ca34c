// Package routers tracks access-router liveness. Routers come from the
// OSS inventory; a router is alive while its relayed DHCP traffic keeps
// arriving, and overdue routers are probed with ICMP echo. Liveness
// transitions are published on the event stream.
package routers

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/ossbng/bngd/internal/events"
	"github.com/ossbng/bngd/internal/metrics"
)

const (
	defaultPingInterval = 30 * time.Second
	pingWait            = time.Second
)

// Pinger probes one address for ICMP reachability.
type Pinger interface {
	// Available reports whether probing works at all. Without it the
	// tracker relies on DHCP observation alone.
	Available() bool
	Ping(ctx context.Context, ip net.IP) (bool, error)
}

type entry struct {
	giaddr   net.IP
	lastSeen time.Time
	alive    bool
	nextPing time.Time
}

// Tracker holds the per-router liveness state. All methods run on the
// engine loop; none are safe for concurrent use.
type Tracker struct {
	bngID        string
	inv          *Client
	pinger       Pinger
	dispatcher   *events.Dispatcher
	pingInterval time.Duration
	logger       *slog.Logger

	routers map[string]*entry
}

func NewTracker(bngID string, inv *Client, pinger Pinger, dispatcher *events.Dispatcher, pingInterval time.Duration, logger *slog.Logger) *Tracker {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &Tracker{
		bngID:        bngID,
		inv:          inv,
		pinger:       pinger,
		dispatcher:   dispatcher,
		pingInterval: pingInterval,
		logger:       logger,
		routers:      make(map[string]*entry),
	}
}

// Refresh reloads the assigned-router set from the OSS. New routers start
// dead and due for an immediate ping; routers no longer assigned are
// dropped. A fetch failure keeps the current set.
func (t *Tracker) Refresh(ctx context.Context, now time.Time) {
	assigned, err := t.inv.Assigned(ctx)
	if err != nil {
		t.logger.Warn("router inventory refresh failed", "error", err)
		return
	}
	seen := make(map[string]bool, len(assigned))
	for _, r := range assigned {
		seen[r.Name] = true
		if e, ok := t.routers[r.Name]; ok {
			e.giaddr = r.GIAddr
			continue
		}
		t.routers[r.Name] = &entry{giaddr: r.GIAddr, nextPing: now}
		t.logger.Info("router assigned",
			"router_name", r.Name,
			"giaddr", r.GIAddr.String())
	}
	for name := range t.routers {
		if !seen[name] {
			delete(t.routers, name)
			t.logger.Info("router unassigned", "router_name", name)
		}
	}
	t.updateGauges()
	t.logger.Debug("router inventory refreshed",
		"bng_id", t.bngID,
		"routers", len(t.routers))
}

func (t *Tracker) updateGauges() {
	alive := 0
	for _, e := range t.routers {
		if e.alive {
			alive++
		}
	}
	metrics.RoutersTracked.Set(float64(len(t.routers)))
	metrics.RoutersAlive.Set(float64(alive))
}

// ObserveDHCP marks a router alive when its relayed DHCP traffic is seen.
// The router name is the Option 82 remote-id, or for legacy relays the
// leading segment of a "name|..." circuit-id. A live observation pushes
// the next ICMP probe out by a full interval.
func (t *Tracker) ObserveDHCP(remoteID, circuitID string, now time.Time) {
	var name string
	if _, ok := t.routers[remoteID]; ok {
		name = remoteID
	} else if prefix, _, found := strings.Cut(circuitID, "|"); found && prefix != "" {
		name = prefix
	}
	if name == "" {
		return
	}
	e, ok := t.routers[name]
	if !ok {
		return
	}
	e.lastSeen = now
	if !e.alive {
		e.alive = true
		t.dispatcher.RouterUpdate(name, true, e.lastSeen)
		t.updateGauges()
	}
	e.nextPing = now.Add(t.pingInterval)
}

// State is a point-in-time view of one tracked router.
type State struct {
	Name     string    `json:"router_name"`
	GIAddr   string    `json:"giaddr"`
	Alive    bool      `json:"is_alive"`
	LastSeen time.Time `json:"last_seen"`
	NextPing time.Time `json:"next_ping"`
}

// Snapshot copies the tracked set, sorted by name. Engine loop only.
func (t *Tracker) Snapshot() []State {
	out := make([]State, 0, len(t.routers))
	for name, e := range t.routers {
		out = append(out, State{
			Name:     name,
			GIAddr:   e.giaddr.String(),
			Alive:    e.alive,
			LastSeen: e.lastSeen,
			NextPing: e.nextPing,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PingTick probes routers whose next check is due and publishes liveness
// transitions. Routers with fresh DHCP activity are never overdue, so
// steady-state subscribers cost no probes.
func (t *Tracker) PingTick(ctx context.Context, now time.Time) {
	if !t.pinger.Available() {
		return
	}
	for name, e := range t.routers {
		if now.Before(e.nextPing) {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, pingWait)
		alive, err := t.pinger.Ping(pctx, e.giaddr)
		cancel()
		if err != nil {
			t.logger.Debug("router ping failed",
				"router_name", name,
				"giaddr", e.giaddr.String(),
				"error", err)
			alive = false
		}
		if alive {
			metrics.RouterPings.WithLabelValues("alive").Inc()
		} else {
			metrics.RouterPings.WithLabelValues("dead").Inc()
		}
		e.nextPing = now.Add(t.pingInterval)
		if alive == e.alive {
			continue
		}
		e.alive = alive
		t.dispatcher.RouterUpdate(name, alive, e.lastSeen)
		t.updateGauges()
	}
}
