// Package engine owns all subscriber session state. A single goroutine
// consumes DHCP events and periodic commands, so session mutation never
// needs a lock; everything else talks to the engine through the event
// queue, the command channel, or snapshot commands.
package engine

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ossbng/bngd/internal/datapath"
	"github.com/ossbng/bngd/internal/events"
	"github.com/ossbng/bngd/internal/health"
	"github.com/ossbng/bngd/internal/leases"
	"github.com/ossbng/bngd/internal/metrics"
	"github.com/ossbng/bngd/internal/radius"
	"github.com/ossbng/bngd/internal/routers"
	"github.com/ossbng/bngd/internal/sniffer"
	"github.com/ossbng/bngd/internal/store"
	"github.com/ossbng/bngd/pkg/dhcpv4"
)

// Engine command names. Tickers post these; the loop dispatches on them.
const (
	cmdInterim            = "interim"
	cmdAuthRetry          = "auth_retry"
	cmdDisconnectionCheck = "disconnection_check"
	cmdReconcile          = "reconcile"
	cmdRouterPing         = "router_ping"
	cmdRouterRefresh      = "router_config_refresh"
	cmdBNGHealth          = "bng_health"
	cmdCoARequest         = "coa_request"
	cmdSnapshot           = "snapshot"
)

type command struct {
	name    string
	trigger string // reconcile only: "tick" or "dhcp"
	coa     *coaCommand
	run     func(ctx context.Context)
}

// Config carries the engine's identity and timing knobs. Zero timing
// values disable the corresponding ticker.
type Config struct {
	BNGID string

	EventQueueSize   int
	CommandQueueSize int

	InterimInterval         time.Duration
	AuthRetryInterval       time.Duration
	DisconnectCheckInterval time.Duration
	ReconcileInterval       time.Duration
	RouterPingInterval      time.Duration
	RouterConfigInterval    time.Duration
	HealthInterval          time.Duration
	IdleGraceAfterConnect   time.Duration
	MarkIdleGrace           time.Duration
	MarkDisconnectGrace     time.Duration
	TombstoneTTL            time.Duration
	TombstoneExpiryGrace    time.Duration
	PendingPromotionGrace   time.Duration
	NAKTerminateThreshold   int
	EnableIdleDisconnect    bool
}

// AAA is the RADIUS surface the engine drives.
type AAA interface {
	Authorize(ctx context.Context, username, mac string, ip net.IP) (*radius.AuthResult, error)
	AccountingStart(ctx context.Context, rec radius.AccountingRecord) error
	AccountingInterim(ctx context.Context, rec radius.AccountingRecord) error
	AccountingStop(ctx context.Context, rec radius.AccountingRecord) error
}

// LeaseSource yields the authoritative lease set for reconciliation.
type LeaseSource interface {
	Snapshot(ctx context.Context) ([]leases.Lease, error)
}

// HealthSampler reads daemon resource usage.
type HealthSampler interface {
	Sample() (health.Stats, error)
}

// Deps are the engine's collaborators. Routers, Health and Journal may
// be nil; the engine degrades to running without them.
type Deps struct {
	Rules      datapath.RuleEngine
	Shaper     datapath.Shaper
	AAA        AAA
	Leases     LeaseSource
	Dispatcher *events.Dispatcher
	Routers    *routers.Tracker
	Health     HealthSampler
	Journal    *store.Journal
}

// Engine is the single-writer session manager.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	queue *EventQueue
	cmds  chan command

	sessions   map[Key]*Session
	byIP       map[string]*Session
	byID       map[string]*Session
	tombstones map[Key]Tombstone

	startedAt time.Time
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.CommandQueueSize <= 0 {
		cfg.CommandQueueSize = 2048
	}
	return &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		now:        time.Now,
		queue:      NewEventQueue(cfg.EventQueueSize),
		cmds:       make(chan command, cfg.CommandQueueSize),
		sessions:   make(map[Key]*Session),
		byIP:       make(map[string]*Session),
		byID:       make(map[string]*Session),
		tombstones: make(map[Key]Tombstone),
	}
}

// Queue is the sniffer's sink.
func (e *Engine) Queue() *EventQueue { return e.queue }

// QueueDepths reports event and command backlog for the health endpoint.
func (e *Engine) QueueDepths() (eventDepth, commandDepth int) {
	return e.queue.Len(), len(e.cmds)
}

// Run executes the engine loop until ctx is cancelled. Everything that
// touches session state happens on this goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = e.now()
	e.loadTombstones(e.startedAt)

	if e.deps.Health != nil {
		e.publishHealth(true)
	}
	if e.deps.Routers != nil {
		e.deps.Routers.Refresh(ctx, e.now())
	}

	tickers := []struct {
		name  string
		every time.Duration
		want  bool
	}{
		{cmdInterim, e.cfg.InterimInterval, true},
		{cmdAuthRetry, e.cfg.AuthRetryInterval, true},
		{cmdDisconnectionCheck, e.cfg.DisconnectCheckInterval, true},
		{cmdReconcile, e.cfg.ReconcileInterval, true},
		{cmdRouterPing, e.cfg.RouterPingInterval, e.deps.Routers != nil},
		{cmdRouterRefresh, e.cfg.RouterConfigInterval, e.deps.Routers != nil},
		{cmdBNGHealth, e.cfg.HealthInterval, e.deps.Health != nil},
	}
	var wg sync.WaitGroup
	for _, t := range tickers {
		if t.every <= 0 || !t.want {
			continue
		}
		wg.Add(1)
		go e.tickLoop(ctx, &wg, t.name, t.every)
	}

	e.logger.Info("session engine running",
		"bng_id", e.cfg.BNGID,
		"tombstones", len(e.tombstones))

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			e.queue.Close()
			e.logger.Info("session engine stopped", "sessions", len(e.sessions))
			return nil
		case ev := <-e.queue.C():
			e.handleDHCPEvent(ctx, ev)
		case cmd := <-e.cmds:
			metrics.CommandQueueDepth.Set(float64(len(e.cmds)))
			e.handleCommand(ctx, cmd)
		}
	}
}

// tickLoop posts one named command per interval. A full command channel
// skips the tick; the next one covers the work.
func (e *Engine) tickLoop(ctx context.Context, wg *sync.WaitGroup, name string, every time.Duration) {
	defer wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			select {
			case e.cmds <- command{name: name}:
				metrics.CommandQueueDepth.Set(float64(len(e.cmds)))
			default:
				e.logger.Debug("command queue full, tick skipped", "command", name)
			}
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	now := e.now()
	switch cmd.name {
	case cmdInterim:
		e.interimTick(ctx, now)
	case cmdAuthRetry:
		e.authRetryTick(ctx, now)
	case cmdDisconnectionCheck:
		e.disconnectionCheckTick(ctx, now)
	case cmdReconcile:
		trigger := cmd.trigger
		if trigger == "" {
			trigger = "tick"
		}
		e.reconcile(ctx, trigger, now)
	case cmdRouterPing:
		if e.deps.Routers != nil {
			e.deps.Routers.PingTick(ctx, now)
		}
	case cmdRouterRefresh:
		if e.deps.Routers != nil {
			e.deps.Routers.Refresh(ctx, now)
		}
	case cmdBNGHealth:
		if e.deps.Health != nil {
			e.publishHealth(false)
		}
	case cmdCoARequest:
		if cmd.coa != nil {
			cmd.coa.reply <- e.serveCoA(ctx, cmd.coa.req, now)
		}
	case cmdSnapshot:
		if cmd.run != nil {
			cmd.run(ctx)
		}
	default:
		e.logger.Warn("unknown engine command", "command", cmd.name)
	}
}

func (e *Engine) handleDHCPEvent(ctx context.Context, ev sniffer.Event) {
	now := e.now()
	metrics.SessionEvents.WithLabelValues("dhcp_"+ev.MsgType.String()).Inc()
	if e.deps.Routers != nil {
		e.deps.Routers.ObserveDHCP(ev.RemoteID, ev.CircuitID, now)
	}

	switch ev.MsgType {
	case dhcpv4.MessageTypeDiscover:
		e.handleDiscover(ev, now)
	case dhcpv4.MessageTypeRequest:
		e.handleRequest(ev, now)
	case dhcpv4.MessageTypeAck:
		e.handleAck(ctx, ev, now)
	case dhcpv4.MessageTypeNak:
		e.handleNak(ev, now)
	case dhcpv4.MessageTypeRelease:
		e.handleRelease(ctx, ev, now)
	default:
		return
	}

	// Lease state likely changed; fold it in promptly rather than wait
	// for the periodic tick. Best effort when the channel is full.
	select {
	case e.cmds <- command{name: cmdReconcile, trigger: "dhcp"}:
	default:
	}
}

func (e *Engine) key(ev sniffer.Event) Key {
	return Key{BNGID: e.cfg.BNGID, CircuitID: ev.CircuitID, RemoteID: ev.RemoteID}
}

func (e *Engine) updateGauges() {
	counts := map[Status]int{StatusPending: 0, StatusActive: 0, StatusIdle: 0, StatusExpired: 0}
	for _, s := range e.sessions {
		counts[s.Status]++
	}
	for st, n := range counts {
		metrics.SessionsByStatus.WithLabelValues(string(st)).Set(float64(n))
	}
}

// removeSession drops a session from every index and optionally leaves a
// tombstone so reconcile does not re-adopt it from stale lease state.
func (e *Engine) removeSession(s *Session, reason string, tombstone bool, now time.Time) {
	delete(e.sessions, s.Key)
	delete(e.byID, s.ID)
	if s.IP != nil {
		delete(e.byIP, s.IP.String())
	}
	if tombstone {
		e.writeTombstone(s, reason, now)
	}
	e.updateGauges()
}

func (e *Engine) writeTombstone(s *Session, reason string, now time.Time) {
	watermark := s.Expiry
	if watermark.IsZero() {
		watermark = now
	}
	t := Tombstone{
		IPAtStop:            ipString(s.IP),
		LatestStateUpdateTS: watermark,
		StoppedAt:           now,
		Reason:              reason,
	}
	e.tombstones[s.Key] = t
	if err := e.deps.Journal.Put(store.Tombstone{
		BNGID:               s.Key.BNGID,
		CircuitID:           s.Key.CircuitID,
		RemoteID:            s.Key.RemoteID,
		IPAtStop:            t.IPAtStop,
		LatestStateUpdateTS: t.LatestStateUpdateTS,
		StoppedAt:           t.StoppedAt,
		Reason:              reason,
	}); err != nil {
		e.logger.Warn("tombstone journal write failed",
			"circuit_id", s.Key.CircuitID,
			"error", err)
	}
	metrics.Tombstones.Set(float64(len(e.tombstones)))
}

func (e *Engine) clearTombstone(key Key) {
	if _, ok := e.tombstones[key]; !ok {
		return
	}
	delete(e.tombstones, key)
	if err := e.deps.Journal.Delete(key.BNGID, key.CircuitID, key.RemoteID); err != nil {
		e.logger.Warn("tombstone journal delete failed",
			"circuit_id", key.CircuitID,
			"error", err)
	}
	metrics.Tombstones.Set(float64(len(e.tombstones)))
}

// loadTombstones restores the journal at startup so a daemon restart
// does not resurrect deliberately ended sessions. Entries past their TTL
// are dropped on the way in.
func (e *Engine) loadTombstones(now time.Time) {
	all, err := e.deps.Journal.All()
	if err != nil {
		e.logger.Warn("tombstone journal read failed", "error", err)
		return
	}
	for _, t := range all {
		if t.BNGID != e.cfg.BNGID {
			continue
		}
		if now.Sub(t.StoppedAt) >= e.cfg.TombstoneTTL {
			_ = e.deps.Journal.Delete(t.BNGID, t.CircuitID, t.RemoteID)
			continue
		}
		e.tombstones[Key{BNGID: t.BNGID, CircuitID: t.CircuitID, RemoteID: t.RemoteID}] = Tombstone{
			IPAtStop:            t.IPAtStop,
			LatestStateUpdateTS: t.LatestStateUpdateTS,
			StoppedAt:           t.StoppedAt,
			Reason:              t.Reason,
			MissingSeen:         t.MissingSeen,
		}
	}
	metrics.Tombstones.Set(float64(len(e.tombstones)))
}

func (e *Engine) publishHealth(startup bool) {
	st, err := e.deps.Health.Sample()
	if err != nil {
		e.logger.Warn("health sample failed", "error", err)
		return
	}
	metrics.CPUUsage.Set(st.CPUPercent)
	metrics.MemUsage.Set(st.MemUsageMB)
	hs := events.HealthStats{
		CPUPercent: st.CPUPercent,
		MemUsageMB: st.MemUsageMB,
		MemMaxMB:   st.MemMaxMB,
	}
	if startup {
		hs.FirstSeen = e.startedAt
	}
	e.deps.Dispatcher.HealthUpdate(hs)
}
