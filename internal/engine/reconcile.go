package engine

import (
	"context"
	"time"

	"github.com/ossbng/bngd/internal/leases"
	"github.com/ossbng/bngd/internal/metrics"
	"github.com/ossbng/bngd/internal/store"
)

// reconcile folds the authoritative lease snapshot into session state:
// adopt leases the sniffer missed, promote sessions stuck waiting for an
// ACK, follow address and expiry changes, and end sessions the lease
// server no longer backs. Tombstones veto adoption until the server
// shows genuinely new lease activity for the key.
func (e *Engine) reconcile(ctx context.Context, trigger string, now time.Time) {
	metrics.ReconcileRuns.WithLabelValues(trigger).Inc()

	snapshot, err := e.deps.Leases.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("lease snapshot failed", "error", err)
		return
	}

	current := make(map[Key]leases.Lease, len(snapshot))
	for _, l := range snapshot {
		current[Key{BNGID: e.cfg.BNGID, CircuitID: l.CircuitID, RemoteID: l.RemoteID}] = l
	}

	e.sweepTombstones(current, now)

	for key, l := range current {
		if t, ok := e.tombstones[key]; ok {
			if !l.LastStateUpdateTS.After(t.LatestStateUpdateTS) {
				// Same lease the session was stopped under.
				continue
			}
			e.clearTombstone(key)
		}

		s, ok := e.sessions[key]
		if !ok {
			if l.IsActive() && l.IP != nil {
				e.adoptLease(ctx, key, l, now)
			}
			continue
		}
		if !l.IsActive() {
			// Declined or reclaimed; the stale pass below ends it.
			continue
		}

		s.LastSeen = now

		if s.IP == nil {
			// REQUEST seen, ACK missed. Give the in-flight ACK a short
			// head start before promoting from lease state.
			if l.IP != nil && now.Sub(s.FirstSeen) >= e.cfg.PendingPromotionGrace {
				s.Expiry = l.Expiry
				e.logger.Info("pending session promoted from lease state",
					"session_id", s.ID,
					"ip", l.IP.String())
				e.startSession(ctx, s, l.IP, now)
			}
			continue
		}

		if !l.Expiry.IsZero() && !l.Expiry.Equal(s.Expiry) {
			s.Expiry = l.Expiry
		}
		if l.IP != nil && !l.IP.Equal(s.IP) {
			e.logger.Info("lease address diverged",
				"session_id", s.ID,
				"session_ip", s.IP.String(),
				"lease_ip", l.IP.String())
			e.replaceIP(ctx, s, l.IP, now)
		}
	}

	e.endUnbackedSessions(ctx, current, now)
}

// adoptLease creates and starts a session directly from lease state.
func (e *Engine) adoptLease(ctx context.Context, key Key, l leases.Lease, now time.Time) {
	s := newSession(key, l.MAC, now)
	s.Expiry = l.Expiry
	e.sessions[key] = s
	e.byID[s.ID] = s
	metrics.SessionEvents.WithLabelValues("adopt").Inc()
	e.logger.Info("session adopted from lease state",
		"session_id", s.ID,
		"circuit_id", key.CircuitID,
		"remote_id", key.RemoteID,
		"ip", l.IP.String())
	e.startSession(ctx, s, l.IP, now)
}

// endUnbackedSessions terminates sessions the snapshot no longer
// supports. A session merely missing from the snapshot survives until
// its lease expiry passes, because Kea trims and paginates; one present
// but inactive is ended immediately. Neither leaves a tombstone: the
// lease is already gone, a tombstone would only delay the next adopt.
func (e *Engine) endUnbackedSessions(ctx context.Context, current map[Key]leases.Lease, now time.Time) {
	var ended []*Session
	for key, s := range e.sessions {
		l, ok := current[key]
		switch {
		case !ok:
			if s.IP != nil && !s.Expiry.IsZero() && !now.Before(s.Expiry) {
				ended = append(ended, s)
			}
		case !l.IsActive():
			if s.IP != nil {
				ended = append(ended, s)
			}
		}
	}
	for _, s := range ended {
		e.logger.Info("session no longer backed by lease state",
			"session_id", s.ID,
			"ip", ipString(s.IP))
		e.terminate(ctx, s, "Reconcile-Timeout", now)
		e.removeSession(s, "", false, now)
	}
}

// sweepTombstones expires tombstones: unconditionally after the TTL, or
// after the lease watermark grace once the lease has been seen missing
// from the server at least once.
func (e *Engine) sweepTombstones(current map[Key]leases.Lease, now time.Time) {
	for key, t := range e.tombstones {
		if _, present := current[key]; !present && !t.MissingSeen {
			t.MissingSeen = true
			e.tombstones[key] = t
			if err := e.deps.Journal.Put(store.Tombstone{
				BNGID:               key.BNGID,
				CircuitID:           key.CircuitID,
				RemoteID:            key.RemoteID,
				IPAtStop:            t.IPAtStop,
				LatestStateUpdateTS: t.LatestStateUpdateTS,
				StoppedAt:           t.StoppedAt,
				Reason:              t.Reason,
				MissingSeen:         true,
			}); err != nil {
				e.logger.Warn("tombstone journal write failed",
					"circuit_id", key.CircuitID,
					"error", err)
			}
		}

		expired := now.Sub(t.StoppedAt) >= e.cfg.TombstoneTTL
		if !expired && t.MissingSeen &&
			now.After(t.LatestStateUpdateTS.Add(e.cfg.TombstoneExpiryGrace)) {
			expired = true
		}
		if expired {
			e.logger.Debug("tombstone expired",
				"circuit_id", key.CircuitID,
				"remote_id", key.RemoteID,
				"reason", t.Reason)
			e.clearTombstone(key)
		}
	}
}
