package engine

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ossbng/bngd/internal/events"
	"github.com/ossbng/bngd/internal/metrics"
	"github.com/ossbng/bngd/internal/sniffer"
)

// handleDiscover only refreshes liveness. Sessions are created on
// REQUEST; a DISCOVER storm must not allocate anything.
func (e *Engine) handleDiscover(ev sniffer.Event, now time.Time) {
	if s, ok := e.sessions[e.key(ev)]; ok {
		s.LastSeen = now
	}
}

// handleRequest creates the session if the identity tuple is new. Fresh
// DHCP activity on a tombstoned key means the subscriber is back, so the
// tombstone is cleared rather than honored.
func (e *Engine) handleRequest(ev sniffer.Event, now time.Time) {
	if ev.CircuitID == "" && ev.RemoteID == "" {
		e.logger.Debug("REQUEST without relay identity", "mac", ev.MAC)
		return
	}
	if ev.MAC == "" {
		e.logger.Warn("REQUEST without chaddr",
			"circuit_id", ev.CircuitID,
			"remote_id", ev.RemoteID)
		return
	}

	key := e.key(ev)
	e.clearTombstone(key)

	if s, ok := e.sessions[key]; ok {
		s.LastSeen = now
		s.MAC = ev.MAC
		return
	}

	s := newSession(key, ev.MAC, now)
	e.sessions[key] = s
	e.byID[s.ID] = s
	metrics.SessionEvents.WithLabelValues("create").Inc()
	e.updateGauges()
	e.logger.Info("session created",
		"session_id", s.ID,
		"circuit_id", key.CircuitID,
		"remote_id", key.RemoteID,
		"mac", ev.MAC)
}

// handleAck drives address assignment. An ACK may confirm the current
// address, assign the first one, or move the subscriber to a new one;
// the last case ends the old accounting tenure and starts a fresh one.
func (e *Engine) handleAck(ctx context.Context, ev sniffer.Event, now time.Time) {
	key := e.key(ev)
	e.clearTombstone(key)

	s, ok := e.sessions[key]
	if !ok {
		// The REQUEST was missed; reconcile adopts the lease shortly.
		e.logger.Debug("ACK for unknown session",
			"circuit_id", ev.CircuitID,
			"remote_id", ev.RemoteID)
		return
	}

	s.LastSeen = now
	s.NAKCount = 0
	if !ev.Expiry.IsZero() {
		s.Expiry = ev.Expiry
	}

	if ev.IP == nil {
		// DHCPINFORM-style ACK carries no address to run a session on.
		if s.IP != nil {
			e.logger.Debug("ACK without address for addressed session",
				"session_id", s.ID, "ip", s.IP.String())
		}
		return
	}

	if s.IP != nil {
		if ev.IP.Equal(s.IP) {
			// Renewal: same address, fresh lease.
			s.LastIdle = time.Time{}
			s.LastTrafficSeen = time.Time{}
			s.setStatus(StatusActive, now)
			return
		}
		e.replaceIP(ctx, s, ev.IP, now)
		return
	}

	e.startSession(ctx, s, ev.IP, now)
}

// handleNak resets the session to PENDING. A subscriber the server keeps
// refusing and that never held an address is dropped outright after the
// threshold; it produced no accounting and owes no stop.
func (e *Engine) handleNak(ev sniffer.Event, now time.Time) {
	s, ok := e.sessions[e.key(ev)]
	if !ok {
		return
	}
	s.LastSeen = now
	s.NAKCount++
	s.setStatus(StatusPending, now)
	if s.NAKCount >= e.cfg.NAKTerminateThreshold && s.IP == nil {
		delete(e.sessions, s.Key)
		delete(e.byID, s.ID)
		e.logger.Warn("session dropped after repeated NAKs",
			"session_id", s.ID,
			"naks", s.NAKCount)
		e.updateGauges()
	}
}

// handleRelease ends the session holding the released address. Releases
// are keyed by ciaddr because clients often omit Option 82 relay data on
// the way out.
func (e *Engine) handleRelease(ctx context.Context, ev sniffer.Event, now time.Time) {
	if ev.IP == nil {
		e.logger.Debug("RELEASE without address", "mac", ev.MAC)
		return
	}
	s, ok := e.byIP[ev.IP.String()]
	if !ok {
		e.logger.Debug("RELEASE for unknown address", "ip", ev.IP.String())
		return
	}
	e.logger.Info("subscriber released address",
		"session_id", s.ID,
		"ip", ev.IP.String())
	e.terminate(ctx, s, "User-Request", now)
	e.removeSession(s, "User-Request", true, now)
}

// startSession assigns the address and brings the session up: ACTIVE,
// indexed by IP, announced on the stream, then authorized. FirstSeen is
// reset here so the accounting session id reflects this address tenure.
func (e *Engine) startSession(ctx context.Context, s *Session, ip net.IP, now time.Time) {
	s.IP = ip.To4()
	s.FirstSeen = now
	s.setStatus(StatusActive, now)
	e.byIP[s.IP.String()] = s
	s.Started = true
	e.deps.Dispatcher.SessionStart(s.streamEvent(), now)
	metrics.SessionEvents.WithLabelValues("start").Inc()
	e.logger.Info("session started",
		"session_id", s.ID,
		"ip", s.IP.String(),
		"user", s.Username())
	e.authorize(ctx, s, now)
	e.updateGauges()
}

// replaceIP ends the current address tenure and starts a new one. The
// session object survives so NAK counts and identity stay put, but it
// gets a new id: downstream consumers treat id+address as immutable.
func (e *Engine) replaceIP(ctx context.Context, s *Session, newIP net.IP, now time.Time) {
	oldID := s.ID
	oldIP := s.IP
	e.terminate(ctx, s, "IP-change", now)
	delete(e.byIP, oldIP.String())
	delete(e.byID, oldID)
	s.IP = nil
	s.ID = uuid.NewString()
	e.byID[s.ID] = s
	s.resetCounters()
	e.logger.Info("subscriber address changed",
		"old_session_id", oldID,
		"new_session_id", s.ID,
		"old_ip", oldIP.String(),
		"new_ip", newIP.String())
	e.startSession(ctx, s, newIP, now)
}

// terminate tears a session down in accounting-safe order: final
// counters, Acct-Stop, datapath removal, then the stream stop event.
// The session stays in the maps; callers decide removal and tombstones.
func (e *Engine) terminate(ctx context.Context, s *Session, cause string, now time.Time) {
	var final events.Counters
	if s.HasRules {
		snap, err := e.deps.Rules.SnapshotCounters(ctx)
		if err != nil {
			e.logger.Warn("final counter read failed",
				"session_id", s.ID, "error", err)
		} else {
			final = s.sessionCounters(snap)
		}
	}

	if s.AuthState == AuthAuthorized {
		rec := e.acctRecord(s, now, final)
		rec.TerminateCause = cause
		if err := e.deps.AAA.AccountingStop(ctx, rec); err != nil {
			e.logger.Warn("acct-stop failed",
				"session_id", s.ID, "error", err)
		}
	}

	if s.IP != nil {
		if err := e.deps.Rules.RevokeIP(ctx, s.IP); err != nil {
			e.logger.Warn("address revoke failed",
				"ip", s.IP.String(), "error", err)
		}
	}
	if s.HasRules {
		if err := e.deps.Rules.DeleteRule(ctx, s.UpHandle); err != nil {
			e.logger.Warn("rule delete failed",
				"session_id", s.ID, "error", err)
		}
		if err := e.deps.Rules.DeleteRule(ctx, s.DownHandle); err != nil {
			e.logger.Warn("rule delete failed",
				"session_id", s.ID, "error", err)
		}
		s.HasRules = false
		s.UpHandle, s.DownHandle = 0, 0
	}
	if s.QoS != nil {
		if s.IP != nil {
			if err := e.deps.Shaper.RemoveShaping(ctx, s.IP); err != nil {
				e.logger.Warn("shaping remove failed",
					"ip", s.IP.String(), "error", err)
			}
		}
		s.QoS = nil
	}

	s.setStatus(StatusExpired, now)
	if s.Started {
		e.deps.Dispatcher.SessionStop(s.streamEvent(), final, cause, now)
		metrics.SessionEvents.WithLabelValues("stop").Inc()
		s.Started = false
	}
	s.AuthState = AuthPending
	metrics.Terminations.WithLabelValues(cause).Inc()
	e.logger.Info("session terminated",
		"session_id", s.ID,
		"cause", cause,
		"input_octets", final.InputOctets,
		"output_octets", final.OutputOctets)
}
