package engine

import (
	"context"
	"time"

	"github.com/ossbng/bngd/internal/events"
	"github.com/ossbng/bngd/internal/metrics"
)

// interimTick reads the datapath counters once and walks every running
// authorized session: idle detection, an Acct-Interim, then a stream
// update. An accounting failure skips the stream update so the previous
// totals stay comparable on the next pass.
func (e *Engine) interimTick(ctx context.Context, now time.Time) {
	if !e.anyAccounting() {
		return
	}
	snap, err := e.deps.Rules.SnapshotCounters(ctx)
	if err != nil {
		e.logger.Warn("interim counter snapshot failed", "error", err)
		return
	}

	for _, s := range e.sessions {
		if s.AuthState != AuthAuthorized || !s.HasRules {
			continue
		}
		if s.Status != StatusActive && s.Status != StatusIdle {
			continue
		}

		c := s.sessionCounters(snap)
		e.detectIdle(s, c, now)
		s.LastUpBytes, s.LastDownBytes = c.InputOctets, c.OutputOctets

		if err := e.deps.AAA.AccountingInterim(ctx, e.acctRecord(s, now, c)); err != nil {
			e.logger.Warn("acct-interim failed",
				"session_id", s.ID, "error", err)
			continue
		}
		s.LastInterim = now
		e.deps.Dispatcher.SessionUpdate(s.streamEvent(), c)
		metrics.SessionEvents.WithLabelValues("update").Inc()
	}
	e.updateGauges()
}

func (e *Engine) anyAccounting() bool {
	for _, s := range e.sessions {
		if s.AuthState == AuthAuthorized && s.HasRules {
			return true
		}
	}
	return false
}

// detectIdle classifies one session from its counter movement. A
// subscriber that has never passed traffic gets a connect grace before
// it can be called idle; after the first traffic, silence must persist
// past the idle grace.
func (e *Engine) detectIdle(s *Session, c events.Counters, now time.Time) {
	sawTraffic := c.InputOctets > s.LastUpBytes || c.OutputOctets > s.LastDownBytes
	if sawTraffic {
		s.LastTrafficSeen = now
	}

	if s.LastTrafficSeen.IsZero() {
		if now.Sub(s.FirstSeen) >= e.cfg.IdleGraceAfterConnect {
			s.LastTrafficSeen = now
			s.markIdle(now)
		}
		return
	}

	if !sawTraffic && now.Sub(s.LastTrafficSeen) >= e.cfg.MarkIdleGrace {
		s.markIdle(now)
	} else {
		s.setStatus(StatusActive, now)
	}
}

func (s *Session) markIdle(now time.Time) {
	if s.Status == StatusIdle {
		return
	}
	s.LastIdle = now
	s.setStatus(StatusIdle, now)
}

// disconnectionCheckTick ends sessions that stayed idle past the
// disconnect grace. Disabled deployments keep idle marking for
// visibility but never terminate on it.
func (e *Engine) disconnectionCheckTick(ctx context.Context, now time.Time) {
	if !e.cfg.EnableIdleDisconnect {
		return
	}
	var victims []*Session
	for _, s := range e.sessions {
		if s.Status != StatusIdle || s.LastIdle.IsZero() {
			continue
		}
		if now.Sub(s.LastIdle) < e.cfg.MarkDisconnectGrace {
			continue
		}
		victims = append(victims, s)
	}
	for _, s := range victims {
		e.logger.Info("idle subscriber disconnected",
			"session_id", s.ID,
			"idle_since", s.LastIdle)
		e.terminate(ctx, s, "Idle-Timeout", now)
		e.removeSession(s, "Idle-Timeout", true, now)
	}
}
