package engine

import (
	"context"
	"time"

	"github.com/ossbng/bngd/internal/datapath"
	"github.com/ossbng/bngd/internal/events"
	"github.com/ossbng/bngd/internal/metrics"
	"github.com/ossbng/bngd/internal/radius"
)

// authorize runs the RADIUS decision and programs the datapath. It is
// idempotent and resumable: any transient failure leaves the session in
// PENDING_AUTH with whatever progress was made, and the retry tick picks
// it up from there. Only an Access-Reject is terminal.
func (e *Engine) authorize(ctx context.Context, s *Session, now time.Time) {
	if s.IP == nil || s.AuthState == AuthRejected {
		return
	}

	res, err := e.deps.AAA.Authorize(ctx, s.Username(), s.MAC, s.IP)
	if err != nil {
		metrics.Authorizations.WithLabelValues("timeout").Inc()
		e.logger.Warn("authorization attempt failed, will retry",
			"session_id", s.ID,
			"user", s.Username(),
			"error", err)
		return
	}
	if !res.Accepted {
		s.AuthState = AuthRejected
		metrics.Authorizations.WithLabelValues("reject").Inc()
		e.logger.Info("subscriber rejected",
			"session_id", s.ID,
			"user", s.Username())
		return
	}

	freshRules := false
	if !s.HasRules {
		if err := e.installRules(ctx, s); err != nil {
			e.logger.Warn("rule install failed, will retry",
				"session_id", s.ID, "error", err)
			return
		}
		freshRules = true
		if res.Policy != nil {
			s.QoS = res.Policy
			if err := e.deps.Shaper.AddShaping(ctx, s.IP, shapingFromPolicy(res.Policy)); err != nil {
				e.logger.Warn("shaping install failed",
					"session_id", s.ID, "error", err)
			}
		}
		if err := e.deps.Rules.AllowIP(ctx, s.IP); err != nil {
			e.logger.Warn("address allow failed",
				"ip", s.IP.String(), "error", err)
		}
	}

	newlyAuthorized := s.AuthState != AuthAuthorized
	if freshRules || newlyAuthorized {
		if err := e.deps.AAA.AccountingStart(ctx, e.acctRecord(s, now, events.Counters{})); err != nil {
			e.logger.Warn("acct-start failed, will retry",
				"session_id", s.ID, "error", err)
			return
		}
	}

	s.AuthState = AuthAuthorized
	metrics.Authorizations.WithLabelValues("accept").Inc()
	if newlyAuthorized {
		e.deps.Dispatcher.PolicyApply(s.streamEvent())
		metrics.SessionEvents.WithLabelValues("policy_apply").Inc()
	}
	e.logger.Info("subscriber authorized",
		"session_id", s.ID,
		"user", s.Username(),
		"ip", s.IP.String(),
		"shaped", s.QoS != nil)
}

// installRules programs the per-subscriber counting rules and captures
// the counter baseline, so totals start at zero for this tenure even
// when the datapath reuses handles.
func (e *Engine) installRules(ctx context.Context, s *Session) error {
	up, down, err := e.deps.Rules.InstallSubscriberRules(ctx, s.IP)
	if err != nil {
		return err
	}
	s.UpHandle, s.DownHandle = up, down
	s.HasRules = true
	s.BaseUpBytes, s.BaseDownBytes = 0, 0
	s.BaseUpPackets, s.BaseDownPackets = 0, 0
	s.LastUpBytes, s.LastDownBytes = 0, 0

	snap, err := e.deps.Rules.SnapshotCounters(ctx)
	if err != nil {
		// Baselines stay zero; totals may briefly include pre-tenure
		// traffic on reused handles.
		e.logger.Warn("baseline counter read failed",
			"session_id", s.ID, "error", err)
		return nil
	}
	up0, down0 := snap[up], snap[down]
	s.BaseUpBytes, s.BaseUpPackets = up0.Bytes, up0.Packets
	s.BaseDownBytes, s.BaseDownPackets = down0.Bytes, down0.Packets
	return nil
}

// authRetryTick re-runs the authorization pipeline for addressed
// sessions still waiting on a decision.
func (e *Engine) authRetryTick(ctx context.Context, now time.Time) {
	for _, s := range e.sessions {
		if s.AuthState != AuthPending || s.IP == nil {
			continue
		}
		e.authorize(ctx, s, now)
	}
}

func (e *Engine) acctRecord(s *Session, now time.Time, c events.Counters) radius.AccountingRecord {
	return radius.AccountingRecord{
		Username:      s.Username(),
		AcctSessionID: s.AcctSessionID(),
		MAC:           s.MAC,
		IP:            s.IP,
		SessionTime:   now.Sub(s.FirstSeen),
		InputBytes:    c.InputOctets,
		OutputBytes:   c.OutputOctets,
		InputPackets:  c.InputPackets,
		OutputPackets: c.OutputPackets,
	}
}

func shapingFromPolicy(p *radius.Policy) datapath.Shaping {
	return datapath.Shaping{
		DownloadKbit:      p.DownloadKbit,
		UploadKbit:        p.UploadKbit,
		DownloadBurstKbit: p.DownloadBurstKbit,
		UploadBurstKbit:   p.UploadBurstKbit,
	}
}
