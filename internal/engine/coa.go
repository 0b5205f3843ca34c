package engine

import (
	"context"
	"time"

	"github.com/ossbng/bngd/internal/coad"
	"github.com/ossbng/bngd/internal/metrics"
)

// coaReplyWait bounds how long a CoA caller waits for the engine loop.
// The IPC deadline is longer, so the front-end sees our error rather
// than a socket timeout.
const coaReplyWait = 5 * time.Second

type coaCommand struct {
	req   coad.Request
	reply chan coad.Response
}

// HandleCoA runs one CoA request through the engine loop. Safe for
// concurrent use; this is the one entry point where outside goroutines
// wait on session state.
func (e *Engine) HandleCoA(req coad.Request) coad.Response {
	cmd := &coaCommand{req: req, reply: make(chan coad.Response, 1)}
	select {
	case e.cmds <- command{name: cmdCoARequest, coa: cmd}:
	default:
		metrics.CoARequests.WithLabelValues(req.Action, "busy").Inc()
		return coad.Response{Error: "engine busy"}
	}
	select {
	case resp := <-cmd.reply:
		return resp
	case <-time.After(coaReplyWait):
		metrics.CoARequests.WithLabelValues(req.Action, "timeout").Inc()
		return coad.Response{Error: "engine timeout"}
	}
}

// serveCoA executes one CoA action on the loop. The session is looked
// up by engine id first, then by accounting session id, which is what
// RADIUS-originated requests carry.
func (e *Engine) serveCoA(ctx context.Context, req coad.Request, now time.Time) coad.Response {
	s := e.byID[req.SessionID]
	if s == nil {
		for _, cand := range e.sessions {
			if cand.IP != nil && cand.AcctSessionID() == req.SessionID {
				s = cand
				break
			}
		}
	}
	if s == nil {
		metrics.CoARequests.WithLabelValues(req.Action, "not_found").Inc()
		return coad.Response{Error: "session not found"}
	}

	switch req.Action {
	case coad.ActionDisconnect:
		e.logger.Info("admin disconnect",
			"session_id", s.ID,
			"user", s.Username())
		e.terminate(ctx, s, "Admin-Reset", now)
		e.removeSession(s, "Admin-Reset", true, now)
		metrics.CoARequests.WithLabelValues(req.Action, "success").Inc()
		return coad.Response{Success: true}

	case coad.ActionPolicyChange:
		// Acknowledged but applied lazily: the next authorization cycle
		// picks the new policy up from RADIUS.
		e.logger.Info("policy change acknowledged",
			"session_id", s.ID,
			"filter_id", req.FilterID)
		metrics.CoARequests.WithLabelValues(req.Action, "success").Inc()
		return coad.Response{Success: true}

	default:
		metrics.CoARequests.WithLabelValues(req.Action, "bad_action").Inc()
		return coad.Response{Error: "unknown action: " + req.Action}
	}
}
