package engine

import (
	"context"
	"sort"
	"time"

	"github.com/ossbng/bngd/internal/routers"
)

// SessionView is the read-only session shape served by the ops API.
type SessionView struct {
	ID            string    `json:"session_id"`
	AccessKey     string    `json:"access_key"`
	CircuitID     string    `json:"circuit_id"`
	RemoteID      string    `json:"remote_id"`
	Username      string    `json:"username"`
	MAC           string    `json:"mac_address"`
	IP            string    `json:"ip_address,omitempty"`
	Status        string    `json:"status"`
	AuthState     string    `json:"auth_state"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Expiry        time.Time `json:"expiry"`
	LastInterim   time.Time `json:"last_interim"`
	InputOctets   uint64    `json:"input_octets"`
	OutputOctets  uint64    `json:"output_octets"`
	Shaped        bool      `json:"shaped"`
	AcctSessionID string    `json:"acct_session_id,omitempty"`
}

// TombstoneView is the read-only tombstone shape served by the ops API.
type TombstoneView struct {
	CircuitID           string    `json:"circuit_id"`
	RemoteID            string    `json:"remote_id"`
	IPAtStop            string    `json:"ip_at_stop,omitempty"`
	LatestStateUpdateTS time.Time `json:"latest_state_update_ts"`
	StoppedAt           time.Time `json:"stopped_at"`
	Reason              string    `json:"reason"`
}

func sessionView(s *Session) SessionView {
	v := SessionView{
		ID:           s.ID,
		AccessKey:    s.AccessKey(),
		CircuitID:    s.Key.CircuitID,
		RemoteID:     s.Key.RemoteID,
		Username:     s.Username(),
		MAC:          s.MAC,
		IP:           ipString(s.IP),
		Status:       string(s.Status),
		AuthState:    string(s.AuthState),
		FirstSeen:    s.FirstSeen,
		LastSeen:     s.LastSeen,
		Expiry:       s.Expiry,
		LastInterim:  s.LastInterim,
		InputOctets:  s.LastUpBytes,
		OutputOctets: s.LastDownBytes,
		Shaped:       s.QoS != nil,
	}
	if s.IP != nil {
		v.AcctSessionID = s.AcctSessionID()
	}
	return v
}

// snapshotOn runs fn on the engine loop and waits for it. The engine
// copies state inside fn; callers never see live session objects.
func (e *Engine) snapshotOn(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := command{name: cmdSnapshot, run: func(context.Context) {
		fn()
		close(done)
	}}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns a copy of every session, sorted for stable output.
func (e *Engine) Sessions(ctx context.Context) ([]SessionView, error) {
	var out []SessionView
	err := e.snapshotOn(ctx, func() {
		out = make([]SessionView, 0, len(e.sessions))
		for _, s := range e.sessions {
			out = append(out, sessionView(s))
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Session returns one session by engine id, or nil when unknown.
func (e *Engine) Session(ctx context.Context, id string) (*SessionView, error) {
	var out *SessionView
	err := e.snapshotOn(ctx, func() {
		if s, ok := e.byID[id]; ok {
			v := sessionView(s)
			out = &v
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tombstones returns a copy of the live tombstone set.
func (e *Engine) Tombstones(ctx context.Context) ([]TombstoneView, error) {
	var out []TombstoneView
	err := e.snapshotOn(ctx, func() {
		out = make([]TombstoneView, 0, len(e.tombstones))
		for key, t := range e.tombstones {
			out = append(out, TombstoneView{
				CircuitID:           key.CircuitID,
				RemoteID:            key.RemoteID,
				IPAtStop:            t.IPAtStop,
				LatestStateUpdateTS: t.LatestStateUpdateTS,
				StoppedAt:           t.StoppedAt,
				Reason:              t.Reason,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CircuitID != out[j].CircuitID {
			return out[i].CircuitID < out[j].CircuitID
		}
		return out[i].RemoteID < out[j].RemoteID
	})
	return out, nil
}

// Routers returns the liveness tracker's current view, empty when
// router tracking is not configured.
func (e *Engine) Routers(ctx context.Context) ([]routers.State, error) {
	var out []routers.State
	err := e.snapshotOn(ctx, func() {
		if e.deps.Routers != nil {
			out = e.deps.Routers.Snapshot()
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []routers.State{}
	}
	return out, nil
}
