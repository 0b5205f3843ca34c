package engine

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ossbng/bngd/internal/datapath"
	"github.com/ossbng/bngd/internal/events"
	"github.com/ossbng/bngd/internal/radius"
)

// Status is the lifecycle state of a subscriber session.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusIdle    Status = "IDLE"
	StatusExpired Status = "EXPIRED"
)

// AuthState tracks the RADIUS decision independently of the lifecycle.
type AuthState string

const (
	AuthPending    AuthState = "PENDING_AUTH"
	AuthAuthorized AuthState = "AUTHORIZED"
	AuthRejected   AuthState = "REJECTED"
)

// Key identifies a subscriber circuit. Two subscribers behind different
// access routers can carry the same circuit-id, so the remote-id is part
// of the key; the BNG id scopes keys when state is shared downstream.
type Key struct {
	BNGID     string
	CircuitID string
	RemoteID  string
}

// Session is one subscriber's state. Owned exclusively by the engine
// loop; nothing outside the loop may hold a reference.
type Session struct {
	ID  string
	Key Key
	MAC string

	// IP is nil until the subscriber is addressed; a session can exist
	// from a REQUEST alone.
	IP net.IP

	Status           Status
	AuthState        AuthState
	FirstSeen        time.Time
	LastSeen         time.Time
	Expiry           time.Time
	LastStatusChange time.Time
	LastInterim      time.Time
	LastIdle         time.Time
	LastTrafficSeen  time.Time

	// Datapath handles and the counter baselines captured when the rules
	// were installed. Session-relative totals subtract the baselines.
	HasRules        bool
	UpHandle        datapath.Handle
	DownHandle      datapath.Handle
	BaseUpBytes     uint64
	BaseDownBytes   uint64
	BaseUpPackets   uint64
	BaseDownPackets uint64
	LastUpBytes     uint64
	LastDownBytes   uint64

	QoS      *radius.Policy
	NAKCount int

	// Started means a SESSION_START was published and a matching stop is
	// owed on teardown.
	Started bool
}

func newSession(key Key, mac string, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Key:       key,
		MAC:       mac,
		Status:    StatusPending,
		AuthState: AuthPending,
		FirstSeen: now,
		LastSeen:  now,
	}
}

func (s *Session) setStatus(st Status, now time.Time) {
	if s.Status == st {
		return
	}
	s.Status = st
	s.LastStatusChange = now
}

// Username is the RADIUS identity: relay, access router, then port.
func (s *Session) Username() string {
	return fmt.Sprintf("%s/%s/%s", s.Key.BNGID, s.Key.RemoteID, s.Key.CircuitID)
}

// AccessKey is the downstream correlation key. Field order differs from
// Username and both are load-bearing for consumers.
func (s *Session) AccessKey() string {
	return fmt.Sprintf("%s/%s/%s", s.Key.BNGID, s.Key.CircuitID, s.Key.RemoteID)
}

// AcctSessionID ties accounting records to one address tenure. It is
// stable across interim updates and changes when the address does,
// because an IP change recreates the session.
func (s *Session) AcctSessionID() string {
	return fmt.Sprintf("%s-%s-%d", s.MAC, ipString(s.IP), s.FirstSeen.Unix())
}

func (s *Session) streamEvent() events.Session {
	return events.Session{
		ID:         s.ID,
		AccessKey:  s.AccessKey(),
		RemoteID:   s.Key.RemoteID,
		CircuitID:  s.Key.CircuitID,
		AuthState:  string(s.AuthState),
		Status:     string(s.Status),
		MAC:        s.MAC,
		IP:         ipString(s.IP),
		Username:   s.Username(),
		LastUpdate: s.LastSeen,
	}
}

// sessionCounters converts a raw datapath snapshot into session-relative
// totals. Counters reset to zero when a kernel restart loses the chain,
// so deltas saturate at zero instead of wrapping.
func (s *Session) sessionCounters(snap map[datapath.Handle]datapath.Counters) events.Counters {
	up := snap[s.UpHandle]
	down := snap[s.DownHandle]
	return events.Counters{
		InputOctets:   sub(up.Bytes, s.BaseUpBytes),
		OutputOctets:  sub(down.Bytes, s.BaseDownBytes),
		InputPackets:  sub(up.Packets, s.BaseUpPackets),
		OutputPackets: sub(down.Packets, s.BaseDownPackets),
	}
}

// resetCounters clears the datapath bookkeeping ahead of a fresh start
// on a new address.
func (s *Session) resetCounters() {
	s.BaseUpBytes, s.BaseDownBytes = 0, 0
	s.BaseUpPackets, s.BaseDownPackets = 0, 0
	s.LastUpBytes, s.LastDownBytes = 0, 0
	s.LastIdle = time.Time{}
	s.LastTrafficSeen = time.Time{}
	s.LastInterim = time.Time{}
	s.NAKCount = 0
}

// Tombstone records a deliberately ended session so reconcile does not
// resurrect it from stale lease state.
type Tombstone struct {
	IPAtStop            string
	LatestStateUpdateTS time.Time
	StoppedAt           time.Time
	Reason              string

	// MissingSeen flips once reconcile observes the lease gone from the
	// server. From then on the watermark grace alone can expire the
	// tombstone; until then only the TTL can.
	MissingSeen bool
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
