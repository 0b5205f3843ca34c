// Package events publishes the session lifecycle stream consumed by the
// OSS. Every state transition the engine makes is appended to a Redis
// stream as a flat string map; consumers deduplicate on the
// (bng_id, bng_instance_id, seq) triple.
package events

import (
	"fmt"
	"time"
)

// Type identifies a stream event.
type Type string

const (
	TypeSessionStart    Type = "SESSION_START"
	TypeSessionUpdate   Type = "SESSION_UPDATE"
	TypeSessionStop     Type = "SESSION_STOP"
	TypePolicyApply     Type = "POLICY_APPLY"
	TypeRouterUpdate    Type = "ROUTER_UPDATE"
	TypeBNGHealthUpdate Type = "BNG_HEALTH_UPDATE"
)

// Session carries the per-session fields stamped onto session-scoped
// events. The engine fills it from its own session record; IP is empty
// while the subscriber has no address.
type Session struct {
	ID         string
	AccessKey  string
	RemoteID   string
	CircuitID  string
	AuthState  string
	Status     string
	MAC        string
	IP         string
	Username   string
	LastUpdate time.Time
}

// Counters are the accounting totals attached to update and stop events.
// Input is traffic sent by the subscriber, output is traffic delivered to
// it, matching the accounting orientation on the RADIUS side.
type Counters struct {
	InputOctets   uint64
	OutputOctets  uint64
	InputPackets  uint64
	OutputPackets uint64
}

// HealthStats is a resource usage sample. FirstSeen is set only on the
// startup event so consumers can detect a daemon restart.
type HealthStats struct {
	CPUPercent float64
	MemUsageMB float64
	MemMaxMB   float64
	FirstSeen  time.Time
}

// timestamp renders t the way every consumer of the stream expects:
// fractional Unix seconds. A zero time renders as the epoch, which
// consumers read as "never".
func timestamp(t time.Time) string {
	if t.IsZero() {
		return "0.000000"
	}
	return fmt.Sprintf("%.6f", float64(t.UnixNano())/1e9)
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
