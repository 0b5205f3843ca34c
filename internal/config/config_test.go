package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
bng_id = "bng-west-1"
log_level = "debug"

[interfaces]
subscriber = "ens4"
subscriber_cidr = "10.1.0.1/24"

[radius]
server_ip = "203.0.113.5"
secret = "s3cret"

[engine]
interim_interval = "45s"
enable_idle_disconnect = true
`

func TestLoadMinimalConfig(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.BNGID != "bng-west-1" {
		t.Errorf("BNGID = %q, want %q", cfg.BNGID, "bng-west-1")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Interfaces.Subscriber != "ens4" {
		t.Errorf("Subscriber = %q, want %q", cfg.Interfaces.Subscriber, "ens4")
	}
	if cfg.Radius.ServerIP != "203.0.113.5" {
		t.Errorf("Radius.ServerIP = %q, want %q", cfg.Radius.ServerIP, "203.0.113.5")
	}
	if cfg.Radius.Secret != "s3cret" {
		t.Errorf("Radius.Secret = %q, want %q", cfg.Radius.Secret, "s3cret")
	}
	if !cfg.Engine.EnableIdleDisconnect {
		t.Error("EnableIdleDisconnect = false, want true")
	}

	// Unset fields fall back to defaults.
	if cfg.Interfaces.Uplink != DefaultUplinkIface {
		t.Errorf("Uplink = %q, want default %q", cfg.Interfaces.Uplink, DefaultUplinkIface)
	}
	if cfg.Engine.EventQueueSize != DefaultEventQueueSize {
		t.Errorf("EventQueueSize = %d, want default %d", cfg.Engine.EventQueueSize, DefaultEventQueueSize)
	}
	if cfg.Redis.Stream != DefaultEventStream {
		t.Errorf("Redis.Stream = %q, want default %q", cfg.Redis.Stream, DefaultEventStream)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Interfaces.Subscriber != DefaultSubscriberIface {
		t.Errorf("Subscriber = %q, want %q", cfg.Interfaces.Subscriber, DefaultSubscriberIface)
	}
	if cfg.DHCP.ServerIP != DefaultDHCPServerIP {
		t.Errorf("DHCP.ServerIP = %q, want %q", cfg.DHCP.ServerIP, DefaultDHCPServerIP)
	}
	if cfg.Engine.NAKTerminateThreshold != DefaultNAKTerminateThreshold {
		t.Errorf("NAKTerminateThreshold = %d, want %d", cfg.Engine.NAKTerminateThreshold, DefaultNAKTerminateThreshold)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BNG_ID", "bng-env-1")
	t.Setenv("BNG_SUBSCRIBER_IFACE", "veth9")
	t.Setenv("BNG_DHCP_SERVER_IP", "198.51.100.9")
	t.Setenv("RADIUS_SECRET", "env-secret")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.BNGID != "bng-env-1" {
		t.Errorf("BNGID = %q, want %q", cfg.BNGID, "bng-env-1")
	}
	if cfg.Interfaces.Subscriber != "veth9" {
		t.Errorf("Subscriber = %q, want %q", cfg.Interfaces.Subscriber, "veth9")
	}
	if cfg.DHCP.ServerIP != "198.51.100.9" {
		t.Errorf("DHCP.ServerIP = %q, want %q", cfg.DHCP.ServerIP, "198.51.100.9")
	}
	if cfg.Radius.Secret != "env-secret" {
		t.Errorf("Radius.Secret = %q, want %q", cfg.Radius.Secret, "env-secret")
	}
	if cfg.Redis.Port != 6380 {
		t.Errorf("Redis.Port = %d, want 6380", cfg.Redis.Port)
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	t.Setenv("BNG_REDIS_HOST", "10.9.9.9")
	path := writeTestConfig(t, `
[redis]
host = "10.1.1.1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Redis.Host != "10.9.9.9" {
		t.Errorf("Redis.Host = %q, want env value %q", cfg.Redis.Host, "10.9.9.9")
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path.toml")
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "this is not valid toml {{{{")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestValidateBadCIDR(t *testing.T) {
	path := writeTestConfig(t, `
[interfaces]
subscriber_cidr = "not-a-cidr"
`)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid subscriber_cidr")
	}
}

func TestValidateBadServerIP(t *testing.T) {
	path := writeTestConfig(t, `
[dhcp]
server_ip = "dhcp.example"
`)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for non-IP dhcp server")
	}
}

func TestValidateBadDuration(t *testing.T) {
	path := writeTestConfig(t, `
[engine]
interim_interval = "thirty seconds"
`)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid interim_interval")
	}
}

func TestValidateAPIUserMissingHash(t *testing.T) {
	path := writeTestConfig(t, `
[api]
enabled = true

[[api.users]]
username = "ops"
`)
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for api user without password_hash")
	}
}

func TestEngineTimings(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	tm := cfg.Engine.Timings()
	if tm.Interim != 30*time.Second {
		t.Errorf("Interim = %v, want 30s", tm.Interim)
	}
	if tm.Reconcile != 15*time.Second {
		t.Errorf("Reconcile = %v, want 15s", tm.Reconcile)
	}
	if tm.TombstoneTTL != 600*time.Second {
		t.Errorf("TombstoneTTL = %v, want 600s", tm.TombstoneTTL)
	}
	if tm.PendingPromotionGrace != 8*time.Second {
		t.Errorf("PendingPromotionGrace = %v, want 8s", tm.PendingPromotionGrace)
	}
}

func TestRedisAddr(t *testing.T) {
	r := RedisConfig{Host: "10.0.0.5", Port: 6379}
	if got := r.Addr(); got != "10.0.0.5:6379" {
		t.Errorf("Addr() = %q, want %q", got, "10.0.0.5:6379")
	}
}

func TestSubscriberIP(t *testing.T) {
	i := InterfacesConfig{SubscriberCIDR: "10.0.0.1/24"}
	ip := i.SubscriberIP()
	if ip == nil || ip.String() != "10.0.0.1" {
		t.Errorf("SubscriberIP() = %v, want 10.0.0.1", ip)
	}

	bad := InterfacesConfig{SubscriberCIDR: "garbage"}
	if got := bad.SubscriberIP(); got != nil {
		t.Errorf("SubscriberIP() on bad CIDR = %v, want nil", got)
	}
}
