// Package config handles TOML configuration parsing, environment overrides,
// and validation for bngd.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for bngd.
type Config struct {
	BNGID    string `toml:"bng_id"`
	LogLevel string `toml:"log_level"`

	Interfaces InterfacesConfig `toml:"interfaces"`
	DHCP       DHCPConfig       `toml:"dhcp"`
	Radius     RadiusConfig     `toml:"radius"`
	Kea        KeaConfig        `toml:"kea"`
	Redis      RedisConfig      `toml:"redis"`
	OSS        OSSConfig        `toml:"oss"`
	CoA        CoAConfig        `toml:"coa"`
	Engine     EngineConfig     `toml:"engine"`
	Store      StoreConfig      `toml:"store"`
	API        APIConfig        `toml:"api"`
	Resolver   ResolverConfig   `toml:"resolver"`
}

// InterfacesConfig names the three dataplane interfaces and the addresses
// bngd owns on them. The subscriber address doubles as the relay giaddr.
type InterfacesConfig struct {
	Subscriber     string `toml:"subscriber"`
	Uplink         string `toml:"uplink"`
	DHCPUplink     string `toml:"dhcp_uplink"`
	SubscriberCIDR string `toml:"subscriber_cidr"`
	UplinkCIDR     string `toml:"uplink_cidr"`
	DHCPUplinkCIDR string `toml:"dhcp_uplink_cidr"`
}

// DHCPConfig holds upstream DHCP server settings.
type DHCPConfig struct {
	ServerIP string `toml:"server_ip"`
}

// RadiusConfig holds RADIUS client settings.
type RadiusConfig struct {
	ServerIP string `toml:"server_ip"`
	Secret   string `toml:"secret"`
	AuthPort int    `toml:"auth_port"`
	AcctPort int    `toml:"acct_port"`
	Timeout  string `toml:"timeout"`
	NASIP    string `toml:"nas_ip"`
}

// KeaConfig holds lease-service (Kea control agent) settings.
type KeaConfig struct {
	CtrlURL  string `toml:"ctrl_url"`
	Password string `toml:"password"`
}

// RedisConfig holds event stream settings.
type RedisConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	Stream string `toml:"stream"`
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// OSSConfig holds the provisioning-system API settings.
type OSSConfig struct {
	APIURL string `toml:"api_url"`
}

// CoAConfig holds the CoA IPC socket settings.
type CoAConfig struct {
	Socket string `toml:"socket"`
}

// EngineConfig holds session engine queue sizes and timing knobs.
// Durations are Go duration strings; Timings parses them.
type EngineConfig struct {
	EventQueueSize   int `toml:"event_queue_size"`
	CommandQueueSize int `toml:"command_queue_size"`

	InterimInterval            string `toml:"interim_interval"`
	AuthRetryInterval          string `toml:"auth_retry_interval"`
	DisconnectionCheckInterval string `toml:"disconnection_check_interval"`
	ReconcileInterval          string `toml:"reconcile_interval"`
	RouterPingInterval         string `toml:"router_ping_interval"`
	HealthInterval             string `toml:"health_interval"`
	RouterRefreshInterval      string `toml:"router_refresh_interval"`

	EnableIdleDisconnect  bool   `toml:"enable_idle_disconnect"`
	IdleGraceAfterConnect string `toml:"idle_grace_after_connect"`
	MarkIdleGrace         string `toml:"mark_idle_grace"`
	MarkDisconnectGrace   string `toml:"mark_disconnect_grace"`
	TombstoneTTL          string `toml:"tombstone_ttl"`
	TombstoneExpiryGrace  string `toml:"tombstone_expiry_grace"`
	NAKTerminateThreshold int    `toml:"nak_terminate_threshold"`
	PendingPromotionGrace string `toml:"pending_promotion_grace"`
}

// StoreConfig holds tombstone journal settings. When the path cannot be
// opened the daemon runs without the journal.
type StoreConfig struct {
	Path string `toml:"path"`
}

// APIConfig holds the read-only ops API settings.
type APIConfig struct {
	Enabled   bool         `toml:"enabled"`
	Listen    string       `toml:"listen"`
	AuthToken string       `toml:"auth_token"`
	Users     []UserConfig `toml:"users"`
}

// UserConfig holds an ops API user.
type UserConfig struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
	Role         string `toml:"role"`
}

// ResolverConfig holds the DNS resolver used to resolve hostname-form
// upstream endpoints at startup. Empty means the system resolver.
type ResolverConfig struct {
	Address string `toml:"address"`
}

// Timings is EngineConfig with every duration parsed. Values that fail to
// parse fall back to their defaults; validate catches them first on any
// path that goes through Load.
type Timings struct {
	Interim            time.Duration
	AuthRetry          time.Duration
	DisconnectionCheck time.Duration
	Reconcile          time.Duration
	RouterPing         time.Duration
	Health             time.Duration
	RouterRefresh      time.Duration

	IdleGraceAfterConnect time.Duration
	MarkIdleGrace         time.Duration
	MarkDisconnectGrace   time.Duration
	TombstoneTTL          time.Duration
	TombstoneExpiryGrace  time.Duration
	PendingPromotionGrace time.Duration
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Timings parses the engine duration strings.
func (e EngineConfig) Timings() Timings {
	return Timings{
		Interim:            durationOr(e.InterimInterval, DefaultInterimInterval),
		AuthRetry:          durationOr(e.AuthRetryInterval, DefaultAuthRetryInterval),
		DisconnectionCheck: durationOr(e.DisconnectionCheckInterval, DefaultDisconnectionCheckInterval),
		Reconcile:          durationOr(e.ReconcileInterval, DefaultReconcileInterval),
		RouterPing:         durationOr(e.RouterPingInterval, DefaultRouterPingInterval),
		Health:             durationOr(e.HealthInterval, DefaultHealthInterval),
		RouterRefresh:      durationOr(e.RouterRefreshInterval, DefaultRouterRefreshInterval),

		IdleGraceAfterConnect: durationOr(e.IdleGraceAfterConnect, DefaultIdleGraceAfterConnect),
		MarkIdleGrace:         durationOr(e.MarkIdleGrace, DefaultMarkIdleGrace),
		MarkDisconnectGrace:   durationOr(e.MarkDisconnectGrace, DefaultMarkDisconnectGrace),
		TombstoneTTL:          durationOr(e.TombstoneTTL, DefaultTombstoneTTL),
		TombstoneExpiryGrace:  durationOr(e.TombstoneExpiryGrace, DefaultTombstoneExpiryGrace),
		PendingPromotionGrace: durationOr(e.PendingPromotionGrace, DefaultPendingPromotionGrace),
	}
}

// RadiusTimeout returns the parsed per-exchange RADIUS timeout.
func (r RadiusConfig) RadiusTimeout() time.Duration {
	return durationOr(r.Timeout, DefaultRadiusTimeout)
}

// SubscriberIP returns the address bngd holds on the subscriber interface,
// which is also the giaddr stamped into relayed client packets.
func (i InterfacesConfig) SubscriberIP() net.IP {
	ip, _, err := net.ParseCIDR(i.SubscriberCIDR)
	if err != nil {
		return nil
	}
	return ip.To4()
}

// DHCPUplinkIP returns the address bngd holds toward the DHCP server.
func (i InterfacesConfig) DHCPUplinkIP() net.IP {
	ip, _, err := net.ParseCIDR(i.DHCPUplinkCIDR)
	if err != nil {
		return nil
	}
	return ip.To4()
}

// Load reads and parses a TOML config file, applies environment overrides
// and defaults, and validates. An empty path skips the file so a container
// can run on env vars and defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays environment variables on the loaded file. Env wins
// over the file so a deployment can ship one config and vary per node.
func applyEnv(cfg *Config) {
	setIf := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
				return
			}
		}
	}

	setIf(&cfg.BNGID, "BNG_ID")
	setIf(&cfg.Interfaces.Subscriber, "BNG_SUBSCRIBER_IFACE")
	setIf(&cfg.Interfaces.Uplink, "BNG_UPLINK_IFACE")
	setIf(&cfg.Interfaces.DHCPUplink, "BNG_DHCP_UPLINK_IFACE")
	setIf(&cfg.Interfaces.SubscriberCIDR, "BNG_SUBSCRIBER_IP_CIDR")
	setIf(&cfg.Interfaces.UplinkCIDR, "BNG_UPLINK_IP_CIDR")
	setIf(&cfg.Interfaces.DHCPUplinkCIDR, "BNG_DHCP_UPLINK_IP_CIDR")
	setIf(&cfg.DHCP.ServerIP, "BNG_DHCP_SERVER_IP")
	setIf(&cfg.Radius.ServerIP, "BNG_RADIUS_SERVER_IP")
	setIf(&cfg.Radius.Secret, "RADIUS_SECRET")
	setIf(&cfg.Radius.NASIP, "BNG_NAS_IP")
	setIf(&cfg.Kea.CtrlURL, "BNG_KEA_CTRL_URL")
	setIf(&cfg.Redis.Host, "BNG_REDIS_HOST", "REDIS_HOST")
	setIf(&cfg.OSS.APIURL, "BNG_OSS_API_URL")
	setIf(&cfg.CoA.Socket, "COA_IPC_SOCKET")

	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = port
		}
	}
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Interfaces.Subscriber == "" {
		cfg.Interfaces.Subscriber = DefaultSubscriberIface
	}
	if cfg.Interfaces.Uplink == "" {
		cfg.Interfaces.Uplink = DefaultUplinkIface
	}
	if cfg.Interfaces.DHCPUplink == "" {
		cfg.Interfaces.DHCPUplink = DefaultDHCPUplinkIface
	}
	if cfg.Interfaces.SubscriberCIDR == "" {
		cfg.Interfaces.SubscriberCIDR = DefaultSubscriberCIDR
	}
	if cfg.Interfaces.UplinkCIDR == "" {
		cfg.Interfaces.UplinkCIDR = DefaultUplinkCIDR
	}
	if cfg.Interfaces.DHCPUplinkCIDR == "" {
		cfg.Interfaces.DHCPUplinkCIDR = DefaultDHCPUplinkCIDR
	}

	if cfg.DHCP.ServerIP == "" {
		cfg.DHCP.ServerIP = DefaultDHCPServerIP
	}

	if cfg.Radius.ServerIP == "" {
		cfg.Radius.ServerIP = DefaultRadiusServerIP
	}
	if cfg.Radius.Secret == "" {
		cfg.Radius.Secret = DefaultRadiusSecret
	}
	if cfg.Radius.AuthPort == 0 {
		cfg.Radius.AuthPort = DefaultRadiusAuthPort
	}
	if cfg.Radius.AcctPort == 0 {
		cfg.Radius.AcctPort = DefaultRadiusAcctPort
	}
	if cfg.Radius.Timeout == "" {
		cfg.Radius.Timeout = DefaultRadiusTimeout.String()
	}
	if cfg.Radius.NASIP == "" {
		cfg.Radius.NASIP = DefaultNASIP
	}

	if cfg.Kea.CtrlURL == "" {
		cfg.Kea.CtrlURL = DefaultKeaCtrlURL
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = DefaultRedisHost
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = DefaultRedisPort
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = DefaultEventStream
	}

	if cfg.OSS.APIURL == "" {
		cfg.OSS.APIURL = DefaultOSSAPIURL
	}

	if cfg.CoA.Socket == "" {
		cfg.CoA.Socket = DefaultCoASocket
	}

	if cfg.Engine.EventQueueSize == 0 {
		cfg.Engine.EventQueueSize = DefaultEventQueueSize
	}
	if cfg.Engine.CommandQueueSize == 0 {
		cfg.Engine.CommandQueueSize = DefaultCommandQueueSize
	}
	if cfg.Engine.InterimInterval == "" {
		cfg.Engine.InterimInterval = DefaultInterimInterval.String()
	}
	if cfg.Engine.AuthRetryInterval == "" {
		cfg.Engine.AuthRetryInterval = DefaultAuthRetryInterval.String()
	}
	if cfg.Engine.DisconnectionCheckInterval == "" {
		cfg.Engine.DisconnectionCheckInterval = DefaultDisconnectionCheckInterval.String()
	}
	if cfg.Engine.ReconcileInterval == "" {
		cfg.Engine.ReconcileInterval = DefaultReconcileInterval.String()
	}
	if cfg.Engine.RouterPingInterval == "" {
		cfg.Engine.RouterPingInterval = DefaultRouterPingInterval.String()
	}
	if cfg.Engine.HealthInterval == "" {
		cfg.Engine.HealthInterval = DefaultHealthInterval.String()
	}
	if cfg.Engine.RouterRefreshInterval == "" {
		cfg.Engine.RouterRefreshInterval = DefaultRouterRefreshInterval.String()
	}
	if cfg.Engine.IdleGraceAfterConnect == "" {
		cfg.Engine.IdleGraceAfterConnect = DefaultIdleGraceAfterConnect.String()
	}
	if cfg.Engine.MarkIdleGrace == "" {
		cfg.Engine.MarkIdleGrace = DefaultMarkIdleGrace.String()
	}
	if cfg.Engine.MarkDisconnectGrace == "" {
		cfg.Engine.MarkDisconnectGrace = DefaultMarkDisconnectGrace.String()
	}
	if cfg.Engine.TombstoneTTL == "" {
		cfg.Engine.TombstoneTTL = DefaultTombstoneTTL.String()
	}
	if cfg.Engine.TombstoneExpiryGrace == "" {
		cfg.Engine.TombstoneExpiryGrace = DefaultTombstoneExpiryGrace.String()
	}
	if cfg.Engine.NAKTerminateThreshold == 0 {
		cfg.Engine.NAKTerminateThreshold = DefaultNAKTerminateThreshold
	}
	if cfg.Engine.PendingPromotionGrace == "" {
		cfg.Engine.PendingPromotionGrace = DefaultPendingPromotionGrace.String()
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
}

// validate checks the configuration for errors. The BNG id is checked by
// the caller after CLI flags are applied, not here.
func validate(cfg *Config) error {
	for _, c := range []struct{ name, cidr string }{
		{"interfaces.subscriber_cidr", cfg.Interfaces.SubscriberCIDR},
		{"interfaces.uplink_cidr", cfg.Interfaces.UplinkCIDR},
		{"interfaces.dhcp_uplink_cidr", cfg.Interfaces.DHCPUplinkCIDR},
	} {
		if _, _, err := net.ParseCIDR(c.cidr); err != nil {
			return fmt.Errorf("%s %q: %w", c.name, c.cidr, err)
		}
	}

	for _, a := range []struct{ name, ip string }{
		{"dhcp.server_ip", cfg.DHCP.ServerIP},
		{"radius.server_ip", cfg.Radius.ServerIP},
		{"radius.nas_ip", cfg.Radius.NASIP},
	} {
		if net.ParseIP(a.ip) == nil {
			return fmt.Errorf("%s %q is not a valid IP address", a.name, a.ip)
		}
	}

	if _, err := time.ParseDuration(cfg.Radius.Timeout); err != nil {
		return fmt.Errorf("radius.timeout: %w", err)
	}

	for _, d := range []struct{ name, val string }{
		{"engine.interim_interval", cfg.Engine.InterimInterval},
		{"engine.auth_retry_interval", cfg.Engine.AuthRetryInterval},
		{"engine.disconnection_check_interval", cfg.Engine.DisconnectionCheckInterval},
		{"engine.reconcile_interval", cfg.Engine.ReconcileInterval},
		{"engine.router_ping_interval", cfg.Engine.RouterPingInterval},
		{"engine.health_interval", cfg.Engine.HealthInterval},
		{"engine.router_refresh_interval", cfg.Engine.RouterRefreshInterval},
		{"engine.idle_grace_after_connect", cfg.Engine.IdleGraceAfterConnect},
		{"engine.mark_idle_grace", cfg.Engine.MarkIdleGrace},
		{"engine.mark_disconnect_grace", cfg.Engine.MarkDisconnectGrace},
		{"engine.tombstone_ttl", cfg.Engine.TombstoneTTL},
		{"engine.tombstone_expiry_grace", cfg.Engine.TombstoneExpiryGrace},
		{"engine.pending_promotion_grace", cfg.Engine.PendingPromotionGrace},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	if cfg.Engine.EventQueueSize < 1 {
		return fmt.Errorf("engine.event_queue_size must be positive, got %d", cfg.Engine.EventQueueSize)
	}
	if cfg.Engine.CommandQueueSize < 1 {
		return fmt.Errorf("engine.command_queue_size must be positive, got %d", cfg.Engine.CommandQueueSize)
	}
	if cfg.Engine.NAKTerminateThreshold < 1 {
		return fmt.Errorf("engine.nak_terminate_threshold must be positive, got %d", cfg.Engine.NAKTerminateThreshold)
	}

	if cfg.API.Enabled {
		for i, u := range cfg.API.Users {
			if u.Username == "" {
				return fmt.Errorf("api.users[%d]: username is required", i)
			}
			if u.PasswordHash == "" {
				return fmt.Errorf("api.users[%d]: password_hash is required", i)
			}
		}
	}

	if cfg.Resolver.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.Resolver.Address); err != nil {
			return fmt.Errorf("resolver.address %q: %w", cfg.Resolver.Address, err)
		}
	}

	return nil
}
