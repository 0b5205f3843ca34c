package config

import "time"

// Default configuration values. The addresses match the lab topology the
// integration environment provisions, so a bare container comes up wired.
const (
	DefaultLogLevel = "info"

	DefaultSubscriberIface = "eth1"
	DefaultUplinkIface     = "eth2"
	DefaultDHCPUplinkIface = "eth3"
	DefaultSubscriberCIDR  = "10.0.0.1/24"
	DefaultUplinkCIDR      = "192.0.2.1/30"
	DefaultDHCPUplinkCIDR  = "198.18.0.1/24"

	DefaultDHCPServerIP = "198.18.0.3"

	DefaultRadiusServerIP = "198.18.0.2"
	DefaultRadiusSecret   = "testing123"
	DefaultRadiusAuthPort = 1812
	DefaultRadiusAcctPort = 1813
	DefaultRadiusTimeout  = 1 * time.Second
	DefaultNASIP          = "198.18.0.1"

	DefaultKeaCtrlURL  = "http://198.18.0.3:6772"
	DefaultKeaUsername = "bng"

	DefaultRedisHost   = "198.18.0.10"
	DefaultRedisPort   = 6379
	DefaultEventStream = "bng_events"

	DefaultOSSAPIURL = "http://198.18.0.21:8000"

	DefaultCoASocket = "/tmp/coad.sock"

	DefaultEventQueueSize   = 1000
	DefaultCommandQueueSize = 2048

	DefaultInterimInterval            = 30 * time.Second
	DefaultAuthRetryInterval          = 10 * time.Second
	DefaultDisconnectionCheckInterval = 5 * time.Second
	DefaultReconcileInterval          = 15 * time.Second
	DefaultRouterPingInterval         = 30 * time.Second
	DefaultHealthInterval             = 5 * time.Second
	DefaultRouterRefreshInterval      = 60 * time.Second

	DefaultIdleGraceAfterConnect = 40 * time.Second
	DefaultMarkIdleGrace         = 20 * time.Second
	DefaultMarkDisconnectGrace   = 10 * time.Second
	DefaultTombstoneTTL          = 600 * time.Second
	DefaultTombstoneExpiryGrace  = 60 * time.Second
	DefaultNAKTerminateThreshold = 3
	DefaultPendingPromotionGrace = 8 * time.Second

	DefaultStorePath = "/var/lib/bngd/tombstones.db"

	DefaultAPIListen = "127.0.0.1:8070"
)
