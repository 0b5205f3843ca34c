// bngd — BNG control plane: DHCP relay, session engine, RADIUS AAA.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ossbng/bngd/internal/api"
	"github.com/ossbng/bngd/internal/coad"
	"github.com/ossbng/bngd/internal/config"
	"github.com/ossbng/bngd/internal/datapath"
	"github.com/ossbng/bngd/internal/engine"
	"github.com/ossbng/bngd/internal/events"
	"github.com/ossbng/bngd/internal/health"
	"github.com/ossbng/bngd/internal/leases"
	"github.com/ossbng/bngd/internal/logging"
	"github.com/ossbng/bngd/internal/metrics"
	"github.com/ossbng/bngd/internal/radius"
	"github.com/ossbng/bngd/internal/routers"
	"github.com/ossbng/bngd/internal/sniffer"
	"github.com/ossbng/bngd/internal/store"
)

// version is stamped by the build.
var version = "dev"

// applyFlags layers CLI overrides onto the loaded config and enforces
// the BNG identity: every session key, RADIUS username and stream event
// carries it, and the lease reconciler filters on it, so an empty id
// would silently drop every Kea lease.
func applyFlags(cfg *config.Config, bngID, logLevel string) error {
	if bngID != "" {
		cfg.BNGID = bngID
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.BNGID == "" {
		return errors.New("bng_id is required: pass --bng-id, set BNG_ID, or set bng_id in the config file")
	}
	return nil
}

func main() {
	configPath := flag.String("config", "/etc/bngd/config.toml", "path to configuration file")
	bngID := flag.String("bng-id", "", "BNG identifier (overrides bng_id from config/env; required if neither sets it)")
	logLevel := flag.String("log-level", "", "log level override (debug, info, warn, error)")
	debugPort := flag.String("debug-port", "", "enable pprof debug server on this port (e.g. 6060)")
	flag.Parse()

	// Start pprof debug server if requested
	if *debugPort != "" {
		runtime.SetMutexProfileFraction(5)
		runtime.SetBlockProfileRate(1)
		go func() {
			addr := "0.0.0.0:" + *debugPort
			fmt.Fprintf(os.Stderr, "pprof debug server on http://%s/debug/pprof/\n", addr)
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server failed: %v\n", err)
			}
		}()
	}

	// SIGUSR1 dumps all goroutine stacks to /tmp/bngd-goroutines.txt
	// Works even under 100% CPU since signals are kernel-delivered
	go func() {
		sigUsr1 := make(chan os.Signal, 1)
		signal.Notify(sigUsr1, syscall.SIGUSR1)
		for range sigUsr1 {
			buf := make([]byte, 64*1024*1024) // 64MB
			n := runtime.Stack(buf, true)
			path := "/tmp/bngd-goroutines.txt"
			if err := os.WriteFile(path, buf[:n], 0644); err != nil {
				fmt.Fprintf(os.Stderr, "failed to write goroutine dump: %v\n", err)
			} else {
				fmt.Fprintf(os.Stderr, "goroutine dump written to %s (%d bytes)\n", path, n)
			}
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(cfg, *bngID, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, os.Stdout)
	logger.Info("bngd starting",
		"version", version,
		"config", *configPath,
		"bng_id", cfg.BNGID,
		"subscriber_iface", cfg.Interfaces.Subscriber)

	metrics.BNGInfo.WithLabelValues(version, cfg.BNGID).Set(1)
	metrics.StartTime.Set(float64(time.Now().Unix()))

	// Upstream endpoints may be hostnames; resolve them once at startup so
	// the hot path never blocks on DNS.
	resolver := radius.NewResolver(cfg.Resolver.Address)
	radiusIP, err := resolver.Resolve(cfg.Radius.ServerIP)
	if err != nil {
		logger.Error("cannot resolve RADIUS server", "host", cfg.Radius.ServerIP, "error", err)
		os.Exit(1)
	}
	dhcpServerIP, err := resolver.Resolve(cfg.DHCP.ServerIP)
	if err != nil {
		logger.Error("cannot resolve DHCP server", "host", cfg.DHCP.ServerIP, "error", err)
		os.Exit(1)
	}

	giaddr := cfg.Interfaces.SubscriberIP()
	if giaddr == nil {
		fmt.Fprintf(os.Stderr, "FATAL: interfaces.subscriber_cidr %q has no usable IPv4 address\n",
			cfg.Interfaces.SubscriberCIDR)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tombstone journal. A broken store path degrades to memory-only
	// tombstones rather than keeping subscribers offline.
	journal, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Warn("tombstone journal unavailable, running memory-only", "path", cfg.Store.Path, "error", err)
		journal = nil
	} else {
		defer journal.Close()
	}

	// Event stream to the OSS.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer rdb.Close()
	dispatcher := events.NewDispatcher(events.Config{
		BNGID:  cfg.BNGID,
		NASIP:  cfg.Radius.NASIP,
		Stream: cfg.Redis.Stream,
	}, &events.RedisAppender{Client: rdb}, logger)
	go dispatcher.Run()

	// Datapath: nftables rules and tc shaping on the subscriber side.
	runner := datapath.NewExecRunner(0)
	rules := datapath.NewNFTables(runner, cfg.Interfaces.Subscriber, logger)
	if err := rules.Setup(ctx); err != nil {
		logger.Error("nftables setup failed", "error", err)
		os.Exit(1)
	}
	shaper := datapath.NewTCShaper(runner, cfg.Interfaces.Subscriber, cfg.Interfaces.Uplink, logger)

	aaa := radius.NewClient(radius.Config{
		AuthAddr:  net.JoinHostPort(radiusIP.String(), strconv.Itoa(cfg.Radius.AuthPort)),
		AcctAddr:  net.JoinHostPort(radiusIP.String(), strconv.Itoa(cfg.Radius.AcctPort)),
		Secret:    cfg.Radius.Secret,
		Timeout:   cfg.Radius.RadiusTimeout(),
		NASIP:     net.ParseIP(cfg.Radius.NASIP),
		NASPortID: cfg.Interfaces.Subscriber,
	}, logger)

	leaseClient := leases.NewClient(leases.Config{
		BaseURL:  cfg.Kea.CtrlURL,
		Username: config.DefaultKeaUsername,
		Password: cfg.Kea.Password,
		RelayID:  cfg.BNGID,
	}, logger)

	timings := cfg.Engine.Timings()

	// Router liveness. Without CAP_NET_RAW the pinger reports unavailable
	// and liveness rests on DHCP observation alone.
	pinger, err := routers.NewICMPPinger(logger)
	if err != nil {
		logger.Error("router pinger init failed", "error", err)
		os.Exit(1)
	}
	defer pinger.Close()
	inventory := routers.NewClient(cfg.OSS.APIURL, cfg.BNGID, logger)
	tracker := routers.NewTracker(cfg.BNGID, inventory, pinger, dispatcher, timings.RouterPing, logger)

	// Cgroup/procfs health sampling. Absent /proc means a very strange
	// host; run without samples rather than refuse to start.
	var sampler engine.HealthSampler
	if ht, err := health.NewTracker(logger); err != nil {
		logger.Warn("health sampling unavailable", "error", err)
	} else {
		sampler = ht
	}

	eng := engine.New(engine.Config{
		BNGID:                   cfg.BNGID,
		EventQueueSize:          cfg.Engine.EventQueueSize,
		CommandQueueSize:        cfg.Engine.CommandQueueSize,
		InterimInterval:         timings.Interim,
		AuthRetryInterval:       timings.AuthRetry,
		DisconnectCheckInterval: timings.DisconnectionCheck,
		ReconcileInterval:       timings.Reconcile,
		RouterPingInterval:      timings.RouterPing,
		RouterConfigInterval:    timings.RouterRefresh,
		HealthInterval:          timings.Health,
		IdleGraceAfterConnect:   timings.IdleGraceAfterConnect,
		MarkIdleGrace:           timings.MarkIdleGrace,
		MarkDisconnectGrace:     timings.MarkDisconnectGrace,
		TombstoneTTL:            timings.TombstoneTTL,
		TombstoneExpiryGrace:    timings.TombstoneExpiryGrace,
		PendingPromotionGrace:   timings.PendingPromotionGrace,
		NAKTerminateThreshold:   cfg.Engine.NAKTerminateThreshold,
		EnableIdleDisconnect:    cfg.Engine.EnableIdleDisconnect,
	}, engine.Deps{
		Rules:      rules,
		Shaper:     shaper,
		AAA:        aaa,
		Leases:     leaseClient,
		Dispatcher: dispatcher,
		Routers:    tracker,
		Health:     sampler,
		Journal:    journal,
	}, logger)

	snif := sniffer.New(sniffer.Config{
		BNGID:           cfg.BNGID,
		SubscriberIface: cfg.Interfaces.Subscriber,
		DHCPUplinkIface: cfg.Interfaces.DHCPUplink,
		GIAddr:          giaddr,
		DHCPServerIP:    dhcpServerIP.To4(),
		LocalIPs:        []net.IP{giaddr, cfg.Interfaces.DHCPUplinkIP()},
	}, eng.Queue(), logger)

	coaServer := coad.NewServer(cfg.CoA.Socket, eng.HandleCoA, logger)
	if err := coaServer.Start(); err != nil {
		logger.Error("CoA IPC server failed to start", "socket", cfg.CoA.Socket, "error", err)
		os.Exit(1)
	}
	defer coaServer.Close()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, cfg.BNGID, version, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("ops API server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- eng.Run(ctx) }()
	go func() { errCh <- snif.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	pending := 2
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		pending--
		if err != nil && ctx.Err() == nil {
			logger.Error("fatal component error", "error", err)
			exitCode = 1
		}
	case <-dispatcher.Failed():
		// Without the stream the OSS view of sessions decays silently.
		logger.Error("event stream lost, exiting", "error", dispatcher.Err())
		exitCode = 1
	}

	cancel()
	for i := 0; i < pending; i++ {
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
			logger.Warn("component did not stop in time")
		}
	}

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		apiServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	dispatcher.Close()

	logger.Info("bngd stopped")
	os.Exit(exitCode)
}
