// Package sniffer captures DHCP exchanges on the subscriber and DHCP
// uplink interfaces, feeds decoded events to the session engine, and
// relays the packets as an Option 82 rewriting relay agent. Capture
// loops are supervised: a socket error logs, waits, and resumes rather
// than killing the daemon.
package sniffer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"

	"github.com/ossbng/bngd/internal/dhcp"
	"github.com/ossbng/bngd/internal/metrics"
	"github.com/ossbng/bngd/pkg/dhcpv4"
)

const restartDelay = 2 * time.Second

// Config wires the sniffer to the dataplane interfaces.
type Config struct {
	BNGID           string
	SubscriberIface string
	DHCPUplinkIface string

	// GIAddr is the subscriber-side address, stamped into client packets
	// that arrive with a zero giaddr.
	GIAddr       net.IP
	DHCPServerIP net.IP

	// LocalIPs are addresses this host owns. Raw uplink frames addressed
	// to them are dropped; the bound UDP socket delivers those.
	LocalIPs []net.IP
}

// Sniffer owns the capture sockets and the relay rewrite.
type Sniffer struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	// Send seams, replaced by Run with real sockets. Tests inject
	// recorders and drive the handle methods directly.
	sendUpstream   func(payload []byte) error
	sendDownstream func(payload []byte, dst *net.UDPAddr) error
}

func New(cfg Config, sink Sink, logger *slog.Logger) *Sniffer {
	return &Sniffer{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Run opens the capture and relay sockets and blocks until ctx is
// cancelled. Two raw sockets see everything on the subscriber and DHCP
// uplink wires; a UDP socket bound to :67 on the uplink receives replies
// unicast to this relay, and a broadcast-capable socket on the
// subscriber side delivers replies to clients.
func (s *Sniffer) Run(ctx context.Context) error {
	subIfi, err := net.InterfaceByName(s.cfg.SubscriberIface)
	if err != nil {
		return err
	}
	upIfi, err := net.InterfaceByName(s.cfg.DHCPUplinkIface)
	if err != nil {
		return err
	}

	subRaw, err := packet.Listen(subIfi, packet.Raw, etherTypeIPv4, nil)
	if err != nil {
		return err
	}
	defer subRaw.Close()
	upRaw, err := packet.Listen(upIfi, packet.Raw, etherTypeIPv4, nil)
	if err != nil {
		return err
	}
	defer upRaw.Close()

	replyConn, err := listenServerPort(ctx, s.cfg.DHCPUplinkIface, false)
	if err != nil {
		return err
	}
	defer replyConn.Close()
	downConn, err := listenServerPort(ctx, s.cfg.SubscriberIface, true)
	if err != nil {
		return err
	}
	defer downConn.Close()

	s.sendUpstream = func(payload []byte) error {
		_, err := replyConn.WriteToUDP(payload, &net.UDPAddr{
			IP:   s.cfg.DHCPServerIP,
			Port: dhcpv4.ServerPort,
		})
		return err
	}
	s.sendDownstream = func(payload []byte, dst *net.UDPAddr) error {
		_, err := downConn.WriteToUDP(payload, dst)
		return err
	}

	s.logger.Info("sniffer running",
		"subscriber_iface", s.cfg.SubscriberIface,
		"dhcp_uplink_iface", s.cfg.DHCPUplinkIface,
		"dhcp_server", s.cfg.DHCPServerIP.String(),
		"giaddr", s.cfg.GIAddr.String())

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.captureLoop(ctx, "subscriber", subRaw, s.handleClientFrame)
	}()
	go func() {
		defer wg.Done()
		s.captureLoop(ctx, "dhcp_uplink", upRaw, s.handleServerFrame)
	}()
	go func() {
		defer wg.Done()
		s.replyLoop(ctx, replyConn)
	}()

	<-ctx.Done()
	subRaw.Close()
	upRaw.Close()
	replyConn.Close()
	downConn.Close()
	wg.Wait()
	return nil
}

// captureLoop reads raw frames and hands them to the handler. Read
// errors other than shutdown pause the loop briefly and resume on the
// same socket.
func (s *Sniffer) captureLoop(ctx context.Context, name string, conn net.PacketConn, handle func([]byte)) {
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.SnifferRestarts.Inc()
			s.logger.Warn("capture read failed, restarting",
				"loop", name,
				"error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartDelay):
			}
			continue
		}
		handle(buf[:n])
	}
}

// replyLoop reads DHCP traffic delivered to our :67 socket on the DHCP
// uplink: server replies unicast to the relay address, and requests
// forwarded by another relay.
func (s *Sniffer) replyLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 65536)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			metrics.SnifferRestarts.Inc()
			s.logger.Warn("reply socket read failed, restarting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartDelay):
			}
			continue
		}
		d, reason := decodePayload(buf[:n], raddr.IP.To4(), nil, raddr.Port, dhcpv4.ServerPort)
		if d == nil {
			metrics.SnifferDrops.WithLabelValues(reason).Inc()
			continue
		}
		if d.Packet.Op == dhcpv4.OpCodeBootReply {
			s.handleServer(d)
		} else {
			s.handleClient(d)
		}
	}
}

func (s *Sniffer) handleClientFrame(b []byte) {
	d, reason := DecodeFrame(b)
	if d == nil {
		metrics.SnifferDrops.WithLabelValues(reason).Inc()
		return
	}
	s.handleClient(d)
}

// handleClient processes one client-side packet: observe it for the
// engine, then rewrite Option 82 and forward upstream. The event is
// emitted before the relay checks, so the engine sees subscribers even
// when their packets cannot be relayed.
func (s *Sniffer) handleClient(d *Decoded) {
	if d.DstPort != dhcpv4.ServerPort {
		metrics.SnifferDrops.WithLabelValues("not_upstream").Inc()
		return
	}
	// Our own forwarded packets come back around on the wire.
	if d.SrcIP != nil && d.SrcIP.Equal(s.cfg.DHCPServerIP) {
		metrics.SnifferDrops.WithLabelValues("loop_guard").Inc()
		return
	}

	ev := newEvent(d, s.now())
	metrics.SnifferPackets.WithLabelValues(ev.MsgType.String(), "client").Inc()
	s.sink.Push(ev)

	info := d.Packet.RelayInfo()
	if info == nil || !info.HasSubscriberID() {
		metrics.SnifferDrops.WithLabelValues("no_relay_info").Inc()
		return
	}

	// Keep the access router's circuit-id and remote-id, stamp our own
	// relay-id so the server's lease state records which BNG relayed.
	d.Packet.SetRelayAgentInfo(&dhcp.RelayAgentInfo{
		CircuitID: info.CircuitID,
		RemoteID:  info.RemoteID,
		RelayID:   []byte(s.cfg.BNGID),
	})
	if !d.Packet.IsRelayed() {
		d.Packet.SetGIAddr(s.cfg.GIAddr)
	}

	payload, err := d.Packet.Encode()
	if err != nil {
		s.logger.Warn("encoding relayed packet failed", "error", err)
		return
	}
	if err := s.sendUpstream(payload); err != nil {
		s.logger.Warn("upstream relay failed",
			"msg_type", ev.MsgType.String(),
			"error", err)
		return
	}
	metrics.SnifferRelayed.WithLabelValues("upstream").Inc()
	s.logger.Debug("relayed upstream",
		"msg_type", ev.MsgType.String(),
		"mac", ev.MAC,
		"circuit_id", ev.CircuitID,
		"remote_id", ev.RemoteID)
}

func (s *Sniffer) handleServerFrame(b []byte) {
	d, reason := DecodeFrame(b)
	if d == nil {
		metrics.SnifferDrops.WithLabelValues(reason).Inc()
		return
	}
	// Frames addressed to us arrive again through the bound UDP socket;
	// handling both copies would double every event and forward.
	if s.isLocal(d.DstIP) {
		metrics.SnifferDrops.WithLabelValues("local_dst").Inc()
		return
	}
	s.handleServer(d)
}

// handleServer processes one server reply: observe it, then deliver it
// toward the subscriber side.
func (s *Sniffer) handleServer(d *Decoded) {
	if d.SrcPort != dhcpv4.ServerPort {
		metrics.SnifferDrops.WithLabelValues("not_downstream").Inc()
		return
	}
	if d.Packet.Op != dhcpv4.OpCodeBootReply {
		metrics.SnifferDrops.WithLabelValues("not_reply").Inc()
		return
	}

	ev := newEvent(d, s.now())
	metrics.SnifferPackets.WithLabelValues(ev.MsgType.String(), "server").Inc()
	s.sink.Push(ev)

	payload, err := d.Packet.Encode()
	if err != nil {
		s.logger.Warn("encoding reply failed", "error", err)
		return
	}

	// A non-zero giaddr that is not our own means an access router
	// relayed the request; hand the reply back to it. A giaddr we
	// stamped ourselves means the client is directly attached, so the
	// reply is broadcast on the subscriber wire.
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
	giaddr := ipOrNil(d.Packet.GIAddr)
	if giaddr != nil && !giaddr.Equal(s.cfg.GIAddr) {
		dst = &net.UDPAddr{IP: giaddr, Port: dhcpv4.ServerPort}
	}
	if err := s.sendDownstream(payload, dst); err != nil {
		s.logger.Warn("downstream relay failed",
			"msg_type", ev.MsgType.String(),
			"dst", dst.String(),
			"error", err)
		return
	}
	metrics.SnifferRelayed.WithLabelValues("downstream").Inc()
	s.logger.Debug("relayed downstream",
		"msg_type", ev.MsgType.String(),
		"mac", ev.MAC,
		"dst", dst.String())
}

func (s *Sniffer) isLocal(ip net.IP) bool {
	for _, local := range s.cfg.LocalIPs {
		if local.Equal(ip) {
			return true
		}
	}
	return false
}

// listenServerPort binds a UDP socket to :67 on one interface. Both the
// uplink and subscriber sockets share the port, so reuse is required;
// the subscriber side additionally broadcasts replies.
func listenServerPort(ctx context.Context, iface string, broadcast bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); ctrlErr != nil {
					return
				}
				if broadcast {
					if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); ctrlErr != nil {
						return
					}
				}
				ctrlErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", ":67")
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
