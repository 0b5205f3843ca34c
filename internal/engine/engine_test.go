package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ossbng/bngd/internal/coad"
	"github.com/ossbng/bngd/internal/datapath"
	"github.com/ossbng/bngd/internal/events"
	"github.com/ossbng/bngd/internal/leases"
	"github.com/ossbng/bngd/internal/radius"
	"github.com/ossbng/bngd/internal/sniffer"
	"github.com/ossbng/bngd/internal/store"
	"github.com/ossbng/bngd/pkg/dhcpv4"
)

var testStart = time.Date(2025, 7, 14, 9, 0, 0, 0, time.UTC)

const (
	testCircuitID = "eth 0/1/2"
	testRemoteID  = "rtr-07"
	testMAC       = "aa:bb:cc:00:11:22"
	testIP        = "10.0.0.50"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testKey() Key {
	return Key{BNGID: "bng-1", CircuitID: testCircuitID, RemoteID: testRemoteID}
}

// fakeRules implements datapath.RuleEngine with settable counters.
type fakeRules struct {
	nextHandle datapath.Handle
	counters   map[datapath.Handle]datapath.Counters
	installs   int
	deleted    []datapath.Handle
	allowed    []string
	revoked    []string
	installErr error
	snapErr    error
}

func newFakeRules() *fakeRules {
	return &fakeRules{counters: make(map[datapath.Handle]datapath.Counters)}
}

func (f *fakeRules) Setup(context.Context) error { return nil }

func (f *fakeRules) InstallSubscriberRules(_ context.Context, ip net.IP) (datapath.Handle, datapath.Handle, error) {
	if f.installErr != nil {
		return 0, 0, f.installErr
	}
	f.installs++
	f.nextHandle += 2
	up, down := f.nextHandle-1, f.nextHandle
	f.counters[up] = datapath.Counters{}
	f.counters[down] = datapath.Counters{}
	return up, down, nil
}

func (f *fakeRules) DeleteRule(_ context.Context, h datapath.Handle) error {
	f.deleted = append(f.deleted, h)
	delete(f.counters, h)
	return nil
}

func (f *fakeRules) SnapshotCounters(context.Context) (map[datapath.Handle]datapath.Counters, error) {
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	out := make(map[datapath.Handle]datapath.Counters, len(f.counters))
	for h, c := range f.counters {
		out[h] = c
	}
	return out, nil
}

func (f *fakeRules) AllowIP(_ context.Context, ip net.IP) error {
	f.allowed = append(f.allowed, ip.String())
	return nil
}

func (f *fakeRules) RevokeIP(_ context.Context, ip net.IP) error {
	f.revoked = append(f.revoked, ip.String())
	return nil
}

type fakeShaper struct {
	added   map[string]datapath.Shaping
	removed []string
}

func newFakeShaper() *fakeShaper {
	return &fakeShaper{added: make(map[string]datapath.Shaping)}
}

func (f *fakeShaper) AddShaping(_ context.Context, ip net.IP, s datapath.Shaping) error {
	f.added[ip.String()] = s
	return nil
}

func (f *fakeShaper) RemoveShaping(_ context.Context, ip net.IP) error {
	f.removed = append(f.removed, ip.String())
	return nil
}

type authReply struct {
	res *radius.AuthResult
	err error
}

// fakeAAA scripts authorization replies (last one repeats) and records
// every accounting record it receives.
type fakeAAA struct {
	replies   []authReply
	authCalls int

	startErr   error
	interimErr error

	starts   []radius.AccountingRecord
	interims []radius.AccountingRecord
	stops    []radius.AccountingRecord
}

func acceptWithPolicy() authReply {
	return authReply{res: &radius.AuthResult{
		Accepted: true,
		Policy:   &radius.Policy{DownloadKbit: 100000, UploadKbit: 40000},
	}}
}

func (f *fakeAAA) Authorize(context.Context, string, string, net.IP) (*radius.AuthResult, error) {
	f.authCalls++
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r.res, r.err
}

func (f *fakeAAA) AccountingStart(_ context.Context, rec radius.AccountingRecord) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, rec)
	return nil
}

func (f *fakeAAA) AccountingInterim(_ context.Context, rec radius.AccountingRecord) error {
	if f.interimErr != nil {
		return f.interimErr
	}
	f.interims = append(f.interims, rec)
	return nil
}

func (f *fakeAAA) AccountingStop(_ context.Context, rec radius.AccountingRecord) error {
	f.stops = append(f.stops, rec)
	return nil
}

type fakeLeases struct {
	leases []leases.Lease
	err    error
}

func (f *fakeLeases) Snapshot(context.Context) ([]leases.Lease, error) {
	return f.leases, f.err
}

type streamCall struct {
	values map[string]string
}

type recordingAppender struct {
	mu    sync.Mutex
	calls []streamCall
}

func (a *recordingAppender) Append(_ context.Context, _ string, values map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	a.calls = append(a.calls, streamCall{values: cp})
	return nil
}

func (a *recordingAppender) entries() []streamCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]streamCall(nil), a.calls...)
}

type testEnv struct {
	engine   *Engine
	rules    *fakeRules
	shaper   *fakeShaper
	aaa      *fakeAAA
	leases   *fakeLeases
	appender *recordingAppender

	mu  sync.Mutex
	now time.Time
}

func (env *testEnv) clock() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.now
}

func (env *testEnv) advance(d time.Duration) time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.now = env.now.Add(d)
	return env.now
}

func testConfig() Config {
	return Config{
		BNGID:                 "bng-1",
		IdleGraceAfterConnect: 40 * time.Second,
		MarkIdleGrace:         20 * time.Second,
		MarkDisconnectGrace:   10 * time.Second,
		TombstoneTTL:          600 * time.Second,
		TombstoneExpiryGrace:  60 * time.Second,
		PendingPromotionGrace: 8 * time.Second,
		NAKTerminateThreshold: 3,
		EnableIdleDisconnect:  true,
	}
}

func newTestEnv(t *testing.T, journal *store.Journal) *testEnv {
	t.Helper()
	env := &testEnv{
		rules:    newFakeRules(),
		shaper:   newFakeShaper(),
		aaa:      &fakeAAA{replies: []authReply{acceptWithPolicy()}},
		leases:   &fakeLeases{},
		appender: &recordingAppender{},
		now:      testStart,
	}
	disp := events.NewDispatcher(events.Config{
		BNGID: "bng-1",
		NASIP: "198.18.0.2",
	}, env.appender, testLogger())
	go disp.Run()
	t.Cleanup(disp.Close)

	env.engine = New(testConfig(), Deps{
		Rules:      env.rules,
		Shaper:     env.shaper,
		AAA:        env.aaa,
		Leases:     env.leases,
		Dispatcher: disp,
		Journal:    journal,
	}, testLogger())
	env.engine.now = env.clock
	t.Cleanup(env.engine.queue.Close)
	return env
}

func reqEvent() sniffer.Event {
	return sniffer.Event{
		MsgType:   dhcpv4.MessageTypeRequest,
		CircuitID: testCircuitID,
		RemoteID:  testRemoteID,
		MAC:       testMAC,
	}
}

func (env *testEnv) ackEvent(ip string, lease time.Duration) sniffer.Event {
	return sniffer.Event{
		MsgType:   dhcpv4.MessageTypeAck,
		CircuitID: testCircuitID,
		RemoteID:  testRemoteID,
		MAC:       testMAC,
		IP:        net.ParseIP(ip).To4(),
		Expiry:    env.clock().Add(lease),
	}
}

func nakEvent() sniffer.Event {
	return sniffer.Event{
		MsgType:   dhcpv4.MessageTypeNak,
		CircuitID: testCircuitID,
		RemoteID:  testRemoteID,
		MAC:       testMAC,
	}
}

// bringUp walks the REQUEST/ACK path and returns the running session.
func (env *testEnv) bringUp(t *testing.T, ip string) *Session {
	t.Helper()
	ctx := context.Background()
	env.engine.handleRequest(reqEvent(), env.clock())
	env.engine.handleAck(ctx, env.ackEvent(ip, time.Hour), env.clock())
	s, ok := env.engine.sessions[testKey()]
	if !ok {
		t.Fatal("session missing after bring-up")
	}
	return s
}

// waitSessions polls the snapshot view until n sessions appear. The
// engine's select does not order the event queue against snapshot
// commands, so the view can briefly run ahead of a pushed event.
func (env *testEnv) waitSessions(t *testing.T, ctx context.Context, n int) []SessionView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		views, err := env.engine.Sessions(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(views) >= n {
			return views
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sessions, have %d", n, len(views))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitEvents polls until the background stream writer has appended n
// events, then returns their event_type values in order.
func (env *testEnv) waitEvents(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls := env.appender.entries()
		if len(calls) >= n {
			types := make([]string, len(calls))
			for i, c := range calls {
				types[i] = c.values["event_type"]
			}
			return types
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d stream events, have %d", n, len(calls))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscriberBringup(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)

	if s.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE", s.Status)
	}
	if s.AuthState != AuthAuthorized {
		t.Errorf("auth_state = %s, want AUTHORIZED", s.AuthState)
	}
	if !s.HasRules || env.rules.installs != 1 {
		t.Errorf("rules installed = %v (%d installs), want 1", s.HasRules, env.rules.installs)
	}
	if len(env.rules.allowed) != 1 || env.rules.allowed[0] != testIP {
		t.Errorf("allowed = %v, want [%s]", env.rules.allowed, testIP)
	}
	if _, ok := env.shaper.added[testIP]; !ok {
		t.Error("shaping not installed for accepted policy")
	}
	if len(env.aaa.starts) != 1 {
		t.Fatalf("acct-starts = %d, want 1", len(env.aaa.starts))
	}
	if got := env.aaa.starts[0].Username; got != "bng-1/rtr-07/eth 0/1/2" {
		t.Errorf("acct username = %q", got)
	}
	if env.engine.byIP[testIP] != s {
		t.Error("session not indexed by IP")
	}

	types := env.waitEvents(t, 2)
	if types[0] != "SESSION_START" || types[1] != "POLICY_APPLY" {
		t.Errorf("stream events = %v, want [SESSION_START POLICY_APPLY]", types)
	}
}

func TestSessionIdentityFormats(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)

	if got := s.Username(); got != "bng-1/rtr-07/eth 0/1/2" {
		t.Errorf("Username = %q", got)
	}
	if got := s.AccessKey(); got != "bng-1/eth 0/1/2/rtr-07" {
		t.Errorf("AccessKey = %q", got)
	}
	want := fmt.Sprintf("%s-%s-%d", testMAC, testIP, s.FirstSeen.Unix())
	if got := s.AcctSessionID(); got != want {
		t.Errorf("AcctSessionID = %q, want %q", got, want)
	}
}

func TestRequestAloneCreatesPendingSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.handleRequest(reqEvent(), env.clock())

	s, ok := env.engine.sessions[testKey()]
	if !ok {
		t.Fatal("no session after REQUEST")
	}
	if s.Status != StatusPending || s.AuthState != AuthPending {
		t.Errorf("state = %s/%s, want PENDING/PENDING_AUTH", s.Status, s.AuthState)
	}
	if s.IP != nil {
		t.Error("session has an address before ACK")
	}
	if env.aaa.authCalls != 0 {
		t.Error("authorization ran without an address")
	}
	// No identity, no session.
	env.engine.handleRequest(sniffer.Event{MsgType: dhcpv4.MessageTypeRequest, MAC: testMAC}, env.clock())
	if len(env.engine.sessions) != 1 {
		t.Error("REQUEST without relay identity created a session")
	}
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.aaa.replies = []authReply{{res: &radius.AuthResult{Accepted: false}}}

	s := env.bringUp(t, testIP)
	if s.AuthState != AuthRejected {
		t.Fatalf("auth_state = %s, want REJECTED", s.AuthState)
	}
	if s.HasRules || env.rules.installs != 0 {
		t.Error("rules installed for rejected subscriber")
	}
	if len(env.aaa.starts) != 0 {
		t.Error("acct-start sent for rejected subscriber")
	}

	calls := env.aaa.authCalls
	env.engine.authRetryTick(context.Background(), env.advance(10*time.Second))
	if env.aaa.authCalls != calls {
		t.Error("retry tick re-authorized a rejected session")
	}
}

func TestTransientAuthFailureRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	env.aaa.replies = []authReply{
		{err: errors.New("radius timeout")},
		acceptWithPolicy(),
	}

	s := env.bringUp(t, testIP)
	if s.AuthState != AuthPending {
		t.Fatalf("auth_state = %s, want PENDING_AUTH after transient failure", s.AuthState)
	}
	if s.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE while auth pends", s.Status)
	}

	env.engine.authRetryTick(context.Background(), env.advance(10*time.Second))
	if s.AuthState != AuthAuthorized {
		t.Fatalf("auth_state = %s after retry, want AUTHORIZED", s.AuthState)
	}
	types := env.waitEvents(t, 2)
	if types[1] != "POLICY_APPLY" {
		t.Errorf("stream events = %v, want POLICY_APPLY after late authorization", types)
	}
}

func TestAcctStartFailureResumesWithoutReinstall(t *testing.T) {
	env := newTestEnv(t, nil)
	env.aaa.startErr = errors.New("acct server down")

	s := env.bringUp(t, testIP)
	if s.AuthState != AuthPending {
		t.Fatalf("auth_state = %s, want PENDING_AUTH while acct-start fails", s.AuthState)
	}
	if !s.HasRules {
		t.Fatal("rules should stay installed across an acct-start failure")
	}

	env.aaa.startErr = nil
	env.engine.authRetryTick(context.Background(), env.advance(10*time.Second))
	if s.AuthState != AuthAuthorized {
		t.Fatalf("auth_state = %s after retry, want AUTHORIZED", s.AuthState)
	}
	if env.rules.installs != 1 {
		t.Errorf("installs = %d, want 1 (no reinstall on resume)", env.rules.installs)
	}
	if len(env.aaa.starts) != 1 {
		t.Errorf("acct-starts = %d, want 1", len(env.aaa.starts))
	}
}

func TestRenewalKeepsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)
	id, acct := s.ID, s.AcctSessionID()

	env.advance(30 * time.Minute)
	env.engine.handleAck(context.Background(), env.ackEvent(testIP, time.Hour), env.clock())

	if s.ID != id {
		t.Error("renewal changed the session id")
	}
	if s.AcctSessionID() != acct {
		t.Error("renewal changed the accounting session id")
	}
	if want := env.clock().Add(time.Hour); !s.Expiry.Equal(want) {
		t.Errorf("expiry = %v, want %v", s.Expiry, want)
	}
	if len(env.aaa.stops) != 0 {
		t.Error("renewal produced an acct-stop")
	}
}

func TestIPChangeRestartsAccounting(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)
	oldID := s.ID
	oldUp, oldDown := s.UpHandle, s.DownHandle
	env.rules.counters[oldUp] = datapath.Counters{Bytes: 5000, Packets: 50}

	const newIP = "10.0.0.60"
	env.advance(time.Minute)
	env.engine.handleAck(context.Background(), env.ackEvent(newIP, time.Hour), env.clock())

	if s.ID == oldID {
		t.Error("IP change kept the old session id")
	}
	if s.IP.String() != newIP {
		t.Errorf("session IP = %s, want %s", s.IP, newIP)
	}
	if _, ok := env.engine.byIP[testIP]; ok {
		t.Error("old IP still indexed")
	}
	if env.engine.byIP[newIP] != s {
		t.Error("new IP not indexed")
	}
	if len(env.aaa.stops) != 1 {
		t.Fatalf("acct-stops = %d, want 1", len(env.aaa.stops))
	}
	stop := env.aaa.stops[0]
	if stop.TerminateCause != "IP-change" {
		t.Errorf("terminate cause = %q, want IP-change", stop.TerminateCause)
	}
	if stop.InputBytes != 5000 {
		t.Errorf("final input bytes = %d, want 5000", stop.InputBytes)
	}
	if len(env.aaa.starts) != 2 {
		t.Errorf("acct-starts = %d, want 2", len(env.aaa.starts))
	}
	for _, h := range []datapath.Handle{oldUp, oldDown} {
		found := false
		for _, d := range env.rules.deleted {
			if d == h {
				found = true
			}
		}
		if !found {
			t.Errorf("old handle %d not deleted", h)
		}
	}

	types := env.waitEvents(t, 5)
	want := []string{"SESSION_START", "POLICY_APPLY", "SESSION_STOP", "SESSION_START", "POLICY_APPLY"}
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("stream events = %v, want %v", types, want)
		}
	}
}

func TestReleaseTearsDownAndTombstones(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)
	up := s.UpHandle
	env.rules.counters[up] = datapath.Counters{Bytes: 1234, Packets: 12}

	env.advance(5 * time.Minute)
	env.engine.handleRelease(context.Background(), sniffer.Event{
		MsgType: dhcpv4.MessageTypeRelease,
		MAC:     testMAC,
		IP:      net.ParseIP(testIP).To4(),
	}, env.clock())

	if len(env.engine.sessions) != 0 {
		t.Error("session survived RELEASE")
	}
	if len(env.engine.byIP) != 0 || len(env.engine.byID) != 0 {
		t.Error("indexes not cleaned on RELEASE")
	}
	if len(env.aaa.stops) != 1 || env.aaa.stops[0].TerminateCause != "User-Request" {
		t.Fatalf("stops = %+v, want one User-Request", env.aaa.stops)
	}
	if env.aaa.stops[0].InputBytes != 1234 {
		t.Errorf("final input = %d, want 1234", env.aaa.stops[0].InputBytes)
	}
	if len(env.rules.revoked) != 1 || env.rules.revoked[0] != testIP {
		t.Errorf("revoked = %v", env.rules.revoked)
	}
	if len(env.shaper.removed) != 1 {
		t.Errorf("shaping removed = %v", env.shaper.removed)
	}

	tomb, ok := env.engine.tombstones[testKey()]
	if !ok {
		t.Fatal("no tombstone after RELEASE")
	}
	if tomb.Reason != "User-Request" || tomb.IPAtStop != testIP {
		t.Errorf("tombstone = %+v", tomb)
	}
}

func TestNAKThresholdDropsAddresslessSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.handleRequest(reqEvent(), env.clock())

	for i := 0; i < 3; i++ {
		env.engine.handleNak(nakEvent(), env.clock())
	}
	if len(env.engine.sessions) != 0 {
		t.Error("session survived NAK threshold")
	}
	if len(env.engine.tombstones) != 0 {
		t.Error("NAK drop left a tombstone")
	}
	if len(env.aaa.stops) != 0 {
		t.Error("NAK drop produced an acct-stop")
	}
}

func TestNAKOnAddressedSessionOnlyResets(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)

	for i := 0; i < 5; i++ {
		env.engine.handleNak(nakEvent(), env.clock())
	}
	if _, ok := env.engine.sessions[testKey()]; !ok {
		t.Fatal("addressed session dropped by NAKs")
	}
	if s.Status != StatusPending {
		t.Errorf("status = %s, want PENDING after NAK", s.Status)
	}
}

func TestAckClearsNAKCount(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.handleRequest(reqEvent(), env.clock())
	env.engine.handleNak(nakEvent(), env.clock())
	env.engine.handleNak(nakEvent(), env.clock())

	env.engine.handleAck(context.Background(), env.ackEvent(testIP, time.Hour), env.clock())
	s := env.engine.sessions[testKey()]
	if s.NAKCount != 0 {
		t.Errorf("NAK count = %d after ACK, want 0", s.NAKCount)
	}
	if s.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE", s.Status)
	}
}

func TestInterimCountersAndIdleDetection(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.bringUp(t, testIP)
	up, down := s.UpHandle, s.DownHandle

	// Traffic in the first interval: ACTIVE, counters reported.
	env.rules.counters[up] = datapath.Counters{Bytes: 1000, Packets: 10}
	env.rules.counters[down] = datapath.Counters{Bytes: 8000, Packets: 40}
	env.engine.interimTick(ctx, env.advance(30*time.Second))

	if len(env.aaa.interims) != 1 {
		t.Fatalf("interims = %d, want 1", len(env.aaa.interims))
	}
	rec := env.aaa.interims[0]
	if rec.InputBytes != 1000 || rec.OutputBytes != 8000 {
		t.Errorf("interim counters = %d/%d, want 1000/8000", rec.InputBytes, rec.OutputBytes)
	}
	if s.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE with traffic", s.Status)
	}

	// Silent but within the idle grace: still ACTIVE.
	env.engine.interimTick(ctx, env.advance(10*time.Second))
	if s.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE inside idle grace", s.Status)
	}

	// Silent past the grace: IDLE.
	env.engine.interimTick(ctx, env.advance(15*time.Second))
	if s.Status != StatusIdle {
		t.Fatalf("status = %s, want IDLE after silence", s.Status)
	}

	// Idle but not long enough to disconnect.
	env.engine.disconnectionCheckTick(ctx, env.advance(5*time.Second))
	if _, ok := env.engine.sessions[testKey()]; !ok {
		t.Fatal("disconnected before the grace elapsed")
	}

	// Traffic resumes: back to ACTIVE.
	env.rules.counters[up] = datapath.Counters{Bytes: 2000, Packets: 20}
	env.engine.interimTick(ctx, env.advance(5*time.Second))
	if s.Status != StatusActive {
		t.Fatalf("status = %s, want ACTIVE after traffic resumed", s.Status)
	}
}

func TestIdleDisconnectAfterGrace(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.bringUp(t, testIP)
	up := s.UpHandle

	env.rules.counters[up] = datapath.Counters{Bytes: 100, Packets: 1}
	env.engine.interimTick(ctx, env.advance(30*time.Second))
	env.engine.interimTick(ctx, env.advance(30*time.Second))
	if s.Status != StatusIdle {
		t.Fatalf("status = %s, want IDLE", s.Status)
	}

	env.engine.disconnectionCheckTick(ctx, env.advance(15*time.Second))
	if len(env.engine.sessions) != 0 {
		t.Fatal("idle session not disconnected")
	}
	if len(env.aaa.stops) != 1 || env.aaa.stops[0].TerminateCause != "Idle-Timeout" {
		t.Fatalf("stops = %+v, want Idle-Timeout", env.aaa.stops)
	}
	if _, ok := env.engine.tombstones[testKey()]; !ok {
		t.Error("idle disconnect left no tombstone")
	}
}

func TestIdleDisconnectDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.cfg.EnableIdleDisconnect = false
	ctx := context.Background()
	s := env.bringUp(t, testIP)

	env.rules.counters[s.UpHandle] = datapath.Counters{Bytes: 100, Packets: 1}
	env.engine.interimTick(ctx, env.advance(30*time.Second))
	env.engine.interimTick(ctx, env.advance(30*time.Second))
	env.engine.disconnectionCheckTick(ctx, env.advance(time.Hour))

	if _, ok := env.engine.sessions[testKey()]; !ok {
		t.Fatal("session disconnected with idle disconnect disabled")
	}
	if s.Status != StatusIdle {
		t.Errorf("status = %s, want IDLE for visibility", s.Status)
	}
}

func TestNeverSeenTrafficIdlesAfterConnectGrace(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.bringUp(t, testIP)

	env.engine.interimTick(ctx, env.advance(30*time.Second))
	if s.Status != StatusActive {
		t.Errorf("status = %s inside the connect grace, want ACTIVE", s.Status)
	}
	env.engine.interimTick(ctx, env.advance(15*time.Second))
	if s.Status != StatusIdle {
		t.Errorf("status = %s past the connect grace, want IDLE", s.Status)
	}
}

func TestInterimFailureSkipsStreamUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.bringUp(t, testIP)
	env.waitEvents(t, 2)

	env.aaa.interimErr = errors.New("acct unreachable")
	env.rules.counters[s.UpHandle] = datapath.Counters{Bytes: 500, Packets: 5}
	env.engine.interimTick(ctx, env.advance(30*time.Second))

	if !s.LastInterim.IsZero() {
		t.Error("last_interim advanced despite accounting failure")
	}
	if got := env.appender.entries(); len(got) != 2 {
		t.Errorf("stream events = %d, want 2 (no update on failure)", len(got))
	}
}

func testLease(ip string, expiry, updated time.Time) leases.Lease {
	return leases.Lease{
		CircuitID:         testCircuitID,
		RemoteID:          testRemoteID,
		RelayID:           "bng-1",
		MAC:               testMAC,
		IP:                net.ParseIP(ip).To4(),
		Expiry:            expiry,
		LastStateUpdateTS: updated,
	}
}

func TestReconcileAdoptsUnknownLease(t *testing.T) {
	env := newTestEnv(t, nil)
	now := env.clock()
	env.leases.leases = []leases.Lease{testLease(testIP, now.Add(time.Hour), now)}

	env.engine.reconcile(context.Background(), "tick", now)

	s, ok := env.engine.sessions[testKey()]
	if !ok {
		t.Fatal("lease not adopted")
	}
	if s.Status != StatusActive || s.AuthState != AuthAuthorized {
		t.Errorf("adopted session state = %s/%s", s.Status, s.AuthState)
	}
	if s.IP.String() != testIP {
		t.Errorf("adopted IP = %s", s.IP)
	}
	if len(env.aaa.starts) != 1 {
		t.Errorf("acct-starts = %d, want 1", len(env.aaa.starts))
	}
}

func TestReconcileHonorsTombstone(t *testing.T) {
	env := newTestEnv(t, nil)
	now := env.clock()
	watermark := now.Add(-time.Minute)
	env.engine.tombstones[testKey()] = Tombstone{
		IPAtStop:            testIP,
		LatestStateUpdateTS: watermark,
		StoppedAt:           now.Add(-2 * time.Minute),
		Reason:              "Admin-Reset",
	}

	// Same lease generation the session was stopped under: no adoption.
	env.leases.leases = []leases.Lease{testLease(testIP, now.Add(time.Hour), watermark)}
	env.engine.reconcile(context.Background(), "tick", now)
	if len(env.engine.sessions) != 0 {
		t.Fatal("tombstoned lease adopted")
	}

	// Fresh lease activity outranks the tombstone.
	env.leases.leases = []leases.Lease{testLease(testIP, now.Add(time.Hour), now)}
	env.engine.reconcile(context.Background(), "tick", now)
	if len(env.engine.sessions) != 1 {
		t.Fatal("renewed lease not adopted")
	}
	if len(env.engine.tombstones) != 0 {
		t.Error("tombstone survived fresh lease activity")
	}
}

func TestReconcilePromotesPendingAfterGrace(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.engine.handleRequest(reqEvent(), env.clock())

	now := env.clock()
	env.leases.leases = []leases.Lease{testLease(testIP, now.Add(time.Hour), now)}

	// Inside the promotion grace the in-flight ACK gets right of way.
	env.engine.reconcile(ctx, "tick", env.clock())
	s := env.engine.sessions[testKey()]
	if s.IP != nil {
		t.Fatal("promoted before the grace elapsed")
	}

	env.engine.reconcile(ctx, "tick", env.advance(10*time.Second))
	if s.IP == nil || s.IP.String() != testIP {
		t.Fatalf("pending session not promoted, IP = %v", s.IP)
	}
	if s.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE", s.Status)
	}
}

func TestReconcileFollowsAddressChange(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)
	oldID := s.ID

	const newIP = "10.0.0.99"
	now := env.advance(time.Minute)
	env.leases.leases = []leases.Lease{testLease(newIP, now.Add(time.Hour), now)}
	env.engine.reconcile(context.Background(), "tick", now)

	if s.IP.String() != newIP {
		t.Fatalf("session IP = %s, want %s", s.IP, newIP)
	}
	if s.ID == oldID {
		t.Error("address change kept the session id")
	}
	if len(env.aaa.stops) != 1 || env.aaa.stops[0].TerminateCause != "IP-change" {
		t.Errorf("stops = %+v, want IP-change", env.aaa.stops)
	}
}

func TestReconcileEndsUnbackedSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.bringUp(t, testIP)

	// Missing from the snapshot but the lease has not expired: survives.
	env.engine.reconcile(ctx, "tick", env.clock())
	if _, ok := env.engine.sessions[testKey()]; !ok {
		t.Fatal("session ended while its lease was still valid")
	}

	// Missing and past expiry: ended without a tombstone.
	env.engine.reconcile(ctx, "tick", env.advance(2*time.Hour))
	if _, ok := env.engine.sessions[testKey()]; ok {
		t.Fatal("expired unbacked session survived")
	}
	if len(env.engine.tombstones) != 0 {
		t.Error("reconcile termination left a tombstone")
	}
	if len(env.aaa.stops) != 1 || env.aaa.stops[0].TerminateCause != "Reconcile-Timeout" {
		t.Errorf("stops = %+v, want Reconcile-Timeout", env.aaa.stops)
	}
}

func TestReconcileEndsInactiveLeaseSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.bringUp(t, testIP)

	now := env.advance(time.Minute)
	l := testLease(testIP, now.Add(time.Hour), now)
	l.State = 1 // declined
	env.leases.leases = []leases.Lease{l}
	env.engine.reconcile(context.Background(), "tick", now)

	if _, ok := env.engine.sessions[testKey()]; ok {
		t.Fatal("session with inactive lease survived")
	}
}

func TestTombstoneSweep(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := env.clock()

	// Watermark already past plus grace: expires as soon as the lease is
	// seen missing.
	env.engine.tombstones[Key{BNGID: "bng-1", CircuitID: "c1", RemoteID: "r1"}] = Tombstone{
		LatestStateUpdateTS: now.Add(-2 * time.Minute),
		StoppedAt:           now.Add(-3 * time.Minute),
	}
	// Watermark far in the future: only the TTL can expire it.
	env.engine.tombstones[Key{BNGID: "bng-1", CircuitID: "c2", RemoteID: "r2"}] = Tombstone{
		LatestStateUpdateTS: now.Add(time.Hour),
		StoppedAt:           now,
	}

	env.engine.reconcile(ctx, "tick", now)
	if _, ok := env.engine.tombstones[Key{BNGID: "bng-1", CircuitID: "c1", RemoteID: "r1"}]; ok {
		t.Error("stale-watermark tombstone survived the sweep")
	}
	if _, ok := env.engine.tombstones[Key{BNGID: "bng-1", CircuitID: "c2", RemoteID: "r2"}]; !ok {
		t.Fatal("fresh tombstone swept early")
	}

	env.engine.reconcile(ctx, "tick", env.advance(11*time.Minute))
	if len(env.engine.tombstones) != 0 {
		t.Error("tombstone survived its TTL")
	}
}

func TestTombstonePersistence(t *testing.T) {
	journal, err := store.Open(filepath.Join(t.TempDir(), "tombstones.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	env := newTestEnv(t, journal)
	env.bringUp(t, testIP)
	env.engine.handleRelease(context.Background(), sniffer.Event{
		MsgType: dhcpv4.MessageTypeRelease,
		IP:      net.ParseIP(testIP).To4(),
	}, env.clock())

	persisted, err := journal.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 || persisted[0].Reason != "User-Request" {
		t.Fatalf("persisted = %+v, want one User-Request tombstone", persisted)
	}

	// A restarted engine restores the tombstone from the journal.
	env2 := newTestEnv(t, journal)
	env2.engine.loadTombstones(env2.clock())
	if _, ok := env2.engine.tombstones[testKey()]; !ok {
		t.Fatal("tombstone not restored after restart")
	}

	// Past the TTL the restore drops and deletes it.
	env3 := newTestEnv(t, journal)
	env3.advance(11 * time.Minute)
	env3.engine.loadTombstones(env3.clock())
	if len(env3.engine.tombstones) != 0 {
		t.Error("expired tombstone restored")
	}
	persisted, err = journal.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 0 {
		t.Error("expired tombstone not deleted from the journal")
	}
}

func TestCoADisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)

	resp := env.engine.serveCoA(context.Background(), coad.Request{
		Action:    coad.ActionDisconnect,
		SessionID: s.ID,
	}, env.clock())
	if !resp.Success {
		t.Fatalf("disconnect failed: %s", resp.Error)
	}
	if len(env.engine.sessions) != 0 {
		t.Error("session survived CoA disconnect")
	}
	if len(env.aaa.stops) != 1 || env.aaa.stops[0].TerminateCause != "Admin-Reset" {
		t.Errorf("stops = %+v, want Admin-Reset", env.aaa.stops)
	}
	if _, ok := env.engine.tombstones[testKey()]; !ok {
		t.Error("CoA disconnect left no tombstone")
	}
}

func TestCoADisconnectByAcctSessionID(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)

	resp := env.engine.serveCoA(context.Background(), coad.Request{
		Action:    coad.ActionDisconnect,
		SessionID: s.AcctSessionID(),
	}, env.clock())
	if !resp.Success {
		t.Fatalf("disconnect by acct-session-id failed: %s", resp.Error)
	}
}

func TestCoAUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.engine.serveCoA(context.Background(), coad.Request{
		Action:    coad.ActionDisconnect,
		SessionID: "no-such-session",
	}, env.clock())
	if resp.Success || resp.Error == "" {
		t.Fatalf("response = %+v, want failure for unknown session", resp)
	}
}

func TestCoAPolicyChangeAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.bringUp(t, testIP)

	resp := env.engine.serveCoA(context.Background(), coad.Request{
		Action:    coad.ActionPolicyChange,
		SessionID: s.ID,
		FilterID:  "gold",
	}, env.clock())
	if !resp.Success {
		t.Fatalf("policy change failed: %s", resp.Error)
	}
	if _, ok := env.engine.sessions[testKey()]; !ok {
		t.Error("policy change removed the session")
	}
}

func TestEngineRunLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()

	env.engine.Queue().Push(reqEvent())

	views := env.waitSessions(t, ctx, 1)
	if views[0].CircuitID != testCircuitID || views[0].Status != "PENDING" {
		t.Errorf("view = %+v", views[0])
	}

	resp := env.engine.HandleCoA(coad.Request{Action: coad.ActionDisconnect, SessionID: "nope"})
	if resp.Success {
		t.Error("unknown session disconnect succeeded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestSessionViewLookup(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()

	env.engine.Queue().Push(reqEvent())
	views := env.waitSessions(t, ctx, 1)

	v, err := env.engine.Session(ctx, views[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if v == nil || v.ID != views[0].ID {
		t.Fatalf("lookup by id = %+v", v)
	}
	missing, err := env.engine.Session(ctx, "absent")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("lookup of absent id returned a view")
	}

	cancel()
	<-done
}
