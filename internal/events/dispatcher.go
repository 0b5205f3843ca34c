package events

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ossbng/bngd/internal/metrics"
)

// DefaultStream is the Redis stream session events are appended to.
const DefaultStream = "bng_events"

const (
	defaultBuffer        = 1024
	defaultMaxAttempts   = 30
	defaultRetryInterval = 200 * time.Millisecond
	retryCap             = 5 * time.Second
	appendTimeout        = 5 * time.Second
)

// Appender appends one entry to a named stream. RedisAppender is the
// production implementation; tests substitute a recorder.
type Appender interface {
	Append(ctx context.Context, stream string, values map[string]string) error
}

// RedisAppender appends stream entries with XADD.
type RedisAppender struct {
	Client *redis.Client
}

func (a *RedisAppender) Append(ctx context.Context, stream string, values map[string]string) error {
	return a.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err()
}

// Config configures the stream dispatcher.
type Config struct {
	BNGID  string
	NASIP  string
	Stream string
	// Buffer is how many events may wait for the writer before dispatch
	// calls block.
	Buffer int
	// MaxAttempts is how many times a single append is tried before the
	// stream is declared lost.
	MaxAttempts   int
	RetryInterval time.Duration
}

// Dispatcher assigns sequence numbers to engine events and hands them to a
// background stream writer. Sequence assignment happens in the dispatch
// call, so stream order matches engine order; the dispatch methods are
// meant to be called from the engine loop and are not safe for concurrent
// use. When the writer falls behind by more than the buffer size, dispatch
// blocks. The engine stalls rather than losing events.
type Dispatcher struct {
	cfg        Config
	instanceID string
	seq        uint64

	appender Appender
	logger   *slog.Logger

	pending chan map[string]string
	done    chan struct{}

	failMu  sync.Mutex
	failErr error
	failed  chan struct{}
}

// NewDispatcher creates a dispatcher with a fresh instance id. Every
// restart of the daemon gets a new id, so consumers can tell a sequence
// reset from a duplicate.
func NewDispatcher(cfg Config, appender Appender, logger *slog.Logger) *Dispatcher {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Dispatcher{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		appender:   appender,
		logger:     logger,
		pending:    make(chan map[string]string, cfg.Buffer),
		done:       make(chan struct{}),
		failed:     make(chan struct{}),
	}
}

// InstanceID returns the id minted for this process.
func (d *Dispatcher) InstanceID() string { return d.instanceID }

// Run consumes the pending buffer and appends each event to the stream.
// Call it in a goroutine; it returns after Close once the buffer drains.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for values := range d.pending {
		metrics.StreamBufferDepth.Set(float64(len(d.pending)))
		if d.Err() != nil {
			// Stream already declared lost. Keep draining so dispatch
			// callers are not wedged while the daemon shuts down.
			continue
		}
		if err := d.write(values); err != nil {
			d.fail(err)
		}
	}
}

// Close stops the writer after the pending buffer drains. No dispatch
// method may be called after Close.
func (d *Dispatcher) Close() {
	close(d.pending)
	<-d.done
}

// Failed is closed when the writer exhausts its retry budget. The daemon
// treats that as fatal: without the stream the OSS view of sessions
// decays silently.
func (d *Dispatcher) Failed() <-chan struct{} { return d.failed }

// Err reports the error that stopped the writer, if any.
func (d *Dispatcher) Err() error {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	return d.failErr
}

func (d *Dispatcher) fail(err error) {
	d.failMu.Lock()
	d.failErr = err
	d.failMu.Unlock()
	close(d.failed)
	d.logger.Error("event stream lost, giving up",
		"stream", d.cfg.Stream,
		"error", err)
}

func (d *Dispatcher) write(values map[string]string) error {
	backoff := d.cfg.RetryInterval
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := d.appender.Append(ctx, d.cfg.Stream, values)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= d.cfg.MaxAttempts {
			return err
		}
		metrics.StreamRetries.Inc()
		d.logger.Warn("event stream append failed, retrying",
			"stream", d.cfg.Stream,
			"attempt", attempt,
			"error", err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > retryCap {
			backoff = retryCap
		}
	}
}

// SessionStart announces a session that just received its address.
// Counters are zero by definition; the first totals arrive with the next
// interim update.
func (d *Dispatcher) SessionStart(s Session, startedAt time.Time) {
	v := d.sessionCommon(TypeSessionStart, s)
	addSubscriber(v, s)
	addCounters(v, Counters{})
	v["session_start"] = timestamp(startedAt)
	d.dispatch(v)
}

// SessionUpdate carries the latest accounting totals for a live session.
func (d *Dispatcher) SessionUpdate(s Session, c Counters) {
	v := d.sessionCommon(TypeSessionUpdate, s)
	addSubscriber(v, s)
	addCounters(v, c)
	d.dispatch(v)
}

// SessionStop carries the final totals and the reason the session ended.
func (d *Dispatcher) SessionStop(s Session, c Counters, cause string, endedAt time.Time) {
	v := d.sessionCommon(TypeSessionStop, s)
	addSubscriber(v, s)
	addCounters(v, c)
	v["terminate_cause"] = cause
	v["session_end"] = timestamp(endedAt)
	d.dispatch(v)
}

// PolicyApply announces that forwarding and shaping state was programmed
// for the session.
func (d *Dispatcher) PolicyApply(s Session) {
	v := d.sessionCommon(TypePolicyApply, s)
	addSubscriber(v, s)
	d.dispatch(v)
}

// RouterUpdate announces an access router liveness transition.
func (d *Dispatcher) RouterUpdate(name string, alive bool, lastSeen time.Time) {
	v := d.common(TypeRouterUpdate)
	v["router_name"] = name
	v["is_alive"] = formatBool(alive)
	v["last_seen"] = timestamp(lastSeen)
	d.dispatch(v)
}

// HealthUpdate publishes a daemon resource sample.
func (d *Dispatcher) HealthUpdate(st HealthStats) {
	v := d.common(TypeBNGHealthUpdate)
	v["cpu_usage"] = strconv.FormatFloat(st.CPUPercent, 'f', 2, 64)
	v["mem_usage"] = strconv.FormatFloat(st.MemUsageMB, 'f', 2, 64)
	v["mem_max"] = strconv.FormatFloat(st.MemMaxMB, 'f', 2, 64)
	if !st.FirstSeen.IsZero() {
		v["first_seen"] = timestamp(st.FirstSeen)
	}
	d.dispatch(v)
}

// common builds the fields every event carries. The sequence number is
// incremented before use, so the first event of an instance carries 1.
func (d *Dispatcher) common(t Type) map[string]string {
	d.seq++
	return map[string]string{
		"bng_id":          d.cfg.BNGID,
		"bng_instance_id": d.instanceID,
		"seq":             strconv.FormatUint(d.seq, 10),
		"event_type":      string(t),
		"ts":              timestamp(time.Now()),
	}
}

func (d *Dispatcher) sessionCommon(t Type, s Session) map[string]string {
	v := d.common(t)
	v["session_last_update"] = timestamp(s.LastUpdate)
	v["nas_ip"] = d.cfg.NASIP
	v["session_id"] = s.ID
	v["access_key"] = s.AccessKey
	v["remote_id"] = s.RemoteID
	v["circuit_id"] = s.CircuitID
	v["auth_state"] = s.AuthState
	v["status"] = s.Status
	return v
}

func addSubscriber(v map[string]string, s Session) {
	v["mac_address"] = s.MAC
	v["ip_address"] = s.IP
	v["username"] = s.Username
}

func addCounters(v map[string]string, c Counters) {
	v["input_octets"] = strconv.FormatUint(c.InputOctets, 10)
	v["output_octets"] = strconv.FormatUint(c.OutputOctets, 10)
	v["input_packets"] = strconv.FormatUint(c.InputPackets, 10)
	v["output_packets"] = strconv.FormatUint(c.OutputPackets, 10)
}

func (d *Dispatcher) dispatch(v map[string]string) {
	metrics.StreamEvents.WithLabelValues(v["event_type"]).Inc()
	d.pending <- v
	metrics.StreamBufferDepth.Set(float64(len(d.pending)))
}
