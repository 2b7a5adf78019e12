// Package relay runs the bridge: it accepts LAN client sockets, drives
// the tunnel protocol per connection, and feeds the lifecycle tracker,
// heartbeat monitors and discovery broadcaster.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lanbridge/internal/addrpolicy"
	"lanbridge/internal/config"
	"lanbridge/internal/discovery"
	"lanbridge/internal/heartbeat"
	"lanbridge/internal/metrics"
	"lanbridge/internal/model"
	"lanbridge/internal/pubsub"
	"lanbridge/internal/socks"
	"lanbridge/internal/store"
	"lanbridge/internal/tracker"
)

// ProtocolVersion is advertised in discovery TXT records.
const ProtocolVersion = "1"

// StartupError is a relay startup failure with a suggested recovery
// action, rendered to the user by the CLI.
type StartupError struct {
	Op         string
	Suggestion string
	Err        error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Suggestion)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Announcer publishes relay presence on the LAN. *discovery.Broadcaster
// satisfies it; nil disables discovery.
type Announcer interface {
	Start(ann model.Announcement) error
	UpdateStatus(ann model.Announcement) error
	Stop() error
}

// Identity is the relay's pinned identity, shared with discovery and
// pairing records.
type Identity struct {
	RelayID     string
	DeviceName  string
	Fingerprint string
}

// Option tweaks relay construction.
type Option func(*Relay)

// WithDialer overrides the downstream dialer.
func WithDialer(d socks.Dialer) Option {
	return func(r *Relay) { r.dialer = d }
}

// WithHeartbeatConfig overrides heartbeat timing.
func WithHeartbeatConfig(cfg heartbeat.Config) Option {
	return func(r *Relay) { r.hbCfg = cfg }
}

// WithGracePeriod overrides the device removal grace window.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Relay) { r.grace = d }
}

// Relay owns the accept loop and all per-connection state.
type Relay struct {
	cfg     config.BridgeConfig
	id      Identity
	st      *store.Store
	ann     Announcer
	tracker *tracker.Tracker
	dialer  socks.Dialer
	hbCfg   heartbeat.Config
	grace   time.Duration
	log     zerolog.Logger

	statusHub *pubsub.Hub[model.BridgeStatus]

	// baseCtx anchors session lifetimes to Run, not to whichever caller
	// toggled Enable.
	baseCtx context.Context

	// metricsMu serializes heartbeat CSV appends across monitors.
	metricsMu sync.Mutex

	mu        sync.Mutex
	status    model.BridgeStatus
	ln        net.Listener
	boundPort int
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// New constructs a relay. st may be nil (no persistence); ann may be nil
// (no discovery).
func New(cfg config.BridgeConfig, id Identity, st *store.Store, ann Announcer, log zerolog.Logger, opts ...Option) *Relay {
	r := &Relay{
		cfg:       cfg,
		id:        id,
		st:        st,
		ann:       ann,
		dialer:    &net.Dialer{},
		grace:     tracker.DefaultGracePeriod,
		log:       log.With().Str("component", "relay").Logger(),
		statusHub: pubsub.NewHub[model.BridgeStatus](),
		baseCtx:   context.Background(),
		status:    model.BridgeInactive,
		conns:     make(map[net.Conn]struct{}),
	}
	if cfg.HeartbeatActiveSec > 0 {
		r.hbCfg = heartbeat.Config{
			ActiveInterval: time.Duration(cfg.HeartbeatActiveSec) * time.Second,
			IdleInterval:   time.Duration(cfg.HeartbeatIdleSec) * time.Second,
			RetryWait:      time.Duration(cfg.HeartbeatRetrySec) * time.Second,
			AckTimeout:     time.Duration(cfg.HeartbeatTimeoutSec) * time.Second,
		}
	}
	if cfg.GraceSec > 0 {
		r.grace = time.Duration(cfg.GraceSec) * time.Second
	}
	for _, opt := range opts {
		opt(r)
	}

	var persist tracker.Persistence
	if st != nil {
		persist = st
	}
	r.tracker = tracker.New(id.RelayID, id.Fingerprint, persist, log, tracker.WithGracePeriod(r.grace))
	return r
}

// Run starts the relay and serves until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	if err := r.Enable(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.shutdown()
	return nil
}

// Status reports the current relay state.
func (r *Relay) Status() model.BridgeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Devices lists the currently tracked device set.
func (r *Relay) Devices() []model.Device {
	return r.tracker.Devices()
}

// SubscribeDevices returns the device-set event stream.
func (r *Relay) SubscribeDevices() (<-chan tracker.Event, func()) {
	return r.tracker.Subscribe()
}

// SubscribeStatus returns the relay status stream.
func (r *Relay) SubscribeStatus() (<-chan model.BridgeStatus, func()) {
	return r.statusHub.Subscribe()
}

// Addr returns the bound listener address, or nil while disabled.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Enable opens the listener and starts accepting. A no-op while active.
// Session lifetimes bind to the Run context, not to ctx.
func (r *Relay) Enable(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == model.BridgeActive {
		return nil
	}

	port := r.cfg.ListenPort
	if port == 0 && r.boundPort != 0 {
		port = r.boundPort
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return &StartupError{
			Op:         "listen",
			Suggestion: "choose a different listen_port or stop the process using it",
			Err:        err,
		}
	}
	r.ln = ln
	r.boundPort = ln.Addr().(*net.TCPAddr).Port
	r.status = model.BridgeActive

	r.wg.Add(1)
	go r.acceptLoop(r.baseCtx, ln)

	r.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	r.announceLocked()
	r.statusHub.Publish(model.BridgeActive)
	return nil
}

// Disable stops accepting and drops active client connections. The
// control API and discovery record stay up, announcing inactive.
func (r *Relay) Disable(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == model.BridgeInactive {
		return nil
	}
	r.stopListeningLocked()
	r.announceLocked()
	r.statusHub.Publish(model.BridgeInactive)
	r.log.Info().Msg("relay disabled")
	return nil
}

func (r *Relay) stopListeningLocked() {
	if r.ln != nil {
		_ = r.ln.Close()
		r.ln = nil
	}
	r.status = model.BridgeInactive
	for conn := range r.conns {
		_ = conn.Close()
	}
}

func (r *Relay) announceLocked() {
	if r.ann == nil {
		return
	}
	ann := model.Announcement{
		DeviceName:      r.id.DeviceName,
		DeviceID:        r.id.RelayID,
		Port:            r.boundPort,
		Status:          r.status,
		ProtocolVersion: ProtocolVersion,
		CertFingerprint: r.id.Fingerprint,
	}
	// Discovery failure degrades to manual client configuration; the
	// relay itself keeps serving.
	if err := r.ann.UpdateStatus(ann); err != nil {
		r.log.Warn().Err(err).Msg("mdns announce failed")
	}
}

func (r *Relay) shutdown() {
	r.mu.Lock()
	r.stopListeningLocked()
	r.mu.Unlock()

	r.wg.Wait()
	if r.ann != nil {
		if err := r.ann.Stop(); err != nil && !errors.Is(err, discovery.ErrNotBroadcasting) {
			r.log.Debug().Err(err).Msg("discovery stop")
		}
	}
	r.tracker.Close()
	r.statusHub.Close()
	r.log.Info().Msg("relay stopped")
}

func (r *Relay) acceptLoop(ctx context.Context, ln net.Listener) {
	defer r.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warn().Err(err).Msg("accept failed")
			return
		}

		remote := conn.RemoteAddr().String()
		if !addrpolicy.AllowedHostPort(remote) {
			// Policy rejection is a silent close, no wire response.
			r.log.Debug().Str("remote", remote).Msg("rejected non-local peer")
			_ = conn.Close()
			continue
		}

		r.mu.Lock()
		if r.status != model.BridgeActive {
			r.mu.Unlock()
			_ = conn.Close()
			continue
		}
		r.conns[conn] = struct{}{}
		r.wg.Add(1)
		r.mu.Unlock()

		go r.handleConn(ctx, conn, addrpolicy.PeerIP(remote))
	}
}

func (r *Relay) handleConn(ctx context.Context, conn net.Conn, peerIP string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hooks := &connHooks{relay: r, conn: conn, ctx: connCtx, cancel: cancel}
	session := socks.NewSession(conn, peerIP, r.relayTarget(), r.dialer, hooks, r.log)
	hooks.session = session
	session.Run(connCtx)
}

func (r *Relay) relayTarget() string {
	return net.JoinHostPort(r.cfg.RelayTargetHost, strconv.Itoa(r.cfg.RelayTargetPort))
}

// connHooks bridges one session's lifecycle into the tracker and spawns
// its heartbeat monitor.
type connHooks struct {
	relay   *Relay
	conn    net.Conn
	session *socks.Session
	ctx     context.Context
	cancel  context.CancelFunc

	connID string
}

func (h *connHooks) ConnectionEstablished(peerIP string) {
	r := h.relay
	h.connID = r.tracker.OnConnectionEstablished(peerIP)

	deviceID := ""
	if d, ok := r.tracker.DeviceForIP(peerIP); ok {
		deviceID = d.ID
	}

	mon := heartbeat.New(h.connID, deviceID, &sessionProber{session: h.session}, &monitorSink{
		relay:  r,
		conn:   h.conn,
		connID: h.connID,
	}, r.hbCfg, r.log)

	r.mu.Lock()
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		err := mon.Run(h.ctx)
		if errors.Is(err, heartbeat.ErrConnectionDead) {
			r.log.Warn().Str("connection_id", h.connID).Str("peer", peerIP).Msg("connection timed out")
		}
	}()
}

func (h *connHooks) ConnectionClosed(peerIP string) {
	h.cancel()
	h.relay.tracker.OnConnectionClosed(peerIP)
}

func (h *connHooks) Traffic(peerIP string, sent, received int64) {
	h.relay.tracker.OnTrafficUpdate(peerIP, h.connID, sent, received)
}

// sessionProber adapts a session for the heartbeat monitor. A session
// that reached forwarding proves liveness through its traffic, so the
// probe reports success without touching the wire.
type sessionProber struct {
	session *socks.Session
}

func (p *sessionProber) Probe(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if p.session.State() == socks.StateForwarding {
		return 0, nil
	}
	return p.session.Probe(ctx, timeout)
}

// monitorSink lands heartbeat outcomes in the store and the metrics CSV
// and enforces timeout-driven teardown.
type monitorSink struct {
	relay  *Relay
	conn   net.Conn
	connID string
}

func (s *monitorSink) HeartbeatResult(connectionID string, sample model.ProbeSample, quality model.Quality) {
	r := s.relay

	if r.st != nil {
		var ackAt time.Time
		if sample.Success {
			ackAt = sample.Timestamp.Add(time.Duration(sample.RTTMs * float64(time.Millisecond)))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.st.UpdateHeartbeat(ctx, connectionID, sample.Timestamp, ackAt, sample.Failures, quality)
		cancel()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			r.log.Warn().Err(err).Str("connection_id", connectionID).Msg("heartbeat persist failed")
		}
	}

	// Synthetic results from a forwarding session carry no measurement.
	if sample.Success && sample.RTTMs == 0 {
		return
	}
	if r.cfg.MetricsPath == "" {
		return
	}
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	if err := metrics.AppendCSV(r.cfg.MetricsPath, []model.ProbeSample{sample}); err != nil {
		r.log.Warn().Err(err).Msg("metrics append failed")
	}
}

func (s *monitorSink) ConnectionTimedOut(connectionID string) {
	s.relay.tracker.TerminateConnection(connectionID)
	_ = s.conn.Close()
}
