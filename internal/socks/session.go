package socks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the per-connection machine position.
type State int

const (
	StateGreeting State = iota
	StateRequest
	StateForwarding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateRequest:
		return "request"
	case StateForwarding:
		return "forwarding"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrNotProbeable is returned by Probe when the connection has left the
// request state and heartbeat frames can no longer be interleaved.
var ErrNotProbeable = errors.New("socks: connection not in probeable state")

// Hooks receives lifecycle callbacks from a session. All methods are
// invoked from the session goroutine.
type Hooks interface {
	// ConnectionEstablished fires once, after the greeting exchange.
	ConnectionEstablished(peerIP string)
	// ConnectionClosed fires exactly once, when the session terminates.
	ConnectionClosed(peerIP string)
	// Traffic reports forwarded byte counts after a tunnel finishes.
	Traffic(peerIP string, sent, received int64)
}

// Session drives one accepted client connection through the tunnel
// protocol. It is owned by a single goroutine; only Probe may be called
// from outside, and only until the session starts forwarding.
type Session struct {
	conn        net.Conn
	peerIP      string
	relayTarget string
	dialer      Dialer
	hooks       Hooks
	log         zerolog.Logger

	reader *bufio.Reader

	// writeMu serializes client-bound writes between the session
	// goroutine and heartbeat probes.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	ackCh    chan time.Time
	sent     int64
	received int64
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, peerIP, relayTarget string, dialer Dialer, hooks Hooks, log zerolog.Logger) *Session {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Session{
		conn:        conn,
		peerIP:      peerIP,
		relayTarget: relayTarget,
		dialer:      dialer,
		hooks:       hooks,
		log:         log.With().Str("component", "socks").Str("peer", peerIP).Logger(),
		reader:      bufio.NewReader(conn),
	}
}

// State returns the current machine position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes the state machine until the connection closes. The
// context cancels the session from outside (relay shutdown).
func (s *Session) Run(ctx context.Context) {
	defer s.close()

	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	if err := s.handleGreeting(); err != nil {
		s.log.Debug().Err(err).Msg("greeting failed")
		return
	}

	s.setState(StateRequest)
	if s.hooks != nil {
		s.hooks.ConnectionEstablished(s.peerIP)
	}

	for {
		done, err := s.handleRequest(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("session ended")
			return
		}
		if done {
			return
		}
	}
}

func (s *Session) handleGreeting() error {
	methods, err := ReadGreeting(s.reader)
	if err != nil {
		return err
	}
	s.log.Debug().Int("methods", len(methods)).Msg("client greeting")

	s.writeMu.Lock()
	err = WriteMethodSelection(s.conn)
	s.writeMu.Unlock()
	return err
}

// handleRequest processes one inbound frame in the request state. It
// returns done=true when the session finished (forwarded a tunnel to
// completion or hit a fatal condition).
func (s *Session) handleRequest(ctx context.Context) (bool, error) {
	var lead [2]byte
	if _, err := io.ReadFull(s.reader, lead[:]); err != nil {
		return false, fmt.Errorf("read frame: %w", err)
	}
	if lead[0] != Version {
		return false, ErrBadVersion
	}

	switch lead[1] {
	case HeartbeatOpcode:
		// Client-initiated probe: consume the reserved byte, answer.
		if _, err := s.reader.ReadByte(); err != nil {
			return false, fmt.Errorf("read probe frame: %w", err)
		}
		s.writeMu.Lock()
		err := WriteHeartbeatAck(s.conn)
		s.writeMu.Unlock()
		return false, err

	case MethodNoAuth:
		// A bare [05 00] in the request state is the ack to a probe we
		// sent. Without one outstanding it is the ack to a probe that
		// already timed out; drop it so the miss policy decides the
		// connection's fate, not a single late answer.
		s.mu.Lock()
		ack := s.ackCh
		s.ackCh = nil
		s.mu.Unlock()
		if ack == nil {
			s.log.Debug().Msg("stale heartbeat ack dropped")
			return false, nil
		}
		ack <- time.Now()
		return false, nil
	}

	// Anything else is a request frame; lead[1] is CMD and the header
	// continues with RSV.
	req, err := ReadRequestBody(s.reader, lead[1])
	var perr *ProtocolError
	if errors.As(err, &perr) {
		if werr := s.writeReply(perr.Rep); werr != nil {
			return false, werr
		}
		if perr.Rep == RepAtypNotSupported {
			// Frame boundary lost; nothing more can be parsed.
			return true, nil
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if req.Cmd != CmdConnect {
		s.log.Debug().Uint8("cmd", req.Cmd).Msg("unsupported command")
		return false, s.writeReply(RepCmdNotSupported)
	}

	return true, s.tunnel(ctx, req)
}

// tunnel opens the downstream CONNECT and forwards until either side
// closes.
func (s *Session) tunnel(ctx context.Context, req Request) error {
	target := req.Target()
	s.log.Info().Str("target", target).Msg("connect request")

	downstream, downReader, err := openTunnel(ctx, s.dialer, s.relayTarget, target)
	if err != nil {
		s.log.Warn().Err(err).Str("target", target).Msg("downstream tunnel failed")
		if errors.Is(err, errTunnelRejected) {
			// The proxy itself refused the tunnel; close both sides
			// without a reply so the client sees a clean teardown.
			return err
		}
		if werr := s.writeReply(RepConnRefused); werr != nil {
			return werr
		}
		return err
	}
	defer downstream.Close()

	// Success goes to the client before any forwarded byte.
	if err := s.writeReply(RepSuccess); err != nil {
		return err
	}
	s.setState(StateForwarding)
	s.failPendingProbe()

	sent, received := forward(s.conn, s.reader, downstream, downReader)
	s.mu.Lock()
	s.sent += sent
	s.received += received
	s.mu.Unlock()

	s.log.Info().Str("target", target).Int64("sent", sent).Int64("received", received).Msg("tunnel closed")
	return nil
}

// forward copies bytes both ways until one side closes, then closes the
// other. Returns client->downstream and downstream->client byte counts.
func forward(client net.Conn, clientR io.Reader, downstream net.Conn, downstreamR io.Reader) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(downstream, clientR)
		sent = n
		_ = downstream.Close()
		_ = client.Close()
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, downstreamR)
		received = n
		_ = client.Close()
		_ = downstream.Close()
	}()

	wg.Wait()
	return sent, received
}

// Probe sends a heartbeat probe and waits for the client's ack. Valid
// only while the session sits in the request state.
func (s *Session) Probe(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	s.mu.Lock()
	if s.state != StateRequest {
		s.mu.Unlock()
		return 0, ErrNotProbeable
	}
	if s.ackCh != nil {
		s.mu.Unlock()
		return 0, errors.New("socks: probe already in flight")
	}
	ack := make(chan time.Time, 1)
	s.ackCh = ack
	s.mu.Unlock()

	start := time.Now()
	s.writeMu.Lock()
	err := WriteHeartbeatProbe(s.conn)
	s.writeMu.Unlock()
	if err != nil {
		s.clearProbe(ack)
		return 0, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case at := <-ack:
		return at.Sub(start), nil
	case <-timer.C:
		s.clearProbe(ack)
		return 0, fmt.Errorf("socks: heartbeat ack timeout after %s", timeout)
	case <-ctx.Done():
		s.clearProbe(ack)
		return 0, ctx.Err()
	}
}

// clearProbe detaches a probe channel, tolerating an ack that raced in.
func (s *Session) clearProbe(ack chan time.Time) {
	s.mu.Lock()
	if s.ackCh == ack {
		s.ackCh = nil
	}
	s.mu.Unlock()
	select {
	case <-ack:
	default:
	}
}

// failPendingProbe abandons an outstanding probe when the session can no
// longer deliver its ack. The waiter times out on its own clock.
func (s *Session) failPendingProbe() {
	s.mu.Lock()
	s.ackCh = nil
	s.mu.Unlock()
}

func (s *Session) writeReply(rep byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteReply(s.conn, rep)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Sent and Received report the forwarded byte totals so far.
func (s *Session) Counters() (sent, received int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.received
}

func (s *Session) close() {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	s.ackCh = nil
	sent, received := s.sent, s.received
	s.mu.Unlock()
	if alreadyClosed {
		return
	}

	_ = s.conn.Close()
	if s.hooks != nil {
		if sent > 0 || received > 0 {
			s.hooks.Traffic(s.peerIP, sent, received)
		}
		s.hooks.ConnectionClosed(s.peerIP)
	}
}
