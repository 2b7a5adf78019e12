package socks

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingHooks struct {
	mu          sync.Mutex
	established []string
	closed      []string
	sent        int64
	received    int64
}

func (h *recordingHooks) ConnectionEstablished(peerIP string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.established = append(h.established, peerIP)
}

func (h *recordingHooks) ConnectionClosed(peerIP string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, peerIP)
}

func (h *recordingHooks) Traffic(peerIP string, sent, received int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent += sent
	h.received += received
}

func (h *recordingHooks) snapshot() (est, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.established), len(h.closed)
}

// pipeDialer hands out the server half of a pipe and exposes the other
// half as the fake downstream proxy.
type pipeDialer struct {
	mu    sync.Mutex
	conns []net.Conn
	err   error
}

func (d *pipeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	local, remote := net.Pipe()
	d.mu.Lock()
	d.conns = append(d.conns, remote)
	d.mu.Unlock()
	return local, nil
}

func (d *pipeDialer) downstream(t *testing.T) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.conns) > 0 {
			conn := d.conns[0]
			d.conns = d.conns[1:]
			d.mu.Unlock()
			return conn
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no downstream dial happened")
	return nil
}

func startSession(t *testing.T, dialer Dialer, hooks Hooks) (client net.Conn, done chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	sess := NewSession(server, "192.168.1.20", "127.0.0.1:8888", dialer, hooks, zerolog.Nop())
	done = make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
	}()
	t.Cleanup(func() { _ = client.Close() })
	return client, done
}

func greet(t *testing.T, client net.Conn) {
	t.Helper()
	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(client, sel[:]); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if sel != [2]byte{0x05, 0x00} {
		t.Fatalf("selection=% x", sel)
	}
}

func readReply(t *testing.T, client net.Conn) byte {
	t.Helper()
	var reply [10]byte
	if _, err := io.ReadFull(client, reply[:]); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != 0x05 || reply[3] != 0x01 {
		t.Fatalf("reply frame=% x", reply)
	}
	return reply[1]
}

func TestSession_ScenarioA_ConnectAndForward(t *testing.T) {
	t.Parallel()

	dialer := &pipeDialer{}
	hooks := &recordingHooks{}
	client, done := startSession(t, dialer, hooks)

	greet(t, client)

	// CONNECT 93.184.216.34:443 over IPv4 ATYP.
	req := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	downstream := dialer.downstream(t)
	defer downstream.Close()

	reader := bufio.NewReader(downstream)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT line: %v", err)
	}
	if line != "CONNECT 93.184.216.34:443 HTTP/1.1\r\n" {
		t.Fatalf("connect line=%q", line)
	}
	for {
		h, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		if h == "\r\n" {
			break
		}
		if !strings.HasPrefix(h, "Host: ") {
			t.Fatalf("unexpected header %q", h)
		}
	}

	if _, err := downstream.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		t.Fatalf("write 200: %v", err)
	}

	if rep := readReply(t, client); rep != RepSuccess {
		t.Fatalf("rep=0x%02x", rep)
	}

	// Bytes flow client -> downstream.
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(reader, buf); err != nil {
		t.Fatalf("downstream read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("downstream got %q", buf)
	}

	// And downstream -> client.
	if _, err := downstream.Write([]byte("pong!")); err != nil {
		t.Fatalf("downstream write: %v", err)
	}
	buf = make([]byte, 5)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "pong!" {
		t.Fatalf("client got %q", buf)
	}

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}

	est, closed := hooks.snapshot()
	if est != 1 || closed != 1 {
		t.Fatalf("established=%d closed=%d", est, closed)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if hooks.sent != 4 || hooks.received != 5 {
		t.Fatalf("traffic=%d/%d", hooks.sent, hooks.received)
	}
}

func TestSession_ScenarioB_TunnelRejected(t *testing.T) {
	t.Parallel()

	dialer := &pipeDialer{}
	hooks := &recordingHooks{}
	client, done := startSession(t, dialer, hooks)

	greet(t, client)

	req := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	downstream := dialer.downstream(t)
	reader := bufio.NewReader(downstream)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read CONNECT request: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}
	if _, err := downstream.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n")); err != nil {
		t.Fatalf("write 502: %v", err)
	}

	// No reply frame: the next client read observes the close.
	buf := make([]byte, 1)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected closed connection, read % x", buf)
	}

	// Downstream side is torn down too.
	_ = downstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := downstream.Read(buf); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("downstream err=%v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSession_DownstreamDialRefused(t *testing.T) {
	t.Parallel()

	dialer := &pipeDialer{err: errors.New("connection refused")}
	hooks := &recordingHooks{}
	client, done := startSession(t, dialer, hooks)

	greet(t, client)

	req := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 9, 0x00, 0x50}
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	if rep := readReply(t, client); rep != RepConnRefused {
		t.Fatalf("rep=0x%02x", rep)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after refusal")
	}
}

func TestSession_UnsupportedCommandKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	dialer := &pipeDialer{}
	hooks := &recordingHooks{}
	client, _ := startSession(t, dialer, hooks)

	greet(t, client)

	// BIND (0x02) to 10.0.0.9:80; the full frame must be consumed.
	bind := []byte{0x05, 0x02, 0x00, 0x01, 10, 0, 0, 9, 0x00, 0x50}
	if _, err := client.Write(bind); err != nil {
		t.Fatalf("write bind: %v", err)
	}
	if rep := readReply(t, client); rep != RepCmdNotSupported {
		t.Fatalf("rep=0x%02x", rep)
	}

	// The connection still parses a following request.
	connect := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	if _, err := client.Write(connect); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	downstream := dialer.downstream(t)
	_ = downstream.Close()
}

func TestSession_EmptyDomainRejectedAndRecovered(t *testing.T) {
	t.Parallel()

	dialer := &pipeDialer{}
	hooks := &recordingHooks{}
	client, _ := startSession(t, dialer, hooks)

	greet(t, client)

	bad := []byte{0x05, 0x01, 0x00, 0x03, 0x00, 0x01, 0xBB}
	if _, err := client.Write(bad); err != nil {
		t.Fatalf("write bad request: %v", err)
	}
	if rep := readReply(t, client); rep != RepGeneralFailure {
		t.Fatalf("rep=0x%02x", rep)
	}

	// Still in sync: a valid request now reaches the dialer.
	good := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 5, 0x00, 0x50}
	if _, err := client.Write(good); err != nil {
		t.Fatalf("write good request: %v", err)
	}
	downstream := dialer.downstream(t)
	_ = downstream.Close()
}

func TestSession_ClientInitiatedHeartbeat(t *testing.T) {
	t.Parallel()

	client, _ := startSession(t, &pipeDialer{}, &recordingHooks{})
	greet(t, client)

	if _, err := client.Write([]byte{0x05, 0xFF, 0x00}); err != nil {
		t.Fatalf("write probe: %v", err)
	}
	var ack [2]byte
	if _, err := io.ReadFull(client, ack[:]); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack != [2]byte{0x05, 0x00} {
		t.Fatalf("ack=% x", ack)
	}
}

func TestSession_RelayInitiatedProbe(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	sess := NewSession(server, "192.168.1.20", "127.0.0.1:8888", &pipeDialer{}, nil, zerolog.Nop())
	go sess.Run(context.Background())

	greet(t, client)

	// Client side answers the probe frame with an ack.
	go func() {
		var probe [3]byte
		if _, err := io.ReadFull(client, probe[:]); err != nil {
			return
		}
		if probe == [3]byte{0x05, 0xFF, 0x00} {
			_, _ = client.Write([]byte{0x05, 0x00})
		}
	}()

	// Session must have reached the request state first.
	waitForState(t, sess, StateRequest)

	rtt, err := sess.Probe(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt=%v", rtt)
	}
}

func TestSession_ProbeTimesOutWithoutAck(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	sess := NewSession(server, "192.168.1.20", "127.0.0.1:8888", &pipeDialer{}, nil, zerolog.Nop())
	go sess.Run(context.Background())

	greet(t, client)
	waitForState(t, sess, StateRequest)

	// Swallow the probe frame, never ack.
	go func() {
		var probe [3]byte
		_, _ = io.ReadFull(client, probe[:])
	}()

	if _, err := sess.Probe(context.Background(), 100*time.Millisecond); err == nil {
		t.Fatal("expected timeout")
	}
}

func TestSession_LateAckAfterTimeoutKeepsConnection(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	sess := NewSession(server, "192.168.1.20", "127.0.0.1:8888", &pipeDialer{}, nil, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
	}()

	greet(t, client)
	waitForState(t, sess, StateRequest)

	// The client answers the probe frame, but only after the ack
	// deadline has passed on the relay side.
	acked := make(chan struct{})
	go func() {
		defer close(acked)
		var probe [3]byte
		if _, err := io.ReadFull(client, probe[:]); err != nil {
			return
		}
		time.Sleep(200 * time.Millisecond)
		_, _ = client.Write([]byte{0x05, 0x00})
	}()

	if _, err := sess.Probe(context.Background(), 50*time.Millisecond); err == nil {
		t.Fatal("expected ack timeout")
	}
	<-acked

	// The stale ack must not tear the session down: a client-initiated
	// heartbeat sent after it is still answered, which also proves the
	// session goroutine consumed the stale frame and kept going.
	if _, err := client.Write([]byte{0x05, 0xFF, 0x00}); err != nil {
		t.Fatalf("write probe: %v", err)
	}
	var ack [2]byte
	if _, err := io.ReadFull(client, ack[:]); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack != [2]byte{0x05, 0x00} {
		t.Fatalf("ack=% x", ack)
	}

	select {
	case <-done:
		t.Fatal("session closed on late ack")
	default:
	}
}

func TestSession_ProbeRefusedBeforeHandshake(t *testing.T) {
	t.Parallel()

	_, server := net.Pipe()
	sess := NewSession(server, "192.168.1.20", "127.0.0.1:8888", &pipeDialer{}, nil, zerolog.Nop())

	if _, err := sess.Probe(context.Background(), time.Second); !errors.Is(err, ErrNotProbeable) {
		t.Fatalf("err=%v", err)
	}
}

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state=%v never reached %v", sess.State(), want)
}

func TestForward_CountsBytes(t *testing.T) {
	t.Parallel()

	clientA, clientB := net.Pipe()
	downA, downB := net.Pipe()

	done := make(chan struct{})
	var sent, received int64
	go func() {
		defer close(done)
		sent, received = forward(clientB, clientB, downA, downA)
	}()

	if _, err := clientA.Write(bytes.Repeat([]byte{0xAB}, 10)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 10)
	if _, err := io.ReadFull(downB, buf); err != nil {
		t.Fatalf("downstream read: %v", err)
	}
	if _, err := downB.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("downstream write: %v", err)
	}
	if _, err := io.ReadFull(clientA, buf[:3]); err != nil {
		t.Fatalf("client read: %v", err)
	}

	_ = clientA.Close()
	_ = downB.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not finish")
	}
	if sent != 10 || received != 3 {
		t.Fatalf("sent=%d received=%d", sent, received)
	}
}
