package socks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// errTunnelRejected marks a downstream that answered the CONNECT with a
// non-200 status. Both sides are closed without a client reply.
var errTunnelRejected = errors.New("socks: downstream rejected tunnel")

// Dialer opens downstream sockets. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// connectTimeout bounds the downstream dial plus tunnel negotiation.
const connectTimeout = 10 * time.Second

// openTunnel dials the relay target and negotiates an HTTP CONNECT
// tunnel to target. On success it returns the downstream conn and a
// reader that must be used for all downstream reads (it may hold bytes
// buffered past the response terminator).
func openTunnel(ctx context.Context, dialer Dialer, relayTarget, target string) (net.Conn, *bufio.Reader, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", relayTarget)
	if err != nil {
		return nil, nil, fmt.Errorf("dial relay target: %w", err)
	}

	deadline := time.Now().Add(connectTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	request := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(request)); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("write CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("read CONNECT status: %w", err)
	}
	if !strings.Contains(status, "200") {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: %s", errTunnelRejected, strings.TrimSpace(status))
	}

	// Drain the remaining response headers up to the blank line.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("read CONNECT headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, reader, nil
}
