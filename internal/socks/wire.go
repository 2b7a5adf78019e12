// Package socks implements the bridge side of the SOCKS5-compatible
// tunnel protocol, including the heartbeat extension and the downstream
// HTTP CONNECT negotiation.
package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Protocol constants (RFC 1928 framing plus the heartbeat extension).
const (
	Version = 0x05

	MethodNoAuth = 0x00

	CmdConnect = 0x01

	// HeartbeatOpcode marks a 3-byte keep-alive probe frame sent on an
	// established connection between requests.
	HeartbeatOpcode = 0xFF

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	RepSuccess          = 0x00
	RepGeneralFailure   = 0x01
	RepConnRefused      = 0x05
	RepCmdNotSupported  = 0x07
	RepAtypNotSupported = 0x08
)

// ErrBadVersion is returned when a frame carries the wrong version byte.
// It is always fatal to the connection.
var ErrBadVersion = errors.New("socks: unsupported protocol version")

// ProtocolError is a recoverable request problem. The session answers it
// with Rep and keeps the connection open; the stream stays in sync.
type ProtocolError struct {
	Rep    byte
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("socks: %s (rep=0x%02x)", e.Reason, e.Rep)
}

// Request is one parsed client request frame.
type Request struct {
	Cmd  byte
	Host string
	Port uint16
}

// Target renders the destination as "host:port".
func (r Request) Target() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ReadGreeting consumes the client greeting and returns the offered
// method bytes. Exactly N method bytes are read for a count of N.
func ReadGreeting(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != Version {
		return nil, ErrBadVersion
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, fmt.Errorf("read methods: %w", err)
	}
	return methods, nil
}

// WriteMethodSelection answers the greeting. The bridge only speaks
// no-auth; whatever the client offered, no-auth is selected.
func WriteMethodSelection(w io.Writer) error {
	_, err := w.Write([]byte{Version, MethodNoAuth})
	return err
}

// ReadRequestBody parses the remainder of a request frame after its VER
// and CMD bytes have been consumed. A *ProtocolError return means the
// frame was fully consumed and the connection may keep serving (except
// for unknown address types, where the frame boundary is lost); any
// other error is fatal.
func ReadRequestBody(r io.Reader, cmd byte) (Request, error) {
	req := Request{Cmd: cmd}
	var hdr [2]byte // RSV, ATYP
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return req, fmt.Errorf("read request header: %w", err)
	}

	switch hdr[1] {
	case AtypIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(r, addr[:]); err != nil {
			return req, fmt.Errorf("read ipv4 address: %w", err)
		}
		req.Host = net.IP(addr[:]).String()
	case AtypDomain:
		var length [1]byte
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return req, fmt.Errorf("read domain length: %w", err)
		}
		if length[0] == 0 {
			// Resync on the trailing port bytes before reporting.
			if _, err := readPort(r); err != nil {
				return req, err
			}
			return req, &ProtocolError{Rep: RepGeneralFailure, Reason: "empty domain name"}
		}
		name := make([]byte, int(length[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return req, fmt.Errorf("read domain: %w", err)
		}
		req.Host = string(name)
	case AtypIPv6:
		var addr [16]byte
		if _, err := io.ReadFull(r, addr[:]); err != nil {
			return req, fmt.Errorf("read ipv6 address: %w", err)
		}
		req.Host = net.IP(addr[:]).String()
	default:
		// Frame length is unknowable for an unknown ATYP; the caller
		// answers 0x08 and closes.
		return req, &ProtocolError{Rep: RepAtypNotSupported, Reason: "unsupported address type"}
	}

	port, err := readPort(r)
	if err != nil {
		return req, err
	}
	req.Port = port
	return req, nil
}

func readPort(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read port: %w", err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// WriteReply sends a reply frame. The bound address is always the zero
// IPv4 address; clients do not use it.
func WriteReply(w io.Writer, rep byte) error {
	frame := []byte{Version, rep, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := w.Write(frame)
	return err
}

// WriteHeartbeatProbe sends the 3-byte keep-alive probe.
func WriteHeartbeatProbe(w io.Writer) error {
	_, err := w.Write([]byte{Version, HeartbeatOpcode, 0x00})
	return err
}

// WriteHeartbeatAck sends the 2-byte keep-alive acknowledgment.
func WriteHeartbeatAck(w io.Writer) error {
	_, err := w.Write([]byte{Version, MethodNoAuth})
	return err
}
