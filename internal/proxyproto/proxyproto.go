// Package proxyproto decodes PROXY protocol v1 (text) and v2 (binary)
// headers per the HAProxy specification. A tunnel in front of a proxy
// (frp, a load balancer) prepends the header so the true client address
// survives the hop; the decoded source then replaces the transport-layer
// peer for all downstream accounting.
package proxyproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// ErrProxyProtocol is the base error for a missing or malformed header on
// a listener that requires one.
var ErrProxyProtocol = errors.New("proxy protocol error")

// v1MaxHeaderLen is the longest legal v1 line including CRLF (107 bytes
// per the HAProxy spec).
const v1MaxHeaderLen = 107

// v2Signature is the fixed 12-byte prefix of every v2 header.
var v2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// v2 version/command and family/protocol constants.
const (
	v2CmdLocal = 0x20
	v2CmdProxy = 0x21

	v2FamTCP4 = 0x11
	v2FamTCP6 = 0x21
)

// Header is a decoded PROXY protocol header. Src is nil for v1 UNKNOWN
// and v2 LOCAL headers, where the sender declares the real source unknown
// and the transport-layer peer address stays authoritative.
type Header struct {
	Version string // "v1" or "v2"
	Src     *net.TCPAddr
	Dst     *net.TCPAddr
}

// ReadV1 reads and parses a v1 ASCII header line from r.
func ReadV1(r *bufio.Reader) (*Header, error) {
	line, err := readV1Line(r)
	if err != nil {
		return nil, err
	}

	fields := strings.Split(strings.TrimSuffix(line, "\r\n"), " ")
	if len(fields) < 2 || fields[0] != "PROXY" {
		return nil, fmt.Errorf("%w: v1 header does not start with PROXY", ErrProxyProtocol)
	}

	switch fields[1] {
	case "UNKNOWN":
		return &Header{Version: "v1"}, nil
	case "TCP4", "TCP6":
	default:
		return nil, fmt.Errorf("%w: unsupported v1 protocol %q", ErrProxyProtocol, fields[1])
	}

	if len(fields) != 6 {
		return nil, fmt.Errorf("%w: v1 header has %d fields, want 6", ErrProxyProtocol, len(fields))
	}

	srcIP := net.ParseIP(fields[2])
	dstIP := net.ParseIP(fields[3])
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("%w: invalid v1 address", ErrProxyProtocol)
	}
	if fields[1] == "TCP4" && (srcIP.To4() == nil || dstIP.To4() == nil) {
		return nil, fmt.Errorf("%w: TCP4 header with non-IPv4 address", ErrProxyProtocol)
	}

	srcPort, err := parsePort(fields[4])
	if err != nil {
		return nil, err
	}
	dstPort, err := parsePort(fields[5])
	if err != nil {
		return nil, err
	}

	return &Header{
		Version: "v1",
		Src:     &net.TCPAddr{IP: srcIP, Port: srcPort},
		Dst:     &net.TCPAddr{IP: dstIP, Port: dstPort},
	}, nil
}

// readV1Line consumes bytes up to and including CRLF, enforcing the
// 107-byte cap so a stream that never sends CRLF cannot grow the buffer.
func readV1Line(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: truncated v1 header: %v", ErrProxyProtocol, err)
		}
		line = append(line, b)
		if len(line) >= 2 && line[len(line)-2] == '\r' && line[len(line)-1] == '\n' {
			return string(line), nil
		}
		if len(line) > v1MaxHeaderLen {
			return "", fmt.Errorf("%w: v1 header exceeds %d bytes", ErrProxyProtocol, v1MaxHeaderLen)
		}
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid v1 port %q", ErrProxyProtocol, s)
	}
	return port, nil
}

// ReadV2 reads and parses a v2 binary header from r.
func ReadV2(r *bufio.Reader) (*Header, error) {
	fixed := make([]byte, 16)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("%w: truncated v2 header: %v", ErrProxyProtocol, err)
	}
	if !bytes.Equal(fixed[:12], v2Signature) {
		return nil, fmt.Errorf("%w: bad v2 signature", ErrProxyProtocol)
	}

	verCmd := fixed[12]
	famProto := fixed[13]
	addrLen := int(binary.BigEndian.Uint16(fixed[14:16]))

	payload := make([]byte, addrLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated v2 address block: %v", ErrProxyProtocol, err)
	}

	switch verCmd {
	case v2CmdLocal:
		// LOCAL: health checks and such; keep the transport peer address.
		return &Header{Version: "v2"}, nil
	case v2CmdProxy:
	default:
		return nil, fmt.Errorf("%w: unsupported v2 version/command 0x%02x", ErrProxyProtocol, verCmd)
	}

	switch famProto {
	case v2FamTCP4:
		if addrLen < 12 {
			return nil, fmt.Errorf("%w: v2 TCP4 address block too short (%d bytes)", ErrProxyProtocol, addrLen)
		}
		return &Header{
			Version: "v2",
			Src:     &net.TCPAddr{IP: net.IP(payload[0:4]), Port: int(binary.BigEndian.Uint16(payload[8:10]))},
			Dst:     &net.TCPAddr{IP: net.IP(payload[4:8]), Port: int(binary.BigEndian.Uint16(payload[10:12]))},
		}, nil
	case v2FamTCP6:
		if addrLen < 36 {
			return nil, fmt.Errorf("%w: v2 TCP6 address block too short (%d bytes)", ErrProxyProtocol, addrLen)
		}
		return &Header{
			Version: "v2",
			Src:     &net.TCPAddr{IP: net.IP(payload[0:16]), Port: int(binary.BigEndian.Uint16(payload[32:34]))},
			Dst:     &net.TCPAddr{IP: net.IP(payload[16:32]), Port: int(binary.BigEndian.Uint16(payload[34:36]))},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported v2 family/protocol 0x%02x", ErrProxyProtocol, famProto)
	}
}

// Read decodes a header of the given version ("v1" or "v2") from r.
// Trailing application bytes already buffered in r are preserved.
func Read(r *bufio.Reader, version string) (*Header, error) {
	switch version {
	case "v1":
		return ReadV1(r)
	case "v2":
		return ReadV2(r)
	default:
		return nil, fmt.Errorf("%w: unknown version %q", ErrProxyProtocol, version)
	}
}
