package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/rs/zerolog/log"

	"egress-proxy/internal/dnsengine"
)

// SOCKS5 protocol constants (RFC 1928 / RFC 1929).
const (
	socks5Version = uint8(5)

	noAuth       = uint8(0x00)
	userPassAuth = uint8(0x02)
	noAcceptable = uint8(0xFF)

	userPassVersion = uint8(1)
	authSuccess     = uint8(0)
	authFailure     = uint8(1)

	connectCommand = uint8(1)

	ipv4Address = uint8(1)
	fqdnAddress = uint8(3)
	ipv6Address = uint8(4)

	replySuccess             = uint8(0)
	replyServerFailure       = uint8(1)
	replyRuleFailure         = uint8(2)
	replyNetworkUnreachable  = uint8(3)
	replyHostUnreachable     = uint8(4)
	replyConnectionRefused   = uint8(5)
	replyTTLExpired          = uint8(6)
	replyCommandNotSupported = uint8(7)
	replyAddrNotSupported    = uint8(8)
)

// socksAddr is the destination parsed from a SOCKS5 request.
type socksAddr struct {
	FQDN string
	IP   net.IP
	Port int
}

func (a *socksAddr) host() string {
	if a.FQDN != "" {
		return a.FQDN
	}
	return a.IP.String()
}

func (a *socksAddr) String() string {
	if a.FQDN != "" {
		return fmt.Sprintf("%s:%d", a.FQDN, a.Port)
	}
	if a.IP.To4() != nil {
		return fmt.Sprintf("%s:%d", a.IP, a.Port)
	}
	return fmt.Sprintf("[%s]:%d", a.IP, a.Port)
}

// handleSOCKS5 negotiates a SOCKS5 session: greeting, optional RFC 1929
// sub-negotiation, CONNECT request, then the relay.
func (s *Server) handleSOCKS5(ctx context.Context, conn net.Conn, br *bufio.Reader, clientIP net.IP) {
	version, err := br.ReadByte()
	if err != nil {
		return
	}
	if version != socks5Version {
		log.Warn().Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Uint8("version", version).Msg("SOCKS5: unsupported version in greeting")
		s.recordMalformed(clientIP)
		return
	}

	nMethods, err := br.ReadByte()
	if err != nil {
		return
	}
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(br, methods); err != nil {
		return
	}

	username, ok := s.negotiateAuth(conn, br, methods, clientIP)
	if !ok {
		return
	}

	dest, err := readSOCKSRequest(conn, br)
	if err != nil {
		log.Warn().Err(err).Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Msg("SOCKS5: malformed request")
		s.recordMalformed(clientIP)
		return
	}

	targetIP := dest.IP
	if dest.FQDN != "" {
		targetIP, err = s.resolveTarget(ctx, dest.FQDN, clientIP)
		if err != nil {
			code := replyHostUnreachable
			if errors.Is(err, dnsengine.ErrBlocked) {
				code = replyRuleFailure
			}
			_ = sendSOCKSReply(conn, code, nil)
			return
		}
	}

	target := (&socksAddr{IP: targetIP, Port: dest.Port}).String()
	upstream, err := s.dialer.DialContext(ctx, target)
	if err != nil {
		log.Warn().Err(err).Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Str("target", dest.String()).Msg("SOCKS5: upstream dial failed")
		_ = sendSOCKSReply(conn, dialReplyCode(err), nil)
		return
	}
	defer upstream.Close()

	if err := sendSOCKSReply(conn, replySuccess, upstream.LocalAddr()); err != nil {
		return
	}

	log.Info().Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Str("target", dest.String()).Msg("SOCKS5 tunnel established")
	s.runSession(ctx, &bufferedConn{r: br, Conn: conn}, upstream, clientIP, dest.String(), username)
}

// negotiateAuth selects the method matching the proxy's auth config and
// runs the RFC 1929 sub-negotiation when credentials are required.
func (s *Server) negotiateAuth(conn net.Conn, br *bufio.Reader, methods []byte, clientIP net.IP) (string, bool) {
	offered := func(want uint8) bool {
		for _, m := range methods {
			if m == want {
				return true
			}
		}
		return false
	}

	if !s.auth.Required() {
		if !offered(noAuth) {
			_, _ = conn.Write([]byte{socks5Version, noAcceptable})
			return "", false
		}
		if _, err := conn.Write([]byte{socks5Version, noAuth}); err != nil {
			return "", false
		}
		return "", true
	}

	if !offered(userPassAuth) {
		_, _ = conn.Write([]byte{socks5Version, noAcceptable})
		s.recordAuthFailure(clientIP, "")
		return "", false
	}
	if _, err := conn.Write([]byte{socks5Version, userPassAuth}); err != nil {
		return "", false
	}

	subVersion, err := br.ReadByte()
	if err != nil {
		return "", false
	}
	if subVersion != userPassVersion {
		s.recordMalformed(clientIP)
		return "", false
	}
	username, err := readLengthPrefixed(br)
	if err != nil {
		s.recordMalformed(clientIP)
		return "", false
	}
	password, err := readLengthPrefixed(br)
	if err != nil {
		s.recordMalformed(clientIP)
		return "", false
	}

	if !s.auth.Verify(username, password) {
		_, _ = conn.Write([]byte{userPassVersion, authFailure})
		s.recordAuthFailure(clientIP, username)
		return "", false
	}
	if _, err := conn.Write([]byte{userPassVersion, authSuccess}); err != nil {
		return "", false
	}
	s.recordAuthSuccess(clientIP, username)
	return username, true
}

// readSOCKSRequest parses the CONNECT request following negotiation.
func readSOCKSRequest(conn net.Conn, br *bufio.Reader) (*socksAddr, error) {
	var header [4]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read request header: %w", err)
	}
	if header[0] != socks5Version {
		return nil, fmt.Errorf("unsupported version in request: %d", header[0])
	}
	if header[1] != connectCommand {
		_ = sendSOCKSReply(conn, replyCommandNotSupported, nil)
		return nil, fmt.Errorf("unsupported command: %d", header[1])
	}

	addr := &socksAddr{}
	switch header[3] {
	case ipv4Address:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(br, ip); err != nil {
			return nil, fmt.Errorf("failed to read IPv4 address: %w", err)
		}
		addr.IP = net.IP(ip)
	case ipv6Address:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(br, ip); err != nil {
			return nil, fmt.Errorf("failed to read IPv6 address: %w", err)
		}
		addr.IP = net.IP(ip)
	case fqdnAddress:
		fqdn, err := readLengthPrefixed(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read FQDN: %w", err)
		}
		if fqdn == "" {
			return nil, errors.New("empty FQDN")
		}
		addr.FQDN = fqdn
	default:
		_ = sendSOCKSReply(conn, replyAddrNotSupported, nil)
		return nil, fmt.Errorf("unsupported address type: %d", header[3])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(br, portBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read port: %w", err)
	}
	addr.Port = int(binary.BigEndian.Uint16(portBuf[:]))
	return addr, nil
}

// readLengthPrefixed reads a one-byte length followed by that many bytes.
func readLengthPrefixed(br *bufio.Reader) (string, error) {
	length, err := br.ReadByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// sendSOCKSReply writes a reply with the given code and bind address.
func sendSOCKSReply(conn net.Conn, code uint8, bind net.Addr) error {
	ip := net.IPv4zero.To4()
	port := 0
	if tcp, ok := bind.(*net.TCPAddr); ok {
		if v4 := tcp.IP.To4(); v4 != nil {
			ip = v4
		}
		port = tcp.Port
	}

	reply := make([]byte, 0, 10)
	reply = append(reply, socks5Version, code, 0x00, ipv4Address)
	reply = append(reply, ip...)
	reply = binary.BigEndian.AppendUint16(reply, uint16(port))
	_, err := conn.Write(reply)
	return err
}

// dialReplyCode maps an upstream dial error to a SOCKS5 reply code.
func dialReplyCode(err error) uint8 {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return replyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return replyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return replyHostUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return replyTTLExpired
	}
	return replyServerFailure
}
