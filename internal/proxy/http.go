package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"egress-proxy/internal/dnsengine"
)

// allowedMethods is the set of HTTP methods the proxy forwards. Anything
// else is treated as a scan attempt.
var allowedMethods = map[string]bool{
	"CONNECT": true,
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"HEAD":    true,
	"PATCH":   true,
	"OPTIONS": true,
}

// hopByHopHeaders are stripped before forwarding a rewritten request.
var hopByHopHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authorization",
	"Proxy-Authenticate",
	"Connection",
	"Keep-Alive",
}

// suspiciousHeaderPatterns flag scanner tooling probing through the
// proxy. Matches count as malformed-request events.
var suspiciousHeaderPatterns = map[string][]string{
	"User-Agent": {"sqlmap", "nikto", "nmap", "nessus", "metasploit", "wpscan", "acunetix"},
	"Referer":    {"javascript:", "data:", "file://"},
}

// httpRequest is the parsed head of one proxied request.
type httpRequest struct {
	Method  string
	Target  string
	Version string
	Headers textproto.MIMEHeader
}

// handleHTTP serves one request per connection: parse, scan checks,
// auth, then CONNECT tunnel or rewritten forward.
func (s *Server) handleHTTP(ctx context.Context, conn net.Conn, br *bufio.Reader, clientIP net.IP) {
	req, err := readHTTPRequest(br)
	if err != nil {
		log.Warn().Err(err).Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Msg("HTTP: malformed request")
		s.recordMalformed(clientIP)
		writeHTTPError(conn, 400, "Malformed Request")
		return
	}

	if !allowedMethods[req.Method] {
		log.Warn().Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Str("method", req.Method).Msg("HTTP: invalid method")
		s.recordMalformed(clientIP)
		writeHTTPError(conn, 501, "Unsupported Method")
		return
	}

	if header, pattern := scanSuspiciousHeaders(req.Headers); pattern != "" {
		log.Warn().Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Str("header", header).Str("pattern", pattern).Msg("HTTP: suspicious request header")
		s.recordMalformed(clientIP)
		writeHTTPError(conn, 400, "Suspicious Request Headers")
		return
	}

	username, ok := s.authenticateHTTP(conn, req, clientIP)
	if !ok {
		return
	}

	if req.Method == "CONNECT" {
		s.handleConnect(ctx, conn, br, req, clientIP, username)
		return
	}
	s.forwardHTTP(ctx, conn, br, req, clientIP, username)
}

// authenticateHTTP checks Proxy-Authorization Basic credentials and
// sends the 407 challenge on failure.
func (s *Server) authenticateHTTP(conn net.Conn, req *httpRequest, clientIP net.IP) (string, bool) {
	if !s.auth.Required() {
		return "", true
	}

	authHeader := req.Headers.Get("Proxy-Authorization")
	if !strings.HasPrefix(authHeader, "Basic ") {
		s.recordAuthFailure(clientIP, "")
		writeAuthRequired(conn)
		return "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, "Basic "))
	if err != nil {
		s.recordAuthFailure(clientIP, "")
		writeAuthRequired(conn)
		return "", false
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		s.recordAuthFailure(clientIP, "")
		writeAuthRequired(conn)
		return "", false
	}

	if !s.auth.Verify(username, password) {
		s.recordAuthFailure(clientIP, username)
		writeAuthRequired(conn)
		return "", false
	}
	s.recordAuthSuccess(clientIP, username)
	return username, true
}

// handleConnect establishes a blind tunnel for CONNECT requests.
func (s *Server) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *httpRequest, clientIP net.IP, username string) {
	host, port, err := splitConnectTarget(req.Target)
	if err != nil {
		log.Warn().Err(err).Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Str("target", req.Target).Msg("HTTP: malformed CONNECT target")
		s.recordMalformed(clientIP)
		writeHTTPError(conn, 400, "Malformed CONNECT Request")
		return
	}

	upstream, ok := s.dialTarget(ctx, conn, host, port, clientIP)
	if !ok {
		return
	}
	defer upstream.Close()

	if _, err := fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	log.Info().Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Str("target", req.Target).Msg("HTTP tunnel established")
	s.runSession(ctx, &bufferedConn{r: br, Conn: conn}, upstream, clientIP, req.Target, username)
}

// forwardHTTP rewrites an absolute-form request to origin-form, sends it
// upstream, and relays the rest of the exchange.
func (s *Server) forwardHTTP(ctx context.Context, conn net.Conn, br *bufio.Reader, req *httpRequest, clientIP net.IP, username string) {
	host, port, path, err := splitForwardTarget(req)
	if err != nil {
		log.Warn().Err(err).Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Str("target", req.Target).Msg("HTTP: unresolvable request target")
		s.recordMalformed(clientIP)
		writeHTTPError(conn, 400, "Bad Request Target")
		return
	}

	upstream, ok := s.dialTarget(ctx, conn, host, port, clientIP)
	if !ok {
		return
	}
	defer upstream.Close()

	var head strings.Builder
	fmt.Fprintf(&head, "%s %s HTTP/1.1\r\n", req.Method, path)
	fmt.Fprintf(&head, "Host: %s\r\n", hostHeader(host, port, schemeDefaultPort(req.Target)))
	for name, values := range req.Headers {
		if isHopByHop(name) || strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&head, "%s: %s\r\n", name, v)
		}
	}
	head.WriteString("Connection: close\r\n\r\n")

	if _, err := upstream.Write([]byte(head.String())); err != nil {
		writeHTTPError(conn, 502, "Failed to forward request")
		return
	}

	target := hostHeader(host, port, schemeDefaultPort(req.Target))
	log.Info().Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Str("method", req.Method).Str("target", target).Msg("HTTP request forwarded")
	s.runSession(ctx, &bufferedConn{r: br, Conn: conn}, upstream, clientIP, target, username)
}

// dialTarget resolves and dials host:port, writing the error response
// itself on failure.
func (s *Server) dialTarget(ctx context.Context, conn net.Conn, host string, port int, clientIP net.IP) (net.Conn, bool) {
	targetIP := net.ParseIP(host)
	if targetIP == nil {
		resolved, err := s.resolveTarget(ctx, host, clientIP)
		if err != nil {
			if errors.Is(err, dnsengine.ErrBlocked) {
				writeHTTPError(conn, 403, "Access to this domain is blocked by proxy policy")
			} else {
				writeHTTPError(conn, 502, "DNS resolution failed")
			}
			return nil, false
		}
		targetIP = resolved
	}

	upstream, err := s.dialer.DialContext(ctx, (&socksAddr{IP: targetIP, Port: port}).String())
	if err != nil {
		log.Warn().Err(err).Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Str("host", host).Int("port", port).Msg("HTTP: upstream dial failed")
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			writeHTTPError(conn, 504, "Connection timeout")
		} else {
			writeHTTPError(conn, 502, "Failed to connect to target")
		}
		return nil, false
	}
	return upstream, true
}

// readHTTPRequest parses the request line and headers from the stream.
func readHTTPRequest(br *bufio.Reader) (*httpRequest, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("failed to read request line: %w", err)
	}

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	if !strings.HasPrefix(fields[2], "HTTP/") {
		return nil, fmt.Errorf("malformed HTTP version %q", fields[2])
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}

	return &httpRequest{
		Method:  fields[0],
		Target:  fields[1],
		Version: fields[2],
		Headers: headers,
	}, nil
}

// splitConnectTarget parses a CONNECT host:port target. Ports must be
// numeric and in range; IPv6 literals lose their brackets.
func splitConnectTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("CONNECT target %q is not host:port", target)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q in CONNECT target", portStr)
	}
	return host, port, nil
}

// splitForwardTarget derives host, port, and origin-form path for a
// non-CONNECT request, preferring the absolute-form request target and
// falling back to the Host header. An https:// target without an
// explicit port goes to 443.
func splitForwardTarget(req *httpRequest) (string, int, string, error) {
	hostPort := req.Headers.Get("Host")
	path := req.Target

	if strings.HasPrefix(req.Target, "http://") || strings.HasPrefix(req.Target, "https://") {
		u, err := url.Parse(req.Target)
		if err != nil {
			return "", 0, "", fmt.Errorf("bad absolute request target: %w", err)
		}
		hostPort = u.Host
		path = u.RequestURI()
	} else if !strings.HasPrefix(path, "/") {
		return "", 0, "", fmt.Errorf("request target %q is neither absolute nor origin-form", req.Target)
	}

	if hostPort == "" {
		return "", 0, "", errors.New("no Host header and no absolute request target")
	}

	host := hostPort
	port := schemeDefaultPort(req.Target)
	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n <= 0 || n > 65535 {
			return "", 0, "", fmt.Errorf("invalid port %q in host %q", p, hostPort)
		}
		host = h
		port = n
	}
	if path == "" {
		path = "/"
	}
	return host, port, path, nil
}

func schemeDefaultPort(target string) int {
	if strings.HasPrefix(target, "https://") {
		return 443
	}
	return 80
}

// hostHeader renders host:port for the Host header, eliding the port
// when it matches the scheme default.
func hostHeader(host string, port, defaultPort int) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port == defaultPort {
		return host
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// scanSuspiciousHeaders returns the first header matching a scanner
// signature together with the matched pattern.
func scanSuspiciousHeaders(headers textproto.MIMEHeader) (string, string) {
	for name, patterns := range suspiciousHeaderPatterns {
		value := strings.ToLower(headers.Get(name))
		if value == "" {
			continue
		}
		for _, pattern := range patterns {
			if strings.Contains(value, pattern) {
				return name, pattern
			}
		}
	}
	return "", ""
}

func writeHTTPError(conn net.Conn, code int, message string) {
	body := fmt.Sprintf("Error %d: %s\r\n", code, message)
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, message, len(body), body)
}

func writeAuthRequired(conn net.Conn) {
	body := "Proxy Authentication Required"
	fmt.Fprintf(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"Proxy Authentication Required\"\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
}
