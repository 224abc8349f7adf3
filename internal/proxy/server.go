package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"egress-proxy/internal/config"
	"egress-proxy/internal/netutil"
	"egress-proxy/internal/proxyproto"
	"egress-proxy/internal/security"
	"egress-proxy/internal/stats"
)

const defaultIdleTimeout = 5 * time.Minute

// Deps are the shared services a proxy server operates with.
type Deps struct {
	Security *security.Manager
	Resolver Resolver
	Dialer   Dialer
	Listener ListenerFactory
	Stats    *stats.Collector
	Geo      GeoLookup
}

// Server is a single configured proxy listener.
type Server struct {
	cfg         config.ProxyConfig
	auth        *Authenticator
	security    *security.Manager
	resolver    Resolver
	dialer      Dialer
	listen      ListenerFactory
	stats       *stats.Collector
	geo         GeoLookup
	idleTimeout time.Duration
	tlsConfig   *tls.Config

	mu       sync.Mutex
	listener net.Listener
}

// New builds a proxy server from its config. A proxy that requires
// authentication without any configured users is a config error.
func New(cfg config.ProxyConfig, deps Deps) (*Server, error) {
	auth, err := NewAuthenticator(cfg.Auth, cfg.Name)
	if err != nil {
		return nil, err
	}

	idleTimeout, err := config.Duration(cfg.IdleTimeout, defaultIdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("proxy '%s': invalid idle_timeout: %w", cfg.Name, err)
	}

	s := &Server{
		cfg:         cfg,
		auth:        auth,
		resolver:    deps.Resolver,
		dialer:      deps.Dialer,
		listen:      deps.Listener,
		stats:       deps.Stats,
		geo:         deps.Geo,
		idleTimeout: idleTimeout,
	}
	if s.listen == nil {
		s.listen = &netutil.Factory{}
	}
	if cfg.SecurityEnabled {
		s.security = deps.Security
	}

	if cfg.Kind == config.HTTPSProxy {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("proxy '%s': failed to load TLS key pair: %w", cfg.Name, err)
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	return s, nil
}

// Name returns the name of the proxy.
func (s *Server) Name() string { return s.cfg.Name }

// Addr returns the listener address, or nil before Start has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := s.listen.Listen(s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("proxy '%s' failed to listen: %w", s.cfg.Name, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Info().
		Str("proxy_name", s.cfg.Name).
		Str("protocol", string(s.cfg.Kind)).
		Str("address", listener.Addr().String()).
		Msg("Starting proxy")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			listener.Close()
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs the shared per-connection pipeline before handing the
// stream to the protocol handler.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	clientIP := connIP(conn)
	if clientIP == nil {
		log.Warn().Str("proxy_name", s.cfg.Name).Str("remote_addr", conn.RemoteAddr().String()).Msg("Could not parse client IP")
		return
	}

	if s.security != nil {
		if !s.security.IsAllowed(clientIP) {
			log.Warn().Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Msg("Connection rejected by security policy")
			return
		}
		if s.security.RecordConnect(clientIP, s.cfg.Kind) {
			s.stats.Record(stats.Event{Type: stats.SecurityAction, Proxy: s.cfg.Name, ClientIP: clientIP.String(), Detail: string(security.RapidConnect)})
			return
		}
	}

	br := bufio.NewReader(conn)

	// A tunnel in front of the listener prepends the real client address;
	// all security accounting from here on uses the decoded source.
	if s.cfg.ProxyProtocol != config.ProxyProtocolNone {
		hdr, err := proxyproto.Read(br, string(s.cfg.ProxyProtocol))
		if err != nil {
			log.Warn().Err(err).Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Msg("PROXY protocol decode failed")
			s.recordMalformed(clientIP)
			return
		}
		if hdr.Src != nil {
			clientIP = hdr.Src.IP
			if s.security != nil && !s.security.IsAllowed(clientIP) {
				log.Warn().Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Msg("Real client rejected by security policy")
				return
			}
		}
	}

	var client net.Conn = conn
	if s.tlsConfig != nil {
		tlsConn := tls.Server(&bufferedConn{r: br, Conn: conn}, s.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			log.Warn().Err(err).Str("proxy_name", s.cfg.Name).IPAddr("client_ip", clientIP).Msg("TLS handshake failed")
			return
		}
		client = tlsConn
		br = bufio.NewReader(tlsConn)
	}

	switch s.cfg.Kind {
	case config.SOCKS5Proxy:
		s.handleSOCKS5(ctx, client, br, clientIP)
	case config.HTTPProxy, config.HTTPSProxy:
		s.handleHTTP(ctx, client, br, clientIP)
	}
}

// resolveTarget turns a hostname into a dialable IP via the DNS engine.
func (s *Server) resolveTarget(ctx context.Context, host string, clientIP net.IP) (net.IP, error) {
	ips, err := s.resolver.Resolve(ctx, host)
	if err != nil {
		s.stats.Record(stats.Event{Type: stats.DNSResult, Proxy: s.cfg.Name, ClientIP: clientIP.String(), Target: host, Success: false, Detail: err.Error()})
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	s.stats.Record(stats.Event{Type: stats.DNSResult, Proxy: s.cfg.Name, ClientIP: clientIP.String(), Target: host, Success: true})
	return ips[0], nil
}

// runSession relays bytes between client and upstream, bracketing the
// relay with session accounting.
func (s *Server) runSession(ctx context.Context, client, upstream net.Conn, clientIP net.IP, target, username string) {
	id := s.stats.NextSessionID()
	var country string
	if s.geo != nil {
		country = s.geo.Lookup(ctx, clientIP)
	}
	s.stats.Record(stats.Event{
		Type:      stats.SessionStart,
		Proxy:     s.cfg.Name,
		SessionID: id,
		ClientIP:  clientIP.String(),
		Target:    target,
		Username:  username,
		Country:   country,
	})

	bytesIn, bytesOut := relay(client, upstream, s.idleTimeout)

	s.stats.Record(stats.Event{
		Type:      stats.SessionEnd,
		Proxy:     s.cfg.Name,
		SessionID: id,
		ClientIP:  clientIP.String(),
		Target:    target,
		BytesIn:   bytesIn,
		BytesOut:  bytesOut,
	})
	log.Debug().
		Str("proxy_name", s.cfg.Name).
		IPAddr("client_ip", clientIP).
		Str("target", target).
		Int64("bytes_in", bytesIn).
		Int64("bytes_out", bytesOut).
		Msg("Session closed")
}

func (s *Server) recordMalformed(clientIP net.IP) {
	if s.security == nil {
		return
	}
	if s.security.RecordEvent(clientIP, security.MalformedRequest) {
		s.stats.Record(stats.Event{Type: stats.SecurityAction, Proxy: s.cfg.Name, ClientIP: clientIP.String(), Detail: string(security.MalformedRequest)})
	}
}

func (s *Server) recordAuthFailure(clientIP net.IP, username string) {
	s.stats.Record(stats.Event{Type: stats.AuthResult, Proxy: s.cfg.Name, ClientIP: clientIP.String(), Username: username, Success: false})
	if s.security == nil {
		return
	}
	if s.security.RecordEvent(clientIP, security.AuthFailure) {
		s.stats.Record(stats.Event{Type: stats.SecurityAction, Proxy: s.cfg.Name, ClientIP: clientIP.String(), Detail: string(security.AuthFailure)})
	}
}

func (s *Server) recordAuthSuccess(clientIP net.IP, username string) {
	s.stats.Record(stats.Event{Type: stats.AuthResult, Proxy: s.cfg.Name, ClientIP: clientIP.String(), Username: username, Success: true})
	if s.security != nil {
		s.security.RecordAuthSuccess(clientIP)
	}
}

func connIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
