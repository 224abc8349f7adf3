// Package healthcheck periodically probes the running proxy listeners
// from the inside: it opens a tunnel through each proxy to a configured
// target and records the result. A proxy that accepts TCP but can no
// longer relay shows up here before clients notice.
package healthcheck

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xproxy "golang.org/x/net/proxy"

	"egress-proxy/internal/config"
	"egress-proxy/internal/stats"
)

const (
	defaultInterval = time.Minute
	defaultTimeout  = 10 * time.Second
	defaultTarget   = "www.google.com:443"
)

// Probe describes one listener to check.
type Probe struct {
	Name     string
	Kind     config.ProxyKind
	Address  string
	Username string
	Password string
}

// Checker runs the periodic probes.
type Checker struct {
	interval time.Duration
	timeout  time.Duration
	target   string
	probes   func() []Probe
	stats    *stats.Collector
}

// New builds a Checker. probes is called at every tick so restarted
// listeners are picked up with their fresh addresses. It returns nil
// when health checking is disabled.
func New(cfg config.HealthCheckConfig, probes func() []Probe, collector *stats.Collector) (*Checker, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	interval, err := config.Duration(cfg.Interval, defaultInterval)
	if err != nil {
		return nil, fmt.Errorf("health_check: invalid 'interval': %w", err)
	}
	timeout, err := config.Duration(cfg.Timeout, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("health_check: invalid 'timeout': %w", err)
	}
	target := cfg.Target
	if target == "" {
		target = defaultTarget
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, fmt.Errorf("health_check: 'target' must be host:port: %w", err)
	}

	return &Checker{
		interval: interval,
		timeout:  timeout,
		target:   target,
		probes:   probes,
		stats:    collector,
	}, nil
}

// Run probes on the configured interval until ctx is cancelled. The
// first round fires immediately.
func (c *Checker) Run(ctx context.Context) {
	if c == nil {
		return
	}
	log.Info().Dur("interval", c.interval).Str("target", c.target).Msg("Starting proxy health checks")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.checkAll(ctx)
	for {
		select {
		case <-ticker.C:
			c.checkAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Checker) checkAll(ctx context.Context) {
	for _, probe := range c.probes() {
		start := time.Now()
		err := c.check(ctx, probe)
		elapsed := time.Since(start)

		if err != nil {
			log.Warn().Err(err).Str("proxy_name", probe.Name).Dur("elapsed", elapsed).Msg("Health check failed")
		} else {
			log.Debug().Str("proxy_name", probe.Name).Dur("elapsed", elapsed).Msg("Health check passed")
		}
		if c.stats != nil {
			ev := stats.Event{
				Type:     stats.HealthResult,
				Proxy:    probe.Name,
				Target:   c.target,
				Success:  err == nil,
				Duration: elapsed,
			}
			if err != nil {
				ev.Detail = err.Error()
			}
			c.stats.Record(ev)
		}
	}
}

func (c *Checker) check(ctx context.Context, probe Probe) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch probe.Kind {
	case config.SOCKS5Proxy:
		return c.checkSOCKS5(ctx, probe)
	case config.HTTPProxy:
		return c.checkHTTPConnect(ctx, probe)
	default:
		// HTTPS listeners need the proxy's certificate; probe TCP reachability only.
		return c.checkTCP(ctx, probe)
	}
}

// checkSOCKS5 opens a tunnel to the target through the SOCKS5 listener.
func (c *Checker) checkSOCKS5(ctx context.Context, probe Probe) error {
	var auth *xproxy.Auth
	if probe.Username != "" {
		auth = &xproxy.Auth{User: probe.Username, Password: probe.Password}
	}

	dialer, err := xproxy.SOCKS5("tcp", probe.Address, auth, &net.Dialer{})
	if err != nil {
		return fmt.Errorf("socks5 dialer: %w", err)
	}
	contextDialer, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		return fmt.Errorf("socks5 dialer does not support contexts")
	}

	conn, err := contextDialer.DialContext(ctx, "tcp", c.target)
	if err != nil {
		return fmt.Errorf("tunnel to %s: %w", c.target, err)
	}
	return conn.Close()
}

// checkHTTPConnect issues a CONNECT through the HTTP listener and
// expects a 2xx response.
func (c *Checker) checkHTTPConnect(ctx context.Context, probe Probe) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", probe.Address)
	if err != nil {
		return fmt.Errorf("dial listener: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", c.target, c.target)
	if probe.Username != "" {
		req += "Proxy-Authorization: Basic " + basicAuth(probe.Username, probe.Password) + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}

	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	parts := strings.SplitN(status, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[1], "2") {
		return fmt.Errorf("CONNECT refused: %s", strings.TrimSpace(status))
	}
	return nil
}

func (c *Checker) checkTCP(ctx context.Context, probe Probe) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", probe.Address)
	if err != nil {
		return fmt.Errorf("dial listener: %w", err)
	}
	return conn.Close()
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
