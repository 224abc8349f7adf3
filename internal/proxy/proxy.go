// Package proxy implements the SOCKS5 and HTTP/HTTPS proxy servers.
// Every listener shares the same per-connection pipeline: security gate,
// optional PROXY protocol decode, protocol negotiation, DNS resolution,
// interface-bound upstream dial, then the relay loop.
package proxy

import (
	"context"
	"net"
)

// Resolver resolves hostnames for outbound connections.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// Dialer opens upstream connections bound to the proxy's egress address.
type Dialer interface {
	DialContext(ctx context.Context, target string) (net.Conn, error)
}

// ListenerFactory binds the listening socket for a proxy.
type ListenerFactory interface {
	Listen(address string) (net.Listener, error)
}

// GeoLookup annotates client addresses with a location string. Lookups
// are best-effort and must never block the session.
type GeoLookup interface {
	Lookup(ctx context.Context, ip net.IP) string
}
