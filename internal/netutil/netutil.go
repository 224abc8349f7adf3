// Package netutil resolves network interfaces to addresses and builds
// sockets pinned to a chosen local IP, so egress always leaves through
// the configured interface regardless of the routing table.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Sentinel errors for interface resolution.
var (
	// ErrInterfaceNotFound means no interface with the given name exists.
	ErrInterfaceNotFound = errors.New("interface not found")
	// ErrInterfaceNoAddress means the interface has no usable IPv4 address.
	ErrInterfaceNoAddress = errors.New("interface has no IPv4 address")
)

// defaultDialTimeout bounds outbound connection attempts.
const defaultDialTimeout = 30 * time.Second

// ResolveInterfaceIPv4 resolves an interface name to its first IPv4 address.
// It is invoked at every proxy start rather than cached, so DHCP renewals
// between restarts are picked up.
func ResolveInterfaceIPv4(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, name)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("could not list addresses of interface %s: %w", name, err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInterfaceNoAddress, name)
}

// Factory creates listening and outbound sockets bound to a single local IP.
type Factory struct {
	// BindIP is the local IPv4 address all sockets are pinned to.
	BindIP net.IP
	// DialTimeout bounds outbound connects; zero means the default.
	DialTimeout time.Duration
}

// Listen opens a TCP listener on the given host:port. A port of 0 yields
// an OS-assigned ephemeral port, readable from the returned listener's Addr.
func (f *Factory) Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not listen on %s: %w", address, err)
	}
	return ln, nil
}

// DialContext opens an outbound TCP connection to target with the local
// address forced to BindIP. Forcing the local address before connecting
// guarantees egress via the chosen interface even when multiple routes exist.
func (f *Factory) DialContext(ctx context.Context, target string) (net.Conn, error) {
	timeout := f.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	if f.BindIP != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: f.BindIP}
	}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s from %s: %w", target, f.BindIP, err)
	}
	log.Debug().Str("target", target).IPAddr("local_ip", f.BindIP).Msg("Outbound connection established")
	return conn, nil
}

// InterfaceInfo describes one network interface for the management API.
type InterfaceInfo struct {
	Name string   `json:"name"`
	MAC  string   `json:"mac,omitempty"`
	Up   bool     `json:"up"`
	IPv4 []string `json:"ipv4"`
}

// excludedInterfacePrefixes lists virtual interface name prefixes that are
// not real traffic exits.
var excludedInterfacePrefixes = []string{
	"lo", "docker", "br-", "virbr", "veth", "tap", "tun", "vboxnet", "vmnet", "zt",
}

// OutboundInterfaces lists interfaces that are plausible egress candidates:
// up, carrying a MAC address, and not a known virtual/loopback interface.
func OutboundInterfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("could not list interfaces: %w", err)
	}
	var out []InterfaceInfo
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if hasExcludedPrefix(iface.Name) {
			continue
		}
		out = append(out, describeInterface(iface))
	}
	return out, nil
}

// ListeningInterfaces lists every interface, loopback included, for use as
// a listen address.
func ListeningInterfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("could not list interfaces: %w", err)
	}
	out := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		out = append(out, describeInterface(iface))
	}
	return out, nil
}

func hasExcludedPrefix(name string) bool {
	for _, prefix := range excludedInterfacePrefixes {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func describeInterface(iface net.Interface) InterfaceInfo {
	info := InterfaceInfo{
		Name: iface.Name,
		MAC:  iface.HardwareAddr.String(),
		Up:   iface.Flags&net.FlagUp != 0,
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return info
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				info.IPv4 = append(info.IPv4, ip4.String())
			}
		}
	}
	return info
}
