// Package config provides the structure and validation for the daemon's configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// LogLevel defines the logging level.
type LogLevel string

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the info log level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is the warn log level.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is the error log level.
	LogLevelError LogLevel = "error"
)

// Config is the top-level structure mapping to config.yaml.
type Config struct {
	LogLevel    LogLevel          `yaml:"log_level"`
	APIAddress  string            `yaml:"api_address,omitempty"`
	DNS         DNSConfig         `yaml:"dns"`
	Security    SecurityConfig    `yaml:"security"`
	Geo         GeoConfig         `yaml:"geo"`
	Stats       StatsConfig       `yaml:"stats"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Proxies     []ProxyConfig     `yaml:"proxies"`
}

// ProxyKind defines the protocol a proxy speaks on its listener.
type ProxyKind string

const (
	// SOCKS5Proxy is a SOCKS5 proxy listener.
	SOCKS5Proxy ProxyKind = "socks5"
	// HTTPProxy is a plain HTTP proxy listener.
	HTTPProxy ProxyKind = "http"
	// HTTPSProxy is an HTTP proxy behind a TLS listener.
	HTTPSProxy ProxyKind = "https"
)

// ProxyProtocolVersion selects the PROXY protocol header format expected on a listener.
type ProxyProtocolVersion string

const (
	// ProxyProtocolNone disables PROXY protocol handling.
	ProxyProtocolNone ProxyProtocolVersion = ""
	// ProxyProtocolV1 expects the ASCII v1 header.
	ProxyProtocolV1 ProxyProtocolVersion = "v1"
	// ProxyProtocolV2 expects the binary v2 header.
	ProxyProtocolV2 ProxyProtocolVersion = "v2"
)

// ProxyConfig defines a single proxy instance.
//
// Egress is configured either by interface name (resolved to the interface's
// IPv4 address at every proxy start) or by a static IPv4 literal; exactly one
// of the two must be set.
type ProxyConfig struct {
	Name            string               `yaml:"name"`
	Enabled         bool                 `yaml:"enabled"`
	Kind            ProxyKind            `yaml:"kind"`
	ListenAddress   string               `yaml:"listen_address"`
	EgressInterface string               `yaml:"egress_interface,omitempty"`
	EgressIP        string               `yaml:"egress_ip,omitempty"`
	Auth            Auth                 `yaml:"auth"`
	SecurityEnabled bool                 `yaml:"security_enabled"`
	ProxyProtocol   ProxyProtocolVersion `yaml:"proxy_protocol,omitempty"`
	TLSCertPath     string               `yaml:"tls_cert_path,omitempty"`
	TLSKeyPath      string               `yaml:"tls_key_path,omitempty"`
	IdleTimeout     string               `yaml:"idle_timeout,omitempty"`
}

// Auth holds the authentication settings for a proxy.
type Auth struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Users   []User `yaml:"users"`
}

// User defines a single username/password credential. The password field
// holds an Argon2id hash produced by cmd/hash-password.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DNSConfig holds settings for the remote DNS resolution engine.
type DNSConfig struct {
	Resolvers       []string `yaml:"resolvers"`
	Strategy        string   `yaml:"strategy"`
	QueryTimeout    string   `yaml:"query_timeout"`
	OverallTimeout  string   `yaml:"overall_timeout"`
	CacheSize       int      `yaml:"cache_size"`
	MinTTL          string   `yaml:"min_ttl"`
	MaxTTL          string   `yaml:"max_ttl"`
	BlockedDomains  []string `yaml:"blocked_domains"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
	// BindIP, when set, is the local source address for remote resolver
	// queries so DNS traffic leaves through a chosen interface.
	BindIP string `yaml:"bind_ip"`
}

// DNS resolution strategies.
const (
	SerialStrategy   = "serial"
	ParallelStrategy = "parallel"
)

// EventPolicy configures one abuse event kind: how many events within the
// rolling window trigger a ban, and for how long.
type EventPolicy struct {
	Threshold   int    `yaml:"threshold"`
	Window      string `yaml:"window"`
	BanDuration string `yaml:"ban_duration"`
}

// RapidConnectPolicy is the connection-flood policy. HTTP and SOCKS
// clients have very different legitimate connection rates (browsers
// open many parallel HTTP connections), so the threshold can be
// overridden per listener kind.
type RapidConnectPolicy struct {
	EventPolicy    `yaml:",inline"`
	HTTPThreshold  int `yaml:"http_threshold,omitempty"`
	SOCKSThreshold int `yaml:"socks_threshold,omitempty"`
}

// SecurityMode controls how the permanent black/whitelists gate access.
type SecurityMode string

const (
	// BlacklistMode rejects only blacklisted sources.
	BlacklistMode SecurityMode = "blacklist"
	// WhitelistMode rejects everything not whitelisted.
	WhitelistMode SecurityMode = "whitelist"
	// MixedMode checks the whitelist first, then the blacklist.
	MixedMode SecurityMode = "mixed"
)

// SecurityConfig holds the abuse-detection thresholds and the permanent lists.
type SecurityConfig struct {
	Mode             SecurityMode       `yaml:"mode"`
	Whitelist        []string           `yaml:"whitelist"`
	Blacklist        []string           `yaml:"blacklist"`
	HistoryDBPath    string             `yaml:"history_db_path,omitempty"`
	AuthFailure      EventPolicy        `yaml:"auth_failure"`
	RapidConnect     RapidConnectPolicy `yaml:"rapid_connect"`
	MalformedRequest EventPolicy        `yaml:"malformed_request"`
}

// GeoConfig holds the IP geolocation settings.
type GeoConfig struct {
	Enabled   bool     `yaml:"enabled"`
	MMDBPath  string   `yaml:"mmdb_path,omitempty"`
	OnlineURL string   `yaml:"online_url,omitempty"`
	Priority  []string `yaml:"priority"`
	Timeout   string   `yaml:"timeout"`
	CacheTTL  string   `yaml:"cache_ttl"`
}

// StatsConfig holds the stats sink settings.
type StatsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// HealthCheckConfig holds the self-probe settings. Username and
// Password are the plaintext credentials the prober presents to
// auth-enabled proxies; they must match a configured user.
type HealthCheckConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	Target   string `yaml:"target"`
	Timeout  string `yaml:"timeout"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Load reads and validates the YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	configFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file '%s': %w", path, err)
	}

	var config Config
	err = yaml.Unmarshal(configFile, &config)
	if err != nil {
		return nil, fmt.Errorf("could not parse config file '%s' as YAML: %w", path, err)
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Duration parses a duration field, falling back to def when the field is empty.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Validate checks the configuration for logical errors.
func Validate(config *Config) error {
	switch config.DNS.Strategy {
	case "", SerialStrategy, ParallelStrategy:
	default:
		return fmt.Errorf("dns.strategy must be '%s' or '%s', got '%s'", SerialStrategy, ParallelStrategy, config.DNS.Strategy)
	}

	for _, field := range []struct{ name, value string }{
		{"dns.query_timeout", config.DNS.QueryTimeout},
		{"dns.overall_timeout", config.DNS.OverallTimeout},
		{"dns.min_ttl", config.DNS.MinTTL},
		{"dns.max_ttl", config.DNS.MaxTTL},
		{"security.auth_failure.window", config.Security.AuthFailure.Window},
		{"security.auth_failure.ban_duration", config.Security.AuthFailure.BanDuration},
		{"security.rapid_connect.window", config.Security.RapidConnect.Window},
		{"security.rapid_connect.ban_duration", config.Security.RapidConnect.BanDuration},
		{"security.malformed_request.window", config.Security.MalformedRequest.Window},
		{"security.malformed_request.ban_duration", config.Security.MalformedRequest.BanDuration},
		{"geo.timeout", config.Geo.Timeout},
		{"geo.cache_ttl", config.Geo.CacheTTL},
		{"health_check.interval", config.HealthCheck.Interval},
		{"health_check.timeout", config.HealthCheck.Timeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s is not a valid duration: %w", field.name, err)
		}
	}

	switch config.Security.Mode {
	case "", BlacklistMode, WhitelistMode, MixedMode:
	default:
		return fmt.Errorf("security.mode has an unknown value: %s", config.Security.Mode)
	}

	seen := make(map[string]bool)
	for i, p := range config.Proxies {
		if p.Name == "" {
			return fmt.Errorf("proxy at index %d is missing a 'name'", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("proxy name '%s' is used more than once", p.Name)
		}
		seen[p.Name] = true

		switch p.Kind {
		case SOCKS5Proxy, HTTPProxy, HTTPSProxy:
		case "":
			return fmt.Errorf("proxy '%s' is missing a 'kind'", p.Name)
		default:
			return fmt.Errorf("proxy '%s' has an unknown 'kind': %s", p.Name, p.Kind)
		}

		if p.ListenAddress == "" {
			return fmt.Errorf("proxy '%s' is missing 'listen_address'", p.Name)
		}
		if _, _, err := net.SplitHostPort(p.ListenAddress); err != nil {
			return fmt.Errorf("proxy '%s' has an invalid 'listen_address': %w", p.Name, err)
		}

		if p.EgressInterface == "" && p.EgressIP == "" {
			return fmt.Errorf("proxy '%s' must set 'egress_interface' or 'egress_ip'", p.Name)
		}
		if p.EgressInterface != "" && p.EgressIP != "" {
			return fmt.Errorf("proxy '%s' sets both 'egress_interface' and 'egress_ip'; use one", p.Name)
		}
		if p.EgressIP != "" {
			ip := net.ParseIP(p.EgressIP)
			if ip == nil || ip.To4() == nil {
				return fmt.Errorf("proxy '%s' has an invalid IPv4 'egress_ip': %s", p.Name, p.EgressIP)
			}
		}

		switch p.ProxyProtocol {
		case ProxyProtocolNone, ProxyProtocolV1, ProxyProtocolV2:
		default:
			return fmt.Errorf("proxy '%s' has an unknown 'proxy_protocol': %s", p.Name, p.ProxyProtocol)
		}

		if p.Kind == HTTPSProxy {
			if p.TLSCertPath == "" || p.TLSKeyPath == "" {
				return fmt.Errorf("proxy '%s' of kind 'https' requires 'tls_cert_path' and 'tls_key_path'", p.Name)
			}
		}

		if p.IdleTimeout != "" {
			if _, err := time.ParseDuration(p.IdleTimeout); err != nil {
				return fmt.Errorf("proxy '%s' has an invalid 'idle_timeout': %w", p.Name, err)
			}
		}
	}
	return nil
}
