package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validProxy() ProxyConfig {
	return ProxyConfig{
		Name:          "test-socks5",
		Enabled:       true,
		Kind:          SOCKS5Proxy,
		ListenAddress: "127.0.0.1:1080",
		EgressIP:      "192.0.2.10",
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	cfg := &Config{Proxies: []ProxyConfig{validProxy()}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsBrokenProxies(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *ProxyConfig)
		wantSub string
	}{
		{"missing name", func(p *ProxyConfig) { p.Name = "" }, "missing a 'name'"},
		{"missing kind", func(p *ProxyConfig) { p.Kind = "" }, "missing a 'kind'"},
		{"unknown kind", func(p *ProxyConfig) { p.Kind = "ftp" }, "unknown 'kind'"},
		{"missing listen address", func(p *ProxyConfig) { p.ListenAddress = "" }, "missing 'listen_address'"},
		{"bad listen address", func(p *ProxyConfig) { p.ListenAddress = "no-port" }, "invalid 'listen_address'"},
		{"no egress", func(p *ProxyConfig) { p.EgressIP = "" }, "egress_interface"},
		{"both egress forms", func(p *ProxyConfig) { p.EgressInterface = "eth0" }, "use one"},
		{"bad static ip", func(p *ProxyConfig) { p.EgressIP = "not-an-ip" }, "invalid IPv4"},
		{"ipv6 static ip", func(p *ProxyConfig) { p.EgressIP = "2001:db8::1" }, "invalid IPv4"},
		{"bad proxy protocol", func(p *ProxyConfig) { p.ProxyProtocol = "v3" }, "proxy_protocol"},
		{"https without cert", func(p *ProxyConfig) { p.Kind = HTTPSProxy }, "tls_cert_path"},
		{"bad idle timeout", func(p *ProxyConfig) { p.IdleTimeout = "fast" }, "idle_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProxy()
			tt.mutate(&p)
			cfg := &Config{Proxies: []ProxyConfig{p}}
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() = %q, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateRejectsDuplicateProxyNames(t *testing.T) {
	a, b := validProxy(), validProxy()
	b.ListenAddress = "127.0.0.1:1081"
	cfg := &Config{Proxies: []ProxyConfig{a, b}}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "more than once") {
		t.Fatalf("Validate() = %v, want duplicate-name error", err)
	}
}

func TestValidateRejectsBadStrategyAndDurations(t *testing.T) {
	cfg := &Config{DNS: DNSConfig{Strategy: "fastest"}}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "dns.strategy") {
		t.Fatalf("Validate() = %v, want strategy error", err)
	}

	cfg = &Config{DNS: DNSConfig{QueryTimeout: "3 parsecs"}}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "dns.query_timeout") {
		t.Fatalf("Validate() = %v, want duration error", err)
	}
}

func TestLoadParsesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
log_level: info
dns:
  resolvers: ["1.1.1.1:53"]
  strategy: parallel
  blocked_patterns: ["*.ads.example"]
proxies:
  - name: test-socks5
    kind: socks5
    listen_address: "127.0.0.1:1080"
    egress_interface: lo
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if loaded.DNS.Strategy != ParallelStrategy {
		t.Errorf("dns.strategy = %q, want parallel", loaded.DNS.Strategy)
	}
	if len(loaded.Proxies) != 1 || loaded.Proxies[0].Name != "test-socks5" {
		t.Errorf("proxies = %+v", loaded.Proxies)
	}

	if err := os.WriteFile(path, []byte("proxies: [{name: x, kind: teleport}]"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted an invalid proxy kind")
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() of a missing file returned nil error")
	}
}

func TestDuration(t *testing.T) {
	d, err := Duration("", 5e9)
	if err != nil || d != 5e9 {
		t.Errorf("Duration(\"\") = %v, %v; want default", d, err)
	}
	d, err = Duration("90s", 0)
	if err != nil || d.Seconds() != 90 {
		t.Errorf("Duration(90s) = %v, %v", d, err)
	}
	if _, err := Duration("bogus", 0); err == nil {
		t.Error("Duration(bogus) = nil error")
	}
}
