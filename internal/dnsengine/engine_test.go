package dnsengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"egress-proxy/internal/config"
)

func newTestEngine(t *testing.T, cfg config.DNSConfig) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func staticAnswer(ip string, ttl uint32) queryFunc {
	return func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		return []net.IP{net.ParseIP(ip)}, ttl, nil
	}
}

func TestResolveIPLiteralSkipsLookup(t *testing.T) {
	e := newTestEngine(t, config.DNSConfig{Resolvers: []string{"192.0.2.1"}})
	e.query = func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		t.Fatal("query called for IP literal")
		return nil, 0, nil
	}

	ips, err := e.Resolve(context.Background(), "10.1.2.3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(ips) != 1 || !ips[0].Equal(net.ParseIP("10.1.2.3")) {
		t.Errorf("ips = %v, want [10.1.2.3]", ips)
	}
}

func TestBlockedDomainBypassesCache(t *testing.T) {
	e := newTestEngine(t, config.DNSConfig{
		Resolvers:      []string{"192.0.2.1"},
		BlockedDomains: []string{"blocked.example"},
	})
	e.query = func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		t.Fatal("query called for blocked domain")
		return nil, 0, nil
	}

	// Even a pre-existing cache entry must not be served.
	e.cache.put("blocked.example", []net.IP{net.ParseIP("1.2.3.4")}, time.Now().Add(time.Hour))

	if _, err := e.Resolve(context.Background(), "blocked.example"); !errors.Is(err, ErrBlocked) {
		t.Errorf("err = %v, want ErrBlocked", err)
	}
}

func TestBlockedMatching(t *testing.T) {
	e := newTestEngine(t, config.DNSConfig{
		Resolvers:       []string{"192.0.2.1"},
		BlockedDomains:  []string{"ads.example"},
		BlockedPatterns: []string{"*.tracker.net"},
	})

	e.query = staticAnswer("5.6.7.8", 60)

	cases := []struct {
		host    string
		blocked bool
	}{
		{"ads.example", true},
		{"sub.ads.example", true}, // suffix match
		{"Ads.Example.", true},    // case and trailing dot normalized
		{"notads.example", false},
		{"cdn.tracker.net", true},
		{"tracker.net", false}, // glob requires a subdomain label
		{"clean.example", false},
	}
	for _, tc := range cases {
		_, err := e.Resolve(context.Background(), tc.host)
		if got := errors.Is(err, ErrBlocked); got != tc.blocked {
			t.Errorf("Resolve(%q) blocked = %v, want %v (err: %v)", tc.host, got, tc.blocked, err)
		}
	}
}

func TestCacheHitSkipsUpstream(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, config.DNSConfig{Resolvers: []string{"192.0.2.1"}})
	e.query = func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		calls.Add(1)
		return []net.IP{net.ParseIP("5.6.7.8")}, 300, nil
	}

	for i := 0; i < 3; i++ {
		ips, err := e.Resolve(context.Background(), "cached.example")
		if err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
		if !ips[0].Equal(net.ParseIP("5.6.7.8")) {
			t.Errorf("ips = %v, want [5.6.7.8]", ips)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream queries = %d, want 1", got)
	}
}

func TestExpiredEntryIsNeverServed(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, config.DNSConfig{
		Resolvers: []string{"192.0.2.1"},
		MinTTL:    "10s",
		MaxTTL:    "60s",
	})
	e.query = func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		calls.Add(1)
		return []net.IP{net.ParseIP("5.6.7.8")}, 30, nil
	}

	base := time.Now()
	e.now = func() time.Time { return base }
	if _, err := e.Resolve(context.Background(), "ttl.example"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	e.now = func() time.Time { return base.Add(31 * time.Second) }
	if _, err := e.Resolve(context.Background(), "ttl.example"); err != nil {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream queries = %d, want 2 (entry expired)", got)
	}
}

func TestTTLClamping(t *testing.T) {
	e := newTestEngine(t, config.DNSConfig{
		Resolvers: []string{"192.0.2.1"},
		MinTTL:    "30s",
		MaxTTL:    "5m",
	})
	base := time.Now()
	e.now = func() time.Time { return base }

	// Answer TTL 1s is raised to the 30s floor.
	e.query = staticAnswer("1.1.1.1", 1)
	if _, err := e.Resolve(context.Background(), "short.example"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := e.cache.get("short.example", base.Add(20*time.Second)); !ok {
		t.Error("entry with 1s answer TTL expired before the 30s floor")
	}

	// Answer TTL 86400s is lowered to the 5m ceiling.
	e.query = staticAnswer("2.2.2.2", 86400)
	if _, err := e.Resolve(context.Background(), "long.example"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := e.cache.get("long.example", base.Add(6*time.Minute)); ok {
		t.Error("entry with 86400s answer TTL outlived the 5m ceiling")
	}
}

func TestCacheEvictsLRU(t *testing.T) {
	c := newLRUCache(2)
	now := time.Now()
	exp := now.Add(time.Hour)

	c.put("a.example", []net.IP{net.ParseIP("1.1.1.1")}, exp)
	c.put("b.example", []net.IP{net.ParseIP("2.2.2.2")}, exp)
	c.get("a.example", now) // a is now most recently used
	c.put("c.example", []net.IP{net.ParseIP("3.3.3.3")}, exp)

	if _, ok := c.get("b.example", now); ok {
		t.Error("b.example survived eviction, want it dropped as LRU")
	}
	if _, ok := c.get("a.example", now); !ok {
		t.Error("a.example was evicted despite being recently used")
	}
	if _, ok := c.get("c.example", now); !ok {
		t.Error("c.example missing after insert")
	}
}

func TestSerialFirstSuccessWins(t *testing.T) {
	e := newTestEngine(t, config.DNSConfig{
		Resolvers: []string{"192.0.2.1:53", "192.0.2.2:53"},
		Strategy:  config.SerialStrategy,
	})
	var order []string
	e.query = func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		order = append(order, server)
		if server == "192.0.2.1:53" {
			return nil, 0, errors.New("SERVFAIL")
		}
		return []net.IP{net.ParseIP("9.9.9.9")}, 60, nil
	}

	ips, err := e.Resolve(context.Background(), "serial.example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ips[0].Equal(net.ParseIP("9.9.9.9")) {
		t.Errorf("ips = %v, want [9.9.9.9]", ips)
	}
	if len(order) != 2 || order[0] != "192.0.2.1:53" || order[1] != "192.0.2.2:53" {
		t.Errorf("query order = %v, want configured order", order)
	}
}

func TestSerialAllFail(t *testing.T) {
	e := newTestEngine(t, config.DNSConfig{
		Resolvers: []string{"192.0.2.1:53", "192.0.2.2:53"},
		Strategy:  config.SerialStrategy,
	})
	e.query = func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		return nil, 0, fmt.Errorf("timeout on %s", server)
	}

	if _, err := e.Resolve(context.Background(), "dead.example"); !errors.Is(err, ErrResolutionFailed) {
		t.Errorf("err = %v, want ErrResolutionFailed", err)
	}
}

func TestParallelFirstSuccessWins(t *testing.T) {
	e := newTestEngine(t, config.DNSConfig{
		Resolvers:      []string{"slow:53", "fast:53"},
		Strategy:       config.ParallelStrategy,
		OverallTimeout: "5s",
	})
	e.query = func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		if server == "fast:53" {
			time.Sleep(20 * time.Millisecond)
			return []net.IP{net.ParseIP("8.8.8.8")}, 60, nil
		}
		select {
		case <-time.After(3 * time.Second):
			return []net.IP{net.ParseIP("7.7.7.7")}, 60, nil
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}

	start := time.Now()
	ips, err := e.Resolve(context.Background(), "race.example")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ips[0].Equal(net.ParseIP("8.8.8.8")) {
		t.Errorf("ips = %v, want the fast resolver's answer", ips)
	}
	if elapsed > time.Second {
		t.Errorf("parallel resolution took %s, want roughly the fast resolver's latency", elapsed)
	}
}

func TestParallelFailedLoserDoesNotMaskWinner(t *testing.T) {
	e := newTestEngine(t, config.DNSConfig{
		Resolvers:      []string{"bad:53", "good:53"},
		Strategy:       config.ParallelStrategy,
		OverallTimeout: "5s",
	})
	e.query = func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		if server == "bad:53" {
			return nil, 0, errors.New("REFUSED")
		}
		time.Sleep(20 * time.Millisecond)
		return []net.IP{net.ParseIP("6.6.6.6")}, 60, nil
	}

	ips, err := e.Resolve(context.Background(), "mixed.example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ips[0].Equal(net.ParseIP("6.6.6.6")) {
		t.Errorf("ips = %v, want [6.6.6.6]", ips)
	}
}

func TestParallelAllFail(t *testing.T) {
	e := newTestEngine(t, config.DNSConfig{
		Resolvers:      []string{"a:53", "b:53"},
		Strategy:       config.ParallelStrategy,
		OverallTimeout: "1s",
	})
	e.query = func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
		return nil, 0, errors.New("SERVFAIL")
	}

	if _, err := e.Resolve(context.Background(), "allfail.example"); !errors.Is(err, ErrResolutionFailed) {
		t.Errorf("err = %v, want ErrResolutionFailed", err)
	}
}

func TestSystemFallbackWithoutResolvers(t *testing.T) {
	var used bool
	e := newTestEngine(t, config.DNSConfig{})
	e.systemLookup = func(ctx context.Context, host string) ([]net.IP, error) {
		used = true
		return []net.IP{net.ParseIP("127.0.0.1")}, nil
	}

	ips, err := e.Resolve(context.Background(), "local.example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !used {
		t.Error("system resolver was not consulted")
	}
	if !ips[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("ips = %v, want [127.0.0.1]", ips)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(config.DNSConfig{MinTTL: "10m", MaxTTL: "1m"}); err == nil {
		t.Error("min_ttl > max_ttl accepted")
	}
	if _, err := New(config.DNSConfig{BlockedPatterns: []string{"[unclosed"}}); err == nil {
		t.Error("invalid glob pattern accepted")
	}
	if _, err := New(config.DNSConfig{QueryTimeout: "not-a-duration"}); err == nil {
		t.Error("invalid query_timeout accepted")
	}
	if _, err := New(config.DNSConfig{BindIP: "not-an-ip"}); err == nil {
		t.Error("invalid bind_ip accepted")
	}
}
