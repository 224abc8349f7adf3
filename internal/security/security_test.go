package security

import (
	"net"
	"sync"
	"testing"
	"time"

	"egress-proxy/internal/config"
)

func newTestManager(t *testing.T, cfg config.SecurityConfig) (*Manager, *time.Time) {
	t.Helper()
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestBanAfterAuthFailureThreshold(t *testing.T) {
	cfg := config.SecurityConfig{
		AuthFailure: config.EventPolicy{Threshold: 3, Window: "1m", BanDuration: "10m"},
	}
	m, clock := newTestManager(t, cfg)
	ip := net.ParseIP("203.0.113.9")

	if !m.IsAllowed(ip) {
		t.Fatal("fresh IP should be allowed")
	}
	for i := 0; i < 2; i++ {
		if banned := m.RecordEvent(ip, AuthFailure); banned {
			t.Fatalf("banned after %d events, threshold is 3", i+1)
		}
	}
	if !m.IsAllowed(ip) {
		t.Fatal("IP below threshold should still be allowed")
	}
	if banned := m.RecordEvent(ip, AuthFailure); !banned {
		t.Fatal("third event should trigger the ban")
	}
	if m.IsAllowed(ip) {
		t.Fatal("banned IP should be rejected")
	}

	// Still banned one second before expiry.
	*clock = clock.Add(10*time.Minute - time.Second)
	if m.IsAllowed(ip) {
		t.Fatal("ban should still be active before ban_until")
	}

	// Allowed again after expiry, and the record is reclaimed.
	*clock = clock.Add(2 * time.Second)
	if !m.IsAllowed(ip) {
		t.Fatal("ban should have expired")
	}
	m.mu.Lock()
	_, exists := m.records[ip.String()]
	m.mu.Unlock()
	if exists {
		t.Error("expired record should be reclaimed")
	}
}

func TestEventsOutsideWindowDoNotCount(t *testing.T) {
	cfg := config.SecurityConfig{
		MalformedRequest: config.EventPolicy{Threshold: 3, Window: "1m", BanDuration: "5m"},
	}
	m, clock := newTestManager(t, cfg)
	ip := net.ParseIP("198.51.100.4")

	m.RecordEvent(ip, MalformedRequest)
	m.RecordEvent(ip, MalformedRequest)
	*clock = clock.Add(2 * time.Minute) // both events age out

	if banned := m.RecordEvent(ip, MalformedRequest); banned {
		t.Fatal("events outside the rolling window must not count toward the threshold")
	}
}

func TestEventKindsCountedSeparately(t *testing.T) {
	cfg := config.SecurityConfig{
		AuthFailure:      config.EventPolicy{Threshold: 3, Window: "1m", BanDuration: "5m"},
		MalformedRequest: config.EventPolicy{Threshold: 3, Window: "1m", BanDuration: "5m"},
	}
	m, _ := newTestManager(t, cfg)
	ip := net.ParseIP("198.51.100.5")

	m.RecordEvent(ip, AuthFailure)
	m.RecordEvent(ip, AuthFailure)
	if banned := m.RecordEvent(ip, MalformedRequest); banned {
		t.Fatal("kinds must not share a counter")
	}
	if !m.IsAllowed(ip) {
		t.Fatal("no kind reached its threshold")
	}
}

func TestAuthSuccessResetsFailureCounter(t *testing.T) {
	cfg := config.SecurityConfig{
		AuthFailure: config.EventPolicy{Threshold: 2, Window: "1m", BanDuration: "5m"},
	}
	m, _ := newTestManager(t, cfg)
	ip := net.ParseIP("198.51.100.6")

	m.RecordEvent(ip, AuthFailure)
	m.RecordAuthSuccess(ip)
	if banned := m.RecordEvent(ip, AuthFailure); banned {
		t.Fatal("auth success should reset the failure counter")
	}
}

func TestWhitelistedIPNeverBanned(t *testing.T) {
	cfg := config.SecurityConfig{
		Whitelist:   []string{"192.0.2.0/24"},
		AuthFailure: config.EventPolicy{Threshold: 1, Window: "1m", BanDuration: "5m"},
	}
	m, _ := newTestManager(t, cfg)
	ip := net.ParseIP("192.0.2.55")

	for i := 0; i < 5; i++ {
		if banned := m.RecordEvent(ip, AuthFailure); banned {
			t.Fatal("whitelisted IP must not be banned")
		}
	}
	if !m.IsAllowed(ip) {
		t.Fatal("whitelisted IP must be allowed")
	}
}

func TestBlacklistAndModes(t *testing.T) {
	cfg := config.SecurityConfig{
		Mode:      config.MixedMode,
		Whitelist: []string{"10.0.0.1"},
		Blacklist: []string{"172.16.0.0/16", "10.0.0.0/8"},
	}
	m, _ := newTestManager(t, cfg)

	if m.IsAllowed(net.ParseIP("172.16.3.4")) {
		t.Error("blacklisted IP allowed in mixed mode")
	}
	// Whitelist wins over blacklist in mixed mode.
	if !m.IsAllowed(net.ParseIP("10.0.0.1")) {
		t.Error("whitelisted IP rejected despite overlapping blacklist entry")
	}
	if !m.IsAllowed(net.ParseIP("203.0.113.1")) {
		t.Error("unlisted IP rejected in mixed mode")
	}

	wl, _ := newTestManager(t, config.SecurityConfig{
		Mode:      config.WhitelistMode,
		Whitelist: []string{"10.0.0.1"},
	})
	if wl.IsAllowed(net.ParseIP("203.0.113.1")) {
		t.Error("unlisted IP allowed in whitelist mode")
	}
	if !wl.IsAllowed(net.ParseIP("10.0.0.1")) {
		t.Error("whitelisted IP rejected in whitelist mode")
	}
}

func TestUnbanAndStatus(t *testing.T) {
	cfg := config.SecurityConfig{
		RapidConnect: config.RapidConnectPolicy{
			EventPolicy: config.EventPolicy{Threshold: 1, Window: "1m", BanDuration: "1h"},
		},
	}
	m, _ := newTestManager(t, cfg)
	ip := net.ParseIP("198.51.100.7")

	m.RecordEvent(ip, RapidConnect)
	snap := m.Status(ip)
	if !snap.Banned || snap.BanKind != RapidConnect {
		t.Fatalf("Status() = %+v, want active rapid_connect ban", snap)
	}
	if bans := m.ActiveBans(); len(bans) != 1 {
		t.Fatalf("ActiveBans() returned %d entries, want 1", len(bans))
	}

	if !m.Unban(ip) {
		t.Fatal("Unban() = false, want true")
	}
	if !m.IsAllowed(ip) {
		t.Fatal("IP should be allowed after Unban")
	}
	if m.Unban(ip) {
		t.Fatal("second Unban() should report no active ban")
	}
}

func TestRecordConnectPerKindThresholds(t *testing.T) {
	cfg := config.SecurityConfig{
		RapidConnect: config.RapidConnectPolicy{
			EventPolicy:    config.EventPolicy{Threshold: 10, Window: "1m", BanDuration: "1h"},
			HTTPThreshold:  5,
			SOCKSThreshold: 2,
		},
	}

	m, _ := newTestManager(t, cfg)
	ip := net.ParseIP("203.0.113.40")
	for i := 0; i < 4; i++ {
		if m.RecordConnect(ip, config.HTTPProxy) {
			t.Fatalf("HTTP connect %d triggered a ban below the threshold", i+1)
		}
	}
	if !m.RecordConnect(ip, config.HTTPProxy) {
		t.Error("5th HTTP connect did not trigger a ban")
	}

	m, _ = newTestManager(t, cfg)
	if m.RecordConnect(ip, config.SOCKS5Proxy) {
		t.Fatal("1st SOCKS connect triggered a ban below the threshold")
	}
	if !m.RecordConnect(ip, config.SOCKS5Proxy) {
		t.Error("2nd SOCKS connect did not trigger a ban")
	}
}

type recordingHistory struct {
	mu   sync.Mutex
	recs []BanRecord
}

func (r *recordingHistory) RecordBan(rec BanRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func TestBanIsRecordedToHistory(t *testing.T) {
	hist := &recordingHistory{}
	m, err := NewManager(config.SecurityConfig{
		AuthFailure: config.EventPolicy{Threshold: 1, Window: "1m", BanDuration: "1h"},
	}, hist)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}

	m.RecordEvent(net.ParseIP("203.0.113.20"), AuthFailure)
	hist.mu.Lock()
	defer hist.mu.Unlock()
	if len(hist.recs) != 1 || hist.recs[0].IP != "203.0.113.20" || hist.recs[0].Kind != AuthFailure {
		t.Fatalf("history = %+v, want one auth_failure ban for 203.0.113.20", hist.recs)
	}
}

func TestConcurrentEventsBanExactlyOnce(t *testing.T) {
	m, err := NewManager(config.SecurityConfig{
		AuthFailure: config.EventPolicy{Threshold: 50, Window: "1m", BanDuration: "1h"},
	}, nil)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	ip := net.ParseIP("203.0.113.30")

	var wg sync.WaitGroup
	var mu sync.Mutex
	banCount := 0
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.RecordEvent(ip, AuthFailure) {
				mu.Lock()
				banCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Counters reset when the ban fires, so 80 events with threshold 50
	// must produce exactly one ban (a second would need 50 more).
	if banCount != 1 {
		t.Errorf("ban fired %d times across concurrent events, want exactly 1", banCount)
	}
	if m.IsAllowed(ip) {
		t.Error("IP should be banned after the flood")
	}
}

func TestIPSetForms(t *testing.T) {
	set, err := NewIPSet([]string{
		"192.0.2.7",
		"10.1.0.0/16",
		"172.16.1.10-172.16.1.20",
		"# comment",
		"",
	})
	if err != nil {
		t.Fatalf("NewIPSet() = %v", err)
	}

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.0.2.7", true},
		{"192.0.2.8", false},
		{"10.1.200.3", true},
		{"10.2.0.1", false},
		{"172.16.1.10", true},
		{"172.16.1.15", true},
		{"172.16.1.20", true},
		{"172.16.1.21", false},
	}
	for _, tt := range tests {
		if got := set.Contains(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	if !set.Remove("10.1.0.0/16") {
		t.Fatal("Remove(10.1.0.0/16) = false")
	}
	if set.Contains(net.ParseIP("10.1.200.3")) {
		t.Error("entry still matches after Remove")
	}
}

func TestIPSetRejectsGarbage(t *testing.T) {
	for _, entry := range []string{"not-an-ip", "10.0.0.0/99", "10.0.0.9-10.0.0.1"} {
		if _, err := NewIPSet([]string{entry}); err == nil {
			t.Errorf("NewIPSet(%q) accepted invalid entry", entry)
		}
	}
}

func TestListMutationTakesEffectImmediately(t *testing.T) {
	m, _ := newTestManager(t, config.SecurityConfig{})
	ip := net.ParseIP("203.0.113.77")

	if !m.IsAllowed(ip) {
		t.Fatal("unlisted IP should be allowed")
	}
	if err := m.AddListEntry(BlacklistName, "203.0.113.77"); err != nil {
		t.Fatalf("AddListEntry() = %v", err)
	}
	if m.IsAllowed(ip) {
		t.Error("blacklisted IP still allowed")
	}

	entries, err := m.ListEntries(BlacklistName)
	if err != nil {
		t.Fatalf("ListEntries() = %v", err)
	}
	if len(entries) != 1 || entries[0] != "203.0.113.77" {
		t.Errorf("ListEntries() = %v, want the added entry", entries)
	}

	removed, err := m.RemoveListEntry(BlacklistName, "203.0.113.77")
	if err != nil || !removed {
		t.Fatalf("RemoveListEntry() = %v, %v", removed, err)
	}
	if !m.IsAllowed(ip) {
		t.Error("IP still blocked after removal")
	}
}

func TestListMutationRejectsUnknownListAndBadEntry(t *testing.T) {
	m, _ := newTestManager(t, config.SecurityConfig{})
	if err := m.AddListEntry("greylist", "203.0.113.1"); err == nil {
		t.Error("unknown list name accepted")
	}
	if err := m.AddListEntry(WhitelistName, "not-an-ip"); err == nil {
		t.Error("invalid entry accepted")
	}
}
