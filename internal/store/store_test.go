package store

import (
	"path/filepath"
	"testing"
	"time"

	"egress-proxy/internal/security"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForRows(t *testing.T, s *Store, want int) []security.BanRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := s.RecentBans(0)
		if err != nil {
			t.Fatalf("RecentBans: %v", err)
		}
		if len(recs) >= want {
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d ban rows", want)
	return nil
}

func TestRecordBanRoundTrip(t *testing.T) {
	s := openStore(t)

	bannedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.RecordBan(security.BanRecord{
		IP:        "203.0.113.5",
		Kind:      security.AuthFailure,
		Reason:    "auth_failure threshold exceeded",
		BannedAt:  bannedAt,
		BanUntil:  bannedAt.Add(time.Hour),
		CreatedBy: "system:auto",
	})

	recs := waitForRows(t, s, 1)
	rec := recs[0]
	if rec.IP != "203.0.113.5" {
		t.Errorf("IP = %q", rec.IP)
	}
	if rec.Kind != security.AuthFailure {
		t.Errorf("Kind = %q", rec.Kind)
	}
	if !rec.BanUntil.Equal(rec.BannedAt.Add(time.Hour)) {
		t.Errorf("BanUntil = %v, want BannedAt+1h", rec.BanUntil)
	}
	if rec.CreatedBy != "system:auto" {
		t.Errorf("CreatedBy = %q", rec.CreatedBy)
	}
}

func TestRecentBansNewestFirst(t *testing.T) {
	s := openStore(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s.RecordBan(security.BanRecord{
			IP:       "203.0.113.5",
			Kind:     security.RapidConnect,
			BannedAt: base.Add(time.Duration(i) * time.Hour),
			BanUntil: base.Add(time.Duration(i+1) * time.Hour),
		})
	}

	recs := waitForRows(t, s, 3)
	for i := 1; i < len(recs); i++ {
		if recs[i].BannedAt.After(recs[i-1].BannedAt) {
			t.Fatalf("rows not newest first: %v after %v", recs[i].BannedAt, recs[i-1].BannedAt)
		}
	}

	limited, err := s.RecentBans(2)
	if err != nil {
		t.Fatalf("RecentBans: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}
}

func TestBansForIP(t *testing.T) {
	s := openStore(t)

	now := time.Now().UTC()
	s.RecordBan(security.BanRecord{IP: "203.0.113.5", Kind: security.AuthFailure, BannedAt: now, BanUntil: now.Add(time.Hour)})
	s.RecordBan(security.BanRecord{IP: "198.51.100.9", Kind: security.AuthFailure, BannedAt: now, BanUntil: now.Add(time.Hour)})
	waitForRows(t, s, 2)

	recs, err := s.BansForIP("203.0.113.5", 0)
	if err != nil {
		t.Fatalf("BansForIP: %v", err)
	}
	if len(recs) != 1 || recs[0].IP != "203.0.113.5" {
		t.Errorf("BansForIP = %+v, want one row for 203.0.113.5", recs)
	}
}

func TestListEntryLifecycle(t *testing.T) {
	s := openStore(t)

	entry := ListEntry{List: "blacklist", Entry: "203.0.113.0/24", Remark: "scanner range", CreatedBy: "admin"}
	if err := s.AddListEntry(entry); err != nil {
		t.Fatalf("AddListEntry: %v", err)
	}

	// Upsert replaces the remark, not the row.
	entry.Remark = "confirmed scanner range"
	if err := s.AddListEntry(entry); err != nil {
		t.Fatalf("AddListEntry upsert: %v", err)
	}

	entries, err := s.ListEntries("blacklist")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Remark != "confirmed scanner range" {
		t.Errorf("Remark = %q", entries[0].Remark)
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set by the database")
	}

	if err := s.RemoveListEntry("blacklist", "203.0.113.0/24"); err != nil {
		t.Fatalf("RemoveListEntry: %v", err)
	}
	entries, err = s.ListEntries("blacklist")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d after removal, want 0", len(entries))
	}
}

func TestAddListEntryRejectsUnknownList(t *testing.T) {
	s := openStore(t)
	if err := s.AddListEntry(ListEntry{List: "greylist", Entry: "1.2.3.4"}); err == nil {
		t.Error("AddListEntry accepted an unknown list")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		s.RecordBan(security.BanRecord{IP: "203.0.113.5", Kind: security.AuthFailure, BannedAt: now, BanUntil: now.Add(time.Hour)})
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// All queued rows reached disk before Close returned.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	recs, err := s2.RecentBans(0)
	if err != nil {
		t.Fatalf("RecentBans: %v", err)
	}
	if len(recs) != 10 {
		t.Errorf("len(recs) = %d after reopen, want 10", len(recs))
	}
}
