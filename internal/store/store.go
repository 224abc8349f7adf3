// Package store persists security state in SQLite: the ban history
// written by the abuse detector and the permanent black/whitelist
// entries managed through the API.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"egress-proxy/internal/security"
)

const (
	writeQueueSize = 256
	maxBanRows     = 10000
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ban_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ip TEXT NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	banned_at TIMESTAMP NOT NULL,
	ban_until TIMESTAMP NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	CHECK(ban_until >= banned_at)
);
CREATE INDEX IF NOT EXISTS idx_ban_history_ip ON ban_history(ip);
CREATE INDEX IF NOT EXISTS idx_ban_history_banned_at ON ban_history(banned_at);

CREATE TABLE IF NOT EXISTS list_entries (
	list TEXT NOT NULL CHECK(list IN ('blacklist', 'whitelist')),
	entry TEXT NOT NULL,
	remark TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (list, entry)
);
`

// ListEntry is one permanent black/whitelist row.
type ListEntry struct {
	List      string    `json:"list"`
	Entry     string    `json:"entry"`
	Remark    string    `json:"remark"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// Store wraps the SQLite database. Ban writes go through a buffered
// queue so the security manager never waits on disk.
type Store struct {
	db     *sql.DB
	writes chan security.BanRecord
	done   chan struct{}
	once   sync.Once
}

// Open opens (or creates) the database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan security.BanRecord, writeQueueSize),
		done:   make(chan struct{}),
	}
	go s.writer()

	log.Info().Str("path", path).Msg("Using SQLite3 for security history storage")
	return s, nil
}

// RecordBan enqueues a ban row. Writes are dropped when the queue is
// full rather than stalling the caller.
func (s *Store) RecordBan(rec security.BanRecord) {
	select {
	case s.writes <- rec:
	default:
		log.Warn().Str("ip", rec.IP).Msg("History write queue full, dropping ban record")
	}
}

func (s *Store) writer() {
	defer close(s.done)
	for rec := range s.writes {
		_, err := s.db.Exec(
			`INSERT INTO ban_history (ip, kind, reason, banned_at, ban_until, created_by)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.IP, string(rec.Kind), rec.Reason, rec.BannedAt, rec.BanUntil, rec.CreatedBy,
		)
		if err != nil {
			log.Error().Err(err).Str("ip", rec.IP).Msg("Failed to record ban")
		}
	}
}

// RecentBans returns up to limit ban rows, newest first.
func (s *Store) RecentBans(limit int) ([]security.BanRecord, error) {
	if limit <= 0 || limit > maxBanRows {
		limit = maxBanRows
	}
	rows, err := s.db.Query(
		`SELECT ip, kind, reason, banned_at, ban_until, created_by
		 FROM ban_history ORDER BY banned_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ban history: %w", err)
	}
	defer rows.Close()

	var recs []security.BanRecord
	for rows.Next() {
		var rec security.BanRecord
		var kind string
		if err := rows.Scan(&rec.IP, &kind, &rec.Reason, &rec.BannedAt, &rec.BanUntil, &rec.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan ban row: %w", err)
		}
		rec.Kind = security.EventKind(kind)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// BansForIP returns the ban history of a single source, newest first.
func (s *Store) BansForIP(ip string, limit int) ([]security.BanRecord, error) {
	if limit <= 0 || limit > maxBanRows {
		limit = maxBanRows
	}
	rows, err := s.db.Query(
		`SELECT ip, kind, reason, banned_at, ban_until, created_by
		 FROM ban_history WHERE ip = ? ORDER BY banned_at DESC, id DESC LIMIT ?`, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ban history: %w", err)
	}
	defer rows.Close()

	var recs []security.BanRecord
	for rows.Next() {
		var rec security.BanRecord
		var kind string
		if err := rows.Scan(&rec.IP, &kind, &rec.Reason, &rec.BannedAt, &rec.BanUntil, &rec.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan ban row: %w", err)
		}
		rec.Kind = security.EventKind(kind)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AddListEntry upserts a permanent list entry.
func (s *Store) AddListEntry(entry ListEntry) error {
	if entry.List != security.BlacklistName && entry.List != security.WhitelistName {
		return fmt.Errorf("unknown list '%s'", entry.List)
	}
	_, err := s.db.Exec(
		`INSERT INTO list_entries (list, entry, remark, created_by)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(list, entry) DO UPDATE SET
		   remark = excluded.remark,
		   created_by = excluded.created_by`,
		entry.List, entry.Entry, entry.Remark, entry.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save list entry: %w", err)
	}
	return nil
}

// RemoveListEntry deletes a permanent list entry. Removing an absent
// entry is not an error.
func (s *Store) RemoveListEntry(list, entry string) error {
	_, err := s.db.Exec("DELETE FROM list_entries WHERE list = ? AND entry = ?", list, entry)
	if err != nil {
		return fmt.Errorf("failed to delete list entry: %w", err)
	}
	return nil
}

// ListEntries returns all rows of one list ordered by creation time.
func (s *Store) ListEntries(list string) ([]ListEntry, error) {
	rows, err := s.db.Query(
		`SELECT list, entry, remark, created_at, created_by
		 FROM list_entries WHERE list = ? ORDER BY created_at`, list)
	if err != nil {
		return nil, fmt.Errorf("failed to query list entries: %w", err)
	}
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		var e ListEntry
		if err := rows.Scan(&e.List, &e.Entry, &e.Remark, &e.CreatedAt, &e.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan list entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close drains pending ban writes and closes the database.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.writes)
	})
	<-s.done
	return s.db.Close()
}
