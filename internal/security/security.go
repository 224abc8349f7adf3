// Package security implements the per-source-IP abuse accounting and
// temporary ban state machine. A source moves Clean -> Suspicious (rolling
// counters) -> Banned (threshold exceeded inside the window) -> Clean again
// once the ban expires. All expiry is evaluated lazily on access; there is
// no background sweep.
package security

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"egress-proxy/internal/config"
)

// Names of the permanent lists, shared with persistence and the API.
const (
	WhitelistName = "whitelist"
	BlacklistName = "blacklist"
)

// EventKind classifies one abuse event reported against a source IP.
type EventKind string

const (
	// AuthFailure is a rejected credential attempt.
	AuthFailure EventKind = "auth_failure"
	// RapidConnect is a connection-rate flood signal.
	RapidConnect EventKind = "rapid_connect"
	// MalformedRequest is a non-conforming protocol handshake or request.
	MalformedRequest EventKind = "malformed_request"
)

// Policy is the resolved (parsed-duration) form of config.EventPolicy.
type Policy struct {
	Threshold   int
	Window      time.Duration
	BanDuration time.Duration
}

// BanRecord describes one ban for the history store.
type BanRecord struct {
	IP        string
	Kind      EventKind
	Reason    string
	BannedAt  time.Time
	BanUntil  time.Time
	CreatedBy string
}

// HistoryRecorder persists ban events. Implementations must not block the
// caller; the security manager calls it with its lock released.
type HistoryRecorder interface {
	RecordBan(rec BanRecord)
}

// record holds the rolling counters and ban state of one source IP.
// Created lazily on first event, reclaimed once every window and any ban
// have expired.
type record struct {
	events   map[EventKind][]time.Time
	banUntil time.Time
	banKind  EventKind
}

// Manager is the security service object. It owns all cross-session abuse
// state and synchronizes internally; handlers receive it by injection.
type Manager struct {
	mu       sync.Mutex
	policies map[EventKind]Policy
	records  map[string]*record
	mode     config.SecurityMode
	history  HistoryRecorder
	now      func() time.Time

	// listsMu guards the permanent sets, which the API may mutate while
	// sessions are being gated.
	listsMu   sync.RWMutex
	whitelist *IPSet
	blacklist *IPSet

	// Per-listener-kind rapid-connect threshold overrides; zero means
	// use the base policy threshold.
	rapidHTTPThreshold  int
	rapidSOCKSThreshold int
}

// Default event policies, applied where the config leaves a kind unset.
var defaultPolicies = map[EventKind]Policy{
	AuthFailure:      {Threshold: 5, Window: 5 * time.Minute, BanDuration: time.Hour},
	RapidConnect:     {Threshold: 50, Window: time.Minute, BanDuration: 10 * time.Minute},
	MalformedRequest: {Threshold: 10, Window: 5 * time.Minute, BanDuration: 30 * time.Minute},
}

// NewManager builds a Manager from the security configuration.
func NewManager(cfg config.SecurityConfig, history HistoryRecorder) (*Manager, error) {
	policies := make(map[EventKind]Policy, 3)
	for kind, raw := range map[EventKind]config.EventPolicy{
		AuthFailure:      cfg.AuthFailure,
		RapidConnect:     cfg.RapidConnect.EventPolicy,
		MalformedRequest: cfg.MalformedRequest,
	} {
		p := defaultPolicies[kind]
		if raw.Threshold > 0 {
			p.Threshold = raw.Threshold
		}
		window, err := config.Duration(raw.Window, p.Window)
		if err != nil {
			return nil, err
		}
		ban, err := config.Duration(raw.BanDuration, p.BanDuration)
		if err != nil {
			return nil, err
		}
		p.Window, p.BanDuration = window, ban
		policies[kind] = p
	}

	whitelist, err := NewIPSet(cfg.Whitelist)
	if err != nil {
		return nil, err
	}
	blacklist, err := NewIPSet(cfg.Blacklist)
	if err != nil {
		return nil, err
	}

	mode := cfg.Mode
	if mode == "" {
		mode = config.MixedMode
	}

	return &Manager{
		policies:  policies,
		records:   make(map[string]*record),
		mode:      mode,
		whitelist: whitelist,
		blacklist: blacklist,
		history:   history,
		now:       time.Now,

		rapidHTTPThreshold:  cfg.RapidConnect.HTTPThreshold,
		rapidSOCKSThreshold: cfg.RapidConnect.SOCKSThreshold,
	}, nil
}

// IsAllowed reports whether a source IP may proceed. It is checked before
// any protocol parsing so banned sources cost no parsing work. Order:
// active temporary ban, whitelist, blacklist, then the configured mode.
func (m *Manager) IsAllowed(ip net.IP) bool {
	key := ip.String()

	m.mu.Lock()
	rec := m.records[key]
	now := m.now()
	if rec != nil {
		if now.Before(rec.banUntil) {
			m.mu.Unlock()
			return false
		}
		m.reclaim(key, rec, now)
	}
	m.mu.Unlock()

	if m.inList(m.whitelist, ip) {
		return true
	}
	if m.inList(m.blacklist, ip) {
		return false
	}
	return m.mode != config.WhitelistMode
}

func (m *Manager) inList(set *IPSet, ip net.IP) bool {
	m.listsMu.RLock()
	defer m.listsMu.RUnlock()
	return set.Contains(ip)
}

// RecordEvent increments the rolling counter for kind against ip and
// returns true when this event pushed the source over its threshold and a
// ban was applied. Whitelisted sources are counted but never banned.
func (m *Manager) RecordEvent(ip net.IP, kind EventKind) bool {
	policy, ok := m.policies[kind]
	if !ok {
		return false
	}
	return m.recordWithPolicy(ip, kind, policy)
}

// RecordConnect counts a new connection toward rapid-connect detection.
// Browsers open far more parallel HTTP connections than SOCKS clients
// do, so the threshold may differ per listener kind.
func (m *Manager) RecordConnect(ip net.IP, kind config.ProxyKind) bool {
	policy := m.policies[RapidConnect]
	switch kind {
	case config.HTTPProxy, config.HTTPSProxy:
		if m.rapidHTTPThreshold > 0 {
			policy.Threshold = m.rapidHTTPThreshold
		}
	case config.SOCKS5Proxy:
		if m.rapidSOCKSThreshold > 0 {
			policy.Threshold = m.rapidSOCKSThreshold
		}
	}
	return m.recordWithPolicy(ip, RapidConnect, policy)
}

func (m *Manager) recordWithPolicy(ip net.IP, kind EventKind, policy Policy) bool {
	if policy.Threshold <= 0 {
		return false
	}
	if m.inList(m.whitelist, ip) {
		return false
	}
	key := ip.String()

	m.mu.Lock()
	rec := m.records[key]
	if rec == nil {
		rec = &record{events: make(map[EventKind][]time.Time)}
		m.records[key] = rec
	}
	now := m.now()
	events := pruneBefore(rec.events[kind], now.Add(-policy.Window))
	events = append(events, now)
	rec.events[kind] = events

	if len(events) < policy.Threshold {
		m.mu.Unlock()
		return false
	}

	// Threshold exceeded inside the window: apply a strictly time-bounded ban
	// and drop the counters so the next offense starts a fresh window.
	rec.banUntil = now.Add(policy.BanDuration)
	rec.banKind = kind
	rec.events = make(map[EventKind][]time.Time)
	banUntil := rec.banUntil
	m.mu.Unlock()

	log.Warn().
		Str("ip", key).
		Str("kind", string(kind)).
		Time("ban_until", banUntil).
		Msg("Source IP banned")

	if m.history != nil {
		m.history.RecordBan(BanRecord{
			IP:        key,
			Kind:      kind,
			Reason:    string(kind) + " threshold exceeded",
			BannedAt:  now,
			BanUntil:  banUntil,
			CreatedBy: "system:auto",
		})
	}
	return true
}

// RecordAuthSuccess resets the auth-failure counter for ip. A session that
// eventually presents valid credentials is not a credential-guessing source.
func (m *Manager) RecordAuthSuccess(ip net.IP) {
	key := ip.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.records[key]; rec != nil {
		delete(rec.events, AuthFailure)
		m.reclaim(key, rec, m.now())
	}
}

// Unban lifts an active temporary ban on ip. Returns false if none was active.
func (m *Manager) Unban(ip net.IP) bool {
	key := ip.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	if rec == nil || !m.now().Before(rec.banUntil) {
		return false
	}
	rec.banUntil = time.Time{}
	rec.banKind = ""
	m.reclaim(key, rec, m.now())
	log.Info().Str("ip", key).Msg("Temporary ban lifted")
	return true
}

// Snapshot describes the security state of one IP for the management API.
type Snapshot struct {
	IP          string            `json:"ip"`
	Banned      bool              `json:"banned"`
	BanKind     EventKind         `json:"ban_kind,omitempty"`
	BanUntil    time.Time         `json:"ban_until,omitempty"`
	EventCounts map[EventKind]int `json:"event_counts"`
	InWhitelist bool              `json:"in_whitelist"`
	InBlacklist bool              `json:"in_blacklist"`
}

// Status returns a point-in-time view of ip's counters and ban state.
func (m *Manager) Status(ip net.IP) Snapshot {
	key := ip.String()
	snap := Snapshot{
		IP:          key,
		EventCounts: make(map[EventKind]int),
		InWhitelist: m.inList(m.whitelist, ip),
		InBlacklist: m.inList(m.blacklist, ip),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	if rec == nil {
		return snap
	}
	now := m.now()
	if now.Before(rec.banUntil) {
		snap.Banned = true
		snap.BanKind = rec.banKind
		snap.BanUntil = rec.banUntil
	}
	for kind, events := range rec.events {
		if policy, ok := m.policies[kind]; ok {
			if n := len(pruneBefore(events, now.Add(-policy.Window))); n > 0 {
				snap.EventCounts[kind] = n
			}
		}
	}
	return snap
}

// ActiveBans lists every IP with an unexpired temporary ban.
func (m *Manager) ActiveBans() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var bans []Snapshot
	for key, rec := range m.records {
		if now.Before(rec.banUntil) {
			bans = append(bans, Snapshot{
				IP:       key,
				Banned:   true,
				BanKind:  rec.banKind,
				BanUntil: rec.banUntil,
			})
		}
	}
	return bans
}

// set returns the named permanent list. Caller holds listsMu.
func (m *Manager) set(list string) (*IPSet, error) {
	switch list {
	case WhitelistName:
		return m.whitelist, nil
	case BlacklistName:
		return m.blacklist, nil
	}
	return nil, fmt.Errorf("unknown list '%s'", list)
}

// AddListEntry adds an IP, CIDR, or range entry to the named permanent
// list, effective immediately for new connections.
func (m *Manager) AddListEntry(list, entry string) error {
	m.listsMu.Lock()
	defer m.listsMu.Unlock()
	set, err := m.set(list)
	if err != nil {
		return err
	}
	if err := set.Add(entry); err != nil {
		return err
	}
	log.Info().Str("list", list).Str("entry", entry).Msg("List entry added")
	return nil
}

// RemoveListEntry removes an entry from the named permanent list.
// Entries that came from the config file reappear at the next restart;
// persisted entries must also be removed from the store. Returns false
// when the entry was not present.
func (m *Manager) RemoveListEntry(list, entry string) (bool, error) {
	m.listsMu.Lock()
	defer m.listsMu.Unlock()
	set, err := m.set(list)
	if err != nil {
		return false, err
	}
	removed := set.Remove(entry)
	if removed {
		log.Info().Str("list", list).Str("entry", entry).Msg("List entry removed")
	}
	return removed, nil
}

// ListEntries returns the effective entries of the named permanent list,
// config-sourced and runtime-added alike.
func (m *Manager) ListEntries(list string) ([]string, error) {
	m.listsMu.RLock()
	defer m.listsMu.RUnlock()
	set, err := m.set(list)
	if err != nil {
		return nil, err
	}
	return set.Entries(), nil
}

// reclaim drops a record whose ban and windows have all expired. Caller
// holds m.mu.
func (m *Manager) reclaim(key string, rec *record, now time.Time) {
	if now.Before(rec.banUntil) {
		return
	}
	for kind, events := range rec.events {
		policy := m.policies[kind]
		events = pruneBefore(events, now.Add(-policy.Window))
		if len(events) == 0 {
			delete(rec.events, kind)
		} else {
			rec.events[kind] = events
		}
	}
	if len(rec.events) == 0 {
		delete(m.records, key)
	}
}

// pruneBefore drops timestamps older than cutoff, keeping order.
func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}
