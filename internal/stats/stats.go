// Package stats collects session and security events from the proxy
// core. Producers never block: events go through a buffered channel and
// are dropped with a counter bump when the collector falls behind.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"egress-proxy/internal/config"
)

const defaultBufferSize = 4096

// EventType identifies what a collector event describes.
type EventType string

const (
	SessionStart   EventType = "session_start"
	SessionEnd     EventType = "session_end"
	AuthResult     EventType = "auth_result"
	SecurityAction EventType = "security_action"
	DNSResult      EventType = "dns_result"
	HealthResult   EventType = "health_result"
)

// Event is a single fire-and-forget report from the proxy core.
type Event struct {
	Type      EventType
	Proxy     string
	SessionID uint64
	ClientIP  string
	Target    string
	Username  string
	Country   string
	BytesIn   int64
	BytesOut  int64
	Success   bool
	Detail    string
	Duration  time.Duration
	Time      time.Time
}

// ProxyTotals aggregates lifetime counters for one proxy.
type ProxyTotals struct {
	Sessions        int64 `json:"sessions"`
	ActiveSessions  int64 `json:"active_sessions"`
	BytesIn         int64 `json:"bytes_in"`
	BytesOut        int64 `json:"bytes_out"`
	AuthFailures    int64 `json:"auth_failures"`
	SecurityActions int64 `json:"security_actions"`
	DNSFailures     int64 `json:"dns_failures"`
	HealthChecks    int64 `json:"health_checks"`
	HealthFailures  int64 `json:"health_failures"`
	HealthLatencyMs int64 `json:"health_latency_ms"`
}

// Session is one live entry in the active session table.
type Session struct {
	ID       uint64    `json:"id"`
	Proxy    string    `json:"proxy"`
	ClientIP string    `json:"client_ip"`
	Target   string    `json:"target"`
	Username string    `json:"username,omitempty"`
	Country  string    `json:"country,omitempty"`
	Started  time.Time `json:"started"`
}

// Snapshot is a point-in-time copy of the collector state.
type Snapshot struct {
	Totals   map[string]ProxyTotals `json:"totals"`
	Sessions []Session              `json:"sessions"`
	Dropped  int64                  `json:"dropped_events"`
}

// Collector aggregates events delivered over a buffered channel.
type Collector struct {
	events  chan Event
	dropped atomic.Int64

	mu       sync.Mutex
	totals   map[string]*ProxyTotals
	sessions map[uint64]Session

	done chan struct{}
	once sync.Once

	nextSession atomic.Uint64
}

// NewCollector builds a collector and starts its aggregation loop.
func NewCollector(cfg config.StatsConfig) *Collector {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	c := &Collector{
		events:   make(chan Event, size),
		totals:   make(map[string]*ProxyTotals),
		sessions: make(map[uint64]Session),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// NextSessionID hands out session identifiers for the active table.
func (c *Collector) NextSessionID() uint64 {
	return c.nextSession.Add(1)
}

// Record submits an event without blocking. Events are dropped when the
// buffer is full.
func (c *Collector) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Close stops the aggregation loop after draining buffered events.
func (c *Collector) Close() {
	c.once.Do(func() {
		close(c.events)
		<-c.done
	})
}

func (c *Collector) run() {
	defer close(c.done)
	for ev := range c.events {
		c.apply(ev)
	}
}

func (c *Collector) apply(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	totals, ok := c.totals[ev.Proxy]
	if !ok {
		totals = &ProxyTotals{}
		c.totals[ev.Proxy] = totals
	}

	switch ev.Type {
	case SessionStart:
		totals.Sessions++
		totals.ActiveSessions++
		c.sessions[ev.SessionID] = Session{
			ID:       ev.SessionID,
			Proxy:    ev.Proxy,
			ClientIP: ev.ClientIP,
			Target:   ev.Target,
			Username: ev.Username,
			Country:  ev.Country,
			Started:  ev.Time,
		}
	case SessionEnd:
		if _, live := c.sessions[ev.SessionID]; live {
			totals.ActiveSessions--
			delete(c.sessions, ev.SessionID)
		}
		totals.BytesIn += ev.BytesIn
		totals.BytesOut += ev.BytesOut
	case AuthResult:
		if !ev.Success {
			totals.AuthFailures++
		}
	case SecurityAction:
		totals.SecurityActions++
	case DNSResult:
		if !ev.Success {
			totals.DNSFailures++
		}
	case HealthResult:
		totals.HealthChecks++
		if !ev.Success {
			totals.HealthFailures++
		}
		// Last observed probe round trip, not an average.
		totals.HealthLatencyMs = ev.Duration.Milliseconds()
	default:
		log.Debug().Str("type", string(ev.Type)).Msg("Stats: unknown event type")
	}
}

// Snapshot returns a copy of the aggregated state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Totals:   make(map[string]ProxyTotals, len(c.totals)),
		Sessions: make([]Session, 0, len(c.sessions)),
		Dropped:  c.dropped.Load(),
	}
	for name, totals := range c.totals {
		snap.Totals[name] = *totals
	}
	for _, s := range c.sessions {
		snap.Sessions = append(snap.Sessions, s)
	}
	return snap
}
