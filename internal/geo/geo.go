// Package geo resolves client IPs to a country label for session
// attribution. Lookups are best effort: a failed or slow source never
// blocks the calling session.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog/log"

	"egress-proxy/internal/config"
)

const (
	// SourceMMDB reads a local MaxMind database file.
	SourceMMDB = "mmdb"
	// SourceOnline queries an HTTP geolocation endpoint.
	SourceOnline = "online"

	defaultTimeout  = 2 * time.Second
	defaultCacheTTL = time.Hour
	maxCacheEntries = 4096
)

type cacheEntry struct {
	country string
	expires time.Time
}

// Locator answers country lookups from a configurable priority of
// sources, with a TTL cache in front.
type Locator struct {
	priority []string
	db       *maxminddb.Reader
	client   *http.Client
	urlfmt   string
	timeout  time.Duration
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

// New builds a Locator from the geo configuration. It returns nil when
// geolocation is disabled; a nil Locator serves empty lookups.
func New(cfg config.GeoConfig) (*Locator, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	timeout, err := config.Duration(cfg.Timeout, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("geo: invalid 'timeout': %w", err)
	}
	cacheTTL, err := config.Duration(cfg.CacheTTL, defaultCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("geo: invalid 'cache_ttl': %w", err)
	}

	l := &Locator{
		timeout:  timeout,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}

	for _, source := range cfg.Priority {
		switch source {
		case SourceMMDB, SourceOnline:
			l.priority = append(l.priority, source)
		default:
			return nil, fmt.Errorf("geo: unknown source '%s' in 'priority'", source)
		}
	}

	if cfg.MMDBPath != "" {
		db, err := maxminddb.Open(cfg.MMDBPath)
		if err != nil {
			return nil, fmt.Errorf("geo: failed to open MMDB file: %w", err)
		}
		l.db = db
		if len(cfg.Priority) == 0 {
			l.priority = append(l.priority, SourceMMDB)
		}
	}
	if cfg.OnlineURL != "" {
		l.urlfmt = cfg.OnlineURL
		l.client = &http.Client{Timeout: timeout}
		if len(cfg.Priority) == 0 {
			l.priority = append(l.priority, SourceOnline)
		}
	}

	if len(l.priority) == 0 {
		return nil, fmt.Errorf("geo: enabled but no usable source configured")
	}
	for _, source := range l.priority {
		if source == SourceMMDB && l.db == nil {
			return nil, fmt.Errorf("geo: source '%s' listed in 'priority' but 'mmdb_path' is not set", SourceMMDB)
		}
		if source == SourceOnline && l.urlfmt == "" {
			return nil, fmt.Errorf("geo: source '%s' listed in 'priority' but 'online_url' is not set", SourceOnline)
		}
	}

	return l, nil
}

// Close releases the MMDB reader.
func (l *Locator) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Lookup returns a country label for the IP, or "" when no source can
// answer. Private and loopback addresses short-circuit to "local".
func (l *Locator) Lookup(ctx context.Context, ip net.IP) string {
	if l == nil || ip == nil {
		return ""
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return "local"
	}

	key := ip.String()
	if country, ok := l.cached(key); ok {
		return country
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	for _, source := range l.priority {
		var (
			country string
			err     error
		)
		switch source {
		case SourceMMDB:
			country, err = l.lookupMMDB(ip)
		case SourceOnline:
			country, err = l.lookupOnline(ctx, key)
		}
		if err != nil {
			log.Debug().Err(err).Str("source", source).Str("ip", key).Msg("Geo: lookup failed")
			continue
		}
		if country != "" {
			l.store(key, country)
			return country
		}
	}

	// Negative results are cached too so unknown IPs do not hit the
	// sources on every session.
	l.store(key, "")
	return ""
}

func (l *Locator) cached(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.cache[key]
	if !ok {
		return "", false
	}
	if l.now().After(entry.expires) {
		delete(l.cache, key)
		return "", false
	}
	return entry.country, true
}

func (l *Locator) store(key, country string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cache) >= maxCacheEntries {
		now := l.now()
		for k, entry := range l.cache {
			if now.After(entry.expires) {
				delete(l.cache, k)
			}
		}
		// Still full after dropping expired entries: evict arbitrarily.
		for k := range l.cache {
			if len(l.cache) < maxCacheEntries {
				break
			}
			delete(l.cache, k)
		}
	}
	l.cache[key] = cacheEntry{country: country, expires: l.now().Add(l.cacheTTL)}
}

func (l *Locator) lookupMMDB(ip net.IP) (string, error) {
	var record struct {
		Country struct {
			ISOCode string            `maxminddb:"iso_code"`
			Names   map[string]string `maxminddb:"names"`
		} `maxminddb:"country"`
	}
	if err := l.db.Lookup(ip, &record); err != nil {
		return "", fmt.Errorf("mmdb lookup: %w", err)
	}
	if name := record.Country.Names["en"]; name != "" {
		return name, nil
	}
	return record.Country.ISOCode, nil
}

// onlineResponse covers the common field spellings of public
// geolocation APIs.
type onlineResponse struct {
	Country     string `json:"country"`
	CountryName string `json:"country_name"`
	Status      string `json:"status"`
}

func (l *Locator) lookupOnline(ctx context.Context, ip string) (string, error) {
	url := l.urlfmt
	if strings.Contains(url, "%s") {
		url = fmt.Sprintf(url, ip)
	} else {
		url = strings.TrimRight(url, "/") + "/" + ip
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("online lookup: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("online lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("online lookup: unexpected status %d", resp.StatusCode)
	}

	var body onlineResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("online lookup: decode response: %w", err)
	}
	if body.Status != "" && body.Status != "success" {
		return "", fmt.Errorf("online lookup: status '%s'", body.Status)
	}
	if body.Country != "" {
		return body.Country, nil
	}
	return body.CountryName, nil
}
