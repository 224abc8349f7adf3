// Package dnsengine resolves hostnames for outbound proxy connections.
// Lookups pass a domain blacklist, then an LRU answer cache, then the
// configured remote resolvers, queried serially or raced in parallel.
package dnsengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"egress-proxy/internal/config"
)

const (
	defaultQueryTimeout   = 3 * time.Second
	defaultOverallTimeout = 5 * time.Second
	defaultCacheSize      = 1024
	defaultMinTTL         = 30 * time.Second
	defaultMaxTTL         = 1 * time.Hour
)

var (
	// ErrBlocked is returned for hostnames matching the configured
	// blacklist. The check runs before the cache and before any network
	// lookup, so a blocked domain stays unreachable even when cached.
	ErrBlocked = errors.New("domain is blocked")

	// ErrResolutionFailed is returned when every configured resolver
	// failed or the overall deadline elapsed.
	ErrResolutionFailed = errors.New("dns resolution failed")
)

// queryFunc performs a single A/AAAA query pair against one resolver and
// returns the addresses found. Swapped out in tests.
type queryFunc func(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error)

// systemLookupFunc resolves via the host's stock resolver. Used when no
// remote resolvers are configured; this path is not interface-bound.
type systemLookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Engine is the shared resolver used by all proxy instances.
type Engine struct {
	resolvers      []string
	strategy       string
	queryTimeout   time.Duration
	overallTimeout time.Duration
	minTTL         time.Duration
	maxTTL         time.Duration

	blockedExact    map[string]struct{}
	blockedPatterns []glob.Glob
	bindIP          net.IP

	cache *lruCache

	query        queryFunc
	systemLookup systemLookupFunc
	now          func() time.Time
}

// New builds an Engine from configuration. Blocked patterns are compiled
// eagerly so a bad pattern fails startup instead of every lookup.
func New(cfg config.DNSConfig) (*Engine, error) {
	queryTimeout, err := config.Duration(cfg.QueryTimeout, defaultQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dns query_timeout: %w", err)
	}
	overallTimeout, err := config.Duration(cfg.OverallTimeout, defaultOverallTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dns overall_timeout: %w", err)
	}
	minTTL, err := config.Duration(cfg.MinTTL, defaultMinTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid dns min_ttl: %w", err)
	}
	maxTTL, err := config.Duration(cfg.MaxTTL, defaultMaxTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid dns max_ttl: %w", err)
	}
	if minTTL > maxTTL {
		return nil, fmt.Errorf("dns min_ttl %s exceeds max_ttl %s", minTTL, maxTTL)
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = config.SerialStrategy
	}

	var bindIP net.IP
	if cfg.BindIP != "" {
		bindIP = net.ParseIP(cfg.BindIP)
		if bindIP == nil {
			return nil, fmt.Errorf("invalid dns bind_ip '%s'", cfg.BindIP)
		}
	}

	e := &Engine{
		resolvers:      normalizeResolvers(cfg.Resolvers),
		strategy:       strategy,
		queryTimeout:   queryTimeout,
		overallTimeout: overallTimeout,
		minTTL:         minTTL,
		maxTTL:         maxTTL,
		blockedExact:   make(map[string]struct{}),
		bindIP:         bindIP,
		cache:          newLRUCache(cacheSize),
		now:            time.Now,
	}
	e.query = e.exchange
	e.systemLookup = func(ctx context.Context, host string) ([]net.IP, error) {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
		return ips, nil
	}

	for _, domain := range cfg.BlockedDomains {
		e.blockedExact[strings.ToLower(strings.TrimSuffix(domain, "."))] = struct{}{}
	}
	for _, pattern := range cfg.BlockedPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid dns blocked pattern '%s': %w", pattern, err)
		}
		e.blockedPatterns = append(e.blockedPatterns, g)
	}

	return e, nil
}

// normalizeResolvers appends the default DNS port to bare addresses.
func normalizeResolvers(resolvers []string) []string {
	out := make([]string, 0, len(resolvers))
	for _, r := range resolvers {
		if _, _, err := net.SplitHostPort(r); err != nil {
			r = net.JoinHostPort(r, "53")
		}
		out = append(out, r)
	}
	return out
}

// Resolve returns the addresses for host. Blacklist, then cache, then
// remote resolution per the configured strategy.
func (e *Engine) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	name := strings.ToLower(strings.TrimSuffix(host, "."))

	if ip := net.ParseIP(name); ip != nil {
		return []net.IP{ip}, nil
	}

	if e.isBlocked(name) {
		log.Info().Str("domain", name).Msg("DNS: domain blocked")
		return nil, fmt.Errorf("%w: %s", ErrBlocked, name)
	}

	if ips, ok := e.cache.get(name, e.now()); ok {
		log.Debug().Str("domain", name).Msg("DNS: answered from cache")
		return ips, nil
	}

	if len(e.resolvers) == 0 {
		ips, err := e.systemLookup(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: system resolver: %v", ErrResolutionFailed, err)
		}
		e.store(name, ips, 0)
		return ips, nil
	}

	var (
		ips []net.IP
		ttl uint32
		err error
	)
	if e.strategy == config.ParallelStrategy {
		ips, ttl, err = e.resolveParallel(ctx, name)
	} else {
		ips, ttl, err = e.resolveSerial(ctx, name)
	}
	if err != nil {
		return nil, err
	}

	e.store(name, ips, ttl)
	log.Debug().Str("domain", name).Int("addresses", len(ips)).Msg("DNS: answered from upstream")
	return ips, nil
}

func (e *Engine) isBlocked(name string) bool {
	if _, ok := e.blockedExact[name]; ok {
		return true
	}
	// Suffix match: blocking example.com also blocks sub.example.com.
	for suffix := name; ; {
		i := strings.IndexByte(suffix, '.')
		if i < 0 {
			break
		}
		suffix = suffix[i+1:]
		if _, ok := e.blockedExact[suffix]; ok {
			return true
		}
	}
	for _, g := range e.blockedPatterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// resolveSerial tries resolvers in configured order, each under its own
// timeout. First success wins.
func (e *Engine) resolveSerial(ctx context.Context, name string) ([]net.IP, uint32, error) {
	fqdn := dns.Fqdn(name)
	var lastErr error
	for _, server := range e.resolvers {
		queryCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
		ips, ttl, err := e.query(queryCtx, server, fqdn)
		cancel()
		if err == nil && len(ips) > 0 {
			return ips, ttl, nil
		}
		if err != nil {
			lastErr = err
			log.Debug().Str("domain", name).Str("resolver", server).Err(err).Msg("DNS: resolver failed, trying next")
		}
		if ctx.Err() != nil {
			return nil, 0, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, name, ctx.Err())
		}
	}
	if lastErr != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, name, lastErr)
	}
	return nil, 0, fmt.Errorf("%w: %s: no records", ErrResolutionFailed, name)
}

type raceResult struct {
	ips []net.IP
	ttl uint32
	err error
}

// resolveParallel races all resolvers under one overall deadline. The
// first success wins and the losers are cancelled.
func (e *Engine) resolveParallel(ctx context.Context, name string) ([]net.IP, uint32, error) {
	fqdn := dns.Fqdn(name)
	raceCtx, cancel := context.WithTimeout(ctx, e.overallTimeout)
	defer cancel()

	results := make(chan raceResult, len(e.resolvers))
	var wg sync.WaitGroup
	for _, server := range e.resolvers {
		wg.Add(1)
		go func(server string) {
			defer wg.Done()
			queryCtx, queryCancel := context.WithTimeout(raceCtx, e.queryTimeout)
			defer queryCancel()
			ips, ttl, err := e.query(queryCtx, server, fqdn)
			if err == nil && len(ips) == 0 {
				err = errors.New("no records")
			}
			results <- raceResult{ips: ips, ttl: ttl, err: err}
		}(server)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for {
		select {
		case res, ok := <-results:
			if !ok {
				if lastErr == nil {
					lastErr = errors.New("no resolvers")
				}
				return nil, 0, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, name, lastErr)
			}
			if res.err == nil {
				cancel()
				return res.ips, res.ttl, nil
			}
			lastErr = res.err
		case <-raceCtx.Done():
			return nil, 0, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, name, raceCtx.Err())
		}
	}
}

// exchange queries one resolver for A then AAAA records. When a bind
// address is configured the query socket is tied to it, so DNS traffic
// follows the same egress path as the proxied sessions.
func (e *Engine) exchange(ctx context.Context, server, fqdn string) ([]net.IP, uint32, error) {
	client := new(dns.Client)
	if e.bindIP != nil {
		client.Dialer = &net.Dialer{LocalAddr: &net.UDPAddr{IP: e.bindIP}}
	}
	var (
		ips []net.IP
		ttl uint32
	)
	for _, qType := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qType)
		resp, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			if len(ips) > 0 {
				break
			}
			return nil, 0, fmt.Errorf("query %s against %s: %w", dns.TypeToString[qType], server, err)
		}
		for _, answer := range resp.Answer {
			switch v := answer.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			default:
				continue
			}
			hdr := answer.Header()
			if ttl == 0 || hdr.Ttl < ttl {
				ttl = hdr.Ttl
			}
		}
		if len(ips) > 0 && qType == dns.TypeA {
			// A records suffice for most targets; skip the AAAA round trip.
			break
		}
	}
	return ips, ttl, nil
}

// store caches the answer with the record TTL clamped to the configured
// floor and ceiling. A zero TTL (system resolver path) uses the floor.
func (e *Engine) store(name string, ips []net.IP, ttl uint32) {
	d := time.Duration(ttl) * time.Second
	if d < e.minTTL {
		d = e.minTTL
	}
	if d > e.maxTTL {
		d = e.maxTTL
	}
	e.cache.put(name, ips, e.now().Add(d))
}

// CacheLen reports the number of cached answers.
func (e *Engine) CacheLen() int {
	return e.cache.len()
}
