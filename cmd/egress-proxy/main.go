// Package main is the entry point for the egress proxy daemon.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"egress-proxy/internal/api"
	"egress-proxy/internal/config"
	"egress-proxy/internal/dnsengine"
	"egress-proxy/internal/geo"
	"egress-proxy/internal/healthcheck"
	"egress-proxy/internal/manager"
	"egress-proxy/internal/netutil"
	"egress-proxy/internal/proxy"
	"egress-proxy/internal/security"
	"egress-proxy/internal/stats"
	"egress-proxy/internal/store"
)

// sampleConfigYAML is a template for the configuration file.
const sampleConfigYAML = `# -----------------------------------------------------------------------------
# Global Settings for the Egress Proxy Daemon
# -----------------------------------------------------------------------------
log_level: "info" # Options: "debug", "info", "warn", "error"

# The address for the JSON management API. Omit to disable the API.
api_address: "127.0.0.1:8081"

# -----------------------------------------------------------------------------
# DNS Engine
# -----------------------------------------------------------------------------
dns:
  # Upstream resolvers; a bare IP gets ":53" appended. When the list is
  # empty the system resolver is used.
  resolvers:
    - "1.1.1.1"
    - "8.8.8.8"
  # "serial" tries resolvers in order; "parallel" races them all.
  strategy: "parallel"
  # Source address for resolver queries, to route DNS through a chosen
  # egress interface. Omit to let the OS pick.
  # bind_ip: "198.51.100.7"
  query_timeout: "2s"
  overall_timeout: "5s"
  cache_size: 2048
  # Answer TTLs are clamped into [min_ttl, max_ttl].
  min_ttl: "30s"
  max_ttl: "1h"
  # Exact names (subdomains included) and glob patterns that are refused.
  blocked_domains:
    - "doubleclick.net"
  blocked_patterns:
    - "*.tracker.*"

# -----------------------------------------------------------------------------
# Security: permanent lists and abuse detection
# -----------------------------------------------------------------------------
security:
  # "blacklist" rejects listed sources, "whitelist" rejects everything
  # else, "mixed" checks the whitelist first.
  mode: "blacklist"
  whitelist: []
  blacklist: []
  #  - "203.0.113.0/24"
  #  - "198.51.100.1-198.51.100.50"
  # SQLite file for the ban history. Omit to keep history in memory only.
  history_db_path: "security.db"
  auth_failure:
    threshold: 5
    window: "5m"
    ban_duration: "1h"
  rapid_connect:
    threshold: 50
    window: "1m"
    ban_duration: "10m"
    # Per-listener-kind overrides; browsers legitimately open many
    # parallel HTTP connections.
    # http_threshold: 200
    # socks_threshold: 50
  malformed_request:
    threshold: 10
    window: "5m"
    ban_duration: "30m"

# -----------------------------------------------------------------------------
# Geolocation (best effort, used for session attribution only)
# -----------------------------------------------------------------------------
geo:
  enabled: false
  # mmdb_path: "/var/lib/egress-proxy/GeoLite2-Country.mmdb"
  # online_url: "http://ip-api.com/json/%s"
  # priority: ["mmdb", "online"]
  timeout: "2s"
  cache_ttl: "1h"

stats:
  buffer_size: 4096

# -----------------------------------------------------------------------------
# Periodic self-probe of every running proxy
# -----------------------------------------------------------------------------
health_check:
  enabled: false
  interval: "1m"
  timeout: "10s"
  target: "www.google.com:443"
  # Plaintext credentials for probing auth-enabled proxies.
  # username: "probe"
  # password: "probe-password"

# -----------------------------------------------------------------------------
# Proxy Definitions
# -----------------------------------------------------------------------------
proxies:
  # --- SOCKS5 proxy leaving through a specific interface ---
  - name: "socks-wan1"
    enabled: true
    kind: "socks5"
    listen_address: "0.0.0.0:1080"
    egress_interface: "eth0"
    security_enabled: true
    idle_timeout: "5m"
    auth:
      enabled: true
      users:
        # Generate hashes with: ./hash-password
        - username: "myuser"
          password: "$argon2id$v=19$m=65536,t=1,p=4$b2PdhQYL0o78xq0nJ07g0w$zp6+FLec+r6tUCSOGlpXVd7GZF3m1LNIlJ+aV657UNc"

  # --- HTTP proxy pinned to a static egress address ---
  # - name: "http-wan2"
  #   enabled: true
  #   kind: "http"
  #   listen_address: "0.0.0.0:8080"
  #   egress_ip: "198.51.100.7"
  #   security_enabled: true
  #   # Expect a PROXY protocol v2 header from the load balancer.
  #   proxy_protocol: "v2"

  # --- HTTPS (TLS-wrapped HTTP proxy) ---
  # - name: "https-wan1"
  #   enabled: true
  #   kind: "https"
  #   listen_address: "0.0.0.0:8443"
  #   egress_interface: "eth0"
  #   tls_cert_path: "server.crt"
  #   tls_key_path: "server.key"
`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	generateConfig := flag.Bool("generate-config", false, "Generate a sample config.yaml and exit.")
	flag.Parse()

	if *generateConfig {
		fmt.Printf("%s", sampleConfigYAML)
		os.Exit(0)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load or validate initial configuration")
	}
	configManager := manager.New(cfg, *configPath)

	logLevel, err := zerolog.ParseLevel(string(cfg.LogLevel))
	if err != nil {
		logLevel = zerolog.InfoLevel
		log.Warn().Str("configured_level", string(cfg.LogLevel)).Msg("Invalid log level, defaulting to 'info'")
	}
	zerolog.SetGlobalLevel(logLevel)

	resolver, err := dnsengine.New(cfg.DNS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize DNS engine")
	}

	var historyStore *store.Store
	if cfg.Security.HistoryDBPath != "" {
		historyStore, err = store.Open(cfg.Security.HistoryDBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open security history database")
		}
		defer historyStore.Close()
	}

	secCfg, err := loadStoredLists(cfg.Security, historyStore)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load persisted list entries")
	}

	securityManager, err := security.NewManager(secCfg, historyRecorder(historyStore))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize security manager")
	}

	geoLocator, err := geo.New(cfg.Geo)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize geolocation")
	}
	defer geoLocator.Close()

	collector := stats.NewCollector(cfg.Stats)
	defer collector.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	registry := &proxyRegistry{proxies: make(map[string]*runningProxy)}

	wg.Add(1)
	go manageProxies(ctx, &wg, configManager, registry, proxy.Deps{
		Security: securityManager,
		Resolver: resolver,
		Stats:    collector,
		Geo:      geoLocator,
	})

	// SIGHUP re-reads the config file. Proxy definitions take effect on
	// the next reconcile pass; engine-level settings need a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			log.Info().Msg("SIGHUP received, reloading configuration")
			if err := configManager.Reload(); err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
			}
		}
	}()

	checker, err := healthcheck.New(cfg.HealthCheck, registry.probes(cfg.HealthCheck), collector)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize health checker")
	}
	if checker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checker.Run(ctx)
		}()
	}

	if cfg.APIAddress != "" {
		apiServer := api.New(cfg.APIAddress, api.Deps{
			Stats:    collector,
			Security: securityManager,
			Store:    historyStore,
			Proxies:  registry.infos,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("API server failed")
			}
		}()
	}

	<-ctx.Done()
	stop()
	log.Warn().Msg("Shutdown signal received, waiting for all services to stop...")
	wg.Wait()
	log.Info().Msg("All services stopped. Daemon has shut down gracefully.")
}

// historyRecorder adapts the optional store to the security interface
// without handing it a typed nil.
func historyRecorder(s *store.Store) security.HistoryRecorder {
	if s == nil {
		return nil
	}
	return s
}

// loadStoredLists folds list entries persisted through the API back
// into the configured whitelist and blacklist. Slices are copied so
// the loaded config is left untouched.
func loadStoredLists(cfg config.SecurityConfig, s *store.Store) (config.SecurityConfig, error) {
	if s == nil {
		return cfg, nil
	}
	cfg.Whitelist = append([]string(nil), cfg.Whitelist...)
	cfg.Blacklist = append([]string(nil), cfg.Blacklist...)
	for list, target := range map[string]*[]string{
		security.WhitelistName: &cfg.Whitelist,
		security.BlacklistName: &cfg.Blacklist,
	} {
		entries, err := s.ListEntries(list)
		if err != nil {
			return cfg, fmt.Errorf("could not load persisted %s: %w", list, err)
		}
		for _, e := range entries {
			*target = append(*target, e.Entry)
		}
	}
	return cfg, nil
}

// runningProxy tracks one live proxy instance.
type runningProxy struct {
	cancel     context.CancelFunc
	configHash string
	srv        *proxy.Server
	cfg        config.ProxyConfig
}

// proxyRegistry is the shared view of running proxies for the API and
// the health checker.
type proxyRegistry struct {
	mu      sync.RWMutex
	proxies map[string]*runningProxy
}

func (r *proxyRegistry) infos() []api.ProxyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]api.ProxyInfo, 0, len(r.proxies))
	for _, p := range r.proxies {
		info := api.ProxyInfo{
			Name:            p.cfg.Name,
			Kind:            string(p.cfg.Kind),
			ListenAddress:   p.cfg.ListenAddress,
			EgressInterface: p.cfg.EgressInterface,
			EgressIP:        p.cfg.EgressIP,
			Running:         true,
		}
		if addr := p.srv.Addr(); addr != nil {
			info.BoundAddress = addr.String()
		}
		infos = append(infos, info)
	}
	return infos
}

// probes returns the health checker's view: one probe per running
// proxy, reachable over loopback on the bound port.
func (r *proxyRegistry) probes(hc config.HealthCheckConfig) func() []healthcheck.Probe {
	return func() []healthcheck.Probe {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var probes []healthcheck.Probe
		for _, p := range r.proxies {
			addr := p.srv.Addr()
			if addr == nil {
				continue
			}
			tcpAddr, ok := addr.(*net.TCPAddr)
			if !ok {
				continue
			}
			probe := healthcheck.Probe{
				Name:    p.cfg.Name,
				Kind:    p.cfg.Kind,
				Address: net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", tcpAddr.Port)),
			}
			if p.cfg.Auth.Enabled {
				probe.Username = hc.Username
				probe.Password = hc.Password
			}
			probes = append(probes, probe)
		}
		return probes
	}
}

// getConfigHash fingerprints a proxy's configuration so the
// reconciliation loop can detect changes.
func getConfigHash(proxyCfg config.ProxyConfig) string {
	bytes, err := json.Marshal(proxyCfg)
	if err != nil {
		log.Error().Err(err).Str("proxy_name", proxyCfg.Name).Msg("Failed to marshal proxy config for hashing")
		return ""
	}
	hash := sha256.Sum256(bytes)
	return hex.EncodeToString(hash[:])
}

// manageProxies reconciles the running proxies against the current
// configuration: changed or removed proxies are stopped, missing ones
// started. Only the affected proxy restarts on a config change.
func manageProxies(ctx context.Context, wg *sync.WaitGroup, cm *manager.ConfigManager, registry *proxyRegistry, deps proxy.Deps) {
	defer wg.Done()

	// instances holds an entry from proxy start until its serve goroutine
	// has fully exited, so a restart cannot race the old listener.
	instances := make(map[string]chan struct{})
	var instancesMu sync.Mutex

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	reconcile := func() {
		cfg := cm.Get()

		desired := make(map[string]string)
		for _, proxyCfg := range cfg.Proxies {
			if proxyCfg.Enabled {
				desired[proxyCfg.Name] = getConfigHash(proxyCfg)
			}
		}

		// Stop outdated or removed proxies.
		registry.mu.Lock()
		for name, p := range registry.proxies {
			desiredHash, stillDesired := desired[name]
			if stillDesired && p.configHash == desiredHash {
				continue
			}
			reason := "config changed"
			if !stillDesired {
				reason = "disabled or removed"
			}
			log.Warn().Str("proxy_name", name).Str("reason", reason).Msg("Stopping proxy")
			p.cancel()
			delete(registry.proxies, name)
		}
		registry.mu.Unlock()

		// Start missing proxies.
		for _, proxyCfg := range cfg.Proxies {
			if !proxyCfg.Enabled {
				continue
			}
			name := proxyCfg.Name

			registry.mu.RLock()
			_, running := registry.proxies[name]
			registry.mu.RUnlock()
			instancesMu.Lock()
			_, alive := instances[name]
			instancesMu.Unlock()
			if running || alive {
				continue
			}

			srv, err := buildProxy(proxyCfg, deps)
			if err != nil {
				log.Error().Err(err).Str("proxy_name", name).Msg("Failed to create proxy")
				continue
			}

			proxyCtx, cancel := context.WithCancel(ctx)
			registry.mu.Lock()
			registry.proxies[name] = &runningProxy{
				cancel:     cancel,
				configHash: desired[name],
				srv:        srv,
				cfg:        proxyCfg,
			}
			registry.mu.Unlock()

			done := make(chan struct{})
			instancesMu.Lock()
			instances[name] = done
			instancesMu.Unlock()

			wg.Add(1)
			go func(srv *proxy.Server, name string) {
				defer wg.Done()
				defer close(done)
				defer cancel()

				if err := srv.Start(proxyCtx); err != nil {
					log.Error().Err(err).Str("proxy_name", name).Msg("Proxy exited with error")
				} else {
					log.Info().Str("proxy_name", name).Msg("Proxy stopped gracefully")
				}

				registry.mu.Lock()
				delete(registry.proxies, name)
				registry.mu.Unlock()
				instancesMu.Lock()
				delete(instances, name)
				instancesMu.Unlock()
			}(srv, name)
		}
	}

	reconcile()
	for {
		select {
		case <-ctx.Done():
			log.Warn().Msg("Proxy manager stopping...")
			registry.mu.RLock()
			for name, p := range registry.proxies {
				log.Info().Str("proxy_name", name).Msg("Stopping proxy due to shutdown signal")
				p.cancel()
			}
			registry.mu.RUnlock()
			return
		case <-ticker.C:
			reconcile()
		}
	}
}

// buildProxy resolves the proxy's egress address and constructs the
// server. Interface names resolve afresh at every start so address
// changes between restarts are picked up.
func buildProxy(proxyCfg config.ProxyConfig, deps proxy.Deps) (*proxy.Server, error) {
	var bindIP net.IP
	if proxyCfg.EgressInterface != "" {
		ip, err := netutil.ResolveInterfaceIPv4(proxyCfg.EgressInterface)
		if err != nil {
			return nil, fmt.Errorf("could not resolve egress interface: %w", err)
		}
		bindIP = ip
	} else if proxyCfg.EgressIP != "" {
		bindIP = net.ParseIP(proxyCfg.EgressIP)
	}

	factory := &netutil.Factory{BindIP: bindIP}
	deps.Dialer = factory
	deps.Listener = factory
	return proxy.New(proxyCfg, deps)
}
