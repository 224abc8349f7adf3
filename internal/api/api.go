// Package api serves the JSON management endpoints: runtime stats,
// session and security state, and interface discovery.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"egress-proxy/internal/netutil"
	"egress-proxy/internal/security"
	"egress-proxy/internal/stats"
	"egress-proxy/internal/store"
)

const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	headerReadTimeout = 5 * time.Second
	maxHeaderBytes    = 16 * 1024

	banHistoryLimit = 100
)

// ProxyInfo is the /api/proxies view of one configured proxy.
type ProxyInfo struct {
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	ListenAddress   string `json:"listen_address"`
	BoundAddress    string `json:"bound_address,omitempty"`
	EgressInterface string `json:"egress_interface,omitempty"`
	EgressIP        string `json:"egress_ip,omitempty"`
	Running         bool   `json:"running"`
}

// Deps are the services the API reads from. Store is optional; the ban
// history section is omitted without it.
type Deps struct {
	Stats    *stats.Collector
	Security *security.Manager
	Store    *store.Store
	Proxies  func() []ProxyInfo
}

// Server is the management HTTP server.
type Server struct {
	deps Deps
	srv  *http.Server
}

// New builds the API server on addr.
func New(addr string, deps Deps) *Server {
	s := &Server{deps: deps}

	r := mux.NewRouter()
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/proxies", s.handleProxies).Methods(http.MethodGet)
	r.HandleFunc("/api/interfaces", s.handleInterfaces).Methods(http.MethodGet)
	r.HandleFunc("/api/security/status/{ip}", s.handleSecurityStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/security/bans", s.handleSecurityBans).Methods(http.MethodGet)
	r.HandleFunc("/api/security/unban/{ip}", s.handleUnban).Methods(http.MethodPost)
	r.HandleFunc("/api/security/lists/{list}", s.handleListEntries).Methods(http.MethodGet)
	r.HandleFunc("/api/security/lists/{list}", s.handleAddListEntry).Methods(http.MethodPost)
	r.HandleFunc("/api/security/lists/{list}", s.handleRemoveListEntry).Methods(http.MethodDelete)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: headerReadTimeout,
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown failed")
		}
	}()

	log.Info().Str("address", s.srv.Addr).Msg("Starting management API server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats collection is disabled")
		return
	}
	snap := s.deps.Stats.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"totals":  snap.Totals,
		"dropped": snap.Dropped,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats collection is disabled")
		return
	}
	snap := s.deps.Stats.Snapshot()
	writeJSON(w, http.StatusOK, snap.Sessions)
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proxies == nil {
		writeJSON(w, http.StatusOK, []ProxyInfo{})
		return
	}
	infos := s.deps.Proxies()
	if infos == nil {
		infos = []ProxyInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	outbound, err := netutil.OutboundInterfaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enumerate interfaces")
		return
	}
	listening, err := netutil.ListeningInterfaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enumerate interfaces")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outbound":  outbound,
		"listening": listening,
	})
}

func (s *Server) clientIP(r *http.Request) (net.IP, bool) {
	raw := mux.Vars(r)["ip"]
	ip := net.ParseIP(raw)
	return ip, ip != nil
}

func (s *Server) handleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security is disabled")
		return
	}
	ip, ok := s.clientIP(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid IP address")
		return
	}

	resp := map[string]any{"status": s.deps.Security.Status(ip)}
	if s.deps.Store != nil {
		history, err := s.deps.Store.BansForIP(ip.String(), banHistoryLimit)
		if err != nil {
			log.Error().Err(err).Str("ip", ip.String()).Msg("Failed to read ban history")
		} else {
			resp["history"] = history
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSecurityBans(w http.ResponseWriter, r *http.Request) {
	if s.deps.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security is disabled")
		return
	}

	active := s.deps.Security.ActiveBans()
	if active == nil {
		active = []security.Snapshot{}
	}
	resp := map[string]any{"active": active}
	if s.deps.Store != nil {
		history, err := s.deps.Store.RecentBans(banHistoryLimit)
		if err != nil {
			log.Error().Err(err).Msg("Failed to read ban history")
		} else {
			resp["history"] = history
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	if s.deps.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security is disabled")
		return
	}
	ip, ok := s.clientIP(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid IP address")
		return
	}

	if !s.deps.Security.Unban(ip) {
		writeError(w, http.StatusNotFound, "no active ban for this IP")
		return
	}
	log.Info().Str("ip", ip.String()).Msg("Ban lifted via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
}

// List edits apply to the live sets immediately and are persisted when
// a store is open; persisted entries are folded back in at startup.

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security is disabled")
		return
	}
	list := mux.Vars(r)["list"]
	active, err := s.deps.Security.ListEntries(list)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if active == nil {
		active = []string{}
	}

	resp := map[string]any{"list": list, "active": active}
	if s.deps.Store != nil {
		persisted, err := s.deps.Store.ListEntries(list)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read list entries")
			return
		}
		if persisted == nil {
			persisted = []store.ListEntry{}
		}
		resp["persisted"] = persisted
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddListEntry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security is disabled")
		return
	}
	var body struct {
		Entry  string `json:"entry"`
		Remark string `json:"remark"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Entry == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty 'entry'")
		return
	}

	list := mux.Vars(r)["list"]
	if err := s.deps.Security.AddListEntry(list, body.Entry); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := store.ListEntry{
		List:      list,
		Entry:     body.Entry,
		Remark:    body.Remark,
		CreatedBy: "api",
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.AddListEntry(entry); err != nil {
			log.Error().Err(err).Str("list", list).Str("entry", body.Entry).Msg("List entry applied but not persisted")
		}
	}
	log.Info().Str("list", list).Str("entry", body.Entry).Msg("List entry added via API")
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRemoveListEntry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Security == nil {
		writeError(w, http.StatusServiceUnavailable, "security is disabled")
		return
	}
	entry := r.URL.Query().Get("entry")
	if entry == "" {
		writeError(w, http.StatusBadRequest, "missing 'entry' query parameter")
		return
	}

	list := mux.Vars(r)["list"]
	removed, err := s.deps.Security.RemoveListEntry(list, entry)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.RemoveListEntry(list, entry); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete list entry")
			return
		}
	}
	if !removed {
		writeError(w, http.StatusNotFound, "entry not in the active list")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
