// Package api serves the router's admin surface: cluster and session
// state as JSON, the counters document, Prometheus metrics, and an
// embedded dashboard.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/config"
	"github.com/dbbouncer/rwsplit/internal/metrics"
	"github.com/dbbouncer/rwsplit/internal/proxy"
	"github.com/dbbouncer/rwsplit/internal/topology"
)

// Server is the REST API and metrics server.
type Server struct {
	proxy      *proxy.Server
	topo       *topology.Snapshot
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time

	mu  sync.Mutex
	cfg *config.Config
}

// NewServer creates a new API server.
func NewServer(p *proxy.Server, topo *topology.Snapshot, m *metrics.Collector, cfg *config.Config) *Server {
	return &Server{
		proxy:     p,
		topo:      topo,
		metrics:   m,
		startTime: time.Now(),
		cfg:       cfg,
	}
}

// SetConfig swaps the config shown on /config after a hot reload.
func (s *Server) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Server) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start starts the HTTP API server.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()

	// Admin surface (credential-gated when configured)
	r.HandleFunc("/servers", s.auth(s.serversHandler)).Methods("GET")
	r.HandleFunc("/sessions", s.auth(s.sessionsHandler)).Methods("GET")
	r.HandleFunc("/counters", s.auth(s.countersHandler)).Methods("GET")
	r.HandleFunc("/status", s.auth(s.statusHandler)).Methods("GET")
	r.HandleFunc("/config", s.auth(s.configHandler)).Methods("GET")

	// Health & readiness (always open, used by orchestrators)
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Admin dashboard, served at exactly "/" and "/dashboard" (mux path
	// templates match the whole path, so neither route is a catch-all)
	r.HandleFunc("/", s.auth(s.dashboardHandler)).Methods("GET")
	r.HandleFunc("/dashboard", s.auth(s.dashboardHandler)).Methods("GET")

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// auth wraps a handler with HTTP basic auth, comparing against the
// bcrypt hash in the listen config. With no admin credentials
// configured the surface stays open, matching a bind of 127.0.0.1.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := s.config()
		if cfg == nil || cfg.Listen.AdminUser == "" || cfg.Listen.AdminPasswordHash == "" {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Listen.AdminUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(cfg.Listen.AdminPasswordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="rwsplit"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

// --- Cluster Handlers ---

type serverResponse struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Role    string `json:"role"`
	LagMS   int    `json:"lag_ms"`
}

func (s *Server) serversHandler(w http.ResponseWriter, r *http.Request) {
	var result []serverResponse
	for _, srv := range s.topo.Servers() {
		result = append(result, serverResponse{
			Name:    srv.Name,
			Address: srv.Address,
			Role:    srv.Role.String(),
			LagMS:   srv.LagMS,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proxy.Sessions())
}

func (s *Server) countersHandler(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, metrics.Counters{})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Counters())
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	primary := s.topo.Primary()
	healthy := primary != nil && primary.Role == backend.RolePrimary

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	reachable := 0
	servers := s.topo.Servers()
	for _, srv := range servers {
		if srv.Reachable() {
			reachable++
		}
	}

	writeJSON(w, status, map[string]interface{}{
		"status":            boolToStatus(healthy),
		"servers_total":     len(servers),
		"servers_reachable": reachable,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready as soon as any server is reachable: reads can be served
	// without a primary.
	for _, srv := range s.topo.Servers() {
		if srv.Reachable() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	resp := map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"sessions":       len(s.proxy.Sessions()),
	}
	if cfg := s.config(); cfg != nil {
		resp["listen"] = map[string]int{
			"mysql_port": cfg.Listen.MySQLPort,
			"api_port":   cfg.Listen.APIPort,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	if cfg == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]interface{}{
			"mysql_port": cfg.Listen.MySQLPort,
			"api_port":   cfg.Listen.APIPort,
			"api_bind":   cfg.Listen.APIBind,
		},
		"cluster": cfg.Cluster.Redacted(),
		"routing": cfg.Routing,
		"sescmd":  cfg.Sescmd,
		"causal_reads": map[string]interface{}{
			"enabled":       cfg.CausalReads.Enabled,
			"timeout":       cfg.CausalReads.Timeout.String(),
			"server_family": cfg.CausalReads.ServerFamily,
		},
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
