package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/config"
	"github.com/dbbouncer/rwsplit/internal/metrics"
	"github.com/dbbouncer/rwsplit/internal/proxy"
	"github.com/dbbouncer/rwsplit/internal/session"
	"github.com/dbbouncer/rwsplit/internal/topology"
)

func testServer(t *testing.T, cfg *config.Config) (*Server, *topology.Snapshot, *metrics.Collector) {
	t.Helper()
	topo := topology.NewSnapshot([]*backend.Server{
		{Name: "server1", Address: "127.0.0.1:3306", Role: backend.RolePrimary},
		{Name: "server2", Address: "127.0.0.1:3307", Role: backend.RoleReplica, LagMS: 40},
	})
	m := metrics.New()
	p := proxy.NewServer("127.0.0.1:0", session.DefaultConfig(), backend.Credentials{}, topo, m, nil)
	return NewServer(p, topo, m, cfg), topo, m
}

func TestServersHandler(t *testing.T) {
	s, _, _ := testServer(t, nil)

	rec := httptest.NewRecorder()
	s.serversHandler(rec, httptest.NewRequest("GET", "/servers", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var servers []serverResponse
	if err := json.NewDecoder(rec.Body).Decode(&servers); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	roles := map[string]string{}
	lags := map[string]int{}
	for _, srv := range servers {
		roles[srv.Name] = srv.Role
		lags[srv.Name] = srv.LagMS
	}
	if roles["server1"] != "primary" || roles["server2"] != "replica" {
		t.Errorf("unexpected roles: %v", roles)
	}
	if lags["server2"] != 40 {
		t.Errorf("expected server2 lag 40, got %d", lags["server2"])
	}
}

func TestCountersHandler(t *testing.T) {
	s, _, m := testServer(t, nil)

	m.QueryRouted("master")
	m.QueryRouted("slave")
	m.QueryRouted("slave")
	m.QueryRouted("all")
	m.SessionCommandAppended()
	m.Rerouted("backend_failure")

	rec := httptest.NewRecorder()
	s.countersHandler(rec, httptest.NewRequest("GET", "/counters", nil))

	var c metrics.Counters
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("decoding counters: %v", err)
	}
	if c.QueriesToPrimary != 1 || c.QueriesToReplicas != 2 || c.QueriesToAll != 1 {
		t.Errorf("unexpected routing counters: %+v", c)
	}
	if c.SessionCommands != 1 || c.Reroutes != 1 {
		t.Errorf("unexpected sescmd/reroute counters: %+v", c)
	}
}

func TestHealthHandlerTracksPrimary(t *testing.T) {
	s, topo, _ := testServer(t, nil)

	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with a primary present, got %d", rec.Code)
	}

	topo.Update(map[string]backend.Server{
		"server1": {Address: "127.0.0.1:3306", Role: backend.RoleDown},
	})

	rec = httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with no primary, got %d", rec.Code)
	}
}

func TestConfigHandlerRedactsPassword(t *testing.T) {
	cfg := &config.Config{
		Cluster: config.ClusterConfig{
			Username: "router",
			Password: "hunter2",
			Servers: []config.ServerConfig{
				{Name: "server1", Address: "127.0.0.1:3306", Role: "primary"},
			},
		},
	}
	s, _, _ := testServer(t, cfg)

	rec := httptest.NewRecorder()
	s.configHandler(rec, httptest.NewRequest("GET", "/config", nil))

	body := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(body, "hunter2") {
		t.Error("config response leaked the cluster password")
	}
	if !strings.Contains(body, "REDACTED") {
		t.Error("expected redaction marker in config response")
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("swordfish"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	cfg := &config.Config{
		Listen: config.ListenConfig{
			AdminUser:         "admin",
			AdminPasswordHash: string(hash),
		},
	}
	s, _, _ := testServer(t, cfg)

	handler := s.auth(s.serversHandler)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/servers", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/servers", nil)
	req.SetBasicAuth("admin", "wrong")
	handler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong password, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/servers", nil)
	req.SetBasicAuth("admin", "swordfish")
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with correct credentials, got %d", rec.Code)
	}
}

func TestAuthOpenWithoutCredentials(t *testing.T) {
	s, _, _ := testServer(t, nil)
	handler := s.auth(s.serversHandler)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/servers", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected open surface without configured credentials, got %d", rec.Code)
	}
}
