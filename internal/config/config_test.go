package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/decider"
	"github.com/dbbouncer/rwsplit/internal/session"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

const sampleYAML = `
listen:
  mysql_port: 4006
  api_port: 8080

cluster:
  username: router
  password: secret
  monitor_interval: 1s
  servers:
    - name: server1
      address: 127.0.0.1:3306
      role: primary
    - name: server2
      address: 127.0.0.1:3307
      role: replica
      lag_ms: 120
    - name: server3
      address: 127.0.0.1:3308
      role: replica

routing:
  slave_selection_criteria: least_behind_master
  max_slave_connections: 4
  max_slave_replication_lag: 500
  master_reconnection: true
  master_failure_mode: error_on_write
  connection_keepalive: 60s

sescmd:
  max_history: 25

causal_reads:
  enabled: true
  timeout: 5s
  server_family: mariadb
`

func TestLoad(t *testing.T) {
	path := writeTemp(t, sampleYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.MySQLPort != 4006 {
		t.Errorf("expected mysql port 4006, got %d", cfg.Listen.MySQLPort)
	}
	if len(cfg.Cluster.Servers) != 3 {
		t.Fatalf("expected 3 servers, got %d", len(cfg.Cluster.Servers))
	}
	if cfg.Cluster.Servers[1].LagMS != 120 {
		t.Errorf("expected server2 lag 120ms, got %d", cfg.Cluster.Servers[1].LagMS)
	}
	if cfg.Routing.MaxSlaveConnections != 4 {
		t.Errorf("expected max_slave_connections 4, got %d", cfg.Routing.MaxSlaveConnections)
	}
	if cfg.Sescmd.MaxHistory != 25 {
		t.Errorf("expected max_history 25, got %d", cfg.Sescmd.MaxHistory)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTemp(t, `
cluster:
  username: router
  servers:
    - name: only
      address: 127.0.0.1:3306
      role: primary
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.MySQLPort != 4006 {
		t.Errorf("expected default mysql port 4006, got %d", cfg.Listen.MySQLPort)
	}
	if cfg.Routing.MasterFailureMode != "fail_instantly" {
		t.Errorf("expected default failure mode fail_instantly, got %q", cfg.Routing.MasterFailureMode)
	}
	if cfg.Routing.MaxSlaveReplicationLag != -1 {
		t.Errorf("expected unlimited replication lag (-1), got %d", cfg.Routing.MaxSlaveReplicationLag)
	}
	if cfg.Routing.ConnectionKeepalive != 300*time.Second {
		t.Errorf("expected default keepalive 300s, got %v", cfg.Routing.ConnectionKeepalive)
	}
	if cfg.Sescmd.MaxHistory != 50 {
		t.Errorf("expected default max_history 50, got %d", cfg.Sescmd.MaxHistory)
	}
	if cfg.CausalReads.Timeout != 10*time.Second {
		t.Errorf("expected default causal reads timeout 10s, got %v", cfg.CausalReads.Timeout)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_BACKEND_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_BACKEND_PASSWORD")

	path := writeTemp(t, `
cluster:
  username: router
  password: ${TEST_BACKEND_PASSWORD}
  servers:
    - name: only
      address: 127.0.0.1:3306
      role: primary
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cluster.Password != "secret123" {
		t.Errorf("expected env-substituted password, got %q", cfg.Cluster.Password)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no servers", `
routing:
  master_failure_mode: fail_instantly
`},
		{"bad role", `
cluster:
  servers:
    - name: s1
      address: 127.0.0.1:3306
      role: standby
`},
		{"two primaries", `
cluster:
  servers:
    - name: s1
      address: 127.0.0.1:3306
      role: primary
    - name: s2
      address: 127.0.0.1:3307
      role: primary
`},
		{"duplicate name", `
cluster:
  servers:
    - name: s1
      address: 127.0.0.1:3306
      role: primary
    - name: s1
      address: 127.0.0.1:3307
      role: replica
`},
		{"bad failure mode", `
cluster:
  servers:
    - name: s1
      address: 127.0.0.1:3306
      role: primary
routing:
  master_failure_mode: explode
`},
		{"bad criterion", `
cluster:
  servers:
    - name: s1
      address: 127.0.0.1:3306
      role: primary
routing:
  slave_selection_criteria: round_robin
`},
		{"bad server family", `
cluster:
  servers:
    - name: s1
      address: 127.0.0.1:3306
      role: primary
causal_reads:
  server_family: oracle
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTemp(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected Load to fail")
			}
		})
	}
}

func TestSessionConfigConversion(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	sc := cfg.SessionConfig()
	if sc.Selection.Criterion != decider.CriterionLeastBehindMaster {
		t.Errorf("expected least_behind_master criterion, got %v", sc.Selection.Criterion)
	}
	if sc.Selection.MaxReplicationLagMS != 500 {
		t.Errorf("expected lag ceiling 500, got %d", sc.Selection.MaxReplicationLagMS)
	}
	if sc.MasterFailureMode != session.ErrorOnWrite {
		t.Errorf("expected error_on_write, got %v", sc.MasterFailureMode)
	}
	if !sc.MasterReconnection {
		t.Error("expected master_reconnection true")
	}
	if !sc.StrictMultiStmt || !sc.StrictSPCalls || !sc.RetryFailedReads {
		t.Error("expected omitted strict/retry options to default to true")
	}
	if !sc.CausalReads || sc.CausalReadsTimeout != 5*time.Second {
		t.Errorf("expected causal reads enabled with 5s timeout, got %v/%v", sc.CausalReads, sc.CausalReadsTimeout)
	}
}

func TestTopologyServers(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	servers := cfg.TopologyServers()
	if len(servers) != 3 {
		t.Fatalf("expected 3 topology servers, got %d", len(servers))
	}
	if servers[0].IntendedRole != backend.RolePrimary {
		t.Errorf("expected server1 primary, got %v", servers[0].IntendedRole)
	}
	if servers[1].IntendedRole != backend.RoleReplica || servers[1].LagMS != 120 {
		t.Errorf("unexpected server2 conversion: %+v", servers[1])
	}

	initial := cfg.InitialServers()
	if len(initial) != 3 || initial[0].Role != backend.RolePrimary {
		t.Errorf("unexpected initial snapshot servers: %+v", initial)
	}
}

func TestWatcherReload(t *testing.T) {
	path := writeTemp(t, sampleYAML)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	updated := sampleYAML + "\n# touched\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if len(cfg.Cluster.Servers) != 3 {
			t.Errorf("reloaded config lost servers: %d", len(cfg.Cluster.Servers))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config reload never fired")
	}
}
