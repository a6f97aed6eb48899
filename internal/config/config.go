package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/decider"
	"github.com/dbbouncer/rwsplit/internal/session"
	"github.com/dbbouncer/rwsplit/internal/topology"
)

// Config is the top-level configuration for the read/write-split
// router.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Routing     RoutingConfig     `yaml:"routing"`
	Sescmd      SescmdConfig      `yaml:"sescmd"`
	CausalReads CausalReadsConfig `yaml:"causal_reads"`
}

// ListenConfig defines the ports and bind addresses the router
// listens on.
type ListenConfig struct {
	MySQLPort         int    `yaml:"mysql_port"`
	APIPort           int    `yaml:"api_port"`
	APIBind           string `yaml:"api_bind"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// ClusterConfig names the backend servers and the credentials the
// router dials them with. Roles are declared, not discovered; the
// monitor only confirms reachability.
type ClusterConfig struct {
	Username        string         `yaml:"username"`
	Password        string         `yaml:"password"`
	MonitorInterval time.Duration  `yaml:"monitor_interval"`
	ProbeTimeout    time.Duration  `yaml:"probe_timeout"`
	FailThreshold   int            `yaml:"fail_threshold"`
	Servers         []ServerConfig `yaml:"servers"`
}

// ServerConfig is one cluster member.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Role    string `yaml:"role"`
	LagMS   int    `yaml:"lag_ms"`
}

// RoutingConfig covers every option that shapes a single session's
// routing decisions.
type RoutingConfig struct {
	SlaveSelectionCriteria string        `yaml:"slave_selection_criteria"`
	MaxSlaveConnections    int           `yaml:"max_slave_connections"`
	MaxSlaveReplicationLag int           `yaml:"max_slave_replication_lag"`
	MasterAcceptReads      bool          `yaml:"master_accept_reads"`
	MasterReconnection     bool          `yaml:"master_reconnection"`
	MasterFailureMode      string        `yaml:"master_failure_mode"`
	StrictMultiStmt        *bool         `yaml:"strict_multi_stmt,omitempty"`
	StrictSPCalls          *bool         `yaml:"strict_sp_calls,omitempty"`
	RetryFailedReads       *bool         `yaml:"retry_failed_reads,omitempty"`
	ConnectionKeepalive    time.Duration `yaml:"connection_keepalive"`
	QueryQueueLimit        int           `yaml:"query_queue_limit"`
}

// SescmdConfig governs session-command history retention.
type SescmdConfig struct {
	DisableHistory bool `yaml:"disable_history"`
	MaxHistory     int  `yaml:"max_history"`
}

// CausalReadsConfig governs GTID-wait prefixing of replica reads.
type CausalReadsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Timeout      time.Duration `yaml:"timeout"`
	ServerFamily string        `yaml:"server_family"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.MySQLPort == 0 {
		cfg.Listen.MySQLPort = 4006
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Cluster.MonitorInterval == 0 {
		cfg.Cluster.MonitorInterval = 2 * time.Second
	}
	if cfg.Cluster.ProbeTimeout == 0 {
		cfg.Cluster.ProbeTimeout = time.Second
	}
	if cfg.Cluster.FailThreshold == 0 {
		cfg.Cluster.FailThreshold = 3
	}
	if cfg.Routing.SlaveSelectionCriteria == "" {
		cfg.Routing.SlaveSelectionCriteria = "least_current_operations"
	}
	if cfg.Routing.MaxSlaveConnections == 0 {
		cfg.Routing.MaxSlaveConnections = 255
	}
	if cfg.Routing.MaxSlaveReplicationLag == 0 {
		cfg.Routing.MaxSlaveReplicationLag = -1
	}
	if cfg.Routing.MasterFailureMode == "" {
		cfg.Routing.MasterFailureMode = "fail_instantly"
	}
	if cfg.Routing.ConnectionKeepalive == 0 {
		cfg.Routing.ConnectionKeepalive = 300 * time.Second
	}
	if cfg.Routing.QueryQueueLimit == 0 {
		cfg.Routing.QueryQueueLimit = 1000
	}
	if cfg.Sescmd.MaxHistory == 0 {
		cfg.Sescmd.MaxHistory = 50
	}
	if cfg.CausalReads.Timeout == 0 {
		cfg.CausalReads.Timeout = 10 * time.Second
	}
	if cfg.CausalReads.ServerFamily == "" {
		cfg.CausalReads.ServerFamily = "mariadb"
	}
}

func validate(cfg *Config) error {
	if len(cfg.Cluster.Servers) == 0 {
		return fmt.Errorf("cluster: at least one server is required")
	}
	seen := make(map[string]bool, len(cfg.Cluster.Servers))
	primaries := 0
	for _, srv := range cfg.Cluster.Servers {
		if srv.Name == "" {
			return fmt.Errorf("cluster: every server needs a name")
		}
		if seen[srv.Name] {
			return fmt.Errorf("cluster: duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = true
		if srv.Address == "" {
			return fmt.Errorf("cluster server %q: address is required", srv.Name)
		}
		switch srv.Role {
		case "primary":
			primaries++
		case "replica", "relay":
		default:
			return fmt.Errorf("cluster server %q: unsupported role %q (must be primary, replica, or relay)", srv.Name, srv.Role)
		}
	}
	if primaries > 1 {
		return fmt.Errorf("cluster: %d servers declared primary, at most one is allowed", primaries)
	}
	if _, err := parseFailureMode(cfg.Routing.MasterFailureMode); cfg.Routing.MasterFailureMode != "" && err != nil {
		return err
	}
	if _, err := parseCriterion(cfg.Routing.SlaveSelectionCriteria); cfg.Routing.SlaveSelectionCriteria != "" && err != nil {
		return err
	}
	switch cfg.CausalReads.ServerFamily {
	case "", "mariadb", "mysql":
	default:
		return fmt.Errorf("causal_reads: unsupported server_family %q (must be mariadb or mysql)", cfg.CausalReads.ServerFamily)
	}
	return nil
}

func parseFailureMode(s string) (session.MasterFailureMode, error) {
	switch s {
	case "fail_instantly":
		return session.FailInstantly, nil
	case "error_on_write":
		return session.ErrorOnWrite, nil
	case "fail_on_write":
		return session.FailOnWrite, nil
	default:
		return 0, fmt.Errorf("routing: unsupported master_failure_mode %q", s)
	}
}

func parseCriterion(s string) (decider.Criterion, error) {
	switch strings.ToLower(s) {
	case "least_current_operations":
		return decider.CriterionLeastCurrentOperations, nil
	case "least_behind_master":
		return decider.CriterionLeastBehindMaster, nil
	case "least_global_connections":
		return decider.CriterionLeastGlobalConnections, nil
	case "adaptive_routing":
		return decider.CriterionAdaptiveRouting, nil
	default:
		return 0, fmt.Errorf("routing: unsupported slave_selection_criteria %q", s)
	}
}

func parseRole(s string) backend.Role {
	switch s {
	case "primary":
		return backend.RolePrimary
	case "relay":
		return backend.RoleRelay
	default:
		return backend.RoleReplica
	}
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

// SessionConfig converts the loaded YAML into the per-session routing
// options. Load has already validated every enumerated field, so the
// parse helpers cannot fail here.
func (c *Config) SessionConfig() session.Config {
	criterion, _ := parseCriterion(c.Routing.SlaveSelectionCriteria)
	failureMode, _ := parseFailureMode(c.Routing.MasterFailureMode)
	family := session.FamilyMariaDB
	if c.CausalReads.ServerFamily == "mysql" {
		family = session.FamilyMySQL
	}
	return session.Config{
		Selection: decider.SelectionConfig{
			Criterion:           criterion,
			MaxSlaveConnections: c.Routing.MaxSlaveConnections,
			MaxReplicationLagMS: c.Routing.MaxSlaveReplicationLag,
			MasterAcceptReads:   c.Routing.MasterAcceptReads,
		},
		MasterReconnection:   c.Routing.MasterReconnection,
		MasterFailureMode:    failureMode,
		StrictMultiStmt:      boolOr(c.Routing.StrictMultiStmt, true),
		StrictSPCalls:        boolOr(c.Routing.StrictSPCalls, true),
		RetryFailedReads:     boolOr(c.Routing.RetryFailedReads, true),
		ConnectionKeepalive:  c.Routing.ConnectionKeepalive,
		DisableSescmdHistory: c.Sescmd.DisableHistory,
		MaxSescmdHistory:     c.Sescmd.MaxHistory,
		CausalReads:          c.CausalReads.Enabled,
		CausalReadsTimeout:   c.CausalReads.Timeout,
		ServerFamily:         family,
		QueryQueueLimit:      c.Routing.QueryQueueLimit,
	}
}

// TopologyServers converts the cluster section into the monitor's
// static server list.
func (c *Config) TopologyServers() []topology.ServerConfig {
	out := make([]topology.ServerConfig, 0, len(c.Cluster.Servers))
	for _, srv := range c.Cluster.Servers {
		out = append(out, topology.ServerConfig{
			Name:         srv.Name,
			Address:      srv.Address,
			IntendedRole: parseRole(srv.Role),
			LagMS:        srv.LagMS,
		})
	}
	return out
}

// InitialServers builds the backend.Server set the topology snapshot
// starts from, before the monitor's first probe round lands.
func (c *Config) InitialServers() []*backend.Server {
	out := make([]*backend.Server, 0, len(c.Cluster.Servers))
	for _, srv := range c.Cluster.Servers {
		out = append(out, &backend.Server{
			Name:    srv.Name,
			Address: srv.Address,
			Role:    parseRole(srv.Role),
			LagMS:   srv.LagMS,
		})
	}
	return out
}

// Redacted returns a copy of the ClusterConfig with the password masked.
func (cc ClusterConfig) Redacted() ClusterConfig {
	c := cc
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
