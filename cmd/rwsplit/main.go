package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbbouncer/rwsplit/internal/api"
	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/config"
	"github.com/dbbouncer/rwsplit/internal/metrics"
	"github.com/dbbouncer/rwsplit/internal/proxy"
	"github.com/dbbouncer/rwsplit/internal/topology"
)

func main() {
	configPath := flag.String("config", "configs/rwsplit.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	log.Printf("rwsplit starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d servers)", *configPath, len(cfg.Cluster.Servers))

	// Initialize components
	m := metrics.New()
	topo := topology.NewSnapshot(cfg.InitialServers())
	monitor := topology.NewMonitor(
		cfg.TopologyServers(), topo,
		cfg.Cluster.MonitorInterval, cfg.Cluster.ProbeTimeout, cfg.Cluster.FailThreshold,
		m, logger,
	)
	monitor.Start()

	creds := backend.Credentials{
		Username: cfg.Cluster.Username,
		Password: cfg.Cluster.Password,
	}

	// Start proxy server
	proxyServer := proxy.NewServer(
		fmt.Sprintf("0.0.0.0:%d", cfg.Listen.MySQLPort),
		cfg.SessionConfig(), creds, topo, m, logger,
	)
	if err := proxyServer.Start(); err != nil {
		log.Fatalf("Failed to start MySQL proxy: %v", err)
	}

	// Start REST API
	apiServer := api.NewServer(proxyServer, topo, m, cfg)
	if err := apiServer.Start(cfg.Listen.APIBind, cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// Set up config hot-reload. Routing options apply to sessions
	// accepted after the reload; the cluster server list is static for
	// the process lifetime (the monitor owns topology changes).
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		proxyServer.UpdateSessionConfig(newCfg.SessionConfig(), backend.Credentials{
			Username: newCfg.Cluster.Username,
			Password: newCfg.Cluster.Password,
		})
		apiServer.SetConfig(newCfg)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("rwsplit ready - MySQL:%d API:%d", cfg.Listen.MySQLPort, cfg.Listen.APIPort)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	// Graceful shutdown
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	monitor.Stop()

	log.Printf("rwsplit stopped")
}
