package topology

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/metrics"
	"github.com/dbbouncer/rwsplit/internal/wire"
)

// maxProbeWorkers bounds how many servers are probed concurrently on
// any one tick.
const maxProbeWorkers = 10

// ServerConfig is one statically configured cluster member: its
// address and the role an operator has told us it plays. Monitor does
// not discover topology on its own; it only confirms reachability for
// roles the operator already declared.
type ServerConfig struct {
	Name         string
	Address      string
	IntendedRole backend.Role
	LagMS        int // static fallback lag, used until ReportLag overrides it
}

// Monitor periodically probes each configured server's reachability
// and publishes the result into a Snapshot. It is a minimal
// TCP/protocol prober, not a general monitor plug-in framework.
type Monitor struct {
	mu       sync.Mutex
	servers  []ServerConfig
	lag      map[string]int
	snapshot *Snapshot

	interval      time.Duration
	probeTimeout  time.Duration
	failThreshold int
	failures      map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewMonitor builds a Monitor over the given static server list and
// the Snapshot it will keep updated. interval is the probe period;
// probeTimeout bounds each individual dial+read; failThreshold is how
// many consecutive probe failures are required before a server is
// marked RoleDown (avoiding flapping on a single dropped packet).
func NewMonitor(servers []ServerConfig, snapshot *Snapshot, interval, probeTimeout time.Duration, failThreshold int, m *metrics.Collector, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	lag := make(map[string]int, len(servers))
	for _, s := range servers {
		lag[s.Name] = s.LagMS
	}
	return &Monitor{
		servers:       servers,
		lag:           lag,
		snapshot:      snapshot,
		interval:      interval,
		probeTimeout:  probeTimeout,
		failThreshold: failThreshold,
		failures:      make(map[string]int, len(servers)),
		stopCh:        make(chan struct{}),
		metrics:       m,
		logger:        logger,
	}
}

// Start launches the background probing loop. Stop must be called to
// release it.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the probing loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkAll()
	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopCh:
			return
		}
	}
}

// checkAll probes every configured server, bounded to maxProbeWorkers
// concurrent dials, then publishes one combined Snapshot update.
func (m *Monitor) checkAll() {
	sem := make(chan struct{}, maxProbeWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	updates := make(map[string]backend.Server, len(m.servers))

	for _, sc := range m.servers {
		sc := sc
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			role := m.pingServer(sc)

			mu.Lock()
			m.mu.Lock()
			lagMS := m.lag[sc.Name]
			m.mu.Unlock()
			updates[sc.Name] = backend.Server{
				Name:    sc.Name,
				Address: sc.Address,
				Role:    role,
				LagMS:   lagMS,
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	m.snapshot.Update(updates)

	if m.metrics != nil {
		replicas := 0
		for _, srv := range m.snapshot.Servers() {
			if srv.Role == backend.RoleReplica || srv.Role == backend.RoleRelay {
				replicas++
			}
		}
		m.metrics.SetReplicaCount(replicas)
	}
}

// pingServer dials the server and reads its initial HandshakeV10
// packet; a successful read confirms the mysqld process is up and
// accepting connections. It does not authenticate — that is the
// Backend Connection's job on actual use. Role flaps to RoleDown only
// after failThreshold consecutive failures.
func (m *Monitor) pingServer(sc ServerConfig) backend.Role {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()

	ok := m.pingOnce(ctx, sc.Address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.failures[sc.Name] = 0
		return sc.IntendedRole
	}
	m.failures[sc.Name]++
	if m.failures[sc.Name] >= m.failThreshold {
		m.logger.Warn("topology: server unreachable", "server", sc.Name, "address", sc.Address, "consecutive_failures", m.failures[sc.Name])
		return backend.RoleDown
	}
	// below threshold: keep reporting the last known-good role to
	// avoid flapping a single dropped probe into a routing change.
	return sc.IntendedRole
}

func (m *Monitor) pingOnce(ctx context.Context, address string) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	pkt, err := wire.ReadPacket(conn)
	if err != nil {
		return false
	}
	return len(pkt.Payload) > 0 && pkt.Payload[0] != wire.ErrPacket
}

// ReportLag records an externally supplied replication lag
// observation (e.g. from a sidecar that parses SHOW SLAVE STATUS) for
// the named server. Actively measuring lag is out of scope for this
// prober; this is the seam a fuller monitor would call into. The new
// value takes effect on the next tick's Snapshot update.
func (m *Monitor) ReportLag(name string, lagMS int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lag[name] = lagMS
}
