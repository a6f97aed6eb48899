// Package proxy accepts MySQL client connections, runs the
// client-side handshake, and hands each accepted connection to a
// router session for its lifetime.
package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/metrics"
	"github.com/dbbouncer/rwsplit/internal/session"
	"github.com/dbbouncer/rwsplit/internal/topology"
	"github.com/dbbouncer/rwsplit/internal/wire"
)

// Server listens for MySQL clients and spawns one session goroutine
// per accepted connection.
type Server struct {
	addr    string
	topo    *topology.Snapshot
	metrics *metrics.Collector
	logger  *slog.Logger

	cfgMu      sync.Mutex
	sessionCfg session.Config
	creds      backend.Credentials

	ln       net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	nextID uint64

	sessMu   sync.Mutex
	sessions map[uint64]*session.Session
}

// NewServer builds a Server. Start must be called to begin accepting.
func NewServer(addr string, cfg session.Config, creds backend.Credentials, topo *topology.Snapshot, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:       addr,
		topo:       topo,
		metrics:    m,
		logger:     logger,
		sessionCfg: cfg,
		creds:      creds,
		stopCh:     make(chan struct{}),
		sessions:   make(map[uint64]*session.Session),
	}
}

// Start binds the listen address and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("proxy: listening", "addr", s.addr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, useful when the configured
// port was 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Warn("proxy: accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs the synthetic handshake, then drives one session
// until the client leaves. The router does not verify the client's
// password: clients are admitted by username and the router speaks to
// backends with its own configured credentials.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	id := atomic.AddUint64(&s.nextID, 1)
	if err := wire.WriteSyntheticHandshake(conn, uint32(id)); err != nil {
		s.logger.Warn("proxy: sending handshake", "err", err)
		return
	}
	resp, err := wire.ReadHandshakeResponse(conn)
	if err != nil {
		s.logger.Warn("proxy: reading handshake response", "err", err)
		return
	}
	if err := wire.WriteOK(conn, 2, 0, 0, wire.StatusAutocommit, 0); err != nil {
		s.logger.Warn("proxy: confirming handshake", "err", err)
		return
	}

	s.cfgMu.Lock()
	cfg := s.sessionCfg
	creds := s.creds
	s.cfgMu.Unlock()
	if resp.Database != "" {
		creds.Database = resp.Database
	}

	sess := session.New(id, resp.Username, conn, cfg, creds, s.topo, s.metrics, s.logger.With("session_id", id))

	s.sessMu.Lock()
	s.sessions[id] = sess
	s.sessMu.Unlock()
	defer func() {
		s.sessMu.Lock()
		delete(s.sessions, id)
		s.sessMu.Unlock()
	}()

	if err := sess.Run(); err != nil {
		s.logger.Warn("proxy: session ended with error", "session_id", id, "err", err)
	}
}

// UpdateSessionConfig swaps the routing options applied to sessions
// accepted from now on; established sessions keep the options they
// started with.
func (s *Server) UpdateSessionConfig(cfg session.Config, creds backend.Credentials) {
	s.cfgMu.Lock()
	s.sessionCfg = cfg
	s.creds = creds
	s.cfgMu.Unlock()
}

// Sessions snapshots every live session's stats for the admin API.
func (s *Server) Sessions() []session.Stats {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	out := make([]session.Stats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Stats())
	}
	return out
}

// Stop closes the listener. In-flight sessions run until their
// clients disconnect.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			err = s.ln.Close()
		}
	})
	return err
}
