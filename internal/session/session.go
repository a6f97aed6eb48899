// Package session implements the router session: the top-level
// per-client state machine that consumes one client packet at a time,
// drives the backend connections, session command log, prepared
// statement manager, and route decider, and produces a correct reply
// stream across a primary and any number of replicas.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/decider"
	"github.com/dbbouncer/rwsplit/internal/metrics"
	"github.com/dbbouncer/rwsplit/internal/prepared"
	"github.com/dbbouncer/rwsplit/internal/sescmd"
	"github.com/dbbouncer/rwsplit/internal/topology"
	"github.com/dbbouncer/rwsplit/internal/wire"
)

// Session holds all per-client routing state. Not safe for
// concurrent use: it is pinned to exactly one goroutine for its
// entire lifetime.
type Session struct {
	id       uint64
	username string

	client net.Conn
	cfg    Config
	creds  backend.Credentials

	topo    *topology.Snapshot
	metrics *metrics.Collector
	logger  *slog.Logger

	backends  map[string]*backend.Conn
	sescmdLog *sescmd.Log
	prep      *prepared.Manager
	execMap   *prepared.ExecMap

	currentPrimary      string
	inTransaction       bool
	readOnlyTransaction bool
	transactionPinned   *backend.Conn
	lockedToMaster      bool
	hasTemporaryTables  bool
	autocommit          bool

	largeQueryContinuation bool
	largeQueryTarget       decider.Target
	lastRoutedBackend      *backend.Conn

	lastGTID string

	clientSeq byte

	sentSescmd uint64
	recvSescmd uint64

	retryArchive      []byte
	retriesSuperseded uint64

	closed bool
}

// Stats is a point-in-time summary of one session, exposed on the
// admin API. It is read from the API goroutine while the session
// goroutine runs, so every field is copied, never aliased.
type Stats struct {
	ID                uint64 `json:"id"`
	Username          string `json:"username"`
	ClientAddr        string `json:"client_addr"`
	CurrentPrimary    string `json:"current_primary"`
	BackendsInUse     int    `json:"backends_in_use"`
	InTransaction     bool   `json:"in_transaction"`
	LockedToMaster    bool   `json:"locked_to_master"`
	SessionCommands   uint64 `json:"session_commands"`
	RetriesSuperseded uint64 `json:"retries_superseded"`
}

// New builds a Session over an already-accepted client connection.
// The backend set is the full configured cluster; connections to
// individual servers are opened lazily on first use.
func New(id uint64, username string, client net.Conn, cfg Config, creds backend.Credentials, topo *topology.Snapshot, m *metrics.Collector, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	maxHistory := 0
	if !cfg.DisableSescmdHistory {
		maxHistory = cfg.MaxSescmdHistory
	}
	s := &Session{
		id:         id,
		username:   username,
		client:     client,
		cfg:        cfg,
		creds:      creds,
		topo:       topo,
		metrics:    m,
		logger:     logger,
		backends:   make(map[string]*backend.Conn),
		sescmdLog:  sescmd.NewLog(maxHistory),
		prep:       prepared.NewManager(),
		execMap:    prepared.NewExecMap(),
		autocommit: true,
	}
	if cfg.DisableSescmdHistory {
		s.sescmdLog.DisableHistory()
	}
	if primary := topo.Primary(); primary != nil {
		s.currentPrimary = primary.Name
	}
	if m != nil {
		m.SessionOpened()
	}
	return s
}

// Run drives the session until the client disconnects or issues
// COM_QUIT, then tears every backend down.
func (s *Session) Run() error {
	defer s.teardown()

	for {
		pkt, err := wire.ReadPacket(s.client)
		if err != nil {
			return nil
		}
		s.clientSeq = pkt.Seq + 1

		if err := s.handleClientPacket(pkt); err != nil {
			s.logger.Error("session: handling client packet", "err", err)
			return err
		}
		if s.closed {
			return nil
		}
	}
}

// Stats snapshots the session's current state for the admin surface.
func (s *Session) Stats() Stats {
	inUse := 0
	for _, b := range s.backends {
		if b.InUse() {
			inUse++
		}
	}
	addr := ""
	if s.client != nil {
		if ra := s.client.RemoteAddr(); ra != nil {
			addr = ra.String()
		}
	}
	return Stats{
		ID:                s.id,
		Username:          s.username,
		ClientAddr:        addr,
		CurrentPrimary:    s.currentPrimary,
		BackendsInUse:     inUse,
		InTransaction:     s.inTransaction,
		LockedToMaster:    s.lockedToMaster,
		SessionCommands:   s.sentSescmd,
		RetriesSuperseded: s.retriesSuperseded,
	}
}

func (s *Session) teardown() {
	for _, b := range s.backends {
		b.Close()
	}
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
}

// backendFor returns the Conn handle for a configured server name,
// creating (but not yet connecting) it on first reference. An
// existing handle has its server view refreshed, since the snapshot
// publishes a fresh immutable Server on every role or lag change.
func (s *Session) backendFor(srv *backendServerRef) *backend.Conn {
	if b, ok := s.backends[srv.name]; ok {
		b.Server = srv.server
		return b
	}
	b := backend.NewConn(srv.server)
	s.backends[srv.name] = b
	return b
}

type backendServerRef struct {
	name   string
	server *backend.Server
}

// ensureConnected lazily dials and authenticates b if it is not
// already connected, replaying the session command log so it catches
// up to every other in-use backend.
func (s *Session) ensureConnected(b *backend.Conn) error {
	if !b.Closed() && b.InUse() {
		return nil
	}
	if !b.CanConnect() {
		return fmt.Errorf("session: backend %s is not reachable", b.Server)
	}
	if err := b.Connect(context.Background(), s.creds, s.sescmdLog); err != nil {
		if s.metrics != nil {
			s.metrics.BackendConnect(b.Server.Name, "failure")
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.BackendConnect(b.Server.Name, "success")
	}
	return s.drainPendingSescmds(b)
}

// allBackends returns every backend handle for servers currently
// known in the topology snapshot, creating handles for any not yet
// referenced this session.
func (s *Session) allBackends() []*backend.Conn {
	for _, srv := range s.topo.Servers() {
		s.backendFor(&backendServerRef{name: srv.Name, server: srv})
	}
	out := make([]*backend.Conn, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	return out
}
