// Package prepared tracks prepared statements across the backend
// set: client-visible prepared-statement ids are
// rewritten to whatever id each backend actually assigned when the
// PREPARE was replayed there, and COM_STMT_FETCH is routed back to
// whichever backend last ran the matching COM_STMT_EXECUTE.
package prepared

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dbbouncer/rwsplit/internal/backend"
)

// Statement is one PREPARE tracked for the life of a session. Created
// on COM_STMT_PREPARE, destroyed on COM_STMT_CLOSE or session end.
type Statement struct {
	ExternalID uint32 // the id reported back to the client
	RawPrepare []byte // the original COM_STMT_PREPARE payload (command byte stripped)

	mu         sync.Mutex
	backendIDs map[*backend.Conn]uint32
}

// IDFor returns the id this statement was assigned on b, if the
// PREPARE has already been replayed there.
func (s *Statement) IDFor(b *backend.Conn) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.backendIDs[b]
	return id, ok
}

// Backends returns every backend this statement is currently prepared
// on, used to broadcast COM_STMT_CLOSE.
func (s *Statement) Backends() []*backend.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*backend.Conn, 0, len(s.backendIDs))
	for b := range s.backendIDs {
		out = append(out, b)
	}
	return out
}

func (s *Statement) recordBackendID(b *backend.Conn, id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backendIDs == nil {
		s.backendIDs = make(map[*backend.Conn]uint32)
	}
	s.backendIDs[b] = id
}

func (s *Statement) forgetBackend(b *backend.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backendIDs, b)
}

// Manager owns every live Statement for one router session.
type Manager struct {
	mu         sync.Mutex
	byExternal map[uint32]*Statement
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{byExternal: make(map[uint32]*Statement)}
}

// Prepare registers a new Statement for a just-issued COM_STMT_PREPARE,
// keyed by the external id reported to the client (normally the id
// returned by whichever backend answers first — the Router Session
// binds this the same way it resolves any other session-command
// reply race).
func (m *Manager) Prepare(externalID uint32, rawPrepare []byte) *Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	stmt := &Statement{
		ExternalID: externalID,
		RawPrepare: append([]byte(nil), rawPrepare...),
		backendIDs: make(map[*backend.Conn]uint32),
	}
	m.byExternal[externalID] = stmt
	return stmt
}

// RecordBackendID notes that externalID was assigned backendID on b
// (MySQL returns a server-chosen statement_id in each PREPARE OK).
func (m *Manager) RecordBackendID(externalID uint32, b *backend.Conn, backendID uint32) error {
	stmt, ok := m.Lookup(externalID)
	if !ok {
		return fmt.Errorf("prepared: unknown statement id %d", externalID)
	}
	stmt.recordBackendID(b, backendID)
	return nil
}

// NeedsReplay reports whether stmt has not yet been prepared on b —
// the Router Session must prepend a replay PREPARE built from
// stmt.RawPrepare before forwarding an EXECUTE to b.
func (m *Manager) NeedsReplay(stmt *Statement, b *backend.Conn) bool {
	_, ok := stmt.IDFor(b)
	return !ok
}

// Lookup returns the Statement registered for externalID.
func (m *Manager) Lookup(externalID uint32) (*Statement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stmt, ok := m.byExternal[externalID]
	return stmt, ok
}

// Close removes externalID from the manager and returns the Statement
// so the caller can broadcast COM_STMT_CLOSE to every backend it was
// ever prepared on.
func (m *Manager) Close(externalID uint32) (*Statement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stmt, ok := m.byExternal[externalID]
	if ok {
		delete(m.byExternal, externalID)
	}
	return stmt, ok
}

// ForgetBackend drops bookkeeping for b across every live statement,
// used when a backend is closed (crash, failover) so a stale id is
// never reused.
func (m *Manager) ForgetBackend(b *backend.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stmt := range m.byExternal {
		stmt.forgetBackend(b)
	}
}

// RewriteID returns a copy of payload (a COM_STMT_EXECUTE/CLOSE/FETCH
// body) with its leading 4-byte little-endian statement id replaced
// by newID.
func RewriteID(payload []byte, newID uint32) []byte {
	out := append([]byte(nil), payload...)
	if len(out) >= 4 {
		binary.LittleEndian.PutUint32(out[:4], newID)
	}
	return out
}
