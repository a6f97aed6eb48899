package prepared

import (
	"sync"

	"github.com/dbbouncer/rwsplit/internal/backend"
)

// ExecMap maps a prepared statement's external id to the Backend that
// ran its most recent COM_STMT_EXECUTE, so a subsequent
// COM_STMT_FETCH lands on the same backend.
type ExecMap struct {
	mu   sync.Mutex
	last map[uint32]*backend.Conn
}

// NewExecMap returns an empty ExecMap.
func NewExecMap() *ExecMap {
	return &ExecMap{last: make(map[uint32]*backend.Conn)}
}

// Record notes that externalID was last executed on b.
func (e *ExecMap) Record(externalID uint32, b *backend.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last[externalID] = b
}

// Lookup returns the backend externalID was last executed on.
func (e *ExecMap) Lookup(externalID uint32) (*backend.Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.last[externalID]
	return b, ok
}

// Clear drops the entry for externalID, called on COM_STMT_CLOSE.
func (e *ExecMap) Clear(externalID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.last, externalID)
}

// ForgetBackend drops every entry that points at b, used when b is
// closed so FETCH never falls through to a dead connection.
func (e *ExecMap) ForgetBackend(b *backend.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cur := range e.last {
		if cur == b {
			delete(e.last, id)
		}
	}
}
