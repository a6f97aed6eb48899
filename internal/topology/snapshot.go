// Package topology holds the cluster view a Router Session reads:
// which servers exist, which one is primary, and each server's
// observed reachability and replication lag. It is the one piece of
// state shared, read-only, across sessions.
package topology

import (
	"sync"
	"sync/atomic"

	"github.com/dbbouncer/rwsplit/internal/backend"
)

type snapshotData struct {
	servers    map[string]*backend.Server
	primary    string
	generation uint64
}

// Snapshot is a lock-free-read, copy-on-write view of the cluster:
// an atomic.Value holding an immutable struct, with a write mutex
// guarding clone-and-swap updates. Entries are per-server role/lag
// facts that a Monitor refreshes on a timer; server identities are
// mostly static, roles are not.
type Snapshot struct {
	val atomic.Value // holds *snapshotData
	wmu sync.Mutex
}

// NewSnapshot builds a Snapshot from the initial, statically
// configured server list.
func NewSnapshot(servers []*backend.Server) *Snapshot {
	data := &snapshotData{servers: make(map[string]*backend.Server, len(servers))}
	for _, s := range servers {
		data.servers[s.Name] = s
		if s.Role == backend.RolePrimary {
			data.primary = s.Name
		}
	}
	snap := &Snapshot{}
	snap.val.Store(data)
	return snap
}

func (s *Snapshot) load() *snapshotData {
	return s.val.Load().(*snapshotData)
}

// Lookup returns the current view of one named server.
func (s *Snapshot) Lookup(name string) (*backend.Server, bool) {
	srv, ok := s.load().servers[name]
	return srv, ok
}

// Primary returns the cluster's current primary, or nil if none is
// known reachable.
func (s *Snapshot) Primary() *backend.Server {
	data := s.load()
	if data.primary == "" {
		return nil
	}
	return data.servers[data.primary]
}

// Servers returns every known server, in no particular order.
func (s *Snapshot) Servers() []*backend.Server {
	data := s.load()
	out := make([]*backend.Server, 0, len(data.servers))
	for _, srv := range data.servers {
		out = append(out, srv)
	}
	return out
}

// Generation returns a monotonically increasing counter bumped on
// every Update, so a Router Session can cheaply notice "the topology
// changed since I last looked" without comparing every field.
func (s *Snapshot) Generation() uint64 {
	return s.load().generation
}

// Update replaces the per-server role/lag facts for whichever servers
// appear in updates (keyed by name), leaving any server not mentioned
// untouched, and publishes a new immutable snapshot. This is the
// write path the Monitor drives.
func (s *Snapshot) Update(updates map[string]backend.Server) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	cur := s.load()
	next := &snapshotData{
		servers:    make(map[string]*backend.Server, len(cur.servers)),
		primary:    cur.primary,
		generation: cur.generation + 1,
	}
	for name, srv := range cur.servers {
		next.servers[name] = srv
	}
	for name, upd := range updates {
		fresh := upd
		fresh.Name = name
		next.servers[name] = &fresh
		if fresh.Role == backend.RolePrimary {
			next.primary = name
		} else if next.primary == name {
			next.primary = ""
		}
	}
	s.val.Store(next)
}
