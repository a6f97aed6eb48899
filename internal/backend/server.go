// Package backend implements the Backend Connection: an owned handle
// to one backend MySQL/MariaDB server plus the per-session state
// needed to replay session commands and track reply progress.
package backend

import "fmt"

// Role is a server's current position in the cluster topology, as
// observed by the monitor (internal/topology) and snapshotted for the
// router to read.
type Role int

const (
	RoleDown Role = iota
	RolePrimary
	RoleReplica
	RoleRelay
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	case RoleRelay:
		return "relay"
	default:
		return "down"
	}
}

// Server is a named cluster member. Instances are shared (read-only
// from the router's perspective) via topology.Snapshot; only the
// monitor ever mutates the fields behind a fresh copy.
type Server struct {
	Name    string
	Address string
	Role    Role
	LagMS   int
}

// Reachable reports whether the server's last-observed role permits
// opening a new connection to it.
func (s *Server) Reachable() bool {
	return s != nil && s.Role != RoleDown
}

func (s *Server) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s@%s)", s.Name, s.Role, s.Address)
}
