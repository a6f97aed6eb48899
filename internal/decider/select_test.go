package decider

import (
	"testing"

	"github.com/dbbouncer/rwsplit/internal/backend"
)

func TestSelectBackendMaster(t *testing.T) {
	primary := backend.NewConn(&backend.Server{Name: "m1", Role: backend.RolePrimary})
	replica := backend.NewConn(&backend.Server{Name: "r1", Role: backend.RoleReplica})

	got, _, err := SelectBackend(Target{Class: ClassMaster}, []*backend.Conn{primary, replica}, SelectionConfig{})
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if got != primary {
		t.Error("expected primary backend selected")
	}
}

func TestSelectBackendNoMaster(t *testing.T) {
	replica := backend.NewConn(&backend.Server{Name: "r1", Role: backend.RoleReplica})
	_, _, err := SelectBackend(Target{Class: ClassMaster}, []*backend.Conn{replica}, SelectionConfig{})
	if err == nil {
		t.Error("expected error with no primary present")
	}
}

func TestSelectBackendNamedServerCaseInsensitive(t *testing.T) {
	r1 := backend.NewConn(&backend.Server{Name: "DbServer2", Role: backend.RoleReplica})
	got, _, err := SelectBackend(Target{Class: ClassNamedServer, Server: "dbserver2"}, []*backend.Conn{r1}, SelectionConfig{})
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if got != r1 {
		t.Error("expected case-insensitive named server match")
	}
}

func TestSelectBackendSlaveRespectsLagCeiling(t *testing.T) {
	slow := backend.NewConn(&backend.Server{Name: "r1", Role: backend.RoleReplica, LagMS: 500})
	fast := backend.NewConn(&backend.Server{Name: "r2", Role: backend.RoleReplica, LagMS: 10})

	cfg := SelectionConfig{MaxReplicationLagMS: 100}
	got, _, err := SelectBackend(Target{Class: ClassSlave}, []*backend.Conn{slow, fast}, cfg)
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if got != fast {
		t.Error("expected the in-lag-ceiling replica selected")
	}
}

func TestSelectBackendSlaveUnlimitedLagWhenNegative(t *testing.T) {
	slow := backend.NewConn(&backend.Server{Name: "r1", Role: backend.RoleReplica, LagMS: 99999})
	cfg := SelectionConfig{MaxReplicationLagMS: -1}
	_, _, err := SelectBackend(Target{Class: ClassSlave}, []*backend.Conn{slow}, cfg)
	if err != nil {
		t.Fatalf("expected no lag ceiling to admit the replica, got %v", err)
	}
}

func TestSelectBackendLagMaxNarrowsCeilingFurther(t *testing.T) {
	r1 := backend.NewConn(&backend.Server{Name: "r1", Role: backend.RoleReplica, LagMS: 80})
	cfg := SelectionConfig{MaxReplicationLagMS: 1000}
	_, _, err := SelectBackend(Target{Class: ClassLagMax, LagMS: 50}, []*backend.Conn{r1}, cfg)
	if err == nil {
		t.Error("expected the hint's tighter lag bound (50ms) to exclude an 80ms-lagged replica")
	}
}

func TestSelectBackendMasterAcceptReads(t *testing.T) {
	primary := backend.NewConn(&backend.Server{Name: "m1", Role: backend.RolePrimary})
	cfg := SelectionConfig{MasterAcceptReads: true}
	got, _, err := SelectBackend(Target{Class: ClassSlave}, []*backend.Conn{primary}, cfg)
	if err != nil {
		t.Fatalf("expected master_accept_reads to admit the primary as a slave target, got %v", err)
	}
	if got != primary {
		t.Error("expected primary selected under master_accept_reads")
	}
}

func TestSelectBackendPinned(t *testing.T) {
	b := backend.NewConn(&backend.Server{Name: "r1", Role: backend.RoleReplica})
	got, _, err := SelectBackend(Target{Class: ClassPinned, Pinned: b}, nil, SelectionConfig{})
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if got != b {
		t.Error("expected pinned backend returned unchanged")
	}
}

func TestSelectBackendMaxSlaveConnectionsAdmission(t *testing.T) {
	open := backend.NewConn(&backend.Server{Name: "r1", Role: backend.RoleReplica})
	open.SetInUse(true)
	unopened := backend.NewConn(&backend.Server{Name: "r2", Role: backend.RoleReplica})

	cfg := SelectionConfig{MaxSlaveConnections: 1}
	got, _, err := SelectBackend(Target{Class: ClassSlave}, []*backend.Conn{open, unopened}, cfg)
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if got != open {
		t.Error("expected the already-open replica preferred once max_slave_connections is reached")
	}
}
