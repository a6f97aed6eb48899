package decider

import (
	"fmt"
	"strings"

	"github.com/dbbouncer/rwsplit/internal/backend"
)

// SelectionConfig is the subset of the routing configuration that
// governs backend selection once a Target class has been decided.
type SelectionConfig struct {
	Criterion           Criterion
	MaxSlaveConnections int // max_slave_connections; <=0 means unlimited
	MaxReplicationLagMS int // max_slave_replication_lag; negative means unlimited
	MasterAcceptReads   bool
}

// SelectBackend resolves a Target into one concrete backend.Conn from
// the session's backend set (one Conn per configured server, whether
// or not currently connected).
func SelectBackend(target Target, backends []*backend.Conn, cfg SelectionConfig) (*backend.Conn, Flags, error) {
	switch target.Class {
	case ClassPinned:
		if target.Pinned == nil {
			return nil, Flags{}, fmt.Errorf("decider: pinned target has no backend")
		}
		return target.Pinned, Flags{}, nil

	case ClassNamedServer:
		for _, b := range backends {
			if strings.EqualFold(b.Server.Name, target.Server) && isRoutable(b.Server.Role) {
				return b, Flags{}, nil
			}
		}
		return nil, Flags{}, fmt.Errorf("decider: no named server %q available", target.Server)

	case ClassMaster:
		for _, b := range backends {
			if b.Server.Role == backend.RolePrimary {
				return b, Flags{}, nil
			}
		}
		return nil, Flags{}, fmt.Errorf("decider: no primary backend available")

	case ClassSlave:
		return selectSlave(backends, cfg, -1)

	case ClassLagMax:
		return selectSlave(backends, cfg, target.LagMS)

	case ClassAll:
		return nil, Flags{}, fmt.Errorf("decider: ClassAll has no single backend, caller must broadcast")

	default:
		return nil, Flags{}, fmt.Errorf("decider: unknown target class %d", target.Class)
	}
}

func isRoutable(r backend.Role) bool {
	return r == backend.RolePrimary || r == backend.RoleReplica || r == backend.RoleRelay
}

// selectSlave ranks candidate replicas (or the primary, if
// master_accept_reads is set) by the configured criterion, subject to
// a lag ceiling and the max_slave_connections admission limit.
// overrideLagMS >= 0 narrows the ceiling further (a LAG_MAX hint);
// -1 means "use cfg.MaxReplicationLagMS only".
func selectSlave(backends []*backend.Conn, cfg SelectionConfig, overrideLagMS int) (*backend.Conn, Flags, error) {
	lagCeiling := cfg.MaxReplicationLagMS
	if overrideLagMS >= 0 && (lagCeiling < 0 || overrideLagMS < lagCeiling) {
		lagCeiling = overrideLagMS
	}

	currentSlaveCount := 0
	for _, b := range backends {
		if b.InUse() && isSlaveLike(b.Server.Role, cfg.MasterAcceptReads) {
			currentSlaveCount++
		}
	}

	var candidates []*backend.Conn
	for _, b := range backends {
		if !isSlaveLike(b.Server.Role, cfg.MasterAcceptReads) {
			continue
		}
		if lagCeiling >= 0 && b.Server.LagMS > lagCeiling {
			continue
		}
		if !b.InUse() {
			if cfg.MaxSlaveConnections > 0 && currentSlaveCount >= cfg.MaxSlaveConnections {
				continue
			}
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return nil, Flags{}, fmt.Errorf("decider: no eligible replica within lag ceiling %dms", lagCeiling)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if rank(c, cfg.Criterion) < rank(best, cfg.Criterion) {
			best = c
		}
	}
	return best, Flags{}, nil
}

func isSlaveLike(r backend.Role, masterAcceptReads bool) bool {
	if r == backend.RoleReplica || r == backend.RoleRelay {
		return true
	}
	return masterAcceptReads && r == backend.RolePrimary
}

// rank produces a lower-is-better score for the configured criterion.
// Without a live operation counter, LeastCurrentOperations and
// LeastGlobalConnections degrade to "prefer an already-open
// connection" (reusing a warm backend is cheaper than opening one);
// LeastBehindMaster and AdaptiveRouting use observed replication lag,
// the only per-backend cost signal the topology snapshot carries.
func rank(b *backend.Conn, criterion Criterion) int {
	switch criterion {
	case CriterionLeastBehindMaster, CriterionAdaptiveRouting:
		return b.Server.LagMS
	default:
		if b.InUse() {
			return 0
		}
		return 1
	}
}
