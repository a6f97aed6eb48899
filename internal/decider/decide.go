package decider

import (
	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/prepared"
	"github.com/dbbouncer/rwsplit/internal/wire"
)

// SessionState is the subset of Router Session state the decider
// needs — everything else about the session (backend sets, sescmd
// log, …) is irrelevant to routing a single statement.
type SessionState struct {
	LargeQueryContinuation bool
	LargeQueryTarget       Target

	InTransaction       bool
	ReadOnlyTransaction bool
	TransactionPinned   *backend.Conn // set when a read-only transaction pinned a backend on its first statement
	LockedToMaster      bool
	Autocommit          bool
}

// Decide evaluates the ordered decision rules and returns the
// winning Target. It is a pure function: no I/O, no mutation of stmt,
// state, or execMap.
func Decide(stmt wire.Statement, state SessionState, execMap *prepared.ExecMap) (Target, Flags) {
	// Rule 1: large-query continuation packets inherit the previous
	// packet's target unconditionally.
	if state.LargeQueryContinuation {
		return state.LargeQueryTarget, Flags{}
	}

	// Rule 2: explicit routing hints.
	if stmt.Hints != nil {
		if h := stmt.Hints.Find(wire.HintRouteToServer); h != nil {
			return Target{Class: ClassNamedServer, Server: h.Server}, Flags{}
		}
		if h := stmt.Hints.Find(wire.HintMaxSlaveLag); h != nil {
			return Target{Class: ClassLagMax, LagMS: h.LagMS}, Flags{StoreForRetry: stmt.Type.Has(wire.TypeRead)}
		}
	}

	// Rule 3: session-state-mutating statements go to every backend.
	if stmt.Type.Has(wire.TypeSessionWrite) {
		return Target{Class: ClassAll}, Flags{}
	}

	// Rule 4: an open write transaction, or locked-to-master, forces
	// the primary.
	if (state.InTransaction && !state.ReadOnlyTransaction) || state.LockedToMaster {
		return Target{Class: ClassMaster}, Flags{}
	}

	// Rule 5: a read-only transaction stays pinned to whichever
	// backend served its first statement. A not-yet-started
	// START TRANSACTION READ ONLY is itself that first statement: route
	// it like an ordinary autocommit read so the Router Session can
	// capture whichever backend answers it as the pin for every
	// statement that follows, until COMMIT/ROLLBACK.
	if state.InTransaction && state.ReadOnlyTransaction {
		return Target{Class: ClassPinned, Pinned: state.TransactionPinned}, Flags{}
	}
	if stmt.Type.Has(wire.TypeReadOnlyBegin) && !state.InTransaction {
		return Target{Class: ClassSlave}, Flags{}
	}

	// Rule 6: COM_STMT_FETCH must land on the backend that ran the
	// matching COM_STMT_EXECUTE.
	if stmt.Type.Has(wire.TypeFetch) {
		if b, ok := execMap.Lookup(stmt.StmtID); ok {
			return Target{Class: ClassPinned, Pinned: b}, Flags{}
		}
		return Target{Class: ClassSlave}, Flags{Warning: "COM_STMT_FETCH for unknown statement id, falling back to a replica"}
	}

	// Rule 7: writes always go to the primary.
	if stmt.Type.Has(wire.TypeWrite) {
		return Target{Class: ClassMaster}, Flags{}
	}

	// Rule 8: reads in autocommit with no open transaction go to a
	// replica, and are worth archiving for a retry on another replica
	// should the chosen one fail mid-flight. Non-read statements with
	// no more specific rule (BEGIN, PING, …) fall through to the
	// rule 9 default instead of riding this rule to a replica.
	if stmt.Type.Has(wire.TypeRead) && state.Autocommit && !state.InTransaction {
		return Target{Class: ClassSlave}, Flags{StoreForRetry: true}
	}

	// Rule 9: default to the primary.
	return Target{Class: ClassMaster}, Flags{}
}
