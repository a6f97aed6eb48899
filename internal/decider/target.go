// Package decider implements the route decider: a pure function from
// a classified statement and session context to a routing target,
// plus the backend-selection policy that resolves a target into one
// concrete backend.Conn.
package decider

import "github.com/dbbouncer/rwsplit/internal/backend"

// Class identifies the kind of target a statement should route to.
type Class int

const (
	ClassAll Class = iota
	ClassMaster
	ClassSlave
	ClassNamedServer
	ClassLagMax
	// ClassPinned carries an already-resolved backend (read-only
	// transaction pin, COM_STMT_FETCH affinity, large-query
	// continuation) rather than a class to re-resolve.
	ClassPinned
)

// Target is the Route Decider's output: a target class plus whatever
// auxiliary data that class needs to resolve to one backend.Conn.
type Target struct {
	Class  Class
	Server string        // valid when Class == ClassNamedServer
	LagMS  int           // valid when Class == ClassLagMax
	Pinned *backend.Conn // valid when Class == ClassPinned
}

// Flags are auxiliary decisions alongside the target.
type Flags struct {
	StoreForRetry bool
	Warning       string
}

// Criterion is the slave_selection_criteria config option.
type Criterion int

const (
	CriterionLeastCurrentOperations Criterion = iota
	CriterionLeastBehindMaster
	CriterionLeastGlobalConnections
	CriterionAdaptiveRouting
)
