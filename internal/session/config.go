package session

import (
	"time"

	"github.com/dbbouncer/rwsplit/internal/decider"
)

// MasterFailureMode governs what happens to a write when no primary
// is available (config option master_failure_mode).
type MasterFailureMode int

const (
	FailInstantly MasterFailureMode = iota
	ErrorOnWrite
	FailOnWrite
)

// ServerFamily picks the GTID-wait function name a causal read is
// wrapped with: MASTER_GTID_WAIT on MariaDB,
// WAIT_FOR_EXECUTED_GTID_SET on MySQL.
type ServerFamily int

const (
	FamilyMariaDB ServerFamily = iota
	FamilyMySQL
)

// Config is the full set of options that shape one router session's
// behavior. Selection sits in decider.SelectionConfig;
// everything else governs the session state machine itself.
type Config struct {
	Selection decider.SelectionConfig

	MasterReconnection bool
	MasterFailureMode  MasterFailureMode

	StrictMultiStmt  bool
	StrictSPCalls    bool
	RetryFailedReads bool

	ConnectionKeepalive time.Duration

	DisableSescmdHistory bool
	MaxSescmdHistory     int

	CausalReads        bool
	CausalReadsTimeout time.Duration
	ServerFamily       ServerFamily

	// QueryQueueLimit bounds the deferred-packet queue; exceeding it
	// fails the statement rather than growing unboundedly.
	QueryQueueLimit int
}

// DefaultConfig returns the documented option defaults.
func DefaultConfig() Config {
	return Config{
		Selection: decider.SelectionConfig{
			Criterion:           decider.CriterionLeastCurrentOperations,
			MaxSlaveConnections: 255,
			MaxReplicationLagMS: -1,
			MasterAcceptReads:   false,
		},
		MasterReconnection:   false,
		MasterFailureMode:    FailInstantly,
		StrictMultiStmt:      true,
		StrictSPCalls:        true,
		RetryFailedReads:     true,
		ConnectionKeepalive:  300 * time.Second,
		DisableSescmdHistory: false,
		MaxSescmdHistory:     50,
		CausalReads:          false,
		CausalReadsTimeout:   10 * time.Second,
		ServerFamily:         FamilyMariaDB,
		QueryQueueLimit:      1000,
	}
}
