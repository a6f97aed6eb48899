package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/decider"
	"github.com/dbbouncer/rwsplit/internal/wire"
)

// handleClientPacket is the per-statement entry point: classify,
// route, deliver, then fold the statement's effect back into session
// state for whatever arrives next.
func (s *Session) handleClientPacket(pkt wire.Packet) error {
	// A large-query continuation packet is raw payload with no command
	// byte of its own — classifying it would be nonsense, and rule 1
	// ignores classification anyway, so it must be intercepted before
	// any of that runs.
	if s.largeQueryContinuation {
		return s.routeContinuation(pkt)
	}

	stmt := wire.Classify(pkt.Payload)

	switch stmt.Command {
	case wire.ComQuit:
		s.closed = true
		return nil
	case wire.ComStmtPrepare:
		return s.routePrepare(pkt)
	case wire.ComStmtClose:
		return s.routeStmtClose(pkt, stmt)
	}

	s.maybeAdoptNewPrimary()

	effective := stmt
	if stmt.Type.Has(wire.TypeExecute) {
		effective = s.effectiveExecuteType(stmt)
	}

	start := time.Now()
	state := s.sessionState(effective)
	target, flags := decider.Decide(effective, state, s.execMap)
	if flags.Warning != "" {
		s.logger.Warn("session: routing warning", "warning", flags.Warning)
		if s.metrics != nil {
			s.metrics.Rerouted("fetch_unknown_id")
		}
	}

	var err error
	if target.Class == decider.ClassAll {
		err = s.broadcastAll(stmt.Command, pkt.Payload)
	} else {
		err = s.routeSingle(effective, pkt, target, flags)
	}
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.StatementDuration(targetLabel(target.Class), time.Since(start))
	}

	s.updateTransactionState(stmt)
	s.maybeSendKeepalives()
	return nil
}

// effectiveExecuteType reclassifies a COM_STMT_EXECUTE using the text
// its matching COM_STMT_PREPARE was registered with, so the decider
// sees whether the prepared statement is itself a read or a write
// instead of defaulting every EXECUTE to TypeRead (classify.go cannot
// know this from the EXECUTE packet alone).
func (s *Session) effectiveExecuteType(stmt wire.Statement) wire.Statement {
	st, ok := s.prep.Lookup(stmt.StmtID)
	if !ok {
		return stmt
	}
	inner := wire.Classify(append([]byte{wire.ComQuery}, st.RawPrepare...))
	out := stmt
	out.Type = inner.Type | wire.TypeExecute
	out.Text = string(st.RawPrepare)
	return out
}

// maybeAdoptNewPrimary implements master_reconnection: outside a
// transaction and not locked to master, a session silently follows the
// topology to whatever server is primary now.
func (s *Session) maybeAdoptNewPrimary() {
	if !s.cfg.MasterReconnection || s.inTransaction || s.lockedToMaster {
		return
	}
	primary := s.topo.Primary()
	if primary == nil || primary.Name == s.currentPrimary {
		return
	}
	s.logger.Info("session: adopting new primary", "old", s.currentPrimary, "new", primary.Name)
	s.currentPrimary = primary.Name
	s.hasTemporaryTables = false
	if s.metrics != nil {
		s.metrics.PrimaryFailover()
	}
}

// sessionState builds the decider.SessionState for one statement,
// including the effective locked-to-master flag: a permanent latch
// (temporary tables, user variables) OR'd with a transient pin
// recomputed fresh for this statement alone (strict_multi_stmt,
// strict_sp_calls). The transient component never outlives the
// statement that triggered it.
func (s *Session) sessionState(stmt wire.Statement) decider.SessionState {
	locked := s.lockedToMaster
	if s.cfg.StrictMultiStmt && stmt.Type.Has(wire.TypeMultiStmt) {
		locked = true
	}
	if s.cfg.StrictSPCalls && stmt.Type.Has(wire.TypeStoredProc) {
		locked = true
	}
	return decider.SessionState{
		LargeQueryContinuation: s.largeQueryContinuation,
		LargeQueryTarget:       s.largeQueryTarget,
		InTransaction:          s.inTransaction,
		ReadOnlyTransaction:    s.readOnlyTransaction,
		TransactionPinned:      s.transactionPinned,
		LockedToMaster:         locked,
		Autocommit:             s.autocommit,
	}
}

// maybeLatchLockedToMaster permanently pins the session to the primary
// when a statement creates a temporary table, state only the primary
// can be trusted to hold consistently. (User-variable assignments are
// latched on the broadcast path by applySessionCommandSideEffects.)
// Unlike the transient strict_multi_stmt/strict_sp_calls
// pin, this latch never clears itself.
func (s *Session) maybeLatchLockedToMaster(stmt wire.Statement) {
	if s.lockedToMaster || stmt.Command != wire.ComQuery {
		return
	}
	upper := strings.ToUpper(stmt.Text)
	if strings.Contains(upper, "TEMPORARY TABLE") {
		s.hasTemporaryTables = true
		s.lockedToMaster = true
	}
	if s.lockedToMaster && s.metrics != nil {
		s.metrics.SessionPinned("locked_to_master")
	}
}

// routeContinuation forwards one physical packet of a large, multi-
// packet logical command to the backend pinned when the first packet
// was routed. Only the final physical packet
// of the sequence (one shorter than MaxPacketSize) completes the
// logical command and gets a reply back from the backend.
func (s *Session) routeContinuation(pkt wire.Packet) error {
	target := s.largeQueryTarget
	chosen, _, err := decider.SelectBackend(target, s.allBackends(), s.cfg.Selection)
	if err != nil {
		s.largeQueryContinuation = false
		return s.sendClientError(1429, "08004", "no backend available to continue a large query: "+err.Error())
	}

	final := !pkt.IsMaxLength()
	mode := backend.NoResponse
	if final {
		mode = backend.ExpectResponse
	}
	if err := chosen.Write(pkt.Payload, mode); err != nil {
		s.largeQueryContinuation = false
		return s.handleBackendFailure(wire.Statement{}, target, chosen, err)
	}
	if !final {
		return nil
	}

	s.largeQueryContinuation = false
	s.lastRoutedBackend = chosen
	if _, err := s.relayReply(chosen); err != nil {
		return s.handleBackendFailure(wire.Statement{}, target, chosen, err)
	}
	return nil
}

// routeSingle resolves target to one concrete backend and delivers pkt
// to it, handling prepared-statement id rewriting, causal-read
// wrapping, and the one-shot retry-on-a-different-replica policy for a
// failed in-flight read.
func (s *Session) routeSingle(stmt wire.Statement, pkt wire.Packet, target decider.Target, flags decider.Flags) error {
	s.maybeLatchLockedToMaster(stmt)

	backends := s.allBackends()
	chosen, _, err := decider.SelectBackend(target, backends, s.cfg.Selection)
	if err != nil {
		return s.handleNoSuitableBackend(stmt, target, err)
	}
	if err := s.ensureReady(chosen); err != nil {
		return s.handleBackendUnavailable(stmt, target, err)
	}

	payload := pkt.Payload
	switch {
	case stmt.Type.Has(wire.TypeExecute):
		payload, err = s.prepareExecutePayload(stmt, chosen, pkt.Payload)
		if err != nil {
			return s.sendClientError(1243, "HY000", err.Error())
		}
	case stmt.Type.Has(wire.TypeFetch):
		payload = s.rewriteStatementID(stmt, chosen, pkt.Payload)
	}

	if s.cfg.CausalReads && stmt.Command == wire.ComQuery && chosen.Server.Role != backend.RolePrimary {
		retry, werr := s.awaitCausalRead(chosen)
		if werr != nil {
			return s.handleBackendFailure(stmt, target, chosen, werr)
		}
		if retry {
			if s.metrics != nil {
				s.metrics.Rerouted("causal_read_timeout")
			}
			if !s.cfg.RetryFailedReads {
				return s.sendClientError(1317, "70100", "causal read wait timed out")
			}
			master, _, merr := decider.SelectBackend(decider.Target{Class: decider.ClassMaster}, backends, s.cfg.Selection)
			if merr != nil {
				return s.sendClientError(1429, "08004", "no primary available to retry causal read")
			}
			if err := s.ensureReady(master); err != nil {
				return s.sendClientError(1429, "08004", err.Error())
			}
			chosen = master
		}
	}

	expectResponse := commandExpectsResponse(stmt.Command)
	mode := backend.NoResponse
	if expectResponse {
		mode = backend.ExpectResponse
	}

	if err := chosen.Write(payload, mode); err != nil {
		retryTarget, retryErr := s.retryRead(stmt, target, backends, chosen)
		if retryErr != nil {
			return s.handleBackendFailure(stmt, target, chosen, err)
		}
		chosen = retryTarget
		if err := chosen.Write(payload, mode); err != nil {
			return s.handleBackendFailure(stmt, target, chosen, err)
		}
	}

	if stmt.Type.Has(wire.TypeExecute) {
		s.execMap.Record(stmt.StmtID, chosen)
	}
	if flags.StoreForRetry && s.cfg.RetryFailedReads && chosen.Server.Role != backend.RolePrimary {
		// The archive holds at most the most recent retryable read.
		if s.retryArchive != nil {
			s.retriesSuperseded++
		}
		s.retryArchive = append(s.retryArchive[:0], payload...)
	}
	if pkt.IsMaxLength() {
		s.largeQueryContinuation = true
		s.largeQueryTarget = decider.Target{Class: decider.ClassPinned, Pinned: chosen}
	} else {
		s.largeQueryContinuation = false
	}
	s.lastRoutedBackend = chosen
	if s.metrics != nil {
		s.metrics.QueryRouted(targetLabel(target.Class))
	}

	if !expectResponse {
		return nil
	}

	last, err := s.relayReply(chosen)
	if err != nil {
		retryTarget, retryErr := s.retryRead(stmt, target, backends, chosen)
		if retryErr != nil {
			return s.handleBackendFailure(stmt, target, chosen, err)
		}
		if werr := retryTarget.Write(payload, mode); werr != nil {
			return s.handleBackendFailure(stmt, target, retryTarget, werr)
		}
		s.lastRoutedBackend = retryTarget
		last, err = s.relayReply(retryTarget)
		if err != nil {
			return s.handleBackendFailure(stmt, target, retryTarget, err)
		}
		chosen = retryTarget
	}
	s.trackGTID(chosen, last)
	return nil
}

// trackGTID captures the GTID a primary reports via session state
// tracking after a successful statement, so a later causal read on a
// replica can wait for it.
func (s *Session) trackGTID(b *backend.Conn, terminal []byte) {
	if !s.cfg.CausalReads || b.Server.Role != backend.RolePrimary {
		return
	}
	if gtid, ok := wire.SessionTrackGTID(terminal); ok {
		s.lastGTID = gtid
	}
}

// retryRead implements the read-retry policy: a read in flight
// against a replica, with retry_failed_reads enabled, gets one more
// attempt against a different eligible replica before the failure is
// surfaced to the client.
func (s *Session) retryRead(stmt wire.Statement, target decider.Target, backends []*backend.Conn, failed *backend.Conn) (*backend.Conn, error) {
	if !s.cfg.RetryFailedReads || !stmt.Type.Has(wire.TypeRead) || failed.Server.Role == backend.RolePrimary {
		return nil, errNoRetry
	}
	remaining := make([]*backend.Conn, 0, len(backends))
	for _, b := range backends {
		if b != failed {
			remaining = append(remaining, b)
		}
	}
	next, _, err := decider.SelectBackend(target, remaining, s.cfg.Selection)
	if err != nil {
		return nil, err
	}
	if err := s.ensureReady(next); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.Rerouted("backend_failure")
	}
	return next, nil
}

var errNoRetry = &noRetryError{}

type noRetryError struct{}

func (*noRetryError) Error() string { return "session: retry not applicable" }

// ensureReady connects b if necessary and replays any session commands
// it still owes before it can carry an ordinary statement.
func (s *Session) ensureReady(b *backend.Conn) error {
	if err := s.ensureConnected(b); err != nil {
		return err
	}
	if b.HaveSessionCommands() {
		return s.drainPendingSescmds(b)
	}
	return nil
}

// handleNoSuitableBackend is reached when the decider's class could
// not be resolved to any concrete backend at all.
func (s *Session) handleNoSuitableBackend(stmt wire.Statement, target decider.Target, err error) error {
	if target.Class == decider.ClassMaster && stmt.Type.Has(wire.TypeWrite) {
		return s.handlePrimaryWriteFailure()
	}
	if s.metrics != nil {
		s.metrics.Rerouted("no_suitable_backend")
	}
	return s.sendClientError(1429, "08004", "no suitable backend: "+err.Error())
}

// handleBackendUnavailable is reached when SelectBackend chose a
// backend but connecting to (or replaying onto) it failed.
func (s *Session) handleBackendUnavailable(stmt wire.Statement, target decider.Target, err error) error {
	if target.Class == decider.ClassMaster && stmt.Type.Has(wire.TypeWrite) {
		return s.handlePrimaryWriteFailure()
	}
	if s.metrics != nil {
		s.metrics.Rerouted("backend_unavailable")
	}
	return s.sendClientError(1429, "08004", "backend unavailable: "+err.Error())
}

// handleBackendFailure is reached when a write or read against an
// already-connected backend failed mid-flight.
func (s *Session) handleBackendFailure(stmt wire.Statement, target decider.Target, b *backend.Conn, err error) error {
	if b.Server.Role == backend.RolePrimary && stmt.Type.Has(wire.TypeWrite) {
		return s.handlePrimaryWriteFailure()
	}
	if s.metrics != nil {
		s.metrics.Rerouted("backend_failure")
	}
	return s.sendClientError(2013, "HY000", "lost connection to backend server: "+err.Error())
}

// handlePrimaryWriteFailure applies master_failure_mode when a write
// cannot reach the primary.
func (s *Session) handlePrimaryWriteFailure() error {
	switch s.cfg.MasterFailureMode {
	case FailInstantly:
		s.sendClientError(1429, "08S01", "no primary server available, closing session")
		s.closed = true
		return nil
	case ErrorOnWrite:
		return s.sendClientError(1290, "HY000", "the server is read-only because no primary is reachable")
	case FailOnWrite:
		if p, ok := s.backends[s.currentPrimary]; ok {
			p.Close()
		}
		return s.sendClientError(1290, "HY000", "no primary server available for this write")
	default:
		return s.sendClientError(1290, "HY000", "no primary server available")
	}
}

// updateTransactionState folds a successfully routed statement's
// effect into the session's transaction-tracking fields.
func (s *Session) updateTransactionState(stmt wire.Statement) {
	switch {
	case stmt.Type.Has(wire.TypeBegin):
		s.inTransaction = true
		s.readOnlyTransaction = stmt.Type.Has(wire.TypeReadOnlyBegin)
		if s.readOnlyTransaction {
			s.transactionPinned = s.lastRoutedBackend
			if s.metrics != nil {
				s.metrics.SessionPinned("read_only_transaction")
			}
		} else {
			s.transactionPinned = nil
		}
	case stmt.Type.Has(wire.TypeCommit), stmt.Type.Has(wire.TypeRollback):
		s.inTransaction = false
		s.readOnlyTransaction = false
		s.transactionPinned = nil
	}

	if stmt.Command == wire.ComQuery {
		upper := strings.ToUpper(strings.TrimSpace(stmt.Text))
		if strings.HasPrefix(upper, "SET AUTOCOMMIT") {
			s.autocommit = !strings.Contains(upper, "=0") && !strings.Contains(upper, "= 0")
		}
	}
}

// awaitCausalRead wraps a read routed to a replica with a GTID-wait
// guard when causal_reads is enabled. It returns retry=true when the
// wait timed out or errored, meaning the caller should re-route the
// original statement to the primary instead. A timeout is not a wire
// error: the wait function answers with an ordinary single-value
// result set whose cell carries the failure sentinel.
func (s *Session) awaitCausalRead(b *backend.Conn) (retry bool, err error) {
	if s.lastGTID == "" {
		return false, nil
	}
	waitSQL := s.gtidWaitQuery()
	if err := b.Write(append([]byte{wire.ComQuery}, waitSQL...), backend.ExpectResponse); err != nil {
		return false, err
	}
	value, isErr, err := s.readSingleValueReply(b)
	if err != nil {
		return false, err
	}
	if isErr {
		return true, nil
	}
	return s.gtidWaitFailed(value), nil
}

// gtidWaitFailed interprets the wait function's return value.
// MASTER_GTID_WAIT answers -1 on timeout and NULL on error;
// WAIT_FOR_EXECUTED_GTID_SET answers 0 on success, 1 on timeout, NULL
// on error. NULL cells are surfaced as an empty string.
func (s *Session) gtidWaitFailed(value string) bool {
	if s.cfg.ServerFamily == FamilyMySQL {
		return value != "0"
	}
	return value == "-1" || value == ""
}

func (s *Session) gtidWaitQuery() string {
	timeoutSec := int(s.cfg.CausalReadsTimeout / time.Second)
	if s.cfg.ServerFamily == FamilyMySQL {
		return "SELECT WAIT_FOR_EXECUTED_GTID_SET('" + s.lastGTID + "', " + strconv.Itoa(timeoutSec) + ")"
	}
	return "SELECT MASTER_GTID_WAIT('" + s.lastGTID + "', " + strconv.Itoa(timeoutSec) + ")"
}

// maybeSendKeepalives issues an ignorable COM_PING to any in-use,
// otherwise-idle backend whose idle time has crossed
// connection_keepalive, so firewalls and server-side
// idle timeouts never see a quiet connection.
func (s *Session) maybeSendKeepalives() {
	if s.cfg.ConnectionKeepalive <= 0 {
		return
	}
	for _, b := range s.backends {
		if b.Closed() || !b.InUse() || b.State() != backend.StateIdle {
			continue
		}
		if b.IdleFor() < s.cfg.ConnectionKeepalive {
			continue
		}
		if err := b.Write([]byte{wire.ComPing}, backend.ExpectResponse); err != nil {
			s.logger.Warn("session: keepalive ping failed", "server", b.Server, "err", err)
			continue
		}
		if _, err := s.readOneReplyPayload(b); err != nil {
			s.logger.Warn("session: keepalive reply failed", "server", b.Server, "err", err)
			continue
		}
		if err := b.ConsumeDone(); err != nil {
			s.logger.Warn("session: keepalive ConsumeDone failed", "server", b.Server, "err", err)
		}
	}
}

// applySessionCommandSideEffects folds a successfully broadcast
// session-write statement into session state. Most session writes
// (SET autocommit, transaction boundaries) are handled uniformly by
// updateTransactionState regardless of routing path; this covers the
// one effect specific to the ALL-target broadcast path: a user
// variable assigned from an expression (SET @x = f(...)) permanently
// locks the session to the primary, since evaluating the expression
// on every backend can yield different values on each. A constant
// assignment replays identically everywhere and stays unpinned.
func (s *Session) applySessionCommandSideEffects(command byte, payload []byte) {
	if command != wire.ComQuery || s.lockedToMaster {
		return
	}
	trimmed := strings.TrimSpace(strings.ToUpper(string(payload[1:])))
	if strings.HasPrefix(trimmed, "SET @") && !strings.HasPrefix(trimmed, "SET @@") &&
		(strings.Contains(trimmed, "(") || strings.Contains(trimmed, "SELECT")) {
		s.lockedToMaster = true
		if s.metrics != nil {
			s.metrics.SessionPinned("locked_to_master")
		}
	}
}

func commandExpectsResponse(cmd byte) bool {
	switch cmd {
	case wire.ComQuit, wire.ComStmtSendLongDat, wire.ComStmtClose:
		return false
	default:
		return true
	}
}

func targetLabel(c decider.Class) string {
	switch c {
	case decider.ClassMaster:
		return "master"
	case decider.ClassSlave:
		return "slave"
	case decider.ClassAll:
		return "all"
	case decider.ClassNamedServer:
		return "named_server"
	case decider.ClassLagMax:
		return "lag_max"
	case decider.ClassPinned:
		return "pinned"
	default:
		return "unknown"
	}
}
