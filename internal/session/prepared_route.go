package session

import (
	"encoding/binary"
	"fmt"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/prepared"
	"github.com/dbbouncer/rwsplit/internal/wire"
)

// routePrepare handles COM_STMT_PREPARE: the prepare is broadcast
// like any other session command, but each
// backend is free to assign its own statement id, so the divergence
// check the generic broadcastAll uses on raw bytes cannot apply here
// directly — the id bytes are masked out before comparison, and each
// backend's real id is recorded in the Prepared Statement Manager
// instead of thrown away.
func (s *Session) routePrepare(pkt wire.Packet) error {
	text := pkt.Payload[1:]
	connected := s.connectAllKnownBackends()
	if len(connected) == 0 {
		return s.sendClientError(1040, "08004", "no backend available to prepare statement")
	}

	cmd := s.sescmdLog.Append(wire.ComStmtPrepare, pkt.Payload, true)
	if s.metrics != nil {
		s.metrics.SessionCommandAppended()
	}
	s.sentSescmd = cmd.Position

	var stmt *prepared.Statement
	var externalID uint32
	forwarded := false

	for _, b := range connected {
		if err := b.Write(pkt.Payload, backend.ExpectResponse); err != nil {
			s.logger.Warn("session: prepare broadcast write failed", "server", b.Server, "err", err)
			continue
		}

		if !forwarded {
			reply, err := s.relayPrepareReply(b)
			if err != nil {
				s.logger.Warn("session: prepare broadcast reply failed", "server", b.Server, "err", err)
				continue
			}
			s.sescmdLog.RecordResponse(cmd.Position, maskPrepareStatementID(reply))
			s.recvSescmd++
			if len(reply) > 0 && reply[0] == wire.ErrPacket {
				return nil
			}
			backendID, ok := prepareOKStatementID(reply)
			if !ok {
				s.logger.Warn("session: unparsable prepare reply", "server", b.Server)
				forwarded = true
				continue
			}
			externalID = backendID
			stmt = s.prep.Prepare(externalID, text)
			if err := s.prep.RecordBackendID(externalID, b, backendID); err != nil {
				s.logger.Warn("session: recording backend id failed", "server", b.Server, "err", err)
			}
			forwarded = true
			continue
		}

		reply, err := s.drainPrepareReply(b)
		if err != nil {
			s.logger.Warn("session: prepare broadcast reply failed", "server", b.Server, "err", err)
			continue
		}

		_, divergent := s.sescmdLog.RecordResponse(cmd.Position, maskPrepareStatementID(reply))
		if divergent {
			if s.metrics != nil {
				s.metrics.SescmdDivergence(b.Server.Name)
			}
			s.logger.Error("session: session-command divergence preparing statement, closing backend", "server", b.Server)
			b.Close()
			continue
		}
		if backendID, ok := prepareOKStatementID(reply); ok && stmt != nil {
			if err := s.prep.RecordBackendID(externalID, b, backendID); err != nil {
				s.logger.Warn("session: recording backend id failed", "server", b.Server, "err", err)
			}
		}
		s.recvSescmd++
		if err := b.ConsumeDone(); err != nil {
			s.logger.Warn("session: prepare ConsumeDone failed", "server", b.Server, "err", err)
		}
	}

	if !forwarded {
		return s.sendClientError(1040, "08004", "no backend produced a prepare reply")
	}
	if s.metrics != nil {
		s.metrics.QueryRouted("all")
	}
	return nil
}

// routeStmtClose forwards COM_STMT_CLOSE to
// every backend the statement was ever prepared on, with the id
// rewritten per backend, and expects no reply. An id the client never
// actually prepared (or already closed) is a silent no-op, matching
// MySQL server behavior.
func (s *Session) routeStmtClose(pkt wire.Packet, stmt wire.Statement) error {
	s.execMap.Clear(stmt.StmtID)
	st, ok := s.prep.Close(stmt.StmtID)
	if !ok {
		return nil
	}

	body := pkt.Payload[1:]
	for _, b := range st.Backends() {
		if b.Closed() {
			continue
		}
		backendID, ok := st.IDFor(b)
		if !ok {
			continue
		}
		newBody := prepared.RewriteID(body, backendID)
		payload := append([]byte{wire.ComStmtClose}, newBody...)
		if err := b.Write(payload, backend.NoResponse); err != nil {
			s.logger.Warn("session: stmt close write failed", "server", b.Server, "err", err)
		}
	}
	return nil
}

// prepareExecutePayload rewrites a COM_STMT_EXECUTE's statement id to
// whatever id chosen actually assigned the matching prepare, replaying
// the PREPARE there first if chosen has never seen it.
func (s *Session) prepareExecutePayload(stmt wire.Statement, chosen *backend.Conn, payload []byte) ([]byte, error) {
	st, ok := s.prep.Lookup(stmt.StmtID)
	if !ok {
		return payload, nil
	}
	if s.prep.NeedsReplay(st, chosen) {
		if err := s.replayPrepare(st, chosen); err != nil {
			return nil, err
		}
	}
	backendID, ok := st.IDFor(chosen)
	if !ok {
		return nil, fmt.Errorf("session: statement %d was not prepared on %s", stmt.StmtID, chosen.Server)
	}
	body := prepared.RewriteID(payload[1:], backendID)
	return append([]byte{wire.ComStmtExecute}, body...), nil
}

// rewriteStatementID rewrites a COM_STMT_FETCH's statement id the same
// way, without a replay — a FETCH only ever targets the backend its
// matching EXECUTE already ran on, per decider rule 6, so the prepare
// is already known there.
func (s *Session) rewriteStatementID(stmt wire.Statement, chosen *backend.Conn, payload []byte) []byte {
	st, ok := s.prep.Lookup(stmt.StmtID)
	if !ok {
		return payload
	}
	backendID, ok := st.IDFor(chosen)
	if !ok {
		return payload
	}
	body := prepared.RewriteID(payload[1:], backendID)
	return append([]byte{wire.ComStmtFetch}, body...)
}

// replayPrepare sends stmt's original PREPARE text to b and records
// whatever id b assigns it.
func (s *Session) replayPrepare(stmt *prepared.Statement, b *backend.Conn) error {
	payload := append([]byte{wire.ComStmtPrepare}, stmt.RawPrepare...)
	if err := b.Write(payload, backend.ExpectResponse); err != nil {
		return err
	}
	reply, err := s.drainPrepareReply(b)
	if err != nil {
		return err
	}
	if err := b.ConsumeDone(); err != nil {
		return err
	}
	if len(reply) > 0 && reply[0] == wire.ErrPacket {
		return fmt.Errorf("session: replaying prepare on %s failed", b.Server)
	}
	backendID, ok := prepareOKStatementID(reply)
	if !ok {
		return fmt.Errorf("session: unparsable prepare reply replaying on %s", b.Server)
	}
	return s.prep.RecordBackendID(stmt.ExternalID, b, backendID)
}

// prepareOKStatementID extracts the 4-byte statement id from a
// COM_STMT_PREPARE_OK reply (status byte, then statement_id, then
// num_columns/num_params/...).
func prepareOKStatementID(payload []byte) (uint32, bool) {
	if len(payload) < 5 || payload[0] != wire.OKPacket {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload[1:5]), true
}

// maskPrepareStatementID zeroes a PREPARE_OK reply's per-backend
// statement id before it is fed to the session command log's
// divergence check, since every backend legitimately assigns its own
// id for the same PREPARE text.
func maskPrepareStatementID(payload []byte) []byte {
	if len(payload) < 5 || payload[0] != wire.OKPacket {
		return payload
	}
	out := append([]byte(nil), payload...)
	out[1], out[2], out[3], out[4] = 0, 0, 0, 0
	return out
}
