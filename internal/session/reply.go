package session

import (
	"fmt"

	"github.com/dbbouncer/rwsplit/internal/backend"
	"github.com/dbbouncer/rwsplit/internal/wire"
)

// drainPendingSescmds replays every queued session command on b
// (queued at Connect time, or after a catch-up reconnection) before b
// can be used for an ordinary statement. Replies are checked for
// divergence against the log's recorded response but never forwarded
// to the client — the client already saw the first backend's reply
// when the command was originally broadcast.
func (s *Session) drainPendingSescmds(b *backend.Conn) error {
	drained := 0
	for b.HaveSessionCommands() {
		if s.cfg.QueryQueueLimit > 0 && drained >= s.cfg.QueryQueueLimit {
			b.Close()
			return fmt.Errorf("session: backend %s has too many session commands to replay", b.Server)
		}
		cmd, err := b.ExecuteSessionCommand()
		if err != nil {
			b.Close()
			return err
		}
		if !cmd.ExpectResponse {
			drained++
			continue
		}
		var reply []byte
		if cmd.Command == wire.ComStmtPrepare {
			// A replayed prepare answers with its own statement id and
			// possibly parameter/column definitions; compare only the
			// id-masked PREPARE_OK. The manager replays prepares on
			// demand before an EXECUTE, so the id is not recorded here.
			reply, err = s.drainPrepareReply(b)
			reply = maskPrepareStatementID(reply)
		} else {
			reply, err = s.readOneReplyPayload(b)
		}
		if err != nil {
			b.Close()
			return fmt.Errorf("session: replaying session command on %s: %w", b.Server, err)
		}
		_, divergent := s.sescmdLog.RecordResponse(cmd.Position, reply)
		if divergent {
			if s.metrics != nil {
				s.metrics.SescmdDivergence(b.Server.Name)
			}
			b.Close()
			return fmt.Errorf("session: backend %s diverged replaying session command at position %d", b.Server, cmd.Position)
		}
		if err := b.ConsumeDone(); err != nil {
			return err
		}
		drained++
	}
	s.pruneSescmdResponses()
	return nil
}

// pruneSescmdResponses drops recorded session-command responses no
// in-use backend still needs. With history retained the responses
// back the replay of future attachments and must stay; once history
// is disabled no further backend can attach, so anything below the
// lowest in-flight cursor is garbage.
func (s *Session) pruneSescmdResponses() {
	if !s.sescmdLog.IsHistoryDisabled() {
		return
	}
	min := ^uint64(0)
	for _, b := range s.backends {
		if !b.InUse() {
			continue
		}
		if c := b.Cursor(); c < min {
			min = c
		}
	}
	if min != ^uint64(0) {
		s.sescmdLog.PruneResponsesBelow(min)
	}
}

// readOneReplyPayload drains one full reply from b (absorbing any
// multi-packet result set) and returns the final terminal packet's
// payload, the only part session-command equivalence checking needs.
func (s *Session) readOneReplyPayload(b *backend.Conn) ([]byte, error) {
	var last []byte
	for {
		pkt, err := b.ReadReply()
		if err != nil {
			return nil, err
		}
		last = pkt.Payload
		if b.State() != backend.StateExpectingMore {
			break
		}
	}
	return last, nil
}

// drainPrepareReply absorbs a full COM_STMT_PREPARE reply (PREPARE_OK
// or ERR plus any parameter/column definition packets) without
// forwarding anything, and returns the first packet's payload, where
// the statement id lives.
func (s *Session) drainPrepareReply(b *backend.Conn) ([]byte, error) {
	var first []byte
	for {
		pkt, err := b.ReadReply()
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = pkt.Payload
		}
		if b.State() != backend.StateExpectingMore {
			break
		}
	}
	return first, nil
}

// relayPrepareReply streams a full COM_STMT_PREPARE reply through to
// the client and returns the first packet's payload.
func (s *Session) relayPrepareReply(b *backend.Conn) ([]byte, error) {
	var first []byte
	for {
		pkt, err := b.ReadReply()
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = pkt.Payload
		}
		if err := wire.WritePacket(s.client, pkt.Payload, s.clientSeq); err != nil {
			return nil, err
		}
		s.clientSeq++
		if b.State() != backend.StateExpectingMore {
			break
		}
	}
	return first, b.ConsumeDone()
}

// readSingleValueReply drains one reply expected to be a single-row,
// single-column result set (column count, one definition, metadata
// EOF, the row, terminal EOF) and returns the cell's text. isErr
// reports an outright ERR reply instead. A NULL cell decodes to "".
func (s *Session) readSingleValueReply(b *backend.Conn) (value string, isErr bool, err error) {
	var packets [][]byte
	for {
		pkt, rerr := b.ReadReply()
		if rerr != nil {
			return "", false, rerr
		}
		packets = append(packets, pkt.Payload)
		if b.State() != backend.StateExpectingMore {
			break
		}
	}
	if cerr := b.ConsumeDone(); cerr != nil {
		return "", false, cerr
	}

	first := packets[0]
	if len(first) > 0 && first[0] == wire.ErrPacket {
		return "", true, nil
	}
	// The row is the packet following the end-of-metadata EOF.
	for i := 1; i < len(packets); i++ {
		p := packets[i]
		if len(p) > 0 && len(p) < 9 && p[0] == wire.EOFPacket {
			if i+1 < len(packets) {
				return decodeTextCell(packets[i+1]), false, nil
			}
			break
		}
	}
	return "", false, nil
}

// decodeTextCell decodes the first column of a text-protocol row.
// 0xfb marks NULL.
func decodeTextCell(row []byte) string {
	if len(row) == 0 || row[0] == 0xfb {
		return ""
	}
	n, pos, ok := wire.ReadLenEnc(row, 0)
	if !ok || pos+int(n) > len(row) {
		return ""
	}
	return string(row[pos : pos+int(n)])
}

// relayReply streams every packet of b's reply straight through to
// the client, rewriting nothing, until the
// backend's reply-state machine reaches DONE. It returns the final
// (terminal) packet's payload, the canonical reply used for
// session-command equivalence checking against later backends.
func (s *Session) relayReply(b *backend.Conn) ([]byte, error) {
	var last []byte
	for {
		pkt, err := b.ReadReply()
		if err != nil {
			return nil, err
		}
		last = pkt.Payload
		if err := wire.WritePacket(s.client, pkt.Payload, s.clientSeq); err != nil {
			return nil, err
		}
		s.clientSeq++
		if b.State() != backend.StateExpectingMore {
			break
		}
	}
	return last, b.ConsumeDone()
}
