package session

import (
	"github.com/dbbouncer/rwsplit/internal/backend"
)

// connectAllKnownBackends ensures every server currently in the
// topology snapshot has a Conn handle and is connected, skipping (and
// logging) any that are unreachable or fail to authenticate. A
// session-command broadcast must reach every server it can, not just
// the ones already in use.
func (s *Session) connectAllKnownBackends() []*backend.Conn {
	var connected []*backend.Conn
	for _, srv := range s.topo.Servers() {
		if srv.Role == backend.RoleDown {
			continue
		}
		b := s.backendFor(&backendServerRef{name: srv.Name, server: srv})
		if err := s.ensureConnected(b); err != nil {
			s.logger.Warn("session: backend unavailable for broadcast", "server", srv.Name, "err", err)
			continue
		}
		connected = append(connected, b)
	}
	return connected
}

// broadcastAll is the ALL-target flow: append the command to the
// session command log, send it to every reachable backend, forward
// the first reply to the client, and absorb every later reply after
// comparing it for equivalence.
func (s *Session) broadcastAll(command byte, payload []byte) error {
	connected := s.connectAllKnownBackends()
	if len(connected) == 0 {
		return s.sendClientError(1040, "08004", "no backend available for session command")
	}

	cmd := s.sescmdLog.Append(command, payload, true)
	if s.metrics != nil {
		s.metrics.SessionCommandAppended()
	}
	s.sentSescmd = cmd.Position

	forwarded := false
	for _, b := range connected {
		if err := b.Write(payload, backend.ExpectResponse); err != nil {
			s.logger.Warn("session: broadcast write failed", "server", b.Server, "err", err)
			continue
		}

		if !forwarded {
			reply, err := s.relayReply(b)
			if err != nil {
				s.logger.Warn("session: broadcast reply failed", "server", b.Server, "err", err)
				continue
			}
			s.sescmdLog.RecordResponse(cmd.Position, reply)
			s.trackGTID(b, reply)
			forwarded = true
			s.recvSescmd++
			continue
		}

		reply, err := s.readOneReplyPayload(b)
		if err != nil {
			s.logger.Warn("session: broadcast catch-up read failed", "server", b.Server, "err", err)
			b.Close()
			continue
		}
		_, divergent := s.sescmdLog.RecordResponse(cmd.Position, reply)
		if divergent {
			if s.metrics != nil {
				s.metrics.SescmdDivergence(b.Server.Name)
			}
			s.logger.Error("session: session-command divergence, closing backend", "server", b.Server)
			b.Close()
			continue
		}
		if err := b.ConsumeDone(); err != nil {
			s.logger.Warn("session: broadcast ConsumeDone failed", "server", b.Server, "err", err)
		}
		s.recvSescmd++
	}

	if !forwarded {
		return s.sendClientError(1040, "08004", "no backend produced a session-command reply")
	}
	if s.metrics != nil {
		s.metrics.QueryRouted("all")
	}
	s.applySessionCommandSideEffects(command, payload)
	return nil
}

func (s *Session) sendClientError(code uint16, sqlState, msg string) error {
	return writeClientError(s, code, sqlState, msg)
}
