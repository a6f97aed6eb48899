package session

import "github.com/dbbouncer/rwsplit/internal/wire"

// writeClientError sends an ERR_Packet to the client using the
// session's current sequence number.
func writeClientError(s *Session, code uint16, sqlState, msg string) error {
	err := wire.WriteError(s.client, s.clientSeq, code, sqlState, msg)
	s.clientSeq++
	return err
}
