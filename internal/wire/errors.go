package wire

import "io"

// WriteError sends an ERR_Packet to w.
func WriteError(w io.Writer, seq byte, code uint16, sqlState, message string) error {
	buf := make([]byte, 0, len(message)+16)
	buf = append(buf, ErrPacket)
	buf = append(buf, byte(code), byte(code>>8))
	buf = append(buf, '#')
	state := sqlState
	if len(state) < 5 {
		state = state + "     "
	}
	buf = append(buf, state[:5]...)
	buf = append(buf, message...)
	return WritePacket(w, buf, seq)
}

// WriteOK sends an OK_Packet to w with the given affected-rows,
// last-insert-id, status flags, and warning count, all encoded as
// length-encoded integers / little-endian fields per the OK_Packet
// layout (see StatusFlags for the matching reader).
func WriteOK(w io.Writer, seq byte, affectedRows, lastInsertID uint64, statusFlags, warnings uint16) error {
	buf := make([]byte, 0, 16)
	buf = append(buf, OKPacket)
	buf = appendLenEnc(buf, affectedRows)
	buf = appendLenEnc(buf, lastInsertID)
	buf = append(buf, byte(statusFlags), byte(statusFlags>>8))
	buf = append(buf, byte(warnings), byte(warnings>>8))
	return WritePacket(w, buf, seq)
}

// appendLenEnc appends v to buf using the MySQL length-encoded integer
// format (the write-side counterpart of SkipLenEnc).
func appendLenEnc(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(buf, byte(v))
	case v <= 0xffff:
		return append(buf, 0xfc, byte(v), byte(v>>8))
	case v <= 0xffffff:
		return append(buf, 0xfd, byte(v), byte(v>>8), byte(v>>16))
	default:
		return append(buf, 0xfe,
			byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
			byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
	}
}
