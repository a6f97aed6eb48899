package wire

// sessionTrackGTIDs is the session-state-change chunk type carrying a
// GTID (SESSION_TRACK_GTIDS), sent when session_track_gtids is
// enabled on the server.
const sessionTrackGTIDs = 0x03

// SessionTrackGTID extracts the GTID carried in an OK_Packet's
// session-state-change block, if any. The layout after the header
// fields is: info (lenenc string), then, when the status flags carry
// SERVER_SESSION_STATE_CHANGED, a lenenc-framed sequence of
// (type byte, lenenc data) chunks. The GTIDs chunk wraps the GTID
// text in one more lenenc string, preceded by a one-byte encoding
// specification.
func SessionTrackGTID(payload []byte) (string, bool) {
	if len(payload) == 0 || payload[0] != OKPacket {
		return "", false
	}
	pos := 1
	pos = SkipLenEnc(payload, pos) // affected_rows
	pos = SkipLenEnc(payload, pos) // last_insert_id
	if pos+4 > len(payload) {
		return "", false
	}
	status := uint16(payload[pos]) | uint16(payload[pos+1])<<8
	pos += 4 // status_flags + warnings
	if status&StatusSessionStateChanged == 0 {
		return "", false
	}

	infoLen, pos, ok := ReadLenEnc(payload, pos)
	if !ok || pos+int(infoLen) > len(payload) {
		return "", false
	}
	pos += int(infoLen)

	stateLen, pos, ok := ReadLenEnc(payload, pos)
	if !ok || pos+int(stateLen) > len(payload) {
		return "", false
	}
	end := pos + int(stateLen)

	for pos < end {
		typ := payload[pos]
		pos++
		chunkLen, next, ok := ReadLenEnc(payload, pos)
		if !ok || next+int(chunkLen) > end {
			return "", false
		}
		if typ == sessionTrackGTIDs {
			// chunk: encoding spec byte, then lenenc GTID text
			cpos := next + 1
			gtidLen, gpos, ok := ReadLenEnc(payload, cpos)
			if !ok || gpos+int(gtidLen) > end {
				return "", false
			}
			return string(payload[gpos : gpos+int(gtidLen)]), true
		}
		pos = next + int(chunkLen)
	}
	return "", false
}

// ReadLenEnc decodes one length-encoded integer at pos.
func ReadLenEnc(pkt []byte, pos int) (uint64, int, bool) {
	if pos >= len(pkt) {
		return 0, pos, false
	}
	switch b := pkt[pos]; {
	case b < 0xfb:
		return uint64(b), pos + 1, true
	case b == 0xfc:
		if pos+3 > len(pkt) {
			return 0, pos, false
		}
		return uint64(pkt[pos+1]) | uint64(pkt[pos+2])<<8, pos + 3, true
	case b == 0xfd:
		if pos+4 > len(pkt) {
			return 0, pos, false
		}
		return uint64(pkt[pos+1]) | uint64(pkt[pos+2])<<8 | uint64(pkt[pos+3])<<16, pos + 4, true
	case b == 0xfe:
		if pos+9 > len(pkt) {
			return 0, pos, false
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(pkt[pos+1+i]) << (8 * i)
		}
		return v, pos + 9, true
	default:
		return 0, pos, false
	}
}
