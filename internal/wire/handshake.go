package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// HandshakeResponse41 is the parsed form of a client's
// HandshakeResponse41 packet, plus the raw bytes so the router can
// forward it to a backend unmodified.
type HandshakeResponse41 struct {
	ClientFlags uint32
	Username    string
	AuthData    []byte
	Database    string
	Raw         []byte
}

// ServerVersion is reported in the synthetic handshake sent to
// clients before the router knows which backend it will route to.
const ServerVersion = "8.0.34-rwsplit"

// WriteSyntheticHandshake sends a Protocol::HandshakeV10 packet to a
// freshly accepted client connection so the router can read back a
// HandshakeResponse41 (and thus the client's username/database)
// before any backend has been chosen.
func WriteSyntheticHandshake(w io.Writer, connectionID uint32) error {
	authData := make([]byte, 20)
	if _, err := rand.Read(authData); err != nil {
		return fmt.Errorf("wire: generating auth challenge: %w", err)
	}
	for i := range authData {
		if authData[i] == 0 {
			authData[i] = 1
		}
	}

	var buf []byte
	buf = append(buf, protocolVersion)
	buf = append(buf, ServerVersion...)
	buf = append(buf, 0)
	buf = append(buf,
		byte(connectionID), byte(connectionID>>8),
		byte(connectionID>>16), byte(connectionID>>24))
	buf = append(buf, authData[:8]...)
	buf = append(buf, 0) // filler

	capLow := uint16(0xf7ff)
	buf = append(buf, byte(capLow), byte(capLow>>8))
	buf = append(buf, 33)         // utf8_general_ci
	buf = append(buf, 0x02, 0x00) // status flags: autocommit

	capHigh := uint16(0x0081)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))
	buf = append(buf, 21) // length of auth-plugin-data
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, authData[8:]...)
	buf = append(buf, 0x00)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)

	return WritePacket(w, buf, 0)
}

// ReadHandshakeResponse reads and parses a client's HandshakeResponse41
// packet, retaining the raw bytes for forwarding to whichever backend
// the router ultimately connects to.
func ReadHandshakeResponse(r io.Reader) (HandshakeResponse41, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return HandshakeResponse41{}, fmt.Errorf("wire: reading handshake response header: %w", err)
	}
	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if payloadLen > MaxPacketSize || payloadLen < 32 {
		return HandshakeResponse41{}, fmt.Errorf("wire: invalid handshake response length %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return HandshakeResponse41{}, fmt.Errorf("wire: reading handshake response payload: %w", err)
	}

	raw := make([]byte, 4+payloadLen)
	copy(raw, header[:])
	copy(raw[4:], payload)

	resp := HandshakeResponse41{Raw: raw}
	resp.ClientFlags = binary.LittleEndian.Uint32(payload[0:4])

	pos := 32
	usernameEnd := pos
	for usernameEnd < len(payload) && payload[usernameEnd] != 0 {
		usernameEnd++
	}
	resp.Username = string(payload[pos:usernameEnd])
	pos = usernameEnd + 1

	switch {
	case resp.ClientFlags&ClientPluginAuthLenEncClientData != 0, resp.ClientFlags&ClientSecureConnection != 0:
		if pos < len(payload) {
			authLen := int(payload[pos])
			pos++
			if pos+authLen <= len(payload) {
				resp.AuthData = payload[pos : pos+authLen]
				pos += authLen
			}
		}
	default:
		authEnd := pos
		for authEnd < len(payload) && payload[authEnd] != 0 {
			authEnd++
		}
		resp.AuthData = payload[pos:authEnd]
		pos = authEnd + 1
	}

	if resp.ClientFlags&ClientConnectWithDB != 0 && pos < len(payload) {
		dbEnd := pos
		for dbEnd < len(payload) && payload[dbEnd] != 0 {
			dbEnd++
		}
		resp.Database = string(payload[pos:dbEnd])
	}

	return resp, nil
}
