package backend

import (
	"crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1
	"fmt"
	"net"

	"github.com/dbbouncer/rwsplit/internal/wire"
)

// authenticate performs the server-initiated MySQL handshake against
// a freshly dialed backend connection: read HandshakeV10, send
// HandshakeResponse41 with a mysql_native_password hash, follow one
// AuthSwitchRequest if the server asks for it, and confirm OK.
func authenticate(conn net.Conn, creds Credentials) error {
	pkt, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading server handshake: %w", err)
	}
	if len(pkt.Payload) < 1 {
		return fmt.Errorf("empty server handshake")
	}
	if pkt.Payload[0] == wire.ErrPacket {
		return fmt.Errorf("server sent error on connect")
	}

	authData, pluginName, err := parseHandshakeV10(pkt.Payload)
	if err != nil {
		return fmt.Errorf("parsing server handshake: %w", err)
	}

	clientCaps := wire.ClientLongPassword | wire.ClientProtocol41 |
		wire.ClientSecureConnection | wire.ClientPluginAuth
	if creds.Database != "" {
		clientCaps |= wire.ClientConnectWithDB
	}

	authResp := authResponseFor(pluginName, creds.Password, authData)

	resp := buildHandshakeResponse41(clientCaps, creds.Username, authResp, creds.Database)
	if err := wire.WritePacket(conn, resp, 1); err != nil {
		return fmt.Errorf("sending handshake response: %w", err)
	}

	reply, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}
	if len(reply.Payload) < 1 {
		return fmt.Errorf("empty auth result")
	}

	switch reply.Payload[0] {
	case wire.OKPacket:
		return nil
	case wire.EOFPacket:
		return followAuthSwitch(conn, reply, creds.Password)
	case wire.ErrPacket:
		return fmt.Errorf("backend rejected authentication")
	default:
		return fmt.Errorf("unexpected auth result marker %#x", reply.Payload[0])
	}
}

func followAuthSwitch(conn net.Conn, switchPkt wire.Packet, password string) error {
	payload := switchPkt.Payload[1:]
	nameEnd := indexByte(payload, 0)
	if nameEnd < 0 {
		return fmt.Errorf("malformed AuthSwitchRequest")
	}
	pluginName := string(payload[:nameEnd])
	switchData := payload[nameEnd+1:]
	if len(switchData) > 0 && switchData[len(switchData)-1] == 0 {
		switchData = switchData[:len(switchData)-1]
	}

	authResp := authResponseFor(pluginName, password, switchData)
	if err := wire.WritePacket(conn, authResp, switchPkt.Seq+1); err != nil {
		return fmt.Errorf("sending auth switch response: %w", err)
	}

	final, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading auth switch result: %w", err)
	}
	if len(final.Payload) < 1 || final.Payload[0] != wire.OKPacket {
		return fmt.Errorf("authentication failed after plugin switch to %s", pluginName)
	}
	return nil
}

func authResponseFor(pluginName, password string, authData []byte) []byte {
	switch pluginName {
	case "mysql_native_password", "":
		return mysqlNativePasswordHash([]byte(password), authData)
	default:
		return []byte{}
	}
}

// mysqlNativePasswordHash computes SHA1(password) XOR
// SHA1(authData + SHA1(SHA1(password))).
func mysqlNativePasswordHash(password, authData []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(authData)
	h.Write(h2[:])
	h3 := h.Sum(nil)

	result := make([]byte, 20)
	for i := range result {
		result[i] = h1[i] ^ h3[i]
	}
	return result
}

// parseHandshakeV10 extracts the auth-plugin-data and plugin name from
// a Protocol::HandshakeV10 payload.
func parseHandshakeV10(pkt []byte) (authData []byte, pluginName string, err error) {
	pos := 1 // protocol version
	verEnd := indexByteFrom(pkt, 0, pos)
	if verEnd < 0 {
		return nil, "", fmt.Errorf("missing server version terminator")
	}
	pos = verEnd + 1
	pos += 4 // connection id
	if pos+8 > len(pkt) {
		return nil, "", fmt.Errorf("handshake too short")
	}
	part1 := pkt[pos : pos+8]
	pos += 8
	pos++ // filler

	if pos+2 > len(pkt) {
		return nil, "", fmt.Errorf("handshake too short (capability flags)")
	}
	pos += 2 // capability flags lower
	if pos >= len(pkt) {
		return part1, "mysql_native_password", nil
	}
	pos++    // character set
	pos += 2 // status flags
	pos += 2 // capability flags upper
	var authLen int
	if pos < len(pkt) {
		authLen = int(pkt[pos])
	}
	pos++
	pos += 10 // reserved

	part2Len := authLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	var part2 []byte
	if pos+part2Len <= len(pkt) {
		part2 = pkt[pos : pos+part2Len-1] // drop trailing null
		pos += part2Len
	}

	pluginName = "mysql_native_password"
	if pos < len(pkt) {
		end := indexByteFrom(pkt, 0, pos)
		if end < 0 {
			end = len(pkt)
		}
		if end > pos {
			pluginName = string(pkt[pos:end])
		}
	}

	return append(append([]byte(nil), part1...), part2...), pluginName, nil
}

func buildHandshakeResponse41(caps uint32, username string, authResp []byte, database string) []byte {
	var resp []byte
	resp = append(resp, byte(caps), byte(caps>>8), byte(caps>>16), byte(caps>>24))
	resp = append(resp, 0xff, 0xff, 0xff, 0x00) // max packet size
	resp = append(resp, 0x21)                   // utf8_general_ci
	resp = append(resp, make([]byte, 23)...)
	resp = append(resp, username...)
	resp = append(resp, 0)
	resp = append(resp, byte(len(authResp)))
	resp = append(resp, authResp...)
	if database != "" {
		resp = append(resp, database...)
		resp = append(resp, 0)
	}
	resp = append(resp, "mysql_native_password"...)
	resp = append(resp, 0)
	return resp
}

func indexByte(b []byte, c byte) int { return indexByteFrom(b, c, 0) }

func indexByteFrom(b []byte, c byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == c {
			return i
		}
	}
	return -1
}
