// Package wire implements MySQL/MariaDB client/server wire protocol
// framing, statement classification, and hint parsing for the
// read/write-split router. It re-encodes nothing: packets are passed
// through bit-identical after classification, per the external
// interface contract.
package wire

// MaxPacketSize is the largest payload a single MySQL packet can
// carry. A packet whose payload is exactly this size signals that the
// logical query continues in the next packet (see Packet.IsMaxLength).
const MaxPacketSize = (1 << 24) - 1

// protocolVersion is the MySQL handshake protocol version this router
// speaks to clients (Protocol::HandshakeV10).
const protocolVersion = 10

// COM_* command bytes (the first byte of a command packet).
const (
	ComSleep           byte = 0x00
	ComQuit            byte = 0x01
	ComInitDB          byte = 0x02
	ComQuery           byte = 0x03
	ComFieldList       byte = 0x04
	ComCreateDB        byte = 0x05
	ComDropDB          byte = 0x06
	ComRefresh         byte = 0x07
	ComShutdown        byte = 0x08
	ComStatistics      byte = 0x09
	ComProcessInfo     byte = 0x0a
	ComConnect         byte = 0x0b
	ComProcessKill     byte = 0x0c
	ComDebug           byte = 0x0d
	ComPing            byte = 0x0e
	ComTime            byte = 0x0f
	ComDelayedInsert   byte = 0x10
	ComChangeUser      byte = 0x11
	ComBinlogDump      byte = 0x12
	ComTableDump       byte = 0x13
	ComConnectOut      byte = 0x14
	ComRegisterSlave   byte = 0x15
	ComStmtPrepare     byte = 0x16
	ComStmtExecute     byte = 0x17
	ComStmtSendLongDat byte = 0x18
	ComStmtClose       byte = 0x19
	ComStmtReset       byte = 0x1a
	ComSetOption       byte = 0x1b
	ComStmtFetch       byte = 0x1c
	ComDaemon          byte = 0x1d
	ComBinlogDumpGtid  byte = 0x1e
	ComResetConnection byte = 0x1f
)

// Response packet markers (the first byte of a server reply packet).
const (
	OKPacket  byte = 0x00
	EOFPacket byte = 0xfe
	ErrPacket byte = 0xff
)

// Server status flags, as carried in OK_Packet and EOF_Packet.
const (
	StatusInTrans             uint16 = 0x0001 // SERVER_STATUS_IN_TRANS
	StatusAutocommit          uint16 = 0x0002 // SERVER_STATUS_AUTOCOMMIT
	StatusMoreResultsExist    uint16 = 0x0008 // SERVER_MORE_RESULTS_EXISTS
	StatusCursorExists        uint16 = 0x0040
	StatusSessionStateChanged uint16 = 0x4000 // SERVER_SESSION_STATE_CHANGED
)

// Client capability flags relevant to HandshakeResponse41 parsing.
const (
	ClientLongPassword               uint32 = 1 << 0
	ClientConnectWithDB              uint32 = 1 << 3
	ClientSecureConnection           uint32 = 1 << 15
	ClientProtocol41                 uint32 = 1 << 9
	ClientPluginAuth                 uint32 = 1 << 19
	ClientPluginAuthLenEncClientData uint32 = 1 << 21
)
