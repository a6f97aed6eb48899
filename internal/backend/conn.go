package backend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dbbouncer/rwsplit/internal/sescmd"
	"github.com/dbbouncer/rwsplit/internal/wire"
)

// ReplyState tracks where a backend is in answering the last command
// sent to it: IDLE -> EXPECTING_START on write(EXPECT_RESPONSE);
// EXPECTING_START -> EXPECTING_MORE on the first packet of a
// multi-packet result; EXPECTING_MORE -> DONE when EOF/OK is seen;
// DONE -> IDLE once the owner consumes the reply. An ERR packet at
// EXPECTING_START goes straight to DONE.
type ReplyState int

const (
	StateIdle ReplyState = iota
	StateExpectingStart
	StateExpectingMore
	StateDone
)

func (s ReplyState) String() string {
	switch s {
	case StateExpectingStart:
		return "expecting_start"
	case StateExpectingMore:
		return "expecting_more"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// ResponseMode tells Write whether the caller expects a reply.
type ResponseMode int

const (
	NoResponse ResponseMode = iota
	ExpectResponse
)

// Credentials authenticates a new physical connection to a backend
// server, mirroring the client credentials the router accepted.
type Credentials struct {
	Username string
	Password string
	Database string
}

// Conn is one owned handle to a backend server, plus the per-session
// bookkeeping that travels with it: reply state, session-command
// replay queue and cursor, idle timestamp. Not safe for concurrent
// use: only the owning router session goroutine may touch it.
type Conn struct {
	Server *Server

	netConn net.Conn
	state   ReplyState
	cursor  uint64
	pending []*sescmd.SessionCommand

	lastRead time.Time
	closed   bool
	inUse    bool

	seq byte

	// lastCommand is the command byte of the last packet written with
	// ExpectResponse. COM_STMT_PREPARE replies do not follow the
	// generic OK/EOF framing: the PREPARE_OK packet announces how many
	// parameter and column definition packets follow it.
	lastCommand      byte
	prepareRemaining int

	// Result-set framing. A text or binary result set is a column
	// count, that many column definitions, an end-of-metadata EOF,
	// then rows until a terminal EOF or ERR. The row-phase EOF is the
	// only one that ends the reply, so the phase must be tracked or
	// the metadata EOF would be mistaken for the terminal one.
	phase         resultPhase
	colsRemaining int
	expectHeader  bool

	// contSeq is set after writing a maximum-length packet: the next
	// write continues the logical command and must keep counting
	// instead of starting a fresh sequence at 0.
	contSeq bool
}

type resultPhase int

const (
	phaseNone    resultPhase = iota
	phaseColumns             // reading column definitions
	phaseMetaEOF             // expecting the end-of-metadata EOF
	phaseRows                // reading rows until the terminal EOF/ERR
)

// NewConn returns an unopened handle to server.
func NewConn(server *Server) *Conn {
	return &Conn{Server: server, state: StateIdle}
}

// CanConnect reports whether the server's observed role permits
// opening a new connection.
func (c *Conn) CanConnect() bool {
	return !c.closed && c.Server.Reachable()
}

// Connect opens a TCP connection, authenticates, and on success
// enqueues every command in log for replay. It fails
// without mutating state if the session-command log's history has
// been disabled and commands have already run elsewhere, since this
// backend could never be brought into a consistent state.
func (c *Conn) Connect(ctx context.Context, creds Credentials, log *sescmd.Log) error {
	if err := log.CanAttach(); err != nil {
		return err
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.Server.Address)
	if err != nil {
		return fmt.Errorf("backend: dialing %s: %w", c.Server, err)
	}

	if err := authenticate(nc, creds); err != nil {
		nc.Close()
		return fmt.Errorf("backend: authenticating to %s: %w", c.Server, err)
	}

	c.netConn = nc
	c.state = StateIdle
	c.closed = false
	c.inUse = true
	c.cursor = 0
	c.seq = 0
	c.lastRead = time.Now()

	for _, cmd := range log.CommandsFrom(0) {
		c.AppendSessionCommand(cmd)
	}
	return nil
}

// Write sends one protocol packet. A write with mode == ExpectResponse
// while not IDLE is a programming error: the caller must drain the
// pending reply (or the pending session-command queue) first.
func (c *Conn) Write(payload []byte, mode ResponseMode) error {
	if c.closed {
		return fmt.Errorf("backend: write on closed connection to %s", c.Server)
	}
	if mode == ExpectResponse && c.state != StateIdle {
		return fmt.Errorf("backend: write(EXPECT_RESPONSE) to %s while state=%s", c.Server, c.state)
	}

	if !c.contSeq {
		c.seq = 0
	}
	if err := wire.WritePacket(c.netConn, payload, c.seq); err != nil {
		c.Close()
		return fmt.Errorf("backend: writing to %s: %w", c.Server, err)
	}
	c.seq++
	c.contSeq = len(payload) == wire.MaxPacketSize

	if mode == ExpectResponse {
		c.state = StateExpectingStart
		if len(payload) > 0 {
			c.lastCommand = payload[0]
		}
		c.prepareRemaining = 0
		c.colsRemaining = 0
		c.phase = phaseNone
		c.expectHeader = true
		if c.lastCommand == wire.ComStmtFetch {
			// A cursor fetch reply has no header: rows arrive
			// immediately, ended by EOF or ERR.
			c.expectHeader = false
			c.phase = phaseRows
		}
	}
	return nil
}

// ReadReply reads the next physical reply packet and advances the
// reply-state machine. The caller must be in EXPECTING_START or
// EXPECTING_MORE; reading otherwise is a programming error.
func (c *Conn) ReadReply() (wire.Packet, error) {
	if c.state != StateExpectingStart && c.state != StateExpectingMore {
		return wire.Packet{}, fmt.Errorf("backend: ReadReply on %s while state=%s", c.Server, c.state)
	}

	pkt, err := wire.ReadPacket(c.netConn)
	if err != nil {
		c.Close()
		return wire.Packet{}, fmt.Errorf("backend: reading reply from %s: %w", c.Server, err)
	}
	c.lastRead = time.Now()
	c.seq = pkt.Seq + 1

	if c.prepareRemaining > 0 {
		c.prepareRemaining--
		if c.prepareRemaining == 0 {
			c.state = StateDone
		} else {
			c.state = StateExpectingMore
		}
		return pkt, nil
	}

	switch {
	case len(pkt.Payload) == 0:
		c.state = StateExpectingMore

	case c.phase == phaseColumns:
		c.colsRemaining--
		if c.colsRemaining == 0 {
			c.phase = phaseMetaEOF
		}
		c.state = StateExpectingMore

	case c.phase == phaseMetaEOF:
		// the EOF separating column definitions from rows; never the
		// end of the reply
		c.phase = phaseRows
		c.state = StateExpectingMore

	case c.phase == phaseRows:
		switch {
		case pkt.Payload[0] == wire.ErrPacket:
			c.phase = phaseNone
			c.state = StateDone
		case pkt.Payload[0] == wire.EOFPacket && len(pkt.Payload) < 9:
			c.phase = phaseNone
			flags := wire.StatusFlags(pkt.Payload, wire.EOFPacket)
			if flags&wire.StatusMoreResultsExist != 0 {
				c.expectHeader = true
				c.state = StateExpectingMore
			} else {
				c.state = StateDone
			}
		default:
			c.state = StateExpectingMore
		}

	case c.expectHeader:
		c.expectHeader = false
		switch {
		case pkt.Payload[0] == wire.ErrPacket:
			c.state = StateDone
		case c.lastCommand == wire.ComStmtPrepare && pkt.Payload[0] == wire.OKPacket:
			// PREPARE_OK: status, statement_id(4), num_columns(2),
			// num_params(2), …; num_params parameter definitions (plus
			// a trailing EOF) then num_columns column definitions (plus
			// a trailing EOF) follow before the reply is complete.
			c.prepareRemaining = prepareFollowupPackets(pkt.Payload)
			if c.prepareRemaining == 0 {
				c.state = StateDone
			} else {
				c.state = StateExpectingMore
			}
		case pkt.Payload[0] == wire.OKPacket:
			flags := wire.StatusFlags(pkt.Payload, wire.OKPacket)
			if flags&wire.StatusMoreResultsExist != 0 {
				c.expectHeader = true
				c.state = StateExpectingMore
			} else {
				c.state = StateDone
			}
		default:
			// result set header: lenenc column count
			if n, _, ok := wire.ReadLenEnc(pkt.Payload, 0); ok && n > 0 {
				c.colsRemaining = int(n)
				c.phase = phaseColumns
			}
			c.state = StateExpectingMore
		}

	case pkt.Payload[0] == wire.ErrPacket:
		c.state = StateDone

	case wire.IsTerminal(pkt.Payload):
		flags := wire.StatusFlags(pkt.Payload, pkt.Payload[0])
		if flags&wire.StatusMoreResultsExist != 0 {
			c.state = StateExpectingMore
		} else {
			c.state = StateDone
		}

	default:
		c.state = StateExpectingMore
	}

	return pkt, nil
}

// prepareFollowupPackets computes how many packets follow a
// PREPARE_OK before the reply is complete.
func prepareFollowupPackets(payload []byte) int {
	if len(payload) < 9 {
		return 0
	}
	numColumns := int(payload[5]) | int(payload[6])<<8
	numParams := int(payload[7]) | int(payload[8])<<8
	n := 0
	if numParams > 0 {
		n += numParams + 1 // definitions + EOF
	}
	if numColumns > 0 {
		n += numColumns + 1
	}
	return n
}

// ConsumeDone transitions DONE -> IDLE once the owner has finished
// forwarding or absorbing the reply.
func (c *Conn) ConsumeDone() error {
	if c.state != StateDone {
		return fmt.Errorf("backend: ConsumeDone on %s while state=%s", c.Server, c.state)
	}
	c.state = StateIdle
	return nil
}

// AppendSessionCommand enqueues cmd for replay on this backend.
func (c *Conn) AppendSessionCommand(cmd *sescmd.SessionCommand) {
	c.pending = append(c.pending, cmd)
}

// HaveSessionCommands reports whether the replay queue is non-empty.
// The owner must gate ordinary query writes behind this.
func (c *Conn) HaveSessionCommands() bool {
	return len(c.pending) > 0
}

// ExecuteSessionCommand writes the head of the pending queue and
// advances the per-backend cursor.
func (c *Conn) ExecuteSessionCommand() (*sescmd.SessionCommand, error) {
	if len(c.pending) == 0 {
		return nil, fmt.Errorf("backend: ExecuteSessionCommand on %s with empty queue", c.Server)
	}
	cmd := c.pending[0]
	c.pending = c.pending[1:]

	mode := NoResponse
	if cmd.ExpectResponse {
		mode = ExpectResponse
	}
	if err := c.Write(cmd.Payload, mode); err != nil {
		return nil, err
	}
	c.cursor = cmd.Position
	return cmd, nil
}

// Cursor returns the position of the last session command this
// backend has been driven through.
func (c *Conn) Cursor() uint64 { return c.cursor }

// State returns the current reply-state machine value.
func (c *Conn) State() ReplyState { return c.state }

// InUse reports whether this backend is attached to an active
// session.
func (c *Conn) InUse() bool { return c.inUse }

// SetInUse marks whether this backend participates in the session's
// current backend set (used when a backend is parked but not closed).
func (c *Conn) SetInUse(v bool) { c.inUse = v }

// IdleFor returns how long it has been since this connection last
// read a reply — used for connection_keepalive pinging.
func (c *Conn) IdleFor() time.Duration { return time.Since(c.lastRead) }

// Closed reports whether this backend has been torn down.
func (c *Conn) Closed() bool { return c.closed }

// Close tears down the physical connection. A write or read error
// calls this automatically; the owner may also call it directly on
// session teardown.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.inUse = false
	c.state = StateIdle
	if c.netConn != nil {
		return c.netConn.Close()
	}
	return nil
}
