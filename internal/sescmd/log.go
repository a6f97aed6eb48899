// Package sescmd implements the Session Command Log: the append-only,
// position-ordered record of statements that mutate connection-scoped
// state and must therefore be replayed on every backend a router
// session ever attaches.
package sescmd

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/dbbouncer/rwsplit/internal/wire"
)

// SessionCommand is immutable after creation and shared by reference
// among every Backend that must execute or acknowledge it.
type SessionCommand struct {
	Position       uint64
	Command        byte
	Payload        []byte
	ExpectResponse bool
}

// Equivalent reports whether two commands would have the identical
// effect if replayed, for the purge-duplicates rule.
func (c *SessionCommand) Equivalent(other *SessionCommand) bool {
	return c.Command == other.Command && bytes.Equal(c.Payload, other.Payload)
}

// Log is the ordered, append-only session-command history. A router
// session owns exactly one Log and mutates it from a single
// goroutine; the mutex exists for the observability surface, which
// reads counts from other goroutines.
type Log struct {
	mu              sync.Mutex
	commands        []*SessionCommand
	responses       map[uint64][]byte
	lastPosition    uint64
	historyDisabled bool
	maxHistory      int
}

// NewLog returns an empty log. maxHistory <= 0 means unlimited
// (disable_sescmd_history defaults to false, max_sescmd_history=50).
func NewLog(maxHistory int) *Log {
	return &Log{
		responses:  make(map[uint64][]byte),
		maxHistory: maxHistory,
	}
}

// Append assigns the next strictly-increasing position to cmd, stores
// it, then runs the purge-duplicates rule (or latches history off if
// the configured limit would be exceeded) and returns the stored
// command for broadcast to every in-use backend.
func (l *Log) Append(command byte, payload []byte, expectResponse bool) *SessionCommand {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastPosition++
	cmd := &SessionCommand{
		Position:       l.lastPosition,
		Command:        command,
		Payload:        append([]byte(nil), payload...),
		ExpectResponse: expectResponse,
	}
	l.commands = append(l.commands, cmd)

	if l.maxHistory > 0 && len(l.commands) > l.maxHistory {
		l.disableHistoryLocked()
		return cmd
	}
	l.purgeDuplicatesLocked()
	return cmd
}

// purgeDuplicatesLocked retains only the first and last occurrence of
// any textually-equivalent pair of commands. COM_STMT_PREPARE is
// never pruned (it maps to an explicit id the client references
// later).
type cmdSignature struct {
	command byte
	payload string
}

func (l *Log) purgeDuplicatesLocked() {
	groups := make(map[cmdSignature][]int) // signature -> indices into l.commands
	for i, c := range l.commands {
		if c.Command == wire.ComStmtPrepare {
			continue
		}
		sig := cmdSignature{command: c.Command, payload: string(c.Payload)}
		groups[sig] = append(groups[sig], i)
	}

	toRemove := make(map[int]bool)
	for _, idxs := range groups {
		if len(idxs) < 3 {
			continue
		}
		for _, i := range idxs[1 : len(idxs)-1] {
			toRemove[i] = true
		}
	}
	if len(toRemove) == 0 {
		return
	}

	kept := l.commands[:0:0]
	for i, c := range l.commands {
		if toRemove[i] {
			delete(l.responses, c.Position)
			continue
		}
		kept = append(kept, c)
	}
	l.commands = kept
}

// RecordResponse stores the first OK/ERR payload seen for pos. A
// second call for the same position with an equivalent payload is
// silently absorbed (accepted=false, divergent=false); a call with a
// differing payload reports divergence, which the caller must treat
// as a fatal error for the reporting backend.
func (l *Log) RecordResponse(pos uint64, payload []byte) (accepted, divergent bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.responses[pos]
	if !ok {
		l.responses[pos] = append([]byte(nil), payload...)
		return true, false
	}
	if !bytes.Equal(existing, payload) {
		return false, true
	}
	return false, false
}

// ResponseFor returns the recorded reply for pos, if any.
func (l *Log) ResponseFor(pos uint64) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	payload, ok := l.responses[pos]
	return payload, ok
}

// LastPosition returns the position of the most recently appended
// command (0 if the log is empty).
func (l *Log) LastPosition() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPosition
}

// CommandsFrom returns every retained command with position strictly
// greater than cursor, in position order — the replay set a newly
// attached (or catching-up) backend must execute.
func (l *Log) CommandsFrom(cursor uint64) []*SessionCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*SessionCommand
	for _, c := range l.commands {
		if c.Position > cursor {
			out = append(out, c)
		}
	}
	return out
}

// IsHistoryDisabled reports whether disable_sescmd_history has been
// latched on, either explicitly or because max_sescmd_history was
// exceeded.
func (l *Log) IsHistoryDisabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.historyDisabled
}

// DisableHistory latches history off explicitly (operator
// configuration), matching the effect of exceeding max_sescmd_history.
func (l *Log) DisableHistory() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disableHistoryLocked()
}

func (l *Log) disableHistoryLocked() {
	l.historyDisabled = true
	l.commands = nil
}

// PruneResponsesBelow drops recorded responses for positions below
// minCursor, the lowest in-flight per-backend cursor across the
// session. Only meaningful once history is disabled.
func (l *Log) PruneResponsesBelow(minCursor uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for pos := range l.responses {
		if pos < minCursor {
			delete(l.responses, pos)
		}
	}
}

// CanAttach reports whether a new backend can be brought into the
// session. A connect fails if history has been disabled and any
// commands have already executed elsewhere: the replica could never
// be brought to a consistent state by replay alone.
func (l *Log) CanAttach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.historyDisabled && l.lastPosition > 0 {
		return fmt.Errorf("sescmd: cannot attach new backend: history disabled after %d commands", l.lastPosition)
	}
	return nil
}
