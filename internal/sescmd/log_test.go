package sescmd

import (
	"testing"

	"github.com/dbbouncer/rwsplit/internal/wire"
)

func TestAppendAssignsMonotonicPositions(t *testing.T) {
	l := NewLog(0)
	c1 := l.Append(wire.ComQuery, []byte("SET a=1"), true)
	c2 := l.Append(wire.ComQuery, []byte("SET b=2"), true)
	if c1.Position != 1 || c2.Position != 2 {
		t.Fatalf("expected positions 1,2, got %d,%d", c1.Position, c2.Position)
	}
	if l.LastPosition() != 2 {
		t.Errorf("expected LastPosition 2, got %d", l.LastPosition())
	}
}

func TestPurgeDuplicatesKeepsFirstAndLast(t *testing.T) {
	l := NewLog(0)
	l.Append(wire.ComQuery, []byte("USE a"), true)
	l.Append(wire.ComQuery, []byte("SET @x = f()"), true)
	l.Append(wire.ComQuery, []byte("USE a"), true)

	cmds := l.CommandsFrom(0)
	if len(cmds) != 3 {
		t.Fatalf("expected 3 retained commands (no third duplicate yet), got %d", len(cmds))
	}

	l.Append(wire.ComQuery, []byte("USE a"), true)
	cmds = l.CommandsFrom(0)
	// "USE a" now appears 3 times pre-purge; the middle occurrence must be dropped.
	useCount := 0
	for _, c := range cmds {
		if string(c.Payload) == "USE a" {
			useCount++
		}
	}
	if useCount != 2 {
		t.Errorf("expected 2 retained 'USE a' commands after purge, got %d", useCount)
	}
	if len(cmds) != 3 {
		t.Errorf("expected 3 retained commands total, got %d", len(cmds))
	}
}

func TestComStmtPrepareNeverPruned(t *testing.T) {
	l := NewLog(0)
	payload := []byte("SELECT ?")
	l.Append(wire.ComStmtPrepare, payload, true)
	l.Append(wire.ComQuery, []byte("SET a=1"), true)
	l.Append(wire.ComStmtPrepare, payload, true)
	l.Append(wire.ComQuery, []byte("SET a=2"), true)
	l.Append(wire.ComStmtPrepare, payload, true)

	count := 0
	for _, c := range l.CommandsFrom(0) {
		if c.Command == wire.ComStmtPrepare {
			count++
		}
	}
	if count != 3 {
		t.Errorf("expected all 3 COM_STMT_PREPARE commands retained, got %d", count)
	}
}

func TestRecordResponseFirstWins(t *testing.T) {
	l := NewLog(0)
	cmd := l.Append(wire.ComQuery, []byte("SET a=1"), true)

	accepted, divergent := l.RecordResponse(cmd.Position, []byte{wire.OKPacket})
	if !accepted || divergent {
		t.Fatalf("expected first response accepted, got accepted=%v divergent=%v", accepted, divergent)
	}

	accepted, divergent = l.RecordResponse(cmd.Position, []byte{wire.OKPacket})
	if accepted || divergent {
		t.Errorf("expected equivalent second response absorbed without divergence, got accepted=%v divergent=%v", accepted, divergent)
	}

	accepted, divergent = l.RecordResponse(cmd.Position, []byte{wire.ErrPacket})
	if accepted || !divergent {
		t.Errorf("expected differing third response to report divergence, got accepted=%v divergent=%v", accepted, divergent)
	}
}

func TestDisableHistoryClearsLogAndLatches(t *testing.T) {
	l := NewLog(0)
	l.Append(wire.ComQuery, []byte("SET a=1"), true)
	l.DisableHistory()

	if !l.IsHistoryDisabled() {
		t.Fatal("expected history disabled")
	}
	if len(l.CommandsFrom(0)) != 0 {
		t.Error("expected log cleared after disabling history")
	}
}

func TestMaxHistoryExceededDisablesHistory(t *testing.T) {
	l := NewLog(2)
	l.Append(wire.ComQuery, []byte("SET a=1"), true)
	l.Append(wire.ComQuery, []byte("SET a=2"), true)
	l.Append(wire.ComQuery, []byte("SET a=3"), true)

	if !l.IsHistoryDisabled() {
		t.Error("expected history disabled once max_sescmd_history exceeded")
	}
}

func TestCanAttachFailsAfterHistoryDisabledWithCommandsRun(t *testing.T) {
	l := NewLog(0)
	l.Append(wire.ComQuery, []byte("SET a=1"), true)
	l.DisableHistory()

	if err := l.CanAttach(); err == nil {
		t.Error("expected CanAttach to fail: history disabled after commands already ran")
	}
}

func TestCanAttachSucceedsOnFreshLog(t *testing.T) {
	l := NewLog(0)
	if err := l.CanAttach(); err != nil {
		t.Errorf("expected CanAttach to succeed on empty log, got %v", err)
	}
}

func TestPruneResponsesBelow(t *testing.T) {
	l := NewLog(0)
	c1 := l.Append(wire.ComQuery, []byte("SET a=1"), true)
	c2 := l.Append(wire.ComQuery, []byte("SET a=2"), true)
	l.RecordResponse(c1.Position, []byte{wire.OKPacket})
	l.RecordResponse(c2.Position, []byte{wire.OKPacket})

	l.PruneResponsesBelow(c2.Position)

	if _, ok := l.ResponseFor(c1.Position); ok {
		t.Error("expected response for c1 pruned")
	}
	if _, ok := l.ResponseFor(c2.Position); !ok {
		t.Error("expected response for c2 retained")
	}
}

func TestCommandsFromOnlyReturnsLaterPositions(t *testing.T) {
	l := NewLog(0)
	l.Append(wire.ComQuery, []byte("SET a=1"), true)
	c2 := l.Append(wire.ComQuery, []byte("SET a=2"), true)

	cmds := l.CommandsFrom(1)
	if len(cmds) != 1 || cmds[0].Position != c2.Position {
		t.Fatalf("expected only position 2 returned, got %+v", cmds)
	}
}
