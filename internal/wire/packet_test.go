package wire

import (
	"bytes"
	"testing"
)

func TestWriteReadPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("SELECT 1")
	if err := WritePacket(&buf, payload, 3); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	pkt, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Seq != 3 {
		t.Errorf("expected seq 3, got %d", pkt.Seq)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("expected payload %q, got %q", payload, pkt.Payload)
	}
}

func TestWritePacketTooLarge(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxPacketSize+1)
	if err := WritePacket(&buf, big, 0); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestIsMaxLength(t *testing.T) {
	p := Packet{Payload: make([]byte, MaxPacketSize)}
	if !p.IsMaxLength() {
		t.Error("expected IsMaxLength true at exactly MaxPacketSize")
	}
	p2 := Packet{Payload: make([]byte, MaxPacketSize-1)}
	if p2.IsMaxLength() {
		t.Error("expected IsMaxLength false below MaxPacketSize")
	}
}

func TestStatusFlagsOKPacket(t *testing.T) {
	// OK packet: 0x00, affected_rows=0, last_insert_id=0, status=0x0002 (autocommit), warnings=0
	pkt := []byte{OKPacket, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	flags := StatusFlags(pkt, OKPacket)
	if flags != StatusAutocommit {
		t.Errorf("expected StatusAutocommit, got %#x", flags)
	}
}

func TestStatusFlagsEOFPacket(t *testing.T) {
	// EOF packet: 0xfe, warnings(2), status_flags(2)
	pkt := []byte{EOFPacket, 0x00, 0x00, 0x01, 0x00}
	flags := StatusFlags(pkt, EOFPacket)
	if flags != StatusInTrans {
		t.Errorf("expected StatusInTrans, got %#x", flags)
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		name string
		pkt  []byte
		want bool
	}{
		{"ok", []byte{OKPacket, 0, 0, 0, 0}, true},
		{"err", []byte{ErrPacket, 0x15, 0x04}, true},
		{"short eof", []byte{EOFPacket, 0, 0, 0, 0}, true},
		{"long eof as column def", append([]byte{EOFPacket}, make([]byte, 10)...), false},
		{"empty", nil, false},
	}
	for _, c := range cases {
		if got := IsTerminal(c.pkt); got != c.want {
			t.Errorf("%s: IsTerminal = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSkipLenEnc(t *testing.T) {
	cases := []struct {
		pkt  []byte
		pos  int
		want int
	}{
		{[]byte{0x05}, 0, 1},
		{[]byte{0xfc, 0x00, 0x01}, 0, 3},
		{[]byte{0xfd, 0x00, 0x00, 0x01}, 0, 4},
		{[]byte{0xfe, 0, 0, 0, 0, 0, 0, 0, 1}, 0, 9},
	}
	for _, c := range cases {
		if got := SkipLenEnc(c.pkt, c.pos); got != c.want {
			t.Errorf("SkipLenEnc(%v, %d) = %d, want %d", c.pkt, c.pos, got, c.want)
		}
	}
}
