package wire

import (
	"bytes"
	"testing"
)

func TestWriteErrorPacket(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteError(&buf, 2, 1045, "28000", "Access denied"); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	pkt, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Payload[0] != ErrPacket {
		t.Fatalf("expected ErrPacket marker, got %#x", pkt.Payload[0])
	}
	code := uint16(pkt.Payload[1]) | uint16(pkt.Payload[2])<<8
	if code != 1045 {
		t.Errorf("expected error code 1045, got %d", code)
	}
	if pkt.Payload[3] != '#' {
		t.Errorf("expected sqlstate marker '#', got %q", pkt.Payload[3])
	}
	if string(pkt.Payload[4:9]) != "28000" {
		t.Errorf("expected sqlstate 28000, got %q", pkt.Payload[4:9])
	}
	if string(pkt.Payload[9:]) != "Access denied" {
		t.Errorf("expected message 'Access denied', got %q", pkt.Payload[9:])
	}
}

func TestWriteOKPacketRoundTripsStatusFlags(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOK(&buf, 1, 3, 0, StatusAutocommit|StatusInTrans, 0); err != nil {
		t.Fatalf("WriteOK: %v", err)
	}
	pkt, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	flags := StatusFlags(pkt.Payload, OKPacket)
	if flags != StatusAutocommit|StatusInTrans {
		t.Errorf("expected autocommit|in_trans, got %#x", flags)
	}
}

func TestAppendLenEncBoundaries(t *testing.T) {
	cases := []struct {
		v       uint64
		wantLen int
	}{
		{0xfa, 1},
		{0xffff, 3},
		{0xffffff, 4},
		{0x100000000, 9},
	}
	for _, c := range cases {
		got := appendLenEnc(nil, c.v)
		if len(got) != c.wantLen {
			t.Errorf("appendLenEnc(%d): got length %d, want %d", c.v, len(got), c.wantLen)
		}
	}
}
