package wire

import (
	"regexp"
	"strconv"
	"strings"
)

// HintKind identifies what a Hint asks the router to do.
type HintKind int

const (
	HintNone HintKind = iota
	HintRouteToServer
	HintMaxSlaveLag
)

// Hint is one entry in the singly-linked hint chain attached to a
// classified statement. Unrecognised hint kinds are simply never
// produced by ParseHints and so are implicitly ignored by the
// decider.
type Hint struct {
	Kind   HintKind
	Server string // valid when Kind == HintRouteToServer
	LagMS  int    // valid when Kind == HintMaxSlaveLag
	Next   *Hint
}

var (
	hintRouteServer = regexp.MustCompile(`(?i)route\s+to\s+server\s+([A-Za-z0-9_\-]+)`)
	hintMaxLag      = regexp.MustCompile(`(?i)max_slave_replication_lag\s*=\s*(-?\d+)`)
)

// ParseHints scans statement text (including any attached SQL
// comments) for recognised hint syntax and returns the head of a
// singly-linked hint chain, or nil if none were found. Each kind is
// reported at most once (its first match in the text); a route-to-server
// hint always precedes a max_slave_replication_lag hint in the chain,
// whatever their order in the text.
func ParseHints(text string) *Hint {
	var head, tail *Hint
	appendHint := func(h *Hint) {
		if head == nil {
			head = h
			tail = h
		} else {
			tail.Next = h
			tail = h
		}
	}

	if m := hintRouteServer.FindStringSubmatch(text); m != nil {
		appendHint(&Hint{Kind: HintRouteToServer, Server: strings.TrimSpace(m[1])})
	}
	if m := hintMaxLag.FindStringSubmatch(text); m != nil {
		if ms, err := strconv.Atoi(m[1]); err == nil {
			appendHint(&Hint{Kind: HintMaxSlaveLag, LagMS: ms})
		}
	}
	return head
}

// Find returns the first hint of the given kind in the chain, or nil.
func (h *Hint) Find(kind HintKind) *Hint {
	for cur := h; cur != nil; cur = cur.Next {
		if cur.Kind == kind {
			return cur
		}
	}
	return nil
}
