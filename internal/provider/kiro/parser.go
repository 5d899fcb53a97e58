// Package kiro implements the CodeWhisperer-style chat engine: JSON request
// assembly, event-stream parsing, and context-overflow recovery.
package kiro

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// EventKind discriminates parser events.
type EventKind int

// Parser event kinds.
const (
	EventContent EventKind = iota
	EventToolUse
	EventToolUseInput
	EventToolUseStop
)

// Event is a typed frame extracted from the upstream byte stream.
type Event struct {
	Kind      EventKind
	Text      string // content
	Name      string // toolUse
	ToolUseID string // toolUse
	Input     string // toolUse / toolUseInput fragment
	Stop      bool
}

// The upstream interleaves JSON objects with opaque binary envelope bytes.
// Objects are located by their opening prefix rather than by envelope framing.
var framePrefixes = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"followupPrompt":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
}

const maxPrefixLen = len(`{"followupPrompt":`)

// Parser incrementally extracts typed events from a chunked byte stream.
// Feed may be called with chunks split at arbitrary byte boundaries; an
// object spanning chunks is completed by later feeds.
type Parser struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns all events that
// became complete. The unconsumed tail is retained for the next call.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		start := earliestPrefix(p.buf)
		if start < 0 {
			// Keep only a window that could hold a split prefix.
			if len(p.buf) > maxPrefixLen-1 {
				p.buf = append(p.buf[:0], p.buf[len(p.buf)-(maxPrefixLen-1):]...)
			}
			return events
		}
		end := scanObject(p.buf[start:])
		if end < 0 {
			// Incomplete object; trim leading envelope bytes and wait.
			p.buf = append(p.buf[:0], p.buf[start:]...)
			return events
		}
		raw := p.buf[start : start+end]
		if !gjson.ValidBytes(raw) {
			// Malformed slice: skip past the opening brace and rescan.
			p.buf = append(p.buf[:0], p.buf[start+1:]...)
			continue
		}
		if ev, ok := routeFrame(raw); ok {
			events = append(events, ev)
		}
		p.buf = append(p.buf[:0], p.buf[start+end:]...)
	}
}

// earliestPrefix returns the lowest index of any known frame prefix, or -1.
func earliestPrefix(buf []byte) int {
	best := -1
	for _, prefix := range framePrefixes {
		if i := bytes.Index(buf, prefix); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// scanObject walks buf (which starts at '{') tracking depth, in-string, and
// escape state, and returns the length of the top-level object, or -1 when
// the closing brace has not arrived yet.
func scanObject(buf []byte) int {
	depth := 0
	inString := false
	escaped := false
	for i, b := range buf {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString:
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
		case b == '"':
			inString = true
		case b == '{':
			depth++
		case b == '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// routeFrame maps a valid extracted object to an event by its discriminant
// fields. Unrecognized frames report ok=false and are dropped.
func routeFrame(raw []byte) (Event, bool) {
	r := gjson.ParseBytes(raw)

	name := r.Get("name")
	toolUseID := r.Get("toolUseId")
	input := r.Get("input")
	stop := r.Get("stop")

	switch {
	case r.Get("content").Exists() && !r.Get("followupPrompt").Exists():
		return Event{Kind: EventContent, Text: r.Get("content").String()}, true
	case name.Exists() && toolUseID.Exists():
		return Event{
			Kind:      EventToolUse,
			Name:      name.String(),
			ToolUseID: toolUseID.String(),
			Input:     input.String(),
			Stop:      stop.Bool(),
		}, true
	case input.Exists() && !name.Exists():
		return Event{Kind: EventToolUseInput, Input: input.String(), Stop: stop.Bool()}, true
	case stop.Exists():
		return Event{Kind: EventToolUseStop, Stop: stop.Bool()}, true
	default:
		return Event{}, false
	}
}
