// Package sseutil provides SSE line reading utilities for provider engines.
package sseutil

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

const maxLineSize = 1024 * 1024 // 1MB per SSE line; base64 payloads can be large

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each call to Scan() returns a single line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"  -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"      -> ok=false (comment)
//	""               -> ok=false (empty)
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Strip optional leading space after colon per SSE spec
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// Events iterates (event, data) pairs from an SSE stream. The event name
// sticks until the next "event:" line, so consecutive data lines under one
// event each yield with the same name. Scanner errors end the sequence;
// check the scanner passed by the caller if that matters.
func Events(r io.Reader) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		scanner := NewScanner(r)
		var current string
		for scanner.Scan() {
			event, data, ok := ParseSSELine(scanner.Text())
			if !ok {
				if scanner.Text() == "" {
					current = ""
				}
				continue
			}
			if event != "" {
				current = event
				continue
			}
			if !yield(current, data) {
				return
			}
		}
	}
}
