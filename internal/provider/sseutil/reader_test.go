package sseutil

import (
	"strings"
	"testing"
)

func TestParseSSELine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		line      string
		wantEvent string
		wantData  string
		wantOK    bool
	}{
		{name: "data line", line: `data: {"id":"1"}`, wantData: `{"id":"1"}`, wantOK: true},
		{name: "event line", line: "event: agent_output", wantEvent: "agent_output", wantOK: true},
		{name: "base64 data", line: "data: CgRhYmNk", wantData: "CgRhYmNk", wantOK: true},
		{name: "empty line", line: "", wantOK: false},
		{name: "comment", line: ": keep-alive", wantOK: false},
		{name: "no colon", line: "garbage", wantOK: false},
		{name: "data no space", line: `data:{"id":"1"}`, wantData: `{"id":"1"}`, wantOK: true},
		{name: "unknown field", line: "retry: 5000", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			event, data, ok := ParseSSELine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if event != tt.wantEvent {
				t.Errorf("event = %q, want %q", event, tt.wantEvent)
			}
			if data != tt.wantData {
				t.Errorf("data = %q, want %q", data, tt.wantData)
			}
		})
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()

	input := "event: delta\ndata: one\ndata: two\n\ndata: bare\n\n"
	var got [][2]string
	for event, data := range Events(strings.NewReader(input)) {
		got = append(got, [2]string{event, data})
	}

	want := [][2]string{{"delta", "one"}, {"delta", "two"}, {"", "bare"}}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
