package kiro

import (
	"testing"
)

func feedAll(t *testing.T, input []byte, chunkSize int) []Event {
	t.Helper()
	var p Parser
	var events []Event
	for i := 0; i < len(input); i += chunkSize {
		end := min(i+chunkSize, len(input))
		events = append(events, p.Feed(input[i:end])...)
	}
	return events
}

func TestParserExtractsFrames(t *testing.T) {
	t.Parallel()

	input := []byte("\x00\x17binary{\"content\":\"Hello\"}garbage" +
		"{\"name\":\"fs_read\",\"toolUseId\":\"t1\",\"input\":\"{\\\"pa\",\"stop\":false}" +
		"{\"input\":\"th\\\":1}\"}" +
		"{\"stop\":true}")

	events := feedAll(t, input, len(input))
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	if events[0].Kind != EventContent || events[0].Text != "Hello" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != EventToolUse || events[1].Name != "fs_read" || events[1].ToolUseID != "t1" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Kind != EventToolUseInput || events[2].Input != "th\":1}" {
		t.Errorf("event 2 = %+v", events[2])
	}
	if events[3].Kind != EventToolUseStop || !events[3].Stop {
		t.Errorf("event 3 = %+v", events[3])
	}
}

func TestParserRestartableAcrossChunks(t *testing.T) {
	t.Parallel()

	input := []byte("noise{\"content\":\"chunked text with \\\"quotes\\\" and {braces}\"}tail" +
		"{\"content\":\"second\"}")

	whole := feedAll(t, input, len(input))
	for _, size := range []int{1, 2, 3, 7, 16} {
		chunked := feedAll(t, input, size)
		if len(chunked) != len(whole) {
			t.Fatalf("chunk=%d: got %d events, want %d", size, len(chunked), len(whole))
		}
		for i := range whole {
			if chunked[i] != whole[i] {
				t.Errorf("chunk=%d event %d = %+v, want %+v", size, i, chunked[i], whole[i])
			}
		}
	}
}

func TestParserSkipsFollowupPrompt(t *testing.T) {
	t.Parallel()

	input := []byte(`{"followupPrompt":{"content":"suggested"},"content":"x"}{"content":"real"}`)
	events := feedAll(t, input, len(input))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].Text != "real" {
		t.Errorf("text = %q, want %q", events[0].Text, "real")
	}
}

func TestParserDiscardsMalformed(t *testing.T) {
	t.Parallel()

	// First object never closes its string validly within the braces found;
	// parser must resume and still find the trailing frame.
	input := []byte(`{"content": oops}{"content":"ok"}`)
	events := feedAll(t, input, len(input))
	if len(events) != 1 || events[0].Text != "ok" {
		t.Fatalf("events = %+v, want single content %q", events, "ok")
	}
}

func TestParserKeepsIncompleteTail(t *testing.T) {
	t.Parallel()

	var p Parser
	if events := p.Feed([]byte(`{"content":"par`)); len(events) != 0 {
		t.Fatalf("premature events: %+v", events)
	}
	events := p.Feed([]byte(`tial"}`))
	if len(events) != 1 || events[0].Text != "partial" {
		t.Fatalf("events = %+v", events)
	}
}
