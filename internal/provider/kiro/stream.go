package kiro

import (
	"strings"

	gateway "github.com/pylonlabs/pylon/internal"
)

// collector turns parser events into uniform stream events. It suppresses
// consecutive duplicate content frames and runs a small state machine that
// accumulates tool-call input fragments until the call is finalized.
type collector struct {
	lastContent string
	open        *gateway.ToolCall
	input       strings.Builder
}

func (c *collector) handle(ev Event) []gateway.StreamEvent {
	switch ev.Kind {
	case EventContent:
		if ev.Text == c.lastContent {
			return nil
		}
		c.lastContent = ev.Text
		return []gateway.StreamEvent{{Type: gateway.EventContentDelta, Text: ev.Text}}

	case EventToolUse:
		var out []gateway.StreamEvent
		if c.open != nil && c.open.ID != ev.ToolUseID {
			out = append(out, c.finalize()...)
		}
		if c.open == nil {
			c.open = &gateway.ToolCall{ID: ev.ToolUseID, Name: ev.Name}
			c.input.Reset()
		}
		c.input.WriteString(ev.Input)
		if ev.Stop {
			out = append(out, c.finalize()...)
		}
		return out

	case EventToolUseInput:
		if c.open != nil {
			c.input.WriteString(ev.Input)
			if ev.Stop {
				return c.finalize()
			}
		}
		return nil

	case EventToolUseStop:
		return c.finalize()
	}
	return nil
}

// flush finalizes any still-open tool call at end of stream.
func (c *collector) flush() []gateway.StreamEvent {
	return c.finalize()
}

func (c *collector) finalize() []gateway.StreamEvent {
	if c.open == nil {
		return nil
	}
	call := c.open
	call.SetInput(c.input.String())
	c.open = nil
	c.input.Reset()
	return []gateway.StreamEvent{{Type: gateway.EventToolUse, ToolCall: call}}
}

// completionBuilder aggregates stream events into a non-streaming completion.
type completionBuilder struct {
	text  strings.Builder
	calls []gateway.ToolCall
}

func (b *completionBuilder) add(events []gateway.StreamEvent) {
	for _, ev := range events {
		switch ev.Type {
		case gateway.EventContentDelta:
			b.text.WriteString(ev.Text)
		case gateway.EventToolUse:
			if ev.ToolCall != nil {
				b.calls = append(b.calls, *ev.ToolCall)
			}
		}
	}
}

func (b *completionBuilder) completion() *gateway.Completion {
	return &gateway.Completion{Content: b.text.String(), ToolCalls: b.calls}
}
