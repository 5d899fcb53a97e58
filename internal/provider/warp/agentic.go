package warp

import (
	"context"
	"encoding/json"
	"strings"

	gateway "github.com/pylonlabs/pylon/internal"
)

// defaultMaxIterations bounds the agentic loop.
const defaultMaxIterations = 20

// loopResult is the outcome of one agentic run.
type loopResult struct {
	Text                 string
	ToolCalls            []gateway.ToolCall
	MaxIterationsReached bool
}

// runLoop drives the bounded multi-turn conversation: each iteration sends
// the session upstream, appends decoded text, and either executes emitted
// tool calls locally (feeding results back on the next iteration) or
// completes. Tool execution failures become tool-result payloads; they never
// abort the loop. emit may be nil for non-streaming callers; when it returns
// false the consumer is gone and the loop stops.
func (e *Engine) runLoop(ctx context.Context, s *Session, query string, emit func(gateway.StreamEvent) bool) (*loopResult, error) {
	result := &loopResult{}
	var text strings.Builder

	send := func(ev gateway.StreamEvent) bool {
		if emit == nil {
			return true
		}
		return emit(ev)
	}

	for iteration := 0; ; iteration++ {
		if iteration >= defaultMaxIterations {
			result.MaxIterationsReached = true
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frames, err := e.send(ctx, s, query)
		if err != nil {
			return nil, err
		}
		query = "" // the fresh-query sub-message is only sent once

		var calls []frameEvent
		for _, f := range frames {
			switch f.Kind {
			case frameText:
				s.AppendAssistantText(f.Text)
				text.WriteString(f.Text)
				if !send(gateway.StreamEvent{Type: gateway.EventContentDelta, Text: f.Text}) {
					return result, nil
				}
			case frameToolCall:
				calls = append(calls, f)
			case frameReasoning:
				// Reasoning is internal; not part of the uniform stream.
			}
		}

		if len(calls) == 0 || !e.autoExecuteTools {
			for _, c := range calls {
				call := toolCallFor(c)
				result.ToolCalls = append(result.ToolCalls, call)
				if !send(gateway.StreamEvent{Type: gateway.EventToolUse, ToolCall: &call}) {
					return result, nil
				}
			}
			break
		}

		// Execute sequentially in upstream-emitted order; results are
		// submitted in the same order on the next iteration.
		for _, c := range calls {
			call := toolCallFor(c)
			result.ToolCalls = append(result.ToolCalls, call)
			if !send(gateway.StreamEvent{Type: gateway.EventToolUse, ToolCall: &call}) {
				return result, nil
			}
			s.AppendToolCall(c.CallID, c.Command, "")
			out := e.tools.Execute(ctx, c.Command)
			if e.OnToolExecution != nil {
				outcome := "success"
				if strings.HasPrefix(out, "error: ") {
					outcome = "error"
				}
				e.OnToolExecution(outcome)
			}
			s.AppendToolResult(c.CallID, out)
		}
	}

	result.Text = text.String()
	return result, nil
}

// toolCallFor converts a decoded tool-call frame to the uniform shape.
func toolCallFor(f frameEvent) gateway.ToolCall {
	name := f.Command
	if i := strings.IndexByte(name, ' '); i > 0 {
		name = name[:i]
	}
	input, _ := json.Marshal(map[string]string{"command": f.Command})
	return gateway.ToolCall{ID: f.CallID, Name: name, Input: input}
}
