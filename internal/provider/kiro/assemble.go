package kiro

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	gateway "github.com/pylonlabs/pylon/internal"
)

// continueText is the synthetic content used to preserve strict user/assistant
// alternation and to replace empty turns.
const continueText = "Continue"

// toolResultsText replaces an empty user turn that carries tool results.
const toolResultsText = "Tool results provided."

// toolGuidelines is appended to the system prompt whenever tools are offered.
const toolGuidelines = "When you call a tool, produce input that is valid JSON for the tool's " +
	"input schema. Call at most one tool per response and wait for its result before continuing."

// Tools the upstream rejects or mishandles; dropped from outgoing requests.
var toolDenylist = map[string]struct{}{
	"Bash": {},
}

// Outgoing request shapes. Field order and names follow the upstream API.

type chatRequest struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileARN        string            `json:"profileArn,omitempty"`
}

type conversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  historyEntry   `json:"currentMessage"`
	History         []historyEntry `json:"history,omitempty"`
}

type historyEntry struct {
	UserInput         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponse *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content string            `json:"content"`
	ModelID string            `json:"modelId,omitempty"`
	Origin  string            `json:"origin,omitempty"`
	Context *userInputContext `json:"userInputMessageContext,omitempty"`
}

type userInputContext struct {
	Tools       []toolEntry  `json:"tools,omitempty"`
	ToolResults []toolResult `json:"toolResults,omitempty"`
}

type toolEntry struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type toolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Status    string              `json:"status"`
	Content   []toolResultContent `json:"content"`
}

type toolResultContent struct {
	Text string `json:"text"`
}

type assistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []toolUse `json:"toolUses,omitempty"`
}

type toolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// assembleRequest normalizes a uniform chat request into the upstream shape:
// system prompt folded into the first user turn, adjacent same-role messages
// merged, strict user/assistant alternation in history, and the final message
// extracted as currentMessage.
func assembleRequest(req *gateway.ChatRequest, model, profileARN string) (*chatRequest, error) {
	msgs := mergeAdjacent(req.Messages)

	tools := filterTools(req.Tools)
	system := strings.TrimSpace(string(req.System))
	if system != "" && len(tools) > 0 {
		system += "\n\n" + toolGuidelines
	}

	entries := toEntries(msgs, system)

	// The final entry becomes currentMessage. An assistant tail is pushed
	// into history and a synthetic Continue user turn takes its place.
	var current historyEntry
	last := entries[len(entries)-1]
	if last.UserInput != nil {
		current = last
		entries = entries[:len(entries)-1]
	} else {
		current = historyEntry{UserInput: &userInputMessage{Content: continueText}}
	}

	history := alternate(entries)
	dedupeToolResults(history, &current)

	cur := current.UserInput
	cur.ModelID = model
	cur.Origin = "AI_EDITOR"
	if len(tools) > 0 || (cur.Context != nil && len(cur.Context.ToolResults) > 0) {
		if cur.Context == nil {
			cur.Context = &userInputContext{}
		}
		cur.Context.Tools = tools
	}

	return &chatRequest{
		ConversationState: conversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.NewString(),
			CurrentMessage:  current,
			History:         history,
		},
		ProfileARN: profileARN,
	}, nil
}

// mergeAdjacent merges consecutive same-role messages: list content is
// extended, string content is joined with a newline. A string/list mix
// breaks the merge and both messages are kept.
func mergeAdjacent(msgs []gateway.Message) []gateway.Message {
	out := make([]gateway.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) == 0 {
			out = append(out, m)
			continue
		}
		prev := &out[len(out)-1]
		if prev.Role != m.Role || prev.Content.IsList() != m.Content.IsList() {
			out = append(out, m)
			continue
		}
		if m.Content.IsList() {
			parts := append([]gateway.ContentPart{}, prev.Content.Parts...)
			parts = append(parts, m.Content.Parts...)
			prev.Content = gateway.ListContent(parts...)
		} else {
			prev.Content = gateway.TextContent(prev.Content.Text + "\n" + m.Content.Text)
		}
	}
	return out
}

func filterTools(specs []gateway.ToolSpec) []toolEntry {
	var out []toolEntry
	for _, t := range specs {
		if _, denied := toolDenylist[t.Name]; denied {
			continue
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, toolEntry{ToolSpecification: toolSpecification{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema{JSON: schema},
		}})
	}
	return out
}

// toEntries converts messages to history entries. The system prompt is folded
// into the first user turn, or becomes a standalone synthetic user turn when
// no user message exists. System-role messages are treated as user turns.
func toEntries(msgs []gateway.Message, system string) []historyEntry {
	entries := make([]historyEntry, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.Role == gateway.RoleAssistant {
			entries = append(entries, assistantEntry(m))
		} else {
			entries = append(entries, userEntry(m))
		}
	}
	if system == "" {
		if len(entries) == 0 {
			entries = append(entries, historyEntry{UserInput: &userInputMessage{Content: continueText}})
		}
		return entries
	}
	for i := range entries {
		if u := entries[i].UserInput; u != nil {
			u.Content = system + "\n\n" + u.Content
			return entries
		}
	}
	return append([]historyEntry{{UserInput: &userInputMessage{Content: system}}}, entries...)
}

func userEntry(m gateway.Message) historyEntry {
	u := &userInputMessage{Content: m.Content.PlainText()}
	var results []toolResult
	for _, p := range m.Content.Parts {
		if p.Kind != gateway.PartToolResult {
			continue
		}
		results = append(results, toolResult{
			ToolUseID: p.ToolUseID,
			Status:    p.Status,
			Content:   []toolResultContent{{Text: string(p.Payload)}},
		})
	}
	if len(results) > 0 {
		u.Context = &userInputContext{ToolResults: results}
	}
	if u.Content == "" {
		if len(results) > 0 {
			u.Content = toolResultsText
		} else {
			u.Content = continueText
		}
	}
	return historyEntry{UserInput: u}
}

func assistantEntry(m gateway.Message) historyEntry {
	a := &assistantResponseMessage{Content: m.Content.PlainText()}
	for _, p := range m.Content.Parts {
		if p.Kind != gateway.PartToolUse {
			continue
		}
		a.ToolUses = append(a.ToolUses, toolUse{
			ToolUseID: p.ToolUseID,
			Name:      p.Name,
			Input:     p.Input,
		})
	}
	if a.Content == "" && len(a.ToolUses) == 0 {
		a.Content = continueText
	}
	return historyEntry{AssistantResponse: a}
}

// alternate enforces strict user/assistant alternation by inserting synthetic
// Continue turns, and guarantees the history ends on an assistant turn.
func alternate(entries []historyEntry) []historyEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]historyEntry, 0, len(entries)+3)
	if entries[0].AssistantResponse != nil {
		out = append(out, historyEntry{UserInput: &userInputMessage{Content: continueText}})
	}
	for _, e := range entries {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.UserInput != nil && e.UserInput != nil {
				out = append(out, historyEntry{AssistantResponse: &assistantResponseMessage{Content: continueText}})
			} else if prev.AssistantResponse != nil && e.AssistantResponse != nil {
				out = append(out, historyEntry{UserInput: &userInputMessage{Content: continueText}})
			}
		}
		out = append(out, e)
	}
	if out[len(out)-1].UserInput != nil {
		out = append(out, historyEntry{AssistantResponse: &assistantResponseMessage{Content: continueText}})
	}
	return out
}

// dedupeToolResults keeps only the first occurrence of each toolUseId across
// the whole outgoing request, history first, then the current message.
func dedupeToolResults(history []historyEntry, current *historyEntry) {
	seen := make(map[string]struct{})
	filter := func(u *userInputMessage) {
		if u == nil || u.Context == nil {
			return
		}
		kept := u.Context.ToolResults[:0]
		for _, tr := range u.Context.ToolResults {
			if _, dup := seen[tr.ToolUseID]; dup {
				continue
			}
			seen[tr.ToolUseID] = struct{}{}
			kept = append(kept, tr)
		}
		u.Context.ToolResults = kept
	}
	for i := range history {
		filter(history[i].UserInput)
	}
	filter(current.UserInput)
}
