// Package compress reduces chat history when the upstream signals that the
// conversation exceeds the model's context window.
package compress

import (
	"fmt"
	"strings"

	gateway "github.com/pylonlabs/pylon/internal"
)

// MaxLevel is the most aggressive compression level. Beyond it the caller
// surfaces a terminal context-limit error.
const MaxLevel = 3

const (
	elidedPrefix = "[Earlier context condensed"
	elidedAck    = "Understood. Continuing with the condensed context."
	digestSnip   = 80
)

// KeepRecent returns how many trailing messages survive at a given level.
func KeepRecent(level int) int {
	return max(2, 6-2*level)
}

// MaxContentChars returns the per-message text budget at a given level.
func MaxContentChars(level int) int {
	return max(500, 2000-500*level)
}

// Compress returns a reduced copy of msgs for the given level (1..3).
// Message index 0 is always kept unchanged. When the history is short enough
// only content truncation applies; otherwise the middle block is replaced by
// a synthetic user/assistant placeholder pair. Compressing an already
// compressed history at the same level leaves its shape intact.
func Compress(msgs []gateway.Message, level int) []gateway.Message {
	if level < 1 {
		level = 1
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	keepRecent := KeepRecent(level)
	maxChars := MaxContentChars(level)

	if len(msgs) <= keepRecent+1 || alreadyCompressed(msgs, keepRecent) {
		out := make([]gateway.Message, len(msgs))
		copy(out, msgs)
		for i := 1; i < len(out); i++ {
			out[i] = truncateMessage(out[i], maxChars)
		}
		return out
	}

	dropped := msgs[1 : len(msgs)-keepRecent]
	out := make([]gateway.Message, 0, keepRecent+3)
	out = append(out, msgs[0])
	out = append(out,
		gateway.Message{Role: gateway.RoleUser, Content: gateway.TextContent(placeholder(dropped, level))},
		gateway.Message{Role: gateway.RoleAssistant, Content: gateway.TextContent(elidedAck)},
	)
	for _, m := range msgs[len(msgs)-keepRecent:] {
		out = append(out, truncateMessage(m, maxChars))
	}
	return out
}

// alreadyCompressed reports whether msgs carries the placeholder pair this
// package emits, in the position Compress would put it.
func alreadyCompressed(msgs []gateway.Message, keepRecent int) bool {
	if len(msgs) != keepRecent+3 {
		return false
	}
	return msgs[1].Role == gateway.RoleUser &&
		strings.HasPrefix(msgs[1].Content.PlainText(), elidedPrefix) &&
		msgs[2].Role == gateway.RoleAssistant
}

// placeholder builds the synthetic user message describing the elided block.
// Level 1 keeps a short digest of the first three dropped messages; higher
// levels keep only the count.
func placeholder(dropped []gateway.Message, level int) string {
	if level > 1 || len(dropped) == 0 {
		return fmt.Sprintf("%s: %d messages elided]", elidedPrefix, len(dropped))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d messages elided]", elidedPrefix, len(dropped))
	for _, m := range dropped[:min(3, len(dropped))] {
		text := m.Content.PlainText()
		if len(text) > digestSnip {
			text = text[:digestSnip]
		}
		fmt.Fprintf(&b, "\n- %s: %s", m.Role, text)
	}
	return b.String()
}

func truncateMessage(m gateway.Message, maxChars int) gateway.Message {
	if !m.Content.IsList() {
		m.Content = gateway.TextContent(truncate(m.Content.PlainText(), maxChars))
		return m
	}
	parts := make([]gateway.ContentPart, len(m.Content.Parts))
	copy(parts, m.Content.Parts)
	for i, p := range parts {
		if p.Kind == gateway.PartText {
			parts[i].Text = truncate(p.Text, maxChars)
		}
	}
	m.Content = gateway.ListContent(parts...)
	return m
}

const truncatedMark = "[truncated, original length: "

// truncate cuts s to maxChars and marks the cut with the original length.
// Already-marked text passes through so repeated passes do not stack markers.
func truncate(s string, maxChars int) string {
	if len(s) <= maxChars || strings.HasSuffix(s, "]") && strings.Contains(s, truncatedMark) {
		return s
	}
	return s[:maxChars] + fmt.Sprintf("%s%d]", truncatedMark, len(s))
}
