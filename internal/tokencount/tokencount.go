// Package tokencount provides token estimation and cost calculation for
// usage recording. Token counts use a character-based heuristic (~4 chars
// per token for English) which is sufficient for accounting; upstreams that
// report exact usage take precedence.
package tokencount

import (
	"strings"

	gateway "github.com/pylonlabs/pylon/internal"
)

// modelRate is the per-million-token price in USD.
type modelRate struct {
	input  float64
	output float64
}

// rates maps model-id prefixes to prices. Longest prefix wins. Models not
// listed cost zero, matching upstreams that do not bill per token.
var rates = map[string]modelRate{
	"claude-sonnet": {input: 3.0, output: 15.0},
	"claude-haiku":  {input: 0.8, output: 4.0},
	"claude-opus":   {input: 15.0, output: 75.0},
	"auto":          {input: 3.0, output: 15.0},
}

// Counter estimates token counts and computes request cost.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total input token count for a chat request,
// including system prompt, message content, and tool call payloads.
func (c *Counter) EstimateRequest(req *gateway.ChatRequest) int {
	total := estimateTokens(string(req.System))
	for _, m := range req.Messages {
		total += 4 // per-message framing overhead
		total += estimateTokens(m.Role)
		total += estimateTokens(m.Content.PlainText())
		for _, p := range m.Content.Parts {
			if p.Kind == gateway.PartToolUse {
				total += estimateTokens(p.Name) + estimateTokens(string(p.Input))
			}
			if p.Kind == gateway.PartToolResult {
				total += estimateTokens(string(p.Payload))
			}
		}
	}
	for _, tool := range req.Tools {
		total += estimateTokens(tool.Name) + estimateTokens(tool.Description)
	}
	total += 3
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// Cost returns the USD cost of a completed request. Zero when the model is
// unpriced or usage is nil.
func (c *Counter) Cost(model string, usage *gateway.Usage) float64 {
	if usage == nil {
		return 0
	}
	rate, ok := rateFor(model)
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)*rate.input/1e6 + float64(usage.OutputTokens)*rate.output/1e6
}

// UsageFor builds a Usage from estimates when the upstream reported none.
func (c *Counter) UsageFor(req *gateway.ChatRequest, outputText string, reported *gateway.Usage) *gateway.Usage {
	if reported != nil {
		return reported
	}
	return &gateway.Usage{
		InputTokens:  c.EstimateRequest(req),
		OutputTokens: c.CountText(outputText),
	}
}

func rateFor(model string) (modelRate, bool) {
	var best string
	for prefix := range rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return modelRate{}, false
	}
	return rates[best], true
}

// estimateTokens uses a ~4 characters per token heuristic, a reasonable
// approximation for English text.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
