// Package gateway defines domain types and interfaces for the Pylon AI gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// --- Chat engine ---

// Engine is the interface implemented by all upstream chat engines.
type Engine interface {
	// Name returns the provider identifier (e.g., "kiro", "warp").
	Name() string
	// GenerateContent sends a non-streaming chat request and returns the
	// aggregated text plus any finalized tool calls.
	GenerateContent(ctx context.Context, model string, req *ChatRequest) (*Completion, error)
	// GenerateContentStream sends a streaming chat request. The returned
	// channel is closed when the stream ends; a terminal error is delivered
	// as an event with Err set.
	GenerateContentStream(ctx context.Context, model string, req *ChatRequest) (<-chan StreamEvent, error)
}

// ChatRequest is the uniform chat request accepted by all engines.
type ChatRequest struct {
	Model     string       `json:"model"`
	Messages  []Message    `json:"messages"`
	System    SystemPrompt `json:"system,omitempty"`
	Tools     []ToolSpec   `json:"tools,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	Stream    bool         `json:"stream,omitempty"`
}

// Validate checks the request for caller errors.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrBadRequest)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrBadRequest, i, m.Role)
		}
	}
	return nil
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn. Content is either a plain string or an
// ordered list of parts; both wire forms decode into Content.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content holds message content in one of two shapes: a plain string
// (Parts == nil) or an ordered list of tagged parts.
type Content struct {
	Text  string
	Parts []ContentPart
}

// IsList reports whether the content was supplied as a list of parts.
func (c Content) IsList() bool { return c.Parts != nil }

// PlainText returns the concatenated text of the content: the string form
// as-is, or all text parts joined for the list form.
func (c Content) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// UnmarshalJSON accepts either a JSON string or an array of part objects.
// Unknown part variants are dropped with a warning so that schema additions
// upstream do not break existing callers.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = Content{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	parts := make([]ContentPart, 0, len(raw))
	for _, r := range raw {
		var p ContentPart
		if err := p.UnmarshalJSON(r); err != nil {
			return err
		}
		if p.Kind == "" {
			continue // unknown variant, already warned
		}
		parts = append(parts, p)
	}
	c.Parts = parts
	return nil
}

// MarshalJSON emits the original wire shape: a string or an array of parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

// TextContent returns string-form content.
func TextContent(s string) Content { return Content{Text: s} }

// ListContent returns list-form content.
func ListContent(parts ...ContentPart) Content { return Content{Parts: parts} }

// PartKind discriminates content part variants.
type PartKind string

// Content part kinds.
const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
)

// ContentPart is a tagged content variant. Exactly the fields for the
// active Kind are populated.
type ContentPart struct {
	Kind PartKind

	// text
	Text string

	// image
	MediaType string
	Data      []byte

	// tool_use
	ToolUseID string
	Name      string
	Input     json.RawMessage

	// tool_result
	Status  string // "success" or "error"
	Payload json.RawMessage
}

type wirePart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Source *struct {
		MediaType string `json:"media_type"`
		Data      []byte `json:"data"`
	} `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// UnmarshalJSON decodes a single tagged part. Unknown types leave Kind
// empty and log a warning.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var w wirePart
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode content part: %w", err)
	}
	switch PartKind(w.Type) {
	case PartText:
		p.Kind = PartText
		p.Text = w.Text
	case PartImage:
		p.Kind = PartImage
		if w.Source != nil {
			p.MediaType = w.Source.MediaType
			p.Data = w.Source.Data
		}
	case PartToolUse:
		p.Kind = PartToolUse
		p.ToolUseID = w.ID
		p.Name = w.Name
		p.Input = w.Input
	case PartToolResult:
		p.Kind = PartToolResult
		p.ToolUseID = w.ToolUseID
		p.Status = w.Status
		if p.Status == "" {
			p.Status = "success"
		}
		p.Payload = w.Content
	default:
		slog.Warn("dropping unknown content part", "type", w.Type)
	}
	return nil
}

// MarshalJSON encodes the active variant.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	w := wirePart{Type: string(p.Kind)}
	switch p.Kind {
	case PartText:
		w.Text = p.Text
	case PartImage:
		w.Source = &struct {
			MediaType string `json:"media_type"`
			Data      []byte `json:"data"`
		}{MediaType: p.MediaType, Data: p.Data}
	case PartToolUse:
		w.ID = p.ToolUseID
		w.Name = p.Name
		w.Input = p.Input
	case PartToolResult:
		w.ToolUseID = p.ToolUseID
		w.Status = p.Status
		w.Content = p.Payload
	default:
		return nil, fmt.Errorf("marshal content part: unknown kind %q", p.Kind)
	}
	return json.Marshal(w)
}

// SystemPrompt is a system prompt supplied as either a string or a list of
// text parts; the list form is flattened on decode.
type SystemPrompt string

// UnmarshalJSON accepts a JSON string or an array of {type:"text"} parts.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = SystemPrompt(str)
		return nil
	}
	var parts []wirePart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("system must be a string or an array of text parts: %w", err)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == string(PartText) {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(p.Text)
		}
	}
	*s = SystemPrompt(b.String())
	return nil
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is a finalized tool invocation emitted by an engine.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// SetInput stores the accumulated input string, parsing it as JSON when
// possible and retaining the raw string (JSON-quoted) otherwise.
func (t *ToolCall) SetInput(raw string) {
	if raw == "" {
		t.Input = nil
		return
	}
	if json.Valid([]byte(raw)) {
		t.Input = json.RawMessage(raw)
		return
	}
	t.Input = json.RawMessage(strconv.Quote(raw))
}

// Completion is the aggregated result of a non-streaming generation.
type Completion struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Usage reports token consumption when the upstream signals it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stream event types emitted to downstream consumers.
const (
	EventContentDelta = "content_block_delta"
	EventToolUse      = "tool_use"
	EventError        = "error"
)

// StreamEvent is a single event in a uniform chat stream.
type StreamEvent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"-"`
	Err      error     `json:"-"`
}

// --- Credentials ---

// Credential is an OAuth-backed upstream credential.
type Credential struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	Name         string     `json:"name"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	AuthMethod   string     `json:"auth_method,omitempty"`
	Region       string     `json:"region,omitempty"`
	ProfileID    string     `json:"profile_id,omitempty"` // provider profile (e.g. ARN)
	ErrorCount   int        `json:"error_count"`
	LastError    string     `json:"last_error,omitempty"`
	Active       bool       `json:"active"`
	UseCount     int64      `json:"use_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// --- API keys and quotas ---

// APIKey is a downstream caller credential with quota limits.
// A zero limit means unlimited.
type APIKey struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	KeyHash          string     `json:"-"` // SHA-256 hex, never exposed
	KeyPrefix        string     `json:"key_prefix"`
	Active           bool       `json:"active"`
	DailyLimit       int64      `json:"daily_limit"`
	MonthlyLimit     int64      `json:"monthly_limit"`
	TotalLimit       int64      `json:"total_limit"`
	ConcurrentLimit  int64      `json:"concurrent_limit"`
	DailyCostLimit   float64    `json:"daily_cost_limit"`
	MonthlyCostLimit float64    `json:"monthly_cost_limit"`
	TotalCostLimit   float64    `json:"total_cost_limit"`
	ExpiresInDays    int        `json:"expires_in_days"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// KeyUsage is the live counter set for an API key.
type KeyUsage struct {
	DailyRequests     int64   `json:"daily_requests"`
	MonthlyRequests   int64   `json:"monthly_requests"`
	TotalRequests     int64   `json:"total_requests"`
	CurrentConcurrent int64   `json:"current_concurrent"`
	DailyCost         float64 `json:"daily_cost"`
	MonthlyCost       float64 `json:"monthly_cost"`
	TotalCost         float64 `json:"total_cost"`
}

// UsageRecord is a single completed request, persisted for the audit trail
// and for reseeding quota counters on restart.
type UsageRecord struct {
	ID           string    `json:"id"`
	KeyID        string    `json:"key_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	CredentialID string    `json:"credential_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int       `json:"latency_ms"`
	StatusCode   int       `json:"status_code"`
	RequestID    string    `json:"request_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	KeyID     string  `json:"key_id"`
	KeyPrefix string  `json:"key_prefix"`
	Key       *APIKey `json:"-"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Pylon API keys.
const APIKeyPrefix = "pyl_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
