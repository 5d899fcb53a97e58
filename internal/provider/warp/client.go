package warp

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/provider"
	"github.com/pylonlabs/pylon/internal/provider/sseutil"
)

const (
	providerName   = "warp"
	defaultBaseURL = "https://app.warp.dev"
	chatEndpoint   = "/ai/multi-agent"

	maxRetries  = 3
	baseBackoff = 1000 * time.Millisecond

	// Client identity headers; the upstream rejects requests without them.
	clientVersion = "v0.2025.02.18.08.02.stable_02"
	osCategory    = "Linux"
	osName        = "Linux"
	osVersion     = "6.8"

	sessionCapacity = 1024
)

var _ gateway.Engine = (*Engine)(nil)

// Engine is the protobuf-over-SSE chat engine. One Engine is bound to one
// credential; auth travels in the HTTP client's transport chain.
type Engine struct {
	baseURL  string
	http     *http.Client
	sessions *SessionStore
	tools    *ToolExecutor
	env      EnvContext

	// autoExecuteTools drives the agentic loop; when false, tool calls are
	// surfaced to the caller instead of executed locally.
	autoExecuteTools bool

	// OnToolExecution is an optional observability hook, set by the wiring
	// layer. outcome is "success" or "error".
	OnToolExecution func(outcome string)
}

// New creates an Engine for the given credential. The client must carry the
// credential's bearer transport.
func New(cred *gateway.Credential, client *http.Client) (*Engine, error) {
	if client == nil {
		client = &http.Client{}
	}
	return &Engine{
		baseURL:          defaultBaseURL,
		http:             client,
		sessions:         NewSessionStore(sessionCapacity),
		tools:            &ToolExecutor{WorkingDir: workingDir()},
		env:              detectEnv(),
		autoExecuteTools: true,
	}, nil
}

// Name returns the provider identifier.
func (e *Engine) Name() string { return providerName }

// Sessions exposes the live session table for management endpoints.
func (e *Engine) Sessions() *SessionStore { return e.sessions }

// GenerateContent runs the agentic loop to completion and returns the
// aggregated text plus the trail of executed tool calls.
func (e *Engine) GenerateContent(ctx context.Context, model string, req *gateway.ChatRequest) (*gateway.Completion, error) {
	s, query, err := e.sessionFor(model, req)
	if err != nil {
		return nil, err
	}
	defer s.Release()

	result, err := e.runLoop(ctx, s, query, nil)
	if err != nil {
		return nil, err
	}
	return &gateway.Completion{Content: result.Text, ToolCalls: result.ToolCalls}, nil
}

// GenerateContentStream runs the agentic loop, emitting events as they are
// decoded. The channel is closed when the loop completes.
func (e *Engine) GenerateContentStream(ctx context.Context, model string, req *gateway.ChatRequest) (<-chan gateway.StreamEvent, error) {
	s, query, err := e.sessionFor(model, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamEvent, 8)
	go func() {
		defer close(ch)
		defer s.Release()
		emit := func(ev gateway.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if _, err := e.runLoop(ctx, s, query, emit); err != nil {
			emit(gateway.StreamEvent{Type: gateway.EventError, Err: err})
		}
	}()
	return ch, nil
}

// sessionFor builds the session for one chat call: history messages seed the
// transcript and the final user message becomes the fresh query. The session
// is acquired; callers must release it.
func (e *Engine) sessionFor(model string, req *gateway.ChatRequest) (*Session, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", err
	}
	s := NewSession("", model, e.env)
	e.sessions.Put(s)
	if err := s.Acquire(); err != nil {
		return nil, "", err
	}

	msgs := req.Messages
	last := msgs[len(msgs)-1]
	query := last.Content.PlainText()
	if last.Role == gateway.RoleUser {
		msgs = msgs[:len(msgs)-1]
	} else {
		query = "Continue"
	}
	if sys := string(req.System); sys != "" {
		query = sys + "\n\n" + query
	}

	for _, m := range msgs {
		text := m.Content.PlainText()
		if text == "" {
			continue
		}
		if m.Role == gateway.RoleAssistant {
			s.AppendAssistantText(text)
		} else {
			s.BeginTurn(text)
		}
	}
	s.BeginTurn(query)
	return s, query, nil
}

// send encodes the session, posts it, and decodes the SSE response into
// frame events. Transient upstream failures back off exponentially.
func (e *Engine) send(ctx context.Context, s *Session, query string) ([]frameEvent, error) {
	body := encodeRequest(s, query, nowUnixMs())

	retries := 0
	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+chatEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("warp: create request: %w", err)
		}
		e.setHeaders(httpReq)

		resp, err := e.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("warp: do request: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			return readFrames(resp)
		}

		apiErr := provider.ParseAPIError(providerName, resp)
		resp.Body.Close()

		switch {
		case apiErr.Retryable() && retries < maxRetries:
			if err := sleepCtx(ctx, baseBackoff*(1<<retries)); err != nil {
				return nil, err
			}
			retries++
		case apiErr.AuthFailure():
			return nil, fmt.Errorf("%w: %s", gateway.ErrAuthFailed, apiErr.Error())
		default:
			return nil, apiErr
		}
	}
}

// readFrames drains the SSE body, base64-decoding each data payload and
// extracting semantic events. Undecodable payloads are logged and skipped.
func readFrames(resp *http.Response) ([]frameEvent, error) {
	defer resp.Body.Close()

	var events []frameEvent
	for _, data := range sseutil.Events(resp.Body) {
		frame, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			slog.Debug("warp: skipping non-base64 SSE payload", "err", err)
			continue
		}
		events = append(events, decodeFrame(frame)...)
	}
	return events, nil
}

func (e *Engine) setHeaders(r *http.Request) {
	r.Header.Set("content-type", "application/x-protobuf")
	r.Header.Set("accept", "text/event-stream")
	r.Header.Set("x-warp-client-version", clientVersion)
	r.Header.Set("x-warp-os-category", osCategory)
	r.Header.Set("x-warp-os-name", osName)
	r.Header.Set("x-warp-os-version", osVersion)
}

func detectEnv() EnvContext {
	home, _ := os.UserHomeDir()
	shell := os.Getenv("SHELL")
	return EnvContext{
		WorkingDir:   workingDir(),
		HomeDir:      home,
		Shell:        filepath.Base(shell),
		ShellVersion: "5.9",
	}
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "/"
	}
	return wd
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
