package warp

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	gateway "github.com/pylonlabs/pylon/internal"
)

func sseBody(frames ...[]byte) string {
	var out string
	for _, f := range frames {
		out += "event: agent_response\ndata: " + base64.StdEncoding.EncodeToString(f) + "\n\n"
	}
	return out
}

func textFrame(text string) []byte {
	return buildFrame(func(e *encoder) {
		e.str(1, "agent_output")
		e.msg(2, func(c *encoder) { c.str(1, text) })
	})
}

func toolFrame(callID, command string) []byte {
	return buildFrame(func(e *encoder) {
		e.str(1, callID)
		e.msg(2, func(c *encoder) { c.str(1, command) })
	})
}

func testWarpEngine(t *testing.T, srv *httptest.Server) *Engine {
	t.Helper()
	e, err := New(&gateway.Credential{ID: "c1", Provider: "warp"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	e.baseURL = srv.URL
	e.env = EnvContext{WorkingDir: t.TempDir(), HomeDir: "/home/u", Shell: "zsh", ShellVersion: "5.9"}
	e.tools.WorkingDir = e.env.WorkingDir
	return e
}

func warpRequest(text string) *gateway.ChatRequest {
	return &gateway.ChatRequest{Messages: []gateway.Message{
		{Role: gateway.RoleUser, Content: gateway.TextContent(text)},
	}}
}

func TestGenerateContentTextOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("content-type"); ct != "application/x-protobuf" {
			t.Errorf("content-type = %q", ct)
		}
		if r.Header.Get("x-warp-client-version") == "" {
			t.Error("missing x-warp-client-version")
		}
		fmt.Fprint(w, sseBody(textFrame("Hello "), textFrame("world")))
	}))
	defer srv.Close()

	got, err := testWarpEngine(t, srv).GenerateContent(context.Background(), "m", warpRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "Hello world" {
		t.Errorf("content = %q", got.Content)
	}
	if len(got.ToolCalls) != 0 {
		t.Errorf("tool calls = %+v", got.ToolCalls)
	}
}

func TestAgenticLoopExecutesToolThenCompletes(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, sseBody(toolFrame("call_T1", "pwd")))
			return
		}
		fmt.Fprint(w, sseBody(textFrame("done")))
	}))
	defer srv.Close()

	got, err := testWarpEngine(t, srv).GenerateContent(context.Background(), "m", warpRequest("where am I"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "done" {
		t.Errorf("content = %q", got.Content)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].ID != "call_T1" {
		t.Fatalf("tool calls = %+v", got.ToolCalls)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
}

func TestAgenticLoopBounded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(toolFrame("call_Loop1", "pwd")))
	}))
	defer srv.Close()

	e := testWarpEngine(t, srv)
	s := NewSession("", "m", e.env)
	s.BeginTurn("loop forever")

	result, err := e.runLoop(context.Background(), s, "loop forever", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.MaxIterationsReached {
		t.Error("MaxIterationsReached not set")
	}
	if len(result.ToolCalls) != defaultMaxIterations {
		t.Errorf("tool calls = %d, want %d", len(result.ToolCalls), defaultMaxIterations)
	}
	var toolResults int
	for _, m := range s.Messages {
		if m.Kind == MsgToolResult {
			toolResults++
		}
	}
	if toolResults != defaultMaxIterations {
		t.Errorf("tool results in session = %d, want %d", toolResults, defaultMaxIterations)
	}
}

func TestAgenticLoopToolFailureFeedsBack(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, sseBody(toolFrame("call_F1", "cat missing-file.txt")))
			return
		}
		fmt.Fprint(w, sseBody(textFrame("recovered")))
	}))
	defer srv.Close()

	e := testWarpEngine(t, srv)
	s := NewSession("", "m", e.env)
	s.BeginTurn("read it")

	result, err := e.runLoop(context.Background(), s, "read it", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "recovered" {
		t.Errorf("text = %q", result.Text)
	}
	var payload string
	for _, m := range s.Messages {
		if m.Kind == MsgToolResult {
			payload = m.Text
		}
	}
	if payload == "" || payload[:6] != "error:" {
		t.Errorf("tool failure payload = %q, want error: prefix", payload)
	}
}

func TestGenerateContentStreamEmitsEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(textFrame("streamed")))
	}))
	defer srv.Close()

	ch, err := testWarpEngine(t, srv).GenerateContentStream(context.Background(), "m", warpRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}
	var events []gateway.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Type != gateway.EventContentDelta || events[0].Text != "streamed" {
		t.Fatalf("events = %+v", events)
	}
}

func TestSessionBusyRejectsConcurrentUse(t *testing.T) {
	t.Parallel()

	s := NewSession("", "m", EnvContext{})
	if err := s.Acquire(); err != nil {
		t.Fatal(err)
	}
	e := &Engine{sessions: NewSessionStore(4)}
	e.sessions.Put(s)

	// A second caller hitting the same session must fail fast.
	if err := s.Acquire(); err == nil {
		t.Fatal("expected busy error")
	}
}
