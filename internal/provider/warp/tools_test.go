package warp

import (
	"context"
	"strings"
	"testing"
)

func TestToolExecutorAllowlist(t *testing.T) {
	t.Parallel()

	ex := &ToolExecutor{WorkingDir: t.TempDir()}
	if out := ex.Execute(context.Background(), "curl http://evil.example"); !strings.HasPrefix(out, "error:") {
		t.Errorf("disallowed command ran: %q", out)
	}
	if out := ex.Execute(context.Background(), ""); !strings.HasPrefix(out, "error:") {
		t.Errorf("empty command: %q", out)
	}
}

func TestToolExecutorRejectsMetachars(t *testing.T) {
	t.Parallel()

	ex := &ToolExecutor{WorkingDir: t.TempDir()}
	for _, cmd := range []string{"ls; rm -rf /", "cat a | grep b", "ls $(pwd)", "ls `id`"} {
		if out := ex.Execute(context.Background(), cmd); !strings.HasPrefix(out, "error:") {
			t.Errorf("metachar command ran: %q -> %q", cmd, out)
		}
	}
}

func TestToolExecutorRunsAllowedCommand(t *testing.T) {
	t.Parallel()

	ex := &ToolExecutor{WorkingDir: t.TempDir()}
	out := ex.Execute(context.Background(), "pwd")
	if strings.HasPrefix(out, "error:") {
		t.Fatalf("pwd failed: %q", out)
	}
	if !strings.Contains(out, ex.WorkingDir) {
		t.Errorf("pwd output %q does not contain working dir %q", out, ex.WorkingDir)
	}
}

func TestToolExecutorCapturesFailureAsPayload(t *testing.T) {
	t.Parallel()

	ex := &ToolExecutor{WorkingDir: t.TempDir()}
	out := ex.Execute(context.Background(), "cat does-not-exist.txt")
	if !strings.HasPrefix(out, "error:") {
		t.Errorf("failure not captured: %q", out)
	}
}
