package warp

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	toolTimeout  = 30 * time.Second
	maxToolBytes = 4000
)

// allowedCommands is the set of command names the executor will run.
// Everything else is refused before touching the shell.
var allowedCommands = map[string]struct{}{
	"ls":   {},
	"cat":  {},
	"grep": {},
	"find": {},
	"pwd":  {},
	"head": {},
	"tail": {},
	"wc":   {},
}

// shellMetachars in a command line indicate injection risk; such commands
// are refused unless AllowShell is set.
const shellMetachars = "|&;<>$`(){}"

// ToolExecutor runs upstream-directed commands locally. It is deliberately
// restrictive: allowlisted binaries only, no shell metacharacters, bounded
// runtime and output.
type ToolExecutor struct {
	WorkingDir string
	// AllowShell permits arbitrary command lines through `sh -c`,
	// metacharacters included. Off by default.
	AllowShell bool
}

// Execute runs one command line and returns its combined output. Failures
// are returned as the payload, never as an error: the agentic loop feeds
// them back to the model as tool results.
func (t *ToolExecutor) Execute(ctx context.Context, command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return "error: empty command"
	}

	fields := strings.Fields(command)
	name := fields[0]

	if !t.AllowShell {
		if _, ok := allowedCommands[name]; !ok {
			return fmt.Sprintf("error: command %q is not permitted", name)
		}
		if i := strings.IndexAny(command, shellMetachars); i >= 0 {
			return fmt.Sprintf("error: command contains forbidden character %q", command[i])
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if t.AllowShell {
		cmd = exec.CommandContext(cmdCtx, "sh", "-c", command)
	} else {
		cmd = exec.CommandContext(cmdCtx, name, fields[1:]...)
	}
	cmd.Dir = t.WorkingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	if len(output) > maxToolBytes {
		output = output[:maxToolBytes] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return fmt.Sprintf("error: command timed out after %s", toolTimeout)
		}
		if output == "" {
			return "error: " + err.Error()
		}
		return fmt.Sprintf("error: %s\n%s", err, output)
	}
	if output == "" {
		return "(no output)"
	}
	return output
}
