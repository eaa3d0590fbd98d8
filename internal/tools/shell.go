package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"codeswarm/internal/llm"
)

const (
	shellTimeout   = 30 * time.Second
	shellOutputCap = 1 << 20 // 1 MiB
)

// Base commands a worker may run. The configuration layer can extend this
// per project.
var defaultAllowedCommands = []string{
	"cargo", "cat", "find", "go", "grep", "head", "ls", "mkdir", "mvn",
	"node", "npm", "npx", "pip", "pip3", "pnpm", "pytest", "python",
	"python3", "rustc", "tail", "touch", "tsc", "wc", "yarn",
}

// Characters that would let a command escape the allow-list.
const shellMetachars = "|&;<>`$(){}[]*?!\n\\\"'"

type executeCommand struct {
	guard   *Guard
	allowed map[string]bool
}

// NewExecuteCommand returns the execute_command tool. extraAllowed extends
// the builtin command allow-list.
func NewExecuteCommand(guard *Guard, extraAllowed []string) Tool {
	allowed := make(map[string]bool, len(defaultAllowedCommands)+len(extraAllowed))
	for _, c := range defaultAllowedCommands {
		allowed[c] = true
	}
	for _, c := range extraAllowed {
		allowed[strings.TrimSpace(c)] = true
	}
	return &executeCommand{guard: guard, allowed: allowed}
}

func (t *executeCommand) Definition() llm.ToolDefinition {
	names := make([]string, 0, len(t.allowed))
	for c := range t.allowed {
		names = append(names, c)
	}
	sort.Strings(names)
	return llm.ToolDefinition{
		Name: "execute_command",
		Description: "Run a command in the project root. Allowed commands: " +
			strings.Join(names, ", ") + ". Shell operators and pipes are not available.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Command and arguments, e.g. \"go test ./...\""},
			},
			"required": []string{"command"},
		},
	}
}

func (t *executeCommand) Execute(ctx context.Context, call Call) (*Result, error) {
	command, err := stringArg(call.Args, "command")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return &Result{CallID: call.ID, Err: fmt.Errorf("empty command")}, nil
	}
	base := fields[0]
	if !t.allowed[base] {
		return &Result{CallID: call.ID, Err: fmt.Errorf("command %q is not in the allow-list", base)}, nil
	}
	for _, field := range fields {
		if strings.ContainsAny(field, shellMetachars) {
			return &Result{CallID: call.ID, Err: fmt.Errorf("argument %q contains shell metacharacters", field)}, nil
		}
		if field == ".." || strings.Contains(field, "../") || strings.Contains(field, "..\\") {
			return &Result{CallID: call.ID, Err: fmt.Errorf("argument %q traverses outside the project", field)}, nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, base, fields[1:]...)
	cmd.Dir = t.guard.Root()

	var out bytes.Buffer
	cmd.Stdout = &capWriter{buf: &out, limit: shellOutputCap}
	cmd.Stderr = cmd.Stdout

	runErr := cmd.Run()
	output := out.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return &Result{
			CallID: call.ID,
			Err:    fmt.Errorf("command timed out after %v\n%s", shellTimeout, output),
		}, nil
	}
	if runErr != nil {
		return &Result{
			CallID:  call.ID,
			Content: output,
			Err:     fmt.Errorf("command failed: %v\n%s", runErr, output),
		}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return &Result{CallID: call.ID, Content: output}, nil
}

// capWriter discards everything past limit bytes.
type capWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *capWriter) Write(p []byte) (int, error) {
	if remaining := w.limit - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
