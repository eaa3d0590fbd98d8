package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"codeswarm/internal/logging"
)

const (
	verifyTimeout   = 60 * time.Second
	verifyOutputCap = 2 << 20 // 2 MiB
)

// CommandResult is one verifier command's outcome.
type CommandResult struct {
	Command string
	Passed  bool
	Output  string
}

// VerifyReport aggregates a verification run.
type VerifyReport struct {
	Passed   bool
	Commands []CommandResult
}

// Render flattens the report for display and LLM prompts.
func (r *VerifyReport) Render() string {
	if len(r.Commands) == 0 {
		return "No verification commands applicable."
	}
	var b strings.Builder
	for _, cmd := range r.Commands {
		status := "PASS"
		if !cmd.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %s\n", status, cmd.Command)
		if !cmd.Passed && cmd.Output != "" {
			fmt.Fprintf(&b, "%s\n", strings.TrimSpace(cmd.Output))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Verifier runs build/check commands against a project root. Commands are
// auto-detected from the ecosystem unless overridden.
type Verifier struct {
	root     string
	override []string
	logger   logging.Logger
}

// NewVerifier builds a verifier for root. override, when non-empty,
// replaces auto-detection.
func NewVerifier(root string, override []string, logger logging.Logger) *Verifier {
	return &Verifier{root: root, override: override, logger: logging.OrNop(logger)}
}

// Verify runs every applicable command, each with its own timeout. The
// report passes only if every command passed.
func (v *Verifier) Verify(ctx context.Context) *VerifyReport {
	commands := v.override
	if len(commands) == 0 {
		commands = v.detectCommands()
	}

	report := &VerifyReport{Passed: true}
	for _, command := range commands {
		result := v.run(ctx, command)
		report.Commands = append(report.Commands, result)
		if !result.Passed {
			report.Passed = false
		}
	}
	return report
}

func (v *Verifier) detectCommands() []string {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(v.root, name))
		return err == nil
	}

	switch {
	case exists("go.mod"):
		return []string{"go build ./...", "go vet ./..."}
	case exists("package.json"):
		cmds := []string{"npm run build --if-present"}
		if exists("tsconfig.json") {
			cmds = append(cmds, "npx tsc --noEmit")
		}
		return cmds
	case exists("Cargo.toml"):
		return []string{"cargo check"}
	case exists("requirements.txt") || exists("pyproject.toml"):
		return []string{"python3 -m compileall -q ."}
	default:
		return nil
	}
}

func (v *Verifier) run(ctx context.Context, command string) CommandResult {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return CommandResult{Command: command, Passed: false, Output: "empty command"}
	}

	runCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, fields[0], fields[1:]...)
	cmd.Dir = v.root

	var out bytes.Buffer
	cmd.Stdout = &boundedWriter{buf: &out, limit: verifyOutputCap}
	cmd.Stderr = cmd.Stdout

	err := cmd.Run()
	output := out.String()

	if runCtx.Err() == context.DeadlineExceeded {
		v.logger.Warn("verify command timed out: %s", command)
		return CommandResult{
			Command: command,
			Passed:  false,
			Output:  fmt.Sprintf("timed out after %v\n%s", verifyTimeout, output),
		}
	}
	if err != nil {
		v.logger.Debug("verify command failed: %s: %v", command, err)
		return CommandResult{Command: command, Passed: false, Output: output}
	}
	return CommandResult{Command: command, Passed: true, Output: output}
}

type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if remaining := w.limit - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
