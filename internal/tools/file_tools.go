package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codeswarm/internal/flock"
	"codeswarm/internal/llm"
)

// readFileCap bounds what a single read feeds into the transcript.
const readFileCap = 64 * 1024

// FileToolDeps is shared plumbing for the filesystem tools of one worker.
type FileToolDeps struct {
	Guard  *Guard
	Locks  *flock.Registry
	Worker int
}

type readFile struct {
	deps FileToolDeps
}

// NewReadFile returns the read_file tool.
func NewReadFile(deps FileToolDeps) Tool {
	return &readFile{deps: deps}
}

func (t *readFile) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "read_file",
		Description: "Read the contents of a file inside the project.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "File path relative to the project root"},
			},
			"required": []string{"path"},
		},
	}
}

func (t *readFile) Execute(ctx context.Context, call Call) (*Result, error) {
	path, err := stringArg(call.Args, "path")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	resolved, err := t.deps.Guard.Resolve(path)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	content := string(data)
	if len(content) > readFileCap {
		content = content[:readFileCap] + fmt.Sprintf("\n... (truncated, %d bytes total)", len(data))
	}
	return &Result{CallID: call.ID, Content: content}, nil
}

type writeFile struct {
	deps FileToolDeps
}

// NewWriteFile returns the write_file tool. Writes take the per-path lock
// so two workers cannot interleave on the same file.
func NewWriteFile(deps FileToolDeps) Tool {
	return &writeFile{deps: deps}
}

func (t *writeFile) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "write_file",
		Description: "Create or overwrite a file inside the project. Parent directories are created as needed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "File path relative to the project root"},
				"content": map[string]any{"type": "string", "description": "Full file content"},
			},
			"required": []string{"path", "content"},
		},
	}
}

func (t *writeFile) Execute(ctx context.Context, call Call) (*Result, error) {
	path, err := stringArg(call.Args, "path")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	content, ok := call.Args["content"].(string)
	if !ok {
		return &Result{CallID: call.ID, Err: fmt.Errorf("missing %q argument", "content")}, nil
	}

	resolved, err := t.deps.Guard.Resolve(path)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	if err := t.deps.Locks.Acquire(ctx, resolved, t.deps.Worker); err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	defer t.deps.Locks.Release(resolved)

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	rel := t.deps.Guard.Rel(resolved)
	return &Result{
		CallID:   call.ID,
		Content:  fmt.Sprintf("Wrote %d bytes to %s", len(content), rel),
		Metadata: map[string]any{MetaArtifact: rel},
	}, nil
}

type listDirectory struct {
	deps FileToolDeps
}

// NewListDirectory returns the list_directory tool.
func NewListDirectory(deps FileToolDeps) Tool {
	return &listDirectory{deps: deps}
}

func (t *listDirectory) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "list_directory",
		Description: "List the entries of a directory inside the project.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path relative to the project root (default: the root)"},
			},
		},
	}
}

func (t *listDirectory) Execute(ctx context.Context, call Call) (*Result, error) {
	path := optionalStringArg(call.Args, "path", ".")
	resolved, err := t.deps.Guard.Resolve(path)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return &Result{CallID: call.ID, Content: "(empty directory)"}, nil
	}
	return &Result{CallID: call.ID, Content: strings.Join(names, "\n")}, nil
}
