package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"codeswarm/internal/llm"
)

const (
	searchMaxMatches  = 100
	searchMaxFileSize = 1 << 20
)

// Directories never worth searching.
var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, "__pycache__": true, ".venv": true,
}

type searchFiles struct {
	guard *Guard
}

// NewSearchFiles returns the search_files tool: regex search across the
// project tree.
func NewSearchFiles(guard *Guard) Tool {
	return &searchFiles{guard: guard}
}

func (t *searchFiles) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "search_files",
		Description: "Search file contents with a regular expression. Returns path:line: text matches.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Regular expression to search for"},
				"path":    map[string]any{"type": "string", "description": "Subdirectory to search (default: project root)"},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *searchFiles) Execute(ctx context.Context, call Call) (*Result, error) {
	pattern, err := stringArg(call.Args, "pattern")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &Result{CallID: call.ID, Err: fmt.Errorf("invalid pattern: %w", err)}, nil
	}

	start, err := t.guard.Resolve(optionalStringArg(call.Args, "path", "."))
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	var matches []string
	walkErr := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= searchMaxMatches {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil || info.Size() > searchMaxFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || !isText(data) {
			return nil
		}
		rel := t.guard.Rel(path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= searchMaxMatches {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return &Result{CallID: call.ID, Err: walkErr}, nil
	}

	if len(matches) == 0 {
		return &Result{CallID: call.ID, Content: "No matches found."}, nil
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= searchMaxMatches {
		out += fmt.Sprintf("\n... (stopped at %d matches)", searchMaxMatches)
	}
	return &Result{CallID: call.ID, Content: out}, nil
}

// isText rejects binary files by looking for NUL bytes in the head.
func isText(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}

type globFiles struct {
	guard *Guard
}

// NewGlobFiles returns the glob_files tool: doublestar pattern matching
// over the project tree.
func NewGlobFiles(guard *Guard) Tool {
	return &globFiles{guard: guard}
}

func (t *globFiles) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "glob_files",
		Description: "Find files by glob pattern, e.g. \"**/*.go\" or \"src/**/*.ts\".",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Doublestar glob pattern relative to the project root"},
			},
			"required": []string{"pattern"},
		},
	}
}

func (t *globFiles) Execute(ctx context.Context, call Call) (*Result, error) {
	pattern, err := stringArg(call.Args, "pattern")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	paths, err := doublestar.Glob(os.DirFS(t.guard.Root()), pattern)
	if err != nil {
		return &Result{CallID: call.ID, Err: fmt.Errorf("invalid glob: %w", err)}, nil
	}

	filtered := paths[:0]
	for _, p := range paths {
		parts := strings.Split(p, "/")
		skip := false
		for _, part := range parts[:len(parts)-1] {
			if skippedDirs[part] {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, p)
		}
	}
	sort.Strings(filtered)

	if len(filtered) == 0 {
		return &Result{CallID: call.ID, Content: "No files matched."}, nil
	}
	return &Result{CallID: call.ID, Content: strings.Join(filtered, "\n")}, nil
}
