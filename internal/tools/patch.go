package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"codeswarm/internal/llm"
)

type patchFile struct {
	deps FileToolDeps
}

// NewPatchFile returns the patch_file tool: targeted search/replace edits
// without rewriting the whole file.
func NewPatchFile(deps FileToolDeps) Tool {
	return &patchFile{deps: deps}
}

func (t *patchFile) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: "patch_file",
		Description: "Replace an exact text fragment in an existing file. " +
			"The search text must occur exactly once.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "File path relative to the project root"},
				"search":  map[string]any{"type": "string", "description": "Exact text to find"},
				"replace": map[string]any{"type": "string", "description": "Replacement text"},
			},
			"required": []string{"path", "search", "replace"},
		},
	}
}

func (t *patchFile) Execute(ctx context.Context, call Call) (*Result, error) {
	path, err := stringArg(call.Args, "path")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	search, err := stringArg(call.Args, "search")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	replace, ok := call.Args["replace"].(string)
	if !ok {
		return &Result{CallID: call.ID, Err: fmt.Errorf("missing %q argument", "replace")}, nil
	}

	resolved, err := t.deps.Guard.Resolve(path)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	if err := t.deps.Locks.Acquire(ctx, resolved, t.deps.Worker); err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	defer t.deps.Locks.Release(resolved)

	data, err := os.ReadFile(resolved)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	content := string(data)

	switch strings.Count(content, search) {
	case 0:
		return &Result{CallID: call.ID, Err: fmt.Errorf("search text not found in %s", path)}, nil
	case 1:
	default:
		return &Result{CallID: call.ID, Err: fmt.Errorf("search text occurs more than once in %s; include more context", path)}, nil
	}

	updated := strings.Replace(content, search, replace, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(content, updated)
	rel := t.deps.Guard.Rel(resolved)
	return &Result{
		CallID:   call.ID,
		Content:  fmt.Sprintf("Patched %s:\n%s", rel, dmp.PatchToText(patches)),
		Metadata: map[string]any{MetaArtifact: rel},
	}, nil
}
