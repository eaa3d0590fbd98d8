package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Guard confines tool filesystem access to a project root.
type Guard struct {
	root string
}

// NewGuard builds a guard rooted at root (made absolute).
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, err
	}
	return &Guard{root: abs}, nil
}

// Root returns the absolute project root.
func (g *Guard) Root() string {
	return g.root
}

// Resolve turns a tool-supplied path into an absolute path inside the
// root, rejecting anything that escapes it.
func (g *Guard) Resolve(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	resolved := trimmed
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(g.root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(g.root, resolved)
	if err != nil {
		return "", fmt.Errorf("path %q is outside the project root", raw)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the project root", raw)
	}
	return resolved, nil
}

// Rel converts an absolute in-root path back to the slash-separated
// relative form used in artifact lists and events.
func (g *Guard) Rel(abs string) string {
	rel, err := filepath.Rel(g.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}
