package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestAnalyzeGoProject(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"go.mod":               "module example.com/demo\n\ngo 1.24\n",
		"main.go":              "package main\n",
		"internal/app/app.go":  "package app\n",
		"node_modules/dep.js":  "ignored",
		".git/config":          "ignored",
		"vendor/lib/lib.go":    "ignored",
		"README.md":            "# Demo\n",
	})

	a, err := Analyze(root)
	require.NoError(t, err)

	assert.Equal(t, EcosystemGo, a.Ecosystem)
	assert.Contains(t, a.FileTree, "main.go")
	assert.Contains(t, a.FileTree, "internal/app/app.go")
	assert.NotContains(t, a.FileTree, "node_modules")
	assert.NotContains(t, a.FileTree, ".git")
	assert.NotContains(t, a.FileTree, "vendor")

	assert.Contains(t, a.KeyFiles["go.mod"], "example.com/demo")
	assert.Contains(t, a.KeyFiles["README.md"], "# Demo")

	rendered := a.Render()
	assert.Contains(t, rendered, "Ecosystem: go")
	assert.Contains(t, rendered, "--- go.mod ---")
}

func TestAnalyzeEmptyDir(t *testing.T) {
	a, err := Analyze(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, a.FileCount)
	assert.Equal(t, EcosystemUnknown, a.Ecosystem)
	assert.Contains(t, a.Render(), "empty")
}

func TestDetectEcosystemPriority(t *testing.T) {
	assert.Equal(t, EcosystemNode, detectEcosystem(map[string]string{"package.json": "{}"}))
	assert.Equal(t, EcosystemRust, detectEcosystem(map[string]string{"Cargo.toml": "[package]"}))
	assert.Equal(t, EcosystemPython, detectEcosystem(map[string]string{"requirements.txt": "flask"}))
	assert.Equal(t, EcosystemUnknown, detectEcosystem(map[string]string{}))
}

func TestVerifierDetectsCommands(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"go.mod": "module x\n"})
	v := NewVerifier(root, nil, nil)
	assert.Equal(t, []string{"go build ./...", "go vet ./..."}, v.detectCommands())

	root = t.TempDir()
	writeTree(t, root, map[string]string{"package.json": "{}", "tsconfig.json": "{}"})
	v = NewVerifier(root, nil, nil)
	assert.Equal(t, []string{"npm run build --if-present", "npx tsc --noEmit"}, v.detectCommands())

	v = NewVerifier(t.TempDir(), nil, nil)
	assert.Empty(t, v.detectCommands())
}

func TestVerifierOverride(t *testing.T) {
	v := NewVerifier(t.TempDir(), []string{"true"}, nil)
	report := v.Verify(context.Background())
	require.Len(t, report.Commands, 1)
	assert.True(t, report.Passed)
	assert.Contains(t, report.Render(), "[PASS] true")
}

func TestVerifierFailureCapturesOutput(t *testing.T) {
	v := NewVerifier(t.TempDir(), []string{"ls /definitely-not-here-xyz"}, nil)
	report := v.Verify(context.Background())
	require.Len(t, report.Commands, 1)
	assert.False(t, report.Passed)
	assert.False(t, report.Commands[0].Passed)
	assert.NotEmpty(t, report.Commands[0].Output)
	assert.Contains(t, report.Render(), "[FAIL]")
}

func TestVerifierEmptyReport(t *testing.T) {
	v := NewVerifier(t.TempDir(), nil, nil)
	report := v.Verify(context.Background())
	assert.True(t, report.Passed)
	assert.Contains(t, report.Render(), "No verification commands")
}
