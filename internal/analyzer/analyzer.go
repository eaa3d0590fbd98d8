// Package analyzer inspects a project root before planning (what already
// exists on disk) and after building (does it compile and pass checks).
package analyzer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	treeMaxDepth   = 4
	treeMaxEntries = 400
	keyFileCap     = 4 * 1024
)

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, "__pycache__": true, ".venv": true, "target": true,
}

// Names whose contents are worth injecting into the planning prompt.
var keyFileNames = []string{
	"go.mod", "package.json", "tsconfig.json", "requirements.txt",
	"pyproject.toml", "Cargo.toml", "Makefile", "README.md",
}

// Ecosystem labels detected from marker files.
const (
	EcosystemGo      = "go"
	EcosystemNode    = "node"
	EcosystemPython  = "python"
	EcosystemRust    = "rust"
	EcosystemUnknown = "unknown"
)

// Analysis is what the planner learns about an existing project.
type Analysis struct {
	FileTree  string
	KeyFiles  map[string]string
	Ecosystem string
	FileCount int
}

// Analyze walks root and assembles the planning context. An empty or
// missing directory yields an Analysis with a zero FileCount, not an error.
func Analyze(root string) (*Analysis, error) {
	a := &Analysis{KeyFiles: make(map[string]string), Ecosystem: EcosystemUnknown}

	var lines []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if ignoredDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if strings.Count(rel, "/") >= treeMaxDepth {
				return filepath.SkipDir
			}
			lines = append(lines, rel+"/")
			return nil
		}

		a.FileCount++
		if len(lines) < treeMaxEntries {
			lines = append(lines, rel)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	sort.Strings(lines)
	if len(lines) >= treeMaxEntries {
		lines = append(lines, fmt.Sprintf("... (%d files total)", a.FileCount))
	}
	a.FileTree = strings.Join(lines, "\n")

	for _, name := range keyFileNames {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) > keyFileCap {
			content = content[:keyFileCap] + "\n... (truncated)"
		}
		a.KeyFiles[name] = content
	}

	a.Ecosystem = detectEcosystem(a.KeyFiles)
	return a, nil
}

func detectEcosystem(keyFiles map[string]string) string {
	switch {
	case keyFiles["go.mod"] != "":
		return EcosystemGo
	case keyFiles["package.json"] != "":
		return EcosystemNode
	case keyFiles["Cargo.toml"] != "":
		return EcosystemRust
	case keyFiles["requirements.txt"] != "" || keyFiles["pyproject.toml"] != "":
		return EcosystemPython
	default:
		return EcosystemUnknown
	}
}

// Render flattens the analysis for prompt injection.
func (a *Analysis) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ecosystem: %s\n", a.Ecosystem)
	if a.FileTree != "" {
		fmt.Fprintf(&b, "\nFile tree:\n%s\n", a.FileTree)
	} else {
		b.WriteString("\nThe project directory is empty.\n")
	}
	names := make([]string, 0, len(a.KeyFiles))
	for name := range a.KeyFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", name, a.KeyFiles[name])
	}
	return strings.TrimRight(b.String(), "\n")
}
