// Package probe detects the test framework a repository uses, finds
// its test files, and builds the shell command that runs them.
package probe

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/neverdown-ai/healer/internal/logx"
)

var log = logx.New("probe")

// Framework identifiers, matched 1:1 against the teacher pipeline's
// framework detection.
const (
	Pytest    = "pytest"
	Unittest  = "unittest"
	Jest      = "jest"
	Mocha     = "mocha"
	Vitest    = "vitest"
	GoTest    = "go_test"
	CargoTest = "cargo_test"
)

var frameworkFiles = map[string][]string{
	Pytest:   {"pytest.ini", "setup.cfg", "pyproject.toml", "conftest.py"},
	Unittest: {},
	Jest:     {"jest.config.js", "jest.config.ts", "jest.config.mjs", "jest.config.cjs"},
	Mocha:    {".mocharc.yml", ".mocharc.yaml", ".mocharc.json", ".mocharc.js"},
	Vitest:   {"vitest.config.ts", "vitest.config.js", "vitest.config.mts"},
	GoTest:   {"go.mod"},
	CargoTest: {"Cargo.toml"},
}

var frameworkOrder = []string{Pytest, Unittest, Jest, Mocha, Vitest, GoTest, CargoTest}

var frameworkDeps = map[string]string{
	Pytest: "pytest",
	Jest:   "jest",
	Mocha:  "mocha",
	Vitest: "vitest",
}

var testGlobs = map[string][]string{
	Pytest: {"**/test_*.py", "**/*_test.py", "**/tests/*.py", "**/tests/**/*.py"},
	Unittest: {"**/test_*.py", "**/*_test.py", "**/tests/*.py"},
	Jest: {
		"**/*.test.js", "**/*.test.ts", "**/*.test.jsx", "**/*.test.tsx",
		"**/*.spec.js", "**/*.spec.ts", "**/*.spec.jsx", "**/*.spec.tsx",
		"**/__tests__/**/*.js", "**/__tests__/**/*.ts",
	},
	Mocha:     {"**/test/**/*.js", "**/test/**/*.ts", "**/*.test.js", "**/*.spec.js"},
	Vitest:    {"**/*.test.ts", "**/*.test.js", "**/*.spec.ts", "**/*.spec.js"},
	GoTest:    {"**/*_test.go"},
	CargoTest: {"**/tests/**/*.rs", "**/src/**/*test*.rs"},
}

var skipDirs = map[string]bool{
	"node_modules": true, ".git": true, "__pycache__": true, "venv": true, ".venv": true,
	"env": true, ".env": true, "dist": true, "build": true, ".next": true, ".nuxt": true,
	"coverage": true, ".pytest_cache": true, ".mypy_cache": true, "htmlcov": true,
	".tox": true, "eggs": true,
}

type packageJSON struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

// DetectFramework inspects repoPath for config files, then
// package.json dependencies, then test-file presence, falling back to
// pytest when nothing else matches.
func DetectFramework(repoPath string) string {
	for _, fw := range frameworkOrder {
		for _, cfg := range frameworkFiles[fw] {
			p := filepath.Join(repoPath, cfg)
			info, err := os.Stat(p)
			if err != nil || info.IsDir() {
				continue
			}
			if cfg == "pyproject.toml" && fw == Pytest {
				b, err := os.ReadFile(p)
				if err != nil {
					continue
				}
				content := string(b)
				if strings.Contains(content, "[tool.pytest") || strings.Contains(content, "pytest") {
					return fw
				}
				continue
			}
			return fw
		}
	}

	if pkg, ok := readPackageJSON(repoPath); ok {
		allDeps := map[string]string{}
		for k, v := range pkg.Dependencies {
			allDeps[k] = v
		}
		for k, v := range pkg.DevDependencies {
			allDeps[k] = v
		}
		for _, fw := range []string{Jest, Mocha, Vitest} {
			if _, ok := allDeps[frameworkDeps[fw]]; ok {
				return fw
			}
		}
	}

	if hasMatch(repoPath, "test_*.py") || hasMatch(repoPath, "*_test.py") {
		return Pytest
	}
	for _, pat := range []string{"*.test.js", "*.test.ts", "*.spec.js", "*.spec.ts"} {
		if hasMatch(repoPath, pat) {
			return Jest
		}
	}
	if hasMatch(repoPath, "*_test.go") {
		return GoTest
	}
	if _, err := os.Stat(filepath.Join(repoPath, "Cargo.toml")); err == nil {
		return CargoTest
	}
	return Pytest
}

func readPackageJSON(repoPath string) (packageJSON, bool) {
	b, err := os.ReadFile(filepath.Join(repoPath, "package.json"))
	if err != nil {
		return packageJSON{}, false
	}
	var pkg packageJSON
	if err := json.Unmarshal(b, &pkg); err != nil {
		return packageJSON{}, false
	}
	return pkg, true
}

func hasMatch(repoPath, pattern string) bool {
	found := false
	_ = filepath.WalkDir(repoPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || found {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			rel, _ := filepath.Rel(repoPath, p)
			if !inSkipDir(rel) {
				found = true
			}
		}
		return nil
	})
	return found
}

func inSkipDir(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skipDirs[part] {
			return true
		}
	}
	return false
}

// DiscoverTests walks repoPath and returns every relative test file
// path matching the given framework's glob set, sorted and
// deduplicated. Patterns are matched with their full "**/" form so
// doublestar's native recursive-glob semantics apply; the leading
// "**/" is stripped only for display purposes elsewhere, never here.
func DiscoverTests(repoPath, framework string) ([]string, error) {
	globs, ok := testGlobs[framework]
	if !ok {
		globs = testGlobs[Pytest]
	}

	display := make([]string, len(globs))
	for i, g := range globs {
		display[i] = displayPattern(g)
	}
	log.Printf("discovering %s tests in %s matching %s", framework, repoPath, strings.Join(display, ", "))

	seen := map[string]bool{}
	var out []string

	err := filepath.WalkDir(repoPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(repoPath, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if inSkipDir(rel) {
			return nil
		}
		for _, pattern := range globs {
			match, err := doublestar.Match(pattern, rel)
			if err == nil && match && !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(out)
	return out, nil
}

// displayPattern strips a literal leading "**/" prefix for
// human-readable logging, without touching the rest of the pattern.
// This must be a prefix loop, not a char-class lstrip: lstrip("**/")
// on "*.test.js" would incorrectly strip the leading "*" too.
func displayPattern(pattern string) string {
	for strings.HasPrefix(pattern, "**/") {
		pattern = pattern[3:]
	}
	return pattern
}

// TestCommand returns the argv for running tests under framework. For
// JS/TS frameworks it prefers the project's own package.json
// "scripts.test" entry (so CRA/Next/Vite wrappers are honored),
// falling back to a generic per-framework command.
func TestCommand(framework, repoPath string) []string {
	if repoPath != "" && (framework == Jest || framework == Mocha || framework == Vitest) {
		if pkg, ok := readPackageJSON(repoPath); ok {
			if script := strings.TrimSpace(pkg.Scripts["test"]); script != "" {
				script = strings.SplitN(script, "&&", 2)[0]
				script = strings.SplitN(script, "||", 2)[0]
				script = strings.TrimSpace(script)
				parts := strings.Fields(script)
				if len(parts) > 0 {
					if isCRARunner(script) && !strings.Contains(script, "--watchAll=false") {
						parts = append(parts, "--watchAll=false")
					}
					if parts[0] != "npx" && parts[0] != "npm" && parts[0] != "node" {
						parts = append([]string{"npx"}, parts...)
					}
					return parts
				}
			}
		}
	}

	switch framework {
	case Pytest:
		return []string{"python", "-m", "pytest", "-v", "--tb=short", "--no-header", "-q"}
	case Unittest:
		return []string{"python", "-m", "unittest", "discover", "-v"}
	case Jest:
		return []string{"npx", "jest", "--verbose", "--no-coverage", "--forceExit", "--detectOpenHandles"}
	case Mocha:
		return []string{"npx", "mocha", "--recursive"}
	case Vitest:
		return []string{"npx", "vitest", "run", "--reporter=verbose"}
	case GoTest:
		return []string{"go", "test", "./...", "-v"}
	case CargoTest:
		return []string{"cargo", "test", "--", "--nocapture"}
	default:
		return []string{"python", "-m", "pytest", "-v", "--tb=short", "--no-header", "-q"}
	}
}

func isCRARunner(script string) bool {
	for _, runner := range []string{"react-scripts", "craco", "react-app-rewired"} {
		if strings.Contains(script, runner) {
			return true
		}
	}
	return false
}
