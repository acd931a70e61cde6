// Package failureparse turns raw test-runner output into structured,
// deduplicated failure records using a cascade of strategies: a
// generic traceback/panic-frame extractor, then framework-specific
// patterns (Jest/Vitest/Mocha, ESLint), and finally a synthetic
// fallback so a non-zero exit code is never silently treated as clean.
package failureparse

import (
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/neverdown-ai/healer/internal/classifier"
)

// Failure is one structured, file/line-anchored test failure.
type Failure struct {
	BugType      classifier.BugType
	File         string
	Line         int
	ErrorMessage string
	Snippet      string
	TestOutput   string
}

// DedupKey returns a fixed-size fingerprint over (file, line, error
// type head) suitable for map keys and log-safe fingerprints.
func (f Failure) DedupKey() [16]byte {
	head := f.ErrorMessage
	if len(head) > 64 {
		head = head[:64]
	}
	sum := blake3.Sum256([]byte(f.File + "|" + strconv.Itoa(f.Line) + "|" + head))
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

const outputSampleLimit = 2000

var sandboxPrefix = regexp.MustCompile(`^/?(?:workspace|app)/`)

func normalizePath(repoRoot, file string) string {
	if repoRoot != "" && strings.HasPrefix(file, repoRoot) {
		if rel, err := filepath.Rel(repoRoot, file); err == nil {
			return rel
		}
	}
	file = sandboxPrefix.ReplaceAllString(file, "")
	return strings.TrimPrefix(file, "/")
}

// FileReader returns a file's lines and whether it could be read; tests
// pass a fake, production code reads from the repo checkout on disk.
type FileReader func(file string) ([]string, bool)

// Parse parses raw test/build output into structured failures. repoRoot
// is the checkout directory failures are reported against; exitCode is
// the test runner's exit status (the synthetic fallback triggers on a
// nonzero exit regardless of whether any output was captured, so an
// exit-1-with-empty-output run is never reported clean); reader
// supplies file contents for source-snippet extraction (nil disables
// snippets).
func Parse(testOutput, repoRoot string, exitCode int, reader FileReader) []Failure {
	failures := genericFrames(testOutput, repoRoot, reader)
	if len(failures) == 0 {
		failures = jestFailures(testOutput, repoRoot, reader)
	}
	if len(failures) == 0 {
		failures = eslintFailures(testOutput)
	}
	if len(failures) == 0 && exitCode != 0 {
		failures = append(failures, syntheticFailure(testOutput))
	}
	return failures
}

var (
	pyTraceback = regexp.MustCompile(`(?m)^  File "([^"]+)", line (\d+).*\n(?:.*\n)*?^(\w+(?:Error|Exception)): (.*)$`)
	goPanic     = regexp.MustCompile(`(?m)^panic: (.+)\n(?:.*\n)*?\t(\S+\.go):(\d+)(?: \+0x[0-9a-f]+)?`)
	rustPanic   = regexp.MustCompile(`thread '[^']+' panicked at '([^']*)', (\S+\.rs):(\d+):(\d+)`)
)

func genericFrames(testOutput, repoRoot string, reader FileReader) []Failure {
	var out []Failure
	seen := map[string]bool{}

	add := func(file string, line int, errorType, message string) {
		file = normalizePath(repoRoot, file)
		key := file + "|" + strconv.Itoa(line) + "|" + errorType
		if seen[key] {
			return
		}
		seen[key] = true
		bt := classifier.Classify(errorType, message, testOutput)
		out = append(out, Failure{
			BugType:      bt,
			File:         file,
			Line:         line,
			ErrorMessage: errorType + ": " + message,
			Snippet:      snippet(reader, file, line),
			TestOutput:   sample(testOutput),
		})
	}

	for _, m := range pyTraceback.FindAllStringSubmatch(testOutput, -1) {
		line, _ := strconv.Atoi(m[2])
		add(m[1], line, m[3], m[4])
	}
	for _, m := range goPanic.FindAllStringSubmatch(testOutput, -1) {
		line, _ := strconv.Atoi(m[3])
		add(m[2], line, "panic", m[1])
	}
	for _, m := range rustPanic.FindAllStringSubmatch(testOutput, -1) {
		line, _ := strconv.Atoi(m[3])
		add(m[2], line, "panic", m[1])
	}
	return out
}

var (
	failFileRe  = regexp.MustCompile(`FAIL\s+(\S+)`)
	bulletRe    = regexp.MustCompile(`●\s+`)
	locAtRe     = regexp.MustCompile(`at\s+\S+\s+\(([^:)]+):(\d+):\d+\)`)
	locSyntaxRe = regexp.MustCompile(`SyntaxError:\s*(/?\S+\.(?:js|jsx|ts|tsx))\S*.*?\((\d+):\d+\)`)
	locAnyRe    = regexp.MustCompile(`(?:/workspace/)?(\S+\.(?:js|jsx|ts|tsx)):(\d+):\d+`)
	locFailListRe = regexp.MustCompile(`((?:src|lib|test|tests|__tests__)/\S+\.(?:js|jsx|ts|tsx))`)
	expectRe      = regexp.MustCompile(`(expect\(.+?\)\.to\S+\(.*?\))`)
	expectedRe    = regexp.MustCompile(`(Expected .+)`)
	rtlErrorRe    = regexp.MustCompile(`(?s)(TestingLibraryElementError:\s*.+?)(?:\n\n|\n\s*\n)`)
	genericErrRe  = regexp.MustCompile(`(?s)((?:Syntax|Type|Reference|)Error:\s*.+?)(?:\n\s*at\s|\z)`)
)

func jestFailures(testOutput, repoRoot string, reader FileReader) []Failure {
	var out []Failure
	seen := map[string]bool{}

	failFiles := failFileRe.FindAllStringSubmatch(testOutput, -1)

	blocks := bulletRe.Split(testOutput, -1)
	if len(blocks) > 1 {
		blocks = blocks[1:]
	} else {
		blocks = nil
	}

	for _, block := range blocks {
		block = strings.TrimSpace(block)
		lines := strings.SplitN(block, "\n", 2)
		testName := "unknown test"
		if len(lines) > 0 {
			testName = strings.TrimSpace(lines[0])
		}

		var filePath string
		lineNum := 0

		if m := locAtRe.FindStringSubmatch(block); m != nil && !strings.Contains(m[1], "node_modules") {
			filePath = m[1]
			lineNum, _ = strconv.Atoi(m[2])
		} else if m := locSyntaxRe.FindStringSubmatch(block); m != nil {
			filePath = m[1]
			lineNum, _ = strconv.Atoi(m[2])
		} else if ms := locAnyRe.FindAllStringSubmatch(block, -1); ms != nil {
			for _, m := range ms {
				if !strings.Contains(m[1], "node_modules") {
					filePath = m[1]
					lineNum, _ = strconv.Atoi(m[2])
					break
				}
			}
		}
		if filePath == "" {
			if m := locFailListRe.FindStringSubmatch(block); m != nil {
				filePath = m[1]
			}
		}
		if filePath == "" {
			if len(failFiles) > 0 {
				filePath = failFiles[0][1]
			} else {
				filePath = "unknown"
			}
		}
		filePath = normalizePath(repoRoot, filePath)

		errMsg := testName
		if m := expectRe.FindStringSubmatch(block); m != nil {
			errMsg = joinMsg(testName, m[1])
		} else if m := expectedRe.FindStringSubmatch(block); m != nil {
			errMsg = joinMsg(testName, m[1])
		} else if m := rtlErrorRe.FindStringSubmatch(block); m != nil {
			errMsg = joinMsg(testName, m[1])
		} else if m := genericErrRe.FindStringSubmatch(block); m != nil {
			errMsg = joinMsg(testName, m[1])
		}

		keyMsg := errMsg
		if len(keyMsg) > 50 {
			keyMsg = keyMsg[:50]
		}
		key := filePath + "|" + strconv.Itoa(lineNum) + "|" + keyMsg
		if seen[key] {
			continue
		}
		seen[key] = true

		bt := classifier.Classify("AssertionError", errMsg, block)

		out = append(out, Failure{
			BugType:      bt,
			File:         filePath,
			Line:         lineNum,
			ErrorMessage: truncate(errMsg, 300),
			Snippet:      snippet(reader, filePath, lineNum),
			TestOutput:   sample(block),
		})
	}

	if len(out) == 0 && len(failFiles) > 0 {
		for _, m := range failFiles {
			ffile := m[1]
			key := ffile + "|0|test_failure"
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Failure{
				BugType:      classifier.Logic,
				File:         ffile,
				Line:         0,
				ErrorMessage: "Test suite failed: " + ffile,
				TestOutput:   sample(testOutput),
			})
		}
	}

	return out
}

func joinMsg(testName, detail string) string {
	detail = strings.ReplaceAll(detail, "\n", " ")
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return testName + ": " + detail
}

var eslintLine = regexp.MustCompile(`(?m)^\s*(\S+\.(?:js|jsx|ts|tsx))\s*$|^\s+(\d+):(\d+)\s+(error|warning)\s+(.+?)\s+(\S+)\s*$`)

func eslintFailures(testOutput string) []Failure {
	var out []Failure
	seen := map[string]bool{}
	currentFile := ""

	for _, m := range eslintLine.FindAllStringSubmatch(testOutput, -1) {
		if m[1] != "" {
			currentFile = m[1]
			continue
		}
		if m[2] == "" || currentFile == "" {
			continue
		}
		lineNum, _ := strconv.Atoi(m[2])
		severity := m[4]
		message := m[5]
		rule := m[6]

		key := currentFile + "|" + strconv.Itoa(lineNum) + "|" + rule
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, Failure{
			BugType:      classifier.Linting,
			File:         currentFile,
			Line:         lineNum,
			ErrorMessage: "ESLint " + severity + ": " + message + " (" + rule + ")",
			TestOutput:   sample(testOutput),
		})
	}

	return out
}

var fileRefRe = regexp.MustCompile(`((?:src|lib|app|test|tests)/\S+\.(?:js|jsx|ts|tsx|py|go|rs))`)

func syntheticFailure(testOutput string) Failure {
	file := "unknown"
	if m := fileRefRe.FindStringSubmatch(testOutput); m != nil {
		file = m[1]
	}
	head := testOutput
	if len(head) > 500 {
		head = head[:500]
	}
	return Failure{
		BugType:      classifier.Classify("Error", head, testOutput),
		File:         file,
		Line:         0,
		ErrorMessage: ExtractFirstErrorLine(testOutput),
		TestOutput:   sample(testOutput),
	}
}

// ExtractFirstErrorLine pulls the first meaningful error line from raw
// output, preferring a line that mentions error/fail/exception-like
// keywords before falling back to the first non-empty line.
func ExtractFirstErrorLine(output string) string {
	keywords := []string{"error", "fail", "exception", "traceback", "assert"}
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		low := strings.ToLower(trimmed)
		for _, kw := range keywords {
			if strings.Contains(low, kw) {
				return truncate(trimmed, 300)
			}
		}
	}
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return truncate(trimmed, 300)
		}
	}
	return "Test process exited with non-zero code"
}

func snippet(reader FileReader, file string, line int) string {
	if reader == nil || line <= 0 {
		return ""
	}
	lines, ok := reader(path.Clean(file))
	if !ok {
		return ""
	}
	start := line - 3
	if start < 1 {
		start = 1
	}
	end := line + 3
	if end > len(lines) {
		end = len(lines)
	}
	var b strings.Builder
	for i := start; i <= end; i++ {
		if i < 1 || i > len(lines) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i) + ": " + lines[i-1])
	}
	return b.String()
}

func sample(s string) string {
	return truncate(s, outputSampleLimit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
