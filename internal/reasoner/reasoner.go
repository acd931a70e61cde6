// Package reasoner builds the fix-request prompt sent to a language
// model and parses its strict-format reply back into a structured
// Fix candidate. It never calls the model itself — that is the
// Client interface, an external collaborator.
package reasoner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/neverdown-ai/healer/internal/failureparse"
)

// Client is the external collaborator that actually talks to a
// language model.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ParsedReply is the structured result of parsing a model reply.
type ParsedReply struct {
	Unfixable  bool
	Summary    string
	Diff       string
	Confidence float64
	RootCause  string
}

const systemPrompt = `You are an expert software engineer debugging test failures.
You receive a single bug report and must produce a MINIMAL fix.

You MUST respond in this EXACT format (no deviation):

SUMMARY:
<BUG_TYPE> error in <file_path> line <line_number> → Fix: <short description>

PATCH:
` + "```diff" + `
<unified diff — minimal change only>
` + "```" + `

CONFIDENCE: <0.0-1.0>

ROOT_CAUSE: <one-line explanation>

Rules:
- BUG_TYPE must be one of: LINTING, SYNTAX, LOGIC, TYPE_ERROR, IMPORT, INDENTATION
- Use exact arrow symbol →
- Diff must be a valid unified diff (--- a/ and +++ b/ headers)
- Only minimal patch. No refactoring. No extra comments.
- If truly unfixable, output ONLY the word: UNFIXABLE
- Do NOT modify any <REDACTED_*> placeholders

React Testing Library tips (CRITICAL — read carefully):
- "Found multiple elements" → use getByRole('heading', {name: /text/i}) or getAllByText()[0] instead of getByText()
- Match text to ACTUAL component render — check the source JSX for exact text, emojis, etc.
- BUTTON TEXT: look at the <button> element's children in the JSX component file. Headings (<h2>) have DIFFERENT text than buttons. For example, a heading might say "Add New Note" while the button says "Add Note" — use the BUTTON text when querying for a submit button.
- If a test queries getByText('X') to click a submit button, make sure 'X' matches the <button> text, NOT the <h2> heading text.
- Only fix the TEST file expectations to match the source — do NOT change source files
- If getByText(/pattern/i) matches multiple elements, use a more specific query like getByRole('button', {name: /pattern/i}) or getByRole('heading', {name: /pattern/i})`

// SystemPrompt returns the fixed system prompt sent with every fix
// request.
func SystemPrompt() string { return systemPrompt }

var testFileSuffixes = []string{
	".test.js", ".test.jsx", ".test.ts", ".test.tsx",
	".spec.js", ".spec.jsx", ".spec.ts", ".spec.tsx",
	"_test.py", "_test.go",
}

var sourceExts = []string{".js", ".jsx", ".ts", ".tsx", ".py", ".go"}

var importRe = regexp.MustCompile(`import\s+\w+\s+from\s+['"](\./[^'"]+)['"]`)

// BuildPrompt assembles the user-facing prompt for a single failure:
// failure context, a source snippet, the full failed file when small,
// the sibling source file for *.test.* files, and imported components
// referenced from that source file.
func BuildPrompt(f failureparse.Failure, repoPath string) string {
	var parts []string
	parts = append(parts,
		fmt.Sprintf("Bug Type: %s", f.BugType),
		fmt.Sprintf("File: %s", f.File),
		fmt.Sprintf("Line: %d", f.Line),
		fmt.Sprintf("Error: %s", f.ErrorMessage),
	)

	if f.Snippet != "" {
		parts = append(parts, fmt.Sprintf("\nCode context:\n```\n%s\n```", f.Snippet))
	}

	absPath := filepath.Join(repoPath, f.File)
	if content, ok := readSmall(absPath, 5000); ok {
		parts = append(parts, fmt.Sprintf("\nFull file (%s):\n```\n%s\n```", f.File, content))
	}

	if candidate, srcContent, ok := siblingSource(f.File, repoPath); ok {
		parts = append(parts, fmt.Sprintf("\nSource file being tested (%s):\n```\n%s\n```", candidate, srcContent))
		parts = append(parts, "\nIMPORTANT: Fix the TEST file expectations to match what "+
			"the source code actually renders/does. Look at BUG comments "+
			"in the test file. Do NOT modify the source file — only fix "+
			"the test assertions, selectors, and expected values.")

		for _, m := range importRe.FindAllStringSubmatch(srcContent, -1) {
			relImport := m[1]
			srcDir := filepath.Dir(candidate)
			for _, ext := range append([]string{""}, sourceExts[:4]...) {
				compPath := filepath.Clean(filepath.Join(srcDir, relImport+ext))
				compAbs := filepath.Join(repoPath, compPath)
				if compContent, ok := readSmall(compAbs, 3000); ok {
					parts = append(parts, fmt.Sprintf("\nImported component (%s):\n```\n%s\n```", compPath, compContent))
					break
				}
			}
		}
	}

	if f.TestOutput != "" {
		out := f.TestOutput
		if len(out) > 1500 {
			out = out[:1500]
		}
		parts = append(parts, fmt.Sprintf("\nTest output (truncated):\n```\n%s\n```", out))
	}

	return strings.Join(parts, "\n")
}

func readSmall(path string, limit int) (string, bool) {
	b, err := os.ReadFile(path)
	if err != nil || len(b) >= limit {
		return "", false
	}
	return string(b), true
}

func siblingSource(testFile, repoPath string) (candidatePath, content string, ok bool) {
	for _, suffix := range testFileSuffixes {
		if !strings.HasSuffix(testFile, suffix) {
			continue
		}
		base := strings.TrimSuffix(testFile, suffix)
		for _, ext := range sourceExts {
			candidate := base + ext
			if c, ok := readSmall(filepath.Join(repoPath, candidate), 8000); ok {
				return candidate, c, true
			}
		}
		return "", "", false
	}
	return "", "", false
}

var (
	summaryRe    = regexp.MustCompile(`(?s)SUMMARY:\s*\n(.+?)(?:\n\n|\z)`)
	diffRe       = regexp.MustCompile("(?s)```diff\\s*\\n(.*?)```")
	confidenceRe = regexp.MustCompile(`CONFIDENCE:\s*([\d.]+)`)
	rootCauseRe  = regexp.MustCompile(`ROOT_CAUSE:\s*(.+)`)
)

// ParseReply parses a model reply in the strict SUMMARY/PATCH/
// CONFIDENCE/ROOT_CAUSE format. The literal token "UNFIXABLE" (after
// trimming) short-circuits to an unfixable result.
func ParseReply(content string) ParsedReply {
	if strings.TrimSpace(content) == "UNFIXABLE" {
		return ParsedReply{Unfixable: true, Summary: "UNFIXABLE", RootCause: "Unfixable"}
	}

	result := ParsedReply{Confidence: 0.85}
	if m := summaryRe.FindStringSubmatch(content); m != nil {
		result.Summary = strings.TrimSpace(m[1])
	}
	if m := diffRe.FindStringSubmatch(content); m != nil {
		result.Diff = strings.TrimSpace(m[1])
	}
	if m := confidenceRe.FindStringSubmatch(content); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			result.Confidence = v
		}
	}
	if m := rootCauseRe.FindStringSubmatch(content); m != nil {
		result.RootCause = strings.TrimSpace(m[1])
	}
	return result
}

const replySchemaJSON = `{
  "type": "object",
  "properties": {
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "summary": {"type": "string"}
  },
  "required": ["confidence"]
}`

var replySchema = mustCompileSchema(replySchemaJSON)

func mustCompileSchema(raw string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("reply.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	s, err := c.Compile("reply.json")
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a parsed reply's shape against the embedded schema:
// confidence in [0,1], and (unless the reply is the unfixable
// sentinel) a non-empty summary. A violation is reported as an error
// string, never as a panic — the caller downgrades the Fix to
// unfixable rather than failing the pipeline.
func Validate(r ParsedReply) error {
	if r.Unfixable {
		return nil
	}
	doc := map[string]any{"confidence": r.Confidence, "summary": r.Summary}
	if err := replySchema.Validate(doc); err != nil {
		return fmt.Errorf("reasoner: reply failed schema validation: %w", err)
	}
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("reasoner: reply missing required summary")
	}
	return nil
}
