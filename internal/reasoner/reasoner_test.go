package reasoner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neverdown-ai/healer/internal/failureparse"
)

func TestParseReplyUnfixable(t *testing.T) {
	got := ParseReply("  UNFIXABLE  ")
	if !got.Unfixable {
		t.Fatal("expected Unfixable=true")
	}
	if got.Summary != "UNFIXABLE" || got.RootCause != "Unfixable" {
		t.Errorf("got %+v", got)
	}
}

func TestParseReplyFullFormat(t *testing.T) {
	reply := "SUMMARY:\n" +
		"SYNTAX error in app.py line 10 → Fix: add missing colon\n\n" +
		"PATCH:\n```diff\n--- a/app.py\n+++ b/app.py\n@@ -10 +10 @@\n-def foo()\n+def foo():\n```\n\n" +
		"CONFIDENCE: 0.9\n\n" +
		"ROOT_CAUSE: missing colon after function signature"

	got := ParseReply(reply)
	if got.Unfixable {
		t.Fatal("did not expect Unfixable")
	}
	if !strings.Contains(got.Summary, "SYNTAX error in app.py") {
		t.Errorf("Summary = %q", got.Summary)
	}
	if !strings.Contains(got.Diff, "-def foo()") || !strings.Contains(got.Diff, "+def foo():") {
		t.Errorf("Diff = %q", got.Diff)
	}
	if got.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", got.Confidence)
	}
	if got.RootCause != "missing colon after function signature" {
		t.Errorf("RootCause = %q", got.RootCause)
	}
}

func TestParseReplyDefaultsConfidenceWhenMissing(t *testing.T) {
	got := ParseReply("SUMMARY:\nLOGIC error in x.py line 1 → Fix: nothing\n\nPATCH:\n```diff\n```")
	if got.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want default 0.85", got.Confidence)
	}
}

func TestParseReplyIgnoresUnparsableConfidence(t *testing.T) {
	got := ParseReply("CONFIDENCE: not-a-number")
	if got.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want default 0.85 preserved on bad parse", got.Confidence)
	}
}

func TestValidateAcceptsFullReply(t *testing.T) {
	r := ParsedReply{Summary: "fix it", Confidence: 0.5}
	if err := Validate(r); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidateRejectsEmptySummary(t *testing.T) {
	r := ParsedReply{Summary: "", Confidence: 0.5}
	if err := Validate(r); err == nil {
		t.Fatal("expected error for empty summary")
	}
}

func TestValidateRejectsOutOfRangeConfidence(t *testing.T) {
	r := ParsedReply{Summary: "fix it", Confidence: 1.5}
	if err := Validate(r); err == nil {
		t.Fatal("expected error for confidence > 1")
	}
}

func TestValidateSkipsUnfixable(t *testing.T) {
	r := ParsedReply{Unfixable: true}
	if err := Validate(r); err != nil {
		t.Errorf("Validate() on unfixable reply should not error, got %v", err)
	}
}

func TestBuildPromptIncludesCoreFields(t *testing.T) {
	dir := t.TempDir()
	f := failureparse.Failure{
		BugType:      "SYNTAX",
		File:         "app.py",
		Line:         10,
		ErrorMessage: "invalid syntax",
	}
	prompt := BuildPrompt(f, dir)
	for _, want := range []string{"Bug Type: SYNTAX", "File: app.py", "Line: 10", "Error: invalid syntax"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPromptIncludesSmallFullFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app.py"), "print('hi')\n")
	f := failureparse.Failure{File: "app.py", Line: 1, ErrorMessage: "boom"}
	prompt := BuildPrompt(f, dir)
	if !strings.Contains(prompt, "print('hi')") {
		t.Errorf("expected full file content in prompt:\n%s", prompt)
	}
}

func TestBuildPromptIncludesSiblingSourceForTestFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "App.jsx"), "export default function App() { return <button>Add Note</button> }\n")
	writeFile(t, filepath.Join(dir, "App.test.jsx"), "test('x', () => {})\n")
	f := failureparse.Failure{File: "App.test.jsx", Line: 1, ErrorMessage: "found multiple elements"}
	prompt := BuildPrompt(f, dir)
	if !strings.Contains(prompt, "Source file being tested (App.jsx)") {
		t.Errorf("expected sibling source section:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Add Note") {
		t.Errorf("expected sibling source content in prompt")
	}
}

func TestBuildPromptTruncatesTestOutput(t *testing.T) {
	dir := t.TempDir()
	f := failureparse.Failure{File: "x.py", Line: 1, ErrorMessage: "e", TestOutput: strings.Repeat("a", 2000)}
	prompt := BuildPrompt(f, dir)
	idx := strings.Index(prompt, "Test output (truncated):")
	if idx < 0 {
		t.Fatal("expected test output section")
	}
	if strings.Count(prompt[idx:], "a") > 1600 {
		t.Error("expected test output truncated to 1500 chars")
	}
}

func TestSystemPromptMentionsUnfixableSentinel(t *testing.T) {
	if !strings.Contains(SystemPrompt(), "UNFIXABLE") {
		t.Error("system prompt must document the UNFIXABLE sentinel")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
