package orchestrator

import (
	"testing"

	"github.com/neverdown-ai/healer/internal/classifier"
)

func TestBranchNameSanitizesAndJoins(t *testing.T) {
	got := branchName("Team X!", "alice jones")
	want := "TEAM_X__ALICE_JONES_AI_Fix"
	if got != want {
		t.Errorf("branchName() = %q, want %q", got, want)
	}
}

func TestBranchNameUppercasesLabels(t *testing.T) {
	got := branchName("teamx", "alice")
	want := "TEAMX_ALICE_AI_Fix"
	if got != want {
		t.Errorf("branchName() = %q, want %q", got, want)
	}
}

func TestCommitMessageListsFirstFiveFiles(t *testing.T) {
	files := []string{"a.py", "b.py", "c.py", "d.py", "e.py", "f.py"}
	got := commitMessage(6, files)
	want := "[NeverDown-AI] Fix 6 issue(s) in a.py, b.py, c.py, d.py, e.py"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPerFixCommitMessageFormat(t *testing.T) {
	got := perFixCommitMessage(classifier.Syntax, "app.py", 42)
	want := "[NeverDown-AI] Fix SYNTAX in app.py line 42"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
