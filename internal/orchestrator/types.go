package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/neverdown-ai/healer/internal/classifier"
	"github.com/neverdown-ai/healer/internal/failureparse"
	"github.com/neverdown-ai/healer/internal/sandbox"
)

// FixStatus tracks a single Fix record through its lifecycle.
type FixStatus string

const (
	FixPending     FixStatus = "pending"
	FixGenerated   FixStatus = "generated"
	FixApplied     FixStatus = "applied"
	FixFixed       FixStatus = "fixed"
	FixApplyFailed FixStatus = "apply_failed"
	FixUnfixable   FixStatus = "unfixable"
	FixError       FixStatus = "error"
)

// Fix is one reasoner-proposed, possibly-applied change addressing a
// single Failure.
type Fix struct {
	Failure       failureparse.Failure
	Summary       string
	Diff          string
	CommitMessage string
	Status        FixStatus
	Confidence    float64
	RootCause     string
	Strategy      string
}

// Request starts a new run.
type Request struct {
	RepositoryURL string
	TeamName      string
	LeaderName    string
}

// Run is the full mutable state of a single pipeline execution.
type Run struct {
	RunID      string
	Repository string
	TeamName   string
	LeaderName string
	BranchName string
	WorkDir    string

	Phase      Phase
	Outcome    Outcome
	Iteration  int
	MaxRetries int
	Framework  string

	Failures []failureparse.Failure
	Fixes    []Fix
	LastTest sandbox.Result

	AuthMethod   string
	FinalStatus  string
	StartedAt    time.Time
	FinishedAt   time.Time
	ResultsPath  string
	Error        error
}

var nonAlnumRun = regexp.MustCompile(`[^A-Z0-9]+`)
var whitespaceRun = regexp.MustCompile(`\s+`)

// sanitizeLabel uppercases s and collapses any run of non-alphanumeric
// characters (after first collapsing whitespace runs) into a single
// underscore, matching the prototype's branch-label sanitizer.
func sanitizeLabel(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = whitespaceRun.ReplaceAllString(s, "_")
	s = nonAlnumRun.ReplaceAllString(s, "_")
	return s
}

// branchName derives the publish branch name per invariant 4.9d:
// "TEAM_LEADER_AI_Fix".
func branchName(team, leader string) string {
	return sanitizeLabel(team) + "_" + sanitizeLabel(leader) + "_AI_Fix"
}

// commitMessage builds the aggregate commit subject covering the
// first five touched files.
func commitMessage(n int, files []string) string {
	shown := files
	if len(shown) > 5 {
		shown = shown[:5]
	}
	return "[NeverDown-AI] Fix " + strconv.Itoa(n) + " issue(s) in " + strings.Join(shown, ", ")
}

// perFixCommitMessage builds the prompt-visible-only per-Fix commit
// subject.
func perFixCommitMessage(kind classifier.BugType, file string, line int) string {
	return "[NeverDown-AI] Fix " + string(kind) + " in " + file + " line " + strconv.Itoa(line)
}
