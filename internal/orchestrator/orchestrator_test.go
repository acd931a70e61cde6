package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neverdown-ai/healer/internal/config"
	"github.com/neverdown-ai/healer/internal/credentials"
	"github.com/neverdown-ai/healer/internal/eventsink"
	"github.com/neverdown-ai/healer/internal/failureparse"
	"github.com/neverdown-ai/healer/internal/reasoner"
	"github.com/neverdown-ai/healer/internal/sandbox"
)

type fakeGit struct {
	cloneErr error
}

func (f *fakeGit) Clone(ctx context.Context, repoURL, destDir, branch, token string, depth int) error {
	if f.cloneErr != nil {
		return f.cloneErr
	}
	return os.MkdirAll(destDir, 0o755)
}
func (f *fakeGit) CheckoutBranch(ctx context.Context, dir, branch string) error { return nil }
func (f *fakeGit) CreateBranchAt(ctx context.Context, dir, branch, baseSHA string) error {
	return nil
}
func (f *fakeGit) HeadSHA(ctx context.Context, dir string) (string, error) { return "deadbeef", nil }
func (f *fakeGit) AddAll(ctx context.Context, dir string) error            { return nil }
func (f *fakeGit) CommitAllowEmpty(ctx context.Context, dir, message string) (string, error) {
	return "deadbeef", nil
}
func (f *fakeGit) PushBranch(ctx context.Context, dir, remoteURL, branch, token string) error {
	return nil
}
func (f *fakeGit) DiffNameOnly(ctx context.Context, dir, baseRef string) ([]string, error) {
	return []string{"app.py"}, nil
}

type fakeProbe struct {
	framework string
	testCmd   []string
}

func (f *fakeProbe) DetectFramework(repoPath string) string { return f.framework }
func (f *fakeProbe) DiscoverTests(repoPath, framework string) ([]string, error) {
	return []string{"test_app.py"}, nil
}
func (f *fakeProbe) TestCommand(framework, repoPath string) []string { return f.testCmd }

type fakeReasoner struct {
	reply string
	err   error
}

func (f *fakeReasoner) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f.reply, f.err
}

func newTestOrchestrator(t *testing.T, testCmd []string) *Orchestrator {
	t.Helper()
	broker, err := credentials.NewBroker(credentials.Config{FallbackToken: "ghp_test"})
	if err != nil {
		t.Fatal(err)
	}
	o := New(broker, &sandbox.Runner{}, &fakeReasoner{reply: "UNFIXABLE"}, config.Settings{
		WorkspaceRoot: t.TempDir(),
		ResultsDir:    t.TempDir(),
		MaxRetries:    2,
		SandboxImages: map[string]string{"default": "unused"},
	})
	o.Git = &fakeGit{}
	o.Probe = &fakeProbe{framework: "pytest", testCmd: testCmd}
	return o
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish in time")
	}
}

func TestRunPassesWhenTestsExitZero(t *testing.T) {
	o := newTestOrchestrator(t, []string{"sh", "-c", "exit 0"})
	h, err := o.Start(context.Background(), Request{
		RepositoryURL: "https://github.com/acme/widgets",
		TeamName:      "Team X",
		LeaderName:    "Alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	if h.Run.FinalStatus != "PASSED" {
		t.Errorf("FinalStatus = %q, want PASSED", h.Run.FinalStatus)
	}
	if h.Run.Phase != PhaseEnd {
		t.Errorf("Phase = %q, want END", h.Run.Phase)
	}
	if h.Run.ResultsPath == "" {
		t.Error("expected a results path to be recorded")
	}
}

func TestRunExhaustsRetriesAndFinishesWithoutPublish(t *testing.T) {
	o := newTestOrchestrator(t, []string{"sh", "-c", "echo 'AssertionError: boom' >&2; exit 1"})
	h, err := o.Start(context.Background(), Request{
		RepositoryURL: "https://github.com/acme/widgets",
		TeamName:      "Team X",
		LeaderName:    "Alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	if h.Run.FinalStatus != "FAILED" {
		t.Errorf("FinalStatus = %q, want FAILED", h.Run.FinalStatus)
	}
	if h.Run.Iteration < h.Run.MaxRetries {
		t.Errorf("Iteration = %d, want >= MaxRetries %d", h.Run.Iteration, h.Run.MaxRetries)
	}
	// No Fix ever reached FixFixed (reasoner always replies UNFIXABLE),
	// so invariant 4.9(b) says PUBLISH must never have been attempted —
	// the run should go straight from exhausted retries to results.
	for _, f := range h.Run.Fixes {
		if f.Status == FixFixed || f.Status == FixApplied {
			t.Errorf("unexpected fix status %q with an UNFIXABLE reasoner", f.Status)
		}
	}
}

func TestRunFailsFastOnCloneError(t *testing.T) {
	broker, err := credentials.NewBroker(credentials.Config{FallbackToken: "ghp_test"})
	if err != nil {
		t.Fatal(err)
	}
	o := New(broker, &sandbox.Runner{}, &fakeReasoner{}, config.Settings{
		WorkspaceRoot: t.TempDir(),
		ResultsDir:    t.TempDir(),
		MaxRetries:    2,
	})
	o.Git = &fakeGit{cloneErr: context.DeadlineExceeded}
	o.Probe = &fakeProbe{framework: "pytest"}

	h, err := o.Start(context.Background(), Request{RepositoryURL: "https://github.com/acme/widgets", TeamName: "T", LeaderName: "L"})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	if h.Run.FinalStatus != "FAILED" {
		t.Errorf("FinalStatus = %q, want FAILED", h.Run.FinalStatus)
	}
	if h.Run.Error == nil {
		t.Error("expected a recorded clone error")
	}
}

func TestStartAssignsRunScopedBranchAndWorkDir(t *testing.T) {
	o := newTestOrchestrator(t, []string{"sh", "-c", "exit 0"})
	h, err := o.Start(context.Background(), Request{
		RepositoryURL: "https://github.com/acme/widgets",
		TeamName:      "Team X",
		LeaderName:    "Alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.Run.BranchName != "TEAM_X_ALICE_AI_Fix" {
		t.Errorf("BranchName = %q", h.Run.BranchName)
	}
	if filepath.Base(h.Run.WorkDir) != "run-"+h.Run.RunID {
		t.Errorf("WorkDir = %q, want a run-%s directory", h.Run.WorkDir, h.Run.RunID)
	}
	waitDone(t, h)
}

func TestNodeVerifyOnlyPromotesFixesWhoseFailureIsGone(t *testing.T) {
	o := newTestOrchestrator(t, []string{
		"sh", "-c",
		"printf 'src/index.js\\n  12:1  warning  Missing semicolon  semi\\n' >&2; exit 1",
	})

	run := &Run{
		WorkDir:     t.TempDir(),
		MaxRetries:  5,
		FinalStatus: "",
		Fixes: []Fix{
			{
				Failure: failureparse.Failure{
					File:         "src/index.js",
					Line:         10,
					ErrorMessage: "ESLint error: 'foo' is defined but never used (no-unused-vars)",
				},
				Status: FixApplied,
			},
			{
				Failure: failureparse.Failure{
					File:         "src/index.js",
					Line:         12,
					ErrorMessage: "ESLint warning: Missing semicolon (semi)",
				},
				Status: FixApplied,
			},
		},
	}
	sink := eventsink.New()
	defer sink.Close()

	outcome := o.nodeVerify(context.Background(), run, sink)

	if run.Fixes[0].Status != FixFixed {
		t.Errorf("Fixes[0].Status = %q, want fixed (its failure no longer appears)", run.Fixes[0].Status)
	}
	if run.Fixes[1].Status != FixApplied {
		t.Errorf("Fixes[1].Status = %q, want applied (its failure still appears)", run.Fixes[1].Status)
	}
	if outcome != OutcomeRetry {
		t.Errorf("outcome = %v, want OutcomeRetry (exit 1, under MaxRetries)", outcome)
	}
}

func TestNodeGenerateFixInterleavesReasonerCallsWithDelay(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.Cfg.ReasonerDelay = 50 * time.Millisecond
	o.Reasoner = &fakeReasoner{reply: "UNFIXABLE"}

	run := &Run{
		WorkDir: t.TempDir(),
		Failures: []failureparse.Failure{
			{File: "a.py", Line: 1, ErrorMessage: "boom a"},
			{File: "b.py", Line: 2, ErrorMessage: "boom b"},
		},
	}
	sink := eventsink.New()
	defer sink.Close()

	start := time.Now()
	o.nodeGenerateFix(context.Background(), run, sink)
	elapsed := time.Since(start)

	if elapsed < o.Cfg.ReasonerDelay {
		t.Errorf("elapsed %v between 2 reasoner calls, want at least the configured delay %v", elapsed, o.Cfg.ReasonerDelay)
	}
}

func TestNodeGenerateFixSetsErrorStatusOnReasonerFailure(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	o.Reasoner = &fakeReasoner{err: errors.New("reasoner unreachable")}

	run := &Run{
		WorkDir:  t.TempDir(),
		Failures: []failureparse.Failure{{File: "a.py", Line: 1, ErrorMessage: "boom"}},
	}
	sink := eventsink.New()
	defer sink.Close()

	o.nodeGenerateFix(context.Background(), run, sink)

	if len(run.Fixes) != 1 || run.Fixes[0].Status != FixError {
		t.Fatalf("Fixes = %+v, want a single FixError entry", run.Fixes)
	}
}

func TestNodeGenerateFixPropagatesReasonerSummary(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	reply := "SUMMARY:\n" +
		"LOGIC error in a.py line 1 -> Fix: correct the comparison\n\n" +
		"PATCH:\n```diff\n--- a/a.py\n+++ b/a.py\n@@ -1 +1 @@\n-x\n+y\n```\n\n" +
		"CONFIDENCE: 0.9\n\n" +
		"ROOT_CAUSE: off-by-one"
	o.Reasoner = &fakeReasoner{reply: reply}

	run := &Run{
		WorkDir:  t.TempDir(),
		Failures: []failureparse.Failure{{File: "a.py", Line: 1, ErrorMessage: "boom"}},
	}
	sink := eventsink.New()
	defer sink.Close()

	o.nodeGenerateFix(context.Background(), run, sink)

	if len(run.Fixes) != 1 {
		t.Fatalf("got %d fixes, want 1", len(run.Fixes))
	}
	if run.Fixes[0].Status != FixGenerated {
		t.Errorf("Status = %q, want generated", run.Fixes[0].Status)
	}
	if run.Fixes[0].Summary != "LOGIC error in a.py line 1 -> Fix: correct the comparison" {
		t.Errorf("Summary = %q", run.Fixes[0].Summary)
	}
}

var _ reasoner.Client = (*fakeReasoner)(nil)
