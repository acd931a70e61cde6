// Package orchestrator is the pipeline state machine gluing the Git
// Driver, Framework Probe, Sandbox Runner, Reasoner Adapter, and Patch
// Applier together, with iteration control and event emission. The
// Credential Broker and Event Sink are explicit constructor
// dependencies rather than global singletons, so parallel runs never
// share anything beyond the Broker's own internally-synchronized
// caches.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/neverdown-ai/healer/internal/classifier"
	"github.com/neverdown-ai/healer/internal/config"
	"github.com/neverdown-ai/healer/internal/credentials"
	"github.com/neverdown-ai/healer/internal/eventsink"
	"github.com/neverdown-ai/healer/internal/failureparse"
	"github.com/neverdown-ai/healer/internal/gitdriver"
	"github.com/neverdown-ai/healer/internal/logx"
	"github.com/neverdown-ai/healer/internal/patcher"
	"github.com/neverdown-ai/healer/internal/probe"
	"github.com/neverdown-ai/healer/internal/reasoner"
	"github.com/neverdown-ai/healer/internal/results"
	"github.com/neverdown-ai/healer/internal/sandbox"
)

// Orchestrator holds every collaborator a Run needs. There is exactly
// one per process; every method that mutates run state takes the Run
// it operates on explicitly.
type Orchestrator struct {
	Broker   *credentials.Broker
	Git      gitDriver
	Probe    probeClient
	Sandbox  *sandbox.Runner
	Reasoner reasoner.Client
	Cfg      config.Settings

	log *log.Logger
}

// gitDriver narrows internal/gitdriver's package functions to the
// subset the orchestrator calls, so tests can substitute a fake.
type gitDriver interface {
	Clone(ctx context.Context, repoURL, destDir, branch, token string, depth int) error
	CheckoutBranch(ctx context.Context, dir, branch string) error
	CreateBranchAt(ctx context.Context, dir, branch, baseSHA string) error
	HeadSHA(ctx context.Context, dir string) (string, error)
	AddAll(ctx context.Context, dir string) error
	CommitAllowEmpty(ctx context.Context, dir, message string) (string, error)
	PushBranch(ctx context.Context, dir, remoteURL, branch, token string) error
	DiffNameOnly(ctx context.Context, dir, baseRef string) ([]string, error)
}

// probeClient narrows internal/probe's package functions similarly.
type probeClient interface {
	DetectFramework(repoPath string) string
	DiscoverTests(repoPath, framework string) ([]string, error)
	TestCommand(framework, repoPath string) []string
}

// defaultGit and defaultProbe adapt the real packages (whose
// operations are plain functions, not methods on a type) to the
// gitDriver/probeClient interfaces above.
type defaultGit struct{}

func (defaultGit) Clone(ctx context.Context, repoURL, destDir, branch, token string, depth int) error {
	return gitdriver.Clone(ctx, repoURL, destDir, branch, token, depth)
}
func (defaultGit) CheckoutBranch(ctx context.Context, dir, branch string) error {
	return gitdriver.CheckoutBranch(ctx, dir, branch)
}
func (defaultGit) CreateBranchAt(ctx context.Context, dir, branch, baseSHA string) error {
	return gitdriver.CreateBranchAt(ctx, dir, branch, baseSHA)
}
func (defaultGit) HeadSHA(ctx context.Context, dir string) (string, error) {
	return gitdriver.HeadSHA(ctx, dir)
}
func (defaultGit) AddAll(ctx context.Context, dir string) error { return gitdriver.AddAll(ctx, dir) }
func (defaultGit) CommitAllowEmpty(ctx context.Context, dir, message string) (string, error) {
	return gitdriver.CommitAllowEmpty(ctx, dir, message)
}
func (defaultGit) PushBranch(ctx context.Context, dir, remoteURL, branch, token string) error {
	return gitdriver.PushBranch(ctx, dir, remoteURL, branch, token)
}
func (defaultGit) DiffNameOnly(ctx context.Context, dir, baseRef string) ([]string, error) {
	return gitdriver.DiffNameOnly(ctx, dir, baseRef)
}

type defaultProbe struct{}

func (defaultProbe) DetectFramework(repoPath string) string { return probe.DetectFramework(repoPath) }
func (defaultProbe) DiscoverTests(repoPath, framework string) ([]string, error) {
	return probe.DiscoverTests(repoPath, framework)
}
func (defaultProbe) TestCommand(framework, repoPath string) []string {
	return probe.TestCommand(framework, repoPath)
}

// New constructs an Orchestrator from its explicit dependencies. broker
// and sandboxRunner may be nil only in tests that never reach the
// phases needing them.
func New(broker *credentials.Broker, sandboxRunner *sandbox.Runner, reasonerClient reasoner.Client, cfg config.Settings) *Orchestrator {
	return &Orchestrator{
		Broker:   broker,
		Git:      defaultGit{},
		Probe:    defaultProbe{},
		Sandbox:  sandboxRunner,
		Reasoner: reasonerClient,
		Cfg:      cfg,
		log:      logx.New("orchestrator"),
	}
}

// Handle bundles a started Run with the Event Sink for observers and a
// channel closed when the run finishes.
type Handle struct {
	Run  *Run
	Sink *eventsink.Broadcaster
	done chan struct{}
}

// Done returns a channel closed once the run reaches PhaseEnd.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start creates a new Run, its own per-run Event Sink, and advances it
// to completion on a background goroutine. The returned Handle is
// usable immediately; its Run fields are safe to read only after Done
// fires, except RunID/BranchName/WorkDir which are fixed at creation.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Handle, error) {
	runID := ulid.Make().String()
	branch := branchName(req.TeamName, req.LeaderName)
	workDir := filepath.Join(o.Cfg.WorkspaceRoot, "run-"+runID)

	run := &Run{
		RunID:      runID,
		Repository: req.RepositoryURL,
		TeamName:   req.TeamName,
		LeaderName: req.LeaderName,
		BranchName: branch,
		WorkDir:    workDir,
		Phase:      PhaseStart,
		MaxRetries: o.Cfg.MaxRetries,
		StartedAt:  time.Now(),
	}
	if run.MaxRetries <= 0 {
		run.MaxRetries = 5
	}

	sink := eventsink.New()
	h := &Handle{Run: run, Sink: sink, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer sink.Close()
		o.runLoop(ctx, run, sink)
	}()

	return h, nil
}

func (o *Orchestrator) runLoop(ctx context.Context, run *Run, sink *eventsink.Broadcaster) {
	for run.Phase != PhaseEnd {
		select {
		case <-ctx.Done():
			run.FinalStatus = "FAILED"
			run.Error = ctx.Err()
			run.Phase = PhaseEnd
			sink.Emit(eventsink.TypeError, map[string]any{"error": ctx.Err().Error()})
			return
		default:
		}

		sink.Emit(eventsink.TypeStepUpdate, map[string]any{"phase": string(run.Phase)})
		o.log.Printf("run %s: entering %s", run.RunID, run.Phase)
		outcome := o.execPhase(ctx, run, sink)
		run.Outcome = outcome
		if outcome == OutcomeFatal {
			run.FinalStatus = "FAILED"
			run.Phase = PhaseEnd
			o.log.Printf("run %s: fatal in %s: %v", run.RunID, run.Phase, run.Error)
			sink.Emit(eventsink.TypeError, map[string]any{"error": errString(run.Error)})
			return
		}
		run.Phase = nextPhase(run.Phase, outcome)
	}
	run.FinishedAt = time.Now()
	o.log.Printf("run %s: finished with status %s", run.RunID, run.FinalStatus)
	sink.Emit(eventsink.TypeResult, map[string]any{"final_status": run.FinalStatus})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// execPhase runs the work for run.Phase and returns the Outcome that
// drives the next transition. Every case is exhaustive: an unknown
// phase is treated as fatal rather than silently no-opping.
func (o *Orchestrator) execPhase(ctx context.Context, run *Run, sink *eventsink.Broadcaster) Outcome {
	switch run.Phase {
	case PhaseStart:
		return OutcomeContinue
	case PhaseCloning:
		return o.nodeClone(ctx, run)
	case PhaseDetectFramework:
		return o.nodeDetectFramework(ctx, run)
	case PhaseInstallDeps:
		return o.nodeInstallDeps(ctx, run)
	case PhaseRunTests:
		return o.nodeRunTests(ctx, run)
	case PhaseAnalyzeFailures:
		return o.nodeAnalyzeFailures(ctx, run, sink)
	case PhaseGenerateFix:
		return o.nodeGenerateFix(ctx, run, sink)
	case PhaseApplyFix:
		return o.nodeApplyFix(ctx, run, sink)
	case PhaseVerify:
		return o.nodeVerify(ctx, run, sink)
	case PhasePublish:
		return o.nodePublish(ctx, run)
	case PhaseGenerateResults:
		return o.nodeGenerateResults(ctx, run, sink)
	default:
		run.Error = fmt.Errorf("orchestrator: unknown phase %q", run.Phase)
		return OutcomeFatal
	}
}

func (o *Orchestrator) nodeClone(ctx context.Context, run *Run) Outcome {
	owner, repo, ok := gitdriver.ParseOwnerRepo(run.Repository)
	if !ok {
		run.Error = fmt.Errorf("%w: unparseable repository URL %q", ErrClone, run.Repository)
		return OutcomeFatal
	}

	token, authMethod, err := o.Broker.GetTokenForRepo(ctx, owner, repo)
	if err != nil {
		run.Error = fmt.Errorf("%w: %v", ErrCredential, err)
		return OutcomeFatal
	}
	run.AuthMethod = authMethod

	cloneCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(run.WorkDir), 0o755); err != nil {
		run.Error = fmt.Errorf("%w: %v", ErrClone, err)
		return OutcomeFatal
	}
	if err := o.Git.Clone(cloneCtx, run.Repository, run.WorkDir, "", token, 0); err != nil {
		run.Error = fmt.Errorf("%w: %v", ErrClone, err)
		return OutcomeFatal
	}

	headSHA, err := o.Git.HeadSHA(cloneCtx, run.WorkDir)
	if err != nil {
		run.Error = fmt.Errorf("%w: %v", ErrClone, err)
		return OutcomeFatal
	}
	if err := o.Git.CreateBranchAt(cloneCtx, run.WorkDir, run.BranchName, headSHA); err != nil {
		run.Error = fmt.Errorf("%w: %v", ErrClone, err)
		return OutcomeFatal
	}
	if err := o.Git.CheckoutBranch(cloneCtx, run.WorkDir, run.BranchName); err != nil {
		run.Error = fmt.Errorf("%w: %v", ErrClone, err)
		return OutcomeFatal
	}
	return OutcomeContinue
}

func (o *Orchestrator) nodeDetectFramework(ctx context.Context, run *Run) Outcome {
	framework := o.Probe.DetectFramework(run.WorkDir)
	tests, err := o.Probe.DiscoverTests(run.WorkDir, framework)
	if err != nil || len(tests) == 0 {
		run.Error = fmt.Errorf("%w for %s", ErrFrameworkEmpty, run.Repository)
		return OutcomeFatal
	}
	run.Framework = framework
	return OutcomeContinue
}

func (o *Orchestrator) nodeInstallDeps(ctx context.Context, run *Run) Outcome {
	framework := run.Framework
	image := o.Cfg.SandboxImages[framework]
	if image == "" {
		image = o.Cfg.SandboxImages["default"]
	}

	installCmd := installCommand(framework)
	if len(installCmd) == 0 {
		return OutcomeContinue
	}
	if o.Sandbox == nil {
		return OutcomeContinue
	}
	// Install failures are non-fatal: the subsequent test run simply
	// reports whatever it can, which the Failure Parser turns into a
	// synthetic failure if nothing else is extractable.
	_, _ = o.Sandbox.Run(ctx, image, run.WorkDir, installCmd, 600*time.Second)
	return OutcomeContinue
}

func installCommand(framework string) []string {
	switch framework {
	case "jest", "mocha", "vitest":
		return []string{"npm", "install"}
	case "pytest", "unittest":
		return nil
	default:
		return nil
	}
}

func (o *Orchestrator) nodeRunTests(ctx context.Context, run *Run) Outcome {
	framework := run.Framework
	image := o.Cfg.SandboxImages[framework]
	if image == "" {
		image = o.Cfg.SandboxImages["default"]
	}
	cmd := o.Probe.TestCommand(framework, run.WorkDir)

	var res sandbox.Result
	var err error
	if o.Sandbox != nil {
		res, err = o.Sandbox.Run(ctx, image, run.WorkDir, cmd, 300*time.Second)
	}
	if err != nil {
		res = sandbox.Result{Combined: err.Error(), ExitCode: 1}
	}
	run.LastTest = res
	return OutcomeContinue
}

func (o *Orchestrator) nodeAnalyzeFailures(ctx context.Context, run *Run, sink *eventsink.Broadcaster) Outcome {
	res := run.LastTest
	if res.ExitCode == 0 {
		run.FinalStatus = "PASSED"
		return OutcomeAllPassed
	}

	reader := failureparse.FileReader(func(file string) ([]string, bool) {
		b, err := os.ReadFile(filepath.Join(run.WorkDir, file))
		if err != nil {
			return nil, false
		}
		return strings.Split(string(b), "\n"), true
	})
	failures := failureparse.Parse(res.Combined, run.WorkDir, res.ExitCode, reader)
	run.Failures = failures
	for _, f := range failures {
		sink.Emit(eventsink.TypeFailure, f)
	}
	return OutcomeContinue
}

// nodeGenerateFix asks the reasoner for one fix per failure. Consecutive
// requests within the same iteration are interleaved with Cfg.ReasonerDelay
// so a chatty failure set doesn't hammer the reasoning endpoint.
func (o *Orchestrator) nodeGenerateFix(ctx context.Context, run *Run, sink *eventsink.Broadcaster) Outcome {
	for i, f := range run.Failures {
		if i > 0 && o.Cfg.ReasonerDelay > 0 {
			select {
			case <-ctx.Done():
				run.Error = ctx.Err()
				return OutcomeFatal
			case <-time.After(o.Cfg.ReasonerDelay):
			}
		}

		prompt := reasoner.BuildPrompt(f, run.WorkDir)
		reply, err := o.Reasoner.Complete(ctx, reasoner.SystemPrompt(), prompt)
		fix := Fix{Failure: f, Status: FixPending}
		if err != nil {
			fix.Status = FixError
			fix.RootCause = err.Error()
			run.Fixes = append(run.Fixes, fix)
			continue
		}
		parsed := reasoner.ParseReply(reply)
		if err := reasoner.Validate(parsed); err != nil || parsed.Unfixable || parsed.Diff == "" {
			fix.Status = FixUnfixable
			fix.RootCause = parsed.RootCause
			fix.Summary = parsed.Summary
			run.Fixes = append(run.Fixes, fix)
			continue
		}
		fix.Diff = parsed.Diff
		fix.Confidence = parsed.Confidence
		fix.RootCause = parsed.RootCause
		fix.Summary = parsed.Summary
		fix.CommitMessage = perFixCommitMessage(f.BugType, f.File, f.Line)
		fix.Status = FixGenerated
		run.Fixes = append(run.Fixes, fix)
		sink.Emit(eventsink.TypeFix, fix)
	}
	return OutcomeContinue
}

func (o *Orchestrator) nodeApplyFix(ctx context.Context, run *Run, sink *eventsink.Broadcaster) Outcome {
	for i := range run.Fixes {
		fix := &run.Fixes[i]
		if fix.Status != FixGenerated {
			continue
		}
		strategy, err := patcher.Apply(ctx, run.WorkDir, fix.Diff, fix.Failure.File)
		if err != nil {
			fix.Status = FixApplyFailed
			continue
		}
		fix.Strategy = strategy
		fix.Status = FixApplied
		sink.Emit(eventsink.TypeFix, *fix)
	}
	return OutcomeContinue
}

// nodeVerify commits whatever was applied, re-runs the suite, and only
// then promotes a Fix from applied to fixed — and only the fixes whose
// own failure's dedup key no longer appears among the freshly re-parsed
// failures. CommitAllowEmpty succeeding says nothing about whether the
// patch actually resolved anything, so it can never by itself be the
// promotion signal.
func (o *Orchestrator) nodeVerify(ctx context.Context, run *Run, sink *eventsink.Broadcaster) Outcome {
	run.Iteration++

	if err := o.Git.AddAll(ctx, run.WorkDir); err == nil {
		var touched []string
		for i := range run.Fixes {
			if run.Fixes[i].Status == FixApplied {
				touched = append(touched, run.Fixes[i].Failure.File)
			}
		}
		if len(touched) > 0 {
			msg := commitMessage(len(touched), touched)
			_, _ = o.Git.CommitAllowEmpty(ctx, run.WorkDir, msg)
		}
	}

	_ = o.nodeRunTests(ctx, run)
	res := run.LastTest

	reader := failureparse.FileReader(func(file string) ([]string, bool) {
		b, err := os.ReadFile(filepath.Join(run.WorkDir, file))
		if err != nil {
			return nil, false
		}
		return strings.Split(string(b), "\n"), true
	})
	remaining := failureparse.Parse(res.Combined, run.WorkDir, res.ExitCode, reader)
	stillFailing := make(map[[16]byte]bool, len(remaining))
	for _, f := range remaining {
		stillFailing[f.DedupKey()] = true
	}

	for i := range run.Fixes {
		if run.Fixes[i].Status != FixApplied {
			continue
		}
		if !stillFailing[run.Fixes[i].Failure.DedupKey()] {
			run.Fixes[i].Status = FixFixed
			sink.Emit(eventsink.TypeFix, run.Fixes[i])
		}
	}

	anyFixed := false
	for _, f := range run.Fixes {
		if f.Status == FixFixed {
			anyFixed = true
			break
		}
	}

	if res.ExitCode == 0 {
		run.FinalStatus = "PASSED"
		return OutcomeAllPassed
	}
	if run.Iteration >= run.MaxRetries {
		if anyFixed {
			run.FinalStatus = "FAILED"
			return OutcomePublish
		}
		run.FinalStatus = "FAILED"
		return OutcomeFinish
	}

	run.Failures = remaining
	sink.Emit(eventsink.TypeIteration, map[string]any{"iteration": run.Iteration})
	return OutcomeRetry
}

func (o *Orchestrator) nodePublish(ctx context.Context, run *Run) Outcome {
	owner, repo, ok := gitdriver.ParseOwnerRepo(run.Repository)
	if !ok {
		run.Error = fmt.Errorf("%w: unparseable repository URL", ErrPublish)
		return OutcomeFatal
	}
	token, _, err := o.Broker.GetTokenForRepo(ctx, owner, repo)
	if err != nil {
		run.Error = fmt.Errorf("%w: %v", ErrPublish, err)
		return OutcomeFatal
	}
	pushCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := o.Git.PushBranch(pushCtx, run.WorkDir, run.Repository, run.BranchName, token); err != nil {
		run.Error = fmt.Errorf("%w: %v", ErrPublish, err)
		return OutcomeFatal
	}
	return OutcomeContinue
}

func (o *Orchestrator) nodeGenerateResults(ctx context.Context, run *Run, sink *eventsink.Broadcaster) Outcome {
	if run.FinalStatus == "" {
		run.FinalStatus = "FAILED"
	}
	var fixRows []results.FixRow
	for _, f := range run.Fixes {
		summary := f.Summary
		if summary == "" {
			desc := f.RootCause
			if desc == "" {
				desc = string(f.Status)
			}
			summary = classifier.FormatSummaryLine(f.Failure.BugType, f.Failure.File, f.Failure.Line, desc)
		}
		fixRows = append(fixRows, results.FixRow{
			File:          f.Failure.File,
			Kind:          string(f.Failure.BugType),
			Line:          f.Failure.Line,
			Summary:       summary,
			CommitMessage: f.CommitMessage,
			Status:        string(f.Status),
		})
	}

	var touched []string
	if files, err := o.Git.DiffNameOnly(ctx, run.WorkDir, "@{upstream}"); err == nil {
		touched = files
	}

	history := sink.History()
	timeline := make([]any, len(history))
	for i, ev := range history {
		timeline[i] = ev
	}

	wallTime := time.Since(run.StartedAt).Seconds()
	doc := results.Build(results.BuildParams{
		Repository:       run.Repository,
		TeamName:         run.TeamName,
		LeaderName:       run.LeaderName,
		BranchName:       run.BranchName,
		TotalFailures:    len(run.Failures),
		IterationsUsed:   run.Iteration,
		MaxIterations:    run.MaxRetries,
		FinalStatus:      run.FinalStatus,
		TotalTimeSeconds: wallTime,
		TotalCommits:     run.Iteration,
		AuthMethod:       run.AuthMethod,
		FilesTouched:     touched,
		Fixes:            fixRows,
		Timeline:         timeline,
	})

	path, err := results.Save(doc, o.Cfg.ResultsDir, run.RunID, run.WorkDir)
	if err == nil {
		run.ResultsPath = path
	}
	return OutcomeContinue
}
