package runregistry

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/neverdown-ai/healer/internal/config"
	"github.com/neverdown-ai/healer/internal/credentials"
	"github.com/neverdown-ai/healer/internal/orchestrator"
	"github.com/neverdown-ai/healer/internal/sandbox"
)

type fakeReasoner struct{}

func (fakeReasoner) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "UNFIXABLE", nil
}

type fakeGit struct{}

func (fakeGit) Clone(ctx context.Context, repoURL, destDir, branch, token string, depth int) error {
	return os.MkdirAll(destDir, 0o755)
}
func (fakeGit) CheckoutBranch(ctx context.Context, dir, branch string) error { return nil }
func (fakeGit) CreateBranchAt(ctx context.Context, dir, branch, baseSHA string) error {
	return nil
}
func (fakeGit) HeadSHA(ctx context.Context, dir string) (string, error) { return "deadbeef", nil }
func (fakeGit) AddAll(ctx context.Context, dir string) error            { return nil }
func (fakeGit) CommitAllowEmpty(ctx context.Context, dir, message string) (string, error) {
	return "deadbeef", nil
}
func (fakeGit) PushBranch(ctx context.Context, dir, remoteURL, branch, token string) error {
	return nil
}
func (fakeGit) DiffNameOnly(ctx context.Context, dir, baseRef string) ([]string, error) {
	return nil, nil
}

type fakeProbe struct{}

func (fakeProbe) DetectFramework(repoPath string) string { return "pytest" }
func (fakeProbe) DiscoverTests(repoPath, framework string) ([]string, error) {
	return []string{"test_app.py"}, nil
}
func (fakeProbe) TestCommand(framework, repoPath string) []string {
	return []string{"sh", "-c", "exit 0"}
}

func startRun(t *testing.T, runID string) (*orchestrator.Handle, context.CancelFunc) {
	t.Helper()
	broker, err := credentials.NewBroker(credentials.Config{FallbackToken: "ghp_test"})
	if err != nil {
		t.Fatal(err)
	}
	o := orchestrator.New(broker, &sandbox.Runner{}, fakeReasoner{}, config.Settings{
		WorkspaceRoot: t.TempDir(),
		ResultsDir:    t.TempDir(),
		MaxRetries:    1,
	})
	o.Git = fakeGit{}
	o.Probe = fakeProbe{}
	ctx, cancel := context.WithCancel(context.Background())
	h, err := o.Start(ctx, orchestrator.Request{
		RepositoryURL: "https://github.com/acme/widgets",
		TeamName:      "Team X",
		LeaderName:    "Alice",
	})
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	_ = runID
	return h, cancel
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	h, cancel := startRun(t, "run-1")
	defer cancel()

	e := &Entry{RunID: "run-1", Handle: h, Cancel: cancel, Started: time.Now()}
	if err := r.Register(e); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok := r.Get("run-1")
	if !ok {
		t.Fatal("expected to find run")
	}
	if got.RunID != "run-1" {
		t.Fatalf("RunID = %q", got.RunID)
	}
}

func TestDuplicateRegisterErrors(t *testing.T) {
	r := New()
	h, cancel := startRun(t, "run-1")
	defer cancel()

	e := &Entry{RunID: "run-1", Handle: h, Cancel: cancel}
	if err := r.Register(e); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(e); err == nil {
		t.Fatal("expected error on duplicate register")
	}
}

func TestGetNotFound(t *testing.T) {
	r := New()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Fatal("expected not found")
	}
}

func TestList(t *testing.T) {
	r := New()
	for _, id := range []string{"a", "b"} {
		h, cancel := startRun(t, id)
		defer cancel()
		if err := r.Register(&Entry{RunID: id, Handle: h, Cancel: cancel}); err != nil {
			t.Fatal(err)
		}
	}
	ids := r.List()
	if len(ids) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(ids))
	}
}

func TestCancelAllInvokesCancelOnUnfinishedRuns(t *testing.T) {
	r := New()
	canceled := make([]string, 0)
	var mu sync.Mutex

	for _, id := range []string{"a", "b", "c"} {
		localID := id
		h, cancel := startRun(t, id)
		wrapped := func() {
			mu.Lock()
			canceled = append(canceled, localID)
			mu.Unlock()
			cancel()
		}
		if err := r.Register(&Entry{RunID: id, Handle: h, Cancel: wrapped}); err != nil {
			t.Fatal(err)
		}
		defer cancel()
	}

	r.CancelAll()

	mu.Lock()
	defer mu.Unlock()
	if len(canceled) != 3 {
		t.Fatalf("expected 3 cancellations, got %d", len(canceled))
	}
}

func TestStatusReflectsDoneHandle(t *testing.T) {
	r := New()
	h, cancel := startRun(t, "run-done")
	defer cancel()

	e := &Entry{RunID: "run-done", Handle: h, Cancel: cancel}
	if err := r.Register(e); err != nil {
		t.Fatal(err)
	}

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish in time")
	}

	status := e.Status()
	if status.State == "running" {
		t.Fatalf("State = %q, want a terminal status", status.State)
	}
}
