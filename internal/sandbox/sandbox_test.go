package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunnerFallsBackToProcessWhenDockerUnavailable(t *testing.T) {
	r := &Runner{}
	if r.Available() {
		t.Fatal("zero-value Runner should report unavailable")
	}

	dir := t.TempDir()
	res, err := r.Run(context.Background(), "unused-image", dir, []string{"echo", "hello-from-sandbox"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Stdout, "hello-from-sandbox") {
		t.Errorf("Stdout = %q, want to contain hello-from-sandbox", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestRunnerCapturesNonZeroExit(t *testing.T) {
	r := &Runner{}
	dir := t.TempDir()
	res, err := r.Run(context.Background(), "unused-image", dir, []string{"sh", "-c", "echo boom >&2; exit 3"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "boom") {
		t.Errorf("Stderr = %q, want to contain boom", res.Stderr)
	}
}

func TestRunnerEmptyCommandErrors(t *testing.T) {
	r := &Runner{}
	if _, err := r.Run(context.Background(), "img", t.TempDir(), nil, time.Second); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestRunnerRespectsTimeout(t *testing.T) {
	r := &Runner{}
	dir := t.TempDir()
	_, err := r.Run(context.Background(), "img", dir, []string{"sleep", "5"}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
