package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HEALER_ADDR", "GITHUB_APP_ID", "GITHUB_APP_SLUG",
		"GITHUB_APP_PRIVATE_KEY_PEM", "GITHUB_APP_PRIVATE_KEY_PATH",
		"GITHUB_APP_WEBHOOK_SECRET", "GITHUB_FALLBACK_TOKEN",
		"HEALER_WORKSPACE_ROOT", "HEALER_RESULTS_DIR",
		"HEALER_MAX_RETRIES", "HEALER_CONFIG_FILE", "HEALER_DOCKER_ENABLED",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadFailsWithoutAnyCredential(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when neither GitHub App nor fallback token is configured")
	}
}

func TestLoadFallbackTokenOnly(t *testing.T) {
	clearEnv(t)
	os.Setenv("GITHUB_FALLBACK_TOKEN", "ghp_test")
	defer os.Unsetenv("GITHUB_FALLBACK_TOKEN")

	s, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", s.MaxRetries, defaultMaxRetries)
	}
	if s.SandboxImages["pytest"] == "" {
		t.Error("expected default sandbox image for pytest")
	}
}

func TestLoadOverlayMergesSandboxImages(t *testing.T) {
	clearEnv(t)
	os.Setenv("GITHUB_FALLBACK_TOKEN", "ghp_test")
	defer os.Unsetenv("GITHUB_FALLBACK_TOKEN")

	dir := t.TempDir()
	path := filepath.Join(dir, "healer.yaml")
	if err := os.WriteFile(path, []byte("sandbox_images:\n  pytest: custom/pytest:latest\nmax_retries: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Setenv("HEALER_CONFIG_FILE", path)
	defer os.Unsetenv("HEALER_CONFIG_FILE")

	s, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.SandboxImages["pytest"] != "custom/pytest:latest" {
		t.Errorf("pytest image = %q, want overlay value", s.SandboxImages["pytest"])
	}
	if s.SandboxImages["jest"] == "" {
		t.Error("overlay merge should keep defaults for keys it doesn't override")
	}
	if s.MaxRetries != 8 {
		t.Errorf("MaxRetries = %d, want 8 from overlay", s.MaxRetries)
	}
}

func TestLoadRejectsBadAppID(t *testing.T) {
	clearEnv(t)
	os.Setenv("GITHUB_APP_ID", "not-a-number")
	defer os.Unsetenv("GITHUB_APP_ID")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric GITHUB_APP_ID")
	}
}
