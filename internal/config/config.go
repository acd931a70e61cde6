// Package config loads process settings from the environment, with an
// optional YAML overlay file for values that are easier to manage as a
// checked-in document than as env vars (framework-to-image mappings,
// retry tuning).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds every knob the healer process needs at startup.
type Settings struct {
	Addr string

	GitHubAppID         int64
	GitHubAppSlug       string
	GitHubPrivateKeyPEM string
	GitHubWebhookSecret string
	GitHubFallbackToken string

	WorkspaceRoot string
	ResultsDir    string

	MaxRetries       int
	ReasonerDelay    time.Duration
	SandboxImages    map[string]string `yaml:"sandbox_images"`
	DockerEnabled    bool

	ReasonerEndpoint string
	ReasonerAPIKey   string
	ReasonerModel    string
}

const (
	defaultMaxRetries    = 5
	defaultReasonerDelay = 13 * time.Second
)

// overlay is the shape of the optional YAML file pointed to by
// HEALER_CONFIG_FILE. Only fields that are awkward as env vars live
// here.
type overlay struct {
	SandboxImages map[string]string `yaml:"sandbox_images"`
	MaxRetries    int               `yaml:"max_retries"`
}

// Load reads Settings from the environment, applying an optional YAML
// overlay named by HEALER_CONFIG_FILE if present.
func Load() (Settings, error) {
	s := Settings{
		Addr:             env("HEALER_ADDR", ":8088"),
		GitHubAppSlug:    env("GITHUB_APP_SLUG", ""),
		GitHubPrivateKeyPEM: env("GITHUB_APP_PRIVATE_KEY_PEM", ""),
		GitHubWebhookSecret: env("GITHUB_APP_WEBHOOK_SECRET", ""),
		GitHubFallbackToken: env("GITHUB_FALLBACK_TOKEN", ""),
		WorkspaceRoot:    env("HEALER_WORKSPACE_ROOT", "/tmp/healer-workspace"),
		ResultsDir:       env("HEALER_RESULTS_DIR", "/tmp/healer-results"),
		MaxRetries:       defaultMaxRetries,
		ReasonerDelay:    defaultReasonerDelay,
		DockerEnabled:    envBool("HEALER_DOCKER_ENABLED", true),
		SandboxImages:    defaultSandboxImages(),
		ReasonerEndpoint: env("HEALER_REASONER_ENDPOINT", ""),
		ReasonerAPIKey:   env("HEALER_REASONER_API_KEY", ""),
		ReasonerModel:    env("HEALER_REASONER_MODEL", ""),
	}

	if v := strings.TrimSpace(env("GITHUB_APP_ID", "")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Settings{}, fmt.Errorf("parsing GITHUB_APP_ID: %w", err)
		}
		s.GitHubAppID = n
	}
	if s.GitHubPrivateKeyPEM == "" {
		if path := strings.TrimSpace(env("GITHUB_APP_PRIVATE_KEY_PATH", "")); path != "" {
			b, err := os.ReadFile(path)
			if err != nil {
				return Settings{}, fmt.Errorf("reading GITHUB_APP_PRIVATE_KEY_PATH: %w", err)
			}
			s.GitHubPrivateKeyPEM = string(b)
		}
	}
	if v := strings.TrimSpace(env("HEALER_MAX_RETRIES", "")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, fmt.Errorf("parsing HEALER_MAX_RETRIES: %w", err)
		}
		s.MaxRetries = n
	}

	if path := strings.TrimSpace(env("HEALER_CONFIG_FILE", "")); path != "" {
		if err := applyOverlay(&s, path); err != nil {
			return Settings{}, err
		}
	}

	if s.GitHubAppID == 0 && s.GitHubFallbackToken == "" {
		return Settings{}, fmt.Errorf("config: need GITHUB_APP_ID+GITHUB_APP_PRIVATE_KEY_PEM or GITHUB_FALLBACK_TOKEN")
	}

	return s, nil
}

func applyOverlay(s *Settings, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config overlay %s: %w", path, err)
	}
	var ov overlay
	if err := yaml.Unmarshal(b, &ov); err != nil {
		return fmt.Errorf("parsing config overlay %s: %w", path, err)
	}
	for framework, image := range ov.SandboxImages {
		s.SandboxImages[framework] = image
	}
	if ov.MaxRetries > 0 {
		s.MaxRetries = ov.MaxRetries
	}
	return nil
}

func defaultSandboxImages() map[string]string {
	return map[string]string{
		"jest":    "node:20-bullseye",
		"vitest":  "node:20-bullseye",
		"mocha":   "node:20-bullseye",
		"pytest":  "python:3.12-slim",
		"go_test": "golang:1.22-bullseye",
		"default": "node:20-bullseye",
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
