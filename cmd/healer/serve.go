package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/neverdown-ai/healer/internal/config"
	"github.com/neverdown-ai/healer/internal/credentials"
	"github.com/neverdown-ai/healer/internal/httpapi"
	"github.com/neverdown-ai/healer/internal/orchestrator"
	"github.com/neverdown-ai/healer/internal/reasoner"
	"github.com/neverdown-ai/healer/internal/sandbox"
)

func runServe(args []string) {
	addr := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}

	o, broker, err := buildOrchestrator(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	srv := httpapi.New(httpapi.Config{Addr: cfg.Addr}, o, broker)

	ctx, cleanup := signalCancelContext()
	defer cleanup()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildOrchestrator(cfg config.Settings) (*orchestrator.Orchestrator, *credentials.Broker, error) {
	broker, err := credentials.NewBroker(credentials.Config{
		AppID:         cfg.GitHubAppID,
		AppSlug:       cfg.GitHubAppSlug,
		PrivateKeyPEM: cfg.GitHubPrivateKeyPEM,
		FallbackToken: cfg.GitHubFallbackToken,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("constructing credential broker: %w", err)
	}

	var runner *sandbox.Runner
	if cfg.DockerEnabled {
		runner = sandbox.NewRunner(context.Background())
	} else {
		runner = &sandbox.Runner{}
	}

	var reasonerClient reasoner.Client
	if cfg.ReasonerEndpoint != "" {
		reasonerClient = reasoner.NewHTTPClient(cfg.ReasonerEndpoint, cfg.ReasonerAPIKey, cfg.ReasonerModel)
	} else {
		reasonerClient = unconfiguredReasoner{}
	}

	return orchestrator.New(broker, runner, reasonerClient, cfg), broker, nil
}

// unconfiguredReasoner lets the orchestrator run end-to-end (every
// failure is simply unfixable) when no reasoning-model endpoint has
// been configured, instead of panicking on a nil Client.
type unconfiguredReasoner struct{}

func (unconfiguredReasoner) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "UNFIXABLE", nil
}
