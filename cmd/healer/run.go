package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/neverdown-ai/healer/internal/config"
	"github.com/neverdown-ai/healer/internal/orchestrator"
)

func runOnce(args []string) {
	var repo, team, leader string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--repo":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--repo requires a value")
				os.Exit(1)
			}
			repo = args[i]
		case "--team":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--team requires a value")
				os.Exit(1)
			}
			team = args[i]
		case "--leader":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--leader requires a value")
				os.Exit(1)
			}
			leader = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if repo == "" || team == "" || leader == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	o, _, err := buildOrchestrator(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	h, err := o.Start(ctx, orchestrator.Request{RepositoryURL: repo, TeamName: team, LeaderName: leader})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	<-h.Done()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(map[string]any{
		"run_id":       h.Run.RunID,
		"final_status": h.Run.FinalStatus,
		"branch_name":  h.Run.BranchName,
		"results_path": h.Run.ResultsPath,
	})

	if h.Run.FinalStatus != "PASSED" {
		os.Exit(1)
	}
}
