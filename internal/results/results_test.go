package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestCalculateScoreBaseCase(t *testing.T) {
	s := CalculateScore(120, 5)
	if s.Base != 100 || s.SpeedBonus != 10 || s.EfficiencyPenalty != 0 || s.Final != 110 {
		t.Errorf("got %+v", s)
	}
}

func TestCalculateScoreNoSpeedBonusAtOrOverThreshold(t *testing.T) {
	s := CalculateScore(300, 0)
	if s.SpeedBonus != 0 {
		t.Errorf("SpeedBonus = %d, want 0 at exactly 300s", s.SpeedBonus)
	}
}

func TestCalculateScorePenalizesExtraCommits(t *testing.T) {
	s := CalculateScore(500, 25)
	if s.EfficiencyPenalty != 10 {
		t.Errorf("EfficiencyPenalty = %d, want 10", s.EfficiencyPenalty)
	}
	if s.Final != 90 {
		t.Errorf("Final = %d, want 90", s.Final)
	}
}

func TestCalculateScoreFloorsAtZero(t *testing.T) {
	s := CalculateScore(500, 100)
	if s.Final != 0 {
		t.Errorf("Final = %d, want 0", s.Final)
	}
}

func TestFormatDurationSecondsOnly(t *testing.T) {
	if got := FormatDuration(45); got != "45s" {
		t.Errorf("got %q", got)
	}
}

func TestFormatDurationMinutesAndSeconds(t *testing.T) {
	if got := FormatDuration(165); got != "2m 45s" {
		t.Errorf("got %q", got)
	}
}

func TestFormatDurationHoursMinutesSeconds(t *testing.T) {
	if got := FormatDuration(3725); got != "1h 2m 5s" {
		t.Errorf("got %q", got)
	}
}

func TestBuildComputesTotalFixesAndScore(t *testing.T) {
	doc := Build(BuildParams{
		Repository:       "acme/widgets",
		TeamName:         "Team X",
		LeaderName:       "Alice",
		BranchName:       "TEAMX_ALICE_AI_Fix",
		TotalFailures:    3,
		IterationsUsed:   1,
		MaxIterations:    5,
		FinalStatus:      "PASSED",
		TotalTimeSeconds: 120,
		TotalCommits:     2,
		AuthMethod:       "app",
		FilesTouched:     []string{"app.py"},
		Fixes: []FixRow{
			{File: "app.py", Kind: "SYNTAX", Line: 10, CommitMessage: "fix", Status: "fixed"},
		},
	})
	if doc.TotalFixes != 1 {
		t.Errorf("TotalFixes = %d, want 1", doc.TotalFixes)
	}
	if doc.Score.Final != 110 {
		t.Errorf("Score.Final = %d, want 110", doc.Score.Final)
	}
	if doc.TotalTime != "2m 0s" {
		t.Errorf("TotalTime = %q", doc.TotalTime)
	}
}

func TestSaveWritesPrimaryAndDuplicate(t *testing.T) {
	resultsDir := t.TempDir()
	repoDir := t.TempDir()

	doc := Build(BuildParams{Repository: "acme/widgets", FinalStatus: "PASSED"})
	primary, err := Save(doc, resultsDir, "run-1", repoDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(primary); err != nil {
		t.Errorf("primary results.json missing: %v", err)
	}
	dup := filepath.Join(repoDir, "results.json")
	if _, err := os.Stat(dup); err != nil {
		t.Errorf("duplicate results.json missing: %v", err)
	}

	var roundTripped Document
	b, err := os.ReadFile(primary)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &roundTripped); err != nil {
		t.Fatal(err)
	}
	if roundTripped.Repository != "acme/widgets" {
		t.Errorf("Repository = %q", roundTripped.Repository)
	}
}

func TestSavePopulatesMsgpackCache(t *testing.T) {
	resultsDir := t.TempDir()
	doc := Build(BuildParams{Repository: "acme/widgets", FinalStatus: "PASSED"})
	if _, err := Save(doc, resultsDir, "run-cache", ""); err != nil {
		t.Fatal(err)
	}
	cached, ok := Cached("run-cache")
	if !ok {
		t.Fatal("expected a cached document after Save")
	}
	if cached.Repository != "acme/widgets" {
		t.Errorf("Repository = %q", cached.Repository)
	}
}

func TestCachedMissReturnsFalse(t *testing.T) {
	if _, ok := Cached("never-saved"); ok {
		t.Error("expected miss for unknown run ID")
	}
}

func TestSaveSkipsDuplicateWhenRepoPathMissing(t *testing.T) {
	resultsDir := t.TempDir()
	doc := Build(BuildParams{Repository: "acme/widgets"})
	if _, err := Save(doc, resultsDir, "run-2", filepath.Join(resultsDir, "does-not-exist")); err != nil {
		t.Fatal(err)
	}
}
