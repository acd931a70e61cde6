// Package results builds and persists the results.json artifact that
// closes out a run: score, totals, per-fix rows, and timeline.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/neverdown-ai/healer/internal/logx"
)

var log = logx.New("results")

// history caches the most recently built Document per run, encoded
// with msgpack rather than kept as a live struct: the cache exists so
// a status endpoint can serve a recent result without re-reading
// results.json from disk, not to support arbitrary Go-value aliasing.
var history = struct {
	mu    sync.Mutex
	byRun map[string][]byte
}{byRun: make(map[string][]byte)}

// Cache msgpack-encodes doc and stores it under runID for later
// retrieval via Cached.
func Cache(runID string, doc Document) error {
	body, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("results: encoding snapshot: %w", err)
	}
	history.mu.Lock()
	history.byRun[runID] = body
	history.mu.Unlock()
	return nil
}

// Cached returns the most recently Cached Document for runID, if any.
func Cached(runID string) (Document, bool) {
	history.mu.Lock()
	body, ok := history.byRun[runID]
	history.mu.Unlock()
	if !ok {
		return Document{}, false
	}
	var doc Document
	if err := msgpack.Unmarshal(body, &doc); err != nil {
		return Document{}, false
	}
	return doc, true
}

// Score is the point breakdown for a run.
type Score struct {
	Base              int `json:"base"`
	SpeedBonus        int `json:"speed_bonus"`
	EfficiencyPenalty int `json:"efficiency_penalty"`
	TotalCommits      int `json:"total_commits"`
	Final             int `json:"final"`
}

// CalculateScore implements the scoring rules: base 100, +10 if the
// run finished in under five minutes, -2 per commit beyond 20,
// floored at 0.
func CalculateScore(totalTimeSeconds float64, totalCommits int) Score {
	base := 100
	speedBonus := 0
	if totalTimeSeconds < 300 {
		speedBonus = 10
	}
	extraCommits := totalCommits - 20
	if extraCommits < 0 {
		extraCommits = 0
	}
	efficiencyPenalty := extraCommits * 2
	final := base + speedBonus - efficiencyPenalty
	if final < 0 {
		final = 0
	}
	return Score{
		Base:              base,
		SpeedBonus:        speedBonus,
		EfficiencyPenalty: efficiencyPenalty,
		TotalCommits:      totalCommits,
		Final:             final,
	}
}

// FixRow is a single Fix's row in the results document.
type FixRow struct {
	File          string `json:"file"`
	Kind          string `json:"kind"`
	Line          int    `json:"line"`
	Summary       string `json:"summary"`
	CommitMessage string `json:"commit_message"`
	Status        string `json:"status"`
}

// Document is the complete results.json payload.
type Document struct {
	Repository       string    `json:"repository"`
	TeamName         string    `json:"team_name"`
	LeaderName       string    `json:"leader_name"`
	BranchName       string    `json:"branch_name"`
	TotalFailures    int       `json:"total_failures"`
	TotalFixes       int       `json:"total_fixes"`
	IterationsUsed   int       `json:"iterations_used"`
	MaxIterations    int       `json:"max_iterations"`
	FinalStatus      string    `json:"final_status"`
	TotalTime        string    `json:"total_time"`
	TotalTimeSeconds float64   `json:"total_time_seconds"`
	AuthMethod       string    `json:"auth_method"`
	FilesTouched     []string  `json:"files_touched"`
	Score            Score     `json:"score"`
	Fixes            []FixRow  `json:"fixes"`
	Timeline         []any     `json:"timeline"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// BuildParams carries everything needed to assemble a Document.
type BuildParams struct {
	Repository       string
	TeamName         string
	LeaderName       string
	BranchName       string
	TotalFailures    int
	IterationsUsed   int
	MaxIterations    int
	FinalStatus      string
	TotalTimeSeconds float64
	TotalCommits     int
	AuthMethod       string
	FilesTouched     []string
	Fixes            []FixRow
	Timeline         []any
}

// Build assembles a results Document from params.
func Build(p BuildParams) Document {
	return Document{
		Repository:       p.Repository,
		TeamName:         p.TeamName,
		LeaderName:       p.LeaderName,
		BranchName:       p.BranchName,
		TotalFailures:    p.TotalFailures,
		TotalFixes:       len(p.Fixes),
		IterationsUsed:   p.IterationsUsed,
		MaxIterations:    p.MaxIterations,
		FinalStatus:      p.FinalStatus,
		TotalTime:        FormatDuration(p.TotalTimeSeconds),
		TotalTimeSeconds: round2(p.TotalTimeSeconds),
		AuthMethod:       p.AuthMethod,
		FilesTouched:     p.FilesTouched,
		Score:            CalculateScore(p.TotalTimeSeconds, p.TotalCommits),
		Fixes:            p.Fixes,
		Timeline:         p.Timeline,
		GeneratedAt:      time.Now().UTC(),
	}
}

// FormatDuration renders seconds as "Ns", "Mm Ns", or "Hh Mm Ns",
// matching the prototype's _format_duration_human shape exactly.
// It is formatted locally; go-humanize is not involved (it is used
// only for the size and count in Save's log line).
func FormatDuration(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// Save writes doc as pretty-printed JSON to
// <resultsDir>/<runID>/results.json, and duplicates it at
// <repoPath>/results.json when repoPath is non-empty and still
// exists on disk. It returns the path written under resultsDir.
func Save(doc Document, resultsDir, runID, repoPath string) (string, error) {
	dir := filepath.Join(resultsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("results: creating %s: %w", dir, err)
	}
	primary := filepath.Join(dir, "results.json")
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("results: marshaling: %w", err)
	}
	if err := os.WriteFile(primary, body, 0o644); err != nil {
		return "", fmt.Errorf("results: writing %s: %w", primary, err)
	}

	if repoPath != "" {
		if _, err := os.Stat(repoPath); err == nil {
			dup := filepath.Join(repoPath, "results.json")
			_ = os.WriteFile(dup, body, 0o644)
		}
	}

	if err := Cache(runID, doc); err != nil {
		log.Printf("snapshot cache: %v", err)
	}

	log.Printf("wrote %s (%s, touching %s files)", primary, humanize.Bytes(uint64(len(body))), humanize.Comma(int64(len(doc.FilesTouched))))
	return primary, nil
}
