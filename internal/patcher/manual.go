// Package patcher applies a unified diff produced by the reasoner to
// a repository checkout, trying increasingly permissive strategies
// until one sticks: git apply --whitespace=fix, git apply --3way, and
// finally a manual hunk-splitting search-and-replace for diffs a
// strict git apply refuses but whose intent is still recoverable.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/neverdown-ai/healer/internal/gitdriver"
)

// ErrNoTargetFile is returned when neither the diff headers nor the
// caller-supplied target file resolve to an existing file in dir.
var ErrNoTargetFile = errors.New("patcher: could not determine target file")

// ErrNotApplied is returned when manual application made no change to
// the target file's contents.
var ErrNotApplied = errors.New("patcher: diff could not be applied")

var diffHeaderRe = regexp.MustCompile(`(?m)^(?:---|\+\+\+)\s+[ab]/(.+)$`)

var hunkSplitRe = regexp.MustCompile(`(?m)^@@[^@]*@@.*$`)

// Apply tries, in order: git apply --whitespace=fix, git apply
// --3way, then a manual hunk-splitting replace against targetFile (or
// the file named in the diff's own headers). It returns the name of
// the strategy that succeeded, or an error if all three failed.
func Apply(ctx context.Context, dir, diff, targetFile string) (string, error) {
	if err := gitdriver.ApplyWhitespaceFix(ctx, dir, diff); err == nil {
		return "whitespace-fix", nil
	}
	if err := gitdriver.Apply3Way(ctx, dir, diff); err == nil {
		return "3way", nil
	}
	if err := ApplyManual(diff, dir, targetFile); err != nil {
		return "", fmt.Errorf("patcher: all strategies failed, manual: %w", err)
	}
	return "manual", nil
}

// ApplyManual resolves the target file, splits the diff into hunks,
// and replaces each hunk's old block with its new block, first by
// exact substring match and then by a whitespace-tolerant sliding
// window over the file's lines.
func ApplyManual(diff, repoPath, targetFile string) error {
	resolved, err := resolveTargetFile(diff, repoPath, targetFile)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Errorf("patcher: reading target file: %w", err)
	}
	original := string(raw)
	content := original

	appliedAny := false
	for _, hunk := range splitHunks(diff) {
		oldBlock, newBlock := hunkBlocks(hunk)
		if oldBlock == "" && newBlock == "" {
			continue
		}
		updated, ok := applyHunk(content, oldBlock, newBlock)
		if !ok {
			continue
		}
		content = updated
		appliedAny = true
	}

	if !appliedAny || content == original {
		return ErrNotApplied
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func resolveTargetFile(diff, repoPath, targetFile string) (string, error) {
	if m := diffHeaderRe.FindStringSubmatch(diff); m != nil {
		candidate := repoPath + string(os.PathSeparator) + m[1]
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if targetFile != "" {
		candidate := repoPath + string(os.PathSeparator) + targetFile
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", ErrNoTargetFile
}

// splitHunks splits a unified diff body on "@@ ... @@" hunk headers.
// When the diff contains no such header, the whole diff is treated as
// a single hunk.
func splitHunks(diff string) []string {
	locs := hunkSplitRe.FindAllStringIndex(diff, -1)
	if len(locs) == 0 {
		return []string{diff}
	}
	var hunks []string
	for i, loc := range locs {
		end := len(diff)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		hunks = append(hunks, diff[loc[1]:end])
	}
	return hunks
}

// hunkBlocks interprets a single hunk's lines: "-"-prefixed (not
// "---") lines are old-only, "+"-prefixed (not "+++") lines are
// new-only, " "-prefixed lines belong to both, and any other
// non-metadata line is treated as context added to both blocks — a
// tolerance for LLM replies that drop the leading space on context
// lines. Leading and trailing newlines left over from splitting at the
// hunk header are not hunk lines and are dropped first.
func hunkBlocks(hunk string) (oldBlock, newBlock string) {
	var oldLines, newLines []string
	hunk = strings.Trim(hunk, "\n")
	for _, line := range strings.Split(hunk, "\n") {
		switch {
		case strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "\\") || strings.HasPrefix(line, "diff"):
			continue
		case strings.HasPrefix(line, "-"):
			oldLines = append(oldLines, line[1:])
		case strings.HasPrefix(line, "+"):
			newLines = append(newLines, line[1:])
		case strings.HasPrefix(line, " "):
			rest := line[1:]
			oldLines = append(oldLines, rest)
			newLines = append(newLines, rest)
		default:
			oldLines = append(oldLines, line)
			newLines = append(newLines, line)
		}
	}
	return strings.Join(oldLines, "\n"), strings.Join(newLines, "\n")
}

// applyHunk replaces the first occurrence of oldBlock in content with
// newBlock. It first tries an exact substring match, then falls back
// to a whitespace-tolerant sliding window that compares lines after
// trimming trailing whitespace; the matched lines are then replaced by
// newBlock's lines exactly as given.
func applyHunk(content, oldBlock, newBlock string) (string, bool) {
	if oldBlock == "" {
		return content, false
	}
	if strings.Contains(content, oldBlock) {
		return strings.Replace(content, oldBlock, newBlock, 1), true
	}

	contentLines := strings.Split(content, "\n")
	oldLines := strings.Split(oldBlock, "\n")
	newLines := strings.Split(newBlock, "\n")

	n := len(oldLines)
	if n == 0 || n > len(contentLines) {
		return content, false
	}

	for start := 0; start+n <= len(contentLines); start++ {
		matched := true
		for i := 0; i < n; i++ {
			if strings.TrimRight(contentLines[start+i], " \t\r") != strings.TrimRight(oldLines[i], " \t\r") {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		rebuilt := make([]string, 0, len(contentLines)-n+len(newLines))
		rebuilt = append(rebuilt, contentLines[:start]...)
		rebuilt = append(rebuilt, newLines...)
		rebuilt = append(rebuilt, contentLines[start+n:]...)
		return strings.Join(rebuilt, "\n"), true
	}
	return content, false
}
