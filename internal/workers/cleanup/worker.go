// Package cleanup implements the repository-cleanup pipeline flavor
// (spec §1, supplemented in SPEC_FULL §12): the pack's example of a
// handler with no Git intent at all — it removes stale scratch
// artifacts under a repository and reports what it removed, entirely
// inline with no branch/commit/PR steps.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/integritystudio/scanforge/internal/engine"
)

const jobType = "cleanup"

var defaultStalePatterns = []string{".tmp", ".bak", ".orig"}

type cleanupRequest struct {
	RepositoryPath string   `json:"repositoryPath"`
	MaxAgeHours    int      `json:"maxAgeHours,omitempty"`
	Patterns       []string `json:"patterns,omitempty"`
	DryRun         bool     `json:"dryRun,omitempty"`
}

// Result reports what the cleanup pass found and, unless DryRun, removed.
type Result struct {
	RepositoryPath string   `json:"repositoryPath"`
	Removed        []string `json:"removed"`
	DryRun         bool     `json:"dryRun"`
}

// Worker implements engine.JobHandler only — no optional hooks, the
// simplest shape in the pack.
type Worker struct{}

func New() *Worker { return &Worker{} }

func (w *Worker) Type() string { return jobType }

func (w *Worker) Run(ctx context.Context, job engine.Snapshot) (any, error) {
	var req cleanupRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return nil, &engine.HandlerError{Cause: fmt.Errorf("decode cleanup request: %w", err), Code: "invalid_input", Classification: engine.ClassPermanent}
	}
	if strings.TrimSpace(req.RepositoryPath) == "" {
		return nil, &engine.HandlerError{Cause: fmt.Errorf("repositoryPath is required"), Code: "invalid_input", Classification: engine.ClassPermanent}
	}
	patterns := req.Patterns
	if len(patterns) == 0 {
		patterns = defaultStalePatterns
	}
	maxAge := time.Duration(req.MaxAgeHours) * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge)

	var removed []string
	err := filepath.WalkDir(req.RepositoryPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchesAny(path, patterns) {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil || info.ModTime().After(cutoff) {
			return nil
		}
		removed = append(removed, path)
		if !req.DryRun {
			if rmErr := os.Remove(path); rmErr != nil {
				return rmErr
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, &engine.HandlerError{Cause: ctx.Err(), Code: "cleanup_cancelled", Classification: engine.ClassCancelled}
		}
		return nil, &engine.HandlerError{Cause: fmt.Errorf("cleanup walk: %w", err), Code: "cleanup_failed", Classification: engine.ClassTransient}
	}

	return Result{RepositoryPath: req.RepositoryPath, Removed: removed, DryRun: req.DryRun}, nil
}

func matchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}
