// Package docgen implements the documentation-generation pipeline flavor
// (spec §1, supplemented in SPEC_FULL §12). It is the pack's example of
// a handler that opts into the Git side-effect protocol (spec §4.5.1):
// it writes a generated doc file, then lets the Job Runner commit and
// push the branch it already checked out.
package docgen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/integritystudio/scanforge/internal/engine"
)

const jobType = "docgen"

type docgenRequest struct {
	RepositoryPath string `json:"repositoryPath"`
	PackagePath    string `json:"packagePath,omitempty"`
	OutputFile     string `json:"outputFile,omitempty"`
}

// Result is the generated-docs summary returned as the job result.
type Result struct {
	RepositoryPath string   `json:"repositoryPath"`
	OutputFile     string   `json:"outputFile"`
	PackagesFound  []string `json:"packagesFound"`
}

// Worker implements engine.JobHandler plus the Git capability hooks: it
// always wants Git (WantsGit), and supplies the commit message / PR
// context the protocol asks for.
type Worker struct{}

func New() *Worker { return &Worker{} }

func (w *Worker) Type() string   { return jobType }
func (w *Worker) WantsGit() bool { return true }

func (w *Worker) GenerateCommitMessage(job engine.Snapshot) string {
	return fmt.Sprintf("docs: regenerate package index (job %s)", job.ID)
}

func (w *Worker) GeneratePRContext(job engine.Snapshot) (title, body string) {
	return fmt.Sprintf("docs: refresh generated index (%s)", job.ID),
		"Automated documentation refresh produced by the docgen pipeline worker."
}

func (w *Worker) Run(ctx context.Context, job engine.Snapshot) (any, error) {
	var req docgenRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return nil, &engine.HandlerError{Cause: fmt.Errorf("decode docgen request: %w", err), Code: "invalid_input", Classification: engine.ClassPermanent}
	}
	if strings.TrimSpace(req.RepositoryPath) == "" {
		return nil, &engine.HandlerError{Cause: fmt.Errorf("repositoryPath is required"), Code: "invalid_input", Classification: engine.ClassPermanent}
	}
	outputFile := req.OutputFile
	if outputFile == "" {
		outputFile = "docs/GENERATED_INDEX.md"
	}

	packages, err := discoverPackages(ctx, filepath.Join(req.RepositoryPath, req.PackagePath))
	if err != nil {
		return nil, &engine.HandlerError{Cause: err, Code: "docgen_walk_failed", Classification: engine.ClassTransient}
	}

	var sb strings.Builder
	sb.WriteString("# Generated Package Index\n\n")
	sb.WriteString(fmt.Sprintf("_Generated %s by job %s._\n\n", time.Now().UTC().Format(time.RFC3339), job.ID))
	for _, pkg := range packages {
		sb.WriteString(fmt.Sprintf("- %s\n", pkg))
	}

	fullPath := filepath.Join(req.RepositoryPath, outputFile)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, &engine.HandlerError{Cause: fmt.Errorf("create output dir: %w", err), Code: "docgen_write_failed", Classification: engine.ClassInternal}
	}
	if err := os.WriteFile(fullPath, []byte(sb.String()), 0o644); err != nil {
		return nil, &engine.HandlerError{Cause: fmt.Errorf("write generated doc: %w", err), Code: "docgen_write_failed", Classification: engine.ClassInternal}
	}

	return Result{RepositoryPath: req.RepositoryPath, OutputFile: outputFile, PackagesFound: packages}, nil
}

func discoverPackages(ctx context.Context, root string) ([]string, error) {
	seen := make(map[string]bool)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) == ".go" {
			rel, relErr := filepath.Rel(root, filepath.Dir(path))
			if relErr == nil {
				seen[rel] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	packages := make([]string, 0, len(seen))
	for pkg := range seen {
		packages = append(packages, pkg)
	}
	sort.Strings(packages)
	return packages, nil
}
