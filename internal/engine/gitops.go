package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/integritystudio/scanforge/internal/platform/logger"
)

// GitConfig mirrors the enumerated git.* settings of spec §6.
type GitConfig struct {
	BranchPrefix string
	BaseBranch   string
	DryRun       bool
}

// PRContext is what a CommitMessageGenerator/PRContextGenerator hook
// produces for the final step of the protocol.
type PRContext struct {
	Title string
	Body  string
}

// GitRunner executes the Git side-effect protocol of spec §4.5.1 around
// a handler's body. repoPath is the working tree the handler operates
// on (typically job.Data.repositoryPath); body is the handler
// invocation itself, run with the feature branch already checked out.
type GitRunner interface {
	Run(ctx context.Context, repoPath string, job Snapshot, handler JobHandler, body func(ctx context.Context) (any, error)) (any, GitInfo, error)
}

// gitOps is the default GitRunner, backed by go-git. A nil *gitOps
// (via NoGitRunner) disables the protocol entirely for engines that
// never register a GitIntent handler.
type gitOps struct {
	cfg GitConfig
	log *logger.Logger
}

// NewGitRunner builds the default go-git-backed protocol runner.
func NewGitRunner(cfg GitConfig, log *logger.Logger) GitRunner {
	if log == nil {
		log = logger.Noop()
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "scanforge"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &gitOps{cfg: cfg, log: log}
}

// Run implements the five numbered steps of spec §4.5.1. On a Git
// failure after the handler body ran, the handler's own output is
// returned alongside the classified error; the Runner treats any
// returned error as a failed attempt and does not store that output.
func (g *gitOps) Run(ctx context.Context, repoPath string, job Snapshot, handler JobHandler, body func(ctx context.Context) (any, error)) (any, GitInfo, error) {
	wantsGit := false
	if gi, ok := handler.(GitIntent); ok {
		wantsGit = gi.WantsGit()
	}
	if !wantsGit {
		result, err := body(ctx)
		return result, GitInfo{}, err
	}

	info := GitInfo{BaseBranch: g.cfg.BaseBranch}
	branchName := fmt.Sprintf("%s/%s/%s", g.cfg.BranchPrefix, job.Type, job.ID)
	info.BranchName = branchName

	if g.cfg.DryRun {
		g.log.Info("git dry-run: skipping branch checkout", "branch", branchName, "jobId", job.ID)
		result, err := body(ctx)
		if err == nil {
			g.log.Info("git dry-run: skipping commit, push and pull request", "branch", branchName, "jobId", job.ID)
		}
		return result, info, err
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, info, &HandlerError{Cause: fmt.Errorf("open repository: %w", err), Code: "git_open_failed", Classification: ClassPermanent}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, info, &HandlerError{Cause: fmt.Errorf("open worktree: %w", err), Code: "git_worktree_failed", Classification: ClassPermanent}
	}

	originalBranch := g.cfg.BaseBranch
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		originalBranch = head.Name().Short()
	}
	defer func() {
		_ = wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(originalBranch)})
	}()

	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branchName),
		Create: true,
	}); err != nil {
		return nil, info, &HandlerError{Cause: fmt.Errorf("checkout feature branch: %w", err), Code: "git_checkout_failed", Classification: ClassTransient}
	}

	result, bodyErr := body(ctx)

	if bodyErr != nil {
		return result, info, bodyErr
	}

	status, err := wt.Status()
	if err != nil {
		return result, info, &HandlerError{Cause: fmt.Errorf("git status: %w", err), Code: "git_status_failed", Classification: ClassTransient}
	}
	if status.IsClean() {
		return result, info, nil
	}
	for file := range status {
		info.ChangedFiles = append(info.ChangedFiles, file)
	}

	if _, err := wt.Add("."); err != nil {
		return result, info, &HandlerError{Cause: fmt.Errorf("git add: %w", err), Code: "git_add_failed", Classification: ClassTransient}
	}

	message := defaultCommitMessage(job)
	if cmg, ok := handler.(CommitMessageGenerator); ok {
		message = cmg.GenerateCommitMessage(job)
	}
	commit, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "scanforge-bot", Email: "bot@scanforge.local", When: time.Now()},
	})
	if err != nil {
		return result, info, &HandlerError{Cause: fmt.Errorf("git commit: %w", err), Code: "git_commit_failed", Classification: ClassTransient}
	}
	info.CommitSha = commit.String()

	if err := repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin"}); err != nil {
		return result, info, &HandlerError{Cause: fmt.Errorf("git push: %w", err), Code: "git_push_failed", Classification: ClassTransient}
	}

	prCtx := PRContext{Title: message, Body: "Automated by scanforge."}
	if prg, ok := handler.(PRContextGenerator); ok {
		prCtx.Title, prCtx.Body = prg.GeneratePRContext(job)
	}
	// Opening the actual pull request is hosting-specific (GitHub/GitLab
	// API); no such client is wired into this module, so the intent is
	// logged and PRUrl is left for an external opener to fill in.
	g.log.Info("git: pull request ready", "branch", branchName, "title", prCtx.Title, "jobId", job.ID)

	return result, info, nil
}

func defaultCommitMessage(job Snapshot) string {
	return fmt.Sprintf("scanforge: %s job %s", job.Type, job.ID)
}

// NoGitRunner is used when no registered handler ever opts into the Git
// side-effect protocol; body runs directly with no branch management.
type noGitRunner struct{}

func NoGitRunner() GitRunner { return noGitRunner{} }

func (noGitRunner) Run(ctx context.Context, _ string, _ Snapshot, _ JobHandler, body func(ctx context.Context) (any, error)) (any, GitInfo, error) {
	result, err := body(ctx)
	return result, GitInfo{}, err
}
