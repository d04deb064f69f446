// Package gitx enforces the repository cleanliness invariants the loop
// depends on: no story is accepted while uncommitted changes remain.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"storyloop/pkg/logx"
)

// ErrCommit reports a failed commit (e.g. no identity configured). Fatal to
// the current iteration, not to the process.
var ErrCommit = errors.New("git commit failed")

// Runner provides an interface for running git commands with dependency
// injection support.
type Runner interface {
	// Run executes a git command in the specified directory.
	// Returns stdout+stderr combined output and any error.
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// DefaultRunner implements Runner using the system git command.
type DefaultRunner struct {
	logger *logx.Logger
}

func NewDefaultRunner() *DefaultRunner {
	return &DefaultRunner{
		logger: logx.NewLogger("git"),
	}
}

// Run executes a git command using exec.CommandContext.
func (g *DefaultRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	g.logger.Debug("Executing git command: git %s", strings.Join(args, " "))

	// Combine stdout and stderr to capture all git output.
	output, err := cmd.CombinedOutput()
	if err != nil {
		g.logger.Debug("git %s failed: %v: %s", strings.Join(args, " "), err, string(output))
		return output, fmt.Errorf("git %s failed: %w\nOutput: %s",
			strings.Join(args, " "), err, string(output))
	}
	return output, nil
}

// Guard answers cleanliness questions about a single working tree and
// performs the loop's commits.
type Guard struct {
	runner  Runner
	workDir string
	logger  *logx.Logger
}

func NewGuard(runner Runner, workDir string) *Guard {
	return &Guard{
		runner:  runner,
		workDir: workDir,
		logger:  logx.NewLogger("gitx"),
	}
}

// EnsureRepo verifies the working directory is inside a git work tree.
func (g *Guard) EnsureRepo(ctx context.Context) error {
	if _, err := g.runner.Run(ctx, g.workDir, "rev-parse", "--is-inside-work-tree"); err != nil {
		return fmt.Errorf("not a git repository: %w", err)
	}
	return nil
}

// IsClean reports whether the working tree has zero pending changes,
// tracked or untracked.
func (g *Guard) IsClean(ctx context.Context) (bool, error) {
	summary, err := g.StatusSummary(ctx)
	if err != nil {
		return false, err
	}
	return summary == "", nil
}

// StatusSummary returns the porcelain status output, trimmed.
func (g *Guard) StatusSummary(ctx context.Context) (string, error) {
	output, err := g.runner.Run(ctx, g.workDir, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("failed to read git status: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// DiffSummary returns the diff stat of pending changes, trimmed.
func (g *Guard) DiffSummary(ctx context.Context) (string, error) {
	output, err := g.runner.Run(ctx, g.workDir, "diff", "--stat")
	if err != nil {
		return "", fmt.Errorf("failed to read git diff: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Guard) CurrentBranch(ctx context.Context) (string, error) {
	output, err := g.runner.Run(ctx, g.workDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read current branch: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CommitIfDirty stages all changes and commits them with the given message.
// Returns false without error when the tree is already clean.
func (g *Guard) CommitIfDirty(ctx context.Context, message string) (bool, error) {
	clean, err := g.IsClean(ctx)
	if err != nil {
		return false, err
	}
	if clean {
		return false, nil
	}

	if _, err := g.runner.Run(ctx, g.workDir, "add", "-A"); err != nil {
		return false, fmt.Errorf("%w: stage: %w", ErrCommit, err)
	}
	if _, err := g.runner.Run(ctx, g.workDir, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("%w: %w", ErrCommit, err)
	}

	g.logger.Info("Committed: %s", message)
	return true, nil
}
