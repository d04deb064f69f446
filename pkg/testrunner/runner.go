// Package testrunner executes a story's verification commands and captures
// a combined log for the ledger. Acceptance decisions are based solely on
// what this package reports, never on agent self-assessment.
package testrunner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storyloop/pkg/exec"
	"storyloop/pkg/logx"
)

// NoTestsLog is returned for an empty command list, which is trivially
// successful rather than an error.
const NoTestsLog = "(no tests specified)"

// Runner executes shell command strings strictly in order.
type Runner struct {
	executor exec.Executor
	workDir  string
	timeout  time.Duration
	logger   *logx.Logger
}

func NewRunner(executor exec.Executor, workDir string, timeout time.Duration) *Runner {
	return &Runner{
		executor: executor,
		workDir:  workDir,
		timeout:  timeout,
		logger:   logx.NewLogger("tests"),
	}
}

// Run executes the commands in order, stopping at the first failure. This is
// a short-circuiting AND: later commands may depend on earlier ones, so there
// is no point running them after a failure. Each command's combined output is
// appended to the returned log regardless of outcome.
func (r *Runner) Run(ctx context.Context, commands []string) (bool, string) {
	if len(commands) == 0 {
		return true, NoTestsLog
	}

	var log strings.Builder
	for _, command := range commands {
		r.logger.Info("Running test: %s", command)
		fmt.Fprintf(&log, "$ %s\n", command)

		result, err := r.executor.Run(ctx, []string{"sh", "-c", command}, &exec.Opts{
			WorkDir: r.workDir,
			Timeout: r.timeout,
		})
		if err != nil {
			fmt.Fprintf(&log, "[FAIL] %s could not run: %v\n", command, err)
			return false, strings.TrimRight(log.String(), "\n")
		}

		if combined := combinedOutput(&result); combined != "" {
			log.WriteString(combined)
			log.WriteByte('\n')
		}

		if result.ExitCode != 0 {
			fmt.Fprintf(&log, "[FAIL] %s exited with %d\n", command, result.ExitCode)
			r.logger.Warn("Test failed (%d): %s", result.ExitCode, command)
			return false, strings.TrimRight(log.String(), "\n")
		}
	}

	return true, strings.TrimRight(log.String(), "\n")
}

// combinedOutput merges stdout and stderr so failures are diagnosable from
// the returned log alone.
func combinedOutput(result *exec.Result) string {
	stdout := strings.TrimRight(result.Stdout, "\n")
	stderr := strings.TrimRight(result.Stderr, "\n")
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}
