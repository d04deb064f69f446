package testrunner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloop/pkg/exec"
)

// scriptedExecutor returns canned results keyed by the shell command string
// and records which commands actually ran.
type scriptedExecutor struct {
	results map[string]exec.Result
	ran     []string
}

func (s *scriptedExecutor) Run(_ context.Context, cmd []string, _ *exec.Opts) (exec.Result, error) {
	command := cmd[len(cmd)-1]
	s.ran = append(s.ran, command)
	return s.results[command], nil
}

func (s *scriptedExecutor) Name() exec.ExecutorType { return "scripted" }
func (s *scriptedExecutor) Available() bool         { return true }

func TestEmptyCommandListTriviallySucceeds(t *testing.T) {
	runner := NewRunner(&scriptedExecutor{}, ".", time.Minute)
	ok, log := runner.Run(context.Background(), nil)
	assert.True(t, ok)
	assert.Equal(t, NoTestsLog, log)
}

func TestShortCircuitOnFirstFailure(t *testing.T) {
	executor := &scriptedExecutor{results: map[string]exec.Result{
		"cmd-that-fails":         {ExitCode: 1, Stderr: "assertion blew up"},
		"cmd-that-would-succeed": {ExitCode: 0, Stdout: "ok"},
	}}
	runner := NewRunner(executor, ".", time.Minute)

	ok, log := runner.Run(context.Background(), []string{"cmd-that-fails", "cmd-that-would-succeed"})
	require.False(t, ok)

	assert.Equal(t, []string{"cmd-that-fails"}, executor.ran, "second command must never execute")
	assert.Contains(t, log, "[FAIL] cmd-that-fails exited with 1")
	assert.Contains(t, log, "assertion blew up")
	assert.NotContains(t, log, "cmd-that-would-succeed exited")
}

func TestAllCommandsRunInOrderOnSuccess(t *testing.T) {
	executor := &scriptedExecutor{results: map[string]exec.Result{
		"setup":       {Stdout: "prepared"},
		"unit":        {Stdout: "passed 12 tests"},
		"integration": {},
	}}
	runner := NewRunner(executor, ".", time.Minute)

	ok, log := runner.Run(context.Background(), []string{"setup", "unit", "integration"})
	require.True(t, ok)
	assert.Equal(t, []string{"setup", "unit", "integration"}, executor.ran)

	// Output blocks appear in execution order, each preceded by its command.
	setupIdx := strings.Index(log, "$ setup")
	unitIdx := strings.Index(log, "$ unit")
	assert.True(t, setupIdx >= 0 && unitIdx > setupIdx)
	assert.Contains(t, log, "passed 12 tests")
}

func TestRealShellCommands(t *testing.T) {
	runner := NewRunner(exec.NewLocalExec(), t.TempDir(), time.Minute)

	ok, _ := runner.Run(context.Background(), []string{"true"})
	assert.True(t, ok)

	ok, log := runner.Run(context.Background(), []string{"echo first && false", "echo second"})
	assert.False(t, ok)
	assert.Contains(t, log, "first")
	assert.NotContains(t, log, "$ echo second")
}
