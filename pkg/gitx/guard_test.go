package gitx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts git output per subcommand and records invocations.
type fakeRunner struct {
	responses map[string]string
	failures  map[string]error
	calls     []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		failures:  make(map[string]error),
	}
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	key := args[0]
	f.calls = append(f.calls, strings.Join(args, " "))
	if err, ok := f.failures[key]; ok {
		return nil, err
	}
	return []byte(f.responses[key]), nil
}

func TestIsClean(t *testing.T) {
	runner := newFakeRunner()
	guard := NewGuard(runner, ".")

	clean, err := guard.IsClean(context.Background())
	require.NoError(t, err)
	assert.True(t, clean)

	runner.responses["status"] = " M pkg/loop/loop.go\n?? notes.txt\n"
	clean, err = guard.IsClean(context.Background())
	require.NoError(t, err)
	assert.False(t, clean, "untracked and modified files both count as dirty")
}

func TestContextSnapshots(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["status"] = " M main.go\n"
	runner.responses["diff"] = " main.go | 2 +-\n 1 file changed\n"
	runner.responses["rev-parse"] = "feature/loop\n"
	guard := NewGuard(runner, ".")

	status, err := guard.StatusSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "M main.go", status)

	diff, err := guard.DiffSummary(context.Background())
	require.NoError(t, err)
	assert.Contains(t, diff, "1 file changed")

	branch, err := guard.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "feature/loop", branch)
}

func TestCommitIfDirtyNoOpWhenClean(t *testing.T) {
	runner := newFakeRunner()
	guard := NewGuard(runner, ".")

	committed, err := guard.CommitIfDirty(context.Background(), "msg")
	require.NoError(t, err)
	assert.False(t, committed)

	for _, call := range runner.calls {
		assert.NotContains(t, call, "commit", "no commit may run on a clean tree")
	}
}

func TestCommitIfDirtyStagesAndCommits(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["status"] = "?? new.go\n"
	guard := NewGuard(runner, ".")

	committed, err := guard.CommitIfDirty(context.Background(), "story S-001 accepted")
	require.NoError(t, err)
	assert.True(t, committed)

	require.Len(t, runner.calls, 3)
	assert.Equal(t, "status --porcelain", runner.calls[0])
	assert.Equal(t, "add -A", runner.calls[1])
	assert.Equal(t, "commit -m story S-001 accepted", runner.calls[2])
}

func TestCommitIfDirtyFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["status"] = "?? new.go\n"
	runner.failures["commit"] = fmt.Errorf("empty ident name")
	guard := NewGuard(runner, ".")

	_, err := guard.CommitIfDirty(context.Background(), "msg")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommit)
}

func TestEnsureRepo(t *testing.T) {
	runner := newFakeRunner()
	guard := NewGuard(runner, ".")
	require.NoError(t, guard.EnsureRepo(context.Background()))

	runner.failures["rev-parse"] = errors.New("fatal: not a git repository")
	err := guard.EnsureRepo(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a git repository")
}
