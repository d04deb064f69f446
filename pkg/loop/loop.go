// Package loop implements the iteration controller: the state machine that
// selects a story, drives the agent, verifies with tests, enforces
// repository cleanliness, and decides when the whole backlog is done.
package loop

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"storyloop/pkg/backlog"
	"storyloop/pkg/gitx"
	"storyloop/pkg/invoker"
	"storyloop/pkg/ledger"
	"storyloop/pkg/logx"
	"storyloop/pkg/metrics"
	"storyloop/pkg/persistence"
	"storyloop/pkg/prompt"
	"storyloop/pkg/runstate"
	"storyloop/pkg/testrunner"
)

// Outcome classifies one finished iteration. Transient; drives control
// flow and observability only, never serialized into the backlog.
type Outcome string

const (
	OutcomeStoryAccepted       Outcome = "story_accepted"
	OutcomeStoryBlocked        Outcome = "story_blocked"
	OutcomeTestsFailed         Outcome = "tests_failed"
	OutcomeRepoDirty           Outcome = "repo_dirty"
	OutcomeAllComplete         Outcome = "all_complete"
	OutcomeIterationsExhausted Outcome = "iterations_exhausted"
)

// Exit codes, one per terminal state.
const (
	ExitSuccess         = 0
	ExitExhausted       = 1
	ExitDirtyStart      = 2
	ExitStoryVanished   = 3
	ExitPostCommitDirty = 5
)

// Config holds the loop-level knobs.
type Config struct {
	MaxIterations int
	Sleep         time.Duration
	AllowDirty    bool
	TailLines     int
}

// Controller ties the collaborators together across bounded iterations.
// Strictly sequential: one story, one agent invocation, one test run at a
// time.
type Controller struct {
	cfg      Config
	store    *backlog.Store
	guard    *gitx.Guard
	tests    *testrunner.Runner
	progress *ledger.Ledger
	agent    invoker.Invoker
	prompts  *prompt.Builder
	state    *runstate.Store

	// Optional audit surfaces; nil disables them. Neither ever gates
	// control flow.
	history  *persistence.History
	recorder *metrics.Recorder

	out    io.Writer
	logger *logx.Logger

	// sleepFn is swapped out by tests.
	sleepFn func(context.Context, time.Duration)
}

// NewController wires the loop. All collaborators are required except
// history and recorder.
func NewController(
	cfg Config,
	store *backlog.Store,
	guard *gitx.Guard,
	tests *testrunner.Runner,
	progress *ledger.Ledger,
	agent invoker.Invoker,
	prompts *prompt.Builder,
	state *runstate.Store,
) *Controller {
	return &Controller{
		cfg:      cfg,
		store:    store,
		guard:    guard,
		tests:    tests,
		progress: progress,
		agent:    agent,
		prompts:  prompts,
		state:    state,
		out:      os.Stdout,
		logger:   logx.NewLogger("loop"),
		sleepFn:  sleepCtx,
	}
}

// SetHistory attaches the sqlite audit trail.
func (c *Controller) SetHistory(h *persistence.History) {
	c.history = h
}

// SetRecorder attaches the metrics recorder.
func (c *Controller) SetRecorder(r *metrics.Recorder) {
	c.recorder = r
}

// SetOutput redirects operator-facing prints (iteration banners, the
// completion token), used by tests.
func (c *Controller) SetOutput(w io.Writer) {
	c.out = w
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Run executes the loop until a terminal state and returns its exit
// code. The error return carries fatal I/O failures (unreadable backlog,
// unwritable ledger) for the caller to print; the exit code is
// authoritative either way.
func (c *Controller) Run(ctx context.Context) (int, error) {
	if err := c.guard.EnsureRepo(ctx); err != nil {
		return ExitDirtyStart, err
	}

	if !c.cfg.AllowDirty {
		clean, err := c.guard.IsClean(ctx)
		if err != nil {
			return ExitDirtyStart, err
		}
		if !clean {
			fmt.Fprintln(c.out, "Refusing to start: git working tree is not clean.")
			fmt.Fprintln(c.out, "Run: git status --porcelain")
			fmt.Fprintln(c.out, "Or use -allow-dirty to proceed anyway (changes are committed at each story completion).")
			return ExitDirtyStart, nil
		}
	}

	state, err := c.state.LoadOrCreate()
	if err != nil {
		return ExitExhausted, logx.Wrap(err, "failed to load run state")
	}

	for i := 1; i <= c.cfg.MaxIterations; i++ {
		c.logger.Info("Iteration %d/%d: loading backlog", i, c.cfg.MaxIterations)
		items, err := c.store.Load()
		if err != nil {
			return ExitExhausted, logx.Wrap(err, "failed to load backlog")
		}

		story := items.PickNext()
		if story == nil {
			code, done, err := c.finalVerification(ctx, i, items, state)
			if done || err != nil {
				return code, err
			}
			c.sleepFn(ctx, c.cfg.Sleep)
			continue
		}

		code, done, err := c.storyIteration(ctx, i, story, state)
		if done || err != nil {
			return code, err
		}
		c.sleepFn(ctx, c.cfg.Sleep)
	}

	fmt.Fprintf(c.out, "Did not finish within max iterations (%d).\n", c.cfg.MaxIterations)
	c.observe(OutcomeIterationsExhausted)
	return ExitExhausted, nil
}

// storyIteration runs steps 3-5 of the per-iteration algorithm for one
// selected story. done=true means a terminal state was reached.
func (c *Controller) storyIteration(ctx context.Context, i int, story *backlog.WorkItem, state *runstate.RunState) (code int, done bool, err error) {
	start := time.Now()

	tail := c.progressTail()
	repo := c.repoContext(ctx)
	instruction := c.prompts.Story(story, tail, repo)

	c.logger.Info("Selected story %s: %s", story.ID, story.Description)
	fmt.Fprintf(c.out, "\n=== ITERATION %d/%d | Story %s ===\n", i, c.cfg.MaxIterations, story.ID)

	transcript := c.invokeAgent(ctx, instruction)
	c.appendLedger(fmt.Sprintf("ITERATION %d STORY %s (%s)", i, story.ID, story.Description), transcript)
	c.surfaceMarkers(story.ID, transcript)

	// Reload before acceptance: the agent may have rewritten the file.
	items, err := c.store.Load()
	if err != nil {
		return ExitExhausted, true, logx.Wrap(err, "failed to reload backlog")
	}
	current := items.FindByID(story.ID)
	if current == nil {
		c.appendLedger("ERROR", fmt.Sprintf("story %s disappeared from %s", story.ID, c.store.Path()))
		fmt.Fprintln(c.out, "Story disappeared from backlog; fix the file and re-run.")
		c.record(i, story.ID, OutcomeStoryBlocked, false, start)
		return ExitStoryVanished, true, nil
	}

	// A story without tests may never be marked passing. Hard rule, not a
	// soft warning.
	if len(current.Tests) == 0 {
		c.appendLedger("ERROR", fmt.Sprintf("story %s has no tests; refusing to mark pass", current.ID))
		c.logger.Warn("Story %s has no tests listed; add tests and re-run", current.ID)
		c.record(i, current.ID, OutcomeStoryBlocked, false, start)
		return 0, false, nil
	}

	c.logger.Info("Running story tests for %s", current.ID)
	ok, testLog := c.tests.Run(ctx, current.Tests)
	if c.recorder != nil {
		c.recorder.ObserveTestRun(ok)
	}
	if !ok {
		c.appendLedger(fmt.Sprintf("TESTS_FAIL for %s", current.ID), testLog)
		c.logger.Info("Tests failed; continuing loop")
		c.record(i, current.ID, OutcomeTestsFailed, false, start)
		return 0, false, nil
	}

	current.Passes = true
	if err := c.store.Save(items); err != nil {
		return ExitExhausted, true, logx.Wrap(err, "failed to save backlog")
	}

	message := fmt.Sprintf("storyloop: %s %s", current.ID, current.Description)
	c.logger.Info("Tests passed; committing changes: %s", message)
	if _, err := c.guard.CommitIfDirty(ctx, message); err != nil {
		// Fatal to this iteration, not to the process.
		c.appendLedger("COMMIT_FAIL", err.Error())
		c.logger.Error("Commit failed: %v", err)
		c.record(i, current.ID, OutcomeRepoDirty, true, start)
		return 0, false, nil
	}

	clean, err := c.guard.IsClean(ctx)
	if err != nil {
		return ExitExhausted, true, err
	}
	if !clean {
		status, _ := c.guard.StatusSummary(ctx)
		c.appendLedger("ERROR", "repo not clean after commit.\n"+status)
		c.logger.Error("Repo not clean after commit; fix manually")
		c.record(i, current.ID, OutcomeRepoDirty, true, start)
		return ExitPostCommitDirty, true, nil
	}

	c.appendLedger(fmt.Sprintf("STORY_PASS %s (tests pass + committed + clean)", current.ID), "")
	if c.recorder != nil {
		c.recorder.ObserveStoryAccepted()
	}
	state.RecordIteration(current.ID)
	if err := c.state.Save(state); err != nil {
		return ExitExhausted, true, logx.Wrap(err, "failed to save run state")
	}
	c.record(i, current.ID, OutcomeStoryAccepted, true, start)
	return 0, false, nil
}

// finalVerification runs step 6: every story passes individually, so run
// the union of all test commands and, on success, verify the tree is
// clean before declaring completion.
func (c *Controller) finalVerification(ctx context.Context, i int, items backlog.Backlog, state *runstate.RunState) (code int, done bool, err error) {
	start := time.Now()
	c.logger.Info("All stories passing; running final tests")

	finalTests := items.UnionTestCommands()
	ok, testLog := c.tests.Run(ctx, finalTests)
	if c.recorder != nil && len(finalTests) > 0 {
		c.recorder.ObserveTestRun(ok)
	}

	if !ok {
		c.appendLedger("FINAL_TESTS_FAIL", testLog)
		c.logger.Info("Final tests failed; invoking agent to fix (iteration %d)", i)

		tail := c.progressTail()
		repo := c.repoContext(ctx)
		instruction := c.prompts.FinalTestsFix(finalTests, testLog, tail, repo)

		transcript := c.invokeAgent(ctx, instruction)
		c.appendLedger(fmt.Sprintf("ITERATION %d FINAL_TESTS_FIX", i), transcript)
		c.record(i, "", OutcomeTestsFailed, false, start)
		return 0, false, nil
	}

	c.logger.Info("Final tests passed; committing any tracking changes")
	if _, err := c.guard.CommitIfDirty(ctx, "storyloop: update progress and state"); err != nil {
		c.appendLedger("COMMIT_FAIL", err.Error())
		c.logger.Error("Tracking commit failed: %v", err)
		c.record(i, "", OutcomeRepoDirty, true, start)
		return 0, false, nil
	}

	clean, err := c.guard.IsClean(ctx)
	if err != nil {
		return ExitExhausted, true, err
	}
	if !clean {
		status, _ := c.guard.StatusSummary(ctx)
		c.appendLedger("FINAL_NOT_CLEAN", status)
		c.logger.Warn("Repo not clean at final check; refusing to complete")
		c.record(i, "", OutcomeRepoDirty, true, start)
		return 0, false, nil
	}

	token := c.prompts.CompletionToken()
	c.appendLedger(fmt.Sprintf("ALL_PASS + FINAL_TESTS_PASS + CLEAN => %s", token), "")
	c.logger.Info("All completion conditions met")
	fmt.Fprintln(c.out, token)

	state.RecordCompletion()
	if err := c.state.Save(state); err != nil {
		return ExitExhausted, true, logx.Wrap(err, "failed to save run state")
	}
	c.record(i, "", OutcomeAllComplete, true, start)
	return ExitSuccess, true, nil
}

// invokeAgent runs one agent invocation, converting any hard error into
// an "[ERROR]" transcript marker so the loop can log it and continue.
func (c *Controller) invokeAgent(ctx context.Context, instruction string) string {
	start := time.Now()
	transcript, err := c.agent.Invoke(ctx, instruction)
	duration := time.Since(start)

	success := err == nil && !strings.Contains(transcript, "[ERROR]")
	if c.recorder != nil {
		c.recorder.ObserveInvocation(c.agent.Name(), success, duration)
	}
	if err != nil {
		c.logger.Error("Agent invocation failed: %v", err)
		return fmt.Sprintf("[ERROR] agent invocation failed: %v", err)
	}
	c.logger.Info("Agent run complete (%s)", duration.Round(time.Second))
	return transcript
}

// surfaceMarkers logs the agent's own completion claims. They are
// surfaced for the operator but never trusted for acceptance; only test
// execution flips a story to passing.
func (c *Controller) surfaceMarkers(storyID, transcript string) {
	if strings.Contains(transcript, prompt.TokenStoryDone) {
		c.logger.Info("Agent reports %s for %s (acceptance still gated on tests)", prompt.TokenStoryDone, storyID)
	}
	if idx := strings.Index(transcript, prompt.TokenStoryBlocked); idx >= 0 {
		line := transcript[idx:]
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		c.logger.Warn("Agent reports blocked story %s: %s", storyID, line)
	}
}

func (c *Controller) progressTail() string {
	tail, err := c.progress.Tail(c.cfg.TailLines)
	if err != nil {
		c.logger.Warn("Failed to read progress tail: %v", err)
		return ledger.NoneYet
	}
	return tail
}

// repoContext snapshots the repository for prompt construction. Errors
// degrade to empty fields; context is advisory, not load-bearing.
func (c *Controller) repoContext(ctx context.Context) *prompt.RepoContext {
	branch, _ := c.guard.CurrentBranch(ctx)
	status, _ := c.guard.StatusSummary(ctx)
	diff, _ := c.guard.DiffSummary(ctx)
	return &prompt.RepoContext{Branch: branch, Status: status, Diff: diff}
}

func (c *Controller) appendLedger(label, body string) {
	if err := c.progress.Append(label, body); err != nil {
		c.logger.Error("Failed to append to ledger: %v", err)
	}
}

func (c *Controller) observe(outcome Outcome) {
	if c.recorder != nil {
		c.recorder.ObserveIteration(string(outcome))
	}
}

// record captures one finished iteration in metrics and history.
func (c *Controller) record(iteration int, storyID string, outcome Outcome, testsPassed bool, start time.Time) {
	c.observe(outcome)
	if c.history != nil {
		if err := c.history.RecordIteration(iteration, storyID, string(outcome), testsPassed, time.Since(start)); err != nil {
			c.logger.Warn("Failed to record iteration history: %v", err)
		}
	}
}
