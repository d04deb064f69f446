// Package prompt constructs the instructions sent to the coding agent. The
// controller never parses agent output beyond the sentinel tokens declared
// here; everything else in the transcript is opaque.
package prompt

import (
	"fmt"
	"strings"

	"storyloop/pkg/backlog"
)

// Sentinel tokens the agent is instructed to emit. Only these are ever
// looked for in a transcript.
const (
	DefaultCompletionToken = "COMPLETE"
	TokenStoryDone         = "STORY_DONE"
	TokenStoryBlocked      = "STORY_BLOCKED:"
)

// failLogTailLines bounds how much failing test output is quoted in a fix
// instruction before token clamping is applied on top.
const failLogTailLines = 80

// RepoContext is the repository snapshot embedded in every instruction.
type RepoContext struct {
	Branch string
	Status string
	Diff   string
}

// Builder assembles agent instructions with a bounded size.
type Builder struct {
	completionToken string
	prefix          string
	counter         *TokenCounter
	maxTailTokens   int
}

// NewBuilder creates a prompt builder. counter may be nil, in which case
// tail clamping falls back to a character estimate.
func NewBuilder(completionToken, prefix string, counter *TokenCounter, maxTailTokens int) *Builder {
	if completionToken == "" {
		completionToken = DefaultCompletionToken
	}
	return &Builder{
		completionToken: completionToken,
		prefix:          prefix,
		counter:         counter,
		maxTailTokens:   maxTailTokens,
	}
}

func (b *Builder) CompletionToken() string {
	return b.completionToken
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

func bulleted(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		fmt.Fprintf(&sb, "- %s\n", item)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// clampTail bounds free-growing text (progress tails, test logs) to the
// configured token budget, keeping the most recent portion.
func (b *Builder) clampTail(text string) string {
	if b.maxTailTokens <= 0 {
		return text
	}
	return b.counter.TruncateToTokenLimit(text, b.maxTailTokens)
}

// Story builds the instruction for one iteration of work on a single story.
func (b *Builder) Story(item *backlog.WorkItem, progressTail string, repo *RepoContext) string {
	steps := orPlaceholder(bulleted(item.Steps), "- (no steps provided)")
	tests := orPlaceholder(bulleted(item.Tests),
		"- (no tests listed; you MUST add tests to the backlog before this story can be accepted)")

	body := fmt.Sprintf(`You are acting as an autonomous coding agent inside a git repo.

GOAL
Implement exactly ONE story this iteration: %s - %s

STEPS
%s

TESTS TO PASS FOR THIS STORY
%s

RULES (NON-NEGOTIABLE)
1) Work ONLY on this story. Do not start other stories.
2) Make the smallest set of changes that satisfy the steps.
3) Update the backlog file: set this story's passes=true ONLY when tests pass.
4) Leave the repository clean (no uncommitted changes) by committing your work.
5) Do not emit the token %s unless ALL stories are passes=true AND all final tests pass AND git is clean.

CONTEXT
- Current branch: %s
- Git status: %s
- Diff stat: %s

RECENT PROGRESS LOG (tail)
%s

OUTPUT FORMAT
- Start with a short plan.
- Then do the work.
- End with:
  - "%s" if you believe this story is done (tests passing + committed + backlog updated).
  - Or "%s <reason>" if you cannot proceed.
  - Only end with %s if absolutely all conditions are met.`,
		item.ID, item.Description,
		steps,
		tests,
		b.completionToken,
		orPlaceholder(repo.Branch, "(unknown)"),
		orPlaceholder(repo.Status, "(clean)"),
		orPlaceholder(repo.Diff, "(none)"),
		b.clampTail(progressTail),
		TokenStoryDone,
		TokenStoryBlocked,
		b.completionToken,
	)

	if b.prefix != "" {
		return b.prefix + "\n\n" + body
	}
	return body
}

// FinalTestsFix builds the instruction used when every story passes
// individually but the aggregate test pass fails. The failing output is
// truncated to its last lines and then clamped to the token budget.
func (b *Builder) FinalTestsFix(finalTests []string, testLog, progressTail string, repo *RepoContext) string {
	lines := strings.Split(testLog, "\n")
	if len(lines) > failLogTailLines {
		lines = lines[len(lines)-failLogTailLines:]
	}
	testLog = b.clampTail(strings.Join(lines, "\n"))

	body := fmt.Sprintf(`You are acting as an autonomous coding agent inside a git repo.

GOAL
All stories are marked as passing, but the FINAL TESTS are failing. Fix the failing tests.

FAILING TESTS
%s

TEST OUTPUT (failures)
%s

RULES (NON-NEGOTIABLE)
1) Analyze the test failures and fix the underlying code issues.
2) Do NOT modify the tests unless they are clearly incorrect.
3) Make the smallest set of changes that fix the failures.
4) Leave the repository clean (no uncommitted changes) by committing your work.
5) Do not emit the token %s unless all final tests pass AND git is clean.

CONTEXT
- Current branch: %s
- Git status: %s
- Diff stat: %s

RECENT PROGRESS LOG (tail)
%s

OUTPUT FORMAT
- Start with a short analysis of what's failing and why.
- Then fix the code.
- Commit your changes.
- End with "FIXES_APPLIED" if you believe the fixes are done.
- Only end with %s if all final tests pass AND git is clean.`,
		orPlaceholder(bulleted(finalTests), "- (none)"),
		testLog,
		b.completionToken,
		orPlaceholder(repo.Branch, "(unknown)"),
		orPlaceholder(repo.Status, "(clean)"),
		orPlaceholder(repo.Diff, "(none)"),
		b.clampTail(progressTail),
		b.completionToken,
	)

	if b.prefix != "" {
		return b.prefix + "\n\n" + body
	}
	return body
}
