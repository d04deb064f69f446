// Package invoker abstracts the coding agent behind a single-call
// capability interface. The controller hands an instruction in and gets a
// transcript back; it never inspects how the work was performed.
package invoker

import "context"

// Invoker performs one agent invocation. Agent-level failures (nonzero
// exit, missing binary) are reported inside the transcript with an
// "[ERROR]" marker rather than as an error; the error return is reserved
// for conditions where no transcript could be produced at all.
type Invoker interface {
	Invoke(ctx context.Context, instruction string) (string, error)
	Name() string
}

// Backend names accepted by the -agent flag.
const (
	BackendProcess   = "process"
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendGemini    = "gemini"
)

// defaultMaxTokens bounds API backend responses. Transcripts are plain
// text reports, not code dumps, so this is generous.
const defaultMaxTokens = 8192
