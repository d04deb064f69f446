package prompt

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for prompt budgeting. All supported
// agent models are approximated with the GPT-4 encoding, which is close
// enough for clamping purposes.
type TokenCounter struct {
	codec tokenizer.Codec
}

func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text, falling back
// to a character-based estimate (4 chars ≈ 1 token) if the codec fails.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit drops text from the FRONT until the remainder fits
// the limit. The front is dropped, not the back, because the most recent
// output is the most useful context for a fix.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	for tc.CountTokens(text) > limit && len(text) > 0 {
		// Cut roughly a quarter at a time; token density is uneven, so
		// iterate rather than compute a single offset.
		cut := len(text) / 4
		if cut == 0 {
			cut = 1
		}
		text = text[cut:]
	}
	return text
}
