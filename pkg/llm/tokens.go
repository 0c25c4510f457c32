package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts. Every supported provider is approximated with
// the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter backed by the GPT-4 encoding.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text, falling back to a
// four-characters-per-token estimate when no codec is available.
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

// CountMessages sums the tokens of every message content.
func (tc *TokenCounter) CountMessages(messages []CompletionMessage) int {
	total := 0
	for i := range messages {
		total += tc.CountTokens(messages[i].Content)
	}
	return total
}

// TruncateToTokenLimit shortens text to roughly fit limit tokens, cutting by
// characters in proportion and appending "...".
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	if limit <= 0 {
		return ""
	}
	ratio := float64(limit) / float64(current)
	cut := int(float64(len(text)) * ratio * 0.9)
	if cut <= 0 {
		return ""
	}
	if cut >= len(text) {
		return text
	}
	return text[:cut] + "..."
}
