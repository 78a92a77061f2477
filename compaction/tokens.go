package compaction

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
)

// TokenCounter provides token counting with caching. The counter is used to
// size synthesized summaries and compaction statistics; it never feeds the
// accounting counters, which come exclusively from the subprocess stream.
// One counter is shared across all sessions, so the cache is guarded for
// concurrent use.
type TokenCounter struct {
	client *anthropic.Client

	mu    sync.Mutex
	cache map[string]int
}

// NewTokenCounter creates a token counter. A nil client disables the API
// path and every count uses the approximation.
func NewTokenCounter(client *anthropic.Client) *TokenCounter {
	return &TokenCounter{
		client: client,
		cache:  make(map[string]int),
	}
}

// CountTokens counts tokens for a piece of text, using the Anthropic token
// counting API when available and falling back to approximation.
func (c *TokenCounter) CountTokens(ctx context.Context, model string, content string) (int, error) {
	if c.client == nil {
		return ApproximateTokens(content), nil
	}

	cacheKey := c.cacheKey(model, content)
	c.mu.Lock()
	count, ok := c.cache[cacheKey]
	c.mu.Unlock()
	if ok {
		return count, nil
	}

	resp, err := c.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(content),
				},
			},
		},
	})
	if err != nil {
		// Fallback to approximation if API fails
		return ApproximateTokens(content), nil
	}

	count = int(resp.InputTokens)
	c.mu.Lock()
	c.cache[cacheKey] = count
	c.mu.Unlock()
	return count, nil
}

// ApproximateTokens provides fast estimation without API call
func ApproximateTokens(content string) int {
	// Claude tokenizes roughly 3.5 characters per token for English text
	return len(content) * 10 / 35
}

// cacheKey generates cache key for content
func (c *TokenCounter) cacheKey(model, content string) string {
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s:%x", model, hash[:8])
}
