package orchestrator

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter counts prompt tokens with the cl100k_base encoding, falling
// back to a bytes/4 heuristic when the encoding cannot be loaded (for
// example, offline environments where the BPE data is not cached).
type tokenCounter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{}
}

func (c *tokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	c.once.Do(func() {
		encoding, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("Token encoding unavailable, using byte heuristic", "error", err)
			return
		}
		c.encoding = encoding
	})

	if c.encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(c.encoding.Encode(text, nil, nil))
}
