// Package tokenizer counts tokens for usage accounting. Counts are an
// approximation shared by every provider, not the upstream's own tokenizer.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is the gpt-4o encoding.
const DefaultEncoding = "o200k_base"

// Counter returns the number of tokens in text, 0 for empty text.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts tokens with a tiktoken encoding. The encoding is loaded on first
// use (it may be downloaded); if loading fails the Estimator is used instead.
type Tiktoken struct {
	encoding string
	logger   *zap.Logger

	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback Estimator
}

// New returns a Counter backed by the o200k_base encoding.
func New(logger *zap.Logger) *Tiktoken {
	return NewWithEncoding(DefaultEncoding, logger)
}

// NewWithEncoding returns a Counter backed by the named tiktoken encoding.
func NewWithEncoding(encoding string, logger *zap.Logger) *Tiktoken {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiktoken{encoding: encoding, logger: logger}
}

func (t *Tiktoken) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("tiktoken unavailable, falling back to estimator",
				zap.String("encoding", t.encoding),
				zap.Error(fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)),
			)
			return
		}
		t.enc = enc
	})
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.init()
	if t.enc == nil {
		return t.fallback.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Name identifies the active counting strategy.
func (t *Tiktoken) Name() string {
	t.init()
	if t.enc == nil {
		return t.fallback.Name()
	}
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
