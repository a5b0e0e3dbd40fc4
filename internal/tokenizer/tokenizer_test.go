package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"
)

func TestEstimator_Count(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "short ascii rounds up to one", text: "hi", want: 1},
		{name: "ascii", text: "abcdefghijklmnop", want: 4},
		{name: "cjk", text: "你好世界你好", want: 4},
		{name: "mixed", text: "你好abcd", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimator{}.Count(tt.text))
		})
	}
}

func TestEstimator_NonNegativeAndMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.String().Draw(t, "a")
		b := rapid.String().Draw(t, "b")

		ca := Estimator{}.Count(a)
		cab := Estimator{}.Count(a + b)
		if ca < 0 || cab < 0 {
			t.Fatalf("negative count: %d %d", ca, cab)
		}
		if cab+1 < ca {
			t.Fatalf("count shrank when appending: %d -> %d", ca, cab)
		}
	})
}

func TestTiktoken_FallbackOnUnknownEncoding(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	counter := NewWithEncoding("no_such_encoding", zap.New(core))

	assert.Equal(t, 0, counter.Count(""))
	assert.Equal(t, Estimator{}.Count(strings.Repeat("word ", 20)), counter.Count(strings.Repeat("word ", 20)))
	assert.Equal(t, "estimator", counter.Name())

	// Only the first load attempt is logged.
	counter.Count("again")
	assert.Equal(t, 1, logs.FilterMessage("tiktoken unavailable, falling back to estimator").Len())
}

func TestNew_DefaultsToO200k(t *testing.T) {
	counter := New(nil)
	assert.Equal(t, DefaultEncoding, counter.encoding)
	assert.Equal(t, 0, counter.Count(""))
}
