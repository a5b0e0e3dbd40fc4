package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoff_PublishOnce(t *testing.T) {
	h := newHandoff()
	h.publish("first")
	h.publish("second")

	got, err := h.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestHandoff_WaitBlocksUntilPublish(t *testing.T) {
	h := newHandoff()
	result := make(chan string, 1)
	go func() {
		text, _ := h.wait(context.Background())
		result <- text
	}()

	select {
	case <-result:
		t.Fatal("wait returned before publish")
	default:
	}

	h.publish("reasoning")
	assert.Equal(t, "reasoning", <-result)
}

func TestHandoff_WaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newHandoff().wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
