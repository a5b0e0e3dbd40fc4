package relay

import (
	"context"
	"sync"
)

// handoff carries the accumulated reasoning from the reasoning leg to the answer
// leg. Only the first publish takes effect.
type handoff struct {
	once  sync.Once
	ready chan struct{}
	text  string
}

func newHandoff() *handoff {
	return &handoff{ready: make(chan struct{})}
}

func (h *handoff) publish(text string) {
	h.once.Do(func() {
		h.text = text
		close(h.ready)
	})
}

func (h *handoff) wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-h.ready:
		return h.text, nil
	}
}
