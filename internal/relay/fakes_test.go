package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deepclaude/internal/models"
	"deepclaude/internal/provider"
	"deepclaude/internal/tokenizer"
)

// scriptedStreamer replays a fixed list of events per call.
type scriptedStreamer struct {
	name    string
	events  []models.StreamEvent
	openErr error

	mu   sync.Mutex
	reqs []models.StreamRequest
}

func (f *scriptedStreamer) Name() string { return f.name }

func (f *scriptedStreamer) Stream(ctx context.Context, req models.StreamRequest) (<-chan models.StreamEvent, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := make(chan models.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			if !provider.Send(ctx, ch, ev) {
				return
			}
		}
	}()
	return ch, nil
}

func (f *scriptedStreamer) requests() []models.StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.StreamRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

// endlessStreamer emits the same event until its context is cancelled and
// counts every event the consumer accepted.
type endlessStreamer struct {
	name   string
	event  models.StreamEvent
	reads  atomic.Int64
	exited chan struct{}
}

func newEndlessStreamer(name string, ev models.StreamEvent) *endlessStreamer {
	return &endlessStreamer{name: name, event: ev, exited: make(chan struct{})}
}

func (f *endlessStreamer) Name() string { return f.name }

func (f *endlessStreamer) Stream(ctx context.Context, _ models.StreamRequest) (<-chan models.StreamEvent, error) {
	ch := make(chan models.StreamEvent)
	go func() {
		defer close(f.exited)
		defer close(ch)
		for provider.Send(ctx, ch, f.event) {
			f.reads.Add(1)
		}
	}()
	return ch, nil
}

func reasoning(text string) models.StreamEvent {
	return models.StreamEvent{Kind: models.KindReasoning, Text: text}
}

func content(text string) models.StreamEvent {
	return models.StreamEvent{Kind: models.KindContent, Text: text}
}

func answer(text string) models.StreamEvent {
	return models.StreamEvent{Kind: models.KindAnswer, Text: text}
}

var testPair = models.ModelPair{
	Name:            "deepclaude",
	Reason:          models.BaseModel{Name: "r1", ModelID: "deepseek-reasoner", Provider: "reasoner"},
	Answer:          models.BaseModel{Name: "sonnet", ModelID: "claude-sonnet", Provider: "answerer"},
	OriginReasoning: true,
}

var fixedNow = time.Unix(1700000000, 0)

func newTestRelay(t *testing.T, reasoner, answerer provider.Streamer) *Relay {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(reasoner))
	require.NoError(t, reg.Register(answerer))
	return New(reg,
		WithTokenCounter(tokenizer.Estimator{}),
		WithClock(func() time.Time { return fixedNow }),
	)
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
			return nil
		}
	}
}
