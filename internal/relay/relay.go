// Package relay runs the reasoning and answer legs of a deep model request and
// merges their output into one OpenAI-shaped response.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"deepclaude/internal/metrics"
	"deepclaude/internal/models"
	"deepclaude/internal/provider"
	"deepclaude/internal/tokenizer"
)

const tracerName = "deepclaude/relay"

// Providers resolves a provider name to its streamer.
type Providers interface {
	Lookup(name string) (provider.Streamer, error)
}

// Relay coordinates deep model requests. It is safe for concurrent use; each
// request gets its own session.
type Relay struct {
	providers Providers
	counter   tokenizer.Counter
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	now       func() time.Time
}

// Option customises a Relay.
type Option func(*Relay)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(r *Relay) { r.metrics = c }
}

func WithTokenCounter(c tokenizer.Counter) Option {
	return func(r *Relay) { r.counter = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Relay) { r.tracer = t }
}

// WithClock overrides the clock used for the created timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// New creates a Relay that opens upstream calls through providers.
func New(providers Providers, opts ...Option) *Relay {
	r := &Relay{
		providers: providers,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.counter == nil {
		r.counter = tokenizer.New(r.logger)
	}
	return r
}

type requestIDKey struct{}

// WithRequestID attaches the inbound request id to ctx for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// session is the state of one request from INIT to TERMINAL.
type session struct {
	id      string
	created int64
	pair    models.ModelPair
	req     models.ChatRequest
	system  string
	rest    []models.Message
	stream  bool

	reasoner provider.Streamer
	answerer provider.Streamer
	logger   *zap.Logger

	// promptTokens is written by the answer leg and read after both legs are joined.
	promptTokens int
}

// legItem is what a leg sends to the consumer: a forwarded fragment, a
// completion signal, or a failure that ends the request.
type legItem struct {
	kind  models.StreamKind
	text  string
	model string
	done  bool
	err   error
}

func (r *Relay) newSession(ctx context.Context, pair models.ModelPair, req models.ChatRequest, stream bool) (*session, error) {
	if err := ValidateConversation(req.Messages); err != nil {
		return nil, err
	}

	reasoner, err := r.providers.Lookup(pair.Reason.Provider)
	if err != nil {
		return nil, fmt.Errorf("reasoning provider: %w", err)
	}
	answerer, err := r.providers.Lookup(pair.Answer.Provider)
	if err != nil {
		return nil, fmt.Errorf("answer provider: %w", err)
	}

	system, _, rest := SplitSystem(req.Messages)
	id := newChatID()

	return &session{
		id:       id,
		created:  r.now().Unix(),
		pair:     pair,
		req:      req,
		system:   system,
		rest:     rest,
		stream:   stream,
		reasoner: reasoner,
		answerer: answerer,
		logger: r.logger.With(
			zap.String("request_id", requestID(ctx)),
			zap.String("chat_id", id),
			zap.String("deep_model", pair.Name),
		),
	}, nil
}

// Stream starts both legs and returns the merged output. The channel is closed
// after a Done or Err event, or without a terminal event when ctx is cancelled.
func (r *Relay) Stream(ctx context.Context, pair models.ModelPair, req models.ChatRequest) (<-chan Event, error) {
	s, err := r.newSession(ctx, pair, req, true)
	if err != nil {
		return nil, err
	}
	finish := r.relayStarted(pair.Name, "stream")

	out := make(chan Event)
	go func() {
		defer close(out)

		var answer strings.Builder
		err := r.run(ctx, s, func(it legItem) bool {
			if it.kind == models.KindAnswer {
				answer.WriteString(it.text)
			}
			return send(ctx, out, Event{Chunk: s.chunk(it)})
		})

		switch {
		case ctx.Err() != nil:
			s.logger.Info("relay cancelled by caller")
			finish(metrics.StatusCancelled)
			return
		case err != nil:
			s.logger.Error("relay failed", zap.Error(err))
			finish(metrics.StatusFailed)
			send(ctx, out, Event{Err: err})
			return
		}

		usage := r.usage(s, answer.String())
		if req.IncludeUsage && !send(ctx, out, Event{Chunk: s.usageChunk(usage)}) {
			finish(metrics.StatusCancelled)
			return
		}
		send(ctx, out, Event{Done: true})
		finish(metrics.StatusOK)
	}()

	return out, nil
}

// Complete runs both legs without forwarding and returns one aggregated response.
func (r *Relay) Complete(ctx context.Context, pair models.ModelPair, req models.ChatRequest) (*ChatResponse, error) {
	s, err := r.newSession(ctx, pair, req, false)
	if err != nil {
		return nil, err
	}
	finish := r.relayStarted(pair.Name, "complete")

	var reasoning, answer strings.Builder
	err = r.run(ctx, s, func(it legItem) bool {
		switch it.kind {
		case models.KindReasoning:
			reasoning.WriteString(it.text)
		case models.KindAnswer:
			answer.WriteString(it.text)
		}
		return true
	})
	if err != nil {
		if ctx.Err() != nil {
			finish(metrics.StatusCancelled)
		} else {
			s.logger.Error("relay failed", zap.Error(err))
			finish(metrics.StatusFailed)
		}
		return nil, err
	}

	usage := r.usage(s, answer.String())
	finish(metrics.StatusOK)
	return s.response(reasoning.String(), answer.String(), usage), nil
}

// run launches both legs and consumes their items until two completions, a
// failure, or cancellation. Forwarded items go to sink in arrival order.
func (r *Relay) run(ctx context.Context, s *session, sink func(legItem) bool) error {
	legCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan legItem)
	h := newHandoff()

	var g errgroup.Group
	g.Go(func() error { return r.reasoningLeg(legCtx, s, h, items) })
	g.Go(func() error { return r.answerLeg(legCtx, s, h, items) })

	var failure error
	for completed := 0; completed < 2 && failure == nil; {
		select {
		case <-ctx.Done():
			failure = ctx.Err()
		case it := <-items:
			switch {
			case it.err != nil:
				failure = it.err
			case it.done:
				completed++
			case !sink(it):
				failure = context.Cause(ctx)
				if failure == nil {
					failure = errors.New("output consumer stopped")
				}
			}
		}
	}

	cancel()
	if err := g.Wait(); failure == nil {
		failure = err
	}
	return failure
}

func (r *Relay) usage(s *session, answer string) models.Usage {
	usage := models.NewUsage(s.promptTokens, r.counter.Count(answer))
	if r.metrics != nil {
		r.metrics.RecordTokens(s.pair.Answer.ModelID, usage.PromptTokens, usage.CompletionTokens)
	}
	s.logger.Debug("usage computed",
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
	)
	return usage
}

func (r *Relay) relayStarted(model, mode string) func(status string) {
	if r.metrics == nil {
		return func(string) {}
	}
	return r.metrics.RelayStarted(model, mode)
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- v:
		return true
	}
}
