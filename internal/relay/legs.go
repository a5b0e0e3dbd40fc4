package relay

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"deepclaude/internal/metrics"
	"deepclaude/internal/models"
)

// reasoningLeg streams the reasoning model, forwards reasoning fragments and
// publishes the accumulated text once. Its failures never fail the request.
func (r *Relay) reasoningLeg(ctx context.Context, s *session, h *handoff, items chan<- legItem) error {
	model := s.pair.Reason
	ctx, span := r.startSpan(ctx, "relay.reasoning", model)
	defer span.End()
	logger := legLogger(s, LegReasoning, model)
	start := time.Now()

	text, status := r.streamReasoning(ctx, s, items, logger, span)
	r.recordLeg(LegReasoning, model, status, start)
	if status == metrics.StatusCancelled {
		return nil
	}
	h.publish(text)
	logger.Info("reasoning finished",
		zap.String("status", status),
		zap.Int("reasoning_bytes", len(text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	send(ctx, items, legItem{done: true})
	return nil
}

// streamReasoning returns the text to hand off and the leg outcome. A failed
// reasoning call hands off nothing so the answer leg uses the placeholder.
func (r *Relay) streamReasoning(ctx context.Context, s *session, items chan<- legItem, logger *zap.Logger, span trace.Span) (string, string) {
	model := s.pair.Reason

	// Cancelled as soon as reasoning is over so the upstream connection is released.
	upstreamCtx, stop := context.WithCancel(ctx)
	defer stop()

	messages := make([]models.Message, len(s.req.Messages))
	copy(messages, s.req.Messages)

	events, err := s.reasoner.Stream(upstreamCtx, models.StreamRequest{
		Model:           model,
		Messages:        messages,
		Mode:            models.ModeReasoning,
		OriginReasoning: s.pair.OriginReasoning,
		Stream:          true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", metrics.StatusCancelled
		}
		r.degrade(span, logger, &ProviderStreamError{Leg: LegReasoning, Model: model.ModelID, Err: err})
		return "", metrics.StatusDegraded
	}

	var acc strings.Builder
	for ev := range events {
		if ev.Err != nil {
			r.degrade(span, logger, &ProviderStreamError{Leg: LegReasoning, Model: model.ModelID, Err: ev.Err})
			return "", metrics.StatusDegraded
		}
		if ev.Kind != models.KindReasoning {
			return acc.String(), metrics.StatusOK
		}
		if ev.Text == "" {
			continue
		}
		acc.WriteString(ev.Text)
		if !send(ctx, items, legItem{kind: models.KindReasoning, text: ev.Text, model: model.ModelID}) {
			return acc.String(), metrics.StatusCancelled
		}
	}
	if ctx.Err() != nil {
		return acc.String(), metrics.StatusCancelled
	}
	return acc.String(), metrics.StatusOK
}

// answerLeg waits for the handoff, splices the reasoning into the conversation
// and forwards the answer model's output. Its failures end the request.
func (r *Relay) answerLeg(ctx context.Context, s *session, h *handoff, items chan<- legItem) error {
	model := s.pair.Answer
	logger := legLogger(s, LegAnswer, model)

	reasoning, err := h.wait(ctx)
	if err != nil || ctx.Err() != nil {
		return nil
	}

	ctx, span := r.startSpan(ctx, "relay.answer", model)
	defer span.End()
	start := time.Now()

	if strings.TrimSpace(reasoning) == "" {
		logger.Warn("no reasoning content, continuing with placeholder")
		reasoning = ReasoningUnavailablePlaceholder
	}
	if r.metrics != nil {
		r.metrics.RecordReasoningLength(len(reasoning))
	}

	messages, err := Splice(s.rest, reasoning)
	if err != nil {
		return r.failAnswer(ctx, span, logger, items, model, err, start)
	}
	s.promptTokens = r.counter.Count(renderPrompt(messages))

	events, err := s.answerer.Stream(ctx, models.StreamRequest{
		Model:        model,
		Messages:     messages,
		SystemPrompt: s.system,
		Params:       s.req.Params,
		Mode:         models.ModeAnswer,
		Stream:       s.stream,
	})
	if err != nil {
		if ctx.Err() != nil {
			r.recordLeg(LegAnswer, model, metrics.StatusCancelled, start)
			return nil
		}
		return r.failAnswer(ctx, span, logger, items, model, &ProviderStreamError{Leg: LegAnswer, Model: model.ModelID, Err: err}, start)
	}

	for ev := range events {
		if ev.Err != nil {
			return r.failAnswer(ctx, span, logger, items, model, &ProviderStreamError{Leg: LegAnswer, Model: model.ModelID, Err: ev.Err}, start)
		}
		if ev.Kind != models.KindAnswer || ev.Text == "" {
			continue
		}
		if !send(ctx, items, legItem{kind: models.KindAnswer, text: ev.Text, model: model.ModelID}) {
			r.recordLeg(LegAnswer, model, metrics.StatusCancelled, start)
			return nil
		}
	}
	if ctx.Err() != nil {
		r.recordLeg(LegAnswer, model, metrics.StatusCancelled, start)
		return nil
	}

	r.recordLeg(LegAnswer, model, metrics.StatusOK, start)
	logger.Info("answer finished", zap.Duration("elapsed", time.Since(start)))
	send(ctx, items, legItem{done: true})
	return nil
}

func (r *Relay) failAnswer(ctx context.Context, span trace.Span, logger *zap.Logger, items chan<- legItem, model models.BaseModel, err error, start time.Time) error {
	logger.Error("answer leg failed", zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.recordLeg(LegAnswer, model, metrics.StatusFailed, start)
	send(ctx, items, legItem{err: err})
	return err
}

func (r *Relay) degrade(span trace.Span, logger *zap.Logger, err error) {
	logger.Warn("reasoning leg failed, continuing without reasoning", zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (r *Relay) startSpan(ctx context.Context, name string, model models.BaseModel) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("relay.model", model.ModelID),
		attribute.String("relay.provider", model.Provider),
	))
}

func (r *Relay) recordLeg(leg string, model models.BaseModel, status string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordLeg(leg, model.Provider, model.ModelID, status, time.Since(start))
}

func legLogger(s *session, leg string, model models.BaseModel) *zap.Logger {
	return s.logger.With(
		zap.String("leg", leg),
		zap.String("model", model.ModelID),
		zap.String("provider", model.Provider),
	)
}
