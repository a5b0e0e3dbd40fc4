package router

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"deepclaude/internal/config"
	"deepclaude/internal/models"
)

// ErrModelNotFound indicates the requested model pair cannot be resolved.
var ErrModelNotFound = errors.New("model not found")

const (
	compositeSeparator = "+"
	aliasPrefix        = "MODEL_"
)

// Router resolves caller-facing model identifiers into model pairs.
type Router struct {
	cfg    config.Config
	lookup func(string) (string, bool)
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]models.ModelPair
}

// Option customises a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEnvLookup replaces os.LookupEnv for alias resolution.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(r *Router) {
		if lookup != nil {
			r.lookup = lookup
		}
	}
}

// New constructs a router backed by the provided configuration.
func New(cfg config.Config, opts ...Option) *Router {
	r := &Router{
		cfg:    cfg,
		lookup: os.LookupEnv,
		logger: zap.NewNop(),
		cache:  make(map[string]models.ModelPair),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the model pair for id. Configured deep models win; otherwise
// id is parsed as "<reason>+<answer>", where each side may be remapped through a
// MODEL_<SIDE> environment alias and falls back to the raw side when unset.
// Results are cached, so resolving the same id twice yields the same value.
func (r *Router) Resolve(id string) (models.ModelPair, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.ModelPair{}, fmt.Errorf("%w: empty model id", ErrModelNotFound)
	}

	r.mu.RLock()
	pair, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return pair, nil
	}

	pair, err := r.resolve(id)
	if err != nil {
		return models.ModelPair{}, err
	}

	r.mu.Lock()
	if cached, exists := r.cache[id]; exists {
		pair = cached
	} else {
		r.cache[id] = pair
	}
	r.mu.Unlock()

	r.logger.Debug("model pair resolved",
		zap.String("id", id),
		zap.String("reason_model", pair.Reason.ModelID),
		zap.String("answer_model", pair.Answer.ModelID),
	)
	return pair, nil
}

func (r *Router) resolve(id string) (models.ModelPair, error) {
	if deep, ok := r.cfg.DeepModel(id); ok {
		return r.pair(id, deep.ReasonModel, deep.AnswerModel, deep.OriginReasoning())
	}

	reasonPart, answerPart, ok := strings.Cut(id, compositeSeparator)
	if !ok || reasonPart == "" || answerPart == "" || strings.Contains(answerPart, compositeSeparator) {
		return models.ModelPair{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}

	return r.pair(id, r.alias(reasonPart), r.alias(answerPart), true)
}

func (r *Router) pair(id, reasonName, answerName string, originReasoning bool) (models.ModelPair, error) {
	reason, ok := r.cfg.BaseModel(reasonName)
	if !ok {
		return models.ModelPair{}, fmt.Errorf("%w: %s (reason model %q)", ErrModelNotFound, id, reasonName)
	}
	answer, ok := r.cfg.BaseModel(answerName)
	if !ok {
		return models.ModelPair{}, fmt.Errorf("%w: %s (answer model %q)", ErrModelNotFound, id, answerName)
	}
	return models.ModelPair{
		Name:            id,
		Reason:          reason,
		Answer:          answer,
		OriginReasoning: originReasoning,
	}, nil
}

func (r *Router) alias(part string) string {
	key := aliasPrefix + strings.ToUpper(strings.ReplaceAll(part, "-", "_"))
	if value, ok := r.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return part
}

// ModelNames lists the configured deep model names in sorted order.
func (r *Router) ModelNames() []string {
	names := make([]string, 0, len(r.cfg.DeepModels))
	for _, deep := range r.cfg.DeepModels {
		names = append(names, deep.Name)
	}
	sort.Strings(names)
	return names
}
