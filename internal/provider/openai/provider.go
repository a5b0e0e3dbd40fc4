package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"deepclaude/internal/config"
	"deepclaude/internal/models"
	"deepclaude/internal/provider"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"
	userAgent         = "deepclaude/0.1"
)

// Provider streams chat completions from OpenAI-compatible APIs.
type Provider struct {
	name             string
	apiKey           string
	headers          map[string]string
	client           *http.Client
	chatURL          string
	includeReasoning bool
	logger           *zap.Logger
}

// Option customises a Provider.
type Option func(*Provider)

// WithIncludeReasoning sets include_reasoning on every request body.
func WithIncludeReasoning() Option {
	return func(p *Provider) { p.includeReasoning = true }
}

// WithDefaultHeaders adds headers that configured headers may override.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Provider) {
		merged := make(map[string]string, len(headers)+len(p.headers))
		for k, v := range headers {
			merged[k] = v
		}
		for k, v := range p.headers {
			merged[k] = v
		}
		p.headers = merged
	}
}

// WithLogger sets the provider logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a new OpenAI-compatible provider.
func New(name string, cfg config.ProviderConfig, client *http.Client, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	p := &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  client,
		chatURL: chatEndpoint(baseURL),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// chatEndpoint accepts base URLs with or without a trailing /v1.
func chatEndpoint(baseURL string) string {
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL + "/chat/completions"
	}
	return baseURL + "/v1/chat/completions"
}

func (p *Provider) Name() string {
	return p.name
}

// Stream opens the upstream call described by req.
func (p *Provider) Stream(ctx context.Context, req models.StreamRequest) (<-chan models.StreamEvent, error) {
	payload := buildChatPayload(req, p.includeReasoning)

	httpReq, err := p.newRequest(ctx, payload, req.Stream)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s chat request failed: %w", p.name, err)
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(p.name, httpResp)
	}

	p.logger.Debug("upstream stream opened",
		zap.String("provider", p.name),
		zap.String("model", req.Model.ModelID),
		zap.Stringer("mode", req.Mode),
		zap.Bool("stream", req.Stream),
	)

	ch := make(chan models.StreamEvent)
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		cls := newClassifier(req.Mode, req.OriginReasoning)
		var readErr error
		if req.Stream {
			readErr = readStream(ctx, httpResp.Body, cls, ch)
		} else {
			readErr = readResponse(ctx, httpResp.Body, cls, ch)
		}
		if readErr != nil && ctx.Err() == nil {
			provider.Send(ctx, ch, models.StreamEvent{Err: fmt.Errorf("%s: %w", p.name, readErr)})
		}
	}()
	return ch, nil
}

func (p *Provider) newRequest(ctx context.Context, payload any, stream bool) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	if stream {
		req.Header.Set("Accept", contentTypeStream)
	} else {
		req.Header.Set("Accept", contentTypeJSON)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func readStream(ctx context.Context, body io.Reader, cls *classifier, ch chan<- models.StreamEvent) error {
	err := provider.ScanSSE(body, func(_, data string) error {
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("upstream stream error (%s): %s", chunk.Error.Type, chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			for _, ev := range cls.classify(choice.Delta.reasoning(), deref(choice.Delta.Content)) {
				if !provider.Send(ctx, ch, ev) {
					return provider.ErrStopStream
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range cls.flush() {
		if !provider.Send(ctx, ch, ev) {
			return nil
		}
	}
	return nil
}

func readResponse(ctx context.Context, body io.Reader, cls *classifier, ch chan<- models.StreamEvent) error {
	var resp chatResponse
	if err := decodeJSON(body, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("upstream error (%s): %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return errors.New("response did not include choices")
	}

	msg := resp.Choices[0].Message
	events := cls.classify(msg.reasoning(), deref(msg.Content))
	events = append(events, cls.flush()...)
	for _, ev := range events {
		if !provider.Send(ctx, ch, ev) {
			return nil
		}
	}
	return nil
}

// classifier maps upstream text fields onto stream kinds for one call.
type classifier struct {
	mode  models.StreamMode
	think *thinkSplitter
}

func newClassifier(mode models.StreamMode, originReasoning bool) *classifier {
	c := &classifier{mode: mode}
	if mode == models.ModeReasoning && !originReasoning {
		c.think = &thinkSplitter{}
	}
	return c
}

func (c *classifier) classify(reasoning, content string) []models.StreamEvent {
	if c.mode == models.ModeAnswer {
		if content == "" {
			return nil
		}
		return []models.StreamEvent{{Kind: models.KindAnswer, Text: content}}
	}

	var out []models.StreamEvent
	if reasoning != "" {
		out = append(out, models.StreamEvent{Kind: models.KindReasoning, Text: reasoning})
	}
	if c.think != nil {
		return append(out, c.think.feed(content)...)
	}
	if content != "" {
		out = append(out, models.StreamEvent{Kind: models.KindContent, Text: content})
	}
	return out
}

func (c *classifier) flush() []models.StreamEvent {
	if c.think == nil {
		return nil
	}
	return c.think.flush()
}

type chatPayload struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	IncludeReasoning bool            `json:"include_reasoning,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(req models.StreamRequest, includeReasoning bool) chatPayload {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: models.RoleSystem, Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	return chatPayload{
		Model:            req.Model.ModelID,
		Messages:         messages,
		Stream:           req.Stream,
		MaxTokens:        req.Params.MaxTokens,
		Temperature:      req.Params.Temperature,
		TopP:             req.Params.TopP,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
		Stop:             req.Params.Stop,
		IncludeReasoning: includeReasoning,
	}
}

// delta carries the text fields of a streamed choice or a full message.
// DeepSeek uses reasoning_content, OpenRouter uses reasoning.
type delta struct {
	Role             string  `json:"role,omitempty"`
	Content          *string `json:"content"`
	ReasoningContent *string `json:"reasoning_content"`
	Reasoning        *string `json:"reasoning"`
}

func (d delta) reasoning() string {
	if v := deref(d.ReasoningContent); v != "" {
		return v
	}
	return deref(d.Reasoning)
}

type chatChunk struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []chunkChoice   `json:"choices"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type chunkChoice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type chatResponse struct {
	ID      string          `json:"id"`
	Choices []chatChoice    `json:"choices"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int    `json:"index"`
	Message      delta  `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(name string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%s upstream error status %d and failed to read body: %w", name, resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%s error status %d (%s): %s", name, resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("%s upstream error status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
