package claude

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

// DefaultBaseURL is used when the provider entry leaves base_url empty.
const DefaultBaseURL = "https://api.anthropic.com"

const (
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"
	userAgent         = "deepclaude/0.1"
	apiVersion        = "2023-06-01"

	defaultMaxTokens  = 8192
	minThinkingBudget = 1024
)

// Provider implements Anthropic Messages API streaming.
type Provider struct {
	name     string
	apiKey   string
	headers  map[string]string
	client   *http.Client
	messages string
	logger   *zap.Logger
}

// New constructs a Claude provider instance.
func New(name string, cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	messages := baseURL + "/v1/messages"
	if strings.HasSuffix(baseURL, "/v1") {
		messages = baseURL + "/messages"
	}

	return &Provider{
		name:     name,
		apiKey:   cfg.APIKey,
		headers:  cfg.Headers,
		client:   client,
		messages: messages,
		logger:   logger,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// Stream opens a Messages API call. In reasoning mode extended thinking is
// requested and thinking blocks become reasoning events; text blocks are
// content in reasoning mode and answer text otherwise.
func (p *Provider) Stream(ctx context.Context, req models.StreamRequest) (<-chan models.StreamEvent, error) {
	payload, err := buildMessagePayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, payload, req.Stream)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("claude chat request failed: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
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

		var readErr error
		if req.Stream {
			readErr = readStream(ctx, httpResp.Body, req.Mode, ch)
		} else {
			readErr = readResponse(ctx, httpResp.Body, req.Mode, ch)
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.messages, bytes.NewReader(body))
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
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// blockEvent maps one content block fragment onto a stream event for mode.
func blockEvent(mode models.StreamMode, blockType, text string) (models.StreamEvent, bool) {
	if text == "" {
		return models.StreamEvent{}, false
	}
	switch blockType {
	case "thinking", "thinking_delta":
		if mode != models.ModeReasoning {
			return models.StreamEvent{}, false
		}
		return models.StreamEvent{Kind: models.KindReasoning, Text: text}, true
	case "text", "text_delta":
		if mode == models.ModeReasoning {
			return models.StreamEvent{Kind: models.KindContent, Text: text}, true
		}
		return models.StreamEvent{Kind: models.KindAnswer, Text: text}, true
	default:
		return models.StreamEvent{}, false
	}
}

func readStream(ctx context.Context, body io.Reader, mode models.StreamMode, ch chan<- models.StreamEvent) error {
	return provider.ScanSSE(body, func(event, data string) error {
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if event == "" {
			event = ev.Type
		}

		switch event {
		case "error":
			if ev.Error == nil {
				return errors.New("claude stream error")
			}
			return fmt.Errorf("claude stream error (%s): %s", ev.Error.Type, ev.Error.Message)
		case "message_stop":
			return provider.ErrStopStream
		case "content_block_delta":
			if ev.Delta == nil {
				return nil
			}
			text := ev.Delta.Text
			if ev.Delta.Type == "thinking_delta" {
				text = ev.Delta.Thinking
			}
			out, ok := blockEvent(mode, ev.Delta.Type, text)
			if !ok {
				return nil
			}
			if !provider.Send(ctx, ch, out) {
				return provider.ErrStopStream
			}
		}
		return nil
	})
}

func readResponse(ctx context.Context, body io.Reader, mode models.StreamMode, ch chan<- models.StreamEvent) error {
	var resp messageResponse
	if err := decodeJSON(body, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("claude error (%s): %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Content) == 0 {
		return errors.New("claude response missing content blocks")
	}

	for _, block := range resp.Content {
		text := block.Text
		if block.Type == "thinking" {
			text = block.Thinking
		}
		out, ok := blockEvent(mode, block.Type, text)
		if !ok {
			continue
		}
		if !provider.Send(ctx, ch, out) {
			return nil
		}
	}
	return nil
}

type messagePayload struct {
	Model         string          `json:"model"`
	Messages      []message       `json:"messages"`
	System        string          `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Thinking      *thinkingConfig `json:"thinking,omitempty"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

func buildMessagePayload(req models.StreamRequest) (messagePayload, error) {
	messages := make([]message, 0, len(req.Messages))
	var systemParts []string
	if strings.TrimSpace(req.SystemPrompt) != "" {
		systemParts = append(systemParts, req.SystemPrompt)
	}

	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case models.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case models.RoleUser, models.RoleAssistant:
			if strings.TrimSpace(msg.Content) == "" {
				return messagePayload{}, errors.New("claude messages must not be empty")
			}
			messages = append(messages, message{
				Role: role,
				Content: []contentBlock{
					{Type: "text", Text: msg.Content},
				},
			})
		default:
			return messagePayload{}, fmt.Errorf("claude provider does not support role %q", msg.Role)
		}
	}

	if len(messages) == 0 {
		return messagePayload{}, errors.New("claude request requires at least one user message")
	}
	if messages[0].Role != models.RoleUser {
		return messagePayload{}, errors.New("claude conversation must start with a user message")
	}

	maxTokens := defaultMaxTokens
	switch {
	case req.Params.MaxTokens != nil && *req.Params.MaxTokens > 0:
		maxTokens = *req.Params.MaxTokens
	case req.Model.MaxTokens > 0:
		maxTokens = req.Model.MaxTokens
	}

	payload := messagePayload{
		Model:         req.Model.ModelID,
		Messages:      messages,
		MaxTokens:     maxTokens,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		StopSequences: req.Params.Stop,
		Stream:        req.Stream,
	}

	if len(systemParts) > 0 {
		payload.System = strings.Join(systemParts, "\n\n")
	}

	if req.Mode == models.ModeReasoning {
		if budget := maxTokens / 2; budget >= minThinkingBudget {
			payload.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: budget}
			// Anthropic rejects sampling overrides alongside extended thinking.
			payload.Temperature = nil
			payload.TopP = nil
		}
	}

	return payload, nil
}

type streamEvent struct {
	Type  string       `json:"type"`
	Index int          `json:"index"`
	Delta *streamDelta `json:"delta,omitempty"`
	Error *apiError    `json:"error,omitempty"`
}

type streamDelta struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Error      *apiError      `json:"error,omitempty"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("claude error status %d (%s): %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("upstream error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
