package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"deepclaude/internal/config"
	"deepclaude/internal/models"
	openaiProvider "deepclaude/internal/provider/openai"
)

// DefaultBaseURL is used when the provider entry leaves base_url empty.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

const (
	defaultReferer = "https://github.com/deepclaude/deepclaude"
	defaultTitle   = "DeepClaude"
)

// Provider routes OpenRouter calls through the OpenAI-compatible adapter with
// OpenRouter's attribution headers and reasoning opt-in.
type Provider struct {
	name    string
	adapter *openaiProvider.Provider
}

// New constructs an OpenRouter provider.
func New(name string, cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	routerCfg := cfg
	routerCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if routerCfg.BaseURL == "" {
		routerCfg.BaseURL = DefaultBaseURL
	}

	adapter, err := openaiProvider.New(name, routerCfg, client,
		openaiProvider.WithDefaultHeaders(map[string]string{
			"HTTP-Referer": defaultReferer,
			"X-Title":      defaultTitle,
		}),
		openaiProvider.WithIncludeReasoning(),
		openaiProvider.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize openai adapter: %w", err)
	}

	return &Provider{name: name, adapter: adapter}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Stream(ctx context.Context, req models.StreamRequest) (<-chan models.StreamEvent, error) {
	return p.adapter.Stream(ctx, req)
}
