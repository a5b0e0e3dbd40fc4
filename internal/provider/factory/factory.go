package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"deepclaude/internal/config"
	"deepclaude/internal/provider"
	claudeProvider "deepclaude/internal/provider/claude"
	openaiProvider "deepclaude/internal/provider/openai"
	openrouterProvider "deepclaude/internal/provider/openrouter"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	// Reasoning models may take a while before the first byte; the body itself is unbounded.
	defaultResponseHeaderTimeout = 120 * time.Second
)

// RegisterConfiguredProviders constructs a streamer for every configured provider
// and stores it in the registry under the provider name.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry, logger *zap.Logger) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	proxyURL, err := ProxyURL(cfg.Proxy)
	if err != nil {
		return err
	}

	direct := NewHTTPClient(nil)
	var proxied *http.Client
	if proxyURL != nil {
		proxied = NewHTTPClient(proxyURL)
	}

	for _, pc := range cfg.Providers {
		client := direct
		if pc.UseProxy && proxied != nil {
			client = proxied
		}

		streamer, err := New(pc, client, logger.With(zap.String("provider", pc.Name)))
		if err != nil {
			return fmt.Errorf("initialise provider %s: %w", pc.Name, err)
		}
		if err := registry.Register(streamer); err != nil {
			return fmt.Errorf("register provider %s: %w", pc.Name, err)
		}
		logger.Debug("provider registered",
			zap.String("provider", pc.Name),
			zap.String("type", pc.Type),
			zap.Bool("proxied", pc.UseProxy && proxied != nil),
		)
	}

	return nil
}

// New builds the streamer matching the provider type.
func New(pc config.ProviderConfig, client *http.Client, logger *zap.Logger) (provider.Streamer, error) {
	var (
		streamer provider.Streamer
		err      error
	)

	switch strings.ToLower(strings.TrimSpace(pc.Type)) {
	case config.ProviderTypeAnthropic:
		var p *claudeProvider.Provider
		p, err = claudeProvider.New(pc.Name, pc, client, logger)
		streamer = p
	case config.ProviderTypeOpenRouter:
		var p *openrouterProvider.Provider
		p, err = openrouterProvider.New(pc.Name, pc, client, logger)
		streamer = p
	case config.ProviderTypeOpenAICompatible:
		var p *openaiProvider.Provider
		p, err = openaiProvider.New(pc.Name, pc, client, openaiProvider.WithLogger(logger))
		streamer = p
	default:
		return nil, fmt.Errorf("%w: type %q", provider.ErrUnknownProvider, pc.Type)
	}
	if err != nil {
		return nil, err
	}
	return streamer, nil
}

// ProxyURL returns the outbound proxy URL, or nil when the proxy is disabled.
func ProxyURL(cfg config.ProxyConfig) (*url.URL, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(cfg.Address)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse proxy address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy address %q has no host", cfg.Address)
	}
	return u, nil
}

// NewHTTPClient returns a client for long-lived streaming calls. It has no overall
// timeout; callers bound requests with their context.
func NewHTTPClient(proxyURL *url.URL) *http.Client {
	proxy := http.ProxyFromEnvironment
	if proxyURL != nil {
		proxy = http.ProxyURL(proxyURL)
	}

	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
