package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"deepclaude/internal/models"
)

// Provider types understood by the adapter factory.
const (
	ProviderTypeAnthropic        = "anthropic"
	ProviderTypeOpenRouter       = "openrouter"
	ProviderTypeOpenAICompatible = "openai-compatible"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "json"

	defaultOTLPEndpoint = "localhost:4317"
	defaultServiceName  = "deepclaude"
	defaultSampleRate   = 1.0
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Log        LogConfig         `yaml:"log"`
	Proxy      ProxyConfig       `yaml:"proxy"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Providers  []ProviderConfig  `yaml:"providers"`
	BaseModels []BaseModelConfig `yaml:"base_models"`
	DeepModels []DeepModelConfig `yaml:"deep_models"`
}

// ServerConfig defines listener, auth and CORS configuration.
type ServerConfig struct {
	Port         int             `yaml:"port"`
	APIKeys      []string        `yaml:"api_keys"`
	AllowOrigins []string        `yaml:"allow_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig sets the per-client request budget. A zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig controls OpenTelemetry trace export over OTLP/gRPC.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// ProxyConfig is the outbound proxy used by providers with use_proxy set.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	Name     string  `yaml:"name"`
	Type     string  `yaml:"type"`
	BaseURL  string  `yaml:"base_url"`
	APIKey   string  `yaml:"api_key"`
	UseProxy bool    `yaml:"use_proxy"`
	Headers  Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// BaseModelConfig describes one upstream model exposed by a provider.
type BaseModelConfig struct {
	Name      string `yaml:"name"`
	ModelID   string `yaml:"model_id"`
	Provider  string `yaml:"provider"`
	Context   int    `yaml:"context"`
	MaxTokens int    `yaml:"max_tokens"`
}

// DeepModelConfig pairs a reasoning base model with an answering base model.
type DeepModelConfig struct {
	Name        string `yaml:"name"`
	ReasonModel string `yaml:"reason_model"`
	AnswerModel string `yaml:"answer_model"`
	// IsOriginReasoning defaults to true when omitted.
	IsOriginReasoning *bool `yaml:"is_origin_reasoning"`
}

// OriginReasoning reports whether the reasoning model streams reasoning in a dedicated field.
func (d DeepModelConfig) OriginReasoning() bool {
	if d.IsOriginReasoning == nil {
		return true
	}
	return *d.IsOriginReasoning
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// Load reads YAML configuration from disk, expands ${VAR} references and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes and validates configuration from raw YAML.
func Parse(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.RequestsPerSecond) + 1
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			c.Telemetry.OTLPEndpoint = defaultOTLPEndpoint
		}
		if c.Telemetry.ServiceName == "" {
			c.Telemetry.ServiceName = defaultServiceName
		}
		if c.Telemetry.SampleRate == 0 {
			c.Telemetry.SampleRate = defaultSampleRate
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must not be negative")
	}
	for i, key := range c.Server.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("server.api_keys[%d] must not be empty", i)
		}
	}

	if err := validateLog(c.Log); err != nil {
		return err
	}
	if err := validateProxy(c.Proxy); err != nil {
		return err
	}
	if rate := c.Telemetry.SampleRate; rate < 0 || rate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %g", rate)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	providers := make(map[string]struct{}, len(c.Providers))
	for _, provider := range c.Providers {
		if err := validateProvider(provider); err != nil {
			return err
		}
		if _, exists := providers[provider.Name]; exists {
			return fmt.Errorf("provider %s: names must be unique", provider.Name)
		}
		providers[provider.Name] = struct{}{}
	}

	baseModels := make(map[string]struct{}, len(c.BaseModels))
	for _, model := range c.BaseModels {
		if err := validateBaseModel(model); err != nil {
			return err
		}
		if _, exists := baseModels[model.Name]; exists {
			return fmt.Errorf("base model %s: names must be unique", model.Name)
		}
		if _, ok := providers[model.Provider]; !ok {
			return fmt.Errorf("base model %s: provider %q not found", model.Name, model.Provider)
		}
		baseModels[model.Name] = struct{}{}
	}

	deepModels := make(map[string]struct{}, len(c.DeepModels))
	for _, model := range c.DeepModels {
		if strings.TrimSpace(model.Name) == "" {
			return fmt.Errorf("deep model name must not be empty")
		}
		if _, exists := deepModels[model.Name]; exists {
			return fmt.Errorf("deep model %s: names must be unique", model.Name)
		}
		if _, ok := baseModels[model.ReasonModel]; !ok {
			return fmt.Errorf("deep model %s: reason model %q not found", model.Name, model.ReasonModel)
		}
		if _, ok := baseModels[model.AnswerModel]; !ok {
			return fmt.Errorf("deep model %s: answer model %q not found", model.Name, model.AnswerModel)
		}
		deepModels[model.Name] = struct{}{}
	}

	return nil
}

// Provider returns the provider configuration with the given name.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// BaseModel returns the base model with the given name in domain form.
func (c Config) BaseModel(name string) (models.BaseModel, bool) {
	for _, m := range c.BaseModels {
		if m.Name == name {
			return models.BaseModel{
				Name:      m.Name,
				ModelID:   m.ModelID,
				Provider:  m.Provider,
				Context:   m.Context,
				MaxTokens: m.MaxTokens,
			}, true
		}
	}
	return models.BaseModel{}, false
}

// DeepModel returns the deep model with the given name.
func (c Config) DeepModel(name string) (DeepModelConfig, bool) {
	for _, m := range c.DeepModels {
		if m.Name == name {
			return m, true
		}
	}
	return DeepModelConfig{}, false
}

func validateLog(cfg LogConfig) error {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", cfg.Level)
	}
	switch cfg.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q must be json or console", cfg.Format)
	}
	return nil
}

func validateProxy(cfg ProxyConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("proxy.address is required when proxy is enabled")
	}
	_, portStr, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return fmt.Errorf("proxy.address must be in the format host:port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("proxy port %q must be numeric", portStr)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("proxy port %d must be between 1 and 65535", port)
	}
	return nil
}

func validateProvider(provider ProviderConfig) error {
	name := provider.Name
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	switch provider.Type {
	case ProviderTypeAnthropic, ProviderTypeOpenRouter, ProviderTypeOpenAICompatible:
	default:
		return fmt.Errorf("provider %s: type %q must be one of %q, %q or %q", name, provider.Type,
			ProviderTypeAnthropic, ProviderTypeOpenRouter, ProviderTypeOpenAICompatible)
	}
	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	baseURL := strings.TrimSpace(provider.BaseURL)
	if baseURL == "" {
		// anthropic and openrouter adapters fall back to their public endpoints.
		if provider.Type == ProviderTypeOpenAICompatible {
			return fmt.Errorf("provider %s: base_url must be provided for type %q", name, provider.Type)
		}
	} else if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return fmt.Errorf("provider %s: base_url %q must start with http:// or https://", name, baseURL)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func validateBaseModel(model BaseModelConfig) error {
	if strings.TrimSpace(model.Name) == "" {
		return fmt.Errorf("base model name must not be empty")
	}
	if strings.TrimSpace(model.ModelID) == "" {
		return fmt.Errorf("base model %s: model_id must not be empty", model.Name)
	}
	if model.Context <= 0 {
		return fmt.Errorf("base model %s: context must be positive", model.Name)
	}
	if model.MaxTokens <= 0 {
		return fmt.Errorf("base model %s: max_tokens must be positive", model.Name)
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
