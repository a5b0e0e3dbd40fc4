package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  port: 8000
  api_keys: ["sk-local"]
providers:
  - name: deepseek
    type: openai-compatible
    base_url: https://api.deepseek.com
    api_key: ${DEEPCLAUDE_TEST_KEY}
  - name: anthropic
    type: anthropic
    base_url: https://api.anthropic.com
    api_key: sk-ant
    use_proxy: true
base_models:
  - {name: deepseek-r1, model_id: deepseek-reasoner, provider: deepseek, context: 64000, max_tokens: 8192}
  - {name: claude-sonnet, model_id: claude-3-7-sonnet-20250219, provider: anthropic, context: 200000, max_tokens: 8192}
deep_models:
  - {name: deepclaude, reason_model: deepseek-r1, answer_model: claude-sonnet}
  - {name: deepclaude-think, reason_model: deepseek-r1, answer_model: claude-sonnet, is_origin_reasoning: false}
`

func TestParse_Valid(t *testing.T) {
	t.Setenv("DEEPCLAUDE_TEST_KEY", "sk-expanded")

	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	provider, ok := cfg.Provider("deepseek")
	require.True(t, ok)
	assert.Equal(t, "sk-expanded", provider.APIKey)

	base, ok := cfg.BaseModel("claude-sonnet")
	require.True(t, ok)
	assert.Equal(t, "claude-3-7-sonnet-20250219", base.ModelID)
	assert.Equal(t, "anthropic", base.Provider)

	deep, ok := cfg.DeepModel("deepclaude")
	require.True(t, ok)
	assert.True(t, deep.OriginReasoning())

	think, ok := cfg.DeepModel("deepclaude-think")
	require.True(t, ok)
	assert.False(t, think.OriginReasoning())
}

func TestLoad_FromFile(t *testing.T) {
	t.Setenv("DEEPCLAUDE_TEST_KEY", "sk-file")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.DeepModels, 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DEEPCLAUDE_ENVFILE_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("DEEPCLAUDE_ENVFILE_KEY") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-dotenv", os.Getenv("DEEPCLAUDE_ENVFILE_KEY"))
}

func TestValidate_Errors(t *testing.T) {
	t.Setenv("DEEPCLAUDE_TEST_KEY", "sk")
	base := func(t *testing.T) Config {
		cfg, err := Parse([]byte(validYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "unknown provider type",
			mutate:  func(c *Config) { c.Providers[0].Type = "bedrock" },
			wantErr: "type \"bedrock\"",
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.Providers[1].APIKey = " " },
			wantErr: "api_key must be provided",
		},
		{
			name:    "non http base url",
			mutate:  func(c *Config) { c.Providers[0].BaseURL = "ftp://example.com" },
			wantErr: "must start with http",
		},
		{
			name:    "openai compatible without base url",
			mutate:  func(c *Config) { c.Providers[0].BaseURL = "" },
			wantErr: "base_url must be provided",
		},
		{
			name:    "telemetry sample rate out of range",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "telemetry.sample_rate",
		},
		{
			name:    "duplicate provider",
			mutate:  func(c *Config) { c.Providers[1].Name = "deepseek" },
			wantErr: "names must be unique",
		},
		{
			name:    "base model unknown provider",
			mutate:  func(c *Config) { c.BaseModels[0].Provider = "nope" },
			wantErr: "provider \"nope\" not found",
		},
		{
			name:    "base model zero context",
			mutate:  func(c *Config) { c.BaseModels[0].Context = 0 },
			wantErr: "context must be positive",
		},
		{
			name:    "deep model unknown answer model",
			mutate:  func(c *Config) { c.DeepModels[0].AnswerModel = "gpt-9" },
			wantErr: "answer model \"gpt-9\" not found",
		},
		{
			name: "proxy bad port",
			mutate: func(c *Config) {
				c.Proxy = ProxyConfig{Enabled: true, Address: "127.0.0.1:99999"}
			},
			wantErr: "between 1 and 65535",
		},
		{
			name: "proxy missing port",
			mutate: func(c *Config) {
				c.Proxy = ProxyConfig{Enabled: true, Address: "localhost"}
			},
			wantErr: "host:port",
		},
		{
			name:    "bad header",
			mutate:  func(c *Config) { c.Providers[0].Headers = Headers{"X_Bad": "1"} },
			wantErr: "canonical HTTP header",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_RateLimitBurstDefault(t *testing.T) {
	t.Setenv("DEEPCLAUDE_TEST_KEY", "sk")
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Zero(t, cfg.Server.RateLimit.Burst)

	cfg.Server.RateLimit.RequestsPerSecond = 4
	cfg.applyDefaults()
	assert.Equal(t, 5, cfg.Server.RateLimit.Burst)
}

func TestValidate_BaseURLOptionalForHostedProviders(t *testing.T) {
	t.Setenv("DEEPCLAUDE_TEST_KEY", "sk")
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	cfg.Providers[1].BaseURL = ""
	require.NoError(t, cfg.Validate())

	cfg.Providers[1].Type = ProviderTypeOpenRouter
	require.NoError(t, cfg.Validate())
}

func TestParse_TelemetryDefaults(t *testing.T) {
	t.Setenv("DEEPCLAUDE_TEST_KEY", "sk")

	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.Telemetry.OTLPEndpoint)

	cfg, err = Parse([]byte(validYAML + "telemetry:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "deepclaude", cfg.Telemetry.ServiceName)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)
}
