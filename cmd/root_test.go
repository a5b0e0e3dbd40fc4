package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"deepclaude/internal/config"
)

const cmdTestYAML = `
server:
  port: 8000
providers:
  - {name: deepseek, type: openai-compatible, base_url: https://api.deepseek.com, api_key: "${DEEPCLAUDE_CMD_TEST_KEY}"}
  - {name: anthropic, type: anthropic, base_url: https://api.anthropic.com, api_key: sk-ant}
base_models:
  - {name: deepseek-r1, model_id: deepseek-reasoner, provider: deepseek, context: 64000, max_tokens: 8192}
  - {name: claude-sonnet, model_id: claude-3-7-sonnet-20250219, provider: anthropic, context: 200000, max_tokens: 8192}
deep_models:
  - {name: deepclaude, reason_model: deepseek-r1, answer_model: claude-sonnet}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestExecute_Dispatch(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Execute(ctx, nil))
	assert.NoError(t, Execute(ctx, []string{"help"}))
	assert.NoError(t, Execute(ctx, []string{"version"}))

	err := Execute(ctx, []string{"bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "bogus"`)
}

func TestLoadConfig_EnvFileFeedsExpansion(t *testing.T) {
	t.Cleanup(func() { _ = os.Unsetenv("DEEPCLAUDE_CMD_TEST_KEY") })

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", cmdTestYAML)
	envPath := writeFile(t, dir, ".env", "DEEPCLAUDE_CMD_TEST_KEY=sk-from-dotenv\n")

	cfg, err := loadConfig(cfgPath, envPath)
	require.NoError(t, err)

	pc, ok := cfg.Provider("deepseek")
	require.True(t, ok)
	assert.Equal(t, "sk-from-dotenv", pc.APIKey)
}

func TestLoadConfig_MissingEnvFile(t *testing.T) {
	_, err := loadConfig("config.yaml", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestListModels(t *testing.T) {
	t.Setenv("DEEPCLAUDE_CMD_TEST_KEY", "sk-env")
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", cmdTestYAML)

	assert.NoError(t, listModels([]string{"--config", cfgPath}))
	assert.NoError(t, listModels([]string{"--help"}))
	assert.Error(t, listModels([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))
}

func TestServe_FlagErrors(t *testing.T) {
	t.Setenv("DEEPCLAUDE_CMD_TEST_KEY", "sk-env")
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", cmdTestYAML)

	assert.NoError(t, serve(context.Background(), []string{"--help"}))
	assert.Error(t, serve(context.Background(), []string{"--no-such-flag"}))

	err := serve(context.Background(), []string{"--config", cfgPath, "--port", "70000"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid TCP port")
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		cfg  config.LogConfig
		want zapcore.Level
	}{
		{cfg: config.LogConfig{Level: "debug", Format: "json"}, want: zapcore.DebugLevel},
		{cfg: config.LogConfig{Level: "warn", Format: "console"}, want: zapcore.WarnLevel},
		{cfg: config.LogConfig{Level: "error", Format: "json"}, want: zapcore.ErrorLevel},
		{cfg: config.LogConfig{Level: "", Format: ""}, want: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		logger := initLogger(tt.cfg)
		require.NotNil(t, logger)
		assert.True(t, logger.Core().Enabled(tt.want))
		if tt.want > zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(tt.want-1))
		}
	}
}
