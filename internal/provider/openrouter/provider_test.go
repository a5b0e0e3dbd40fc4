package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deepclaude/internal/config"
	"deepclaude/internal/models"
)

func TestStream_SendsAttributionAndReasoningFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		assert.Equal(t, defaultReferer, r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "custom", r.Header.Get("X-Title"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["include_reasoning"])
		assert.Equal(t, "deepseek/deepseek-r1", body["model"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"reasoning":"because"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"so"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New("openrouter", config.ProviderConfig{
		BaseURL: srv.URL + "/api/v1/",
		APIKey:  "or-key",
		Headers: config.Headers{"X-Title": "custom"},
	}, http.DefaultClient, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "openrouter", p.Name())

	ch, err := p.Stream(context.Background(), models.StreamRequest{
		Model:           models.BaseModel{ModelID: "deepseek/deepseek-r1"},
		Mode:            models.ModeReasoning,
		OriginReasoning: true,
		Stream:          true,
	})
	require.NoError(t, err)

	var got []models.StreamEvent
	for ev := range ch {
		got = append(got, ev)
	}
	assert.Equal(t, []models.StreamEvent{
		{Kind: models.KindReasoning, Text: "because"},
		{Kind: models.KindContent, Text: "so"},
	}, got)
}

func TestNew_DefaultBaseURL(t *testing.T) {
	p, err := New("or", config.ProviderConfig{}, http.DefaultClient, nil)
	require.NoError(t, err)
	require.NotNil(t, p.adapter)

	_, err = New("or", config.ProviderConfig{}, nil, nil)
	assert.Error(t, err)
}
