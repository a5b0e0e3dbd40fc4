package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepclaude/internal/config"
	"deepclaude/internal/models"
)

func sseServer(t *testing.T, lines []string, inspect func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		if inspect != nil {
			inspect(r, body)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newTestProvider(t *testing.T, url string, opts ...Option) *Provider {
	t.Helper()
	p, err := New("upstream", config.ProviderConfig{
		Name:    "upstream",
		BaseURL: url,
		APIKey:  "sk-test",
		Headers: map[string]string{"X-Custom": "yes"},
	}, http.DefaultClient, opts...)
	require.NoError(t, err)
	return p
}

func collect(t *testing.T, ch <-chan models.StreamEvent) []models.StreamEvent {
	t.Helper()
	var out []models.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStream_ReasoningMode(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"think "}}]}`,
		`{"choices":[{"index":0,"delta":{"reasoning_content":"hard"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"answer"}}]}`,
	}, func(r *http.Request, body map[string]any) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "deepseek-reasoner", body["model"])
		assert.Equal(t, true, body["stream"])
		assert.NotContains(t, body, "temperature")
	})
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	ch, err := p.Stream(context.Background(), models.StreamRequest{
		Model:           models.BaseModel{ModelID: "deepseek-reasoner"},
		Messages:        []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Mode:            models.ModeReasoning,
		OriginReasoning: true,
		Stream:          true,
	})
	require.NoError(t, err)

	assert.Equal(t, []models.StreamEvent{
		{Kind: models.KindReasoning, Text: "think "},
		{Kind: models.KindReasoning, Text: "hard"},
		{Kind: models.KindContent, Text: "answer"},
	}, collect(t, ch))
}

func TestStream_OpenRouterReasoningField(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"reasoning":"r1"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"c"}}]}`,
	}, func(_ *http.Request, body map[string]any) {
		assert.Equal(t, true, body["include_reasoning"])
	})
	defer srv.Close()

	p := newTestProvider(t, srv.URL, WithIncludeReasoning())
	ch, err := p.Stream(context.Background(), models.StreamRequest{
		Mode:            models.ModeReasoning,
		OriginReasoning: true,
		Stream:          true,
	})
	require.NoError(t, err)

	assert.Equal(t, []models.StreamEvent{
		{Kind: models.KindReasoning, Text: "r1"},
		{Kind: models.KindContent, Text: "c"},
	}, collect(t, ch))
}

func TestStream_ThinkTags(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"<thi"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"nk>step one</th"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"ink>done"}}]}`,
	}, nil)
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	ch, err := p.Stream(context.Background(), models.StreamRequest{
		Mode:   models.ModeReasoning,
		Stream: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []models.StreamEvent{
		{Kind: models.KindReasoning, Text: "step one"},
		{Kind: models.KindContent, Text: "done"},
	}, collect(t, ch))
}

func TestStream_AnswerModeForwardsParams(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"a1"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":""}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"a2"}}]}`,
	}, func(_ *http.Request, body map[string]any) {
		assert.Equal(t, 0.5, body["temperature"])
		assert.Equal(t, float64(128), body["max_tokens"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, map[string]any{"role": "system", "content": "be brief"}, msgs[0])
	})
	defer srv.Close()

	temp := 0.5
	maxTokens := 128
	p := newTestProvider(t, srv.URL)
	ch, err := p.Stream(context.Background(), models.StreamRequest{
		Messages:     []models.Message{{Role: models.RoleUser, Content: "q"}},
		SystemPrompt: "be brief",
		Params:       models.Params{Temperature: &temp, MaxTokens: &maxTokens},
		Mode:         models.ModeAnswer,
		Stream:       true,
	})
	require.NoError(t, err)

	assert.Equal(t, []models.StreamEvent{
		{Kind: models.KindAnswer, Text: "a1"},
		{Kind: models.KindAnswer, Text: "a2"},
	}, collect(t, ch))
}

func TestStream_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","reasoning_content":"why","content":"what"}}]}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	ch, err := p.Stream(context.Background(), models.StreamRequest{
		Mode:            models.ModeReasoning,
		OriginReasoning: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []models.StreamEvent{
		{Kind: models.KindReasoning, Text: "why"},
		{Kind: models.KindContent, Text: "what"},
	}, collect(t, ch))
}

func TestStream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"auth"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	_, err := p.Stream(context.Background(), models.StreamRequest{Stream: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad key")
}

func TestStream_MidStreamErrorIsLast(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"a1"}}]}`,
		`{"error":{"message":"overloaded","type":"server_error"}}`,
		`{"choices":[{"index":0,"delta":{"content":"never"}}]}`,
	}, nil)
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	ch, err := p.Stream(context.Background(), models.StreamRequest{Mode: models.ModeAnswer, Stream: true})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, "a1", events[0].Text)
	require.Error(t, events[1].Err)
	assert.Contains(t, events[1].Err.Error(), "overloaded")
}

func TestStream_CancelStopsReading(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"first"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestProvider(t, srv.URL)
	ch, err := p.Stream(ctx, models.StreamRequest{Mode: models.ModeAnswer, Stream: true})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "first", first.Text)
	cancel()

	for ev := range ch {
		assert.NoError(t, ev.Err, "no error event after cancellation")
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New("x", config.ProviderConfig{BaseURL: "http://a"}, nil)
	assert.Error(t, err)

	_, err = New("x", config.ProviderConfig{}, http.DefaultClient)
	assert.Error(t, err)
}

func TestChatEndpoint(t *testing.T) {
	cases := map[string]string{
		"https://api.deepseek.com":                "https://api.deepseek.com/v1/chat/completions",
		"https://openrouter.ai/api/v1":            "https://openrouter.ai/api/v1/chat/completions",
		"https://host/custom/v1/chat/completions": "https://host/custom/v1/chat/completions",
	}
	for in, want := range cases {
		assert.Equal(t, want, chatEndpoint(strings.TrimRight(in, "/")), in)
	}
}

func TestWithDefaultHeaders_ConfiguredWins(t *testing.T) {
	p, err := New("x", config.ProviderConfig{
		BaseURL: "http://a",
		Headers: map[string]string{"X-Title": "mine"},
	}, http.DefaultClient, WithDefaultHeaders(map[string]string{"X-Title": "default", "HTTP-Referer": "r"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Title": "mine", "HTTP-Referer": "r"}, p.headers)
}
