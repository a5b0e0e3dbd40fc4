package relay

import (
	"strings"

	"github.com/google/uuid"

	"deepclaude/internal/models"
)

const (
	objectChunk      = "chat.completion.chunk"
	objectCompletion = "chat.completion"
	finishStop       = "stop"
)

// Event is one item of a streamed response: exactly one of Chunk, Done or Err is set.
// The last item of a stream that was not cancelled is Done or Err.
type Event struct {
	Chunk *ChatChunk
	Done  bool
	Err   error
}

// ChatChunk is an OpenAI chat.completion.chunk.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`
}

type Delta struct {
	Role             string `json:"role"`
	ReasoningContent string `json:"reasoning_content"`
	Content          string `json:"content"`
}

// ChatResponse is an OpenAI chat.completion.
type ChatResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []ResponseChoice `json:"choices"`
	Usage   Usage            `json:"usage"`
}

type ResponseChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type ResponseMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func usageFrom(u models.Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// newChatID returns "chatcmpl-" followed by 32 hex characters.
func newChatID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// chunk formats one forwarded leg item.
func (s *session) chunk(it legItem) *ChatChunk {
	delta := Delta{Role: models.RoleAssistant}
	if it.kind == models.KindReasoning {
		delta.ReasoningContent = it.text
	} else {
		delta.Content = it.text
	}
	return &ChatChunk{
		ID:      s.id,
		Object:  objectChunk,
		Created: s.created,
		Model:   it.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta}},
	}
}

// usageChunk is the trailing chunk sent when the caller asked for usage.
func (s *session) usageChunk(u models.Usage) *ChatChunk {
	usage := usageFrom(u)
	return &ChatChunk{
		ID:      s.id,
		Object:  objectChunk,
		Created: s.created,
		Model:   s.pair.Answer.ModelID,
		Choices: []ChunkChoice{},
		Usage:   &usage,
	}
}

func (s *session) response(reasoning, answer string, u models.Usage) *ChatResponse {
	return &ChatResponse{
		ID:      s.id,
		Object:  objectCompletion,
		Created: s.created,
		Model:   s.pair.Answer.ModelID,
		Choices: []ResponseChoice{{
			Index: 0,
			Message: ResponseMessage{
				Role:             models.RoleAssistant,
				Content:          answer,
				ReasoningContent: reasoning,
			},
			FinishReason: finishStop,
		}},
		Usage: usageFrom(u),
	}
}
