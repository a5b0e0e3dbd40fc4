package models

// Role names accepted in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    string
	Content string
}

// Params carries the generation parameters forwarded to the answering model.
// Nil pointers mean "not set by the caller".
type Params struct {
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	MaxTokens        *int
	Stop             []string
}

// ChatRequest is the canonical representation of an incoming chat completion.
type ChatRequest struct {
	Model        string
	Messages     []Message
	Params       Params
	Stream       bool
	IncludeUsage bool
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewUsage builds a Usage whose total is always the sum of its parts.
func NewUsage(prompt, completion int) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// BaseModel identifies one upstream model bound to a configured provider.
type BaseModel struct {
	Name      string
	ModelID   string
	Provider  string
	Context   int
	MaxTokens int
}

// ModelPair is a resolved reasoning/answering model combination.
type ModelPair struct {
	Name            string
	Reason          BaseModel
	Answer          BaseModel
	OriginReasoning bool
}

// StreamKind classifies a fragment produced by a provider stream.
type StreamKind string

const (
	// KindReasoning is intermediate thinking text.
	KindReasoning StreamKind = "reasoning"
	// KindContent is regular content seen on a reasoning-mode stream; it marks the end of reasoning.
	KindContent StreamKind = "content"
	// KindAnswer is final answer text from an answer-mode stream.
	KindAnswer StreamKind = "answer"
)

// StreamEvent is one normalised fragment of a provider stream. An event with a
// non-nil Err is always the last one on its channel.
type StreamEvent struct {
	Kind StreamKind
	Text string
	Err  error
}

// StreamMode tells an adapter how to classify the fragments it receives.
type StreamMode int

const (
	ModeReasoning StreamMode = iota
	ModeAnswer
)

func (m StreamMode) String() string {
	switch m {
	case ModeReasoning:
		return "reasoning"
	case ModeAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// StreamRequest is everything an adapter needs to open one upstream call.
type StreamRequest struct {
	Model           BaseModel
	Messages        []Message
	SystemPrompt    string
	Params          Params
	Mode            StreamMode
	OriginReasoning bool
	// Stream selects a streamed upstream call; when false the adapter performs a
	// single request and emits its result as one event.
	Stream bool
}
