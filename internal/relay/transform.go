package relay

import (
	"errors"
	"strings"

	"deepclaude/internal/models"
)

// ReasoningUnavailablePlaceholder replaces reasoning text that could not be collected.
const ReasoningUnavailablePlaceholder = "Failed to retrieve reasoning content"

var (
	// ErrEmptyMessageList indicates no non-system message is left to answer.
	ErrEmptyMessageList = errors.New("message list is empty")
	// ErrLastMessageNotUser indicates the conversation does not end with a user turn.
	ErrLastMessageNotUser = errors.New("last message must have role user")
)

const (
	originalInputPrefix = "Here's my original input:\n"
	reasoningPrefix     = "Here's my another model's reasoning process:\n"
	reasoningSuffix     = "\n\nBased on this reasoning, provide your response directly to me:"
)

// SplitSystem newline-joins every system message into one prompt and returns the
// remaining messages in order. ok is false when the prompt is empty after trimming.
func SplitSystem(messages []models.Message) (prompt string, ok bool, rest []models.Message) {
	var system []string
	rest = make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}

	prompt = strings.TrimSpace(strings.Join(system, "\n"))
	return prompt, prompt != "", rest
}

// Splice returns a copy of messages whose last user turn carries the reasoning
// text after the original content. The input slice is not modified.
func Splice(messages []models.Message, reasoning string) ([]models.Message, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyMessageList
	}
	last := messages[len(messages)-1]
	if last.Role != models.RoleUser {
		return nil, ErrLastMessageNotUser
	}

	out := make([]models.Message, len(messages))
	copy(out, messages)
	out[len(out)-1] = models.Message{
		Role:    models.RoleUser,
		Content: originalInputPrefix + last.Content + "\n\n" + reasoningTemplate(reasoning),
	}
	return out, nil
}

func reasoningTemplate(reasoning string) string {
	return reasoningPrefix + reasoning + reasoningSuffix
}

// ValidateConversation reports the error Splice would return for messages once
// system turns are removed.
func ValidateConversation(messages []models.Message) error {
	_, _, rest := SplitSystem(messages)
	_, err := Splice(rest, "")
	return err
}

// renderPrompt is the text the prompt token count is taken over.
func renderPrompt(messages []models.Message) string {
	parts := make([]string, len(messages))
	for i, msg := range messages {
		parts[i] = msg.Content
	}
	return strings.Join(parts, "\n")
}
