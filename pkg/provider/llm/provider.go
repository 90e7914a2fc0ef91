// Package llm defines the Provider interface used to generate the spoken reply
// for a committed user turn.
//
// A turn needs the complete reply text before synthesis starts, so the
// interface is request/response. Implementations must be safe for concurrent
// use: a speculative request for an abandoned turn may still be in flight when
// the next one starts.
package llm

import "context"

// Message roles accepted by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the plain text of the message.
	Content string

	// Name optionally identifies the speaker of a user message.
	Name string
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is the input to a single reply generation.
type CompletionRequest struct {
	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string

	// Messages is the conversation history, oldest first. The last entry is
	// normally the user utterance being answered.
	Messages []Message

	// Temperature controls sampling randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the full reply for a CompletionRequest.
type CompletionResponse struct {
	Content string
	Usage   Usage

	// Truncated is set when generation stopped at MaxTokens rather than at
	// a natural end.
	Truncated bool
}

// Provider generates replies.
type Provider interface {
	// Complete returns the full reply. It must honour ctx cancellation: the
	// caller cancels when the turn the request belongs to is abandoned.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages. Used to keep the
	// conversation history within budget.
	CountTokens(messages []Message) (int, error)
}

// EstimateTokens is the shared rough estimate: about four characters per
// token plus a fixed per-message overhead for role and formatting.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
