// Package agent provides the LLM client layer: a provider-neutral completion
// interface, Anthropic / OpenAI / Ollama implementations, a model-selector
// factory, and the session abstraction the execution engine talks to.
package agent

import "context"

// Role is the role of a message in a conversation.
type Role string

const (
	// RoleSystem is an instruction message extracted to the provider's
	// system parameter where one exists.
	RoleSystem Role = "system"
	// RoleUser is a message from the operator or the orchestrator.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the model.
	RoleAssistant Role = "assistant"
)

// TemperatureDefault is used for all loop iterations. Slight randomness
// avoids the model getting stuck repeating itself across iterations.
const TemperatureDefault = 0.3

// Message is one turn in a completion request.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest is a provider-neutral completion request.
type CompletionRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is a provider-neutral completion response.
type CompletionResponse struct {
	Content    string
	StopReason string
}

// LLMClient is the interface every provider implementation satisfies.
type LLMClient interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model this client is bound to.
	GetModelName() string
}

// NewCompletionRequest builds a request with default sampling values.
func NewCompletionRequest(messages []Message) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   8192,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
