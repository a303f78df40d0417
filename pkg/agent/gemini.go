package agent

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient implements LLMClient against the Google GenAI API. The
// underlying client needs a context to construct, so it is created lazily on
// the first Complete call.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a Gemini client for the given model.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

// Complete implements LLMClient.
func (g *GeminiClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return CompletionResponse{}, fmt.Errorf("failed to create gemini client: %w", err)
		}
		g.client = client
	}

	contents, systemInstruction, err := convertMessagesToGemini(in.Messages)
	if err != nil {
		return CompletionResponse{}, err
	}

	temperature := in.Temperature
	maxTokens := int32(in.MaxTokens) //nolint:gosec // token limits are small
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: maxTokens,
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("gemini completion failed: %w", err)
	}
	if result == nil || result.Text() == "" {
		return CompletionResponse{}, fmt.Errorf("received empty response from gemini API")
	}

	return CompletionResponse{Content: result.Text(), StopReason: "end_turn"}, nil
}

// GetModelName implements LLMClient.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

// convertMessagesToGemini maps the provider-neutral history onto Gemini's
// content format. System messages collapse into a single system instruction;
// assistant turns use Gemini's "model" role.
func convertMessagesToGemini(messages []Message) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if systemInstruction != "" {
				systemInstruction += "\n\n"
			}
			systemInstruction += msg.Content
		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}
	return contents, systemInstruction, nil
}
