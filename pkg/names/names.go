// Package names derives human-readable display names for loops from their
// prompt. Name generation asks a model for a short title; any failure falls
// back to a timestamp-derived name so creation never blocks on the provider.
package names

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"looper/pkg/agent"
	"looper/pkg/logx"
)

const (
	maxNameLength   = 60
	generateTimeout = 10 * time.Second
)

const namePrompt = `Produce a short title (2 to 5 words) describing the following task. ` +
	`Reply with the title only, no quotes, no punctuation at the end.

Task:
%TASK%`

// Generator produces display names.
type Generator struct {
	client agent.LLMClient
	logger zerolog.Logger
}

// NewGenerator creates a Generator. A nil client always falls back to
// timestamp names.
func NewGenerator(client agent.LLMClient) *Generator {
	return &Generator{
		client: client,
		logger: logx.Component("names"),
	}
}

// Generate returns a display name for the given prompt.
func (g *Generator) Generate(ctx context.Context, prompt string) string {
	if g.client == nil || strings.TrimSpace(prompt) == "" {
		return Fallback(time.Now())
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	req := agent.NewCompletionRequest([]agent.Message{
		agent.NewUserMessage(strings.Replace(namePrompt, "%TASK%", prompt, 1)),
	})
	req.MaxTokens = 64

	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		g.logger.Warn().Err(err).Msg("name generation failed, using fallback")
		return Fallback(time.Now())
	}

	name := clean(resp.Content)
	if name == "" {
		return Fallback(time.Now())
	}
	return name
}

// Fallback returns a timestamp-derived name.
func Fallback(now time.Time) string {
	return "loop-" + now.UTC().Format("20060102-150405")
}

// clean normalizes a model-produced title: first line only, quotes stripped,
// whitespace collapsed, length capped.
func clean(raw string) string {
	name := raw
	if idx := strings.IndexByte(name, '\n'); idx >= 0 {
		name = name[:idx]
	}
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	name = strings.Join(strings.Fields(name), " ")
	if len(name) > maxNameLength {
		name = strings.TrimSpace(name[:maxNameLength])
	}
	return name
}
