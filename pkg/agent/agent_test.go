package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderForModel(t *testing.T) {
	tests := []struct {
		model    string
		provider string
		wantErr  bool
	}{
		{"claude-sonnet-4-20250514", ProviderAnthropic, false},
		{"claude-opus-4-20250514", ProviderAnthropic, false},
		{"gpt-5", ProviderOpenAI, false},
		{"o3-mini", ProviderOpenAI, false},
		{"gemini-2.5-pro", ProviderGoogle, false},
		{"ollama/qwen3:8b", ProviderOllama, false},
		{"mystery-model", "", true},
	}
	for _, tt := range tests {
		provider, err := ProviderForModel(tt.model)
		if tt.wantErr {
			assert.Error(t, err, tt.model)
			continue
		}
		require.NoError(t, err, tt.model)
		assert.Equal(t, tt.provider, provider, tt.model)
	}
}

func TestEnsureAlternation(t *testing.T) {
	system, msgs, err := ensureAlternation([]Message{
		NewSystemMessage("be terse"),
		NewUserMessage("first"),
		NewUserMessage("second"),
		NewAssistantMessage("reply"),
		NewUserMessage("third"),
	})
	require.NoError(t, err)
	assert.Equal(t, "be terse", system)
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "first\n\nsecond", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, RoleUser, msgs[2].Role)
}

func TestConvertMessagesToGemini(t *testing.T) {
	contents, system, err := convertMessagesToGemini([]Message{
		NewSystemMessage("be terse"),
		NewUserMessage("hello"),
		NewAssistantMessage("hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, "be terse", system)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)

	_, _, err = convertMessagesToGemini(nil)
	assert.Error(t, err)
}

func TestEnsureAlternationRejectsEmpty(t *testing.T) {
	_, _, err := ensureAlternation(nil)
	assert.Error(t, err)

	_, _, err = ensureAlternation([]Message{NewSystemMessage("only system")})
	assert.Error(t, err)
}

func TestEnsureAlternationRejectsTrailingAssistant(t *testing.T) {
	_, _, err := ensureAlternation([]Message{
		NewUserMessage("hi"),
		NewAssistantMessage("hello"),
	})
	assert.Error(t, err)
}

func TestSessionPromptRecordsHistory(t *testing.T) {
	client := NewMockClient("ack")
	session := &Session{id: "s1", client: client}

	resp, err := session.Prompt(context.Background(), "do the thing", 0)
	require.NoError(t, err)
	assert.Equal(t, "ack", resp.Content)

	// Second prompt carries the prior exchange.
	_, err = session.Prompt(context.Background(), "and again", 0)
	require.NoError(t, err)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, RoleAssistant, reqs[1].Messages[1].Role)
}

func TestSessionPromptErrorDropsUnansweredMessage(t *testing.T) {
	client := NewMockClient("ack")
	client.SetError(errors.New("boom"))
	session := &Session{id: "s1", client: client}

	_, err := session.Prompt(context.Background(), "first", 0)
	require.Error(t, err)

	client.SetError(nil)
	_, err = session.Prompt(context.Background(), "retry", 0)
	require.NoError(t, err)

	reqs := client.Requests()
	// The failed "first" message must not linger in history.
	assert.Len(t, reqs[len(reqs)-1].Messages, 1)
}

func TestSessionManagerReattachIsIdempotent(t *testing.T) {
	m := NewSessionManager(nil)
	session := &Session{id: "persisted-id", client: NewMockClient("")}
	m.sessions[session.id] = session

	got, err := m.ReattachSession("persisted-id", "claude-sonnet-4-20250514")
	require.NoError(t, err)
	assert.Same(t, session, got)

	_, err = m.ReattachSession("", "claude-sonnet-4-20250514")
	assert.Error(t, err)
}

func TestSessionManagerDisconnect(t *testing.T) {
	m := NewSessionManager(nil)
	m.sessions["a"] = &Session{id: "a", client: NewMockClient("")}
	m.sessions["b"] = &Session{id: "b", client: NewMockClient("")}

	m.Disconnect()
	assert.Nil(t, m.GetSession("a"))
	assert.Nil(t, m.GetSession("b"))
}

func TestMockClientQueue(t *testing.T) {
	client := NewMockClient("default")
	client.QueueResponse("one")
	client.QueueResponse("two")

	ctx := context.Background()
	resp, _ := client.Complete(ctx, CompletionRequest{})
	assert.Equal(t, "one", resp.Content)
	resp, _ = client.Complete(ctx, CompletionRequest{})
	assert.Equal(t, "two", resp.Content)
	resp, _ = client.Complete(ctx, CompletionRequest{})
	assert.Equal(t, "default", resp.Content)
	assert.Equal(t, 3, client.CallCount())
}
