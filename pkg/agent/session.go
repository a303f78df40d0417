package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"looper/pkg/logx"
)

// Session is one conversation with a model. Prompt calls are serialized; an
// Abort cancels whatever prompt is in flight.
type Session struct {
	id     string
	logger zerolog.Logger

	mu      sync.Mutex
	client  LLMClient
	history []Message

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// ModelName returns the model the session is currently bound to.
func (s *Session) ModelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.GetModelName()
}

// SwitchClient rebinds the session to a different client. History carries
// over so a model change mid-loop keeps the conversation.
func (s *Session) SwitchClient(client LLMClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
}

// Prompt appends a user message, requests a completion, and records the
// assistant reply. Only one prompt runs at a time per session.
func (s *Session) Prompt(ctx context.Context, text string, maxTokens int) (CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
	defer func() {
		cancel()
		s.cancelMu.Lock()
		s.cancel = nil
		s.cancelMu.Unlock()
	}()

	s.history = append(s.history, NewUserMessage(text))

	req := NewCompletionRequest(s.history)
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}

	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		// Drop the unanswered user message so a retry does not duplicate it.
		s.history = s.history[:len(s.history)-1]
		return CompletionResponse{}, err
	}

	s.history = append(s.history, NewAssistantMessage(resp.Content))
	return resp, nil
}

// SetSystemPrompt seeds the conversation with a system message. Only
// effective before the first Prompt.
func (s *Session) SetSystemPrompt(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		s.history = append(s.history, NewSystemMessage(text))
	}
}

// Abort cancels the in-flight prompt, if any.
func (s *Session) Abort() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// SessionManager owns the live sessions for this process. Sessions are
// process-lifetime state; a restart loses them, which is why reattach exists.
type SessionManager struct {
	factory ClientFactory
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a SessionManager backed by the given factory.
func NewSessionManager(factory ClientFactory) *SessionManager {
	return &SessionManager{
		factory:  factory,
		logger:   logx.Component("agent"),
		sessions: make(map[string]*Session),
	}
}

// NewClient creates a bare client for the given model without a session.
func (m *SessionManager) NewClient(model string) (LLMClient, error) {
	return m.factory.NewClient(model)
}

// CreateSession creates a session bound to the given model.
func (m *SessionManager) CreateSession(model string) (*Session, error) {
	client, err := m.factory.NewClient(model)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for model %s: %w", model, err)
	}

	session := &Session{
		id:     uuid.New().String(),
		client: client,
		logger: logx.Component("session"),
	}

	m.mu.Lock()
	m.sessions[session.id] = session
	m.mu.Unlock()

	m.logger.Debug().Str("session_id", session.id).Str("model", model).Msg("session created")
	return session, nil
}

// ReattachSession rebinds a session id from a previous process to a fresh
// client. The remote conversation history is not recoverable, so the session
// starts empty under the old id.
func (m *SessionManager) ReattachSession(id, model string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("cannot reattach session with empty id")
	}

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	client, err := m.factory.NewClient(model)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for model %s: %w", model, err)
	}

	session := &Session{
		id:     id,
		client: client,
		logger: logx.Component("session"),
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	m.logger.Info().Str("session_id", id).Str("model", model).Msg("session reattached")
	return session, nil
}

// GetSession returns a session by id, or nil.
func (m *SessionManager) GetSession(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// AbortSession cancels the in-flight prompt of one session and removes it.
func (m *SessionManager) AbortSession(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		session.Abort()
		m.logger.Debug().Str("session_id", id).Msg("session aborted")
	}
}

// AbortAllSubscriptions cancels every in-flight prompt without removing the
// sessions, so callers can resume them afterwards.
func (m *SessionManager) AbortAllSubscriptions() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Abort()
	}
}

// Disconnect aborts everything and drops all sessions.
func (m *SessionManager) Disconnect() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Abort()
	}
	m.logger.Debug().Int("count", len(sessions)).Msg("all sessions disconnected")
}
