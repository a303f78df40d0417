package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"looper/pkg/config"
	"looper/pkg/engine"
	"looper/pkg/events"
	"looper/pkg/exec"
	"looper/pkg/gitx"
	"looper/pkg/loop"
	"looper/pkg/names"
	"looper/pkg/persistence"
)

// mockEngine is a scriptable engine.Engine for orchestrator tests.
type mockEngine struct {
	mu   sync.Mutex
	cfg  loop.Config
	opts engine.Options

	state            loop.State
	startCalls       int
	continueCalls    int
	stopReason       string
	planIterations   int
	feedbackRecorded int
	gitSetupCalls    int
	reconnectCalls   int
	reconnectErr     error

	// onStart runs synchronously inside Start so tests can script the
	// lifecycle the engine would drive.
	onStart func(m *mockEngine)
}

func (m *mockEngine) Start() {
	m.mu.Lock()
	m.startCalls++
	hook := m.onStart
	m.mu.Unlock()
	if hook != nil {
		hook(m)
	}
}

func (m *mockEngine) Stop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopReason = reason
	if !m.state.Status.IsEngineTerminal() {
		m.state.Status = loop.StatusStopped
	}
}

func (m *mockEngine) WaitForLoopIdle(context.Context) error { return nil }

func (m *mockEngine) SetPendingPrompt(prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PendingPrompt = prompt
}

func (m *mockEngine) ClearPendingPrompt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PendingPrompt = ""
}

func (m *mockEngine) SetPendingModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PendingModel = model
}

func (m *mockEngine) ClearPendingModel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PendingModel = ""
}

func (m *mockEngine) ClearPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.PendingPrompt = ""
	m.state.PendingModel = ""
}

func (m *mockEngine) InjectPendingNow(message, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if message != "" {
		m.state.PendingPrompt = message
	}
	if model != "" {
		m.state.PendingModel = model
	}
	return nil
}

func (m *mockEngine) SetupGitBranchForPlanAcceptance(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gitSetupCalls++
	m.state.Git = &loop.GitState{
		OriginalBranch: "main",
		WorkingBranch:  m.cfg.WorkingBranchName(),
	}
	return nil
}

func (m *mockEngine) ContinueExecution() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.continueCalls++
	m.state.Status = loop.StatusRunning
}

func (m *mockEngine) RunPlanIteration(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planIterations++
	return nil
}

func (m *mockEngine) RecordPlanFeedback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedbackRecorded++
	if m.state.PlanMode != nil {
		m.state.PlanMode.FeedbackRounds++
		m.state.PlanMode.IsPlanReady = false
	}
}

func (m *mockEngine) MarkPlanAccepted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.PlanMode != nil {
		m.state.PlanMode.Active = false
	}
	m.state.Status = loop.StatusRunning
}

func (m *mockEngine) ReconnectSession(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectCalls++
	return m.reconnectErr
}

func (m *mockEngine) ConfigSnapshot() loop.Config { return m.cfg }

func (m *mockEngine) StateSnapshot() loop.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.state
	if m.state.Git != nil {
		git := *m.state.Git
		out.Git = &git
	}
	if m.state.PlanMode != nil {
		pm := *m.state.PlanMode
		out.PlanMode = &pm
	}
	if m.state.Review != nil {
		review := *m.state.Review
		review.ReviewBranches = append([]string{}, m.state.Review.ReviewBranches...)
		out.Review = &review
	}
	return out
}

func (m *mockEngine) setState(mutate func(s *loop.State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.state)
}

// mockFactory hands out mockEngines and records what it built.
type mockFactory struct {
	mu      sync.Mutex
	engines []*mockEngine
	onStart func(m *mockEngine)
}

func (f *mockFactory) NewEngine(cfg loop.Config, state loop.State, opts engine.Options) (engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &mockEngine{cfg: cfg, state: state, opts: opts, onStart: f.onStart}
	f.engines = append(f.engines, m)
	return m, nil
}

func (f *mockFactory) last() *mockEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// sessionRecorder counts calls into the agent session layer.
type sessionRecorder struct {
	mu          sync.Mutex
	aborts      int
	disconnects int
}

func (s *sessionRecorder) AbortAllSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
}

func (s *sessionRecorder) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

// eventRecorder captures emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Emit(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *eventRecorder) has(kind events.Kind) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type testHarness struct {
	orch    *Orchestrator
	factory *mockFactory
	git     *gitx.MockGitRunner
	store   *persistence.Store
	sink    *eventRecorder
	cfg     *config.Config
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	db, err := persistence.InitializeDatabase(t.TempDir() + "/looper.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := persistence.NewStore(db)

	gitRunner := gitx.NewMockGitRunner()
	gitRunner.SetOutput([]byte("true\n"), "rev-parse", "--is-inside-work-tree")
	gitRunner.SetOutput([]byte("main\n"), "rev-parse", "--abbrev-ref", "HEAD")

	factory := &mockFactory{}
	sink := &eventRecorder{}
	cfg := config.Default()
	cfg.PersistInterval = 20 * time.Millisecond
	cfg.CheckoutRetryDelay = time.Millisecond

	orch := New(Deps{
		Store:    store,
		Git:      gitx.NewWorkflow(gitRunner),
		Executor: exec.NewLocalExec(),
		Factory:  factory,
		Namer:    names.NewGenerator(nil),
		Sink:     sink,
		Config:   cfg,
	})
	return &testHarness{orch: orch, factory: factory, git: gitRunner, store: store, sink: sink, cfg: cfg}
}

// createLoop persists a loop through the orchestrator for a fresh temp
// directory.
func (h *testHarness) createLoop(t *testing.T, opts CreateOptions) *loop.Loop {
	t.Helper()
	if opts.Directory == "" {
		opts.Directory = t.TempDir()
	}
	if opts.Prompt == "" {
		opts.Prompt = "do the work"
	}
	l, err := h.orch.Create(context.Background(), opts)
	require.NoError(t, err)
	return l
}

// seedFinalizable persists a loop that finished execution and owns branches,
// ready for accept/push.
func (h *testHarness) seedFinalizable(t *testing.T, name string) *loop.Loop {
	t.Helper()
	l := h.createLoop(t, CreateOptions{Name: name})
	l.State.Status = loop.StatusCompleted
	l.State.Git = &loop.GitState{
		OriginalBranch: "main",
		WorkingBranch:  l.Config.WorkingBranchName(),
	}
	require.NoError(t, h.store.UpdateLoopState(context.Background(), l.Config.ID, &l.State))
	return l
}
