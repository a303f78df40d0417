package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"looper/pkg/agent"
	"looper/pkg/gitx"
	"looper/pkg/loop"
)

type recordingSaver struct {
	mu     sync.Mutex
	states []loop.State
}

func (s *recordingSaver) UpdateLoopState(_ context.Context, _ string, state *loop.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, *state)
	return nil
}

func testConfig() loop.Config {
	return loop.Config{
		ID:                     "loop-1",
		Name:                   "Fix The Tests",
		Directory:              "/repo",
		Prompt:                 "fix the failing tests",
		Model:                  "mock-model",
		MaxIterations:          5,
		MaxConsecutiveErrors:   3,
		ActivityTimeoutSeconds: 600,
		StopPattern:            "LOOP_COMPLETE",
		Git:                    loop.GitNaming{BranchPrefix: "loop/", CommitPrefix: "loop: "},
	}
}

func newTestRunner(t *testing.T, client agent.LLMClient, cfg loop.Config, state loop.State, opts Options) (*Runner, *recordingSaver, *gitx.MockGitRunner) {
	t.Helper()

	gitRunner := gitx.NewMockGitRunner()
	gitRunner.SetOutput([]byte("main\n"), "rev-parse", "--abbrev-ref", "HEAD")

	saver := &recordingSaver{}
	factory := &RunnerFactory{
		Sessions: agent.NewSessionManager(agent.ClientFactoryFunc(func(string) (agent.LLMClient, error) {
			return client, nil
		})),
		Git:       gitx.NewWorkflow(gitRunner),
		Saver:     saver,
		MaxTokens: 1024,
	}

	eng, err := factory.NewEngine(cfg, state, opts)
	require.NoError(t, err)
	return eng.(*Runner), saver, gitRunner
}

func waitForStatus(t *testing.T, r *Runner, want loop.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.StateSnapshot().Status == want
	}, 5*time.Second, 10*time.Millisecond, "waiting for status %s, last %s", want, r.StateSnapshot().Status)
}

func TestRunnerCompletesOnStopPattern(t *testing.T) {
	client := agent.NewMockClient("work done\nLOOP_COMPLETE")
	r, _, gitRunner := newTestRunner(t, client, testConfig(), loop.State{Status: loop.StatusIdle}, Options{})

	r.Start()
	waitForStatus(t, r, loop.StatusCompleted)

	state := r.StateSnapshot()
	assert.Equal(t, 1, state.Iterations)
	require.NotNil(t, state.CompletedAt)
	require.NotNil(t, state.Git)
	assert.Equal(t, "main", state.Git.OriginalBranch)
	assert.Equal(t, "loop/fix-the-tests", state.Git.WorkingBranch)
	assert.True(t, gitRunner.CalledWith("switch", "-c", "loop/fix-the-tests"))
}

func TestRunnerSeedsSystemPrompt(t *testing.T) {
	client := agent.NewMockClient("LOOP_COMPLETE")
	r, _, _ := newTestRunner(t, client, testConfig(), loop.State{Status: loop.StatusIdle}, Options{})

	r.Start()
	waitForStatus(t, r, loop.StatusCompleted)

	reqs := client.Requests()
	require.NotEmpty(t, reqs)
	first := reqs[0].Messages[0]
	assert.Equal(t, agent.RoleSystem, first.Role)
	assert.Contains(t, first.Content, "/repo")
	assert.Contains(t, first.Content, "loop: ")
}

func TestRunnerStopsAtMaxIterations(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	client := agent.NewMockClient("still going")
	r, _, _ := newTestRunner(t, client, cfg, loop.State{Status: loop.StatusIdle}, Options{})

	r.Start()
	waitForStatus(t, r, loop.StatusMaxIterations)

	state := r.StateSnapshot()
	assert.Equal(t, 3, state.Iterations)
	assert.Contains(t, state.LastError, "max iterations")
	assert.Nil(t, state.CompletedAt)
}

func TestRunnerFailsAfterConsecutiveErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 2
	client := agent.NewMockClient("")
	client.SetError(errors.New("provider exploded"))
	r, _, _ := newTestRunner(t, client, cfg, loop.State{Status: loop.StatusIdle}, Options{})

	r.Start()
	waitForStatus(t, r, loop.StatusFailed)

	state := r.StateSnapshot()
	assert.Equal(t, 2, state.ConsecutiveErrors)
	assert.Contains(t, state.LastError, "consecutive errors")
}

func TestRunnerStop(t *testing.T) {
	client := agent.NewMockClient("")
	started := make(chan struct{})
	var once sync.Once
	client.CompleteFunc = func(ctx context.Context, _ agent.CompletionRequest) (agent.CompletionResponse, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return agent.CompletionResponse{}, ctx.Err()
	}
	r, _, _ := newTestRunner(t, client, testConfig(), loop.State{Status: loop.StatusIdle}, Options{})

	r.Start()
	<-started
	r.Stop("user requested stop")

	waitForStatus(t, r, loop.StatusStopped)
	assert.Equal(t, "user requested stop", r.StateSnapshot().LastError)
}

func TestRunnerStopAfterCompletionKeepsCompleted(t *testing.T) {
	client := agent.NewMockClient("LOOP_COMPLETE")
	r, _, _ := newTestRunner(t, client, testConfig(), loop.State{Status: loop.StatusIdle}, Options{})

	r.Start()
	waitForStatus(t, r, loop.StatusCompleted)

	r.Stop("too late")
	assert.Equal(t, loop.StatusCompleted, r.StateSnapshot().Status)
}

func TestRunnerConsumesPendingPrompt(t *testing.T) {
	client := agent.NewMockClient("LOOP_COMPLETE")
	state := loop.State{Status: loop.StatusStopped, PendingPrompt: "try the other approach"}
	r, _, _ := newTestRunner(t, client, testConfig(), state, Options{SkipGitSetup: true})

	r.Start()
	waitForStatus(t, r, loop.StatusCompleted)

	reqs := client.Requests()
	require.NotEmpty(t, reqs)
	first := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, "try the other approach", first.Content)
	assert.Empty(t, r.StateSnapshot().PendingPrompt)
}

func TestRunnerInjectPendingNow(t *testing.T) {
	client := agent.NewMockClient("")
	firstCall := make(chan struct{})
	var once sync.Once
	client.CompleteFunc = func(ctx context.Context, in agent.CompletionRequest) (agent.CompletionResponse, error) {
		var blocked bool
		once.Do(func() {
			blocked = true
			close(firstCall)
		})
		if blocked {
			<-ctx.Done()
			return agent.CompletionResponse{}, ctx.Err()
		}
		return agent.CompletionResponse{Content: in.Messages[len(in.Messages)-1].Content + "\nLOOP_COMPLETE"}, nil
	}
	r, _, _ := newTestRunner(t, client, testConfig(), loop.State{Status: loop.StatusIdle}, Options{})

	r.Start()
	<-firstCall
	require.NoError(t, r.InjectPendingNow("take the shortcut", ""))

	waitForStatus(t, r, loop.StatusCompleted)
}

func TestRunPlanIterationSetsPlanReady(t *testing.T) {
	client := agent.NewMockClient("the plan\nPLAN_READY")
	state := loop.State{
		Status:   loop.StatusPlanning,
		PlanMode: &loop.PlanModeState{Active: true},
	}
	r, saver, _ := newTestRunner(t, client, testConfig(), state, Options{})

	require.NoError(t, r.RunPlanIteration(context.Background()))

	snapshot := r.StateSnapshot()
	require.NotNil(t, snapshot.PlanMode)
	assert.True(t, snapshot.PlanMode.IsPlanReady)
	assert.NotEmpty(t, snapshot.PlanMode.PlanSessionID)
	assert.Nil(t, snapshot.Git, "plan iterations must not touch git")

	saver.mu.Lock()
	defer saver.mu.Unlock()
	assert.NotEmpty(t, saver.states)
}

func TestRunPlanIterationClearsPlanReadyOnFeedback(t *testing.T) {
	client := agent.NewMockClient("revised plan, not done yet")
	state := loop.State{
		Status:   loop.StatusPlanning,
		PlanMode: &loop.PlanModeState{Active: true, IsPlanReady: true, FeedbackRounds: 1},
	}
	r, _, _ := newTestRunner(t, client, testConfig(), state, Options{})
	r.SetPendingPrompt("please also cover the edge case")

	require.NoError(t, r.RunPlanIteration(context.Background()))
	assert.False(t, r.StateSnapshot().PlanMode.IsPlanReady)
}

func TestSetupGitBranchForPlanAcceptance(t *testing.T) {
	client := agent.NewMockClient("")
	r, _, gitRunner := newTestRunner(t, client, testConfig(), loop.State{Status: loop.StatusPlanning}, Options{})

	require.NoError(t, r.SetupGitBranchForPlanAcceptance(context.Background()))

	state := r.StateSnapshot()
	require.NotNil(t, state.Git)
	assert.Equal(t, "loop/fix-the-tests", state.Git.WorkingBranch)
	assert.True(t, gitRunner.CalledWith("switch", "-c", "loop/fix-the-tests"))
}

func TestWaitForLoopIdleHonorsContext(t *testing.T) {
	client := agent.NewMockClient("")
	r, _, _ := newTestRunner(t, client, testConfig(), loop.State{Status: loop.StatusIdle}, Options{})

	// Occupy the gate to simulate an in-flight iteration.
	r.gate <- struct{}{}
	defer func() { <-r.gate }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, r.WaitForLoopIdle(ctx))
}
