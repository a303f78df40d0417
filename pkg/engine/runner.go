package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"looper/pkg/agent"
	"looper/pkg/gitx"
	"looper/pkg/logx"
	"looper/pkg/loop"
	"looper/pkg/tokens"
)

// PlanReadyPattern is the marker the agent emits when its draft plan is ready
// for review.
const PlanReadyPattern = "PLAN_READY"

// promptTokenLimit caps how large a single prompt may grow before it is
// truncated.
const promptTokenLimit = 64000

const persistTimeout = 5 * time.Second

// Runner is the real Engine implementation: a supervised iteration loop
// against an agent session.
type Runner struct {
	cfg  loop.Config
	opts Options

	sessions  *agent.SessionManager
	git       *gitx.Workflow
	saver     StateSaver
	counter   *tokens.Counter
	maxTokens int
	logger    zerolog.Logger

	mu         sync.Mutex
	state      loop.State
	session    *agent.Session
	stopReason string

	// gate holds a token while an iteration is in flight. WaitForLoopIdle
	// and the plan/feedback path serialize behind it.
	gate chan struct{}

	running         atomic.Bool
	injectRequested atomic.Bool
	runCtx          context.Context
	runCancel       context.CancelFunc
	stopOnce        sync.Once
}

// RunnerFactory builds Runners with shared collaborators.
type RunnerFactory struct {
	Sessions  *agent.SessionManager
	Git       *gitx.Workflow
	Saver     StateSaver
	Counter   *tokens.Counter
	MaxTokens int
}

// NewEngine implements Factory.
func (f *RunnerFactory) NewEngine(cfg loop.Config, state loop.State, opts Options) (Engine, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("engine requires a loop id")
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:       cfg,
		opts:      opts,
		sessions:  f.Sessions,
		git:       f.Git,
		saver:     f.Saver,
		counter:   f.Counter,
		maxTokens: f.MaxTokens,
		logger:    logx.Component("engine").With().Str("loop_id", cfg.ID).Logger(),
		state:     state,
		gate:      make(chan struct{}, 1),
		runCtx:    runCtx,
		runCancel: runCancel,
	}, nil
}

// AcceptedPlanPrompt is the fixed prompt injected when a plan is accepted.
func AcceptedPlanPrompt(stopPattern string) string {
	return fmt.Sprintf(
		"The plan has been accepted. Execute the accepted plan now, committing your work as you go. "+
			"When the task is fully complete, reply with %s on its own line.", stopPattern)
}

// Start implements Engine. In plan mode it runs a single plan iteration; in
// normal mode it runs the full iteration loop until a terminal status.
func (r *Runner) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.running.Store(false)
		defer r.recoverToFailed()

		if r.planActive() {
			if err := r.RunPlanIteration(r.runCtx); err != nil && r.runCtx.Err() == nil {
				r.logger.Error().Err(err).Msg("plan iteration failed")
				r.recordIterationError(err)
			}
			return
		}
		r.run()
	}()
}

// ContinueExecution implements Engine: resumes the iteration loop without
// touching git setup.
func (r *Runner) ContinueExecution() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.running.Store(false)
		defer r.recoverToFailed()
		r.run()
	}()
}

func (r *Runner) recoverToFailed() {
	if rec := recover(); rec != nil {
		r.logger.Error().Interface("panic", rec).Msg("engine panicked")
		r.settle(loop.StatusFailed, fmt.Sprintf("engine panic: %v", rec))
	}
}

func (r *Runner) run() {
	r.setStatus(loop.StatusStarting)

	if err := r.ensureSession(); err != nil {
		r.settle(loop.StatusFailed, fmt.Sprintf("session setup failed: %v", err))
		return
	}

	if !r.opts.SkipGitSetup && !r.hasGitState() {
		if err := r.setupGitBranch(r.runCtx); err != nil {
			r.settle(loop.StatusFailed, fmt.Sprintf("git setup failed: %v", err))
			return
		}
	}

	r.setStatus(loop.StatusRunning)

	for {
		if r.runCtx.Err() != nil {
			r.settleStopped()
			return
		}

		snapshot := r.StateSnapshot()
		if snapshot.Iterations >= r.cfg.MaxIterations {
			r.settle(loop.StatusMaxIterations, fmt.Sprintf("max iterations reached (%d)", r.cfg.MaxIterations))
			return
		}

		prompt, model := r.consumePending()
		if model != "" {
			if err := r.switchModel(model); err != nil {
				r.logger.Warn().Err(err).Str("model", model).Msg("model switch failed, keeping current model")
			}
		}
		if prompt == "" {
			if snapshot.Iterations == 0 {
				prompt = r.initialPrompt()
			} else {
				prompt = r.continuePrompt()
			}
		}

		resp, err := r.runIteration(prompt)
		if err != nil {
			if r.injectRequested.CompareAndSwap(true, false) && errors.Is(err, context.Canceled) {
				// Injection aborted the turn on purpose; restart with the
				// queued values.
				continue
			}
			if r.runCtx.Err() != nil {
				r.settleStopped()
				return
			}
			if r.recordIterationError(err) {
				r.settle(loop.StatusFailed, fmt.Sprintf("too many consecutive errors: %v", err))
				return
			}
			continue
		}

		done := r.recordIterationSuccess(resp.Content)
		if done {
			r.settle(loop.StatusCompleted, "")
			return
		}
	}
}

func (r *Runner) runIteration(prompt string) (agent.CompletionResponse, error) {
	select {
	case r.gate <- struct{}{}:
	case <-r.runCtx.Done():
		return agent.CompletionResponse{}, r.runCtx.Err()
	}
	defer func() { <-r.gate }()

	if count := r.counter.Count(prompt); count > promptTokenLimit {
		r.logger.Warn().Int("tokens", count).Msg("prompt over token limit, truncating")
		prompt = r.counter.Truncate(prompt, promptTokenLimit)
	}

	timeout := time.Duration(r.cfg.ActivityTimeoutSeconds) * time.Second
	iterCtx, cancel := context.WithTimeout(r.runCtx, timeout)
	defer cancel()

	r.mu.Lock()
	session := r.session
	r.mu.Unlock()

	return session.Prompt(iterCtx, prompt, r.maxTokens)
}

// recordIterationError bumps the consecutive-error counter and reports
// whether the limit is reached.
func (r *Runner) recordIterationError(err error) bool {
	r.mu.Lock()
	r.state.ConsecutiveErrors++
	r.state.LastError = err.Error()
	exhausted := r.state.ConsecutiveErrors >= r.cfg.MaxConsecutiveErrors
	snapshot := copyState(&r.state)
	r.mu.Unlock()

	r.logger.Warn().Err(err).Int("consecutive_errors", snapshot.ConsecutiveErrors).Msg("iteration failed")
	r.persist(snapshot)
	return exhausted
}

// recordIterationSuccess counts the iteration and reports whether the agent
// emitted the stop pattern.
func (r *Runner) recordIterationSuccess(content string) bool {
	r.mu.Lock()
	r.state.Iterations++
	r.state.ConsecutiveErrors = 0
	r.state.LastError = ""
	done := strings.Contains(content, r.cfg.StopPattern)
	snapshot := copyState(&r.state)
	r.mu.Unlock()

	r.logger.Debug().Int("iteration", snapshot.Iterations).Bool("done", done).Msg("iteration complete")
	r.persist(snapshot)
	return done
}

// Stop implements Engine.
func (r *Runner) Stop(reason string) {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopReason = reason
		session := r.session
		r.mu.Unlock()

		r.runCancel()
		if session != nil {
			session.Abort()
		}

		// Let the in-flight iteration drain before settling, but do not
		// hang on a stuck provider.
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		_ = r.WaitForLoopIdle(ctx)

		r.settleStopped()
	})
}

func (r *Runner) settleStopped() {
	reason := "stopped"
	r.mu.Lock()
	if r.stopReason != "" {
		reason = r.stopReason
	}
	r.mu.Unlock()
	r.settle(loop.StatusStopped, reason)
}

// settle writes a terminal status exactly once; later settles are ignored.
func (r *Runner) settle(status loop.Status, lastError string) {
	r.mu.Lock()
	if r.state.Status.IsEngineTerminal() {
		r.mu.Unlock()
		return
	}
	r.state.Status = status
	r.state.LastError = lastError
	if status == loop.StatusCompleted {
		now := time.Now().UTC()
		r.state.CompletedAt = &now
	}
	snapshot := copyState(&r.state)
	r.mu.Unlock()

	r.logger.Info().Str("status", string(status)).Str("last_error", lastError).Msg("engine settled")
	r.persist(snapshot)
}

// WaitForLoopIdle implements Engine.
func (r *Runner) WaitForLoopIdle(ctx context.Context) error {
	select {
	case r.gate <- struct{}{}:
		<-r.gate
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPendingPrompt implements Engine.
func (r *Runner) SetPendingPrompt(prompt string) {
	r.mu.Lock()
	r.state.PendingPrompt = prompt
	snapshot := copyState(&r.state)
	r.mu.Unlock()
	r.persist(snapshot)
}

// ClearPendingPrompt implements Engine.
func (r *Runner) ClearPendingPrompt() {
	r.mu.Lock()
	r.state.PendingPrompt = ""
	snapshot := copyState(&r.state)
	r.mu.Unlock()
	r.persist(snapshot)
}

// SetPendingModel implements Engine.
func (r *Runner) SetPendingModel(model string) {
	r.mu.Lock()
	r.state.PendingModel = model
	snapshot := copyState(&r.state)
	r.mu.Unlock()
	r.persist(snapshot)
}

// ClearPendingModel implements Engine.
func (r *Runner) ClearPendingModel() {
	r.mu.Lock()
	r.state.PendingModel = ""
	snapshot := copyState(&r.state)
	r.mu.Unlock()
	r.persist(snapshot)
}

// ClearPending implements Engine.
func (r *Runner) ClearPending() {
	r.mu.Lock()
	r.state.PendingPrompt = ""
	r.state.PendingModel = ""
	snapshot := copyState(&r.state)
	r.mu.Unlock()
	r.persist(snapshot)
}

// InjectPendingNow implements Engine: queues the override and aborts the
// in-flight turn so the loop restarts with it immediately.
func (r *Runner) InjectPendingNow(message, model string) error {
	r.mu.Lock()
	if message != "" {
		r.state.PendingPrompt = message
	}
	if model != "" {
		r.state.PendingModel = model
	}
	session := r.session
	snapshot := copyState(&r.state)
	r.mu.Unlock()

	r.persist(snapshot)
	r.injectRequested.Store(true)
	if session != nil {
		session.Abort()
	}
	return nil
}

// SetupGitBranchForPlanAcceptance implements Engine.
func (r *Runner) SetupGitBranchForPlanAcceptance(ctx context.Context) error {
	return r.setupGitBranch(ctx)
}

func (r *Runner) setupGitBranch(ctx context.Context) error {
	dir := r.cfg.Directory

	original, err := r.git.CurrentBranch(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to read current branch: %w", err)
	}
	if r.cfg.BaseBranch != "" && r.cfg.BaseBranch != original {
		if err := r.git.CheckoutBranch(ctx, dir, r.cfg.BaseBranch); err != nil {
			return fmt.Errorf("failed to checkout base branch %s: %w", r.cfg.BaseBranch, err)
		}
		original = r.cfg.BaseBranch
	}

	working := r.cfg.WorkingBranchName()
	if err := r.git.CreateBranch(ctx, dir, working); err != nil {
		return fmt.Errorf("failed to create working branch %s: %w", working, err)
	}

	r.mu.Lock()
	r.state.Git = &loop.GitState{OriginalBranch: original, WorkingBranch: working}
	snapshot := copyState(&r.state)
	r.mu.Unlock()

	r.logger.Info().Str("working_branch", working).Str("original_branch", original).Msg("git branch created")
	r.persist(snapshot)
	return nil
}

// RunPlanIteration implements Engine.
func (r *Runner) RunPlanIteration(ctx context.Context) error {
	select {
	case r.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.gate }()

	if err := r.ensureSession(); err != nil {
		return fmt.Errorf("session setup failed: %w", err)
	}

	prompt, model := r.consumePending()
	if model != "" {
		if err := r.switchModel(model); err != nil {
			r.logger.Warn().Err(err).Str("model", model).Msg("model switch failed, keeping current model")
		}
	}
	if prompt == "" {
		prompt = r.planPrompt()
	}

	timeout := time.Duration(r.cfg.ActivityTimeoutSeconds) * time.Second
	iterCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.Lock()
	session := r.session
	r.mu.Unlock()

	resp, err := session.Prompt(iterCtx, prompt, r.maxTokens)
	if err != nil {
		return fmt.Errorf("plan iteration failed: %w", err)
	}

	r.mu.Lock()
	if r.state.PlanMode != nil {
		r.state.PlanMode.IsPlanReady = strings.Contains(resp.Content, PlanReadyPattern)
	}
	snapshot := copyState(&r.state)
	r.mu.Unlock()

	r.persist(snapshot)
	return nil
}

// RecordPlanFeedback implements Engine.
func (r *Runner) RecordPlanFeedback() {
	r.mu.Lock()
	if r.state.PlanMode != nil {
		r.state.PlanMode.FeedbackRounds++
		r.state.PlanMode.IsPlanReady = false
	}
	snapshot := copyState(&r.state)
	r.mu.Unlock()
	r.persist(snapshot)
}

// MarkPlanAccepted implements Engine.
func (r *Runner) MarkPlanAccepted() {
	r.mu.Lock()
	if r.state.PlanMode != nil {
		r.state.PlanMode.Active = false
	}
	r.state.Status = loop.StatusRunning
	snapshot := copyState(&r.state)
	r.mu.Unlock()
	r.persist(snapshot)
}

// ReconnectSession implements Engine.
func (r *Runner) ReconnectSession(_ context.Context) error {
	r.mu.Lock()
	var sessionID string
	if r.state.PlanMode != nil {
		sessionID = r.state.PlanMode.PlanSessionID
	}
	r.mu.Unlock()

	if sessionID == "" {
		return fmt.Errorf("loop %s has no recorded plan session", r.cfg.ID)
	}

	session, err := r.sessions.ReattachSession(sessionID, r.model())
	if err != nil {
		return fmt.Errorf("failed to reattach session %s: %w", sessionID, err)
	}

	r.mu.Lock()
	r.session = session
	r.mu.Unlock()
	return nil
}

// ConfigSnapshot implements Engine.
func (r *Runner) ConfigSnapshot() loop.Config {
	return r.cfg
}

// StateSnapshot implements Engine.
func (r *Runner) StateSnapshot() loop.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyState(&r.state)
}

func (r *Runner) planActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.PlanMode != nil && r.state.PlanMode.Active
}

func (r *Runner) hasGitState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Git != nil
}

func (r *Runner) setStatus(status loop.Status) {
	r.mu.Lock()
	r.state.Status = status
	snapshot := copyState(&r.state)
	r.mu.Unlock()
	r.persist(snapshot)
}

func (r *Runner) model() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.PendingModel != "" {
		return r.state.PendingModel
	}
	return r.cfg.Model
}

func (r *Runner) ensureSession() error {
	r.mu.Lock()
	existing := r.session
	r.mu.Unlock()
	if existing != nil {
		return nil
	}

	session, err := r.sessions.CreateSession(r.model())
	if err != nil {
		return err
	}
	session.SetSystemPrompt(r.systemPrompt())

	r.mu.Lock()
	r.session = session
	if r.state.PlanMode != nil && r.state.PlanMode.Active {
		r.state.PlanMode.PlanSessionID = session.ID()
	}
	snapshot := copyState(&r.state)
	r.mu.Unlock()
	r.persist(snapshot)
	return nil
}

func (r *Runner) switchModel(model string) error {
	client, err := r.sessions.NewClient(model)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.session != nil {
		r.session.SwitchClient(client)
	}
	r.mu.Unlock()
	return nil
}

func (r *Runner) consumePending() (prompt, model string) {
	r.mu.Lock()
	prompt = r.state.PendingPrompt
	model = r.state.PendingModel
	r.state.PendingPrompt = ""
	r.state.PendingModel = ""
	changed := prompt != "" || model != ""
	snapshot := copyState(&r.state)
	r.mu.Unlock()

	if changed {
		r.persist(snapshot)
	}
	return prompt, model
}

func (r *Runner) persist(state loop.State) {
	if r.saver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.saver.UpdateLoopState(ctx, r.cfg.ID, &state); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist state")
	}
}

func (r *Runner) systemPrompt() string {
	return fmt.Sprintf(
		"You are an autonomous coding agent working in the git repository at %s. "+
			"Commit your work as you go, prefixing commit messages with %q.",
		r.cfg.Directory, r.cfg.Git.CommitPrefix)
}

func (r *Runner) initialPrompt() string {
	return fmt.Sprintf(
		"%s\n\nWork on this task iteratively, committing as you go. "+
			"When the task is fully complete, reply with %s on its own line.",
		r.cfg.Prompt, r.cfg.StopPattern)
}

func (r *Runner) continuePrompt() string {
	return fmt.Sprintf(
		"Continue working on the task. If everything is complete, reply with %s on its own line.",
		r.cfg.StopPattern)
}

func (r *Runner) planPrompt() string {
	return fmt.Sprintf(
		"Draft an implementation plan for the following task. Write the plan to %s/%s. "+
			"Do not modify any other files yet. When the plan is ready for review, reply with %s on its own line.\n\n%s",
		loop.PlanningFolder, loop.PlanArtifact, PlanReadyPattern, r.cfg.Prompt)
}

// copyState deep-copies the pointer members so snapshots do not alias live
// state.
func copyState(s *loop.State) loop.State {
	out := *s
	if s.Git != nil {
		git := *s.Git
		out.Git = &git
	}
	if s.PlanMode != nil {
		pm := *s.PlanMode
		out.PlanMode = &pm
	}
	if s.Review != nil {
		review := *s.Review
		review.ReviewBranches = append([]string{}, s.Review.ReviewBranches...)
		out.Review = &review
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
