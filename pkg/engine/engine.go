// Package engine drives one loop's iterations against an agent session. The
// orchestrator treats engines as opaque collaborators behind the Engine
// interface; Runner is the real implementation.
package engine

import (
	"context"

	"looper/pkg/loop"
)

// Engine is the contract every per-loop execution engine satisfies.
type Engine interface {
	// Start launches execution in the background. It is idempotent on the
	// first call; internal failures settle into the loop's own failed or
	// max_iterations status and never escape the engine.
	Start()

	// Stop terminates in-flight work and settles a terminal status. A plain
	// stop writes the stopped status; failed and max_iterations are only
	// written by the engine itself. Safe to call once.
	Stop(reason string)

	// WaitForLoopIdle blocks until no iteration is in flight. Callers that
	// mutate shared plan or feedback state must call this first.
	WaitForLoopIdle(ctx context.Context) error

	// Pending value management. Set queues a value the engine consumes at
	// its next iteration boundary; InjectPendingNow instead aborts the
	// current iteration and restarts immediately with the override.
	SetPendingPrompt(prompt string)
	ClearPendingPrompt()
	SetPendingModel(model string)
	ClearPendingModel()
	ClearPending()
	InjectPendingNow(message, model string) error

	// SetupGitBranchForPlanAcceptance performs the branch creation that was
	// deferred while the loop was planning.
	SetupGitBranchForPlanAcceptance(ctx context.Context) error

	// ContinueExecution resumes the iteration loop without a fresh Start
	// and without re-running git setup.
	ContinueExecution()

	// RunPlanIteration advances the plan conversation by one turn,
	// synchronously. Errors propagate to the caller.
	RunPlanIteration(ctx context.Context) error

	// RecordPlanFeedback increments the feedback-round counter and clears
	// the plan-ready flag before the next plan iteration.
	RecordPlanFeedback()

	// MarkPlanAccepted deactivates plan mode, keeping the plan session
	// identity on record.
	MarkPlanAccepted()

	// ReconnectSession rebinds to the loop's recorded plan session after a
	// process restart. Best effort.
	ReconnectSession(ctx context.Context) error

	// Snapshots of the live config and state, safe to read while running.
	ConfigSnapshot() loop.Config
	StateSnapshot() loop.State
}

// Factory creates engines for loops. The orchestrator injects one so tests
// can substitute a mock.
type Factory interface {
	NewEngine(cfg loop.Config, state loop.State, opts Options) (Engine, error)
}

// Options tune how an engine starts.
type Options struct {
	// SkipGitSetup restarts on the loop's existing working branch instead
	// of creating a fresh one. Used by jumpstart and review cycles.
	SkipGitSetup bool
}

// StateSaver persists engine state snapshots. Satisfied by the store.
type StateSaver interface {
	UpdateLoopState(ctx context.Context, id string, state *loop.State) error
}
