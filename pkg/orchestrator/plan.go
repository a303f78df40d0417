package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"looper/pkg/engine"
	"looper/pkg/events"
	"looper/pkg/loop"
)

// StartPlanMode begins the planning phase for a loop created with plan mode.
// The engine drafts a plan conversationally; no branch or commit activity
// happens until the plan is accepted.
func (o *Orchestrator) StartPlanMode(ctx context.Context, id string) error {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return err
	}
	if l.State.Status != loop.StatusPlanning {
		return fmt.Errorf("loop %s is not in planning status (current: %s)", id, l.State.Status)
	}
	if o.getEngine(id) != nil {
		return fmt.Errorf("loop %s already has a running engine", id)
	}
	if err := o.checkDirectoryExclusive(ctx, l.Config.Directory, id); err != nil {
		return err
	}

	if err := o.preparePlanningFolder(ctx, l); err != nil {
		return err
	}

	eng, err := o.factory.NewEngine(l.Config, l.State, engine.Options{})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := o.register(id, eng); err != nil {
		return err
	}

	// The engine owns its own failure state; launch errors surface there,
	// not here.
	eng.Start()
	return nil
}

// preparePlanningFolder clears the planning folder if configured and not yet
// done, and unconditionally removes any stale plan artifact so a previous
// session's plan is never shown.
func (o *Orchestrator) preparePlanningFolder(ctx context.Context, l *loop.Loop) error {
	folder := filepath.Join(l.Config.Directory, loop.PlanningFolder)

	if l.Config.ClearPlanningFolder && (l.State.PlanMode == nil || !l.State.PlanMode.PlanningFolderCleared) {
		exists, err := o.executor.DirectoryExists(ctx, folder)
		if err != nil {
			return fmt.Errorf("failed to inspect planning folder: %w", err)
		}
		if exists {
			entries, err := o.executor.ListDirectory(ctx, folder)
			if err != nil {
				return fmt.Errorf("failed to list planning folder: %w", err)
			}
			for _, entry := range entries {
				if entry == loop.PlanningSentinel {
					continue
				}
				if err := o.executor.RemoveAll(ctx, filepath.Join(folder, entry)); err != nil {
					return fmt.Errorf("failed to clear planning folder entry %s: %w", entry, err)
				}
			}
		}
		if l.State.PlanMode == nil {
			l.State.PlanMode = &loop.PlanModeState{Active: true}
		}
		l.State.PlanMode.PlanningFolderCleared = true
		if err := o.store.UpdateLoopState(ctx, l.Config.ID, &l.State); err != nil {
			return fmt.Errorf("failed to persist planning folder state: %w", err)
		}
	}

	artifact := filepath.Join(folder, loop.PlanArtifact)
	if exists, err := o.executor.FileExists(ctx, artifact); err == nil && exists {
		if err := o.executor.RemoveAll(ctx, artifact); err != nil {
			o.logger.Warn().Err(err).Str("path", artifact).Msg("failed to remove stale plan artifact")
		}
	}
	return nil
}

// WaitForPlanIdle blocks until the loop's engine has no iteration in flight.
// A loop without a registered engine is already idle.
func (o *Orchestrator) WaitForPlanIdle(ctx context.Context, id string) error {
	eng := o.getEngine(id)
	if eng == nil {
		return nil
	}
	return eng.WaitForLoopIdle(ctx)
}

// SendPlanFeedback records one round of operator feedback and runs the next
// plan iteration synchronously. If the process restarted since planning
// began, the engine is reconstructed and rebound to the recorded session.
func (o *Orchestrator) SendPlanFeedback(ctx context.Context, id, text string) error {
	if text == "" {
		return fmt.Errorf("feedback text must not be empty")
	}

	eng := o.getEngine(id)
	if eng == nil {
		var err error
		eng, err = o.reattachPlanEngine(ctx, id)
		if err != nil {
			return err
		}
	}

	if eng.StateSnapshot().Status != loop.StatusPlanning {
		return fmt.Errorf("loop %s is not planning (current: %s)", id, eng.StateSnapshot().Status)
	}

	// Never race an in-flight iteration for the shared plan state.
	if err := eng.WaitForLoopIdle(ctx); err != nil {
		return err
	}

	eng.RecordPlanFeedback()
	eng.SetPendingPrompt(text)
	o.persistEngineState(ctx, id, eng)

	cfg := eng.ConfigSnapshot()
	o.emit(events.New(events.PlanFeedback, id, cfg.Name))

	return eng.RunPlanIteration(ctx)
}

// reattachPlanEngine reconstructs an engine for a persisted planning loop
// after a process restart and resumes its periodic persistence.
func (o *Orchestrator) reattachPlanEngine(ctx context.Context, id string) (engine.Engine, error) {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.State.Status != loop.StatusPlanning {
		return nil, fmt.Errorf("loop %s is not planning (current: %s)", id, l.State.Status)
	}

	eng, err := o.factory.NewEngine(l.Config, l.State, engine.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct engine: %w", err)
	}
	if err := eng.ReconnectSession(ctx); err != nil {
		// Best effort: a fresh session still lets planning continue.
		o.logger.Warn().Err(err).Str("loop_id", id).Msg("plan session reconnect failed, continuing with a new session")
	}
	if err := o.register(id, eng); err != nil {
		return nil, err
	}
	o.logger.Info().Str("loop_id", id).Msg("plan engine reattached")
	return eng, nil
}

// AcceptPlan transitions a ready plan into execution: the deferred git branch
// setup runs, plan mode deactivates, and the engine resumes with a fixed
// "execute the accepted plan" prompt.
func (o *Orchestrator) AcceptPlan(ctx context.Context, id string) error {
	eng := o.getEngine(id)
	if eng == nil {
		return fmt.Errorf("loop %s has no running engine", id)
	}

	state := eng.StateSnapshot()
	if state.Status != loop.StatusPlanning {
		return fmt.Errorf("loop %s is not planning (current: %s)", id, state.Status)
	}
	if state.PlanMode == nil || !state.PlanMode.IsPlanReady {
		return fmt.Errorf("plan for loop %s is not ready yet", id)
	}

	if err := eng.WaitForLoopIdle(ctx); err != nil {
		return err
	}

	if err := eng.SetupGitBranchForPlanAcceptance(ctx); err != nil {
		return fmt.Errorf("git setup for plan acceptance failed: %w", err)
	}

	cfg := eng.ConfigSnapshot()
	eng.MarkPlanAccepted()
	eng.SetPendingPrompt(engine.AcceptedPlanPrompt(cfg.StopPattern))
	o.persistEngineState(ctx, id, eng)

	o.emit(events.New(events.PlanAccepted, id, cfg.Name))
	o.emit(events.New(events.LoopStarted, id, cfg.Name))
	o.recorder.LoopStarted()

	eng.ContinueExecution()
	return nil
}

// DiscardPlan stops a planning loop and soft-deletes it.
func (o *Orchestrator) DiscardPlan(ctx context.Context, id string) loop.Result {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return loop.Failf("loop not found: %v", err)
	}

	if eng := o.deregister(id); eng != nil {
		eng.Stop("plan discarded")
	}

	o.emit(events.New(events.PlanDiscarded, id, l.Config.Name))

	l.State.Status = loop.StatusDeleted
	if l.State.PlanMode != nil {
		l.State.PlanMode.Active = false
	}
	if err := o.store.UpdateLoopState(ctx, id, &l.State); err != nil {
		return loop.Failf("failed to persist plan discard: %v", err)
	}
	return loop.OK()
}
