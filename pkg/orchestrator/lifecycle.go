package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"looper/pkg/engine"
	"looper/pkg/events"
	"looper/pkg/loop"
)

// StartLoop launches execution for a loop. It fails with ACTIVE_LOOP_EXISTS
// when another active loop owns the directory and with UNCOMMITTED_CHANGES
// when the working tree is dirty outside the planning folder.
func (o *Orchestrator) StartLoop(ctx context.Context, id string) error {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return err
	}
	if o.getEngine(id) != nil {
		return fmt.Errorf("loop %s already has a running engine", id)
	}
	if l.State.Status == loop.StatusPlanning {
		return fmt.Errorf("loop %s is in plan mode; accept or discard the plan first", id)
	}
	if l.State.Status.IsPurgeable() {
		return fmt.Errorf("loop %s has already finished (status: %s)", id, l.State.Status)
	}
	if err := o.checkDirectoryExclusive(ctx, l.Config.Directory, id); err != nil {
		return err
	}
	if err := o.checkCleanWorkingTree(ctx, l); err != nil {
		return err
	}

	return o.launch(ctx, l, engine.Options{})
}

// checkCleanWorkingTree enforces the uncommitted-changes precondition.
// Changes confined to the planning folder are tolerated when the folder was
// already cleared for this loop or clearing is configured.
func (o *Orchestrator) checkCleanWorkingTree(ctx context.Context, l *loop.Loop) error {
	files, err := o.git.GetChangedFiles(ctx, l.Config.Directory)
	if err != nil {
		return fmt.Errorf("failed to inspect working tree: %w", err)
	}
	if len(files) == 0 {
		return nil
	}

	allPlanning := true
	for _, f := range files {
		if !strings.HasPrefix(f, loop.PlanningFolder+"/") && f != loop.PlanningFolder {
			allPlanning = false
			break
		}
	}

	cleared := l.State.PlanMode != nil && l.State.PlanMode.PlanningFolderCleared
	if allPlanning && (cleared || l.Config.ClearPlanningFolder) {
		return nil
	}
	return loop.NewUncommittedChanges(files)
}

// launch registers a fresh engine for the loop and starts it asynchronously.
func (o *Orchestrator) launch(ctx context.Context, l *loop.Loop, opts engine.Options) error {
	// A restarted loop re-enters through starting; the engine owns the
	// status from here.
	if l.State.Status.IsEngineTerminal() {
		l.State.Status = loop.StatusStarting
	}

	eng, err := o.factory.NewEngine(l.Config, l.State, opts)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := o.register(l.Config.ID, eng); err != nil {
		return err
	}

	o.emit(events.New(events.LoopStarted, l.Config.ID, l.Config.Name))
	o.recorder.LoopStarted()
	o.logger.Info().Str("loop_id", l.Config.ID).Str("name", l.Config.Name).Msg("loop started")

	eng.Start()
	return nil
}

// StopLoop stops a running loop's engine and persists the settled state.
func (o *Orchestrator) StopLoop(ctx context.Context, id, reason string) loop.Result {
	eng := o.deregister(id)
	if eng == nil {
		return loop.Failf("loop %s is not running", id)
	}

	eng.Stop(reason)
	o.persistEngineState(ctx, id, eng)
	return loop.OK()
}

// requireActiveEngine returns the engine for pending-value operations, or a
// failed result explaining why there is none.
func (o *Orchestrator) requireActiveEngine(id string) (engine.Engine, loop.Result) {
	eng := o.getEngine(id)
	if eng == nil {
		return nil, loop.Failf("loop %s is not running", id)
	}
	return eng, loop.OK()
}

// SetPendingPrompt queues a prompt the engine consumes at its next iteration
// boundary.
func (o *Orchestrator) SetPendingPrompt(ctx context.Context, id, prompt string) loop.Result {
	eng, res := o.requireActiveEngine(id)
	if !res.Success {
		return res
	}
	eng.SetPendingPrompt(prompt)
	o.emit(events.New(events.PendingUpdated, id, eng.ConfigSnapshot().Name))
	return loop.OK()
}

// ClearPendingPrompt drops a queued prompt.
func (o *Orchestrator) ClearPendingPrompt(ctx context.Context, id string) loop.Result {
	eng, res := o.requireActiveEngine(id)
	if !res.Success {
		return res
	}
	eng.ClearPendingPrompt()
	o.emit(events.New(events.PendingUpdated, id, eng.ConfigSnapshot().Name))
	return loop.OK()
}

// SetPendingModel queues a model switch for the next iteration boundary.
func (o *Orchestrator) SetPendingModel(ctx context.Context, id, model string) loop.Result {
	eng, res := o.requireActiveEngine(id)
	if !res.Success {
		return res
	}
	eng.SetPendingModel(model)
	o.emit(events.New(events.PendingUpdated, id, eng.ConfigSnapshot().Name))
	return loop.OK()
}

// ClearPendingModel drops a queued model switch.
func (o *Orchestrator) ClearPendingModel(ctx context.Context, id string) loop.Result {
	eng, res := o.requireActiveEngine(id)
	if !res.Success {
		return res
	}
	eng.ClearPendingModel()
	o.emit(events.New(events.PendingUpdated, id, eng.ConfigSnapshot().Name))
	return loop.OK()
}

// SetPending queues both values at once.
func (o *Orchestrator) SetPending(ctx context.Context, id, prompt, model string) loop.Result {
	eng, res := o.requireActiveEngine(id)
	if !res.Success {
		return res
	}
	if prompt != "" {
		eng.SetPendingPrompt(prompt)
	}
	if model != "" {
		eng.SetPendingModel(model)
	}
	o.emit(events.New(events.PendingUpdated, id, eng.ConfigSnapshot().Name))
	return loop.OK()
}

// ClearPending drops both queued values.
func (o *Orchestrator) ClearPending(ctx context.Context, id string) loop.Result {
	eng, res := o.requireActiveEngine(id)
	if !res.Success {
		return res
	}
	eng.ClearPending()
	o.emit(events.New(events.PendingUpdated, id, eng.ConfigSnapshot().Name))
	return loop.OK()
}

// InjectPending aborts the current iteration and restarts immediately with
// the supplied override. When the loop has no engine but sits in an
// engine-terminal status, it is jumpstarted instead.
func (o *Orchestrator) InjectPending(ctx context.Context, id, message, model string) loop.Result {
	if eng := o.getEngine(id); eng != nil {
		if err := eng.InjectPendingNow(message, model); err != nil {
			return loop.Failf("inject failed: %v", err)
		}
		o.emit(events.New(events.PendingUpdated, id, eng.ConfigSnapshot().Name))
		return loop.OK()
	}

	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return loop.Failf("loop not found: %v", err)
	}
	if !l.State.Status.IsEngineTerminal() {
		return loop.Failf("loop %s is not running", id)
	}

	if err := o.JumpstartLoop(ctx, id, message, model); err != nil {
		return loop.Failf("jumpstart failed: %v", err)
	}
	return loop.OK()
}

// JumpstartLoop resumes a settled loop with a new message and/or model. When
// the loop already owns a working branch, execution restarts on that branch;
// otherwise a fresh branch is created via the normal start path.
func (o *Orchestrator) JumpstartLoop(ctx context.Context, id, message, model string) error {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return err
	}
	if o.getEngine(id) != nil {
		return fmt.Errorf("loop %s already has a running engine", id)
	}
	if !l.State.Status.IsEngineTerminal() {
		return fmt.Errorf("loop %s cannot be jumpstarted from status %s", id, l.State.Status)
	}
	if err := o.checkDirectoryExclusive(ctx, l.Config.Directory, id); err != nil {
		return err
	}

	// Stopped is the engine's restartable entry status.
	l.State.Status = loop.StatusStopped
	if message != "" {
		l.State.PendingPrompt = message
	}
	if model != "" {
		l.State.PendingModel = model
	}
	if err := o.store.UpdateLoopState(ctx, id, &l.State); err != nil {
		return fmt.Errorf("failed to persist jumpstart state: %w", err)
	}

	if l.State.Git != nil && l.State.Git.WorkingBranch != "" {
		err := o.git.CheckoutBranchWithRetry(ctx, l.Config.Directory, l.State.Git.WorkingBranch,
			o.cfg.CheckoutRetries, o.cfg.CheckoutRetryDelay)
		if err != nil {
			return fmt.Errorf("failed to checkout working branch %s: %w", l.State.Git.WorkingBranch, err)
		}
		o.logger.Info().Str("loop_id", id).Str("branch", l.State.Git.WorkingBranch).Msg("jumpstart on existing branch")
		return o.launch(ctx, l, engine.Options{SkipGitSetup: true})
	}

	return o.StartLoop(ctx, id)
}
