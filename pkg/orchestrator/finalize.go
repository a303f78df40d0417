package orchestrator

import (
	"context"
	"fmt"

	"looper/pkg/engine"
	"looper/pkg/events"
	"looper/pkg/loop"
)

// beginFinalize claims the finalization slot for a loop. The second
// concurrent caller is rejected immediately rather than blocked.
func (o *Orchestrator) beginFinalize(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.finalizing[id]; busy {
		return false
	}
	o.finalizing[id] = struct{}{}
	return true
}

func (o *Orchestrator) endFinalize(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.finalizing, id)
}

// AcceptLoop merges the working branch into the original branch. The working
// branch is intentionally kept so later review cycles can branch from it.
func (o *Orchestrator) AcceptLoop(ctx context.Context, id string) loop.Result {
	return o.finalize(ctx, id, loop.ActionMerge)
}

// PushLoop pushes the working branch to the remote without switching
// branches.
func (o *Orchestrator) PushLoop(ctx context.Context, id string) loop.Result {
	return o.finalize(ctx, id, loop.ActionPush)
}

func (o *Orchestrator) finalize(ctx context.Context, id string, action loop.CompletionAction) loop.Result {
	if !o.beginFinalize(id) {
		return loop.Failf("an accept or push operation is already in progress for loop %s", id)
	}
	defer o.endFinalize(id)

	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return loop.Failf("loop not found: %v", err)
	}
	if !l.State.Status.IsFinalizable() {
		return loop.Failf("cannot %s loop in status %s; it must be completed or max_iterations", action, l.State.Status)
	}
	if l.State.Git == nil {
		return loop.Failf("no git branch was created for this loop")
	}
	if l.State.Review != nil && l.State.Review.CompletionAction != "" && l.State.Review.CompletionAction != action {
		if l.State.Review.CompletionAction == loop.ActionMerge {
			return loop.Failf("loop %s was originally merged and cannot be pushed", id)
		}
		return loop.Failf("loop %s was originally pushed and cannot be merged", id)
	}

	dir := l.Config.Directory
	working := l.State.Git.WorkingBranch
	original := l.State.Git.OriginalBranch

	var status loop.Status
	var kind events.Kind
	switch action {
	case loop.ActionMerge:
		if err := o.git.CheckoutBranch(ctx, dir, original); err != nil {
			return loop.Failf("failed to checkout %s: %v", original, err)
		}
		message := fmt.Sprintf("%smerge %s", l.Config.Git.CommitPrefix, working)
		commit, err := o.git.MergeBranch(ctx, dir, working, message)
		if err != nil {
			return loop.Failf("merge failed: %v", err)
		}
		o.logger.Info().Str("loop_id", id).Str("commit", commit).Msg("working branch merged")
		status = loop.StatusMerged
		kind = events.LoopAccepted
	case loop.ActionPush:
		remoteRef, err := o.git.PushBranch(ctx, dir, working)
		if err != nil {
			return loop.Failf("push failed: %v", err)
		}
		o.logger.Info().Str("loop_id", id).Str("remote_ref", remoteRef).Msg("working branch pushed")
		status = loop.StatusPushed
		kind = events.LoopPushed
	default:
		return loop.Failf("unknown completion action %q", action)
	}

	l.State.Status = status
	if l.State.Review == nil {
		l.State.Review = &loop.ReviewMode{
			Addressable:      true,
			CompletionAction: action,
			ReviewCycles:     0,
			ReviewBranches:   []string{working},
		}
	} else {
		l.State.Review.Addressable = true
		l.State.Review.CompletionAction = action
	}

	if err := o.store.UpdateLoopState(ctx, id, &l.State); err != nil {
		return loop.Failf("failed to persist finalization: %v", err)
	}

	if eng := o.deregister(id); eng != nil {
		eng.Stop("loop finalized")
	}

	o.emit(events.New(kind, id, l.Config.Name).WithDetail("branch", working))
	o.recorder.LoopFinalized(string(action))
	return loop.OK()
}

// DiscardLoop throws a loop's work away: both branches are hard-reset, the
// working branch is deleted, and the loop is soft-deleted.
func (o *Orchestrator) DiscardLoop(ctx context.Context, id string) loop.Result {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return loop.Failf("loop not found: %v", err)
	}
	if l.State.Git == nil {
		return loop.Failf("no git branch was created for this loop")
	}

	if eng := o.deregister(id); eng != nil {
		eng.Stop("loop discarded")
	}

	dir := l.Config.Directory
	working := l.State.Git.WorkingBranch
	original := l.State.Git.OriginalBranch

	if err := o.git.ResetHard(ctx, dir, working); err != nil {
		return loop.Failf("failed to reset working branch: %v", err)
	}
	if err := o.git.CheckoutBranch(ctx, dir, original); err != nil {
		return loop.Failf("failed to checkout %s: %v", original, err)
	}
	if err := o.git.ResetHard(ctx, dir, original); err != nil {
		return loop.Failf("failed to reset %s: %v", original, err)
	}
	if err := o.git.DeleteBranch(ctx, dir, working); err != nil {
		return loop.Failf("failed to delete working branch: %v", err)
	}

	l.State.Status = loop.StatusDeleted
	if err := o.store.UpdateLoopState(ctx, id, &l.State); err != nil {
		return loop.Failf("failed to persist discard: %v", err)
	}

	o.emit(events.New(events.LoopDiscarded, id, l.Config.Name).WithDetail("branch", working))
	o.recorder.LoopDiscarded()
	return loop.OK()
}

// PurgeLoop physically removes a finished loop's record, best-effort deleting
// its recorded review branches first.
func (o *Orchestrator) PurgeLoop(ctx context.Context, id string) loop.Result {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return loop.Failf("loop not found: %v", err)
	}
	if !l.State.Status.IsPurgeable() {
		return loop.Failf("cannot purge loop in status %s; it must be merged, pushed, or deleted", l.State.Status)
	}

	if l.State.Review != nil {
		for _, branch := range l.State.Review.ReviewBranches {
			if err := o.git.DeleteBranch(ctx, l.Config.Directory, branch); err != nil {
				o.logger.Warn().Err(err).Str("branch", branch).Msg("failed to delete review branch during purge")
			}
		}
		l.State.Review.Addressable = false
	}

	if err := o.store.DeleteLoop(ctx, id); err != nil {
		return loop.Failf("failed to remove loop record: %v", err)
	}
	o.logger.Info().Str("loop_id", id).Msg("loop purged")
	return loop.OKf("loop %s purged", id)
}

// MarkMerged synchronizes a loop whose branch was merged outside the
// orchestrator (for example through a remote pull request): local branches
// are cleaned up and the loop is soft-deleted.
func (o *Orchestrator) MarkMerged(ctx context.Context, id string) loop.Result {
	// Always work from the canonical persisted record, never a possibly
	// stale in-memory copy.
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return loop.Failf("loop not found: %v", err)
	}

	allowed := l.State.Status == loop.StatusPushed ||
		l.State.Status == loop.StatusMerged ||
		l.State.Status == loop.StatusDeleted ||
		l.State.Status.IsFinalizable()
	if !allowed {
		return loop.Failf("cannot mark loop as merged in status %s", l.State.Status)
	}
	if l.State.Git == nil {
		return loop.Failf("no git branch was created for this loop")
	}

	dir := l.Config.Directory
	working := l.State.Git.WorkingBranch
	original := l.State.Git.OriginalBranch

	if err := o.git.ResetHard(ctx, dir, working); err != nil {
		return loop.Failf("failed to reset working branch: %v", err)
	}
	if err := o.git.CheckoutBranch(ctx, dir, original); err != nil {
		return loop.Failf("failed to checkout %s: %v", original, err)
	}
	if _, err := o.git.Pull(ctx, dir); err != nil {
		o.logger.Warn().Err(err).Str("loop_id", id).Msg("pull after external merge failed")
	}
	if err := o.git.DeleteBranch(ctx, dir, working); err != nil {
		o.logger.Warn().Err(err).Str("branch", working).Msg("failed to delete working branch after external merge")
	}

	l.State.Status = loop.StatusDeleted
	if l.State.Review != nil {
		l.State.Review.Addressable = false
	}
	if err := o.store.UpdateLoopState(ctx, id, &l.State); err != nil {
		return loop.Failf("failed to persist external merge: %v", err)
	}

	o.emit(events.New(events.LoopDeleted, id, l.Config.Name))
	return loop.OKf("loop %s cleaned up after external merge", id)
}

// AddressReviewComments starts a new review cycle for a merged or pushed
// loop: the comment is recorded, the branch layout depends on how the loop
// was finalized, and a fresh engine runs with a review prompt.
func (o *Orchestrator) AddressReviewComments(ctx context.Context, id, commentText string) loop.Result {
	if commentText == "" {
		return loop.Failf("review comment must not be empty")
	}

	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return loop.Failf("loop not found: %v", err)
	}
	if l.State.Review == nil || !l.State.Review.Addressable {
		return loop.Failf("loop %s is not addressable for review", id)
	}
	if l.State.Status != loop.StatusPushed && l.State.Status != loop.StatusMerged {
		return loop.Failf("cannot address review comments in status %s", l.State.Status)
	}
	if o.getEngine(id) != nil {
		return loop.Failf("loop %s already has a running engine", id)
	}
	if l.State.Git == nil {
		return loop.Failf("no git branch was created for this loop")
	}

	dir := l.Config.Directory
	newCycle := l.State.Review.ReviewCycles + 1

	if l.State.Review.CompletionAction == loop.ActionPush {
		// Pushed loops keep amending their original working branch.
		if err := o.git.CheckoutBranch(ctx, dir, l.State.Git.WorkingBranch); err != nil {
			return loop.Failf("failed to checkout working branch: %v", err)
		}
	} else {
		// Merged loops get a fresh branch off the original for each cycle.
		branch := l.Config.ReviewBranchName(newCycle)
		if err := o.git.CheckoutBranch(ctx, dir, l.State.Git.OriginalBranch); err != nil {
			return loop.Failf("failed to checkout %s: %v", l.State.Git.OriginalBranch, err)
		}
		if err := o.git.CreateBranch(ctx, dir, branch); err != nil {
			return loop.Failf("failed to create review branch: %v", err)
		}
		l.State.Git.WorkingBranch = branch
		l.State.Review.ReviewBranches = append(l.State.Review.ReviewBranches, branch)
	}

	l.State.Review.ReviewCycles = newCycle
	l.State.Status = loop.StatusIdle
	l.State.PendingPrompt = reviewPrompt(commentText, l.Config.StopPattern)
	if err := o.store.UpdateLoopState(ctx, id, &l.State); err != nil {
		return loop.Failf("failed to persist review cycle: %v", err)
	}

	comment := &loop.ReviewComment{
		LoopID:      id,
		ReviewCycle: newCycle,
		Comment:     commentText,
	}
	if err := o.store.InsertReviewComment(ctx, comment); err != nil {
		return loop.Failf("failed to record review comment: %v", err)
	}

	if err := o.launch(ctx, l, engine.Options{SkipGitSetup: true}); err != nil {
		return loop.Failf("failed to launch review engine: %v", err)
	}
	return loop.OK()
}

func reviewPrompt(commentText, stopPattern string) string {
	return fmt.Sprintf(
		"A reviewer has left feedback on your previous work. Consult your prior status notes, "+
			"then address every comment below. Commit your changes as you go and reply with %s "+
			"on its own line when everything is addressed.\n\nReview comments:\n%s",
		stopPattern, commentText)
}
