package orchestrator

import (
	"context"

	"looper/pkg/loop"
)

// ResetCounts reports what a force reset touched.
type ResetCounts struct {
	EnginesCleared int `json:"engines_cleared"`
	LoopsReset     int `json:"loops_reset"`
}

// ForceResetAll stops every registered engine best-effort, clears the
// registry and the finalizing set, resets stale active loops to stopped, and
// drops the agent session layer. Used to recover from a wedged process.
func (o *Orchestrator) ForceResetAll(ctx context.Context) ResetCounts {
	o.mu.Lock()
	handles := o.engines
	o.engines = make(map[string]*engineHandle)
	o.finalizing = make(map[string]struct{})
	o.mu.Unlock()

	for id, h := range handles {
		h.cancelPersist()
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					o.logger.Warn().Interface("panic", rec).Str("loop_id", id).Msg("engine stop panicked during force reset")
				}
			}()
			h.engine.Stop("force reset")
		}()
	}

	reset, err := o.store.ResetStaleLoops(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("stale loop reset failed")
	}

	if o.sessions != nil {
		o.sessions.Disconnect()
	}

	counts := ResetCounts{EnginesCleared: len(handles), LoopsReset: reset}
	o.logger.Info().
		Int("engines_cleared", counts.EnginesCleared).
		Int("loops_reset", counts.LoopsReset).
		Msg("force reset complete")
	o.recorder.LoopsReset(counts.LoopsReset)
	return counts
}

// RecoverStaleLoops resets loops left in an active status by a previous
// process. Planning loops are spared; they can reattach to their session.
// Called once at startup.
func (o *Orchestrator) RecoverStaleLoops(ctx context.Context) (int, error) {
	count, err := o.store.ResetStaleLoops(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		o.logger.Info().Int("count", count).Msg("reset stale loops from previous run")
		o.recorder.LoopsReset(count)
	}
	return count, nil
}

// Shutdown stops all engines and disconnects the session layer. The process
// relies on RecoverStaleLoops at next start for anything missed here.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	// Cancel in-flight prompts first so engine stops do not wait out a slow
	// provider turn.
	if o.sessions != nil {
		o.sessions.AbortAllSubscriptions()
	}

	o.mu.Lock()
	ids := make([]string, 0, len(o.engines))
	for id := range o.engines {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		eng := o.deregister(id)
		if eng == nil {
			continue
		}
		// Planning loops keep their status so the next process can reattach
		// to the recorded plan session.
		if eng.StateSnapshot().Status != loop.StatusPlanning {
			eng.Stop("shutdown")
		}
		o.persistEngineState(ctx, id, eng)
	}

	if o.sessions != nil {
		o.sessions.Disconnect()
	}
	o.logger.Info().Int("engines_stopped", len(ids)).Msg("orchestrator shut down")
}
