// Package orchestrator is the single authority for loop state transitions.
// It owns the in-memory registry of running engines, enforces the directory
// exclusivity and finalization invariants, drives the git branch workflow,
// and recovers from stale state after a crash.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"looper/pkg/config"
	"looper/pkg/engine"
	"looper/pkg/events"
	"looper/pkg/exec"
	"looper/pkg/gitx"
	"looper/pkg/logx"
	"looper/pkg/loop"
	"looper/pkg/metrics"
	"looper/pkg/names"
	"looper/pkg/persistence"
)

// SessionLayer is the slice of the agent session manager the orchestrator
// needs for shutdown and force reset.
type SessionLayer interface {
	AbortAllSubscriptions()
	Disconnect()
}

// Orchestrator coordinates loop lifecycles. All fields are set at
// construction; the registry and finalizing set are guarded by mu.
type Orchestrator struct {
	store    *persistence.Store
	git      *gitx.Workflow
	executor exec.Executor
	factory  engine.Factory
	namer    *names.Generator
	sink     events.Sink
	sessions SessionLayer
	recorder *metrics.Recorder
	cfg      *config.Config
	logger   zerolog.Logger

	mu         sync.Mutex
	engines    map[string]*engineHandle
	finalizing map[string]struct{}
}

// engineHandle pairs a registered engine with the cancel func of its
// persistence ticker. The cancel is invoked exactly once, on deregistration.
type engineHandle struct {
	engine        engine.Engine
	cancelPersist context.CancelFunc
}

// Deps are the collaborators an Orchestrator is built from.
type Deps struct {
	Store    *persistence.Store
	Git      *gitx.Workflow
	Executor exec.Executor
	Factory  engine.Factory
	Namer    *names.Generator
	Sink     events.Sink
	Sessions SessionLayer
	Recorder *metrics.Recorder
	Config   *config.Config
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		store:      deps.Store,
		git:        deps.Git,
		executor:   deps.Executor,
		factory:    deps.Factory,
		namer:      deps.Namer,
		sink:       deps.Sink,
		sessions:   deps.Sessions,
		recorder:   deps.Recorder,
		cfg:        deps.Config,
		logger:     logx.Component("orchestrator"),
		engines:    make(map[string]*engineHandle),
		finalizing: make(map[string]struct{}),
	}
}

func (o *Orchestrator) emit(event events.Event) {
	if o.sink != nil {
		o.sink.Emit(event)
	}
}

// getEngine returns the registered engine for id, or nil. An engine that
// settled into an engine-terminal status on its own is persisted and dropped
// from the registry, so restart paths see the loop as not running.
func (o *Orchestrator) getEngine(id string) engine.Engine {
	o.mu.Lock()
	h, ok := o.engines[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	if !h.engine.StateSnapshot().Status.IsEngineTerminal() {
		return h.engine
	}

	o.mu.Lock()
	if cur, ok := o.engines[id]; ok && cur == h {
		delete(o.engines, id)
		h.cancelPersist()
	}
	o.mu.Unlock()
	o.persistEngineState(context.Background(), id, h.engine)
	return nil
}

// engineSnapshot returns the live state of the engine registered for id, or
// nil. Settled engines still count here: their snapshot is fresher than the
// last persisted copy.
func (o *Orchestrator) engineSnapshot(id string) *loop.State {
	o.mu.Lock()
	h, ok := o.engines[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	state := h.engine.StateSnapshot()
	return &state
}

// IsRunning reports whether an engine is registered for the loop.
func (o *Orchestrator) IsRunning(id string) bool {
	return o.getEngine(id) != nil
}

// GetRunningLoopState returns the live engine state for the loop, or nil if
// no engine is registered.
func (o *Orchestrator) GetRunningLoopState(id string) *loop.State {
	eng := o.getEngine(id)
	if eng == nil {
		return nil
	}
	state := eng.StateSnapshot()
	return &state
}

// register adds an engine to the registry and starts its persistence ticker.
// At most one engine may exist per loop id.
func (o *Orchestrator) register(id string, eng engine.Engine) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.engines[id]; exists {
		return fmt.Errorf("loop %s already has a registered engine", id)
	}

	persistCtx, cancel := context.WithCancel(context.Background())
	o.engines[id] = &engineHandle{engine: eng, cancelPersist: cancel}
	go o.persistPeriodically(persistCtx, id, eng)
	return nil
}

// deregister removes an engine and cancels its persistence ticker.
func (o *Orchestrator) deregister(id string) engine.Engine {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, ok := o.engines[id]
	if !ok {
		return nil
	}
	delete(o.engines, id)
	h.cancelPersist()
	return h.engine
}

// persistPeriodically snapshots engine state to the store on a fixed
// interval. The ticker stops on deregistration or once the engine settles
// into a terminal status.
func (o *Orchestrator) persistPeriodically(ctx context.Context, id string, eng engine.Engine) {
	interval := o.cfg.PersistInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := eng.StateSnapshot()
			if err := o.store.UpdateLoopState(ctx, id, &state); err != nil {
				o.logger.Warn().Err(err).Str("loop_id", id).Msg("periodic persist failed")
			}
			if state.Status.IsEngineTerminal() {
				return
			}
		}
	}
}

// persistEngineState writes the engine's current state to the store.
func (o *Orchestrator) persistEngineState(ctx context.Context, id string, eng engine.Engine) {
	state := eng.StateSnapshot()
	if err := o.store.UpdateLoopState(ctx, id, &state); err != nil {
		o.logger.Warn().Err(err).Str("loop_id", id).Msg("failed to persist engine state")
	}
}

// checkDirectoryExclusive fails with ACTIVE_LOOP_EXISTS when another active
// loop owns the directory. The check gates startLoop, startPlanMode, and
// jumpstart.
func (o *Orchestrator) checkDirectoryExclusive(ctx context.Context, directory, excludeID string) error {
	conflict, err := o.store.GetActiveLoopByDirectory(ctx, directory, excludeID)
	if err != nil {
		return fmt.Errorf("directory exclusivity check failed: %w", err)
	}
	if conflict != nil {
		return loop.NewActiveLoopExists(conflict.Config.ID, conflict.Config.Name)
	}
	return nil
}
