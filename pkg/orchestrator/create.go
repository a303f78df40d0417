package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"looper/pkg/events"
	"looper/pkg/loop"
)

// CreateOptions are the caller-supplied options for a new loop. Zero fields
// fall back to the configured defaults.
type CreateOptions struct {
	Name                   string `json:"name,omitempty"`
	Directory              string `json:"directory"`
	Prompt                 string `json:"prompt"`
	Workspace              string `json:"workspace,omitempty"`
	Model                  string `json:"model,omitempty"`
	MaxIterations          int    `json:"max_iterations,omitempty"`
	MaxConsecutiveErrors   int    `json:"max_consecutive_errors,omitempty"`
	ActivityTimeoutSeconds int    `json:"activity_timeout_seconds,omitempty"`
	StopPattern            string `json:"stop_pattern,omitempty"`
	BranchPrefix           string `json:"branch_prefix,omitempty"`
	CommitPrefix           string `json:"commit_prefix,omitempty"`
	BaseBranch             string `json:"base_branch,omitempty"`
	ClearPlanningFolder    bool   `json:"clear_planning_folder,omitempty"`
	PlanMode               bool   `json:"plan_mode,omitempty"`
	Draft                  bool   `json:"draft,omitempty"`
}

// Create allocates a new loop, derives a display name when none was given,
// persists it, and emits loop.created. The initial status is draft, planning,
// or idle depending on the options.
func (o *Orchestrator) Create(ctx context.Context, opts CreateOptions) (*loop.Loop, error) {
	if opts.Directory == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if !filepath.IsAbs(opts.Directory) {
		return nil, fmt.Errorf("directory must be an absolute path: %s", opts.Directory)
	}
	if ok, err := o.executor.DirectoryExists(ctx, opts.Directory); err != nil || !ok {
		return nil, fmt.Errorf("directory does not exist: %s", opts.Directory)
	}
	if !o.git.IsGitRepo(ctx, opts.Directory) {
		return nil, fmt.Errorf("directory is not a git repository: %s", opts.Directory)
	}

	name := opts.Name
	if name == "" {
		name = o.namer.Generate(ctx, opts.Prompt)
	}

	now := time.Now().UTC()
	cfg := loop.Config{
		ID:                     loop.GenerateID(),
		Name:                   name,
		Directory:              opts.Directory,
		Prompt:                 opts.Prompt,
		CreatedAt:              now,
		UpdatedAt:              now,
		Workspace:              opts.Workspace,
		Model:                  opts.Model,
		MaxIterations:          opts.MaxIterations,
		MaxConsecutiveErrors:   opts.MaxConsecutiveErrors,
		ActivityTimeoutSeconds: opts.ActivityTimeoutSeconds,
		StopPattern:            opts.StopPattern,
		Git: loop.GitNaming{
			BranchPrefix: opts.BranchPrefix,
			CommitPrefix: opts.CommitPrefix,
		},
		BaseBranch:          opts.BaseBranch,
		ClearPlanningFolder: opts.ClearPlanningFolder,
		PlanMode:            opts.PlanMode,
	}
	o.applyDefaults(&cfg)

	state := loop.State{Status: loop.StatusIdle}
	switch {
	case opts.Draft:
		state.Status = loop.StatusDraft
	case opts.PlanMode:
		state.Status = loop.StatusPlanning
		state.PlanMode = &loop.PlanModeState{Active: true}
	}

	l := &loop.Loop{Config: cfg, State: state}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := o.store.SaveLoop(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to persist new loop: %w", err)
	}

	o.logger.Info().
		Str("loop_id", cfg.ID).
		Str("name", cfg.Name).
		Str("status", string(state.Status)).
		Msg("loop created")
	o.emit(events.New(events.LoopCreated, cfg.ID, cfg.Name))
	o.recorder.LoopCreated(string(state.Status))
	return l, nil
}

func (o *Orchestrator) applyDefaults(cfg *loop.Config) {
	defaults := o.cfg.Defaults
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = defaults.MaxConsecutiveErrors
	}
	if cfg.ActivityTimeoutSeconds <= 0 {
		cfg.ActivityTimeoutSeconds = defaults.ActivityTimeoutSeconds
	}
	if cfg.StopPattern == "" {
		cfg.StopPattern = defaults.StopPattern
	}
	if cfg.Git.BranchPrefix == "" {
		cfg.Git.BranchPrefix = defaults.BranchPrefix
	}
	if cfg.Git.CommitPrefix == "" {
		cfg.Git.CommitPrefix = defaults.CommitPrefix
	}
}

// GetLoop returns one loop. When an engine is registered its live state
// overrides the persisted copy.
func (o *Orchestrator) GetLoop(ctx context.Context, id string) (*loop.Loop, error) {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if state := o.engineSnapshot(id); state != nil {
		l.State = *state
	}
	return l, nil
}

// GetAllLoops lists every loop, with live engine state overlaid where
// available.
func (o *Orchestrator) GetAllLoops(ctx context.Context) ([]*loop.Loop, error) {
	loops, err := o.store.ListLoops(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range loops {
		if state := o.engineSnapshot(l.Config.ID); state != nil {
			l.State = *state
		}
	}
	return loops, nil
}

// UpdateOptions are the mutable fields of a loop's configuration. Nil
// pointers leave the field untouched.
type UpdateOptions struct {
	Name                   *string `json:"name,omitempty"`
	Prompt                 *string `json:"prompt,omitempty"`
	Model                  *string `json:"model,omitempty"`
	MaxIterations          *int    `json:"max_iterations,omitempty"`
	MaxConsecutiveErrors   *int    `json:"max_consecutive_errors,omitempty"`
	ActivityTimeoutSeconds *int    `json:"activity_timeout_seconds,omitempty"`
	StopPattern            *string `json:"stop_pattern,omitempty"`
	BaseBranch             *string `json:"base_branch,omitempty"`
}

// UpdateLoop edits a loop's configuration. Changing the base branch after the
// working branch was created fails with BASE_BRANCH_IMMUTABLE.
func (o *Orchestrator) UpdateLoop(ctx context.Context, id string, opts UpdateOptions) (*loop.Loop, error) {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.BaseBranch != nil && *opts.BaseBranch != l.Config.BaseBranch {
		if l.State.Git != nil && l.State.Git.OriginalBranch != "" {
			return nil, loop.NewBaseBranchImmutable()
		}
		l.Config.BaseBranch = *opts.BaseBranch
	}
	if opts.Name != nil {
		l.Config.Name = *opts.Name
	}
	if opts.Prompt != nil {
		l.Config.Prompt = *opts.Prompt
	}
	if opts.Model != nil {
		l.Config.Model = *opts.Model
	}
	if opts.MaxIterations != nil {
		l.Config.MaxIterations = *opts.MaxIterations
	}
	if opts.MaxConsecutiveErrors != nil {
		l.Config.MaxConsecutiveErrors = *opts.MaxConsecutiveErrors
	}
	if opts.ActivityTimeoutSeconds != nil {
		l.Config.ActivityTimeoutSeconds = *opts.ActivityTimeoutSeconds
	}
	if opts.StopPattern != nil {
		l.Config.StopPattern = *opts.StopPattern
	}
	l.Config.UpdatedAt = time.Now().UTC()

	if err := o.store.SaveLoop(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to persist loop update: %w", err)
	}
	return l, nil
}

// DeleteLoop soft-deletes a loop: the engine is stopped if one is running and
// the record is kept with status deleted. Purge removes it physically.
func (o *Orchestrator) DeleteLoop(ctx context.Context, id string) loop.Result {
	l, err := o.store.LoadLoop(ctx, id)
	if err != nil {
		return loop.Failf("loop not found: %v", err)
	}

	if eng := o.deregister(id); eng != nil {
		eng.Stop("loop deleted")
	}

	l.State.Status = loop.StatusDeleted
	if err := o.store.UpdateLoopState(ctx, id, &l.State); err != nil {
		return loop.Failf("failed to persist deletion: %v", err)
	}

	o.emit(events.New(events.LoopDeleted, id, l.Config.Name))
	return loop.OK()
}

// GetReviewHistory returns the review comments recorded for a loop, oldest
// first.
func (o *Orchestrator) GetReviewHistory(ctx context.Context, id string) ([]*loop.ReviewComment, error) {
	return o.store.ListReviewComments(ctx, id)
}
