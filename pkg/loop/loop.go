// Package loop defines the loop domain model: the persisted configuration
// and mutable state of one managed agent run against a git working
// directory, plus the status sets and error types shared across the
// orchestrator, the engine, and the store.
package loop

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default limits applied when create options leave them zero.
const (
	DefaultMaxIterations          = 50
	DefaultMaxConsecutiveErrors   = 3
	DefaultActivityTimeoutSeconds = 600
	DefaultStopPattern            = "LOOP_COMPLETE"
	DefaultBranchPrefix           = "loop/"
	DefaultCommitPrefix           = "loop: "
	PlanningFolder                = ".planning"
	PlanningSentinel              = ".gitkeep"
	PlanArtifact                  = "PLAN.md"
)

// GitNaming holds the branch and commit naming configuration for a loop.
type GitNaming struct {
	BranchPrefix string `json:"branch_prefix" yaml:"branch_prefix"`
	CommitPrefix string `json:"commit_prefix" yaml:"commit_prefix"`
}

// Config is the immutable-after-creation configuration of a loop. Only
// Update (name, prompt, limits) and the deferred BaseBranch rules may touch
// it after creation.
type Config struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Directory              string    `json:"directory"`
	Prompt                 string    `json:"prompt"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
	Workspace              string    `json:"workspace,omitempty"`
	Model                  string    `json:"model,omitempty"`
	MaxIterations          int       `json:"max_iterations"`
	MaxConsecutiveErrors   int       `json:"max_consecutive_errors"`
	ActivityTimeoutSeconds int       `json:"activity_timeout_seconds"`
	StopPattern            string    `json:"stop_pattern"`
	Git                    GitNaming `json:"git"`
	BaseBranch             string    `json:"base_branch,omitempty"`
	ClearPlanningFolder    bool      `json:"clear_planning_folder"`
	PlanMode               bool      `json:"plan_mode"`
}

// GitState records the branches a loop owns once git setup has run.
// OriginalBranch is the branch the working branch was forked from; once it
// is set, Config.BaseBranch is immutable.
type GitState struct {
	OriginalBranch string `json:"original_branch"`
	WorkingBranch  string `json:"working_branch"`
}

// PlanModeState tracks the pre-execution planning phase.
type PlanModeState struct {
	Active                bool   `json:"active"`
	FeedbackRounds        int    `json:"feedback_rounds"`
	PlanningFolderCleared bool   `json:"planning_folder_cleared"`
	IsPlanReady           bool   `json:"is_plan_ready"`
	PlanSessionID         string `json:"plan_session_id,omitempty"`
	PlanServerURL         string `json:"plan_server_url,omitempty"`
}

// CompletionAction is how a finished loop left active life: merged into the
// original branch, or pushed to the remote. Once set it never flips.
type CompletionAction string

// Completion actions.
const (
	ActionMerge CompletionAction = "merge"
	ActionPush  CompletionAction = "push"
)

// ReviewMode tracks the review-cycle workflow after a loop was merged or
// pushed.
type ReviewMode struct {
	Addressable      bool             `json:"addressable"`
	CompletionAction CompletionAction `json:"completion_action"`
	ReviewCycles     int              `json:"review_cycles"`
	ReviewBranches   []string         `json:"review_branches"`
}

// State is the mutable state machine data of a loop.
type State struct {
	Status            Status         `json:"status"`
	Git               *GitState      `json:"git,omitempty"`
	PlanMode          *PlanModeState `json:"plan_mode,omitempty"`
	Review            *ReviewMode    `json:"review,omitempty"`
	PendingPrompt     string         `json:"pending_prompt,omitempty"`
	PendingModel      string         `json:"pending_model,omitempty"`
	Iterations        int            `json:"iterations"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	LastError         string         `json:"last_error,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Loop is the unit of work: one persisted config plus its live state.
type Loop struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// ReviewComment is an append-only record of reviewer feedback tied to a
// review cycle.
type ReviewComment struct {
	ID          string    `json:"id"`
	LoopID      string    `json:"loop_id"`
	ReviewCycle int       `json:"review_cycle"`
	Comment     string    `json:"comment"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
}

// Review comment statuses.
const (
	CommentStatusPending   = "pending"
	CommentStatusAddressed = "addressed"
)

// GenerateID returns a new loop id.
func GenerateID() string {
	return uuid.New().String()
}

// GenerateCommentID returns an 8-character hex id for a review comment.
func GenerateCommentID() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", bytes), nil
}

// Validate checks structural validity of a loop record.
func (l *Loop) Validate() error {
	if l.Config.ID == "" {
		return fmt.Errorf("loop id is required")
	}
	if l.Config.Directory == "" {
		return fmt.Errorf("loop directory is required")
	}
	if !filepath.IsAbs(l.Config.Directory) {
		return fmt.Errorf("loop directory must be absolute: %s", l.Config.Directory)
	}
	if !l.State.Status.IsValid() {
		return fmt.Errorf("invalid loop status: %s", l.State.Status)
	}
	return nil
}

// SanitizeBranchName converts a display name into a branch-safe slug:
// lowercase, alphanumerics and dashes only, collapsed runs of dashes.
func SanitizeBranchName(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// WorkingBranchName builds the branch name for a loop from its naming config.
func (c *Config) WorkingBranchName() string {
	slug := SanitizeBranchName(c.Name)
	if slug == "" {
		slug = c.ID[:8]
	}
	return c.Git.BranchPrefix + slug
}

// ReviewBranchName builds the branch name for a merge-mode review cycle.
func (c *Config) ReviewBranchName(cycle int) string {
	slug := SanitizeBranchName(c.Name)
	if slug == "" {
		slug = c.ID[:8]
	}
	return fmt.Sprintf("%s%s-review-%d", c.Git.BranchPrefix, slug, cycle)
}
