// Package exec provides the command execution abstraction the orchestrator
// uses for filesystem maintenance in loop working directories. The interface
// keeps the door open for a remote transport implementation; only a local
// executor ships today.
package exec

import (
	"context"
	"time"
)

// ExecutorType identifies an executor implementation.
type ExecutorType string

// Executor type constants.
const (
	ExecutorTypeLocal ExecutorType = "local"
)

// Opts contains options for command execution.
type Opts struct {
	// WorkDir is the working directory for the command.
	WorkDir string

	// Env contains additional environment variables (KEY=VALUE format).
	Env []string

	// Timeout is the maximum duration for command execution.
	Timeout time.Duration
}

// Result contains the result of command execution. A non-zero ExitCode is
// not an error; callers check it themselves.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor executes commands and answers filesystem queries against a loop's
// working directory.
type Executor interface {
	// Run executes a command with the given options and returns the result.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// DirectoryExists reports whether path exists and is a directory.
	DirectoryExists(ctx context.Context, path string) (bool, error)

	// FileExists reports whether path exists and is a regular file.
	FileExists(ctx context.Context, path string) (bool, error)

	// ListDirectory returns the entry names directly under path.
	ListDirectory(ctx context.Context, path string) ([]string, error)

	// RemoveAll deletes path and everything beneath it.
	RemoveAll(ctx context.Context, path string) error

	// Name returns the executor type name for logging.
	Name() ExecutorType
}
