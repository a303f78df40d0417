package loop

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a machine-readable error code intended to map to an HTTP-style
// status at the API boundary.
type Code string

// Error codes for creation-adjacent precondition failures.
const (
	CodeActiveLoopExists    Code = "ACTIVE_LOOP_EXISTS"
	CodeUncommittedChanges  Code = "UNCOMMITTED_CHANGES"
	CodeBaseBranchImmutable Code = "BASE_BRANCH_IMMUTABLE"
)

// CodedError is returned by creation-adjacent operations (create, start,
// directory checks). Finalization operations return a Result instead.
type CodedError struct {
	Code         Code
	Message      string
	HTTPStatus   int
	ConflictID   string
	ConflictName string
	ChangedFiles []string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewActiveLoopExists reports that another active loop owns the directory.
func NewActiveLoopExists(conflictID, conflictName string) *CodedError {
	return &CodedError{
		Code:         CodeActiveLoopExists,
		Message:      fmt.Sprintf("another active loop %q (%s) already exists for this directory", conflictName, conflictID),
		HTTPStatus:   http.StatusConflict,
		ConflictID:   conflictID,
		ConflictName: conflictName,
	}
}

// NewUncommittedChanges reports uncommitted changes outside the planning
// folder.
func NewUncommittedChanges(files []string) *CodedError {
	return &CodedError{
		Code:         CodeUncommittedChanges,
		Message:      fmt.Sprintf("working directory has uncommitted changes: %s", strings.Join(files, ", ")),
		HTTPStatus:   http.StatusConflict,
		ChangedFiles: files,
	}
}

// NewBaseBranchImmutable reports an attempt to change the base branch after
// git setup.
func NewBaseBranchImmutable() *CodedError {
	return &CodedError{
		Code:       CodeBaseBranchImmutable,
		Message:    "base branch cannot be changed after the working branch was created",
		HTTPStatus: http.StatusConflict,
	}
}

// AsCoded unwraps err into a CodedError if it carries one.
func AsCoded(err error) (*CodedError, bool) {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// Result is the outcome of a lifecycle-finalization operation (accept, push,
// discard, purge, markMerged, addressReviewComments). These never fail with
// an error for precondition violations; callers inspect Success.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// OK returns a successful result.
func OK() Result { return Result{Success: true} }

// OKf returns a successful result with a message.
func OKf(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Failf returns a failed result with a human-readable message.
func Failf(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}
