// Package errs defines the public error categories the core surfaces (§6).
// Every category is a distinct, wrapped, errors.Is/As-comparable type rather
// than a message string callers would have to parse.
package errs

import "fmt"

// Code identifies an error category exposed at the public surface.
type Code string

const (
	GoalInvalid            Code = "goal_invalid"
	GraphInvalid           Code = "graph_invalid"
	NodeTimeout            Code = "node_timeout"
	NodeMaxVisits          Code = "node_max_visits"
	NoValidEdge            Code = "no_valid_edge"
	HardConstraintViolated Code = "hard_constraint_violated"
	ToolUnavailable        Code = "tool_unavailable"
	LLMUnavailable         Code = "llm_unavailable"
	CredentialNotFound     Code = "credential_not_found"
	CredentialRefreshError Code = "credential_refresh_error"
	CredentialCorrupt      Code = "credential_corrupt"
	SessionNotFound        Code = "session_not_found"
	SessionNotResumable    Code = "session_not_resumable"
	StorageFailure         Code = "storage_failure"
	Cancelled              Code = "cancelled"
	BranchMergeConflict    Code = "branch_merge_conflict"
)

// Error is the concrete type behind every public error category. Message is
// human-readable; Code is the machine-checkable category. Err, when set, is
// the wrapped underlying cause and is surfaced through Unwrap so
// errors.Is/errors.As keep working across the stack.
//
// Never populate Message or Err with a credential's secret bytes (P10).
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is enables errors.Is(err, errs.New(code, "")) to match purely on Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New constructs a category error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs a category error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a category error that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// Is reports whether err belongs to the given category.
func Is(err error, code Code) bool {
	var e *Error
	return AsError(err, &e) && e.Code == code
}

// AsError is a small errors.As wrapper kept local to avoid importing errors
// in call sites that only ever want the Code.
func AsError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
