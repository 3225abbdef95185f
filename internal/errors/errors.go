// Package errors provides centralized error definitions and error handling utilities
// for Guardian. It defines the error taxonomy used by the admission gate and the
// coordination components, error constructors with context wrapping, and
// classification helpers.
//
// # Error Types
//
// Every error raised by a Guardian component falls into one of these kinds:
//   - InputError: a malformed or missing invocation payload. Fails closed.
//   - StateCorruptionError: a persisted document that cannot be read or parsed.
//     Each component decides its own policy (locks read it as "unlocked").
//   - ConflictError: an expected, non-exceptional refusal such as a lock held by
//     another holder or a write outside the assigned workspace. Surfaced to
//     callers as an ordinary blocked decision.
//   - PersistenceError: state could not be written. Logged and swallowed when
//     the safety decision has already been made.
//   - GitError: checkout creation or removal failed.
//
// # Usage
//
//	err := errors.NewConflictError("resource locked", errors.ErrLockHeld).
//		WithHolder("session-a")
//
//	if errors.IsConflict(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind identifies which branch of the taxonomy an error belongs to.
type Kind int

const (
	// KindUnknown is any error not produced by this package.
	KindUnknown Kind = iota
	// KindInput is a malformed or missing invocation payload.
	KindInput
	// KindStateCorruption is an unreadable or invalid persisted document.
	KindStateCorruption
	// KindConflict is an expected refusal (lock held, boundary violation).
	KindConflict
	// KindPersistence is a failure to write state.
	KindPersistence
	// KindGit is a failure in the version-control adapter.
	KindGit
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindStateCorruption:
		return "state_corruption"
	case KindConflict:
		return "conflict"
	case KindPersistence:
		return "persistence"
	case KindGit:
		return "git"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Input sentinel errors
var (
	// ErrMalformedInvocation indicates the invocation payload could not be decoded.
	ErrMalformedInvocation = New("malformed invocation payload")
	// ErrMissingField indicates a required invocation field is absent.
	ErrMissingField = New("missing required field")
	// ErrInvalidPattern indicates a glob or rule pattern failed to compile.
	ErrInvalidPattern = New("invalid pattern")
)

// State sentinel errors
var (
	// ErrStateCorrupted indicates a persisted document is unreadable.
	ErrStateCorrupted = New("persisted state corrupted")
	// ErrNotFound indicates a persisted document does not exist.
	ErrNotFound = New("not found")
)

// Conflict sentinel errors
var (
	// ErrLockHeld indicates the resource lock is held by another holder.
	ErrLockHeld = New("resource locked by another holder")
	// ErrNotHolder indicates the caller does not hold the lock it tried to release.
	ErrNotHolder = New("caller does not hold the lock")
	// ErrOutsideWorkspace indicates a write outside the assigned workspace root.
	ErrOutsideWorkspace = New("path outside assigned workspace")
	// ErrUnknownWorkspace indicates a caller workspace id with no association.
	ErrUnknownWorkspace = New("workspace not assigned")
	// ErrContended indicates a cross-process critical section stayed busy past its retry budget.
	ErrContended = New("state busy, retry later")
)

// Persistence sentinel errors
var (
	// ErrPersistence indicates state could not be written.
	ErrPersistence = New("failed to persist state")
)

// Git sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeExists indicates that a worktree already exists.
	ErrWorktreeExists = New("worktree already exists")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message string
	cause   error
	kind    Kind
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Kind returns the taxonomy branch of the error.
func (e *baseError) Kind() Kind {
	return e.kind
}

type kinded interface {
	Kind() Kind
}

func format(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Taxonomy Errors
// -----------------------------------------------------------------------------

// InputError represents a malformed or missing invocation payload.
//
// Example:
//
//	err := errors.NewInputError("decode payload", errors.ErrMalformedInvocation).WithField("tool_name")
type InputError struct {
	baseError
	Field string
}

// NewInputError creates a new InputError.
func NewInputError(message string, cause error) *InputError {
	return &InputError{baseError: baseError{message: message, cause: cause, kind: KindInput}}
}

// WithField records which payload field was at fault.
func (e *InputError) WithField(field string) *InputError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *InputError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	return format("input error", parts, e.message, e.cause)
}

// StateCorruptionError represents a persisted document that cannot be parsed.
type StateCorruptionError struct {
	baseError
	Key string
}

// NewStateCorruptionError creates a new StateCorruptionError for the given store key.
func NewStateCorruptionError(key string, cause error) *StateCorruptionError {
	return &StateCorruptionError{
		baseError: baseError{message: "unreadable document", cause: cause, kind: KindStateCorruption},
		Key:       key,
	}
}

// Error returns the formatted error message.
func (e *StateCorruptionError) Error() string {
	return format("state corruption", []string{"key=" + e.Key}, e.message, e.cause)
}

// Is reports a match against ErrStateCorrupted as well as the cause chain.
func (e *StateCorruptionError) Is(target error) bool {
	return target == ErrStateCorrupted
}

// ConflictError represents an expected refusal. It carries the identity of the
// party that currently owns the contested resource when one is known.
type ConflictError struct {
	baseError
	Resource  string
	Holder    string
	Operation string
}

// NewConflictError creates a new ConflictError.
func NewConflictError(message string, cause error) *ConflictError {
	return &ConflictError{baseError: baseError{message: message, cause: cause, kind: KindConflict}}
}

// WithResource sets the contested resource name.
func (e *ConflictError) WithResource(resource string) *ConflictError {
	e.Resource = resource
	return e
}

// WithHolder sets the current holder and the operation it declared.
func (e *ConflictError) WithHolder(holder, operation string) *ConflictError {
	e.Holder = holder
	e.Operation = operation
	return e
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	var parts []string
	if e.Resource != "" {
		parts = append(parts, "resource="+e.Resource)
	}
	if e.Holder != "" {
		parts = append(parts, "holder="+e.Holder)
	}
	if e.Operation != "" {
		parts = append(parts, "operation="+e.Operation)
	}
	return format("conflict", parts, e.message, e.cause)
}

// PersistenceError represents a failure to write state.
type PersistenceError struct {
	baseError
	Key string
}

// NewPersistenceError creates a new PersistenceError for the given store key.
func NewPersistenceError(key string, cause error) *PersistenceError {
	return &PersistenceError{
		baseError: baseError{message: "write failed", cause: cause, kind: KindPersistence},
		Key:       key,
	}
}

// Error returns the formatted error message.
func (e *PersistenceError) Error() string {
	return format("persistence", []string{"key=" + e.Key}, e.message, e.cause)
}

// Is reports a match against ErrPersistence as well as the cause chain.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("worktree add failed", baseErr).WithBranch("guardian/issue-12")
type GitError struct {
	baseError
	Branch  string
	Path    string
	Command string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{baseError: baseError{message: message, cause: cause, kind: KindGit}}
}

// WithBranch adds the branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithPath adds the checkout path to the error context.
func (e *GitError) WithPath(path string) *GitError {
	e.Path = path
	return e
}

// WithCommand adds the git command to the error context.
func (e *GitError) WithCommand(cmd string) *GitError {
	e.Command = cmd
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, "branch="+e.Branch)
	}
	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}
	if e.Command != "" {
		parts = append(parts, "cmd="+e.Command)
	}
	return format("git error", parts, e.message, e.cause)
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// KindOf returns the taxonomy branch of err, walking the wrap chain.
func KindOf(err error) Kind {
	var k kinded
	if As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsInput reports whether err is an InputError.
func IsInput(err error) bool {
	return KindOf(err) == KindInput
}

// IsCorruption reports whether err is a StateCorruptionError.
func IsCorruption(err error) bool {
	return KindOf(err) == KindStateCorruption
}

// IsConflict reports whether err is an expected refusal.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsPersistence reports whether err is a write failure.
func IsPersistence(err error) bool {
	return KindOf(err) == KindPersistence
}

// Wrap wraps an error with additional context.
// Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
