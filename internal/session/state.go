// Package session tracks what the current coding session has done: files
// changed since the last commit, test and commit timestamps, detected errors
// and a ledger of tool use. The Nudge Engine and the Pressure Monitor read
// this state; hook invocations write it.
package session

import (
	"slices"
	"time"
)

const (
	// maxRecentFiles bounds RecentFiles.
	maxRecentFiles = 20
	// maxErrors bounds ErrorsDetected; the oldest entries drop first.
	maxErrors = 10
)

// DetectedError is a failure observed in command output.
type DetectedError struct {
	Command string    `json:"command"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// State is the persisted per-session record.
type State struct {
	ID             string          `json:"id"`
	StartedAt      time.Time       `json:"started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	FilesChanged   int             `json:"files_changed"`
	ChangedFiles   []string        `json:"changed_files,omitempty"`
	LastCommitAt   time.Time       `json:"last_commit_at,omitzero"`
	LastTestAt     time.Time       `json:"last_test_at,omitzero"`
	UntestedFiles  []string        `json:"untested_files,omitempty"`
	FailingTests   int             `json:"failing_tests"`
	ErrorsDetected []DetectedError `json:"errors_detected,omitempty"`
	// ContextPressure is the last value computed by the pressure monitor.
	ContextPressure float64  `json:"context_pressure"`
	PendingNudges   []string `json:"pending_nudges,omitempty"`
	// RecentFiles holds the most recently touched files, newest first.
	RecentFiles []string `json:"recent_files,omitempty"`
	ToolCalls   int      `json:"tool_calls"`
}

// NewState returns an empty state for a session starting at now.
func NewState(id string, now time.Time) *State {
	return &State{ID: id, StartedAt: now, UpdatedAt: now}
}

// SinceCommit is the time elapsed since the last commit, or since the
// session started when nothing has been committed.
func (s *State) SinceCommit(now time.Time) time.Duration {
	if s.LastCommitAt.IsZero() {
		return now.Sub(s.StartedAt)
	}
	return now.Sub(s.LastCommitAt)
}

// SinceTest is the time elapsed since the last test run, or since the
// session started when no tests have run.
func (s *State) SinceTest(now time.Time) time.Duration {
	if s.LastTestAt.IsZero() {
		return now.Sub(s.StartedAt)
	}
	return now.Sub(s.LastTestAt)
}

// HasUncommittedWork reports whether files changed since the last commit.
func (s *State) HasUncommittedWork() bool {
	return s.FilesChanged > 0
}

func (s *State) touchFile(path string) {
	if !slices.Contains(s.ChangedFiles, path) {
		s.ChangedFiles = append(s.ChangedFiles, path)
	}
	s.FilesChanged = len(s.ChangedFiles)

	if i := slices.Index(s.RecentFiles, path); i >= 0 {
		s.RecentFiles = slices.Delete(s.RecentFiles, i, i+1)
	}
	s.RecentFiles = slices.Insert(s.RecentFiles, 0, path)
	if len(s.RecentFiles) > maxRecentFiles {
		s.RecentFiles = s.RecentFiles[:maxRecentFiles]
	}
}

func (s *State) markUntested(path string) {
	if !slices.Contains(s.UntestedFiles, path) {
		s.UntestedFiles = append(s.UntestedFiles, path)
	}
}

func (s *State) addError(e DetectedError) {
	s.ErrorsDetected = append(s.ErrorsDetected, e)
	if over := len(s.ErrorsDetected) - maxErrors; over > 0 {
		s.ErrorsDetected = s.ErrorsDetected[over:]
	}
}

func (s *State) clearErrors(command string) {
	s.ErrorsDetected = slices.DeleteFunc(s.ErrorsDetected, func(e DetectedError) bool {
		return e.Command == command
	})
}

func (s *State) committed(now time.Time) {
	s.LastCommitAt = now
	s.ChangedFiles = nil
	s.FilesChanged = 0
}
