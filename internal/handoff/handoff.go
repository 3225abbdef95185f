// Package handoff writes the durable snapshot a fresh session resumes from
// when the previous one ran out of context.
//
// The live handoff is a narrative HANDOFF.md plus a structured handoff.json
// in one directory. Before a new handoff is written the live pair is moved
// into archive/<timestamp>/; archives are never overwritten or removed.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/guardian/internal/audit"
	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/pressure"
	"github.com/Iron-Ham/guardian/internal/session"
	"github.com/Iron-Ham/guardian/internal/statestore"
)

// File names inside the handoff directory.
const (
	NarrativeFile  = "HANDOFF.md"
	StructuredFile = "handoff.json"
	ArchiveDir     = "archive"
)

// maxCriticalFiles bounds Document.CriticalFiles.
const maxCriticalFiles = 10

// Document is the structured handoff artifact.
type Document struct {
	CreatedAt          time.Time         `json:"created_at"`
	Reason             string            `json:"reason"`
	PressureAtCreation float64           `json:"pressure_at_creation"`
	Severity           pressure.Severity `json:"severity"`
	SessionID          string            `json:"session_id,omitempty"`
	Branch             string            `json:"branch,omitempty"`
	Commit             string            `json:"commit,omitempty"`
	NextActions        []string          `json:"next_actions"`
	CriticalFiles      []string          `json:"critical_files"`
	UncommittedFiles   []string          `json:"uncommitted_files,omitempty"`
	Errors             []string          `json:"errors,omitempty"`
	FailingTests       int               `json:"failing_tests"`
}

// Repo answers the version-control questions a handoff records.
// *worktree.Manager satisfies it.
type Repo interface {
	CurrentBranch(dir string) (string, error)
	HeadCommit(dir string) (string, error)
	UncommittedFiles(dir string) ([]string, error)
}

// BlockClearer clears the pressure block once a handoff is durable.
type BlockClearer interface {
	Clear(ctx context.Context) error
}

// Input is what a handoff is built from.
type Input struct {
	Reason  string
	Reading pressure.Reading
	State   *session.State
	// WorkDir is the checkout git is queried in. Empty skips git.
	WorkDir string
}

// Writer creates and archives handoffs.
type Writer struct {
	fs     afero.Fs
	dir    string
	repo   Repo
	block  BlockClearer
	store  statestore.Store
	audit  *audit.Recorder
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithRepo sets the git source for branch, commit and uncommitted files.
func WithRepo(r Repo) Option {
	return func(w *Writer) { w.repo = r }
}

// WithBlock sets the pressure block cleared after each handoff.
func WithBlock(b BlockClearer) Option {
	return func(w *Writer) { w.block = b }
}

// WithStore serializes Create through the store's critical section and
// records each new document there. Without it Create is only safe within
// one process.
func WithStore(s statestore.Store) Option {
	return func(w *Writer) { w.store = s }
}

// WithAudit sets the audit recorder.
func WithAudit(r *audit.Recorder) Option {
	return func(w *Writer) { w.audit = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Writer) { w.logger = l.WithComponent("handoff") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a Writer rooted at dir on fs.
func NewWriter(fs afero.Fs, dir string, opts ...Option) *Writer {
	w := &Writer{fs: fs, dir: dir, logger: logging.NopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the live handoff directory.
func (w *Writer) Dir() string { return w.dir }

// Create archives the live handoff, writes a new one and clears the
// pressure block. Git lookups are best effort. Failing to clear the block is
// logged; the handoff is still returned.
func (w *Writer) Create(ctx context.Context, in Input) (*Document, error) {
	doc := w.build(in)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode handoff: %w", err)
	}

	var archived string
	if w.store == nil {
		archived, err = w.replace(doc, data)
	} else {
		err = w.store.Update(ctx, statestore.KeyHandoffLatest, func([]byte) ([]byte, error) {
			var rerr error
			archived, rerr = w.replace(doc, data)
			return data, rerr
		})
	}
	if err != nil {
		return nil, err
	}

	if w.block != nil {
		if err := w.block.Clear(ctx); err != nil {
			w.logger.Error("failed to clear pressure block", "error", err)
		}
	}
	w.audit.Record(ctx, audit.Entry{
		Kind:    audit.KindHandoff,
		Target:  filepath.Join(w.dir, NarrativeFile),
		Reason:  doc.Reason,
		Session: doc.SessionID,
	})
	w.logger.Info("handoff written",
		"dir", w.dir, "pressure", doc.PressureAtCreation, "archived", archived, "next_actions", len(doc.NextActions))
	return doc, nil
}

// replace archives the live pair and writes doc in its place.
func (w *Writer) replace(doc *Document, data []byte) (archived string, err error) {
	if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
		return "", errors.NewPersistenceError(w.dir, err)
	}
	if archived, err = w.archive(); err != nil {
		return "", err
	}
	if err := w.writeAtomic(StructuredFile, data); err != nil {
		return archived, err
	}
	if err := w.writeAtomic(NarrativeFile, []byte(Render(doc))); err != nil {
		return archived, err
	}
	return archived, nil
}

func (w *Writer) build(in Input) *Document {
	s := in.State
	if s == nil {
		s = session.NewState("", w.now())
	}
	doc := &Document{
		CreatedAt:          w.now().UTC(),
		Reason:             in.Reason,
		PressureAtCreation: in.Reading.Pressure,
		Severity:           in.Reading.Severity,
		SessionID:          s.ID,
		FailingTests:       s.FailingTests,
		UncommittedFiles:   slices.Clone(s.ChangedFiles),
	}
	if doc.Reason == "" {
		doc.Reason = "manual handoff"
	}
	for _, e := range s.ErrorsDetected {
		doc.Errors = append(doc.Errors, fmt.Sprintf("%s: %s", e.Command, e.Message))
	}

	if w.repo != nil && in.WorkDir != "" {
		if b, err := w.repo.CurrentBranch(in.WorkDir); err == nil {
			doc.Branch = b
		} else {
			w.logger.Warn("failed to read branch", "error", err)
		}
		if c, err := w.repo.HeadCommit(in.WorkDir); err == nil {
			doc.Commit = c
		} else {
			w.logger.Warn("failed to read head commit", "error", err)
		}
		if files, err := w.repo.UncommittedFiles(in.WorkDir); err == nil {
			doc.UncommittedFiles = files
		} else {
			w.logger.Warn("failed to read uncommitted files", "error", err)
		}
	}

	doc.CriticalFiles = append([]string{}, s.RecentFiles[:min(len(s.RecentFiles), maxCriticalFiles)]...)
	doc.NextActions = nextActions(doc, s)
	return doc
}

// nextActions derives resume steps from the outstanding work counts.
func nextActions(doc *Document, s *session.State) []string {
	var actions []string
	if n := len(doc.UncommittedFiles); n > 0 {
		actions = append(actions, fmt.Sprintf("Review and commit the %d uncommitted %s.", n, plural(n, "file", "files")))
	}
	if n := len(doc.Errors); n > 0 {
		actions = append(actions, fmt.Sprintf("Resolve the %d detected %s; latest: %s", n, plural(n, "error", "errors"), doc.Errors[n-1]))
	}
	if n := doc.FailingTests; n > 0 {
		actions = append(actions, fmt.Sprintf("Fix the %d failing %s.", n, plural(n, "test", "tests")))
	}
	if n := len(s.UntestedFiles); n > 0 {
		actions = append(actions, fmt.Sprintf("Run the tests covering %d changed source %s.", n, plural(n, "file", "files")))
	}
	if len(actions) == 0 {
		actions = append(actions, "No outstanding work detected; continue from the last commit.")
	}
	return actions
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// archive moves the live pair into a fresh timestamped directory. It returns
// the archive path, or "" when there was nothing to archive.
func (w *Writer) archive() (string, error) {
	var present []string
	for _, name := range []string{StructuredFile, NarrativeFile} {
		ok, err := afero.Exists(w.fs, filepath.Join(w.dir, name))
		if err != nil {
			return "", errors.NewPersistenceError(name, err)
		}
		if ok {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return "", nil
	}

	dest, err := w.reserveArchiveDir()
	if err != nil {
		return "", err
	}
	for _, name := range present {
		if err := w.fs.Rename(filepath.Join(w.dir, name), filepath.Join(dest, name)); err != nil {
			return "", errors.NewPersistenceError(filepath.Join(dest, name), err)
		}
	}
	return dest, nil
}

// reserveArchiveDir creates an archive directory that did not exist before,
// suffixing the timestamp on collision.
func (w *Writer) reserveArchiveDir() (string, error) {
	root := filepath.Join(w.dir, ArchiveDir)
	if err := w.fs.MkdirAll(root, 0o755); err != nil {
		return "", errors.NewPersistenceError(root, err)
	}
	stamp := w.now().UTC().Format("20060102T150405.000000000Z")
	for i := 0; ; i++ {
		name := stamp
		if i > 0 {
			name = fmt.Sprintf("%s-%d", stamp, i)
		}
		dest := filepath.Join(root, name)
		exists, err := afero.DirExists(w.fs, dest)
		if err != nil {
			return "", errors.NewPersistenceError(dest, err)
		}
		if exists {
			continue
		}
		if err := w.fs.Mkdir(dest, 0o755); err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", errors.NewPersistenceError(dest, err)
		}
		return dest, nil
	}
}

func (w *Writer) writeAtomic(name string, data []byte) error {
	final := filepath.Join(w.dir, name)
	tmp := final + ".tmp"
	if err := afero.WriteFile(w.fs, tmp, data, 0o644); err != nil {
		return errors.NewPersistenceError(final, err)
	}
	if err := w.fs.Rename(tmp, final); err != nil {
		_ = w.fs.Remove(tmp)
		return errors.NewPersistenceError(final, err)
	}
	return nil
}

// Load returns the live handoff, or nil when none has been written.
func (w *Writer) Load() (*Document, error) {
	path := filepath.Join(w.dir, StructuredFile)
	data, err := afero.ReadFile(w.fs, path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewPersistenceError(path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewStateCorruptionError(path, err)
	}
	return &doc, nil
}

// Archives returns the archive directory names, oldest first.
func (w *Writer) Archives() ([]string, error) {
	root := filepath.Join(w.dir, ArchiveDir)
	infos, err := afero.ReadDir(w.fs, root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewPersistenceError(root, err)
	}
	var names []string
	for _, info := range infos {
		if info.IsDir() {
			names = append(names, info.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}
