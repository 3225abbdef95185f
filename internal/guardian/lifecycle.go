package guardian

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/guardian/internal/audit"
	"github.com/Iron-Ham/guardian/internal/gate"
	"github.com/Iron-Ham/guardian/internal/handoff"
	"github.com/Iron-Ham/guardian/internal/lock"
	"github.com/Iron-Ham/guardian/internal/nudge"
	"github.com/Iron-Ham/guardian/internal/pressure"
	"github.com/Iron-Ham/guardian/internal/session"
	"github.com/Iron-Ham/guardian/internal/workspace"
)

// PreToolUse parses a hook payload and decides it. A payload that cannot be
// parsed is blocked; inv is nil in that case.
func (g *Guardian) PreToolUse(ctx context.Context, payload []byte, workspaceID string) (gate.Decision, *gate.Invocation) {
	inv, err := gate.ParseInvocation(payload, workspaceID)
	if err != nil {
		return g.Gate.BlockInput(ctx, err), nil
	}
	return g.Gate.Evaluate(ctx, inv), inv
}

// PostResult is what the post-tool-use hook learned.
type PostResult struct {
	State      *session.State   `json:"state"`
	Reading    pressure.Reading `json:"reading"`
	Advisories []nudge.Advisory `json:"advisories"`
}

// PostToolUse records the outcome of a tool call, refreshes workspace
// activity, re-measures context pressure and evaluates advisories. Only a
// failure to record the event itself is returned; the later steps log and
// continue.
func (g *Guardian) PostToolUse(ctx context.Context, inv *gate.Invocation) (*PostResult, error) {
	ev := g.eventFor(ctx, inv)
	s, err := g.Sessions.Record(ctx, ev)
	if err != nil {
		return nil, err
	}
	logger := g.Logger.WithSession(s.ID).WithWorkspace(inv.WorkspaceID)

	if inv.WorkspaceID != "" {
		if err := g.Workspaces.Touch(ctx, inv.WorkspaceID); err != nil {
			logger.Error("failed to touch workspace", "error", err)
		}
	}

	res := &PostResult{State: s}
	if res.Reading, err = g.Monitor.Measure(ctx, s.ID); err != nil {
		logger.Error("pressure measurement failed", "error", err)
	} else {
		s.ContextPressure = res.Reading.Pressure
	}

	res.Advisories, err = g.Nudges.Evaluate(ctx, s)
	if err != nil {
		logger.Error("nudge evaluation failed", "error", err)
	}
	if len(res.Advisories) > 0 {
		msgs := make([]string, len(res.Advisories))
		for i, a := range res.Advisories {
			msgs[i] = a.Message
		}
		if err := g.Sessions.SetPendingNudges(ctx, msgs); err != nil {
			logger.Error("failed to store pending nudges", "error", err)
		}
		s.PendingNudges = msgs
	}
	return res, nil
}

// eventFor maps an invocation to the session event it produced.
func (g *Guardian) eventFor(ctx context.Context, inv *gate.Invocation) session.Event {
	ev := session.Event{Tool: inv.Tool}
	switch {
	case inv.Operation == gate.OpExecute:
		ev.Kind = session.EventCommandRun
		ev.Command = inv.Command
		ev.ExitCode = inv.ExitCode()
		ev.Output = inv.Output()
	case inv.Operation.Mutates():
		ev.Kind = session.EventFileChanged
		ev.Path = g.relativePath(ctx, inv)
	case slices.Contains(g.Config.Pressure.ConsultationTools, inv.Tool),
		inv.Operation == gate.OpRead && inv.Path != "":
		ev.Kind = session.EventConsultation
		ev.Excerpts = inv.Excerpts()
	default:
		ev.Kind = session.EventToolUsed
	}
	return ev
}

// relativePath expresses the invocation's path relative to the caller's
// workspace checkout, or to the repository root.
func (g *Guardian) relativePath(ctx context.Context, inv *gate.Invocation) string {
	p := inv.Path
	if !filepath.IsAbs(p) {
		base := inv.WorkDir
		if base == "" {
			base = g.RepoRoot
		}
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)

	roots := []string{g.RepoRoot}
	if inv.WorkspaceID != "" {
		if a, err := g.Workspaces.Resolve(ctx, inv.WorkspaceID); err == nil && a != nil {
			roots = append([]string{a.Path}, roots...)
		}
	}
	for _, root := range roots {
		rel, err := filepath.Rel(root, p)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.ToSlash(rel)
		}
	}
	return p
}

// SessionStart begins a fresh session. A pressure block left over from the
// previous session is cleared along with its ledger.
func (g *Guardian) SessionStart(ctx context.Context, id string) (*session.State, error) {
	s, err := g.Sessions.Start(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.Block.Clear(ctx); err != nil {
		g.Logger.Error("failed to clear pressure block", "error", err)
	}
	return s, nil
}

// EndResult reports how a session ended.
type EndResult struct {
	State   *session.State    `json:"state,omitempty"`
	Reading pressure.Reading  `json:"reading"`
	Handoff *handoff.Document `json:"handoff,omitempty"`
}

// SessionEnd measures final pressure, writes a handoff when it is warranted
// and archives the session. workDir is the checkout git is queried in.
func (g *Guardian) SessionEnd(ctx context.Context, workDir string) (*EndResult, error) {
	s, err := g.Sessions.Current(ctx)
	if err != nil {
		return nil, err
	}
	res := &EndResult{}
	if res.Reading, err = g.Monitor.Measure(ctx, s.ID); err != nil {
		g.Logger.Error("pressure measurement failed", "error", err)
	}

	uncommitted := s.HasUncommittedWork()
	if !uncommitted && workDir != "" {
		if dirty, err := g.Git.HasUncommittedChanges(workDir); err == nil {
			uncommitted = dirty
		}
	}
	if ok, reason := pressure.ShouldHandoff(res.Reading, uncommitted); ok {
		res.Handoff, err = g.Handoffs.Create(ctx, handoff.Input{
			Reason:  reason,
			Reading: res.Reading,
			State:   s,
			WorkDir: workDir,
		})
		if err != nil {
			return nil, err
		}
	}

	if res.State, err = g.Sessions.End(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Handoff writes a handoff for the current session now, regardless of
// pressure.
func (g *Guardian) Handoff(ctx context.Context, reason, workDir string) (*handoff.Document, error) {
	s, err := g.Sessions.Current(ctx)
	if err != nil {
		return nil, err
	}
	reading, err := g.Monitor.Measure(ctx, s.ID)
	if err != nil {
		g.Logger.Error("pressure measurement failed", "error", err)
	}
	return g.Handoffs.Create(ctx, handoff.Input{Reason: reason, Reading: reading, State: s, WorkDir: workDir})
}

// Sweep releases workspaces idle longer than the configured maximum.
func (g *Guardian) Sweep(ctx context.Context) ([]workspace.Association, error) {
	released, err := g.Workspaces.CleanupStale(ctx, g.Config.Workspace.MaxIdle)
	if err != nil {
		return nil, err
	}
	for _, a := range released {
		g.Audit.Record(ctx, audit.Entry{
			Kind:      audit.KindWorkspace,
			Target:    a.Path,
			Reason:    "released after " + a.Idle(g.now()).Round(time.Second).String() + " idle",
			Workspace: a.WorkspaceID,
		})
	}
	return released, nil
}

// Status is a snapshot of everything Guardian tracks.
type Status struct {
	RepoRoot   string                  `json:"repo_root"`
	StateDir   string                  `json:"state_dir"`
	Session    *session.State          `json:"session"`
	Reading    pressure.Reading        `json:"reading"`
	Block      *pressure.BlockRecord   `json:"block,omitempty"`
	Locks      []lock.Record           `json:"locks"`
	Workspaces []workspace.Association `json:"workspaces"`
	LastNudge  *nudge.Advisory         `json:"last_nudge,omitempty"`
	Cooldowns  []nudge.Cooldown        `json:"cooldowns"`
	// ArchivedSessions counts sessions ended or replaced so far.
	ArchivedSessions int `json:"archived_sessions"`
}

// Status gathers a read-only snapshot. Pressure is computed from the ledger
// without raising the block.
func (g *Guardian) Status(ctx context.Context) (*Status, error) {
	st := &Status{RepoRoot: g.RepoRoot, StateDir: g.StateDir}
	var err error
	if st.Session, err = g.Sessions.Current(ctx); err != nil {
		return nil, err
	}
	entries, err := g.Sessions.Ledger(ctx)
	if err != nil {
		return nil, err
	}
	st.Reading = pressure.Compute(entries, g.Config.Pressure)
	if st.Block, err = g.Block.Status(ctx); err != nil {
		return nil, err
	}
	if st.Locks, err = g.Locks.List(ctx); err != nil {
		return nil, err
	}
	if st.Workspaces, err = g.Workspaces.List(ctx); err != nil {
		return nil, err
	}
	if st.LastNudge, err = g.Nudges.Latest(ctx); err != nil {
		return nil, err
	}
	if st.Cooldowns, err = g.Nudges.Cooldowns(ctx); err != nil {
		return nil, err
	}
	archived, err := g.Sessions.Archived(ctx)
	if err != nil {
		return nil, err
	}
	st.ArchivedSessions = len(archived)
	return st, nil
}
