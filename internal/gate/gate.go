// Package gate is the admission gate: a synchronous allow/block decision for
// every intercepted tool invocation. It keeps no mutable state of its own;
// everything it consults (lock records, workspace associations, the pressure
// block) is read from persisted state on each call.
//
// Command checks run an ordered rule table, first match wins. File checks run
// in a fixed order:
//
//  1. always-allowed shared coordination prefixes
//  2. the pressure block (only the state/handoff allow-list stays writable)
//  3. never-write credential patterns
//  4. system path prefixes
//  5. the critical resource, when another holder has its lock
//  6. the caller's workspace boundary (plus the shared allow-list)
//  7. allow, auditing sensitive patterns
//
// Every internal failure blocks.
package gate

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/guardian/internal/audit"
	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/lock"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/pattern"
	"github.com/Iron-Ham/guardian/internal/workspace"
)

// Decision is the gate's answer. Reason is set whenever Allowed is false.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Rule names the check or command rule that decided.
	Rule string `json:"rule,omitempty"`
}

// Allow is the allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Block returns a blocking decision.
func Block(rule, reason string) Decision {
	return Decision{Allowed: false, Rule: rule, Reason: reason}
}

// Rule names for file-access and fail-closed decisions.
const (
	RuleInvalidInput     = "invalid-input"
	RuleInternalError    = "internal-error"
	RulePressureBlock    = "pressure-block"
	RuleNeverWrite       = "never-write"
	RuleSystemPath       = "system-path"
	RuleCriticalResource = "critical-resource"
	RuleWorkspace        = "workspace-boundary"
	RuleProtectedMention = "protected-path-mention"
)

// LockChecker reports whether a resource is held by someone else.
type LockChecker interface {
	IsLockedByOther(ctx context.Context, name, caller string) (bool, *lock.Record)
}

// WorkspaceResolver looks up a workspace association by id.
type WorkspaceResolver interface {
	Resolve(ctx context.Context, workspaceID string) (*workspace.Association, error)
}

// BlockFlag reports whether the pressure monitor has restricted writes.
type BlockFlag interface {
	Active(ctx context.Context) (bool, error)
}

// Options configures a Gate.
type Options struct {
	// RepoRoot anchors relative prefix entries.
	RepoRoot   string
	Config     config.GateConfig
	Rules      []CommandRule
	Locks      LockChecker
	Workspaces WorkspaceResolver
	Block      BlockFlag
	Audit      *audit.Recorder
	Logger     *logging.Logger
}

// Gate evaluates invocations.
type Gate struct {
	repoRoot string
	rules    []CommandRule

	alwaysAllowed   prefixList
	sharedAllowList prefixList
	systemPrefixes  prefixList
	pressureAllowed pattern.Set
	neverWrite      pattern.Set
	sensitive       pattern.Set
	critical        *pattern.Glob
	criticalLock    string

	locks      LockChecker
	workspaces WorkspaceResolver
	block      BlockFlag
	audit      *audit.Recorder
	logger     *logging.Logger
}

// New compiles the configured tables into a Gate.
func New(opts Options) (*Gate, error) {
	cfg := opts.Config
	g := &Gate{
		repoRoot:        filepath.Clean(opts.RepoRoot),
		rules:           opts.Rules,
		alwaysAllowed:   newPrefixList(cfg.AlwaysAllowed, opts.RepoRoot),
		sharedAllowList: newPrefixList(cfg.SharedAllowList, opts.RepoRoot),
		systemPrefixes:  newPrefixList(cfg.SystemPrefixes, "/"),
		criticalLock:    cfg.CriticalResource.LockName,
		locks:           opts.Locks,
		workspaces:      opts.Workspaces,
		block:           opts.Block,
		audit:           opts.Audit,
		logger:          opts.Logger.WithComponent("gate"),
	}
	if g.rules == nil {
		g.rules = DefaultCommandRules
	}

	var err error
	if g.pressureAllowed, err = pattern.CompileSet(cfg.PressureAllowed); err != nil {
		return nil, fmt.Errorf("gate.pressure_allowed: %w", err)
	}
	if g.neverWrite, err = pattern.CompileSet(cfg.NeverWrite); err != nil {
		return nil, fmt.Errorf("gate.never_write: %w", err)
	}
	if g.sensitive, err = pattern.CompileSet(cfg.Sensitive); err != nil {
		return nil, fmt.Errorf("gate.sensitive: %w", err)
	}
	if cfg.CriticalResource.Path != "" {
		if g.critical, err = pattern.Compile(cfg.CriticalResource.Path); err != nil {
			return nil, fmt.Errorf("gate.critical_resource.path: %w", err)
		}
		if g.criticalLock == "" {
			return nil, errors.NewInputError("critical resource has no lock name", errors.ErrMissingField).
				WithField("gate.critical_resource.lock_name")
		}
	}
	return g, nil
}

// Evaluate decides an invocation. A panic anywhere in evaluation blocks.
func (g *Gate) Evaluate(ctx context.Context, inv *Invocation) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gate evaluation panicked", "tool", inv.Tool, "panic", fmt.Sprint(r))
			d = Block(RuleInternalError, "internal error during admission check")
		}
		g.report(ctx, inv, d)
	}()

	switch inv.Operation {
	case OpExecute:
		if d = g.EvaluateCommand(inv.Command); !d.Allowed {
			return d
		}
		return g.evaluateCommandUnderPressure(ctx, inv)
	case OpRead, OpWrite, OpEdit:
		if inv.Path == "" {
			return Allow()
		}
		return g.EvaluateFileAccess(ctx, FileAccess{
			Path:        inv.Path,
			Operation:   inv.Operation,
			WorkDir:     inv.WorkDir,
			WorkspaceID: inv.WorkspaceID,
			Caller:      inv.CallerID(),
			Tool:        inv.Tool,
			SessionID:   inv.SessionID,
		})
	default:
		return Block(RuleInvalidInput, fmt.Sprintf("unknown operation %q", inv.Operation))
	}
}

// BlockInput is the decision for a payload that could not be parsed.
func (g *Gate) BlockInput(ctx context.Context, err error) Decision {
	d := Block(RuleInvalidInput, "malformed invocation: "+err.Error())
	g.logger.Warn("blocked malformed invocation", "error", err)
	g.audit.Record(ctx, audit.Entry{Kind: audit.KindBlocked, Reason: d.Reason})
	return d
}

func (g *Gate) report(ctx context.Context, inv *Invocation, d Decision) {
	if d.Allowed {
		g.logger.Debug("allowed", "tool", inv.Tool, "operation", string(inv.Operation), "target", audit.Redact(inv.Target()))
		return
	}
	g.logger.Warn("blocked", "tool", inv.Tool, "operation", string(inv.Operation),
		"target", audit.Redact(inv.Target()), "rule", d.Rule, "reason", d.Reason)
	g.audit.Record(ctx, audit.Entry{
		Kind:      audit.KindBlocked,
		Tool:      inv.Tool,
		Target:    inv.Target(),
		Reason:    d.Rule + ": " + d.Reason,
		Session:   inv.SessionID,
		Workspace: inv.WorkspaceID,
	})
}

// EvaluateCommand checks shell text against the rule table and then for
// protected paths mentioned in it.
func (g *Gate) EvaluateCommand(command string) Decision {
	if strings.TrimSpace(command) == "" {
		return Block(RuleInvalidInput, "empty command")
	}
	for _, r := range g.rules {
		if r.Match(command) {
			return Block(r.Name, r.Reason)
		}
	}
	return g.checkMentions(command)
}

func (g *Gate) checkMentions(command string) Decision {
	targets := scanCommand(command)
	for _, tok := range targets.mentioned {
		if m, ok := g.neverWrite.Match(tok); ok {
			return Block(RuleProtectedMention, fmt.Sprintf("command references credential material %s (pattern %s)", tok, m))
		}
	}
	// Only absolute write targets are checked against system prefixes;
	// reading /usr/include is fine.
	for _, tok := range targets.written {
		if !filepath.IsAbs(expandHome(tok)) {
			continue
		}
		lexical, resolved := resolvePath(tok, "/")
		if isHarmlessDevice(lexical) {
			continue
		}
		for _, p := range []string{lexical, resolved} {
			if prefix, ok := g.systemPrefixes.contains(p); ok {
				return Block(RuleProtectedMention, fmt.Sprintf("command writes to system path %s (under %s)", tok, prefix))
			}
		}
	}
	return Allow()
}

// readOnlyVerbs are what a session may still run while the pressure block
// is set: enough to inspect, commit and hand off. git and find are further
// narrowed by readOnlyCall.
var readOnlyVerbs = map[string]bool{
	"git": true, "ls": true, "cat": true, "head": true, "tail": true,
	"pwd": true, "echo": true, "wc": true, "grep": true, "rg": true,
	"find": true, "guardian": true, "diff": true, "stat": true, "which": true,
}

// readOnlyGit lists the git subcommands allowed under the pressure block.
// add and commit stay allowed so work can be saved before the handoff.
var readOnlyGit = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "rev-parse": true,
	"ls-files": true, "blame": true, "grep": true, "shortlog": true,
	"describe": true, "add": true, "commit": true,
}

// listingFlags keep git branch and git tag from changing refs.
var listingFlags = map[string]bool{
	"-a": true, "-r": true, "-v": true, "-vv": true, "-l": true,
	"--list": true, "--all": true, "--remotes": true, "--show-current": true,
}

// findActions are the find primaries that run commands or write files.
var findActions = map[string]bool{
	"-delete": true, "-exec": true, "-execdir": true, "-ok": true, "-okdir": true,
	"-fprint": true, "-fprint0": true, "-fprintf": true, "-fls": true,
}

// readOnlyCall reports whether c may run while the pressure block is set.
func readOnlyCall(c shellCall) bool {
	if !readOnlyVerbs[c.verb] {
		return false
	}
	switch c.verb {
	case "find":
		return !slices.ContainsFunc(c.args, func(a string) bool { return findActions[a] })
	case "git":
		sub, rest := gitSubcommand(c.args)
		switch sub {
		case "branch", "tag":
			for _, a := range rest {
				if !listingFlags[a] {
					return false
				}
			}
			return true
		case "remote":
			return len(rest) == 0 || (len(rest) == 1 && rest[0] == "-v")
		case "stash":
			return len(rest) > 0 && (rest[0] == "list" || rest[0] == "show")
		default:
			return readOnlyGit[sub]
		}
	}
	return true
}

// gitSubcommand skips git's global options and returns the subcommand and
// its arguments.
func gitSubcommand(args []string) (string, []string) {
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "-C" || a == "-c" || a == "--git-dir" || a == "--work-tree":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return a, args[i+1:]
		}
	}
	return "", nil
}

func (g *Gate) evaluateCommandUnderPressure(ctx context.Context, inv *Invocation) Decision {
	blocked, err := g.blockActive(ctx)
	if err != nil {
		return Block(RuleInternalError, "pressure state unreadable: "+err.Error())
	}
	if !blocked {
		return Allow()
	}
	targets := scanCommand(inv.Command)
	for _, c := range targets.calls {
		if !readOnlyCall(c) {
			what := c.verb
			if len(c.args) > 0 && (c.verb == "git" || c.verb == "find") {
				what = c.verb + " " + strings.Join(c.args, " ")
			}
			return Block(RulePressureBlock, fmt.Sprintf("context pressure limit reached; %q is not allowed until a handoff is written", what))
		}
	}
	for _, w := range targets.written {
		lexical, resolved := resolvePath(w, g.workDir(inv.WorkDir))
		if isHarmlessDevice(lexical) {
			continue
		}
		if _, ok := g.pressureAllowed.Match(lexical, resolved); !ok {
			return Block(RulePressureBlock, fmt.Sprintf("context pressure limit reached; only state and handoff files are writable (%s)", w))
		}
	}
	return Allow()
}

func (g *Gate) blockActive(ctx context.Context) (bool, error) {
	if g.block == nil {
		return false, nil
	}
	return g.block.Active(ctx)
}

func (g *Gate) workDir(dir string) string {
	if dir == "" {
		return g.repoRoot
	}
	return dir
}

// FileAccess is the input to EvaluateFileAccess.
type FileAccess struct {
	Path      string
	Operation Operation
	WorkDir   string
	// WorkspaceID is the caller's assigned workspace; empty means none.
	WorkspaceID string
	// Caller is the identity compared with the critical resource lock holder.
	Caller    string
	Tool      string
	SessionID string
}

// EvaluateFileAccess runs the ordered file checks.
func (g *Gate) EvaluateFileAccess(ctx context.Context, fa FileAccess) Decision {
	if strings.TrimSpace(fa.Path) == "" {
		return Block(RuleInvalidInput, "empty path")
	}
	lexical, resolved := resolvePath(fa.Path, g.workDir(fa.WorkDir))
	candidates := []string{lexical, resolved}

	// 1
	if _, ok := g.alwaysAllowed.contains(resolved); ok {
		return Allow()
	}
	if !fa.Operation.Mutates() {
		return Allow()
	}

	// 2
	blocked, err := g.blockActive(ctx)
	if err != nil {
		return Block(RuleInternalError, "pressure state unreadable: "+err.Error())
	}
	if blocked {
		if _, ok := g.pressureAllowed.Match(resolved); !ok {
			return Block(RulePressureBlock, "context pressure limit reached; only state and handoff files are writable until a handoff is written")
		}
	}

	// 3
	if m, ok := g.neverWrite.Match(candidates...); ok {
		return Block(RuleNeverWrite, fmt.Sprintf("%s is credential or key material (pattern %s)", fa.Path, m))
	}

	// 4
	for _, p := range candidates {
		if isHarmlessDevice(p) {
			continue
		}
		if prefix, ok := g.systemPrefixes.contains(p); ok {
			return Block(RuleSystemPath, fmt.Sprintf("%s is under system path %s", fa.Path, prefix))
		}
	}

	// 5
	if d := g.checkCritical(ctx, fa, candidates); !d.Allowed {
		return d
	}

	// 6
	if d := g.checkWorkspace(ctx, fa, resolved); !d.Allowed {
		return d
	}

	// 7
	if m, ok := g.sensitive.Match(candidates...); ok {
		g.logger.Info("sensitive file write allowed", "path", fa.Path, "pattern", m.String(), "tool", fa.Tool)
		g.audit.Record(ctx, audit.Entry{
			Kind:      audit.KindSensitive,
			Tool:      fa.Tool,
			Target:    fa.Path,
			Reason:    "matches sensitive pattern " + m.String(),
			Session:   fa.SessionID,
			Workspace: fa.WorkspaceID,
		})
	}
	return Allow()
}

func (g *Gate) checkCritical(ctx context.Context, fa FileAccess, candidates []string) Decision {
	if g.critical == nil || g.locks == nil {
		return Allow()
	}
	if !g.critical.Match(candidates[0]) && !g.critical.Match(candidates[1]) {
		return Allow()
	}
	held, rec := g.locks.IsLockedByOther(ctx, g.criticalLock, fa.Caller)
	if !held {
		return Allow()
	}
	return Block(RuleCriticalResource, fmt.Sprintf("%s is locked by %s for %q until %s",
		g.criticalLock, rec.Holder, rec.Operation, rec.ExpiresAt.Format("15:04:05")))
}

func (g *Gate) checkWorkspace(ctx context.Context, fa FileAccess, resolved string) Decision {
	if fa.WorkspaceID == "" {
		return Allow()
	}
	if g.workspaces == nil {
		return Block(RuleInternalError, "workspace assignment set but no coordinator configured")
	}
	assoc, err := g.workspaces.Resolve(ctx, fa.WorkspaceID)
	if err != nil {
		return Block(RuleInternalError, "workspace state unreadable: "+err.Error())
	}
	if assoc == nil {
		return Block(RuleWorkspace, fmt.Sprintf("workspace %s has no active association", fa.WorkspaceID))
	}
	root := resolveExisting(filepath.Clean(assoc.Path))
	if within(resolved, root) {
		return Allow()
	}
	if _, ok := g.sharedAllowList.contains(resolved); ok {
		return Allow()
	}
	return Block(RuleWorkspace, fmt.Sprintf("%s is outside workspace %s (%s)", fa.Path, fa.WorkspaceID, assoc.Path))
}
