// Package workspace maps units of work (issues, tasks) to isolated git
// checkouts. Each entity has at most one active association; the association
// list is a single persisted document updated under the store's critical
// section so two sessions claiming the same entity get the same checkout.
package workspace

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"time"

	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/logging"
	"github.com/Iron-Ham/guardian/internal/statestore"
)

// Association links an entity to its checkout.
type Association struct {
	EntityID       string    `json:"entity_id"`
	WorkspaceID    string    `json:"workspace_id"`
	Branch         string    `json:"branch"`
	Path           string    `json:"path"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Idle returns how long the association has been inactive at now.
func (a *Association) Idle(now time.Time) time.Duration {
	return now.Sub(a.LastActivityAt)
}

type document struct {
	Associations []Association `json:"associations"`
}

func (d *document) byEntity(entityID string) int {
	return slices.IndexFunc(d.Associations, func(a Association) bool { return a.EntityID == entityID })
}

func (d *document) byWorkspace(workspaceID string) int {
	return slices.IndexFunc(d.Associations, func(a Association) bool { return a.WorkspaceID == workspaceID })
}

// Git is the checkout backend. worktree.Manager implements it.
type Git interface {
	Create(path, branch, base string) error
	Remove(path string) error
	DeleteBranch(branch string) error
}

// Options configures a Coordinator.
type Options struct {
	// Dir is the directory checkouts are created under.
	Dir string
	// BranchPrefix is prepended to every workspace branch.
	BranchPrefix string
	// BaseBranch is where new branches start; empty means HEAD.
	BaseBranch string
	Logger     *logging.Logger
	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// Coordinator allocates, resolves and releases workspaces.
type Coordinator struct {
	store  statestore.Store
	git    Git
	opts   Options
	logger *logging.Logger
	now    func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store statestore.Store, git Git, opts Options) *Coordinator {
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "guardian"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:  store,
		git:    git,
		opts:   opts,
		logger: opts.Logger.WithComponent("workspace"),
		now:    now,
	}
}

func decode(data []byte) (*document, error) {
	doc := &document{}
	if data == nil {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.NewStateCorruptionError(statestore.KeyWorkspaces, err)
	}
	return doc, nil
}

func (c *Coordinator) load(ctx context.Context) (*document, error) {
	data, err := c.store.Load(ctx, statestore.KeyWorkspaces)
	if errors.Is(err, errors.ErrNotFound) {
		return &document{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// update runs fn over the association document inside the critical section.
// A corrupted document aborts: rewriting it would drop live associations.
func (c *Coordinator) update(ctx context.Context, fn func(doc *document) (changed bool, err error)) error {
	return c.store.Update(ctx, statestore.KeyWorkspaces, func(current []byte) ([]byte, error) {
		doc, err := decode(current)
		if err != nil {
			return nil, err
		}
		changed, err := fn(doc)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}
		return json.MarshalIndent(doc, "", "  ")
	})
}

// GetOrCreate returns the entity's association, creating a checkout and
// branch for it when none exists. created reports whether this call made it.
func (c *Coordinator) GetOrCreate(ctx context.Context, entityID string) (assoc *Association, created bool, err error) {
	slug := Slugify(entityID)
	if slug == "" {
		return nil, false, errors.NewInputError("entity id has no usable characters", errors.ErrMissingField).WithField("entity_id")
	}

	err = c.update(ctx, func(doc *document) (bool, error) {
		// Re-check under the critical section: another process may have
		// created it between our caller's read and now.
		if i := doc.byEntity(entityID); i >= 0 {
			a := doc.Associations[i]
			assoc = &a
			return false, nil
		}

		if doc.byWorkspace(WorkspaceID(slug)) >= 0 {
			slug = disambiguate(slug, entityID)
		}
		now := c.now()
		a := Association{
			EntityID:       entityID,
			WorkspaceID:    WorkspaceID(slug),
			Branch:         BranchName(c.opts.BranchPrefix, slug),
			Path:           filepath.Join(c.opts.Dir, slug),
			CreatedAt:      now,
			LastActivityAt: now,
		}
		if err := c.git.Create(a.Path, a.Branch, c.opts.BaseBranch); err != nil {
			return false, err
		}
		doc.Associations = append(doc.Associations, a)
		assoc, created = &a, true
		return true, nil
	})
	if err != nil {
		c.logger.Error("workspace claim failed", "entity", entityID, "error", err)
		return nil, false, err
	}
	if created {
		c.logger.Info("workspace created", "entity", entityID, "workspace_id", assoc.WorkspaceID, "branch", assoc.Branch, "path", assoc.Path)
	}
	return assoc, created, nil
}

// ResolveForEntity returns the entity's association, or nil.
func (c *Coordinator) ResolveForEntity(ctx context.Context, entityID string) (*Association, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if i := doc.byEntity(entityID); i >= 0 {
		return &doc.Associations[i], nil
	}
	return nil, nil
}

// Resolve returns the association with the given workspace id, or nil.
func (c *Coordinator) Resolve(ctx context.Context, workspaceID string) (*Association, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if i := doc.byWorkspace(workspaceID); i >= 0 {
		return &doc.Associations[i], nil
	}
	return nil, nil
}

// List returns every active association.
func (c *Coordinator) List(ctx context.Context) ([]Association, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Associations, nil
}

// Touch records activity on a workspace. Unknown ids are ignored.
func (c *Coordinator) Touch(ctx context.Context, workspaceID string) error {
	return c.update(ctx, func(doc *document) (bool, error) {
		i := doc.byWorkspace(workspaceID)
		if i < 0 {
			return false, nil
		}
		doc.Associations[i].LastActivityAt = c.now()
		return true, nil
	})
}

// Release deletes the entity's association and then removes its checkout and
// branch best-effort. Releasing an entity with no association is a no-op.
func (c *Coordinator) Release(ctx context.Context, entityID string) (*Association, error) {
	var removed *Association
	err := c.update(ctx, func(doc *document) (bool, error) {
		i := doc.byEntity(entityID)
		if i < 0 {
			return false, nil
		}
		a := doc.Associations[i]
		removed = &a
		doc.Associations = slices.Delete(doc.Associations, i, i+1)
		return true, nil
	})
	if err != nil || removed == nil {
		return nil, err
	}
	c.cleanup(*removed)
	return removed, nil
}

// CleanupStale releases every association idle longer than maxIdle and
// returns what it released.
func (c *Coordinator) CleanupStale(ctx context.Context, maxIdle time.Duration) ([]Association, error) {
	var stale []Association
	err := c.update(ctx, func(doc *document) (bool, error) {
		now := c.now()
		kept := doc.Associations[:0]
		for _, a := range doc.Associations {
			if a.Idle(now) > maxIdle {
				stale = append(stale, a)
				continue
			}
			kept = append(kept, a)
		}
		doc.Associations = kept
		return len(stale) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	for _, a := range stale {
		c.logger.Info("releasing stale workspace", "entity", a.EntityID, "workspace_id", a.WorkspaceID, "idle", c.now().Sub(a.LastActivityAt).String())
		c.cleanup(a)
	}
	return stale, nil
}

// cleanup removes the checkout and branch. Failures are logged; the
// association is already gone.
func (c *Coordinator) cleanup(a Association) {
	if err := c.git.Remove(a.Path); err != nil {
		c.logger.Warn("worktree removal incomplete", "workspace_id", a.WorkspaceID, "path", a.Path, "error", err)
	}
	if err := c.git.DeleteBranch(a.Branch); err != nil {
		c.logger.Warn("branch deletion failed", "workspace_id", a.WorkspaceID, "branch", a.Branch, "error", err)
	}
	c.logger.Info("workspace released", "entity", a.EntityID, "workspace_id", a.WorkspaceID)
}
