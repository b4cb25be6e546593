// Package registry is the business-logic layer over store's groups table:
// it owns folder-name derivation, auto-registration of chats seen for the
// first time, and the invariant that every group's workspace folder is
// unique and contained within the agent-workspaces root.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nanoclaw/nanoclaw/internal/guard"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Registry mediates all reads/writes of registered groups.
type Registry struct {
	st           *store.Store
	workspaceRoot string
	allowed      guard.AllowedRoots
}

// New creates a Registry. workspaceRoot is the host directory under which
// every group's folder must live.
func New(st *store.Store, workspaceRoot string) *Registry {
	return &Registry{
		st:            st,
		workspaceRoot: workspaceRoot,
		allowed:       guard.NewAllowedRoots(workspaceRoot),
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9-]+`)

// slugify derives a filesystem-safe folder name from a display name,
// falling back to the JID if the display name slugifies to nothing.
func slugify(displayName, jid string) string {
	s := strings.ToLower(strings.TrimSpace(displayName))
	s = nonSlug.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = nonSlug.ReplaceAllString(strings.ToLower(jid), "-")
		s = strings.Trim(s, "-")
	}
	if s == "" {
		s = "group"
	}
	return s
}

// Get returns a group by JID.
func (r *Registry) Get(ctx context.Context, jid string) (store.Group, error) {
	return r.st.GetGroup(ctx, jid)
}

// List returns every registered group.
func (r *Registry) List(ctx context.Context) ([]store.Group, error) {
	return r.st.ListGroups(ctx)
}

// GetByFolder looks up a group by its workspace folder name.
func (r *Registry) GetByFolder(ctx context.Context, folder string) (store.Group, error) {
	return r.st.GetGroupByFolder(ctx, folder)
}

// Folder returns the absolute host path of a group's workspace folder.
func (r *Registry) Folder(g store.Group) string {
	return filepath.Join(r.workspaceRoot, g.Folder)
}

// EnsureRegistered looks up jid, registering it with a derived folder name
// if it has never been seen before. Folder name collisions are resolved by
// appending a numeric suffix, preserving the one-folder-per-group invariant
// store.UpsertGroup enforces.
func (r *Registry) EnsureRegistered(ctx context.Context, jid, displayName string) (store.Group, error) {
	existing, err := r.st.GetGroup(ctx, jid)
	if err == nil {
		return existing, nil
	}
	if err != store.ErrNotFound {
		return store.Group{}, fmt.Errorf("registry: lookup %s: %w", jid, err)
	}

	base := slugify(displayName, jid)
	folder := base
	for attempt := 0; attempt < 1000; attempt++ {
		candidate := store.Group{
			JID:         jid,
			DisplayName: displayName,
			Folder:      folder,
		}
		if !r.allowed.Contains(filepath.Join(r.workspaceRoot, folder)) {
			return store.Group{}, fmt.Errorf("registry: derived folder %q escapes workspace root", folder)
		}
		err := r.st.UpsertGroup(ctx, candidate)
		if err == nil {
			return candidate, nil
		}
		if err != store.ErrFolderTaken {
			return store.Group{}, fmt.Errorf("registry: register %s: %w", jid, err)
		}
		folder = fmt.Sprintf("%s-%d", base, attempt+2)
	}
	return store.Group{}, fmt.Errorf("registry: could not derive a free folder name for %s", jid)
}

// Update applies a change to an already-registered group (e.g. an admin
// editing the group's backend or trigger pattern via config reload).
func (r *Registry) Update(ctx context.Context, g store.Group) error {
	if !r.allowed.Contains(filepath.Join(r.workspaceRoot, g.Folder)) {
		return fmt.Errorf("registry: folder %q escapes workspace root", g.Folder)
	}
	return r.st.UpsertGroup(ctx, g)
}

// Remove deregisters a group entirely.
func (r *Registry) Remove(ctx context.Context, jid string) error {
	return r.st.DeleteGroup(ctx, jid)
}
