// Package guard implements the authorization checks that sit between an
// untrusted agent process and the host: mount-path containment, per-group
// IPC task authorization, and message-reference validation.
package guard

import (
	"path/filepath"
	"strings"
)

// AllowedRoots is a set of host directories an agent's mounts and
// IPC-declared file paths may resolve into. A path that escapes every root
// (via a symlink or ".." segment) is rejected.
type AllowedRoots struct {
	roots []string // each already absolute + symlink-resolved
}

// NewAllowedRoots resolves each root to its real, absolute form up front.
// A root that doesn't exist yet is kept as-is (Abs only) so it can still
// gate paths created later underneath it.
func NewAllowedRoots(roots ...string) AllowedRoots {
	resolved := make([]string, 0, len(roots))
	for _, r := range roots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		resolved = append(resolved, abs)
	}
	return AllowedRoots{roots: resolved}
}

// Contains reports whether path resolves inside one of the allowed roots.
// Symlinks are followed on both sides so a root mounted via an aliased path
// (e.g. /var vs /private/var) still matches. A path whose target doesn't
// exist yet is resolved from its nearest existing ancestor.
func (a AllowedRoots) Contains(path string) bool {
	if len(a.roots) == 0 {
		return false
	}
	resolved, ok := resolveExisting(path)
	if !ok {
		return false
	}
	for _, root := range a.roots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolveExisting returns the absolute, symlink-resolved form of path,
// walking up to the nearest existing ancestor when path itself doesn't
// exist yet (the common case for a file an agent is about to create).
func resolveExisting(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, true
	}

	dir := filepath.Dir(abs)
	base := filepath.Base(abs)
	for depth := 0; depth < 64; depth++ {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(real, base), true
		}
		if dir == filepath.Dir(dir) {
			break // reached filesystem root without finding an existing ancestor
		}
		base = filepath.Join(filepath.Base(dir), base)
		dir = filepath.Dir(dir)
	}
	return "", false
}

// MountSpec is one bind mount requested for an agent's container/sandbox.
type MountSpec struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ValidateMounts drops any mount whose host path escapes the allowed roots,
// returning the filtered list and the rejected paths for audit logging.
func ValidateMounts(allowed AllowedRoots, mounts []MountSpec) (ok []MountSpec, rejected []string) {
	for _, m := range mounts {
		if allowed.Contains(m.HostPath) {
			ok = append(ok, m)
		} else {
			rejected = append(rejected, m.HostPath)
		}
	}
	return ok, rejected
}

// EnsureUnderGroupFolder reports whether candidate, once resolved, lives
// inside the group's own workspace folder. Used to reject an agent trying
// to declare an IPC write target outside its own mount.
func EnsureUnderGroupFolder(groupFolder, candidate string) bool {
	return NewAllowedRoots(groupFolder).Contains(candidate)
}
