// Package workspace wraps a single build's working directory and enforces
// its sandbox invariant: every resolved path must be a descendant of the
// root after normalization and symlink resolution.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forgeguard/internal/forgeerr"
)

// Workspace is the sandboxed filesystem view ToolExecutor operates through.
type Workspace struct {
	root string
}

// New creates a Workspace rooted at an absolute directory. The directory is
// created if it does not already exist.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: cannot resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: cannot create root %q: %w", abs, err)
	}
	// Resolve symlinks once up front so later containment checks compare
	// against the real path, not a symlinked alias of it.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		real = abs
	}
	return &Workspace{root: real}, nil
}

// Root returns the workspace's absolute, symlink-resolved root directory.
func (w *Workspace) Root() string { return w.root }

// Resolve rejects any relpath that, after normalization and symlink
// resolution, would escape the root or that is itself absolute. This is the
// containment check covering `..`, absolute paths, symlinks, and mixed
// separators.
func (w *Workspace) Resolve(relpath string) (string, error) {
	if relpath == "" {
		return "", forgeerr.New(forgeerr.KindScope, "empty path")
	}

	// Normalize mixed separators before any other check.
	normalized := strings.ReplaceAll(relpath, "\\", "/")

	if filepath.IsAbs(normalized) || (len(normalized) >= 2 && normalized[1] == ':') {
		return "", forgeerr.New(forgeerr.KindScope, fmt.Sprintf("absolute paths are not allowed: %q", relpath))
	}

	joined := filepath.Join(w.root, normalized)
	cleaned := filepath.Clean(joined)

	if !isDescendant(w.root, cleaned) {
		return "", forgeerr.New(forgeerr.KindScope, fmt.Sprintf("path escapes workspace root: %q", relpath))
	}

	// If the path (or an ancestor of it) already exists, resolve symlinks
	// and re-check containment — a symlink inside the tree could still
	// point outside it.
	if resolved, err := resolveExistingSymlinks(cleaned); err == nil {
		if !isDescendant(w.root, resolved) {
			return "", forgeerr.New(forgeerr.KindScope, fmt.Sprintf("path resolves through a symlink outside the workspace: %q", relpath))
		}
	}

	return cleaned, nil
}

func isDescendant(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExistingSymlinks walks up from path until it finds an existing
// ancestor, evaluates symlinks on that ancestor, and rejoins the remaining
// (not-yet-created) suffix. This lets Resolve reject a symlink escape even
// when the leaf file itself doesn't exist yet (e.g. a pending write_file).
func resolveExistingSymlinks(path string) (string, error) {
	suffix := ""
	cur := path
	for {
		if _, err := os.Lstat(cur); err == nil {
			real, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			if suffix == "" {
				return real, nil
			}
			return filepath.Join(real, suffix), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		base := filepath.Base(cur)
		if suffix == "" {
			suffix = base
		} else {
			suffix = filepath.Join(base, suffix)
		}
		cur = parent
	}
}

// Entry describes one file or directory in a tree listing.
type Entry struct {
	Path  string
	IsDir bool
	Size  int64
}

// Tree lists every entry under the root up to depth levels deep. depth<=0
// means unlimited.
func (w *Workspace) Tree(depth int) ([]Entry, error) {
	var entries []Entry
	err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort listing; skip unreadable entries
		}
		if path == w.root {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		if depth > 0 && strings.Count(rel, string(filepath.Separator))+1 > depth {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(rel, ".git"+string(filepath.Separator)) || rel == ".git" {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entries = append(entries, Entry{Path: filepath.ToSlash(rel), IsDir: info.IsDir(), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Summary is a file-count/byte-count breakdown by language (file extension).
type Summary struct {
	TotalFiles int
	TotalBytes int64
	ByLanguage map[string]int
}

// Summary walks the tree and aggregates counts by extension.
func (w *Workspace) Summary() (*Summary, error) {
	entries, err := w.Tree(0)
	if err != nil {
		return nil, err
	}
	s := &Summary{ByLanguage: make(map[string]int)}
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		s.TotalFiles++
		s.TotalBytes += e.Size
		ext := filepath.Ext(e.Path)
		if ext == "" {
			ext = "(none)"
		}
		s.ByLanguage[ext]++
	}
	return s, nil
}
