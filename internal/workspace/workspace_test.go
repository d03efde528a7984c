package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"forgeguard/internal/forgeerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := New(t.TempDir())
	require.NoError(t, err)
	return ws
}

func TestResolveStaysInsideRoot(t *testing.T) {
	ws := newTestWorkspace(t)

	cases := []string{
		"main.py",
		"pkg/util.go",
		"a/b/../c.txt", // normalizes to a/c.txt, still inside
		"./nested/./file",
	}
	for _, rel := range cases {
		abs, err := ws.Resolve(rel)
		require.NoError(t, err, rel)
		assert.True(t, strings.HasPrefix(abs, ws.Root()), "%s resolved outside root: %s", rel, abs)
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	ws := newTestWorkspace(t)

	cases := []string{
		"",
		"..",
		"../etc/passwd",
		"../../etc/passwd",
		"a/../../outside",
		"/etc/passwd",
		"..\\..\\windows",
		"C:\\temp\\x",
	}
	for _, rel := range cases {
		_, err := ws.Resolve(rel)
		require.Error(t, err, "expected rejection for %q", rel)
		assert.True(t, errors.Is(err, forgeerr.Sentinel(forgeerr.KindScope)), "%q should be a ScopeError", rel)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	ws := newTestWorkspace(t)

	link := filepath.Join(ws.Root(), "sneaky")
	require.NoError(t, os.Symlink(outside, link))

	_, err := ws.Resolve("sneaky/secrets.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, forgeerr.Sentinel(forgeerr.KindScope)))
}

func TestTreeAndSummary(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "src", "app.py"), []byte("print()\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "README.md"), []byte("# hi\n"), 0o644))
	// .git contents are excluded from listings
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), ".git", "config"), []byte("x"), 0o644))

	entries, err := ws.Tree(0)
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "src/app.py")
	assert.Contains(t, paths, "README.md")
	assert.NotContains(t, paths, ".git/config")

	s, err := ws.Summary()
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalFiles)
	assert.Equal(t, 1, s.ByLanguage[".py"])
	assert.Equal(t, 1, s.ByLanguage[".md"])
	assert.Greater(t, s.TotalBytes, int64(0))
}

func TestTreeDepthLimit(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Root(), "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "a", "b", "deep.txt"), []byte("d"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "top.txt"), []byte("t"), 0o644))

	entries, err := ws.Tree(1)
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "top.txt")
	assert.Contains(t, paths, "a")
	assert.NotContains(t, paths, "a/b/deep.txt")
}
