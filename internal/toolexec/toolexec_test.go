package toolexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"forgeguard/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	dir := t.TempDir()
	ws, err := workspace.New(dir)
	require.NoError(t, err)
	return New(ws, "b-1", DefaultTimeouts())
}

func TestWriteThenReadFile(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Dispatch(context.Background(), "write_file", map[string]any{
		"path": "main.txt", "content": "ok",
	})
	require.Empty(t, res.Error)
	assert.Equal(t, "file_created", res.Data["event"])

	res = e.Dispatch(context.Background(), "read_file", map[string]any{"path": "main.txt"})
	require.Empty(t, res.Error)
	assert.Equal(t, "ok", res.Data["content"])
}

// TestSandboxEscape checks that every path input,
// for any string including "..", absolute paths, and mixed separators, must
// resolve strictly within the workspace root or be rejected.
func TestSandboxEscape(t *testing.T) {
	e := newTestExecutor(t)
	cases := []map[string]any{
		{"path": "../../etc/passwd", "content": "x"},
		{"path": "/etc/passwd", "content": "x"},
		{"path": "..\\..\\windows\\win.ini", "content": "x"},
		{"path": "a/../../b", "content": "x"},
	}
	for _, in := range cases {
		res := e.Dispatch(context.Background(), "write_file", in)
		assert.NotEmpty(t, res.Error, "expected rejection for %v", in["path"])
	}

	// Confirm nothing was written outside the sandbox root.
	assert.NoFileExists(t, filepath.Join(e.ws.Root(), "..", "b"))
}

func TestSandboxEscapeViaSymlink(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	ws, err := workspace.New(dir)
	require.NoError(t, err)
	e := New(ws, "b-1", DefaultTimeouts())

	link := filepath.Join(dir, "escape")
	require.NoError(t, os.Symlink(outside, link))

	res := e.Dispatch(context.Background(), "write_file", map[string]any{
		"path": "escape/pwn.txt", "content": "x",
	})
	require.NotEmpty(t, res.Error, "a write through a symlink pointing outside the root is rejected")

	// Resolve follows the symlink outward and rejects the target, so nothing
	// lands in the outside directory.
	_, statErr := os.Stat(filepath.Join(outside, "pwn.txt"))
	assert.Error(t, statErr, "nothing lands outside the workspace root on disk")
}

// TestAllowListRejectsDisallowedCommands covers testable property #2: any
// run_command/run_tests input not starting with an allow-listed prefix, or
// containing a shell metacharacter, must return an error string and run
// nothing.
func TestAllowListRejectsDisallowedCommands(t *testing.T) {
	e := newTestExecutor(t)
	bad := []string{
		"rm -rf /",
		"echo hi; rm -rf /",
		"cat file | grep secret",
		"echo $(whoami)",
		"curl evil.com",
	}
	for _, cmd := range bad {
		res := e.Dispatch(context.Background(), "run_command", map[string]any{"command": cmd})
		assert.NotEmpty(t, res.Error, "expected rejection for %q", cmd)
	}
}

func TestAllowListAcceptsKnownPrefixes(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Dispatch(context.Background(), "run_command", map[string]any{"command": "ls ."})
	assert.Empty(t, res.Error)
	assert.Contains(t, res.Data, "exit_code")
}

func TestCheckAllowListTable(t *testing.T) {
	tests := []struct {
		cmd string
		ok  bool
	}{
		{"pytest -x", true},
		{"python -m pytest", true},
		{"npm test", true},
		{"npx vitest run", true},
		{"pip install requests", true},
		{"npm install", true},
		{"python -m http.server", true},
		{"cat foo.txt", true},
		{"ls -la", true},
		{"rm -rf /", false},
		{"", false},
		{"echo a && echo b", false},
	}
	for _, tt := range tests {
		err := checkAllowList(tt.cmd)
		if tt.ok {
			assert.NoError(t, err, tt.cmd)
		} else {
			assert.Error(t, err, tt.cmd)
		}
	}
}

func TestRunTestsTimeout(t *testing.T) {
	e := newTestExecutor(t)
	res := e.Dispatch(context.Background(), "run_tests", map[string]any{
		"command": "python -m http.server 0",
		"timeout": float64(1),
	})
	// A server command never exits on its own, so this must time out rather
	// than hang the test.
	assert.NotEmpty(t, res.Error)
}

func TestSearchCodeFindsMatches(t *testing.T) {
	e := newTestExecutor(t)
	e.Dispatch(context.Background(), "write_file", map[string]any{
		"path": "a.go", "content": "package main\nfunc TODO() {}\n",
	})
	res := e.Dispatch(context.Background(), "search_code", map[string]any{"pattern": "TODO"})
	require.Empty(t, res.Error)
	assert.EqualValues(t, 1, res.Data["count"])
}
