// Package toolexec exposes the registry of typed tools the build agent
// may call. Every tool resolves its path inputs through a
// workspace.Workspace, so a sandbox escape never reaches the filesystem;
// it comes back as a ScopeError string the agent sees in its next turn.
package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"forgeguard/internal/forgeerr"
	"forgeguard/internal/logging"
	"forgeguard/internal/workspace"

	"go.uber.org/zap"
)

const (
	readFileTruncate   = 50 * 1024
	runTestsStdoutCap  = 50 * 1024
	runTestsStderrCap  = 10 * 1024
	runCommandCap      = 20 * 1024
	searchCodeMaxHits  = 50
)

// allowedPrefixes is the command allow-list. A command's first
// whitespace-delimited token must match one of
// these (or, for multi-word prefixes like "python -m", the leading tokens).
var allowedPrefixes = [][]string{
	{"pytest"},
	{"python", "-m", "pytest"},
	{"npm", "test"},
	{"npx", "vitest"},
	{"pip", "install"},
	{"npm", "install"},
	{"python", "-m"},
	{"npx"},
	{"cat"},
	{"head"},
	{"tail"},
	{"wc"},
	{"find"},
	{"ls"},
}

// disallowedMeta are shell metacharacters that cause rejection outright,
// regardless of the prefix, since ToolExecutor never invokes a shell —
// Command/Args are passed directly to exec.CommandContext.
var disallowedMeta = []string{";", "|", "`", "$(", "&&", "||", ">", "<", "\n"}

// Result is the structured outcome of one tool dispatch: either Data is
// populated or Error is a non-empty string surfaced to the agent. Tool
// failures never propagate as Go errors out of Dispatch.
type Result struct {
	Data  map[string]any
	Error string
}

// Executor dispatches typed tool calls against one build's Workspace.
type Executor struct {
	ws       *workspace.Workspace
	log      *zap.Logger
	timeouts Timeouts
}

// Timeouts holds the per-tool budgets.
type Timeouts struct {
	RunTests    time.Duration
	CheckSyntax time.Duration
	Shell       time.Duration
}

// DefaultTimeouts returns the production defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		RunTests:    120 * time.Second,
		CheckSyntax: 30 * time.Second,
		Shell:       60 * time.Second,
	}
}

// New creates an Executor bound to a single build's Workspace.
func New(ws *workspace.Workspace, buildID string, timeouts Timeouts) *Executor {
	return &Executor{
		ws:       ws,
		log:      logging.L().With(zap.String("component", "toolexec"), zap.String("build_id", buildID)),
		timeouts: timeouts,
	}
}

// Dispatch runs the named tool with the given input. name must be one of
// the seven registered tools; an unknown tool name is itself surfaced as a
// Result.Error rather than a Go error, matching the "never raise" contract.
func (e *Executor) Dispatch(ctx context.Context, name string, input map[string]any) Result {
	switch name {
	case "read_file":
		return e.readFile(input)
	case "list_directory":
		return e.listDirectory(input)
	case "search_code":
		return e.searchCode(input)
	case "write_file":
		return e.writeFile(input)
	case "run_tests":
		return e.runTests(ctx, input)
	case "check_syntax":
		return e.checkSyntax(ctx, input)
	case "run_command":
		return e.runCommand(ctx, input)
	default:
		return Result{Error: fmt.Sprintf("unknown tool: %q", name)}
	}
}

func stringArg(input map[string]any, key string) (string, bool) {
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (e *Executor) readFile(input map[string]any) Result {
	rel, ok := stringArg(input, "path")
	if !ok {
		return Result{Error: "read_file: missing path"}
	}
	abs, err := e.ws.Resolve(rel)
	if err != nil {
		e.log.Warn("sandbox rejection", zap.String("tool", "read_file"), zap.Error(err))
		return Result{Error: err.Error()}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Result{Error: fmt.Sprintf("read_file: %v", err)}
	}
	lineCount := bytes.Count(data, []byte("\n")) + 1
	truncated := false
	content := data
	if len(content) > readFileTruncate {
		content = content[:readFileTruncate]
		truncated = true
	}
	return Result{Data: map[string]any{
		"content":    string(content),
		"line_count": lineCount,
		"byte_size":  len(data),
		"truncated":  truncated,
	}}
}

func (e *Executor) listDirectory(input map[string]any) Result {
	rel, _ := stringArg(input, "path")
	if rel == "" {
		rel = "."
	}
	abs, err := e.ws.Resolve(rel)
	if err != nil {
		return Result{Error: err.Error()}
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return Result{Error: fmt.Sprintf("list_directory: %v", err)}
	}
	names := make([]string, 0, len(entries))
	for _, en := range entries {
		name := en.Name()
		if en.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return Result{Data: map[string]any{"entries": names}}
}

type searchMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Snippet string `json:"snippet"`
}

func (e *Executor) searchCode(input map[string]any) Result {
	pattern, ok := stringArg(input, "pattern")
	if !ok || pattern == "" {
		return Result{Error: "search_code: missing pattern"}
	}
	scope, _ := stringArg(input, "scope")
	if scope == "" {
		scope = "."
	}
	scopeAbs, err := e.ws.Resolve(scope)
	if err != nil {
		return Result{Error: err.Error()}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		// Fall back to a literal match if the input isn't valid regex.
		re = regexp.MustCompile(regexp.QuoteMeta(pattern))
	}

	var matches []searchMatch
	_ = filepath.Walk(scopeAbs, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || len(matches) >= searchCodeMaxHits {
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		rel, _ := filepath.Rel(e.ws.Root(), path)
		for i, line := range strings.Split(string(data), "\n") {
			if len(matches) >= searchCodeMaxHits {
				break
			}
			if re.MatchString(line) {
				matches = append(matches, searchMatch{
					Path:    filepath.ToSlash(rel),
					Line:    i + 1,
					Snippet: strings.TrimSpace(line),
				})
			}
		}
		return nil
	})

	out := make([]map[string]any, len(matches))
	for i, m := range matches {
		out[i] = map[string]any{"path": m.Path, "line": m.Line, "snippet": m.Snippet}
	}
	return Result{Data: map[string]any{"matches": out, "count": len(out)}}
}

func (e *Executor) writeFile(input map[string]any) Result {
	rel, ok := stringArg(input, "path")
	if !ok {
		return Result{Error: "write_file: missing path"}
	}
	content, ok := stringArg(input, "content")
	if !ok {
		return Result{Error: "write_file: missing content"}
	}
	abs, err := e.ws.Resolve(rel)
	if err != nil {
		e.log.Warn("sandbox rejection", zap.String("tool", "write_file"), zap.Error(err))
		return Result{Error: err.Error()}
	}
	existed := false
	if _, statErr := os.Stat(abs); statErr == nil {
		existed = true
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Result{Error: fmt.Sprintf("write_file: %v", err)}
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return Result{Error: fmt.Sprintf("write_file: %v", err)}
	}
	event := "file_created"
	if existed {
		event = "file_modified"
	}
	return Result{Data: map[string]any{
		"path":          rel,
		"bytes_written": len(content),
		"event":         event,
	}}
}

// splitAllowed returns true and the matched prefix length if command starts
// with one of allowedPrefixes.
func splitAllowed(command string) (bool, int) {
	fields := strings.Fields(command)
	for _, prefix := range allowedPrefixes {
		if len(fields) < len(prefix) {
			continue
		}
		match := true
		for i, tok := range prefix {
			if fields[i] != tok {
				match = false
				break
			}
		}
		if match {
			return true, len(prefix)
		}
	}
	return false, 0
}

func checkAllowList(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return forgeerr.New(forgeerr.KindScope, "empty command")
	}
	for _, meta := range disallowedMeta {
		if strings.Contains(trimmed, meta) {
			return forgeerr.New(forgeerr.KindScope, fmt.Sprintf("command contains disallowed metacharacter %q", meta))
		}
	}
	ok, _ := splitAllowed(trimmed)
	if !ok {
		return forgeerr.New(forgeerr.KindScope, fmt.Sprintf("command %q is not on the allow-list", trimmed))
	}
	return nil
}

func (e *Executor) runSubprocess(ctx context.Context, command string, timeout time.Duration) (exitCode int, stdout, stderr string, runErr error) {
	fields := strings.Fields(command)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, fields[0], fields[1:]...)
	cmd.Dir = e.ws.Root()
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if cctx.Err() == context.DeadlineExceeded {
		return -1, stdout, stderr, forgeerr.New(forgeerr.KindToolTimeout, fmt.Sprintf("command timed out after %s", timeout))
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), stdout, stderr, nil
		}
		return -1, stdout, stderr, err
	}
	return 0, stdout, stderr, nil
}

func truncateTo(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return s[:max], true
}

var testSummaryRe = regexp.MustCompile(`(\d+) passed|(\d+) failed`)

func parsePassFail(output string) (passed, failed int) {
	for _, m := range testSummaryRe.FindAllStringSubmatch(output, -1) {
		if m[1] != "" {
			n, _ := strconv.Atoi(m[1])
			passed += n
		}
		if m[2] != "" {
			n, _ := strconv.Atoi(m[2])
			failed += n
		}
	}
	return
}

func (e *Executor) runTests(ctx context.Context, input map[string]any) Result {
	command, ok := stringArg(input, "command")
	if !ok {
		return Result{Error: "run_tests: missing command"}
	}
	if err := checkAllowList(command); err != nil {
		e.log.Warn("allow-list rejection", zap.String("tool", "run_tests"), zap.String("command", command))
		return Result{Error: err.Error()}
	}
	timeout := e.timeouts.RunTests
	if secs, ok := input["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	exitCode, stdout, stderr, err := e.runSubprocess(ctx, command, timeout)
	if err != nil {
		if fe, ok := err.(*forgeerr.Error); ok && fe.Kind == forgeerr.KindToolTimeout {
			return Result{Error: fe.Error()}
		}
		return Result{Error: fmt.Sprintf("run_tests: %v", err)}
	}
	stdoutT, _ := truncateTo(stdout, runTestsStdoutCap)
	stderrT, _ := truncateTo(stderr, runTestsStderrCap)
	passed, failed := parsePassFail(stdout + stderr)

	return Result{Data: map[string]any{
		"exit_code": exitCode,
		"stdout":    stdoutT,
		"stderr":    stderrT,
		"passed":    passed,
		"failed":    failed,
	}}
}

func (e *Executor) checkSyntax(ctx context.Context, input map[string]any) Result {
	rel, ok := stringArg(input, "path")
	if !ok {
		return Result{Error: "check_syntax: missing path"}
	}
	abs, err := e.ws.Resolve(rel)
	if err != nil {
		return Result{Error: err.Error()}
	}

	type issue struct {
		Line    int    `json:"line"`
		Message string `json:"message"`
	}
	var issues []issue

	switch strings.ToLower(filepath.Ext(rel)) {
	case ".go":
		cctx, cancel := context.WithTimeout(ctx, e.timeouts.CheckSyntax)
		defer cancel()
		cmd := exec.CommandContext(cctx, "gofmt", "-l", abs)
		cmd.Dir = e.ws.Root()
		var out, errBuf bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &errBuf
		_ = cmd.Run()
		if msg := strings.TrimSpace(errBuf.String()); msg != "" {
			issues = append(issues, issue{Line: 0, Message: msg})
		} else if strings.TrimSpace(out.String()) != "" {
			issues = append(issues, issue{Line: 0, Message: "gofmt reports formatting/syntax issues"})
		}
	case ".py":
		cctx, cancel := context.WithTimeout(ctx, e.timeouts.CheckSyntax)
		defer cancel()
		cmd := exec.CommandContext(cctx, "python", "-m", "py_compile", abs)
		cmd.Dir = e.ws.Root()
		var errBuf bytes.Buffer
		cmd.Stderr = &errBuf
		if runErr := cmd.Run(); runErr != nil {
			issues = append(issues, issue{Line: 0, Message: strings.TrimSpace(errBuf.String())})
		}
	default:
		for _, si := range braceBalanceCheck(abs) {
			issues = append(issues, issue{Line: si.Line, Message: si.Message})
		}
	}

	if len(issues) == 0 {
		return Result{Data: map[string]any{"issues": []issue{}, "status": "no errors"}}
	}
	out := make([]map[string]any, len(issues))
	for i, iss := range issues {
		out[i] = map[string]any{"line": iss.Line, "message": iss.Message}
	}
	return Result{Data: map[string]any{"issues": out}}
}

type syntaxIssue struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// braceBalanceCheck is a lightweight fallback for languages without a
// dedicated compiler hook wired above: it flags unbalanced brace/paren/
// bracket nesting, which catches the most common truncated-generation
// failure mode without embedding a real parser.
func braceBalanceCheck(abs string) []syntaxIssue {
	data, err := os.ReadFile(abs)
	if err != nil {
		return []syntaxIssue{{Line: 0, Message: err.Error()}}
	}
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	line := 1
	for _, r := range string(data) {
		switch r {
		case '\n':
			line++
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return []syntaxIssue{{Line: line, Message: fmt.Sprintf("unmatched %q", r)}}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return []syntaxIssue{{Line: line, Message: fmt.Sprintf("unclosed %q", stack[len(stack)-1])}}
	}
	return nil
}

func (e *Executor) runCommand(ctx context.Context, input map[string]any) Result {
	command, ok := stringArg(input, "command")
	if !ok {
		return Result{Error: "run_command: missing command"}
	}
	if err := checkAllowList(command); err != nil {
		e.log.Warn("allow-list rejection", zap.String("tool", "run_command"), zap.String("command", command))
		return Result{Error: err.Error()}
	}
	timeout := e.timeouts.Shell
	if secs, ok := input["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	exitCode, stdout, stderr, err := e.runSubprocess(ctx, command, timeout)
	if err != nil {
		if fe, ok := err.(*forgeerr.Error); ok && fe.Kind == forgeerr.KindToolTimeout {
			return Result{Error: fe.Error()}
		}
		return Result{Error: fmt.Sprintf("run_command: %v", err)}
	}
	combined := stdout
	if stderr != "" {
		combined += "\n" + stderr
	}
	combinedT, _ := truncateTo(combined, runCommandCap)
	return Result{Data: map[string]any{"exit_code": exitCode, "output": combinedT}}
}
