package orchestrator

import (
	"regexp"
	"strconv"
	"strings"

	"forgeguard/internal/buildmodel"
)

// In-band signals the builder emits inside its text stream. Parsing is line-oriented and
// tolerant: a malformed block is skipped with a warning rather than
// failing the turn.

const signOffMarker = "=== PHASE SIGN-OFF: PASS ==="

var (
	planStartRe = regexp.MustCompile(`(?m)^=== PLAN ===\s*$`)
	planEndRe   = regexp.MustCompile(`(?m)^=== END PLAN ===\s*$`)
	taskDoneRe  = regexp.MustCompile(`(?m)^=== TASK DONE: (\d+) ===\s*$`)
	fileStartRe = regexp.MustCompile(`(?m)^=== FILE: (.+?) ===\s*$`)
	fileEndRe   = regexp.MustCompile(`(?m)^=== END FILE ===\s*$`)
	planItemRe  = regexp.MustCompile(`^\s*(?:\d+[.)]\s*|-\s*)(.+)$`)
)

// parsePlan extracts the task list from the first `=== PLAN ===` block in
// text. Returns nil when no block is present.
func parsePlan(text string) []buildmodel.PlanTask {
	start := planStartRe.FindStringIndex(text)
	if start == nil {
		return nil
	}
	rest := text[start[1]:]
	end := planEndRe.FindStringIndex(rest)
	if end != nil {
		rest = rest[:end[0]]
	} else if next := fileStartRe.FindStringIndex(rest); next != nil {
		// Unterminated plan block: stop at the next structural marker.
		rest = rest[:next[0]]
	}

	var tasks []buildmodel.PlanTask
	for _, line := range strings.Split(rest, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := planItemRe.FindStringSubmatch(line)
		desc := strings.TrimSpace(line)
		if m != nil {
			desc = strings.TrimSpace(m[1])
		}
		tasks = append(tasks, buildmodel.PlanTask{
			N:           len(tasks) + 1,
			Description: desc,
			Status:      buildmodel.TaskPending,
		})
	}
	return tasks
}

// parseTaskDone returns the task numbers ticked by `=== TASK DONE: N ===`
// markers in text.
func parseTaskDone(text string) []int {
	var done []int
	for _, m := range taskDoneRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			done = append(done, n)
		}
	}
	return done
}

// fileBlock is one parsed `=== FILE: path ===` fallback write.
type fileBlock struct {
	Path    string
	Content string
}

// parseFileBlocks extracts every well-formed file block from text. A block
// missing its END marker, or with an empty path or empty content, is
// skipped — the caller logs a warning for the skip.
func parseFileBlocks(text string) (blocks []fileBlock, skipped int) {
	for {
		start := fileStartRe.FindStringSubmatchIndex(text)
		if start == nil {
			return blocks, skipped
		}
		path := strings.TrimSpace(text[start[2]:start[3]])
		rest := text[start[1]:]
		end := fileEndRe.FindStringIndex(rest)
		if end == nil {
			skipped++
			return blocks, skipped
		}
		content := rest[:end[0]]
		text = rest[end[1]:]

		content = stripFence(content)
		if path == "" || strings.TrimSpace(content) == "" {
			skipped++
			continue
		}
		blocks = append(blocks, fileBlock{Path: path, Content: content})
	}
}

// stripFence removes an optional surrounding markdown code fence, keeping
// the content verbatim otherwise.
func stripFence(s string) string {
	trimmed := strings.TrimLeft(s, "\r\n")
	if !strings.HasPrefix(trimmed, "```") {
		return strings.TrimPrefix(s, "\n")
	}
	lines := strings.Split(trimmed, "\n")
	// Drop the opening fence line (which may carry a language tag).
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			lines = lines[:i]
		}
		break
	}
	return strings.Join(lines, "\n")
}

// hasSignOff reports whether the builder emitted the phase-complete marker.
func hasSignOff(text string) bool {
	return strings.Contains(text, signOffMarker)
}
