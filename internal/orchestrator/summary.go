package orchestrator

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"forgeguard/internal/buildmodel"
)

// Summary is the roll-up the control surface's summary(build_id) query
// returns.
type Summary struct {
	BuildID         string         `json:"build_id"`
	Status          buildmodel.Status `json:"status"`
	PhasesCompleted int            `json:"phases_completed"`
	ElapsedSeconds  float64        `json:"elapsed_seconds"`
	LoopCount       int            `json:"loop_count"`
	ToolCalls       map[string]int `json:"tool_calls"`
	TestsPassed     int            `json:"tests_passed"`
	TestsFailed     int            `json:"tests_failed"`
	FilesWritten    int            `json:"files_written"`
	Commits         int            `json:"commits"`
	InputTokens     int            `json:"input_tokens"`
	OutputTokens    int            `json:"output_tokens"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
}

var testRunLogRe = regexp.MustCompile(`test run: (\d+) passed, (\d+) failed`)

// Summarize computes a build's summary. A live driver contributes its
// in-memory counters; otherwise the counters are reconstructed from the
// persisted BuildLog, which records every tool call, test run, file write,
// and commit.
func (o *Orchestrator) Summarize(ctx context.Context, buildID string) (*Summary, error) {
	b, err := o.store.Get(ctx, buildID)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		BuildID:         b.ID,
		Status:          b.Status,
		PhasesCompleted: b.CompletedPhases,
		LoopCount:       b.LoopCount,
		ToolCalls:       make(map[string]int),
	}
	end := time.Now()
	if b.CompletedAt != nil {
		end = *b.CompletedAt
	}
	s.ElapsedSeconds = end.Sub(b.CreatedAt).Seconds()

	costs, err := o.store.ListCosts(ctx, buildID)
	if err != nil {
		return nil, err
	}
	for _, row := range costs {
		s.InputTokens += row.InputTokens
		s.OutputTokens += row.OutputTokens
		s.TotalCostUSD += row.USD
	}

	o.mu.Lock()
	d, live := o.drivers[buildID]
	o.mu.Unlock()
	if live {
		d.mu.Lock()
		for name, n := range d.toolCalls {
			s.ToolCalls[name] = n
		}
		s.TestsPassed = d.testsPassed
		s.TestsFailed = d.testsFailed
		s.FilesWritten = len(d.filesAll)
		s.Commits = d.commits
		d.mu.Unlock()
		return s, nil
	}

	logs, err := o.store.ListLogs(ctx, buildID, time.Time{}, 1000)
	if err != nil {
		return nil, err
	}
	files := make(map[string]struct{})
	for _, entry := range logs {
		msg := entry.Message
		switch {
		case entry.Source == buildmodel.SourceTool && strings.HasPrefix(msg, "tool "):
			name := strings.Fields(strings.TrimPrefix(msg, "tool "))[0]
			s.ToolCalls[name]++
		case entry.Source == buildmodel.SourceTest:
			if m := testRunLogRe.FindStringSubmatch(msg); m != nil {
				p, _ := strconv.Atoi(m[1])
				f, _ := strconv.Atoi(m[2])
				s.TestsPassed += p
				s.TestsFailed += f
			}
		case entry.Source == buildmodel.SourceBuilder && strings.HasPrefix(msg, "file_created: "):
			files[strings.TrimPrefix(msg, "file_created: ")] = struct{}{}
		case entry.Source == buildmodel.SourceBuilder && strings.HasPrefix(msg, "file_modified: "):
			files[strings.TrimPrefix(msg, "file_modified: ")] = struct{}{}
		case entry.Source == buildmodel.SourceGit && strings.HasPrefix(msg, "committed: "):
			s.Commits++
		}
	}
	s.FilesWritten = len(files)
	return s, nil
}
