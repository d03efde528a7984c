package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"forgeguard/internal/audit"
	"forgeguard/internal/broadcast"
	"forgeguard/internal/buildmodel"
	"forgeguard/internal/gitclient"
	"forgeguard/internal/llm"
	"forgeguard/internal/recovery"
	"forgeguard/internal/workspace"

	"github.com/google/uuid"
)

// fakeStore is an in-memory StorePort + cost.Store, good enough for the
// driver's persistence traffic without a database.
type fakeStore struct {
	mu        sync.Mutex
	builds    map[string]*buildmodel.Build
	logs      []buildmodel.BuildLog
	costs     []buildmodel.BuildCost
	contracts map[string]map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		builds:    make(map[string]*buildmodel.Build),
		contracts: make(map[string]map[string]string),
	}
}

func (s *fakeStore) Create(_ context.Context, b *buildmodel.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt = time.Now()
	cp := *b
	s.builds[b.ID] = &cp
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*buildmodel.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, fmt.Errorf("build %s not found", id)
	}
	cp := *b
	return &cp, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status buildmodel.Status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return fmt.Errorf("build %s not found", id)
	}
	b.Status = status
	if detail != "" {
		b.ErrorDetail = detail
	}
	switch status {
	case buildmodel.StatusCompleted, buildmodel.StatusFailed, buildmodel.StatusCancelled:
		now := time.Now()
		b.CompletedAt = &now
	case buildmodel.StatusPaused:
		now := time.Now()
		b.PausedAt = &now
	}
	return nil
}

func (s *fakeStore) SetPhase(_ context.Context, id, phase string, completed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[id]; ok && b.CompletedPhases <= completed {
		b.Phase = phase
		b.CompletedPhases = completed
	}
	return nil
}

func (s *fakeStore) SetLoopCount(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[id]; ok {
		b.LoopCount = n
	}
	return nil
}

func (s *fakeStore) SetGate(_ context.Context, id string, gate *buildmodel.PendingGate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[id]; ok {
		b.PendingGate = gate
	}
	return nil
}

func (s *fakeStore) ClearGate(_ context.Context, id string) error {
	return s.SetGate(nil, id, nil)
}

func (s *fakeStore) AppendLog(_ context.Context, entry buildmodel.BuildLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.ID = uint(len(s.logs) + 1)
	s.logs = append(s.logs, entry)
	return nil
}

func (s *fakeStore) ListLogs(_ context.Context, buildID string, after time.Time, limit int) ([]buildmodel.BuildLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []buildmodel.BuildLog
	for _, l := range s.logs {
		if l.BuildID == buildID && (after.IsZero() || l.Timestamp.After(after)) {
			out = append(out, l)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) AppendCost(_ context.Context, row buildmodel.BuildCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, row)
	return nil
}

func (s *fakeStore) SumCostUSD(_ context.Context, buildID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, c := range s.costs {
		if c.BuildID == buildID {
			total += c.USD
		}
	}
	return total, nil
}

func (s *fakeStore) ListCosts(_ context.Context, buildID string) ([]buildmodel.BuildCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []buildmodel.BuildCost
	for _, c := range s.costs {
		if c.BuildID == buildID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) LoadContracts(_ context.Context, batch string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contracts[batch], nil
}

func (s *fakeStore) ListByStatus(_ context.Context, status buildmodel.Status) ([]buildmodel.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []buildmodel.Build
	for _, b := range s.builds {
		if b.Status == status {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) RecoverOrphans(_ context.Context) ([]string, error) { return nil, nil }

// fakeBus records every emitted event in order.
type fakeBus struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (b *fakeBus) Emit(_ context.Context, _ string, ev broadcast.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *fakeBus) kinds() []broadcast.EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broadcast.EventKind, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func (b *fakeBus) find(kind broadcast.EventKind) *broadcast.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.events {
		if b.events[i].Type == kind {
			return &b.events[i]
		}
	}
	return nil
}

func (b *fakeBus) count(kind broadcast.EventKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

// scriptedLLM replays canned chunk sequences, one per StreamTurn call,
// and captures the messages each call received.
type scriptedLLM struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	calls   int
	seen    [][]llm.Message
	// block, when set, makes StreamTurn dribble text until ctx cancels
	block bool
}

func (c *scriptedLLM) Family() llm.Family { return llm.FamilyAnthropic }

func (c *scriptedLLM) StreamTurn(ctx context.Context, _ string, messages []llm.Message, _ []llm.ToolSpec, _ string) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.calls++
	c.seen = append(c.seen, messages)
	if c.block {
		c.mu.Unlock()
		out := make(chan llm.Chunk)
		go func() {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case out <- llm.Chunk{Kind: llm.ChunkText, Delta: "."}:
					time.Sleep(20 * time.Millisecond)
				}
			}
		}()
		return out, nil
	}
	if len(c.scripts) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("scriptedLLM: no script for call %d", c.calls)
	}
	script := c.scripts[0]
	c.scripts = c.scripts[1:]
	c.mu.Unlock()

	out := make(chan llm.Chunk, len(script))
	go func() {
		defer close(out)
		for _, ch := range script {
			select {
			case <-ctx.Done():
				return
			case out <- ch:
			}
		}
	}()
	return out, nil
}

func (c *scriptedLLM) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedLLM) lastMessages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seen) == 0 {
		return nil
	}
	return c.seen[len(c.seen)-1]
}

// signedOffTurn builds a minimal turn script: optional tool use, then the
// sign-off marker, usage, and stop.
func signedOffTurn(text string, usageIn, usageOut int) []llm.Chunk {
	return []llm.Chunk{
		{Kind: llm.ChunkUsage, InputTokens: usageIn},
		{Kind: llm.ChunkText, Delta: text},
		{Kind: llm.ChunkUsage, OutputTokens: usageOut},
		{Kind: llm.ChunkStop, StopReason: "end_turn"},
	}
}

func toolUseChunks(id, name, inputJSON string) []llm.Chunk {
	return []llm.Chunk{
		{Kind: llm.ChunkToolUseStart, ToolUseID: id, ToolName: name},
		{Kind: llm.ChunkToolUseDelta, ToolUseID: id, ToolUseJSON: inputJSON},
		{Kind: llm.ChunkToolUseStop, ToolUseID: id},
	}
}

// scriptedAuditor pops verdicts in order; a drained auditor passes.
type scriptedAuditor struct {
	mu      sync.Mutex
	reports []*audit.Report
	calls   int
}

func (a *scriptedAuditor) Run(_ context.Context, _, _ string, _ *workspace.Workspace, _ string) (*audit.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.reports) == 0 {
		return &audit.Report{Verdict: audit.VerdictPass}, nil
	}
	r := a.reports[0]
	a.reports = a.reports[1:]
	return r, nil
}

func failReport(msg string) *audit.Report {
	return &audit.Report{Verdict: audit.VerdictFail, Findings: []audit.Finding{
		{Kind: audit.FindingBlocking, Location: "main.txt", Message: msg},
	}}
}

// scriptedPlanner returns a fixed one-item plan.
type scriptedPlanner struct {
	mu    sync.Mutex
	calls int
}

func (p *scriptedPlanner) Plan(_ context.Context, _, _, _ string, findings []audit.Finding) (*recovery.Plan, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	item := recovery.Item{File: "main.txt", Action: "address the finding"}
	if len(findings) > 0 {
		item.Action = findings[0].Message
	}
	return &recovery.Plan{Items: []recovery.Item{item}, InputTokens: 50, OutputTokens: 25}, nil
}

// fakeGit records git operations.
type fakeGit struct {
	mu      sync.Mutex
	commits []string
	pushes  int
	pushErr error
}

func (g *fakeGit) InitOrClone(context.Context, gitclient.Target) error { return nil }
func (g *fakeGit) StageAll(context.Context) error                      { return nil }

func (g *fakeGit) Commit(_ context.Context, msg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits = append(g.commits, msg)
	return nil
}

func (g *fakeGit) Push(context.Context, string, string, int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes++
	return g.pushErr
}

func (g *fakeGit) CreateRemoteRepo(_ context.Context, name string, _ bool) (string, error) {
	return "https://example.invalid/" + name + ".git", nil
}

func (g *fakeGit) commitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.commits)
}
