package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forgeguard/internal/audit"
	"forgeguard/internal/broadcast"
	"forgeguard/internal/buildmodel"
	"forgeguard/internal/config"
	"forgeguard/internal/cost"
	"forgeguard/internal/llm"
	"forgeguard/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() *config.Settings {
	s := config.LoadSettings()
	s.PauseThreshold = 3
	s.PauseTimeoutMinutes = 30
	s.PhaseTimeoutMinutes = 10
	s.MaxCostUSD = 1000
	s.DefaultUserSpendCap = 100
	return s
}

func newTestOrchestrator(t *testing.T, client llm.Client, aud AuditorPort, git *fakeGit) (*Orchestrator, *fakeStore, *fakeBus) {
	t.Helper()
	store := newFakeStore()
	bus := &fakeBus{}
	acct := cost.New(store, nil, llm.DefaultRateTable())
	o, err := New(context.Background(), Options{
		Store:    store,
		Bus:      bus,
		Acct:     acct,
		Builder:  client,
		Auditor:  aud,
		Planner:  &scriptedPlanner{},
		GitFor:   func(string, string) GitPort { return git },
		Settings: testSettings(),
		WorkBase: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(o.Shutdown)
	return o, store, bus
}

func waitForStatus(t *testing.T, store *fakeStore, id string, want buildmodel.Status) *buildmodel.Build {
	t.Helper()
	var got *buildmodel.Build
	require.Eventually(t, func() bool {
		b, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = b
		return b.Status == want
	}, 5*time.Second, 10*time.Millisecond, "build never reached %s (last: %+v)", want, got)
	return got
}

func TestHappyPathLocalTarget(t *testing.T) {
	dir := t.TempDir()
	script := []llm.Chunk{
		{Kind: llm.ChunkUsage, InputTokens: 1000},
		{Kind: llm.ChunkText, Delta: "=== PLAN ===\n1. write main\n=== END PLAN ===\n"},
	}
	script = append(script, toolUseChunks("t1", "write_file", `{"path":"main.txt","content":"ok"}`)...)
	script = append(script,
		llm.Chunk{Kind: llm.ChunkText, Delta: "=== TASK DONE: 1 ===\n=== PHASE SIGN-OFF: PASS ===\n"},
		llm.Chunk{Kind: llm.ChunkUsage, OutputTokens: 500},
		llm.Chunk{Kind: llm.ChunkStop, StopReason: "end_turn"},
	)

	client := &scriptedLLM{scripts: [][]llm.Chunk{script}}
	git := &fakeGit{}
	o, store, bus := newTestOrchestrator(t, client, &scriptedAuditor{}, git)

	id, err := o.StartBuild(context.Background(), StartRequest{
		ProjectID:  "p1",
		UserID:     "u1",
		TargetKind: buildmodel.TargetLocal,
		TargetRef:  dir,
		Phases:     []string{"implement"},
	})
	require.NoError(t, err)

	b := waitForStatus(t, store, id, buildmodel.StatusCompleted)
	assert.Equal(t, 1, b.CompletedPhases)

	data, err := os.ReadFile(filepath.Join(dir, "main.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))

	assert.Equal(t, 1, git.commitCount())

	total, err := store.SumCostUSD(context.Background(), id)
	require.NoError(t, err)
	assert.Greater(t, total, 0.0)

	kinds := bus.kinds()
	for _, want := range []broadcast.EventKind{
		broadcast.EventBuildStarted, broadcast.EventWorkspaceReady, broadcast.EventPhaseStart,
		broadcast.EventPhasePlan, broadcast.EventToolUse, broadcast.EventFileCreated,
		broadcast.EventTaskComplete, broadcast.EventAuditPass, broadcast.EventBuildCompleted,
	} {
		assert.Contains(t, kinds, want, "missing event %s", want)
	}
	assert.Equal(t, broadcast.EventBuildCompleted, kinds[len(kinds)-1])
}

func TestAuditFailThenPass(t *testing.T) {
	client := &scriptedLLM{scripts: [][]llm.Chunk{
		signedOffTurn("first attempt\n=== PHASE SIGN-OFF: PASS ===", 100, 100),
		signedOffTurn("second attempt\n=== PHASE SIGN-OFF: PASS ===", 100, 100),
	}}
	aud := &scriptedAuditor{reports: []*audit.Report{failReport("missing docstring")}}
	planner := &scriptedPlanner{}
	git := &fakeGit{}

	store := newFakeStore()
	bus := &fakeBus{}
	acct := cost.New(store, nil, llm.DefaultRateTable())
	o, err := New(context.Background(), Options{
		Store: store, Bus: bus, Acct: acct, Builder: client, Auditor: aud,
		Planner: planner, GitFor: func(string, string) GitPort { return git },
		Settings: testSettings(), WorkBase: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(o.Shutdown)

	id, err := o.StartBuild(context.Background(), StartRequest{
		ProjectID: "p1", UserID: "u1",
		TargetKind: buildmodel.TargetLocal, TargetRef: t.TempDir(),
		Phases: []string{"implement"},
	})
	require.NoError(t, err)

	b := waitForStatus(t, store, id, buildmodel.StatusCompleted)
	assert.Equal(t, 1, bus.count(broadcast.EventAuditFail))
	assert.Equal(t, 1, bus.count(broadcast.EventAuditPass))
	assert.Equal(t, 1, bus.count(broadcast.EventRecoveryPlan))
	assert.Equal(t, 0, b.LoopCount, "loop_count resets on advancement")

	// The planner call is its own cost row with the "(planner)" suffix.
	costs, err := store.ListCosts(context.Background(), id)
	require.NoError(t, err)
	var plannerRows int
	for _, row := range costs {
		if strings.HasSuffix(row.Phase, "(planner)") {
			plannerRows++
		}
	}
	assert.Equal(t, 1, plannerRows)
}

func TestPauseAtThresholdAndResumeWithGuidance(t *testing.T) {
	client := &scriptedLLM{scripts: [][]llm.Chunk{
		signedOffTurn("try 1\n=== PHASE SIGN-OFF: PASS ===", 100, 100),
		signedOffTurn("try 2\n=== PHASE SIGN-OFF: PASS ===", 100, 100),
		signedOffTurn("try 3\n=== PHASE SIGN-OFF: PASS ===", 100, 100),
		signedOffTurn("try 4\n=== PHASE SIGN-OFF: PASS ===", 100, 100),
	}}
	aud := &scriptedAuditor{reports: []*audit.Report{
		failReport("round one"), failReport("round two"), failReport("round three"),
	}}
	git := &fakeGit{}
	o, store, bus := newTestOrchestrator(t, client, aud, git)

	id, err := o.StartBuild(context.Background(), StartRequest{
		ProjectID: "p1", UserID: "u1",
		TargetKind: buildmodel.TargetLocal, TargetRef: t.TempDir(),
		Phases: []string{"implement"},
	})
	require.NoError(t, err)

	b := waitForStatus(t, store, id, buildmodel.StatusPaused)
	require.NotNil(t, b.PendingGate)
	assert.Equal(t, buildmodel.GatePhaseReview, b.PendingGate.Kind)
	assert.EqualValues(t, 3, b.PendingGate.Payload["rounds"])
	assert.Equal(t, 3, client.callCount(), "no fourth LLM call before resume")
	assert.Equal(t, 3, bus.count(broadcast.EventAuditFail))

	require.NoError(t, o.ResumeBuild(context.Background(), id, ResumeRequest{
		Action:  buildmodel.ActionRetryWithMessage,
		Message: "use pytest",
	}))

	waitForStatus(t, store, id, buildmodel.StatusCompleted)
	assert.Equal(t, 4, client.callCount())

	var sawGuidance bool
	for _, m := range client.lastMessages() {
		if m.Role == "user" && strings.Contains(m.Content, "use pytest") {
			sawGuidance = true
		}
	}
	assert.True(t, sawGuidance, "resume guidance should reach the conversation")
	assert.GreaterOrEqual(t, bus.count(broadcast.EventBuildResumed), 1)
}

func TestCancelDuringStream(t *testing.T) {
	client := &scriptedLLM{block: true}
	git := &fakeGit{}
	o, store, bus := newTestOrchestrator(t, client, &scriptedAuditor{}, git)

	id, err := o.StartBuild(context.Background(), StartRequest{
		ProjectID: "p1", UserID: "u1",
		TargetKind: buildmodel.TargetLocal, TargetRef: t.TempDir(),
		Phases: []string{"implement"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return client.callCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, o.CancelBuild(context.Background(), id, false))
	waitForStatus(t, store, id, buildmodel.StatusCancelled)
	assert.Less(t, time.Since(start), 2*time.Second, "cancel must be prompt")

	// No events after build_cancelled.
	time.Sleep(100 * time.Millisecond)
	kinds := bus.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, broadcast.EventBuildCancelled, kinds[len(kinds)-1])
}

func TestSandboxEscapeBecomesToolError(t *testing.T) {
	script := toolUseChunks("t1", "write_file", `{"path":"../../etc/passwd","content":"pwned"}`)
	script = append(script,
		llm.Chunk{Kind: llm.ChunkText, Delta: "=== PHASE SIGN-OFF: PASS ==="},
		llm.Chunk{Kind: llm.ChunkUsage, InputTokens: 50, OutputTokens: 50},
		llm.Chunk{Kind: llm.ChunkStop, StopReason: "end_turn"},
	)
	client := &scriptedLLM{scripts: [][]llm.Chunk{script}}
	git := &fakeGit{}
	o, store, bus := newTestOrchestrator(t, client, &scriptedAuditor{}, git)

	dir := t.TempDir()
	id, err := o.StartBuild(context.Background(), StartRequest{
		ProjectID: "p1", UserID: "u1",
		TargetKind: buildmodel.TargetLocal, TargetRef: dir,
		Phases: []string{"implement"},
	})
	require.NoError(t, err)

	waitForStatus(t, store, id, buildmodel.StatusCompleted)

	ev := bus.find(broadcast.EventToolUse)
	require.NotNil(t, ev)
	payload := ev.Payload.(map[string]any)
	assert.NotEmpty(t, payload["error"], "escape attempt must surface as a tool error")
	assert.Equal(t, 0, bus.count(broadcast.EventFileCreated))
	_, statErr := os.Stat(filepath.Join(dir, "..", "..", "etc", "passwd"))
	assert.Error(t, statErr)
}

func TestCostCapPausesBeforeSecondTurn(t *testing.T) {
	// First turn burns a million tokens and never signs off; the second
	// turn must not be dispatched.
	client := &scriptedLLM{scripts: [][]llm.Chunk{{
		{Kind: llm.ChunkUsage, InputTokens: 1_000_000},
		{Kind: llm.ChunkText, Delta: "still working"},
		{Kind: llm.ChunkUsage, OutputTokens: 1_000_000},
		{Kind: llm.ChunkStop, StopReason: "end_turn"},
	}}}
	git := &fakeGit{}
	o, store, bus := newTestOrchestrator(t, client, &scriptedAuditor{}, git)

	id, err := o.StartBuild(context.Background(), StartRequest{
		ProjectID: "p1", UserID: "u1",
		TargetKind: buildmodel.TargetLocal, TargetRef: t.TempDir(),
		Phases:      []string{"implement"},
		SpendCapUSD: 0.01,
	})
	require.NoError(t, err)

	b := waitForStatus(t, store, id, buildmodel.StatusPaused)
	require.NotNil(t, b.PendingGate)
	assert.Equal(t, buildmodel.GateCostCap, b.PendingGate.Kind)
	assert.Contains(t, b.PendingGate.Payload, "projected_usd")
	assert.Contains(t, b.PendingGate.Payload, "cap_usd")
	assert.Equal(t, 1, client.callCount(), "second turn must not dispatch past the cap")
	require.NotNil(t, bus.find(broadcast.EventBuildPaused))
}

func TestGateDurabilityRehydrate(t *testing.T) {
	client := &scriptedLLM{scripts: [][]llm.Chunk{
		signedOffTurn("resumed work\n=== PHASE SIGN-OFF: PASS ===", 100, 100),
	}}
	git := &fakeGit{}
	o, store, _ := newTestOrchestrator(t, client, &scriptedAuditor{}, git)

	// Simulate a build that was paused when the previous process died:
	// the row and its gate are persisted, but no driver exists.
	dir := t.TempDir()
	b := &buildmodel.Build{
		ProjectID:  "p1",
		UserID:     "u1",
		Status:     buildmodel.StatusPaused,
		Phase:      "polish",
		TargetKind: buildmodel.TargetLocal,
		TargetRef:  dir,
		WorkingDir: dir,
		// three of the four default phases already sealed
		CompletedPhases: 3,
		PendingGate: &buildmodel.PendingGate{
			Kind:         buildmodel.GatePhaseReview,
			Payload:      map[string]any{"phase": "polish"},
			RegisteredAt: time.Now(),
		},
	}
	require.NoError(t, store.Create(context.Background(), b))
	require.NoError(t, store.AppendLog(context.Background(), buildmodel.BuildLog{
		BuildID: b.ID, Source: buildmodel.SourceBuilder, Level: buildmodel.LevelInfo,
		Message: "earlier phase work",
	}))

	require.NoError(t, o.ResumeBuild(context.Background(), b.ID, ResumeRequest{
		Action:  buildmodel.ActionRetryWithMessage,
		Message: "finish the polish phase",
	}))

	got := waitForStatus(t, store, b.ID, buildmodel.StatusCompleted)
	assert.Nil(t, got.PendingGate)
	assert.Equal(t, 4, got.CompletedPhases)

	var sawRehydrated, sawGuidance bool
	for _, m := range client.lastMessages() {
		if strings.Contains(m.Content, "[Rehydrated context]") {
			sawRehydrated = true
		}
		if strings.Contains(m.Content, "finish the polish phase") {
			sawGuidance = true
		}
	}
	assert.True(t, sawRehydrated, "conversation tail must be rebuilt from the BuildLog")
	assert.True(t, sawGuidance)
}

func TestInterjectionCoalesces(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &scriptedLLM{}, &scriptedAuditor{}, &fakeGit{})
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	d := o.newDriver(&buildmodel.Build{ID: "b1", UserID: "u1"}, ws, nil, "", 1)
	d.interjections = []string{"first", "second"}
	msg := d.drainInterjections()
	assert.True(t, strings.HasPrefix(msg, "[User interjection] "))
	assert.Contains(t, msg, "first")
	assert.Contains(t, msg, "second")
	assert.Empty(t, d.drainInterjections())
}
