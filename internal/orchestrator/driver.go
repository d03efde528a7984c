package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"forgeguard/internal/audit"
	"forgeguard/internal/broadcast"
	"forgeguard/internal/buildmodel"
	"forgeguard/internal/forgeerr"
	"forgeguard/internal/gitclient"
	"forgeguard/internal/llm"
	"forgeguard/internal/metrics"
	"forgeguard/internal/recovery"
	"forgeguard/internal/toolexec"
	"forgeguard/internal/workspace"

	"go.uber.org/zap"
)

// gateResolution is a user's answer to a pending gate.
type gateResolution struct {
	Action  buildmodel.GateAction
	Message string
}

// phaseOutcome is what one runPhase invocation decided.
type phaseOutcome int

const (
	outcomeAdvance phaseOutcome = iota // phase sealed (pass or skip), move on
	outcomeTerminal                    // the build reached a terminal state
)

// driver owns one running build end to end. All phase-state mutation
// happens on the driver goroutine; the control surface only touches the
// interjection queue, the gate channel, and the cancel flags, each behind
// the driver's mutex.
type driver struct {
	o         *Orchestrator
	b         *buildmodel.Build
	ws        *workspace.Workspace
	exec      *toolexec.Executor
	git       GitPort
	phases    []string
	contracts string
	spendCap  float64
	log       *zap.Logger

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu              sync.Mutex
	cancelRequested bool
	force           bool
	interjections   []string
	waitingGate     bool
	gateCh          chan gateResolution

	conv conversation

	// per-phase state, reset at each phase boundary
	plan             []buildmodel.PlanTask
	accumulated      strings.Builder
	filesThisPhase   map[string]struct{}
	findingRounds    [][]audit.Finding
	loopCount        int

	// whole-build counters feeding summary()
	toolCalls   map[string]int
	testsPassed int
	testsFailed int
	commits     int
	filesAll    map[string]struct{}
}

func (o *Orchestrator) newDriver(b *buildmodel.Build, ws *workspace.Workspace, phases []string, contracts string, spendCap float64) *driver {
	ctx, cancel := context.WithCancel(context.Background())
	return &driver{
		o:              o,
		b:              b,
		ws:             ws,
		exec:           o.newToolExecutor(ws, b.ID),
		git:            o.gitFor(ws.Root(), b.ID),
		phases:         phases,
		contracts:      contracts,
		spendCap:       spendCap,
		log:            o.log.With(zap.String("build_id", b.ID)),
		ctx:            ctx,
		ctxCancel:      cancel,
		gateCh:         make(chan gateResolution, 1),
		filesThisPhase: make(map[string]struct{}),
		toolCalls:      make(map[string]int),
		filesAll:       make(map[string]struct{}),
	}
}

// requestCancel flags cooperative cancellation and cancels the driver
// context so any in-flight subprocess or provider stream dies promptly.
func (d *driver) requestCancel(force bool) {
	d.mu.Lock()
	d.cancelRequested = true
	if force {
		d.force = true
	}
	waiting := d.waitingGate
	d.mu.Unlock()
	d.ctxCancel()
	if waiting {
		select {
		case d.gateCh <- gateResolution{Action: buildmodel.ActionAbort}:
		default:
		}
	}
}

func (d *driver) cancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelRequested
}

// interject queues a live user message for the next turn boundary.
// Rejected while paused — the gate is the channel there.
func (d *driver) interject(ctx context.Context, message string) error {
	d.mu.Lock()
	if d.waitingGate {
		d.mu.Unlock()
		return forgeerr.New(forgeerr.KindInternal, "build is paused; resolve the gate instead")
	}
	d.interjections = append(d.interjections, message)
	d.mu.Unlock()
	d.emit(ctx, broadcast.EventBuildInterjection, map[string]any{"message": message})
	return nil
}

// drainInterjections coalesces all pending interjections into one user
// turn, or returns "" when none are queued.
func (d *driver) drainInterjections() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.interjections) == 0 {
		return ""
	}
	msg := "[User interjection] " + strings.Join(d.interjections, "\n")
	d.interjections = nil
	return msg
}

// resolveGate hands a user's gate resolution to the waiting driver.
func (d *driver) resolveGate(res gateResolution) error {
	d.mu.Lock()
	waiting := d.waitingGate
	d.mu.Unlock()
	if !waiting {
		return forgeerr.New(forgeerr.KindInternal, "build is not awaiting a gate")
	}
	select {
	case d.gateCh <- res:
		return nil
	default:
		return forgeerr.New(forgeerr.KindInternal, "gate already resolved")
	}
}

// emit broadcasts one event in driver order. The driver goroutine is the
// only caller, which is what makes per-build event order total.
func (d *driver) emit(ctx context.Context, kind broadcast.EventKind, payload any) {
	metrics.Get().EventsEmittedTotal.WithLabelValues(string(kind)).Inc()
	d.o.bus.Emit(ctx, d.b.UserID, broadcast.Event{Type: kind, BuildID: d.b.ID, Payload: payload})
}

func (d *driver) appendLog(ctx context.Context, source buildmodel.LogSource, level buildmodel.LogLevel, msg string) {
	if err := d.o.store.AppendLog(ctx, buildmodel.BuildLog{
		BuildID: d.b.ID, Source: source, Level: level, Message: msg,
	}); err != nil {
		d.log.Error("append log failed", zap.Error(err))
	}
}

func (d *driver) setStatus(ctx context.Context, status buildmodel.Status, detail string) {
	d.mu.Lock()
	d.b.Status = status
	if detail != "" {
		d.b.ErrorDetail = detail
	}
	d.mu.Unlock()
	if err := d.o.store.UpdateStatus(ctx, d.b.ID, status, detail); err != nil {
		d.log.Error("status update failed", zap.String("status", string(status)), zap.Error(err))
	}
}

// run is the driver goroutine's entry: target prep, the phase loop, and
// terminal-state handling.
func (d *driver) run() {
	ctx := context.Background() // store/broadcast writes must survive d.ctx cancellation
	metrics.Get().BuildsRunningGauge.Inc()
	defer metrics.Get().BuildsRunningGauge.Dec()
	defer d.ctxCancel()

	d.setStatus(ctx, buildmodel.StatusRunning, "")
	d.emit(ctx, broadcast.EventBuildStarted, map[string]any{
		"target_kind": d.b.TargetKind, "target_ref": d.b.TargetRef,
	})

	if err := d.prepareTarget(d.ctx); err != nil {
		d.failBuild(ctx, err)
		return
	}
	d.emit(ctx, broadcast.EventWorkspaceReady, map[string]any{"working_dir": d.ws.Root()})
	d.emit(ctx, broadcast.EventBuildOverview, map[string]any{"phases": d.phases})

	start := d.b.CompletedPhases
	for idx := start; idx < len(d.phases); idx++ {
		if d.cancelled() {
			d.cancelBuild(ctx)
			return
		}
		if d.runPhase(ctx, idx) == outcomeTerminal {
			return
		}
	}

	if d.b.TargetKind != buildmodel.TargetLocal {
		if outcome := d.finalPush(ctx); outcome == outcomeTerminal {
			return
		}
	}
	d.completeBuild(ctx)
}

// prepareTarget readies the git side of the Workspace: clone for existing
// remotes, init (plus remote-repo creation) otherwise.
func (d *driver) prepareTarget(ctx context.Context) error {
	target := gitclient.Target{Kind: string(d.b.TargetKind), Ref: d.b.TargetRef}
	if d.b.TargetKind == buildmodel.TargetNewRemote {
		cloneURL, err := d.git.CreateRemoteRepo(ctx, d.b.TargetRef, true)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.b.TargetRef = cloneURL
		d.mu.Unlock()
		target.Ref = cloneURL
		target.Kind = string(buildmodel.TargetNewRemote)
	}
	return d.git.InitOrClone(ctx, target)
}

// resetPhaseState clears everything scoped to a single phase.
func (d *driver) resetPhaseState() {
	d.plan = nil
	d.accumulated.Reset()
	d.filesThisPhase = make(map[string]struct{})
	d.findingRounds = nil
	d.loopCount = 0
	_ = d.o.store.SetLoopCount(context.Background(), d.b.ID, 0)
}

// runPhase drives one phase to a seal (pass or skip) or a terminal state,
// looping through audit failures and pause gates along the way.
func (d *driver) runPhase(ctx context.Context, idx int) phaseOutcome {
	phase := d.phases[idx]
	d.mu.Lock()
	d.b.Phase = phase
	d.mu.Unlock()
	_ = d.o.store.SetPhase(ctx, d.b.ID, phase, idx)

	d.resetPhaseState()
	d.emit(ctx, broadcast.EventPhaseStart, map[string]any{"phase": phase, "index": idx})
	phaseStart := time.Now()
	deadline := phaseStart.Add(time.Duration(d.o.settings.PhaseTimeoutMinutes) * time.Minute)

	for {
		if d.cancelled() {
			d.cancelBuild(ctx)
			return outcomeTerminal
		}

		cres := d.converse(ctx, phase, deadline)
		switch cres {
		case convCancelled:
			d.cancelBuild(ctx)
			return outcomeTerminal
		case convTerminal:
			return outcomeTerminal
		case convSkipPhase:
			return d.sealSkipped(ctx, phase, idx, phaseStart)
		case convTimedOut:
			// Synthesize an audit failure for the timeout and fall through to the loopback path below.
			d.appendLog(ctx, buildmodel.SourceSystem, buildmodel.LevelWarn,
				string(forgeerr.KindBuildTimeout)+": phase wall clock exhausted without sign-off")
		case convSignedOff:
		}

		var report *audit.Report
		if cres == convTimedOut {
			report = &audit.Report{Verdict: audit.VerdictFail, Findings: []audit.Finding{{
				Kind: audit.FindingBlocking, Location: phase,
				Message: "phase timed out before sign-off",
			}}}
		} else {
			var err error
			report, err = d.o.auditor.Run(d.ctx, phase, d.contracts, d.ws, d.accumulated.String())
			if err != nil {
				if d.cancelled() {
					d.cancelBuild(ctx)
					return outcomeTerminal
				}
				d.failBuild(ctx, forgeerr.Wrap(forgeerr.KindProviderError, "audit call failed", err))
				return outcomeTerminal
			}
		}
		if report.InputTokens+report.OutputTokens > 0 {
			if _, recErr := d.o.acct.Record(ctx, d.b.ID, phase+"(audit)", d.o.settings.LLMAuditorModel, report.InputTokens, report.OutputTokens); recErr != nil {
				d.log.Error("audit cost record failed", zap.Error(recErr))
			}
		}
		metrics.Get().AuditVerdictsTotal.WithLabelValues(string(report.Verdict)).Inc()

		if report.Verdict == audit.VerdictPass {
			return d.sealPassed(ctx, phase, idx, phaseStart)
		}

		// FAIL: loopback or pause.
		d.emit(ctx, broadcast.EventAuditFail, map[string]any{"phase": phase, "findings": report.Findings})
		d.findingRounds = append(d.findingRounds, report.Findings)
		d.loopCount++
		_ = d.o.store.SetLoopCount(ctx, d.b.ID, d.loopCount)
		metrics.Get().PhaseLoopbacksTotal.Inc()

		if d.loopCount < d.o.settings.PauseThreshold {
			d.injectRecoveryPlan(ctx, phase, report.Findings)
			continue
		}

		payload := map[string]any{
			"phase":          phase,
			"rounds":         d.loopCount,
			"findings":       report.Findings,
			"finding_rounds": d.findingRounds,
		}
		res, timedOut := d.pauseGate(ctx, buildmodel.GatePhaseReview, payload)
		switch {
		case timedOut:
			d.failBuild(ctx, forgeerr.New(forgeerr.KindBuildTimeout, "pause gate timed out"))
			return outcomeTerminal
		case res.Action == buildmodel.ActionAbort:
			d.cancelBuild(ctx)
			return outcomeTerminal
		case res.Action == buildmodel.ActionSkipPhase:
			return d.sealSkipped(ctx, phase, idx, phaseStart)
		case res.Action == buildmodel.ActionRetryWithMessage:
			d.conv.append(turn{Msg: msgUser(res.Message), AuditFinding: true})
			fallthrough
		default: // retry
			d.loopCount = 0
			_ = d.o.store.SetLoopCount(ctx, d.b.ID, 0)
		}
	}
}

// sealPassed commits the phase and advances.
func (d *driver) sealPassed(ctx context.Context, phase string, idx int, phaseStart time.Time) phaseOutcome {
	d.emit(ctx, broadcast.EventAuditPass, map[string]any{"phase": phase})
	if err := d.commitPhase(ctx, idx); err != nil {
		res, timedOut := d.pauseGate(ctx, buildmodel.GatePhaseReview, map[string]any{
			"phase": phase, "git_error": err.Error(),
		})
		if timedOut || res.Action == buildmodel.ActionAbort {
			d.failBuild(ctx, err)
			return outcomeTerminal
		}
		// retry the commit once on resume; a second failure fails the build
		if err := d.commitPhase(ctx, idx); err != nil {
			d.failBuild(ctx, err)
			return outcomeTerminal
		}
	}
	metrics.Get().PhaseDuration.WithLabelValues(phase).Observe(time.Since(phaseStart).Seconds())
	d.advancePhase(ctx, idx)
	return outcomeAdvance
}

// sealSkipped advances without a pass event, recording the distinct
// skipped marker (Open Question (a): advancement without a pass event).
func (d *driver) sealSkipped(ctx context.Context, phase string, idx int, phaseStart time.Time) phaseOutcome {
	d.appendLog(ctx, buildmodel.SourceSystem, buildmodel.LevelWarn, "phase_skipped: "+phase)
	metrics.Get().PhaseDuration.WithLabelValues(phase).Observe(time.Since(phaseStart).Seconds())
	d.advancePhase(ctx, idx)
	return outcomeAdvance
}

func (d *driver) advancePhase(ctx context.Context, idx int) {
	d.mu.Lock()
	d.b.CompletedPhases = idx + 1
	d.b.LoopCount = 0
	next := ""
	if idx+1 < len(d.phases) {
		next = d.phases[idx+1]
	}
	d.b.Phase = next
	d.mu.Unlock()
	_ = d.o.store.SetPhase(ctx, d.b.ID, next, idx+1)
	_ = d.o.store.SetLoopCount(ctx, d.b.ID, 0)
}

func (d *driver) commitPhase(ctx context.Context, idx int) error {
	if err := d.git.StageAll(d.ctx); err != nil {
		return err
	}
	msg := fmt.Sprintf("forge: Phase %d complete", idx+1)
	if err := d.git.Commit(d.ctx, msg); err != nil {
		return err
	}
	d.mu.Lock()
	d.commits++
	d.mu.Unlock()
	d.appendLog(ctx, buildmodel.SourceGit, buildmodel.LevelInfo, "committed: "+msg)
	return nil
}

// finalPush pushes the accumulated commits for remote targets after the
// final phase. Push failures pause rather than fail.
func (d *driver) finalPush(ctx context.Context) phaseOutcome {
	for {
		err := d.git.Push(d.ctx, d.b.TargetRef, "main", d.o.settings.GitPushMaxRetries)
		if err == nil {
			d.appendLog(ctx, buildmodel.SourceGit, buildmodel.LevelInfo, "pushed to "+d.b.TargetRef)
			return outcomeAdvance
		}
		if d.cancelled() {
			d.cancelBuild(ctx)
			return outcomeTerminal
		}
		res, timedOut := d.pauseGate(ctx, buildmodel.GatePhaseReview, map[string]any{
			"git_error": err.Error(),
		})
		if timedOut {
			d.failBuild(ctx, forgeerr.New(forgeerr.KindBuildTimeout, "pause gate timed out"))
			return outcomeTerminal
		}
		if res.Action == buildmodel.ActionAbort {
			d.failBuild(ctx, err)
			return outcomeTerminal
		}
		if res.Action == buildmodel.ActionSkipPhase {
			d.appendLog(ctx, buildmodel.SourceGit, buildmodel.LevelWarn, "push skipped by user")
			return outcomeAdvance
		}
	}
}

// injectRecoveryPlan runs the planner (falling back to the generic retry
// message on planner error) and appends the plan as a user turn.
func (d *driver) injectRecoveryPlan(ctx context.Context, phase string, findings []audit.Finding) {
	plan, err := d.o.planner.Plan(d.ctx, phase, d.contracts, d.accumulated.String(), findings)
	if err != nil {
		d.log.Warn("planner failed, using fallback", zap.Error(err))
		plan = recovery.Fallback()
	}
	if plan.InputTokens+plan.OutputTokens > 0 {
		// The plan's token usage gets its own cost row.
		if _, recErr := d.o.acct.Record(ctx, d.b.ID, phase+"(planner)", d.o.settings.LLMPlannerModel, plan.InputTokens, plan.OutputTokens); recErr != nil {
			d.log.Error("planner cost record failed", zap.Error(recErr))
		}
	}
	d.emit(ctx, broadcast.EventRecoveryPlan, map[string]any{"phase": phase, "items": plan.Items})
	d.conv.append(turn{Msg: msgUser(plan.AsUserTurn()), AuditFinding: true})
}

// pauseGate persists the gate, parks the driver, and waits for resolution,
// the pause timeout, or cancellation.
func (d *driver) pauseGate(ctx context.Context, kind buildmodel.GateKind, payload map[string]any) (gateResolution, bool) {
	d.mu.Lock()
	d.waitingGate = true
	d.mu.Unlock()

	gate := &buildmodel.PendingGate{Kind: kind, Payload: payload, RegisteredAt: time.Now().UTC()}
	d.mu.Lock()
	d.b.PendingGate = gate
	d.mu.Unlock()
	_ = d.o.store.SetGate(ctx, d.b.ID, gate)
	d.setStatus(ctx, buildmodel.StatusPaused, "")
	d.emit(ctx, broadcast.EventBuildPaused, map[string]any{
		"gate":    kind,
		"payload": payload,
		"options": []string{"retry", "retry_with_message", "skip_phase", "abort"},
	})

	timeout := time.Duration(d.o.settings.PauseTimeoutMinutes) * time.Minute
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res gateResolution
	var timedOut bool
	select {
	case res = <-d.gateCh:
	case <-timer.C:
		timedOut = true
	}

	d.mu.Lock()
	d.waitingGate = false
	d.mu.Unlock()

	if timedOut {
		_ = d.o.store.ClearGate(ctx, d.b.ID)
		return gateResolution{}, true
	}
	d.resumeFromGate(ctx, res)
	return res, false
}

func (d *driver) resumeFromGate(ctx context.Context, res gateResolution) {
	d.mu.Lock()
	d.b.PendingGate = nil
	d.mu.Unlock()
	_ = d.o.store.ClearGate(ctx, d.b.ID)
	if res.Action != buildmodel.ActionAbort {
		d.setStatus(ctx, buildmodel.StatusRunning, "")
		d.emit(ctx, broadcast.EventBuildResumed, map[string]any{"action": res.Action})
	}
}

func (d *driver) completeBuild(ctx context.Context) {
	d.setStatus(ctx, buildmodel.StatusCompleted, "")
	total, _ := d.o.acct.Total(ctx, d.b.ID)
	d.emit(ctx, broadcast.EventBuildCompleted, map[string]any{
		"phases_completed": d.b.CompletedPhases,
		"commits":          d.commits,
		"total_cost_usd":   total,
	})
	metrics.Get().BuildsByStatus.WithLabelValues(string(buildmodel.StatusCompleted)).Inc()
	d.log.Info("build completed", zap.Int("phases", d.b.CompletedPhases))
}

func (d *driver) failBuild(ctx context.Context, err error) {
	kind, msg := forgeerr.AsStructured(err)
	detail := string(kind) + ": " + msg
	d.setStatus(ctx, buildmodel.StatusFailed, detail)
	d.appendLog(ctx, buildmodel.SourceSystem, buildmodel.LevelError, detail)
	d.emit(ctx, broadcast.EventBuildLog, map[string]any{"level": "error", "message": detail})
	metrics.Get().BuildsByStatus.WithLabelValues(string(buildmodel.StatusFailed)).Inc()
	d.log.Warn("build failed", zap.String("detail", detail))
}

func (d *driver) cancelBuild(ctx context.Context) {
	d.mu.Lock()
	force := d.force
	d.mu.Unlock()
	d.setStatus(ctx, buildmodel.StatusCancelled, "")
	if !force {
		d.appendLog(ctx, buildmodel.SourceSystem, buildmodel.LevelInfo, string(forgeerr.KindCancelled)+": cancelled by user")
	}
	d.emit(ctx, broadcast.EventBuildCancelled, nil)
	metrics.Get().BuildsByStatus.WithLabelValues(string(buildmodel.StatusCancelled)).Inc()
}

// seedConversationFromLogs rebuilds a rolling conversation tail from the
// persisted BuildLog after a restart, so a resumed build carries context.
func (d *driver) seedConversationFromLogs(ctx context.Context) {
	logs, err := d.o.store.ListLogs(ctx, d.b.ID, time.Time{}, 1000)
	if err != nil || len(logs) == 0 {
		return
	}
	if len(logs) > 20 {
		logs = logs[len(logs)-20:]
	}
	var b strings.Builder
	b.WriteString("[Rehydrated context] The build resumed after a restart. Recent history:\n")
	for _, entry := range logs {
		fmt.Fprintf(&b, "- [%s] %s\n", entry.Source, firstLine(entry.Message))
	}
	d.conv.append(turn{Msg: msgUser(b.String())})
}

func msgUser(content string) llm.Message {
	return llm.Message{Role: "user", Content: content}
}
