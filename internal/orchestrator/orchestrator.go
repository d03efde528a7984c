// Package orchestrator is the build driver: the phase loop, the
// conversation loop, tool-call plumbing, pause/resume/interject, audit
// gating, loopback, git commits, and terminal-state handling. It is the
// single owner of phase state; every collaborator sits behind a narrow
// port interface so the driver never reaches into another module's guts.
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
	"forgeguard/internal/config"
	"forgeguard/internal/cost"
	"forgeguard/internal/forgeerr"
	"forgeguard/internal/gitclient"
	"forgeguard/internal/llm"
	"forgeguard/internal/logging"
	"forgeguard/internal/metrics"
	"forgeguard/internal/recovery"
	"forgeguard/internal/toolexec"
	"forgeguard/internal/workspace"

	"go.uber.org/zap"
)

// StorePort is the slice of BuildStore the orchestrator drives.
type StorePort interface {
	Create(ctx context.Context, b *buildmodel.Build) error
	Get(ctx context.Context, id string) (*buildmodel.Build, error)
	UpdateStatus(ctx context.Context, id string, status buildmodel.Status, errorDetail string) error
	SetPhase(ctx context.Context, id, phase string, completedPhases int) error
	SetLoopCount(ctx context.Context, id string, n int) error
	SetGate(ctx context.Context, id string, gate *buildmodel.PendingGate) error
	ClearGate(ctx context.Context, id string) error
	AppendLog(ctx context.Context, entry buildmodel.BuildLog) error
	ListLogs(ctx context.Context, buildID string, afterTS time.Time, limit int) ([]buildmodel.BuildLog, error)
	ListCosts(ctx context.Context, buildID string) ([]buildmodel.BuildCost, error)
	LoadContracts(ctx context.Context, batch string) (map[string]string, error)
	ListByStatus(ctx context.Context, status buildmodel.Status) ([]buildmodel.Build, error)
	RecoverOrphans(ctx context.Context) ([]string, error)
}

// BusPort is the Broadcaster surface the driver emits through.
type BusPort interface {
	Emit(ctx context.Context, userID string, ev broadcast.Event)
}

// AcctPort is the CostAccountant surface the driver consults.
type AcctPort interface {
	Record(ctx context.Context, buildID, phase, model string, inputTokens, outputTokens int) (float64, error)
	Total(ctx context.Context, buildID string) (float64, error)
	PreAuthorize(ctx context.Context, buildID string, userSpendCap, serverMaxCostUSD, estimatedTurnUSD float64) (cost.CapDecision, error)
}

// AuditorPort gates phase progression.
type AuditorPort interface {
	Run(ctx context.Context, phase, contractsSummary string, ws *workspace.Workspace, builderOutput string) (*audit.Report, error)
}

// PlannerPort produces remediation plans on audit FAIL.
type PlannerPort interface {
	Plan(ctx context.Context, phase, contractsSummary, builderOutput string, findings []audit.Finding) (*recovery.Plan, error)
}

// GitPort is the per-build git surface.
type GitPort interface {
	InitOrClone(ctx context.Context, target gitclient.Target) error
	StageAll(ctx context.Context) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context, remote, branch string, retries int) error
	CreateRemoteRepo(ctx context.Context, name string, private bool) (string, error)
}

// GitFactory builds a GitPort rooted at one build's working directory.
type GitFactory func(workDir, buildID string) GitPort

// Orchestrator owns the registry of live build drivers and the control
// surface HTTP collaborators call.
type Orchestrator struct {
	store    StorePort
	bus      BusPort
	acct     AcctPort
	builder  llm.Client
	auditor  AuditorPort
	planner  PlannerPort
	gitFor   GitFactory
	settings *config.Settings
	rates    llm.RateTable
	workBase string
	log      *zap.Logger

	mu      sync.Mutex
	drivers map[string]*driver

	watchdogStop chan struct{}
	wg           sync.WaitGroup
}

// Options bundles the collaborators New wires together.
type Options struct {
	Store    StorePort
	Bus      BusPort
	Acct     AcctPort
	Builder  llm.Client
	Auditor  AuditorPort
	Planner  PlannerPort
	GitFor   GitFactory
	Settings *config.Settings
	Rates    llm.RateTable
	// WorkBase is where remote-target builds get their working directories.
	WorkBase string
}

// New constructs an Orchestrator, runs the startup orphan scan, and starts
// the pause-timeout watchdog.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Rates == nil {
		opts.Rates = llm.DefaultRateTable()
	}
	o := &Orchestrator{
		store:        opts.Store,
		bus:          opts.Bus,
		acct:         opts.Acct,
		builder:      opts.Builder,
		auditor:      opts.Auditor,
		planner:      opts.Planner,
		gitFor:       opts.GitFor,
		settings:     opts.Settings,
		rates:        opts.Rates,
		workBase:     opts.WorkBase,
		log:          logging.L().With(zap.String("component", "orchestrator")),
		drivers:      make(map[string]*driver),
		watchdogStop: make(chan struct{}),
	}
	if _, err := o.store.RecoverOrphans(ctx); err != nil {
		return nil, err
	}
	go o.watchdogLoop()
	return o, nil
}

// Shutdown stops the watchdog and waits for live drivers to observe their
// cancellation.
func (o *Orchestrator) Shutdown() {
	close(o.watchdogStop)
	o.mu.Lock()
	for _, d := range o.drivers {
		d.requestCancel(false)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// StartRequest carries start_build's inputs.
type StartRequest struct {
	ProjectID   string
	UserID      string
	TargetKind  buildmodel.TargetKind
	TargetRef   string
	APIKeyRef   string
	BuildMode   string
	Phases      []string
	SpendCapUSD float64
	// ContractBatch pins an already-snapshotted batch; empty means the
	// build runs without governance documents.
	ContractBatch string
}

// DefaultPhasePlan is the phase sequence used when a project supplies none.
func DefaultPhasePlan() []string {
	return []string{"scaffold", "implement", "test", "polish"}
}

// StartBuild creates the build row, prepares its Workspace, and launches
// the driver goroutine. Returns the new build id.
func (o *Orchestrator) StartBuild(ctx context.Context, req StartRequest) (string, error) {
	phases := req.Phases
	if len(phases) == 0 {
		phases = DefaultPhasePlan()
	}
	spendCap := req.SpendCapUSD
	if spendCap <= 0 {
		spendCap = o.settings.DefaultUserSpendCap
	}

	workDir := req.TargetRef
	if req.TargetKind != buildmodel.TargetLocal {
		workDir = fmt.Sprintf("%s/%s", strings.TrimRight(o.workBase, "/"), "build-"+req.ProjectID+"-"+fmt.Sprint(time.Now().UnixNano()))
	}

	b := &buildmodel.Build{
		ProjectID:     req.ProjectID,
		UserID:        req.UserID,
		Status:        buildmodel.StatusPending,
		Phase:         phases[0],
		TargetKind:    req.TargetKind,
		TargetRef:     req.TargetRef,
		WorkingDir:    workDir,
		ContractBatch: req.ContractBatch,
	}
	if err := o.store.Create(ctx, b); err != nil {
		return "", err
	}

	ws, err := workspace.New(workDir)
	if err != nil {
		_ = o.store.UpdateStatus(ctx, b.ID, buildmodel.StatusFailed, "workspace setup failed")
		return "", err
	}

	contracts := ""
	if req.ContractBatch != "" {
		docs, loadErr := o.store.LoadContracts(ctx, req.ContractBatch)
		if loadErr != nil {
			_ = o.store.UpdateStatus(ctx, b.ID, buildmodel.StatusFailed, "contract batch load failed")
			return "", loadErr
		}
		contracts = renderContracts(docs)
	}

	d := o.newDriver(b, ws, phases, contracts, spendCap)
	o.mu.Lock()
	o.drivers[b.ID] = d
	o.mu.Unlock()

	metrics.Get().BuildsStartedTotal.Inc()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		d.run()
		o.mu.Lock()
		delete(o.drivers, b.ID)
		o.mu.Unlock()
	}()
	return b.ID, nil
}

func renderContracts(docs map[string]string) string {
	var b strings.Builder
	for path, content := range docs {
		fmt.Fprintf(&b, "## %s\n%s\n\n", path, content)
	}
	return b.String()
}

// CancelBuild requests cancellation. force hard-stops in-flight subprocess
// and provider stream without cleanup hooks; a plain cancel is cooperative but still cancels the tool
// context so a sleeping subprocess dies promptly.
func (o *Orchestrator) CancelBuild(ctx context.Context, buildID string, force bool) error {
	o.mu.Lock()
	d, live := o.drivers[buildID]
	o.mu.Unlock()
	if live {
		d.requestCancel(force)
		return nil
	}

	// No live driver: only pre-driver or rehydrated paused builds can be
	// cancelled directly.
	b, err := o.store.Get(ctx, buildID)
	if err != nil {
		return forgeerr.New(forgeerr.KindInternal, "build not found")
	}
	switch b.Status {
	case buildmodel.StatusPending, buildmodel.StatusPaused:
		if err := o.store.ClearGate(ctx, buildID); err != nil {
			return err
		}
		if err := o.store.UpdateStatus(ctx, buildID, buildmodel.StatusCancelled, ""); err != nil {
			return err
		}
		o.bus.Emit(ctx, b.UserID, broadcast.Event{Type: broadcast.EventBuildCancelled, BuildID: buildID})
		metrics.Get().BuildsByStatus.WithLabelValues(string(buildmodel.StatusCancelled)).Inc()
		return nil
	case buildmodel.StatusCompleted, buildmodel.StatusFailed, buildmodel.StatusCancelled:
		return forgeerr.New(forgeerr.KindCancelled, "build already terminal")
	default:
		return forgeerr.New(forgeerr.KindInternal, "build has no live driver")
	}
}

// ResumeRequest is a gate resolution.
type ResumeRequest struct {
	Action  buildmodel.GateAction
	Message string
}

// ResumeBuild resolves a paused build's gate. If the driver is live it is
// handed the resolution directly; a build rehydrated after a restart gets
// a fresh driver that continues from the persisted conversation tail.
func (o *Orchestrator) ResumeBuild(ctx context.Context, buildID string, req ResumeRequest) error {
	b, err := o.store.Get(ctx, buildID)
	if err != nil {
		return forgeerr.New(forgeerr.KindInternal, "build not found")
	}
	if b.Status != buildmodel.StatusPaused {
		return forgeerr.New(forgeerr.KindInternal, "build is not paused")
	}

	o.mu.Lock()
	d, live := o.drivers[buildID]
	o.mu.Unlock()
	if live {
		return d.resolveGate(gateResolution{Action: req.Action, Message: req.Message})
	}
	return o.rehydrate(ctx, b, req)
}

// rehydrate relaunches a driver for a build whose process died while
// paused. The gate resolution is applied
// up front; the conversation tail is rebuilt from the persisted BuildLog.
func (o *Orchestrator) rehydrate(ctx context.Context, b *buildmodel.Build, req ResumeRequest) error {
	if err := o.store.ClearGate(ctx, b.ID); err != nil {
		return err
	}
	if req.Action == buildmodel.ActionAbort {
		if err := o.store.UpdateStatus(ctx, b.ID, buildmodel.StatusCancelled, ""); err != nil {
			return err
		}
		o.bus.Emit(ctx, b.UserID, broadcast.Event{Type: broadcast.EventBuildCancelled, BuildID: b.ID})
		metrics.Get().BuildsByStatus.WithLabelValues(string(buildmodel.StatusCancelled)).Inc()
		return nil
	}

	ws, err := workspace.New(b.WorkingDir)
	if err != nil {
		return err
	}
	contracts := ""
	if b.ContractBatch != "" {
		docs, loadErr := o.store.LoadContracts(ctx, b.ContractBatch)
		if loadErr == nil {
			contracts = renderContracts(docs)
		}
	}
	phases := DefaultPhasePlan()
	if b.Phase != "" && !containsPhase(phases, b.Phase) {
		phases = append(phases, b.Phase)
	}

	b.PendingGate = nil
	if req.Action == buildmodel.ActionSkipPhase && b.CompletedPhases < len(phases) {
		next := ""
		if b.CompletedPhases+1 < len(phases) {
			next = phases[b.CompletedPhases+1]
		}
		b.CompletedPhases++
		b.Phase = next
		if err := o.store.SetPhase(ctx, b.ID, next, b.CompletedPhases); err != nil {
			return err
		}
	}

	d := o.newDriver(b, ws, phases, contracts, o.settings.DefaultUserSpendCap)
	d.seedConversationFromLogs(ctx)
	if req.Action == buildmodel.ActionRetryWithMessage && req.Message != "" {
		d.conv.append(turn{Msg: msgUser(req.Message), AuditFinding: true})
	}
	o.bus.Emit(ctx, b.UserID, broadcast.Event{Type: broadcast.EventBuildResumed, BuildID: b.ID,
		Payload: map[string]any{"action": req.Action}})

	o.mu.Lock()
	o.drivers[b.ID] = d
	o.mu.Unlock()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		d.run()
		o.mu.Lock()
		delete(o.drivers, b.ID)
		o.mu.Unlock()
	}()
	return nil
}

func containsPhase(phases []string, p string) bool {
	for _, x := range phases {
		if x == p {
			return true
		}
	}
	return false
}

// Interject queues a user message for injection at the next turn boundary.
// It returns an error for paused builds (the gate is the channel there).
func (o *Orchestrator) Interject(ctx context.Context, buildID, message string) error {
	o.mu.Lock()
	d, live := o.drivers[buildID]
	o.mu.Unlock()
	if !live {
		return forgeerr.New(forgeerr.KindInternal, "build has no live driver")
	}
	return d.interject(ctx, message)
}

// Status returns the build row.
func (o *Orchestrator) Status(ctx context.Context, buildID string) (*buildmodel.Build, error) {
	return o.store.Get(ctx, buildID)
}

// Logs returns up to limit BuildLog rows after afterTS.
func (o *Orchestrator) Logs(ctx context.Context, buildID string, afterTS time.Time, limit int) ([]buildmodel.BuildLog, error) {
	return o.store.ListLogs(ctx, buildID, afterTS, limit)
}

// watchdogLoop fails paused builds whose gate has been idle past
// pause_timeout_minutes, including builds rehydrated with no live driver.
func (o *Orchestrator) watchdogLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.watchdogStop:
			return
		case <-ticker.C:
			o.sweepPaused()
		}
	}
}

func (o *Orchestrator) sweepPaused() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	timeout := time.Duration(o.settings.PauseTimeoutMinutes) * time.Minute
	paused, err := o.store.ListByStatus(ctx, buildmodel.StatusPaused)
	if err != nil {
		o.log.Error("watchdog scan failed", zap.Error(err))
		return
	}
	for _, b := range paused {
		o.mu.Lock()
		_, live := o.drivers[b.ID]
		o.mu.Unlock()
		if live {
			continue // the driver's own gate select enforces its timeout
		}
		if b.PausedAt == nil || time.Since(*b.PausedAt) < timeout {
			continue
		}
		if err := o.store.ClearGate(ctx, b.ID); err != nil {
			continue
		}
		_ = o.store.UpdateStatus(ctx, b.ID, buildmodel.StatusFailed, string(forgeerr.KindBuildTimeout)+": pause gate timed out")
		o.bus.Emit(ctx, b.UserID, broadcast.Event{Type: broadcast.EventBuildLog, BuildID: b.ID,
			Payload: map[string]any{"level": "error", "message": "paused build timed out"}})
		metrics.Get().BuildsByStatus.WithLabelValues(string(buildmodel.StatusFailed)).Inc()
		o.log.Warn("paused build timed out", zap.String("build_id", b.ID))
	}
}

// NewGitClient is the production GitFactory.
func NewGitClient(githubToken string) GitFactory {
	return func(workDir, buildID string) GitPort {
		return gitclient.New(workDir, buildID, githubToken, nil)
	}
}

// newToolExecutor builds the per-build tool surface with the configured
// timeouts.
func (o *Orchestrator) newToolExecutor(ws *workspace.Workspace, buildID string) *toolexec.Executor {
	return toolexec.New(ws, buildID, toolexec.Timeouts{
		RunTests:    o.settings.ToolRunTestsTimeout,
		CheckSyntax: o.settings.ToolCheckSyntaxTimeout,
		Shell:       o.settings.ToolShellTimeout,
	})
}
