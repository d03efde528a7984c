// Package buildmodel holds the persisted and in-memory shapes of a build:
// the Build row itself, its append-only log, its cost ledger, and its
// pending-gate state. These are the nouns every other ForgeGuard package
// operates on.
package buildmodel

import (
	"time"
)

// Status is the build's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TargetKind identifies what a build writes into.
type TargetKind string

const (
	TargetNewRemote      TargetKind = "new_remote"
	TargetExistingRemote TargetKind = "existing_remote"
	TargetLocal          TargetKind = "local"
)

// GateKind identifies why a build is paused and awaiting external input.
type GateKind string

const (
	GatePhaseReview  GateKind = "phase_review"
	GateIDEReady     GateKind = "ide_ready"
	GateClarification GateKind = "clarification"
	GatePlanReview   GateKind = "plan_review"
	GateCostCap      GateKind = "cost_cap"
)

// GateAction is a user's resolution of a pending gate.
type GateAction string

const (
	ActionRetry             GateAction = "retry"
	ActionRetryWithMessage  GateAction = "retry_with_message"
	ActionSkipPhase         GateAction = "skip_phase"
	ActionAbort             GateAction = "abort"
)

// PendingGate is the persisted await-state of a paused build.
// Rehydrated on process restart so a resume can continue from where the
// build left off.
type PendingGate struct {
	Kind         GateKind               `json:"kind"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	RegisteredAt time.Time              `json:"registered_at"`
}

// Build is one orchestrated build. Only the Orchestrator mutates Status,
// Phase, LoopCount, and CompletedPhases once a build is running — every
// other component observes through BuildStore.
type Build struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	ProjectID      string     `json:"project_id" gorm:"index"`
	UserID         string     `json:"user_id" gorm:"index"`
	Phase          string     `json:"phase"`
	Status         Status     `json:"status" gorm:"index"`
	LoopCount      int        `json:"loop_count"`
	CompletedPhases int       `json:"completed_phases"`
	TargetKind     TargetKind `json:"target_kind"`
	TargetRef      string     `json:"target_ref"`
	WorkingDir     string     `json:"working_dir"`
	ContractBatch  string     `json:"contract_batch"`
	PendingGate    *PendingGate `json:"pending_gate,omitempty" gorm:"serializer:json"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	ErrorDetail    string     `json:"error_detail,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the build row's structural invariants.
func (b *Build) Validate() error {
	if b.Status == StatusPaused && b.PendingGate == nil {
		return errInvariant("status=paused requires a non-nil pending_gate")
	}
	if b.LoopCount < 0 {
		return errInvariant("loop_count must be >= 0")
	}
	if (b.Status == StatusCompleted || b.Status == StatusFailed || b.Status == StatusCancelled) && b.CompletedAt == nil {
		return errInvariant("terminal status requires completed_at to be set")
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return string(e) }
func errInvariant(msg string) error    { return invariantError(msg) }

// LogSource identifies who produced a BuildLog entry.
type LogSource string

const (
	SourceBuilder LogSource = "builder"
	SourceAudit   LogSource = "audit"
	SourcePlanner LogSource = "planner"
	SourceTool    LogSource = "tool"
	SourceTest    LogSource = "test"
	SourceGit     LogSource = "git"
	SourceSystem  LogSource = "system"
	SourceUser    LogSource = "user"
)

// LogLevel is the severity of a BuildLog entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// BuildLog is one append-only timeline entry. Never revised after creation.
type BuildLog struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	BuildID   string    `json:"build_id" gorm:"index"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
	Source    LogSource `json:"source"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// BuildCost is one row per LLM call (or aggregated per phase). The sum of
// USD over a build's rows must equal the accountant's running total within
// floating-point tolerance.
type BuildCost struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	BuildID      string    `json:"build_id" gorm:"index"`
	Phase        string    `json:"phase"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	USD          float64   `json:"usd" gorm:"type:numeric(12,6)"`
	CreatedAt    time.Time `json:"created_at"`
}

// TaskStatus is the status of one item in a phase's task plan.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// PlanTask is one line of a phase's in-memory task plan.
type PlanTask struct {
	N           int        `json:"n"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
}
