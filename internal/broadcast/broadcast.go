// Package broadcast implements the Broadcaster: a per-user push channel
// fanning build events to any number of connected
// observer sinks, with a heartbeat, a 3-sinks-per-user cap, and every
// event also persisted as a BuildLog row so clients can replay history on
// reconnect.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"forgeguard/internal/buildmodel"
	"forgeguard/internal/logging"

	"go.uber.org/zap"
)

const maxSinksPerUser = 3
const heartbeatInterval = 30 * time.Second

// EventKind is the JSON envelope type of an outbound event.
type EventKind string

const (
	EventBuildStarted     EventKind = "build_started"
	EventWorkspaceReady    EventKind = "workspace_ready"
	EventBuildOverview     EventKind = "build_overview"
	EventPhaseStart        EventKind = "phase_start"
	EventPhasePlan         EventKind = "phase_plan"
	EventTaskComplete      EventKind = "task_complete"
	EventBuildLog          EventKind = "build_log"
	EventToolUse           EventKind = "tool_use"
	EventFileCreated       EventKind = "file_created"
	EventFileModified      EventKind = "file_modified"
	EventTestRun           EventKind = "test_run"
	EventAuditPass         EventKind = "audit_pass"
	EventAuditFail         EventKind = "audit_fail"
	EventRecoveryPlan      EventKind = "recovery_plan"
	EventBuildPaused       EventKind = "build_paused"
	EventBuildInterjection EventKind = "build_interjection"
	EventBuildResumed      EventKind = "build_resumed"
	EventBuildCancelled    EventKind = "build_cancelled"
	EventBuildCompleted    EventKind = "build_completed"
	EventHeartbeat         EventKind = "heartbeat"
	EventCompacted         EventKind = "compacted"
)

// Event is one typed record sent to observer sinks.
type Event struct {
	Type      EventKind `json:"type"`
	BuildID   string    `json:"build_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is anything that can receive a serialized Event — a WebSocket
// connection wrapper, an SSE writer, or a test fake. Send must be
// non-blocking from the Broadcaster's point of view; implementations are
// expected to buffer internally and report back-pressure via error.
type Sink interface {
	Send(data []byte) error
	Close()
}

// LogAppender is the subset of BuildStore's contract the Broadcaster uses
// to persist every event as a BuildLog row.
type LogAppender interface {
	AppendLog(ctx context.Context, entry buildmodel.BuildLog) error
}

type userSinks struct {
	mu    sync.Mutex
	sinks []Sink
}

// Broadcaster fans events to per-user observer sinks and mirrors every
// event into the BuildLog via LogAppender.
type Broadcaster struct {
	mu    sync.RWMutex
	users map[string]*userSinks
	store LogAppender
	log   *zap.Logger

	stopHeartbeat chan struct{}
}

// New creates a Broadcaster and starts its heartbeat loop.
func New(store LogAppender) *Broadcaster {
	b := &Broadcaster{
		users:         make(map[string]*userSinks),
		store:         store,
		log:           logging.L().With(zap.String("component", "broadcast")),
		stopHeartbeat: make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Stop terminates the heartbeat loop. Call once at process shutdown.
func (b *Broadcaster) Stop() { close(b.stopHeartbeat) }

// Register adds a sink for a user, closing the oldest sink if this is the
// 4th concurrent connection.
func (b *Broadcaster) Register(userID string, sink Sink) {
	b.mu.Lock()
	us, ok := b.users[userID]
	if !ok {
		us = &userSinks{}
		b.users[userID] = us
	}
	b.mu.Unlock()

	us.mu.Lock()
	defer us.mu.Unlock()
	if len(us.sinks) >= maxSinksPerUser {
		oldest := us.sinks[0]
		oldest.Close()
		us.sinks = us.sinks[1:]
	}
	us.sinks = append(us.sinks, sink)
}

// Unregister removes a sink from a user's connection list.
func (b *Broadcaster) Unregister(userID string, sink Sink) {
	b.mu.RLock()
	us, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	for i, s := range us.sinks {
		if s == sink {
			us.sinks = append(us.sinks[:i], us.sinks[i+1:]...)
			return
		}
	}
}

// Emit sends ev to every sink registered for userID, persists it as a
// BuildLog row, and drops any sink that errors on Send. Events for one
// build are emitted strictly in the order the caller invokes Emit
//, so callers must not call Emit for
// the same build concurrently from more than one goroutine — the
// Orchestrator's per-build lock is what provides that guarantee.
func (b *Broadcaster) Emit(ctx context.Context, userID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.persist(ctx, ev)

	b.mu.RLock()
	us, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("marshal event failed", zap.Error(err))
		return
	}

	us.mu.Lock()
	defer us.mu.Unlock()
	var alive []Sink
	for _, s := range us.sinks {
		if sendErr := s.Send(data); sendErr != nil {
			s.Close()
			continue
		}
		alive = append(alive, s)
	}
	us.sinks = alive
}

func (b *Broadcaster) persist(ctx context.Context, ev Event) {
	if b.store == nil {
		return
	}
	level := buildmodel.LevelInfo
	payload, _ := json.Marshal(ev.Payload)
	entry := buildmodel.BuildLog{
		BuildID:   ev.BuildID,
		Timestamp: ev.Timestamp,
		Source:    buildmodel.SourceSystem,
		Level:     level,
		Message:   string(ev.Type) + " " + string(payload),
	}
	if err := b.store.AppendLog(ctx, entry); err != nil {
		b.log.Error("persist build log failed", zap.Error(err), zap.String("build_id", ev.BuildID))
	}
}

func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopHeartbeat:
			return
		case <-ticker.C:
			b.pingAll()
		}
	}
}

func (b *Broadcaster) pingAll() {
	b.mu.RLock()
	allUsers := make([]*userSinks, 0, len(b.users))
	for _, us := range b.users {
		allUsers = append(allUsers, us)
	}
	b.mu.RUnlock()

	data, _ := json.Marshal(Event{Type: EventHeartbeat, Timestamp: time.Now()})
	for _, us := range allUsers {
		us.mu.Lock()
		var alive []Sink
		for _, s := range us.sinks {
			if err := s.Send(data); err != nil {
				s.Close()
				continue
			}
			alive = append(alive, s)
		}
		us.sinks = alive
		us.mu.Unlock()
	}
}

// SinkCount returns how many sinks are currently registered for a user,
// used by tests and by observability.
func (b *Broadcaster) SinkCount(userID string) int {
	b.mu.RLock()
	us, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	return len(us.sinks)
}
