package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"forgeguard/internal/buildmodel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	err    error
}

func (s *memSink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *memSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *memSink) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, f := range s.frames {
		var ev Event
		if json.Unmarshal(f, &ev) == nil {
			out = append(out, ev)
		}
	}
	return out
}

type memLog struct {
	mu   sync.Mutex
	rows []buildmodel.BuildLog
}

func (l *memLog) AppendLog(_ context.Context, entry buildmodel.BuildLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, entry)
	return nil
}

func TestEmitDeliversAndPersists(t *testing.T) {
	store := &memLog{}
	b := New(store)
	defer b.Stop()

	sink := &memSink{}
	b.Register("u1", sink)

	for i, kind := range []EventKind{EventBuildStarted, EventPhaseStart, EventAuditPass} {
		b.Emit(context.Background(), "u1", Event{Type: kind, BuildID: "b1", Payload: map[string]any{"i": i}})
	}

	events := sink.received()
	require.Len(t, events, 3)
	assert.Equal(t, EventBuildStarted, events[0].Type)
	assert.Equal(t, EventPhaseStart, events[1].Type)
	assert.Equal(t, EventAuditPass, events[2].Type)

	// Every broadcast event is also a BuildLog row, in the same order.
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.rows, 3)
	for i, kind := range []EventKind{EventBuildStarted, EventPhaseStart, EventAuditPass} {
		assert.Contains(t, store.rows[i].Message, string(kind))
		assert.Equal(t, "b1", store.rows[i].BuildID)
	}
}

func TestSinkCapClosesOldest(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	sinks := []*memSink{{}, {}, {}, {}}
	for _, s := range sinks[:3] {
		b.Register("u1", s)
	}
	assert.Equal(t, 3, b.SinkCount("u1"))

	b.Register("u1", sinks[3])
	assert.Equal(t, 3, b.SinkCount("u1"))
	sinks[0].mu.Lock()
	assert.True(t, sinks[0].closed, "oldest sink is closed when a 4th connects")
	sinks[0].mu.Unlock()
}

func TestFailingSinkIsDropped(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	bad := &memSink{err: errors.New("gone")}
	good := &memSink{}
	b.Register("u1", bad)
	b.Register("u1", good)

	b.Emit(context.Background(), "u1", Event{Type: EventBuildLog, BuildID: "b1"})
	assert.Equal(t, 1, b.SinkCount("u1"))
	assert.Len(t, good.received(), 1)
	bad.mu.Lock()
	assert.True(t, bad.closed)
	bad.mu.Unlock()
}

func TestUnregister(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	sink := &memSink{}
	b.Register("u1", sink)
	b.Unregister("u1", sink)
	assert.Equal(t, 0, b.SinkCount("u1"))

	b.Emit(context.Background(), "u1", Event{Type: EventBuildLog, BuildID: "b1"})
	assert.Empty(t, sink.received())
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New(nil)
	defer b.Stop()
	sink := &memSink{}
	b.Register("u1", sink)

	b.Emit(context.Background(), "u1", Event{Type: EventHeartbeat, BuildID: "b1"})
	events := sink.received()
	require.Len(t, events, 1)
	assert.WithinDuration(t, time.Now(), events[0].Timestamp, 5*time.Second)
}
